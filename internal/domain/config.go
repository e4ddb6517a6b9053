package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Risk thresholds
	Risk RiskConfig `json:"risk"`

	// Integrity signing
	Integrity IntegrityConfig `json:"integrity"`

	// Async worker
	Worker WorkerConfig `json:"worker"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// JWTSecret enables HS256 bearer authentication on /v1 when set.
	JWTSecret string `json:"-"`
	JWTIssuer string `json:"jwtIssuer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig selects the span exporter. An empty Exporter disables
// tracing.
type TracingConfig struct {
	Exporter     string `json:"exporter"` // "", "otlp" or "stdout"
	OTLPEndpoint string `json:"otlpEndpoint"`
	Insecure     bool   `json:"insecure"`
	ServiceName  string `json:"serviceName"`
}

// IntegrityConfig holds the HMAC signing key. An empty key disables signing;
// digests are still computed.
type IntegrityConfig struct {
	SigningKey string `json:"-"`
}

// WorkerConfig controls the bus consumer.
type WorkerConfig struct {
	Enabled     bool `json:"enabled"`
	Concurrency int  `json:"concurrency"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and in-process counters
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis
	TierPro Tier = "pro"
)

// RiskConfig gathers every threshold and weight used by the scorer, the AML
// detector and the monitor. The defaults were carried over from the first
// production rules and have not been tuned against labelled fraud data yet.
type RiskConfig struct {
	Scoring ScoringConfig `json:"scoring" yaml:"scoring"`
	AML     AMLConfig     `json:"aml" yaml:"aml"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
}

// ScoringConfig holds per-transaction factor thresholds and deltas.
type ScoringConfig struct {
	// Amount anomaly: ratio to the profile average above AmountMultiplier
	// adds ratio*AmountScorePerMultiple, capped at AmountMaxScore.
	AmountMultiplier       float64 `json:"amountMultiplier" yaml:"amount_multiplier"`
	AmountScorePerMultiple float64 `json:"amountScorePerMultiple" yaml:"amount_score_per_multiple"`
	AmountMaxScore         float64 `json:"amountMaxScore" yaml:"amount_max_score"`

	// Amount above the user's largest previous transaction.
	ExceedsMaxScore float64 `json:"exceedsMaxScore" yaml:"exceeds_max_score"`

	// Velocity: more than VelocityMaxCount transactions within VelocityWindow.
	VelocityWindow   time.Duration `json:"velocityWindow" yaml:"velocity_window"`
	VelocityMaxCount int           `json:"velocityMaxCount" yaml:"velocity_max_count"`
	VelocityScore    float64       `json:"velocityScore" yaml:"velocity_score"`

	// Time pattern: hours in [AtypicalHourStart, AtypicalHourEnd) UTC.
	AtypicalHourStart int     `json:"atypicalHourStart" yaml:"atypical_hour_start"`
	AtypicalHourEnd   int     `json:"atypicalHourEnd" yaml:"atypical_hour_end"`
	AtypicalHourScore float64 `json:"atypicalHourScore" yaml:"atypical_hour_score"`
	UncommonHourScore float64 `json:"uncommonHourScore" yaml:"uncommon_hour_score"`

	// Merchant risk
	HighRiskMerchantCategories []string `json:"highRiskMerchantCategories" yaml:"high_risk_merchant_categories"`
	HighRiskMerchantScore      float64  `json:"highRiskMerchantScore" yaml:"high_risk_merchant_score"`
	UnfamiliarMerchantScore    float64  `json:"unfamiliarMerchantScore" yaml:"unfamiliar_merchant_score"`

	UnfamiliarLocationScore float64 `json:"unfamiliarLocationScore" yaml:"unfamiliar_location_score"`
	NewDeviceScore          float64 `json:"newDeviceScore" yaml:"new_device_score"`

	Bands RiskBands `json:"bands" yaml:"bands"`
}

// AMLConfig holds the monthly pattern checks. Its bands are deliberately
// separate from the per-transaction ones.
type AMLConfig struct {
	EnableVolume      bool `json:"enableVolume" yaml:"enable_volume"`
	EnableStructuring bool `json:"enableStructuring" yaml:"enable_structuring"`
	EnableRepeated    bool `json:"enableRepeated" yaml:"enable_repeated"`
	EnableRound       bool `json:"enableRound" yaml:"enable_round"`

	MonthlyVolumeThreshold float64 `json:"monthlyVolumeThreshold" yaml:"monthly_volume_threshold"`
	VolumeWeight           float64 `json:"volumeWeight" yaml:"volume_weight"`
	VolumeMaxScore         float64 `json:"volumeMaxScore" yaml:"volume_max_score"`

	// Structuring: amounts in [ReportingThreshold*StructuringLowerBound, ReportingThreshold).
	ReportingThreshold    float64 `json:"reportingThreshold" yaml:"reporting_threshold"`
	StructuringLowerBound float64 `json:"structuringLowerBound" yaml:"structuring_lower_bound"`
	StructuringMinCount   int     `json:"structuringMinCount" yaml:"structuring_min_count"`
	StructuringWeight     float64 `json:"structuringWeight" yaml:"structuring_weight"`

	RepeatedAmountMinCount int     `json:"repeatedAmountMinCount" yaml:"repeated_amount_min_count"`
	RepeatedAmountWeight   float64 `json:"repeatedAmountWeight" yaml:"repeated_amount_weight"`

	RoundAmountUnit            float64 `json:"roundAmountUnit" yaml:"round_amount_unit"`
	RoundAmountProportion      float64 `json:"roundAmountProportion" yaml:"round_amount_proportion"`
	RoundAmountMinTransactions int     `json:"roundAmountMinTransactions" yaml:"round_amount_min_transactions"`
	RoundAmountWeight          float64 `json:"roundAmountWeight" yaml:"round_amount_weight"`

	MonthlyMediumThreshold float64 `json:"monthlyMediumThreshold" yaml:"monthly_medium_threshold"`
	MonthlyHighThreshold   float64 `json:"monthlyHighThreshold" yaml:"monthly_high_threshold"`
	ManualReviewMinFlags   int     `json:"manualReviewMinFlags" yaml:"manual_review_min_flags"`
}

// MonitorConfig controls alerting on repeated suspicious events.
type MonitorConfig struct {
	AlertThreshold int64 `json:"alertThreshold" yaml:"alert_threshold"`

	// CounterTTL of 0 keeps counters forever.
	CounterTTL time.Duration `json:"counterTtl" yaml:"counter_ttl"`

	// SinkTimeout bounds each alert delivery.
	SinkTimeout time.Duration `json:"sinkTimeout" yaml:"sink_timeout"`
}

// DefaultRiskConfig returns the provisional thresholds.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Scoring: ScoringConfig{
			AmountMultiplier:       3,
			AmountScorePerMultiple: 10,
			AmountMaxScore:         40,
			ExceedsMaxScore:        10,
			VelocityWindow:         time.Hour,
			VelocityMaxCount:       10,
			VelocityScore:          25,
			AtypicalHourStart:      0,
			AtypicalHourEnd:        5,
			AtypicalHourScore:      10,
			UncommonHourScore:      5,
			HighRiskMerchantCategories: []string{
				"gambling", "casino", "betting", "crypto", "money transfer", "wire transfer", "gift card", "pawn",
			},
			HighRiskMerchantScore:   30,
			UnfamiliarMerchantScore: 10,
			UnfamiliarLocationScore: 10,
			NewDeviceScore:          15,
			Bands:                   RiskBands{Medium: 30, High: 60, Critical: 80},
		},
		AML: AMLConfig{
			EnableVolume:               true,
			EnableStructuring:          true,
			EnableRepeated:             true,
			EnableRound:                true,
			MonthlyVolumeThreshold:     50000,
			VolumeWeight:               25,
			VolumeMaxScore:             40,
			ReportingThreshold:         10000,
			StructuringLowerBound:      0.9,
			StructuringMinCount:        3,
			StructuringWeight:          35,
			RepeatedAmountMinCount:     5,
			RepeatedAmountWeight:       20,
			RoundAmountUnit:            1000,
			RoundAmountProportion:      0.5,
			RoundAmountMinTransactions: 5,
			RoundAmountWeight:          15,
			MonthlyMediumThreshold:     30,
			MonthlyHighThreshold:       60,
			ManualReviewMinFlags:       2,
		},
		Monitor: MonitorConfig{
			AlertThreshold: 3,
			CounterTTL:     0,
			SinkTimeout:    2 * time.Second,
		},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type: "memory",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Risk: DefaultRiskConfig(),
		Worker: WorkerConfig{
			Enabled:     false,
			Concurrency: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:        "redis",
		RedisAddr:   "localhost:6379",
		RedisPrefix: "kestrel",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
		KafkaGroupID:      "kestrel-workers",
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.OTLPEndpoint = "localhost:4317"
	cfg.Tracing.Insecure = true
	return cfg
}
