package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadConfig reads .env (if present), picks the tier from KESTREL_TIER,
// overlays the YAML file named by KESTREL_RISK_FILE and applies KESTREL_*
// overrides.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if Tier(os.Getenv("KESTREL_TIER")) == TierPro {
		cfg = ProConfig()
	}
	if path := os.Getenv("KESTREL_RISK_FILE"); path != "" {
		if err := LoadRiskFile(path, &cfg.Risk); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any KESTREL_* variables that are set.
// Malformed numeric values are reported rather than silently ignored.
func ApplyEnv(cfg *Config) error {
	e := envReader{}

	cfg.Server.Host = e.str("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = e.int("KESTREL_PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = e.str("KESTREL_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.JWTIssuer = e.str("KESTREL_JWT_ISSUER", cfg.Server.JWTIssuer)

	cfg.Logging.Level = e.str("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = e.str("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Exporter = e.str("KESTREL_TRACE_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.OTLPEndpoint = e.str("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.Insecure = e.bool("KESTREL_OTLP_INSECURE", cfg.Tracing.Insecure)

	cfg.Repository.Driver = e.str("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = e.str("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = e.str("KESTREL_PG_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = e.int("KESTREL_PG_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = e.str("KESTREL_PG_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = e.str("KESTREL_PG_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = e.str("KESTREL_PG_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = e.str("KESTREL_PG_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.Type = e.str("KESTREL_COUNTER_STORE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = e.str("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = e.str("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = e.int("KESTREL_REDIS_DB", cfg.Cache.RedisDB)

	cfg.EventBus.Type = e.str("KESTREL_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = e.str("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = e.str("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = e.str("KESTREL_NATS_QUEUE", cfg.EventBus.NATSQueueGroup)
	cfg.EventBus.KafkaBrokers = e.list("KESTREL_KAFKA_BROKERS", cfg.EventBus.KafkaBrokers)
	cfg.EventBus.KafkaGroupID = e.str("KESTREL_KAFKA_GROUP", cfg.EventBus.KafkaGroupID)

	cfg.Worker.Enabled = e.bool("KESTREL_WORKER", cfg.Worker.Enabled)
	cfg.Worker.Concurrency = e.int("KESTREL_WORKER_CONCURRENCY", cfg.Worker.Concurrency)

	cfg.Integrity.SigningKey = e.str("KESTREL_SIGNING_KEY", cfg.Integrity.SigningKey)

	cfg.Risk.Monitor.AlertThreshold = int64(e.int("KESTREL_ALERT_THRESHOLD", int(cfg.Risk.Monitor.AlertThreshold)))
	cfg.Risk.Monitor.CounterTTL = e.duration("KESTREL_COUNTER_TTL", cfg.Risk.Monitor.CounterTTL)
	cfg.Risk.Monitor.SinkTimeout = e.duration("KESTREL_ALERT_SINK_TIMEOUT", cfg.Risk.Monitor.SinkTimeout)

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	return nil
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Risk.Monitor.AlertThreshold < 1 {
		return fmt.Errorf("alert threshold must be at least 1, got %d", c.Risk.Monitor.AlertThreshold)
	}
	if c.Risk.Monitor.CounterTTL < 0 {
		return fmt.Errorf("counter ttl must not be negative")
	}
	if c.Risk.Monitor.SinkTimeout < 0 {
		return fmt.Errorf("alert sink timeout must not be negative")
	}
	b := c.Risk.Scoring.Bands
	if !(b.Medium <= b.High && b.High <= b.Critical) {
		return fmt.Errorf("risk bands must be ascending: %v/%v/%v", b.Medium, b.High, b.Critical)
	}
	if c.Risk.AML.MonthlyMediumThreshold > c.Risk.AML.MonthlyHighThreshold {
		return fmt.Errorf("monthly risk thresholds must be ascending")
	}
	return nil
}

type envReader struct {
	errs []string
}

func (r *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// list splits a comma-separated value, dropping empty items.
func (r *envReader) list(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *envReader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, key+": "+err.Error())
		return def
	}
	return i
}

func (r *envReader) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, key+": "+err.Error())
		return def
	}
	return b
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, key+": "+err.Error())
		return def
	}
	return d
}
