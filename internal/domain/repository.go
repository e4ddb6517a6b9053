// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository stores sealed transaction records, behavior profiles and
// custom scoring rules. Risk and AML verdicts are never persisted.
type Repository interface {
	// Transaction records
	SaveTransaction(ctx context.Context, tx Transaction, seal Seal) error
	GetTransaction(ctx context.Context, txID string) (*SealedTransaction, error)
	ListTransactions(ctx context.Context, userID string, since, until time.Time) ([]Transaction, error)
	// ListSealed pages through stored records in ID order, starting after afterID.
	ListSealed(ctx context.Context, afterID string, limit int) ([]SealedTransaction, error)

	// Behavior profiles (written by the aggregation job)
	SaveProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// Custom scoring rules
	SaveRule(ctx context.Context, rule *RuleConfig) error
	ListRules(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
