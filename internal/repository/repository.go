// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicate is returned when a transaction ID is already stored.
	// Sealed records are never overwritten.
	ErrDuplicate = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var _ domain.Repository = (*SQLRepository)(nil)

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    time.Now,
	}

	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

const transactionColumns = `
	id, user_id, amount, merchant, location, ts, ip_address, user_agent,
	payment_method, device_fingerprint, digest, mac, seal_version, stored_at`

// SaveTransaction stores a transaction with its seal. A second save of the
// same ID returns ErrDuplicate and leaves the stored record untouched.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx domain.Transaction, seal domain.Seal) error {
	if tx.ID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: transaction id and userId are required", ErrInvalidInput)
	}
	if seal.Digest == "" || seal.Version == "" {
		return fmt.Errorf("%w: seal digest and version are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount, tx.Merchant, tx.Location,
		tx.Timestamp.UnixNano(),
		tx.IPAddress, tx.UserAgent, tx.PaymentMethod, tx.DeviceFingerprint,
		seal.Digest, seal.MAC, seal.Version,
		r.now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.ID)
	}
	return nil
}

// GetTransaction retrieves a sealed record by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.SealedTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	rec, err := scanSealed(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTransactions returns userID's transactions with since <= timestamp <= until,
// oldest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID string, since, until time.Time) ([]domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since.UnixNano(), until.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []domain.Transaction{}
	for rows.Next() {
		rec, err := scanSealed(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, rec.Transaction)
	}

	return transactions, rows.Err()
}

// ListSealed pages through stored records in ID order, starting after afterID.
func (r *SQLRepository) ListSealed(ctx context.Context, afterID string, limit int) ([]domain.SealedTransaction, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE id > ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SealedTransaction
	for rows.Next() {
		rec, err := scanSealed(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSealed(s scanner) (domain.SealedTransaction, error) {
	var (
		rec      domain.SealedTransaction
		tx       = &rec.Transaction
		ts       int64
		storedAt int64
	)

	err := s.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Merchant, &tx.Location,
		&ts,
		&tx.IPAddress, &tx.UserAgent, &tx.PaymentMethod, &tx.DeviceFingerprint,
		&rec.Seal.Digest, &rec.Seal.MAC, &rec.Seal.Version,
		&storedAt,
	)
	if err != nil {
		return domain.SealedTransaction{}, err
	}

	tx.Timestamp = time.Unix(0, ts).UTC()
	rec.StoredAt = time.Unix(0, storedAt).UTC()
	return rec, nil
}

// SaveProfile validates and upserts a behavior profile.
func (r *SQLRepository) SaveProfile(ctx context.Context, p domain.Profile) error {
	p, err := domain.NewProfile(p)
	if err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	query := `
		INSERT INTO profiles (user_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), p.UserID, string(data), r.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.UserID, err)
	}
	return nil
}

// GetProfile retrieves the profile of userID.
func (r *SQLRepository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `SELECT data FROM profiles WHERE user_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p domain.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", userID, err)
	}
	return &p, nil
}

// SaveRule stores a rule configuration, replacing any rule with the same ID.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	now := r.now().UTC().UnixNano()
	query := `
		INSERT INTO rule_configs (
			id, name, description, expression, score, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			score = excluded.score,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		rule.Score, rule.Reason, boolToInt(rule.Enabled),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

// ListRules returns every stored rule, enabled or not, in ID order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, expression, score, reason, enabled
		FROM rule_configs
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RuleConfig
	for rows.Next() {
		var rule domain.RuleConfig
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Description, &rule.Expression,
			&rule.Score, &rule.Reason, &enabled,
		); err != nil {
			return nil, err
		}
		rule.Enabled = enabled != 0
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
