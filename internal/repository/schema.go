package repository

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// Schema migrations, applied in order on startup. The SQL is shared by
// SQLite and PostgreSQL.
//
//go:embed migrations/*.sql
var migrations embed.FS

func (r *SQLRepository) provider() (*goose.Provider, error) {
	dialect := goose.DialectSQLite3
	if r.driver == "postgres" {
		dialect = goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(dialect, r.db, fsys)
}

// migrate applies every pending migration.
func (r *SQLRepository) migrate(ctx context.Context) error {
	p, err := r.provider()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return err
	}
	return nil
}

// SchemaVersion returns the version of the last applied migration.
func (r *SQLRepository) SchemaVersion(ctx context.Context) (int64, error) {
	p, err := r.provider()
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}
	return p.GetDBVersion(ctx)
}
