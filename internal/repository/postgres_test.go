package repository

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// newPostgresRepo starts a throwaway PostgreSQL container. It needs Docker,
// so it only runs when KESTREL_INTEGRATION is set.
func newPostgresRepo(t *testing.T) *SQLRepository {
	t.Helper()
	if testing.Short() || os.Getenv("KESTREL_INTEGRATION") == "" {
		t.Skip("set KESTREL_INTEGRATION=1 to run PostgreSQL tests")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("kestrel"),
		tcpostgres.WithUsername("kestrel"),
		tcpostgres.WithPassword("kestrel"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to read connection string: %v", err)
	}
	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", dsn, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("bad port in %q: %v", dsn, err)
	}
	password, _ := u.User.Password()

	repo, err := New(domain.RepositoryConfig{
		Driver:           "postgres",
		PostgresHost:     u.Hostname(),
		PostgresPort:     port,
		PostgresUser:     u.User.Username(),
		PostgresPassword: password,
		PostgresDB:       "kestrel",
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestPostgresRepository(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	version, err := repo.SchemaVersion(ctx)
	if err != nil || version != 3 {
		t.Fatalf("expected schema version 3, got %d (%v)", version, err)
	}

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := sampleTx("pg-001", "user-1", base.Add(123*time.Nanosecond))
		if err := repo.SaveTransaction(ctx, tx, sampleSeal()); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		rec, err := repo.GetTransaction(ctx, "pg-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !rec.Transaction.Timestamp.Equal(tx.Timestamp) {
			t.Errorf("expected timestamp %v, got %v", tx.Timestamp, rec.Transaction.Timestamp)
		}
		if rec.Transaction.Amount != tx.Amount || rec.Seal != sampleSeal() {
			t.Errorf("round trip mismatch: %+v", rec)
		}

		if err := repo.SaveTransaction(ctx, tx, sampleSeal()); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("ListTransactions", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			at := base.Add(time.Duration(i) * time.Hour)
			if err := repo.SaveTransaction(ctx, sampleTx("pg-win-"+strconv.Itoa(i), "user-2", at), sampleSeal()); err != nil {
				t.Fatalf("SaveTransaction failed: %v", err)
			}
		}

		got, err := repo.ListTransactions(ctx, "user-2", base.Add(30*time.Minute), base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(got) != 2 || got[0].ID != "pg-win-1" || got[1].ID != "pg-win-2" {
			t.Errorf("unexpected window %+v", got)
		}
	})

	t.Run("Rules", func(t *testing.T) {
		rule := &domain.RuleConfig{ID: "pg-rule", Name: "Crypto", Expression: `merchant == "crypto"`, Score: 10, Reason: "Crypto", Enabled: true}
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
		rule.Enabled = false
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule update failed: %v", err)
		}

		got, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(got) != 1 || got[0].Enabled {
			t.Errorf("expected one disabled rule, got %+v", got)
		}
	})
}
