package pgstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/internal/sigchain/sigchaintest"
)

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("TRUSTCHAIN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TRUSTCHAIN_TEST_DATABASE_URL not set")
	}
	sigchaintest.Run(t, func(t *testing.T) sigchain.Store {
		ctx := context.Background()
		pool, err := Connect(ctx, dsn)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		s := New(pool)
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE ledger_entries, recovery_approvals, root_backups, key_index, usernames`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(context.Canceled) {
		t.Fatalf("non-postgres error classified as unique violation")
	}
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("wrapped 23505 not recognized")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("serialization failure classified as unique violation")
	}
}
