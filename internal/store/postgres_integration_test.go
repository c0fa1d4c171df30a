package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/shopspring/decimal"
)

func openPostgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("WALLET_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set WALLET_TEST_DATABASE_URL to run postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := s.Pool().Exec(ctx, "TRUNCATE TABLE webhook_events, transactions, wallets RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	return s
}

func TestPostgresIdempotencyKeyConstraint(t *testing.T) {
	s := openPostgresIntegrationStore(t)
	ctx := context.Background()

	w := &domain.Wallet{OwnerID: 1, Number: "1000000001", Currency: "NGN", Active: true}
	if err := s.CreateWallet(ctx, w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	tx := &domain.Transaction{WalletID: w.ID, Direction: domain.Debit, Category: domain.Transfer,
		Amount: decimal.NewFromInt(300), Status: domain.StatusSuccess, Reference: "TRF_1",
		IdempotencyKey: "TRANSFER:k1", Metadata: map[string]string{"channel": "test"}}
	if err := s.InsertTransaction(ctx, tx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := *tx
	dup.Reference = "TRF_2"
	if err := s.InsertTransaction(ctx, &dup); !IsDuplicate(err, ConstraintIdempotencyKey) {
		t.Fatalf("expected idempotency duplicate, got %v", err)
	}

	got, err := s.GetTransactionByIdempotencyKey(ctx, "TRANSFER:k1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Reference != "TRF_1" || got.Metadata["channel"] != "test" || !got.Amount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestPostgresBalanceCheckAndRollback(t *testing.T) {
	s := openPostgresIntegrationStore(t)
	ctx := context.Background()

	w := &domain.Wallet{OwnerID: 2, Number: "2000000002", Currency: "NGN", Active: true}
	if err := s.CreateWallet(ctx, w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if _, err := s.AdjustBalance(ctx, w.ID, decimal.RequireFromString("50.25")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	err := s.WithTx(ctx, func(q Queries) error {
		if _, err := q.LockWallet(ctx, w.ID); err != nil {
			return err
		}
		_, err := q.AdjustBalance(ctx, w.ID, decimal.NewFromInt(-100))
		return err
	})
	if !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("expected negative balance, got %v", err)
	}
	got, _ := s.GetWallet(ctx, w.ID)
	if !got.Balance.Equal(decimal.RequireFromString("50.25")) {
		t.Fatalf("balance changed: %s", got.Balance)
	}
}
