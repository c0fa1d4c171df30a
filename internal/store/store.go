package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Constraint names shared by every implementation so callers can tell which
// uniqueness rule fired.
const (
	ConstraintWalletNumber       = "wallets_wallet_number_key"
	ConstraintWalletOwner        = "wallets_owner_id_key"
	ConstraintReference          = "transactions_reference_key"
	ConstraintProcessorReference = "transactions_processor_reference_key"
	ConstraintIdempotencyKey     = "transactions_idempotency_key_key"
	ConstraintWebhookPayload     = "webhook_events_payload_hash_key"
)

var (
	ErrDuplicate = errors.New("duplicate key")
	// ErrNegativeBalance is raised when a delta would take a balance below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
)

// DuplicateError reports a unique-constraint violation.
type DuplicateError struct {
	Constraint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicate, e.Constraint)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// IsDuplicate reports whether err is a violation of the named constraint.
func IsDuplicate(err error, constraint string) bool {
	var de *DuplicateError
	return errors.As(err, &de) && de.Constraint == constraint
}

// Queries is the set of reads and writes the ledger performs. Lock* methods
// take an exclusive row lock that is held until the enclosing transaction ends;
// outside WithTx they degrade to plain reads.
type Queries interface {
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	WalletNumberExists(ctx context.Context, number string) (bool, error)
	GetWallet(ctx context.Context, id int64) (*domain.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID int64) (*domain.Wallet, error)
	GetWalletByNumber(ctx context.Context, number string) (*domain.Wallet, error)
	LockWallet(ctx context.Context, id int64) (*domain.Wallet, error)
	SetWalletActive(ctx context.Context, id int64, active bool) error
	// AdjustBalance applies delta and returns the new balance.
	AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error)

	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	GetTransactionByProcessorReference(ctx context.Context, reference string) (*domain.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	LockTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	// SetProcessorReference records the processor handle and merges metadata.
	SetProcessorReference(ctx context.Context, id int64, reference string, metadata map[string]string) error
	// TransitionStatus moves a row from one status to another and reports
	// whether the row was in the expected status.
	TransitionStatus(ctx context.Context, id int64, from, to domain.Status) (bool, error)
	ListPending(ctx context.Context, f domain.PendingFilter) ([]domain.Transaction, error)

	// RecordWebhookEvent stores the receipt; inserted is false on redelivery,
	// in which case e is filled from the stored row.
	RecordWebhookEvent(ctx context.Context, e *domain.WebhookEvent) (inserted bool, err error)
	MarkWebhookEvent(ctx context.Context, id int64, processErr error) error
	ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.WebhookEvent, error)
}

// Store is the storage boundary of the ledger. Every money-moving operation runs
// inside WithTx: fn's writes commit together or not at all.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close()
}
