package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	balanceCheck = "wallets_balance_non_negative"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

type PostgresStore struct {
	queries
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{queries: queries{db: pool}, pool: pool}, nil
}

// Pool exposes the underlying pool for bulk tooling such as the seeder.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn at READ COMMITTED. Isolation for balances comes from explicit
// row locks, so concurrent writers queue on the lock instead of aborting.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapPgError(err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgUniqueViolation:
		return &DuplicateError{Constraint: pgErr.ConstraintName}
	case pgErr.Code == pgCheckViolation && pgErr.ConstraintName == balanceCheck:
		return ErrNegativeBalance
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

const walletColumns = `id, owner_id, wallet_number, balance::text, currency, is_active, created_at, updated_at`

func scanWallet(row pgx.Row, what string) (*domain.Wallet, error) {
	var w domain.Wallet
	var balance string
	err := row.Scan(&w.ID, &w.OwnerID, &w.Number, &balance, &w.Currency, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("wallet %d balance: %w", w.ID, err)
	}
	return &w, nil
}

func (q *queries) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO wallets (owner_id, wallet_number, currency, is_active)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, balance::text, created_at, updated_at`,
		w.OwnerID, w.Number, w.Currency, w.Active,
	).Scan(&w.ID, new(string), &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	w.Balance = decimal.Zero
	return nil
}

func (q *queries) WalletNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM wallets WHERE wallet_number = $1)", number).Scan(&exists)
	return exists, err
}

func (q *queries) GetWallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	row := q.db.QueryRow(ctx, "SELECT "+walletColumns+" FROM wallets WHERE id = $1", id)
	return scanWallet(row, fmt.Sprint(id))
}

func (q *queries) GetWalletByOwner(ctx context.Context, ownerID int64) (*domain.Wallet, error) {
	row := q.db.QueryRow(ctx, "SELECT "+walletColumns+" FROM wallets WHERE owner_id = $1", ownerID)
	return scanWallet(row, fmt.Sprintf("owner %d", ownerID))
}

func (q *queries) GetWalletByNumber(ctx context.Context, number string) (*domain.Wallet, error) {
	row := q.db.QueryRow(ctx, "SELECT "+walletColumns+" FROM wallets WHERE wallet_number = $1", number)
	return scanWallet(row, number)
}

func (q *queries) LockWallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	row := q.db.QueryRow(ctx, "SELECT "+walletColumns+" FROM wallets WHERE id = $1 FOR UPDATE", id)
	return scanWallet(row, fmt.Sprint(id))
}

func (q *queries) SetWalletActive(ctx context.Context, id int64, active bool) error {
	tag, err := q.db.Exec(ctx, "UPDATE wallets SET is_active = $2, updated_at = NOW() WHERE id = $1", id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (q *queries) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := q.db.QueryRow(ctx,
		"UPDATE wallets SET balance = balance + $2::numeric, updated_at = NOW() WHERE id = $1 RETURNING balance::text",
		id, delta.StringFixed(domain.AmountScale),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("wallet %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, mapPgError(err)
	}
	return decimal.NewFromString(balance)
}

const transactionColumns = `id, wallet_id, direction, category, amount::text, status, reference,
	COALESCE(processor_reference, ''), COALESCE(idempotency_key, ''), COALESCE(request_hash, ''),
	COALESCE(counterparty_wallet_id, 0), description, metadata, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var amount string
	var metadata []byte
	err := row.Scan(&t.ID, &t.WalletID, &t.Direction, &t.Category, &amount, &t.Status, &t.Reference,
		&t.ProcessorReference, &t.IdempotencyKey, &t.RequestHash,
		&t.CounterpartyWalletID, &t.Description, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %d amount: %w", t.ID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("transaction %d metadata: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (q *queries) getTransaction(ctx context.Context, where string, arg any) (*domain.Transaction, error) {
	row := q.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE "+where, arg)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %v: %w", arg, domain.ErrNotFound)
	}
	return t, err
}

func (q *queries) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	if t.Metadata == nil {
		metadata = []byte("{}")
	}
	err = q.db.QueryRow(ctx,
		`INSERT INTO transactions (wallet_id, direction, category, amount, status, reference,
			processor_reference, idempotency_key, request_hash, counterparty_wallet_id, description, metadata)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
		 RETURNING id, created_at, updated_at`,
		t.WalletID, t.Direction, t.Category, t.Amount.StringFixed(domain.AmountScale), t.Status, t.Reference,
		nullable(t.ProcessorReference), nullable(t.IdempotencyKey), nullable(t.RequestHash),
		nullableID(t.CounterpartyWalletID), t.Description, string(metadata),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (q *queries) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return q.getTransaction(ctx, "reference = $1", reference)
}

func (q *queries) GetTransactionByProcessorReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return q.getTransaction(ctx, "processor_reference = $1", reference)
}

func (q *queries) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return q.getTransaction(ctx, "idempotency_key = $1", key)
}

func (q *queries) LockTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return q.getTransaction(ctx, "id = $1 FOR UPDATE", id)
}

func (q *queries) SetProcessorReference(ctx context.Context, id int64, reference string, metadata map[string]string) error {
	patch, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	if metadata == nil {
		patch = []byte("{}")
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE transactions
		 SET processor_reference = COALESCE($2, processor_reference), metadata = metadata || $3::jsonb, updated_at = NOW()
		 WHERE id = $1`,
		id, nullable(reference), string(patch),
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (q *queries) TransitionStatus(ctx context.Context, id int64, from, to domain.Status) (bool, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE transactions SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2",
		id, from, to,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) ListPending(ctx context.Context, f domain.PendingFilter) ([]domain.Transaction, error) {
	categories := make([]string, 0, len(f.Categories))
	for _, c := range f.Categories {
		categories = append(categories, string(c))
	}
	rows, err := q.db.Query(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		 WHERE status = 'PENDING' AND category = ANY($1) AND created_at < $2 AND created_at > $3 AND id > $4
		 ORDER BY id ASC
		 LIMIT $5`,
		categories, f.CreatedBefore, f.CreatedAfter, f.AfterID, f.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (q *queries) RecordWebhookEvent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	err := q.db.QueryRow(ctx,
		`INSERT INTO webhook_events (payload_hash, event, reference, payload)
		 VALUES ($1, $2, $3, $4::jsonb)
		 ON CONFLICT (payload_hash) DO NOTHING
		 RETURNING id, received_at`,
		e.PayloadHash, e.Kind, e.Reference, string(e.Payload),
	).Scan(&e.ID, &e.ReceivedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	err = q.db.QueryRow(ctx,
		"SELECT id, attempts, last_error, received_at, processed_at FROM webhook_events WHERE payload_hash = $1",
		e.PayloadHash,
	).Scan(&e.ID, &e.Attempts, &e.LastError, &e.ReceivedAt, &e.ProcessedAt)
	return false, err
}

func (q *queries) MarkWebhookEvent(ctx context.Context, id int64, processErr error) error {
	var err error
	if processErr == nil {
		_, err = q.db.Exec(ctx,
			"UPDATE webhook_events SET processed_at = NOW(), attempts = attempts + 1, last_error = '' WHERE id = $1", id)
	} else {
		_, err = q.db.Exec(ctx,
			"UPDATE webhook_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1", id, processErr.Error())
	}
	return err
}

func (q *queries) ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, payload_hash, event, reference, payload::text, attempts, last_error, received_at
		 FROM webhook_events
		 WHERE processed_at IS NULL AND received_at < $1
		 ORDER BY received_at ASC
		 LIMIT $2`,
		receivedBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.PayloadHash, &e.Kind, &e.Reference, &payload, &e.Attempts, &e.LastError, &e.ReceivedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
