package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/punchamoorthee/walletledger/internal/clock"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory. Row locks are real
// per-row semaphores held until the enclosing WithTx returns, and a failed
// transaction is rolled back through an undo log. Writes are visible to other
// transactions before commit, so it stands in for Postgres in tests and the
// sandbox, not in production.
type MemoryStore struct {
	memQueries

	mu    sync.Mutex
	clock clock.Clock

	wallets        map[int64]*domain.Wallet
	walletLocks    map[int64]chan struct{}
	walletByOwner  map[int64]int64
	walletByNumber map[string]int64

	txns         map[int64]*domain.Transaction
	txnLocks     map[int64]chan struct{}
	txnByRef     map[string]int64
	txnByProcRef map[string]int64
	txnByKey     map[string]int64

	events      map[int64]*domain.WebhookEvent
	eventByHash map[string]int64

	nextWalletID int64
	nextTxnID    int64
	nextEventID  int64
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &MemoryStore{
		clock:          clk,
		wallets:        make(map[int64]*domain.Wallet),
		walletLocks:    make(map[int64]chan struct{}),
		walletByOwner:  make(map[int64]int64),
		walletByNumber: make(map[string]int64),
		txns:           make(map[int64]*domain.Transaction),
		txnLocks:       make(map[int64]chan struct{}),
		txnByRef:       make(map[string]int64),
		txnByProcRef:   make(map[string]int64),
		txnByKey:       make(map[string]int64),
		events:         make(map[int64]*domain.WebhookEvent),
		eventByHash:    make(map[string]int64),
	}
	s.memQueries = memQueries{s: s}
	return s
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx := &memTx{held: make(map[chan struct{}]bool)}
	defer tx.release()

	err := fn(&memQueries{s: s, tx: tx})
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
	}
	return err
}

type memTx struct {
	held  map[chan struct{}]bool
	order []chan struct{}
	undo  []func()
}

func (tx *memTx) release() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		<-tx.order[i]
	}
	tx.order = nil
}

type memQueries struct {
	s  *MemoryStore
	tx *memTx
}

// lock acquires sem for the rest of the transaction. Outside a transaction
// there is nothing to hold the lock for, so it is a no-op.
func (q *memQueries) lock(ctx context.Context, sem chan struct{}) error {
	if q.tx == nil || q.tx.held[sem] {
		return nil
	}
	select {
	case sem <- struct{}{}:
		q.tx.held[sem] = true
		q.tx.order = append(q.tx.order, sem)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onRollback must be called with s.mu held.
func (q *memQueries) onRollback(fn func()) {
	if q.tx != nil {
		q.tx.undo = append(q.tx.undo, fn)
	}
}

func cloneWallet(w *domain.Wallet) *domain.Wallet {
	c := *w
	return &c
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

func (q *memQueries) CreateWallet(_ context.Context, w *domain.Wallet) error {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.walletByOwner[w.OwnerID]; ok {
		return &DuplicateError{Constraint: ConstraintWalletOwner}
	}
	if _, ok := s.walletByNumber[w.Number]; ok {
		return &DuplicateError{Constraint: ConstraintWalletNumber}
	}
	s.nextWalletID++
	now := s.clock.Now()
	w.ID = s.nextWalletID
	w.Balance = decimal.Zero
	w.CreatedAt, w.UpdatedAt = now, now
	s.wallets[w.ID] = cloneWallet(w)
	s.walletLocks[w.ID] = make(chan struct{}, 1)
	s.walletByOwner[w.OwnerID] = w.ID
	s.walletByNumber[w.Number] = w.ID

	id, owner, number := w.ID, w.OwnerID, w.Number
	q.onRollback(func() {
		delete(s.wallets, id)
		delete(s.walletByOwner, owner)
		delete(s.walletByNumber, number)
	})
	return nil
}

func (q *memQueries) WalletNumberExists(_ context.Context, number string) (bool, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	_, ok := q.s.walletByNumber[number]
	return ok, nil
}

func (q *memQueries) walletByID(id int64) (*domain.Wallet, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	w, ok := q.s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %d: %w", id, domain.ErrNotFound)
	}
	return cloneWallet(w), nil
}

func (q *memQueries) GetWallet(_ context.Context, id int64) (*domain.Wallet, error) {
	return q.walletByID(id)
}

func (q *memQueries) GetWalletByOwner(_ context.Context, ownerID int64) (*domain.Wallet, error) {
	q.s.mu.Lock()
	id, ok := q.s.walletByOwner[ownerID]
	q.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wallet owner %d: %w", ownerID, domain.ErrNotFound)
	}
	return q.walletByID(id)
}

func (q *memQueries) GetWalletByNumber(_ context.Context, number string) (*domain.Wallet, error) {
	q.s.mu.Lock()
	id, ok := q.s.walletByNumber[number]
	q.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", number, domain.ErrNotFound)
	}
	return q.walletByID(id)
}

func (q *memQueries) LockWallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	q.s.mu.Lock()
	sem, ok := q.s.walletLocks[id]
	q.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wallet %d: %w", id, domain.ErrNotFound)
	}
	if err := q.lock(ctx, sem); err != nil {
		return nil, err
	}
	return q.walletByID(id)
}

func (q *memQueries) SetWalletActive(_ context.Context, id int64, active bool) error {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %d: %w", id, domain.ErrNotFound)
	}
	prev := w.Active
	w.Active = active
	w.UpdatedAt = s.clock.Now()
	q.onRollback(func() { w.Active = prev })
	return nil
}

func (q *memQueries) AdjustBalance(_ context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("wallet %d: %w", id, domain.ErrNotFound)
	}
	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ErrNegativeBalance
	}
	prev := w.Balance
	w.Balance = next
	w.UpdatedAt = s.clock.Now()
	q.onRollback(func() { w.Balance = prev })
	return next, nil
}

func (q *memQueries) InsertTransaction(_ context.Context, t *domain.Transaction) error {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[t.WalletID]; !ok {
		return fmt.Errorf("wallet %d: %w", t.WalletID, domain.ErrNotFound)
	}
	if _, ok := s.txnByRef[t.Reference]; ok {
		return &DuplicateError{Constraint: ConstraintReference}
	}
	if t.ProcessorReference != "" {
		if _, ok := s.txnByProcRef[t.ProcessorReference]; ok {
			return &DuplicateError{Constraint: ConstraintProcessorReference}
		}
	}
	if t.IdempotencyKey != "" {
		if _, ok := s.txnByKey[t.IdempotencyKey]; ok {
			return &DuplicateError{Constraint: ConstraintIdempotencyKey}
		}
	}

	s.nextTxnID++
	now := s.clock.Now()
	t.ID = s.nextTxnID
	t.CreatedAt, t.UpdatedAt = now, now
	s.txns[t.ID] = cloneTransaction(t)
	s.txnLocks[t.ID] = make(chan struct{}, 1)
	s.txnByRef[t.Reference] = t.ID
	if t.ProcessorReference != "" {
		s.txnByProcRef[t.ProcessorReference] = t.ID
	}
	if t.IdempotencyKey != "" {
		s.txnByKey[t.IdempotencyKey] = t.ID
	}

	id, ref, proc, key := t.ID, t.Reference, t.ProcessorReference, t.IdempotencyKey
	q.onRollback(func() {
		delete(s.txns, id)
		delete(s.txnByRef, ref)
		if proc != "" {
			delete(s.txnByProcRef, proc)
		}
		if key != "" {
			delete(s.txnByKey, key)
		}
	})
	return nil
}

func (q *memQueries) txnBy(index map[string]int64, value string) (*domain.Transaction, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	id, ok := index[value]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", value, domain.ErrNotFound)
	}
	return cloneTransaction(q.s.txns[id]), nil
}

func (q *memQueries) GetTransactionByReference(_ context.Context, reference string) (*domain.Transaction, error) {
	return q.txnBy(q.s.txnByRef, reference)
}

func (q *memQueries) GetTransactionByProcessorReference(_ context.Context, reference string) (*domain.Transaction, error) {
	return q.txnBy(q.s.txnByProcRef, reference)
}

func (q *memQueries) GetTransactionByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	return q.txnBy(q.s.txnByKey, key)
}

func (q *memQueries) LockTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	q.s.mu.Lock()
	sem, ok := q.s.txnLocks[id]
	q.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, domain.ErrNotFound)
	}
	if err := q.lock(ctx, sem); err != nil {
		return nil, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	t, ok := q.s.txns[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, domain.ErrNotFound)
	}
	return cloneTransaction(t), nil
}

func (q *memQueries) SetProcessorReference(_ context.Context, id int64, reference string, metadata map[string]string) error {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return fmt.Errorf("transaction %d: %w", id, domain.ErrNotFound)
	}
	if reference != "" && reference != t.ProcessorReference {
		if _, taken := s.txnByProcRef[reference]; taken {
			return &DuplicateError{Constraint: ConstraintProcessorReference}
		}
	}

	prevRef, prevMeta := t.ProcessorReference, maps.Clone(t.Metadata)
	if reference != "" {
		delete(s.txnByProcRef, t.ProcessorReference)
		t.ProcessorReference = reference
		s.txnByProcRef[reference] = id
	}
	if len(metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(metadata))
		}
		maps.Copy(t.Metadata, metadata)
	}
	t.UpdatedAt = s.clock.Now()
	q.onRollback(func() {
		delete(s.txnByProcRef, t.ProcessorReference)
		t.ProcessorReference = prevRef
		if prevRef != "" {
			s.txnByProcRef[prevRef] = id
		}
		t.Metadata = prevMeta
	})
	return nil
}

func (q *memQueries) TransitionStatus(_ context.Context, id int64, from, to domain.Status) (bool, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = s.clock.Now()
	q.onRollback(func() { t.Status = from })
	return true, nil
}

func (q *memQueries) ListPending(_ context.Context, f domain.PendingFilter) ([]domain.Transaction, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, t := range s.txns {
		if t.Status != domain.StatusPending || !slices.Contains(f.Categories, t.Category) {
			continue
		}
		if !t.CreatedAt.Before(f.CreatedBefore) || !t.CreatedAt.After(f.CreatedAfter) || t.ID <= f.AfterID {
			continue
		}
		out = append(out, *cloneTransaction(t))
	}
	slices.SortFunc(out, func(a, b domain.Transaction) int {
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *memQueries) RecordWebhookEvent(_ context.Context, e *domain.WebhookEvent) (bool, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.eventByHash[e.PayloadHash]; ok {
		stored := s.events[id]
		e.ID, e.Attempts, e.LastError, e.ReceivedAt, e.ProcessedAt = stored.ID, stored.Attempts, stored.LastError, stored.ReceivedAt, stored.ProcessedAt
		return false, nil
	}
	s.nextEventID++
	e.ID = s.nextEventID
	e.ReceivedAt = s.clock.Now()
	c := *e
	c.Payload = slices.Clone(e.Payload)
	s.events[e.ID] = &c
	s.eventByHash[e.PayloadHash] = e.ID

	id, hash := e.ID, e.PayloadHash
	q.onRollback(func() {
		delete(s.events, id)
		delete(s.eventByHash, hash)
	})
	return true, nil
}

func (q *memQueries) MarkWebhookEvent(_ context.Context, id int64, processErr error) error {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("webhook event %d: %w", id, domain.ErrNotFound)
	}
	e.Attempts++
	if processErr != nil {
		e.LastError = processErr.Error()
		return nil
	}
	now := s.clock.Now()
	e.ProcessedAt = &now
	e.LastError = ""
	return nil
}

func (q *memQueries) ListUnprocessedWebhookEvents(_ context.Context, receivedBefore time.Time, limit int) ([]domain.WebhookEvent, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WebhookEvent
	for _, e := range s.events {
		if e.ProcessedAt != nil || !e.ReceivedAt.Before(receivedBefore) {
			continue
		}
		c := *e
		c.Payload = slices.Clone(e.Payload)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.WebhookEvent) int { return int(a.ID - b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
