package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/store"
)

const maxIdempotencyKeyLen = 128

// Guard admits or rejects keyed operations. The authoritative check is the
// unique idempotency_key column written in the same transaction as the money
// movement; Admit is only an early exit for obvious replays.
type Guard struct {
	q store.Queries
}

func NewGuard(q store.Queries) *Guard {
	return &Guard{q: q}
}

// ScopedKey namespaces a caller key by operation category so the same token
// used for a transfer and a withdrawal never collides.
func ScopedKey(c domain.Category, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.Invalid("idempotency key is required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", domain.Invalid("idempotency key must be at most %d characters", maxIdempotencyKeyLen)
	}
	return string(c) + ":" + key, nil
}

// Fingerprint hashes the logical intent of a request.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Admit returns nil if key is unbound, a *domain.ConflictError if it is bound
// to the same intent and domain.ErrIdempotencyMismatch otherwise.
func (g *Guard) Admit(ctx context.Context, key, fingerprint string) error {
	prior, err := g.q.GetTransactionByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return duplicateOf(prior, fingerprint)
}

// Resolve turns a unique violation on the key column into the replay answer.
// Any other error is returned unchanged.
func (g *Guard) Resolve(ctx context.Context, key, fingerprint string, cause error) error {
	if !store.IsDuplicate(cause, store.ConstraintIdempotencyKey) {
		return cause
	}
	prior, err := g.q.GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency lookup after conflict failed: %w", err)
	}
	return duplicateOf(prior, fingerprint)
}

func duplicateOf(prior *domain.Transaction, fingerprint string) error {
	if prior.RequestHash != fingerprint {
		return domain.ErrIdempotencyMismatch
	}
	return &domain.ConflictError{
		Reference:     prior.Reference,
		TransactionID: prior.ID,
		Status:        prior.Status,
	}
}
