package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

// IdempotencyCache is a fast key -> transaction id lookup in front of the store.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (uuid.UUID, bool, error)
	Set(ctx context.Context, key string, transactionID uuid.UUID) error
}

// IdempotencyLedger resolves caller-supplied idempotency keys to existing transactions.
// The store's unique key is the source of truth; the cache is optional.
type IdempotencyLedger struct {
	store  store.Store
	cache  IdempotencyCache
	logger *slog.Logger
}

// NewIdempotencyLedger creates a ledger. cache may be nil.
func NewIdempotencyLedger(st store.Store, cache IdempotencyCache, logger *slog.Logger) *IdempotencyLedger {
	return &IdempotencyLedger{store: st, cache: cache, logger: logger}
}

// Lookup returns the transaction created for key, or nil if the key is unknown.
func (l *IdempotencyLedger) Lookup(ctx context.Context, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, nil
	}

	if l.cache != nil {
		id, ok, err := l.cache.Get(ctx, key)
		if err != nil {
			l.logger.Warn("idempotency cache read failed; falling back to store", "error", err)
		} else if ok {
			tx, err := l.store.FindTransactionByID(ctx, id)
			if err == nil {
				return tx, nil
			}
			if !errors.Is(err, store.ErrTransactionNotFound) {
				return nil, fmt.Errorf("failed to load cached transaction: %w", err)
			}
		}
	}

	tx, err := l.store.FindTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	l.Remember(ctx, tx)
	return tx, nil
}

// IsKnown reports whether a transaction already exists for key.
func (l *IdempotencyLedger) IsKnown(ctx context.Context, key string) (bool, error) {
	tx, err := l.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return tx != nil, nil
}

// Remember primes the cache after a transaction has been committed.
func (l *IdempotencyLedger) Remember(ctx context.Context, tx *domain.Transaction) {
	if l.cache == nil || tx == nil {
		return
	}
	if err := l.cache.Set(ctx, tx.IdempotencyKey, tx.ID); err != nil {
		l.logger.Warn("idempotency cache write failed", "transaction_id", tx.ID, "error", err)
	}
}
