/**
 * @description
 * This file contains the core business logic of the transaction engine. The `Service`
 * wires the pre-check validator, the idempotency ledger, the audit trail and the event
 * publisher around the persistence layer, and exposes the operations consumed by the
 * HTTP layer and the scheduler.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - internal/store: The persistence contract (Store / UnitOfWork).
 * - internal/domain: The engine's models and state machines.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

const (
	defaultScheduleBatchSize = 100
	defaultClaimStaleAfter   = 15 * time.Minute
	publishTimeout           = 5 * time.Second
)

// EventPublisher is implemented by pkg/rabbitmq publishers.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// ServiceConfig carries the tunables of the engine.
type ServiceConfig struct {
	Policy            Policy
	ScheduleBatchSize int
	ClaimStaleAfter   time.Duration
	EventsExchange    string
}

// Option customises a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithRateLimiter(r RateLimiter) Option {
	return func(s *Service) { s.limiter = r }
}

func WithIdempotencyCache(c IdempotencyCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the transaction engine.
type Service struct {
	store     store.Store
	cfg       ServiceConfig
	now       func() time.Time
	logger    *slog.Logger
	publisher EventPublisher
	limiter   RateLimiter
	cache     IdempotencyCache
	metrics   *Metrics

	newReference func(domain.TransactionType, time.Time) (string, error)

	prechecker *PreChecker
	ledger     *IdempotencyLedger
	auditor    *Auditor
}

// NewService creates a new instance of the transaction engine.
func NewService(st store.Store, cfg ServiceConfig, opts ...Option) *Service {
	s := &Service{
		store:        st,
		cfg:          cfg,
		now:          time.Now,
		logger:       slog.Default(),
		newReference: NewReference,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ScheduleBatchSize <= 0 {
		s.cfg.ScheduleBatchSize = defaultScheduleBatchSize
	}
	if s.cfg.ClaimStaleAfter <= 0 {
		s.cfg.ClaimStaleAfter = defaultClaimStaleAfter
	}
	if s.cfg.EventsExchange == "" {
		s.cfg.EventsExchange = "transaction_events"
	}

	s.prechecker = NewPreChecker(st, cfg.Policy, s.now)
	s.ledger = NewIdempotencyLedger(st, s.cache, s.logger)
	s.auditor = NewAuditor(st, s.logger, s.now)
	return s
}

// Ledger exposes the idempotency ledger.
func (s *Service) Ledger() *IdempotencyLedger { return s.ledger }

// Close waits for background audit writes.
func (s *Service) Close() { s.auditor.Close() }

// PreCheck evaluates a movement without side effects, on behalf of the owner of the source
// account or of a privileged caller.
func (s *Service) PreCheck(ctx context.Context, req PreCheckRequest, requesterID uuid.UUID, privileged bool) (PreCheckResult, error) {
	res, err := s.prechecker.PreCheck(ctx, req, requesterID, privileged)
	if err != nil {
		return PreCheckResult{}, s.classify("pre-check", err)
	}
	return res, nil
}

// TransactionDetail is a transaction with its schedule, when it has one.
type TransactionDetail struct {
	*domain.Transaction
	Schedule *domain.Schedule `json:"schedule,omitempty"`
}

// GetTransaction returns a transaction to its owner, or to any caller when privileged is set.
func (s *Service) GetTransaction(ctx context.Context, transactionID, requesterID uuid.UUID, privileged bool) (*TransactionDetail, error) {
	tx, err := s.store.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, s.classify("get transaction", err)
	}
	if !privileged && tx.ClientID != requesterID {
		return nil, ErrNotOwner
	}
	detail := &TransactionDetail{Transaction: tx}
	if tx.State == domain.StateScheduled || tx.State == domain.StateCancelled || tx.State == domain.StateFailed {
		sch, err := s.store.FindScheduleByTransactionID(ctx, tx.ID)
		switch {
		case err == nil:
			detail.Schedule = sch
		case !errors.Is(err, store.ErrScheduleNotFound):
			return nil, s.classify("get transaction", err)
		}
	}
	return detail, nil
}

// classify passes domain errors through and wraps everything else as retryable.
func (s *Service) classify(op string, err error) error {
	var rej *RejectionError
	if errors.As(err, &rej) {
		s.metrics.rejected(rej)
		return rej
	}
	switch {
	case errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrScheduleNotPending),
		errors.Is(err, ErrCancellationWindowClosed),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, ErrBeneficiaryLocked),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrScheduleNotFound),
		errors.Is(err, store.ErrBeneficiaryNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		return err
	}
	s.logger.Error("engine operation failed", "operation", op, "error", err)
	return &RetryableError{Op: op, Err: err}
}

func (s *Service) publish(ctx context.Context, routingKey string, tx *domain.Transaction) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, s.cfg.EventsExchange, routingKey, domain.NewTransactionEvent(tx, s.now().UTC())); err != nil {
		s.logger.Warn("failed to publish transaction event", "routing_key", routingKey, "transaction_id", tx.ID, "error", err)
	}
}
