package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

const (
	maxIdempotencyKeyLength = 100
	maxDescriptionLength    = 255
)

var contractNumberPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,50}$`)

// ExecuteRequest asks the engine to create a transfer.
type ExecuteRequest struct {
	ClientID             uuid.UUID
	SourceAccountID      uuid.UUID
	DestinationAccountID *uuid.UUID
	BeneficiaryID        *uuid.UUID
	Amount               decimal.Decimal
	Currency             domain.Currency
	IdempotencyKey       string
	Description          string
	Scheduled            bool
	ScheduledAt          *time.Time
}

// ServicePaymentRequest asks the engine to pay a utility or service provider.
type ServicePaymentRequest struct {
	ClientID          uuid.UUID
	SourceAccountID   uuid.UUID
	ServiceProviderID uuid.UUID
	ContractNumber    string
	Amount            decimal.Decimal
	Currency          domain.Currency
	IdempotencyKey    string
	Description       string
}

// creation is the shared input of Execute and PayService.
type creation struct {
	op          string
	limitScope  string
	clientID    uuid.UUID
	key         string
	check       PreCheckRequest
	template    domain.Transaction
	scheduledAt *time.Time
	audit       domain.AuditOperation
	validate    func() *RejectionError
}

// Execute creates a transfer. It is idempotent on req.IdempotencyKey: a replay returns
// the stored transaction without re-validating it.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*domain.Transaction, error) {
	defer s.metrics.observe("execute", time.Now())

	c := creation{
		op:         "execute",
		limitScope: RateLimitScopeExecute,
		clientID:   req.ClientID,
		key:        strings.TrimSpace(req.IdempotencyKey),
		check: PreCheckRequest{
			Type:                 domain.TransactionTypeTransfer,
			SourceAccountID:      req.SourceAccountID,
			DestinationAccountID: req.DestinationAccountID,
			BeneficiaryID:        req.BeneficiaryID,
			Amount:               req.Amount,
			Currency:             req.Currency,
		},
		template: domain.Transaction{
			Type:                 domain.TransactionTypeTransfer,
			Amount:               req.Amount,
			Description:          strings.TrimSpace(req.Description),
			ClientID:             req.ClientID,
			SourceAccountID:      req.SourceAccountID,
			DestinationAccountID: req.DestinationAccountID,
			BeneficiaryID:        req.BeneficiaryID,
		},
		audit: domain.AuditTransactionCreated,
	}
	if req.Scheduled {
		c.validate = func() *RejectionError {
			if req.ScheduledAt == nil {
				return reject(RejectInvalidRequest, "scheduled_at is required for a scheduled transfer")
			}
			return nil
		}
		c.scheduledAt = req.ScheduledAt
	}
	return s.create(ctx, c)
}

// PayService creates an immediate service payment. Service payments never need approval.
func (s *Service) PayService(ctx context.Context, req ServicePaymentRequest) (*domain.Transaction, error) {
	defer s.metrics.observe("pay_service", time.Now())

	providerID := req.ServiceProviderID
	contract := strings.TrimSpace(req.ContractNumber)
	return s.create(ctx, creation{
		op:         "pay service",
		limitScope: RateLimitScopeServicePayment,
		clientID:   req.ClientID,
		key:        strings.TrimSpace(req.IdempotencyKey),
		check: PreCheckRequest{
			Type:            domain.TransactionTypeServicePayment,
			SourceAccountID: req.SourceAccountID,
			Amount:          req.Amount,
			Currency:        req.Currency,
		},
		template: domain.Transaction{
			Type:              domain.TransactionTypeServicePayment,
			Amount:            req.Amount,
			Description:       strings.TrimSpace(req.Description),
			ClientID:          req.ClientID,
			SourceAccountID:   req.SourceAccountID,
			ServiceProviderID: &providerID,
			ContractNumber:    contract,
		},
		audit: domain.AuditServicePaymentPosted,
		validate: func() *RejectionError {
			if providerID == uuid.Nil {
				return reject(RejectInvalidRequest, "service_provider_id is required")
			}
			if !contractNumberPattern.MatchString(contract) {
				return reject(RejectInvalidRequest, "contract number must be 1-50 letters, digits or dashes")
			}
			return nil
		},
	})
}

func (s *Service) create(ctx context.Context, c creation) (*domain.Transaction, error) {
	existing, err := s.ledger.Lookup(ctx, c.key)
	if err != nil {
		return nil, s.classify(c.op, err)
	}
	if existing != nil {
		return s.replay(c, existing)
	}

	if rej := validateCreation(c); rej != nil {
		return nil, s.classify(c.op, rej)
	}
	if err := s.consumeRateLimit(ctx, c.limitScope, c.clientID); err != nil {
		return nil, err
	}

	snap, err := s.prechecker.load(ctx, c.check)
	if err != nil {
		return nil, s.classify(c.op, err)
	}
	if snap.source != nil && snap.source.ClientID != c.clientID {
		return nil, ErrNotOwner
	}

	now := s.now().UTC()
	tx := c.template.Clone()
	tx.ID = uuid.New()
	tx.State = domain.StateCreated
	tx.IdempotencyKey = c.key
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if snap.source != nil {
		tx.Currency = snap.source.Currency
	}

	var unit func(ctx context.Context, uow store.UnitOfWork) error
	switch {
	case c.scheduledAt != nil:
		scheduledAt := c.scheduledAt.UTC()
		if scheduledAt.Before(now.Add(domain.MinimumScheduleLead)) {
			return nil, s.classify(c.op, reject(RejectScheduleTooSoon, "scheduled_at must be at least %s in the future", domain.MinimumScheduleLead))
		}
		res := s.prechecker.evaluate(c.check, snap, rulesAll)
		if !res.Feasible {
			return nil, s.classify(c.op, res.rejection())
		}
		tx.Commission = res.Commission
		tx.State = domain.StateScheduled
		unit = func(ctx context.Context, uow store.UnitOfWork) error {
			if err := uow.CreateTransaction(ctx, tx); err != nil {
				return err
			}
			return uow.CreateSchedule(ctx, domain.NewSchedule(tx.ID, scheduledAt, now))
		}

	case s.prechecker.approvalRequired(tx.Type, tx.Amount):
		res := s.prechecker.evaluate(c.check, snap, rulesHold)
		if !res.Feasible {
			return nil, s.classify(c.op, res.rejection())
		}
		tx.Commission = res.Commission
		tx.State = domain.StatePendingApproval
		unit = func(ctx context.Context, uow store.UnitOfWork) error {
			return uow.CreateTransaction(ctx, tx)
		}

	default:
		// Fail fast on the unlocked snapshot, then decide again under the row locks.
		res := s.prechecker.evaluate(c.check, snap, rulesAll)
		if !res.Feasible {
			return nil, s.classify(c.op, res.rejection())
		}
		tx.Commission = res.Commission
		unit = func(ctx context.Context, uow store.UnitOfWork) error {
			if err := s.settle(ctx, uow, tx, rulesAll, now); err != nil {
				return err
			}
			return uow.CreateTransaction(ctx, tx)
		}
	}

	if err := s.store.RunInUnitOfWork(ctx, unit); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			winner, lerr := s.ledger.Lookup(ctx, c.key)
			if lerr != nil {
				return nil, s.classify(c.op, lerr)
			}
			if winner != nil {
				return s.replay(c, winner)
			}
		}
		return nil, s.classify(c.op, err)
	}

	s.finishCreate(ctx, c, tx)
	return tx, nil
}

func validateCreation(c creation) *RejectionError {
	if c.key == "" {
		return reject(RejectInvalidRequest, "an idempotency key is required")
	}
	if utf8.RuneCountInString(c.key) > maxIdempotencyKeyLength {
		return reject(RejectInvalidRequest, "idempotency key must be at most %d characters", maxIdempotencyKeyLength)
	}
	if c.clientID == uuid.Nil {
		return reject(RejectInvalidRequest, "client id is required")
	}
	if utf8.RuneCountInString(c.template.Description) > maxDescriptionLength {
		return reject(RejectInvalidRequest, "description must be at most %d characters", maxDescriptionLength)
	}
	if c.validate != nil {
		return c.validate()
	}
	return nil
}

func (s *Service) finishCreate(ctx context.Context, c creation, tx *domain.Transaction) {
	s.ledger.Remember(ctx, tx)
	s.metrics.transactionPersisted(string(tx.Type), string(tx.State))
	s.auditor.RecordSync(ctx, c.audit, c.clientID,
		fmt.Sprintf("%s %s de %s %s creada en estado %s", tx.Type, tx.ID, tx.Amount.StringFixed(2), tx.Currency, tx.State),
		tx)

	switch tx.State {
	case domain.StateSucceeded:
		s.publish(ctx, domain.EventTransactionExecuted, tx)
	case domain.StatePendingApproval:
		s.publish(ctx, domain.EventTransactionPendingApproval, tx)
	case domain.StateScheduled:
		s.publish(ctx, domain.EventTransactionScheduled, tx)
	}
}

// settle re-validates tx under row locks and applies the balance mutation. The caller
// persists tx afterwards in the same unit of work.
func (s *Service) settle(ctx context.Context, uow store.UnitOfWork, tx *domain.Transaction, rules ruleSet, now time.Time) error {
	snap, res, err := s.verify(ctx, uow, tx, rules)
	if err != nil {
		return err
	}
	if !tx.State.CanTransitionTo(domain.StateSucceeded) {
		return ErrInvalidStateTransition
	}

	reference, err := s.newReference(tx.Type, now.In(s.prechecker.policy.Location))
	if err != nil {
		return err
	}
	if err := uow.UpdateAccountBalance(ctx, snap.source.ID, res.BalanceAfter); err != nil {
		return fmt.Errorf("failed to debit source account: %w", err)
	}
	if snap.destination != nil {
		if err := uow.UpdateAccountBalance(ctx, snap.destination.ID, snap.destination.Balance.Add(tx.Amount)); err != nil {
			return fmt.Errorf("failed to credit destination account: %w", err)
		}
	}

	before, after := res.BalanceBefore, res.BalanceAfter
	executedAt := now
	tx.BalanceBefore = &before
	tx.BalanceAfter = &after
	tx.ExecutedAt = &executedAt
	tx.Reference = reference
	tx.State = domain.StateSucceeded
	tx.UpdatedAt = now
	return nil
}

// replay returns the transaction already recorded under the key to the client that created it.
func (s *Service) replay(c creation, existing *domain.Transaction) (*domain.Transaction, error) {
	if existing.ClientID != c.clientID {
		s.logger.Warn("idempotency key reused by another client", "operation", c.op, "transaction_id", existing.ID)
		return nil, ErrNotOwner
	}
	s.metrics.replayed()
	return existing, nil
}

// verify locks the accounts of tx and evaluates rules against them inside uow.
func (s *Service) verify(ctx context.Context, uow store.UnitOfWork, tx *domain.Transaction, rules ruleSet) (snapshot, PreCheckResult, error) {
	ids := []uuid.UUID{tx.SourceAccountID}
	if tx.DestinationAccountID != nil {
		ids = append(ids, *tx.DestinationAccountID)
	}
	accounts, err := uow.LockAccounts(ctx, ids...)
	if err != nil {
		return snapshot{}, PreCheckResult{}, fmt.Errorf("failed to lock accounts: %w", err)
	}

	snap := snapshot{source: accounts[tx.SourceAccountID]}
	if tx.DestinationAccountID != nil {
		snap.destination = accounts[*tx.DestinationAccountID]
	}
	if tx.BeneficiaryID != nil && rules&ruleBeneficiary != 0 {
		b, err := uow.FindBeneficiaryByID(ctx, *tx.BeneficiaryID)
		if err != nil && !errors.Is(err, store.ErrBeneficiaryNotFound) {
			return snapshot{}, PreCheckResult{}, fmt.Errorf("failed to load beneficiary: %w", err)
		}
		snap.beneficiary = b
	}
	if rules&ruleDailyLimit != 0 && snap.source != nil {
		spent, err := uow.SumExecutedSince(ctx, snap.source.ClientID, s.prechecker.startOfDay())
		if err != nil {
			return snapshot{}, PreCheckResult{}, err
		}
		snap.spentToday = spent
	}

	res := s.prechecker.evaluate(requestFor(tx), snap, rules)
	if !res.Feasible {
		return snap, res, res.rejection()
	}
	return snap, res, nil
}

// requestFor rebuilds the pre-check input of a stored transaction, pinning its commission.
func requestFor(tx *domain.Transaction) PreCheckRequest {
	commission := tx.Commission
	return PreCheckRequest{
		Type:                 tx.Type,
		SourceAccountID:      tx.SourceAccountID,
		DestinationAccountID: tx.DestinationAccountID,
		BeneficiaryID:        tx.BeneficiaryID,
		Amount:               tx.Amount,
		Currency:             tx.Currency,
		fixedCommission:      &commission,
	}
}

// consumeRateLimit fails open when the limiter itself errors.
func (s *Service) consumeRateLimit(ctx context.Context, scope string, clientID uuid.UUID) error {
	if s.limiter == nil {
		return nil
	}
	d, err := s.limiter.Allow(ctx, scope, clientID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "scope", scope, "client_id", clientID, "error", err)
		return nil
	}
	if !d.Allowed {
		s.logger.Info("rate limit exceeded", "scope", scope, "client_id", clientID, "count", d.Count)
		return &RateLimitError{RetryAfter: d.RetryAfter}
	}
	return nil
}
