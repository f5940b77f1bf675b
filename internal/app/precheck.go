/**
 * @description
 * The pre-check validator: a read-only feasibility and cost computation for a requested
 * movement. The same evaluation runs again under row locks inside the executor, so the
 * rules live in one pure function (`evaluate`) fed by a snapshot of the relevant rows.
 *
 * @notes
 * - Rules are applied in order and the first failure wins.
 * - Infrastructure errors while loading the snapshot are returned as errors, never as
 *   rejections.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

// Policy holds the configured limits of the engine.
type Policy struct {
	MinAmount         decimal.Decimal
	ApprovalThreshold decimal.Decimal
	DailyLimit        decimal.Decimal
	Commission        CommissionFunc
	// Location defines the business day used by the daily limit.
	Location *time.Location
}

// PreCheckRequest describes a movement to evaluate.
type PreCheckRequest struct {
	Type                 domain.TransactionType `json:"type"`
	SourceAccountID      uuid.UUID              `json:"source_account_id"`
	DestinationAccountID *uuid.UUID             `json:"destination_account_id,omitempty"`
	BeneficiaryID        *uuid.UUID             `json:"beneficiary_id,omitempty"`
	Amount               decimal.Decimal        `json:"amount"`
	Currency             domain.Currency        `json:"currency,omitempty"`

	// fixedCommission pins the fee recorded on an existing transaction.
	fixedCommission *decimal.Decimal
}

// PreCheckResult is the outcome of a pre-check.
type PreCheckResult struct {
	Feasible         bool            `json:"feasible"`
	BalanceBefore    decimal.Decimal `json:"balance_before"`
	Amount           decimal.Decimal `json:"amount"`
	Commission       decimal.Decimal `json:"commission"`
	BalanceAfter     decimal.Decimal `json:"balance_after"`
	ApprovalRequired bool            `json:"approval_required"`
	Errors           []Rejection     `json:"errors"`
}

// rejection converts a failed result into an error.
func (r PreCheckResult) rejection() error {
	if r.Feasible {
		return nil
	}
	return &RejectionError{Reasons: r.Errors}
}

// ruleSet selects the checks applied on top of the source-account check, which always runs.
type ruleSet uint8

const (
	ruleAmount ruleSet = 1 << iota
	ruleFunds
	ruleDailyLimit
	ruleBeneficiary
	ruleDestination

	rulesAll = ruleAmount | ruleFunds | ruleDailyLimit | ruleBeneficiary | ruleDestination
	// rulesHold is used when a transaction is parked for approval: funding is re-checked at approval.
	rulesHold = ruleAmount | ruleBeneficiary | ruleDestination
	// rulesDue is used when a scheduled transaction comes due.
	rulesDue = ruleFunds | ruleBeneficiary | ruleDestination
	// rulesDueHold is used when a due transaction above the threshold is handed to an approver.
	rulesDueHold = rulesDue &^ ruleFunds
)

// snapshot is the state a pre-check is evaluated against. Nil pointers mean "not found".
type snapshot struct {
	source      *domain.Account
	destination *domain.Account
	beneficiary *domain.Beneficiary
	spentToday  decimal.Decimal
}

// PreChecker evaluates movements against current balances and limits.
type PreChecker struct {
	store  store.Store
	policy Policy
	now    func() time.Time
}

// NewPreChecker creates a validator reading from st.
func NewPreChecker(st store.Store, policy Policy, now func() time.Time) *PreChecker {
	if policy.Commission == nil {
		policy.Commission = FlatCommission(decimal.Zero, decimal.Zero, decimal.Zero)
	}
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &PreChecker{store: st, policy: policy, now: now}
}

// PreCheck evaluates req without mutating anything. The source account must belong to
// requesterID unless privileged is set; a missing source is reported as a rejection.
func (p *PreChecker) PreCheck(ctx context.Context, req PreCheckRequest, requesterID uuid.UUID, privileged bool) (PreCheckResult, error) {
	if req.Type == "" {
		req.Type = domain.TransactionTypeTransfer
	}
	snap, err := p.load(ctx, req)
	if err != nil {
		return PreCheckResult{}, err
	}
	if !privileged && snap.source != nil && snap.source.ClientID != requesterID {
		return PreCheckResult{}, ErrNotOwner
	}
	return p.evaluate(req, snap, rulesAll), nil
}

func (p *PreChecker) load(ctx context.Context, req PreCheckRequest) (snapshot, error) {
	var snap snapshot

	source, err := p.store.FindAccountByID(ctx, req.SourceAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return snap, nil
		}
		return snap, fmt.Errorf("failed to load source account: %w", err)
	}
	snap.source = source

	if req.DestinationAccountID != nil {
		dest, err := p.store.FindAccountByID(ctx, *req.DestinationAccountID)
		if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
			return snap, fmt.Errorf("failed to load destination account: %w", err)
		}
		snap.destination = dest
	}

	if req.BeneficiaryID != nil {
		b, err := p.store.FindBeneficiaryByID(ctx, *req.BeneficiaryID)
		if err != nil && !errors.Is(err, store.ErrBeneficiaryNotFound) {
			return snap, fmt.Errorf("failed to load beneficiary: %w", err)
		}
		snap.beneficiary = b
	}

	spent, err := p.store.SumExecutedSince(ctx, source.ClientID, p.startOfDay())
	if err != nil {
		return snap, err
	}
	snap.spentToday = spent
	return snap, nil
}

func (p *PreChecker) startOfDay() time.Time {
	y, m, d := p.now().In(p.policy.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.policy.Location)
}

func (p *PreChecker) approvalRequired(txType domain.TransactionType, amount decimal.Decimal) bool {
	return txType == domain.TransactionTypeTransfer && amount.GreaterThan(p.policy.ApprovalThreshold)
}

// evaluate applies the rules in order against snap. It is pure.
func (p *PreChecker) evaluate(req PreCheckRequest, snap snapshot, rules ruleSet) PreCheckResult {
	internal := req.DestinationAccountID != nil
	res := PreCheckResult{
		Amount:           req.Amount,
		ApprovalRequired: p.approvalRequired(req.Type, req.Amount),
		Errors:           []Rejection{},
	}
	fail := func(code RejectionCode, format string, args ...any) PreCheckResult {
		res.Feasible = false
		res.Errors = []Rejection{{Code: code, Message: fmt.Sprintf(format, args...)}}
		return res
	}

	if msg := shapeProblem(req); msg != "" {
		return fail(RejectInvalidRequest, "%s", msg)
	}

	if snap.source == nil {
		return fail(RejectAccountNotFound, "source account %s does not exist", req.SourceAccountID)
	}
	currency := snap.source.Currency
	if req.fixedCommission != nil {
		res.Commission = *req.fixedCommission
	} else {
		res.Commission = p.policy.Commission(commissionKindFor(req.Type, internal), req.Amount, currency)
	}
	res.BalanceBefore = snap.source.Balance
	res.BalanceAfter = snap.source.Balance.Sub(req.Amount.Add(res.Commission))

	// 1. source active
	if !snap.source.IsActive() {
		return fail(RejectAccountInactive, "source account is %s", snap.source.Status)
	}

	// 2. amount
	if rules&ruleAmount != 0 {
		if !req.Amount.IsPositive() {
			return fail(RejectInvalidAmount, "amount must be greater than zero")
		}
		if req.Amount.LessThan(p.policy.MinAmount) {
			return fail(RejectBelowMinimum, "amount must be at least %s", p.policy.MinAmount)
		}
	}

	// 3. funds
	if rules&ruleFunds != 0 && res.BalanceAfter.IsNegative() {
		return fail(RejectInsufficientFunds, "insufficient funds: balance %s, required %s", res.BalanceBefore, req.Amount.Add(res.Commission))
	}

	// 4. daily limit
	if rules&ruleDailyLimit != 0 && p.policy.DailyLimit.IsPositive() {
		if snap.spentToday.Add(req.Amount).GreaterThan(p.policy.DailyLimit) {
			return fail(RejectDailyLimitExceeded, "daily limit of %s exceeded: already moved %s today", p.policy.DailyLimit, snap.spentToday)
		}
	}

	// 5. beneficiary
	if rules&ruleBeneficiary != 0 && req.BeneficiaryID != nil {
		b := snap.beneficiary
		if b == nil || b.ClientID != snap.source.ClientID {
			return fail(RejectBeneficiaryNotFound, "beneficiary %s does not exist", *req.BeneficiaryID)
		}
		if !b.IsConfirmed() {
			return fail(RejectBeneficiaryNotConfirmed, "beneficiary %q is %s", b.Alias, b.State)
		}
		if b.Currency != currency {
			return fail(RejectCurrencyMismatch, "beneficiary currency %s does not match account currency %s", b.Currency, currency)
		}
	}

	// 6. destination and currency
	if rules&ruleDestination != 0 {
		if req.Currency != "" && req.Currency != currency {
			return fail(RejectCurrencyMismatch, "request currency %s does not match account currency %s", req.Currency, currency)
		}
		if internal {
			d := snap.destination
			if d == nil {
				return fail(RejectDestinationNotFound, "destination account %s does not exist", *req.DestinationAccountID)
			}
			if d.ID == snap.source.ID {
				return fail(RejectSameAccount, "source and destination must differ")
			}
			if !d.IsActive() {
				return fail(RejectDestinationInactive, "destination account is %s", d.Status)
			}
			if d.Currency != currency {
				return fail(RejectCurrencyMismatch, "destination currency %s does not match account currency %s", d.Currency, currency)
			}
		}
	}

	res.Feasible = true
	return res
}

func shapeProblem(req PreCheckRequest) string {
	switch req.Type {
	case domain.TransactionTypeTransfer:
		if req.DestinationAccountID == nil && req.BeneficiaryID == nil {
			return "a transfer needs a destination account or a beneficiary"
		}
		if req.DestinationAccountID != nil && req.BeneficiaryID != nil {
			return "a transfer targets either a destination account or a beneficiary, not both"
		}
	case domain.TransactionTypeServicePayment:
		if req.DestinationAccountID != nil || req.BeneficiaryID != nil {
			return "a service payment cannot target an account or beneficiary"
		}
	default:
		return fmt.Sprintf("unknown transaction type %q", req.Type)
	}
	if req.Currency != "" && !req.Currency.Valid() {
		return fmt.Sprintf("unsupported currency %q", req.Currency)
	}
	return ""
}
