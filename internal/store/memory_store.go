/**
 * @description
 * In-memory implementation of `Store`. A unit of work holds the store's write lock for
 * its whole duration and stages its writes; they are applied only when fn returns nil,
 * which gives the same all-or-nothing behaviour as a database transaction.
 *
 * @notes
 * - Every value crossing the boundary is cloned so callers never alias stored state.
 * - Used by the engine tests and by STORAGE_DRIVER=memory.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/banking-engine/internal/domain"
)

// MemoryStore keeps all engine state in process memory.
type MemoryStore struct {
	mu             sync.RWMutex
	accounts       map[uuid.UUID]*domain.Account
	accountNumbers map[string]uuid.UUID
	beneficiaries  map[uuid.UUID]*domain.Beneficiary
	transactions   map[uuid.UUID]*domain.Transaction
	idempotency    map[string]uuid.UUID
	schedules      map[uuid.UUID]*domain.Schedule
	scheduleByTx   map[uuid.UUID]uuid.UUID
	audit          []domain.AuditRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:       make(map[uuid.UUID]*domain.Account),
		accountNumbers: make(map[string]uuid.UUID),
		beneficiaries:  make(map[uuid.UUID]*domain.Beneficiary),
		transactions:   make(map[uuid.UUID]*domain.Transaction),
		idempotency:    make(map[string]uuid.UUID),
		schedules:      make(map[uuid.UUID]*domain.Schedule),
		scheduleByTx:   make(map[uuid.UUID]uuid.UUID),
	}
}

// CreateAccount registers an account. Account opening is outside the engine, so this is
// only used for bootstrapping and tests.
func (s *MemoryStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.accountNumbers[account.Number]; taken {
		return ErrDuplicateAccountNumber
	}
	cp := *account
	s.accounts[account.ID] = &cp
	s.accountNumbers[account.Number] = account.ID
	return nil
}

// CreateBeneficiary registers a beneficiary, enforcing alias uniqueness per client.
func (s *MemoryStore) CreateBeneficiary(ctx context.Context, beneficiary *domain.Beneficiary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.beneficiaries {
		if b.ClientID == beneficiary.ClientID && b.Alias == beneficiary.Alias {
			return ErrDuplicateAlias
		}
	}
	cp := *beneficiary
	s.beneficiaries[beneficiary.ID] = &cp
	return nil
}

// UpdateAccountStatus blocks, closes or reactivates an account.
func (s *MemoryStore) UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	cp := *a
	cp.Status = status
	s.accounts[accountID] = &cp
	return nil
}

// UpdateBeneficiaryState confirms, rejects or deactivates a beneficiary.
func (s *MemoryStore) UpdateBeneficiaryState(ctx context.Context, beneficiaryID uuid.UUID, state domain.BeneficiaryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beneficiaries[beneficiaryID]
	if !ok {
		return ErrBeneficiaryNotFound
	}
	cp := *b
	cp.State = state
	s.beneficiaries[beneficiaryID] = &cp
	return nil
}

// AuditRecords returns a copy of the audit trail in append order.
func (s *MemoryStore) AuditRecords() []domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *MemoryStore) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AccountExists(ctx context.Context, accountID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[accountID]
	return ok, nil
}

func (s *MemoryStore) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.beneficiary(beneficiaryID)
}

func (s *MemoryStore) beneficiary(id uuid.UUID) (*domain.Beneficiary, error) {
	b, ok := s.beneficiaries[id]
	if !ok {
		return nil, ErrBeneficiaryNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idempotency[key]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return s.transactions[id].Clone(), nil
}

func (s *MemoryStore) FindScheduleByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.scheduleByTx[transactionID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return s.schedules[id].Clone(), nil
}

func (s *MemoryStore) SumExecutedSince(ctx context.Context, clientID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumExecuted(s.transactions, nil, clientID, since), nil
}

// sumExecuted adds the amounts of executed movements, with staged rows overriding base rows.
func sumExecuted(base, staged map[uuid.UUID]*domain.Transaction, clientID uuid.UUID, since time.Time) decimal.Decimal {
	total := decimal.Zero
	add := func(tx *domain.Transaction) {
		if tx.ClientID != clientID || tx.State != domain.StateSucceeded || tx.ExecutedAt == nil {
			return
		}
		if tx.ExecutedAt.Before(since) {
			return
		}
		total = total.Add(tx.Amount)
	}
	for id, tx := range base {
		if _, overridden := staged[id]; overridden {
			continue
		}
		add(tx)
	}
	for _, tx := range staged {
		add(tx)
	}
	return total
}

func (s *MemoryStore) HasPendingTransactionsForBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions {
		if tx.BeneficiaryID == nil || *tx.BeneficiaryID != beneficiaryID {
			continue
		}
		if tx.State == domain.StatePendingApproval || tx.State == domain.StateScheduled {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *record)
	return nil
}

func (s *MemoryStore) ClaimDueSchedules(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Schedule
	for _, sch := range s.schedules {
		switch sch.JobState {
		case domain.JobPending:
			if !sch.ScheduledAt.After(now) {
				due = append(due, sch)
			}
		case domain.JobInProgress:
			if sch.ClaimedAt != nil && sch.ClaimedAt.Before(staleBefore) {
				due = append(due, sch)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Schedule, 0, len(due))
	for _, sch := range due {
		claimedAt := now
		sch.JobState = domain.JobInProgress
		sch.ClaimedAt = &claimedAt
		sch.UpdatedAt = now
		claimed = append(claimed, *sch.Clone())
	}
	return claimed, nil
}

func (s *MemoryStore) ReleaseScheduleClaim(ctx context.Context, scheduleID uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return ErrScheduleNotFound
	}
	if sch.JobState != domain.JobInProgress {
		return nil
	}
	sch.JobState = domain.JobPending
	sch.ClaimedAt = nil
	sch.LastError = lastError
	sch.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RunInUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unit := &memoryUnit{
		store:        s,
		accounts:     make(map[uuid.UUID]*domain.Account),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		keys:         make(map[string]uuid.UUID),
		schedules:    make(map[uuid.UUID]*domain.Schedule),
		scheduleByTx: make(map[uuid.UUID]uuid.UUID),
	}
	if err := fn(ctx, unit); err != nil {
		return err
	}
	unit.commit()
	return nil
}

// memoryUnit stages writes on top of the store. The store lock is held by RunInUnitOfWork.
type memoryUnit struct {
	store        *MemoryStore
	accounts     map[uuid.UUID]*domain.Account
	transactions map[uuid.UUID]*domain.Transaction
	keys         map[string]uuid.UUID
	schedules    map[uuid.UUID]*domain.Schedule
	scheduleByTx map[uuid.UUID]uuid.UUID
}

func (u *memoryUnit) account(id uuid.UUID) (*domain.Account, bool) {
	if a, ok := u.accounts[id]; ok {
		return a, true
	}
	a, ok := u.store.accounts[id]
	return a, ok
}

func (u *memoryUnit) LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	out := make(map[uuid.UUID]*domain.Account, len(accountIDs))
	for _, id := range accountIDs {
		a, ok := u.account(id)
		if !ok {
			continue
		}
		cp := *a
		out[id] = &cp
	}
	return out, nil
}

func (u *memoryUnit) UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	a, ok := u.account(accountID)
	if !ok {
		return ErrAccountNotFound
	}
	cp := *a
	cp.Balance = balance
	u.accounts[accountID] = &cp
	return nil
}

func (u *memoryUnit) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	return u.store.beneficiary(beneficiaryID)
}

func (u *memoryUnit) SumExecutedSince(ctx context.Context, clientID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return sumExecuted(u.store.transactions, u.transactions, clientID, since), nil
}

func (u *memoryUnit) transaction(id uuid.UUID) (*domain.Transaction, bool) {
	if tx, ok := u.transactions[id]; ok {
		return tx, true
	}
	tx, ok := u.store.transactions[id]
	return tx, ok
}

func (u *memoryUnit) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if _, ok := u.store.idempotency[tx.IdempotencyKey]; ok {
		return ErrDuplicateIdempotencyKey
	}
	if _, ok := u.keys[tx.IdempotencyKey]; ok {
		return ErrDuplicateIdempotencyKey
	}
	u.transactions[tx.ID] = tx.Clone()
	u.keys[tx.IdempotencyKey] = tx.ID
	return nil
}

func (u *memoryUnit) LockTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, ok := u.transaction(transactionID)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (u *memoryUnit) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if _, ok := u.transaction(tx.ID); !ok {
		return ErrTransactionNotFound
	}
	u.transactions[tx.ID] = tx.Clone()
	return nil
}

func (u *memoryUnit) schedule(transactionID uuid.UUID) (*domain.Schedule, bool) {
	if id, ok := u.scheduleByTx[transactionID]; ok {
		return u.schedules[id], true
	}
	id, ok := u.store.scheduleByTx[transactionID]
	if !ok {
		return nil, false
	}
	if staged, ok := u.schedules[id]; ok {
		return staged, true
	}
	return u.store.schedules[id], true
}

func (u *memoryUnit) CreateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	u.schedules[schedule.ID] = schedule.Clone()
	u.scheduleByTx[schedule.TransactionID] = schedule.ID
	return nil
}

func (u *memoryUnit) LockScheduleByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Schedule, error) {
	sch, ok := u.schedule(transactionID)
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return sch.Clone(), nil
}

func (u *memoryUnit) UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	if _, ok := u.schedule(schedule.TransactionID); !ok {
		return ErrScheduleNotFound
	}
	u.schedules[schedule.ID] = schedule.Clone()
	return nil
}

func (u *memoryUnit) commit() {
	s := u.store
	for id, a := range u.accounts {
		s.accounts[id] = a
	}
	for id, tx := range u.transactions {
		s.transactions[id] = tx
	}
	for key, id := range u.keys {
		s.idempotency[key] = id
	}
	for id, sch := range u.schedules {
		s.schedules[id] = sch
	}
	for txID, id := range u.scheduleByTx {
		s.scheduleByTx[txID] = id
	}
}
