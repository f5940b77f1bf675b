package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

var transferReference = regexp.MustCompile(`^TRF-\d{8}-[A-Z0-9]{8}$`)

func TestExecute_ImmediateTransferDebitsAmountPlusCommission(t *testing.T) {
	f := newFixture(t)
	src := f.account(500_000)
	dst := f.account(0)

	tx, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 50_000, "scenario-a"))
	require.NoError(t, err)

	assert.Equal(t, domain.StateSucceeded, tx.State)
	requireDecimal(t, 500, tx.Commission)
	requireDecimal(t, 500_000, *tx.BalanceBefore)
	requireDecimal(t, 449_500, *tx.BalanceAfter)
	require.NotNil(t, tx.ExecutedAt)
	assert.Regexp(t, transferReference, tx.Reference)
	assert.Equal(t, "20250115", tx.Reference[4:12])

	requireDecimal(t, 449_500, f.balance(src.ID))
	requireDecimal(t, 50_000, f.balance(dst.ID))
	assert.Equal(t, []string{domain.EventTransactionExecuted}, f.publisher.routingKeys())

	records := f.store.AuditRecords()
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditTransactionCreated, records[0].Operation)
	assert.Equal(t, f.client, records[0].ActorID)
}

func TestExecute_AboveThresholdIsHeldForApproval(t *testing.T) {
	f := newFixture(t)
	src := f.account(2_000_000)
	dst := f.account(0)

	tx, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 1_200_000, "scenario-b"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatePendingApproval, tx.State)
	assert.Nil(t, tx.ExecutedAt)
	assert.Empty(t, tx.Reference)
	requireDecimal(t, 2_000_000, f.balance(src.ID))
	requireDecimal(t, 0, f.balance(dst.ID))
	assert.Equal(t, []string{domain.EventTransactionPendingApproval}, f.publisher.routingKeys())
}

func TestExecute_HeldTransferSkipsFundingRules(t *testing.T) {
	f := newFixture(t)
	src := f.account(10_000)
	dst := f.account(0)

	tx, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 1_500_000, "held-without-funds"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingApproval, tx.State)
}

func TestExecute_ReplayReturnsStoredTransaction(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)
	req := f.transfer(src, dst, 10_000, "K1")

	first, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Reference, second.Reference)
	requireDecimal(t, 89_500, f.balance(src.ID))
	requireDecimal(t, 10_000, f.balance(dst.ID))
	assert.Len(t, f.store.AuditRecords(), 1)
}

func TestExecute_ReplayIgnoresChangedPayload(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	first, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 10_000, "K2"))
	require.NoError(t, err)

	second, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 99_000_000, "K2"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	requireDecimal(t, 10_000, second.Amount)
}

func TestExecute_ReplayIsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	first, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 10_000, "K3"))
	require.NoError(t, err)

	stranger := uuid.New()
	own := f.account(50_000, func(a *domain.Account) { a.ClientID = stranger })
	req := f.transfer(own, dst, 1_000, "K3")
	req.ClientID = stranger

	tx, err := f.svc.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrNotOwner)
	assert.Nil(t, tx)
	requireDecimal(t, 50_000, f.balance(own.ID))
	requireDecimal(t, 10_000, f.balance(dst.ID))

	again, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 10_000, "K3"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

// lateKeyStore misses the first idempotency lookup, as when a concurrent creator has not
// committed yet.
type lateKeyStore struct {
	store.Store
	missed bool
}

func (s *lateKeyStore) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	if !s.missed {
		s.missed = true
		return nil, store.ErrTransactionNotFound
	}
	return s.Store.FindTransactionByIdempotencyKey(ctx, key)
}

func TestExecute_DuplicateKeyWinnerIsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)
	_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 10_000, "K4"))
	require.NoError(t, err)

	stranger := uuid.New()
	own := f.account(50_000, func(a *domain.Account) { a.ClientID = stranger })
	req := f.transfer(own, dst, 1_000, "K4")
	req.ClientID = stranger

	svc := f.newService(&lateKeyStore{Store: f.store})
	_, err = svc.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrNotOwner)
	requireDecimal(t, 50_000, f.balance(own.ID))
}

func TestExecute_ConcurrentDuplicateKeyMovesMoneyOnce(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)
	req := f.transfer(src, dst, 1_000, "same-key")

	const workers = 10
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := f.svc.Execute(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = tx.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	requireDecimal(t, 98_500, f.balance(src.ID))
}

func TestExecute_ConcurrentTransfersNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	src := f.account(10_000)
	dst := f.account(0)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 1_000, fmt.Sprintf("race-%d", i)))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			var rej *RejectionError
			assert.ErrorAs(t, err, &rej)
		}(i)
	}
	wg.Wait()

	// 10_000 / (1_000 + 500) leaves room for six transfers.
	assert.Equal(t, 6, succeeded)
	balance := f.balance(src.ID)
	assert.False(t, balance.IsNegative())
	requireDecimal(t, 10_000-int64(succeeded)*1_500, balance)
	requireDecimal(t, int64(succeeded)*1_000, f.balance(dst.ID))
}

func TestExecute_RejectionPersistsNothing(t *testing.T) {
	f := newFixture(t)
	src := f.account(1_000)
	dst := f.account(0)

	_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 900, "too-much"))
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Has(RejectInsufficientFunds))
	require.Len(t, rej.Reasons, 1)

	_, err = f.store.FindTransactionByIdempotencyKey(context.Background(), "too-much")
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)
	requireDecimal(t, 1_000, f.balance(src.ID))
	assert.Empty(t, f.publisher.routingKeys())
}

func TestExecute_DailyLimit(t *testing.T) {
	f := newFixture(t)
	src := f.account(10_000_000)
	dst := f.account(0)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 1_000_000, fmt.Sprintf("daily-%d", i)))
		require.NoError(t, err)
	}

	_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 100, "daily-over"))
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Has(RejectDailyLimitExceeded))

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Execute(context.Background(), f.transfer(src, dst, 100, "next-day"))
	require.NoError(t, err)
}

func TestExecute_RequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	src := f.account(10_000)
	dst := f.account(0)

	_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "   "))
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Has(RejectInvalidRequest))
}

func TestExecute_ForeignSourceAccount(t *testing.T) {
	f := newFixture(t)
	src := f.account(10_000, func(a *domain.Account) { a.ClientID = uuid.New() })
	dst := f.account(0)

	_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "not-mine"))
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestExecute_ThirdPartyTransferToBeneficiary(t *testing.T) {
	f := newFixture(t)
	src := f.account(10_000)
	b := f.beneficiary(domain.BeneficiaryConfirmed)

	bID := b.ID
	tx, err := f.svc.Execute(context.Background(), ExecuteRequest{
		ClientID:        f.client,
		SourceAccountID: src.ID,
		BeneficiaryID:   &bID,
		Amount:          decimal.NewFromInt(2_000),
		IdempotencyKey:  "to-beneficiary",
	})
	require.NoError(t, err)
	requireDecimal(t, 1_000, tx.Commission)
	requireDecimal(t, 7_000, f.balance(src.ID))
}

type failingUnit struct {
	store.UnitOfWork
	fail func(op string) error
}

func (u failingUnit) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := u.fail("create_transaction"); err != nil {
		return err
	}
	return u.UnitOfWork.CreateTransaction(ctx, tx)
}

func (u failingUnit) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	if err := u.fail("lock_transaction"); err != nil {
		return nil, err
	}
	return u.UnitOfWork.LockTransaction(ctx, id)
}

// faultyStore injects errors into units of work.
type faultyStore struct {
	store.Store
	mu   sync.Mutex
	errs map[string]error
}

func (s *faultyStore) failOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errs == nil {
		s.errs = make(map[string]error)
	}
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

func (s *faultyStore) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[op]
}

func (s *faultyStore) RunInUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow store.UnitOfWork) error) error {
	return s.Store.RunInUnitOfWork(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		return fn(ctx, failingUnit{UnitOfWork: uow, fail: s.fail})
	})
}

func TestExecute_InfrastructureFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)
	faulty := &faultyStore{Store: f.store}
	faulty.failOn("create_transaction", errors.New("connection reset by peer"))
	svc := f.newService(faulty)

	_, err := svc.Execute(context.Background(), f.transfer(src, dst, 10_000, "retry-me"))
	var retry *RetryableError
	require.ErrorAs(t, err, &retry)

	requireDecimal(t, 100_000, f.balance(src.ID))
	requireDecimal(t, 0, f.balance(dst.ID))

	faulty.failOn("create_transaction", nil)
	tx, err := svc.Execute(context.Background(), f.transfer(src, dst, 10_000, "retry-me"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, tx.State)
	requireDecimal(t, 89_500, f.balance(src.ID))
}

func TestPayService(t *testing.T) {
	f := newFixture(t)
	src := f.account(50_000)

	tx, err := f.svc.PayService(context.Background(), ServicePaymentRequest{
		ClientID:          f.client,
		SourceAccountID:   src.ID,
		ServiceProviderID: uuid.New(),
		ContractNumber:    "AYA-123456",
		Amount:            decimal.NewFromInt(15_000),
		IdempotencyKey:    "water-bill",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeServicePayment, tx.Type)
	assert.Equal(t, domain.StateSucceeded, tx.State)
	assert.Regexp(t, `^PAG-\d{8}-[A-Z0-9]{8}$`, tx.Reference)
	requireDecimal(t, 0, tx.Commission)
	requireDecimal(t, 35_000, f.balance(src.ID))

	records := f.store.AuditRecords()
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditServicePaymentPosted, records[0].Operation)
}

func TestPayService_LargeAmountIsNotHeld(t *testing.T) {
	f := newFixture(t)
	src := f.account(3_000_000)

	tx, err := f.svc.PayService(context.Background(), ServicePaymentRequest{
		ClientID:          f.client,
		SourceAccountID:   src.ID,
		ServiceProviderID: uuid.New(),
		ContractNumber:    "ICE-1",
		Amount:            decimal.NewFromInt(2_000_000),
		IdempotencyKey:    "big-bill",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, tx.State)
}

func TestPayService_InvalidContractNumber(t *testing.T) {
	f := newFixture(t)
	src := f.account(50_000)

	_, err := f.svc.PayService(context.Background(), ServicePaymentRequest{
		ClientID:          f.client,
		SourceAccountID:   src.ID,
		ServiceProviderID: uuid.New(),
		ContractNumber:    "bad contract!",
		Amount:            decimal.NewFromInt(1_000),
		IdempotencyKey:    "bad-contract",
	})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Has(RejectInvalidRequest))
}
