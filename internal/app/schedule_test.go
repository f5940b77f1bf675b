package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/banking-engine/internal/domain"
)

func (f *fixture) schedule(src, dst *domain.Account, amount int64, key string, in time.Duration) *domain.Transaction {
	f.t.Helper()
	at := f.clock.Now().Add(in)
	req := f.transfer(src, dst, amount, key)
	req.Scheduled = true
	req.ScheduledAt = &at
	tx, err := f.svc.Execute(context.Background(), req)
	require.NoError(f.t, err)
	return tx
}

func (f *fixture) scheduleOf(txID uuid.UUID) *domain.Schedule {
	f.t.Helper()
	sch, err := f.store.FindScheduleByTransactionID(context.Background(), txID)
	require.NoError(f.t, err)
	return sch
}

func TestExecute_ScheduledTransferDoesNotMoveMoney(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	tx := f.schedule(src, dst, 10_000, "later", 48*time.Hour)
	assert.Equal(t, domain.StateScheduled, tx.State)
	requireDecimal(t, 100_000, f.balance(src.ID))

	sch := f.scheduleOf(tx.ID)
	assert.Equal(t, domain.JobPending, sch.JobState)
	assert.True(t, sch.CancelDeadline.Equal(sch.ScheduledAt.Add(-24*time.Hour)))
	assert.Equal(t, []string{domain.EventTransactionScheduled}, f.publisher.routingKeys())

	detail, err := f.svc.GetTransaction(context.Background(), tx.ID, f.client, false)
	require.NoError(t, err)
	require.NotNil(t, detail.Schedule)
	assert.Equal(t, sch.ID, detail.Schedule.ID)
}

func TestExecute_ScheduleTooSoon(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	at := f.clock.Now().Add(30 * time.Minute)
	req := f.transfer(src, dst, 10_000, "too-soon")
	req.Scheduled = true
	req.ScheduledAt = &at

	_, err := f.svc.Execute(context.Background(), req)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Has(RejectScheduleTooSoon))

	req.ScheduledAt = nil
	req.IdempotencyKey = "no-date"
	_, err = f.svc.Execute(context.Background(), req)
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Has(RejectInvalidRequest))
}

func TestCancelSchedule_Window(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	early := f.schedule(src, dst, 10_000, "cancel-early", 48*time.Hour)
	late := f.schedule(src, dst, 10_000, "cancel-late", 48*time.Hour)

	f.clock.Advance(10 * time.Hour)
	ok, err := f.svc.CancelSchedule(context.Background(), early.ID, f.client)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.store.FindTransactionByID(context.Background(), early.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.Equal(t, domain.JobCancelled, f.scheduleOf(early.ID).JobState)

	f.clock.Advance(20 * time.Hour)
	ok, err = f.svc.CancelSchedule(context.Background(), late.ID, f.client)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCancellationWindowClosed)
	assert.Equal(t, domain.JobPending, f.scheduleOf(late.ID).JobState)
}

func TestCancelSchedule_OwnerAndState(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	tx := f.schedule(src, dst, 10_000, "guarded", 48*time.Hour)
	_, err := f.svc.CancelSchedule(context.Background(), tx.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.CancelSchedule(context.Background(), tx.ID, f.client)
	require.NoError(t, err)
	_, err = f.svc.CancelSchedule(context.Background(), tx.ID, f.client)
	assert.ErrorIs(t, err, ErrScheduleNotPending)

	immediate, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 1_000, "not-scheduled"))
	require.NoError(t, err)
	_, err = f.svc.CancelSchedule(context.Background(), immediate.ID, f.client)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelSchedule_ClaimedScheduleCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	tx := f.schedule(src, dst, 10_000, "claimed", 48*time.Hour)
	sch := f.scheduleOf(tx.ID)
	claimed, err := f.store.ClaimDueSchedules(context.Background(), sch.ScheduledAt, sch.ScheduledAt.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = f.svc.CancelSchedule(context.Background(), tx.ID, f.client)
	assert.ErrorIs(t, err, ErrScheduleNotPending)
}

func TestRunDueSchedules_ExecutesDueTransfers(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	due := f.schedule(src, dst, 10_000, "due", 2*time.Hour)
	notYet := f.schedule(src, dst, 10_000, "not-yet", 72*time.Hour)

	report, err := f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)

	f.clock.Advance(3 * time.Hour)
	report, err = f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Claimed: 1, Executed: 1}, report)

	got, err := f.store.FindTransactionByID(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	assert.Regexp(t, transferReference, got.Reference)
	assert.Equal(t, domain.JobExecuted, f.scheduleOf(due.ID).JobState)
	assert.Equal(t, domain.JobPending, f.scheduleOf(notYet.ID).JobState)
	requireDecimal(t, 89_500, f.balance(src.ID))
	requireDecimal(t, 10_000, f.balance(dst.ID))

	report, err = f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	f.svc.Close()
	var executed int
	for _, r := range f.store.AuditRecords() {
		if r.Operation == domain.AuditScheduledExecuted {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
}

func TestRunDueSchedules_InsufficientFundsFails(t *testing.T) {
	f := newFixture(t)
	src := f.account(500_000)
	dst := f.account(0)

	scheduled := f.schedule(src, dst, 400_000, "will-fail", 2*time.Hour)
	_, err := f.svc.Execute(context.Background(), f.transfer(src, dst, 200_000, "spend-first"))
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)
	report, err := f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Claimed: 1, Failed: 1}, report)

	got, err := f.store.FindTransactionByID(context.Background(), scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	sch := f.scheduleOf(scheduled.ID)
	assert.Equal(t, domain.JobFailed, sch.JobState)
	assert.Contains(t, sch.LastError, "insufficient funds")
	requireDecimal(t, 299_500, f.balance(src.ID))
	assert.Contains(t, f.publisher.routingKeys(), domain.EventTransactionFailed)

	// Single attempt: a failed schedule is never picked up again.
	report, err = f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
}

func TestRunDueSchedules_InactiveSourceFails(t *testing.T) {
	f := newFixture(t)
	src := f.account(500_000)
	dst := f.account(0)

	scheduled := f.schedule(src, dst, 1_000, "blocked-later", 2*time.Hour)
	require.NoError(t, f.store.UpdateAccountStatus(context.Background(), src.ID, domain.AccountStatusBlocked))

	f.clock.Advance(3 * time.Hour)
	report, err := f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := f.store.FindTransactionByID(context.Background(), scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
}

func TestRunDueSchedules_InfrastructureErrorReleasesClaim(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	tx := f.schedule(src, dst, 10_000, "flaky", 2*time.Hour)
	faulty := &faultyStore{Store: f.store}
	faulty.failOn("lock_transaction", errors.New("database is shutting down"))
	svc := f.newService(faulty)

	f.clock.Advance(3 * time.Hour)
	report, err := svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Claimed: 1, Released: 1}, report)

	sch := f.scheduleOf(tx.ID)
	assert.Equal(t, domain.JobPending, sch.JobState)
	assert.Nil(t, sch.ClaimedAt)
	assert.Contains(t, sch.LastError, "shutting down")
	requireDecimal(t, 100_000, f.balance(src.ID))

	faulty.failOn("lock_transaction", nil)
	report, err = svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Claimed: 1, Executed: 1}, report)
	requireDecimal(t, 89_500, f.balance(src.ID))
}

func TestRunDueSchedules_ReclaimsStaleClaims(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	dst := f.account(0)

	tx := f.schedule(src, dst, 10_000, "stale", 2*time.Hour)
	f.clock.Advance(3 * time.Hour)

	// A worker claimed the schedule and died before executing it.
	_, err := f.store.ClaimDueSchedules(context.Background(), f.clock.Now(), f.clock.Now().Add(-time.Hour), 10)
	require.NoError(t, err)

	report, err := f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	f.clock.Advance(20 * time.Minute)
	report, err = f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Claimed: 1, Executed: 1}, report)
	assert.Equal(t, domain.JobExecuted, f.scheduleOf(tx.ID).JobState)
}

func TestRunDueSchedules_AboveThresholdIsHeldForApproval(t *testing.T) {
	f := newFixture(t)
	src := f.account(2_000_000)
	dst := f.account(0)

	tx := f.schedule(src, dst, 1_200_000, "big-later", 2*time.Hour)
	require.Equal(t, domain.StateScheduled, tx.State)

	f.clock.Advance(3 * time.Hour)
	report, err := f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Claimed: 1, Held: 1}, report)

	got, err := f.store.FindTransactionByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingApproval, got.State)
	assert.Empty(t, got.Reference)
	assert.Nil(t, got.ExecutedAt)
	assert.Equal(t, domain.JobExecuted, f.scheduleOf(tx.ID).JobState)
	requireDecimal(t, 2_000_000, f.balance(src.ID))
	requireDecimal(t, 0, f.balance(dst.ID))
	assert.Contains(t, f.publisher.routingKeys(), domain.EventTransactionPendingApproval)

	report, err = f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	approved, err := f.svc.Approve(context.Background(), tx.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, approved.State)
	requireDecimal(t, 799_500, f.balance(src.ID))
	requireDecimal(t, 1_200_000, f.balance(dst.ID))

	f.svc.Close()
	var held int
	for _, r := range f.store.AuditRecords() {
		if r.Operation == domain.AuditScheduledHeld {
			held++
		}
	}
	assert.Equal(t, 1, held)
}

func TestRunDueSchedules_HeldTransferCanBeRejected(t *testing.T) {
	f := newFixture(t)
	src := f.account(2_000_000)
	dst := f.account(0)

	tx := f.schedule(src, dst, 1_500_000, "big-rejected", 2*time.Hour)
	f.clock.Advance(3 * time.Hour)
	_, err := f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)

	rejected, err := f.svc.Reject(context.Background(), tx.ID, uuid.New(), "monto no autorizado")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, rejected.State)
	requireDecimal(t, 2_000_000, f.balance(src.ID))
}

func TestRunDueSchedules_BeneficiaryRejectedAfterScheduling(t *testing.T) {
	f := newFixture(t)
	src := f.account(100_000)
	b := f.beneficiary(domain.BeneficiaryConfirmed)

	at := f.clock.Now().Add(2 * time.Hour)
	bID := b.ID
	tx, err := f.svc.Execute(context.Background(), ExecuteRequest{
		ClientID:        f.client,
		SourceAccountID: src.ID,
		BeneficiaryID:   &bID,
		Amount:          decimal.NewFromInt(5_000),
		IdempotencyKey:  "to-beneficiary-later",
		Scheduled:       true,
		ScheduledAt:     &at,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateScheduled, tx.State)

	require.NoError(t, f.store.UpdateBeneficiaryState(context.Background(), b.ID, domain.BeneficiaryRejected))

	f.clock.Advance(3 * time.Hour)
	report, err := f.svc.RunDueSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Claimed: 1, Failed: 1}, report)

	got, err := f.store.FindTransactionByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	sch := f.scheduleOf(tx.ID)
	assert.Equal(t, domain.JobFailed, sch.JobState)
	assert.Contains(t, sch.LastError, string(domain.BeneficiaryRejected))
	requireDecimal(t, 100_000, f.balance(src.ID))
}
