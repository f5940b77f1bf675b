package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

const (
	outcomeExecuted = "executed"
	outcomeHeld     = "held"
	outcomeFailed   = "failed"
	outcomeReleased = "released"
	outcomeSkipped  = "skipped"
)

// SweepReport summarises one pass of RunDueSchedules.
type SweepReport struct {
	Claimed  int `json:"claimed"`
	Executed int `json:"executed"`
	Held     int `json:"held"`
	Failed   int `json:"failed"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
}

// CancelSchedule cancels a scheduled transaction on behalf of its owner. It succeeds only
// while the schedule is Pending and the cancellation deadline has not passed.
func (s *Service) CancelSchedule(ctx context.Context, transactionID, clientID uuid.UUID) (bool, error) {
	var cancelled *domain.Transaction
	err := s.store.RunInUnitOfWork(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		tx, err := uow.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if tx.ClientID != clientID {
			return ErrNotOwner
		}
		sch, err := uow.LockScheduleByTransactionID(ctx, transactionID)
		if err != nil {
			if errors.Is(err, store.ErrScheduleNotFound) {
				return ErrInvalidStateTransition
			}
			return err
		}
		if sch.JobState != domain.JobPending {
			return ErrScheduleNotPending
		}
		now := s.now().UTC()
		if !sch.Cancellable(now) {
			return ErrCancellationWindowClosed
		}
		if !tx.State.CanTransitionTo(domain.StateCancelled) {
			return ErrInvalidStateTransition
		}

		sch.JobState = domain.JobCancelled
		sch.UpdatedAt = now
		if err := uow.UpdateSchedule(ctx, sch); err != nil {
			return err
		}
		tx.State = domain.StateCancelled
		tx.UpdatedAt = now
		if err := uow.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		cancelled = tx
		return nil
	})
	if err != nil {
		return false, s.classify("cancel schedule", err)
	}

	s.metrics.transactionPersisted(string(cancelled.Type), string(cancelled.State))
	s.auditor.RecordAsync(ctx, domain.AuditScheduleCancelled, clientID,
		fmt.Sprintf("Programacion de la transaccion %s cancelada", cancelled.ID),
		map[string]any{"transaction_id": cancelled.ID})
	s.publish(ctx, domain.EventTransactionCancelled, cancelled)
	return true, nil
}

// RunDueSchedules claims the schedules whose time has come and executes each in its own
// unit of work. A transaction above the approval threshold is not executed: it moves to
// PendienteAprobacion and its schedule is done. A failing schedule never stops the sweep.
func (s *Service) RunDueSchedules(ctx context.Context) (SweepReport, error) {
	defer s.metrics.observe("run_due_schedules", time.Now())

	var report SweepReport
	now := s.now().UTC()
	claimed, err := s.store.ClaimDueSchedules(ctx, now, now.Add(-s.cfg.ClaimStaleAfter), s.cfg.ScheduleBatchSize)
	if err != nil {
		return report, &RetryableError{Op: "claim schedules", Err: err}
	}
	report.Claimed = len(claimed)

	for _, sch := range claimed {
		if ctx.Err() != nil {
			// Whatever is left stays InProgress and is reclaimed once the claim goes stale.
			break
		}
		outcome := s.runSchedule(ctx, sch)
		s.metrics.scheduleRun(outcome)
		switch outcome {
		case outcomeExecuted:
			report.Executed++
		case outcomeHeld:
			report.Held++
		case outcomeFailed:
			report.Failed++
		case outcomeReleased:
			report.Released++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (s *Service) runSchedule(ctx context.Context, claimed domain.Schedule) string {
	logger := s.logger.With("schedule_id", claimed.ID, "transaction_id", claimed.TransactionID)

	var (
		outcome string
		tx      *domain.Transaction
		reason  string
	)
	err := s.store.RunInUnitOfWork(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		locked, err := uow.LockTransaction(ctx, claimed.TransactionID)
		if err != nil {
			return err
		}
		sch, err := uow.LockScheduleByTransactionID(ctx, claimed.TransactionID)
		if err != nil {
			return err
		}
		if sch.JobState != domain.JobInProgress {
			outcome = outcomeSkipped
			return nil
		}

		now := s.now().UTC()
		sch.UpdatedAt = now
		if locked.State != domain.StateScheduled {
			sch.JobState = domain.JobFailed
			sch.LastError = fmt.Sprintf("transaction is %s", locked.State)
			outcome = outcomeSkipped
			return uow.UpdateSchedule(ctx, sch)
		}

		hold := s.prechecker.approvalRequired(locked.Type, locked.Amount)
		if hold {
			_, _, err = s.verify(ctx, uow, locked, rulesDueHold)
		} else {
			err = s.settle(ctx, uow, locked, rulesDue, now)
		}
		var rej *RejectionError
		switch {
		case err == nil && hold:
			locked.State = domain.StatePendingApproval
			locked.UpdatedAt = now
			sch.JobState = domain.JobExecuted
			sch.LastError = ""
			outcome = outcomeHeld
		case err == nil:
			sch.JobState = domain.JobExecuted
			sch.LastError = ""
			outcome = outcomeExecuted
		case errors.As(err, &rej):
			reason = rej.Error()
			locked.State = domain.StateFailed
			locked.UpdatedAt = now
			sch.JobState = domain.JobFailed
			sch.LastError = reason
			outcome = outcomeFailed
		default:
			return err
		}

		if err := uow.UpdateTransaction(ctx, locked); err != nil {
			return err
		}
		if err := uow.UpdateSchedule(ctx, sch); err != nil {
			return err
		}
		tx = locked
		return nil
	})
	if err != nil {
		logger.Error("scheduled execution failed; releasing claim", "error", err)
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if rerr := s.store.ReleaseScheduleClaim(releaseCtx, claimed.ID, err.Error()); rerr != nil {
			logger.Error("failed to release schedule claim", "error", rerr)
		}
		return outcomeReleased
	}

	switch outcome {
	case outcomeExecuted:
		logger.Info("scheduled transaction executed", "reference", tx.Reference)
		s.metrics.transactionPersisted(string(tx.Type), string(tx.State))
		s.auditor.RecordAsync(ctx, domain.AuditScheduledExecuted, tx.ClientID,
			fmt.Sprintf("Transaccion programada %s ejecutada, referencia %s", tx.ID, tx.Reference),
			map[string]any{"transaction_id": tx.ID, "schedule_id": claimed.ID, "reference": tx.Reference})
		s.publish(ctx, domain.EventTransactionExecuted, tx)
	case outcomeHeld:
		logger.Info("scheduled transaction held for approval", "amount", tx.Amount.StringFixed(2))
		s.metrics.transactionPersisted(string(tx.Type), string(tx.State))
		s.auditor.RecordAsync(ctx, domain.AuditScheduledHeld, tx.ClientID,
			fmt.Sprintf("Transaccion programada %s retenida para aprobacion", tx.ID),
			map[string]any{"transaction_id": tx.ID, "schedule_id": claimed.ID, "amount": tx.Amount})
		s.publish(ctx, domain.EventTransactionPendingApproval, tx)
	case outcomeFailed:
		logger.Warn("scheduled transaction failed", "reason", reason)
		s.metrics.transactionPersisted(string(tx.Type), string(tx.State))
		s.auditor.RecordAsync(ctx, domain.AuditScheduledFailed, tx.ClientID,
			fmt.Sprintf("Transaccion programada %s fallida: %s", tx.ID, reason),
			map[string]any{"transaction_id": tx.ID, "schedule_id": claimed.ID, "reason": reason})
		s.publish(ctx, domain.EventTransactionFailed, tx)
	default:
		logger.Info("schedule skipped")
	}
	return outcome
}
