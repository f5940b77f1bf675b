package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

const rejectionReasonSeparator = " | "

// Approve executes a transaction held for approval. Funding is re-validated under the
// account locks; a failure leaves the transaction in PendienteAprobacion.
func (s *Service) Approve(ctx context.Context, transactionID, approverID uuid.UUID) (*domain.Transaction, error) {
	defer s.metrics.observe("approve", time.Now())

	var approved *domain.Transaction
	err := s.store.RunInUnitOfWork(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		tx, err := uow.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if tx.State != domain.StatePendingApproval {
			return ErrInvalidStateTransition
		}
		if err := s.settle(ctx, uow, tx, rulesAll, s.now().UTC()); err != nil {
			return err
		}
		if err := uow.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		approved = tx
		return nil
	})
	if err != nil {
		return nil, s.classify("approve", err)
	}

	s.metrics.transactionPersisted(string(approved.Type), string(approved.State))
	s.auditor.RecordAsync(ctx, domain.AuditTransactionApproved, approverID,
		fmt.Sprintf("Transaccion %s aprobada, referencia %s", approved.ID, approved.Reference),
		map[string]any{"transaction_id": approved.ID, "reference": approved.Reference, "balance_after": approved.BalanceAfter})
	s.publish(ctx, domain.EventTransactionExecuted, approved)
	return approved, nil
}

// Reject cancels a transaction held for approval and records the reason in its description.
func (s *Service) Reject(ctx context.Context, transactionID, approverID uuid.UUID, reason string) (*domain.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	var rejected *domain.Transaction
	err := s.store.RunInUnitOfWork(ctx, func(ctx context.Context, uow store.UnitOfWork) error {
		tx, err := uow.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if tx.State != domain.StatePendingApproval || !tx.State.CanTransitionTo(domain.StateCancelled) {
			return ErrInvalidStateTransition
		}
		tx.State = domain.StateCancelled
		tx.Description = appendReason(tx.Description, reason)
		tx.UpdatedAt = s.now().UTC()
		if err := uow.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		rejected = tx
		return nil
	})
	if err != nil {
		return nil, s.classify("reject", err)
	}

	s.metrics.transactionPersisted(string(rejected.Type), string(rejected.State))
	s.auditor.RecordAsync(ctx, domain.AuditTransactionRejected, approverID,
		fmt.Sprintf("Transaccion %s rechazada: %s", rejected.ID, reason),
		map[string]any{"transaction_id": rejected.ID, "reason": reason})
	s.publish(ctx, domain.EventTransactionRejected, rejected)
	return rejected, nil
}

func appendReason(description, reason string) string {
	note := "Motivo de rechazo: " + reason
	if description == "" {
		return note
	}
	return description + rejectionReasonSeparator + note
}
