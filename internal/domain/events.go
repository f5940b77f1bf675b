package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the events exchange.
const (
	EventTransactionExecuted        = "transaction.executed"
	EventTransactionPendingApproval = "transaction.pending_approval"
	EventTransactionScheduled       = "transaction.scheduled"
	EventTransactionRejected        = "transaction.rejected"
	EventTransactionCancelled       = "transaction.cancelled"
	EventTransactionFailed          = "transaction.failed"
)

// TransactionEvent is the payload published when a transaction changes state.
type TransactionEvent struct {
	EventID       uuid.UUID        `json:"event_id"`
	TransactionID uuid.UUID        `json:"transaction_id"`
	ClientID      uuid.UUID        `json:"client_id"`
	Type          TransactionType  `json:"type"`
	State         TransactionState `json:"state"`
	Amount        decimal.Decimal  `json:"amount"`
	Commission    decimal.Decimal  `json:"commission"`
	Currency      Currency         `json:"currency"`
	Reference     string           `json:"reference,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// NewTransactionEvent snapshots tx into an event payload.
func NewTransactionEvent(tx *Transaction, occurredAt time.Time) TransactionEvent {
	return TransactionEvent{
		EventID:       uuid.New(),
		TransactionID: tx.ID,
		ClientID:      tx.ClientID,
		Type:          tx.Type,
		State:         tx.State,
		Amount:        tx.Amount,
		Commission:    tx.Commission,
		Currency:      tx.Currency,
		Reference:     tx.Reference,
		OccurredAt:    occurredAt,
	}
}
