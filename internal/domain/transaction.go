/**
 * @description
 * This file defines the core domain models for the transaction engine: the
 * Transaction ledger record and the closed state machine it moves through.
 *
 * @notes
 * - Amounts use shopspring/decimal so balances never pass through float64.
 * - State values are persisted with the vocabulary used by the banking front-ends
 *   ("Exitosa", "PendienteAprobacion", ...), but in Go they form a closed set with
 *   an explicit transition table.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType distinguishes account transfers from service payments.
type TransactionType string

const (
	TransactionTypeTransfer       TransactionType = "Transferencia"
	TransactionTypeServicePayment TransactionType = "PagoServicio"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeTransfer, TransactionTypeServicePayment:
		return true
	}
	return false
}

// ReferencePrefix is the receipt prefix used for the transaction type.
func (t TransactionType) ReferencePrefix() string {
	if t == TransactionTypeServicePayment {
		return "PAG"
	}
	return "TRF"
}

// TransactionState is the lifecycle state of a Transaction.
type TransactionState string

const (
	// StateCreated is transient: it never reaches the store.
	StateCreated         TransactionState = "Creada"
	StateSucceeded       TransactionState = "Exitosa"
	StatePendingApproval TransactionState = "PendienteAprobacion"
	StateScheduled       TransactionState = "Programada"
	StateCancelled       TransactionState = "Cancelada"
	StateFailed          TransactionState = "Fallida"
)

// Scheduled -> PendingApproval hands an over-threshold schedule to an approver at due time.
var transactionTransitions = map[TransactionState][]TransactionState{
	StateCreated:         {StateSucceeded, StatePendingApproval, StateScheduled},
	StatePendingApproval: {StateSucceeded, StateCancelled},
	StateScheduled:       {StateSucceeded, StateCancelled, StateFailed, StatePendingApproval},
}

// Valid reports whether s is one of the known states.
func (s TransactionState) Valid() bool {
	switch s {
	case StateCreated, StateSucceeded, StatePendingApproval, StateScheduled, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s TransactionState) Terminal() bool {
	return len(transactionTransitions[s]) == 0
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s TransactionState) CanTransitionTo(next TransactionState) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transaction represents one logical money movement. It maps to the `transactions` table.
type Transaction struct {
	ID                   uuid.UUID        `json:"id"`
	Type                 TransactionType  `json:"type"`
	State                TransactionState `json:"state"`
	Amount               decimal.Decimal  `json:"amount"`
	Currency             Currency         `json:"currency"`
	Commission           decimal.Decimal  `json:"commission"`
	IdempotencyKey       string           `json:"idempotency_key"`
	Description          string           `json:"description"`
	Reference            string           `json:"reference,omitempty"`
	ClientID             uuid.UUID        `json:"client_id"`
	SourceAccountID      uuid.UUID        `json:"source_account_id"`
	DestinationAccountID *uuid.UUID       `json:"destination_account_id,omitempty"`
	BeneficiaryID        *uuid.UUID       `json:"beneficiary_id,omitempty"`
	ServiceProviderID    *uuid.UUID       `json:"service_provider_id,omitempty"`
	ContractNumber       string           `json:"contract_number,omitempty"`
	BalanceBefore        *decimal.Decimal `json:"balance_before,omitempty"`
	BalanceAfter         *decimal.Decimal `json:"balance_after,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	ExecutedAt           *time.Time       `json:"executed_at,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Total is what leaves the source account: amount plus commission.
func (t *Transaction) Total() decimal.Decimal {
	return t.Amount.Add(t.Commission)
}

// IsInternal reports whether the transaction credits an account held in this bank.
func (t *Transaction) IsInternal() bool {
	return t.DestinationAccountID != nil
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.DestinationAccountID = cloneUUID(t.DestinationAccountID)
	cp.BeneficiaryID = cloneUUID(t.BeneficiaryID)
	cp.ServiceProviderID = cloneUUID(t.ServiceProviderID)
	if t.BalanceBefore != nil {
		v := *t.BalanceBefore
		cp.BalanceBefore = &v
	}
	if t.BalanceAfter != nil {
		v := *t.BalanceAfter
		cp.BalanceAfter = &v
	}
	if t.ExecutedAt != nil {
		v := *t.ExecutedAt
		cp.ExecutedAt = &v
	}
	return &cp
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
