/**
 * @description
 * This file defines the persistence contract of the transaction engine. `Store` covers
 * plain reads and the few self-contained writes (audit, schedule claims), while every
 * balance mutation happens through a `UnitOfWork` handed out by `RunInUnitOfWork`.
 * Keeping the boundary explicit lets the engine run against PostgreSQL in production
 * and against the in-memory store in tests.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid, github.com/shopspring/decimal: identifiers and money.
 * - internal/domain: For the engine's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/banking-engine/internal/domain"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrBeneficiaryNotFound     = errors.New("beneficiary not found")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrScheduleNotFound        = errors.New("schedule not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrDuplicateAccountNumber  = errors.New("account number already exists")
	ErrDuplicateAlias          = errors.New("beneficiary alias already exists for client")
)

// Store is the read side of the persistence layer plus the writes that do not move money.
type Store interface {
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	AccountExists(ctx context.Context, accountID uuid.UUID) (bool, error)
	FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error)
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	FindScheduleByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Schedule, error)

	// SumExecutedSince returns the amounts of the client's successful movements executed at or after since.
	SumExecutedSince(ctx context.Context, clientID uuid.UUID, since time.Time) (decimal.Decimal, error)
	// HasPendingTransactionsForBeneficiary reports whether a held or scheduled transaction targets the beneficiary.
	HasPendingTransactionsForBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) (bool, error)

	AppendAudit(ctx context.Context, record *domain.AuditRecord) error

	// ClaimDueSchedules atomically flips due Pending schedules (and InProgress claims older
	// than staleBefore) to InProgress and returns them, oldest first, at most limit rows.
	ClaimDueSchedules(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]domain.Schedule, error)
	// ReleaseScheduleClaim moves an InProgress schedule back to Pending.
	ReleaseScheduleClaim(ctx context.Context, scheduleID uuid.UUID, lastError string) error

	// RunInUnitOfWork runs fn inside one database transaction. fn returning an error rolls
	// back every write made through the UnitOfWork.
	RunInUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// UnitOfWork is the write side. Locks taken through it are held until the unit ends.
type UnitOfWork interface {
	// LockAccounts locks the given accounts in a deterministic order and returns them keyed
	// by id. Ids that do not exist are absent from the map.
	LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error)
	UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error
	FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error)
	SumExecutedSince(ctx context.Context, clientID uuid.UUID, since time.Time) (decimal.Decimal, error)

	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	LockTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error

	CreateSchedule(ctx context.Context, schedule *domain.Schedule) error
	LockScheduleByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error
}
