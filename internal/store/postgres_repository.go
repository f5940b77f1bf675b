/**
 * @description
 * This file provides the PostgreSQL implementation of the `Store` interface. Reads go
 * straight to the pool; balance mutations run inside `RunInUnitOfWork`, which wraps a
 * single pgx transaction and takes `SELECT ... FOR UPDATE` row locks.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are read and written as decimals.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/banking-engine/internal/domain"
)

const (
	pgUniqueViolation        = "23505"
	idempotencyKeyConstraint = "transactions_idempotency_key_key"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Store interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, number, type, currency, balance, status, client_id`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Number, &a.Type, &a.Currency, &a.Balance, &a.Status, &a.ClientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

const transactionColumns = `
	id, type, state, amount, currency, commission, idempotency_key, description,
	COALESCE(reference, ''), client_id, source_account_id, destination_account_id,
	beneficiary_id, service_provider_id, COALESCE(contract_number, ''),
	balance_before, balance_after, created_at, executed_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var before, after decimal.NullDecimal
	err := row.Scan(
		&tx.ID, &tx.Type, &tx.State, &tx.Amount, &tx.Currency, &tx.Commission,
		&tx.IdempotencyKey, &tx.Description, &tx.Reference, &tx.ClientID,
		&tx.SourceAccountID, &tx.DestinationAccountID, &tx.BeneficiaryID,
		&tx.ServiceProviderID, &tx.ContractNumber, &before, &after,
		&tx.CreatedAt, &tx.ExecutedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if before.Valid {
		tx.BalanceBefore = &before.Decimal
	}
	if after.Valid {
		tx.BalanceAfter = &after.Decimal
	}
	return &tx, nil
}

const scheduleColumns = `id, transaction_id, scheduled_at, cancel_deadline, job_state, claimed_at, last_error, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	err := row.Scan(&s.ID, &s.TransactionID, &s.ScheduledAt, &s.CancelDeadline, &s.JobState, &s.ClaimedAt, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return &s, nil
}

const beneficiaryColumns = `id, client_id, alias, account_number, bank, currency, country, state, created_at`

func findBeneficiary(ctx context.Context, q querier, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	var b domain.Beneficiary
	query := `SELECT ` + beneficiaryColumns + ` FROM beneficiaries WHERE id = $1`
	err := q.QueryRow(ctx, query, beneficiaryID).Scan(&b.ID, &b.ClientID, &b.Alias, &b.AccountNumber, &b.Bank, &b.Currency, &b.Country, &b.State, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBeneficiaryNotFound
		}
		return nil, err
	}
	return &b, nil
}

func sumExecutedSince(ctx context.Context, q querier, clientID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE client_id = $1 AND state = $2 AND executed_at >= $3
	`
	if err := q.QueryRow(ctx, query, clientID, domain.StateSucceeded, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum executed movements: %w", err)
	}
	return total, nil
}

// FindAccountByID retrieves an account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

// AccountExists checks for an account without loading it.
func (r *PostgresRepository) AccountExists(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists)
	return exists, err
}

// FindBeneficiaryByID retrieves a beneficiary by its ID.
func (r *PostgresRepository) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	return findBeneficiary(ctx, r.db, beneficiaryID)
}

// FindTransactionByID retrieves a transaction by its ID.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID))
}

// FindTransactionByIdempotencyKey retrieves the transaction created for a caller-supplied key.
func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

// FindScheduleByTransactionID retrieves the schedule paired with a transaction.
func (r *PostgresRepository) FindScheduleByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Schedule, error) {
	return scanSchedule(r.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE transaction_id = $1`, transactionID))
}

// SumExecutedSince totals the client's successful movements since the given instant.
func (r *PostgresRepository) SumExecutedSince(ctx context.Context, clientID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return sumExecutedSince(ctx, r.db, clientID, since)
}

// HasPendingTransactionsForBeneficiary reports whether held or scheduled transactions target the beneficiary.
func (r *PostgresRepository) HasPendingTransactionsForBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE beneficiary_id = $1 AND state IN ($2, $3)
		)
	`
	err := r.db.QueryRow(ctx, query, beneficiaryID, domain.StatePendingApproval, domain.StateScheduled).Scan(&exists)
	return exists, err
}

// AppendAudit inserts one audit record.
func (r *PostgresRepository) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	var detail *string
	if len(record.Detail) > 0 {
		d := string(record.Detail)
		detail = &d
	}
	query := `
		INSERT INTO audit_records (id, occurred_at, operation, description, actor_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`
	_, err := r.db.Exec(ctx, query, record.ID, record.Timestamp, record.Operation, record.Description, record.ActorID, detail)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// ClaimDueSchedules flips due schedules to InProgress in one statement. SKIP LOCKED keeps
// concurrent scheduler instances and an in-flight cancellation from claiming the same row.
func (r *PostgresRepository) ClaimDueSchedules(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		UPDATE schedules
		SET job_state = $1, claimed_at = $3, updated_at = $3
		WHERE id IN (
			SELECT id FROM schedules
			WHERE (job_state = $2 AND scheduled_at <= $3)
			   OR (job_state = $1 AND claimed_at < $4)
			ORDER BY scheduled_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + scheduleColumns
	rows, err := r.db.Query(ctx, query, domain.JobInProgress, domain.JobPending, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due schedules: %w", err)
	}
	defer rows.Close()

	var claimed []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt) })
	return claimed, nil
}

// ReleaseScheduleClaim hands an InProgress schedule back to the next sweep.
func (r *PostgresRepository) ReleaseScheduleClaim(ctx context.Context, scheduleID uuid.UUID, lastError string) error {
	query := `
		UPDATE schedules
		SET job_state = $2, claimed_at = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND job_state = $4
	`
	_, err := r.db.Exec(ctx, query, scheduleID, domain.JobPending, lastError, domain.JobInProgress)
	if err != nil {
		return fmt.Errorf("failed to release schedule claim: %w", err)
	}
	return nil
}

// RunInUnitOfWork begins a transaction, runs fn, and commits only if fn succeeds.
func (r *PostgresRepository) RunInUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &postgresUnitOfWork{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// postgresUnitOfWork implements UnitOfWork on top of an open pgx transaction.
type postgresUnitOfWork struct {
	tx pgx.Tx
}

// LockAccounts takes the row locks one by one in byte order of the ids, so two units locking
// the same pair never wait on each other in opposite order.
func (u *postgresUnitOfWork) LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	ids := make([]uuid.UUID, 0, len(accountIDs))
	seen := make(map[uuid.UUID]bool, len(accountIDs))
	for _, id := range accountIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	locked := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range ids {
		a, err := scanAccount(u.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				continue
			}
			return nil, err
		}
		locked[id] = a
	}
	return locked, nil
}

func (u *postgresUnitOfWork) UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	result, err := u.tx.Exec(ctx, `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`, balance, accountID)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (u *postgresUnitOfWork) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	return findBeneficiary(ctx, u.tx, beneficiaryID)
}

func (u *postgresUnitOfWork) SumExecutedSince(ctx context.Context, clientID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return sumExecutedSince(ctx, u.tx, clientID, since)
}

func (u *postgresUnitOfWork) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, type, state, amount, currency, commission, idempotency_key, description,
			reference, client_id, source_account_id, destination_account_id, beneficiary_id,
			service_provider_id, contract_number, balance_before, balance_after,
			created_at, executed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $14, NULLIF($15, ''), $16, $17, $18, $19, $20)
	`
	_, err := u.tx.Exec(ctx, query,
		t.ID, t.Type, t.State, t.Amount, t.Currency, t.Commission, t.IdempotencyKey, t.Description,
		t.Reference, t.ClientID, t.SourceAccountID, t.DestinationAccountID, t.BeneficiaryID,
		t.ServiceProviderID, t.ContractNumber, nullDecimal(t.BalanceBefore), nullDecimal(t.BalanceAfter),
		t.CreatedAt, t.ExecutedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == idempotencyKeyConstraint {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (u *postgresUnitOfWork) LockTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(u.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transactionID))
}

func (u *postgresUnitOfWork) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET state = $2, description = $3, reference = NULLIF($4, ''), balance_before = $5,
			balance_after = $6, executed_at = $7, updated_at = $8
		WHERE id = $1
	`
	result, err := u.tx.Exec(ctx, query, t.ID, t.State, t.Description, t.Reference,
		nullDecimal(t.BalanceBefore), nullDecimal(t.BalanceAfter), t.ExecutedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (u *postgresUnitOfWork) CreateSchedule(ctx context.Context, s *domain.Schedule) error {
	query := `
		INSERT INTO schedules (id, transaction_id, scheduled_at, cancel_deadline, job_state, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := u.tx.Exec(ctx, query, s.ID, s.TransactionID, s.ScheduledAt, s.CancelDeadline, s.JobState, s.LastError, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (u *postgresUnitOfWork) LockScheduleByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Schedule, error) {
	return scanSchedule(u.tx.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE transaction_id = $1 FOR UPDATE`, transactionID))
}

func (u *postgresUnitOfWork) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	query := `
		UPDATE schedules
		SET job_state = $2, claimed_at = $3, last_error = $4, updated_at = $5
		WHERE id = $1
	`
	result, err := u.tx.Exec(ctx, query, s.ID, s.JobState, s.ClaimedAt, s.LastError, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
