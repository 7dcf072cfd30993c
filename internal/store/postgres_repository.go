/**
 * @description
 * This file provides the PostgreSQL implementation of AccountStore and
 * AttemptStore. Accounts live in `accounts`, their mutation log in
 * `account_mutations` (ordered by a per-row sequence), and failed logins in
 * `failed_login_attempts`.
 *
 * @notes
 * - Every balance change runs in one transaction that locks the account row(s)
 *   with SELECT ... FOR UPDATE. Pairs are locked lower account number first.
 * - `lock_timeout` bounds how long a request waits for a row lock; expiry is
 *   reported as domain.ErrConcurrentModification.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_number BIGINT PRIMARY KEY,
		full_name      TEXT NOT NULL DEFAULT '',
		email          TEXT NOT NULL,
		balance        BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		pin_hash       TEXT NOT NULL,
		password_hash  TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT accounts_email_key UNIQUE (email)
	)`,
	`CREATE TABLE IF NOT EXISTS account_mutations (
		seq                  BIGSERIAL PRIMARY KEY,
		id                   UUID NOT NULL UNIQUE,
		account_number       BIGINT NOT NULL REFERENCES accounts(account_number) ON DELETE CASCADE,
		type                 TEXT NOT NULL,
		amount               BIGINT NOT NULL CHECK (amount > 0),
		counterparty_account BIGINT,
		transfer_id          UUID,
		created_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS account_mutations_account_idx ON account_mutations (account_number, seq)`,
	`CREATE TABLE IF NOT EXISTS failed_login_attempts (
		identity              TEXT PRIMARY KEY,
		total_failed_attempts INTEGER NOT NULL,
		last_failed_at        TIMESTAMPTZ NOT NULL
	)`,
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository is a concrete implementation of the store contracts for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

// EnsureSchema creates the tables the repository needs if they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", wrapStoreErr(err))
		}
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

// wrapStoreErr classifies driver errors. Lock and serialization failures
// become ErrConcurrentModification; everything else is ErrStoreUnavailable.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected, pgQueryCanceled:
			return domain.ErrConcurrentModification
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

// inTx runs fn in a transaction with a bounded row-lock wait. Errors returned
// by fn are passed through unchanged.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return wrapStoreErr(err)
	}
	defer tx.Rollback(ctx)

	timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
		return wrapStoreErr(err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return wrapStoreErr(tx.Commit(ctx))
}

const accountColumns = `account_number, full_name, email, balance, pin_hash, password_hash, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.AccountNumber,
		&account.FullName,
		&account.Email,
		&account.Balance,
		&account.PINHash,
		&account.PasswordHash,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &account, nil
}

func loadMutations(ctx context.Context, q queryer, accountNumber int64) ([]domain.MutationRecord, error) {
	query := `
		SELECT id, type, amount, created_at, counterparty_account, transfer_id
		FROM account_mutations
		WHERE account_number = $1
		ORDER BY seq
	`
	rows, err := q.Query(ctx, query, accountNumber)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var mutations []domain.MutationRecord
	for rows.Next() {
		var m domain.MutationRecord
		if err := rows.Scan(&m.ID, &m.Type, &m.Amount, &m.Timestamp, &m.CounterpartyAccount, &m.TransferID); err != nil {
			return nil, wrapStoreErr(err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}
	if err := checkMutations(accountNumber, mutations); err != nil {
		return nil, err
	}
	return mutations, nil
}

func loadAccount(ctx context.Context, q queryer, where string, arg any, forUpdate bool) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}
	account, err := scanAccount(q.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, err
	}
	account.Mutations, err = loadMutations(ctx, q, account.AccountNumber)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// CreateAccount inserts a new account record into the database.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (account_number, full_name, email, balance, pin_hash, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err := r.db.Exec(ctx, query,
		account.AccountNumber,
		account.FullName,
		account.Email,
		account.Balance,
		account.PINHash,
		account.PasswordHash,
		account.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == "accounts_email_key" {
				return domain.ErrEmailTaken
			}
			return domain.ErrDuplicateAccountNumber
		}
		return wrapStoreErr(err)
	}
	return nil
}

// GetAccount returns a snapshot of the account and its mutation log.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	var account *domain.Account
	// A read-only transaction keeps the row and its mutations consistent.
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		var err error
		account, err = loadAccount(ctx, tx, "account_number = $1", accountNumber, false)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) || errors.Is(err, domain.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, wrapStoreErr(err)
	}
	return account, nil
}

func (r *PostgresRepository) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return loadAccount(ctx, r.db, "email = $1", email, false)
}

func (r *PostgresRepository) AccountExists(ctx context.Context, accountNumber int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)`, accountNumber).Scan(&exists)
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return exists, nil
}

// UpdateAccount locks the row, applies fn to a copy and persists the result.
func (r *PostgresRepository) UpdateAccount(ctx context.Context, accountNumber int64, fn UpdateFunc) (*domain.Account, error) {
	var updated *domain.Account
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := loadAccount(ctx, tx, "account_number = $1", accountNumber, true)
		if err != nil {
			return err
		}
		working := current.Clone()
		if err := fn(working); err != nil {
			return err
		}
		working.AccountNumber = accountNumber
		if err := saveAccount(ctx, tx, current, working); err != nil {
			return err
		}
		updated = working
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateAccountPair locks both rows in account-number order and persists both
// results in the same transaction.
func (r *PostgresRepository) UpdateAccountPair(ctx context.Context, from, to int64, fn PairUpdateFunc) (*domain.Account, *domain.Account, error) {
	if from == to {
		return nil, nil, domain.ErrSameAccountTransfer
	}
	var fromUpdated, toUpdated *domain.Account
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		first, second := from, to
		if second < first {
			first, second = second, first
		}
		locked := make(map[int64]*domain.Account, 2)
		for _, n := range []int64{first, second} {
			account, err := loadAccount(ctx, tx, "account_number = $1", n, true)
			if err != nil {
				return err
			}
			locked[n] = account
		}

		fromWorking, toWorking := locked[from].Clone(), locked[to].Clone()
		if err := fn(fromWorking, toWorking); err != nil {
			return err
		}
		fromWorking.AccountNumber, toWorking.AccountNumber = from, to
		if err := saveAccount(ctx, tx, locked[from], fromWorking); err != nil {
			return err
		}
		if err := saveAccount(ctx, tx, locked[to], toWorking); err != nil {
			return err
		}
		fromUpdated, toUpdated = fromWorking, toWorking
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return fromUpdated, toUpdated, nil
}

// saveAccount writes the scalar columns and reconciles the mutation log.
// An appended tail is inserted; anything else (a cleared log) rewrites it.
func saveAccount(ctx context.Context, tx pgx.Tx, before, after *domain.Account) error {
	var updatedAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET full_name = $1, balance = $2, pin_hash = $3, password_hash = $4, updated_at = NOW()
		WHERE account_number = $5
		RETURNING updated_at
	`, after.FullName, after.Balance, after.PINHash, after.PasswordHash, after.AccountNumber).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAccountNotFound
		}
		return wrapStoreErr(err)
	}
	after.UpdatedAt = updatedAt

	pending := after.Mutations
	if isAppendOnly(before.Mutations, after.Mutations) {
		pending = after.Mutations[len(before.Mutations):]
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM account_mutations WHERE account_number = $1`, after.AccountNumber); err != nil {
			return wrapStoreErr(err)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range pending {
		batch.Queue(`
			INSERT INTO account_mutations (id, account_number, type, amount, counterparty_account, transfer_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, m.ID, after.AccountNumber, string(m.Type), m.Amount, m.CounterpartyAccount, m.TransferID, m.Timestamp)
	}
	results := tx.SendBatch(ctx, batch)
	for range pending {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return wrapStoreErr(err)
		}
	}
	return wrapStoreErr(results.Close())
}

func isAppendOnly(before, after []domain.MutationRecord) bool {
	if len(after) < len(before) {
		return false
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			return false
		}
	}
	return true
}

// DeleteAccount removes the account; its mutations cascade.
func (r *PostgresRepository) DeleteAccount(ctx context.Context, accountNumber int64) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `DELETE FROM accounts WHERE account_number = $1`, accountNumber)
		if err != nil {
			return wrapStoreErr(err)
		}
		if result.RowsAffected() == 0 {
			return domain.ErrAccountNotFound
		}
		return nil
	})
}

func (r *PostgresRepository) GetFailedAttempt(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error) {
	attempt := domain.FailedLoginAttempt{Identity: identity}
	query := `SELECT total_failed_attempts, last_failed_at FROM failed_login_attempts WHERE identity = $1`
	if err := r.db.QueryRow(ctx, query, identity).Scan(&attempt.TotalFailedAttempts, &attempt.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, wrapStoreErr(err)
	}
	return &attempt, nil
}

// RecordFailedAttempt atomically creates or increments the identity's counter.
func (r *PostgresRepository) RecordFailedAttempt(ctx context.Context, identity string, at time.Time) (*domain.FailedLoginAttempt, error) {
	attempt := domain.FailedLoginAttempt{Identity: identity}
	query := `
		INSERT INTO failed_login_attempts (identity, total_failed_attempts, last_failed_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (identity)
		DO UPDATE SET
			total_failed_attempts = failed_login_attempts.total_failed_attempts + 1,
			last_failed_at = EXCLUDED.last_failed_at
		RETURNING total_failed_attempts, last_failed_at
	`
	if err := r.db.QueryRow(ctx, query, identity, at).Scan(&attempt.TotalFailedAttempts, &attempt.Timestamp); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &attempt, nil
}

func (r *PostgresRepository) DeleteFailedAttempt(ctx context.Context, identity string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM failed_login_attempts WHERE identity = $1`, identity)
	return wrapStoreErr(err)
}

// DeleteExpiredAttempt removes the row only while it still matches the
// finished-lockout condition.
func (r *PostgresRepository) DeleteExpiredAttempt(ctx context.Context, identity string, threshold int, cutoff time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM failed_login_attempts
		WHERE identity = $1 AND total_failed_attempts >= $2 AND last_failed_at <= $3
	`, identity, threshold, cutoff)
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) PurgeExpiredAttempts(ctx context.Context, threshold int, cutoff time.Time) (int, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM failed_login_attempts
		WHERE total_failed_attempts >= $1 AND last_failed_at <= $2
	`, threshold, cutoff)
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return int(result.RowsAffected()), nil
}
