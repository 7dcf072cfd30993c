/**
 * @description
 * This file defines the record-store contracts used by the ledger and the login
 * throttle. Every backend (memory, PostgreSQL, Badger, Redis) implements one or
 * both of them, so the application logic never depends on a concrete database.
 *
 * @notes
 * - UpdateAccount and UpdateAccountPair are the only way balances change. The
 *   update function runs inside the backend's atomic step on a private copy of
 *   the record(s); the copy is persisted only when the function returns nil.
 * - Backends report lock timeouts and optimistic conflicts as
 *   domain.ErrConcurrentModification and infrastructure failures wrapped with
 *   domain.ErrStoreUnavailable.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
)

// UpdateFunc mutates a single account inside an atomic step.
type UpdateFunc func(account *domain.Account) error

// PairUpdateFunc mutates two accounts inside one atomic step.
type PairUpdateFunc func(from, to *domain.Account) error

// AccountStore is the keyed record store for accounts.
type AccountStore interface {
	// CreateAccount inserts a new account. It fails with
	// domain.ErrDuplicateAccountNumber or domain.ErrEmailTaken.
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, accountNumber int64) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	AccountExists(ctx context.Context, accountNumber int64) (bool, error)
	UpdateAccount(ctx context.Context, accountNumber int64, fn UpdateFunc) (*domain.Account, error)
	UpdateAccountPair(ctx context.Context, from, to int64, fn PairUpdateFunc) (*domain.Account, *domain.Account, error)
	DeleteAccount(ctx context.Context, accountNumber int64) error
}

// AttemptStore is the keyed record store for failed login attempts.
type AttemptStore interface {
	GetFailedAttempt(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error)
	// RecordFailedAttempt creates the record with a count of one or increments
	// it, setting the timestamp to at. Both fields change together.
	RecordFailedAttempt(ctx context.Context, identity string, at time.Time) (*domain.FailedLoginAttempt, error)
	DeleteFailedAttempt(ctx context.Context, identity string) error
	// DeleteExpiredAttempt deletes the identity's record only if it is still a
	// finished lockout at the moment of the delete. It reports whether a
	// record was removed; a record refreshed by a newer failure is kept.
	DeleteExpiredAttempt(ctx context.Context, identity string, threshold int, cutoff time.Time) (bool, error)
	// PurgeExpiredAttempts deletes records with at least threshold failures
	// whose timestamp is not after cutoff, returning how many were removed.
	PurgeExpiredAttempts(ctx context.Context, threshold int, cutoff time.Time) (int, error)
}

// expiredAttempt reports whether a record is a finished lockout.
func expiredAttempt(attempt *domain.FailedLoginAttempt, threshold int, cutoff time.Time) bool {
	return attempt.TotalFailedAttempts >= threshold && !attempt.Timestamp.After(cutoff)
}

// checkMutations rejects a persisted mutation log that no ledger operation
// could have written.
func checkMutations(accountNumber int64, mutations []domain.MutationRecord) error {
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: account %d: %v", domain.ErrStoreUnavailable, accountNumber, err)
		}
	}
	return nil
}
