package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	accountKeyPrefix = "account/"
	emailKeyPrefix   = "email/"
	attemptKeyPrefix = "attempt/"
)

// badgerAccount is the persisted form of an account. The domain type hides
// credential hashes from JSON, so the store keeps its own shape.
type badgerAccount struct {
	AccountNumber int64                   `json:"account_number"`
	FullName      string                  `json:"full_name"`
	Email         string                  `json:"email"`
	Balance       int64                   `json:"balance"`
	PINHash       string                  `json:"pin_hash"`
	PasswordHash  string                  `json:"password_hash"`
	Mutations     []domain.MutationRecord `json:"mutations"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func toBadgerAccount(a *domain.Account) badgerAccount {
	return badgerAccount{
		AccountNumber: a.AccountNumber,
		FullName:      a.FullName,
		Email:         a.Email,
		Balance:       a.Balance,
		PINHash:       a.PINHash,
		PasswordHash:  a.PasswordHash,
		Mutations:     a.Mutations,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (b badgerAccount) toDomain() *domain.Account {
	return &domain.Account{
		AccountNumber: b.AccountNumber,
		FullName:      b.FullName,
		Email:         b.Email,
		Balance:       b.Balance,
		PINHash:       b.PINHash,
		PasswordHash:  b.PasswordHash,
		Mutations:     b.Mutations,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func accountKey(n int64) []byte         { return []byte(accountKeyPrefix + strconv.FormatInt(n, 10)) }
func emailKey(email string) []byte      { return []byte(emailKeyPrefix + email) }
func attemptKey(identity string) []byte { return []byte(attemptKeyPrefix + identity) }

// BadgerRepository stores accounts and login attempts in an embedded Badger
// database. Every operation is a single Badger transaction. Account updates
// also take the per-account locks used by MemoryStore, so write conflicts are
// rare; those that remain surface as domain.ErrConcurrentModification.
type BadgerRepository struct {
	db          *badger.DB
	locks       *keyedLocks
	lockTimeout time.Duration
	attemptsMu  sync.Mutex
}

// OpenBadgerRepository opens (or creates) the database at dir. An empty dir
// opens an in-memory database.
func OpenBadgerRepository(dir string, lockTimeout time.Duration, logger *slog.Logger) (*BadgerRepository, error) {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		logger.Info("opening badger store", "dir", dir, "in_memory", dir == "")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", domain.ErrStoreUnavailable, err)
	}
	return &BadgerRepository{db: db, locks: newKeyedLocks(), lockTimeout: lockTimeout}, nil
}

func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

func badgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return domain.ErrConcurrentModification
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrBlockedWrites):
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func readAccount(txn *badger.Txn, n int64) (*domain.Account, error) {
	item, err := txn.Get(accountKey(n))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	var stored badgerAccount
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decode account %d: %v", domain.ErrStoreUnavailable, n, err)
	}
	if err := checkMutations(n, stored.Mutations); err != nil {
		return nil, err
	}
	return stored.toDomain(), nil
}

func writeAccount(txn *badger.Txn, account *domain.Account) error {
	payload, err := json.Marshal(toBadgerAccount(account))
	if err != nil {
		return fmt.Errorf("encode account %d: %w", account.AccountNumber, err)
	}
	return txn.Set(accountKey(account.AccountNumber), payload)
}

func (r *BadgerRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(accountKey(account.AccountNumber)); err == nil {
			return domain.ErrDuplicateAccountNumber
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(emailKey(account.Email)); err == nil {
			return domain.ErrEmailTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := writeAccount(txn, account); err != nil {
			return err
		}
		return txn.Set(emailKey(account.Email), []byte(strconv.FormatInt(account.AccountNumber, 10)))
	})
	return badgerErr(err)
}

func (r *BadgerRepository) GetAccount(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	var account *domain.Account
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		account, err = readAccount(txn, accountNumber)
		return err
	})
	if err != nil {
		return nil, badgerErr(err)
	}
	return account, nil
}

func (r *BadgerRepository) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var account *domain.Account
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(emailKey(email))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrAccountNotFound
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: corrupt email index for %q", domain.ErrStoreUnavailable, email)
		}
		account, err = readAccount(txn, n)
		return err
	})
	if err != nil {
		return nil, badgerErr(err)
	}
	return account, nil
}

func (r *BadgerRepository) AccountExists(ctx context.Context, accountNumber int64) (bool, error) {
	_, err := r.GetAccount(ctx, accountNumber)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *BadgerRepository) UpdateAccount(ctx context.Context, accountNumber int64, fn UpdateFunc) (*domain.Account, error) {
	release, err := r.locks.acquire(ctx, accountNumber, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	var updated *domain.Account
	err = r.db.Update(func(txn *badger.Txn) error {
		working, err := readAccount(txn, accountNumber)
		if err != nil {
			return err
		}
		if err := fn(working); err != nil {
			return err
		}
		working.AccountNumber = accountNumber
		working.UpdatedAt = time.Now().UTC()
		if err := writeAccount(txn, working); err != nil {
			return err
		}
		updated = working
		return nil
	})
	if err != nil {
		return nil, badgerErr(err)
	}
	return updated, nil
}

// UpdateAccountPair reads and writes both accounts in one transaction, so
// either both records change or neither does.
func (r *BadgerRepository) UpdateAccountPair(ctx context.Context, from, to int64, fn PairUpdateFunc) (*domain.Account, *domain.Account, error) {
	if from == to {
		return nil, nil, domain.ErrSameAccountTransfer
	}
	release, err := r.locks.acquirePair(ctx, from, to, r.lockTimeout)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var fromUpdated, toUpdated *domain.Account
	err = r.db.Update(func(txn *badger.Txn) error {
		fromAccount, err := readAccount(txn, from)
		if err != nil {
			return err
		}
		toAccount, err := readAccount(txn, to)
		if err != nil {
			return err
		}
		if err := fn(fromAccount, toAccount); err != nil {
			return err
		}
		now := time.Now().UTC()
		fromAccount.AccountNumber, toAccount.AccountNumber = from, to
		fromAccount.UpdatedAt, toAccount.UpdatedAt = now, now
		if err := writeAccount(txn, fromAccount); err != nil {
			return err
		}
		if err := writeAccount(txn, toAccount); err != nil {
			return err
		}
		fromUpdated, toUpdated = fromAccount, toAccount
		return nil
	})
	if err != nil {
		return nil, nil, badgerErr(err)
	}
	return fromUpdated, toUpdated, nil
}

func (r *BadgerRepository) DeleteAccount(ctx context.Context, accountNumber int64) error {
	release, err := r.locks.acquire(ctx, accountNumber, r.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	err = r.db.Update(func(txn *badger.Txn) error {
		account, err := readAccount(txn, accountNumber)
		if err != nil {
			return err
		}
		if err := txn.Delete(emailKey(account.Email)); err != nil {
			return err
		}
		return txn.Delete(accountKey(accountNumber))
	})
	return badgerErr(err)
}

func readAttempt(txn *badger.Txn, identity string) (*domain.FailedLoginAttempt, error) {
	item, err := txn.Get(attemptKey(identity))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, err
	}
	var attempt domain.FailedLoginAttempt
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &attempt) }); err != nil {
		return nil, fmt.Errorf("%w: decode attempt: %v", domain.ErrStoreUnavailable, err)
	}
	return &attempt, nil
}

// updateAttempts serialises attempt writes. Badger allows one process per
// directory, so the mutex rules out write conflicts on the counters.
func (r *BadgerRepository) updateAttempts(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.attemptsMu.Lock()
	defer r.attemptsMu.Unlock()
	return badgerErr(r.db.Update(fn))
}

func (r *BadgerRepository) GetFailedAttempt(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error) {
	var attempt *domain.FailedLoginAttempt
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		attempt, err = readAttempt(txn, identity)
		return err
	})
	if err != nil {
		return nil, badgerErr(err)
	}
	return attempt, nil
}

func (r *BadgerRepository) RecordFailedAttempt(ctx context.Context, identity string, at time.Time) (*domain.FailedLoginAttempt, error) {
	var recorded *domain.FailedLoginAttempt
	err := r.updateAttempts(ctx, func(txn *badger.Txn) error {
		attempt, err := readAttempt(txn, identity)
		if errors.Is(err, domain.ErrAttemptNotFound) {
			attempt = &domain.FailedLoginAttempt{Identity: identity}
		} else if err != nil {
			return err
		}
		attempt.TotalFailedAttempts++
		attempt.Timestamp = at
		payload, err := json.Marshal(attempt)
		if err != nil {
			return err
		}
		if err := txn.Set(attemptKey(identity), payload); err != nil {
			return err
		}
		recorded = attempt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

func (r *BadgerRepository) DeleteFailedAttempt(ctx context.Context, identity string) error {
	return r.updateAttempts(ctx, func(txn *badger.Txn) error {
		return txn.Delete(attemptKey(identity))
	})
}

func (r *BadgerRepository) DeleteExpiredAttempt(ctx context.Context, identity string, threshold int, cutoff time.Time) (bool, error) {
	deleted := false
	err := r.updateAttempts(ctx, func(txn *badger.Txn) error {
		deleted = false
		attempt, err := readAttempt(txn, identity)
		if errors.Is(err, domain.ErrAttemptNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !expiredAttempt(attempt, threshold, cutoff) {
			return nil
		}
		if err := txn.Delete(attemptKey(identity)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (r *BadgerRepository) PurgeExpiredAttempts(ctx context.Context, threshold int, cutoff time.Time) (int, error) {
	removed := 0
	err := r.updateAttempts(ctx, func(txn *badger.Txn) error {
		removed = 0
		prefix := []byte(attemptKeyPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var expired [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var attempt domain.FailedLoginAttempt
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &attempt) }); err != nil {
				it.Close()
				return err
			}
			if expiredAttempt(&attempt, threshold, cutoff) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		it.Close()

		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
