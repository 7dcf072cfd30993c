package store

import (
	"context"
	"sync"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
)

const defaultLockTimeout = 2 * time.Second

// keyedLocks serialises work per account number. Each key owns a one-slot
// channel so acquisition can give up after a timeout. A slot is dropped once
// no caller holds or waits on it.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[int64]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[int64]*lockSlot)}
}

func (l *keyedLocks) acquire(ctx context.Context, key int64, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.unref(key, slot)
		}, nil
	case <-timer.C:
		l.unref(key, slot)
		return nil, domain.ErrConcurrentModification
	case <-ctx.Done():
		l.unref(key, slot)
		return nil, ctx.Err()
	}
}

func (l *keyedLocks) unref(key int64, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *keyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// acquirePair locks both keys, lower account number first.
func (l *keyedLocks) acquirePair(ctx context.Context, a, b int64, timeout time.Duration) (func(), error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	releaseFirst, err := l.acquire(ctx, first, timeout)
	if err != nil {
		return nil, err
	}
	releaseSecond, err := l.acquire(ctx, second, timeout)
	if err != nil {
		releaseFirst()
		return nil, err
	}
	return func() {
		releaseSecond()
		releaseFirst()
	}, nil
}

// MemoryStore is an in-process implementation of AccountStore and AttemptStore.
// It is used for local development and as the reference backend in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[int64]*domain.Account
	emails      map[string]int64
	attempts    map[string]*domain.FailedLoginAttempt
	locks       *keyedLocks
	lockTimeout time.Duration
}

// NewMemoryStore creates an empty MemoryStore. A non-positive lockTimeout
// falls back to two seconds.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &MemoryStore{
		accounts:    make(map[int64]*domain.Account),
		emails:      make(map[string]int64),
		attempts:    make(map[string]*domain.FailedLoginAttempt),
		locks:       newKeyedLocks(),
		lockTimeout: lockTimeout,
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.AccountNumber]; exists {
		return domain.ErrDuplicateAccountNumber
	}
	if _, taken := s.emails[account.Email]; taken {
		return domain.ErrEmailTaken
	}
	s.accounts[account.AccountNumber] = account.Clone()
	s.emails[account.Email] = account.AccountNumber
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[accountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return account.Clone(), nil
}

func (s *MemoryStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accountNumber, ok := s.emails[email]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return s.accounts[accountNumber].Clone(), nil
}

func (s *MemoryStore) AccountExists(ctx context.Context, accountNumber int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.accounts[accountNumber]
	return ok, nil
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, accountNumber int64, fn UpdateFunc) (*domain.Account, error) {
	release, err := s.locks.acquire(ctx, accountNumber, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	working, err := s.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	if err := fn(working); err != nil {
		return nil, err
	}
	working.AccountNumber = accountNumber
	working.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.accounts[accountNumber] = working.Clone()
	s.mu.Unlock()
	return working, nil
}

func (s *MemoryStore) UpdateAccountPair(ctx context.Context, from, to int64, fn PairUpdateFunc) (*domain.Account, *domain.Account, error) {
	if from == to {
		return nil, nil, domain.ErrSameAccountTransfer
	}
	release, err := s.locks.acquirePair(ctx, from, to, s.lockTimeout)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	fromAccount, err := s.GetAccount(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	toAccount, err := s.GetAccount(ctx, to)
	if err != nil {
		return nil, nil, err
	}
	if err := fn(fromAccount, toAccount); err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	fromAccount.AccountNumber, toAccount.AccountNumber = from, to
	fromAccount.UpdatedAt, toAccount.UpdatedAt = now, now

	// Both records are swapped in under the same write lock, so readers see
	// either the old pair or the new pair.
	s.mu.Lock()
	s.accounts[from] = fromAccount.Clone()
	s.accounts[to] = toAccount.Clone()
	s.mu.Unlock()
	return fromAccount, toAccount, nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, accountNumber int64) error {
	release, err := s.locks.acquire(ctx, accountNumber, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountNumber]
	if !ok {
		return domain.ErrAccountNotFound
	}
	delete(s.emails, account.Email)
	delete(s.accounts, accountNumber)
	return nil
}

func (s *MemoryStore) GetFailedAttempt(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempt, ok := s.attempts[identity]
	if !ok {
		return nil, domain.ErrAttemptNotFound
	}
	cp := *attempt
	return &cp, nil
}

func (s *MemoryStore) RecordFailedAttempt(ctx context.Context, identity string, at time.Time) (*domain.FailedLoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[identity]
	if !ok {
		attempt = &domain.FailedLoginAttempt{Identity: identity}
		s.attempts[identity] = attempt
	}
	attempt.TotalFailedAttempts++
	attempt.Timestamp = at
	cp := *attempt
	return &cp, nil
}

func (s *MemoryStore) DeleteFailedAttempt(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, identity)
	return nil
}

func (s *MemoryStore) DeleteExpiredAttempt(ctx context.Context, identity string, threshold int, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[identity]
	if !ok || !expiredAttempt(attempt, threshold, cutoff) {
		return false, nil
	}
	delete(s.attempts, identity)
	return true, nil
}

func (s *MemoryStore) PurgeExpiredAttempts(ctx context.Context, threshold int, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for identity, attempt := range s.attempts {
		if expiredAttempt(attempt, threshold, cutoff) {
			delete(s.attempts, identity)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op; it lets MemoryStore share the lifecycle of other backends.
func (s *MemoryStore) Close() error { return nil }
