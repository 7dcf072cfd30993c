package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/transfa/ledger-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

type recordStore interface {
	AccountStore
	AttemptStore
	Close() error
}

var errInjected = errors.New("injected failure")

func seedAccount(t *testing.T, s AccountStore, n int64, email string, balance int64) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &domain.Account{
		AccountNumber: n,
		FullName:      "Test " + email,
		Email:         email,
		Balance:       balance,
		PINHash:       "pin-hash",
		PasswordHash:  "password-hash",
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed account %d: %v", n, err)
	}
}

// runStoreContract exercises the behaviour every AccountStore/AttemptStore
// backend must share.
func runStoreContract(t *testing.T, open func(t *testing.T) recordStore) {
	ctx := context.Background()

	t.Run("create rejects duplicates", func(t *testing.T) {
		s := open(t)
		seedAccount(t, s, 1500000001, "a@example.com", 0)

		err := s.CreateAccount(ctx, &domain.Account{AccountNumber: 1500000001, Email: "other@example.com"})
		if !errors.Is(err, domain.ErrDuplicateAccountNumber) {
			t.Fatalf("expected ErrDuplicateAccountNumber, got %v", err)
		}
		err = s.CreateAccount(ctx, &domain.Account{AccountNumber: 1500000002, Email: "a@example.com"})
		if !errors.Is(err, domain.ErrEmailTaken) {
			t.Fatalf("expected ErrEmailTaken, got %v", err)
		}
	})

	t.Run("lookups", func(t *testing.T) {
		s := open(t)
		seedAccount(t, s, 1500000001, "a@example.com", 250)

		byEmail, err := s.GetAccountByEmail(ctx, "a@example.com")
		if err != nil {
			t.Fatalf("get by email: %v", err)
		}
		if byEmail.AccountNumber != 1500000001 || byEmail.Balance != 250 || byEmail.PasswordHash != "password-hash" {
			t.Fatalf("unexpected account %+v", byEmail)
		}
		if _, err := s.GetAccount(ctx, 42); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}
		if _, err := s.GetAccountByEmail(ctx, "missing@example.com"); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound by email, got %v", err)
		}
		exists, err := s.AccountExists(ctx, 1500000001)
		if err != nil || !exists {
			t.Fatalf("expected account to exist, got %t (%v)", exists, err)
		}
	})

	t.Run("failed update leaves record unchanged", func(t *testing.T) {
		s := open(t)
		seedAccount(t, s, 1500000001, "a@example.com", 100)

		_, err := s.UpdateAccount(ctx, 1500000001, func(a *domain.Account) error {
			a.Balance = 0
			a.Mutations = append(a.Mutations, domain.NewWithdrawalMutation(100, time.Now().UTC()))
			return errInjected
		})
		if !errors.Is(err, errInjected) {
			t.Fatalf("expected injected error, got %v", err)
		}
		got, _ := s.GetAccount(ctx, 1500000001)
		if got.Balance != 100 || len(got.Mutations) != 0 {
			t.Fatalf("record changed after failed update: %+v", got)
		}
	})

	t.Run("pair update failing after both legs applies neither", func(t *testing.T) {
		s := open(t)
		seedAccount(t, s, 1500000001, "a@example.com", 1000)
		seedAccount(t, s, 1500000002, "b@example.com", 500)

		_, _, err := s.UpdateAccountPair(ctx, 1500000001, 1500000002, func(from, to *domain.Account) error {
			out, in := domain.NewTransferMutations(from.AccountNumber, to.AccountNumber, 300, time.Now().UTC())
			from.Balance -= 300
			from.Mutations = append(from.Mutations, out)
			to.Balance += 300
			to.Mutations = append(to.Mutations, in)
			return errInjected
		})
		if !errors.Is(err, errInjected) {
			t.Fatalf("expected injected error, got %v", err)
		}
		from, _ := s.GetAccount(ctx, 1500000001)
		to, _ := s.GetAccount(ctx, 1500000002)
		if from.Balance != 1000 || to.Balance != 500 {
			t.Fatalf("balances changed: from=%d to=%d", from.Balance, to.Balance)
		}
		if len(from.Mutations) != 0 || len(to.Mutations) != 0 {
			t.Fatalf("mutations leaked: from=%d to=%d", len(from.Mutations), len(to.Mutations))
		}
	})

	t.Run("pair update commits both legs", func(t *testing.T) {
		s := open(t)
		seedAccount(t, s, 1500000001, "a@example.com", 1000)
		seedAccount(t, s, 1500000002, "b@example.com", 500)

		from, to, err := s.UpdateAccountPair(ctx, 1500000001, 1500000002, func(from, to *domain.Account) error {
			out, in := domain.NewTransferMutations(from.AccountNumber, to.AccountNumber, 300, time.Now().UTC())
			from.Balance -= 300
			from.Mutations = append(from.Mutations, out)
			to.Balance += 300
			to.Mutations = append(to.Mutations, in)
			return nil
		})
		if err != nil {
			t.Fatalf("pair update: %v", err)
		}
		if from.Balance != 700 || to.Balance != 800 {
			t.Fatalf("unexpected returned balances from=%d to=%d", from.Balance, to.Balance)
		}
		stored, _ := s.GetAccount(ctx, 1500000002)
		if len(stored.Mutations) != 1 || stored.Mutations[0].Type != domain.MutationTransferIn {
			t.Fatalf("expected one transfer_in mutation, got %+v", stored.Mutations)
		}
		if _, _, err := s.UpdateAccountPair(ctx, 1500000001, 1500000001, func(_, _ *domain.Account) error { return nil }); !errors.Is(err, domain.ErrSameAccountTransfer) {
			t.Fatalf("expected ErrSameAccountTransfer, got %v", err)
		}
		if _, _, err := s.UpdateAccountPair(ctx, 1500000001, 99, func(_, _ *domain.Account) error { return nil }); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}
	})

	t.Run("delete removes account and email index", func(t *testing.T) {
		s := open(t)
		seedAccount(t, s, 1500000001, "a@example.com", 0)

		if err := s.DeleteAccount(ctx, 1500000001); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.DeleteAccount(ctx, 1500000001); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound on second delete, got %v", err)
		}
		seedAccount(t, s, 1500000003, "a@example.com", 0)
	})

	runAttemptContract(t, func(t *testing.T) AttemptStore { return open(t) })
}

// runAttemptContract exercises the failed-login counters shared by every
// AttemptStore, including the Redis one.
func runAttemptContract(t *testing.T, open func(t *testing.T) AttemptStore) {
	ctx := context.Background()

	t.Run("failed attempts", func(t *testing.T) {
		s := open(t)
		base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

		if _, err := s.GetFailedAttempt(ctx, "a@example.com"); !errors.Is(err, domain.ErrAttemptNotFound) {
			t.Fatalf("expected ErrAttemptNotFound, got %v", err)
		}
		for i := 1; i <= 3; i++ {
			attempt, err := s.RecordFailedAttempt(ctx, "a@example.com", base.Add(time.Duration(i)*time.Minute))
			if err != nil {
				t.Fatalf("record attempt %d: %v", i, err)
			}
			if attempt.TotalFailedAttempts != i {
				t.Fatalf("expected count %d, got %d", i, attempt.TotalFailedAttempts)
			}
		}
		attempt, err := s.GetFailedAttempt(ctx, "a@example.com")
		if err != nil {
			t.Fatalf("get attempt: %v", err)
		}
		if !attempt.Timestamp.Equal(base.Add(3 * time.Minute)) {
			t.Fatalf("expected latest timestamp, got %s", attempt.Timestamp)
		}
		if err := s.DeleteFailedAttempt(ctx, "a@example.com"); err != nil {
			t.Fatalf("delete attempt: %v", err)
		}
		if _, err := s.GetFailedAttempt(ctx, "a@example.com"); !errors.Is(err, domain.ErrAttemptNotFound) {
			t.Fatalf("expected record to be gone, got %v", err)
		}
	})

	t.Run("purge removes only finished lockouts", func(t *testing.T) {
		s := open(t)
		old := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		recent := old.Add(time.Hour)

		for i := 0; i < 5; i++ {
			_, _ = s.RecordFailedAttempt(ctx, "locked-old@example.com", old)
			_, _ = s.RecordFailedAttempt(ctx, "locked-recent@example.com", recent)
		}
		_, _ = s.RecordFailedAttempt(ctx, "few@example.com", old)

		removed, err := s.PurgeExpiredAttempts(ctx, 5, old.Add(30*time.Minute))
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if removed != 1 {
			t.Fatalf("expected 1 removed, got %d", removed)
		}
		if _, err := s.GetFailedAttempt(ctx, "locked-recent@example.com"); err != nil {
			t.Fatalf("recent lockout should remain: %v", err)
		}
		if _, err := s.GetFailedAttempt(ctx, "few@example.com"); err != nil {
			t.Fatalf("below-threshold record should remain: %v", err)
		}
	})

	t.Run("concurrent failures are all counted", func(t *testing.T) {
		s := open(t)
		var g errgroup.Group
		for i := 0; i < 20; i++ {
			g.Go(func() error {
				_, err := s.RecordFailedAttempt(ctx, "race@example.com", time.Now().UTC())
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("record attempts: %v", err)
		}
		attempt, err := s.GetFailedAttempt(ctx, "race@example.com")
		if err != nil {
			t.Fatalf("get attempt: %v", err)
		}
		if attempt.TotalFailedAttempts != 20 {
			t.Fatalf("expected 20 attempts, got %d", attempt.TotalFailedAttempts)
		}
	})

	t.Run("conditional delete spares a refreshed record", func(t *testing.T) {
		s := open(t)
		old := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		cutoff := old.Add(30 * time.Minute)

		deleted, err := s.DeleteExpiredAttempt(ctx, "none@example.com", 5, cutoff)
		if err != nil || deleted {
			t.Fatalf("missing record: deleted=%t err=%v", deleted, err)
		}

		for i := 0; i < 5; i++ {
			_, _ = s.RecordFailedAttempt(ctx, "a@example.com", old)
		}
		deleted, err = s.DeleteExpiredAttempt(ctx, "a@example.com", 5, cutoff)
		if err != nil || !deleted {
			t.Fatalf("finished lockout: deleted=%t err=%v", deleted, err)
		}

		for i := 0; i < 5; i++ {
			_, _ = s.RecordFailedAttempt(ctx, "b@example.com", old)
		}
		_, _ = s.RecordFailedAttempt(ctx, "b@example.com", cutoff.Add(time.Minute))
		deleted, err = s.DeleteExpiredAttempt(ctx, "b@example.com", 5, cutoff)
		if err != nil || deleted {
			t.Fatalf("refreshed lockout: deleted=%t err=%v", deleted, err)
		}

		_, _ = s.RecordFailedAttempt(ctx, "c@example.com", old)
		deleted, err = s.DeleteExpiredAttempt(ctx, "c@example.com", 5, cutoff)
		if err != nil || deleted {
			t.Fatalf("below threshold: deleted=%t err=%v", deleted, err)
		}
		if attempt, err := s.GetFailedAttempt(ctx, "b@example.com"); err != nil || attempt.TotalFailedAttempts != 6 {
			t.Fatalf("refreshed record must survive, got %+v (%v)", attempt, err)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) recordStore {
		return NewMemoryStore(time.Second)
	})
}

func TestBadgerRepositoryContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) recordStore {
		repo, err := OpenBadgerRepository("", time.Second, nil)
		if err != nil {
			t.Fatalf("open badger: %v", err)
		}
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestMemoryStoreLockTimeout(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	seedAccount(t, s, 1500000001, "a@example.com", 0)

	release, err := s.locks.acquire(context.Background(), 1500000001, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = s.UpdateAccount(context.Background(), 1500000001, func(a *domain.Account) error { return nil })
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestKeyedLocksReleaseSlots(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	ctx := context.Background()
	seedAccount(t, s, 1500000001, "a@example.com", 100)
	seedAccount(t, s, 1500000002, "b@example.com", 0)

	_, _, err := s.UpdateAccountPair(ctx, 1500000001, 1500000002, func(from, to *domain.Account) error {
		from.Balance -= 10
		to.Balance += 10
		return nil
	})
	if err != nil {
		t.Fatalf("pair update: %v", err)
	}
	if err := s.DeleteAccount(ctx, 1500000002); err != nil {
		t.Fatalf("delete: %v", err)
	}

	release, err := s.locks.acquire(ctx, 1500000001, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.UpdateAccount(ctx, 1500000001, func(a *domain.Account) error { return nil }); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if got := s.locks.size(); got != 1 {
		t.Fatalf("held lock must keep exactly its slot, got %d", got)
	}
	release()

	if got := s.locks.size(); got != 0 {
		t.Fatalf("expected no lock slots once idle, got %d", got)
	}
}

func TestBadgerRejectsCorruptMutationLog(t *testing.T) {
	repo, err := OpenBadgerRepository("", time.Second, nil)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	corrupt := &domain.Account{
		AccountNumber: 1500000001,
		Email:         "a@example.com",
		Mutations:     []domain.MutationRecord{{Type: "refund", Amount: 10}},
	}
	if err := repo.db.Update(func(txn *badger.Txn) error { return writeAccount(txn, corrupt) }); err != nil {
		t.Fatalf("write corrupt account: %v", err)
	}

	if _, err := repo.GetAccount(context.Background(), 1500000001); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	_, err = repo.UpdateAccount(context.Background(), 1500000001, func(a *domain.Account) error { return nil })
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("update over a corrupt log must fail, got %v", err)
	}
}

func TestCheckMutations(t *testing.T) {
	counterparty := int64(1500000002)
	valid := []domain.MutationRecord{
		domain.NewDepositMutation(10, time.Now().UTC()),
	}
	if err := checkMutations(1500000001, valid); err != nil {
		t.Fatalf("valid log rejected: %v", err)
	}

	invalid := []domain.MutationRecord{
		{Type: domain.MutationDeposit, Amount: 5, CounterpartyAccount: &counterparty},
	}
	if err := checkMutations(1500000001, invalid); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
