package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration)  { c.now = c.now.Add(d) }
func (c *fakeClock) install(t *LoginThrottle) { t.now = c.Now }

func newTestAuthenticator(t *testing.T) (*Authenticator, *LoginThrottle, *fakeClock, *recordingPublisher, *store.MemoryStore) {
	t.Helper()
	accounts := store.NewMemoryStore(0)
	seedLedgerAccount(t, accounts, 1500000001, "alice@example.com", 0)

	clock := newFakeClock()
	throttle := NewLoginThrottle(accounts, 5, 30*time.Minute, discardLogger())
	clock.install(throttle)
	events := &recordingPublisher{}
	auth := NewAuthenticator(accounts, throttle, plainHasher{}, events, discardLogger())
	return auth, throttle, clock, events, accounts
}

func TestLoginThrottle_EvaluateStates(t *testing.T) {
	ctx := context.Background()
	accounts := store.NewMemoryStore(0)
	clock := newFakeClock()
	throttle := NewLoginThrottle(accounts, 5, 30*time.Minute, discardLogger())
	clock.install(throttle)

	decision, err := throttle.Evaluate(ctx, "x@example.com")
	if err != nil || !decision.Allowed {
		t.Fatalf("no record should be allowed, got %+v (%v)", decision, err)
	}

	for i := 0; i < 4; i++ {
		if _, err := throttle.RecordFailure(ctx, "x@example.com"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	decision, _ = throttle.Evaluate(ctx, "x@example.com")
	if !decision.Allowed || decision.Attempts != 4 {
		t.Fatalf("four failures must not lock, got %+v", decision)
	}

	_, _ = throttle.RecordFailure(ctx, "x@example.com")
	clock.Advance(10 * time.Minute)
	decision, _ = throttle.Evaluate(ctx, "x@example.com")
	if decision.Allowed {
		t.Fatalf("five failures must lock")
	}
	if decision.Remaining != 20*time.Minute {
		t.Fatalf("expected 20m remaining, got %s", decision.Remaining)
	}

	clock.Advance(20 * time.Minute)
	decision, _ = throttle.Evaluate(ctx, "x@example.com")
	if !decision.Allowed {
		t.Fatalf("lock must expire once the window has passed")
	}
	if _, err := accounts.GetFailedAttempt(ctx, "x@example.com"); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expired record should be deleted, got %v", err)
	}
}

func TestLoginThrottle_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	accounts := store.NewMemoryStore(0)
	clock := newFakeClock()
	throttle := NewLoginThrottle(accounts, 5, 30*time.Minute, discardLogger())
	clock.install(throttle)

	for i := 0; i < 5; i++ {
		_, _ = throttle.RecordFailure(ctx, "locked@example.com")
	}
	_, _ = throttle.RecordFailure(ctx, "once@example.com")

	if removed, _ := throttle.PurgeExpired(ctx); removed != 0 {
		t.Fatalf("active lockout must not be purged, removed %d", removed)
	}
	clock.Advance(31 * time.Minute)
	removed, err := throttle.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged record, got %d", removed)
	}
	if _, err := accounts.GetFailedAttempt(ctx, "once@example.com"); err != nil {
		t.Fatalf("below-threshold record should survive: %v", err)
	}
}

func TestAuthenticator_LocksAfterFiveFailures(t *testing.T) {
	ctx := context.Background()
	auth, _, clock, events, _ := newTestAuthenticator(t)

	for i := 1; i <= 5; i++ {
		_, err := auth.Login(ctx, "alice@example.com", "wrong")
		var invalid *domain.InvalidCredentialsError
		if !errors.As(err, &invalid) {
			t.Fatalf("attempt %d: expected InvalidCredentialsError, got %v", i, err)
		}
		if invalid.Attempts != i {
			t.Fatalf("attempt %d: expected count %d, got %d", i, i, invalid.Attempts)
		}
		if err.Error() != "Wrong email or password. Attempt = "+string(rune('0'+i)) {
			t.Fatalf("unexpected message %q", err.Error())
		}
	}
	if len(events.locked) != 1 || events.locked[0].FailedAttempts != 5 {
		t.Fatalf("expected one login locked event, got %+v", events.locked)
	}

	clock.Advance(90 * time.Second)
	_, err := auth.Login(ctx, "alice@example.com", "pw")
	var locked *domain.AccountLockedError
	if !errors.As(err, &locked) || !errors.Is(err, domain.ErrAccountLocked) {
		t.Fatalf("correct password during lockout must be rejected as locked, got %v", err)
	}
	if !strings.Contains(err.Error(), "28 minutes 30 seconds") {
		t.Fatalf("expected remaining time in message, got %q", err.Error())
	}

	clock.Advance(29 * time.Minute)
	result, err := auth.Login(ctx, "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("login after window: %v", err)
	}
	if result.AccountNumber != 1500000001 {
		t.Fatalf("unexpected login result %+v", result)
	}
}

func TestAuthenticator_LockedIdentityDoesNotExtendWindow(t *testing.T) {
	ctx := context.Background()
	auth, throttle, clock, _, accounts := newTestAuthenticator(t)

	for i := 0; i < 5; i++ {
		_, _ = auth.Login(ctx, "alice@example.com", "wrong")
	}
	before, _ := accounts.GetFailedAttempt(ctx, "alice@example.com")

	clock.Advance(time.Minute)
	_, err := auth.Login(ctx, "alice@example.com", "wrong")
	if !errors.Is(err, domain.ErrAccountLocked) {
		t.Fatalf("expected lockout, got %v", err)
	}
	after, _ := accounts.GetFailedAttempt(ctx, "alice@example.com")
	if after.TotalFailedAttempts != before.TotalFailedAttempts || !after.Timestamp.Equal(before.Timestamp) {
		t.Fatalf("blocked attempt must not touch the record: %+v -> %+v", before, after)
	}
	if throttle.Threshold() != 5 {
		t.Fatalf("unexpected threshold %d", throttle.Threshold())
	}
}

func TestAuthenticator_SuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	auth, _, _, _, accounts := newTestAuthenticator(t)

	for i := 0; i < 4; i++ {
		_, _ = auth.Login(ctx, "alice@example.com", "wrong")
	}
	if _, err := auth.Login(ctx, " Alice@Example.com ", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := accounts.GetFailedAttempt(ctx, "alice@example.com"); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("success must delete the failure record, got %v", err)
	}

	_, err := auth.Login(ctx, "alice@example.com", "wrong")
	var invalid *domain.InvalidCredentialsError
	if !errors.As(err, &invalid) || invalid.Attempts != 1 {
		t.Fatalf("counter should restart at 1, got %v", err)
	}
}

func TestAuthenticator_UnknownEmailCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	auth, _, _, _, _ := newTestAuthenticator(t)

	_, err := auth.Login(ctx, "nobody@example.com", "pw")
	var invalid *domain.InvalidCredentialsError
	if !errors.As(err, &invalid) || invalid.Attempts != 1 {
		t.Fatalf("expected first failed attempt, got %v", err)
	}
}

// interleavingStore runs onGet once, right after the first GetFailedAttempt
// returns, to simulate another login request landing in between.
type interleavingStore struct {
	*store.MemoryStore
	onGet func()
}

func (s *interleavingStore) GetFailedAttempt(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error) {
	attempt, err := s.MemoryStore.GetFailedAttempt(ctx, identity)
	if hook := s.onGet; hook != nil {
		s.onGet = nil
		hook()
	}
	return attempt, err
}

func TestLoginThrottle_ExpiryKeepsConcurrentFailure(t *testing.T) {
	ctx := context.Background()
	attempts := &interleavingStore{MemoryStore: store.NewMemoryStore(0)}
	clock := newFakeClock()
	throttle := NewLoginThrottle(attempts, 5, 30*time.Minute, discardLogger())
	clock.install(throttle)

	for i := 0; i < 5; i++ {
		_, _ = throttle.RecordFailure(ctx, "x@example.com")
	}
	clock.Advance(31 * time.Minute)

	// Another request sees the expired lock, clears it and fails again
	// before this evaluation reaches its delete.
	attempts.onGet = func() {
		if err := attempts.MemoryStore.DeleteFailedAttempt(ctx, "x@example.com"); err != nil {
			t.Errorf("interleaved delete: %v", err)
		}
		if _, err := throttle.RecordFailure(ctx, "x@example.com"); err != nil {
			t.Errorf("interleaved failure: %v", err)
		}
	}

	decision, err := throttle.Evaluate(ctx, "x@example.com")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Allowed || decision.Attempts != 1 {
		t.Fatalf("expected allowed with the fresh failure counted, got %+v", decision)
	}
	attempt, err := attempts.GetFailedAttempt(ctx, "x@example.com")
	if err != nil {
		t.Fatalf("fresh failure must survive expiry, got %v", err)
	}
	if attempt.TotalFailedAttempts != 1 || !attempt.Timestamp.Equal(clock.Now()) {
		t.Fatalf("unexpected surviving record %+v", attempt)
	}
}
