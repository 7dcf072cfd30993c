package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutWindow     = 30 * time.Minute
)

// Decision is the outcome of evaluating an identity before a login attempt.
// Remaining is set only when the identity is blocked.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
	Attempts  int
}

// LoginThrottle locks an identity out after repeated failed logins.
//
// An identity is blocked while its failure count is at or above the threshold
// and less than window has passed since the most recent failure. Once the
// window has passed the record is deleted and the next evaluation is allowed.
type LoginThrottle struct {
	attempts  store.AttemptStore
	threshold int
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewLoginThrottle(attempts store.AttemptStore, threshold int, window time.Duration, logger *slog.Logger) *LoginThrottle {
	if threshold <= 0 {
		threshold = DefaultMaxFailedAttempts
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginThrottle{
		attempts:  attempts,
		threshold: threshold,
		window:    window,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "login_throttle"),
	}
}

func (t *LoginThrottle) Threshold() int        { return t.threshold }
func (t *LoginThrottle) Window() time.Duration { return t.window }

// Evaluate decides whether identity may attempt a login now.
func (t *LoginThrottle) Evaluate(ctx context.Context, identity string) (Decision, error) {
	now := t.now()
	attempt, err := t.lookup(ctx, identity)
	if err != nil {
		return Decision{}, err
	}
	if attempt == nil {
		return Decision{Allowed: true}, nil
	}
	if !t.expired(attempt, now) {
		return t.decide(attempt, now), nil
	}

	// The delete is conditional: a failure recorded since the read above
	// keeps the record, and that fresher state decides.
	deleted, err := t.attempts.DeleteExpiredAttempt(ctx, identity, t.threshold, now.Add(-t.window))
	if err != nil {
		return Decision{}, err
	}
	if deleted {
		t.logger.Info("lockout expired", "identity", identity)
		return Decision{Allowed: true}, nil
	}
	attempt, err = t.lookup(ctx, identity)
	if err != nil {
		return Decision{}, err
	}
	if attempt == nil || t.expired(attempt, now) {
		return Decision{Allowed: true}, nil
	}
	return t.decide(attempt, now), nil
}

func (t *LoginThrottle) lookup(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error) {
	attempt, err := t.attempts.GetFailedAttempt(ctx, identity)
	if errors.Is(err, domain.ErrAttemptNotFound) {
		return nil, nil
	}
	return attempt, err
}

func (t *LoginThrottle) expired(attempt *domain.FailedLoginAttempt, now time.Time) bool {
	return attempt.TotalFailedAttempts >= t.threshold && now.Sub(attempt.Timestamp) >= t.window
}

func (t *LoginThrottle) decide(attempt *domain.FailedLoginAttempt, now time.Time) Decision {
	if attempt.TotalFailedAttempts < t.threshold {
		return Decision{Allowed: true, Attempts: attempt.TotalFailedAttempts}
	}
	return Decision{
		Allowed:   false,
		Remaining: t.window - now.Sub(attempt.Timestamp),
		Attempts:  attempt.TotalFailedAttempts,
	}
}

// RecordFailure counts one failed login for identity.
func (t *LoginThrottle) RecordFailure(ctx context.Context, identity string) (*domain.FailedLoginAttempt, error) {
	attempt, err := t.attempts.RecordFailedAttempt(ctx, identity, t.now())
	if err != nil {
		return nil, err
	}
	if attempt.TotalFailedAttempts >= t.threshold {
		t.logger.Warn("identity locked out", "identity", identity, "attempts", attempt.TotalFailedAttempts)
	}
	return attempt, nil
}

// RecordSuccess clears the failure record for identity.
func (t *LoginThrottle) RecordSuccess(ctx context.Context, identity string) error {
	return t.attempts.DeleteFailedAttempt(ctx, identity)
}

// PurgeExpired deletes every finished lockout.
func (t *LoginThrottle) PurgeExpired(ctx context.Context) (int, error) {
	return t.attempts.PurgeExpiredAttempts(ctx, t.threshold, t.now().Add(-t.window))
}
