package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

// Authenticator runs the email/password login flow behind the LoginThrottle.
type Authenticator struct {
	accounts store.AccountStore
	throttle *LoginThrottle
	hasher   Hasher
	events   rabbitmq.Publisher
	logger   *slog.Logger
}

func NewAuthenticator(accounts store.AccountStore, throttle *LoginThrottle, hasher Hasher, events rabbitmq.Publisher, logger *slog.Logger) *Authenticator {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		accounts: accounts,
		throttle: throttle,
		hasher:   hasher,
		events:   events,
		logger:   logger.With("component", "authenticator"),
	}
}

// Login verifies the credentials. A locked identity is rejected with
// *domain.AccountLockedError before the credentials are looked at; a wrong
// email or password returns *domain.InvalidCredentialsError with the new
// failure count.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*domain.LoginResult, error) {
	identity := NormalizeEmail(email)

	decision, err := a.throttle.Evaluate(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &domain.AccountLockedError{Remaining: decision.Remaining}
	}

	account, err := a.accounts.GetAccountByEmail(ctx, identity)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}
	if account == nil || !a.hasher.Verify(password, account.PasswordHash) {
		return nil, a.rejectLogin(ctx, identity)
	}

	if err := a.throttle.RecordSuccess(ctx, identity); err != nil {
		return nil, err
	}
	a.logger.Info("login succeeded", "account_number", account.AccountNumber)
	return &domain.LoginResult{
		AccountNumber: account.AccountNumber,
		Email:         account.Email,
		FullName:      account.FullName,
	}, nil
}

func (a *Authenticator) rejectLogin(ctx context.Context, identity string) error {
	attempt, err := a.throttle.RecordFailure(ctx, identity)
	if err != nil {
		return err
	}

	if attempt.TotalFailedAttempts == a.throttle.Threshold() {
		event := domain.LoginLockedEvent{
			EventID:        uuid.New(),
			Identity:       identity,
			FailedAttempts: attempt.TotalFailedAttempts,
			LockedUntil:    attempt.Timestamp.Add(a.throttle.Window()),
			OccurredAt:     attempt.Timestamp,
		}
		if err := a.events.PublishLoginLocked(context.WithoutCancel(ctx), event); err != nil {
			a.logger.Error("failed to publish login locked event", "identity", identity, "err", err)
		}
	}
	return &domain.InvalidCredentialsError{Attempts: attempt.TotalFailedAttempts}
}
