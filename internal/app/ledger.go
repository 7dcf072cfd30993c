/**
 * @description
 * This file contains the account ledger. The `Ledger` owns every balance
 * change and the mutation log that records it.
 *
 * Key features:
 * - Deposits, withdrawals and transfers run as a single atomic store update;
 *   the balance and its mutation record always change together.
 * - Transfers debit and credit both accounts in one multi-key update and
 *   append a matching transfer_out/transfer_in pair.
 * - Lock timeouts and write conflicts are retried a bounded number of times
 *   before ErrConcurrentModification is returned to the caller.
 * - Every committed mutation is published to the message broker.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing mutation events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

const (
	DefaultAccountNumberPrefix = "150"
	accountNumberRandomDigits  = 7
	maxAccountNumberAttempts   = 10

	defaultMaxRetries   = 3
	defaultRetryBackoff = 25 * time.Millisecond
	eventPublishTimeout = 5 * time.Second
)

// AccountNumberGenerator returns a candidate account number. Uniqueness is
// enforced by the store; the ledger retries on collision.
type AccountNumberGenerator func() (int64, error)

// NewAccountNumberGenerator returns a generator producing prefix followed by
// seven random digits, e.g. 150xxxxxxx.
func NewAccountNumberGenerator(prefix string) (AccountNumberGenerator, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultAccountNumberPrefix
	}
	base, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || base <= 0 || len(prefix) > 10 {
		return nil, fmt.Errorf("invalid account number prefix %q", prefix)
	}
	span := int64(math.Pow10(accountNumberRandomDigits))
	return func() (int64, error) {
		return base*span + rand.Int64N(span), nil
	}, nil
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithClock replaces time.Now for mutation timestamps.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithAccountNumberGenerator replaces the default 150-prefixed generator.
func WithAccountNumberGenerator(gen AccountNumberGenerator) LedgerOption {
	return func(l *Ledger) { l.nextNumber = gen }
}

// WithRetryPolicy sets how often ErrConcurrentModification is retried and the
// linear backoff step between attempts.
func WithRetryPolicy(maxRetries int, backoff time.Duration) LedgerOption {
	return func(l *Ledger) {
		if maxRetries >= 0 {
			l.maxRetries = maxRetries
		}
		if backoff >= 0 {
			l.retryBackoff = backoff
		}
	}
}

// Ledger provides the balance and mutation-log operations on accounts.
type Ledger struct {
	accounts     store.AccountStore
	events       rabbitmq.Publisher
	logger       *slog.Logger
	now          func() time.Time
	nextNumber   AccountNumberGenerator
	maxRetries   int
	retryBackoff time.Duration
}

// NewLedger creates a new Ledger. A nil publisher disables event publishing.
func NewLedger(accounts store.AccountStore, events rabbitmq.Publisher, logger *slog.Logger, opts ...LedgerOption) *Ledger {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaultGen, _ := NewAccountNumberGenerator(DefaultAccountNumberPrefix)
	l := &Ledger{
		accounts:     accounts,
		events:       events,
		logger:       logger.With("component", "ledger"),
		now:          func() time.Time { return time.Now().UTC() },
		nextNumber:   defaultGen,
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// withRetry runs fn until it succeeds, fails with an error other than
// ErrConcurrentModification, or the retry budget is spent.
func (l *Ledger) withRetry(ctx context.Context, op string, accountNumber int64, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= l.maxRetries {
			return err
		}
		l.logger.Warn("concurrent modification, retrying",
			"op", op, "account_number", accountNumber, "attempt", attempt+1)

		timer := time.NewTimer(l.retryBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Ledger) publishMutation(ctx context.Context, accountNumber, balanceAfter int64, mutation domain.MutationRecord) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	event := domain.MutationRecordedEvent{
		EventID:       uuid.New(),
		AccountNumber: accountNumber,
		BalanceAfter:  balanceAfter,
		Mutation:      mutation,
		OccurredAt:    mutation.Timestamp,
	}
	if err := l.events.PublishMutationRecorded(pubCtx, event); err != nil {
		l.logger.Error("failed to publish mutation event",
			"account_number", accountNumber, "mutation_id", mutation.ID, "err", err)
	}
}

// OpenAccount creates an account with a freshly generated number and a zero
// balance. Number collisions are retried and never reach the caller.
func (l *Ledger) OpenAccount(ctx context.Context, in domain.OpenAccountInput) (*domain.Account, error) {
	email := NormalizeEmail(in.Email)
	fullName := strings.TrimSpace(in.FullName)
	if email == "" || fullName == "" || in.PINHash == "" || in.PasswordHash == "" {
		return nil, domain.ErrInvalidAccountDetails
	}

	for attempt := 0; attempt < maxAccountNumberAttempts; attempt++ {
		number, err := l.nextNumber()
		if err != nil {
			return nil, fmt.Errorf("generate account number: %w", err)
		}
		now := l.now()
		account := &domain.Account{
			AccountNumber: number,
			FullName:      fullName,
			Email:         email,
			PINHash:       in.PINHash,
			PasswordHash:  in.PasswordHash,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = l.accounts.CreateAccount(ctx, account)
		if errors.Is(err, domain.ErrDuplicateAccountNumber) {
			l.logger.Warn("account number collision", "account_number", number, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		l.logger.Info("account opened", "account_number", number)
		return account, nil
	}
	return nil, fmt.Errorf("%w: no free account number after %d attempts", domain.ErrStoreUnavailable, maxAccountNumberAttempts)
}

// GetAccount returns a snapshot of the account.
func (l *Ledger) GetAccount(ctx context.Context, accountNumber int64) (*domain.Account, error) {
	return l.accounts.GetAccount(ctx, accountNumber)
}

func (l *Ledger) GetBalance(ctx context.Context, accountNumber int64) (int64, error) {
	account, err := l.accounts.GetAccount(ctx, accountNumber)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Deposit credits amount to the account and appends a deposit record.
func (l *Ledger) Deposit(ctx context.Context, accountNumber, amount int64) (*domain.BalanceChange, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var change domain.BalanceChange
	err := l.withRetry(ctx, "deposit", accountNumber, func() error {
		_, err := l.accounts.UpdateAccount(ctx, accountNumber, func(account *domain.Account) error {
			if account.Balance > math.MaxInt64-amount {
				return domain.ErrInvalidAmount
			}
			mutation := domain.NewDepositMutation(amount, l.now())
			change = domain.BalanceChange{
				AccountNumber: accountNumber,
				BalanceBefore: account.Balance,
				BalanceAfter:  account.Balance + amount,
				Mutation:      mutation,
			}
			account.Balance = change.BalanceAfter
			account.Mutations = append(account.Mutations, mutation)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("deposit recorded", "account_number", accountNumber, "amount", amount)
	l.publishMutation(ctx, accountNumber, change.BalanceAfter, change.Mutation)
	return &change, nil
}

// Withdraw debits amount from the account. The funds check runs inside the
// atomic update, so a concurrent debit can never overdraw the account.
func (l *Ledger) Withdraw(ctx context.Context, accountNumber, amount int64) (*domain.BalanceChange, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var change domain.BalanceChange
	err := l.withRetry(ctx, "withdraw", accountNumber, func() error {
		_, err := l.accounts.UpdateAccount(ctx, accountNumber, func(account *domain.Account) error {
			if account.Balance < amount {
				return domain.ErrInsufficientFunds
			}
			mutation := domain.NewWithdrawalMutation(amount, l.now())
			change = domain.BalanceChange{
				AccountNumber: accountNumber,
				BalanceBefore: account.Balance,
				BalanceAfter:  account.Balance - amount,
				Mutation:      mutation,
			}
			account.Balance = change.BalanceAfter
			account.Mutations = append(account.Mutations, mutation)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("withdrawal recorded", "account_number", accountNumber, "amount", amount)
	l.publishMutation(ctx, accountNumber, change.BalanceAfter, change.Mutation)
	return &change, nil
}

// Transfer moves amount from one account to another in a single atomic step.
func (l *Ledger) Transfer(ctx context.Context, from, to, amount int64) (*domain.TransferResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if from == to {
		return nil, domain.ErrSameAccountTransfer
	}

	var result domain.TransferResult
	err := l.withRetry(ctx, "transfer", from, func() error {
		_, _, err := l.accounts.UpdateAccountPair(ctx, from, to, func(sender, recipient *domain.Account) error {
			if sender.Balance < amount {
				return domain.ErrInsufficientFunds
			}
			if recipient.Balance > math.MaxInt64-amount {
				return domain.ErrInvalidAmount
			}
			out, in := domain.NewTransferMutations(from, to, amount, l.now())
			result = domain.TransferResult{
				Sender: domain.BalanceChange{
					AccountNumber: from,
					BalanceBefore: sender.Balance,
					BalanceAfter:  sender.Balance - amount,
					Mutation:      out,
				},
				Recipient: domain.BalanceChange{
					AccountNumber: to,
					BalanceBefore: recipient.Balance,
					BalanceAfter:  recipient.Balance + amount,
					Mutation:      in,
				},
			}
			sender.Balance = result.Sender.BalanceAfter
			sender.Mutations = append(sender.Mutations, out)
			recipient.Balance = result.Recipient.BalanceAfter
			recipient.Mutations = append(recipient.Mutations, in)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("transfer recorded",
		"account_number", from, "counterparty_account", to, "amount", amount,
		"transfer_id", result.Sender.Mutation.TransferID)
	l.publishMutation(ctx, from, result.Sender.BalanceAfter, result.Sender.Mutation)
	l.publishMutation(ctx, to, result.Recipient.BalanceAfter, result.Recipient.Mutation)
	return &result, nil
}

// ChangePIN replaces the stored PIN hash. Balance and history are untouched.
func (l *Ledger) ChangePIN(ctx context.Context, accountNumber int64, newPINHash string) error {
	if newPINHash == "" {
		return domain.ErrInvalidPINFormat
	}
	return l.withRetry(ctx, "change_pin", accountNumber, func() error {
		_, err := l.accounts.UpdateAccount(ctx, accountNumber, func(account *domain.Account) error {
			account.PINHash = newPINHash
			return nil
		})
		return err
	})
}

// GetMutations returns the account's mutation log in chronological order.
func (l *Ledger) GetMutations(ctx context.Context, accountNumber int64) ([]domain.MutationRecord, error) {
	account, err := l.accounts.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	if account.Mutations == nil {
		return []domain.MutationRecord{}, nil
	}
	return account.Mutations, nil
}

// ClearMutations empties the mutation log. The balance is not changed.
func (l *Ledger) ClearMutations(ctx context.Context, accountNumber int64) error {
	err := l.withRetry(ctx, "clear_mutations", accountNumber, func() error {
		_, err := l.accounts.UpdateAccount(ctx, accountNumber, func(account *domain.Account) error {
			account.Mutations = nil
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	l.logger.Info("mutation log cleared", "account_number", accountNumber)
	return nil
}

// DeleteAccount removes the account together with its history.
func (l *Ledger) DeleteAccount(ctx context.Context, accountNumber int64) error {
	err := l.withRetry(ctx, "delete_account", accountNumber, func() error {
		return l.accounts.DeleteAccount(ctx, accountNumber)
	})
	if err != nil {
		return err
	}
	l.logger.Info("account deleted", "account_number", accountNumber)
	return nil
}

// NormalizeEmail trims and lower-cases an email so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
