/**
 * @description
 * The banking service is the PIN-gated entry point used by the HTTP API.
 * Each operation verifies the account PIN and then calls exactly one Ledger
 * operation.
 */

package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/transfa/ledger-service/internal/domain"
)

const pinLength = 6

// RegisterInput is what a customer submits to open an account.
type RegisterInput struct {
	FullName string
	Email    string
	Password string
	PIN      string
}

// BankingService wraps the Ledger with PIN verification.
type BankingService struct {
	ledger *Ledger
	hasher Hasher
	logger *slog.Logger
}

func NewBankingService(ledger *Ledger, hasher Hasher, logger *slog.Logger) *BankingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BankingService{
		ledger: ledger,
		hasher: hasher,
		logger: logger.With("component", "banking"),
	}
}

// ValidatePINFormat checks that pin is exactly six ASCII digits.
func ValidatePINFormat(pin string) error {
	if len(pin) != pinLength {
		return domain.ErrInvalidPINFormat
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return domain.ErrInvalidPINFormat
		}
	}
	return nil
}

// Register hashes the credentials and opens a new account.
func (s *BankingService) Register(ctx context.Context, in RegisterInput) (*domain.Account, error) {
	if err := ValidatePINFormat(in.PIN); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Password) == "" {
		return nil, domain.ErrInvalidAccountDetails
	}
	pinHash, err := s.hasher.Hash(in.PIN)
	if err != nil {
		return nil, err
	}
	passwordHash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	return s.ledger.OpenAccount(ctx, domain.OpenAccountInput{
		FullName:     in.FullName,
		Email:        in.Email,
		PINHash:      pinHash,
		PasswordHash: passwordHash,
	})
}

// VerifyPIN checks pin against the account's stored hash.
func (s *BankingService) VerifyPIN(ctx context.Context, accountNumber int64, pin string) error {
	account, err := s.ledger.GetAccount(ctx, accountNumber)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(pin, account.PINHash) {
		s.logger.Warn("pin verification failed", "account_number", accountNumber)
		return domain.ErrInvalidPIN
	}
	return nil
}

func (s *BankingService) GetBalance(ctx context.Context, accountNumber int64) (int64, error) {
	return s.ledger.GetBalance(ctx, accountNumber)
}

func (s *BankingService) GetMutations(ctx context.Context, accountNumber int64) ([]domain.MutationRecord, error) {
	return s.ledger.GetMutations(ctx, accountNumber)
}

func (s *BankingService) Deposit(ctx context.Context, accountNumber int64, pin string, amount int64) (*domain.BalanceChange, error) {
	if err := s.VerifyPIN(ctx, accountNumber, pin); err != nil {
		return nil, err
	}
	return s.ledger.Deposit(ctx, accountNumber, amount)
}

func (s *BankingService) Withdraw(ctx context.Context, accountNumber int64, pin string, amount int64) (*domain.BalanceChange, error) {
	if err := s.VerifyPIN(ctx, accountNumber, pin); err != nil {
		return nil, err
	}
	return s.ledger.Withdraw(ctx, accountNumber, amount)
}

// Transfer verifies the sender's PIN and moves amount to the recipient.
func (s *BankingService) Transfer(ctx context.Context, from int64, pin string, to, amount int64) (*domain.TransferResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if from == to {
		return nil, domain.ErrSameAccountTransfer
	}
	if err := s.VerifyPIN(ctx, from, pin); err != nil {
		return nil, err
	}
	return s.ledger.Transfer(ctx, from, to, amount)
}

// ChangePIN replaces the PIN after checking the current one and the confirmation.
func (s *BankingService) ChangePIN(ctx context.Context, accountNumber int64, pin, newPIN, confirmPIN string) error {
	if newPIN != confirmPIN {
		return domain.ErrPINConfirmationMismatch
	}
	if err := ValidatePINFormat(newPIN); err != nil {
		return err
	}
	if err := s.VerifyPIN(ctx, accountNumber, pin); err != nil {
		return err
	}
	hashed, err := s.hasher.Hash(newPIN)
	if err != nil {
		return err
	}
	return s.ledger.ChangePIN(ctx, accountNumber, hashed)
}

func (s *BankingService) ClearMutations(ctx context.Context, accountNumber int64, pin string) error {
	if err := s.VerifyPIN(ctx, accountNumber, pin); err != nil {
		return err
	}
	return s.ledger.ClearMutations(ctx, accountNumber)
}

func (s *BankingService) DeleteAccount(ctx context.Context, accountNumber int64, pin string) error {
	if err := s.VerifyPIN(ctx, accountNumber, pin); err != nil {
		return err
	}
	return s.ledger.DeleteAccount(ctx, accountNumber)
}
