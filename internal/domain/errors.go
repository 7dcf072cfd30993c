/**
 * @description
 * Domain errors shared by the ledger, the login throttle and the stores.
 * The API layer translates these into transport responses in one place.
 */
package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrInvalidAmount           = errors.New("amount must be a positive integer")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrSameAccountTransfer     = errors.New("cannot transfer to the same account")
	ErrInvalidPIN              = errors.New("wrong pin")
	ErrInvalidPINFormat        = errors.New("pin must be exactly six digits")
	ErrPINConfirmationMismatch = errors.New("pin confirmation mismatched")
	ErrAccountLocked           = errors.New("too many failed login attempts")
	ErrInvalidCredentials      = errors.New("wrong email or password")
	ErrEmailTaken              = errors.New("email is already registered")
	ErrInvalidAccountDetails   = errors.New("full name, email and password are required")
	ErrConcurrentModification  = errors.New("concurrent modification, retry the operation")
	ErrStoreUnavailable        = errors.New("record store unavailable")

	// ErrDuplicateAccountNumber is retried internally when generating account numbers.
	ErrDuplicateAccountNumber = errors.New("account number already exists")
	// ErrAttemptNotFound means an identity has no failed-login record.
	ErrAttemptNotFound = errors.New("failed login attempt not found")
)

// AccountLockedError is returned while an identity is locked out.
type AccountLockedError struct {
	Remaining time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("Too many failed login attempts. Please try again after %s.", FormatRemaining(e.Remaining))
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// InvalidCredentialsError carries the failure count after the rejected attempt.
type InvalidCredentialsError struct {
	Attempts int
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("Wrong email or password. Attempt = %d", e.Attempts)
}

func (e *InvalidCredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// FormatRemaining renders a wait time as whole minutes and seconds.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int64(d / time.Minute)
	seconds := int64((d % time.Minute) / time.Second)
	return fmt.Sprintf("%d minutes %d seconds", minutes, seconds)
}
