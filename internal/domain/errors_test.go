package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 30 * time.Minute, want: "30 minutes 0 seconds"},
		{in: 28*time.Minute + 30*time.Second, want: "28 minutes 30 seconds"},
		{in: 59*time.Second + 900*time.Millisecond, want: "0 minutes 59 seconds"},
		{in: -time.Second, want: "0 minutes 0 seconds"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.in); got != tt.want {
			t.Fatalf("FormatRemaining(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	locked := fmt.Errorf("login: %w", &AccountLockedError{Remaining: 90 * time.Second})
	if !errors.Is(locked, ErrAccountLocked) {
		t.Fatalf("AccountLockedError should match ErrAccountLocked")
	}
	if got := (&AccountLockedError{Remaining: 90 * time.Second}).Error(); got != "Too many failed login attempts. Please try again after 1 minutes 30 seconds." {
		t.Fatalf("unexpected message %q", got)
	}

	invalid := &InvalidCredentialsError{Attempts: 3}
	if !errors.Is(invalid, ErrInvalidCredentials) {
		t.Fatalf("InvalidCredentialsError should match ErrInvalidCredentials")
	}
	if invalid.Error() != "Wrong email or password. Attempt = 3" {
		t.Fatalf("unexpected message %q", invalid.Error())
	}
}
