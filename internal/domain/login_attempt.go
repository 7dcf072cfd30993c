package domain

import "time"

// FailedLoginAttempt tracks consecutive failed logins for one identity (email).
// Timestamp is the time of the most recent failure.
type FailedLoginAttempt struct {
	Identity            string    `json:"identity"`
	TotalFailedAttempts int       `json:"total_failed_attempts"`
	Timestamp           time.Time `json:"timestamp"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	AccountNumber int64  `json:"account_number"`
	Email         string `json:"email"`
	FullName      string `json:"full_name"`
}
