/**
 * @description
 * Event payloads published to the message broker after ledger and
 * authentication state changes. They are the contract for downstream consumers.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MutationRecordedEvent is published once per mutation appended to an account.
type MutationRecordedEvent struct {
	EventID       uuid.UUID      `json:"event_id"`
	AccountNumber int64          `json:"account_number"`
	BalanceAfter  int64          `json:"balance_after"`
	Mutation      MutationRecord `json:"mutation"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// LoginLockedEvent is published when an identity crosses the failure threshold.
type LoginLockedEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	Identity       string    `json:"identity"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until"`
	OccurredAt     time.Time `json:"occurred_at"`
}
