/**
 * @description
 * This file defines the core domain model for an Account in the ledger-service.
 * An account holds a balance in the smallest currency unit together with its
 * ordered mutation history.
 *
 * @notes
 * - Balances are `int64` minor units and never drop below zero.
 * - Mutations are embedded so that a store can persist the account and its
 *   history as one keyed record.
 */
package domain

import "time"

// Account represents a customer's ledger account.
type Account struct {
	AccountNumber int64            `json:"account_number"`
	FullName      string           `json:"full_name"`
	Email         string           `json:"email"`
	Balance       int64            `json:"balance"`
	PINHash       string           `json:"-"`
	PasswordHash  string           `json:"-"`
	Mutations     []MutationRecord `json:"mutations,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without touching the original.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Mutations != nil {
		cp.Mutations = make([]MutationRecord, len(a.Mutations))
		for i, m := range a.Mutations {
			cp.Mutations[i] = m.clone()
		}
	}
	return &cp
}

// OpenAccountInput carries what is needed to open a new account.
type OpenAccountInput struct {
	FullName     string
	Email        string
	PINHash      string
	PasswordHash string
}

// BalanceChange is returned by single-account balance operations.
type BalanceChange struct {
	AccountNumber int64          `json:"account_number"`
	BalanceBefore int64          `json:"balance"`
	BalanceAfter  int64          `json:"balance_updated"`
	Mutation      MutationRecord `json:"mutation"`
}

// TransferResult is returned by a successful transfer.
type TransferResult struct {
	Sender    BalanceChange `json:"sender"`
	Recipient BalanceChange `json:"recipient"`
}
