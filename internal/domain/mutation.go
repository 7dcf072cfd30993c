package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MutationType discriminates the variants of MutationRecord.
type MutationType string

const (
	MutationDeposit     MutationType = "deposit"
	MutationWithdrawal  MutationType = "withdrawal"
	MutationTransferOut MutationType = "transfer_out"
	MutationTransferIn  MutationType = "transfer_in"
)

// IsTransfer reports whether the variant carries counterparty data.
func (t MutationType) IsTransfer() bool {
	return t == MutationTransferOut || t == MutationTransferIn
}

// Valid reports whether t is one of the known variants.
func (t MutationType) Valid() bool {
	switch t {
	case MutationDeposit, MutationWithdrawal, MutationTransferOut, MutationTransferIn:
		return true
	}
	return false
}

// MutationRecord is one immutable entry in an account's mutation log.
// CounterpartyAccount and TransferID are set only on the transfer variants.
type MutationRecord struct {
	ID                  uuid.UUID    `json:"id"`
	Type                MutationType `json:"type"`
	Amount              int64        `json:"amount"`
	Timestamp           time.Time    `json:"timestamp"`
	CounterpartyAccount *int64       `json:"counterparty_account,omitempty"`
	TransferID          *uuid.UUID   `json:"transfer_id,omitempty"`
}

func (m MutationRecord) clone() MutationRecord {
	cp := m
	if m.CounterpartyAccount != nil {
		v := *m.CounterpartyAccount
		cp.CounterpartyAccount = &v
	}
	if m.TransferID != nil {
		v := *m.TransferID
		cp.TransferID = &v
	}
	return cp
}

// Validate checks the shape of a record loaded from storage.
func (m MutationRecord) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown mutation type %q", m.Type)
	}
	if m.Amount <= 0 {
		return fmt.Errorf("mutation %s has non-positive amount %d", m.ID, m.Amount)
	}
	if m.Type.IsTransfer() != (m.CounterpartyAccount != nil) {
		return fmt.Errorf("mutation %s of type %s has inconsistent counterparty", m.ID, m.Type)
	}
	return nil
}

// NewDepositMutation builds a deposit record.
func NewDepositMutation(amount int64, at time.Time) MutationRecord {
	return MutationRecord{ID: uuid.New(), Type: MutationDeposit, Amount: amount, Timestamp: at}
}

// NewWithdrawalMutation builds a withdrawal record.
func NewWithdrawalMutation(amount int64, at time.Time) MutationRecord {
	return MutationRecord{ID: uuid.New(), Type: MutationWithdrawal, Amount: amount, Timestamp: at}
}

// NewTransferMutations builds the matching transfer_out (for the sender) and
// transfer_in (for the recipient) records. Both share amount, timestamp and
// transfer ID, and name each other's account as counterparty.
func NewTransferMutations(from, to int64, amount int64, at time.Time) (out MutationRecord, in MutationRecord) {
	transferID := uuid.New()
	sender, recipient := from, to
	outTransferID, inTransferID := transferID, transferID

	out = MutationRecord{
		ID:                  uuid.New(),
		Type:                MutationTransferOut,
		Amount:              amount,
		Timestamp:           at,
		CounterpartyAccount: &recipient,
		TransferID:          &outTransferID,
	}
	in = MutationRecord{
		ID:                  uuid.New(),
		Type:                MutationTransferIn,
		Amount:              amount,
		Timestamp:           at,
		CounterpartyAccount: &sender,
		TransferID:          &inTransferID,
	}
	return out, in
}
