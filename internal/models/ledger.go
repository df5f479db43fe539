package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryKindSubmissionDebit EntryKind = "submission_debit"
	EntryKindProviderCredit  EntryKind = "provider_credit"
	EntryKindFailureRefund   EntryKind = "failure_refund"
	// EntryKindDeposit is written by the external wallet gateway.
	EntryKindDeposit EntryKind = "deposit"
)

// LedgerEntry is an append-only balance movement. Amount is signed.
type LedgerEntry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	JobID       string          `json:"job_id,omitempty"`
	Kind        EntryKind       `json:"kind"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Wallet is a user's current balance.
type Wallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}
