package model

import (
	"fmt"
	"time"
)

// User is a student (or staff) account that owns tasks and a credit balance.
// Accounts are created by the admin seed command; registration is handled
// elsewhere.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Matr      string    `json:"matr"` // Student registration number
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`

	// Privileged accounts bypass balance checks and are never debited.
	Privileged bool `json:"privileged"`
}

// String returns the display form "First Last (matr)".
func (u *User) String() string {
	return fmt.Sprintf("%s %s (%s)", u.FirstName, u.LastName, u.Matr)
}

// LedgerReason classifies a ledger entry.
type LedgerReason string

const (
	LedgerTaskStart LedgerReason = "task_start"
	LedgerBilling   LedgerReason = "billing"
	LedgerReconcile LedgerReason = "reconcile"
	LedgerReset     LedgerReason = "reset"
)

// LedgerEntry is one audit row for a balance mutation.
type LedgerEntry struct {
	ID        int64        `json:"id"`
	UserID    string       `json:"user_id"`
	TaskID    string       `json:"task_id,omitempty"`
	Amount    int64        `json:"amount"` // Positive for debits, negative for top-ups
	Reason    LedgerReason `json:"reason"`
	Balance   int64        `json:"balance"`
	Timestamp time.Time    `json:"timestamp"`
}
