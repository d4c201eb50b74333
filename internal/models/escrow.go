package models

import "time"

type EscrowStatus string

const (
	EscrowPendingDeposit EscrowStatus = "pending_deposit"
	EscrowActive         EscrowStatus = "active"
	EscrowCompleted      EscrowStatus = "completed"
	EscrowCancelled      EscrowStatus = "cancelled"
	EscrowExpired        EscrowStatus = "expired"
)

// Terminal reports whether no further status transition is allowed.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowCompleted || s == EscrowCancelled || s == EscrowExpired
}

type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainConfirmed ChainStatus = "confirmed"
	ChainFailed    ChainStatus = "failed"
)

// Escrow is a sender-funded, recipient-scoped pool of money restricted to
// spending categories and an expiry. All amounts are integer minor units.
// TotalMinor == RemainingMinor + SpentMinor holds after every committed
// transaction; only the ledger engine mutates the balance columns.
type Escrow struct {
	ID             string       `json:"id"`
	SenderUserID   string       `json:"sender_user_id"`
	RecipientUserID string      `json:"recipient_user_id"`
	TotalMinor     int64        `json:"total_minor"`
	RemainingMinor int64        `json:"remaining_minor"`
	SpentMinor     int64        `json:"spent_minor"`
	Status         EscrowStatus `json:"status"`
	ChainStatus    ChainStatus  `json:"chain_status"`
	ChainEscrowID  *string      `json:"chain_escrow_id,omitempty"`
	ChainTxHash    *string      `json:"chain_tx_hash,omitempty"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Category is a named sub-allocation of an escrow's total.
// AllocatedMinor == SpentMinor + RemainingMinor, and the allocations of an
// escrow's categories always sum to the escrow total.
type Category struct {
	ID             string `json:"id"`
	EscrowID       string `json:"escrow_id"`
	Name           string `json:"name"`
	AllocatedMinor int64  `json:"allocated_minor"`
	SpentMinor     int64  `json:"spent_minor"`
	RemainingMinor int64  `json:"remaining_minor"`
	// CapExempt is fixed at escrow creation from the configured one-time
	// category allow-list; exempt categories never touch the daily counter.
	CapExempt bool      `json:"cap_exempt"`
	CreatedAt time.Time `json:"created_at"`
}

// CategoryAllocation is the creation-time breakdown of an escrow total.
type CategoryAllocation struct {
	Name        string `json:"name"`
	AmountMinor int64  `json:"amount_minor"`
}
