package models

import "time"

type PaymentStatus string

const (
	PaymentPendingApproval PaymentStatus = "pending_approval"
	PaymentApproved        PaymentStatus = "approved"
	PaymentCompleted       PaymentStatus = "completed"
	PaymentRejected        PaymentStatus = "rejected"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentRejected
}

type PayoutMethod string

const (
	PayoutStablecoin  PayoutMethod = "stablecoin"
	PayoutMobileMoney PayoutMethod = "mobile_money"
)

// PaymentRequest is a recipient's ask to pay a merchant from one category of
// one escrow. Creation reserves the funds; rejection is the compensating
// reversal. The merchant identity is stored encrypted with a deterministic
// blind index for equality lookups.
type PaymentRequest struct {
	ID              string        `json:"id"`
	EscrowID        string        `json:"escrow_id"`
	CategoryID      string        `json:"category_id"`
	RecipientUserID string        `json:"recipient_user_id"`
	AmountMinor     int64         `json:"amount_minor"`
	MerchantCipher  string        `json:"-"`
	MerchantIndex   string        `json:"-"`
	PayoutMethod    PayoutMethod  `json:"payout_method"`
	PayoutAddress   string        `json:"payout_address,omitempty"`
	Status          PaymentStatus `json:"status"`
	ChainStatus     ChainStatus   `json:"chain_status"`
	ChainTxHash     *string       `json:"chain_tx_hash,omitempty"`
	// CapExempt mirrors the category flag at reservation time so rejection
	// reverses exactly what reservation deducted.
	CapExempt  bool      `json:"cap_exempt"`
	FailReason *string   `json:"fail_reason,omitempty"`
	ApprovedBy *string   `json:"approved_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
