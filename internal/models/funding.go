package models

import "time"

type FundingStatus string

const (
	FundingPending   FundingStatus = "pending"
	FundingConfirmed FundingStatus = "confirmed"
	FundingFailed    FundingStatus = "failed"
)

// FundingIntent is a sender's declared on-ramp-then-escrow-creation plan,
// persisted before any escrow row exists. The escrow and its categories are
// materialized exactly once, on the first successful confirmation.
type FundingIntent struct {
	ID                   string               `json:"id"`
	SenderUserID         string               `json:"sender_user_id"`
	RecipientUserID      string               `json:"recipient_user_id"`
	RecipientPhoneCipher string               `json:"-"`
	ExpectedMinor        int64                `json:"expected_minor"`
	Breakdown            []CategoryAllocation `json:"breakdown"`
	ExpiresAt            time.Time            `json:"expires_at"`
	ExternalCode         string               `json:"external_code"`
	Status               FundingStatus        `json:"status"`
	EscrowID             *string              `json:"escrow_id,omitempty"`
	FailReason           *string              `json:"fail_reason,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// OnrampTransaction is a single mobile-money deposit leg tied to an already
// existing escrow (the escrow-first path). The external code is the
// idempotency key; confirmation is exactly-once via the row lock.
type OnrampTransaction struct {
	ID            string        `json:"id"`
	EscrowID      string        `json:"escrow_id"`
	ExternalCode  string        `json:"external_code"`
	ExpectedMinor int64         `json:"expected_minor"`
	Status        FundingStatus `json:"status"`
	FailReason    *string       `json:"fail_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// OfframpTransaction is a mobile-money payout leg for an approved payment
// request, finalized by the off-ramp completion webhook.
type OfframpTransaction struct {
	ID               string        `json:"id"`
	PaymentRequestID string        `json:"payment_request_id"`
	ExternalCode     string        `json:"external_code"`
	AmountMinor      int64         `json:"amount_minor"`
	Status           FundingStatus `json:"status"`
	ReceiptRef       *string       `json:"receipt_ref,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
