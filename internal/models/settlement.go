package models

import "time"

type SettlementType string

const (
	SettlementPaymentRelease SettlementType = "payment_release"
	SettlementRefund         SettlementType = "refund"
	SettlementExpiryReturn   SettlementType = "expiry_return"
)

// Settlement is an immutable record of a balance-affecting event.
// Rows are append-only and never updated.
type Settlement struct {
	ID               string         `json:"id"`
	Type             SettlementType `json:"type"`
	EscrowID         string         `json:"escrow_id"`
	PaymentRequestID *string        `json:"payment_request_id,omitempty"`
	AmountMinor      int64          `json:"amount_minor"`
	CreatedAt        time.Time      `json:"created_at"`
}
