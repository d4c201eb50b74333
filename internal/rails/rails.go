// Package rails declares the narrow contracts this service consumes from the
// two external money rails. Real HTTP clients live outside this repo; tests
// use fakes.
package rails

import "context"

type TxnStatus string

const (
	TxnPending TxnStatus = "PENDING"
	TxnSuccess TxnStatus = "SUCCESS"
	TxnFailed  TxnStatus = "FAILED"
)

// TxnResult is the provider-side view of one mobile-money transaction,
// used by the fallback reconciliation poll.
type TxnResult struct {
	ExternalCode string
	Status       TxnStatus
	AmountMinor  int64
}

// MobileMoney is the local-currency rail: on-ramp deposits, off-ramp
// payouts, and rate quotes. All calls carry ctx for the rail timeout.
type MobileMoney interface {
	// QuoteExchangeRate returns local-currency units per stablecoin unit.
	QuoteExchangeRate(ctx context.Context) (float64, error)

	// InitiateOnRamp starts a deposit and returns the external transaction
	// code that later confirmation webhooks and reconciliation carry.
	InitiateOnRamp(ctx context.Context, phone string, amountMinor int64) (externalCode string, err error)

	// Disburse starts a local-currency payout referencing the on-chain leg.
	Disburse(ctx context.Context, phone string, amountMinor int64, onchainRef string) (externalCode string, err error)

	// TransactionStatus looks up one transaction by external code.
	TransactionStatus(ctx context.Context, externalCode string) (TxnResult, error)
}

// ChainEscrowState mirrors the on-chain contract view of one escrow.
type ChainEscrowState struct {
	RemainingMinor int64
	ReleasedMinor  int64
	Active         bool
	Refunded       bool
}

type CreateEscrowResult struct {
	ChainEscrowID string
	TxHash        string
}

// Chain is the blockchain rail, an external black box invoked over RPC.
type Chain interface {
	TransferStablecoin(ctx context.Context, toAddress string, amountMinor int64) (txHash string, err error)

	CreateEscrow(ctx context.Context, escrowID string, amountMinor int64) (CreateEscrowResult, error)

	// ReleasePayment releases amountMinor from the escrow for one payment id.
	// The contract rejects a payment id that was already used.
	ReleasePayment(ctx context.Context, chainEscrowID, paymentID string, amountMinor int64) (txHash string, err error)

	// IsPaymentIDUsed is the idempotent pre-flight guard before ReleasePayment.
	IsPaymentIDUsed(ctx context.Context, paymentID string) (bool, error)

	RefundEscrow(ctx context.Context, chainEscrowID string) (txHash string, err error)

	GetEscrow(ctx context.Context, chainEscrowID string) (ChainEscrowState, error)
}
