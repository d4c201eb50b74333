package repository

import (
	"context"
	"time"

	"github.com/pesabridge/escrow-backend/internal/models"
)

// Tx is the transactional view the ledger engine and the workflows operate
// on. Lock* methods take FOR UPDATE row locks; callers must acquire them in
// the fixed order escrow -> category -> daily spend -> payment request.
type Tx interface {
	LockEscrow(ctx context.Context, id string) (models.Escrow, error)
	LockCategory(ctx context.Context, id string) (models.Category, error)
	// EnsureDailySpend lazily creates the (recipient, day) counter with the
	// given limit. Safe to race: upsert-on-conflict do-nothing; the locking
	// read that follows always sees the committed row.
	EnsureDailySpend(ctx context.Context, recipientID, day string, limitMinor int64) error
	LockDailySpend(ctx context.Context, recipientID, day string) (models.DailySpend, error)
	LockPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error)
	LockFundingIntentByCode(ctx context.Context, externalCode string) (models.FundingIntent, error)
	LockOnrampByCode(ctx context.Context, externalCode string) (models.OnrampTransaction, error)
	LockOfframpByCode(ctx context.Context, externalCode string) (models.OfframpTransaction, error)

	GetPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error)
	// HasOpenPayments reports whether any payment request on the escrow is
	// still pending or approved.
	HasOpenPayments(ctx context.Context, escrowID string) (bool, error)

	// Balance mutations; only the ledger engine calls these, always after a
	// locked read-validate of the same rows.
	ApplyEscrowDelta(ctx context.Context, id string, remainingDelta, spentDelta int64) error
	ApplyCategoryDelta(ctx context.Context, id string, remainingDelta, spentDelta int64) error
	ApplyDailySpendDelta(ctx context.Context, recipientID, day string, spentDelta int64, txDelta int) error

	InsertEscrow(ctx context.Context, e models.Escrow) error
	InsertCategory(ctx context.Context, c models.Category) error
	InsertPaymentRequest(ctx context.Context, pr models.PaymentRequest) error
	InsertOnramp(ctx context.Context, t models.OnrampTransaction) error
	InsertOfframp(ctx context.Context, t models.OfframpTransaction) error
	InsertSettlement(ctx context.Context, s models.Settlement) error
	InsertAudit(ctx context.Context, l models.AuditLog) error

	SetEscrowStatus(ctx context.Context, id string, st models.EscrowStatus) error
	SetEscrowRemaining(ctx context.Context, id string, remainingMinor int64) error
	SetEscrowChain(ctx context.Context, id string, st models.ChainStatus, chainEscrowID, txHash *string) error
	SetPaymentStatus(ctx context.Context, id string, st models.PaymentStatus, approvedBy, failReason *string) error
	SetPaymentChain(ctx context.Context, id string, st models.ChainStatus, txHash *string) error
	ConfirmFundingIntent(ctx context.Context, id, escrowID string) error
	FailFundingIntent(ctx context.Context, id, reason string) error
	SetOnrampStatus(ctx context.Context, id string, st models.FundingStatus, failReason *string) error
	SetOfframpStatus(ctx context.Context, id string, st models.FundingStatus, receiptRef *string) error
}

// Store is the single arbiter of balance truth. WithTx runs fn inside one
// database transaction; any error rolls the whole transaction back.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetEscrow(ctx context.Context, id string) (models.Escrow, error)
	ListCategories(ctx context.Context, escrowID string) ([]models.Category, error)
	GetCategory(ctx context.Context, id string) (models.Category, error)
	GetPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error)
	ListPaymentRequests(ctx context.Context, escrowID string) ([]models.PaymentRequest, error)
	GetFundingIntent(ctx context.Context, id string) (models.FundingIntent, error)
	GetDailySpend(ctx context.Context, recipientID, day string) (models.DailySpend, error)
	GetOfframpByPayment(ctx context.Context, paymentRequestID string) (models.OfframpTransaction, error)

	InsertFundingIntent(ctx context.Context, fi models.FundingIntent) error
	ListExpiredActiveEscrows(ctx context.Context, now time.Time, limit int) ([]string, error)

	// IntegrityViolations runs the balance-invariant audit over the whole
	// store; an empty slice means every invariant holds.
	IntegrityViolations(ctx context.Context) ([]string, error)
	Reconciliation(ctx context.Context, pendingBefore time.Time) (models.ReconciliationReport, error)
}

type Users interface {
	Create(ctx context.Context, u models.User) (models.User, error)
	GetByID(ctx context.Context, id string) (models.User, error)
	GetByPhoneIndex(ctx context.Context, phoneIndex string) (models.User, error)
}

type AuditLogs interface {
	Create(ctx context.Context, l models.AuditLog) error
}
