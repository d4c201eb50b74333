// Package ledger is the only code path permitted to change the remaining and
// spent columns on escrows, categories, and daily-spend counters. Every
// operation runs in one database transaction, validating after acquiring row
// locks in the fixed order escrow -> category -> daily spend -> payment
// request.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/models"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
)

type Engine struct {
	store             repo.Store
	defaultDailyLimit int64
	log               *slog.Logger
}

func NewEngine(store repo.Store, defaultDailyLimit int64, log *slog.Logger) *Engine {
	return &Engine{store: store, defaultDailyLimit: defaultDailyLimit, log: log}
}

type ReserveParams struct {
	EscrowID        string
	CategoryID      string
	RecipientUserID string
	AmountMinor     int64
	MerchantCipher  string
	MerchantIndex   string
	PayoutMethod    models.PayoutMethod
	PayoutAddress   string
}

type ReserveResult struct {
	PaymentRequestID    string
	CapExempt           bool
	RemainingDailyMinor int64
}

// ReserveAndDeduct creates a payment request and optimistically reserves its
// amount: escrow and category move remaining -> spent, and unless the
// category is cap-exempt the daily counter is consumed. All checks happen
// after the row locks are held, so N racing reservations serialize and any
// that would overdraw fail with the rows unchanged.
func (e *Engine) ReserveAndDeduct(ctx context.Context, p ReserveParams) (ReserveResult, error) {
	if p.AmountMinor <= 0 {
		return ReserveResult{}, fmt.Errorf("%w: amount must be positive", apperr.ErrInsufficientBalance)
	}
	var res ReserveResult
	err := e.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		esc, err := tx.LockEscrow(ctx, p.EscrowID)
		if err != nil {
			return fmt.Errorf("lock escrow: %w", err)
		}
		if esc.Status != models.EscrowActive {
			return fmt.Errorf("%w: escrow is %s", apperr.ErrInvalidStateTransition, esc.Status)
		}
		if esc.RecipientUserID != p.RecipientUserID {
			return fmt.Errorf("%w: escrow belongs to another recipient", apperr.ErrForbidden)
		}
		if esc.RemainingMinor < p.AmountMinor {
			return fmt.Errorf("%w: escrow has %d, need %d", apperr.ErrInsufficientBalance, esc.RemainingMinor, p.AmountMinor)
		}

		cat, err := tx.LockCategory(ctx, p.CategoryID)
		if err != nil {
			return fmt.Errorf("lock category: %w", err)
		}
		if cat.EscrowID != esc.ID {
			return fmt.Errorf("%w: category not in escrow", apperr.ErrNotFound)
		}
		if cat.RemainingMinor < p.AmountMinor {
			return fmt.Errorf("%w: category %q has %d, need %d", apperr.ErrInsufficientBalance, cat.Name, cat.RemainingMinor, p.AmountMinor)
		}

		day := models.Day(time.Now())
		var remainingDaily int64 = -1
		if !cat.CapExempt {
			if err := tx.EnsureDailySpend(ctx, p.RecipientUserID, day, e.defaultDailyLimit); err != nil {
				return fmt.Errorf("ensure daily spend: %w", err)
			}
			ds, err := tx.LockDailySpend(ctx, p.RecipientUserID, day)
			if err != nil {
				return fmt.Errorf("lock daily spend: %w", err)
			}
			if ds.RemainingMinor < p.AmountMinor {
				return fmt.Errorf("%w: %d left today, need %d", apperr.ErrDailyLimitExceeded, ds.RemainingMinor, p.AmountMinor)
			}
			remainingDaily = ds.RemainingMinor - p.AmountMinor
		}

		if err := tx.ApplyEscrowDelta(ctx, esc.ID, -p.AmountMinor, p.AmountMinor); err != nil {
			return err
		}
		if err := tx.ApplyCategoryDelta(ctx, cat.ID, -p.AmountMinor, p.AmountMinor); err != nil {
			return err
		}
		if !cat.CapExempt {
			if err := tx.ApplyDailySpendDelta(ctx, p.RecipientUserID, day, p.AmountMinor, 1); err != nil {
				return err
			}
		}

		pr := models.PaymentRequest{
			ID:              uuid.NewString(),
			EscrowID:        esc.ID,
			CategoryID:      cat.ID,
			RecipientUserID: p.RecipientUserID,
			AmountMinor:     p.AmountMinor,
			MerchantCipher:  p.MerchantCipher,
			MerchantIndex:   p.MerchantIndex,
			PayoutMethod:    p.PayoutMethod,
			PayoutAddress:   p.PayoutAddress,
			Status:          models.PaymentPendingApproval,
			ChainStatus:     models.ChainPending,
			CapExempt:       cat.CapExempt,
		}
		if err := tx.InsertPaymentRequest(ctx, pr); err != nil {
			return fmt.Errorf("insert payment request: %w", err)
		}
		if err := tx.InsertAudit(ctx, models.AuditLog{
			ActorID:    &p.RecipientUserID,
			EntityType: "payment_request",
			EntityID:   &pr.ID,
			Action:     "reserve",
			Details:    map[string]any{"amount_minor": p.AmountMinor, "category": cat.Name, "cap_exempt": cat.CapExempt},
		}); err != nil {
			return err
		}

		res = ReserveResult{PaymentRequestID: pr.ID, CapExempt: cat.CapExempt, RemainingDailyMinor: remainingDaily}
		return nil
	})
	return res, err
}

// Approve flips a pending request to approved. Funds were already reserved
// at request creation, so approval deducts nothing; it re-validates the rows
// under fresh locks, stamps the approver, and appends the payment_release
// settlement. Only the escrow's sender may approve unless admin is set.
func (e *Engine) Approve(ctx context.Context, paymentRequestID, approverID string, admin bool) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		peek, err := tx.GetPaymentRequest(ctx, paymentRequestID)
		if err != nil {
			return fmt.Errorf("get payment request: %w", err)
		}
		esc, err := tx.LockEscrow(ctx, peek.EscrowID)
		if err != nil {
			return fmt.Errorf("lock escrow: %w", err)
		}
		pr, err := tx.LockPaymentRequest(ctx, paymentRequestID)
		if err != nil {
			return fmt.Errorf("lock payment request: %w", err)
		}
		if pr.Status != models.PaymentPendingApproval {
			return fmt.Errorf("%w: payment request is %s", apperr.ErrInvalidStateTransition, pr.Status)
		}
		if esc.Status != models.EscrowActive {
			return fmt.Errorf("%w: escrow is %s", apperr.ErrInvalidStateTransition, esc.Status)
		}
		if !admin && esc.SenderUserID != approverID {
			return fmt.Errorf("%w: only the sender may approve", apperr.ErrForbidden)
		}
		// Reservation already moved the funds to spent; a mismatch here means
		// balance columns were touched outside this engine.
		if esc.SpentMinor < pr.AmountMinor {
			return fmt.Errorf("%w: escrow spent %d below reserved %d", apperr.ErrInvalidStateTransition, esc.SpentMinor, pr.AmountMinor)
		}

		if err := tx.SetPaymentStatus(ctx, pr.ID, models.PaymentApproved, &approverID, nil); err != nil {
			return err
		}
		if err := tx.InsertSettlement(ctx, models.Settlement{
			ID:               uuid.NewString(),
			Type:             models.SettlementPaymentRelease,
			EscrowID:         esc.ID,
			PaymentRequestID: &pr.ID,
			AmountMinor:      pr.AmountMinor,
		}); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditLog{
			ActorID:    &approverID,
			EntityType: "payment_request",
			EntityID:   &pr.ID,
			Action:     "approve",
			Details:    map[string]any{"amount_minor": pr.AmountMinor, "admin": admin},
		})
	})
}

// Reject is the compensating action for the optimistic reservation: it
// restores escrow and category balances by exactly the reserved amount and,
// unless the category was cap-exempt at reservation time, gives back the
// daily allowance consumed. The day credited is the reservation day, so a
// rejection after midnight does not inflate the wrong counter.
func (e *Engine) Reject(ctx context.Context, paymentRequestID, actorID string, admin bool, reason string) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		peek, err := tx.GetPaymentRequest(ctx, paymentRequestID)
		if err != nil {
			return fmt.Errorf("get payment request: %w", err)
		}
		esc, err := tx.LockEscrow(ctx, peek.EscrowID)
		if err != nil {
			return fmt.Errorf("lock escrow: %w", err)
		}
		if esc.Status.Terminal() {
			return fmt.Errorf("%w: escrow is %s, needs operator review", apperr.ErrInvalidStateTransition, esc.Status)
		}
		if !admin && esc.SenderUserID != actorID {
			return fmt.Errorf("%w: only the sender may reject", apperr.ErrForbidden)
		}

		// Keep the global lock order: category, then daily spend, then the
		// payment row.
		if _, err := tx.LockCategory(ctx, peek.CategoryID); err != nil {
			return fmt.Errorf("lock category: %w", err)
		}
		day := models.Day(peek.CreatedAt)
		if !peek.CapExempt {
			if _, err := tx.LockDailySpend(ctx, peek.RecipientUserID, day); err != nil {
				return fmt.Errorf("lock daily spend: %w", err)
			}
		}
		pr, err := tx.LockPaymentRequest(ctx, paymentRequestID)
		if err != nil {
			return fmt.Errorf("lock payment request: %w", err)
		}
		if pr.Status != models.PaymentPendingApproval {
			return fmt.Errorf("%w: payment request is %s", apperr.ErrInvalidStateTransition, pr.Status)
		}

		if err := tx.ApplyEscrowDelta(ctx, esc.ID, pr.AmountMinor, -pr.AmountMinor); err != nil {
			return err
		}
		if err := tx.ApplyCategoryDelta(ctx, pr.CategoryID, pr.AmountMinor, -pr.AmountMinor); err != nil {
			return err
		}
		if !pr.CapExempt {
			if err := tx.ApplyDailySpendDelta(ctx, pr.RecipientUserID, day, -pr.AmountMinor, 0); err != nil {
				return err
			}
		}
		if err := tx.SetPaymentStatus(ctx, pr.ID, models.PaymentRejected, nil, &reason); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditLog{
			ActorID:    &actorID,
			EntityType: "payment_request",
			EntityID:   &pr.ID,
			Action:     "reject",
			Details:    map[string]any{"amount_minor": pr.AmountMinor, "reason": reason},
		})
	})
}

// SweepRemaining moves an escrow to a terminal status and zeroes its
// remaining balance atomically, recording the swept amount as a settlement
// (refund for cancellation, expiry_return for expiry). Attempts on an
// already-terminal escrow fail with ErrInvalidStateTransition and are
// logged, never retried.
func (e *Engine) SweepRemaining(ctx context.Context, escrowID string, to models.EscrowStatus, actorID *string) (int64, error) {
	if to != models.EscrowCancelled && to != models.EscrowExpired && to != models.EscrowCompleted {
		return 0, fmt.Errorf("%w: %s is not terminal", apperr.ErrInvalidStateTransition, to)
	}
	var swept int64
	err := e.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		esc, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return fmt.Errorf("lock escrow: %w", err)
		}
		if esc.Status.Terminal() {
			return fmt.Errorf("%w: escrow already %s", apperr.ErrInvalidStateTransition, esc.Status)
		}

		swept = esc.RemainingMinor
		// Status first: the balance check on escrows only binds
		// non-terminal rows, and it is evaluated per statement.
		if err := tx.SetEscrowStatus(ctx, esc.ID, to); err != nil {
			return err
		}
		if err := tx.SetEscrowRemaining(ctx, esc.ID, 0); err != nil {
			return err
		}
		// A pending_deposit escrow has no confirmed funds to return.
		if swept > 0 && esc.Status == models.EscrowActive {
			st := models.SettlementRefund
			if to == models.EscrowExpired {
				st = models.SettlementExpiryReturn
			}
			if err := tx.InsertSettlement(ctx, models.Settlement{
				ID:          uuid.NewString(),
				Type:        st,
				EscrowID:    esc.ID,
				AmountMinor: swept,
			}); err != nil {
				return err
			}
		}
		return tx.InsertAudit(ctx, models.AuditLog{
			ActorID:    actorID,
			EntityType: "escrow",
			EntityID:   &esc.ID,
			Action:     "sweep",
			Details:    map[string]any{"to": to, "swept_minor": swept},
		})
	})
	if err != nil {
		e.log.Warn("sweep remaining", "escrow_id", escrowID, "to", to, "err", err)
		return 0, err
	}
	return swept, nil
}

// CompleteIfDrained flips an active escrow to completed once every minor unit
// has been disbursed and no payment request is still open. The caller must
// hold the escrow row lock and pass the locked row.
func CompleteIfDrained(ctx context.Context, tx repo.Tx, esc models.Escrow) (bool, error) {
	if esc.Status != models.EscrowActive || esc.RemainingMinor != 0 {
		return false, nil
	}
	open, err := tx.HasOpenPayments(ctx, esc.ID)
	if err != nil || open {
		return false, err
	}
	if err := tx.SetEscrowStatus(ctx, esc.ID, models.EscrowCompleted); err != nil {
		return false, err
	}
	return true, tx.InsertAudit(ctx, models.AuditLog{
		EntityType: "escrow",
		EntityID:   &esc.ID,
		Action:     "completed",
		Details:    map[string]any{"spent_minor": esc.SpentMinor},
	})
}

// CheckIntegrity audits every balance invariant; runnable at any time.
func (e *Engine) CheckIntegrity(ctx context.Context) ([]string, error) {
	return e.store.IntegrityViolations(ctx)
}
