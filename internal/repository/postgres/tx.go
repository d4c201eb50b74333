package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesabridge/escrow-backend/internal/models"
)

// txView implements repository.Tx over one open pgx transaction. Every
// Lock* read uses FOR UPDATE so two transactions can never both pass the
// validate step on the same row.
type txView struct{ tx pgx.Tx }

func (t *txView) LockEscrow(ctx context.Context, id string) (models.Escrow, error) {
	return scanEscrow(t.tx.QueryRow(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id=$1 FOR UPDATE`, id))
}

func (t *txView) LockCategory(ctx context.Context, id string) (models.Category, error) {
	return scanCategory(t.tx.QueryRow(ctx, `SELECT `+categoryCols+` FROM categories WHERE id=$1 FOR UPDATE`, id))
}

func (t *txView) EnsureDailySpend(ctx context.Context, recipientID, day string, limitMinor int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO daily_spend (recipient_user_id, day, limit_minor, spent_minor, remaining_minor)
		 VALUES ($1, $2, $3, 0, $3)
		 ON CONFLICT (recipient_user_id, day) DO NOTHING`,
		recipientID, day, limitMinor)
	return err
}

func (t *txView) LockDailySpend(ctx context.Context, recipientID, day string) (models.DailySpend, error) {
	return scanDailySpend(t.tx.QueryRow(ctx,
		`SELECT `+dailyCols+` FROM daily_spend WHERE recipient_user_id=$1 AND day=$2 FOR UPDATE`,
		recipientID, day))
}

func (t *txView) LockPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payment_requests WHERE id=$1 FOR UPDATE`, id))
}

func (t *txView) GetPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payment_requests WHERE id=$1`, id))
}

func (t *txView) HasOpenPayments(ctx context.Context, escrowID string) (bool, error) {
	var open bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_requests
		  WHERE escrow_id=$1 AND status IN ('pending_approval','approved'))`, escrowID).Scan(&open)
	return open, err
}

func (t *txView) LockFundingIntentByCode(ctx context.Context, code string) (models.FundingIntent, error) {
	return scanIntent(t.tx.QueryRow(ctx, `SELECT `+intentCols+` FROM funding_intents WHERE external_code=$1 FOR UPDATE`, code))
}

func (t *txView) LockOnrampByCode(ctx context.Context, code string) (models.OnrampTransaction, error) {
	var o models.OnrampTransaction
	err := t.tx.QueryRow(ctx,
		`SELECT id, escrow_id, external_code, expected_minor, status, fail_reason, created_at, updated_at
		   FROM onramp_transactions WHERE external_code=$1 FOR UPDATE`, code).
		Scan(&o.ID, &o.EscrowID, &o.ExternalCode, &o.ExpectedMinor, &o.Status, &o.FailReason,
			&o.CreatedAt, &o.UpdatedAt)
	return o, notFound(err)
}

func (t *txView) LockOfframpByCode(ctx context.Context, code string) (models.OfframpTransaction, error) {
	return scanOfframp(t.tx.QueryRow(ctx,
		`SELECT `+offrampCols+` FROM offramp_transactions WHERE external_code=$1 FOR UPDATE`, code))
}

// ---------------- balance deltas ----------------

func (t *txView) ApplyEscrowDelta(ctx context.Context, id string, remainingDelta, spentDelta int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE escrows SET remaining_minor = remaining_minor + $2,
		        spent_minor = spent_minor + $3, updated_at = now() WHERE id=$1`,
		id, remainingDelta, spentDelta)
	return err
}

func (t *txView) ApplyCategoryDelta(ctx context.Context, id string, remainingDelta, spentDelta int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE categories SET remaining_minor = remaining_minor + $2,
		        spent_minor = spent_minor + $3 WHERE id=$1`,
		id, remainingDelta, spentDelta)
	return err
}

func (t *txView) ApplyDailySpendDelta(ctx context.Context, recipientID, day string, spentDelta int64, txDelta int) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE daily_spend SET spent_minor = spent_minor + $3,
		        remaining_minor = remaining_minor - $3, tx_count = tx_count + $4, updated_at = now()
		  WHERE recipient_user_id=$1 AND day=$2`,
		recipientID, day, spentDelta, txDelta)
	return err
}

// ---------------- inserts ----------------

func (t *txView) InsertEscrow(ctx context.Context, e models.Escrow) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO escrows (id, sender_user_id, recipient_user_id, total_minor, remaining_minor,
		 spent_minor, status, chain_status, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.SenderUserID, e.RecipientUserID, e.TotalMinor, e.RemainingMinor,
		e.SpentMinor, e.Status, e.ChainStatus, e.ExpiresAt)
	return err
}

func (t *txView) InsertCategory(ctx context.Context, c models.Category) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO categories (id, escrow_id, name, allocated_minor, spent_minor, remaining_minor, cap_exempt)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.EscrowID, c.Name, c.AllocatedMinor, c.SpentMinor, c.RemainingMinor, c.CapExempt)
	return err
}

func (t *txView) InsertPaymentRequest(ctx context.Context, pr models.PaymentRequest) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payment_requests (id, escrow_id, category_id, recipient_user_id, amount_minor,
		 merchant_cipher, merchant_index, payout_method, payout_address, status, chain_status, cap_exempt)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		pr.ID, pr.EscrowID, pr.CategoryID, pr.RecipientUserID, pr.AmountMinor,
		pr.MerchantCipher, pr.MerchantIndex, pr.PayoutMethod, pr.PayoutAddress,
		pr.Status, pr.ChainStatus, pr.CapExempt)
	return err
}

func (t *txView) InsertOnramp(ctx context.Context, o models.OnrampTransaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO onramp_transactions (id, escrow_id, external_code, expected_minor, status)
		 VALUES ($1,$2,$3,$4,$5)`,
		o.ID, o.EscrowID, o.ExternalCode, o.ExpectedMinor, o.Status)
	return err
}

func (t *txView) InsertOfframp(ctx context.Context, o models.OfframpTransaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO offramp_transactions (id, payment_request_id, external_code, amount_minor, status)
		 VALUES ($1,$2,$3,$4,$5)`,
		o.ID, o.PaymentRequestID, o.ExternalCode, o.AmountMinor, o.Status)
	return err
}

func (t *txView) InsertSettlement(ctx context.Context, s models.Settlement) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO settlements (id, type, escrow_id, payment_request_id, amount_minor)
		 VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.Type, s.EscrowID, s.PaymentRequestID, s.AmountMinor)
	return err
}

func (t *txView) InsertAudit(ctx context.Context, l models.AuditLog) error {
	var det []byte
	if l.Details != nil {
		var err error
		if det, err = json.Marshal(l.Details); err != nil {
			return err
		}
	}
	if l.Outcome == "" {
		l.Outcome = "ok"
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, entity_type, entity_id, action, details, outcome)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		l.ActorID, l.EntityType, l.EntityID, l.Action, det, l.Outcome)
	return err
}

// ---------------- status flips ----------------

func (t *txView) SetEscrowStatus(ctx context.Context, id string, st models.EscrowStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE escrows SET status=$2, updated_at=now() WHERE id=$1`, id, st)
	return err
}

func (t *txView) SetEscrowRemaining(ctx context.Context, id string, remainingMinor int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE escrows SET remaining_minor=$2, updated_at=now() WHERE id=$1`, id, remainingMinor)
	return err
}

func (t *txView) SetEscrowChain(ctx context.Context, id string, st models.ChainStatus, chainEscrowID, txHash *string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE escrows SET chain_status=$2,
		        chain_escrow_id=COALESCE($3, chain_escrow_id),
		        chain_tx_hash=COALESCE($4, chain_tx_hash), updated_at=now() WHERE id=$1`,
		id, st, chainEscrowID, txHash)
	return err
}

func (t *txView) SetPaymentStatus(ctx context.Context, id string, st models.PaymentStatus, approvedBy, failReason *string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payment_requests SET status=$2,
		        approved_by=COALESCE($3, approved_by),
		        fail_reason=COALESCE($4, fail_reason), updated_at=now() WHERE id=$1`,
		id, st, approvedBy, failReason)
	return err
}

func (t *txView) SetPaymentChain(ctx context.Context, id string, st models.ChainStatus, txHash *string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payment_requests SET chain_status=$2,
		        chain_tx_hash=COALESCE($3, chain_tx_hash), updated_at=now() WHERE id=$1`,
		id, st, txHash)
	return err
}

func (t *txView) ConfirmFundingIntent(ctx context.Context, id, escrowID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE funding_intents SET status='confirmed', escrow_id=$2, updated_at=now() WHERE id=$1`,
		id, escrowID)
	return err
}

func (t *txView) FailFundingIntent(ctx context.Context, id, reason string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE funding_intents SET status='failed', fail_reason=$2, updated_at=now() WHERE id=$1`,
		id, reason)
	return err
}

func (t *txView) SetOnrampStatus(ctx context.Context, id string, st models.FundingStatus, failReason *string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE onramp_transactions SET status=$2, fail_reason=COALESCE($3, fail_reason), updated_at=now() WHERE id=$1`,
		id, st, failReason)
	return err
}

func (t *txView) SetOfframpStatus(ctx context.Context, id string, st models.FundingStatus, receiptRef *string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE offramp_transactions SET status=$2, receipt_ref=COALESCE($3, receipt_ref), updated_at=now() WHERE id=$1`,
		id, st, receiptRef)
	return err
}
