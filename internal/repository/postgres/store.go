package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/models"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
)

type store struct{ pool *pgxpool.Pool }

func NewStore(pool *pgxpool.Pool) repo.Store { return &store{pool} }

func (s *store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repo.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err := fn(ctx, &txView{tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}

// ---------------- plain reads ----------------

const escrowCols = `id, sender_user_id, recipient_user_id, total_minor, remaining_minor,
spent_minor, status, chain_status, chain_escrow_id, chain_tx_hash, expires_at, created_at, updated_at`

func scanEscrow(row pgx.Row) (models.Escrow, error) {
	var e models.Escrow
	err := row.Scan(&e.ID, &e.SenderUserID, &e.RecipientUserID, &e.TotalMinor, &e.RemainingMinor,
		&e.SpentMinor, &e.Status, &e.ChainStatus, &e.ChainEscrowID, &e.ChainTxHash,
		&e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	return e, notFound(err)
}

func (s *store) GetEscrow(ctx context.Context, id string) (models.Escrow, error) {
	return scanEscrow(s.pool.QueryRow(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id=$1`, id))
}

const categoryCols = `id, escrow_id, name, allocated_minor, spent_minor, remaining_minor, cap_exempt, created_at`

func scanCategory(row pgx.Row) (models.Category, error) {
	var c models.Category
	err := row.Scan(&c.ID, &c.EscrowID, &c.Name, &c.AllocatedMinor, &c.SpentMinor,
		&c.RemainingMinor, &c.CapExempt, &c.CreatedAt)
	return c, notFound(err)
}

func (s *store) GetCategory(ctx context.Context, id string) (models.Category, error) {
	return scanCategory(s.pool.QueryRow(ctx, `SELECT `+categoryCols+` FROM categories WHERE id=$1`, id))
}

func (s *store) ListCategories(ctx context.Context, escrowID string) ([]models.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+categoryCols+` FROM categories WHERE escrow_id=$1 ORDER BY name`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const paymentCols = `id, escrow_id, category_id, recipient_user_id, amount_minor, merchant_cipher,
merchant_index, payout_method, payout_address, status, chain_status, chain_tx_hash, cap_exempt,
fail_reason, approved_by, created_at, updated_at`

func scanPayment(row pgx.Row) (models.PaymentRequest, error) {
	var p models.PaymentRequest
	err := row.Scan(&p.ID, &p.EscrowID, &p.CategoryID, &p.RecipientUserID, &p.AmountMinor,
		&p.MerchantCipher, &p.MerchantIndex, &p.PayoutMethod, &p.PayoutAddress, &p.Status,
		&p.ChainStatus, &p.ChainTxHash, &p.CapExempt, &p.FailReason, &p.ApprovedBy,
		&p.CreatedAt, &p.UpdatedAt)
	return p, notFound(err)
}

func (s *store) GetPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error) {
	return scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentCols+` FROM payment_requests WHERE id=$1`, id))
}

func (s *store) ListPaymentRequests(ctx context.Context, escrowID string) ([]models.PaymentRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentCols+` FROM payment_requests WHERE escrow_id=$1 ORDER BY created_at DESC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const intentCols = `id, sender_user_id, recipient_user_id, recipient_phone_cipher, expected_minor,
breakdown, expires_at, external_code, status, escrow_id, fail_reason, created_at, updated_at`

func scanIntent(row pgx.Row) (models.FundingIntent, error) {
	var fi models.FundingIntent
	var raw []byte
	err := row.Scan(&fi.ID, &fi.SenderUserID, &fi.RecipientUserID, &fi.RecipientPhoneCipher,
		&fi.ExpectedMinor, &raw, &fi.ExpiresAt, &fi.ExternalCode, &fi.Status, &fi.EscrowID,
		&fi.FailReason, &fi.CreatedAt, &fi.UpdatedAt)
	if err != nil {
		return fi, notFound(err)
	}
	if err := json.Unmarshal(raw, &fi.Breakdown); err != nil {
		return fi, fmt.Errorf("intent breakdown: %w", err)
	}
	return fi, nil
}

func (s *store) GetFundingIntent(ctx context.Context, id string) (models.FundingIntent, error) {
	return scanIntent(s.pool.QueryRow(ctx, `SELECT `+intentCols+` FROM funding_intents WHERE id=$1`, id))
}

func (s *store) InsertFundingIntent(ctx context.Context, fi models.FundingIntent) error {
	raw, err := json.Marshal(fi.Breakdown)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO funding_intents (id, sender_user_id, recipient_user_id, recipient_phone_cipher,
		 expected_minor, breakdown, expires_at, external_code, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		fi.ID, fi.SenderUserID, fi.RecipientUserID, fi.RecipientPhoneCipher,
		fi.ExpectedMinor, raw, fi.ExpiresAt, fi.ExternalCode, fi.Status)
	return err
}

func scanDailySpend(row pgx.Row) (models.DailySpend, error) {
	var d models.DailySpend
	var day time.Time
	err := row.Scan(&d.RecipientUserID, &day, &d.LimitMinor, &d.SpentMinor, &d.RemainingMinor,
		&d.TxCount, &d.UpdatedAt)
	if err != nil {
		return d, notFound(err)
	}
	d.Day = day.Format(models.DayFormat)
	return d, nil
}

const dailyCols = `recipient_user_id, day, limit_minor, spent_minor, remaining_minor, tx_count, updated_at`

func (s *store) GetDailySpend(ctx context.Context, recipientID, day string) (models.DailySpend, error) {
	return scanDailySpend(s.pool.QueryRow(ctx,
		`SELECT `+dailyCols+` FROM daily_spend WHERE recipient_user_id=$1 AND day=$2`, recipientID, day))
}

const offrampCols = `id, payment_request_id, external_code, amount_minor, status, receipt_ref, created_at, updated_at`

func scanOfframp(row pgx.Row) (models.OfframpTransaction, error) {
	var o models.OfframpTransaction
	err := row.Scan(&o.ID, &o.PaymentRequestID, &o.ExternalCode, &o.AmountMinor, &o.Status,
		&o.ReceiptRef, &o.CreatedAt, &o.UpdatedAt)
	return o, notFound(err)
}

func (s *store) GetOfframpByPayment(ctx context.Context, paymentRequestID string) (models.OfframpTransaction, error) {
	return scanOfframp(s.pool.QueryRow(ctx,
		`SELECT `+offrampCols+` FROM offramp_transactions WHERE payment_request_id=$1 ORDER BY created_at DESC LIMIT 1`,
		paymentRequestID))
}

func (s *store) ListExpiredActiveEscrows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM escrows WHERE status='active' AND expires_at <= $1 ORDER BY expires_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IntegrityViolations audits every balance invariant in SQL. Terminal escrows
// have remaining swept to zero, so their check is total == spent + swept.
func (s *store) IntegrityViolations(ctx context.Context) ([]string, error) {
	const q = `
SELECT 'escrow ' || id || ': total != remaining + spent' FROM escrows
 WHERE status IN ('pending_deposit','active') AND total_minor <> remaining_minor + spent_minor
UNION ALL
SELECT 'escrow ' || id || ': terminal with nonzero remaining' FROM escrows
 WHERE status IN ('completed','cancelled','expired') AND remaining_minor <> 0
UNION ALL
SELECT 'escrow ' || e.id || ': total != sum(category.allocated)' FROM escrows e
 JOIN categories c ON c.escrow_id = e.id
 GROUP BY e.id, e.total_minor HAVING e.total_minor <> SUM(c.allocated_minor)
UNION ALL
SELECT 'category ' || id || ': allocated != spent + remaining' FROM categories
 WHERE allocated_minor <> spent_minor + remaining_minor
UNION ALL
SELECT 'daily_spend ' || recipient_user_id || '/' || day || ': limit != spent + remaining'
  FROM daily_spend WHERE limit_minor <> spent_minor + remaining_minor`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *store) Reconciliation(ctx context.Context, pendingBefore time.Time) (models.ReconciliationReport, error) {
	var rep models.ReconciliationReport

	rows, err := s.pool.Query(ctx, `SELECT `+escrowCols+` FROM escrows WHERE chain_status='failed'`)
	if err != nil {
		return rep, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return rep, err
		}
		rep.FailedActivations = append(rep.FailedActivations, e)
	}
	if err := rows.Err(); err != nil {
		return rep, err
	}

	prows, err := s.pool.Query(ctx, `SELECT `+paymentCols+` FROM payment_requests WHERE chain_status='failed'`)
	if err != nil {
		return rep, err
	}
	defer prows.Close()
	for prows.Next() {
		p, err := scanPayment(prows)
		if err != nil {
			return rep, err
		}
		rep.FailedPayments = append(rep.FailedPayments, p)
	}
	if err := prows.Err(); err != nil {
		return rep, err
	}

	orows, err := s.pool.Query(ctx, `SELECT `+offrampCols+` FROM offramp_transactions WHERE status='failed'`)
	if err != nil {
		return rep, err
	}
	defer orows.Close()
	for orows.Next() {
		o, err := scanOfframp(orows)
		if err != nil {
			return rep, err
		}
		rep.FailedOfframps = append(rep.FailedOfframps, o)
	}
	if err := orows.Err(); err != nil {
		return rep, err
	}

	irows, err := s.pool.Query(ctx,
		`SELECT `+intentCols+` FROM funding_intents WHERE status='pending' AND created_at < $1`, pendingBefore)
	if err != nil {
		return rep, err
	}
	defer irows.Close()
	for irows.Next() {
		fi, err := scanIntent(irows)
		if err != nil {
			return rep, err
		}
		rep.StuckIntents = append(rep.StuckIntents, fi)
	}
	return rep, irows.Err()
}
