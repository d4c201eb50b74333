package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/models"
)

// memTx runs inside the MemStore transaction mutex; "locking" a row is just
// reading it, since the mutex already serializes whole transactions.
type memTx struct{ s *MemStore }

// checkEscrowBalance mirrors the escrows table check: terminal rows are
// exempt, every other row must keep total = remaining + spent.
func checkEscrowBalance(e models.Escrow) error {
	if !e.Status.Terminal() && e.TotalMinor != e.RemainingMinor+e.SpentMinor {
		return fmt.Errorf("escrow %s balance check violated: %d != %d + %d",
			e.ID, e.TotalMinor, e.RemainingMinor, e.SpentMinor)
	}
	return nil
}

func (t *memTx) LockEscrow(ctx context.Context, id string) (models.Escrow, error) {
	e, ok := t.s.Escrows[id]
	if !ok {
		return e, apperr.ErrNotFound
	}
	return e, nil
}

func (t *memTx) LockCategory(ctx context.Context, id string) (models.Category, error) {
	c, ok := t.s.Categories[id]
	if !ok {
		return c, apperr.ErrNotFound
	}
	return c, nil
}

func (t *memTx) EnsureDailySpend(ctx context.Context, recipientID, day string, limitMinor int64) error {
	k := dailyKey(recipientID, day)
	if _, ok := t.s.Daily[k]; !ok {
		t.s.Daily[k] = models.DailySpend{
			RecipientUserID: recipientID,
			Day:             day,
			LimitMinor:      limitMinor,
			RemainingMinor:  limitMinor,
		}
	}
	return nil
}

func (t *memTx) LockDailySpend(ctx context.Context, recipientID, day string) (models.DailySpend, error) {
	d, ok := t.s.Daily[dailyKey(recipientID, day)]
	if !ok {
		return d, apperr.ErrNotFound
	}
	return d, nil
}

func (t *memTx) LockPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error) {
	return t.GetPaymentRequest(ctx, id)
}

func (t *memTx) GetPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error) {
	p, ok := t.s.Payments[id]
	if !ok {
		return p, apperr.ErrNotFound
	}
	return p, nil
}

func (t *memTx) HasOpenPayments(ctx context.Context, escrowID string) (bool, error) {
	for _, p := range t.s.Payments {
		if p.EscrowID == escrowID && !p.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LockFundingIntentByCode(ctx context.Context, code string) (models.FundingIntent, error) {
	for _, fi := range t.s.Intents {
		if fi.ExternalCode == code {
			return fi, nil
		}
	}
	return models.FundingIntent{}, apperr.ErrNotFound
}

func (t *memTx) LockOnrampByCode(ctx context.Context, code string) (models.OnrampTransaction, error) {
	for _, o := range t.s.Onramps {
		if o.ExternalCode == code {
			return o, nil
		}
	}
	return models.OnrampTransaction{}, apperr.ErrNotFound
}

func (t *memTx) LockOfframpByCode(ctx context.Context, code string) (models.OfframpTransaction, error) {
	for _, o := range t.s.Offramps {
		if o.ExternalCode == code {
			return o, nil
		}
	}
	return models.OfframpTransaction{}, apperr.ErrNotFound
}

func (t *memTx) ApplyEscrowDelta(ctx context.Context, id string, remainingDelta, spentDelta int64) error {
	e := t.s.Escrows[id]
	e.RemainingMinor += remainingDelta
	e.SpentMinor += spentDelta
	e.UpdatedAt = time.Now()
	if err := checkEscrowBalance(e); err != nil {
		return err
	}
	t.s.Escrows[id] = e
	return nil
}

func (t *memTx) ApplyCategoryDelta(ctx context.Context, id string, remainingDelta, spentDelta int64) error {
	c := t.s.Categories[id]
	c.RemainingMinor += remainingDelta
	c.SpentMinor += spentDelta
	t.s.Categories[id] = c
	return nil
}

func (t *memTx) ApplyDailySpendDelta(ctx context.Context, recipientID, day string, spentDelta int64, txDelta int) error {
	k := dailyKey(recipientID, day)
	d := t.s.Daily[k]
	d.SpentMinor += spentDelta
	d.RemainingMinor -= spentDelta
	d.TxCount += txDelta
	d.UpdatedAt = time.Now()
	t.s.Daily[k] = d
	return nil
}

func (t *memTx) InsertEscrow(ctx context.Context, e models.Escrow) error {
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	t.s.Escrows[e.ID] = e
	return nil
}

func (t *memTx) InsertCategory(ctx context.Context, c models.Category) error {
	c.CreatedAt = time.Now()
	t.s.Categories[c.ID] = c
	return nil
}

func (t *memTx) InsertPaymentRequest(ctx context.Context, pr models.PaymentRequest) error {
	now := time.Now()
	pr.CreatedAt, pr.UpdatedAt = now, now
	t.s.Payments[pr.ID] = pr
	return nil
}

func (t *memTx) InsertOnramp(ctx context.Context, o models.OnrampTransaction) error {
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	t.s.Onramps[o.ID] = o
	return nil
}

func (t *memTx) InsertOfframp(ctx context.Context, o models.OfframpTransaction) error {
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	t.s.Offramps[o.ID] = o
	return nil
}

func (t *memTx) InsertSettlement(ctx context.Context, s models.Settlement) error {
	s.CreatedAt = time.Now()
	t.s.Settlements = append(t.s.Settlements, s)
	return nil
}

func (t *memTx) InsertAudit(ctx context.Context, l models.AuditLog) error {
	l.CreatedAt = time.Now()
	t.s.Audits = append(t.s.Audits, l)
	return nil
}

func (t *memTx) SetEscrowStatus(ctx context.Context, id string, st models.EscrowStatus) error {
	e := t.s.Escrows[id]
	e.Status = st
	e.UpdatedAt = time.Now()
	t.s.Escrows[id] = e
	return nil
}

func (t *memTx) SetEscrowRemaining(ctx context.Context, id string, remainingMinor int64) error {
	e := t.s.Escrows[id]
	e.RemainingMinor = remainingMinor
	if err := checkEscrowBalance(e); err != nil {
		return err
	}
	t.s.Escrows[id] = e
	return nil
}

func (t *memTx) SetEscrowChain(ctx context.Context, id string, st models.ChainStatus, chainEscrowID, txHash *string) error {
	e := t.s.Escrows[id]
	e.ChainStatus = st
	if chainEscrowID != nil {
		e.ChainEscrowID = chainEscrowID
	}
	if txHash != nil {
		e.ChainTxHash = txHash
	}
	t.s.Escrows[id] = e
	return nil
}

func (t *memTx) SetPaymentStatus(ctx context.Context, id string, st models.PaymentStatus, approvedBy, failReason *string) error {
	p := t.s.Payments[id]
	p.Status = st
	if approvedBy != nil {
		p.ApprovedBy = approvedBy
	}
	if failReason != nil {
		p.FailReason = failReason
	}
	p.UpdatedAt = time.Now()
	t.s.Payments[id] = p
	return nil
}

func (t *memTx) SetPaymentChain(ctx context.Context, id string, st models.ChainStatus, txHash *string) error {
	p := t.s.Payments[id]
	p.ChainStatus = st
	if txHash != nil {
		p.ChainTxHash = txHash
	}
	t.s.Payments[id] = p
	return nil
}

func (t *memTx) ConfirmFundingIntent(ctx context.Context, id, escrowID string) error {
	fi := t.s.Intents[id]
	fi.Status = models.FundingConfirmed
	fi.EscrowID = &escrowID
	fi.UpdatedAt = time.Now()
	t.s.Intents[id] = fi
	return nil
}

func (t *memTx) FailFundingIntent(ctx context.Context, id, reason string) error {
	fi := t.s.Intents[id]
	fi.Status = models.FundingFailed
	fi.FailReason = &reason
	fi.UpdatedAt = time.Now()
	t.s.Intents[id] = fi
	return nil
}

func (t *memTx) SetOnrampStatus(ctx context.Context, id string, st models.FundingStatus, failReason *string) error {
	o := t.s.Onramps[id]
	o.Status = st
	if failReason != nil {
		o.FailReason = failReason
	}
	o.UpdatedAt = time.Now()
	t.s.Onramps[id] = o
	return nil
}

func (t *memTx) SetOfframpStatus(ctx context.Context, id string, st models.FundingStatus, receiptRef *string) error {
	o := t.s.Offramps[id]
	o.Status = st
	if receiptRef != nil {
		o.ReceiptRef = receiptRef
	}
	o.UpdatedAt = time.Now()
	t.s.Offramps[id] = o
	return nil
}
