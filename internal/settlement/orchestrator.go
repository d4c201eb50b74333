// Package settlement performs the external side effects implied by ledger
// state transitions: on-chain escrow creation, payment release, refunds, and
// mobile-money payouts. Outcomes are reported back into the store; retries
// exhausted means the row is flagged failed and left for an operator, never
// retried blindly.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/ledger"
	"github.com/pesabridge/escrow-backend/internal/metrics"
	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/rails"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
	"github.com/pesabridge/escrow-backend/internal/worker"
)

type Options struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	RailTimeout time.Duration
}

type Orchestrator struct {
	store repo.Store
	chain rails.Chain
	momo  rails.MobileMoney
	log   *slog.Logger
	opts  Options

	activation *worker.Queue
	payment    *worker.Queue
	refund     *worker.Queue
}

func NewOrchestrator(store repo.Store, chain rails.Chain, momo rails.MobileMoney, opts Options, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{store: store, chain: chain, momo: momo, log: log, opts: opts}
	o.activation = worker.NewQueue("escrow_activation", opts.Concurrency, opts.MaxAttempts, opts.Backoff, o.failActivation, log)
	o.payment = worker.NewQueue("payment_confirmation", opts.Concurrency, opts.MaxAttempts, opts.Backoff, o.failPayment, log)
	o.refund = worker.NewQueue("refund", opts.Concurrency, opts.MaxAttempts, opts.Backoff, o.failRefund, log)
	return o
}

func (o *Orchestrator) Stop() {
	o.activation.Stop()
	o.payment.Stop()
	o.refund.Stop()
}

func (o *Orchestrator) railCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.RailTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.RailTimeout)
}

// ---------------- escrow activation ----------------

func (o *Orchestrator) EnqueueActivation(escrowID string) {
	o.activation.Submit(escrowID, func(ctx context.Context) error {
		return o.activateEscrow(ctx, escrowID)
	})
	metrics.QueueDepth.WithLabelValues("escrow_activation").Set(float64(o.activation.Len()))
}

func (o *Orchestrator) activateEscrow(ctx context.Context, escrowID string) error {
	esc, err := o.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("load escrow: %w", err)
	}
	if esc.ChainStatus == models.ChainConfirmed {
		return nil // a coalesced retry raced a prior success
	}

	rctx, cancel := o.railCtx(ctx)
	res, err := o.chain.CreateEscrow(rctx, esc.ID, esc.TotalMinor)
	cancel()
	if err != nil {
		metrics.SettlementAttemptsTotal.WithLabelValues("escrow_activation", "retry").Inc()
		return fmt.Errorf("%w: create escrow on chain: %v", apperr.ErrRailUnavailable, err)
	}

	err = o.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		if err := tx.SetEscrowChain(ctx, esc.ID, models.ChainConfirmed, &res.ChainEscrowID, &res.TxHash); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditLog{
			EntityType: "escrow",
			EntityID:   &esc.ID,
			Action:     "chain_activated",
			Details:    map[string]any{"chain_escrow_id": res.ChainEscrowID, "tx_hash": res.TxHash},
		})
	})
	if err != nil {
		return err
	}
	metrics.SettlementAttemptsTotal.WithLabelValues("escrow_activation", "ok").Inc()
	o.log.Info("escrow activated on chain", "escrow_id", esc.ID, "chain_escrow_id", res.ChainEscrowID)
	return nil
}

func (o *Orchestrator) failActivation(ctx context.Context, escrowID string, cause error) {
	metrics.SettlementAttemptsTotal.WithLabelValues("escrow_activation", "failed").Inc()
	o.markChainFailed(ctx, "escrow", escrowID, cause, func(ctx context.Context, tx repo.Tx) error {
		return tx.SetEscrowChain(ctx, escrowID, models.ChainFailed, nil, nil)
	})
}

// ---------------- payment confirmation ----------------

func (o *Orchestrator) EnqueuePaymentConfirmation(paymentRequestID string) {
	o.payment.Submit(paymentRequestID, func(ctx context.Context) error {
		return o.confirmPayment(ctx, paymentRequestID)
	})
	metrics.QueueDepth.WithLabelValues("payment_confirmation").Set(float64(o.payment.Len()))
}

func (o *Orchestrator) confirmPayment(ctx context.Context, paymentRequestID string) error {
	pr, err := o.store.GetPaymentRequest(ctx, paymentRequestID)
	if err != nil {
		return fmt.Errorf("load payment request: %w", err)
	}
	if pr.Status != models.PaymentApproved {
		return fmt.Errorf("%w: payment request is %s", apperr.ErrInvalidStateTransition, pr.Status)
	}

	var txHash string
	if pr.ChainStatus == models.ChainConfirmed && pr.ChainTxHash != nil {
		// On-chain leg already done; a crash before the payout leg
		// finished brought us back here.
		txHash = *pr.ChainTxHash
	} else {
		esc, err := o.store.GetEscrow(ctx, pr.EscrowID)
		if err != nil {
			return fmt.Errorf("load escrow: %w", err)
		}
		if esc.ChainEscrowID == nil {
			return fmt.Errorf("%w: escrow %s has no chain leg", apperr.ErrInvalidStateTransition, esc.ID)
		}

		// Idempotent pre-flight: if a prior attempt succeeded but we
		// crashed before recording it, do not release twice.
		rctx, cancel := o.railCtx(ctx)
		used, err := o.chain.IsPaymentIDUsed(rctx, pr.ID)
		cancel()
		if err != nil {
			metrics.SettlementAttemptsTotal.WithLabelValues("payment_confirmation", "retry").Inc()
			return fmt.Errorf("%w: payment-id lookup: %v", apperr.ErrRailUnavailable, err)
		}
		if used {
			// The release landed on a prior attempt and the hash was
			// lost with the crash; record the leg as done so the
			// request does not complete with a pending chain status.
			err := o.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
				return tx.SetPaymentChain(ctx, pr.ID, models.ChainConfirmed, nil)
			})
			if err != nil {
				return fmt.Errorf("record chain leg: %w", err)
			}
		} else {
			rctx, cancel := o.railCtx(ctx)
			txHash, err = o.chain.ReleasePayment(rctx, *esc.ChainEscrowID, pr.ID, pr.AmountMinor)
			cancel()
			if err != nil {
				metrics.SettlementAttemptsTotal.WithLabelValues("payment_confirmation", "retry").Inc()
				return fmt.Errorf("%w: release payment: %v", apperr.ErrRailUnavailable, err)
			}
		}
	}

	switch pr.PayoutMethod {
	case models.PayoutMobileMoney:
		return o.settleMobileMoney(ctx, pr, txHash)
	default:
		return o.settleStablecoin(ctx, pr, txHash)
	}
}

// settleStablecoin finalizes a stablecoin payout: the release already moved
// the funds, so recording it completes the request.
func (o *Orchestrator) settleStablecoin(ctx context.Context, pr models.PaymentRequest, txHash string) error {
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		// Escrow lock first, matching the ledger's lock order.
		esc, err := tx.LockEscrow(ctx, pr.EscrowID)
		if err != nil {
			return err
		}
		if txHash != "" {
			if err := tx.SetPaymentChain(ctx, pr.ID, models.ChainConfirmed, &txHash); err != nil {
				return err
			}
		}
		if err := tx.SetPaymentStatus(ctx, pr.ID, models.PaymentCompleted, nil, nil); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, models.AuditLog{
			EntityType: "payment_request",
			EntityID:   &pr.ID,
			Action:     "settled",
			Details:    map[string]any{"method": pr.PayoutMethod, "tx_hash": txHash},
		}); err != nil {
			return err
		}
		_, err = ledger.CompleteIfDrained(ctx, tx, esc)
		return err
	})
	if err != nil {
		return err
	}
	metrics.SettlementAttemptsTotal.WithLabelValues("payment_confirmation", "ok").Inc()
	return nil
}

// settleMobileMoney starts the off-ramp leg; completion arrives later via
// the off-ramp webhook, so the request stays approved with its chain leg
// confirmed.
func (o *Orchestrator) settleMobileMoney(ctx context.Context, pr models.PaymentRequest, txHash string) error {
	if _, err := o.store.GetOfframpByPayment(ctx, pr.ID); err == nil {
		return nil // payout already initiated by a prior attempt
	}

	rctx, cancel := o.railCtx(ctx)
	code, err := o.momo.Disburse(rctx, pr.PayoutAddress, pr.AmountMinor, txHash)
	cancel()
	if err != nil {
		metrics.SettlementAttemptsTotal.WithLabelValues("payment_confirmation", "retry").Inc()
		return fmt.Errorf("%w: disburse: %v", apperr.ErrRailUnavailable, err)
	}

	err = o.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		if txHash != "" {
			if err := tx.SetPaymentChain(ctx, pr.ID, models.ChainConfirmed, &txHash); err != nil {
				return err
			}
		}
		return tx.InsertOfframp(ctx, models.OfframpTransaction{
			ID:               uuid.NewString(),
			PaymentRequestID: pr.ID,
			ExternalCode:     code,
			AmountMinor:      pr.AmountMinor,
			Status:           models.FundingPending,
		})
	})
	if err != nil {
		return err
	}
	metrics.SettlementAttemptsTotal.WithLabelValues("payment_confirmation", "ok").Inc()
	o.log.Info("off-ramp initiated", "payment_request_id", pr.ID, "external_code", code)
	return nil
}

func (o *Orchestrator) failPayment(ctx context.Context, paymentRequestID string, cause error) {
	metrics.SettlementAttemptsTotal.WithLabelValues("payment_confirmation", "failed").Inc()
	o.markChainFailed(ctx, "payment_request", paymentRequestID, cause, func(ctx context.Context, tx repo.Tx) error {
		// Status stays approved: the deduction happened at reservation and
		// must not be silently completed or reversed here.
		return tx.SetPaymentChain(ctx, paymentRequestID, models.ChainFailed, nil)
	})
}

// ---------------- refund ----------------

func (o *Orchestrator) EnqueueRefund(escrowID string) {
	o.refund.Submit(escrowID, func(ctx context.Context) error {
		return o.refundEscrow(ctx, escrowID)
	})
	metrics.QueueDepth.WithLabelValues("refund").Set(float64(o.refund.Len()))
}

func (o *Orchestrator) refundEscrow(ctx context.Context, escrowID string) error {
	esc, err := o.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("load escrow: %w", err)
	}
	if !esc.Status.Terminal() {
		return fmt.Errorf("%w: refund of non-terminal escrow", apperr.ErrInvalidStateTransition)
	}
	if esc.ChainEscrowID == nil {
		return nil // never activated on chain; nothing to refund
	}

	rctx, cancel := o.railCtx(ctx)
	state, err := o.chain.GetEscrow(rctx, *esc.ChainEscrowID)
	cancel()
	if err != nil {
		metrics.SettlementAttemptsTotal.WithLabelValues("refund", "retry").Inc()
		return fmt.Errorf("%w: chain escrow lookup: %v", apperr.ErrRailUnavailable, err)
	}
	if state.Refunded {
		return nil // prior attempt succeeded
	}

	rctx, cancel = o.railCtx(ctx)
	txHash, err := o.chain.RefundEscrow(rctx, *esc.ChainEscrowID)
	cancel()
	if err != nil {
		metrics.SettlementAttemptsTotal.WithLabelValues("refund", "retry").Inc()
		return fmt.Errorf("%w: refund escrow: %v", apperr.ErrRailUnavailable, err)
	}

	err = o.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		if err := tx.SetEscrowChain(ctx, esc.ID, models.ChainConfirmed, nil, &txHash); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditLog{
			EntityType: "escrow",
			EntityID:   &esc.ID,
			Action:     "chain_refunded",
			Details:    map[string]any{"tx_hash": txHash},
		})
	})
	if err != nil {
		return err
	}
	metrics.SettlementAttemptsTotal.WithLabelValues("refund", "ok").Inc()
	return nil
}

func (o *Orchestrator) failRefund(ctx context.Context, escrowID string, cause error) {
	metrics.SettlementAttemptsTotal.WithLabelValues("refund", "failed").Inc()
	o.markChainFailed(ctx, "escrow", escrowID, cause, func(ctx context.Context, tx repo.Tx) error {
		return tx.SetEscrowChain(ctx, escrowID, models.ChainFailed, nil, nil)
	})
}

// markChainFailed flags the row for the operator reconciliation query.
func (o *Orchestrator) markChainFailed(ctx context.Context, entity, id string, cause error, mark func(context.Context, repo.Tx) error) {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	err := o.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		if err := mark(ctx, tx); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditLog{
			EntityType: entity,
			EntityID:   &id,
			Action:     "settlement_failed",
			Details:    map[string]any{"cause": msg},
			Outcome:    "failed",
		})
	})
	if err != nil {
		o.log.Error("marking settlement failure", "entity", entity, "id", id, "err", err)
	}
	o.log.Error("settlement failed, operator review required", "entity", entity, "id", id, "cause", msg)
}
