package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/crypto"
	"github.com/pesabridge/escrow-backend/internal/ledger"
	"github.com/pesabridge/escrow-backend/internal/metrics"
	"github.com/pesabridge/escrow-backend/internal/models"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
	"github.com/pesabridge/escrow-backend/internal/settlement"
)

// PaymentService fronts the ledger engine for payment requests and finalizes
// mobile-money payouts from the off-ramp webhook.
type PaymentService struct {
	store  repo.Store
	engine *ledger.Engine
	orch   *settlement.Orchestrator
	cipher *crypto.Cipher
	log    *slog.Logger
}

func NewPaymentService(store repo.Store, engine *ledger.Engine, orch *settlement.Orchestrator, cipher *crypto.Cipher, log *slog.Logger) *PaymentService {
	return &PaymentService{store: store, engine: engine, orch: orch, cipher: cipher, log: log}
}

type RequestPaymentInput struct {
	RecipientUserID string
	EscrowID        string
	CategoryID      string
	AmountMinor     int64
	Merchant        string
	PayoutMethod    models.PayoutMethod
	PayoutAddress   string
}

type RequestPaymentResult struct {
	PaymentRequestID    string `json:"payment_request_id"`
	CapExempt           bool   `json:"cap_exempt"`
	RemainingDailyMinor int64  `json:"remaining_daily_minor"`
}

// Request reserves funds and creates a pending payment request. The merchant
// identity goes in encrypted, with a blind index for equality lookups.
func (s *PaymentService) Request(ctx context.Context, in RequestPaymentInput) (RequestPaymentResult, error) {
	merchant := strings.TrimSpace(in.Merchant)
	if merchant == "" {
		return RequestPaymentResult{}, fmt.Errorf("%w: merchant is required", apperr.ErrInvalidArgument)
	}
	switch in.PayoutMethod {
	case models.PayoutStablecoin, models.PayoutMobileMoney:
	default:
		return RequestPaymentResult{}, fmt.Errorf("%w: unknown payout method %q", apperr.ErrInvalidArgument, in.PayoutMethod)
	}
	if strings.TrimSpace(in.PayoutAddress) == "" {
		return RequestPaymentResult{}, fmt.Errorf("%w: payout address is required", apperr.ErrInvalidArgument)
	}

	cipherText, err := s.cipher.Encrypt(merchant)
	if err != nil {
		return RequestPaymentResult{}, fmt.Errorf("encrypt merchant: %w", err)
	}
	res, err := s.engine.ReserveAndDeduct(ctx, ledger.ReserveParams{
		EscrowID:        in.EscrowID,
		CategoryID:      in.CategoryID,
		RecipientUserID: in.RecipientUserID,
		AmountMinor:     in.AmountMinor,
		MerchantCipher:  cipherText,
		MerchantIndex:   s.cipher.BlindIndex(strings.ToLower(merchant)),
		PayoutMethod:    in.PayoutMethod,
		PayoutAddress:   strings.TrimSpace(in.PayoutAddress),
	})
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues(reserveOutcome(err)).Inc()
		return RequestPaymentResult{}, err
	}
	metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	return RequestPaymentResult{
		PaymentRequestID:    res.PaymentRequestID,
		CapExempt:           res.CapExempt,
		RemainingDailyMinor: res.RemainingDailyMinor,
	}, nil
}

func reserveOutcome(err error) string {
	switch {
	case errors.Is(err, apperr.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, apperr.ErrDailyLimitExceeded):
		return "daily_limit"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

// Approve flips the request to approved and queues settlement. The funds were
// already reserved at request time, so approval moves no balances.
func (s *PaymentService) Approve(ctx context.Context, paymentRequestID, approverID string, admin bool) error {
	if err := s.engine.Approve(ctx, paymentRequestID, approverID, admin); err != nil {
		return err
	}
	s.orch.EnqueuePaymentConfirmation(paymentRequestID)
	s.log.Info("payment request approved", "payment_request_id", paymentRequestID, "approver", approverID)
	return nil
}

// Reject reverses the reservation in full and closes the request.
func (s *PaymentService) Reject(ctx context.Context, paymentRequestID, actorID string, admin bool, reason string) error {
	return s.engine.Reject(ctx, paymentRequestID, actorID, admin, reason)
}

func (s *PaymentService) Get(ctx context.Context, paymentRequestID, actorID string, admin bool) (models.PaymentRequest, error) {
	pr, err := s.store.GetPaymentRequest(ctx, paymentRequestID)
	if err != nil {
		return models.PaymentRequest{}, err
	}
	if !admin && actorID != pr.RecipientUserID {
		esc, err := s.store.GetEscrow(ctx, pr.EscrowID)
		if err != nil {
			return models.PaymentRequest{}, err
		}
		if actorID != esc.SenderUserID {
			return models.PaymentRequest{}, apperr.ErrForbidden
		}
	}
	return pr, nil
}

func (s *PaymentService) ListForEscrow(ctx context.Context, escrowID, actorID string, admin bool) ([]models.PaymentRequest, error) {
	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !admin && actorID != esc.SenderUserID && actorID != esc.RecipientUserID {
		return nil, apperr.ErrForbidden
	}
	return s.store.ListPaymentRequests(ctx, escrowID)
}

// FinalizeOfframp applies an off-ramp completion webhook. Success completes
// the payment request; failure flags the payout row for operator
// reconciliation and leaves the request approved.
func (s *PaymentService) FinalizeOfframp(ctx context.Context, externalCode string, success bool, receiptRef string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		off, err := tx.LockOfframpByCode(ctx, externalCode)
		if err != nil {
			return err
		}
		if off.Status != models.FundingPending {
			return nil // replay after dedup expiry
		}

		if !success {
			if err := tx.SetOfframpStatus(ctx, off.ID, models.FundingFailed, nil); err != nil {
				return err
			}
			err := tx.InsertAudit(ctx, models.AuditLog{
				EntityType: "offramp_transaction",
				EntityID:   &off.ID,
				Action:     "payout_failed",
				Details:    map[string]any{"external_code": externalCode, "payment_request_id": off.PaymentRequestID},
				Outcome:    "failed",
			})
			if err != nil {
				return err
			}
			s.log.Warn("off-ramp payout failed", "external_code", externalCode, "payment_request_id", off.PaymentRequestID)
			return nil
		}

		// Escrow lock before the payment-request lock, matching the
		// ledger's lock order; the unlocked read only supplies the id.
		peek, err := tx.GetPaymentRequest(ctx, off.PaymentRequestID)
		if err != nil {
			return err
		}
		esc, err := tx.LockEscrow(ctx, peek.EscrowID)
		if err != nil {
			return err
		}
		pr, err := tx.LockPaymentRequest(ctx, off.PaymentRequestID)
		if err != nil {
			return err
		}
		if pr.Status != models.PaymentApproved {
			return fmt.Errorf("%w: payment request is %s", apperr.ErrInvalidStateTransition, pr.Status)
		}
		var ref *string
		if receiptRef != "" {
			ref = &receiptRef
		}
		if err := tx.SetOfframpStatus(ctx, off.ID, models.FundingConfirmed, ref); err != nil {
			return err
		}
		if err := tx.SetPaymentStatus(ctx, pr.ID, models.PaymentCompleted, nil, nil); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, models.AuditLog{
			EntityType: "payment_request",
			EntityID:   &pr.ID,
			Action:     "payout_completed",
			Details:    map[string]any{"external_code": externalCode, "receipt_ref": receiptRef},
		}); err != nil {
			return err
		}
		_, err = ledger.CompleteIfDrained(ctx, tx, esc)
		return err
	})
}
