package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/crypto"
	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/rails"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
	"github.com/pesabridge/escrow-backend/internal/settlement"
)

// FundingService owns the deposit side: declaring funding intents, attaching
// on-ramp legs to existing escrows, and confirming deposits from provider
// webhooks or the status-poll fallback.
type FundingService struct {
	store  repo.Store
	users  repo.Users
	momo   rails.MobileMoney
	orch   *settlement.Orchestrator
	cipher *crypto.Cipher
	log    *slog.Logger

	capExempt      []string
	railTimeout    time.Duration
	reconcileAfter time.Duration
}

type FundingOptions struct {
	CapExemptCategories []string
	RailTimeout         time.Duration
	ReconcileAfter      time.Duration
}

func NewFundingService(store repo.Store, users repo.Users, momo rails.MobileMoney, orch *settlement.Orchestrator, cipher *crypto.Cipher, opts FundingOptions, log *slog.Logger) *FundingService {
	return &FundingService{
		store: store, users: users, momo: momo, orch: orch, cipher: cipher, log: log,
		capExempt:      opts.CapExemptCategories,
		railTimeout:    opts.RailTimeout,
		reconcileAfter: opts.ReconcileAfter,
	}
}

func (s *FundingService) railCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.railTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.railTimeout)
}

type DeclareIntentInput struct {
	SenderUserID    string
	RecipientUserID string
	TotalMinor      int64
	Breakdown       []models.CategoryAllocation
	ExpiresAt       time.Time
}

// DeclareIntent starts the intent-first flow: validate the plan, charge the
// sender's mobile money, and persist the intent keyed by the provider's
// transaction code. No escrow row exists until the deposit confirms.
func (s *FundingService) DeclareIntent(ctx context.Context, in DeclareIntentInput) (models.FundingIntent, error) {
	if err := validateBreakdown(in.TotalMinor, in.Breakdown); err != nil {
		return models.FundingIntent{}, err
	}
	if !in.ExpiresAt.After(time.Now()) {
		return models.FundingIntent{}, fmt.Errorf("%w: expiry must be in the future", apperr.ErrInvalidArgument)
	}
	sender, err := s.users.GetByID(ctx, in.SenderUserID)
	if err != nil {
		return models.FundingIntent{}, fmt.Errorf("sender: %w", err)
	}
	recipient, err := s.users.GetByID(ctx, in.RecipientUserID)
	if err != nil {
		return models.FundingIntent{}, fmt.Errorf("recipient: %w", err)
	}

	phone, err := s.cipher.Decrypt(sender.PhoneCipher)
	if err != nil {
		return models.FundingIntent{}, fmt.Errorf("decrypt sender phone: %w", err)
	}
	rctx, cancel := s.railCtx(ctx)
	code, err := s.momo.InitiateOnRamp(rctx, phone, in.TotalMinor)
	cancel()
	if err != nil {
		return models.FundingIntent{}, fmt.Errorf("%w: initiate on-ramp: %v", apperr.ErrRailUnavailable, err)
	}

	now := time.Now()
	fi := models.FundingIntent{
		ID:                   uuid.NewString(),
		SenderUserID:         sender.ID,
		RecipientUserID:      recipient.ID,
		RecipientPhoneCipher: recipient.PhoneCipher,
		ExpectedMinor:        in.TotalMinor,
		Breakdown:            in.Breakdown,
		ExpiresAt:            in.ExpiresAt,
		ExternalCode:         code,
		Status:               models.FundingPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.InsertFundingIntent(ctx, fi); err != nil {
		return models.FundingIntent{}, fmt.Errorf("insert funding intent: %w", err)
	}
	s.log.Info("funding intent declared", "intent_id", fi.ID, "external_code", code, "expected_minor", in.TotalMinor)
	return fi, nil
}

// AttachOnramp starts the escrow-first flow's deposit leg: the escrow row
// already exists in pending_deposit, and this charges the sender for its
// total.
func (s *FundingService) AttachOnramp(ctx context.Context, escrowID, senderUserID string) (models.OnrampTransaction, error) {
	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return models.OnrampTransaction{}, err
	}
	if esc.SenderUserID != senderUserID {
		return models.OnrampTransaction{}, fmt.Errorf("%w: only the sender may fund", apperr.ErrForbidden)
	}
	if esc.Status != models.EscrowPendingDeposit {
		return models.OnrampTransaction{}, fmt.Errorf("%w: escrow is %s", apperr.ErrInvalidStateTransition, esc.Status)
	}
	sender, err := s.users.GetByID(ctx, senderUserID)
	if err != nil {
		return models.OnrampTransaction{}, fmt.Errorf("sender: %w", err)
	}
	phone, err := s.cipher.Decrypt(sender.PhoneCipher)
	if err != nil {
		return models.OnrampTransaction{}, fmt.Errorf("decrypt sender phone: %w", err)
	}

	rctx, cancel := s.railCtx(ctx)
	code, err := s.momo.InitiateOnRamp(rctx, phone, esc.TotalMinor)
	cancel()
	if err != nil {
		return models.OnrampTransaction{}, fmt.Errorf("%w: initiate on-ramp: %v", apperr.ErrRailUnavailable, err)
	}

	now := time.Now()
	txn := models.OnrampTransaction{
		ID:            uuid.NewString(),
		EscrowID:      esc.ID,
		ExternalCode:  code,
		ExpectedMinor: esc.TotalMinor,
		Status:        models.FundingPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		return tx.InsertOnramp(ctx, txn)
	})
	if err != nil {
		return models.OnrampTransaction{}, fmt.Errorf("insert on-ramp: %w", err)
	}
	return txn, nil
}

// fundingOrigin is the deposit leg a provider code resolves to: exactly one
// of intent (intent-first) or onramp (escrow-first) is set.
type fundingOrigin struct {
	intent *models.FundingIntent
	onramp *models.OnrampTransaction
}

func (o fundingOrigin) pending() bool {
	if o.intent != nil {
		return o.intent.Status == models.FundingPending
	}
	return o.onramp.Status == models.FundingPending
}

func (o fundingOrigin) expectedMinor() int64 {
	if o.intent != nil {
		return o.intent.ExpectedMinor
	}
	return o.onramp.ExpectedMinor
}

func lockOrigin(ctx context.Context, tx repo.Tx, externalCode string) (fundingOrigin, error) {
	fi, err := tx.LockFundingIntentByCode(ctx, externalCode)
	if err == nil {
		return fundingOrigin{intent: &fi}, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return fundingOrigin{}, err
	}
	txn, err := tx.LockOnrampByCode(ctx, externalCode)
	if err != nil {
		return fundingOrigin{}, err
	}
	return fundingOrigin{onramp: &txn}, nil
}

type ConfirmDepositResult struct {
	EscrowID string
	Status   models.FundingStatus
	Reason   string
}

// ConfirmDeposit settles a deposit leg exactly once, whichever path reports
// it first (webhook or poll fallback). Both flows converge here: the row
// lock on the intent or on-ramp serializes racing confirmations, and a
// non-pending row is a no-op.
func (s *FundingService) ConfirmDeposit(ctx context.Context, externalCode string, success bool, amountMinor int64) (ConfirmDepositResult, error) {
	var res ConfirmDepositResult
	var activate string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		origin, err := lockOrigin(ctx, tx, externalCode)
		if err != nil {
			return err
		}
		if !origin.pending() {
			if origin.intent != nil {
				res = ConfirmDepositResult{Status: origin.intent.Status}
				if origin.intent.EscrowID != nil {
					res.EscrowID = *origin.intent.EscrowID
				}
			} else {
				res = ConfirmDepositResult{EscrowID: origin.onramp.EscrowID, Status: origin.onramp.Status}
			}
			return nil
		}

		if !success {
			res, err = s.failDeposit(ctx, tx, origin, "provider reported failure")
			return err
		}
		if amountMinor < origin.expectedMinor() {
			// Underfunded deposits fail permanently; the provider-side
			// refund of the partial amount is the operator's problem.
			reason := fmt.Sprintf("%s: received %d, expected %d", apperr.ErrUnderfunded, amountMinor, origin.expectedMinor())
			res, err = s.failDeposit(ctx, tx, origin, reason)
			return err
		}

		if origin.intent != nil {
			escrowID, err := s.confirmIntent(ctx, tx, *origin.intent)
			if err != nil {
				return err
			}
			res = ConfirmDepositResult{EscrowID: escrowID, Status: models.FundingConfirmed}
			activate = escrowID
			return nil
		}
		if err := s.confirmOnramp(ctx, tx, *origin.onramp); err != nil {
			return err
		}
		res = ConfirmDepositResult{EscrowID: origin.onramp.EscrowID, Status: models.FundingConfirmed}
		activate = origin.onramp.EscrowID
		return nil
	})
	if err != nil {
		return ConfirmDepositResult{}, err
	}
	if activate != "" {
		s.orch.EnqueueActivation(activate)
	}
	return res, nil
}

// confirmIntent materializes the escrow and its categories from the declared
// breakdown, active immediately; the on-chain leg follows asynchronously.
func (s *FundingService) confirmIntent(ctx context.Context, tx repo.Tx, fi models.FundingIntent) (string, error) {
	now := time.Now()
	e := models.Escrow{
		ID:              uuid.NewString(),
		SenderUserID:    fi.SenderUserID,
		RecipientUserID: fi.RecipientUserID,
		TotalMinor:      fi.ExpectedMinor,
		RemainingMinor:  fi.ExpectedMinor,
		Status:          models.EscrowActive,
		ChainStatus:     models.ChainPending,
		ExpiresAt:       fi.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := materializeEscrow(ctx, tx, e, fi.Breakdown, s.capExempt); err != nil {
		return "", err
	}
	if err := tx.ConfirmFundingIntent(ctx, fi.ID, e.ID); err != nil {
		return "", fmt.Errorf("confirm intent: %w", err)
	}
	if err := tx.InsertOnramp(ctx, models.OnrampTransaction{
		ID:            uuid.NewString(),
		EscrowID:      e.ID,
		ExternalCode:  fi.ExternalCode,
		ExpectedMinor: fi.ExpectedMinor,
		Status:        models.FundingConfirmed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return "", fmt.Errorf("record on-ramp: %w", err)
	}
	err := tx.InsertAudit(ctx, models.AuditLog{
		ActorID:    &fi.SenderUserID,
		EntityType: "escrow",
		EntityID:   &e.ID,
		Action:     "created_from_intent",
		Details:    map[string]any{"intent_id": fi.ID, "external_code": fi.ExternalCode, "total_minor": fi.ExpectedMinor},
	})
	if err != nil {
		return "", err
	}
	s.log.Info("escrow materialized from intent", "intent_id", fi.ID, "escrow_id", e.ID)
	return e.ID, nil
}

// confirmOnramp flips an escrow-first escrow from pending_deposit to active.
func (s *FundingService) confirmOnramp(ctx context.Context, tx repo.Tx, txn models.OnrampTransaction) error {
	esc, err := tx.LockEscrow(ctx, txn.EscrowID)
	if err != nil {
		return fmt.Errorf("lock escrow: %w", err)
	}
	if esc.Status != models.EscrowPendingDeposit {
		return fmt.Errorf("%w: escrow is %s", apperr.ErrInvalidStateTransition, esc.Status)
	}
	if err := tx.SetOnrampStatus(ctx, txn.ID, models.FundingConfirmed, nil); err != nil {
		return err
	}
	if err := tx.SetEscrowStatus(ctx, esc.ID, models.EscrowActive); err != nil {
		return err
	}
	return tx.InsertAudit(ctx, models.AuditLog{
		EntityType: "escrow",
		EntityID:   &esc.ID,
		Action:     "deposit_confirmed",
		Details:    map[string]any{"external_code": txn.ExternalCode},
	})
}

func (s *FundingService) failDeposit(ctx context.Context, tx repo.Tx, origin fundingOrigin, reason string) (ConfirmDepositResult, error) {
	if origin.intent != nil {
		if err := tx.FailFundingIntent(ctx, origin.intent.ID, reason); err != nil {
			return ConfirmDepositResult{}, err
		}
		err := tx.InsertAudit(ctx, models.AuditLog{
			EntityType: "funding_intent",
			EntityID:   &origin.intent.ID,
			Action:     "deposit_failed",
			Details:    map[string]any{"reason": reason, "external_code": origin.intent.ExternalCode},
			Outcome:    "failed",
		})
		if err != nil {
			return ConfirmDepositResult{}, err
		}
		s.log.Warn("funding intent failed", "intent_id", origin.intent.ID, "reason", reason)
		return ConfirmDepositResult{Status: models.FundingFailed, Reason: reason}, nil
	}

	if err := tx.SetOnrampStatus(ctx, origin.onramp.ID, models.FundingFailed, &reason); err != nil {
		return ConfirmDepositResult{}, err
	}
	err := tx.InsertAudit(ctx, models.AuditLog{
		EntityType: "onramp_transaction",
		EntityID:   &origin.onramp.ID,
		Action:     "deposit_failed",
		Details:    map[string]any{"reason": reason, "external_code": origin.onramp.ExternalCode},
		Outcome:    "failed",
	})
	if err != nil {
		return ConfirmDepositResult{}, err
	}
	s.log.Warn("on-ramp failed", "onramp_id", origin.onramp.ID, "reason", reason)
	return ConfirmDepositResult{EscrowID: origin.onramp.EscrowID, Status: models.FundingFailed, Reason: reason}, nil
}

// PollIntent returns the intent's current state. If the provider's webhook
// has gone missing, a pending intent older than the reconcile window is
// reconciled inline against the provider's status API.
func (s *FundingService) PollIntent(ctx context.Context, intentID string) (models.FundingIntent, error) {
	fi, err := s.store.GetFundingIntent(ctx, intentID)
	if err != nil {
		return models.FundingIntent{}, err
	}
	if fi.Status != models.FundingPending || time.Since(fi.CreatedAt) < s.reconcileAfter {
		return fi, nil
	}

	rctx, cancel := s.railCtx(ctx)
	res, err := s.momo.TransactionStatus(rctx, fi.ExternalCode)
	cancel()
	if err != nil {
		// The poll answer is still useful; reconciliation retries next poll.
		s.log.Warn("status reconcile failed", "intent_id", fi.ID, "err", err)
		return fi, nil
	}

	switch res.Status {
	case rails.TxnSuccess:
		if _, err := s.ConfirmDeposit(ctx, fi.ExternalCode, true, res.AmountMinor); err != nil {
			return models.FundingIntent{}, err
		}
	case rails.TxnFailed:
		if _, err := s.ConfirmDeposit(ctx, fi.ExternalCode, false, 0); err != nil {
			return models.FundingIntent{}, err
		}
	default:
		return fi, nil
	}
	return s.store.GetFundingIntent(ctx, intentID)
}
