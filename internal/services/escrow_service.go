package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/ledger"
	"github.com/pesabridge/escrow-backend/internal/models"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
	"github.com/pesabridge/escrow-backend/internal/settlement"
)

// EscrowService owns escrow lifecycle outside the deposit flow: escrow-first
// creation, reads, sender cancellation, and the expiry sweep.
type EscrowService struct {
	store     repo.Store
	users     repo.Users
	engine    *ledger.Engine
	orch      *settlement.Orchestrator
	capExempt []string
	log       *slog.Logger
}

func NewEscrowService(store repo.Store, users repo.Users, engine *ledger.Engine, orch *settlement.Orchestrator, capExempt []string, log *slog.Logger) *EscrowService {
	return &EscrowService{store: store, users: users, engine: engine, orch: orch, capExempt: capExempt, log: log}
}

type CreateEscrowInput struct {
	SenderUserID    string
	RecipientUserID string
	TotalMinor      int64
	Breakdown       []models.CategoryAllocation
	ExpiresAt       time.Time
}

// Create makes an escrow-first escrow: the row exists in pending_deposit and
// holds no spendable funds until its on-ramp leg confirms.
func (s *EscrowService) Create(ctx context.Context, in CreateEscrowInput) (models.Escrow, error) {
	if err := validateBreakdown(in.TotalMinor, in.Breakdown); err != nil {
		return models.Escrow{}, err
	}
	if !in.ExpiresAt.After(time.Now()) {
		return models.Escrow{}, fmt.Errorf("%w: expiry must be in the future", apperr.ErrInvalidArgument)
	}
	if _, err := s.users.GetByID(ctx, in.RecipientUserID); err != nil {
		return models.Escrow{}, fmt.Errorf("recipient: %w", err)
	}

	now := time.Now()
	e := models.Escrow{
		ID:              uuid.NewString(),
		SenderUserID:    in.SenderUserID,
		RecipientUserID: in.RecipientUserID,
		TotalMinor:      in.TotalMinor,
		RemainingMinor:  in.TotalMinor,
		Status:          models.EscrowPendingDeposit,
		ChainStatus:     models.ChainPending,
		ExpiresAt:       in.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		if err := materializeEscrow(ctx, tx, e, in.Breakdown, s.capExempt); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, models.AuditLog{
			ActorID:    &in.SenderUserID,
			EntityType: "escrow",
			EntityID:   &e.ID,
			Action:     "created",
			Details:    map[string]any{"total_minor": in.TotalMinor, "categories": len(in.Breakdown)},
		})
	})
	if err != nil {
		return models.Escrow{}, err
	}
	return e, nil
}

type EscrowView struct {
	Escrow     models.Escrow     `json:"escrow"`
	Categories []models.Category `json:"categories"`
}

// Get returns an escrow with its categories, visible only to its sender, its
// recipient, or an admin.
func (s *EscrowService) Get(ctx context.Context, escrowID, actorID string, admin bool) (EscrowView, error) {
	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return EscrowView{}, err
	}
	if !admin && actorID != esc.SenderUserID && actorID != esc.RecipientUserID {
		return EscrowView{}, apperr.ErrForbidden
	}
	cats, err := s.store.ListCategories(ctx, escrowID)
	if err != nil {
		return EscrowView{}, err
	}
	return EscrowView{Escrow: esc, Categories: cats}, nil
}

// Cancel sweeps whatever remains, marks the escrow cancelled, and queues the
// on-chain refund. Only the sender (or an admin) may cancel.
func (s *EscrowService) Cancel(ctx context.Context, escrowID, actorID string, admin bool) (int64, error) {
	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	if !admin && esc.SenderUserID != actorID {
		return 0, fmt.Errorf("%w: only the sender may cancel", apperr.ErrForbidden)
	}
	swept, err := s.engine.SweepRemaining(ctx, escrowID, models.EscrowCancelled, &actorID)
	if err != nil {
		return 0, err
	}
	s.orch.EnqueueRefund(escrowID)
	s.log.Info("escrow cancelled", "escrow_id", escrowID, "swept_minor", swept, "actor", actorID)
	return swept, nil
}

// SweepExpired terminates every active escrow past its expiry and queues the
// refunds. Returns how many were swept.
func (s *EscrowService) SweepExpired(ctx context.Context, now time.Time) int {
	ids, err := s.store.ListExpiredActiveEscrows(ctx, now, 100)
	if err != nil {
		s.log.Error("listing expired escrows", "err", err)
		return 0
	}
	n := 0
	for _, id := range ids {
		swept, err := s.engine.SweepRemaining(ctx, id, models.EscrowExpired, nil)
		if err != nil {
			// Another actor may have terminated it since the list; expected.
			s.log.Warn("expiry sweep skipped", "escrow_id", id, "err", err)
			continue
		}
		s.orch.EnqueueRefund(id)
		s.log.Info("escrow expired", "escrow_id", id, "swept_minor", swept)
		n++
	}
	return n
}

// RunExpirySweeper blocks, sweeping on the given interval until ctx ends.
func (s *EscrowService) RunExpirySweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.SweepExpired(ctx, now)
		}
	}
}
