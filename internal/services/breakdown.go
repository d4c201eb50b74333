package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/models"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
)

// validateBreakdown checks that the category allocations exactly cover the
// escrow total: positive amounts, unique non-empty names, sum == total.
func validateBreakdown(totalMinor int64, breakdown []models.CategoryAllocation) error {
	if totalMinor <= 0 {
		return fmt.Errorf("%w: total must be positive", apperr.ErrInvalidArgument)
	}
	if len(breakdown) == 0 {
		return fmt.Errorf("%w: at least one category is required", apperr.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(breakdown))
	var sum int64
	for _, a := range breakdown {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if name == "" {
			return fmt.Errorf("%w: category name is empty", apperr.ErrInvalidArgument)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate category %q", apperr.ErrInvalidArgument, name)
		}
		seen[name] = true
		if a.AmountMinor <= 0 {
			return fmt.Errorf("%w: allocation for %q must be positive", apperr.ErrInvalidArgument, name)
		}
		sum += a.AmountMinor
	}
	if sum != totalMinor {
		return fmt.Errorf("%w: allocations sum to %d, total is %d", apperr.ErrInvalidArgument, sum, totalMinor)
	}
	return nil
}

func isCapExempt(name string, exempt []string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, e := range exempt {
		if name == e {
			return true
		}
	}
	return false
}

// materializeEscrow inserts the escrow row and its categories inside the
// caller's transaction. Cap exemption is decided here, once, from the
// configured allow-list.
func materializeEscrow(ctx context.Context, tx repo.Tx, e models.Escrow, breakdown []models.CategoryAllocation, exempt []string) error {
	if err := tx.InsertEscrow(ctx, e); err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	now := time.Now()
	for _, a := range breakdown {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		c := models.Category{
			ID:             uuid.NewString(),
			EscrowID:       e.ID,
			Name:           name,
			AllocatedMinor: a.AmountMinor,
			RemainingMinor: a.AmountMinor,
			CapExempt:      isCapExempt(name, exempt),
			CreatedAt:      now,
		}
		if err := tx.InsertCategory(ctx, c); err != nil {
			return fmt.Errorf("insert category %q: %w", name, err)
		}
	}
	return nil
}
