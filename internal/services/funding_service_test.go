package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/rails"
)

func TestDeclareIntentValidation(t *testing.T) {
	e := newEnv(t)
	sender := e.register(t, "Amina", "+254700000001", models.RoleSender)
	recipient := e.register(t, "Brian", "+254700000002", models.RoleRecipient)
	future := time.Now().Add(24 * time.Hour)

	tests := []struct {
		name string
		in   DeclareIntentInput
	}{
		{"sum mismatch", DeclareIntentInput{
			SenderUserID: sender.ID, RecipientUserID: recipient.ID,
			TotalMinor: 50000, Breakdown: breakdown("food", 10000), ExpiresAt: future,
		}},
		{"empty breakdown", DeclareIntentInput{
			SenderUserID: sender.ID, RecipientUserID: recipient.ID,
			TotalMinor: 50000, ExpiresAt: future,
		}},
		{"duplicate category", DeclareIntentInput{
			SenderUserID: sender.ID, RecipientUserID: recipient.ID,
			TotalMinor: 50000, Breakdown: breakdown("food", 25000, "Food", 25000), ExpiresAt: future,
		}},
		{"non-positive allocation", DeclareIntentInput{
			SenderUserID: sender.ID, RecipientUserID: recipient.ID,
			TotalMinor: 50000, Breakdown: breakdown("food", 50000, "water", 0), ExpiresAt: future,
		}},
		{"expiry in the past", DeclareIntentInput{
			SenderUserID: sender.ID, RecipientUserID: recipient.ID,
			TotalMinor: 50000, Breakdown: breakdown("food", 50000), ExpiresAt: time.Now().Add(-time.Hour),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.funding.DeclareIntent(context.Background(), tc.in); err == nil {
				t.Fatal("expected validation error")
			}
			if len(e.momo.OnRampCalls) != 0 {
				t.Fatal("on-ramp must not be charged on validation failure")
			}
		})
	}
}

func TestIntentFirstFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sender := e.register(t, "Amina", "+254700000001", models.RoleSender)
	recipient := e.register(t, "Brian", "+254700000002", models.RoleRecipient)

	fi, err := e.funding.DeclareIntent(ctx, DeclareIntentInput{
		SenderUserID:    sender.ID,
		RecipientUserID: recipient.ID,
		TotalMinor:      50000,
		Breakdown:       breakdown("electricity", 30000, "rent", 20000),
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("declare intent: %v", err)
	}
	if fi.Status != models.FundingPending || fi.ExternalCode == "" {
		t.Fatalf("intent = %+v", fi)
	}
	if len(e.momo.OnRampCalls) != 1 || e.momo.OnRampCalls[0] != 50000 {
		t.Fatalf("on-ramp calls = %v", e.momo.OnRampCalls)
	}

	res, err := e.funding.ConfirmDeposit(ctx, fi.ExternalCode, true, 50000)
	if err != nil {
		t.Fatalf("confirm deposit: %v", err)
	}
	if res.Status != models.FundingConfirmed || res.EscrowID == "" {
		t.Fatalf("confirm result = %+v", res)
	}

	esc, err := e.store.GetEscrow(ctx, res.EscrowID)
	if err != nil {
		t.Fatalf("escrow not materialized: %v", err)
	}
	if esc.Status != models.EscrowActive || esc.TotalMinor != 50000 || esc.RemainingMinor != 50000 {
		t.Errorf("escrow = %+v", esc)
	}
	cats, _ := e.store.ListCategories(ctx, esc.ID)
	if len(cats) != 2 {
		t.Fatalf("categories = %d, want 2", len(cats))
	}
	for _, c := range cats {
		wantExempt := c.Name == "rent"
		if c.CapExempt != wantExempt {
			t.Errorf("category %s cap_exempt = %v", c.Name, c.CapExempt)
		}
		if c.RemainingMinor != c.AllocatedMinor || c.SpentMinor != 0 {
			t.Errorf("category %s not fresh: %+v", c.Name, c)
		}
	}

	got, _ := e.store.GetFundingIntent(ctx, fi.ID)
	if got.Status != models.FundingConfirmed || got.EscrowID == nil || *got.EscrowID != esc.ID {
		t.Errorf("intent after confirm = %+v", got)
	}

	// The on-chain leg follows asynchronously.
	waitFor(t, func() bool {
		esc, _ := e.store.GetEscrow(ctx, res.EscrowID)
		return esc.ChainStatus == models.ChainConfirmed
	}, "chain activation never ran")
}

func TestConfirmDepositIsExactlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sender := e.register(t, "Amina", "+254700000001", models.RoleSender)
	recipient := e.register(t, "Brian", "+254700000002", models.RoleRecipient)

	fi, err := e.funding.DeclareIntent(ctx, DeclareIntentInput{
		SenderUserID: sender.ID, RecipientUserID: recipient.ID,
		TotalMinor: 50000, Breakdown: breakdown("food", 50000),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("declare intent: %v", err)
	}

	first, err := e.funding.ConfirmDeposit(ctx, fi.ExternalCode, true, 50000)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := e.funding.ConfirmDeposit(ctx, fi.ExternalCode, true, 50000)
	if err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if second.EscrowID != first.EscrowID || second.Status != models.FundingConfirmed {
		t.Errorf("replay result = %+v, want %+v", second, first)
	}
	waitFor(t, func() bool {
		esc, _ := e.store.GetEscrow(ctx, first.EscrowID)
		return esc.ChainStatus == models.ChainConfirmed
	}, "chain activation never ran")
	if len(e.store.Escrows) != 1 {
		t.Errorf("escrows = %d, want exactly 1", len(e.store.Escrows))
	}
}

func TestUnderfundedDepositFailsPermanently(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sender := e.register(t, "Amina", "+254700000001", models.RoleSender)
	recipient := e.register(t, "Brian", "+254700000002", models.RoleRecipient)

	fi, err := e.funding.DeclareIntent(ctx, DeclareIntentInput{
		SenderUserID: sender.ID, RecipientUserID: recipient.ID,
		TotalMinor: 50000, Breakdown: breakdown("food", 50000),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("declare intent: %v", err)
	}

	res, err := e.funding.ConfirmDeposit(ctx, fi.ExternalCode, true, 30000)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Status != models.FundingFailed || !strings.Contains(res.Reason, "underfunded") {
		t.Fatalf("result = %+v, want underfunded failure", res)
	}
	if len(e.store.Escrows) != 0 {
		t.Error("no escrow may exist for an underfunded intent")
	}
	got, _ := e.store.GetFundingIntent(ctx, fi.ID)
	if got.Status != models.FundingFailed || got.FailReason == nil {
		t.Errorf("intent = %+v", got)
	}

	// A late retry with the full amount does not resurrect the intent.
	late, err := e.funding.ConfirmDeposit(ctx, fi.ExternalCode, true, 50000)
	if err != nil {
		t.Fatalf("late confirm: %v", err)
	}
	if late.Status != models.FundingFailed || len(e.store.Escrows) != 0 {
		t.Errorf("failed intent resurrected: %+v", late)
	}
}

func TestEscrowFirstFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sender := e.register(t, "Amina", "+254700000001", models.RoleSender)
	recipient := e.register(t, "Brian", "+254700000002", models.RoleRecipient)

	esc, err := e.escrows.Create(ctx, CreateEscrowInput{
		SenderUserID: sender.ID, RecipientUserID: recipient.ID,
		TotalMinor: 40000, Breakdown: breakdown("water", 40000),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if esc.Status != models.EscrowPendingDeposit {
		t.Fatalf("status = %s, want pending_deposit", esc.Status)
	}

	t.Run("only the sender may fund", func(t *testing.T) {
		if _, err := e.funding.AttachOnramp(ctx, esc.ID, recipient.ID); !errors.Is(err, apperr.ErrForbidden) {
			t.Fatalf("err = %v, want ErrForbidden", err)
		}
	})

	txn, err := e.funding.AttachOnramp(ctx, esc.ID, sender.ID)
	if err != nil {
		t.Fatalf("attach on-ramp: %v", err)
	}
	if txn.ExpectedMinor != 40000 || txn.Status != models.FundingPending {
		t.Fatalf("on-ramp = %+v", txn)
	}

	res, err := e.funding.ConfirmDeposit(ctx, txn.ExternalCode, true, 40000)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.EscrowID != esc.ID || res.Status != models.FundingConfirmed {
		t.Fatalf("result = %+v", res)
	}
	got, _ := e.store.GetEscrow(ctx, esc.ID)
	if got.Status != models.EscrowActive {
		t.Errorf("escrow status = %s, want active", got.Status)
	}
}

func TestProviderFailureFailsDeposit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sender := e.register(t, "Amina", "+254700000001", models.RoleSender)
	recipient := e.register(t, "Brian", "+254700000002", models.RoleRecipient)

	fi, _ := e.funding.DeclareIntent(ctx, DeclareIntentInput{
		SenderUserID: sender.ID, RecipientUserID: recipient.ID,
		TotalMinor: 50000, Breakdown: breakdown("food", 50000),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	res, err := e.funding.ConfirmDeposit(ctx, fi.ExternalCode, false, 0)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Status != models.FundingFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
}

func TestPollIntentReconcilesStaleDeposit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sender := e.register(t, "Amina", "+254700000001", models.RoleSender)
	recipient := e.register(t, "Brian", "+254700000002", models.RoleRecipient)

	fi, err := e.funding.DeclareIntent(ctx, DeclareIntentInput{
		SenderUserID: sender.ID, RecipientUserID: recipient.ID,
		TotalMinor: 50000, Breakdown: breakdown("food", 50000),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("declare intent: %v", err)
	}

	t.Run("fresh pending intent is not reconciled", func(t *testing.T) {
		got, err := e.funding.PollIntent(ctx, fi.ID)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if got.Status != models.FundingPending {
			t.Fatalf("status = %s, want pending", got.Status)
		}
	})

	// Age the intent past the reconcile window and make the provider report
	// success the webhook never delivered.
	stale := e.store.Intents[fi.ID]
	stale.CreatedAt = time.Now().Add(-time.Hour)
	e.store.Intents[fi.ID] = stale
	e.momo.Statuses[fi.ExternalCode] = rails.TxnResult{
		ExternalCode: fi.ExternalCode, Status: rails.TxnSuccess, AmountMinor: 50000,
	}

	got, err := e.funding.PollIntent(ctx, fi.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got.Status != models.FundingConfirmed || got.EscrowID == nil {
		t.Fatalf("intent after reconcile = %+v", got)
	}
	if _, err := e.store.GetEscrow(ctx, *got.EscrowID); err != nil {
		t.Errorf("escrow not materialized: %v", err)
	}
}
