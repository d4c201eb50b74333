package settlement

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/rails"
	"github.com/pesabridge/escrow-backend/internal/testutil"
)

func testOpts() Options {
	return Options{Concurrency: 1, MaxAttempts: 3, Backoff: time.Millisecond, RailTimeout: time.Second}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func seedApprovedPayment(store *testutil.MemStore, method models.PayoutMethod) (string, string) {
	chainID := "chain-esc-1"
	store.Escrows["esc-1"] = models.Escrow{
		ID: "esc-1", SenderUserID: "s", RecipientUserID: "r",
		TotalMinor: 50000, RemainingMinor: 40000, SpentMinor: 10000,
		Status: models.EscrowActive, ChainStatus: models.ChainConfirmed, ChainEscrowID: &chainID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	store.Payments["pr-1"] = models.PaymentRequest{
		ID: "pr-1", EscrowID: "esc-1", CategoryID: "cat-1", RecipientUserID: "r",
		AmountMinor: 10000, PayoutMethod: method, PayoutAddress: "addr",
		Status: models.PaymentApproved, ChainStatus: models.ChainPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	return "esc-1", "pr-1"
}

func TestActivationWritesChainRefs(t *testing.T) {
	store := testutil.NewMemStore()
	chain := testutil.NewFakeChain()
	store.Escrows["esc-1"] = models.Escrow{
		ID: "esc-1", TotalMinor: 50000, RemainingMinor: 50000,
		Status: models.EscrowActive, ChainStatus: models.ChainPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
	defer o.Stop()

	o.EnqueueActivation("esc-1")
	waitFor(t, func() bool {
		e, _ := store.GetEscrow(context.Background(), "esc-1")
		return e.ChainStatus == models.ChainConfirmed
	}, "activation never confirmed")

	e, _ := store.GetEscrow(context.Background(), "esc-1")
	if e.ChainEscrowID == nil || e.ChainTxHash == nil {
		t.Fatalf("chain refs not recorded: %+v", e)
	}
}

func TestActivationRetriesTransientFailures(t *testing.T) {
	store := testutil.NewMemStore()
	chain := testutil.NewFakeChain()
	chain.FailTimes["CreateEscrow"] = 2
	store.Escrows["esc-1"] = models.Escrow{
		ID: "esc-1", TotalMinor: 50000, RemainingMinor: 50000,
		Status: models.EscrowActive, ChainStatus: models.ChainPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
	defer o.Stop()

	o.EnqueueActivation("esc-1")
	waitFor(t, func() bool {
		e, _ := store.GetEscrow(context.Background(), "esc-1")
		return e.ChainStatus == models.ChainConfirmed
	}, "activation never recovered from transient failures")
}

func TestPaymentConfirmationStablecoin(t *testing.T) {
	store := testutil.NewMemStore()
	chain := testutil.NewFakeChain()
	_, prID := seedApprovedPayment(store, models.PayoutStablecoin)
	o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
	defer o.Stop()

	o.EnqueuePaymentConfirmation(prID)
	waitFor(t, func() bool {
		pr, _ := store.GetPaymentRequest(context.Background(), prID)
		return pr.Status == models.PaymentCompleted
	}, "payment never completed")

	pr, _ := store.GetPaymentRequest(context.Background(), prID)
	if pr.ChainStatus != models.ChainConfirmed || pr.ChainTxHash == nil {
		t.Errorf("chain leg not recorded: %+v", pr)
	}
	if chain.ReleaseCount() != 1 {
		t.Errorf("release calls = %d, want 1", chain.ReleaseCount())
	}
}

func TestPaymentConfirmationSkipsReleaseWhenPaymentIDUsed(t *testing.T) {
	// A retry racing a prior success must not double-spend.
	store := testutil.NewMemStore()
	chain := testutil.NewFakeChain()
	_, prID := seedApprovedPayment(store, models.PayoutStablecoin)
	chain.UsedPayments[prID] = true

	o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
	defer o.Stop()

	o.EnqueuePaymentConfirmation(prID)
	waitFor(t, func() bool {
		pr, _ := store.GetPaymentRequest(context.Background(), prID)
		return pr.Status == models.PaymentCompleted
	}, "payment never completed")

	if chain.ReleaseCount() != 0 {
		t.Errorf("release calls = %d, want 0", chain.ReleaseCount())
	}
	// The prior attempt's release really happened, so the chain leg must
	// read confirmed even though its hash is gone.
	pr, _ := store.GetPaymentRequest(context.Background(), prID)
	if pr.ChainStatus != models.ChainConfirmed {
		t.Errorf("chain status = %s, want confirmed", pr.ChainStatus)
	}
}

func TestPaymentConfirmationMobileMoneyInitiatesOfframp(t *testing.T) {
	store := testutil.NewMemStore()
	chain := testutil.NewFakeChain()
	momo := testutil.NewFakeMobileMoney()
	_, prID := seedApprovedPayment(store, models.PayoutMobileMoney)

	o := NewOrchestrator(store, chain, momo, testOpts(), slog.Default())
	defer o.Stop()

	o.EnqueuePaymentConfirmation(prID)
	waitFor(t, func() bool {
		_, err := store.GetOfframpByPayment(context.Background(), prID)
		return err == nil
	}, "off-ramp never initiated")

	// Completion belongs to the off-ramp webhook, not this job.
	pr, _ := store.GetPaymentRequest(context.Background(), prID)
	if pr.Status != models.PaymentApproved {
		t.Errorf("status = %s, want approved until off-ramp completes", pr.Status)
	}
	if pr.ChainStatus != models.ChainConfirmed {
		t.Errorf("chain status = %s, want confirmed", pr.ChainStatus)
	}
	off, _ := store.GetOfframpByPayment(context.Background(), prID)
	if off.Status != models.FundingPending || off.AmountMinor != 10000 {
		t.Errorf("off-ramp row = %+v", off)
	}
}

func TestPaymentFailureFlagsRowAndLeavesLedgerAlone(t *testing.T) {
	// Retries exhausted: the request stays approved, the row is flagged for
	// the operator, and balances keep the approval-time deduction.
	store := testutil.NewMemStore()
	chain := testutil.NewFakeChain()
	chain.FailTimes["ReleasePayment"] = 100
	escID, prID := seedApprovedPayment(store, models.PayoutStablecoin)

	o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
	defer o.Stop()

	o.EnqueuePaymentConfirmation(prID)
	waitFor(t, func() bool {
		pr, _ := store.GetPaymentRequest(context.Background(), prID)
		return pr.ChainStatus == models.ChainFailed
	}, "payment never flagged failed")

	pr, _ := store.GetPaymentRequest(context.Background(), prID)
	if pr.Status != models.PaymentApproved {
		t.Errorf("status = %s, want approved (never silently completed)", pr.Status)
	}
	esc, _ := store.GetEscrow(context.Background(), escID)
	if esc.RemainingMinor != 40000 || esc.SpentMinor != 10000 {
		t.Errorf("ledger moved on failure: remaining=%d spent=%d", esc.RemainingMinor, esc.SpentMinor)
	}

	rep, err := store.Reconciliation(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	if len(rep.FailedPayments) != 1 {
		t.Errorf("failed payments in report = %d, want 1", len(rep.FailedPayments))
	}
}

func TestRefund(t *testing.T) {
	t.Run("refunds terminal escrow once", func(t *testing.T) {
		store := testutil.NewMemStore()
		chain := testutil.NewFakeChain()
		chainID := "chain-esc-1"
		chain.Escrows[chainID] = rails.ChainEscrowState{RemainingMinor: 40000, Active: true}

		store.Escrows["esc-1"] = models.Escrow{
			ID: "esc-1", TotalMinor: 50000, SpentMinor: 50000,
			Status: models.EscrowCancelled, ChainStatus: models.ChainConfirmed, ChainEscrowID: &chainID,
			ExpiresAt: time.Now(),
		}
		o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
		defer o.Stop()

		o.EnqueueRefund("esc-1")
		waitFor(t, func() bool { return chain.RefundCount() == 1 }, "refund never called")

		// Second enqueue sees the chain already refunded and no-ops.
		o.EnqueueRefund("esc-1")
		time.Sleep(50 * time.Millisecond)
		if chain.RefundCount() != 1 {
			t.Errorf("refund calls = %d, want 1", chain.RefundCount())
		}
	})

	t.Run("never-activated escrow needs no refund", func(t *testing.T) {
		store := testutil.NewMemStore()
		chain := testutil.NewFakeChain()
		store.Escrows["esc-1"] = models.Escrow{
			ID: "esc-1", Status: models.EscrowCancelled, ChainStatus: models.ChainPending,
			ExpiresAt: time.Now(),
		}
		o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
		defer o.Stop()

		o.EnqueueRefund("esc-1")
		time.Sleep(50 * time.Millisecond)
		if chain.RefundCount() != 0 {
			t.Errorf("refund calls = %d, want 0", chain.RefundCount())
		}
	})
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	store := testutil.NewMemStore()
	chain := testutil.NewFakeChain()
	// Payment in the wrong state: permanent, must fail on first attempt.
	store.Payments["pr-1"] = models.PaymentRequest{
		ID: "pr-1", EscrowID: "esc-1", Status: models.PaymentPendingApproval,
	}
	o := NewOrchestrator(store, chain, testutil.NewFakeMobileMoney(), testOpts(), slog.Default())
	defer o.Stop()

	o.EnqueuePaymentConfirmation("pr-1")
	waitFor(t, func() bool {
		pr, _ := store.GetPaymentRequest(context.Background(), "pr-1")
		return pr.ChainStatus == models.ChainFailed
	}, "permanent failure never flagged")
}
