package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pesabridge/escrow-backend/internal/auth"
	"github.com/pesabridge/escrow-backend/internal/crypto"
	"github.com/pesabridge/escrow-backend/internal/ledger"
	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/settlement"
	"github.com/pesabridge/escrow-backend/internal/testutil"
)

type env struct {
	store  *testutil.MemStore
	users  *testutil.MemUsers
	momo   *testutil.FakeMobileMoney
	chain  *testutil.FakeChain
	cipher *crypto.Cipher
	orch   *settlement.Orchestrator

	funding  *FundingService
	escrows  *EscrowService
	payments *PaymentService
	accounts *UserService
}

type memAudits struct{}

func (memAudits) Create(ctx context.Context, l models.AuditLog) error { return nil }

func newEnv(t *testing.T) *env {
	t.Helper()
	cipher, err := crypto.New("test-master-key")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	log := slog.Default()
	store := testutil.NewMemStore()
	users := testutil.NewMemUsers()
	momo := testutil.NewFakeMobileMoney()
	chain := testutil.NewFakeChain()
	engine := ledger.NewEngine(store, 50000, log)
	orch := settlement.NewOrchestrator(store, chain, momo, settlement.Options{
		Concurrency: 1, MaxAttempts: 3, Backoff: time.Millisecond, RailTimeout: time.Second,
	}, log)
	t.Cleanup(orch.Stop)

	exempt := []string{"rent", "education"}
	tokens := auth.NewTokenManager("test-access", "test-refresh", "escrow-test")
	return &env{
		store: store, users: users, momo: momo, chain: chain, cipher: cipher, orch: orch,
		funding: NewFundingService(store, users, momo, orch, cipher, FundingOptions{
			CapExemptCategories: exempt,
			RailTimeout:         time.Second,
			ReconcileAfter:      time.Minute,
		}, log),
		escrows:  NewEscrowService(store, users, engine, orch, exempt, log),
		payments: NewPaymentService(store, engine, orch, cipher, log),
		accounts: NewUserService(users, memAudits{}, cipher, tokens, log),
	}
}

func (e *env) register(t *testing.T, name, phone string, role models.UserRole) models.User {
	t.Helper()
	u, err := e.accounts.Register(context.Background(), RegisterInput{Name: name, Phone: phone, Role: role})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return u
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

func breakdown(pairs ...any) []models.CategoryAllocation {
	var out []models.CategoryAllocation
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, models.CategoryAllocation{
			Name:        pairs[i].(string),
			AmountMinor: int64(pairs[i+1].(int)),
		})
	}
	return out
}
