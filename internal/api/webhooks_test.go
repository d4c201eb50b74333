package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pesabridge/escrow-backend/internal/crypto"
	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/services"
	"github.com/pesabridge/escrow-backend/internal/settlement"
	"github.com/pesabridge/escrow-backend/internal/testutil"
	"github.com/pesabridge/escrow-backend/internal/webhook"
)

type webhookEnv struct {
	store *testutil.MemStore
	h     *handlers
}

func newWebhookEnv(t *testing.T) (*webhookEnv, models.FundingIntent) {
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
	orch := settlement.NewOrchestrator(store, chain, momo, settlement.Options{
		Concurrency: 1, MaxAttempts: 3, Backoff: time.Millisecond, RailTimeout: time.Second,
	}, log)
	t.Cleanup(orch.Stop)

	funding := services.NewFundingService(store, users, momo, orch, cipher, services.FundingOptions{
		CapExemptCategories: []string{"rent"},
		RailTimeout:         time.Second,
		ReconcileAfter:      time.Minute,
	}, log)

	seed := func(name, phone string, role models.UserRole) models.User {
		enc, err := cipher.Encrypt(phone)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		u, err := users.Create(context.Background(), models.User{
			Name: name, PhoneCipher: enc, PhoneIndex: cipher.BlindIndex(phone), Role: role,
		})
		if err != nil {
			t.Fatalf("seed user: %v", err)
		}
		return u
	}
	sender := seed("Ama", "+254700000001", models.RoleSender)
	recipient := seed("Kofi", "+254700000002", models.RoleRecipient)

	fi, err := funding.DeclareIntent(context.Background(), services.DeclareIntentInput{
		SenderUserID:    sender.ID,
		RecipientUserID: recipient.ID,
		TotalMinor:      30000,
		Breakdown:       []models.CategoryAllocation{{Name: "food", AmountMinor: 30000}},
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("declare intent: %v", err)
	}

	h := &handlers{d: RouterDeps{
		Funding:  funding,
		Webhooks: webhook.NewProcessor(testutil.NewMemDedup(), log),
		Log:      log,
	}}
	return &webhookEnv{store: store, h: h}, fi
}

func postOnramp(t *testing.T, e *webhookEnv, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/onramp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.h.onrampWebhook(w, req)
	return w
}

func TestOnrampWebhookAcceptsLowercaseStatus(t *testing.T) {
	// The funding provider sends "success"/"failed"; the payout provider
	// sends uppercase. Both case shapes must confirm the deposit.
	e, fi := newWebhookEnv(t)

	body := fmt.Sprintf(`{"external_transaction_code":%q,"status":"success","amount_minor":30000}`, fi.ExternalCode)
	w := postOnramp(t, e, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res services.ConfirmDepositResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := e.store.GetFundingIntent(context.Background(), fi.ID)
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if got.Status != models.FundingConfirmed {
		t.Fatalf("intent status = %s, want confirmed", got.Status)
	}
}

func TestOnrampWebhookRejectsUnknownStatus(t *testing.T) {
	e, fi := newWebhookEnv(t)

	body := fmt.Sprintf(`{"external_transaction_code":%q,"status":"done","amount_minor":30000}`, fi.ExternalCode)
	if w := postOnramp(t, e, body); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	got, _ := e.store.GetFundingIntent(context.Background(), fi.ID)
	if got.Status != models.FundingPending {
		t.Fatalf("intent status = %s, want pending", got.Status)
	}
}
