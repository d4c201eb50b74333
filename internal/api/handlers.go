package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesabridge/escrow-backend/internal/api/httpx"
	"github.com/pesabridge/escrow-backend/internal/api/validate"
	"github.com/pesabridge/escrow-backend/internal/middleware"
	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/services"
)

type handlers struct {
	d RouterDeps
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad_request", "malformed JSON body", nil)
		return false
	}
	return true
}

func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.ActorID(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "no authenticated actor", nil)
	}
	return id, ok
}

// ---------------- auth ----------------

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterInput
	if !decode(w, r, &req) {
		return
	}
	if errs := validate.Collect(
		validate.Required("name", req.Name),
		validate.Required("phone", req.Phone),
	); len(errs) > 0 {
		httpx.WriteError(w, http.StatusBadRequest, "validation", errs.Error(), errs)
		return
	}
	u, err := h.d.Users.Register(r.Context(), req)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, u)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if !decode(w, r, &req) {
		return
	}
	u, pair, err := h.d.Users.Login(r.Context(), req.Phone)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": u, "tokens": pair})
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}
	pair, err := h.d.Users.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid refresh token", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}

// ---------------- quote ----------------

func (h *handlers) quote(w http.ResponseWriter, r *http.Request) {
	rate, err := h.d.Momo.QuoteExchangeRate(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "rail_unavailable", "rate source unavailable", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"rate": rate, "quoted_at": time.Now().UTC()})
}

// ---------------- funding ----------------

type intentRequest struct {
	RecipientUserID string                      `json:"recipient_user_id"`
	TotalMinor      int64                       `json:"total_minor"`
	Breakdown       []models.CategoryAllocation `json:"breakdown"`
	ExpiresAt       time.Time                   `json:"expires_at"`
}

func (h *handlers) declareIntent(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req intentRequest
	if !decode(w, r, &req) {
		return
	}
	if errs := validate.Collect(
		validate.Required("recipient_user_id", req.RecipientUserID),
		validate.MinInt("total_minor", req.TotalMinor, 1),
	); len(errs) > 0 {
		httpx.WriteError(w, http.StatusBadRequest, "validation", errs.Error(), errs)
		return
	}
	fi, err := h.d.Funding.DeclareIntent(r.Context(), services.DeclareIntentInput{
		SenderUserID:    actorID,
		RecipientUserID: req.RecipientUserID,
		TotalMinor:      req.TotalMinor,
		Breakdown:       req.Breakdown,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	// The deposit settles out of band; poll the intent for the escrow id.
	httpx.WriteJSON(w, http.StatusAccepted, fi)
}

func (h *handlers) pollIntent(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	fi, err := h.d.Funding.PollIntent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if !middleware.IsAdmin(r.Context()) && fi.SenderUserID != actorID && fi.RecipientUserID != actorID {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "not your intent", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, fi)
}

// ---------------- escrows ----------------

type escrowRequest struct {
	RecipientUserID string                      `json:"recipient_user_id"`
	TotalMinor      int64                       `json:"total_minor"`
	Breakdown       []models.CategoryAllocation `json:"breakdown"`
	ExpiresAt       time.Time                   `json:"expires_at"`
}

func (h *handlers) createEscrow(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req escrowRequest
	if !decode(w, r, &req) {
		return
	}
	esc, err := h.d.Escrows.Create(r.Context(), services.CreateEscrowInput{
		SenderUserID:    actorID,
		RecipientUserID: req.RecipientUserID,
		TotalMinor:      req.TotalMinor,
		Breakdown:       req.Breakdown,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, esc)
}

func (h *handlers) getEscrow(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	view, err := h.d.Escrows.Get(r.Context(), chi.URLParam(r, "id"), actorID, middleware.IsAdmin(r.Context()))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *handlers) attachOnramp(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	txn, err := h.d.Funding.AttachOnramp(r.Context(), chi.URLParam(r, "id"), actorID)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, txn)
}

func (h *handlers) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	swept, err := h.d.Escrows.Cancel(r.Context(), chi.URLParam(r, "id"), actorID, middleware.IsAdmin(r.Context()))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	// The on-chain refund runs asynchronously.
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "cancelled", "refunded_minor": swept})
}

func (h *handlers) listPaymentRequests(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	prs, err := h.d.Payments.ListForEscrow(r.Context(), chi.URLParam(r, "id"), actorID, middleware.IsAdmin(r.Context()))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, prs)
}

// ---------------- payment requests ----------------

type paymentRequestBody struct {
	EscrowID      string              `json:"escrow_id"`
	CategoryID    string              `json:"category_id"`
	AmountMinor   int64               `json:"amount_minor"`
	Merchant      string              `json:"merchant"`
	PayoutMethod  models.PayoutMethod `json:"payout_method"`
	PayoutAddress string              `json:"payout_address"`
}

func (h *handlers) requestPayment(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req paymentRequestBody
	if !decode(w, r, &req) {
		return
	}
	if errs := validate.Collect(
		validate.Required("escrow_id", req.EscrowID),
		validate.Required("category_id", req.CategoryID),
		validate.Required("merchant", req.Merchant),
		validate.MinInt("amount_minor", req.AmountMinor, 1),
		validate.OneOf("payout_method", string(req.PayoutMethod), string(models.PayoutStablecoin), string(models.PayoutMobileMoney)),
	); len(errs) > 0 {
		httpx.WriteError(w, http.StatusBadRequest, "validation", errs.Error(), errs)
		return
	}
	res, err := h.d.Payments.Request(r.Context(), services.RequestPaymentInput{
		RecipientUserID: actorID,
		EscrowID:        req.EscrowID,
		CategoryID:      req.CategoryID,
		AmountMinor:     req.AmountMinor,
		Merchant:        req.Merchant,
		PayoutMethod:    req.PayoutMethod,
		PayoutAddress:   req.PayoutAddress,
	})
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (h *handlers) getPaymentRequest(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	pr, err := h.d.Payments.Get(r.Context(), chi.URLParam(r, "id"), actorID, middleware.IsAdmin(r.Context()))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pr)
}

func (h *handlers) approvePayment(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.d.Payments.Approve(r.Context(), id, actorID, middleware.IsAdmin(r.Context())); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	// Settlement runs asynchronously; poll the request for completion.
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(models.PaymentApproved)})
}

func (h *handlers) rejectPayment(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.d.Payments.Reject(r.Context(), id, actorID, middleware.IsAdmin(r.Context()), req.Reason); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.PaymentRejected)})
}

// ---------------- admin ----------------

func (h *handlers) reconciliation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.d.Store.Reconciliation(r.Context(), time.Now().Add(-h.d.Cfg.ReconcileAfter))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rep)
}

func (h *handlers) integrity(w http.ResponseWriter, r *http.Request) {
	violations, err := h.d.Engine.CheckIntegrity(r.Context())
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": len(violations) == 0, "violations": violations})
}
