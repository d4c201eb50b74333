package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/pesabridge/escrow-backend/internal/api/httpx"
	"github.com/pesabridge/escrow-backend/internal/api/validate"
	"github.com/pesabridge/escrow-backend/internal/rails"
	"github.com/pesabridge/escrow-backend/internal/services"
)

type onrampWebhookBody struct {
	ExternalTransactionCode string `json:"external_transaction_code"`
	Status                  string `json:"status"`
	AmountMinor             int64  `json:"amount_minor"`
}

func (h *handlers) onrampWebhook(w http.ResponseWriter, r *http.Request) {
	var req onrampWebhookBody
	if !decode(w, r, &req) {
		return
	}
	// The funding provider reports lowercase status literals; the payout
	// provider uppercase. Normalize so both shapes confirm.
	status := strings.ToUpper(req.Status)
	if errs := validate.Collect(
		validate.Required("external_transaction_code", req.ExternalTransactionCode),
		validate.OneOf("status", status, string(rails.TxnSuccess), string(rails.TxnFailed)),
	); len(errs) > 0 {
		httpx.WriteError(w, http.StatusBadRequest, "validation", errs.Error(), errs)
		return
	}

	var res services.ConfirmDepositResult
	err := h.d.Webhooks.Process(r.Context(), "onramp", req.ExternalTransactionCode, func(ctx context.Context) error {
		var err error
		res, err = h.d.Funding.ConfirmDeposit(ctx, req.ExternalTransactionCode, status == string(rails.TxnSuccess), req.AmountMinor)
		return err
	})
	if err != nil {
		h.d.Log.Warn("onramp webhook failed", "code", req.ExternalTransactionCode, "error", err)
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type offrampWebhookBody struct {
	ExternalTransactionCode string `json:"external_transaction_code"`
	Status                  string `json:"status"`
	ReceiptRef              string `json:"receipt_ref"`
}

func (h *handlers) offrampWebhook(w http.ResponseWriter, r *http.Request) {
	var req offrampWebhookBody
	if !decode(w, r, &req) {
		return
	}
	if errs := validate.Collect(
		validate.Required("external_transaction_code", req.ExternalTransactionCode),
		validate.OneOf("status", req.Status, string(rails.TxnSuccess), string(rails.TxnFailed)),
	); len(errs) > 0 {
		httpx.WriteError(w, http.StatusBadRequest, "validation", errs.Error(), errs)
		return
	}

	err := h.d.Webhooks.Process(r.Context(), "offramp", req.ExternalTransactionCode, func(ctx context.Context) error {
		return h.d.Payments.FinalizeOfframp(ctx, req.ExternalTransactionCode, req.Status == string(rails.TxnSuccess), req.ReceiptRef)
	})
	if err != nil {
		h.d.Log.Warn("offramp webhook failed", "code", req.ExternalTransactionCode, "error", err)
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
