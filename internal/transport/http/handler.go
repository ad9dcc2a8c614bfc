package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"tallyo/internal/ingest"
	"tallyo/internal/ledger"
	"tallyo/internal/meter"
	"tallyo/internal/model"
	"tallyo/internal/reconcile"
	"tallyo/internal/service"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

type Handler struct {
	svc service.CreditService
}

func NewHandler(svc service.CreditService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /balance", h.GetBalance)
	mux.HandleFunc("GET /usage/affordable", h.CanAfford)
	mux.HandleFunc("POST /usage", h.RecordUsage)
	mux.HandleFunc("POST /usage/commit", h.CommitUsage)
	mux.HandleFunc("POST /usage/reverse", h.ReverseUsage)
	mux.HandleFunc("POST /webhooks/billing", h.BillingWebhook)
	mux.HandleFunc("POST /admin/reconcile", h.AdminReconcile)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accID := r.URL.Query().Get("account_id")
	if accID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), accID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":          bal.AccountID,
		"tier":                bal.Tier,
		"subscription_status": bal.SubscriptionStatus,
		"credits_total":       bal.CreditsTotal,
		"credits_used":        bal.CreditsUsed,
		"credits_remaining":   bal.Remaining(),
		"cycle_anchor":        bal.CycleAnchor,
	})
}

func (h *Handler) CanAfford(w http.ResponseWriter, r *http.Request) {
	accID := r.URL.Query().Get("account_id")
	feature := r.URL.Query().Get("feature")
	if accID == "" || feature == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	ok, err := h.svc.CanAfford(r.Context(), accID, model.Feature(feature))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"affordable": ok})
}

func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req model.UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	receipt, err := h.svc.RecordUsage(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, receipt)
}

func (h *Handler) CommitUsage(w http.ResponseWriter, r *http.Request) {
	cid, ok := h.decodeCorrelation(w, r)
	if !ok {
		return
	}
	if err := h.svc.CommitUsage(r.Context(), cid); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (h *Handler) ReverseUsage(w http.ResponseWriter, r *http.Request) {
	cid, ok := h.decodeCorrelation(w, r)
	if !ok {
		return
	}
	if err := h.svc.ReverseUsage(r.Context(), cid); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "reversed"})
}

func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable_body")
		return
	}
	sig := r.Header.Get("X-Signature")
	if err := h.svc.IngestEvent(r.Context(), body, sig); err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnverified):
			h.respondError(w, http.StatusUnauthorized, "invalid_signature")
		case errors.Is(err, ingest.ErrMalformedEvent):
			h.respondError(w, http.StatusBadRequest, "malformed_event")
		default:
			h.respondError(w, http.StatusInternalServerError, "ingest_failed")
		}
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) AdminReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string                  `json:"account_id"`
		State     model.SubscriptionState `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.AccountID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	report, err := h.svc.Reconcile(r.Context(), req.AccountID, req.State)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *Handler) decodeCorrelation(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return "", false
	}
	if req.CorrelationID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return "", false
	}
	return req.CorrelationID, true
}

// respondServiceError maps business errors onto HTTP statuses. Billing
// rejections carry an upgrade hint so clients can tell them apart from
// outages.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		h.respondJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":  "insufficient_credits",
			"action": "upgrade_required",
		})
	case errors.Is(err, meter.ErrFeatureDisabled):
		h.respondJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":  "feature_not_in_tier",
			"action": "upgrade_required",
		})
	case errors.Is(err, meter.ErrUnknownFeature),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingIdempotencyKey),
		errors.Is(err, reconcile.ErrInvalidState):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, meter.ErrUnknownCorrelation):
		h.respondError(w, http.StatusNotFound, "unknown_correlation")
	case errors.Is(err, reconcile.ErrReconcileConflict):
		h.respondError(w, http.StatusConflict, "reconcile_conflict")
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, "ledger_unavailable")
	default:
		h.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
