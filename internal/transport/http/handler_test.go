package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyo/internal/ingest"
	"tallyo/internal/ledger"
	"tallyo/internal/meter"
	"tallyo/internal/model"
)

type mockService struct {
	balance    *model.AccountBalance
	balanceErr error
	receipt    *model.UsageReceipt
	recordErr  error
	commitErr  error
	reverseErr error
	ingestErr  error

	reconciled []model.SubscriptionState
	ingested   [][]byte
}

func (m *mockService) GetBalance(context.Context, string) (*model.AccountBalance, error) {
	return m.balance, m.balanceErr
}

func (m *mockService) CanAfford(context.Context, string, model.Feature) (bool, error) {
	return true, nil
}

func (m *mockService) RecordUsage(context.Context, model.UsageRequest) (*model.UsageReceipt, error) {
	return m.receipt, m.recordErr
}

func (m *mockService) CommitUsage(context.Context, string) error  { return m.commitErr }
func (m *mockService) ReverseUsage(context.Context, string) error { return m.reverseErr }

func (m *mockService) Reconcile(_ context.Context, accountID string, state model.SubscriptionState) (*model.ReconciliationReport, error) {
	m.reconciled = append(m.reconciled, state)
	return &model.ReconciliationReport{AccountID: accountID, Success: true}, nil
}

func (m *mockService) IngestEvent(_ context.Context, body []byte, _ string) error {
	m.ingested = append(m.ingested, body)
	return m.ingestErr
}

func (m *mockService) SweepStale(context.Context, time.Duration) (int, error) { return 0, nil }

func newTestMux(svc *mockService) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux)
	return mux
}

func TestGetBalance(t *testing.T) {
	svc := &mockService{balance: &model.AccountBalance{
		AccountID:    "acct-1",
		Tier:         model.TierPro,
		CreditsTotal: 4000,
		CreditsUsed:  150,
	}}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/balance?account_id=acct-1", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "pro", body["tier"])
	assert.Equal(t, float64(3850), body["credits_remaining"])
}

func TestGetBalanceMissingParams(t *testing.T) {
	mux := newTestMux(&mockService{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/balance", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecordUsage(t *testing.T) {
	svc := &mockService{receipt: &model.UsageReceipt{
		CorrelationID:    "corr-1",
		Cost:             5,
		CreditsUsed:      5,
		CreditsRemaining: 245,
	}}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage",
		strings.NewReader(`{"account_id":"acct-1","feature":"ai_chat"}`))
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var receipt model.UsageReceipt
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &receipt))
	assert.Equal(t, int64(245), receipt.CreditsRemaining)
}

func TestRecordUsageInsufficientIsPaymentRequired(t *testing.T) {
	svc := &mockService{recordErr: ledger.ErrInsufficientCredits}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage",
		strings.NewReader(`{"account_id":"acct-1","feature":"ai_chat"}`))
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "upgrade_required", body["action"])
	assert.Equal(t, "insufficient_credits", body["error"])
}

func TestRecordUsageGatedFeature(t *testing.T) {
	svc := &mockService{recordErr: meter.ErrFeatureDisabled}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage",
		strings.NewReader(`{"account_id":"acct-1","feature":"replay_upload"}`))
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "feature_not_in_tier", body["error"])
}

func TestRecordUsageLedgerDown(t *testing.T) {
	svc := &mockService{recordErr: ledger.ErrLedgerUnavailable}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage",
		strings.NewReader(`{"account_id":"acct-1","feature":"ai_chat"}`))
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCommitUnknownCorrelation(t *testing.T) {
	svc := &mockService{commitErr: meter.ErrUnknownCorrelation}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage/commit",
		strings.NewReader(`{"correlation_id":"corr-x"}`))
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReverseUsage(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage/reverse",
		strings.NewReader(`{"correlation_id":"corr-1"}`))
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBillingWebhook(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing",
		strings.NewReader(`{"id":"evt_1","type":"subscription.created"}`))
	req.Header.Set("X-Signature", "sha256=abc")
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, svc.ingested, 1)
}

func TestBillingWebhookBadSignature(t *testing.T) {
	svc := &mockService{ingestErr: ingest.ErrUnverified}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing",
		strings.NewReader(`{"id":"evt_1"}`))
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminReconcile(t *testing.T) {
	svc := &mockService{}
	mux := newTestMux(svc)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/reconcile",
		strings.NewReader(`{"account_id":"acct-1","state":{"tier":"pro","status":"active"}}`))
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, svc.reconciled, 1)
	assert.Equal(t, model.TierPro, svc.reconciled[0].Tier)
}
