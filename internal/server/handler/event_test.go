package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokenbay/marketd/internal/domain"
)

type stubReconciler struct {
	res domain.ReconciliationResult
	err error
	got domain.ChainEvent
}

func (s *stubReconciler) Apply(ctx context.Context, ev domain.ChainEvent) (domain.ReconciliationResult, error) {
	s.got = ev
	return s.res, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postEvent(t *testing.T, h *EventHandler, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ApplyEvent(rec, req)
	return rec
}

func eventBody() map[string]any {
	return map[string]any{
		"tx_hash":          fmt.Sprintf("0x%064x", 1),
		"method":           "purchase",
		"contract_address": "0x2953399124f0cbb46d2cbacd8a89cf0599974963",
		"token_id":         "42",
		"maker":            "0x8ba1f109551bd432803012645ac136ddd64dba72",
		"taker":            "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae",
		"price":            "100",
		"block_number":     float64(1200),
		"block_time":       time.Now().UTC().Format(time.RFC3339),
	}
}

func TestApplyEventApplied(t *testing.T) {
	stub := &stubReconciler{
		res: domain.ReconciliationResult{
			Outcome: domain.OutcomeApplied,
			TxHash:  fmt.Sprintf("0x%064x", 1),
			Kind:    domain.EventPurchase,
			Listing: &domain.Listing{
				ID:     "lst-1",
				Price:  big.NewInt(100),
				Status: domain.ListingStatusSold,
			},
		},
	}
	h := NewEventHandler(stub, testLogger())

	rec := postEvent(t, h, eventBody())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status  string `json:"status"`
		TxHash  string `json:"tx_hash"`
		Listing *struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "applied", resp.Status)
	require.NotNil(t, resp.Listing)
	require.Equal(t, "SOLD", resp.Listing.Status)

	require.Equal(t, domain.EventPurchase, stub.got.Kind)
	require.Equal(t, big.NewInt(100), stub.got.Price)
}

func TestApplyEventDuplicateIsOK(t *testing.T) {
	stub := &stubReconciler{
		res: domain.ReconciliationResult{
			Outcome: domain.OutcomeDuplicate,
			TxHash:  fmt.Sprintf("0x%064x", 1),
			Kind:    domain.EventPurchase,
		},
	}
	h := NewEventHandler(stub, testLogger())

	rec := postEvent(t, h, eventBody())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"duplicate"`)
}

func TestApplyEventOrphanIs422(t *testing.T) {
	stub := &stubReconciler{
		err: fmt.Errorf("reconciler: no listing for event: %w", domain.ErrOrphanEvent),
	}
	h := NewEventHandler(stub, testLogger())

	rec := postEvent(t, h, eventBody())
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestApplyEventInvalidIs400(t *testing.T) {
	stub := &stubReconciler{
		err: fmt.Errorf("reconciler: bad event: %w", domain.ErrInvalidArgument),
	}
	h := NewEventHandler(stub, testLogger())

	rec := postEvent(t, h, eventBody())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyEventRejectsBadPrice(t *testing.T) {
	h := NewEventHandler(&stubReconciler{}, testLogger())

	body := eventBody()
	body["price"] = "12.5"
	rec := postEvent(t, h, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyEventRejectsUnknownFields(t *testing.T) {
	h := NewEventHandler(&stubReconciler{}, testLogger())

	body := eventBody()
	body["bogus"] = true
	rec := postEvent(t, h, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
