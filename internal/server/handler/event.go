package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
)

// EventReconciler defines the methods that the event handler requires from
// the reconciliation layer.
type EventReconciler interface {
	Apply(ctx context.Context, ev domain.ChainEvent) (domain.ReconciliationResult, error)
}

// EventHandler accepts verified on-chain marketplace events for
// reconciliation. In production events arrive through the chain watcher; this
// endpoint exists for backfills and operational replays.
type EventHandler struct {
	reconciler EventReconciler
	logger     *slog.Logger
}

// NewEventHandler creates an EventHandler with the given reconciler and logger.
func NewEventHandler(reconciler EventReconciler, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

type applyEventRequest struct {
	TxHash          string `json:"tx_hash"`
	Method          string `json:"method"`
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
	Maker           string `json:"maker,omitempty"`
	Taker           string `json:"taker,omitempty"`
	Bidder          string `json:"bidder,omitempty"`
	Price           string `json:"price,omitempty"`
	Nonce           int64  `json:"nonce,omitempty"`
	BlockNumber     uint64 `json:"block_number"`
	BlockTime       string `json:"block_time"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
}

type applyEventResponse struct {
	Status  string       `json:"status"` // "applied" or "duplicate"
	TxHash  string       `json:"tx_hash"`
	Method  string       `json:"method"`
	Listing *listingJSON `json:"listing,omitempty"`
	Bid     *bidJSON     `json:"bid,omitempty"`
}

// ApplyEvent reconciles a single verified on-chain event.
// POST /api/events
func (h *EventHandler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	var req applyEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ev := domain.ChainEvent{
		TxHash:          req.TxHash,
		Kind:            domain.EventKind(req.Method),
		ContractAddress: req.ContractAddress,
		TokenID:         req.TokenID,
		Maker:           req.Maker,
		Taker:           req.Taker,
		Bidder:          req.Bidder,
		Nonce:           req.Nonce,
		BlockNumber:     req.BlockNumber,
		GasUsed:         req.GasUsed,
	}
	if req.Price != "" {
		price, ok := parseWei(req.Price)
		if !ok {
			writeError(w, http.StatusBadRequest, "price must be a decimal wei string")
			return
		}
		ev.Price = price
	}
	if req.BlockTime != "" {
		t, err := time.Parse(time.RFC3339, req.BlockTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "block_time must be RFC 3339")
			return
		}
		ev.BlockTime = t
	}

	res, err := h.reconciler.Apply(r.Context(), ev)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := applyEventResponse{
		Status: string(res.Outcome),
		TxHash: res.TxHash,
		Method: string(res.Kind),
	}
	if res.Listing != nil {
		l := toListingJSON(*res.Listing)
		resp.Listing = &l
	}
	if res.Bid != nil {
		b := toBidJSON(*res.Bid)
		resp.Bid = &b
	}

	writeJSON(w, http.StatusOK, resp)
}
