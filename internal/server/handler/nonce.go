package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
)

// NonceService defines the methods that the nonce handler requires from the
// service layer.
type NonceService interface {
	NextNonce(ctx context.Context, signer string) (int64, error)
	NextNonceRange(ctx context.Context, signer string, count int) (domain.NonceRange, error)
	Status(ctx context.Context, signer string, nonce int64) (domain.NonceRecord, error)
}

// NonceHandler serves nonce allocation endpoints.
type NonceHandler struct {
	nonces NonceService
	logger *slog.Logger
}

// NewNonceHandler creates a NonceHandler with the given service and logger.
func NewNonceHandler(nonces NonceService, logger *slog.Logger) *NonceHandler {
	return &NonceHandler{
		nonces: nonces,
		logger: logger,
	}
}

type reserveNonceRequest struct {
	Signer string `json:"signer"`
}

type reserveNonceResponse struct {
	Signer string `json:"signer"`
	Nonce  int64  `json:"nonce"`
}

// ReserveNonce allocates the next nonce for a signer.
// POST /api/nonces
func (h *NonceHandler) ReserveNonce(w http.ResponseWriter, r *http.Request) {
	var req reserveNonceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	nonce, err := h.nonces.NextNonce(r.Context(), req.Signer)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, reserveNonceResponse{
		Signer: req.Signer,
		Nonce:  nonce,
	})
}

type reserveRangeRequest struct {
	Signer string `json:"signer"`
	Count  int    `json:"count"`
}

type reserveRangeResponse struct {
	Signer string `json:"signer"`
	Start  int64  `json:"start"`
	Count  int    `json:"count"`
}

// ReserveNonceRange allocates a contiguous block of nonces for a signer.
// POST /api/nonces/range
func (h *NonceHandler) ReserveNonceRange(w http.ResponseWriter, r *http.Request) {
	var req reserveRangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rng, err := h.nonces.NextNonceRange(r.Context(), req.Signer, req.Count)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, reserveRangeResponse{
		Signer: req.Signer,
		Start:  rng.Start,
		Count:  rng.Count,
	})
}

type nonceStatusResponse struct {
	Signer    string `json:"signer"`
	Nonce     int64  `json:"nonce"`
	Status    string `json:"status"`
	OrderID   string `json:"order_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// NonceStatus reports the lifecycle state of a single nonce.
// GET /api/nonces/{signer}/{nonce}
func (h *NonceHandler) NonceStatus(w http.ResponseWriter, r *http.Request) {
	signer := pathParam(r, "signer")
	nonce, err := strconv.ParseInt(pathParam(r, "nonce"), 10, 64)
	if err != nil || nonce < 0 {
		writeError(w, http.StatusBadRequest, "nonce must be a non-negative integer")
		return
	}

	rec, err := h.nonces.Status(r.Context(), signer, nonce)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, nonceStatusResponse{
		Signer:    rec.SignerAddress,
		Nonce:     rec.Nonce,
		Status:    string(rec.Status),
		OrderID:   rec.OrderID,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}
