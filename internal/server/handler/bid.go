package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tokenbay/marketd/internal/domain"
	"github.com/tokenbay/marketd/internal/service"
)

// BidService defines the methods that the bid handler requires from the
// service layer.
type BidService interface {
	Place(ctx context.Context, in service.PlaceBidInput) (domain.Bid, error)
	Accept(ctx context.Context, bidID, seller string) (domain.Bid, error)
	Withdraw(ctx context.Context, bidID, bidder string) (domain.Bid, error)
	Get(ctx context.Context, id string) (domain.Bid, error)
	ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Bid, error)
}

// BidHandler serves bid lifecycle endpoints.
type BidHandler struct {
	bids   BidService
	logger *slog.Logger
}

// NewBidHandler creates a BidHandler with the given service and logger.
func NewBidHandler(bids BidService, logger *slog.Logger) *BidHandler {
	return &BidHandler{
		bids:   bids,
		logger: logger,
	}
}

type placeBidRequest struct {
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
	Bidder          string `json:"bidder"`
	Amount          string `json:"amount"`
}

// PlaceBid places a new bid on a token.
// POST /api/bids
func (h *BidHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	amount, ok := parseWei(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a decimal wei string")
		return
	}

	b, err := h.bids.Place(r.Context(), service.PlaceBidInput{
		ContractAddress: req.ContractAddress,
		TokenID:         req.TokenID,
		Bidder:          req.Bidder,
		Amount:          amount,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBidJSON(b))
}

type acceptBidRequest struct {
	Seller string `json:"seller"`
}

// AcceptBid accepts a placed bid on behalf of the seller.
// POST /api/bids/{id}/accept
func (h *BidHandler) AcceptBid(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bid id")
		return
	}

	var req acceptBidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	b, err := h.bids.Accept(r.Context(), id, req.Seller)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toBidJSON(b))
}

type withdrawBidRequest struct {
	Bidder string `json:"bidder"`
}

// WithdrawBid withdraws a placed bid on behalf of the bidder.
// POST /api/bids/{id}/withdraw
func (h *BidHandler) WithdrawBid(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bid id")
		return
	}

	var req withdrawBidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	b, err := h.bids.Withdraw(r.Context(), id, req.Bidder)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toBidJSON(b))
}

// GetBid returns a single bid by id.
// GET /api/bids/{id}
func (h *BidHandler) GetBid(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bid id")
		return
	}

	b, err := h.bids.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toBidJSON(b))
}

type listBidsResponse struct {
	Bids []bidJSON `json:"bids"`
}

// ListBids returns bids for a token, newest first.
// GET /api/bids?contract=0x...&token_id=...&limit=50&offset=0
func (h *BidHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contract := q.Get("contract")
	tokenID := q.Get("token_id")
	if contract == "" || tokenID == "" {
		writeError(w, http.StatusBadRequest, "contract and token_id query parameters required")
		return
	}

	bids, err := h.bids.ListByToken(r.Context(), contract, tokenID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	out := make([]bidJSON, 0, len(bids))
	for _, b := range bids {
		out = append(out, toBidJSON(b))
	}
	writeJSON(w, http.StatusOK, listBidsResponse{Bids: out})
}
