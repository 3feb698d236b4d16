package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tokenbay/marketd/internal/domain"
	"github.com/tokenbay/marketd/internal/service"
)

// ListingService defines the methods that the listing handler requires from
// the service layer.
type ListingService interface {
	Create(ctx context.Context, in service.CreateListingInput) (domain.Listing, error)
	Cancel(ctx context.Context, id, maker string) (domain.Listing, error)
	Get(ctx context.Context, id string) (domain.Listing, error)
	ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Listing, error)
}

// ListingHandler serves listing lifecycle endpoints.
type ListingHandler struct {
	listings ListingService
	logger   *slog.Logger
}

// NewListingHandler creates a ListingHandler with the given service and logger.
func NewListingHandler(listings ListingService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		listings: listings,
		logger:   logger,
	}
}

type createListingRequest struct {
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
	Maker       string `json:"maker"`
	Price       string `json:"price"`
	Nonce       int64  `json:"nonce"`
	Signature   string `json:"signature"`
}

// CreateListing creates a listing from a signed sell order.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	price, ok := parseWei(req.Price)
	if !ok {
		writeError(w, http.StatusBadRequest, "price must be a decimal wei string")
		return
	}

	l, err := h.listings.Create(r.Context(), service.CreateListingInput{
		NFTContract: req.NFTContract,
		TokenID:     req.TokenID,
		Maker:       req.Maker,
		Price:       price,
		Nonce:       req.Nonce,
		Signature:   req.Signature,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toListingJSON(l))
}

// CancelListing delists an active listing on behalf of its maker.
// DELETE /api/listings/{id}?maker=0x...
func (h *ListingHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}
	maker := r.URL.Query().Get("maker")
	if maker == "" {
		writeError(w, http.StatusBadRequest, "maker query parameter required")
		return
	}

	l, err := h.listings.Cancel(r.Context(), id, maker)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toListingJSON(l))
}

// GetListing returns a single listing by id.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}

	l, err := h.listings.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toListingJSON(l))
}

type listListingsResponse struct {
	Listings []listingJSON `json:"listings"`
}

// ListListings returns listings for a token, newest first.
// GET /api/listings?contract=0x...&token_id=...&limit=50&offset=0
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contract := q.Get("contract")
	tokenID := q.Get("token_id")
	if contract == "" || tokenID == "" {
		writeError(w, http.StatusBadRequest, "contract and token_id query parameters required")
		return
	}

	listings, err := h.listings.ListByToken(r.Context(), contract, tokenID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	out := make([]listingJSON, 0, len(listings))
	for _, l := range listings {
		out = append(out, toListingJSON(l))
	}
	writeJSON(w, http.StatusOK, listListingsResponse{Listings: out})
}
