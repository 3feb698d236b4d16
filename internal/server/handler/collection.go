package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tokenbay/marketd/internal/domain"
)

// AggregateService defines the methods that the collection handler requires
// from the service layer.
type AggregateService interface {
	Aggregate(ctx context.Context, contract string) (domain.CollectionAggregate, error)
}

// CollectionHandler serves collection statistics endpoints.
type CollectionHandler struct {
	aggregates AggregateService
	logger     *slog.Logger
}

// NewCollectionHandler creates a CollectionHandler with the given service and
// logger.
func NewCollectionHandler(aggregates AggregateService, logger *slog.Logger) *CollectionHandler {
	return &CollectionHandler{
		aggregates: aggregates,
		logger:     logger,
	}
}

// GetAggregate returns the floor price and lifetime volume for a collection.
// GET /api/collections/{contract}/aggregate
func (h *CollectionHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	contract := pathParam(r, "contract")
	if contract == "" {
		writeError(w, http.StatusBadRequest, "missing collection contract")
		return
	}

	agg, err := h.aggregates.Aggregate(r.Context(), contract)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toAggregateJSON(agg))
}
