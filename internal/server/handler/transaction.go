package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tokenbay/marketd/internal/domain"
)

// TransactionService defines the methods that the transaction handler
// requires from the reconciliation layer.
type TransactionService interface {
	Transactions(ctx context.Context, contract string, opts domain.ListOpts) ([]domain.TransactionRecord, error)
	Transaction(ctx context.Context, txHash string) (domain.TransactionRecord, error)
}

// TransactionHandler serves the reconciled transaction audit trail.
type TransactionHandler struct {
	txs    TransactionService
	logger *slog.Logger
}

// NewTransactionHandler creates a TransactionHandler with the given service
// and logger.
func NewTransactionHandler(txs TransactionService, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{
		txs:    txs,
		logger: logger,
	}
}

type listTransactionsResponse struct {
	Transactions []transactionJSON `json:"transactions"`
}

// ListTransactions returns reconciled transactions for a collection, newest
// first.
// GET /api/transactions?contract=0x...&limit=50&offset=0
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	contract := r.URL.Query().Get("contract")
	if contract == "" {
		writeError(w, http.StatusBadRequest, "contract query parameter required")
		return
	}

	txs, err := h.txs.Transactions(r.Context(), contract, parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	out := make([]transactionJSON, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionJSON(t))
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{Transactions: out})
}

// GetTransaction returns a single reconciled transaction by its hash.
// GET /api/transactions/{tx_hash}
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txHash := pathParam(r, "tx_hash")
	if txHash == "" {
		writeError(w, http.StatusBadRequest, "missing transaction hash")
		return
	}

	tx, err := h.txs.Transaction(r.Context(), txHash)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionJSON(tx))
}
