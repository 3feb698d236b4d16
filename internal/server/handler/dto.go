package handler

import (
	"math/big"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
)

// Wei amounts travel as decimal strings so JSON clients never lose precision
// to float64.

type listingJSON struct {
	ID          string `json:"id"`
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
	Maker       string `json:"maker"`
	Price       string `json:"price"`
	Nonce       int64  `json:"nonce"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toListingJSON(l domain.Listing) listingJSON {
	return listingJSON{
		ID:          l.ID,
		NFTContract: l.NFTContract,
		TokenID:     l.TokenID,
		Maker:       l.Maker,
		Price:       weiString(l.Price),
		Nonce:       l.Nonce,
		Status:      string(l.Status),
		CreatedAt:   l.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   l.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type bidJSON struct {
	ID              string `json:"id"`
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
	Bidder          string `json:"bidder"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toBidJSON(b domain.Bid) bidJSON {
	return bidJSON{
		ID:              b.ID,
		ContractAddress: b.ContractAddress,
		TokenID:         b.TokenID,
		Bidder:          b.Bidder,
		Amount:          weiString(b.Amount),
		Status:          string(b.Status),
		CreatedAt:       b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type transactionJSON struct {
	TxHash          string `json:"tx_hash"`
	Method          string `json:"method"`
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id,omitempty"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	Price           string `json:"price,omitempty"`
	BlockNumber     uint64 `json:"block_number"`
	BlockTime       string `json:"block_time"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
}

func toTransactionJSON(t domain.TransactionRecord) transactionJSON {
	out := transactionJSON{
		TxHash:          t.TxHash,
		Method:          t.Method,
		ContractAddress: t.ContractAddress,
		TokenID:         t.TokenID,
		From:            t.From,
		To:              t.To,
		BlockNumber:     t.BlockNumber,
		BlockTime:       t.BlockTime.UTC().Format(time.RFC3339),
		GasUsed:         t.GasUsed,
	}
	if t.Price != nil {
		out.Price = t.Price.String()
	}
	return out
}

type aggregateJSON struct {
	CollectionID    string  `json:"collection_id"`
	ContractAddress string  `json:"contract_address"`
	FloorPrice      *string `json:"floor_price"` // null when no active listings
	TotalVolume     string  `json:"total_volume"`
	UpdatedAt       string  `json:"updated_at"`
}

func toAggregateJSON(a domain.CollectionAggregate) aggregateJSON {
	out := aggregateJSON{
		CollectionID:    a.CollectionID,
		ContractAddress: a.ContractAddress,
		TotalVolume:     weiString(a.TotalVolume),
		UpdatedAt:       a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.FloorPrice != nil {
		s := a.FloorPrice.String()
		out.FloorPrice = &s
	}
	return out
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseWei parses a decimal wei string; empty and malformed both report false.
func parseWei(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}
