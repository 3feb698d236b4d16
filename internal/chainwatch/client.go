// Package chainwatch pulls verified marketplace events from the subgraph
// indexer and feeds them to the reconciler.
package chainwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
)

// Client is a GraphQL client for the subgraph indexing the marketplace
// contract. The indexer only emits events from mined, receipt-checked
// transactions, so everything returned here is already verified.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new subgraph client.
func NewClient(graphqlURL, apiKey string) *Client {
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// rawEvent is the subgraph's wire shape for one marketplace event.
type rawEvent struct {
	TransactionHash string `json:"transactionHash"`
	Method          string `json:"method"`
	Contract        string `json:"contract"`
	TokenID         string `json:"tokenId"`
	Maker           string `json:"maker"`
	Taker           string `json:"taker"`
	Bidder          string `json:"bidder"`
	Price           string `json:"price"`
	Nonce           string `json:"nonce"`
	BlockNumber     string `json:"blockNumber"`
	Timestamp       string `json:"timestamp"`
	GasUsed         string `json:"gasUsed"`
}

const eventFields = `
	transactionHash
	method
	contract
	tokenId
	maker
	taker
	bidder
	price
	nonce
	blockNumber
	timestamp
	gasUsed
`

// FetchVerifiedEvents returns marketplace events confirmed at or after
// since, oldest first, limited by first.
func (c *Client) FetchVerifiedEvents(ctx context.Context, since time.Time, first int) ([]domain.ChainEvent, error) {
	query := `
		query MarketplaceEvents($since: BigInt!, $first: Int!) {
			marketplaceEvents(
				first: $first
				orderBy: timestamp
				orderDirection: asc
				where: { timestamp_gte: $since }
			) {` + eventFields + `}
		}
	`
	variables := map[string]any{
		"since": fmt.Sprintf("%d", since.Unix()),
		"first": first,
	}

	respData, err := c.doQuery(ctx, query, variables)
	if err != nil {
		return nil, fmt.Errorf("chainwatch: fetch events: %w", err)
	}

	var result struct {
		MarketplaceEvents []rawEvent `json:"marketplaceEvents"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("chainwatch: decode events: %w", err)
	}

	events := make([]domain.ChainEvent, 0, len(result.MarketplaceEvents))
	for _, raw := range result.MarketplaceEvents {
		ev, err := raw.toDomain()
		if err != nil {
			return nil, fmt.Errorf("chainwatch: event %s: %w", raw.TransactionHash, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// FetchVerifiedEvent looks up one event by tx hash and kind.
func (c *Client) FetchVerifiedEvent(ctx context.Context, txHash string, kind domain.EventKind) (domain.ChainEvent, error) {
	query := `
		query MarketplaceEvent($txHash: String!, $method: String!) {
			marketplaceEvents(first: 1, where: { transactionHash: $txHash, method: $method }) {` +
		eventFields + `}
		}
	`
	variables := map[string]any{
		"txHash": txHash,
		"method": string(kind),
	}

	respData, err := c.doQuery(ctx, query, variables)
	if err != nil {
		return domain.ChainEvent{}, fmt.Errorf("chainwatch: fetch event %s: %w", txHash, err)
	}

	var result struct {
		MarketplaceEvents []rawEvent `json:"marketplaceEvents"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return domain.ChainEvent{}, fmt.Errorf("chainwatch: decode event %s: %w", txHash, err)
	}
	if len(result.MarketplaceEvents) == 0 {
		return domain.ChainEvent{}, fmt.Errorf("chainwatch: event %s: %w", txHash, domain.ErrNotFound)
	}
	ev, err := result.MarketplaceEvents[0].toDomain()
	if err != nil {
		return domain.ChainEvent{}, fmt.Errorf("chainwatch: event %s: %w", txHash, err)
	}
	return ev, nil
}

// FetchLatestBlock returns the latest block number the subgraph has indexed,
// used for monitoring indexing lag.
func (c *Client) FetchLatestBlock(ctx context.Context) (int64, error) {
	query := `
		query LatestBlock {
			_meta {
				block {
					number
				}
			}
		}
	`
	respData, err := c.doQuery(ctx, query, nil)
	if err != nil {
		return 0, fmt.Errorf("chainwatch: fetch latest block: %w", err)
	}

	var result struct {
		Meta struct {
			Block struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return 0, fmt.Errorf("chainwatch: decode latest block: %w", err)
	}
	return result.Meta.Block.Number, nil
}

func (raw rawEvent) toDomain() (domain.ChainEvent, error) {
	ev := domain.ChainEvent{
		TxHash:          raw.TransactionHash,
		Kind:            domain.EventKind(raw.Method),
		ContractAddress: raw.Contract,
		TokenID:         raw.TokenID,
		Maker:           raw.Maker,
		Taker:           raw.Taker,
		Bidder:          raw.Bidder,
	}
	if raw.Price != "" {
		price, ok := new(big.Int).SetString(raw.Price, 10)
		if !ok {
			return domain.ChainEvent{}, fmt.Errorf("bad price %q", raw.Price)
		}
		ev.Price = price
	}
	if raw.Nonce != "" {
		nonce, err := strconv.ParseInt(raw.Nonce, 10, 64)
		if err != nil {
			return domain.ChainEvent{}, fmt.Errorf("bad nonce %q", raw.Nonce)
		}
		ev.Nonce = nonce
	}
	if raw.BlockNumber != "" {
		block, err := strconv.ParseUint(raw.BlockNumber, 10, 64)
		if err != nil {
			return domain.ChainEvent{}, fmt.Errorf("bad block number %q", raw.BlockNumber)
		}
		ev.BlockNumber = block
	}
	if raw.Timestamp != "" {
		ts, err := strconv.ParseInt(raw.Timestamp, 10, 64)
		if err != nil {
			return domain.ChainEvent{}, fmt.Errorf("bad timestamp %q", raw.Timestamp)
		}
		ev.BlockTime = time.Unix(ts, 0).UTC()
	}
	if raw.GasUsed != "" {
		gas, err := strconv.ParseUint(raw.GasUsed, 10, 64)
		if err != nil {
			return domain.ChainEvent{}, fmt.Errorf("bad gas used %q", raw.GasUsed)
		}
		ev.GasUsed = gas
	}
	return ev, nil
}

// doQuery executes a GraphQL query against the subgraph endpoint and returns
// the raw "data" field from the response.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}
	return gqlResp.Data, nil
}

// Compile-time interface check.
var _ domain.ChainLogFetcher = (*Client)(nil)
