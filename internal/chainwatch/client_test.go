package chainwatch

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokenbay/marketd/internal/domain"
)

func subgraphStub(t *testing.T, data string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":` + data + `}`))
	}))
}

func TestFetchVerifiedEvents(t *testing.T) {
	srv := subgraphStub(t, `{"marketplaceEvents":[{
		"transactionHash":"0xabc",
		"method":"purchase",
		"contract":"0x2953399124f0cbb46d2cbacd8a89cf0599974963",
		"tokenId":"42",
		"maker":"0x8ba1f109551bd432803012645ac136ddd64dba72",
		"taker":"0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae",
		"price":"1000000000000000000",
		"nonce":"7",
		"blockNumber":"12345",
		"timestamp":"1700000000",
		"gasUsed":"21000"
	}]}`)
	defer srv.Close()

	c := NewClient(srv.URL, "")
	events, err := c.FetchVerifiedEvents(context.Background(), time.Unix(0, 0), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, "0xabc", ev.TxHash)
	require.Equal(t, domain.EventPurchase, ev.Kind)
	require.Equal(t, "42", ev.TokenID)
	require.Equal(t, big.NewInt(1000000000000000000), ev.Price)
	require.Equal(t, int64(7), ev.Nonce)
	require.Equal(t, uint64(12345), ev.BlockNumber)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), ev.BlockTime)
	require.Equal(t, uint64(21000), ev.GasUsed)
}

func TestFetchVerifiedEventNotFound(t *testing.T) {
	srv := subgraphStub(t, `{"marketplaceEvents":[]}`)
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.FetchVerifiedEvent(context.Background(), "0xabc", domain.EventList)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchVerifiedEventsBadPrice(t *testing.T) {
	srv := subgraphStub(t, `{"marketplaceEvents":[{"transactionHash":"0xabc","method":"list","price":"not-a-number"}]}`)
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.FetchVerifiedEvents(context.Background(), time.Unix(0, 0), 10)
	require.Error(t, err)
}

func TestDoQuerySurfacesGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.FetchLatestBlock(context.Background())
	require.ErrorContains(t, err, "rate limited")
}

func TestFetchLatestBlock(t *testing.T) {
	srv := subgraphStub(t, `{"_meta":{"block":{"number":18000000}}}`)
	defer srv.Close()

	c := NewClient(srv.URL, "")
	block, err := c.FetchLatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(18000000), block)
}
