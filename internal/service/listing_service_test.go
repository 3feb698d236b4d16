package service

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenbay/marketd/internal/domain"
)

const (
	testContract = "0x2953399124f0cbb46d2cbacd8a89cf0599974963"
	testMaker    = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	testMaker2   = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"
	testTokenID  = "42"
	testSig      = "0xdeadbeef"
)

type listingFixture struct {
	store    *memStore
	nonces   *NonceService
	listings *ListingService
	aggs     *AggregateService
	contract string
}

func newListingFixture(t *testing.T) *listingFixture {
	t.Helper()
	store := newMemStore()
	contract := mustAddr(t, testContract)
	store.state.collections[contract] = domain.Collection{
		ID:              "col-1",
		ContractAddress: contract,
		Name:            "Test Collection",
	}
	aggs := NewAggregateService(store, store, nil, testLogger())
	return &listingFixture{
		store:    store,
		nonces:   NewNonceService(store, store, openLimiter{}, NonceLimits{}, testLogger()),
		listings: NewListingService(store, store, store, aggs, testLogger()),
		aggs:     aggs,
		contract: contract,
	}
}

// list reserves a fresh nonce for maker and creates an ACTIVE listing.
func (f *listingFixture) list(t *testing.T, maker, tokenID string, price int64) domain.Listing {
	t.Helper()
	ctx := context.Background()
	n, err := f.nonces.NextNonce(ctx, maker)
	require.NoError(t, err)
	l, err := f.listings.Create(ctx, CreateListingInput{
		NFTContract: testContract,
		TokenID:     tokenID,
		Maker:       maker,
		Price:       big.NewInt(price),
		Nonce:       n,
		Signature:   testSig,
	})
	require.NoError(t, err)
	return l
}

func TestCreateListingConsumesNonce(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	l := f.list(t, testMaker, testTokenID, 100)
	require.Equal(t, domain.ListingStatusActive, l.Status)

	rec, err := f.store.Get(ctx, mustAddr(t, testMaker), l.Nonce)
	require.NoError(t, err)
	require.Equal(t, domain.NonceStatusUsed, rec.Status)
	require.Equal(t, l.ID, rec.OrderID)

	agg, err := f.store.GetAggregate(ctx, f.contract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), agg.FloorPrice)
}

func TestCreateListingReplayedNonce(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	l := f.list(t, testMaker, testTokenID, 100)

	// A replayed order reuses the consumed nonce under a different id.
	_, err := f.listings.Create(ctx, CreateListingInput{
		NFTContract: testContract,
		TokenID:     "43",
		Maker:       testMaker,
		Price:       big.NewInt(200),
		Nonce:       l.Nonce,
		Signature:   testSig,
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.store.Latest(ctx, f.contract, "43", mustAddr(t, testMaker))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateListingSecondActiveRejected(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	f.list(t, testMaker, testTokenID, 100)

	n, err := f.nonces.NextNonce(ctx, testMaker)
	require.NoError(t, err)
	_, err = f.listings.Create(ctx, CreateListingInput{
		NFTContract: testContract,
		TokenID:     testTokenID,
		Maker:       testMaker,
		Price:       big.NewInt(90),
		Nonce:       n,
		Signature:   testSig,
	})
	require.ErrorIs(t, err, domain.ErrAlreadyListed)

	// The rejected create rolls its nonce consumption back too.
	rec, err := f.store.Get(ctx, mustAddr(t, testMaker), n)
	require.NoError(t, err)
	require.Equal(t, domain.NonceStatusReserved, rec.Status)
}

func TestCreateListingValidation(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	valid := CreateListingInput{
		NFTContract: testContract,
		TokenID:     testTokenID,
		Maker:       testMaker,
		Price:       big.NewInt(100),
		Nonce:       0,
		Signature:   testSig,
	}

	cases := map[string]func(in *CreateListingInput){
		"bad contract":   func(in *CreateListingInput) { in.NFTContract = "nope" },
		"bad maker":      func(in *CreateListingInput) { in.Maker = "nope" },
		"empty token":    func(in *CreateListingInput) { in.TokenID = "" },
		"nil price":      func(in *CreateListingInput) { in.Price = nil },
		"zero price":     func(in *CreateListingInput) { in.Price = big.NewInt(0) },
		"negative nonce": func(in *CreateListingInput) { in.Nonce = -1 },
		"no signature":   func(in *CreateListingInput) { in.Signature = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := f.listings.Create(ctx, in)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestCancelListing(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	l := f.list(t, testMaker, testTokenID, 100)

	got, err := f.listings.Cancel(ctx, l.ID, testMaker)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusCancelled, got.Status)

	agg, err := f.store.GetAggregate(ctx, f.contract)
	require.NoError(t, err)
	require.Nil(t, agg.FloorPrice)

	// Terminal listings stay put.
	_, err = f.listings.Cancel(ctx, l.ID, testMaker)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancelListingWrongMaker(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	l := f.list(t, testMaker, testTokenID, 100)

	_, err := f.listings.Cancel(ctx, l.ID, testMaker2)
	require.ErrorIs(t, err, domain.ErrConflict)

	got, err := f.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ListingStatusActive, got.Status)
}

func TestCancelListingUnknownID(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	_, err := f.listings.Cancel(ctx, "missing", testMaker)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRelistAfterCancel(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	l := f.list(t, testMaker, testTokenID, 100)
	_, err := f.listings.Cancel(ctx, l.ID, testMaker)
	require.NoError(t, err)

	relisted := f.list(t, testMaker, testTokenID, 80)
	require.NotEqual(t, l.ID, relisted.ID)
	require.Equal(t, domain.ListingStatusActive, relisted.Status)

	agg, err := f.store.GetAggregate(ctx, f.contract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(80), agg.FloorPrice)
}

func TestListByTokenNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	l1 := f.list(t, testMaker, testTokenID, 100)
	l2 := f.list(t, testMaker2, testTokenID, 90)

	got, err := f.listings.ListByToken(ctx, testContract, testTokenID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, l2.ID, got[0].ID)
	require.Equal(t, l1.ID, got[1].ID)
}
