package service

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenbay/marketd/internal/domain"
)

func TestRecomputeFloorMinOverActive(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	f.list(t, testMaker, "1", 5)
	cheap := f.list(t, testMaker2, "2", 3)
	f.list(t, testMaker, "3", 8)

	agg, err := f.store.GetAggregate(ctx, f.contract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(3), agg.FloorPrice)

	// Cancelling the floor listing moves the floor to the next cheapest.
	_, err = f.listings.Cancel(ctx, cheap.ID, testMaker2)
	require.NoError(t, err)

	agg, err = f.store.GetAggregate(ctx, f.contract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5), agg.FloorPrice)
}

func TestRecomputeFloorClearsWhenNoActive(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	l := f.list(t, testMaker, "1", 5)
	_, err := f.listings.Cancel(ctx, l.ID, testMaker)
	require.NoError(t, err)

	agg, err := f.store.GetAggregate(ctx, f.contract)
	require.NoError(t, err)
	require.Nil(t, agg.FloorPrice)
}

func TestRecomputeFloorSkipsUnindexedContract(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	aggs := NewAggregateService(store, store, nil, testLogger())

	// No collections registered: the recompute is a logged no-op.
	err := aggs.RecomputeFloor(ctx, mustAddr(t, testContract))
	require.NoError(t, err)

	_, err = store.GetAggregate(ctx, mustAddr(t, testContract))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordVolumeAccumulates(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	require.NoError(t, f.aggs.RecordVolume(ctx, f.contract, big.NewInt(100)))
	require.NoError(t, f.aggs.RecordVolume(ctx, f.contract, big.NewInt(80)))

	agg, err := f.store.GetAggregate(ctx, f.contract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(180), agg.TotalVolume)
}

func TestRecordVolumeIgnoresEmptyAmounts(t *testing.T) {
	ctx := context.Background()
	f := newListingFixture(t)

	require.NoError(t, f.aggs.RecordVolume(ctx, f.contract, nil))
	require.NoError(t, f.aggs.RecordVolume(ctx, f.contract, big.NewInt(0)))
	require.NoError(t, f.aggs.RecordVolume(ctx, f.contract, big.NewInt(-5)))

	_, err := f.store.GetAggregate(ctx, f.contract)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAggregateReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	contract := mustAddr(t, testContract)
	store.state.collections[contract] = domain.Collection{ID: "col-1", ContractAddress: contract}
	cache := newMemCache()
	aggs := NewAggregateService(store, store, cache, testLogger())

	require.NoError(t, store.SetFloor(ctx, store.state.collections[contract], big.NewInt(7)))

	first, err := aggs.Aggregate(ctx, testContract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(7), first.FloorPrice)
	require.Equal(t, 0, cache.hits)

	second, err := aggs.Aggregate(ctx, testContract)
	require.NoError(t, err)
	require.Equal(t, first.FloorPrice, second.FloorPrice)
	require.Equal(t, 1, cache.hits)
}

func TestAggregateCacheInvalidatedOnRecompute(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	contract := mustAddr(t, testContract)
	col := domain.Collection{ID: "col-1", ContractAddress: contract}
	store.state.collections[contract] = col
	cache := newMemCache()
	aggs := NewAggregateService(store, store, cache, testLogger())

	require.NoError(t, store.SetFloor(ctx, col, big.NewInt(7)))
	_, err := aggs.Aggregate(ctx, testContract)
	require.NoError(t, err)

	require.NoError(t, aggs.RecordVolume(ctx, contract, big.NewInt(50)))

	got, err := aggs.Aggregate(ctx, testContract)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(50), got.TotalVolume)
}

func TestAggregateUnknownContract(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	aggs := NewAggregateService(store, store, nil, testLogger())

	_, err := aggs.Aggregate(ctx, testContract)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
