package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenbay/marketd/internal/domain"
)

const (
	testSigner  = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	testSigner2 = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustAddr(t *testing.T, s string) string {
	t.Helper()
	a, err := domain.NormalizeAddress(s)
	require.NoError(t, err)
	return a
}

func newNonceFixture(t *testing.T) (*memStore, *NonceService) {
	t.Helper()
	store := newMemStore()
	return store, NewNonceService(store, store, openLimiter{}, NonceLimits{}, testLogger())
}

func TestNextNonceSequencesFromZero(t *testing.T) {
	ctx := context.Background()
	store, svc := newNonceFixture(t)

	for want := int64(0); want < 3; want++ {
		got, err := svc.NextNonce(ctx, testSigner)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	rec, err := store.Get(ctx, mustAddr(t, testSigner), 0)
	require.NoError(t, err)
	require.Equal(t, domain.NonceStatusReserved, rec.Status)
}

func TestNextNonceIndependentPerSigner(t *testing.T) {
	ctx := context.Background()
	_, svc := newNonceFixture(t)

	for i := 0; i < 3; i++ {
		_, err := svc.NextNonce(ctx, testSigner)
		require.NoError(t, err)
	}
	got, err := svc.NextNonce(ctx, testSigner2)
	require.NoError(t, err)
	require.Equal(t, int64(0), got)
}

func TestNextNonceRangeContiguous(t *testing.T) {
	ctx := context.Background()
	_, svc := newNonceFixture(t)

	r, err := svc.NextNonceRange(ctx, testSigner, 5)
	require.NoError(t, err)
	require.Equal(t, domain.NonceRange{Start: 0, Count: 5}, r)

	next, err := svc.NextNonce(ctx, testSigner)
	require.NoError(t, err)
	require.Equal(t, int64(5), next)
}

func TestNextNonceRangeCountBounds(t *testing.T) {
	ctx := context.Background()
	_, svc := newNonceFixture(t)

	for _, count := range []int{0, -1, MaxNonceRange + 1} {
		_, err := svc.NextNonceRange(ctx, testSigner, count)
		require.ErrorIs(t, err, domain.ErrInvalidArgument)
	}
}

func TestNextNonceRetriesLostRace(t *testing.T) {
	ctx := context.Background()
	store, svc := newNonceFixture(t)
	store.failReserve = func(call int) bool { return call <= 2 }

	got, err := svc.NextNonce(ctx, testSigner)
	require.NoError(t, err)
	require.Equal(t, int64(0), got)
}

func TestNextNonceContentionExhausted(t *testing.T) {
	ctx := context.Background()
	store, svc := newNonceFixture(t)
	store.failReserve = func(call int) bool { return call <= reserveAttempts }

	_, err := svc.NextNonce(ctx, testSigner)
	require.ErrorIs(t, err, domain.ErrContention)

	// No partial reservations survive the failed attempts.
	max, err := store.MaxNonce(ctx, mustAddr(t, testSigner))
	require.NoError(t, err)
	require.Equal(t, int64(-1), max)
}

func TestNextNonceRangeRollsBackOnMidRangeConflict(t *testing.T) {
	ctx := context.Background()
	store, svc := newNonceFixture(t)
	_, err := svc.NextNonceRange(ctx, testSigner, 2)
	require.NoError(t, err)

	// Fail the last insert of the next range's first attempt; the whole
	// attempt rolls back and the retry reserves the range cleanly.
	store.failReserve = func(call int) bool { return call == 5 }

	r, err := svc.NextNonceRange(ctx, testSigner, 3)
	require.NoError(t, err)
	require.Equal(t, domain.NonceRange{Start: 2, Count: 3}, r)

	max, err := store.MaxNonce(ctx, mustAddr(t, testSigner))
	require.NoError(t, err)
	require.Equal(t, int64(4), max)
}

func TestNextNonceConcurrentAllocationsUnique(t *testing.T) {
	ctx := context.Background()
	store, svc := newNonceFixture(t)

	const workers, perWorker = 4, 5
	results := make(chan int64, workers*perWorker)
	errs := make(chan error, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n, err := svc.NextNonce(ctx, testSigner)
				if err != nil {
					errs <- err
					return
				}
				results <- n
			}
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := map[int64]bool{}
	for n := range results {
		require.False(t, seen[n], "nonce %d issued twice", n)
		seen[n] = true
	}
	// The issued set is exactly {0 .. N-1}: no gaps, no duplicates.
	require.Len(t, seen, workers*perWorker)
	for i := int64(0); i < workers*perWorker; i++ {
		require.True(t, seen[i], "nonce %d never issued", i)
	}

	max, err := store.MaxNonce(ctx, mustAddr(t, testSigner))
	require.NoError(t, err)
	require.Equal(t, int64(workers*perWorker-1), max)
}

func TestNextNonceRateLimited(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := NewNonceService(store, store, closedLimiter{}, NonceLimits{}, testLogger())

	_, err := svc.NextNonce(ctx, testSigner)
	require.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestNextNonceRejectsBadSigner(t *testing.T) {
	ctx := context.Background()
	_, svc := newNonceFixture(t)

	_, err := svc.NextNonce(ctx, "not-an-address")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMarkUsedIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	_, svc := newNonceFixture(t)

	n, err := svc.NextNonce(ctx, testSigner)
	require.NoError(t, err)

	rec, err := svc.MarkUsed(ctx, testSigner, n, "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.NonceStatusUsed, rec.Status)
	require.Equal(t, "order-1", rec.OrderID)

	// Same order again is a no-op.
	rec, err = svc.MarkUsed(ctx, testSigner, n, "order-1")
	require.NoError(t, err)
	require.Equal(t, "order-1", rec.OrderID)

	// A different order is a replay.
	_, err = svc.MarkUsed(ctx, testSigner, n, "order-2")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestMarkUsedUnknownNonce(t *testing.T) {
	ctx := context.Background()
	_, svc := newNonceFixture(t)

	_, err := svc.MarkUsed(ctx, testSigner, 7, "order-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusReportsLifecycle(t *testing.T) {
	ctx := context.Background()
	_, svc := newNonceFixture(t)

	n, err := svc.NextNonce(ctx, testSigner)
	require.NoError(t, err)

	rec, err := svc.Status(ctx, testSigner, n)
	require.NoError(t, err)
	require.Equal(t, domain.NonceStatusReserved, rec.Status)

	_, err = svc.MarkUsed(ctx, testSigner, n, "order-1")
	require.NoError(t, err)

	rec, err = svc.Status(ctx, testSigner, n)
	require.NoError(t, err)
	require.Equal(t, domain.NonceStatusUsed, rec.Status)

	_, err = svc.Status(ctx, testSigner, 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
