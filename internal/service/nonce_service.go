// Package service implements the marketplace core: nonce allocation,
// listing/bid transitions, on-chain event reconciliation, and the derived
// collection aggregates. Services coordinate through store transactions
// only; none of them holds in-process mutable state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
)

const (
	// MaxNonceRange caps a single range allocation.
	MaxNonceRange = 50

	// reserveAttempts bounds the optimistic-insert retry loop.
	reserveAttempts = 5
	// reserveBackoff is the base delay, doubled per attempt.
	reserveBackoff = 20 * time.Millisecond

	// defaultNonceRateLimit / defaultNonceRateWindow bound allocations per
	// signer when the operator sets no limits.
	defaultNonceRateLimit  = 20
	defaultNonceRateWindow = time.Second
)

// NonceLimits tunes per-signer allocation throttling. Zero fields fall back
// to the package defaults.
type NonceLimits struct {
	MaxRange   int
	RateLimit  int
	RateWindow time.Duration
}

func (l NonceLimits) withDefaults() NonceLimits {
	if l.MaxRange <= 0 {
		l.MaxRange = MaxNonceRange
	}
	if l.RateLimit <= 0 {
		l.RateLimit = defaultNonceRateLimit
	}
	if l.RateWindow <= 0 {
		l.RateWindow = defaultNonceRateWindow
	}
	return l
}

// NonceService is the durable per-signer sequence allocator. Uniqueness and
// monotonicity come from the store's (signer, nonce) constraint: allocation
// reads the current max, inserts max+1, and retries with backoff when a
// concurrent caller won the candidate.
type NonceService struct {
	tx      domain.TxRunner
	nonces  domain.NonceStore
	limiter domain.RateLimiter
	limits  NonceLimits
	logger  *slog.Logger
}

// NewNonceService creates a NonceService with all required dependencies.
func NewNonceService(
	tx domain.TxRunner,
	nonces domain.NonceStore,
	limiter domain.RateLimiter,
	limits NonceLimits,
	logger *slog.Logger,
) *NonceService {
	return &NonceService{
		tx:      tx,
		nonces:  nonces,
		limiter: limiter,
		limits:  limits.withDefaults(),
		logger:  logger,
	}
}

// NextNonce reserves and returns the next nonce for signer.
func (s *NonceService) NextNonce(ctx context.Context, signer string) (int64, error) {
	r, err := s.NextNonceRange(ctx, signer, 1)
	if err != nil {
		return 0, err
	}
	return r.Start, nil
}

// NextNonceRange reserves count contiguous nonces for signer and returns
// the range [Start, Start+Count). The whole range is reserved in one
// transaction: a conflict on any candidate rolls every reservation back, so
// callers never observe a gap.
func (s *NonceService) NextNonceRange(ctx context.Context, signer string, count int) (domain.NonceRange, error) {
	signer, err := domain.NormalizeAddress(signer)
	if err != nil {
		return domain.NonceRange{}, fmt.Errorf("nonce_service: %w", err)
	}
	if count < 1 || count > s.limits.MaxRange {
		return domain.NonceRange{}, fmt.Errorf("nonce_service: %w: count %d outside [1,%d]",
			domain.ErrInvalidArgument, count, s.limits.MaxRange)
	}

	allowed, err := s.limiter.Allow(ctx, "nonces:"+signer, s.limits.RateLimit, s.limits.RateWindow)
	if err != nil {
		return domain.NonceRange{}, fmt.Errorf("nonce_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.NonceRange{}, fmt.Errorf("nonce_service: signer %s: %w", signer, domain.ErrRateLimited)
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		var start int64
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			max, err := s.nonces.MaxNonce(ctx, signer)
			if err != nil {
				return err
			}
			start = max + 1
			now := time.Now().UTC()
			for i := 0; i < count; i++ {
				rec := domain.NonceRecord{
					SignerAddress: signer,
					Nonce:         start + int64(i),
					Status:        domain.NonceStatusReserved,
					CreatedAt:     now,
				}
				if err := s.nonces.Reserve(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			s.logger.DebugContext(ctx, "nonce_service: range reserved",
				slog.String("signer", signer),
				slog.Int64("start", start),
				slog.Int("count", count),
			)
			return domain.NonceRange{Start: start, Count: count}, nil
		}
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return domain.NonceRange{}, fmt.Errorf("nonce_service: reserve for %s: %w", signer, err)
		}

		// Lost the race for a candidate; back off and re-read the max.
		select {
		case <-ctx.Done():
			return domain.NonceRange{}, fmt.Errorf("nonce_service: reserve for %s: %w", signer, ctx.Err())
		case <-time.After(reserveBackoff << attempt):
		}
	}

	s.logger.WarnContext(ctx, "nonce_service: reservation retries exhausted",
		slog.String("signer", signer),
		slog.Int("attempts", reserveAttempts),
	)
	return domain.NonceRange{}, fmt.Errorf("nonce_service: signer %s: %w", signer, domain.ErrContention)
}

// Status reports the state of one issued nonce.
func (s *NonceService) Status(ctx context.Context, signer string, nonce int64) (domain.NonceRecord, error) {
	signer, err := domain.NormalizeAddress(signer)
	if err != nil {
		return domain.NonceRecord{}, fmt.Errorf("nonce_service: %w", err)
	}
	rec, err := s.nonces.Get(ctx, signer, nonce)
	if err != nil {
		return domain.NonceRecord{}, fmt.Errorf("nonce_service: status of %s/%d: %w", signer, nonce, err)
	}
	return rec, nil
}

// MarkUsed flips a reservation to USED for the given order. Marking again
// with the same order id is an idempotent no-op; with a different order id
// it fails with a conflict, which is how a replayed signed payload is
// detected before it ever reaches the chain.
func (s *NonceService) MarkUsed(ctx context.Context, signer string, nonce int64, orderID string) (domain.NonceRecord, error) {
	signer, err := domain.NormalizeAddress(signer)
	if err != nil {
		return domain.NonceRecord{}, fmt.Errorf("nonce_service: %w", err)
	}
	rec, err := s.nonces.MarkUsed(ctx, signer, nonce, orderID)
	if err != nil {
		return domain.NonceRecord{}, fmt.Errorf("nonce_service: mark used %s/%d: %w", signer, nonce, err)
	}
	return rec, nil
}
