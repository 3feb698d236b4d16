package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/tokenbay/marketd/internal/domain"
)

// AggregateService maintains the derived per-collection read model. The
// floor price is always recomputed from the listings table rather than
// patched incrementally, so a recalculation can never drift from the source
// of truth; volume is the only additive counter.
type AggregateService struct {
	listings   domain.ListingStore
	aggregates domain.AggregateStore
	cache      domain.AggregateCache
	logger     *slog.Logger
}

// NewAggregateService creates an AggregateService. cache may be nil when no
// caching layer is configured.
func NewAggregateService(
	listings domain.ListingStore,
	aggregates domain.AggregateStore,
	cache domain.AggregateCache,
	logger *slog.Logger,
) *AggregateService {
	return &AggregateService{
		listings:   listings,
		aggregates: aggregates,
		cache:      cache,
		logger:     logger,
	}
}

// RecomputeFloor recalculates the floor for contract from ACTIVE listings and
// stores it. Contracts not present in the collection registry are skipped:
// the marketplace may carry listings for collections it does not index.
func (s *AggregateService) RecomputeFloor(ctx context.Context, contract string) error {
	col, err := s.aggregates.GetByContract(ctx, contract)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "aggregate_service: contract not indexed, floor skipped",
				slog.String("contract", contract))
			return nil
		}
		return fmt.Errorf("aggregate_service: lookup collection %s: %w", contract, err)
	}

	floor, err := s.listings.FloorPrice(ctx, contract)
	if err != nil {
		return fmt.Errorf("aggregate_service: floor of %s: %w", contract, err)
	}
	if err := s.aggregates.SetFloor(ctx, col, floor); err != nil {
		return fmt.Errorf("aggregate_service: set floor of %s: %w", contract, err)
	}
	s.invalidate(ctx, contract)
	return nil
}

// RecordVolume adds amount to the collection's running trade volume.
// Unindexed contracts are skipped. A nil or non-positive amount is a no-op.
func (s *AggregateService) RecordVolume(ctx context.Context, contract string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	col, err := s.aggregates.GetByContract(ctx, contract)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "aggregate_service: contract not indexed, volume skipped",
				slog.String("contract", contract))
			return nil
		}
		return fmt.Errorf("aggregate_service: lookup collection %s: %w", contract, err)
	}
	if err := s.aggregates.AddVolume(ctx, col, amount); err != nil {
		return fmt.Errorf("aggregate_service: add volume of %s: %w", contract, err)
	}
	s.invalidate(ctx, contract)
	return nil
}

// Aggregate returns the current aggregate for contract, reading through the
// cache when one is configured.
func (s *AggregateService) Aggregate(ctx context.Context, contract string) (domain.CollectionAggregate, error) {
	contract, err := domain.NormalizeAddress(contract)
	if err != nil {
		return domain.CollectionAggregate{}, fmt.Errorf("aggregate_service: %w", err)
	}

	if s.cache != nil {
		agg, ok, err := s.cache.Get(ctx, contract)
		if err != nil {
			s.logger.WarnContext(ctx, "aggregate_service: cache read failed",
				slog.String("contract", contract), slog.Any("error", err))
		} else if ok {
			return agg, nil
		}
	}

	agg, err := s.aggregates.GetAggregate(ctx, contract)
	if err != nil {
		return domain.CollectionAggregate{}, fmt.Errorf("aggregate_service: aggregate of %s: %w", contract, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, agg); err != nil {
			s.logger.WarnContext(ctx, "aggregate_service: cache write failed",
				slog.String("contract", contract), slog.Any("error", err))
		}
	}
	return agg, nil
}

// invalidate drops the cached aggregate. Cache failures are logged, never
// surfaced: the store row is authoritative and the entry expires on its own.
func (s *AggregateService) invalidate(ctx context.Context, contract string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, contract); err != nil {
		s.logger.WarnContext(ctx, "aggregate_service: cache invalidation failed",
			slog.String("contract", contract), slog.Any("error", err))
	}
}
