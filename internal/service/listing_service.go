package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/tokenbay/marketd/internal/domain"
)

// CreateListingInput carries a signed, upstream-verified sell order.
type CreateListingInput struct {
	NFTContract string
	TokenID     string
	Maker       string
	Price       *big.Int
	Nonce       int64
	Signature   string
}

// ListingService handles the request-path listing lifecycle: creation from a
// signed order and explicit maker cancellation. On-chain confirmations for
// listings flow through the Reconciler, not here.
type ListingService struct {
	tx         domain.TxRunner
	listings   domain.ListingStore
	nonces     domain.NonceStore
	aggregates *AggregateService
	logger     *slog.Logger
}

// NewListingService creates a ListingService with all required dependencies.
func NewListingService(
	tx domain.TxRunner,
	listings domain.ListingStore,
	nonces domain.NonceStore,
	aggregates *AggregateService,
	logger *slog.Logger,
) *ListingService {
	return &ListingService{
		tx:         tx,
		listings:   listings,
		nonces:     nonces,
		aggregates: aggregates,
		logger:     logger,
	}
}

// Create validates and persists a new ACTIVE listing, consuming the order
// nonce in the same transaction. A replayed order fails on the nonce (already
// used by another order id) before the listing uniqueness check is reached.
func (s *ListingService) Create(ctx context.Context, in CreateListingInput) (domain.Listing, error) {
	contract, err := domain.NormalizeAddress(in.NFTContract)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: contract: %w", err)
	}
	maker, err := domain.NormalizeAddress(in.Maker)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: maker: %w", err)
	}
	if in.TokenID == "" {
		return domain.Listing{}, fmt.Errorf("listing_service: %w: token id required", domain.ErrInvalidArgument)
	}
	if in.Price == nil || in.Price.Sign() <= 0 {
		return domain.Listing{}, fmt.Errorf("listing_service: %w: price must be positive", domain.ErrInvalidArgument)
	}
	if in.Nonce < 0 {
		return domain.Listing{}, fmt.Errorf("listing_service: %w: nonce must be non-negative", domain.ErrInvalidArgument)
	}
	if in.Signature == "" {
		return domain.Listing{}, fmt.Errorf("listing_service: %w: signature required", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	l := domain.Listing{
		ID:          uuid.NewString(),
		NFTContract: contract,
		TokenID:     in.TokenID,
		Maker:       maker,
		Price:       new(big.Int).Set(in.Price),
		Nonce:       in.Nonce,
		Signature:   in.Signature,
		Status:      domain.ListingStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.nonces.MarkUsed(ctx, maker, in.Nonce, l.ID); err != nil {
			return fmt.Errorf("consume nonce %d: %w", in.Nonce, err)
		}
		return s.listings.Create(ctx, l)
	})
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "listing_service: listing created",
		slog.String("id", l.ID),
		slog.String("contract", contract),
		slog.String("token_id", in.TokenID),
		slog.String("maker", maker),
	)
	if err := s.aggregates.RecomputeFloor(ctx, contract); err != nil {
		s.logger.WarnContext(ctx, "listing_service: floor recompute failed",
			slog.String("contract", contract), slog.Any("error", err))
	}
	return l, nil
}

// Cancel delists an ACTIVE listing at the maker's request. Only the maker
// may cancel; cancelling a terminal listing is ErrConflict.
func (s *ListingService) Cancel(ctx context.Context, id, maker string) (domain.Listing, error) {
	maker, err := domain.NormalizeAddress(maker)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: maker: %w", err)
	}

	var l domain.Listing
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		l, err = s.listings.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if l.Maker != maker {
			return fmt.Errorf("%w: listing %s is not owned by %s", domain.ErrConflict, id, maker)
		}
		if err := l.Cancel(); err != nil {
			return fmt.Errorf("cancel listing %s: %w", id, err)
		}
		l.UpdatedAt = time.Now().UTC()
		return s.listings.Update(ctx, l)
	})
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: %w", err)
	}

	s.logger.InfoContext(ctx, "listing_service: listing cancelled",
		slog.String("id", l.ID), slog.String("maker", maker))
	if err := s.aggregates.RecomputeFloor(ctx, l.NFTContract); err != nil {
		s.logger.WarnContext(ctx, "listing_service: floor recompute failed",
			slog.String("contract", l.NFTContract), slog.Any("error", err))
	}
	return l, nil
}

// Get returns one listing by id.
func (s *ListingService) Get(ctx context.Context, id string) (domain.Listing, error) {
	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: get %s: %w", id, err)
	}
	return l, nil
}

// ListByToken returns listings for one item, newest first.
func (s *ListingService) ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Listing, error) {
	contract, err := domain.NormalizeAddress(contract)
	if err != nil {
		return nil, fmt.Errorf("listing_service: contract: %w", err)
	}
	ls, err := s.listings.ListByToken(ctx, contract, tokenID, opts)
	if err != nil {
		return nil, fmt.Errorf("listing_service: list %s/%s: %w", contract, tokenID, err)
	}
	return ls, nil
}
