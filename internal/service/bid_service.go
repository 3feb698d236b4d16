package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/tokenbay/marketd/internal/domain"
)

// PlaceBidInput carries a new buy offer for one item.
type PlaceBidInput struct {
	ContractAddress string
	TokenID         string
	Bidder          string
	Amount          *big.Int
}

// BidService handles the request-path bid lifecycle: placement, the seller's
// accept, and the bidder's withdraw. On-chain confirmations flow through the
// Reconciler and are gated there by the bid's event flags.
type BidService struct {
	tx         domain.TxRunner
	bids       domain.BidStore
	listings   domain.ListingStore
	aggregates *AggregateService
	logger     *slog.Logger
}

// NewBidService creates a BidService with all required dependencies.
func NewBidService(
	tx domain.TxRunner,
	bids domain.BidStore,
	listings domain.ListingStore,
	aggregates *AggregateService,
	logger *slog.Logger,
) *BidService {
	return &BidService{
		tx:         tx,
		bids:       bids,
		listings:   listings,
		aggregates: aggregates,
		logger:     logger,
	}
}

// Place records a new PLACED bid. A bidder holds at most one PLACED bid per
// item; a second attempt fails with ErrDuplicateBid from the store.
func (s *BidService) Place(ctx context.Context, in PlaceBidInput) (domain.Bid, error) {
	contract, err := domain.NormalizeAddress(in.ContractAddress)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: contract: %w", err)
	}
	bidder, err := domain.NormalizeAddress(in.Bidder)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: bidder: %w", err)
	}
	if in.TokenID == "" {
		return domain.Bid{}, fmt.Errorf("bid_service: %w: token id required", domain.ErrInvalidArgument)
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return domain.Bid{}, fmt.Errorf("bid_service: %w: amount must be positive", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	b := domain.Bid{
		ID:              uuid.NewString(),
		ContractAddress: contract,
		TokenID:         in.TokenID,
		Bidder:          bidder,
		Amount:          new(big.Int).Set(in.Amount),
		Status:          domain.BidStatusPlaced,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.bids.Create(ctx, b); err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: place: %w", err)
	}

	s.logger.InfoContext(ctx, "bid_service: bid placed",
		slog.String("id", b.ID),
		slog.String("contract", contract),
		slog.String("token_id", in.TokenID),
		slog.String("bidder", bidder),
	)
	return b, nil
}

// Accept applies the seller's accept to a PLACED bid. The seller must hold
// the item's ACTIVE listing; it is marked SOLD in the same transaction.
func (s *BidService) Accept(ctx context.Context, bidID, seller string) (domain.Bid, error) {
	seller, err := domain.NormalizeAddress(seller)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: seller: %w", err)
	}

	var b domain.Bid
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		b, err = s.bids.GetByID(ctx, bidID)
		if err != nil {
			return err
		}
		if err := b.Accept(); err != nil {
			return fmt.Errorf("accept bid %s: %w", bidID, err)
		}
		b.UpdatedAt = time.Now().UTC()
		if err := s.bids.Update(ctx, b); err != nil {
			return err
		}

		l, err := s.listings.ActiveByToken(ctx, b.ContractAddress, b.TokenID)
		switch {
		case err == nil:
			if l.Maker != seller {
				return fmt.Errorf("%w: active listing for %s/%s belongs to %s",
					domain.ErrConflict, b.ContractAddress, b.TokenID, l.Maker)
			}
			if err := l.ApplyEvent(domain.EventAcceptBid); err != nil {
				return fmt.Errorf("close listing %s: %w", l.ID, err)
			}
			l.UpdatedAt = b.UpdatedAt
			return s.listings.Update(ctx, l)
		case errors.Is(err, domain.ErrNotFound):
			// Accepting without an open listing would record a sale the
			// chain can never confirm against local state.
			return fmt.Errorf("%w: no active listing for %s/%s",
				domain.ErrConflict, b.ContractAddress, b.TokenID)
		default:
			return err
		}
	})
	if err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: %w", err)
	}

	// Volume is credited by the reconciler when the acceptBid event
	// confirms; counting it here as well would double the trade.
	s.logger.InfoContext(ctx, "bid_service: bid accepted",
		slog.String("id", b.ID), slog.String("seller", seller))
	if err := s.aggregates.RecomputeFloor(ctx, b.ContractAddress); err != nil {
		s.logger.WarnContext(ctx, "bid_service: floor recompute failed",
			slog.String("contract", b.ContractAddress), slog.Any("error", err))
	}
	return b, nil
}

// Withdraw retracts a PLACED bid at the bidder's request. Only the bidder
// may withdraw.
func (s *BidService) Withdraw(ctx context.Context, bidID, bidder string) (domain.Bid, error) {
	bidder, err := domain.NormalizeAddress(bidder)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: bidder: %w", err)
	}

	var b domain.Bid
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		b, err = s.bids.GetByID(ctx, bidID)
		if err != nil {
			return err
		}
		if b.Bidder != bidder {
			return fmt.Errorf("%w: bid %s is not owned by %s", domain.ErrConflict, bidID, bidder)
		}
		if err := b.Withdraw(); err != nil {
			return fmt.Errorf("withdraw bid %s: %w", bidID, err)
		}
		b.UpdatedAt = time.Now().UTC()
		return s.bids.Update(ctx, b)
	})
	if err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: %w", err)
	}

	s.logger.InfoContext(ctx, "bid_service: bid withdrawn",
		slog.String("id", b.ID), slog.String("bidder", bidder))
	return b, nil
}

// Get returns one bid by id.
func (s *BidService) Get(ctx context.Context, id string) (domain.Bid, error) {
	b, err := s.bids.GetByID(ctx, id)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("bid_service: get %s: %w", id, err)
	}
	return b, nil
}

// ListByToken returns bids on one item, newest first.
func (s *BidService) ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Bid, error) {
	contract, err := domain.NormalizeAddress(contract)
	if err != nil {
		return nil, fmt.Errorf("bid_service: contract: %w", err)
	}
	bs, err := s.bids.ListByToken(ctx, contract, tokenID, opts)
	if err != nil {
		return nil, fmt.Errorf("bid_service: list %s/%s: %w", contract, tokenID, err)
	}
	return bs, nil
}
