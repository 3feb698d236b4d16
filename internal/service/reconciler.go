package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/tokenbay/marketd/internal/domain"
)

// SignalChannel and SignalStream carry reconciliation outcomes to
// downstream consumers (websocket hub, external workers).
const (
	SignalChannel = "marketd:reconciled"
	SignalStream  = "marketd:reconciled:log"
)

// Reconciler folds confirmed on-chain events into local marketplace state,
// exactly once per logical action. Three guards stack up:
//
//  1. the chain_transactions tx-hash constraint rejects redelivery of the
//     same transaction;
//  2. bid event flags and the nonce USED-with-same-order check reject the
//     same logical action arriving under a fresh tx hash;
//  3. events whose precondition state is gone are orphans.
//
// Each Apply runs as one store transaction with the business transition in a
// nested savepoint: an orphan rolls the transition back while the audit row
// commits, preserving the on-chain record of the divergence.
type Reconciler struct {
	tx         domain.TxRunner
	listings   domain.ListingStore
	bids       domain.BidStore
	nonces     domain.NonceStore
	txs        domain.TransactionStore
	aggregates *AggregateService
	bus        domain.SignalBus
	logger     *slog.Logger
}

// NewReconciler creates a Reconciler. bus may be nil when no signal fan-out
// is configured.
func NewReconciler(
	tx domain.TxRunner,
	listings domain.ListingStore,
	bids domain.BidStore,
	nonces domain.NonceStore,
	txs domain.TransactionStore,
	aggregates *AggregateService,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		tx:         tx,
		listings:   listings,
		bids:       bids,
		nonces:     nonces,
		txs:        txs,
		aggregates: aggregates,
		bus:        bus,
		logger:     logger,
	}
}

// Apply reconciles one verified event. Duplicates (same tx hash, or same
// logical action under a fresh hash) return OutcomeDuplicate with a nil
// error. Orphans return ErrOrphanEvent after committing the audit row.
func (r *Reconciler) Apply(ctx context.Context, ev domain.ChainEvent) (domain.ReconciliationResult, error) {
	ev, err := r.normalize(ev)
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("reconciler: %w", err)
	}
	res := domain.ReconciliationResult{
		Outcome: domain.OutcomeApplied,
		TxHash:  ev.TxHash,
		Kind:    ev.Kind,
	}

	var orphan error
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.txs.Insert(ctx, auditRecord(ev)); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return fmt.Errorf("tx %s seen before: %w", ev.TxHash, domain.ErrDuplicateEvent)
			}
			return fmt.Errorf("insert audit row: %w", err)
		}

		// The business transition runs in a savepoint so an orphan can roll
		// it back without discarding the audit row above.
		err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
			listing, bid, err := r.applyTransition(ctx, ev)
			if err != nil {
				return err
			}
			res.Listing = listing
			res.Bid = bid
			return nil
		})
		if errors.Is(err, domain.ErrOrphanEvent) {
			orphan = err
			return nil // keep the audit row
		}
		if err != nil {
			return err
		}

		switch ev.Kind {
		case domain.EventPurchase, domain.EventAcceptBid:
			if err := r.aggregates.RecordVolume(ctx, ev.ContractAddress, ev.Price); err != nil {
				return err
			}
			fallthrough
		case domain.EventList, domain.EventCancel:
			if err := r.aggregates.RecomputeFloor(ctx, ev.ContractAddress); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			r.logger.InfoContext(ctx, "reconciler: duplicate event",
				slog.String("tx_hash", ev.TxHash),
				slog.String("kind", string(ev.Kind)),
			)
			res.Outcome = domain.OutcomeDuplicate
			res.Listing, res.Bid = nil, nil
			return res, nil
		}
		return domain.ReconciliationResult{}, fmt.Errorf("reconciler: apply %s %s: %w", ev.Kind, ev.TxHash, err)
	}
	if orphan != nil {
		r.logger.WarnContext(ctx, "reconciler: orphan event recorded",
			slog.String("tx_hash", ev.TxHash),
			slog.String("kind", string(ev.Kind)),
			slog.String("contract", ev.ContractAddress),
			slog.String("token_id", ev.TokenID),
		)
		res.Outcome = domain.OutcomeOrphan
		res.Listing, res.Bid = nil, nil
		r.signal(ctx, res)
		return domain.ReconciliationResult{}, fmt.Errorf("reconciler: apply %s %s: %w", ev.Kind, ev.TxHash, orphan)
	}

	r.logger.InfoContext(ctx, "reconciler: event applied",
		slog.String("tx_hash", ev.TxHash),
		slog.String("kind", string(ev.Kind)),
		slog.String("contract", ev.ContractAddress),
		slog.String("token_id", ev.TokenID),
	)
	r.signal(ctx, res)
	return res, nil
}

// normalize validates the event envelope and canonicalizes its addresses.
func (r *Reconciler) normalize(ev domain.ChainEvent) (domain.ChainEvent, error) {
	var err error
	if ev.TxHash, err = domain.NormalizeTxHash(ev.TxHash); err != nil {
		return ev, fmt.Errorf("tx hash: %w", err)
	}
	if !domain.KnownEventKind(ev.Kind) {
		return ev, fmt.Errorf("%w: unknown event kind %q", domain.ErrInvalidArgument, ev.Kind)
	}
	if ev.ContractAddress, err = domain.NormalizeAddress(ev.ContractAddress); err != nil {
		return ev, fmt.Errorf("contract: %w", err)
	}
	if ev.TokenID == "" {
		return ev, fmt.Errorf("%w: token id required", domain.ErrInvalidArgument)
	}

	switch ev.Kind {
	case domain.EventList, domain.EventCancel, domain.EventPurchase:
		if ev.Maker, err = domain.NormalizeAddress(ev.Maker); err != nil {
			return ev, fmt.Errorf("maker: %w", err)
		}
	case domain.EventBid, domain.EventWithdrawBid:
		if ev.Bidder, err = domain.NormalizeAddress(ev.Bidder); err != nil {
			return ev, fmt.Errorf("bidder: %w", err)
		}
	case domain.EventAcceptBid:
		if ev.Maker, err = domain.NormalizeAddress(ev.Maker); err != nil {
			return ev, fmt.Errorf("maker: %w", err)
		}
		if ev.Bidder, err = domain.NormalizeAddress(ev.Bidder); err != nil {
			return ev, fmt.Errorf("bidder: %w", err)
		}
	}
	if ev.Taker != "" {
		if ev.Taker, err = domain.NormalizeAddress(ev.Taker); err != nil {
			return ev, fmt.Errorf("taker: %w", err)
		}
	}
	switch ev.Kind {
	case domain.EventList, domain.EventPurchase, domain.EventBid, domain.EventAcceptBid:
		if ev.Price == nil || ev.Price.Sign() <= 0 {
			return ev, fmt.Errorf("%w: %s event requires a positive price", domain.ErrInvalidArgument, ev.Kind)
		}
	}
	return ev, nil
}

// applyTransition dispatches one event to its target entity. Returned
// ErrDuplicateEvent / ErrOrphanEvent unwind through Apply's savepoint.
func (r *Reconciler) applyTransition(ctx context.Context, ev domain.ChainEvent) (*domain.Listing, *domain.Bid, error) {
	switch ev.Kind {
	case domain.EventList:
		l, err := r.applyList(ctx, ev)
		return l, nil, err
	case domain.EventCancel, domain.EventPurchase:
		l, err := r.applyListingEvent(ctx, ev)
		return l, nil, err
	case domain.EventBid:
		b, err := r.applyBidPlaced(ctx, ev)
		return nil, b, err
	case domain.EventAcceptBid:
		return r.applyBidAccepted(ctx, ev)
	case domain.EventWithdrawBid:
		b, err := r.applyBidWithdrawn(ctx, ev)
		return nil, b, err
	default:
		return nil, nil, fmt.Errorf("%w: unknown event kind %q", domain.ErrOrphanEvent, ev.Kind)
	}
}

// applyList confirms a listing on chain. When the listing was created
// through the API its nonce is already USED with that listing's id, which is
// the duplicate signal; an unknown (contract, token, maker, nonce) creates
// the listing here, consuming the nonce.
func (r *Reconciler) applyList(ctx context.Context, ev domain.ChainEvent) (*domain.Listing, error) {
	l, err := r.listings.Latest(ctx, ev.ContractAddress, ev.TokenID, ev.Maker)
	if err == nil && l.Nonce == ev.Nonce {
		rec, err := r.nonces.Get(ctx, ev.Maker, ev.Nonce)
		if err != nil {
			return nil, fmt.Errorf("nonce %d of %s: %w", ev.Nonce, ev.Maker, err)
		}
		if rec.Status == domain.NonceStatusUsed && rec.OrderID == l.ID {
			return nil, domain.ErrDuplicateEvent
		}
		if _, err := r.nonces.MarkUsed(ctx, ev.Maker, ev.Nonce, l.ID); err != nil {
			return nil, reconcileNonceErr(ev, err)
		}
		return &l, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lookup listing: %w", err)
	}

	now := time.Now().UTC()
	created := domain.Listing{
		ID:          uuid.NewString(),
		NFTContract: ev.ContractAddress,
		TokenID:     ev.TokenID,
		Maker:       ev.Maker,
		Price:       new(big.Int).Set(ev.Price),
		Nonce:       ev.Nonce,
		Status:      domain.ListingStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := r.nonces.MarkUsed(ctx, ev.Maker, ev.Nonce, created.ID); err != nil {
		return nil, reconcileNonceErr(ev, err)
	}
	if err := r.listings.Create(ctx, created); err != nil {
		if errors.Is(err, domain.ErrAlreadyListed) {
			// An ACTIVE listing under a different nonce holds the slot; this
			// event does not correspond to it.
			return nil, fmt.Errorf("%w: maker %s already has an active listing for %s/%s",
				domain.ErrOrphanEvent, ev.Maker, ev.ContractAddress, ev.TokenID)
		}
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return &created, nil
}

// applyListingEvent handles cancel and purchase against the maker's latest
// listing; the entity's own transition table decides duplicate vs orphan.
func (r *Reconciler) applyListingEvent(ctx context.Context, ev domain.ChainEvent) (*domain.Listing, error) {
	l, err := r.listings.Latest(ctx, ev.ContractAddress, ev.TokenID, ev.Maker)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no listing for %s/%s by %s",
				domain.ErrOrphanEvent, ev.ContractAddress, ev.TokenID, ev.Maker)
		}
		return nil, fmt.Errorf("lookup listing: %w", err)
	}
	if err := l.ApplyEvent(ev.Kind); err != nil {
		return nil, err
	}
	if ev.Kind == domain.EventPurchase {
		if _, err := r.nonces.MarkUsed(ctx, ev.Maker, l.Nonce, l.ID); err != nil {
			return nil, reconcileNonceErr(ev, err)
		}
	}
	l.UpdatedAt = time.Now().UTC()
	if err := r.listings.Update(ctx, l); err != nil {
		return nil, fmt.Errorf("update listing %s: %w", l.ID, err)
	}
	return &l, nil
}

// applyBidPlaced confirms a bid placement, creating the PLACED row when the
// bid never went through the API.
func (r *Reconciler) applyBidPlaced(ctx context.Context, ev domain.ChainEvent) (*domain.Bid, error) {
	b, err := r.bids.ByBidder(ctx, ev.ContractAddress, ev.TokenID, ev.Bidder)
	if errors.Is(err, domain.ErrNotFound) {
		now := time.Now().UTC()
		created := domain.Bid{
			ID:              uuid.NewString(),
			ContractAddress: ev.ContractAddress,
			TokenID:         ev.TokenID,
			Bidder:          ev.Bidder,
			Amount:          new(big.Int).Set(ev.Price),
			Status:          domain.BidStatusPlaced,
			Flags:           domain.FlagPlaceApplied,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := r.bids.Create(ctx, created); err != nil {
			return nil, fmt.Errorf("create bid: %w", err)
		}
		return &created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup bid: %w", err)
	}

	if err := b.ApplyEvent(domain.EventBid); err != nil {
		return nil, err
	}
	b.UpdatedAt = time.Now().UTC()
	if err := r.bids.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("update bid %s: %w", b.ID, err)
	}
	return &b, nil
}

// applyBidAccepted confirms a sale through a bid. The bid's accept flag is
// the idempotency guard; the maker's ACTIVE listing closes in the same
// savepoint with its nonce consumed. A missing listing is tolerated only
// when a request-path accept already sold it; for a still-PLACED bid it
// means the precondition state is gone.
func (r *Reconciler) applyBidAccepted(ctx context.Context, ev domain.ChainEvent) (*domain.Listing, *domain.Bid, error) {
	b, err := r.bids.ByBidder(ctx, ev.ContractAddress, ev.TokenID, ev.Bidder)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: no bid on %s/%s by %s",
				domain.ErrOrphanEvent, ev.ContractAddress, ev.TokenID, ev.Bidder)
		}
		return nil, nil, fmt.Errorf("lookup bid: %w", err)
	}
	wasPlaced := b.Status == domain.BidStatusPlaced
	if err := b.ApplyEvent(domain.EventAcceptBid); err != nil {
		return nil, nil, err
	}
	b.UpdatedAt = time.Now().UTC()
	if err := r.bids.Update(ctx, b); err != nil {
		return nil, nil, fmt.Errorf("update bid %s: %w", b.ID, err)
	}

	// A request-path accept may already have sold the listing; only an
	// ACTIVE one is left to close here.
	l, err := r.listings.ActiveByToken(ctx, ev.ContractAddress, ev.TokenID)
	switch {
	case err == nil:
		if err := l.ApplyEvent(domain.EventAcceptBid); err != nil {
			return nil, nil, err
		}
		if _, err := r.nonces.MarkUsed(ctx, l.Maker, l.Nonce, l.ID); err != nil {
			return nil, nil, reconcileNonceErr(ev, err)
		}
		l.UpdatedAt = b.UpdatedAt
		if err := r.listings.Update(ctx, l); err != nil {
			return nil, nil, fmt.Errorf("update listing %s: %w", l.ID, err)
		}
		return &l, &b, nil
	case errors.Is(err, domain.ErrNotFound):
		if wasPlaced {
			return nil, nil, fmt.Errorf("%w: no active listing for %s/%s to close",
				domain.ErrOrphanEvent, ev.ContractAddress, ev.TokenID)
		}
		return nil, &b, nil
	default:
		return nil, nil, fmt.Errorf("lookup active listing: %w", err)
	}
}

// applyBidWithdrawn confirms a bid withdrawal on chain.
func (r *Reconciler) applyBidWithdrawn(ctx context.Context, ev domain.ChainEvent) (*domain.Bid, error) {
	b, err := r.bids.ByBidder(ctx, ev.ContractAddress, ev.TokenID, ev.Bidder)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no bid on %s/%s by %s",
				domain.ErrOrphanEvent, ev.ContractAddress, ev.TokenID, ev.Bidder)
		}
		return nil, fmt.Errorf("lookup bid: %w", err)
	}
	if err := b.ApplyEvent(domain.EventWithdrawBid); err != nil {
		return nil, err
	}
	b.UpdatedAt = time.Now().UTC()
	if err := r.bids.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("update bid %s: %w", b.ID, err)
	}
	return &b, nil
}

// Transactions returns the audit trail for one contract, newest first.
func (r *Reconciler) Transactions(ctx context.Context, contract string, opts domain.ListOpts) ([]domain.TransactionRecord, error) {
	contract, err := domain.NormalizeAddress(contract)
	if err != nil {
		return nil, fmt.Errorf("reconciler: contract: %w", err)
	}
	recs, err := r.txs.ListByContract(ctx, contract, opts)
	if err != nil {
		return nil, fmt.Errorf("reconciler: transactions of %s: %w", contract, err)
	}
	return recs, nil
}

// Transaction returns one audit row by tx hash.
func (r *Reconciler) Transaction(ctx context.Context, txHash string) (domain.TransactionRecord, error) {
	txHash, err := domain.NormalizeTxHash(txHash)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("reconciler: %w", err)
	}
	rec, err := r.txs.GetByHash(ctx, txHash)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("reconciler: transaction %s: %w", txHash, err)
	}
	return rec, nil
}

// signal fans an applied or orphan outcome out on the bus, best effort.
func (r *Reconciler) signal(ctx context.Context, res domain.ReconciliationResult) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"outcome": res.Outcome,
		"tx_hash": res.TxHash,
		"kind":    res.Kind,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, SignalChannel, payload); err != nil {
		r.logger.WarnContext(ctx, "reconciler: signal publish failed", slog.Any("error", err))
	}
	if err := r.bus.StreamAppend(ctx, SignalStream, payload); err != nil {
		r.logger.WarnContext(ctx, "reconciler: signal append failed", slog.Any("error", err))
	}
}

// reconcileNonceErr maps nonce ledger failures during reconciliation to the
// event taxonomy: a missing or differently-consumed nonce means on-chain and
// off-chain state have diverged.
func reconcileNonceErr(ev domain.ChainEvent, err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%w: nonce ledger rejects %s event %s: %v",
			domain.ErrOrphanEvent, ev.Kind, ev.TxHash, err)
	}
	return fmt.Errorf("consume nonce: %w", err)
}

// auditRecord maps an event to its immutable audit row.
func auditRecord(ev domain.ChainEvent) domain.TransactionRecord {
	rec := domain.TransactionRecord{
		TxHash:          ev.TxHash,
		Method:          string(ev.Kind),
		ContractAddress: ev.ContractAddress,
		TokenID:         ev.TokenID,
		Price:           ev.Price,
		BlockNumber:     ev.BlockNumber,
		BlockTime:       ev.BlockTime,
		GasUsed:         ev.GasUsed,
		CreatedAt:       time.Now().UTC(),
	}
	switch ev.Kind {
	case domain.EventList, domain.EventCancel:
		rec.From = ev.Maker
	case domain.EventPurchase:
		rec.From = ev.Maker
		rec.To = ev.Taker
	case domain.EventBid, domain.EventWithdrawBid:
		rec.From = ev.Bidder
	case domain.EventAcceptBid:
		rec.From = ev.Maker
		rec.To = ev.Bidder
	}
	return rec
}
