package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// TxRunner executes fn inside one store transaction; every store call made
// with the ctx passed to fn joins that transaction. Calling RunInTx again
// from inside fn opens a nested transaction (savepoint): the inner fn's
// writes roll back on error without discarding the outer transaction. This
// nesting is what lets the reconciler keep its audit row while rolling back
// a rejected business transition.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NonceStore persists per-signer nonce reservations.
type NonceStore interface {
	// MaxNonce returns the highest nonce ever issued for signer, or -1 when
	// none exists.
	MaxNonce(ctx context.Context, signer string) (int64, error)
	// Reserve inserts a RESERVED record; ErrAlreadyExists when the
	// (signer, nonce) pair was won by a concurrent caller.
	Reserve(ctx context.Context, rec NonceRecord) error
	Get(ctx context.Context, signer string, nonce int64) (NonceRecord, error)
	// MarkUsed flips RESERVED -> USED and stamps orderID. Marking a nonce
	// already USED by the same order is an idempotent no-op; by a different
	// order it is ErrConflict.
	MarkUsed(ctx context.Context, signer string, nonce int64, orderID string) (NonceRecord, error)
}

// ListingStore persists sell listings.
type ListingStore interface {
	// Create inserts a listing; ErrAlreadyListed when an ACTIVE listing
	// already exists for the (contract, token, maker) triple.
	Create(ctx context.Context, l Listing) error
	Update(ctx context.Context, l Listing) error
	GetByID(ctx context.Context, id string) (Listing, error)
	// Latest returns the most recently created listing for the triple.
	Latest(ctx context.Context, contract, tokenID, maker string) (Listing, error)
	// ActiveByToken returns the ACTIVE listing for an item, any maker.
	ActiveByToken(ctx context.Context, contract, tokenID string) (Listing, error)
	ListByToken(ctx context.Context, contract, tokenID string, opts ListOpts) ([]Listing, error)
	// FloorPrice returns MIN(price) over ACTIVE listings for the contract,
	// or nil when there are none.
	FloorPrice(ctx context.Context, contract string) (*big.Int, error)
}

// BidStore persists buy bids.
type BidStore interface {
	// Create inserts a bid; ErrDuplicateBid when the bidder already has a
	// PLACED bid on the item.
	Create(ctx context.Context, b Bid) error
	Update(ctx context.Context, b Bid) error
	GetByID(ctx context.Context, id string) (Bid, error)
	// ByBidder returns the most recent bid for the (contract, token,
	// bidder) triple regardless of status.
	ByBidder(ctx context.Context, contract, tokenID, bidder string) (Bid, error)
	ListByToken(ctx context.Context, contract, tokenID string, opts ListOpts) ([]Bid, error)
}

// TransactionStore persists the append-only on-chain audit trail.
type TransactionStore interface {
	// Insert writes one audit row; ErrAlreadyExists when the tx hash was
	// recorded before.
	Insert(ctx context.Context, rec TransactionRecord) error
	GetByHash(ctx context.Context, txHash string) (TransactionRecord, error)
	ListByContract(ctx context.Context, contract string, opts ListOpts) ([]TransactionRecord, error)
	// ListCreatedAfter returns rows created strictly after the cutoff,
	// oldest first, for archival export.
	ListCreatedAfter(ctx context.Context, after time.Time, limit int) ([]TransactionRecord, error)
}

// CollectionRegistry is the read-only contract -> collection lookup consumed
// by the aggregate recalculator.
type CollectionRegistry interface {
	GetByContract(ctx context.Context, contract string) (Collection, error)
}

// AggregateStore persists the derived per-collection read model.
type AggregateStore interface {
	CollectionRegistry
	// SetFloor upserts the aggregate row with the given floor price (nil
	// clears it).
	SetFloor(ctx context.Context, col Collection, floor *big.Int) error
	// AddVolume increments the running trade volume.
	AddVolume(ctx context.Context, col Collection, delta *big.Int) error
	GetAggregate(ctx context.Context, contract string) (CollectionAggregate, error)
}
