package domain

import (
	"math/big"
	"time"
)

// ListingStatus tracks the listing lifecycle. SOLD and CANCELLED are
// terminal; re-listing an item requires a brand-new Listing row.
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "ACTIVE"
	ListingStatusSold      ListingStatus = "SOLD"
	ListingStatusCancelled ListingStatus = "CANCELLED"
)

// Listing is one offer to sell one unit of one token at a fixed price. At
// most one ACTIVE listing exists per (NFTContract, TokenID, Maker) triple,
// enforced by a partial unique index in the store.
type Listing struct {
	ID          string
	NFTContract string
	TokenID     string
	Maker       string
	Price       *big.Int // wei
	Nonce       int64    // per-maker nonce embedded in the signed order
	Signature   string   // order signature, verified upstream
	Status      ListingStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cancel applies the explicit delist transition (ACTIVE -> CANCELLED).
// Cancelling a terminal listing is a client-side replay or bug.
func (l *Listing) Cancel() error {
	if l.Status != ListingStatusActive {
		return ErrConflict
	}
	l.Status = ListingStatusCancelled
	return nil
}

// ApplyEvent advances the listing for a confirmed on-chain occurrence.
// A second event for a listing already in the state the event produces is
// reported as ErrDuplicateEvent; an event whose precondition state is gone
// (the other terminal state) is ErrOrphanEvent.
func (l *Listing) ApplyEvent(kind EventKind) error {
	switch kind {
	case EventCancel:
		switch l.Status {
		case ListingStatusActive:
			l.Status = ListingStatusCancelled
			return nil
		case ListingStatusCancelled:
			return ErrDuplicateEvent
		default:
			return ErrOrphanEvent
		}
	case EventPurchase, EventAcceptBid:
		switch l.Status {
		case ListingStatusActive:
			l.Status = ListingStatusSold
			return nil
		case ListingStatusSold:
			return ErrDuplicateEvent
		default:
			return ErrOrphanEvent
		}
	default:
		return ErrOrphanEvent
	}
}
