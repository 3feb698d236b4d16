package domain

import (
	"math/big"
	"time"
)

// BidStatus tracks the bid lifecycle. ACCEPTED and WITHDRAWN are terminal.
type BidStatus string

const (
	BidStatusPlaced    BidStatus = "PLACED"
	BidStatusAccepted  BidStatus = "ACCEPTED"
	BidStatusWithdrawn BidStatus = "WITHDRAWN"
)

// EventFlags is a one-way bitset recording which on-chain event kinds have
// been applied to a bid. Each flag may be set at most once; the flags are
// what keep redelivered notifications with fresh tx hashes from
// double-applying irreversible transitions.
type EventFlags uint8

const (
	FlagPlaceApplied EventFlags = 1 << iota
	FlagAcceptApplied
	FlagWithdrawApplied
)

// Has reports whether every flag in f is set.
func (e EventFlags) Has(f EventFlags) bool { return e&f == f }

// Bid is one offer to buy, competing against other bids on the same item.
// At most one PLACED bid exists per (ContractAddress, TokenID, Bidder),
// enforced by a partial unique index in the store.
type Bid struct {
	ID              string
	ContractAddress string
	TokenID         string
	Bidder          string
	Amount          *big.Int // wei
	Status          BidStatus
	Flags           EventFlags
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Accept applies the seller's accept transition (PLACED -> ACCEPTED) on the
// request path. The on-chain confirmation arrives later as an acceptBid
// event and is gated separately by FlagAcceptApplied.
func (b *Bid) Accept() error {
	if b.Status != BidStatusPlaced {
		return ErrConflict
	}
	b.Status = BidStatusAccepted
	return nil
}

// Withdraw applies the bidder's withdraw transition (PLACED -> WITHDRAWN)
// on the request path.
func (b *Bid) Withdraw() error {
	if b.Status != BidStatusPlaced {
		return ErrConflict
	}
	b.Status = BidStatusWithdrawn
	return nil
}

// ApplyEvent advances the bid for a confirmed on-chain occurrence. The
// relevant flag being set already means the logical action was applied
// before, regardless of tx hash, so the event is a duplicate. An event whose
// precondition state is unreachable (the opposite terminal state) is an
// orphan: on-chain and off-chain state have diverged.
func (b *Bid) ApplyEvent(kind EventKind) error {
	switch kind {
	case EventBid:
		if b.Flags.Has(FlagPlaceApplied) {
			return ErrDuplicateEvent
		}
		// The placement may confirm after a request-path accept/withdraw
		// already moved the bid on; the flag is still recorded exactly once.
		b.Flags |= FlagPlaceApplied
		return nil
	case EventAcceptBid:
		if b.Flags.Has(FlagAcceptApplied) {
			return ErrDuplicateEvent
		}
		if b.Status == BidStatusWithdrawn {
			return ErrOrphanEvent
		}
		b.Status = BidStatusAccepted
		b.Flags |= FlagAcceptApplied
		return nil
	case EventWithdrawBid:
		if b.Flags.Has(FlagWithdrawApplied) {
			return ErrDuplicateEvent
		}
		if b.Status == BidStatusAccepted {
			return ErrOrphanEvent
		}
		b.Status = BidStatusWithdrawn
		b.Flags |= FlagWithdrawApplied
		return nil
	default:
		return ErrOrphanEvent
	}
}
