package domain

import (
	"context"
	"math/big"
	"time"
)

// EventKind identifies the marketplace method a confirmed on-chain event
// corresponds to.
type EventKind string

const (
	EventList        EventKind = "list"
	EventCancel      EventKind = "cancel"
	EventPurchase    EventKind = "purchase"
	EventBid         EventKind = "bid"
	EventAcceptBid   EventKind = "acceptBid"
	EventWithdrawBid EventKind = "withdrawBid"
)

// KnownEventKind reports whether k is one of the reconcilable methods.
func KnownEventKind(k EventKind) bool {
	switch k {
	case EventList, EventCancel, EventPurchase, EventBid, EventAcceptBid, EventWithdrawBid:
		return true
	}
	return false
}

// ChainEvent is a verified on-chain occurrence delivered by the upstream
// watcher. Signature and receipt verification happen upstream; the
// reconciler trusts the payload and only does bookkeeping.
type ChainEvent struct {
	TxHash          string
	Kind            EventKind
	ContractAddress string
	TokenID         string
	Maker           string   // seller address (list/cancel/purchase/acceptBid)
	Taker           string   // buyer address (purchase)
	Bidder          string   // bidder address (bid/acceptBid/withdrawBid)
	Price           *big.Int // sale or bid amount in wei
	Nonce           int64    // order nonce (list events)
	BlockNumber     uint64
	BlockTime       time.Time
	GasUsed         uint64
}

// TransactionRecord is the immutable audit row written for every reconciled
// event, keyed by the unique on-chain transaction hash. The TxHash unique
// constraint is the primary at-most-once guard against redelivery.
type TransactionRecord struct {
	TxHash          string
	Method          string
	ContractAddress string
	TokenID         string
	From            string
	To              string
	Price           *big.Int
	BlockNumber     uint64
	BlockTime       time.Time
	GasUsed         uint64
	CreatedAt       time.Time
}

// ReconcileOutcome distinguishes a first-time application from an
// idempotent replay and from an event whose precondition state is gone.
type ReconcileOutcome string

const (
	OutcomeApplied   ReconcileOutcome = "applied"
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	OutcomeOrphan    ReconcileOutcome = "orphan"
)

// ReconciliationResult reports what a ChainEvent did to local state.
type ReconciliationResult struct {
	Outcome ReconcileOutcome
	TxHash  string
	Kind    EventKind
	Listing *Listing
	Bid     *Bid
}

// ChainLogFetcher is the upstream watcher capability: it returns fully
// verified events and is trusted by the reconciler.
type ChainLogFetcher interface {
	// FetchVerifiedEvent looks up one verified event by tx hash and kind.
	FetchVerifiedEvent(ctx context.Context, txHash string, kind EventKind) (ChainEvent, error)
	// FetchVerifiedEvents returns verified events confirmed at or after
	// since, oldest first, limited by first.
	FetchVerifiedEvents(ctx context.Context, since time.Time, first int) ([]ChainEvent, error)
}
