package domain

import "time"

// NonceStatus tracks the lifecycle of a reserved nonce. The only legal
// transition is RESERVED -> USED; rows are never deleted or reset.
type NonceStatus string

const (
	NonceStatusReserved NonceStatus = "RESERVED"
	NonceStatusUsed     NonceStatus = "USED"
)

// NonceRecord is one issued nonce for one signer. For a fixed signer the set
// of rows forms a contiguous run starting at 0; the (SignerAddress, Nonce)
// pair is unique in the store and that constraint is what makes concurrent
// allocation safe.
type NonceRecord struct {
	SignerAddress string
	Nonce         int64
	Status        NonceStatus
	OrderID       string // set when the nonce is consumed by a confirmed order
	CreatedAt     time.Time
}

// NonceRange is a contiguous block of freshly reserved nonces
// [Start, Start+Count).
type NonceRange struct {
	Start int64
	Count int
}
