package domain

import (
	"math/big"
	"time"
)

// Collection is the registry entry mapping a token contract to a
// marketplace collection. Rows are maintained by an external resource
// service; this core only reads them.
type Collection struct {
	ID              string
	ContractAddress string
	Name            string
}

// CollectionAggregate is the derived read-model for a collection. It is
// recomputed, never hand-edited: FloorPrice is MIN(price) over ACTIVE
// listings (nil when none) and TotalVolume is the running sum of completed
// purchase prices, incremented exactly once per purchase event.
type CollectionAggregate struct {
	CollectionID    string
	ContractAddress string
	FloorPrice      *big.Int
	TotalVolume     *big.Int
	UpdatedAt       time.Time
}
