package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tokenbay/marketd/internal/domain"
)

// CollectionStore implements domain.AggregateStore: the read-only
// collection registry plus the derived aggregate row. The aggregate is a
// projection; nothing here touches listings, bids, or nonces.
type CollectionStore struct {
	c *Client
}

// NewCollectionStore creates a CollectionStore backed by the given client.
func NewCollectionStore(c *Client) *CollectionStore {
	return &CollectionStore{c: c}
}

// GetByContract resolves a token contract to its registered collection.
func (s *CollectionStore) GetByContract(ctx context.Context, contract string) (domain.Collection, error) {
	var col domain.Collection
	err := s.c.q(ctx).QueryRow(ctx,
		`SELECT id, contract_address, name FROM collections WHERE contract_address = $1`,
		contract,
	).Scan(&col.ID, &col.ContractAddress, &col.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Collection{}, domain.ErrNotFound
		}
		return domain.Collection{}, fmt.Errorf("postgres: collection for %s: %w", contract, err)
	}
	return col, nil
}

// SetFloor upserts the aggregate row with the given floor price; a nil
// floor clears it (no ACTIVE listings remain).
func (s *CollectionStore) SetFloor(ctx context.Context, col domain.Collection, floor *big.Int) error {
	_, err := s.c.q(ctx).Exec(ctx,
		`INSERT INTO collection_aggregates (collection_id, contract_address, floor_price, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (collection_id)
		 DO UPDATE SET floor_price = EXCLUDED.floor_price, updated_at = NOW()`,
		col.ID, col.ContractAddress, numericArg(floor),
	)
	if err != nil {
		return fmt.Errorf("postgres: set floor for %s: %w", col.ID, err)
	}
	return nil
}

// AddVolume increments the running trade volume for the collection.
func (s *CollectionStore) AddVolume(ctx context.Context, col domain.Collection, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	_, err := s.c.q(ctx).Exec(ctx,
		`INSERT INTO collection_aggregates (collection_id, contract_address, total_volume, updated_at)
		 VALUES ($1, $2, $3::numeric, NOW())
		 ON CONFLICT (collection_id)
		 DO UPDATE SET total_volume = collection_aggregates.total_volume + EXCLUDED.total_volume,
		               updated_at = NOW()`,
		col.ID, col.ContractAddress, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: add volume for %s: %w", col.ID, err)
	}
	return nil
}

// GetAggregate reads the derived row for a contract.
func (s *CollectionStore) GetAggregate(ctx context.Context, contract string) (domain.CollectionAggregate, error) {
	var agg domain.CollectionAggregate
	var floor *string
	var volume string
	var updatedAt time.Time
	err := s.c.q(ctx).QueryRow(ctx,
		`SELECT collection_id, contract_address, floor_price::text, total_volume::text, updated_at
		 FROM collection_aggregates WHERE contract_address = $1`,
		contract,
	).Scan(&agg.CollectionID, &agg.ContractAddress, &floor, &volume, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CollectionAggregate{}, domain.ErrNotFound
		}
		return domain.CollectionAggregate{}, fmt.Errorf("postgres: aggregate for %s: %w", contract, err)
	}
	if floor != nil {
		agg.FloorPrice, _ = new(big.Int).SetString(*floor, 10)
	}
	agg.TotalVolume, _ = new(big.Int).SetString(volume, 10)
	agg.UpdatedAt = updatedAt
	return agg, nil
}

var _ domain.AggregateStore = (*CollectionStore)(nil)
