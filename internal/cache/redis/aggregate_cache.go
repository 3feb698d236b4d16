package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenbay/marketd/internal/domain"
)

// aggregateTTL bounds staleness when an invalidation is lost; the store row
// stays authoritative.
const aggregateTTL = 5 * time.Minute

// AggregateCache implements domain.AggregateCache using Redis hashes. Each
// collection's aggregate is stored at "agg:{contract}" with fields
// "collection_id", "floor", "volume" and "ts"; an empty "floor" field means
// no ACTIVE listings.
type AggregateCache struct {
	rdb *redis.Client
}

// NewAggregateCache creates an AggregateCache backed by the given Client.
func NewAggregateCache(c *Client) *AggregateCache {
	return &AggregateCache{rdb: c.Underlying()}
}

func aggregateKey(contract string) string {
	return "agg:" + contract
}

// Get returns the cached aggregate for a contract and whether it was present.
func (ac *AggregateCache) Get(ctx context.Context, contract string) (domain.CollectionAggregate, bool, error) {
	fields, err := ac.rdb.HGetAll(ctx, aggregateKey(contract)).Result()
	if err != nil {
		return domain.CollectionAggregate{}, false, fmt.Errorf("redis: get aggregate %s: %w", contract, err)
	}
	if len(fields) == 0 {
		return domain.CollectionAggregate{}, false, nil
	}

	agg := domain.CollectionAggregate{
		CollectionID:    fields["collection_id"],
		ContractAddress: contract,
	}
	if raw := fields["floor"]; raw != "" {
		floor, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return domain.CollectionAggregate{}, false, fmt.Errorf("redis: get aggregate %s: bad floor %q", contract, raw)
		}
		agg.FloorPrice = floor
	}
	volume, ok := new(big.Int).SetString(fields["volume"], 10)
	if !ok {
		return domain.CollectionAggregate{}, false, fmt.Errorf("redis: get aggregate %s: bad volume %q", contract, fields["volume"])
	}
	agg.TotalVolume = volume
	if raw := fields["ts"]; raw != "" {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.CollectionAggregate{}, false, fmt.Errorf("redis: get aggregate %s: bad ts %q", contract, raw)
		}
		agg.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return agg, true, nil
}

// Set stores an aggregate with the cache TTL.
func (ac *AggregateCache) Set(ctx context.Context, agg domain.CollectionAggregate) error {
	key := aggregateKey(agg.ContractAddress)
	floor := ""
	if agg.FloorPrice != nil {
		floor = agg.FloorPrice.String()
	}
	volume := "0"
	if agg.TotalVolume != nil {
		volume = agg.TotalVolume.String()
	}
	fields := map[string]interface{}{
		"collection_id": agg.CollectionID,
		"floor":         floor,
		"volume":        volume,
		"ts":            strconv.FormatInt(agg.UpdatedAt.UnixNano(), 10),
	}

	pipe := ac.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, aggregateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set aggregate %s: %w", agg.ContractAddress, err)
	}
	return nil
}

// Invalidate drops the cached aggregate for a contract.
func (ac *AggregateCache) Invalidate(ctx context.Context, contract string) error {
	if err := ac.rdb.Del(ctx, aggregateKey(contract)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate aggregate %s: %w", contract, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.AggregateCache = (*AggregateCache)(nil)
