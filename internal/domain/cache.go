package domain

import (
	"context"
	"io"
	"time"
)

// RateLimiter limits request rates per key using a sliding window.
type RateLimiter interface {
	// Allow reports whether a request for key is permitted under limit
	// requests per window, counting the request when it is.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus publishes reconciliation outcomes for downstream consumers.
type SignalBus interface {
	// Publish sends payload on an ephemeral pub/sub channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// StreamAppend appends payload to a durable, trimmed stream.
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// StreamMessage is one entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// AggregateCache is a read-through cache for collection aggregates.
type AggregateCache interface {
	Get(ctx context.Context, contract string) (CollectionAggregate, bool, error)
	Set(ctx context.Context, agg CollectionAggregate) error
	Invalidate(ctx context.Context, contract string) error
}

// BlobWriter stores exported audit snapshots in object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
