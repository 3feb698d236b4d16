package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
	"github.com/tokenbay/marketd/internal/notify"
	"github.com/tokenbay/marketd/internal/service"
)

// defaultLookback seeds the cursor when the poller starts with no prior
// state: events older than this are assumed reconciled.
const defaultLookback = 24 * time.Hour

// Poller drives reconciliation in watcher mode: on each tick it fetches the
// next batch of verified events and applies them in order. The cursor
// advances past duplicates and orphans; the reconciler's own guards make a
// replayed batch harmless, so losing the in-memory cursor on restart only
// costs redundant work.
type Poller struct {
	fetcher    domain.ChainLogFetcher
	reconciler *service.Reconciler
	notifier   *notify.Notifier
	limiter    domain.RateLimiter

	interval  time.Duration
	batchSize int
	lookback  time.Duration
	logger    *slog.Logger

	since time.Time
}

// PollerConfig tunes the watch loop.
type PollerConfig struct {
	Interval  time.Duration
	BatchSize int
	Lookback  time.Duration
}

// NewPoller creates a Poller. notifier and limiter may be nil.
func NewPoller(
	fetcher domain.ChainLogFetcher,
	reconciler *service.Reconciler,
	notifier *notify.Notifier,
	limiter domain.RateLimiter,
	cfg PollerConfig,
	logger *slog.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	return &Poller{
		fetcher:    fetcher,
		reconciler: reconciler,
		notifier:   notifier,
		limiter:    limiter,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		lookback:   cfg.Lookback,
		logger:     logger,
	}
}

// Run polls until ctx is cancelled. Fetch failures are logged and retried on
// the next tick; only context cancellation ends the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.since = time.Now().UTC().Add(-p.lookback)
	p.logger.InfoContext(ctx, "chainwatch: poller starting",
		slog.Duration("interval", p.interval),
		slog.Int("batch_size", p.batchSize),
		slog.Time("since", p.since),
	)

	// First pass immediately, then on the ticker.
	if err := p.poll(ctx); err != nil {
		p.alertFailure(ctx, err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "chainwatch: poller stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.alertFailure(ctx, err)
			}
		}
	}
}

// poll fetches and applies one batch, advancing the cursor to the newest
// block time seen.
func (p *Poller) poll(ctx context.Context) error {
	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, "chainwatch:subgraph", 1, time.Second)
		if err != nil {
			return fmt.Errorf("chainwatch: rate limiter: %w", err)
		}
		if !allowed {
			return nil
		}
	}

	events, err := p.fetcher.FetchVerifiedEvents(ctx, p.since, p.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	var applied, duplicates, orphans int
	for _, ev := range events {
		res, err := p.reconciler.Apply(ctx, ev)
		switch {
		case err == nil:
			if res.Outcome == domain.OutcomeDuplicate {
				duplicates++
			} else {
				applied++
			}
		case errors.Is(err, domain.ErrOrphanEvent):
			orphans++
			p.alertOrphan(ctx, ev, err)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			// Stop the batch here so the failed event is retried next tick;
			// the cursor has not moved past it.
			return fmt.Errorf("chainwatch: apply %s: %w", ev.TxHash, err)
		}
		if ev.BlockTime.After(p.since) {
			p.since = ev.BlockTime
		}
	}

	p.logger.InfoContext(ctx, "chainwatch: batch reconciled",
		slog.Int("applied", applied),
		slog.Int("duplicates", duplicates),
		slog.Int("orphans", orphans),
		slog.Time("cursor", p.since),
	)
	return nil
}

// alertOrphan pages operators about an on-chain / off-chain divergence.
func (p *Poller) alertOrphan(ctx context.Context, ev domain.ChainEvent, err error) {
	p.logger.WarnContext(ctx, "chainwatch: orphan event",
		slog.String("tx_hash", ev.TxHash),
		slog.String("kind", string(ev.Kind)),
		slog.Any("error", err),
	)
	if p.notifier == nil {
		return
	}
	msg := fmt.Sprintf("tx %s (%s) on %s token %s has no valid local target: %v",
		ev.TxHash, ev.Kind, ev.ContractAddress, ev.TokenID, err)
	if nerr := p.notifier.Notify(ctx, notify.EventOrphan, "Orphan chain event", msg); nerr != nil {
		p.logger.WarnContext(ctx, "chainwatch: orphan alert failed", slog.Any("error", nerr))
	}
}

// alertFailure logs a failed poll pass and pages operators; the next tick
// retries from the unchanged cursor.
func (p *Poller) alertFailure(ctx context.Context, err error) {
	p.logger.ErrorContext(ctx, "chainwatch: poll failed", slog.Any("error", err))
	if p.notifier == nil {
		return
	}
	msg := fmt.Sprintf("poll pass failed, retrying next tick: %v", err)
	if nerr := p.notifier.Notify(ctx, notify.EventError, "Chain watcher error", msg); nerr != nil {
		p.logger.WarnContext(ctx, "chainwatch: failure alert failed", slog.Any("error", nerr))
	}
}
