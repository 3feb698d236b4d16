// Package notify delivers operator alerts for the marketplace daemon.
// Alerts fan out to every configured channel (Telegram, Discord) and are
// filtered by event kind so operators subscribe to only the divergences
// they act on.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Event classifies an alert. The values double as the notify.events config
// keys.
type Event string

const (
	// EventOrphan fires when a verified chain event has no valid local
	// target: on-chain and off-chain state have diverged.
	EventOrphan Event = "orphan_event"
	// EventError fires when a background loop (watcher, archiver) fails.
	EventError Event = "error"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to one or more Senders. It holds the set of
// subscribed event kinds; Notify forwards only alerts whose kind is in the
// set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[Event]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only
// events whose kind appears in events are forwarded by Notify; an empty
// list subscribes to everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		allowed[Event(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an alert to all senders if its kind is subscribed.
func (n *Notifier) Notify(ctx context.Context, event Event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(event)),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// NotifyAll sends an alert to all senders regardless of event kind.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch iterates over all senders. Errors are collected into one combined
// error; a single sender failure does not block delivery to the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "alert sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
