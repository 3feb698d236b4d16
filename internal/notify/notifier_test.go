package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type memSender struct {
	name   string
	titles []string
	err    error
}

func (s *memSender) Send(ctx context.Context, title, message string) error {
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	return nil
}

func (s *memSender) Name() string { return s.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersUnsubscribedEvents(t *testing.T) {
	ctx := context.Background()
	s := &memSender{name: "mem"}
	n := NewNotifier([]Sender{s}, []string{string(EventOrphan)}, testLogger())

	require.NoError(t, n.Notify(ctx, EventError, "watcher down", "boom"))
	require.Empty(t, s.titles)

	require.NoError(t, n.Notify(ctx, EventOrphan, "orphan", "tx 0xabc"))
	require.Equal(t, []string{"orphan"}, s.titles)
}

func TestNotifyEmptySubscriptionAllowsAll(t *testing.T) {
	ctx := context.Background()
	s := &memSender{name: "mem"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	require.NoError(t, n.Notify(ctx, EventError, "watcher down", "boom"))
	require.NoError(t, n.Notify(ctx, EventOrphan, "orphan", "tx 0xabc"))
	require.Len(t, s.titles, 2)
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	ctx := context.Background()
	s := &memSender{name: "mem"}
	n := NewNotifier([]Sender{s}, []string{string(EventOrphan)}, testLogger())

	require.NoError(t, n.NotifyAll(ctx, "shutdown", "bye"))
	require.Equal(t, []string{"shutdown"}, s.titles)
}

func TestDispatchCollectsSenderFailures(t *testing.T) {
	ctx := context.Background()
	bad := &memSender{name: "bad", err: errors.New("http 500")}
	good := &memSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(ctx, EventOrphan, "orphan", "tx 0xabc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")
	// The healthy sender still delivered.
	require.Equal(t, []string{"orphan"}, good.titles)
}
