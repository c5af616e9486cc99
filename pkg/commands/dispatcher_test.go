package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/dmrelay/pkg/bus"
	"github.com/tinyland-inc/dmrelay/pkg/conn"
	"github.com/tinyland-inc/dmrelay/pkg/relay"
	"github.com/tinyland-inc/dmrelay/pkg/store"
)

type fakeReplier struct {
	topicIDs []int
	replies  []string
}

func (r *fakeReplier) SendText(_ context.Context, topicID int, text string) error {
	r.topicIDs = append(r.topicIDs, topicID)
	r.replies = append(r.replies, text)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeReplier) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	require.NoError(t, err)
	filters, err := store.LoadFilterSet(db)
	require.NoError(t, err)

	reply := &fakeReplier{}
	d := NewDispatcher(reply, filters, "/",
		func() relay.Stats {
			return relay.Stats{InboundRelayed: 3, OutboundRelayed: 2, StartedAt: time.Now().Add(-time.Hour)}
		},
		func() conn.State { return conn.Connected },
		zerolog.Nop(),
	)
	return d, reply
}

func command(text string) bus.OutboundMessage {
	return bus.OutboundMessage{MessageID: 1, TopicID: 42, Text: text, Kind: bus.KindText}
}

func TestFilterAddListRemove(t *testing.T) {
	d, reply := newTestDispatcher(t)
	ctx := context.Background()

	d.Dispatch(ctx, command("/filter add spam"))
	d.Dispatch(ctx, command("/filter list"))
	d.Dispatch(ctx, command("/filter remove spam"))
	d.Dispatch(ctx, command("/filter list"))

	require.Len(t, reply.replies, 4)
	assert.Contains(t, reply.replies[0], `"spam"`)
	assert.Contains(t, reply.replies[1], "spam")
	assert.Contains(t, reply.replies[2], "Removed")
	assert.Equal(t, "No filters set.", reply.replies[3])
}

func TestFilterAddMultiWord(t *testing.T) {
	d, reply := newTestDispatcher(t)

	d.Dispatch(context.Background(), command("/filter add good morning"))
	require.Len(t, reply.replies, 1)
	assert.True(t, d.filters.Matches("Good Morning everyone"))
}

func TestFilterClear(t *testing.T) {
	d, reply := newTestDispatcher(t)
	ctx := context.Background()

	d.Dispatch(ctx, command("/filter add a"))
	d.Dispatch(ctx, command("/filter add b"))
	d.Dispatch(ctx, command("/filter clear"))

	assert.Contains(t, reply.replies[2], "cleared")
	assert.Empty(t, d.filters.List())
}

func TestFilterUsage(t *testing.T) {
	d, reply := newTestDispatcher(t)

	d.Dispatch(context.Background(), command("/filter"))
	require.Len(t, reply.replies, 1)
	assert.Contains(t, reply.replies[0], "Usage")
}

func TestStatus(t *testing.T) {
	d, reply := newTestDispatcher(t)

	d.Dispatch(context.Background(), command("/status"))

	require.Len(t, reply.replies, 1)
	assert.Contains(t, reply.replies[0], "connected")
	assert.Contains(t, reply.replies[0], "Relayed in: 3")
	assert.Contains(t, reply.replies[0], "Relayed out: 2")
	assert.Equal(t, []int{42}, reply.topicIDs, "reply goes back to the same topic")
}

func TestHelp(t *testing.T) {
	d, reply := newTestDispatcher(t)

	d.Dispatch(context.Background(), command("/help"))
	require.Len(t, reply.replies, 1)
	assert.Contains(t, reply.replies[0], "/status")
	assert.Contains(t, reply.replies[0], "/filter add")
}

func TestUnknownCommand(t *testing.T) {
	d, reply := newTestDispatcher(t)

	d.Dispatch(context.Background(), command("/bogus"))
	require.Len(t, reply.replies, 1)
	assert.Contains(t, reply.replies[0], "Unknown command")
	assert.Contains(t, reply.replies[0], "/help")
}
