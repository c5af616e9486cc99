package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/dmrelay/pkg/bus"
	"github.com/tinyland-inc/dmrelay/pkg/source"
)

type fakeResolver struct {
	users       map[string]string
	threads     map[string][]source.ThreadParticipant
	calls       int
	threadCalls int
}

func (f *fakeResolver) UserInfo(_ context.Context, id string) (*source.User, error) {
	f.calls++
	name, ok := f.users[id]
	if !ok {
		return nil, errors.New("unknown user")
	}
	return &source.User{ID: id, Username: name}, nil
}

func (f *fakeResolver) ThreadInfo(_ context.Context, threadID string) ([]source.ThreadParticipant, error) {
	f.threadCalls++
	parts, ok := f.threads[threadID]
	if !ok {
		return nil, errors.New("unknown thread")
	}
	return parts, nil
}

func newTestPipeline(size int) (*Pipeline, *fakeResolver) {
	resolver := &fakeResolver{users: map[string]string{"u1": "alice"}}
	return NewPipeline(resolver, size, zerolog.Nop()), resolver
}

func event(id, sender, thread string) source.Event {
	return source.Event{
		MessageID: id,
		SenderID:  sender,
		ThreadID:  thread,
		Kind:      "text",
		Text:      "hello",
		Timestamp: time.Now(),
	}
}

func TestDeliversExactlyOnce(t *testing.T) {
	p, _ := newTestPipeline(10)

	var got []bus.InboundMessage
	p.Register(func(msg bus.InboundMessage) error {
		got = append(got, msg)
		return nil
	})

	ev := event("m1", "u1", "t1")
	p.HandleEvent(ev)
	p.HandleEvent(ev)
	p.HandleEvent(ev)

	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "alice", got[0].SenderName)
	assert.Equal(t, bus.KindText, got[0].Kind)
}

func TestDropsMalformedEvents(t *testing.T) {
	p, _ := newTestPipeline(10)

	var count int
	p.Register(func(bus.InboundMessage) error { count++; return nil })

	p.HandleEvent(source.Event{SenderID: "u1", ThreadID: "t1"}) // no id
	p.HandleEvent(source.Event{MessageID: "m1", ThreadID: "t1"}) // no sender

	assert.Zero(t, count)
}

func TestWindowEvictionReadmitsOldIDs(t *testing.T) {
	p, _ := newTestPipeline(3)

	var count int
	p.Register(func(bus.InboundMessage) error { count++; return nil })

	p.HandleEvent(event("m1", "u1", "t1"))
	p.HandleEvent(event("m2", "u1", "t1"))
	p.HandleEvent(event("m3", "u1", "t1"))
	p.HandleEvent(event("m4", "u1", "t1")) // evicts m1
	p.HandleEvent(event("m1", "u1", "t1")) // m1 forgotten, delivered again

	assert.Equal(t, 5, count)

	// m4 is still inside the window
	p.HandleEvent(event("m4", "u1", "t1"))
	assert.Equal(t, 5, count)
}

func TestHandlerIsolation(t *testing.T) {
	p, _ := newTestPipeline(10)

	var order []int
	p.Register(func(bus.InboundMessage) error {
		order = append(order, 1)
		return errors.New("boom")
	})
	p.Register(func(bus.InboundMessage) error {
		order = append(order, 2)
		panic("worse boom")
	})
	p.Register(func(bus.InboundMessage) error {
		order = append(order, 3)
		return nil
	})

	assert.NotPanics(t, func() { p.HandleEvent(event("m1", "u1", "t1")) })
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSenderNameFromParticipants(t *testing.T) {
	p, resolver := newTestPipeline(10)

	var got bus.InboundMessage
	p.Register(func(msg bus.InboundMessage) error { got = msg; return nil })

	ev := event("m1", "u9", "t1")
	ev.Participants = []source.ThreadParticipant{{ID: "u9", Username: "bob"}}
	p.HandleEvent(ev)

	assert.Equal(t, "bob", got.SenderName)
	assert.Zero(t, resolver.calls, "participant metadata should short-circuit the lookup")
}

func TestSenderNameLookupIsCached(t *testing.T) {
	p, resolver := newTestPipeline(10)
	p.Register(func(bus.InboundMessage) error { return nil })

	for i := 0; i < 3; i++ {
		p.HandleEvent(event(fmt.Sprintf("m%d", i), "u1", "t1"))
	}

	assert.Equal(t, 1, resolver.calls)
}

func TestSenderNameFromThreadInfo(t *testing.T) {
	p, resolver := newTestPipeline(10)
	resolver.threads = map[string][]source.ThreadParticipant{
		"t1": {{ID: "u7", Username: "carol"}},
	}

	var got bus.InboundMessage
	p.Register(func(msg bus.InboundMessage) error { got = msg; return nil })

	p.HandleEvent(event("m1", "u7", "t1"))
	assert.Equal(t, "carol", got.SenderName)
	assert.Equal(t, 1, resolver.threadCalls)
}

func TestSenderNameFallsBackToID(t *testing.T) {
	p, _ := newTestPipeline(10)

	var got bus.InboundMessage
	p.Register(func(msg bus.InboundMessage) error { got = msg; return nil })

	p.HandleEvent(event("m1", "u404", "t1"))
	assert.Equal(t, "u404", got.SenderName)
}

func TestKindNormalization(t *testing.T) {
	p, _ := newTestPipeline(10)

	var kinds []bus.ContentKind
	p.Register(func(msg bus.InboundMessage) error {
		kinds = append(kinds, msg.Kind)
		return nil
	})

	for i, itemType := range []string{"text", "voice_media", "media", "clip", "animated_sticker"} {
		ev := event(fmt.Sprintf("m%d", i), "u1", "t1")
		ev.Kind = itemType
		p.HandleEvent(ev)
	}

	assert.Equal(t, []bus.ContentKind{
		bus.KindText, bus.KindVoice, bus.KindPhoto, bus.KindVideo, bus.KindOther,
	}, kinds)
}
