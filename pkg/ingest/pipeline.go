package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/bus"
	"github.com/tinyland-inc/dmrelay/pkg/source"
)

// Handler consumes one normalized inbound message.
type Handler func(msg bus.InboundMessage) error

// UserResolver looks up profile data for senders the event payload does not
// name. Satisfied by the source client.
type UserResolver interface {
	UserInfo(ctx context.Context, userID string) (*source.User, error)
	ThreadInfo(ctx context.Context, threadID string) ([]source.ThreadParticipant, error)
}

// Pipeline sits between the raw realtime stream and the message bus. Every
// event passes validation, the dedup window, and normalization before any
// handler sees it; a message id is delivered at most once per window.
type Pipeline struct {
	resolver UserResolver
	dedup    *dedupWindow
	log      zerolog.Logger

	handlers []Handler

	nameMu sync.Mutex
	names  map[string]string
}

func NewPipeline(resolver UserResolver, dedupSize int, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		resolver: resolver,
		dedup:    newDedupWindow(dedupSize),
		names:    make(map[string]string),
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Register appends a handler. Handlers run in registration order and must be
// registered before events start flowing.
func (p *Pipeline) Register(h Handler) {
	p.handlers = append(p.handlers, h)
}

// HandleEvent is the stream callback. Malformed events are dropped with a
// log line; duplicates are dropped silently since replay overlap is routine.
func (p *Pipeline) HandleEvent(ev source.Event) {
	if ev.MessageID == "" || ev.SenderID == "" {
		p.log.Warn().Str("thread_id", ev.ThreadID).Msg("Dropping event without id or sender")
		return
	}
	if !p.dedup.Add(ev.MessageID) {
		return
	}

	msg := p.normalize(ev)
	for i, h := range p.handlers {
		p.dispatch(i, h, msg)
	}
}

// dispatch isolates each handler: an error or panic in one never starves
// the rest.
func (p *Pipeline) dispatch(i int, h Handler, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("handler", i).
				Str("message_id", msg.ID).Msg("Handler panicked")
		}
	}()
	if err := h(msg); err != nil {
		p.log.Error().Err(err).Int("handler", i).
			Str("message_id", msg.ID).Msg("Handler failed")
	}
}

func (p *Pipeline) normalize(ev source.Event) bus.InboundMessage {
	msg := bus.InboundMessage{
		ID:         ev.MessageID,
		SenderID:   ev.SenderID,
		SenderName: p.senderName(ev),
		ThreadID:   ev.ThreadID,
		Text:       ev.Text,
		Kind:       kindOf(ev.Kind),
		Timestamp:  ev.Timestamp,
		VoiceURL:   ev.VoiceURL,
		VoiceSecs:  ev.VoiceSecs,
		MediaURL:   ev.MediaURL,
		Caption:    ev.Caption,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// senderName prefers the participant metadata riding on the event, then the
// local cache, then a profile lookup, then the thread's participant list.
// Failing all four the raw id serves.
func (p *Pipeline) senderName(ev source.Event) string {
	for _, part := range ev.Participants {
		if part.ID == ev.SenderID && part.Username != "" {
			p.cacheName(ev.SenderID, part.Username)
			return part.Username
		}
	}

	p.nameMu.Lock()
	name, ok := p.names[ev.SenderID]
	p.nameMu.Unlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	user, err := p.resolver.UserInfo(ctx, ev.SenderID)
	if err == nil {
		p.cacheName(ev.SenderID, user.Username)
		return user.Username
	}
	p.log.Debug().Err(err).Str("sender_id", ev.SenderID).Msg("Sender lookup failed")

	parts, err := p.resolver.ThreadInfo(ctx, ev.ThreadID)
	if err == nil {
		for _, part := range parts {
			if part.ID == ev.SenderID && part.Username != "" {
				p.cacheName(ev.SenderID, part.Username)
				return part.Username
			}
		}
	}
	return ev.SenderID
}

func (p *Pipeline) cacheName(id, name string) {
	p.nameMu.Lock()
	p.names[id] = name
	p.nameMu.Unlock()
}

func kindOf(itemType string) bus.ContentKind {
	switch itemType {
	case "text":
		return bus.KindText
	case "voice_media":
		return bus.KindVoice
	case "media", "photo":
		return bus.KindPhoto
	case "clip", "video":
		return bus.KindVideo
	default:
		return bus.KindOther
	}
}

// dedupWindow is a fixed-capacity set with FIFO eviction: once full, adding
// a new id forgets the oldest one. Oldest-first eviction matters here since
// replayed snapshots resend recent ids, not ancient ones.
type dedupWindow struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = 1000
	}
	return &dedupWindow{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Add records the id and reports whether it was new.
func (w *dedupWindow) Add(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.seen[id]; dup {
		return false
	}
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.cap {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	return true
}
