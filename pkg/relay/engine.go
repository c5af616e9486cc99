package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/bus"
	"github.com/tinyland-inc/dmrelay/pkg/store"
)

// ErrTopicGone marks a send that failed because the forum topic no longer
// exists on the destination side. The engine reacts by dropping the mapping
// so the next message recreates the topic.
var ErrTopicGone = errors.New("relay: destination topic gone")

// Ack reactions, exactly one per outbound message.
const (
	ackDelivered   = "👍"
	ackFailed      = "👎"
	ackNoThread    = "🤷"
	ackFiltered    = "🙊"
	ackUnsupported = "🤨"
)

// DestClient is the destination side of the relay: forum topics plus the
// media send surface. Implemented by the telegram adapter.
type DestClient interface {
	CreateTopic(ctx context.Context, title string) (int, error)
	SendText(ctx context.Context, topicID int, text string) error
	SendPhoto(ctx context.Context, topicID int, url, caption string) error
	SendVideo(ctx context.Context, topicID int, url, caption string) error
	SendVoice(ctx context.Context, topicID int, url, caption string) error
	React(ctx context.Context, messageID int, emoji string) error
}

// SourceSender is the sliver of the source client the outbound path needs.
type SourceSender interface {
	SendText(ctx context.Context, threadID, text string) error
}

// CommandRunner handles operator commands lifted out of the outbound path.
type CommandRunner interface {
	Dispatch(ctx context.Context, msg bus.OutboundMessage)
}

// Stats is a point-in-time relay counter snapshot.
type Stats struct {
	InboundRelayed  int64
	OutboundRelayed int64
	StartedAt       time.Time
}

type topicCreation struct {
	done    chan struct{}
	topicID int
	err     error
}

// Engine moves messages between the two networks. Inbound messages land in
// the thread's forum topic, creating it on first contact; outbound topic
// replies go back to the mapped thread and get exactly one ack reaction.
type Engine struct {
	dest    DestClient
	src     SourceSender
	db      *store.Store
	filters *store.FilterSet
	log     zerolog.Logger

	selfID   string
	prefix   string
	commands CommandRunner

	mu       sync.Mutex
	creating map[string]*topicCreation

	inbound   atomic.Int64
	outbound  atomic.Int64
	startedAt time.Time

	wg sync.WaitGroup
}

func NewEngine(dest DestClient, src SourceSender, db *store.Store, filters *store.FilterSet, selfID, commandPrefix string, log zerolog.Logger) *Engine {
	return &Engine{
		dest:      dest,
		src:       src,
		db:        db,
		filters:   filters,
		selfID:    selfID,
		prefix:    commandPrefix,
		creating:  make(map[string]*topicCreation),
		startedAt: time.Now(),
		log:       log.With().Str("component", "relay").Logger(),
	}
}

// SetCommands wires the command dispatcher. Must happen before Run.
func (e *Engine) SetCommands(cr CommandRunner) { e.commands = cr }

func (e *Engine) Stats() Stats {
	return Stats{
		InboundRelayed:  e.inbound.Load(),
		OutboundRelayed: e.outbound.Load(),
		StartedAt:       e.startedAt,
	}
}

// Run consumes both bus directions until the context ends or the bus closes.
// One consumer goroutine per direction keeps per-direction ordering intact.
func (e *Engine) Run(ctx context.Context, b *bus.MessageBus) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		for {
			msg, ok := b.ConsumeInbound(ctx)
			if !ok {
				return
			}
			if err := e.HandleInbound(ctx, msg); err != nil {
				e.log.Error().Err(err).Str("message_id", msg.ID).Msg("Inbound relay failed")
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		for {
			msg, ok := b.ConsumeOutbound(ctx)
			if !ok {
				return
			}
			if err := e.HandleOutbound(ctx, msg); err != nil {
				e.log.Error().Err(err).Int("message_id", msg.MessageID).Msg("Outbound relay failed")
			}
		}
	}()
	e.wg.Wait()
}

// HandleInbound delivers one source-network message into its topic. Messages
// from the relay's own account are echoes of the outbound path and are
// skipped before anything else.
func (e *Engine) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	if msg.SenderID == e.selfID {
		return nil
	}

	if err := e.db.TouchUser(msg.SenderID, msg.SenderName); err != nil {
		e.log.Warn().Err(err).Str("sender_id", msg.SenderID).Msg("User stats update failed")
	}

	topicID, err := e.resolveTopic(ctx, msg)
	if err != nil {
		return fmt.Errorf("resolve topic for thread %s: %w", msg.ThreadID, err)
	}

	// The filter runs after topic resolution so even a fully filtered
	// thread has its topic standing by.
	if msg.Kind == bus.KindText && e.filters.Matches(msg.Text) {
		e.log.Debug().Str("message_id", msg.ID).Msg("Inbound message filtered")
		return nil
	}

	err = e.deliver(ctx, topicID, msg)
	if errors.Is(err, ErrTopicGone) {
		e.log.Warn().Str("thread_id", msg.ThreadID).Int("topic_id", topicID).
			Msg("Topic deleted on destination, recreating")
		if delErr := e.db.DeleteChatByThread(msg.ThreadID); delErr != nil {
			return fmt.Errorf("drop stale mapping: %w", delErr)
		}
		topicID, err = e.resolveTopic(ctx, msg)
		if err != nil {
			return fmt.Errorf("recreate topic for thread %s: %w", msg.ThreadID, err)
		}
		err = e.deliver(ctx, topicID, msg)
	}
	if err != nil {
		return err
	}

	e.inbound.Add(1)
	return nil
}

func (e *Engine) deliver(ctx context.Context, topicID int, msg bus.InboundMessage) error {
	switch msg.Kind {
	case bus.KindText:
		return e.dest.SendText(ctx, topicID, msg.Text)
	case bus.KindVoice:
		if msg.VoiceURL != "" {
			caption := fmt.Sprintf("🎤 Voice message (%ds)", msg.VoiceSecs)
			if err := e.dest.SendVoice(ctx, topicID, msg.VoiceURL, caption); err == nil {
				return nil
			} else if errors.Is(err, ErrTopicGone) {
				return err
			}
		}
		return e.dest.SendText(ctx, topicID, fmt.Sprintf("🎤 [voice message, %ds]", msg.VoiceSecs))
	case bus.KindPhoto:
		if msg.MediaURL != "" {
			if err := e.dest.SendPhoto(ctx, topicID, msg.MediaURL, msg.Caption); err == nil {
				return nil
			} else if errors.Is(err, ErrTopicGone) {
				return err
			}
		}
		return e.dest.SendText(ctx, topicID, "📷 [photo]")
	case bus.KindVideo:
		if msg.MediaURL != "" {
			if err := e.dest.SendVideo(ctx, topicID, msg.MediaURL, msg.Caption); err == nil {
				return nil
			} else if errors.Is(err, ErrTopicGone) {
				return err
			}
		}
		return e.dest.SendText(ctx, topicID, "🎬 [video]")
	default:
		return e.dest.SendText(ctx, topicID, fmt.Sprintf("⚠️ [unsupported message: %s]", msg.Kind))
	}
}

// resolveTopic returns the topic for the thread, creating it on first
// contact. Concurrent callers for the same thread produce exactly one topic:
// one caller wins the creation slot, the rest wait on its result.
func (e *Engine) resolveTopic(ctx context.Context, msg bus.InboundMessage) (int, error) {
	chat, err := e.db.FindChatByThread(msg.ThreadID)
	if err != nil {
		return 0, err
	}
	if chat != nil {
		return chat.DestTopicID, nil
	}

	e.mu.Lock()
	if pending, inFlight := e.creating[msg.ThreadID]; inFlight {
		e.mu.Unlock()
		select {
		case <-pending.done:
			return pending.topicID, pending.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	pending := &topicCreation{done: make(chan struct{})}
	e.creating[msg.ThreadID] = pending
	e.mu.Unlock()

	// The slot is released on every exit path, including panics in the
	// destination client, so waiters never hang.
	defer func() {
		e.mu.Lock()
		delete(e.creating, msg.ThreadID)
		e.mu.Unlock()
		close(pending.done)
	}()

	pending.topicID, pending.err = e.createTopic(ctx, msg)
	return pending.topicID, pending.err
}

func (e *Engine) createTopic(ctx context.Context, msg bus.InboundMessage) (int, error) {
	// A racing creator may have finished between the store check and
	// winning the slot.
	chat, err := e.db.FindChatByThread(msg.ThreadID)
	if err != nil {
		return 0, err
	}
	if chat != nil {
		return chat.DestTopicID, nil
	}

	title := "User " + msg.SenderID
	if msg.SenderName != "" && msg.SenderName != msg.SenderID {
		title = "@" + msg.SenderName
	}
	topicID, err := e.dest.CreateTopic(ctx, title)
	if err != nil {
		return 0, fmt.Errorf("create topic %q: %w", title, err)
	}
	if err := e.db.UpsertChat(msg.ThreadID, topicID); err != nil {
		// The topic exists; losing the mapping means a duplicate topic
		// later, not a lost message now.
		e.log.Error().Err(err).Str("thread_id", msg.ThreadID).Int("topic_id", topicID).
			Msg("Persisting topic mapping failed")
	}
	e.log.Info().Str("thread_id", msg.ThreadID).Int("topic_id", topicID).
		Str("title", title).Msg("Created topic")
	return topicID, nil
}

// HandleOutbound sends one topic reply back to its source thread and leaves
// exactly one ack reaction on it. Command messages bypass the relay.
func (e *Engine) HandleOutbound(ctx context.Context, msg bus.OutboundMessage) error {
	if e.commands != nil && e.prefix != "" && strings.HasPrefix(msg.Text, e.prefix) {
		e.commands.Dispatch(ctx, msg)
		return nil
	}

	if msg.Kind != bus.KindText {
		e.react(ctx, msg.MessageID, ackUnsupported)
		return nil
	}

	chat, err := e.db.FindChatByTopic(msg.TopicID)
	if err != nil {
		e.react(ctx, msg.MessageID, ackFailed)
		return fmt.Errorf("look up topic %d: %w", msg.TopicID, err)
	}
	if chat == nil {
		e.react(ctx, msg.MessageID, ackNoThread)
		return nil
	}

	if e.filters.Matches(msg.Text) {
		e.react(ctx, msg.MessageID, ackFiltered)
		return nil
	}

	if err := e.src.SendText(ctx, chat.SourceThreadID, msg.Text); err != nil {
		e.react(ctx, msg.MessageID, ackFailed)
		return fmt.Errorf("send to thread %s: %w", chat.SourceThreadID, err)
	}

	e.react(ctx, msg.MessageID, ackDelivered)
	e.outbound.Add(1)
	return nil
}

func (e *Engine) react(ctx context.Context, messageID int, emoji string) {
	if err := e.dest.React(ctx, messageID, emoji); err != nil {
		e.log.Warn().Err(err).Int("message_id", messageID).Str("emoji", emoji).
			Msg("Ack reaction failed")
	}
}
