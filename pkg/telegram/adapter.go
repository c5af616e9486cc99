package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/bus"
	"github.com/tinyland-inc/dmrelay/pkg/config"
	"github.com/tinyland-inc/dmrelay/pkg/relay"
)

const maxTopicTitleLen = 128

// Adapter is the destination side of the relay: one supergroup with forum
// topics enabled. It long-polls for operator replies and implements the
// relay.DestClient send surface.
type Adapter struct {
	bot    *telego.Bot
	cfg    config.TelegramConfig
	msgBus *bus.MessageBus
	log    zerolog.Logger

	selfID int64
	wg     sync.WaitGroup
}

var _ relay.DestClient = (*Adapter)(nil)

func NewAdapter(cfg config.TelegramConfig, msgBus *bus.MessageBus, log zerolog.Logger) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		bot:    bot,
		cfg:    cfg,
		msgBus: msgBus,
		log:    log.With().Str("component", "telegram").Logger(),
	}, nil
}

// Start verifies the token and begins long polling. Polling stops when the
// context is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	a.selfID = me.ID
	a.log.Info().Str("username", me.Username).Msg("Telegram bot ready")

	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for update := range updates {
			a.handleUpdate(ctx, update)
		}
	}()
	return nil
}

// Stop waits for the polling loop to drain after context cancellation.
func (a *Adapter) Stop() {
	a.wg.Wait()
	a.log.Info().Msg("Telegram adapter stopped")
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != a.cfg.ChatID {
		return
	}
	if msg.From.ID == a.selfID || msg.From.IsBot {
		return
	}
	if !a.IsAllowed(msg.From) {
		a.log.Warn().Str("username", msg.From.Username).Int64("user_id", msg.From.ID).
			Msg("Ignoring message from user outside allow list")
		return
	}

	out := bus.OutboundMessage{
		MessageID: msg.MessageID,
		TopicID:   msg.MessageThreadID,
		SenderID:  msg.From.ID,
		Text:      msg.Text,
		Kind:      kindOf(msg),
	}
	if out.Text == "" {
		out.Text = msg.Caption
	}
	if err := a.msgBus.PublishOutbound(ctx, out); err != nil {
		a.log.Error().Err(err).Int("message_id", msg.MessageID).Msg("Outbound publish failed")
	}
}

// IsAllowed checks the sender against the configured allow list by username
// or numeric id. An empty list allows everyone in the group.
func (a *Adapter) IsAllowed(from *telego.User) bool {
	if len(a.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowFrom {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if strings.EqualFold(allowed, from.Username) {
			return true
		}
		if allowed == strconv.FormatInt(from.ID, 10) {
			return true
		}
	}
	return false
}

func kindOf(msg *telego.Message) bus.ContentKind {
	switch {
	case msg.Text != "":
		return bus.KindText
	case len(msg.Photo) > 0:
		return bus.KindPhoto
	case msg.Voice != nil:
		return bus.KindVoice
	case msg.Video != nil:
		return bus.KindVideo
	default:
		return bus.KindOther
	}
}

func (a *Adapter) chatID() telego.ChatID {
	return telego.ChatID{ID: a.cfg.ChatID}
}

func (a *Adapter) CreateTopic(ctx context.Context, title string) (int, error) {
	topic, err := a.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: a.chatID(),
		Name:   truncateTitle(title),
	})
	if err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// truncateTitle cuts a topic title to the Bot API limit without splitting a
// multibyte rune at the boundary.
func truncateTitle(title string) string {
	if len(title) <= maxTopicTitleLen {
		return title
	}
	cut := maxTopicTitleLen
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

func (a *Adapter) SendText(ctx context.Context, topicID int, text string) error {
	_, err := a.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:          a.chatID(),
		MessageThreadID: topicID,
		Text:            text,
	})
	return a.mapErr(err)
}

func (a *Adapter) SendPhoto(ctx context.Context, topicID int, url, caption string) error {
	_, err := a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
		ChatID:          a.chatID(),
		MessageThreadID: topicID,
		Photo:           telego.InputFile{URL: url},
		Caption:         caption,
	})
	return a.mapErr(err)
}

func (a *Adapter) SendVideo(ctx context.Context, topicID int, url, caption string) error {
	_, err := a.bot.SendVideo(ctx, &telego.SendVideoParams{
		ChatID:          a.chatID(),
		MessageThreadID: topicID,
		Video:           telego.InputFile{URL: url},
		Caption:         caption,
	})
	return a.mapErr(err)
}

func (a *Adapter) SendVoice(ctx context.Context, topicID int, url, caption string) error {
	_, err := a.bot.SendVoice(ctx, &telego.SendVoiceParams{
		ChatID:          a.chatID(),
		MessageThreadID: topicID,
		Voice:           telego.InputFile{URL: url},
		Caption:         caption,
	})
	return a.mapErr(err)
}

func (a *Adapter) React(ctx context.Context, messageID int, emoji string) error {
	return a.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    a.chatID(),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
}

// mapErr translates the Bot API's topic-deleted failures into the sentinel
// the relay engine acts on.
func (a *Adapter) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if isTopicGone(err) {
		return fmt.Errorf("%w: %v", relay.ErrTopicGone, err)
	}
	return err
}

func isTopicGone(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	return strings.Contains(text, "message thread not found") ||
		strings.Contains(text, "TOPIC_DELETED") ||
		strings.Contains(text, "TOPIC_CLOSED")
}
