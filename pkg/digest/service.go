package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/config"
	"github.com/tinyland-inc/dmrelay/pkg/relay"
	"github.com/tinyland-inc/dmrelay/pkg/store"
)

// Poster delivers the rendered digest, normally into the control topic.
type Poster interface {
	SendText(ctx context.Context, topicID int, text string) error
}

// Service posts a periodic activity summary on a cron schedule.
type Service struct {
	cfg     config.DigestConfig
	topicID int
	db      *store.Store
	stats   func() relay.Stats
	post    Poster
	log     zerolog.Logger
}

func NewService(cfg config.DigestConfig, topicID int, db *store.Store, stats func() relay.Stats, post Poster, log zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		topicID: topicID,
		db:      db,
		stats:   stats,
		post:    post,
		log:     log.With().Str("component", "digest").Logger(),
	}
}

// Run sleeps until each scheduled tick and posts the digest. Returns when
// the context ends. A bad schedule is caught by config validation; hitting
// one here aborts the loop.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled || s.cfg.Schedule == "" {
		return
	}
	for {
		next, err := gronx.NextTick(s.cfg.Schedule, false)
		if err != nil {
			s.log.Error().Err(err).Str("schedule", s.cfg.Schedule).Msg("Digest schedule unusable")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		if err := s.postDigest(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Digest post failed")
		}
	}
}

func (s *Service) postDigest(ctx context.Context) error {
	text, err := s.render()
	if err != nil {
		return err
	}
	return s.post.SendText(ctx, s.topicID, text)
}

func (s *Service) render() (string, error) {
	st := s.stats()
	top, err := s.db.ListTopUsers(s.cfg.TopUsers)
	if err != nil {
		return "", fmt.Errorf("list top users: %w", err)
	}

	threads, err := s.db.CountChats()
	if err != nil {
		return "", fmt.Errorf("count threads: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Daily digest\n")
	fmt.Fprintf(&b, "Relayed in: %d\nRelayed out: %d\nActive threads: %d\nUp since: %s\n",
		st.InboundRelayed, st.OutboundRelayed, threads, st.StartedAt.Format("2006-01-02 15:04 MST"))

	if len(top) > 0 {
		b.WriteString("\nMost active:\n")
		for i, user := range top {
			name := user.Username
			if name == "" {
				name = user.SourceUserID
			}
			fmt.Fprintf(&b, "%d. %s — %d messages\n", i+1, name, user.MessageCount)
		}
	}
	return b.String(), nil
}
