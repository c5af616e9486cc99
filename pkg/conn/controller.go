package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/config"
	"github.com/tinyland-inc/dmrelay/pkg/source"
)

// State is the connection lifecycle phase.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Authenticator re-establishes a session when the stream rejects the current
// one mid-run.
type Authenticator interface {
	Authenticate(ctx context.Context) (*source.User, error)
}

// Backoff returns the reconnect delay for the given attempt: exponential from
// base, capped at max, with ±20% jitter so restarting fleets do not thunder.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	if attempt > 0 {
		if attempt > 30 {
			attempt = 30
		}
		d = base << uint(attempt)
	}
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(d))
	return d + jitter
}

// Controller owns the realtime connection: it dials, supervises, reconnects
// with backoff, re-authenticates on session expiry, and runs the heartbeat
// and presence loops while connected.
type Controller struct {
	client source.Client
	auth   Authenticator
	cfg    config.ConnectionConfig
	log    zerolog.Logger

	state    atomic.Int32
	handlers source.Handlers

	closeCh  chan error
	fatalCh  chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewController(client source.Client, auth Authenticator, cfg config.ConnectionConfig, log zerolog.Logger) *Controller {
	return &Controller{
		client:  client,
		auth:    auth,
		cfg:     cfg,
		log:     log.With().Str("component", "conn").Logger(),
		closeCh: make(chan error, 1),
		fatalCh: make(chan error, 1),
		stopCh:  make(chan struct{}),
	}
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Fatal delivers at most one error: the reconnect loop giving up after the
// configured attempt cap.
func (c *Controller) Fatal() <-chan error { return c.fatalCh }

// Start performs the initial connect and launches the supervision loops.
// The handlers' OnClose is owned by the controller; callers get OnMessage,
// OnReceive and OnError.
func (c *Controller) Start(ctx context.Context, h source.Handlers) error {
	c.handlers = h
	if err := c.connect(ctx, false); err != nil {
		c.state.Store(int32(Disconnected))
		return err
	}

	c.wg.Add(3)
	go c.supervise(ctx)
	go c.heartbeatLoop(ctx)
	go c.presenceLoop(ctx)
	return nil
}

// connect dials the stream. A retry dial keeps the Reconnecting state so
// observers never see a reconnect cycle masquerade as a first connect.
func (c *Controller) connect(ctx context.Context, reconnecting bool) error {
	if reconnecting {
		c.state.Store(int32(Reconnecting))
	} else {
		c.state.Store(int32(Connecting))
	}

	wrapped := source.Handlers{
		OnConnect: c.handlers.OnConnect,
		OnMessage: c.handlers.OnMessage,
		OnReceive: c.handlers.OnReceive,
		OnError: func(err error) {
			c.state.CompareAndSwap(int32(Connected), int32(Degraded))
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
		},
		OnClose: func(err error) {
			select {
			case c.closeCh <- err:
			default:
			}
		},
	}

	err := c.client.Connect(ctx, wrapped)
	if errors.Is(err, source.ErrSessionExpired) {
		c.log.Warn().Msg("Session rejected on connect, re-authenticating")
		if _, authErr := c.auth.Authenticate(ctx); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.client.Connect(ctx, wrapped)
	}
	if err != nil {
		if reconnecting {
			c.state.Store(int32(Reconnecting))
		}
		return err
	}

	c.state.Store(int32(Connected))
	c.replaySnapshot(ctx)
	return nil
}

// replaySnapshot feeds the recent inbox through the normal message path so
// anything that arrived while disconnected is relayed. Dedup downstream makes
// the overlap harmless. Best effort.
func (c *Controller) replaySnapshot(ctx context.Context) {
	events, err := c.client.InboxSnapshot(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Inbox snapshot failed, continuing without replay")
		return
	}
	for _, ev := range events {
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(ev)
		}
	}
}

func (c *Controller) supervise(ctx context.Context) {
	defer c.wg.Done()

	base := time.Duration(c.cfg.BackoffBaseSecs) * time.Second
	max := time.Duration(c.cfg.BackoffMaxSecs) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case err := <-c.closeCh:
			c.log.Warn().Err(err).Msg("Realtime stream closed, reconnecting")
		}

		c.state.Store(int32(Reconnecting))
		recovered := false
		for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
			delay := Backoff(base, max, attempt)
			c.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Reconnect scheduled")

			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(delay):
			}

			if err := c.connect(ctx, true); err != nil {
				c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect failed")
				continue
			}
			c.log.Info().Int("attempt", attempt+1).Msg("Reconnected")
			recovered = true
			break
		}

		if !recovered {
			c.state.Store(int32(Disconnected))
			err := fmt.Errorf("gave up after %d reconnect attempts", c.cfg.MaxReconnectAttempts)
			c.log.Error().Err(err).Msg("Connection is down for good")
			select {
			case c.fatalCh <- err:
			default:
			}
			return
		}
	}
}

// heartbeatLoop polls the inbox on a jittered interval while connected. It
// doubles as a liveness probe and as gap repair for events the stream missed.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := time.Duration(c.cfg.HeartbeatMins) * time.Minute
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(jittered(interval)):
		}

		if c.State() != Connected {
			continue
		}
		if _, err := c.client.InboxSnapshot(ctx); err != nil {
			c.state.CompareAndSwap(int32(Connected), int32(Degraded))
			c.log.Warn().Err(err).Msg("Heartbeat poll failed")
			if errors.Is(err, source.ErrSessionExpired) {
				select {
				case c.closeCh <- err:
				default:
				}
			}
			continue
		}
		c.state.CompareAndSwap(int32(Degraded), int32(Connected))
	}
}

// presenceLoop mimics a person picking the phone up and putting it down:
// short foreground bursts, long background stretches, all durations drawn
// fresh each cycle.
func (c *Controller) presenceLoop(ctx context.Context) {
	defer c.wg.Done()

	foreground := false
	for {
		var wait time.Duration
		if foreground {
			wait = randomMinutes(c.cfg.ForegroundMinMins, c.cfg.ForegroundMaxMins)
		} else {
			wait = randomMinutes(c.cfg.BackgroundMinMins, c.cfg.BackgroundMaxMins)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(wait):
		}

		if c.State() != Connected {
			continue
		}
		foreground = !foreground
		if err := c.client.SetPresence(ctx, foreground); err != nil {
			c.log.Debug().Err(err).Bool("foreground", foreground).Msg("Presence update failed")
		}
	}
}

// Stop tears the connection down: background presence so the account does
// not look abruptly abandoned, then a clean stream close.
func (c *Controller) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.State() == Connected {
			_ = c.client.SetPresence(ctx, false)
		}
		_ = c.client.Disconnect(ctx)
		c.wg.Wait()
		c.state.Store(int32(Disconnected))
		c.log.Info().Msg("Connection controller stopped")
	})
}

func jittered(d time.Duration) time.Duration {
	return d + time.Duration((rand.Float64()*0.4-0.2)*float64(d))
}

func randomMinutes(min, max int) time.Duration {
	if max <= min {
		return time.Duration(min) * time.Minute
	}
	return time.Duration(min)*time.Minute +
		time.Duration(rand.Int63n(int64(max-min)*int64(time.Minute)))
}
