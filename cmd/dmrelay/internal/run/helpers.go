package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/cmd/dmrelay/internal"
	"github.com/tinyland-inc/dmrelay/pkg/auth"
	"github.com/tinyland-inc/dmrelay/pkg/bus"
	"github.com/tinyland-inc/dmrelay/pkg/commands"
	"github.com/tinyland-inc/dmrelay/pkg/conn"
	"github.com/tinyland-inc/dmrelay/pkg/digest"
	"github.com/tinyland-inc/dmrelay/pkg/identity"
	"github.com/tinyland-inc/dmrelay/pkg/ingest"
	"github.com/tinyland-inc/dmrelay/pkg/relay"
	"github.com/tinyland-inc/dmrelay/pkg/source"
	"github.com/tinyland-inc/dmrelay/pkg/store"
	"github.com/tinyland-inc/dmrelay/pkg/telegram"
)

func runCmd(debug, freshLogin bool) error {
	var log zerolog.Logger
	if debug {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
		fmt.Println("🔍 Debug mode enabled")
	} else {
		log = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if freshLogin {
		cfg.Account.ForceFreshLogin = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idStore, err := identity.NewStore(cfg.StatePath("identity"), log)
	if err != nil {
		return fmt.Errorf("error opening identity store: %w", err)
	}
	device, err := idStore.EnsureDevice(cfg.Account.Username)
	if err != nil {
		return fmt.Errorf("error preparing device fingerprint: %w", err)
	}

	client := source.NewRestClient(cfg.Account.APIBase, cfg.Account.StreamURL, cfg.Account.Proxy, device, log)
	cooldown := time.Duration(cfg.Connection.LoginCooldownSecs) * time.Second
	loginEngine := auth.NewEngine(client, idStore, cfg.Account, cooldown, log)

	user, err := loginEngine.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("error authenticating: %w", err)
	}
	fmt.Printf("✓ Logged in as %s\n", user.Username)

	db, err := store.Open(cfg.StatePath("relay.db"), log)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	filters, err := store.LoadFilterSet(db)
	if err != nil {
		return fmt.Errorf("error loading filters: %w", err)
	}

	msgBus := bus.NewMessageBus(cfg.Relay.QueueSize)

	tgAdapter, err := telegram.NewAdapter(cfg.Telegram, msgBus, log)
	if err != nil {
		return fmt.Errorf("error creating telegram adapter: %w", err)
	}

	relayEngine := relay.NewEngine(tgAdapter, client, db, filters, user.ID, cfg.Relay.CommandPrefix, log)
	controller := conn.NewController(client, loginEngine, cfg.Connection, log)

	dispatcher := commands.NewDispatcher(
		tgAdapter, filters, cfg.Relay.CommandPrefix,
		relayEngine.Stats, controller.State, log,
	)
	relayEngine.SetCommands(dispatcher)

	pipeline := ingest.NewPipeline(client, cfg.Relay.DedupWindow, log)
	pipeline.Register(func(msg bus.InboundMessage) error {
		return msgBus.PublishInbound(ctx, msg)
	})

	if err := tgAdapter.Start(ctx); err != nil {
		return fmt.Errorf("error starting telegram adapter: %w", err)
	}
	fmt.Println("✓ Telegram adapter started")

	go relayEngine.Run(ctx, msgBus)

	handlers := source.Handlers{
		OnMessage: pipeline.HandleEvent,
		OnError: func(err error) {
			log.Warn().Err(err).Msg("Stream error")
		},
	}
	if err := controller.Start(ctx, handlers); err != nil {
		return fmt.Errorf("error connecting realtime stream: %w", err)
	}
	fmt.Println("✓ Realtime stream connected")

	digestService := digest.NewService(
		cfg.Digest, cfg.Telegram.ControlTopicID, db,
		relayEngine.Stats, tgAdapter, log,
	)
	go digestService.Run(ctx)
	if cfg.Digest.Enabled {
		fmt.Printf("✓ Digest scheduled (%s)\n", cfg.Digest.Schedule)
	}

	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case err := <-controller.Fatal():
		log.Error().Err(err).Msg("Connection lost permanently")
		fmt.Println("\nConnection lost, shutting down...")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	controller.Stop(shutCtx)
	cancel()
	tgAdapter.Stop()
	msgBus.Close()
	fmt.Println("✓ Relay stopped")

	return nil
}
