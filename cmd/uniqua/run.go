package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"uniqua/internal/action"
	"uniqua/internal/bus"
	"uniqua/internal/channel"
	"uniqua/internal/character"
	"uniqua/internal/config"
	"uniqua/internal/imagegen"
	"uniqua/internal/metrics"
	"uniqua/internal/store"
	"uniqua/internal/uniquafy"

	"github.com/spf13/cobra"
	"google.golang.org/genai"
)

const (
	shutdownTimeout = 10 * time.Second
	// failureWindow bounds the failures reported by /healthz.
	failureWindow = 15 * time.Minute
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot on every enabled channel",
		Long:  "Starts Telegram, Discord, Slack and WebSocket channels that are enabled in config or by environment tokens. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Try the bot in the terminal",
		RunE:  runChat,
	}
}

// app holds the long-lived components shared by run and chat.
type app struct {
	cfg        *config.Config
	char       *character.Character
	bus        *bus.InMemoryBus
	events     *bus.EventBus
	collector  *metrics.MetricsCollector
	store      *store.SQLiteStore
	channels   *channel.Registry
	dispatcher *action.Dispatcher
	closers    []func()
}

// startupCheck validates required environment variables. A failure exits
// the process with status 1.
func startupCheck(cfg *config.Config) {
	if err := config.CheckEnv(cfg); err != nil {
		logger.Error("startup check failed", "err", err)
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{
		cfg:       cfg,
		bus:       bus.New(100, logger),
		events:    bus.NewEventBus(500, logger),
		collector: metrics.NewMetricsCollector(),
		channels:  channel.NewRegistry(logger),
	}
	a.closers = append(a.closers, a.bus.Close)
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	char, err := character.LoadOrDefault(cfg.General.CharacterFile)
	if err != nil {
		return nil, fmt.Errorf("character: %w", err)
	}
	a.char = char

	detach := a.collector.Subscribe(a.events)
	a.closers = append(a.closers, detach)

	transformer, err := newTransformer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	actionCfg := uniquafy.ActionConfig{
		Character: char,
		Platforms: a.channels,
		Fetcher: uniquafy.NewFetcher(uniquafy.FetcherConfig{
			Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
			MaxBytes:    cfg.Fetch.MaxBytes,
			DenyPrivate: !cfg.Fetch.AllowPrivateAddresses,
			Logger:      logger,
		}),
		Transformer: transformer,
		Publisher: uniquafy.NewPublisher(uniquafy.PublisherConfig{
			Dir:    cfg.Staging.Dir,
			Keep:   cfg.Staging.Keep,
			Logger: logger,
		}),
		Events:      a.events,
		AttachMedia: cfg.Publish.AttachMedia,
		Logger:      logger,
	}

	if cfg.Store.Enabled {
		st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, func() { st.Close() })
		actionCfg.Recorder = st
	}

	actions, err := newActionRegistry(actionCfg)
	if err != nil {
		return nil, err
	}

	a.dispatcher = action.NewDispatcher(action.DispatcherConfig{
		Registry:       actions,
		Bus:            a.bus,
		Limiter:        action.NewRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.PerMinute),
		Events:         a.events,
		Concurrency:    cfg.General.MaxConcurrent,
		HandlerTimeout: time.Duration(cfg.General.HandlerTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	return a, nil
}

// newTransformer returns the generative transformer, or a passthrough when
// google.enabled is false.
func newTransformer(ctx context.Context, cfg *config.Config) (uniquafy.Transformer, error) {
	if !cfg.Google.Enabled {
		logger.Warn("image model disabled, replies will echo the original picture")
		return uniquafy.Passthrough{Logger: logger}, nil
	}
	client, err := imagegen.NewClient(ctx, cfg.Google.Backend, cfg.Google.APIKey, cfg.Google.ProjectID, cfg.Google.Location, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("image model ready", "backend", cfg.Google.Backend, "model", cfg.Google.Model)
	return newGenerator(cfg, client), nil
}

func newGenerator(cfg *config.Config, client *genai.Client) *imagegen.Generator {
	return imagegen.NewGenerator(imagegen.GeneratorConfig{
		Models:       client.Models,
		Model:        cfg.Google.Model,
		Temperature:  float32(cfg.Google.Temperature),
		MaxInputSide: cfg.Google.MaxInputSide,
		Timeout:      time.Duration(cfg.Google.TimeoutSeconds) * time.Second,
		Logger:       logger,
	})
}

// status reports queue pressure and recent pipeline failures for /healthz.
func (a *app) status() map[string]any {
	failed := a.events.Replay(bus.EventFailed, time.Now().Add(-failureWindow))
	st := map[string]any{
		"dropped_inbound": a.bus.Dropped(),
		"recent_failures": len(failed),
	}
	if n := len(failed); n > 0 {
		last := failed[n-1]
		st["last_failure"] = map[string]any{
			"request": last.RequestID,
			"channel": last.Source,
			"status":  last.Payload["status"],
			"at":      last.Timestamp,
		}
	}
	return st
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// registerChannels adds every enabled network channel to the registry.
func (a *app) registerChannels() {
	cfg := a.cfg
	if cfg.Channels.Telegram.Enabled {
		a.channels.Register(channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		a.channels.Register(channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		}))
	}
	if cfg.Channels.Slack.Enabled {
		a.channels.Register(channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		}))
	}
	if cfg.Channels.WebSocket.Enabled {
		ws := channel.NewWebSocketChannel(channel.WSConfig{
			Host:           cfg.Channels.WebSocket.Host,
			Port:           cfg.Channels.WebSocket.Port,
			Path:           cfg.Channels.WebSocket.Path,
			AllowedOrigins: cfg.Channels.WebSocket.AllowedOrigins,
			Status:         a.status,
			Logger:         logger,
		})
		if cfg.Metrics.Enabled {
			ws.Handle(cfg.Metrics.Path, a.collector.Handler())
		}
		a.channels.Register(ws)
	} else if cfg.Metrics.Enabled {
		logger.Info("metrics are served by the websocket channel, which is disabled")
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	startupCheck(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.registerChannels()
	if len(a.channels.Names()) == 0 {
		return fmt.Errorf("no channels enabled: set %s, %s or %s/%s, or enable channels.websocket",
			config.EnvTelegramToken, config.EnvDiscordToken, config.EnvSlackBotToken, config.EnvSlackAppToken)
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.dispatcher.Run(ctx)
	}()

	channelsDone := make(chan struct{})
	go func() {
		defer close(channelsDone)
		for err := range a.channels.StartAll(ctx, a.bus) {
			logger.Error("channel error", "err", err)
		}
	}()

	logger.Info("uniqua started. Press Ctrl+C to stop.", "channels", a.channels.Names(), "version", version)

	select {
	case <-ctx.Done():
	case <-channelsDone:
		logger.Warn("all channels stopped")
		stop()
	}
	logger.Info("shutting down...")

	return a.shutdown(dispatched)
}

// shutdown stops channels and waits for in-flight actions, bounded by
// shutdownTimeout.
func (a *app) shutdown(dispatched <-chan struct{}) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.channels.StopAll()
		<-dispatched
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Network channels stay off in the terminal.
	cfg.Channels.Telegram.Enabled = false
	cfg.Channels.Discord.Enabled = false
	cfg.Channels.Slack.Enabled = false

	// Only warnings reach the terminal during a chat.
	cfg.General.LogLevel = "warn"
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	startupCheck(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	cli := channel.NewCLI(channel.CLIConfig{
		BotName:         a.char.Username,
		ProfileImageURL: cfg.Channels.CLI.ProfileImageURL,
		OutputDir:       cfg.Channels.CLI.OutputDir,
		Logger:          logger,
	})
	a.channels.Register(cli)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		a.dispatcher.Run(ctx)
	}()

	err = cli.Start(ctx, a.bus)
	stop()
	if shutErr := a.shutdown(dispatched); err == nil {
		err = shutErr
	}
	return err
}
