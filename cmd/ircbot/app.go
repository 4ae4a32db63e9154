package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/matt0x6f/ircbot/internal/bot"
	"github.com/matt0x6f/ircbot/internal/config"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/metrics"
	"github.com/matt0x6f/ircbot/internal/service"
	"github.com/matt0x6f/ircbot/internal/storage"
)

// App ties the configuration to a running bot.
type App struct {
	cfg     *config.Config
	bot     *bot.Bot
	storage *storage.Storage
	metrics *metrics.Server
}

// NewApp creates the bot, its servers and the optional archive and metrics
// endpoint from cfg.
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg}

	if cfg.Storage.Path != "" {
		st, err := openStorage(cfg.Storage)
		if err != nil {
			return nil, err
		}
		app.storage = st
	}

	app.bot = bot.New(bot.Options{
		Service:     cfg.Service.Options(),
		Threads:     cfg.Threads.Options(),
		LogAsync:    cfg.Log.Async,
		Storage:     app.storage,
		Notify:      cfg.Notify.Enabled,
		NotifyTitle: cfg.Notify.Title,
	})
	for _, sc := range cfg.Servers {
		s := app.bot.NewServer(sc.Options(), sc.NumericHosts)
		for _, ch := range sc.Channels {
			s.Join(ch)
		}
	}
	registerHandlers(app.bot, app.storage)

	if cfg.Metrics.Listen != "" {
		app.metrics = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	return app, nil
}

func openStorage(sc config.StorageConfig) (*storage.Storage, error) {
	if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	st, err := storage.NewStorage(sc.Path, sc.Buffer, sc.FlushInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return st, nil
}

// Run runs the bot until shutdown and returns the exit code.
func (a *App) Run(ctx context.Context) int {
	if a.metrics != nil {
		a.metrics.Start()
	}

	rc := a.bot.Run(ctx)

	if a.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(shutdownCtx); err != nil {
			logger.Log.Warn().Err(err).Msg("Metrics server did not stop cleanly")
		}
		cancel()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			logger.Log.Error().Err(err).Msg("Failed to close storage")
			rc = service.ExitFailure
		}
	}
	return rc
}
