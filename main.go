package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/kmsepr/YtPlaylist/audio"
	"github.com/kmsepr/YtPlaylist/config"
	httpServer "github.com/kmsepr/YtPlaylist/http"
	"github.com/kmsepr/YtPlaylist/logger"
	"github.com/kmsepr/YtPlaylist/playlist"
	"github.com/kmsepr/YtPlaylist/radio"
	"github.com/kmsepr/YtPlaylist/relay"
	sentryhelper "github.com/kmsepr/YtPlaylist/sentry_helper"
	"github.com/kmsepr/YtPlaylist/telegram"
	"github.com/kmsepr/YtPlaylist/ytdlp"
)

const (
	release         = "ytplaylist@1.0.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, configErr := config.Load(os.Args[1:])
	if configErr != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", configErr)
		os.Exit(2)
	}

	logConfig := logger.DefaultConfig()
	logConfig.Level = logger.LogLevel(cfg.LogLevel)
	log := logger.NewLogger(logConfig)
	slog.SetDefault(log)

	sentryHelper := sentryhelper.Init(cfg.SentryDSN, cfg.Environment, release, log)
	defer sentryHelper.SafeFlush(2 * time.Second)
	defer sentry.Recover()

	if runErr := run(cfg, log, sentryHelper); runErr != nil {
		log.Error("Service stopped with error", slog.String("error", runErr.Error()))
		sentryHelper.CaptureError(runErr, "main", "run")
		sentryHelper.SafeFlush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, sentryHelper *sentryhelper.SentryHelper) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, registryErr := playlist.NewRegistry(cfg.PlaylistsFile, logger.WithComponent(log, "registry"))
	if registryErr != nil {
		return fmt.Errorf("failed to load playlists: %w", registryErr)
	}

	ytdlpOpts := ytdlp.Options{
		Executable:  cfg.YtdlpPath,
		CookiesPath: cfg.CookiesPath,
		Logger:      logger.WithComponent(log, "ytdlp"),
	}
	store := playlist.NewStore(ytdlp.NewLister(ytdlpOpts, cfg.ListerRate), playlist.StoreOptions{
		Path:   cfg.CacheFile,
		TTL:    cfg.CacheTTL,
		Logger: logger.WithComponent(log, "store"),
		Sentry: sentryHelper,
	})
	transcoder := audio.NewTranscoder(ytdlp.NewFetcher(ytdlpOpts), audio.TranscoderOptions{
		FFmpegPath:   cfg.FFmpegPath,
		Format:       cfg.Format(),
		StallTimeout: cfg.StallTimeout,
		Logger:       logger.WithComponent(log, "transcoder"),
	})

	manager := radio.NewManager(ctx, radio.Deps{
		Store:   store,
		Locator: ytdlp.NewLocator(ytdlpOpts),
		Opener:  transcoder,
	}, radio.Options{
		ChunkSize:       cfg.ChunkSize,
		LoadRetry:       cfg.LoadRetry,
		RefreshInterval: cfg.CacheTTL,
		Buffer: relay.Options{
			Capacity:          cfg.QueueSize,
			Policy:            cfg.Policy(),
			SlowClientTimeout: cfg.SlowClientTimeout,
		},
		Format:   cfg.Format(),
		PaceKbps: cfg.PaceKbps(),
		Logger:   logger.WithComponent(log, "radio"),
		Sentry:   sentryHelper,
	})
	defer manager.StopAll()
	manager.Sync(registry.List())

	go func() {
		watchErr := registry.Watch(ctx, manager.Sync)
		if watchErr != nil && !errors.Is(watchErr, context.Canceled) {
			log.Error("Playlist file watcher stopped", slog.String("error", watchErr.Error()))
			sentryHelper.CaptureError(watchErr, "registry", "watch")
		}
	}()

	alerts := telegram.NewManager(telegram.Options{
		BotToken: cfg.TelegramBotToken,
		ChatID:   cfg.TelegramChatID,
		Logger:   logger.WithComponent(log, "telegram"),
	})
	alerts.SetHealthFunc(manager.Health)
	alerts.Start(ctx)
	defer alerts.Stop()

	server := httpServer.NewServer(httpServer.Options{
		Sessions:   manager,
		Registry:   registry,
		Cache:      store,
		Alerts:     alerts,
		AdminToken: cfg.AdminToken,
		Logger:     log,
		Sentry:     sentryHelper,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening",
			slog.Int("port", cfg.Port),
			slog.Int("playlists", len(registry.List())))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reload(registry, manager, log)
				continue
			}
			log.Info("Received signal, shutting down", slog.String("signal", sig.String()))
			return shutdown(httpSrv, manager, log)
		}
	}
}

// reload re-reads the playlist file and reconciles the running sessions.
func reload(registry *playlist.Registry, manager *radio.Manager, log *slog.Logger) {
	changed, loadErr := registry.Load()
	if loadErr != nil {
		log.Error("Failed to reload playlists", slog.String("error", loadErr.Error()))
		return
	}
	log.Info("Playlists reloaded on SIGHUP", slog.Bool("changed", changed))
	if changed {
		manager.Sync(registry.List())
	}
}

// shutdown stops the sessions first, which ends every open stream response,
// then drains the HTTP server.
func shutdown(httpSrv *http.Server, manager *radio.Manager, log *slog.Logger) error {
	manager.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	log.Info("Server stopped")
	return nil
}
