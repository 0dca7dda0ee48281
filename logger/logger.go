// Package logger builds the process-wide structured logger.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogsampling "github.com/samber/slog-sampling"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// Config holds the logger configuration.
type Config struct {
	Level                 LogLevel
	Output                io.Writer
	DisableSampling       bool
	ThresholdSamplingTick time.Duration
	ThresholdSamplingMax  uint64
	ThresholdSamplingRate float64
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:                 LevelInfo,
		Output:                os.Stdout,
		DisableSampling:       false,
		ThresholdSamplingTick: 5 * time.Second,
		ThresholdSamplingMax:  20,   // Allow first 20 identical messages per tick.
		ThresholdSamplingRate: 0.05, // Then only 5% of subsequent messages.
	}
}

// NewLogger creates a JSON logger. Repeated messages (the stream loop is chatty
// when a playlist is unreachable) are thinned by threshold sampling, errors are never dropped.
func NewLogger(config *Config) *slog.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	baseHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(string(config.Level)),
	})

	if config.DisableSampling {
		return slog.New(baseHandler)
	}

	thresholdOption := slogsampling.ThresholdSamplingOption{
		Tick:      config.ThresholdSamplingTick,
		Threshold: config.ThresholdSamplingMax,
		Rate:      config.ThresholdSamplingRate,
		Matcher:   slogsampling.MatchByLevelAndMessage(),
	}

	return slog.New(
		slogmulti.
			Router().
			Add(baseHandler, func(_ context.Context, r slog.Record) bool {
				return r.Level >= slog.LevelError
			}).
			Add(
				slogmulti.Pipe(thresholdOption.NewMiddleware()).Handler(baseHandler),
				func(_ context.Context, r slog.Record) bool {
					return r.Level < slog.LevelError
				},
			).
			Handler(),
	)
}

// ParseLevel converts a textual level to slog.Level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case string(LevelDebug):
		return slog.LevelDebug
	case string(LevelInfo):
		return slog.LevelInfo
	case string(LevelWarning), "WARN":
		return slog.LevelWarn
	case string(LevelError):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component field to the logger for better categorization.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithPlaylist adds a playlist field to the logger for session-specific logging.
func WithPlaylist(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("playlist", name)
}

// LogPlaybackEvent logs playback-related events with consistent fields.
func LogPlaybackEvent(logger *slog.Logger, level slog.Level, msg string, playlist string, item string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("playlist", playlist),
		slog.String("item", item),
		slog.String("event_type", "playback"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogNetworkEvent logs listener-related events with consistent fields.
func LogNetworkEvent(logger *slog.Logger, level slog.Level, msg string, listenerID string, remoteAddr string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("listener_id", listenerID),
		slog.String("remote_addr", remoteAddr),
		slog.String("event_type", "network"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(context.Background(), level, msg, allAttrs...)
}
