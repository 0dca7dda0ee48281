// Package sentry_helper wraps sentry-go so that reporting stays optional and
// safe to call from the per-playlist worker goroutines.
package sentry_helper

import (
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryHelper reports unexpected failures. A disabled helper is a no-op.
type SentryHelper struct {
	enabled bool
	logger  *slog.Logger
}

// Init configures the global Sentry client. An empty DSN disables reporting.
func Init(dsn, environment, release string, logger *slog.Logger) *SentryHelper {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		logger.Info("Sentry disabled, no DSN configured")
		return NewSentryHelper(false, logger)
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}); err != nil {
		logger.Error("Sentry initialization failed", slog.String("error", err.Error()))
		return NewSentryHelper(false, logger)
	}

	return NewSentryHelper(true, logger)
}

// NewSentryHelper creates a new SentryHelper instance.
func NewSentryHelper(enabled bool, logger *slog.Logger) *SentryHelper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SentryHelper{
		enabled: enabled,
		logger:  logger,
	}
}

// IsEnabled returns whether Sentry is enabled.
func (h *SentryHelper) IsEnabled() bool {
	return h != nil && h.enabled
}

// CaptureError captures an error tagged with the component and operation that produced it.
func (h *SentryHelper) CaptureError(err error, component string, operation string) {
	h.capture(err, map[string]string{
		"component": component,
		"operation": operation,
	}, nil)
}

// CapturePlaylistError captures an error raised while serving one playlist.
func (h *SentryHelper) CapturePlaylistError(err error, playlist string, operation string, extra map[string]interface{}) {
	h.capture(err, map[string]string{
		"component": "radio",
		"operation": operation,
		"playlist":  playlist,
	}, extra)
}

// CaptureMessage captures a message with proper hub isolation.
func (h *SentryHelper) CaptureMessage(msg string) {
	if !h.IsEnabled() || msg == "" {
		return
	}

	// Clone hub to avoid data races in goroutines.
	hub := sentry.CurrentHub().Clone()
	hub.CaptureMessage(msg)
}

// AddBreadcrumb records a step on the way to a possible error.
func (h *SentryHelper) AddBreadcrumb(category, message string, data map[string]interface{}) {
	if !h.IsEnabled() || message == "" {
		return
	}

	sentry.CurrentHub().AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Data:      data,
		Timestamp: time.Now(),
	}, nil)
}

// SafeFlush safely flushes Sentry events with timeout.
func (h *SentryHelper) SafeFlush(timeout time.Duration) {
	if !h.IsEnabled() {
		return
	}

	if !sentry.Flush(timeout) {
		h.logger.Warn("Sentry flush timeout", slog.Duration("timeout", timeout))
	}
}

func (h *SentryHelper) capture(err error, tags map[string]string, extra map[string]interface{}) {
	if !h.IsEnabled() || err == nil {
		return
	}

	// Clone hub to avoid data races in goroutines.
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}
