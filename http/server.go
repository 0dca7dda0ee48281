// Package http serves the playlist streams, the listen pages and the admin API.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmsepr/YtPlaylist/logger"
	"github.com/kmsepr/YtPlaylist/metrics"
	"github.com/kmsepr/YtPlaylist/playlist"
	"github.com/kmsepr/YtPlaylist/radio"
	"github.com/kmsepr/YtPlaylist/relay"
	sentryhelper "github.com/kmsepr/YtPlaylist/sentry_helper"
	"github.com/kmsepr/YtPlaylist/telegram"
)

const adminTokenHeader = "X-Admin-Token"

// SessionManager runs the playlist streams.
type SessionManager interface {
	Get(name string) (*radio.Session, error)
	List() []*radio.Session
	Add(pl playlist.Playlist) *radio.Session
	Remove(name string) error
}

// PlaylistRegistry persists the configured playlists.
type PlaylistRegistry interface {
	List() []playlist.Playlist
	Add(p playlist.Playlist) error
	Remove(name string) error
	SetMode(name string, mode playlist.Mode) (playlist.Playlist, error)
}

// CacheForgetter drops cached id lists of removed playlists.
type CacheForgetter interface {
	Forget(name string) error
}

// AlertManager exposes the Telegram alert state.
type AlertManager interface {
	IsEnabled() bool
	Statuses() []telegram.PlaylistStatus
	SendMessage(ctx context.Context, message string) error
}

// Options wires the server to the rest of the service.
type Options struct {
	Sessions SessionManager
	Registry PlaylistRegistry
	Cache    CacheForgetter
	Alerts   AlertManager
	// AdminToken protects the mutating endpoints. Empty disables the check.
	AdminToken string
	Logger     *slog.Logger
	Sentry     *sentryhelper.SentryHelper
}

// Server is the HTTP front of the radio.
type Server struct {
	router     *mux.Router
	sessions   SessionManager
	registry   PlaylistRegistry
	cache      CacheForgetter
	alerts     AlertManager
	adminToken string
	logger     *slog.Logger
	sentry     *sentryhelper.SentryHelper
}

// NewServer creates the server and its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		router:     mux.NewRouter(),
		sessions:   opts.Sessions,
		registry:   opts.Registry,
		cache:      opts.Cache,
		alerts:     opts.Alerts,
		adminToken: opts.AdminToken,
		logger:     logger.WithComponent(opts.Logger, "http"),
		sentry:     opts.Sentry,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.indexHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyzHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/stream/{name}", s.streamHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/listen/{name}", s.listenHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/now-playing", s.nowPlayingHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/playlists", s.listPlaylistsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/playlists", s.requireAdmin(s.addPlaylistHandler)).Methods(http.MethodPost)
	s.router.HandleFunc("/playlists/{name}", s.requireAdmin(s.removePlaylistHandler)).Methods(http.MethodDelete)
	s.router.HandleFunc("/playlists/{name}/mode", s.requireAdmin(s.setModeHandler)).Methods(http.MethodPut)
	s.router.HandleFunc("/playlists/{name}/refresh", s.requireAdmin(s.refreshHandler)).Methods(http.MethodPost)
	s.router.HandleFunc("/playlists/{name}/skip", s.requireAdmin(s.skipHandler)).Methods(http.MethodPost)

	s.router.HandleFunc("/alerts", s.alertsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/alerts/test", s.requireAdmin(s.alertsTestHandler)).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
}

// requireAdmin rejects requests without the admin token when one is configured.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			got := r.Header.Get(adminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
				s.logger.Warn("Rejected admin request",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

// healthzHandler reports that the process is up.
func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyzHandler fails while every configured playlist is unplayable.
func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	sessions := s.sessions.List()
	healthy := 0
	for _, session := range sessions {
		if session.Status().Healthy {
			healthy++
		}
	}

	if len(sessions) > 0 && healthy == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "Not ready - 0 of %d streams playable", len(sessions))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Ready - %d of %d streams playable", healthy, len(sessions))
}

// streamHandler relays one playlist's audio to a listener until the listener
// goes away, falls too far behind, or the session stops.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	session, getErr := s.sessions.Get(name)
	if getErr != nil {
		if errors.Is(getErr, radio.ErrNotFound) {
			writeError(w, http.StatusNotFound, getErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, getErr.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("Streaming not supported by response writer")
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, subErr := session.Subscribe()
	if subErr != nil {
		writeError(w, http.StatusServiceUnavailable, subErr.Error())
		return
	}
	defer sub.Close()

	log := logger.WithPlaylist(s.logger, name)

	// No Content-Length: the body never ends on its own.
	w.Header().Set("Content-Type", session.ContentType())
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.LogNetworkEvent(log, slog.LevelInfo, "Listener connected", sub.ID, r.RemoteAddr)

	var sent int64
	defer func() {
		logger.LogNetworkEvent(log, slog.LevelInfo, "Listener disconnected", sub.ID, r.RemoteAddr,
			slog.Int64("bytes_sent", sent),
			slog.Uint64("chunks_skipped", sub.Skipped()))
	}()

	for {
		chunk, nextErr := sub.Next(r.Context())
		if nextErr != nil {
			switch {
			case errors.Is(nextErr, relay.ErrEvicted):
				logger.LogNetworkEvent(log, slog.LevelWarn, "Listener evicted", sub.ID, r.RemoteAddr)
			case errors.Is(nextErr, relay.ErrClosed):
				logger.LogNetworkEvent(log, slog.LevelInfo, "Stream closed", sub.ID, r.RemoteAddr)
			}
			return
		}

		n, writeErr := w.Write(chunk)
		sent += int64(n)
		metrics.BytesSent.WithLabelValues(name).Add(float64(n))
		if writeErr != nil {
			if !isConnectionClosedError(writeErr) {
				s.sentry.CaptureError(writeErr, "http", "stream_write")
			}
			return
		}
		flusher.Flush()
	}
}

// isConnectionClosedError reports errors caused by the client hanging up.
func isConnectionClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}

// nowPlayingHandler returns the status of one playlist (?name=) or of all of them.
func (s *Server) nowPlayingHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusOK, s.statuses())
		return
	}

	session, getErr := s.sessions.Get(name)
	if getErr != nil {
		writeError(w, http.StatusNotFound, getErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.Status())
}

func (s *Server) statuses() []radio.Status {
	sessions := s.sessions.List()
	out := make([]radio.Status, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Status())
	}
	return out
}

type playlistInfo struct {
	playlist.Playlist
	Status *radio.Status `json:"status,omitempty"`
}

// listPlaylistsHandler returns the configured playlists with their live status.
func (s *Server) listPlaylistsHandler(w http.ResponseWriter, _ *http.Request) {
	configured := s.registry.List()
	out := make([]playlistInfo, 0, len(configured))
	for _, pl := range configured {
		info := playlistInfo{Playlist: pl}
		if session, err := s.sessions.Get(pl.Name); err == nil {
			status := session.Status()
			info.Status = &status
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

type addPlaylistRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Mode   string `json:"mode"`
}

// addPlaylistHandler persists a new playlist and starts its stream.
func (s *Server) addPlaylistHandler(w http.ResponseWriter, r *http.Request) {
	var req addPlaylistRequest
	if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode, modeErr := playlist.ParseMode(req.Mode)
	if modeErr != nil {
		writeError(w, http.StatusBadRequest, modeErr.Error())
		return
	}
	pl := playlist.Playlist{
		Name:   strings.TrimSpace(req.Name),
		Source: strings.TrimSpace(req.Source),
		Mode:   mode,
	}

	if addErr := s.registry.Add(pl); addErr != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(addErr, playlist.ErrInvalidPlaylist):
			status = http.StatusBadRequest
		case errors.Is(addErr, playlist.ErrDuplicatePlaylist):
			status = http.StatusConflict
		}
		if status == http.StatusInternalServerError {
			s.sentry.CapturePlaylistError(addErr, pl.Name, "add", nil)
		}
		s.logger.Error("Failed to add playlist",
			slog.String("playlist", pl.Name),
			slog.String("error", addErr.Error()))
		writeError(w, status, addErr.Error())
		return
	}

	session := s.sessions.Add(pl)
	s.logger.Info("Playlist added", slog.String("playlist", pl.Name), slog.String("source", pl.Source))
	writeJSON(w, http.StatusCreated, playlistInfo{Playlist: session.Playlist()})
}

// removePlaylistHandler stops a stream and deletes its playlist.
func (s *Server) removePlaylistHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if removeErr := s.registry.Remove(name); removeErr != nil {
		if errors.Is(removeErr, playlist.ErrUnknownPlaylist) {
			writeError(w, http.StatusNotFound, removeErr.Error())
			return
		}
		s.sentry.CapturePlaylistError(removeErr, name, "remove", nil)
		writeError(w, http.StatusInternalServerError, removeErr.Error())
		return
	}
	if stopErr := s.sessions.Remove(name); stopErr != nil && !errors.Is(stopErr, radio.ErrNotFound) {
		s.logger.Error("Failed to stop session", slog.String("playlist", name), slog.String("error", stopErr.Error()))
	}
	if s.cache != nil {
		if forgetErr := s.cache.Forget(name); forgetErr != nil {
			s.logger.Error("Failed to drop cached ids", slog.String("playlist", name), slog.String("error", forgetErr.Error()))
		}
	}

	s.logger.Info("Playlist removed", slog.String("playlist", name))
	w.WriteHeader(http.StatusNoContent)
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

// setModeHandler changes the play order of a running playlist.
func (s *Server) setModeHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req setModeRequest
	if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, modeErr := playlist.ParseMode(req.Mode)
	if modeErr != nil {
		writeError(w, http.StatusBadRequest, modeErr.Error())
		return
	}

	updated, setErr := s.registry.SetMode(name, mode)
	if setErr != nil {
		if errors.Is(setErr, playlist.ErrUnknownPlaylist) {
			writeError(w, http.StatusNotFound, setErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, setErr.Error())
		return
	}
	if session, err := s.sessions.Get(name); err == nil {
		session.SetMode(updated.Mode)
	}
	writeJSON(w, http.StatusOK, updated)
}

// refreshHandler re-resolves a playlist immediately.
func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, "refresh", (*radio.Session).Refresh)
}

// skipHandler moves a playlist to its next item.
func (s *Server) skipHandler(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, "skip", (*radio.Session).Skip)
}

func (s *Server) withSession(w http.ResponseWriter, r *http.Request, action string, fn func(*radio.Session)) {
	name := mux.Vars(r)["name"]

	session, getErr := s.sessions.Get(name)
	if getErr != nil {
		writeError(w, http.StatusNotFound, getErr.Error())
		return
	}
	fn(session)
	s.logger.Info("Playlist command accepted", slog.String("playlist", name), slog.String("command", action))
	writeJSON(w, http.StatusAccepted, map[string]string{"playlist": name, "command": action})
}

// alertsHandler returns the Telegram alert state.
func (s *Server) alertsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":   s.alerts.IsEnabled(),
		"playlists": s.alerts.Statuses(),
	})
}

// alertsTestHandler sends a test message to the alert chat.
func (s *Server) alertsTestHandler(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil || !s.alerts.IsEnabled() {
		writeError(w, http.StatusServiceUnavailable, "telegram alerts are not configured")
		return
	}
	if sendErr := s.alerts.SendMessage(r.Context(), "🧪 *Test alert*\n\nTelegram alerts are working."); sendErr != nil {
		s.logger.Error("Failed to send test alert", slog.String("error", sendErr.Error()))
		writeError(w, http.StatusBadGateway, sendErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Route not found", slog.String("path", r.URL.Path))
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
