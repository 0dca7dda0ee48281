// Package radio runs one never-ending stream per playlist: a worker that walks the
// playlist item by item and feeds transcoded audio into a relay buffer.
package radio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"github.com/kmsepr/YtPlaylist/audio"
	"github.com/kmsepr/YtPlaylist/logger"
	"github.com/kmsepr/YtPlaylist/metrics"
	"github.com/kmsepr/YtPlaylist/playlist"
	"github.com/kmsepr/YtPlaylist/relay"
	sentryhelper "github.com/kmsepr/YtPlaylist/sentry_helper"
)

const (
	// DefaultChunkSize is the number of bytes read from the pipeline per relay chunk.
	DefaultChunkSize = 4096
	// DefaultLoadRetry is the pause before retrying a playlist that resolved to nothing.
	DefaultLoadRetry = 10 * time.Second

	controlQueueSize = 8
)

// IDSource returns the ordered item ids of a playlist (the playlist store).
type IDSource interface {
	Get(ctx context.Context, pl playlist.Playlist, force bool) ([]string, error)
}

// Locator resolves an item id to a fetchable locator.
type Locator interface {
	Locate(ctx context.Context, id string) (string, error)
}

// Opener starts producing the transcoded bytes of a locator.
type Opener interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
}

// Deps are the collaborators of a session.
type Deps struct {
	Store   IDSource
	Locator Locator
	Opener  Opener
}

// State is the worker's position in its item loop.
type State string

const (
	StateLoading    State = "loading"
	StateSelecting  State = "selecting"
	StateResolving  State = "resolving"
	StateStreaming  State = "streaming"
	StateItemDone   State = "item_done"
	StateItemFailed State = "item_failed"
	StateStopped    State = "stopped"
)

// Status is a point-in-time snapshot of a session.
type Status struct {
	Name        string        `json:"name"`
	Source      string        `json:"source"`
	Mode        playlist.Mode `json:"mode"`
	State       State         `json:"state"`
	Current     string        `json:"current,omitempty"`
	Index       int           `json:"index"`
	Items       int           `json:"items"`
	Failed      int           `json:"failed"`
	Listeners   int           `json:"listeners"`
	Healthy     bool          `json:"healthy"`
	LastError   string        `json:"last_error,omitempty"`
	LastRefresh time.Time     `json:"last_refresh"`
	StartedAt   time.Time     `json:"started_at"`
}

// Options tune a session.
type Options struct {
	ChunkSize int
	LoadRetry time.Duration
	// RefreshInterval re-reads the playlist while streaming; usually the store TTL.
	RefreshInterval time.Duration
	Buffer          relay.Options
	// Format is the transcoder output, used to verify the first chunk of each MP3 item.
	Format audio.Format
	// PaceKbps limits production to real time at this bitrate. Zero disables pacing.
	PaceKbps int
	Logger   *slog.Logger
	Sentry   *sentryhelper.SentryHelper
	Now      func() time.Time
}

type commandKind int

const (
	commandRefresh commandKind = iota
	commandSkip
	commandSetMode
)

type command struct {
	kind commandKind
	mode playlist.Mode
}

// Session is the stream of one playlist. Only the worker goroutine touches the
// item list, the cursor and the failed set; listeners only read the buffer.
type Session struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	buffer *relay.Buffer
	pacer  ratelimit.Limiter

	control chan command

	lifecycleMutex sync.Mutex
	cancel         context.CancelFunc
	done           chan struct{}

	itemMutex    sync.Mutex
	itemCancel   context.CancelFunc
	abortPending bool

	statusMutex sync.RWMutex
	status      Status
	pl          playlist.Playlist

	// Worker-owned.
	ids         []string
	index       int
	failed      map[string]bool
	lastRefresh time.Time
}

// NewSession creates a stopped session for pl.
func NewSession(pl playlist.Playlist, deps Deps, opts Options) *Session {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.LoadRetry <= 0 {
		opts.LoadRetry = DefaultLoadRetry
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = playlist.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	log := logger.WithPlaylist(opts.Logger, pl.Name)
	bufferOpts := opts.Buffer
	bufferOpts.Name = pl.Name
	bufferOpts.Logger = log

	s := &Session{
		deps:    deps,
		opts:    opts,
		logger:  log,
		buffer:  relay.New(bufferOpts),
		control: make(chan command, controlQueueSize),
		pl:      pl,
		failed:  make(map[string]bool),
		status: Status{
			Name:   pl.Name,
			Source: pl.Source,
			Mode:   pl.Mode,
			State:  StateStopped,
		},
	}
	if opts.PaceKbps > 0 {
		chunkDuration := time.Duration(opts.ChunkSize*8) * time.Second / time.Duration(opts.PaceKbps*1000)
		s.pacer = ratelimit.New(1, ratelimit.Per(chunkDuration))
	}
	return s
}

// Start launches the worker. It is a no-op on a running session.
func (s *Session) Start(ctx context.Context) {
	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	if s.done != nil {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	now := s.opts.Now()
	s.updateStatus(func(st *Status) {
		st.StartedAt = now
		st.State = StateLoading
	})

	go s.run(workerCtx, s.done)
	s.logger.Info("Session started", slog.String("source", s.pl.Source))
}

// Stop cancels the worker, waits for it to exit and closes the buffer, which
// ends every attached listener.
func (s *Session) Stop() {
	s.lifecycleMutex.Lock()
	cancel, done := s.cancel, s.done
	s.lifecycleMutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.buffer.Close()
	s.updateStatus(func(st *Status) {
		st.State = StateStopped
		st.Current = ""
	})
	s.logger.Info("Session stopped")
}

// Name is the playlist name.
func (s *Session) Name() string {
	return s.Playlist().Name
}

// Playlist returns the playlist as currently played.
func (s *Session) Playlist() playlist.Playlist {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()

	return s.pl
}

// ContentType is the HTTP content type of the stream.
func (s *Session) ContentType() string {
	return s.opts.Format.ContentType()
}

// Subscribe attaches a listener to the stream.
func (s *Session) Subscribe() (*relay.Subscription, error) {
	return s.buffer.Subscribe()
}

// Buffer exposes the relay buffer.
func (s *Session) Buffer() *relay.Buffer {
	return s.buffer
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.statusMutex.RLock()
	st := s.status
	s.statusMutex.RUnlock()

	st.Listeners = s.buffer.Subscribers()
	st.Healthy = !(st.State == StateLoading && st.Items == 0) && st.State != StateStopped
	return st
}

// Refresh reloads the playlist, bypassing the cache, and abandons the current item.
func (s *Session) Refresh() {
	s.send(command{kind: commandRefresh})
	s.abortItem()
}

// Skip abandons the current item without marking it failed.
func (s *Session) Skip() {
	s.send(command{kind: commandSkip})
	s.abortItem()
}

// SetMode changes the play order from the next item on.
func (s *Session) SetMode(mode playlist.Mode) {
	s.statusMutex.Lock()
	s.pl.Mode = mode
	s.status.Mode = mode
	s.statusMutex.Unlock()

	s.send(command{kind: commandSetMode, mode: mode})
}

func (s *Session) send(cmd command) {
	select {
	case s.control <- cmd:
	default:
		s.logger.Warn("Control queue full, dropping command", slog.Int("kind", int(cmd.kind)))
	}
}

// abortItem cancels the item being played. Between items the abort is kept
// pending and applied to the next item, unless the worker handles the
// matching command first.
func (s *Session) abortItem() {
	s.itemMutex.Lock()
	defer s.itemMutex.Unlock()

	if s.itemCancel != nil {
		s.itemCancel()
		return
	}
	s.abortPending = true
}

func (s *Session) setItemCancel(cancel context.CancelFunc) {
	s.itemMutex.Lock()
	defer s.itemMutex.Unlock()

	s.itemCancel = cancel
	if cancel != nil && s.abortPending {
		s.abortPending = false
		cancel()
	}
}

func (s *Session) clearPendingAbort() {
	s.itemMutex.Lock()
	defer s.itemMutex.Unlock()

	s.abortPending = false
}

func (s *Session) updateStatus(update func(st *Status)) {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()

	update(&s.status)
}

func (s *Session) setState(state State, current string) {
	s.updateStatus(func(st *Status) {
		st.State = state
		st.Current = current
		st.Index = s.index
		st.Items = len(s.ids)
		st.Failed = len(s.failed)
		st.LastRefresh = s.lastRefresh
	})
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session worker panicked", slog.Any("panic", r))
			s.opts.Sentry.CaptureMessage("session worker panic: " + s.Name())
		}
	}()

	for ctx.Err() == nil {
		// Commands are applied between items, never in the middle of one.
		s.drainCommands(ctx)
		if ctx.Err() != nil {
			return
		}

		// LOADING: nothing to play yet. load backs off on an empty result.
		if len(s.ids) == 0 {
			s.load(ctx)
			continue
		}

		s.refreshIfDue(ctx)

		// SELECTING: false means every item failed and the list was reloaded.
		id, ok := s.selectNext(ctx)
		if !ok {
			continue
		}

		// RESOLVING, STREAMING, then ITEM_DONE or ITEM_FAILED.
		s.play(ctx, id)
	}
}

func (s *Session) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-s.control:
			s.handle(ctx, cmd)
		default:
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case commandRefresh:
		s.clearPendingAbort()
		s.logger.Info("Forced refresh requested")
		s.reload(ctx, true)

	case commandSkip:
		// Skip already cancelled the item it targeted, or left the abort
		// pending if none was playing. Either way the next item plays.
		s.clearPendingAbort()

	case commandSetMode:
		s.logger.Info("Play order changed", slog.String("mode", string(cmd.mode)))
		s.reload(ctx, false)
	}
}

// reload replaces the working ids when the store returns any and resets the cursor.
func (s *Session) reload(ctx context.Context, force bool) {
	ids, getErr := s.deps.Store.Get(ctx, s.Playlist(), force)
	if getErr != nil {
		s.recordError(getErr)
	}
	if len(ids) > 0 {
		s.ids = ids
	}
	s.index = 0
	clear(s.failed)
	s.lastRefresh = s.opts.Now()
	s.setState(StateSelecting, "")
}

func (s *Session) load(ctx context.Context) {
	s.setState(StateLoading, "")

	ids, getErr := s.deps.Store.Get(ctx, s.Playlist(), true)
	if ctx.Err() != nil {
		return
	}
	if len(ids) == 0 {
		if getErr != nil {
			s.recordError(getErr)
		}
		s.logger.Warn("Playlist has no playable items, retrying",
			slog.Duration("retry_in", s.opts.LoadRetry))
		s.wait(ctx, s.opts.LoadRetry)
		return
	}

	s.ids = ids
	s.index = 0
	clear(s.failed)
	s.lastRefresh = s.opts.Now()
	s.setState(StateSelecting, "")
	s.logger.Info("Playlist loaded", slog.Int("items", len(ids)))
}

// wait pauses for d, returning early on cancellation or a control command.
func (s *Session) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case cmd := <-s.control:
		s.handle(ctx, cmd)
	}
}

func (s *Session) refreshIfDue(ctx context.Context) {
	if s.opts.Now().Sub(s.lastRefresh) <= s.opts.RefreshInterval {
		return
	}
	s.logger.Info("Periodic playlist refresh")
	s.reload(ctx, false)
}

// selectNext returns the next id that has not failed. When every id failed the
// playlist is reloaded and ok is false.
func (s *Session) selectNext(ctx context.Context) (string, bool) {
	s.setState(StateSelecting, "")

	// Walk at most one full lap from the cursor; the cursor wraps.
	n := len(s.ids)
	for tries := 0; tries < n; tries++ {
		id := s.ids[s.index%n]
		s.index++
		if !s.failed[id] {
			return id, true
		}
	}

	// A whole lap of failures forces a fresh listing and clears the failed set.
	s.logger.Warn("Every item failed, reloading playlist", slog.Int("items", n))
	ids, getErr := s.deps.Store.Get(ctx, s.Playlist(), true)
	if getErr != nil {
		s.recordError(getErr)
	}
	s.ids = ids
	s.index = 0
	clear(s.failed)
	s.lastRefresh = s.opts.Now()
	s.setState(StateLoading, "")
	s.wait(ctx, s.opts.LoadRetry)
	return "", false
}

func (s *Session) play(ctx context.Context, id string) {
	itemCtx, cancel := context.WithCancel(ctx)
	s.setItemCancel(cancel)
	defer func() {
		s.setItemCancel(nil)
		cancel()
	}()

	name := s.Name()
	metrics.Items.WithLabelValues(name, "started").Inc()
	s.setState(StateResolving, id)

	locator, locateErr := s.deps.Locator.Locate(itemCtx, id)
	if locateErr != nil {
		if s.abandoned(ctx, itemCtx, id) {
			return
		}
		s.fail(id, "locate_failed", locateErr)
		return
	}

	s.setState(StateStreaming, id)
	stream, openErr := s.deps.Opener.Open(itemCtx, locator)
	if openErr != nil {
		if s.abandoned(ctx, itemCtx, id) {
			return
		}
		s.opts.Sentry.CapturePlaylistError(openErr, name, "open", map[string]interface{}{"item": id})
		s.fail(id, "transcode_failed", openErr)
		return
	}
	stopClose := context.AfterFunc(itemCtx, func() { stream.Close() })
	defer func() {
		stopClose()
		stream.Close()
	}()

	logger.LogPlaybackEvent(s.opts.Logger, slog.LevelInfo, "Streaming item", name, id)
	start := time.Now()
	produced, streamErr := s.pump(itemCtx, id, stream)

	if s.abandoned(ctx, itemCtx, id) {
		return
	}
	if errors.Is(streamErr, relay.ErrClosed) {
		return
	}
	// A clean exit with no audio counts as a failure.
	if streamErr == nil && produced == 0 {
		streamErr = errors.New("pipeline produced no audio")
	}
	if streamErr != nil {
		s.fail(id, "transcode_failed", streamErr)
		return
	}

	metrics.Items.WithLabelValues(name, "done").Inc()
	s.setState(StateItemDone, id)
	logger.LogPlaybackEvent(s.opts.Logger, slog.LevelInfo, "Item finished", name, id,
		slog.Int64("bytes", produced),
		slog.Duration("elapsed", time.Since(start)))
}

// pump copies the stream into the buffer chunk by chunk until EOF.
func (s *Session) pump(ctx context.Context, id string, stream io.Reader) (int64, error) {
	buf := make([]byte, s.opts.ChunkSize)
	var produced int64

	for {
		n, readErr := io.ReadFull(stream, buf)
		if n > 0 && ctx.Err() == nil {
			if produced == 0 {
				s.verifyFormat(id, buf[:n])
			}
			if s.pacer != nil {
				s.pacer.Take()
			}
			if pushErr := s.buffer.Push(ctx, buf[:n]); pushErr != nil {
				return produced, pushErr
			}
			produced += int64(n)
			metrics.BytesProduced.WithLabelValues(s.Name()).Add(float64(n))
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return produced, nil
		default:
			return produced, readErr
		}
	}
}

func (s *Session) verifyFormat(id string, chunk []byte) {
	if s.opts.Format.Codec != "mp3" || s.opts.Format.SampleRate == 0 {
		return
	}
	rate, probeErr := audio.ProbeMP3(chunk)
	if probeErr != nil {
		s.logger.Debug("Could not probe first chunk", slog.String("item", id), slog.String("error", probeErr.Error()))
		return
	}
	if rate != s.opts.Format.SampleRate {
		s.logger.Warn("Transcoder sample rate differs from configuration",
			slog.String("item", id),
			slog.Int("expected", s.opts.Format.SampleRate),
			slog.Int("actual", rate))
	}
}

// abandoned reports whether the item context was cancelled by Skip or Refresh
// rather than by the session stopping.
func (s *Session) abandoned(ctx, itemCtx context.Context, id string) bool {
	if ctx.Err() != nil {
		return true
	}
	if itemCtx.Err() == nil {
		return false
	}
	name := s.Name()
	metrics.Items.WithLabelValues(name, "skipped").Inc()
	logger.LogPlaybackEvent(s.opts.Logger, slog.LevelInfo, "Item abandoned", name, id)
	return true
}

func (s *Session) fail(id, outcome string, err error) {
	s.failed[id] = true
	name := s.Name()
	metrics.Items.WithLabelValues(name, outcome).Inc()
	s.recordError(err)
	s.setState(StateItemFailed, id)
	logger.LogPlaybackEvent(s.opts.Logger, slog.LevelWarn, "Item failed, skipping", name, id,
		slog.String("outcome", outcome),
		slog.String("error", err.Error()))
}

func (s *Session) recordError(err error) {
	s.updateStatus(func(st *Status) {
		st.LastError = err.Error()
	})
}
