package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kmsepr/YtPlaylist/playlist"
)

// ErrNotFound is returned for playlist names without a running session.
var ErrNotFound = errors.New("playlist not found")

// Manager owns the running sessions, one per configured playlist.
type Manager struct {
	ctx      context.Context
	deps     Deps
	opts     Options
	logger   *slog.Logger
	sessions *xsync.MapOf[string, *Session]

	// Serializes Add, Remove and Sync so a name is never started twice.
	mutex sync.Mutex
}

// NewManager creates an empty manager. Sessions run until ctx ends or they are removed.
func NewManager(ctx context.Context, deps Deps, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		ctx:      ctx,
		deps:     deps,
		opts:     opts,
		logger:   opts.Logger,
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// Add starts a session for pl, replacing any session with the same name.
func (m *Manager) Add(pl playlist.Playlist) *Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.addLocked(pl)
}

func (m *Manager) addLocked(pl playlist.Playlist) *Session {
	if existing, ok := m.sessions.LoadAndDelete(pl.Name); ok {
		m.logger.Info("Replacing running session", slog.String("playlist", pl.Name))
		existing.Stop()
	}

	session := NewSession(pl, m.deps, m.opts)
	m.sessions.Store(pl.Name, session)
	session.Start(m.ctx)
	return session
}

// Remove stops and forgets the session called name.
func (m *Manager) Remove(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.removeLocked(name)
}

func (m *Manager) removeLocked(name string) error {
	session, ok := m.sessions.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	session.Stop()
	m.logger.Info("Session removed", slog.String("playlist", name))
	return nil
}

// Get returns the session called name.
func (m *Manager) Get(name string) (*Session, error) {
	session, ok := m.sessions.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return session, nil
}

// List returns the running sessions ordered by name.
func (m *Manager) List() []*Session {
	list := make([]*Session, 0, m.sessions.Size())
	m.sessions.Range(func(_ string, session *Session) bool {
		list = append(list, session)
		return true
	})
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}

// Health maps every playlist to whether it is currently playable.
func (m *Manager) Health() map[string]bool {
	health := make(map[string]bool, m.sessions.Size())
	m.sessions.Range(func(name string, session *Session) bool {
		health[name] = session.Status().Healthy
		return true
	})
	return health
}

// Sync reconciles the running sessions with the configured playlists: new ones
// are started, missing ones stopped, changed sources restarted and mode changes
// applied in place.
func (m *Manager) Sync(playlists []playlist.Playlist) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	wanted := make(map[string]playlist.Playlist, len(playlists))
	for _, pl := range playlists {
		wanted[pl.Name] = pl
	}

	var stale []string
	m.sessions.Range(func(name string, _ *Session) bool {
		if _, ok := wanted[name]; !ok {
			stale = append(stale, name)
		}
		return true
	})
	for _, name := range stale {
		_ = m.removeLocked(name)
	}

	for _, pl := range playlists {
		session, running := m.sessions.Load(pl.Name)
		switch {
		case !running:
			m.addLocked(pl)
		case session.Playlist().Source != pl.Source:
			m.logger.Info("Playlist source changed, restarting session", slog.String("playlist", pl.Name))
			m.addLocked(pl)
		case session.Playlist().Mode != pl.Mode:
			session.SetMode(pl.Mode)
		}
	}

	m.logger.Info("Sessions synchronized", slog.Int("count", m.sessions.Size()))
}

// StopAll stops every session and waits for their workers.
func (m *Manager) StopAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var wg sync.WaitGroup
	m.sessions.Range(func(name string, session *Session) bool {
		m.sessions.Delete(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.Stop()
		}()
		return true
	})
	wg.Wait()
	m.logger.Info("All sessions stopped")
}
