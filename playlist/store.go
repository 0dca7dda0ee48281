package playlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kmsepr/YtPlaylist/metrics"
	sentryhelper "github.com/kmsepr/YtPlaylist/sentry_helper"
)

// DefaultTTL is how long a resolved id list is served before re-resolving.
const DefaultTTL = 30 * time.Minute

// ErrNoItems is returned by listers that resolved a playlist without any playable items.
var ErrNoItems = errors.New("playlist resolved to zero items")

// Lister returns the ordered item identifiers of an external playlist.
type Lister interface {
	List(ctx context.Context, source string) ([]string, error)
}

// ResolutionError reports that a playlist could not be turned into item ids.
type ResolutionError struct {
	Playlist string
	Source   string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Playlist != "" {
		return fmt.Sprintf("resolve playlist %s (%s): %v", e.Playlist, e.Source, e.Err)
	}
	return fmt.Sprintf("resolve playlist %s: %v", e.Source, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Entry is a name-keyed cached id list.
type Entry struct {
	IDs       []string  `json:"ids"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Backup is the last known-good id list of a playlist identity.
type Backup struct {
	IDs     []string  `json:"ids"`
	SavedAt time.Time `json:"saved_at"`
	Name    string    `json:"name"`
}

type cacheFile struct {
	Entries map[string]Entry  `json:"entries"`
	Backups map[string]Backup `json:"backups"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Path   string
	TTL    time.Duration
	Logger *slog.Logger
	Sentry *sentryhelper.SentryHelper
	Now    func() time.Time
}

// Store serves playlist id lists with a TTL cache and a fallback chain.
// Stored lists keep the lister's order, the playlist mode is applied on every read.
type Store struct {
	lister Lister
	path   string
	ttl    time.Duration
	logger *slog.Logger
	sentry *sentryhelper.SentryHelper
	now    func() time.Time

	mutex sync.Mutex // serializes load-modify-save of the cache file
	data  cacheFile
}

// NewStore creates a store backed by the cache file at opts.Path.
// A missing file starts an empty cache; a corrupt one is logged and replaced on the next write.
func NewStore(lister Lister, opts StoreOptions) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		lister: lister,
		path:   opts.Path,
		ttl:    opts.TTL,
		logger: opts.Logger,
		sentry: opts.Sentry,
		now:    opts.Now,
		data: cacheFile{
			Entries: make(map[string]Entry),
			Backups: make(map[string]Backup),
		},
	}

	if loadErr := s.load(); loadErr != nil {
		s.logger.Error("Failed to load playlist cache, starting empty",
			slog.String("file", s.path),
			slog.String("error", loadErr.Error()))
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Get returns the ordered ids of pl. A fresh cached list is served without calling
// the lister unless force is set. When resolving fails or yields nothing the previous
// list for the name, then the identity backup, is used; if neither exists the result
// is empty and the error is a *ResolutionError.
func (s *Store) Get(ctx context.Context, pl Playlist, force bool) ([]string, error) {
	log := s.logger.With("playlist", pl.Name)

	if !force {
		if entry, ok := s.entry(pl.Name); ok && s.now().Sub(entry.FetchedAt) < s.ttl {
			metrics.Resolutions.WithLabelValues(pl.Name, "fresh").Inc()
			return pl.Mode.Apply(entry.IDs), nil
		}
	}

	ids, listErr := s.lister.List(ctx, pl.Source)
	if listErr == nil && len(ids) == 0 {
		listErr = ErrNoItems
	}
	if listErr == nil {
		if saveErr := s.put(pl, ids); saveErr != nil {
			log.Error("Failed to persist playlist cache",
				slog.String("file", s.path),
				slog.String("error", saveErr.Error()))
			s.sentry.CaptureError(saveErr, "playlist", "cache_save")
		}
		metrics.Resolutions.WithLabelValues(pl.Name, "live").Inc()
		log.Info("Playlist resolved", slog.Int("items", len(ids)))
		return pl.Mode.Apply(ids), nil
	}

	resErr := &ResolutionError{Playlist: pl.Name, Source: pl.Source, Err: listErr}
	var listerErr *ResolutionError
	if errors.As(listErr, &listerErr) {
		resErr.Err = listerErr.Err
	}
	if ctx.Err() != nil {
		return nil, resErr
	}

	if entry, ok := s.entry(pl.Name); ok && len(entry.IDs) > 0 {
		metrics.Resolutions.WithLabelValues(pl.Name, "cache").Inc()
		log.Warn("Playlist resolve failed, serving cached list",
			slog.String("error", listErr.Error()),
			slog.Time("fetched_at", entry.FetchedAt),
			slog.Int("items", len(entry.IDs)))
		return pl.Mode.Apply(entry.IDs), nil
	}

	if backup, ok := s.backup(pl.Identity()); ok && len(backup.IDs) > 0 {
		metrics.Resolutions.WithLabelValues(pl.Name, "backup").Inc()
		log.Warn("Playlist resolve failed, serving backup list",
			slog.String("error", listErr.Error()),
			slog.String("identity", pl.Identity()),
			slog.Time("saved_at", backup.SavedAt),
			slog.Int("items", len(backup.IDs)))
		return pl.Mode.Apply(backup.IDs), nil
	}

	metrics.Resolutions.WithLabelValues(pl.Name, "empty").Inc()
	log.Error("Playlist unavailable, no cache or backup", slog.String("error", listErr.Error()))
	s.sentry.CapturePlaylistError(resErr, pl.Name, "resolve", map[string]interface{}{
		"source": pl.Source,
	})
	return nil, resErr
}

// Cached returns the name-keyed entry, if any.
func (s *Store) Cached(name string) (Entry, bool) {
	return s.entry(name)
}

// Forget drops the name-keyed entry. The identity backup is kept.
func (s *Store) Forget(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.data.Entries[name]; !exists {
		return nil
	}
	delete(s.data.Entries, name)
	return s.saveLocked()
}

func (s *Store) entry(name string) (Entry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.data.Entries[name]
	if !ok {
		return Entry{}, false
	}
	entry.IDs = append([]string(nil), entry.IDs...)
	return entry, true
}

func (s *Store) backup(identity string) (Backup, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	backup, ok := s.data.Backups[identity]
	if !ok {
		return Backup{}, false
	}
	backup.IDs = append([]string(nil), backup.IDs...)
	return backup, true
}

func (s *Store) put(pl Playlist, ids []string) error {
	canonical := append([]string(nil), ids...)
	now := s.now()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.data.Entries[pl.Name] = Entry{IDs: canonical, FetchedAt: now}
	s.data.Backups[pl.Identity()] = Backup{IDs: canonical, SavedAt: now, Name: pl.Name}
	return s.saveLocked()
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, readErr := os.ReadFile(s.path)
	if errors.Is(readErr, os.ErrNotExist) {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("failed to read playlist cache: %w", readErr)
	}

	var parsed cacheFile
	if unmarshalErr := json.Unmarshal(data, &parsed); unmarshalErr != nil {
		return fmt.Errorf("failed to parse playlist cache: %w", unmarshalErr)
	}
	if parsed.Entries != nil {
		s.data.Entries = parsed.Entries
	}
	if parsed.Backups != nil {
		s.data.Backups = parsed.Backups
	}

	s.logger.Info("Loaded playlist cache",
		slog.String("file", s.path),
		slog.Int("entries", len(s.data.Entries)),
		slog.Int("backups", len(s.data.Backups)))
	return nil
}

// saveLocked writes the cache atomically. Caller holds s.mutex.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	data, marshalErr := json.MarshalIndent(s.data, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal playlist cache: %w", marshalErr)
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic replaces path with data through a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, 0o755); mkdirErr != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, mkdirErr)
	}

	tmp, createErr := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if createErr != nil {
		return fmt.Errorf("failed to create temp file: %w", createErr)
	}
	tmpName := tmp.Name()

	if _, writeErr := tmp.Write(data); writeErr != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, writeErr)
	}
	if syncErr := tmp.Sync(); syncErr != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", tmpName, syncErr)
	}
	if closeErr := tmp.Close(); closeErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, closeErr)
	}
	if renameErr := os.Rename(tmpName, path); renameErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, renameErr)
	}
	return nil
}
