package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const watchDebounce = 250 * time.Millisecond

// ErrUnknownPlaylist is returned for names that are not configured.
var ErrUnknownPlaylist = errors.New("unknown playlist")

// ErrDuplicatePlaylist is returned by Add when the name is already taken.
var ErrDuplicatePlaylist = errors.New("duplicate playlist")

type registryFile struct {
	Playlists []Playlist `yaml:"playlists"`
}

// Registry is the playlist configuration file: name -> {source, mode}.
type Registry struct {
	path      string
	mutex     sync.RWMutex
	playlists []Playlist
	logger    *slog.Logger
}

// NewRegistry creates a registry and loads path if it exists.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:      path,
		playlists: make([]Playlist, 0),
		logger:    logger,
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if _, loadErr := r.Load(); loadErr != nil {
			return nil, loadErr
		}
	}
	return r, nil
}

// Load re-reads the file and reports whether the playlist set changed.
// Invalid or duplicate entries are skipped with a warning.
func (r *Registry) Load() (bool, error) {
	data, readErr := os.ReadFile(r.path)
	if readErr != nil {
		return false, fmt.Errorf("failed to read playlist configuration: %w", readErr)
	}

	var file registryFile
	if unmarshalErr := yaml.Unmarshal(data, &file); unmarshalErr != nil {
		return false, fmt.Errorf("failed to parse playlist configuration: %w", unmarshalErr)
	}

	loaded := make([]Playlist, 0, len(file.Playlists))
	seen := make(map[string]bool, len(file.Playlists))
	for _, p := range file.Playlists {
		mode, modeErr := ParseMode(string(p.Mode))
		if modeErr == nil {
			p.Mode = mode
		}
		if validateErr := p.Validate(); validateErr != nil {
			r.logger.Warn("Skipping invalid playlist entry",
				slog.String("name", p.Name),
				slog.String("error", validateErr.Error()))
			continue
		}
		if seen[p.Name] {
			r.logger.Warn("Skipping duplicate playlist entry", slog.String("name", p.Name))
			continue
		}
		seen[p.Name] = true
		loaded = append(loaded, p)
	}

	r.mutex.Lock()
	changed := !slices.Equal(r.playlists, loaded)
	r.playlists = loaded
	r.mutex.Unlock()

	r.logger.Info("Loaded playlist configuration",
		slog.Int("count", len(loaded)),
		slog.String("file", r.path))
	return changed, nil
}

// List returns a copy of the configured playlists.
func (r *Registry) List() []Playlist {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return slices.Clone(r.playlists)
}

// Get returns the playlist called name.
func (r *Registry) Get(name string) (Playlist, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, p := range r.playlists {
		if p.Name == name {
			return p, true
		}
	}
	return Playlist{}, false
}

// Add validates and persists a new playlist. Nothing changes in memory unless
// the file was written.
func (r *Registry) Add(p Playlist) error {
	mode, modeErr := ParseMode(string(p.Mode))
	if modeErr != nil {
		return modeErr
	}
	p.Mode = mode
	if validateErr := p.Validate(); validateErr != nil {
		return validateErr
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, existing := range r.playlists {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: %s already exists", ErrDuplicatePlaylist, p.Name)
		}
	}
	next := append(slices.Clone(r.playlists), p)
	if saveErr := r.save(next); saveErr != nil {
		return saveErr
	}
	r.playlists = next

	r.logger.Info("Added playlist", slog.String("name", p.Name), slog.String("source", p.Source))
	return nil
}

// Remove deletes a playlist by name.
func (r *Registry) Remove(name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	idx := slices.IndexFunc(r.playlists, func(p Playlist) bool { return p.Name == name })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPlaylist, name)
	}
	next := slices.Delete(slices.Clone(r.playlists), idx, idx+1)
	if saveErr := r.save(next); saveErr != nil {
		return saveErr
	}
	r.playlists = next

	r.logger.Info("Removed playlist", slog.String("name", name))
	return nil
}

// SetMode changes the play order of a playlist and returns the updated entry.
func (r *Registry) SetMode(name string, mode Mode) (Playlist, error) {
	parsed, modeErr := ParseMode(string(mode))
	if modeErr != nil {
		return Playlist{}, modeErr
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	idx := slices.IndexFunc(r.playlists, func(p Playlist) bool { return p.Name == name })
	if idx < 0 {
		return Playlist{}, fmt.Errorf("%w: %s", ErrUnknownPlaylist, name)
	}
	next := slices.Clone(r.playlists)
	next[idx].Mode = parsed
	if saveErr := r.save(next); saveErr != nil {
		return Playlist{}, saveErr
	}
	r.playlists = next

	r.logger.Info("Changed playlist mode", slog.String("name", name), slog.String("mode", string(parsed)))
	return next[idx], nil
}

// Watch calls onChange with the new playlist set whenever the file is edited
// externally. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, onChange func([]Playlist)) error {
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("failed to create watcher: %w", watcherErr)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory rather than the file.
	dir := filepath.Dir(r.path)
	if addErr := watcher.Add(dir); addErr != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, addErr)
	}
	target := filepath.Clean(r.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				debounce = time.After(watchDebounce)
			}

		case <-debounce:
			debounce = nil
			changed, loadErr := r.Load()
			if loadErr != nil {
				r.logger.Error("Failed to reload playlist configuration",
					slog.String("file", r.path),
					slog.String("error", loadErr.Error()))
				continue
			}
			if changed && onChange != nil {
				onChange(r.List())
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("fsnotify error", slog.String("error", watchErr.Error()))
		}
	}
}

func (r *Registry) save(playlists []Playlist) error {
	data, marshalErr := yaml.Marshal(registryFile{Playlists: playlists})
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal playlist configuration: %w", marshalErr)
	}
	if writeErr := writeFileAtomic(r.path, data); writeErr != nil {
		return fmt.Errorf("failed to write playlist configuration: %w", writeErr)
	}

	r.logger.Info("Saved playlist configuration",
		slog.Int("count", len(playlists)),
		slog.String("file", r.path))
	return nil
}
