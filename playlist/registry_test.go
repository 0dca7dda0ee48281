package playlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRegistry = `playlists:
  - name: quran
    source: https://www.youtube.com/playlist?list=PLquran
    mode: shuffle
  - name: talks
    source: https://www.youtube.com/playlist?list=PLtalks
  - name: "bad name"
    source: https://www.youtube.com/playlist?list=PLbad
  - name: quran
    source: https://www.youtube.com/playlist?list=PLdup
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playlists.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryLoadSkipsInvalidAndDuplicates(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)

	registry, err := NewRegistry(path, nil)
	require.NoError(t, err)

	list := registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, "quran", list[0].Name)
	assert.Equal(t, ModeShuffled, list[0].Mode)
	assert.Equal(t, "https://www.youtube.com/playlist?list=PLquran", list[0].Source)
	assert.Equal(t, ModeSequential, list[1].Mode)
}

func TestRegistryFailedSaveLeavesMemoryUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playlists.yaml")
	registry, err := NewRegistry(path, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Add(Playlist{Name: "one", Source: "https://www.youtube.com/playlist?list=PL1"}))

	// A non-empty directory in place of the file makes the atomic rename fail.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o755))

	addErr := registry.Add(Playlist{Name: "two", Source: "https://www.youtube.com/playlist?list=PL2"})
	require.Error(t, addErr)
	assert.NotErrorIs(t, addErr, ErrInvalidPlaylist)
	_, ok := registry.Get("two")
	assert.False(t, ok, "a playlist that was not saved must not be listed")

	assert.Error(t, registry.Remove("one"))
	_, ok = registry.Get("one")
	assert.True(t, ok)

	_, modeErr := registry.SetMode("one", ModeReversed)
	assert.Error(t, modeErr)
	got, _ := registry.Get("one")
	assert.Equal(t, ModeSequential, got.Mode)

	// Once the file is writable again the same add goes through.
	require.NoError(t, os.RemoveAll(path))
	assert.NoError(t, registry.Add(Playlist{Name: "two", Source: "https://www.youtube.com/playlist?list=PL2"}))
}

func TestRegistryMissingFileStartsEmpty(t *testing.T) {
	registry, err := NewRegistry(filepath.Join(t.TempDir(), "none.yaml"), nil)
	require.NoError(t, err)
	assert.Empty(t, registry.List())
}

func TestRegistryAddRemoveSetMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playlists.yaml")
	registry, err := NewRegistry(path, nil)
	require.NoError(t, err)

	require.NoError(t, registry.Add(Playlist{Name: "one", Source: "https://www.youtube.com/playlist?list=PL1"}))
	assert.ErrorIs(t, registry.Add(Playlist{Name: "one", Source: "https://www.youtube.com/playlist?list=PL2"}), ErrDuplicatePlaylist)
	assert.ErrorIs(t, registry.Add(Playlist{Name: "two", Source: "not a url"}), ErrInvalidPlaylist)
	assert.ErrorIs(t, registry.Add(Playlist{Name: "two", Source: "https://x", Mode: "sideways"}), ErrInvalidPlaylist)

	updated, err := registry.SetMode("one", "reverse")
	require.NoError(t, err)
	assert.Equal(t, ModeReversed, updated.Mode)

	_, err = registry.SetMode("missing", ModeSequential)
	assert.ErrorIs(t, err, ErrUnknownPlaylist)

	// The file on disk reflects the changes.
	reloaded, err := NewRegistry(path, nil)
	require.NoError(t, err)
	got, ok := reloaded.Get("one")
	require.True(t, ok)
	assert.Equal(t, ModeReversed, got.Mode)

	require.NoError(t, registry.Remove("one"))
	assert.ErrorIs(t, registry.Remove("one"), ErrUnknownPlaylist)
	_, ok = registry.Get("one")
	assert.False(t, ok)
}

func TestRegistryLoadReportsChanges(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)
	registry, err := NewRegistry(path, nil)
	require.NoError(t, err)

	changed, err := registry.Load()
	require.NoError(t, err)
	assert.False(t, changed, "reloading identical content is not a change")

	require.NoError(t, os.WriteFile(path, []byte("playlists: []\n"), 0o644))
	changed, err = registry.Load()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, registry.List())
}

func TestRegistryWatchPicksUpEdits(t *testing.T) {
	path := writeRegistry(t, "playlists: []\n")
	registry, err := NewRegistry(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan []Playlist, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = registry.Watch(ctx, func(list []Playlist) { changes <- list })
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleRegistry), 0o644))

	select {
	case list := <-changes:
		assert.Len(t, list, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for registry change")
	}
}
