package radio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmsepr/YtPlaylist/playlist"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := &fakeStore{results: [][]string{{"a", "b"}}}
	deps := Deps{Store: store, Locator: &fakeLocator{}, Opener: &fakeOpener{}}

	manager := NewManager(context.Background(), deps, testOptions())
	t.Cleanup(manager.StopAll)
	return manager
}

func TestManagerAddGetRemove(t *testing.T) {
	manager := newTestManager(t)

	session := manager.Add(abc)
	got, err := manager.Get("abc")
	require.NoError(t, err)
	assert.Same(t, session, got)

	_, err = manager.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, manager.Remove("abc"))
	assert.ErrorIs(t, manager.Remove("abc"), ErrNotFound)
	assert.Equal(t, StateStopped, session.Status().State)
}

func TestManagerAddReplacesExisting(t *testing.T) {
	manager := newTestManager(t)

	first := manager.Add(abc)
	second := manager.Add(abc)

	assert.NotSame(t, first, second)
	assert.Equal(t, StateStopped, first.Status().State)
	assert.Len(t, manager.List(), 1)
}

func TestManagerSync(t *testing.T) {
	manager := newTestManager(t)

	one := playlist.Playlist{Name: "one", Source: "https://www.youtube.com/playlist?list=PL1"}
	two := playlist.Playlist{Name: "two", Source: "https://www.youtube.com/playlist?list=PL2"}
	manager.Sync([]playlist.Playlist{one, two})

	list := manager.List()
	require.Len(t, list, 2)
	assert.Equal(t, "one", list[0].Name())
	assert.Equal(t, "two", list[1].Name())
	firstTwo := list[1]

	// "one" disappears, "two" changes mode, "three" is new.
	two.Mode = playlist.ModeReversed
	three := playlist.Playlist{Name: "three", Source: "https://www.youtube.com/playlist?list=PL3"}
	manager.Sync([]playlist.Playlist{two, three})

	_, err := manager.Get("one")
	assert.ErrorIs(t, err, ErrNotFound)

	stillTwo, err := manager.Get("two")
	require.NoError(t, err)
	assert.Same(t, firstTwo, stillTwo, "a mode change keeps the session")
	require.Eventually(t, func() bool {
		return stillTwo.Playlist().Mode == playlist.ModeReversed
	}, 2*time.Second, 5*time.Millisecond)

	// A new source restarts the session.
	two.Source = "https://www.youtube.com/playlist?list=PL2b"
	manager.Sync([]playlist.Playlist{two, three})
	restarted, err := manager.Get("two")
	require.NoError(t, err)
	assert.NotSame(t, firstTwo, restarted)
	assert.Equal(t, two.Source, restarted.Playlist().Source)
}

func TestManagerHealth(t *testing.T) {
	manager := newTestManager(t)
	manager.Add(abc)

	require.Eventually(t, func() bool {
		return manager.Health()["abc"]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerStopAll(t *testing.T) {
	manager := newTestManager(t)
	a := manager.Add(abc)
	b := manager.Add(playlist.Playlist{Name: "other", Source: "https://www.youtube.com/playlist?list=PLo"})

	manager.StopAll()
	assert.Empty(t, manager.List())
	assert.Equal(t, StateStopped, a.Status().State)
	assert.Equal(t, StateStopped, b.Status().State)
}
