package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botAPI struct {
	mutex    sync.Mutex
	messages []map[string]interface{}
	paths    []string
	status   int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var payload map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	b.messages = append(b.messages, payload)
	b.paths = append(b.paths, r.URL.Path)

	if b.status != 0 && b.status != http.StatusOK {
		w.WriteHeader(b.status)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (b *botAPI) texts() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	out := make([]string, 0, len(b.messages))
	for _, msg := range b.messages {
		text, _ := msg["text"].(string)
		out = append(out, text)
	}
	return out
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, api *botAPI, c *clock, health map[string]bool) *Manager {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	manager := NewManager(Options{
		BotToken:    "123:abc",
		ChatID:      "42",
		APIBase:     server.URL,
		GracePeriod: time.Minute,
		Cooldown:    5 * time.Minute,
		Now:         c.Now,
	})
	manager.SetHealthFunc(func() map[string]bool { return health })
	return manager
}

func TestDownAlertAfterGracePeriodThenRecovery(t *testing.T) {
	api := &botAPI{}
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	health := map[string]bool{"quran": true}
	manager := newTestManager(t, api, c, health)
	ctx := context.Background()

	manager.Check(ctx)
	health["quran"] = false
	manager.Check(ctx)
	assert.Empty(t, api.texts(), "no alert inside the grace period")

	c.now = c.now.Add(2 * time.Minute)
	manager.Check(ctx)
	require.Len(t, api.texts(), 1)
	assert.Contains(t, api.texts()[0], "Stream Down")
	assert.Contains(t, api.texts()[0], "quran")

	c.now = c.now.Add(time.Minute)
	manager.Check(ctx)
	assert.Len(t, api.texts(), 1, "one down alert per outage")

	health["quran"] = true
	c.now = c.now.Add(time.Minute)
	manager.Check(ctx)
	require.Len(t, api.texts(), 2)
	assert.Contains(t, api.texts()[1], "Stream Restored")
	assert.Contains(t, api.texts()[1], "4 minutes")

	api.mutex.Lock()
	assert.Equal(t, "/bot123:abc/sendMessage", api.paths[0])
	assert.Equal(t, "42", api.messages[0]["chat_id"])
	api.mutex.Unlock()
}

func TestShortOutageIsSilent(t *testing.T) {
	api := &botAPI{}
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	health := map[string]bool{"quran": false}
	manager := newTestManager(t, api, c, health)

	manager.Check(context.Background())
	health["quran"] = true
	c.now = c.now.Add(30 * time.Second)
	manager.Check(context.Background())

	assert.Empty(t, api.texts())
	statuses := manager.Statuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].IsAvailable)
}

func TestCooldownBetweenOutages(t *testing.T) {
	api := &botAPI{}
	c := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	health := map[string]bool{"quran": false}
	manager := newTestManager(t, api, c, health)
	ctx := context.Background()

	manager.Check(ctx)
	c.now = c.now.Add(2 * time.Minute)
	manager.Check(ctx) // down alert
	health["quran"] = true
	manager.Check(ctx) // restored alert
	require.Len(t, api.texts(), 2)

	health["quran"] = false
	manager.Check(ctx)
	c.now = c.now.Add(2 * time.Minute)
	manager.Check(ctx)
	assert.Len(t, api.texts(), 2, "still inside the cooldown")

	c.now = c.now.Add(5 * time.Minute)
	manager.Check(ctx)
	assert.Len(t, api.texts(), 3)
}

func TestSendMessageReportsAPIError(t *testing.T) {
	api := &botAPI{status: http.StatusBadRequest}
	c := &clock{now: time.Now()}
	manager := newTestManager(t, api, c, nil)

	err := manager.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestDisabledWithoutCredentials(t *testing.T) {
	manager := NewManager(Options{})
	assert.False(t, manager.IsEnabled())

	manager.Start(context.Background())
	manager.Stop()
}

func TestRemovedPlaylistsAreForgotten(t *testing.T) {
	api := &botAPI{}
	c := &clock{now: time.Now()}
	health := map[string]bool{"a": true, "b": true}
	manager := newTestManager(t, api, c, health)

	manager.Check(context.Background())
	require.Len(t, manager.Statuses(), 2)

	delete(health, "b")
	manager.Check(context.Background())
	statuses := manager.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "a", statuses[0].Name)
}
