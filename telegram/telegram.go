// Package telegram sends Telegram messages when a playlist stream becomes
// unplayable and again when it recovers.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	defaultAPIBase       = "https://api.telegram.org"
	defaultCheckInterval = 30 * time.Second
	defaultGracePeriod   = 2 * time.Minute
	defaultCooldown      = 5 * time.Minute
)

// Options configures the alert manager.
type Options struct {
	BotToken string
	ChatID   string
	// APIBase overrides the Bot API address.
	APIBase       string
	CheckInterval time.Duration
	// GracePeriod is how long a playlist must stay unhealthy before an alert.
	GracePeriod time.Duration
	// Cooldown is the minimum time between two alerts for the same playlist.
	Cooldown time.Duration
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

// PlaylistStatus is the alert state of one playlist.
type PlaylistStatus struct {
	Name        string     `json:"name"`
	IsAvailable bool       `json:"is_available"`
	LastCheck   time.Time  `json:"last_check"`
	DownSince   *time.Time `json:"down_since,omitempty"`
	LastAlert   *time.Time `json:"last_alert,omitempty"`
	alerted     bool
}

// Manager polls playlist health and sends alerts.
type Manager struct {
	opts       Options
	logger     *slog.Logger
	httpClient *http.Client
	healthFunc func() map[string]bool

	mutex    sync.Mutex
	statuses map[string]*PlaylistStatus
	stop     context.CancelFunc
	done     chan struct{}
}

// NewManager creates a manager. It does nothing unless both token and chat id are set.
func NewManager(opts Options) *Manager {
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	} else if opts.GracePeriod == 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:       opts,
		logger:     opts.Logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		statuses:   make(map[string]*PlaylistStatus),
	}
}

// IsEnabled returns whether alerts can be delivered.
func (m *Manager) IsEnabled() bool {
	return m.opts.BotToken != "" && m.opts.ChatID != ""
}

// SetHealthFunc sets the function reporting playlist health.
func (m *Manager) SetHealthFunc(fn func() map[string]bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.healthFunc = fn
}

// Start launches the monitoring loop. It is a no-op when alerts are disabled.
func (m *Manager) Start(ctx context.Context) {
	if !m.IsEnabled() {
		m.logger.Info("Telegram alerts disabled, no bot token or chat id")
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.done = make(chan struct{})
	go m.monitoringLoop(loopCtx, m.done)
	m.logger.Info("Telegram alerts monitoring started", slog.Duration("interval", m.opts.CheckInterval))
}

// Stop ends the monitoring loop and waits for it.
func (m *Manager) Stop() {
	m.mutex.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mutex.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
	m.logger.Info("Telegram alerts monitoring stopped")
}

// Statuses returns the alert state of every known playlist, ordered by name.
func (m *Manager) Statuses() []PlaylistStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]PlaylistStatus, 0, len(m.statuses))
	for _, status := range m.statuses {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) monitoringLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

type alert struct {
	name     string
	up       bool
	downtime time.Duration
}

// Check runs one poll cycle and sends whatever alerts are due.
func (m *Manager) Check(ctx context.Context) {
	m.mutex.Lock()
	healthFunc := m.healthFunc
	m.mutex.Unlock()
	if healthFunc == nil {
		return
	}

	health := healthFunc()
	now := m.opts.Now()

	m.mutex.Lock()
	var due []alert
	for name, healthy := range health {
		if a, ok := m.updateLocked(name, healthy, now); ok {
			due = append(due, a)
		}
	}
	for name := range m.statuses {
		if _, ok := health[name]; !ok {
			delete(m.statuses, name)
		}
	}
	m.mutex.Unlock()

	for _, a := range due {
		m.sendAlert(ctx, a, now)
	}
}

// updateLocked records one observation and reports an alert when one is due.
func (m *Manager) updateLocked(name string, healthy bool, now time.Time) (alert, bool) {
	status, exists := m.statuses[name]
	if !exists {
		status = &PlaylistStatus{Name: name, IsAvailable: true}
		m.statuses[name] = status
	}
	status.LastCheck = now

	if !healthy {
		if status.IsAvailable {
			status.IsAvailable = false
			downSince := now
			status.DownSince = &downSince
			m.logger.Info("Playlist became unavailable", slog.String("playlist", name))
		}
		if status.alerted || now.Sub(*status.DownSince) < m.opts.GracePeriod {
			return alert{}, false
		}
		if status.LastAlert != nil && now.Sub(*status.LastAlert) < m.opts.Cooldown {
			return alert{}, false
		}
		status.alerted = true
		return alert{name: name}, true
	}

	if status.IsAvailable {
		return alert{}, false
	}
	var downtime time.Duration
	if status.DownSince != nil {
		downtime = now.Sub(*status.DownSince)
	}
	wasAlerted := status.alerted
	status.IsAvailable = true
	status.DownSince = nil
	status.alerted = false
	m.logger.Info("Playlist recovered", slog.String("playlist", name), slog.Duration("downtime", downtime))
	if !wasAlerted {
		return alert{}, false
	}
	return alert{name: name, up: true, downtime: downtime}, true
}

func (m *Manager) sendAlert(ctx context.Context, a alert, now time.Time) {
	if !m.IsEnabled() {
		return
	}

	local := now.In(m.opts.Location).Format("15:04:05")
	var message string
	if a.up {
		message = fmt.Sprintf("✅ *Stream Restored*\n\n🎵 *Playlist:* `%s`\n⏰ *Time:* %s\n⏱️ *Downtime:* %s",
			a.name, local, formatDuration(a.downtime))
	} else {
		message = fmt.Sprintf("🚨 *Stream Down*\n\n🎵 *Playlist:* `%s`\n⏰ *Time:* %s\n📻 No playable items",
			a.name, local)
	}

	if sendErr := m.SendMessage(ctx, message); sendErr != nil {
		m.logger.Error("Failed to send Telegram alert",
			slog.String("playlist", a.name),
			slog.String("error", sendErr.Error()))
		return
	}

	m.mutex.Lock()
	if status, ok := m.statuses[a.name]; ok {
		sent := now
		status.LastAlert = &sent
	}
	m.mutex.Unlock()
	m.logger.Info("Telegram alert sent", slog.String("playlist", a.name), slog.Bool("is_up", a.up))
}

// SendMessage posts message to the configured chat.
func (m *Manager) SendMessage(ctx context.Context, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", m.opts.APIBase, m.opts.BotToken)

	payload := map[string]interface{}{
		"chat_id":    m.opts.ChatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal payload: %w", marshalErr)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if reqErr != nil {
		return fmt.Errorf("failed to create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := m.httpClient.Do(req)
	if doErr != nil {
		return fmt.Errorf("failed to send request: %w", doErr)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		var errorResponse struct {
			OK          bool   `json:"ok"`
			ErrorCode   int    `json:"error_code"`
			Description string `json:"description"`
		}
		if json.Unmarshal(body, &errorResponse) == nil && errorResponse.Description != "" {
			return fmt.Errorf("telegram API error %d: %s", errorResponse.ErrorCode, errorResponse.Description)
		}
		return fmt.Errorf("telegram API error: %s", string(body))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d hours %d minutes", int(d.Hours()), int(d.Minutes())%60)
	}
}
