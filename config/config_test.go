package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmsepr/YtPlaylist/relay"
)

var envKeys = []string{
	"PORT", "PLAYLISTS_FILE", "CACHE_FILE", "CACHE_TTL", "QUEUE_SIZE", "CHUNK_SIZE",
	"QUEUE_POLICY", "SAMPLE_RATE", "CHANNELS", "BITRATE", "CODEC", "NORMALIZE_VOLUME",
	"REALTIME_PACING", "COOKIES_PATH", "YTDLP_PATH", "FFMPEG_PATH", "LISTER_RATE",
	"LOAD_RETRY", "STALL_TIMEOUT", "SLOW_CLIENT_TIMEOUT", "LOG_LEVEL", "SENTRY_DSN",
	"ENV", "ADMIN_TOKEN", "TG_BOT_TOKEN", "TG_CHAT_ID",
}

// clearEnv makes every known variable empty, which Load treats as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	config, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8000, config.Port)
	assert.Equal(t, "playlists.yaml", config.PlaylistsFile)
	assert.Equal(t, 30*time.Minute, config.CacheTTL)
	assert.Equal(t, 64, config.QueueSize)
	assert.Equal(t, relay.PolicyBlock, config.Policy())
	assert.Equal(t, "mp3", config.Codec)
	assert.Equal(t, 22050, config.SampleRate)
	assert.Equal(t, 1, config.Channels)
	assert.Equal(t, 40, config.Bitrate)
	assert.True(t, config.NormalizeVolume)
	assert.Equal(t, 0, config.PaceKbps())
	assert.Equal(t, "/mnt/data/cookies.txt", config.CookiesPath)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	clearEnv(t)

	config, err := Load([]string{"-port", "9000", "-codec", "aac", "-cache-ttl", "5m", "-realtime-pacing"})
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, "aac", config.Codec)
	assert.Equal(t, 5*time.Minute, config.CacheTTL)
	assert.Equal(t, 40, config.PaceKbps())
	assert.Equal(t, "audio/aac", config.Format().ContentType())
}

func TestEnvOverridesFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("CACHE_TTL", "1800")
	t.Setenv("QUEUE_POLICY", "drop-oldest")
	t.Setenv("NORMALIZE_VOLUME", "false")
	t.Setenv("STALL_TIMEOUT", "90s")
	t.Setenv("TG_BOT_TOKEN", "123:abc")

	config, err := Load([]string{"-port", "9000"})
	require.NoError(t, err)

	assert.Equal(t, 7000, config.Port)
	assert.Equal(t, 1800*time.Second, config.CacheTTL)
	assert.Equal(t, relay.PolicyDropOldest, config.Policy())
	assert.False(t, config.Format().Normalize)
	assert.Equal(t, 90*time.Second, config.StallTimeout)
	assert.Equal(t, "123:abc", config.TelegramBotToken)
}

func TestLoadRejectsUnparsableEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUEUE_SIZE", "lots")
	t.Setenv("LOAD_RETRY", "soon")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_SIZE")
	assert.Contains(t, err.Error(), "LOAD_RETRY")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, "queue size"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"bad policy", func(c *Config) { c.QueuePolicy = "random" }, "queue policy"},
		{"bad codec", func(c *Config) { c.Codec = "flac" }, "unsupported codec"},
		{"opus rate", func(c *Config) { c.Codec = "opus" }, "opus"},
		{"negative ttl", func(c *Config) { c.CacheTTL = -time.Second }, "cache ttl"},
		{"no playlists file", func(c *Config) { c.PlaylistsFile = "" }, "playlists file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			config, err := Load(nil)
			require.NoError(t, err)

			tt.mutate(config)
			err = config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUnknownFlag(t *testing.T) {
	clearEnv(t)

	_, err := Load([]string{"-no-such-flag"})
	assert.Error(t, err)
}
