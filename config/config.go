// Package config loads the service configuration from flags and environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kmsepr/YtPlaylist/audio"
	"github.com/kmsepr/YtPlaylist/playlist"
	"github.com/kmsepr/YtPlaylist/relay"
	"github.com/kmsepr/YtPlaylist/ytdlp"
)

// Defaults.
const (
	defaultPort              = 8000
	defaultPlaylistsFile     = "playlists.yaml"
	defaultCacheFile         = "playlist_cache.json"
	defaultQueueSize         = relay.DefaultCapacity
	defaultChunkSize         = 4096
	defaultQueuePolicy       = string(relay.PolicyBlock)
	defaultCookiesPath       = "/mnt/data/cookies.txt"
	defaultYtdlpPath         = "yt-dlp"
	defaultFFmpegPath        = "ffmpeg"
	defaultLoadRetry         = 10 * time.Second
	defaultStallTimeout      = audio.DefaultStallTimeout
	defaultSlowClientTimeout = relay.DefaultSlowClientTimeout
	defaultLogLevel          = "info"
	defaultEnvironment       = "development"
)

// Config is the application configuration.
type Config struct {
	Port          int
	PlaylistsFile string
	CacheFile     string
	CacheTTL      time.Duration

	QueueSize   int
	ChunkSize   int
	QueuePolicy string

	SampleRate      int
	Channels        int
	Bitrate         int
	Codec           string
	NormalizeVolume bool
	// RealtimePacing throttles production to the output bitrate.
	RealtimePacing bool

	CookiesPath string
	YtdlpPath   string
	FFmpegPath  string
	ListerRate  int

	LoadRetry         time.Duration
	StallTimeout      time.Duration
	SlowClientTimeout time.Duration

	LogLevel    string
	SentryDSN   string
	Environment string
	AdminToken  string

	TelegramBotToken string
	TelegramChatID   string
}

// Load parses args (without the program name) and then applies environment
// overrides. Priority: environment variables > flags > defaults.
func Load(args []string) (*Config, error) {
	format := audio.DefaultFormat()
	config := &Config{}

	fs := flag.NewFlagSet("ytplaylist", flag.ContinueOnError)
	fs.IntVar(&config.Port, "port", defaultPort, "HTTP server port")
	fs.StringVar(&config.PlaylistsFile, "playlists-file", defaultPlaylistsFile, "YAML file with the playlist definitions")
	fs.StringVar(&config.CacheFile, "cache-file", defaultCacheFile, "JSON file with resolved playlist ids")
	fs.DurationVar(&config.CacheTTL, "cache-ttl", playlist.DefaultTTL, "How long a resolved playlist is served from cache")
	fs.IntVar(&config.QueueSize, "queue-size", defaultQueueSize, "Relay buffer capacity in chunks")
	fs.IntVar(&config.ChunkSize, "chunk-size", defaultChunkSize, "Relay chunk size in bytes")
	fs.StringVar(&config.QueuePolicy, "queue-policy", defaultQueuePolicy, "Full buffer policy: block, drop-oldest")
	fs.IntVar(&config.SampleRate, "sample-rate", format.SampleRate, "Output sample rate in Hz")
	fs.IntVar(&config.Channels, "channels", format.Channels, "Output channel count")
	fs.IntVar(&config.Bitrate, "bitrate", format.BitrateKbps, "Output bitrate in kbps")
	fs.StringVar(&config.Codec, "codec", format.Codec, "Output codec: mp3, aac, ogg, opus")
	fs.BoolVar(&config.NormalizeVolume, "normalize-volume", format.Normalize, "Apply loudness normalization")
	fs.BoolVar(&config.RealtimePacing, "realtime-pacing", false, "Produce audio no faster than the output bitrate")
	fs.StringVar(&config.CookiesPath, "cookies-path", defaultCookiesPath, "yt-dlp cookies file, ignored when missing")
	fs.StringVar(&config.YtdlpPath, "ytdlp-path", defaultYtdlpPath, "yt-dlp executable")
	fs.StringVar(&config.FFmpegPath, "ffmpeg-path", defaultFFmpegPath, "ffmpeg executable")
	fs.IntVar(&config.ListerRate, "lister-rate", ytdlp.DefaultListRate, "Playlist listings allowed per minute")
	fs.DurationVar(&config.LoadRetry, "load-retry", defaultLoadRetry, "Pause before retrying an empty playlist")
	fs.DurationVar(&config.StallTimeout, "stall-timeout", defaultStallTimeout, "Kill a transcode pipeline that produces nothing for this long")
	fs.DurationVar(&config.SlowClientTimeout, "slow-client-timeout", defaultSlowClientTimeout, "Evict a listener that keeps the buffer full for this long")
	fs.StringVar(&config.LogLevel, "log-level", defaultLogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&config.SentryDSN, "sentry-dsn", "", "Sentry DSN, empty disables reporting")
	fs.StringVar(&config.Environment, "env", defaultEnvironment, "Deployment environment")
	fs.StringVar(&config.AdminToken, "admin-token", "", "Token required by the admin endpoints, empty disables the check")
	fs.StringVar(&config.TelegramBotToken, "tg-bot-token", "", "Telegram bot token for alerts")
	fs.StringVar(&config.TelegramChatID, "tg-chat-id", "", "Telegram chat id for alerts")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides config fields with the environment variables that are set.
func applyEnv(config *Config) error {
	var errs []error

	envInt := func(key string, target *int) {
		if value := os.Getenv(key); value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to parse %s: %w", key, err))
				return
			}
			*target = parsed
		}
	}
	envBool := func(key string, target *bool) {
		if value := os.Getenv(key); value != "" {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to parse %s: %w", key, err))
				return
			}
			*target = parsed
		}
	}
	envDuration := func(key string, target *time.Duration) {
		if value := os.Getenv(key); value != "" {
			parsed, err := parseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to parse %s: %w", key, err))
				return
			}
			*target = parsed
		}
	}
	envString := func(key string, target *string) {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}

	envInt("PORT", &config.Port)
	envString("PLAYLISTS_FILE", &config.PlaylistsFile)
	envString("CACHE_FILE", &config.CacheFile)
	envDuration("CACHE_TTL", &config.CacheTTL)
	envInt("QUEUE_SIZE", &config.QueueSize)
	envInt("CHUNK_SIZE", &config.ChunkSize)
	envString("QUEUE_POLICY", &config.QueuePolicy)
	envInt("SAMPLE_RATE", &config.SampleRate)
	envInt("CHANNELS", &config.Channels)
	envInt("BITRATE", &config.Bitrate)
	envString("CODEC", &config.Codec)
	envBool("NORMALIZE_VOLUME", &config.NormalizeVolume)
	envBool("REALTIME_PACING", &config.RealtimePacing)
	envString("COOKIES_PATH", &config.CookiesPath)
	envString("YTDLP_PATH", &config.YtdlpPath)
	envString("FFMPEG_PATH", &config.FFmpegPath)
	envInt("LISTER_RATE", &config.ListerRate)
	envDuration("LOAD_RETRY", &config.LoadRetry)
	envDuration("STALL_TIMEOUT", &config.StallTimeout)
	envDuration("SLOW_CLIENT_TIMEOUT", &config.SlowClientTimeout)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("SENTRY_DSN", &config.SentryDSN)
	envString("ENV", &config.Environment)
	envString("ADMIN_TOKEN", &config.AdminToken)
	envString("TG_BOT_TOKEN", &config.TelegramBotToken)
	envString("TG_CHAT_ID", &config.TelegramChatID)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("90s", "30m") and bare seconds ("1800").
func parseDuration(value string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

// Format returns the transcoder output format.
func (c *Config) Format() audio.Format {
	return audio.Format{
		Codec:       c.Codec,
		SampleRate:  c.SampleRate,
		Channels:    c.Channels,
		BitrateKbps: c.Bitrate,
		Normalize:   c.NormalizeVolume,
	}
}

// Policy returns the parsed relay policy. Call after Validate.
func (c *Config) Policy() relay.Policy {
	policy, err := relay.ParsePolicy(c.QueuePolicy)
	if err != nil {
		return relay.PolicyBlock
	}
	return policy
}

// PaceKbps is the session pacing rate, zero when pacing is off.
func (c *Config) PaceKbps() int {
	if !c.RealtimePacing {
		return 0
	}
	return c.Bitrate
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.PlaylistsFile == "" {
		errs = append(errs, errors.New("playlists file is required"))
	}
	if c.CacheFile == "" {
		errs = append(errs, errors.New("cache file is required"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive, got %s", c.CacheTTL))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if _, err := relay.ParsePolicy(c.QueuePolicy); err != nil {
		errs = append(errs, err)
	}
	if err := c.Format().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ListerRate <= 0 {
		errs = append(errs, fmt.Errorf("lister rate must be positive, got %d", c.ListerRate))
	}
	if c.LoadRetry <= 0 {
		errs = append(errs, fmt.Errorf("load retry must be positive, got %s", c.LoadRetry))
	}
	if c.StallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stall timeout must be positive, got %s", c.StallTimeout))
	}
	if c.SlowClientTimeout <= 0 {
		errs = append(errs, fmt.Errorf("slow client timeout must be positive, got %s", c.SlowClientTimeout))
	}

	return errors.Join(errs...)
}
