package ytdlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/ratelimit"

	"github.com/kmsepr/YtPlaylist/playlist"
)

// DefaultListRate is the process-wide number of playlist listings per minute.
const DefaultListRate = 30

var hiddenTitles = map[string]bool{
	"[Private video]": true,
	"[Deleted video]": true,
}

var hiddenAvailability = map[string]bool{
	"private":         true,
	"needs_auth":      true,
	"premium_only":    true,
	"subscriber_only": true,
}

type flatEntry struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Availability string `json:"availability"`
	AgeLimit     int    `json:"age_limit"`
}

type flatPlaylist struct {
	Type    string      `json:"_type"`
	ID      string      `json:"id"`
	Entries []flatEntry `json:"entries"`
}

// Lister resolves a playlist URL into the ordered ids of its playable items.
type Lister struct {
	opts    Options
	limiter ratelimit.Limiter
	run     runner
}

// NewLister creates a lister allowing perMinute listings per minute.
func NewLister(opts Options, perMinute int) *Lister {
	if perMinute <= 0 {
		perMinute = DefaultListRate
	}
	return &Lister{
		opts:    opts,
		limiter: ratelimit.New(perMinute, ratelimit.Per(time.Minute)),
		run:     runCommand,
	}
}

// List implements playlist.Lister.
func (l *Lister) List(ctx context.Context, source string) ([]string, error) {
	l.limiter.Take()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &playlist.ResolutionError{Source: source, Err: ctxErr}
	}

	start := time.Now()
	cmd := l.opts.command().
		FlatPlaylist().
		DumpSingleJSON()

	stdout, stderr, runErr := l.run(ctx, cmd, source)
	if runErr != nil {
		return nil, &playlist.ResolutionError{
			Source: source,
			Err:    fmt.Errorf("yt-dlp failed: %w (stderr: %s)", runErr, tail(stderr, 512)),
		}
	}

	ids, skipped, parseErr := parsePlaylist([]byte(stdout))
	if parseErr != nil {
		return nil, &playlist.ResolutionError{Source: source, Err: parseErr}
	}

	l.opts.logger().Debug("Listed playlist",
		slog.String("source", source),
		slog.Int("items", len(ids)),
		slog.Int("skipped", skipped),
		slog.Duration("elapsed", time.Since(start)))
	return ids, nil
}

// parsePlaylist extracts playable ids in order and reports how many entries were dropped.
// A single-video document yields that video's id.
func parsePlaylist(data []byte) ([]string, int, error) {
	var doc flatPlaylist
	if unmarshalErr := json.Unmarshal(data, &doc); unmarshalErr != nil {
		return nil, 0, fmt.Errorf("failed to parse yt-dlp output: %w", unmarshalErr)
	}

	if doc.Type != "playlist" && len(doc.Entries) == 0 {
		if doc.ID == "" {
			return nil, 0, errors.New("yt-dlp output has neither entries nor id")
		}
		return []string{doc.ID}, 0, nil
	}

	ids := make([]string, 0, len(doc.Entries))
	skipped := 0
	for _, entry := range doc.Entries {
		if !playable(entry) {
			skipped++
			continue
		}
		ids = append(ids, entry.ID)
	}
	return ids, skipped, nil
}

func playable(entry flatEntry) bool {
	if entry.ID == "" {
		return false
	}
	if hiddenTitles[entry.Title] || hiddenAvailability[entry.Availability] {
		return false
	}
	return entry.AgeLimit < 18
}
