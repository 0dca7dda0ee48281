package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// LocateError reports that an item's media URL could not be obtained.
type LocateError struct {
	ID     string
	Err    error
	Stderr string
}

func (e *LocateError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("locate %s: %v (stderr: %s)", e.ID, e.Err, e.Stderr)
	}
	return fmt.Sprintf("locate %s: %v", e.ID, e.Err)
}

func (e *LocateError) Unwrap() error { return e.Err }

var errNoLocator = errors.New("yt-dlp printed no url")

// Locator resolves an item id to a directly fetchable audio URL. Results are
// short-lived and never cached.
type Locator struct {
	opts Options
	run  runner
}

// NewLocator creates a locator.
func NewLocator(opts Options) *Locator {
	return &Locator{opts: opts, run: runCommand}
}

// Locate returns the first URL yt-dlp prints for the best audio format of id.
func (l *Locator) Locate(ctx context.Context, id string) (string, error) {
	cmd := l.opts.command().
		Format("bestaudio/best").
		GetURL().
		NoPlaylist()

	stdout, stderr, runErr := l.run(ctx, cmd, VideoURL(id))
	if runErr != nil {
		return "", &LocateError{ID: id, Err: runErr, Stderr: tail(stderr, 512)}
	}

	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			l.opts.logger().Debug("Located item", slog.String("id", id))
			return line, nil
		}
	}
	return "", &LocateError{ID: id, Err: errNoLocator, Stderr: tail(stderr, 512)}
}
