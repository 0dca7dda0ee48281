// Package ytdlp drives the yt-dlp executable: listing playlist items, locating
// an item's audio URL and producing the raw media byte stream of an item.
package ytdlp

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/lrstanley/go-ytdlp"
)

// Options are shared by every yt-dlp invocation.
type Options struct {
	// Executable overrides the yt-dlp binary looked up on PATH.
	Executable string
	// CookiesPath is passed as --cookies when the file exists.
	CookiesPath string
	Logger      *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// command returns a fresh builder. go-ytdlp builders mutate in place, so one
// must never be shared between invocations.
func (o Options) command() *ytdlp.Command {
	cmd := ytdlp.New().
		IgnoreConfig().
		NoWarnings()

	if o.Executable != "" {
		cmd.SetExecutable(o.Executable)
	}
	if o.CookiesPath != "" {
		if _, statErr := os.Stat(o.CookiesPath); statErr == nil {
			cmd.Cookies(o.CookiesPath)
		} else {
			o.logger().Warn("Cookies file not readable, continuing without it",
				slog.String("path", o.CookiesPath),
				slog.String("error", statErr.Error()))
		}
	}
	return cmd
}

// runner executes a prepared command and returns its captured output.
type runner func(ctx context.Context, cmd *ytdlp.Command, args ...string) (stdout string, stderr string, err error)

func runCommand(ctx context.Context, cmd *ytdlp.Command, args ...string) (string, string, error) {
	res, err := cmd.Run(ctx, args...)
	if res == nil {
		return "", "", err
	}
	return res.Stdout, res.Stderr, err
}

// VideoURL turns a bare item id into a watch URL. URLs pass through unchanged.
func VideoURL(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return "https://www.youtube.com/watch?v=" + id
}

// tail keeps the last n bytes of s for log and error messages.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
