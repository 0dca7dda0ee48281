// Package playlist holds the playlist model, the id list cache with its
// crash-safe backup, and the playlist configuration file.
package playlist

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidPlaylist marks a playlist or mode rejected by validation.
var ErrInvalidPlaylist = errors.New("invalid playlist")

// Mode controls the order in which a playlist's items are played.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeShuffled   Mode = "shuffled"
	ModeReversed   Mode = "reversed"
)

// ParseMode accepts the configured spelling of a mode. Empty means sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSequential, "forward":
		return ModeSequential, nil
	case ModeShuffled, "shuffle", "random":
		return ModeShuffled, nil
	case ModeReversed, "reverse":
		return ModeReversed, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidPlaylist, s)
	}
}

// Apply returns a reordered copy of ids. The input slice is never modified.
func (m Mode) Apply(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)

	switch m {
	case ModeReversed:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case ModeShuffled:
		// Fisher-Yates.
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := len(out) - 1; i > 0; i-- {
			j := r.Intn(i + 1)
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// Playlist is one configured radio channel.
type Playlist struct {
	Name   string `yaml:"name" json:"name"`
	Source string `yaml:"source" json:"source"`
	Mode   Mode   `yaml:"mode" json:"mode"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks the name charset, the source scheme and the mode.
func (p Playlist) Validate() error {
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q must use letters, digits, '-' or '_'", ErrInvalidPlaylist, p.Name)
	}
	if !strings.HasPrefix(p.Source, "http://") && !strings.HasPrefix(p.Source, "https://") {
		return fmt.Errorf("%w: source of %s must start with http:// or https://", ErrInvalidPlaylist, p.Name)
	}
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	return nil
}

// Identity is a key that survives renames. YouTube playlists are keyed by
// their list id, anything else by a hash of the source address.
func (p Playlist) Identity() string {
	source := strings.TrimSpace(p.Source)
	if u, err := url.Parse(source); err == nil {
		if list := u.Query().Get("list"); list != "" {
			return "yt:" + list
		}
	}
	sum := sha256.Sum256([]byte(source))
	return "src:" + hex.EncodeToString(sum[:])[:16]
}
