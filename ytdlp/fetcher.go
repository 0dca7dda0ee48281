package ytdlp

import (
	"context"
	"os/exec"

	"github.com/lrstanley/go-ytdlp"
)

const defaultExecutable = "yt-dlp"

// Fetcher builds the first stage of a transcode pipeline: yt-dlp writing the
// raw media of a located item to stdout.
type Fetcher struct {
	opts Options
}

// NewFetcher creates a fetcher.
func NewFetcher(opts Options) *Fetcher {
	return &Fetcher{opts: opts}
}

// Command returns an unstarted "yt-dlp -o - <locator>" command. The pipeline
// owns the process lifecycle, so the command is assembled from the builder's
// flags instead of going through Run.
func (f *Fetcher) Command(ctx context.Context, locator string) *exec.Cmd {
	builder := f.opts.command().
		Output("-").
		NoPart().
		NoPlaylist().
		Quiet()

	executable := f.opts.Executable
	if executable == "" {
		executable = defaultExecutable
	}
	return exec.CommandContext(ctx, executable, commandArgs(builder, locator)...)
}

// commandArgs flattens the builder's flag config into argv, followed by the
// positional arguments.
func commandArgs(builder *ytdlp.Command, positional ...string) []string {
	var args []string
	for _, flag := range builder.GetFlagConfig().ToFlags() {
		args = append(args, flag.Raw()...)
	}
	return append(args, positional...)
}
