package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Format is the fixed output format of every stream.
type Format struct {
	Codec       string
	SampleRate  int
	Channels    int
	BitrateKbps int
	// Normalize inserts ffmpeg's dynaudnorm filter so items of different loudness play at a similar level.
	Normalize bool
}

// DefaultFormat is low-bitrate mono MP3.
func DefaultFormat() Format {
	return Format{
		Codec:       "mp3",
		SampleRate:  22050,
		Channels:    1,
		BitrateKbps: 40,
		Normalize:   true,
	}
}

type codecInfo struct {
	contentType string
	encoder     string
	muxer       string
}

var codecs = map[string]codecInfo{
	"mp3":  {contentType: "audio/mpeg", encoder: "libmp3lame", muxer: "mp3"},
	"aac":  {contentType: "audio/aac", encoder: "aac", muxer: "adts"},
	"ogg":  {contentType: "audio/ogg", encoder: "libvorbis", muxer: "ogg"},
	"opus": {contentType: "audio/ogg", encoder: "libopus", muxer: "ogg"},
}

var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// ContentType is the HTTP Content-Type of the stream.
func (f Format) ContentType() string {
	if info, ok := codecs[strings.ToLower(f.Codec)]; ok {
		return info.contentType
	}
	return "application/octet-stream"
}

// Validate rejects formats ffmpeg cannot produce.
func (f Format) Validate() error {
	codec := strings.ToLower(f.Codec)
	if _, ok := codecs[codec]; !ok {
		return fmt.Errorf("unsupported codec %q (use mp3, aac, ogg or opus)", f.Codec)
	}
	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return fmt.Errorf("sample rate %d out of range 8000-48000", f.SampleRate)
	}
	if codec == "opus" && !opusRates[f.SampleRate] {
		return fmt.Errorf("opus does not support sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}
	if f.BitrateKbps < 8 || f.BitrateKbps > 320 {
		return fmt.Errorf("bitrate %dk out of range 8-320", f.BitrateKbps)
	}
	return nil
}

// FFmpegArgs reads media from stdin and writes the encoded stream to stdout.
func (f Format) FFmpegArgs() []string {
	info := codecs[strings.ToLower(f.Codec)]
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn", "-map", "0:a:0",
	}
	if f.Normalize {
		args = append(args, "-af", "dynaudnorm")
	}
	args = append(args,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-c:a", info.encoder,
		"-b:a", strconv.Itoa(f.BitrateKbps)+"k",
	)
	if info.muxer == "mp3" {
		// Items are concatenated, so no per-item tags or Xing header.
		args = append(args, "-id3v2_version", "0", "-write_xing", "0")
	}
	return append(args, "-f", info.muxer, "pipe:1")
}

// CommandSource builds the command producing an item's raw media on stdout.
type CommandSource interface {
	Command(ctx context.Context, locator string) *exec.Cmd
}

// TranscoderOptions configures a Transcoder.
type TranscoderOptions struct {
	FFmpegPath   string
	Format       Format
	StallTimeout time.Duration
	Logger       *slog.Logger
}

// Transcoder opens fetch+transcode pipelines for located items.
type Transcoder struct {
	source       CommandSource
	ffmpegPath   string
	format       Format
	stallTimeout time.Duration
	logger       *slog.Logger
}

// NewTranscoder creates a transcoder fed by source.
func NewTranscoder(source CommandSource, opts TranscoderOptions) *Transcoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Format.Codec == "" {
		opts.Format = DefaultFormat()
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transcoder{
		source:       source,
		ffmpegPath:   opts.FFmpegPath,
		format:       opts.Format,
		stallTimeout: opts.StallTimeout,
		logger:       opts.Logger,
	}
}

// Format returns the output format.
func (t *Transcoder) Format() Format {
	return t.format
}

// Open starts fetching and transcoding locator. The caller must Close the result.
func (t *Transcoder) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	fetch := NewStage("fetch", t.source.Command(ctx, locator))
	transcode := NewStage("transcode", exec.CommandContext(ctx, t.ffmpegPath, t.format.FFmpegArgs()...))

	pipeline, startErr := StartPipeline([]*Stage{fetch, transcode}, t.stallTimeout)
	if startErr != nil {
		return nil, startErr
	}

	t.logger.Debug("Transcode pipeline started",
		slog.String("codec", t.format.Codec),
		slog.Int("bitrate_kbps", t.format.BitrateKbps))
	return pipeline, nil
}
