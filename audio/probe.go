package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// ProbeMP3 decodes the first frame of chunk and returns its sample rate.
// Used to check that the transcoder emits the configured format.
func ProbeMP3(chunk []byte) (int, error) {
	// MultiReader hides io.Seeker so the decoder does not scan for the stream length.
	decoder, decodeErr := mp3.NewDecoder(io.MultiReader(bytes.NewReader(chunk)))
	if decodeErr != nil {
		return 0, fmt.Errorf("failed to decode mp3 frame: %w", decodeErr)
	}
	return decoder.SampleRate(), nil
}
