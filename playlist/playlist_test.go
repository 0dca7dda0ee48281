package playlist

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input    string
		expected Mode
		wantErr  bool
	}{
		{"", ModeSequential, false},
		{"sequential", ModeSequential, false},
		{"forward", ModeSequential, false},
		{"Shuffled", ModeShuffled, false},
		{"random", ModeShuffled, false},
		{" reverse ", ModeReversed, false},
		{"reversed", ModeReversed, false},
		{"backwards", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			mode, err := ParseMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
		})
	}
}

func TestModeApplyDoesNotModifyInput(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	original := append([]string(nil), ids...)

	assert.Equal(t, ids, ModeSequential.Apply(ids))
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ModeReversed.Apply(ids))

	shuffled := ModeShuffled.Apply(ids)
	assert.Len(t, shuffled, len(ids))
	sorted := append([]string(nil), shuffled...)
	sort.Strings(sorted)
	assert.Equal(t, original, sorted, "shuffle must be a permutation")

	assert.Equal(t, original, ids, "input slice must stay untouched")
}

func TestModeApplyEmpty(t *testing.T) {
	assert.Empty(t, ModeShuffled.Apply(nil))
	assert.Empty(t, ModeReversed.Apply([]string{}))
}

func TestPlaylistValidate(t *testing.T) {
	valid := Playlist{Name: "quran_1", Source: "https://www.youtube.com/playlist?list=PL123", Mode: ModeShuffled}
	assert.NoError(t, valid.Validate())

	badName := valid
	badName.Name = "bad name!"
	assert.Error(t, badName.Validate())

	emptyName := valid
	emptyName.Name = ""
	assert.Error(t, emptyName.Validate())

	badSource := valid
	badSource.Source = "ftp://example.com/list"
	assert.Error(t, badSource.Validate())

	badMode := valid
	badMode.Mode = "sideways"
	assert.Error(t, badMode.Validate())
}

func TestPlaylistIdentity(t *testing.T) {
	a := Playlist{Name: "one", Source: "https://www.youtube.com/playlist?list=PLabc"}
	b := Playlist{Name: "two", Source: "https://youtube.com/watch?v=xyz&list=PLabc"}
	assert.Equal(t, "yt:PLabc", a.Identity())
	assert.Equal(t, a.Identity(), b.Identity(), "identity must not depend on the name or URL shape")

	c := Playlist{Name: "three", Source: "https://example.com/feed"}
	d := Playlist{Name: "four", Source: "https://example.com/other"}
	assert.Contains(t, c.Identity(), "src:")
	assert.NotEqual(t, c.Identity(), d.Identity())
}
