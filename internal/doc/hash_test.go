package doc

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashFixture() *SessionDocument {
	d := NewDefaultDocument()
	tr := NewDefaultTrack("t1", "Kick", "kick-01")
	tr.Steps[0] = true
	tr.Steps[4] = true
	pitch := 7.0
	tr.ParameterLocks[4] = &ParameterLock{Pitch: &pitch}
	d.Tracks = append(d.Tracks, tr)
	return d
}

func TestHashFormat(t *testing.T) {
	h := Hash(hashFixture())
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), h)
}

func TestHashIsDeterministic(t *testing.T) {
	d := hashFixture()
	assert.Equal(t, Hash(d), Hash(d.Clone()))
}

func TestHashIgnoresLocalMixState(t *testing.T) {
	d := hashFixture()
	base := Hash(d)

	d.Tracks[0].Muted = true
	d.Tracks[0].Soloed = true
	d.Version = 42
	d.Effects = &Effects{Reverb: &ReverbParams{Decay: 2, Wet: 0.5}}
	d.LoopRegion = &LoopRegion{Start: 0, End: 15}
	d.Scale = &Scale{Root: "D", ScaleID: "minor"}

	assert.Equal(t, base, Hash(d))
}

func TestHashCoversSharedState(t *testing.T) {
	base := Hash(hashFixture())

	d := hashFixture()
	d.Tempo = 140
	assert.NotEqual(t, base, Hash(d))

	d = hashFixture()
	d.Tracks[0].Steps[1] = true
	assert.NotEqual(t, base, Hash(d))

	d = hashFixture()
	*d.Tracks[0].ParameterLocks[4].Pitch = -7
	assert.NotEqual(t, base, Hash(d))

	d = hashFixture()
	d.Tracks[0].Volume = 0.5
	assert.NotEqual(t, base, Hash(d))
}

func TestHashTruncatesToActivePrefix(t *testing.T) {
	d := hashFixture()
	base := Hash(d)

	// Data beyond stepCount is invisible to the hash.
	d.Tracks[0].Steps[d.Tracks[0].StepCount] = true
	assert.Equal(t, base, Hash(d))

	// Changing stepCount exposes it.
	d.Tracks[0].StepCount = 32
	assert.NotEqual(t, base, Hash(d))
}

func TestCanonicalJSONStable(t *testing.T) {
	d := hashFixture()
	a := CanonicalJSON(d)
	b := CanonicalJSON(d.Clone())
	require.Equal(t, string(a), string(b))
	assert.NotContains(t, string(a), "muted")
	assert.NotContains(t, string(a), "version")
}
