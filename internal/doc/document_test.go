package doc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5.0, Clamp(5, 0, 10))
	assert.Equal(t, 0.0, Clamp(-1, 0, 10))
	assert.Equal(t, 10.0, Clamp(11, 0, 10))
	assert.Equal(t, 0.0, Clamp(math.NaN(), 0, 10))
	assert.Equal(t, 10.0, Clamp(math.Inf(1), 0, 10))
	assert.Equal(t, 0.0, Clamp(math.Inf(-1), 0, 10))
}

func TestClampInt(t *testing.T) {
	assert.Equal(t, 60, ClampInt(30, 60, 180))
	assert.Equal(t, 180, ClampInt(500, 60, 180))
	assert.Equal(t, 120, ClampInt(120, 60, 180))
}

func TestNearestStepCount(t *testing.T) {
	assert.Equal(t, 16, NearestStepCount(16))
	assert.Equal(t, 4, NearestStepCount(1))
	assert.Equal(t, 128, NearestStepCount(1000))
	// Ties resolve to the smaller allowed value.
	assert.Equal(t, 4, NearestStepCount(6))
	assert.Equal(t, 24, NearestStepCount(28))
	assert.Equal(t, 16, NearestStepCount(17))
}

func TestIsAllowedStepCount(t *testing.T) {
	for _, n := range AllowedStepCounts {
		assert.True(t, IsAllowedStepCount(n), "step count %d", n)
	}
	assert.False(t, IsAllowedStepCount(5))
	assert.False(t, IsAllowedStepCount(0))
}

func TestNewDefaultDocument(t *testing.T) {
	d := NewDefaultDocument()
	assert.Equal(t, DefaultTempo, d.Tempo)
	assert.Equal(t, 0, d.Swing)
	assert.Empty(t, d.Tracks)
}

func TestNewDefaultTrack(t *testing.T) {
	tr := NewDefaultTrack("t1", "Kick", "kick-01")
	assert.Len(t, tr.Steps, MaxSteps)
	assert.Len(t, tr.ParameterLocks, MaxSteps)
	assert.Equal(t, 1.0, tr.Volume)
	assert.Equal(t, 16, tr.StepCount)
}

func TestDocumentCloneIsDeep(t *testing.T) {
	d := NewDefaultDocument()
	tr := NewDefaultTrack("t1", "Kick", "kick-01")
	tr.Steps[0] = true
	pitch := 3.0
	tr.ParameterLocks[0] = &ParameterLock{Pitch: &pitch}
	d.Tracks = append(d.Tracks, tr)
	d.Effects = &Effects{Reverb: &ReverbParams{Decay: 1.5, Wet: 0.3}}
	d.LoopRegion = &LoopRegion{Start: 0, End: 7}

	cp := d.Clone()
	require.Len(t, cp.Tracks, 1)

	cp.Tracks[0].Steps[0] = false
	*cp.Tracks[0].ParameterLocks[0].Pitch = -12
	cp.Effects.Reverb.Wet = 0.9
	cp.LoopRegion.End = 3

	assert.True(t, d.Tracks[0].Steps[0])
	assert.Equal(t, 3.0, *d.Tracks[0].ParameterLocks[0].Pitch)
	assert.Equal(t, 0.3, d.Effects.Reverb.Wet)
	assert.Equal(t, 7, d.LoopRegion.End)
}

func TestTrackLookup(t *testing.T) {
	d := NewDefaultDocument()
	d.Tracks = append(d.Tracks, NewDefaultTrack("t1", "Kick", "kick-01"))
	assert.NotNil(t, d.Track("t1"))
	assert.Nil(t, d.Track("nope"))
}
