package doc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patternTrack(steps ...int) *Track {
	tr := NewDefaultTrack("t1", "Pattern", "s1")
	tr.StepCount = 8
	for _, i := range steps {
		tr.Steps[i] = true
	}
	return tr
}

func activePrefix(t *Track) []bool {
	out := make([]bool, t.StepCount)
	copy(out, t.Steps[:t.StepCount])
	return out
}

func TestRotateSteps(t *testing.T) {
	tr := patternTrack(0, 3)
	pitch := 1.0
	tr.ParameterLocks[0] = &ParameterLock{Pitch: &pitch}

	RotateSteps(tr, "left")
	assert.Equal(t, []bool{false, false, true, false, false, false, false, true}, activePrefix(tr))
	// The lock travels with its step.
	assert.NotNil(t, tr.ParameterLocks[7])
	assert.Nil(t, tr.ParameterLocks[0])

	RotateSteps(tr, "right")
	assert.Equal(t, []bool{true, false, false, true, false, false, false, false}, activePrefix(tr))
	assert.NotNil(t, tr.ParameterLocks[0])
}

func TestRotateStepsLeavesTailAlone(t *testing.T) {
	tr := patternTrack(0)
	tr.Steps[100] = true
	RotateSteps(tr, "left")
	assert.True(t, tr.Steps[100])
}

func TestRotateStepsUnknownDirection(t *testing.T) {
	tr := patternTrack(0, 3)
	before := activePrefix(tr)
	RotateSteps(tr, "sideways")
	assert.Equal(t, before, activePrefix(tr))
}

func TestInvertStepsClearsOrphanedLocks(t *testing.T) {
	tr := patternTrack(0)
	pitch := 2.0
	tr.ParameterLocks[0] = &ParameterLock{Pitch: &pitch}

	InvertSteps(tr)
	assert.Equal(t, []bool{false, true, true, true, true, true, true, true}, activePrefix(tr))
	assert.Nil(t, tr.ParameterLocks[0])
}

func TestReverseSteps(t *testing.T) {
	tr := patternTrack(0, 1)
	ReverseSteps(tr)
	assert.Equal(t, []bool{false, false, false, false, false, false, true, true}, activePrefix(tr))
}

func TestMirrorSteps(t *testing.T) {
	tr := patternTrack(0, 1)
	MirrorSteps(tr, "ltr")
	assert.Equal(t, []bool{true, true, false, false, false, false, true, true}, activePrefix(tr))

	tr = patternTrack(6, 7)
	MirrorSteps(tr, "rtl")
	assert.Equal(t, []bool{true, true, false, false, false, false, true, true}, activePrefix(tr))
}

func TestEuclideanFill(t *testing.T) {
	tr := patternTrack()
	EuclideanFill(tr, 4)
	count := 0
	for _, s := range activePrefix(tr) {
		if s {
			count++
		}
	}
	assert.Equal(t, 4, count)

	EuclideanFill(tr, 0)
	for i, s := range activePrefix(tr) {
		assert.False(t, s, "step %d", i)
	}

	// Hits beyond the pattern length saturate.
	EuclideanFill(tr, 100)
	for i, s := range activePrefix(tr) {
		assert.True(t, s, "step %d", i)
	}
}

func TestEuclideanFillEvenSpacing(t *testing.T) {
	tr := patternTrack()
	tr.StepCount = 16
	EuclideanFill(tr, 4)
	assert.Equal(t, true, tr.Steps[3])
	assert.Equal(t, true, tr.Steps[7])
	assert.Equal(t, true, tr.Steps[11])
	assert.Equal(t, true, tr.Steps[15])
}

func TestCopySequenceIsDeep(t *testing.T) {
	src := patternTrack(0, 2)
	pitch := 5.0
	src.ParameterLocks[2] = &ParameterLock{Pitch: &pitch}
	dst := NewDefaultTrack("t2", "Copy", "s2")

	CopySequence(dst, src)
	require.Equal(t, src.StepCount, dst.StepCount)
	assert.Equal(t, activePrefix(src), activePrefix(dst))
	require.NotNil(t, dst.ParameterLocks[2])

	*dst.ParameterLocks[2].Pitch = -5
	assert.Equal(t, 5.0, *src.ParameterLocks[2].Pitch)

	// Non-sequence fields stay put.
	assert.Equal(t, "s2", dst.SampleID)
	assert.Equal(t, "Copy", dst.Name)
}

func TestClearSequence(t *testing.T) {
	tr := patternTrack(0, 1, 2)
	pitch := 1.0
	tr.ParameterLocks[1] = &ParameterLock{Pitch: &pitch}
	ClearSequence(tr)
	for i := range tr.Steps {
		assert.False(t, tr.Steps[i])
		assert.Nil(t, tr.ParameterLocks[i])
	}
}
