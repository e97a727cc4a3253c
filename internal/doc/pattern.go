package doc

// Pattern operations act on the active prefix [0,stepCount) of both the step
// array and the parameter locks, so tonal data follows the pattern. Steps and
// locks past stepCount are untouched.

// RotateSteps shifts the active prefix one position. dir is "left" or
// "right"; anything else is a no-op.
func RotateSteps(t *Track, dir string) {
	n := t.StepCount
	if n <= 1 {
		return
	}
	switch dir {
	case "left":
		firstStep := t.Steps[0]
		firstLock := t.ParameterLocks[0]
		copy(t.Steps[:n-1], t.Steps[1:n])
		copy(t.ParameterLocks[:n-1], t.ParameterLocks[1:n])
		t.Steps[n-1] = firstStep
		t.ParameterLocks[n-1] = firstLock
	case "right":
		lastStep := t.Steps[n-1]
		lastLock := t.ParameterLocks[n-1]
		copy(t.Steps[1:n], t.Steps[:n-1])
		copy(t.ParameterLocks[1:n], t.ParameterLocks[:n-1])
		t.Steps[0] = lastStep
		t.ParameterLocks[0] = lastLock
	}
}

// InvertSteps flips every active-prefix step. Locks whose step becomes
// inactive are cleared; a lock on a silent step is meaningless.
func InvertSteps(t *Track) {
	for i := 0; i < t.StepCount; i++ {
		t.Steps[i] = !t.Steps[i]
		if !t.Steps[i] {
			t.ParameterLocks[i] = nil
		}
	}
}

// ReverseSteps reverses the active prefix.
func ReverseSteps(t *Track) {
	for i, j := 0, t.StepCount-1; i < j; i, j = i+1, j-1 {
		t.Steps[i], t.Steps[j] = t.Steps[j], t.Steps[i]
		t.ParameterLocks[i], t.ParameterLocks[j] = t.ParameterLocks[j], t.ParameterLocks[i]
	}
}

// MirrorSteps reflects one half of the active prefix onto the other.
// dir "ltr" copies the left half mirrored onto the right half; "rtl" the
// opposite. The middle step of an odd-length pattern stays put.
func MirrorSteps(t *Track, dir string) {
	n := t.StepCount
	for i := 0; i < n/2; i++ {
		j := n - 1 - i
		switch dir {
		case "ltr":
			t.Steps[j] = t.Steps[i]
			t.ParameterLocks[j] = t.ParameterLocks[i].Clone()
		case "rtl":
			t.Steps[i] = t.Steps[j]
			t.ParameterLocks[i] = t.ParameterLocks[j].Clone()
		}
	}
}

// EuclideanFill distributes hits evenly across the active prefix using the
// Bjorklund/Bresenham distribution: step i is active iff
// floor((i+1)*k/n) > floor(i*k/n). Locks on steps that end up inactive are
// cleared.
func EuclideanFill(t *Track, hits int) {
	n := t.StepCount
	if n <= 0 {
		return
	}
	hits = ClampInt(hits, 0, n)
	for i := 0; i < n; i++ {
		active := (i+1)*hits/n > i*hits/n
		t.Steps[i] = active
		if !active {
			t.ParameterLocks[i] = nil
		}
	}
}

// CopySequence copies steps, locks and stepCount from src to dst. Other
// track fields (sample, volume, transpose) are deliberately untouched.
func CopySequence(dst, src *Track) {
	copy(dst.Steps, src.Steps)
	for i, l := range src.ParameterLocks {
		dst.ParameterLocks[i] = l.Clone()
	}
	dst.StepCount = src.StepCount
}

// ClearSequence zeroes a track's steps and locks.
func ClearSequence(t *Track) {
	for i := range t.Steps {
		t.Steps[i] = false
		t.ParameterLocks[i] = nil
	}
}
