package doc

import "fmt"

// ValidationResult reports invariant violations without mutating the
// document. Violations are conditions Repair would fix; warnings are
// suspicious but legal states.
type ValidationResult struct {
	Valid      bool
	Violations []string
	Warnings   []string
}

// Validate checks the document against its invariants.
func Validate(d *SessionDocument) ValidationResult {
	res := ValidationResult{Valid: true}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Violations = append(res.Violations, fmt.Sprintf(format, args...))
	}

	if len(d.Tracks) > MaxTracks {
		fail("track count %d exceeds %d", len(d.Tracks), MaxTracks)
	}
	seen := make(map[string]struct{}, len(d.Tracks))
	for i, t := range d.Tracks {
		if t == nil {
			fail("track %d is null", i)
			continue
		}
		if _, dup := seen[t.ID]; dup {
			fail("duplicate track id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if len(t.Steps) != MaxSteps {
			fail("track %d steps length %d != %d", i, len(t.Steps), MaxSteps)
		}
		if len(t.ParameterLocks) != MaxSteps {
			fail("track %d parameterLocks length %d != %d", i, len(t.ParameterLocks), MaxSteps)
		}
		if !IsAllowedStepCount(t.StepCount) {
			fail("track %d stepCount %d not allowed", i, t.StepCount)
		}
		if !IsFinite(t.Volume) || t.Volume < 0 || t.Volume > 1 {
			fail("track %d volume %v out of range", i, t.Volume)
		}
		if t.Transpose < MinTranspose || t.Transpose > MaxTranspose {
			fail("track %d transpose %d out of range", i, t.Transpose)
		}
		if t.Name == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("track %d has empty name", i))
		}
	}
	if d.Tempo < MinTempo || d.Tempo > MaxTempo {
		fail("tempo %d out of range", d.Tempo)
	}
	if d.Swing < 0 || d.Swing > 100 {
		fail("swing %d out of range", d.Swing)
	}
	if d.LoopRegion != nil {
		lr := d.LoopRegion
		if lr.Start > lr.End || lr.Start < 0 || lr.End >= MaxSteps {
			fail("loopRegion [%d,%d] not normalized", lr.Start, lr.End)
		}
	}
	return res
}

// Repair normalizes the document in place and returns a description of every
// change made. It is idempotent: a second call returns nil.
//
// Out-of-range numerics are clamped, never rejected; structural problems
// (extra tracks, duplicate ids, short arrays) are fixed destructively in the
// documented direction (truncate, keep first, right-pad).
func Repair(d *SessionDocument) []string {
	var repairs []string
	note := func(format string, args ...any) {
		repairs = append(repairs, fmt.Sprintf(format, args...))
	}

	if len(d.Tracks) > MaxTracks {
		note("truncated tracks from %d to %d", len(d.Tracks), MaxTracks)
		d.Tracks = d.Tracks[:MaxTracks]
	}

	// Null entries (a JSON body can carry them) and duplicate ids are
	// dropped, keeping the first occurrence of each id.
	seen := make(map[string]struct{}, len(d.Tracks))
	kept := d.Tracks[:0]
	for _, t := range d.Tracks {
		if t == nil {
			note("dropped null track")
			continue
		}
		if _, dup := seen[t.ID]; dup {
			note("dropped duplicate track id %q", t.ID)
			continue
		}
		seen[t.ID] = struct{}{}
		kept = append(kept, t)
	}
	d.Tracks = kept

	for _, t := range d.Tracks {
		repairs = append(repairs, repairTrack(t)...)
	}

	if tempo := ClampInt(d.Tempo, MinTempo, MaxTempo); tempo != d.Tempo {
		note("clamped tempo %d to %d", d.Tempo, tempo)
		d.Tempo = tempo
	}
	if swing := ClampInt(d.Swing, 0, 100); swing != d.Swing {
		note("clamped swing %d to %d", d.Swing, swing)
		d.Swing = swing
	}

	if d.Effects != nil {
		repairs = append(repairs, repairEffects(d.Effects)...)
	}

	if d.LoopRegion != nil {
		lr := d.LoopRegion
		start, end := lr.Start, lr.End
		if start > end {
			start, end = end, start
		}
		start = ClampInt(start, 0, MaxSteps-1)
		end = ClampInt(end, 0, MaxSteps-1)
		if start != lr.Start || end != lr.End {
			note("normalized loopRegion [%d,%d] to [%d,%d]", lr.Start, lr.End, start, end)
			lr.Start, lr.End = start, end
		}
	}

	if d.Scale != nil {
		if _, ok := PitchClassNames[d.Scale.Root]; !ok {
			note("reset scale root %q to C", d.Scale.Root)
			d.Scale.Root = "C"
		}
	}

	return repairs
}

func repairTrack(t *Track) []string {
	var repairs []string
	note := func(format string, args ...any) {
		repairs = append(repairs, fmt.Sprintf(format, args...))
	}

	if len(t.Steps) != MaxSteps {
		note("track %q steps resized from %d to %d", t.ID, len(t.Steps), MaxSteps)
		steps := make([]bool, MaxSteps)
		copy(steps, t.Steps)
		t.Steps = steps
	}
	if len(t.ParameterLocks) != MaxSteps {
		note("track %q parameterLocks resized from %d to %d", t.ID, len(t.ParameterLocks), MaxSteps)
		locks := make([]*ParameterLock, MaxSteps)
		copy(locks, t.ParameterLocks)
		t.ParameterLocks = locks
	}
	if !IsAllowedStepCount(t.StepCount) {
		c := NearestStepCount(t.StepCount)
		note("track %q stepCount %d coerced to %d", t.ID, t.StepCount, c)
		t.StepCount = c
	}
	if v := Clamp(t.Volume, 0, 1); v != t.Volume {
		note("track %q volume clamped to %v", t.ID, v)
		t.Volume = v
	}
	if tr := ClampInt(t.Transpose, MinTranspose, MaxTranspose); tr != t.Transpose {
		note("track %q transpose clamped to %d", t.ID, tr)
		t.Transpose = tr
	}
	if t.Swing != nil {
		if sw := ClampInt(*t.Swing, 0, 100); sw != *t.Swing {
			note("track %q swing clamped to %d", t.ID, sw)
			*t.Swing = sw
		}
	}
	if len(t.Name) > MaxTrackName {
		note("track %q name truncated", t.ID)
		t.Name = TruncateName(t.Name, MaxTrackName)
	}
	for i, l := range t.ParameterLocks {
		if l == nil {
			continue
		}
		if l.Pitch != nil {
			if p := Clamp(*l.Pitch, MinTranspose, MaxTranspose); p != *l.Pitch {
				note("track %q lock %d pitch clamped to %v", t.ID, i, p)
				*l.Pitch = p
			}
		}
		if l.Volume != nil {
			if v := Clamp(*l.Volume, 0, 1); v != *l.Volume {
				note("track %q lock %d volume clamped to %v", t.ID, i, v)
				*l.Volume = v
			}
		}
	}
	if t.FMParams != nil {
		repairs = append(repairs, repairFM(t.ID, t.FMParams)...)
	}
	return repairs
}

func repairFM(trackID string, fm *FMParams) []string {
	var repairs []string
	clampField := func(name string, v *float64, min, max float64) {
		if c := Clamp(*v, min, max); c != *v {
			repairs = append(repairs, fmt.Sprintf("track %q fm %s clamped to %v", trackID, name, c))
			*v = c
		}
	}
	clampField("harmonicity", &fm.Harmonicity, 0.5, 10)
	clampField("modulationIndex", &fm.ModulationIndex, 0, 20)
	clampField("attack", &fm.Attack, 0.001, 5)
	clampField("decay", &fm.Decay, 0.001, 5)
	clampField("sustain", &fm.Sustain, 0, 1)
	clampField("release", &fm.Release, 0.001, 10)
	if _, ok := ValidModulationTypes[fm.ModulationType]; !ok {
		repairs = append(repairs, fmt.Sprintf("track %q fm modulationType %q reset to %s", trackID, fm.ModulationType, DefaultModulationType))
		fm.ModulationType = DefaultModulationType
	}
	return repairs
}

func repairEffects(fx *Effects) []string {
	var repairs []string
	clampField := func(name string, v *float64, min, max float64) {
		if c := Clamp(*v, min, max); c != *v {
			repairs = append(repairs, fmt.Sprintf("effects %s clamped to %v", name, c))
			*v = c
		}
	}
	if fx.Reverb != nil {
		clampField("reverb.decay", &fx.Reverb.Decay, 0.1, 10)
		clampField("reverb.wet", &fx.Reverb.Wet, 0, 1)
	}
	if fx.Delay != nil {
		if _, ok := ValidDelayDivisions[fx.Delay.Time]; !ok {
			repairs = append(repairs, fmt.Sprintf("effects delay.time %q reset to %s", fx.Delay.Time, DefaultDelayDivision))
			fx.Delay.Time = DefaultDelayDivision
		}
		clampField("delay.feedback", &fx.Delay.Feedback, 0, 0.95)
		clampField("delay.wet", &fx.Delay.Wet, 0, 1)
	}
	if fx.Chorus != nil {
		clampField("chorus.frequency", &fx.Chorus.Frequency, 0.1, 10)
		clampField("chorus.depth", &fx.Chorus.Depth, 0, 1)
		clampField("chorus.wet", &fx.Chorus.Wet, 0, 1)
	}
	if fx.Distortion != nil {
		clampField("distortion.amount", &fx.Distortion.Amount, 0, 1)
		clampField("distortion.wet", &fx.Distortion.Wet, 0, 1)
	}
	return repairs
}
