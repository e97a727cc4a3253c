package protocol

import (
	"errors"
	"fmt"

	"github.com/stepseq/stepseq/internal/doc"
)

// Validation errors. ErrUnknownTrack and ErrBadStep are benign races with a
// concurrent delete and are dropped silently by the actor; the rest violate
// the client contract and produce an error frame or a logged drop.
var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrUnknownTrack = errors.New("unknown track id")
	ErrBadStep      = errors.New("step index out of range")
	ErrMissingField = errors.New("missing required field")
	ErrBadDirection = errors.New("unknown direction")
	ErrBadEnum      = errors.New("unknown enum value")
	ErrTrackLimit   = errors.New("track limit reached")
	ErrBadIndex     = errors.New("track index out of range")
)

// LockPolicy selects how parameter locks with invalid fields are sanitized.
//
// LockAllOrNothing mirrors the reference behavior: any non-finite field
// rejects the whole lock, discarding valid fields (known shortcoming, kept
// as the default). LockClampFields clamps valid fields and drops only the
// invalid ones.
type LockPolicy int

const (
	LockAllOrNothing LockPolicy = iota
	LockClampFields
)

// ParseLockPolicy maps a config string to a policy.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch s {
	case "", "strict":
		return LockAllOrNothing, nil
	case "clamp":
		return LockClampFields, nil
	}
	return LockAllOrNothing, fmt.Errorf("unknown lock policy %q", s)
}

// SanitizeLock applies the lock policy. A nil result means the lock is
// cleared. Idempotent: sanitizing a sanitized lock returns an equal lock.
func SanitizeLock(l *doc.ParameterLock, policy LockPolicy) *doc.ParameterLock {
	if l == nil {
		return nil
	}
	switch policy {
	case LockClampFields:
		out := &doc.ParameterLock{Tie: l.Tie}
		if l.Pitch != nil && doc.IsFinite(*l.Pitch) {
			p := doc.Clamp(*l.Pitch, doc.MinTranspose, doc.MaxTranspose)
			out.Pitch = &p
		}
		if l.Volume != nil && doc.IsFinite(*l.Volume) {
			v := doc.Clamp(*l.Volume, 0, 1)
			out.Volume = &v
		}
		if out.Pitch == nil && out.Volume == nil && out.Tie == nil {
			return nil
		}
		return out
	default: // LockAllOrNothing
		if l.Pitch != nil && !doc.IsFinite(*l.Pitch) {
			return nil
		}
		if l.Volume != nil && !doc.IsFinite(*l.Volume) {
			return nil
		}
		out := l.Clone()
		if out.Pitch != nil {
			*out.Pitch = doc.Clamp(*out.Pitch, doc.MinTranspose, doc.MaxTranspose)
		}
		if out.Volume != nil {
			*out.Volume = doc.Clamp(*out.Volume, 0, 1)
		}
		return out
	}
}

// Validate sanitizes a client message against the current document.
// Numeric ranges are clamped in place, unknown enum values with a documented
// default are defaulted, and only structural violations return an error.
// Idempotent: validating the sanitized message changes nothing.
func Validate(m *ClientMessage, d *doc.SessionDocument, policy LockPolicy) error {
	switch m.Type {
	case TypeToggleStep:
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		return requireStep(m.Step)

	case TypeSetTempo:
		if m.Tempo == nil {
			return ErrMissingField
		}
		*m.Tempo = doc.ClampInt(*m.Tempo, doc.MinTempo, doc.MaxTempo)

	case TypeSetSwing:
		if m.Swing == nil {
			return ErrMissingField
		}
		*m.Swing = doc.ClampInt(*m.Swing, 0, 100)

	case TypeMuteTrack:
		if m.Muted == nil {
			return ErrMissingField
		}
		return requireTrack(m.TrackID, d)

	case TypeSoloTrack:
		if m.Soloed == nil {
			return ErrMissingField
		}
		return requireTrack(m.TrackID, d)

	case TypeSetParameterLock:
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		if err := requireStep(m.Step); err != nil {
			return err
		}
		m.Lock = SanitizeLock(m.Lock, policy)

	case TypeAddTrack:
		if m.Track == nil || m.Track.ID == "" {
			return ErrMissingField
		}
		// Duplicate ids pass validation: the actor broadcasts without
		// applying so the originator's pending entry clears.
		if d.Track(m.Track.ID) == nil && len(d.Tracks) >= doc.MaxTracks {
			return ErrTrackLimit
		}
		sanitizeNewTrack(m.Track, policy)

	case TypeDeleteTrack:
		// Absent ids pass validation for the same idempotency reason.
		if m.TrackID == "" {
			return ErrMissingField
		}

	case TypeClearTrack:
		return requireTrack(m.TrackID, d)

	case TypeCopySequence, TypeMoveSequence:
		if err := requireTrack(m.FromTrackID, d); err != nil {
			return err
		}
		if err := requireTrack(m.ToTrackID, d); err != nil {
			return err
		}
		if m.FromTrackID == m.ToTrackID {
			return ErrMissingField
		}

	case TypeSetTrackSample:
		if m.SampleID == "" {
			return ErrMissingField
		}
		return requireTrack(m.TrackID, d)

	case TypeSetTrackVolume:
		if m.Volume == nil {
			return ErrMissingField
		}
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		*m.Volume = doc.Clamp(*m.Volume, 0, 1)

	case TypeSetTrackTranspose:
		if m.Transpose == nil {
			return ErrMissingField
		}
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		*m.Transpose = doc.ClampInt(*m.Transpose, doc.MinTranspose, doc.MaxTranspose)

	case TypeSetTrackStepCount:
		if m.StepCount == nil {
			return ErrMissingField
		}
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		*m.StepCount = doc.NearestStepCount(*m.StepCount)

	case TypeSetTrackSwing:
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		if m.Swing != nil {
			*m.Swing = doc.ClampInt(*m.Swing, 0, 100)
		}

	case TypeSetEffects:
		if m.Effects == nil {
			return ErrMissingField
		}
		sanitizeEffects(m.Effects)

	case TypeSetScale:
		if m.Scale != nil {
			if _, ok := doc.PitchClassNames[m.Scale.Root]; !ok {
				return fmt.Errorf("%w: scale root %q", ErrBadEnum, m.Scale.Root)
			}
		}

	case TypeSetFMParams:
		if m.FMParams == nil {
			return ErrMissingField
		}
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		sanitizeFM(m.FMParams)

	case TypeBatchClearSteps:
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		for _, s := range m.Steps {
			if s < 0 || s >= doc.MaxSteps {
				return ErrBadStep
			}
		}

	case TypeBatchSetParamLocks:
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		for i := range m.Locks {
			if m.Locks[i].Step < 0 || m.Locks[i].Step >= doc.MaxSteps {
				return ErrBadStep
			}
			m.Locks[i].Lock = SanitizeLock(m.Locks[i].Lock, policy)
		}

	case TypeSetLoopRegion:
		if m.Region != nil {
			start, end := m.Region.Start, m.Region.End
			if start > end {
				start, end = end, start
			}
			m.Region.Start = doc.ClampInt(start, 0, doc.MaxSteps-1)
			m.Region.End = doc.ClampInt(end, 0, doc.MaxSteps-1)
		}

	case TypeReorderTracks:
		if m.FromIndex == nil || m.ToIndex == nil {
			return ErrMissingField
		}
		if *m.FromIndex < 0 || *m.FromIndex >= len(d.Tracks) ||
			*m.ToIndex < 0 || *m.ToIndex >= len(d.Tracks) {
			return ErrBadIndex
		}

	case TypeRotatePattern:
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		if m.Direction != "left" && m.Direction != "right" {
			return ErrBadDirection
		}

	case TypeInvertPattern, TypeReversePattern:
		return requireTrack(m.TrackID, d)

	case TypeMirrorPattern:
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		if m.Direction != "ltr" && m.Direction != "rtl" {
			return ErrBadDirection
		}

	case TypeEuclideanFill:
		if m.Hits == nil {
			return ErrMissingField
		}
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		if t := d.Track(m.TrackID); t != nil {
			*m.Hits = doc.ClampInt(*m.Hits, 0, t.StepCount)
		}

	case TypeSetTrackName:
		if m.Name == "" {
			return ErrMissingField
		}
		if err := requireTrack(m.TrackID, d); err != nil {
			return err
		}
		m.Name = doc.TruncateName(m.Name, doc.MaxTrackName)

	case TypeSetSessionName:
		if m.Name == "" {
			return ErrMissingField
		}
		m.Name = doc.TruncateName(m.Name, doc.MaxSessionName)

	case TypeSetTrackPlaybackMode:
		if m.PlayMode == "" {
			return ErrMissingField
		}
		return requireTrack(m.TrackID, d)

	case TypeClockSyncRequest, TypeStateHash, TypeRequestSnapshot,
		TypeCursorMove, TypePlay, TypeStop:
		// Non-mutating; no document-dependent validation.

	default:
		return ErrUnknownType
	}
	return nil
}

func requireTrack(id string, d *doc.SessionDocument) error {
	if id == "" {
		return ErrMissingField
	}
	if d == nil || d.Track(id) == nil {
		return ErrUnknownTrack
	}
	return nil
}

func requireStep(step *int) error {
	if step == nil {
		return ErrMissingField
	}
	if *step < 0 || *step >= doc.MaxSteps {
		return ErrBadStep
	}
	return nil
}

func sanitizeNewTrack(t *doc.Track, policy LockPolicy) {
	if len(t.Steps) != doc.MaxSteps {
		steps := make([]bool, doc.MaxSteps)
		copy(steps, t.Steps)
		t.Steps = steps
	}
	if len(t.ParameterLocks) != doc.MaxSteps {
		locks := make([]*doc.ParameterLock, doc.MaxSteps)
		copy(locks, t.ParameterLocks)
		t.ParameterLocks = locks
	}
	for i, l := range t.ParameterLocks {
		t.ParameterLocks[i] = SanitizeLock(l, policy)
	}
	if !doc.IsFinite(t.Volume) {
		t.Volume = 1.0
	}
	t.Volume = doc.Clamp(t.Volume, 0, 1)
	t.Transpose = doc.ClampInt(t.Transpose, doc.MinTranspose, doc.MaxTranspose)
	t.StepCount = doc.NearestStepCount(t.StepCount)
	if t.Name == "" {
		t.Name = "Track"
	}
	t.Name = doc.TruncateName(t.Name, doc.MaxTrackName)
	if t.Swing != nil {
		*t.Swing = doc.ClampInt(*t.Swing, 0, 100)
	}
	if t.FMParams != nil {
		sanitizeFM(t.FMParams)
	}
}

func sanitizeFM(fm *doc.FMParams) {
	fm.Harmonicity = doc.Clamp(fm.Harmonicity, 0.5, 10)
	fm.ModulationIndex = doc.Clamp(fm.ModulationIndex, 0, 20)
	fm.Attack = doc.Clamp(fm.Attack, 0.001, 5)
	fm.Decay = doc.Clamp(fm.Decay, 0.001, 5)
	fm.Sustain = doc.Clamp(fm.Sustain, 0, 1)
	fm.Release = doc.Clamp(fm.Release, 0.001, 10)
	if _, ok := doc.ValidModulationTypes[fm.ModulationType]; !ok {
		fm.ModulationType = doc.DefaultModulationType
	}
}

func sanitizeEffects(fx *doc.Effects) {
	if fx.Reverb != nil {
		fx.Reverb.Decay = doc.Clamp(fx.Reverb.Decay, 0.1, 10)
		fx.Reverb.Wet = doc.Clamp(fx.Reverb.Wet, 0, 1)
	}
	if fx.Delay != nil {
		if _, ok := doc.ValidDelayDivisions[fx.Delay.Time]; !ok {
			fx.Delay.Time = doc.DefaultDelayDivision
		}
		fx.Delay.Feedback = doc.Clamp(fx.Delay.Feedback, 0, 0.95)
		fx.Delay.Wet = doc.Clamp(fx.Delay.Wet, 0, 1)
	}
	if fx.Chorus != nil {
		fx.Chorus.Frequency = doc.Clamp(fx.Chorus.Frequency, 0.1, 10)
		fx.Chorus.Depth = doc.Clamp(fx.Chorus.Depth, 0, 1)
		fx.Chorus.Wet = doc.Clamp(fx.Chorus.Wet, 0, 1)
	}
	if fx.Distortion != nil {
		fx.Distortion.Amount = doc.Clamp(fx.Distortion.Amount, 0, 1)
		fx.Distortion.Wet = doc.Clamp(fx.Distortion.Wet, 0, 1)
	}
}
