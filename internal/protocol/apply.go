package protocol

import (
	"github.com/stepseq/stepseq/internal/doc"
)

// ApplyResult reports the outcome of a mutation. Applied is false for
// idempotent duplicates (add of an existing id, delete of an absent id):
// the document is unchanged but the server still broadcasts so the
// originator's pending entry clears.
type ApplyResult struct {
	Applied bool
	// Value is the resulting step state for toggle_step.
	Value *bool
}

// Apply executes a validated mutating message against the document. Both
// the session actor (authoritative) and the client sync engine (optimistic)
// run the same applier, which is what makes clientSeq confirmation
// sufficient: matching sequences imply matching effects.
//
// set_session_name is handled by the caller; the document carries no name.
func Apply(d *doc.SessionDocument, m *ClientMessage) (ApplyResult, error) {
	res := ApplyResult{Applied: true}

	switch m.Type {
	case TypeToggleStep:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.Steps[*m.Step] = !t.Steps[*m.Step]
		v := t.Steps[*m.Step]
		res.Value = &v

	case TypeSetTempo:
		d.Tempo = *m.Tempo

	case TypeSetSwing:
		d.Swing = *m.Swing

	case TypeMuteTrack:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.Muted = *m.Muted

	case TypeSoloTrack:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.Soloed = *m.Soloed

	case TypeSetParameterLock:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.ParameterLocks[*m.Step] = m.Lock.Clone()

	case TypeAddTrack:
		if d.Track(m.Track.ID) != nil {
			res.Applied = false // duplicate id: broadcast without applying
			return res, nil
		}
		d.Tracks = append(d.Tracks, m.Track.Clone())

	case TypeDeleteTrack:
		idx := -1
		for i, t := range d.Tracks {
			if t.ID == m.TrackID {
				idx = i
				break
			}
		}
		if idx < 0 {
			res.Applied = false // already absent: broadcast anyway
			return res, nil
		}
		d.Tracks = append(d.Tracks[:idx], d.Tracks[idx+1:]...)

	case TypeClearTrack:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		doc.ClearSequence(t)

	case TypeCopySequence, TypeMoveSequence:
		src := d.Track(m.FromTrackID)
		dst := d.Track(m.ToTrackID)
		if src == nil || dst == nil {
			return res, ErrUnknownTrack
		}
		doc.CopySequence(dst, src)
		if m.Type == TypeMoveSequence {
			doc.ClearSequence(src)
		}

	case TypeSetTrackSample:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.SampleID = m.SampleID
		if m.Name != "" {
			t.Name = m.Name
		}

	case TypeSetTrackVolume:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.Volume = *m.Volume

	case TypeSetTrackTranspose:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.Transpose = *m.Transpose

	case TypeSetTrackStepCount:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		// Steps past the new count are preserved: shortening is
		// non-destructive.
		t.StepCount = *m.StepCount

	case TypeSetTrackSwing:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		if m.Swing == nil {
			t.Swing = nil
		} else {
			v := *m.Swing
			t.Swing = &v
		}

	case TypeSetEffects:
		fx := *m.Effects
		d.Effects = &fx

	case TypeSetScale:
		if m.Scale == nil {
			d.Scale = nil
		} else {
			sc := *m.Scale
			d.Scale = &sc
		}

	case TypeSetFMParams:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		fm := *m.FMParams
		t.FMParams = &fm

	case TypeBatchClearSteps:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		for _, s := range m.Steps {
			t.Steps[s] = false
			t.ParameterLocks[s] = nil
		}

	case TypeBatchSetParamLocks:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		for _, sl := range m.Locks {
			t.ParameterLocks[sl.Step] = sl.Lock.Clone()
		}

	case TypeSetLoopRegion:
		if m.Region == nil {
			d.LoopRegion = nil
		} else {
			r := *m.Region
			d.LoopRegion = &r
		}

	case TypeReorderTracks:
		from, to := *m.FromIndex, *m.ToIndex
		if from < 0 || from >= len(d.Tracks) || to < 0 || to >= len(d.Tracks) {
			return res, ErrBadIndex
		}
		t := d.Tracks[from]
		d.Tracks = append(d.Tracks[:from], d.Tracks[from+1:]...)
		d.Tracks = append(d.Tracks[:to], append([]*doc.Track{t}, d.Tracks[to:]...)...)

	case TypeRotatePattern:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		doc.RotateSteps(t, m.Direction)

	case TypeInvertPattern:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		doc.InvertSteps(t)

	case TypeReversePattern:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		doc.ReverseSteps(t)

	case TypeMirrorPattern:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		doc.MirrorSteps(t, m.Direction)

	case TypeEuclideanFill:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		doc.EuclideanFill(t, *m.Hits)

	case TypeSetTrackName:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.Name = m.Name

	case TypeSetTrackPlaybackMode:
		t := d.Track(m.TrackID)
		if t == nil {
			return res, ErrUnknownTrack
		}
		t.PlaybackMode = m.PlayMode

	case TypeSetSessionName:
		// Metadata only; the caller owns the session name.
		res.Applied = false

	default:
		return res, ErrUnknownType
	}

	return res, nil
}

// BuildEvent constructs the broadcast for an applied mutation, echoing the
// payload so receivers can apply it without a round trip.
func BuildEvent(m *ClientMessage, res ApplyResult, playerID string, serverSeq int64) *ServerMessage {
	name, _ := EventName(m.Type)
	seq := serverSeq
	clientSeq := m.Seq
	out := &ServerMessage{
		Type:        name,
		Seq:         &seq,
		PlayerID:    playerID,
		TrackID:     m.TrackID,
		FromTrackID: m.FromTrackID,
		ToTrackID:   m.ToTrackID,
	}
	if clientSeq > 0 {
		out.ClientSeq = &clientSeq
	}
	out.Step = m.Step
	out.Steps = m.Steps
	out.Value = res.Value
	out.Tempo = m.Tempo
	out.Swing = m.Swing
	out.Muted = m.Muted
	out.Soloed = m.Soloed
	out.Lock = m.Lock
	out.Locks = m.Locks
	out.Track = m.Track
	out.SampleID = m.SampleID
	out.Name = m.Name
	out.Volume = m.Volume
	out.Transpose = m.Transpose
	out.StepCount = m.StepCount
	out.Effects = m.Effects
	out.Scale = m.Scale
	out.FMParams = m.FMParams
	out.Region = m.Region
	out.FromIndex = m.FromIndex
	out.ToIndex = m.ToIndex
	out.Direction = m.Direction
	out.Hits = m.Hits
	out.PlayMode = m.PlayMode
	return out
}

// ApplyEvent folds a received broadcast into a local replica. Used by the
// client sync engine for remote mutations; local ones were applied
// optimistically already.
func ApplyEvent(d *doc.SessionDocument, ev *ServerMessage) error {
	// step_toggled carries the resulting value; landing on it (rather than
	// re-toggling) keeps replicas convergent if the echo is applied twice.
	if ev.Type == "step_toggled" && ev.Value != nil && ev.Step != nil {
		t := d.Track(ev.TrackID)
		if t == nil {
			return ErrUnknownTrack
		}
		if *ev.Step < 0 || *ev.Step >= len(t.Steps) {
			return ErrBadStep
		}
		t.Steps[*ev.Step] = *ev.Value
		return nil
	}
	m := eventToClientMessage(ev)
	if m == nil {
		return nil
	}
	if err := Validate(m, d, LockAllOrNothing); err != nil {
		return err
	}
	_, err := Apply(d, m)
	return err
}

// eventToClientMessage inverts BuildEvent. Returns nil for event types that
// carry no document mutation.
func eventToClientMessage(ev *ServerMessage) *ClientMessage {
	var clientType string
	for ct, en := range eventNames {
		if en == ev.Type {
			clientType = ct
			break
		}
	}
	if clientType == "" || clientType == TypeSetSessionName {
		return nil
	}
	m := &ClientMessage{
		Type:        clientType,
		TrackID:     ev.TrackID,
		FromTrackID: ev.FromTrackID,
		ToTrackID:   ev.ToTrackID,
		Step:        ev.Step,
		Steps:       ev.Steps,
		Tempo:       ev.Tempo,
		Swing:       ev.Swing,
		Muted:       ev.Muted,
		Soloed:      ev.Soloed,
		Lock:        ev.Lock,
		Locks:       ev.Locks,
		Track:       ev.Track,
		SampleID:    ev.SampleID,
		Name:        ev.Name,
		Volume:      ev.Volume,
		Transpose:   ev.Transpose,
		StepCount:   ev.StepCount,
		Effects:     ev.Effects,
		Scale:       ev.Scale,
		FMParams:    ev.FMParams,
		Region:      ev.Region,
		FromIndex:   ev.FromIndex,
		ToIndex:     ev.ToIndex,
		Direction:   ev.Direction,
		Hits:        ev.Hits,
		PlayMode:    ev.PlayMode,
	}
	return m
}
