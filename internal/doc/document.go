// Package doc holds the replicated session document, its invariants and
// the canonical projection used for convergence checks.
package doc

import (
	"math"
	"time"
	"unicode/utf8"
)

const (
	// MaxSteps is the fixed physical length of every step array. stepCount
	// names the active prefix; steps past it are preserved so shortening a
	// pattern is non-destructive.
	MaxSteps = 128

	// MaxTracks caps the track list. Extra tracks are truncated on repair.
	MaxTracks = 16

	// MaxPlayers caps concurrent connections per session.
	MaxPlayers = 10

	// MaxMessageSize is the hard cap on a single inbound frame in bytes.
	MaxMessageSize = 64 * 1024

	// AckGapThreshold triggers a proactive snapshot when a client's ack
	// lags the server sequence by more than this many broadcasts.
	AckGapThreshold = 50

	// ServerSeqPersistEvery is the broadcast cadence at which the server
	// sequence is written to the hot store. A crash between writes loses at
	// most ServerSeqPersistEvery-1 values, which is safe: restart resumes
	// past the stored value, monotonicity holds.
	ServerSeqPersistEvery = 100

	MaxTrackName   = 32
	MaxSessionName = 64

	MinTempo = 60
	MaxTempo = 180

	DefaultTempo = 120

	MinTranspose = -24
	MaxTranspose = 24

	// DefaultDelayDivision is substituted for unknown delay time values.
	DefaultDelayDivision = "8n"

	// DefaultModulationType is substituted for unknown FM oscillator shapes.
	DefaultModulationType = "sine"
)

// AllowedStepCounts are the pattern lengths a track may use. Other values
// are coerced to the nearest entry on repair.
var AllowedStepCounts = []int{4, 8, 12, 16, 24, 32, 64, 96, 128}

// ValidDelayDivisions are the recognized musical divisions for delay time.
var ValidDelayDivisions = map[string]struct{}{
	"4n": {}, "8n": {}, "16n": {},
	"1/4": {}, "1/8": {}, "1/16": {},
}

// ValidModulationTypes are the four oscillator shapes fm synthesis accepts.
var ValidModulationTypes = map[string]struct{}{
	"sine": {}, "square": {}, "triangle": {}, "sawtooth": {},
}

// PitchClassNames are the twelve valid scale roots.
var PitchClassNames = map[string]struct{}{
	"C": {}, "C#": {}, "D": {}, "D#": {}, "E": {}, "F": {},
	"F#": {}, "G": {}, "G#": {}, "A": {}, "A#": {}, "B": {},
}

// ParameterLock is a per-step override of pitch/volume/tie for one track
// step. All fields are optional; a nil lock means no override.
type ParameterLock struct {
	Pitch  *float64 `json:"pitch,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
	Tie    *bool    `json:"tie,omitempty"`
}

// Clone returns a deep copy of the lock.
func (l *ParameterLock) Clone() *ParameterLock {
	if l == nil {
		return nil
	}
	out := &ParameterLock{}
	if l.Pitch != nil {
		v := *l.Pitch
		out.Pitch = &v
	}
	if l.Volume != nil {
		v := *l.Volume
		out.Volume = &v
	}
	if l.Tie != nil {
		v := *l.Tie
		out.Tie = &v
	}
	return out
}

// FMParams configures the per-track FM voice.
type FMParams struct {
	Harmonicity     float64 `json:"harmonicity"`
	ModulationIndex float64 `json:"modulationIndex"`
	Attack          float64 `json:"attack"`
	Decay           float64 `json:"decay"`
	Sustain         float64 `json:"sustain"`
	Release         float64 `json:"release"`
	ModulationType  string  `json:"modulationType"`
}

// ReverbParams, DelayParams, ChorusParams and DistortionParams are the
// session-wide effect sends.
type ReverbParams struct {
	Decay float64 `json:"decay"`
	Wet   float64 `json:"wet"`
}

type DelayParams struct {
	Time     string  `json:"time"`
	Feedback float64 `json:"feedback"`
	Wet      float64 `json:"wet"`
}

type ChorusParams struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
	Wet       float64 `json:"wet"`
}

type DistortionParams struct {
	Amount float64 `json:"amount"`
	Wet    float64 `json:"wet"`
}

type Effects struct {
	Reverb     *ReverbParams     `json:"reverb,omitempty"`
	Delay      *DelayParams      `json:"delay,omitempty"`
	Chorus     *ChorusParams     `json:"chorus,omitempty"`
	Distortion *DistortionParams `json:"distortion,omitempty"`
	Bypass     bool              `json:"bypass,omitempty"`
}

// LoopRegion is the [start,end] playback window, 0 <= start <= end < MaxSteps.
type LoopRegion struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Scale pins the session to a root and scale, optionally locked.
type Scale struct {
	Root    string `json:"root"`
	ScaleID string `json:"scaleId"`
	Locked  bool   `json:"locked"`
}

// Track is one row of the sequencer grid.
//
// Muted and Soloed are replicated for convenience but are local-only mix
// state: they never enter the canonical hash ("my ears, my control").
type Track struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	SampleID       string           `json:"sampleId"`
	Steps          []bool           `json:"steps"`
	ParameterLocks []*ParameterLock `json:"parameterLocks"`
	Volume         float64          `json:"volume"`
	Transpose      int              `json:"transpose"`
	StepCount      int              `json:"stepCount"`
	Swing          *int             `json:"swing,omitempty"`
	Muted          bool             `json:"muted"`
	Soloed         bool             `json:"soloed"`
	PlaybackMode   string           `json:"playbackMode,omitempty"`
	FMParams       *FMParams        `json:"fmParams,omitempty"`
}

// Clone returns a deep copy of the track.
func (t *Track) Clone() *Track {
	out := *t
	out.Steps = make([]bool, len(t.Steps))
	copy(out.Steps, t.Steps)
	out.ParameterLocks = make([]*ParameterLock, len(t.ParameterLocks))
	for i, l := range t.ParameterLocks {
		out.ParameterLocks[i] = l.Clone()
	}
	if t.Swing != nil {
		v := *t.Swing
		out.Swing = &v
	}
	if t.FMParams != nil {
		v := *t.FMParams
		out.FMParams = &v
	}
	return &out
}

// SessionDocument is the replicated state owned by one session actor.
// Version is server-maintained and excluded from client hashing.
type SessionDocument struct {
	Tracks     []*Track    `json:"tracks"`
	Tempo      int         `json:"tempo"`
	Swing      int         `json:"swing"`
	Effects    *Effects    `json:"effects,omitempty"`
	LoopRegion *LoopRegion `json:"loopRegion,omitempty"`
	Scale      *Scale      `json:"scale,omitempty"`
	Version    int64       `json:"version"`
}

// NewDefaultDocument returns the document a fresh session starts with.
func NewDefaultDocument() *SessionDocument {
	return &SessionDocument{
		Tracks: []*Track{},
		Tempo:  DefaultTempo,
		Swing:  0,
	}
}

// NewDefaultTrack returns a track with full-length zeroed arrays.
func NewDefaultTrack(id, name, sampleID string) *Track {
	return &Track{
		ID:             id,
		Name:           name,
		SampleID:       sampleID,
		Steps:          make([]bool, MaxSteps),
		ParameterLocks: make([]*ParameterLock, MaxSteps),
		Volume:         1.0,
		StepCount:      16,
	}
}

// Clone returns a deep copy of the document.
func (d *SessionDocument) Clone() *SessionDocument {
	out := *d
	out.Tracks = make([]*Track, len(d.Tracks))
	for i, t := range d.Tracks {
		out.Tracks[i] = t.Clone()
	}
	if d.Effects != nil {
		fx := *d.Effects
		if d.Effects.Reverb != nil {
			v := *d.Effects.Reverb
			fx.Reverb = &v
		}
		if d.Effects.Delay != nil {
			v := *d.Effects.Delay
			fx.Delay = &v
		}
		if d.Effects.Chorus != nil {
			v := *d.Effects.Chorus
			fx.Chorus = &v
		}
		if d.Effects.Distortion != nil {
			v := *d.Effects.Distortion
			fx.Distortion = &v
		}
		out.Effects = &fx
	}
	if d.LoopRegion != nil {
		v := *d.LoopRegion
		out.LoopRegion = &v
	}
	if d.Scale != nil {
		v := *d.Scale
		out.Scale = &v
	}
	return &out
}

// Track returns the track with the given id, or nil.
func (d *SessionDocument) Track(id string) *Track {
	for _, t := range d.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// PlayerInfo is the per-connection presence record. The display identity is
// derived deterministically from the connection id (see DeriveIdentity).
type PlayerInfo struct {
	ID            string    `json:"id"`
	Color         string    `json:"color"`
	Animal        string    `json:"animal"`
	Name          string    `json:"name"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	MessageCount  int64     `json:"messageCount"`
}

// Clamp bounds v to [min,max]. NaN collapses to min so the result is always
// inside the range.
func Clamp(v, min, max float64) float64 {
	if math.IsNaN(v) {
		return min
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ClampInt bounds v to [min,max].
func ClampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// IsFinite reports whether v is a usable number.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TruncateName shortens s to at most max bytes without splitting a rune, so
// truncated names stay valid UTF-8 and hash identically after a JSON round
// trip.
func TruncateName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// NearestStepCount coerces n to the closest allowed step count. Ties resolve
// to the smaller value.
func NearestStepCount(n int) int {
	best := AllowedStepCounts[0]
	bestDist := abs(n - best)
	for _, c := range AllowedStepCounts[1:] {
		if d := abs(n - c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// IsAllowedStepCount reports whether n is a legal pattern length.
func IsAllowedStepCount(n int) bool {
	for _, c := range AllowedStepCounts {
		if c == n {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
