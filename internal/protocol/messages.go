// Package protocol defines the JSON wire schema between peers and session
// actors, the per-type validators, and the shared mutation applier both
// sides use to keep optimistic and authoritative state in step.
package protocol

import (
	"encoding/json"

	"github.com/stepseq/stepseq/internal/doc"
)

// Client message types.
const (
	TypeToggleStep           = "toggle_step"
	TypeSetTempo             = "set_tempo"
	TypeSetSwing             = "set_swing"
	TypeMuteTrack            = "mute_track"
	TypeSoloTrack            = "solo_track"
	TypeSetParameterLock     = "set_parameter_lock"
	TypeAddTrack             = "add_track"
	TypeDeleteTrack          = "delete_track"
	TypeClearTrack           = "clear_track"
	TypeCopySequence         = "copy_sequence"
	TypeMoveSequence         = "move_sequence"
	TypeSetTrackSample       = "set_track_sample"
	TypeSetTrackVolume       = "set_track_volume"
	TypeSetTrackTranspose    = "set_track_transpose"
	TypeSetTrackStepCount    = "set_track_step_count"
	TypeSetTrackSwing        = "set_track_swing"
	TypeSetEffects           = "set_effects"
	TypeSetScale             = "set_scale"
	TypeSetFMParams          = "set_fm_params"
	TypeBatchClearSteps      = "batch_clear_steps"
	TypeBatchSetParamLocks   = "batch_set_parameter_locks"
	TypeSetLoopRegion        = "set_loop_region"
	TypeReorderTracks        = "reorder_tracks"
	TypeRotatePattern        = "rotate_pattern"
	TypeInvertPattern        = "invert_pattern"
	TypeReversePattern       = "reverse_pattern"
	TypeMirrorPattern        = "mirror_pattern"
	TypeEuclideanFill        = "euclidean_fill"
	TypeSetTrackName         = "set_track_name"
	TypeSetSessionName       = "set_session_name"
	TypeSetTrackPlaybackMode = "set_track_playback_mode"

	TypeClockSyncRequest = "clock_sync_request"
	TypeStateHash        = "state_hash"
	TypeRequestSnapshot  = "request_snapshot"
	TypeCursorMove       = "cursor_move"
	TypePlay             = "play"
	TypeStop             = "stop"
)

// Server message types.
const (
	TypeSnapshot           = "snapshot"
	TypePlayerJoined       = "player_joined"
	TypePlayerLeft         = "player_left"
	TypePlaybackStarted    = "playback_started"
	TypePlaybackStopped    = "playback_stopped"
	TypeStateHashMatch     = "state_hash_match"
	TypeStateMismatch      = "state_mismatch"
	TypeClockSyncResponse  = "clock_sync_response"
	TypeCursorMoved        = "cursor_moved"
	TypeSessionNameChanged = "session_name_changed"
	TypeError              = "error"
)

// Error codes carried on error frames.
const (
	CodeSessionPublished  = "SESSION_PUBLISHED"
	CodeSessionFull       = "SESSION_FULL"
	CodeMessageTooLarge   = "MESSAGE_TOO_LARGE"
	CodeBadJSON           = "BAD_JSON"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// mutatingTypes is the centralized set every gate (immutability, offline
// queueing, seq assignment) consults. Must stay in sync with eventNames.
var mutatingTypes = map[string]struct{}{
	TypeToggleStep: {}, TypeSetTempo: {}, TypeSetSwing: {},
	TypeMuteTrack: {}, TypeSoloTrack: {}, TypeSetParameterLock: {},
	TypeAddTrack: {}, TypeDeleteTrack: {}, TypeClearTrack: {},
	TypeCopySequence: {}, TypeMoveSequence: {}, TypeSetTrackSample: {},
	TypeSetTrackVolume: {}, TypeSetTrackTranspose: {}, TypeSetTrackStepCount: {},
	TypeSetTrackSwing: {}, TypeSetEffects: {}, TypeSetScale: {},
	TypeSetFMParams: {}, TypeBatchClearSteps: {}, TypeBatchSetParamLocks: {},
	TypeSetLoopRegion: {}, TypeReorderTracks: {}, TypeRotatePattern: {},
	TypeInvertPattern: {}, TypeReversePattern: {}, TypeMirrorPattern: {},
	TypeEuclideanFill: {}, TypeSetTrackName: {}, TypeSetSessionName: {},
	TypeSetTrackPlaybackMode: {},
}

// eventNames maps each mutating client type to the server broadcast it
// produces.
var eventNames = map[string]string{
	TypeToggleStep:           "step_toggled",
	TypeSetTempo:             "tempo_changed",
	TypeSetSwing:             "swing_changed",
	TypeMuteTrack:            "track_muted",
	TypeSoloTrack:            "track_soloed",
	TypeSetParameterLock:     "parameter_lock_set",
	TypeAddTrack:             "track_added",
	TypeDeleteTrack:          "track_deleted",
	TypeClearTrack:           "track_cleared",
	TypeCopySequence:         "sequence_copied",
	TypeMoveSequence:         "sequence_moved",
	TypeSetTrackSample:       "track_sample_set",
	TypeSetTrackVolume:       "track_volume_set",
	TypeSetTrackTranspose:    "track_transpose_set",
	TypeSetTrackStepCount:    "track_step_count_set",
	TypeSetTrackSwing:        "track_swing_set",
	TypeSetEffects:           "effects_set",
	TypeSetScale:             "scale_set",
	TypeSetFMParams:          "fm_params_set",
	TypeBatchClearSteps:      "steps_batch_cleared",
	TypeBatchSetParamLocks:   "parameter_locks_batch_set",
	TypeSetLoopRegion:        "loop_region_set",
	TypeReorderTracks:        "tracks_reordered",
	TypeRotatePattern:        "pattern_rotated",
	TypeInvertPattern:        "pattern_inverted",
	TypeReversePattern:       "pattern_reversed",
	TypeMirrorPattern:        "pattern_mirrored",
	TypeEuclideanFill:        "pattern_euclidean_filled",
	TypeSetTrackName:         "track_name_set",
	TypeSetSessionName:       TypeSessionNameChanged,
	TypeSetTrackPlaybackMode: "track_playback_mode_set",
}

// IsMutating reports whether a client message type mutates the document.
func IsMutating(msgType string) bool {
	_, ok := mutatingTypes[msgType]
	return ok
}

// EventName returns the broadcast type for a mutating client type.
func EventName(msgType string) (string, bool) {
	name, ok := eventNames[msgType]
	return name, ok
}

// MutatingTypes returns the mutating set (for tests and documentation).
func MutatingTypes() []string {
	out := make([]string, 0, len(mutatingTypes))
	for t := range mutatingTypes {
		out = append(out, t)
	}
	return out
}

// StepLock pairs a step index with a lock for batch operations.
type StepLock struct {
	Step int                `json:"step"`
	Lock *doc.ParameterLock `json:"lock"`
}

// CursorPosition is an opaque UI position; the server relays it untouched.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// Optional grid coordinates for cell-level presence.
	TrackID string `json:"trackId,omitempty"`
	Step    *int   `json:"step,omitempty"`
}

// ClientMessage is the flat client→server frame. Mutating messages carry a
// strictly increasing per-connection Seq; any message may carry Ack, the
// highest contiguous server sequence the client has observed.
type ClientMessage struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
	Ack  *int64 `json:"ack,omitempty"`

	TrackID     string             `json:"trackId,omitempty"`
	FromTrackID string             `json:"fromTrackId,omitempty"`
	ToTrackID   string             `json:"toTrackId,omitempty"`
	Step        *int               `json:"step,omitempty"`
	Steps       []int              `json:"steps,omitempty"`
	Tempo       *int               `json:"tempo,omitempty"`
	Swing       *int               `json:"swing,omitempty"`
	Muted       *bool              `json:"muted,omitempty"`
	Soloed      *bool              `json:"soloed,omitempty"`
	Lock        *doc.ParameterLock `json:"lock,omitempty"`
	Locks       []StepLock         `json:"locks,omitempty"`
	Track       *doc.Track         `json:"track,omitempty"`
	SampleID    string             `json:"sampleId,omitempty"`
	Name        string             `json:"name,omitempty"`
	Volume      *float64           `json:"volume,omitempty"`
	Transpose   *int               `json:"transpose,omitempty"`
	StepCount   *int               `json:"stepCount,omitempty"`
	Effects     *doc.Effects       `json:"effects,omitempty"`
	Scale       *doc.Scale         `json:"scale,omitempty"`
	FMParams    *doc.FMParams      `json:"fmParams,omitempty"`
	Region      *doc.LoopRegion    `json:"region,omitempty"`
	FromIndex   *int               `json:"fromIndex,omitempty"`
	ToIndex     *int               `json:"toIndex,omitempty"`
	Direction   string             `json:"direction,omitempty"`
	Hits        *int               `json:"hits,omitempty"`
	PlayMode    string             `json:"playbackMode,omitempty"`
	Hash        string             `json:"hash,omitempty"`
	ClientTime  int64              `json:"clientTime,omitempty"`
	Position    *CursorPosition    `json:"position,omitempty"`
}

// ServerMessage is the flat server→client frame. Mutating broadcasts carry
// Seq (the fresh server sequence) and echo the originator's ClientSeq;
// non-mutating messages carry neither.
type ServerMessage struct {
	Type      string `json:"type"`
	Seq       *int64 `json:"seq,omitempty"`
	ClientSeq *int64 `json:"clientSeq,omitempty"`
	PlayerID  string `json:"playerId,omitempty"`

	// Mutation payload echo.
	TrackID     string             `json:"trackId,omitempty"`
	FromTrackID string             `json:"fromTrackId,omitempty"`
	ToTrackID   string             `json:"toTrackId,omitempty"`
	Step        *int               `json:"step,omitempty"`
	Steps       []int              `json:"steps,omitempty"`
	Value       *bool              `json:"value,omitempty"`
	Tempo       *int               `json:"tempo,omitempty"`
	Swing       *int               `json:"swing,omitempty"`
	Muted       *bool              `json:"muted,omitempty"`
	Soloed      *bool              `json:"soloed,omitempty"`
	Lock        *doc.ParameterLock `json:"lock,omitempty"`
	Locks       []StepLock         `json:"locks,omitempty"`
	Track       *doc.Track         `json:"track,omitempty"`
	SampleID    string             `json:"sampleId,omitempty"`
	Name        string             `json:"name,omitempty"`
	Volume      *float64           `json:"volume,omitempty"`
	Transpose   *int               `json:"transpose,omitempty"`
	StepCount   *int               `json:"stepCount,omitempty"`
	Effects     *doc.Effects       `json:"effects,omitempty"`
	Scale       *doc.Scale         `json:"scale,omitempty"`
	FMParams    *doc.FMParams      `json:"fmParams,omitempty"`
	Region      *doc.LoopRegion    `json:"region,omitempty"`
	FromIndex   *int               `json:"fromIndex,omitempty"`
	ToIndex     *int               `json:"toIndex,omitempty"`
	Direction   string             `json:"direction,omitempty"`
	Hits        *int               `json:"hits,omitempty"`
	PlayMode    string             `json:"playbackMode,omitempty"`

	// Snapshot payload.
	State             *doc.SessionDocument `json:"state,omitempty"`
	Players           []doc.PlayerInfo     `json:"players,omitempty"`
	Immutable         *bool                `json:"immutable,omitempty"`
	SnapshotTimestamp int64                `json:"snapshotTimestamp,omitempty"`
	ServerSeq         *int64               `json:"serverSeq,omitempty"`
	PlayingPlayerIDs  []string             `json:"playingPlayerIds,omitempty"`

	// Presence and reconciliation.
	Player     *doc.PlayerInfo `json:"player,omitempty"`
	Position   *CursorPosition `json:"position,omitempty"`
	Color      string          `json:"color,omitempty"`
	ServerHash string          `json:"serverHash,omitempty"`
	StartTime  int64           `json:"startTime,omitempty"`
	ClientTime int64           `json:"clientTime,omitempty"`
	ServerTime int64           `json:"serverTime,omitempty"`

	// Error payload.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode marshals a server message. Marshal of these structs cannot fail;
// the error return keeps call sites honest where bytes cross a transport.
func (m *ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeClientMessage parses an inbound frame.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
