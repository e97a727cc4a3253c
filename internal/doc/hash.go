package doc

import (
	"encoding/json"
	"fmt"
)

// Canonical projection for convergence hashing.
//
// Only fields that must agree between peers enter the hash. Muted/soloed are
// per-peer mix state, version is server bookkeeping, effects and the other
// top-level extras do not drift under the mutation protocol the same way the
// grid does, so a mismatch on them is recovered by snapshot anyway.
// Step and lock arrays are truncated to the active prefix [0,stepCount).
type canonicalTrack struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	SampleID       string           `json:"sampleId"`
	Steps          []bool           `json:"steps"`
	ParameterLocks []*ParameterLock `json:"parameterLocks"`
	Volume         float64          `json:"volume"`
	Transpose      int              `json:"transpose"`
	StepCount      int              `json:"stepCount"`
	Swing          *int             `json:"swing"`
}

type canonicalDocument struct {
	Tracks []canonicalTrack `json:"tracks"`
	Tempo  int              `json:"tempo"`
	Swing  int              `json:"swing"`
}

// CanonicalJSON serializes the comparable subset of the document with a
// fixed field order. Struct-based marshaling keeps the byte stream
// deterministic, which is all the hash needs.
func CanonicalJSON(d *SessionDocument) []byte {
	cd := canonicalDocument{
		Tracks: make([]canonicalTrack, len(d.Tracks)),
		Tempo:  d.Tempo,
		Swing:  d.Swing,
	}
	for i, t := range d.Tracks {
		n := ClampInt(t.StepCount, 0, len(t.Steps))
		ln := ClampInt(t.StepCount, 0, len(t.ParameterLocks))
		cd.Tracks[i] = canonicalTrack{
			ID:             t.ID,
			Name:           t.Name,
			SampleID:       t.SampleID,
			Steps:          t.Steps[:n],
			ParameterLocks: t.ParameterLocks[:ln],
			Volume:         t.Volume,
			Transpose:      t.Transpose,
			StepCount:      t.StepCount,
			Swing:          t.Swing,
		}
	}
	buf, err := json.Marshal(cd)
	if err != nil {
		// Only unmarshalable types can fail here and the projection has none.
		panic(err)
	}
	return buf
}

// Hash computes the short convergence digest over the canonical projection:
// a rolled 31x polynomial (h = h<<5 - h + byte) rendered as 8 hex chars.
// Collisions are acceptable; a mismatch only triggers a snapshot exchange.
func Hash(d *SessionDocument) string {
	var h int32
	for _, b := range CanonicalJSON(d) {
		h = h<<5 - h + int32(b)
	}
	return fmt.Sprintf("%08x", uint32(h))
}
