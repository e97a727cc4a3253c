package client

import (
	"encoding/json"
	"time"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/protocol"
)

// handleFrame folds one server frame into the replica.
func (e *Engine) handleFrame(data []byte) {
	// Transport-level keepalive answer, not JSON.
	if string(data) == "pong" {
		return
	}
	var ev protocol.ServerMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		e.logger.Debug().Err(err).Msg("dropping unparseable frame")
		return
	}

	switch ev.Type {
	case protocol.TypeSnapshot:
		e.applySnapshot(&ev)

	case protocol.TypePlayerJoined:
		if ev.Player == nil {
			return
		}
		e.mu.Lock()
		e.players[ev.Player.ID] = *ev.Player
		e.notifyPlayersLocked()
		e.mu.Unlock()

	case protocol.TypePlayerLeft:
		e.mu.Lock()
		delete(e.players, ev.PlayerID)
		delete(e.playing, ev.PlayerID)
		e.notifyPlayersLocked()
		e.mu.Unlock()

	case protocol.TypePlaybackStarted:
		e.mu.Lock()
		e.playing[ev.PlayerID] = struct{}{}
		e.mu.Unlock()

	case protocol.TypePlaybackStopped:
		e.mu.Lock()
		delete(e.playing, ev.PlayerID)
		e.mu.Unlock()

	case protocol.TypeCursorMoved:
		if e.cb.OnCursor != nil && ev.Position != nil {
			e.cb.OnCursor(ev.PlayerID, *ev.Position, ev.Color, ev.Name)
		}

	case protocol.TypeStateHashMatch:
		e.mu.Lock()
		e.hashMismatches = 0
		e.mu.Unlock()

	case protocol.TypeStateMismatch:
		e.handleMismatch(&ev)

	case protocol.TypeClockSyncResponse:
		e.handleClockSync(&ev)

	case protocol.TypeSessionNameChanged:
		e.handleNameChanged(&ev)

	case protocol.TypeError:
		e.handleError(&ev)

	default:
		e.handleMutationEvent(&ev)
	}
}

// applySnapshot replaces the replica wholesale. Stale snapshots (an older
// snapshotTimestamp than one already applied) are dropped so a late ack-gap
// snapshot cannot roll back a newer requested one.
func (e *Engine) applySnapshot(ev *protocol.ServerMessage) {
	if ev.State == nil {
		return
	}
	e.mu.Lock()
	if ev.SnapshotTimestamp != 0 && ev.SnapshotTimestamp < e.lastSnapshotAt {
		e.mu.Unlock()
		e.logger.Debug().Int64("snapshot_ts", ev.SnapshotTimestamp).Msg("dropping stale snapshot")
		return
	}
	e.lastSnapshotAt = ev.SnapshotTimestamp

	e.document = ev.State
	if e.playerID == "" && ev.PlayerID != "" && ev.PlayerID != "rest-api" {
		e.playerID = ev.PlayerID
	}
	if ev.Immutable != nil {
		e.immutable = *ev.Immutable
	}
	if ev.ServerSeq != nil {
		e.lastServerSeq = *ev.ServerSeq
	}
	e.players = make(map[string]doc.PlayerInfo, len(ev.Players))
	for _, p := range ev.Players {
		e.players[p.ID] = p
	}
	e.playing = make(map[string]struct{}, len(ev.PlayingPlayerIDs))
	for _, id := range ev.PlayingPlayerIDs {
		e.playing[id] = struct{}{}
	}

	// Everything unconfirmed is superseded by the authoritative state.
	e.pending = e.pending[:0]
	e.hashMismatches = 0

	replay := e.takeOfflineLocked()
	e.notifyDocumentLocked()
	e.notifyPlayersLocked()
	e.mu.Unlock()

	e.setState(StateConnected)

	for _, m := range replay {
		if err := e.Do(m); err != nil {
			e.logger.Debug().Err(err).Str("type", m.Type).Msg("offline replay failed")
		}
	}
}

// takeOfflineLocked drains the offline queue, dropping entries that aged
// past the staleness window. Replaying a 10 minute old toggle into a
// session that moved on does more harm than losing it.
func (e *Engine) takeOfflineLocked() []*protocol.ClientMessage {
	if len(e.offline) == 0 {
		return nil
	}
	cutoff := time.Now().Add(-offlineMaxAge)
	out := make([]*protocol.ClientMessage, 0, len(e.offline))
	for _, q := range e.offline {
		if q.queuedAt.Before(cutoff) {
			continue
		}
		// Seq is reassigned on replay through Do.
		q.msg.Seq = 0
		out = append(out, q.msg)
	}
	e.offline = e.offline[:0]
	return out
}

// handleMutationEvent folds a mutating broadcast into the replica: ordering
// check, confirmation clearing for own echoes, application for remote ones.
func (e *Engine) handleMutationEvent(ev *protocol.ServerMessage) {
	if ev.Seq == nil {
		e.logger.Debug().Str("type", ev.Type).Msg("dropping unknown frame")
		return
	}

	e.mu.Lock()
	seq := *ev.Seq
	if e.lastServerSeq != 0 && seq <= e.lastServerSeq {
		// Duplicate delivery; already folded in.
		e.mu.Unlock()
		return
	}
	if e.lastServerSeq != 0 && seq > e.lastServerSeq+1 {
		e.mu.Unlock()
		e.logger.Debug().
			Int64("expected", e.lastServerSeq+1).
			Int64("got", seq).
			Msg("sequence gap, requesting snapshot")
		e.requestSnapshot()
		return
	}
	e.lastServerSeq = seq

	if ev.PlayerID == e.playerID && e.playerID != "" {
		lost := e.clearPendingLocked(ev.ClientSeq)
		e.mu.Unlock()
		if lost {
			// A mutation before this one was dropped by the server; the
			// optimistic state contains an edit that never happened.
			e.requestSnapshot()
		}
		return
	}

	if err := protocol.ApplyEvent(e.document, ev); err != nil {
		e.mu.Unlock()
		e.logger.Debug().Err(err).Str("type", ev.Type).Msg("remote event apply failed, requesting snapshot")
		e.requestSnapshot()
		return
	}
	e.remote[ev.PlayerID] = RemoteEdit{
		PlayerID: ev.PlayerID,
		Type:     ev.Type,
		TrackID:  ev.TrackID,
		At:       time.Now(),
	}
	e.notifyDocumentLocked()
	e.mu.Unlock()
}

// clearPendingLocked removes confirmed entries up to clientSeq. Returns
// true when an earlier entry was skipped by the server, meaning its echo
// will never come.
func (e *Engine) clearPendingLocked(clientSeq *int64) bool {
	if clientSeq == nil {
		return false
	}
	cs := *clientSeq
	lost := false
	kept := e.pending[:0]
	for _, p := range e.pending {
		switch {
		case p.seq < cs:
			lost = true
		case p.seq == cs:
			// Confirmed.
		default:
			kept = append(kept, p)
		}
	}
	e.pending = kept
	return lost
}

func (e *Engine) handleMismatch(ev *protocol.ServerMessage) {
	e.mu.Lock()
	// Mismatches while edits are in flight are expected; only a settled
	// replica disagreeing with the server indicates drift.
	if len(e.pending) > 0 {
		e.mu.Unlock()
		return
	}
	e.hashMismatches++
	count := e.hashMismatches
	e.mu.Unlock()

	e.logger.Debug().Int("count", count).Str("server_hash", ev.ServerHash).Msg("state hash mismatch")
	if count >= mismatchLimit {
		e.mu.Lock()
		e.hashMismatches = 0
		e.mu.Unlock()
		e.requestSnapshot()
	}
}

func (e *Engine) handleNameChanged(ev *protocol.ServerMessage) {
	e.mu.Lock()
	lost := false
	if ev.PlayerID == e.playerID && e.playerID != "" {
		lost = e.clearPendingLocked(ev.ClientSeq)
	}
	e.mu.Unlock()
	if lost {
		// The rename echo skipped earlier unconfirmed edits, same signal as
		// a mutation echo doing so.
		e.requestSnapshot()
	}
}

func (e *Engine) handleError(ev *protocol.ServerMessage) {
	if ev.Code == protocol.CodeSessionPublished {
		e.mu.Lock()
		e.immutable = true
		e.mu.Unlock()
	}
	e.logger.Debug().Str("code", ev.Code).Str("message", ev.Message).Msg("server error")
	if e.cb.OnError != nil {
		e.cb.OnError(ev.Code, ev.Message)
	}
}

// requestSnapshot asks the server for a full resync.
func (e *Engine) requestSnapshot() {
	e.mu.Lock()
	conn := e.conn
	ack := e.lastServerSeq
	e.mu.Unlock()
	if conn == nil {
		return
	}
	_ = e.sendMessage(conn, &protocol.ClientMessage{
		Type: protocol.TypeRequestSnapshot,
		Ack:  &ack,
	})
}

// sendHashProbe sends a convergence probe when the replica is settled.
func (e *Engine) sendHashProbe() {
	e.mu.Lock()
	conn := e.conn
	settled := len(e.pending) == 0
	var hash string
	if conn != nil && settled {
		hash = doc.Hash(e.document)
	}
	ack := e.lastServerSeq
	e.mu.Unlock()
	if conn == nil || !settled {
		return
	}
	_ = e.sendMessage(conn, &protocol.ClientMessage{
		Type: protocol.TypeStateHash,
		Hash: hash,
		Ack:  &ack,
	})
}
