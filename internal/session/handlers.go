package session

import (
	"context"
	"errors"
	"time"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/monitoring"
	"github.com/stepseq/stepseq/internal/protocol"
)

// handleMessage processes one inbound frame on the loop. Transport gates
// (size, JSON) answer with error frames; valid messages dispatch by type.
func (a *Actor) handleMessage(peerID string, data []byte) {
	ps, ok := a.players[peerID]
	if !ok || ps.gone {
		return
	}
	monitoring.MessagesReceived.Inc()

	if len(data) > doc.MaxMessageSize {
		monitoring.MessagesDropped.WithLabelValues("too_large").Inc()
		a.sendError(ps, protocol.CodeMessageTooLarge, "message exceeds 64KB limit")
		return
	}
	m, err := protocol.DecodeClientMessage(data)
	if err != nil {
		monitoring.MessagesDropped.WithLabelValues("bad_json").Inc()
		a.sendError(ps, protocol.CodeBadJSON, "malformed JSON")
		return
	}

	ps.info.LastMessageAt = time.Now()
	ps.info.MessageCount++

	// A peer whose confirmed position trails far behind has usually missed
	// broadcasts; a snapshot is cheaper than letting it drift further.
	if m.Ack != nil && a.serverSeq-*m.Ack > doc.AckGapThreshold {
		a.sendSnapshot(ps, peerID, "ack_gap")
	}

	switch m.Type {
	case protocol.TypeClockSyncRequest:
		a.sendMsg(ps, &protocol.ServerMessage{
			Type:       protocol.TypeClockSyncResponse,
			ClientTime: m.ClientTime,
			ServerTime: time.Now().UnixMilli(),
		})

	case protocol.TypeStateHash:
		a.handleStateHash(ps, m)

	case protocol.TypeRequestSnapshot:
		a.sendSnapshot(ps, peerID, "requested")

	case protocol.TypeCursorMove:
		if m.Position == nil {
			return
		}
		a.broadcastExcept(peerID, &protocol.ServerMessage{
			Type:     protocol.TypeCursorMoved,
			PlayerID: peerID,
			Position: m.Position,
			Color:    ps.info.Color,
			Name:     ps.info.Name,
		})

	case protocol.TypePlay:
		a.playing[peerID] = struct{}{}
		tempo := a.rec.State.Tempo
		a.broadcast(&protocol.ServerMessage{
			Type:      protocol.TypePlaybackStarted,
			PlayerID:  peerID,
			StartTime: time.Now().UnixMilli(),
			Tempo:     &tempo,
		})

	case protocol.TypeStop:
		if _, playing := a.playing[peerID]; !playing {
			return
		}
		delete(a.playing, peerID)
		a.broadcast(&protocol.ServerMessage{
			Type:     protocol.TypePlaybackStopped,
			PlayerID: peerID,
		})

	default:
		a.handleMutation(ps, m)
	}
}

// handleStateHash answers a convergence probe against the authoritative
// document.
func (a *Actor) handleStateHash(ps *peerState, m *protocol.ClientMessage) {
	serverHash := doc.Hash(a.rec.State)
	if m.Hash == serverHash {
		monitoring.HashChecks.WithLabelValues("match").Inc()
		a.sendMsg(ps, &protocol.ServerMessage{Type: protocol.TypeStateHashMatch})
		return
	}
	monitoring.HashChecks.WithLabelValues("mismatch").Inc()
	a.logger.Debug().
		Str("player_id", ps.info.ID).
		Str("client_hash", m.Hash).
		Str("server_hash", serverHash).
		Msg("state hash mismatch")
	a.sendMsg(ps, &protocol.ServerMessage{
		Type:       protocol.TypeStateMismatch,
		ServerHash: serverHash,
	})
}

// handleMutation runs the full mutation tuple: immutability gate, validate,
// apply, repair, persist hot, then broadcast. The hot write must succeed
// before any peer sees the event, so a broadcast is never ahead of what a
// restart would recover.
func (a *Actor) handleMutation(ps *peerState, m *protocol.ClientMessage) {
	if !protocol.IsMutating(m.Type) {
		monitoring.MessagesDropped.WithLabelValues("unknown_type").Inc()
		a.logger.Debug().Str("type", m.Type).Msg("dropping unknown message type")
		return
	}
	if a.rec.Immutable {
		monitoring.MessagesDropped.WithLabelValues("immutable").Inc()
		a.sendError(ps, protocol.CodeSessionPublished, "published sessions are read-only")
		return
	}

	if err := protocol.Validate(m, a.rec.State, a.policy); err != nil {
		// Unknown track / out-of-range step are expected races with a
		// concurrent delete or resize, not client bugs.
		if errors.Is(err, protocol.ErrUnknownTrack) || errors.Is(err, protocol.ErrBadStep) {
			monitoring.MessagesDropped.WithLabelValues("stale_ref").Inc()
			a.logger.Debug().Err(err).Str("type", m.Type).Msg("dropping stale mutation")
		} else {
			monitoring.MessagesDropped.WithLabelValues("invalid").Inc()
			a.logger.Warn().Err(err).Str("type", m.Type).Str("player_id", ps.info.ID).Msg("dropping invalid mutation")
		}
		return
	}

	// Session name lives on the metadata record, not the document, and its
	// broadcast carries no server sequence: renames do not contend with the
	// document's ordering or its hash.
	if m.Type == protocol.TypeSetSessionName {
		a.rec.Name = m.Name
		a.pendingKVSave = true
		ev := &protocol.ServerMessage{
			Type:     protocol.TypeSessionNameChanged,
			PlayerID: ps.info.ID,
			Name:     m.Name,
		}
		if m.Seq > 0 {
			clientSeq := m.Seq
			ev.ClientSeq = &clientSeq
		}
		a.broadcast(ev)
		return
	}

	// Mutate a copy and commit only after the hot write lands, so the
	// authoritative document never runs ahead of what peers were told or
	// what a restart would recover.
	next := a.rec.State.Clone()
	res, err := protocol.Apply(next, m)
	if err != nil {
		monitoring.MessagesDropped.WithLabelValues("apply_failed").Inc()
		a.logger.Warn().Err(err).Str("type", m.Type).Msg("apply failed")
		return
	}

	if res.Applied {
		if repairs := doc.Repair(next); len(repairs) > 0 {
			monitoring.RepairsTotal.Add(float64(len(repairs)))
			a.logger.Warn().Strs("repairs", repairs).Str("type", m.Type).Msg("post-mutation repair")
		}
		next.Version++
		if err := a.hot.SaveState(context.Background(), a.id, next); err != nil {
			monitoring.HotWriteFailures.Inc()
			a.logger.Error().Err(err).Str("type", m.Type).Msg("hot write failed, mutation not broadcast")
			// The sender applied this optimistically; a snapshot of the
			// unchanged document rolls it back.
			a.sendSnapshot(ps, ps.info.ID, "hot_write_failed")
			return
		}
		a.rec.State = next
		a.pendingKVSave = true
	}

	// Duplicate-safe no-ops (re-adding an existing track, deleting an absent
	// one) still broadcast so the originator's confirmation arrives.
	seq := a.nextSeq()
	monitoring.BroadcastsTotal.Inc()
	a.broadcast(protocol.BuildEvent(m, res, ps.info.ID, seq))
}
