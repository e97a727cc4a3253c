// Package session implements the per-session authoritative actor and the
// registry that routes session ids to resident actors.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/events"
	"github.com/stepseq/stepseq/internal/monitoring"
	"github.com/stepseq/stepseq/internal/protocol"
	"github.com/stepseq/stepseq/internal/store"
)

var (
	// ErrSessionFull is returned when a session already has MaxPlayers peers.
	ErrSessionFull = errors.New("session: capacity exhausted")

	// ErrImmutable is returned for state writes against a published session.
	ErrImmutable = errors.New("session: published sessions are immutable")

	// ErrRetired is returned when a command races actor eviction; callers
	// re-resolve the actor through the registry and retry.
	ErrRetired = errors.New("session: actor retired")
)

// peerSendBuffer sizes the per-peer outgoing channel. At sequencer edit
// rates (tens of msgs/sec) this is minutes of buffering; a peer that still
// falls behind is disconnected after slowClientStrikes consecutive drops.
const (
	peerSendBuffer    = 256
	slowClientStrikes = 3
)

// Peer is a live connection handle. The transport drains Send in its write
// pump and calls Deliver for every inbound frame.
type Peer struct {
	ID   string
	Send chan []byte

	actor *Actor
}

// Deliver hands an inbound frame to the actor. Frames are processed in
// arrival order under the actor's single-writer discipline.
func (p *Peer) Deliver(data []byte) {
	msg := make([]byte, len(data))
	copy(msg, data)
	// A retired actor has no peers; delivery after retirement only happens
	// on a torn-down connection and is safe to drop.
	_ = p.actor.do(func() { p.actor.handleMessage(p.ID, msg) })
}

// Close detaches the peer from the actor. Idempotent.
func (p *Peer) Close() {
	_ = p.actor.do(func() { p.actor.disconnect(p.ID) })
}

type peerState struct {
	info    doc.PlayerInfo
	send    chan []byte
	strikes int
	gone    bool
}

// Actor is the singleton single-writer owner of one session. All mutations
// from every peer and from the REST surface serialize through its inbox;
// the (validate, mutate, repair, persist, broadcast) tuple runs without
// releasing the writer slot, so broadcasts always match the hot store.
type Actor struct {
	id     string
	logger zerolog.Logger

	hot    *store.HotStore
	cold   *store.ColdStore
	bus    events.Publisher
	policy protocol.LockPolicy

	inbox chan func()
	done  chan struct{}

	// onIdle is called (outside the loop) when the last peer leaves and the
	// cold flush completed; the registry answers with a retire handshake.
	onIdle func(id string)

	// All fields below are owned by the run loop.
	loaded        bool
	rec           *store.SessionRecord
	players       map[string]*peerState
	playing       map[string]struct{}
	serverSeq     int64
	sinceSeqSave  int
	pendingKVSave bool
}

func newActor(id string, hot *store.HotStore, cold *store.ColdStore, bus events.Publisher, policy protocol.LockPolicy, logger zerolog.Logger, onIdle func(string)) *Actor {
	a := &Actor{
		id:      id,
		logger:  logger.With().Str("session_id", id).Logger(),
		hot:     hot,
		cold:    cold,
		bus:     bus,
		policy:  policy,
		inbox:   make(chan func(), 64),
		done:    make(chan struct{}),
		players: make(map[string]*peerState),
		playing: make(map[string]struct{}),
		onIdle:  onIdle,
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for fn := range a.inbox {
		a.step(fn)
	}
	close(a.done)
}

// step runs one command with panic isolation. A panicking handler is logged
// and the loop keeps draining the inbox, so a single bad command cannot
// wedge the session until restart.
func (a *Actor) step(fn func()) {
	defer monitoring.RecoverPanic(a.logger, "session-actor", map[string]any{"session_id": a.id})
	fn()
}

// do posts a command to the single-writer loop. Returns ErrRetired when the
// actor has been evicted.
func (a *Actor) do(fn func()) error {
	select {
	case <-a.done:
		return ErrRetired
	default:
	}
	select {
	case a.inbox <- fn:
		return nil
	case <-a.done:
		return ErrRetired
	}
}

// call runs fn on the loop and waits for completion.
func (a *Actor) call(fn func()) error {
	ready := make(chan struct{})
	if err := a.do(func() {
		defer close(ready)
		fn()
	}); err != nil {
		return err
	}
	<-ready
	return nil
}

// load brings session state into memory with hot-over-cold precedence,
// repairs it, and restores the server sequence. Runs on the loop, so
// concurrent callers naturally await the first loader. Returns false when
// the session exists nowhere and create is unset.
func (a *Actor) load(ctx context.Context, create bool) (bool, error) {
	if a.loaded {
		return true, nil
	}

	now := time.Now().UTC()
	var rec *store.SessionRecord

	if state, ok, err := a.hot.LoadState(ctx, a.id); err != nil {
		return false, err
	} else if ok {
		// Hot store is authoritative during active life; cold supplies the
		// metadata envelope if it exists.
		rec = &store.SessionRecord{ID: a.id, CreatedAt: now, State: state}
		if coldRec, err := a.cold.Get(ctx, a.id); err == nil {
			coldRec.State = state
			rec = coldRec
		}
	} else if coldRec, err := a.cold.Get(ctx, a.id); err == nil {
		rec = coldRec
		if rec.State == nil {
			rec.State = doc.NewDefaultDocument()
		}
	} else if errors.Is(err, store.ErrNotFound) {
		if !create {
			return false, nil
		}
		rec = &store.SessionRecord{
			ID:        a.id,
			CreatedAt: now,
			UpdatedAt: now,
			State:     doc.NewDefaultDocument(),
		}
		a.pendingKVSave = true
		a.bus.Publish(events.SessionCreated, a.id)
	} else {
		return false, err
	}

	if repairs := doc.Repair(rec.State); len(repairs) > 0 {
		monitoring.RepairsTotal.Add(float64(len(repairs)))
		a.logger.Warn().Strs("repairs", repairs).Msg("repaired document on load")
		if err := a.hot.SaveState(ctx, a.id, rec.State); err != nil {
			return false, err
		}
	}

	seq, err := a.hot.LoadServerSeq(ctx, a.id)
	if err != nil {
		return false, err
	}
	if seq > 0 {
		// The stored value may lag the last broadcast by up to the persist
		// cadence; skipping ahead keeps the sequence strictly monotone
		// across evictions.
		a.serverSeq = seq + doc.ServerSeqPersistEvery
	}

	if _, err := a.hot.EnsureSchemaVersion(ctx, a.id); err != nil {
		return false, err
	}

	rec.LastAccessedAt = now
	a.rec = rec
	a.loaded = true
	return true, nil
}

// Connect attaches a new peer: capacity gate, identity derivation, initial
// snapshot, player_joined fanout.
func (a *Actor) Connect(ctx context.Context) (*Peer, error) {
	var (
		peer *Peer
		err  error
	)
	cerr := a.call(func() {
		if _, lerr := a.load(ctx, true); lerr != nil {
			err = lerr
			return
		}
		if len(a.players) >= doc.MaxPlayers {
			err = ErrSessionFull
			return
		}

		connID := uuid.NewString()
		ps := &peerState{
			info: doc.NewPlayerInfo(connID, time.Now()),
			send: make(chan []byte, peerSendBuffer),
		}
		a.players[connID] = ps
		a.pendingKVSave = true

		a.sendSnapshot(ps, connID, "connect")
		a.broadcastExcept(connID, &protocol.ServerMessage{
			Type:   protocol.TypePlayerJoined,
			Player: &ps.info,
		})

		a.logger.Info().
			Str("player_id", connID).
			Str("player_name", ps.info.Name).
			Int("players", len(a.players)).
			Msg("peer connected")

		peer = &Peer{ID: connID, Send: ps.send, actor: a}
	})
	if cerr != nil {
		return nil, cerr
	}
	return peer, err
}

// disconnect removes a peer, emits the implicit playback stop and
// player_left, and flushes to the cold store when the session goes idle.
func (a *Actor) disconnect(peerID string) {
	ps, ok := a.players[peerID]
	if !ok || ps.gone {
		return
	}
	ps.gone = true
	delete(a.players, peerID)
	close(ps.send)

	if _, playing := a.playing[peerID]; playing {
		delete(a.playing, peerID)
		a.broadcastExcept(peerID, &protocol.ServerMessage{
			Type:     protocol.TypePlaybackStopped,
			PlayerID: peerID,
		})
	}
	a.broadcastExcept(peerID, &protocol.ServerMessage{
		Type:     protocol.TypePlayerLeft,
		PlayerID: peerID,
	})

	a.logger.Info().Str("player_id", peerID).Int("players", len(a.players)).Msg("peer disconnected")

	if len(a.players) == 0 {
		_ = a.flushCold(context.Background())
		if a.onIdle != nil {
			go a.onIdle(a.id)
		}
	}
}

// flushCold writes the session record to the cold store and persists the
// server sequence. Idempotent with respect to pendingKVSave. The write error
// is returned (and logged) so REST callers can surface quota rejections;
// disconnect and eviction paths log and move on.
func (a *Actor) flushCold(ctx context.Context) error {
	if !a.loaded || !a.pendingKVSave {
		return nil
	}
	a.rec.UpdatedAt = time.Now().UTC()
	err := a.cold.Put(ctx, a.rec)
	if err != nil {
		monitoring.ColdFlushes.WithLabelValues("error").Inc()
		a.logger.Error().Err(err).Msg("cold flush failed")
	} else {
		monitoring.ColdFlushes.WithLabelValues("ok").Inc()
		a.pendingKVSave = false
		a.bus.Publish(events.SessionIdleFlush, a.id)
	}
	if serr := a.hot.SaveServerSeq(ctx, a.id, a.serverSeq); serr != nil {
		a.logger.Error().Err(serr).Msg("serverSeq persist failed")
	}
	a.sinceSeqSave = 0
	return err
}

// retire is the registry's eviction handshake: succeeds only if the actor
// is still idle. On success the inbox closes and the loop exits.
func (a *Actor) retire() bool {
	idle := false
	err := a.call(func() {
		if len(a.players) == 0 {
			_ = a.flushCold(context.Background())
			idle = true
		}
	})
	if err != nil {
		return true // already retired
	}
	if idle {
		close(a.inbox)
		<-a.done
	}
	return idle
}

// nextSeq allocates a server sequence and persists it on cadence.
func (a *Actor) nextSeq() int64 {
	a.serverSeq++
	a.sinceSeqSave++
	if a.sinceSeqSave >= doc.ServerSeqPersistEvery {
		a.sinceSeqSave = 0
		seq := a.serverSeq
		// Fire and forget: a lost write only skips numbers on recovery.
		go func() {
			if err := a.hot.SaveServerSeq(context.Background(), a.id, seq); err != nil {
				a.logger.Error().Err(err).Msg("serverSeq persist failed")
			}
		}()
	}
	return a.serverSeq
}

// send queues a frame for one peer, striking it on a full buffer. After
// slowClientStrikes consecutive drops the peer is detached; its transport
// notices the closed channel and tears the connection down.
func (a *Actor) send(ps *peerState, data []byte) {
	if ps.gone {
		return
	}
	select {
	case ps.send <- data:
		ps.strikes = 0
	default:
		ps.strikes++
		if ps.strikes >= slowClientStrikes {
			monitoring.SlowClientDisconnects.Inc()
			a.logger.Warn().
				Str("player_id", ps.info.ID).
				Int("strikes", ps.strikes).
				Msg("disconnecting slow peer")
			a.disconnect(ps.info.ID)
		}
	}
}

// sendMsg marshals and queues a message for one peer.
func (a *Actor) sendMsg(ps *peerState, msg *protocol.ServerMessage) {
	data, err := msg.Encode()
	if err != nil {
		a.logger.Error().Err(err).Str("type", msg.Type).Msg("encode failed")
		return
	}
	a.send(ps, data)
}

// broadcast serializes once and fans out to every peer, sender included.
func (a *Actor) broadcast(msg *protocol.ServerMessage) {
	data, err := msg.Encode()
	if err != nil {
		a.logger.Error().Err(err).Str("type", msg.Type).Msg("encode failed")
		return
	}
	monitoring.BroadcastFanout.Observe(float64(len(a.players)))
	for _, ps := range a.players {
		a.send(ps, data)
	}
}

// broadcastExcept fans out to every peer but one.
func (a *Actor) broadcastExcept(exceptID string, msg *protocol.ServerMessage) {
	data, err := msg.Encode()
	if err != nil {
		a.logger.Error().Err(err).Str("type", msg.Type).Msg("encode failed")
		return
	}
	for id, ps := range a.players {
		if id == exceptID {
			continue
		}
		a.send(ps, data)
	}
}

// sendSnapshot emits a full convergence snapshot to one peer.
func (a *Actor) sendSnapshot(ps *peerState, yourID, cause string) {
	monitoring.SnapshotsSent.WithLabelValues(cause).Inc()
	a.sendMsg(ps, a.snapshotMessage(yourID))
}

func (a *Actor) snapshotMessage(playerID string) *protocol.ServerMessage {
	playersList := make([]doc.PlayerInfo, 0, len(a.players))
	for _, p := range a.players {
		playersList = append(playersList, p.info)
	}
	playingIDs := make([]string, 0, len(a.playing))
	for id := range a.playing {
		playingIDs = append(playingIDs, id)
	}
	imm := a.rec.Immutable
	seq := a.serverSeq
	return &protocol.ServerMessage{
		Type:              protocol.TypeSnapshot,
		PlayerID:          playerID,
		State:             a.rec.State,
		Players:           playersList,
		Immutable:         &imm,
		SnapshotTimestamp: time.Now().UnixMilli(),
		ServerSeq:         &seq,
		PlayingPlayerIDs:  playingIDs,
	}
}

func (a *Actor) sendError(ps *peerState, code, message string) {
	a.sendMsg(ps, &protocol.ServerMessage{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
	})
}
