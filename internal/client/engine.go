// Package client implements the sync engine a sequencer frontend embeds:
// optimistic local application with confirmation tracking, reconnection
// with jittered backoff, offline queueing, and hash-probe convergence
// against the authoritative session actor.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/monitoring"
	"github.com/stepseq/stepseq/internal/protocol"
)

// State is the engine's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSinglePlayer State = "single_player"
	StateReconnecting State = "reconnecting"
)

// Conn is one live connection to a session.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens connections. The returned channel yields inbound frames and
// closes when the connection dies.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, <-chan []byte, error)
}

const (
	// maxPending caps unconfirmed local mutations. Hitting the cap means
	// confirmations stopped flowing; a snapshot is the only safe recovery.
	maxPending = 100

	// maxOffline caps the offline queue; the oldest edit is dropped on
	// overflow.
	maxOffline = 100

	// offlineMaxAge drops queued offline edits older than this on reconnect.
	offlineMaxAge = 30 * time.Second

	// hashProbeInterval paces convergence probes while connected.
	hashProbeInterval = 5 * time.Second

	// mismatchLimit is how many consecutive hash mismatches are tolerated
	// before requesting a snapshot.
	mismatchLimit = 3

	// attributionTTL is how long a remote edit stays attributed to its
	// author for UI highlighting.
	attributionTTL = 600 * time.Millisecond

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
	backoffJitter  = 0.25
)

type pendingEntry struct {
	seq    int64
	msg    *protocol.ClientMessage
	sentAt time.Time
}

type queuedEntry struct {
	msg      *protocol.ClientMessage
	queuedAt time.Time
}

// RemoteEdit attributes a recent remote mutation for UI highlighting.
type RemoteEdit struct {
	PlayerID string
	Type     string
	TrackID  string
	At       time.Time
}

// Callbacks let the embedding UI react to engine events. All callbacks are
// invoked without the engine lock held.
type Callbacks struct {
	OnStateChange func(State)
	OnDocument    func()
	OnPlayers     func([]doc.PlayerInfo)
	OnClockSync   func(offsetMS, rttMS int64, quality string)
	OnCursor      func(playerID string, pos protocol.CursorPosition, color, name string)
	OnError       func(code, message string)
}

// Engine is the client-side replica of one session.
type Engine struct {
	sessionID string
	dialer    Dialer
	logger    zerolog.Logger
	cb        Callbacks

	mu       sync.Mutex
	state    State
	conn     Conn
	document *doc.SessionDocument
	players  map[string]doc.PlayerInfo
	playerID string

	immutable      bool
	clientSeq      int64
	lastServerSeq  int64
	lastSnapshotAt int64

	pending []pendingEntry
	offline []queuedEntry

	hashMismatches int
	playing        map[string]struct{}

	clock clockState

	remote map[string]RemoteEdit
}

// New builds an engine for one session. Run must be called to connect.
func New(sessionID string, dialer Dialer, logger zerolog.Logger, cb Callbacks) *Engine {
	return &Engine{
		sessionID: sessionID,
		dialer:    dialer,
		logger:    logger.With().Str("component", "sync_engine").Str("session_id", sessionID).Logger(),
		cb:        cb,
		state:     StateDisconnected,
		document:  doc.NewDefaultDocument(),
		players:   make(map[string]doc.PlayerInfo),
		playing:   make(map[string]struct{}),
		remote:    make(map[string]RemoteEdit),
	}
}

// Run connects and keeps the session alive until ctx cancels. Reconnects
// use exponential backoff with jitter; the local replica stays editable
// throughout.
func (e *Engine) Run(ctx context.Context) error {
	defer monitoring.RecoverPanic(e.logger, "sync-engine", nil)
	attempt := 0
	for {
		if ctx.Err() != nil {
			e.setState(StateDisconnected)
			return ctx.Err()
		}

		if attempt == 0 {
			e.setState(StateConnecting)
		} else {
			e.setState(StateReconnecting)
		}

		conn, inbound, err := e.dialer.Dial(ctx, e.sessionID)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			if attempt >= 6 {
				// The server has been unreachable long enough that the user
				// is effectively editing alone.
				e.setState(StateSinglePlayer)
			}
			e.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("dial failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				e.setState(StateDisconnected)
				return ctx.Err()
			}
		}
		attempt = 0

		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()

		stopProbes := e.startProbes(ctx)
		e.readInbound(ctx, inbound)
		stopProbes()

		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			e.setState(StateDisconnected)
			return ctx.Err()
		}
		attempt = 1
	}
}

func (e *Engine) readInbound(ctx context.Context, inbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-inbound:
			if !ok {
				return
			}
			e.handleFrame(data)
		}
	}
}

// startProbes runs the hash probe and clock sync tickers for the life of
// one connection.
func (e *Engine) startProbes(ctx context.Context) (stop func()) {
	probeCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer monitoring.RecoverPanic(e.logger, "engine-probes", nil)
		hashTicker := time.NewTicker(hashProbeInterval)
		clockTicker := time.NewTicker(clockSyncInterval)
		defer hashTicker.Stop()
		defer clockTicker.Stop()
		e.sendClockSync()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-hashTicker.C:
				e.sendHashProbe()
			case <-clockTicker.C:
				e.sendClockSync()
			}
		}
	}()
	return cancel
}

// Do applies a local edit optimistically and sends it, or queues it while
// offline. Non-mutating messages are sent as-is and never queued.
func (e *Engine) Do(m *protocol.ClientMessage) error {
	e.mu.Lock()

	if protocol.IsMutating(m.Type) {
		if e.immutable {
			e.mu.Unlock()
			return errors.New("client: session is published")
		}
		e.clientSeq++
		m.Seq = e.clientSeq

		// Optimistic apply. Validation clamps the message exactly like the
		// server will, so the echo converges with what we applied here.
		if err := protocol.Validate(m, e.document, protocol.LockAllOrNothing); err == nil {
			if _, aerr := protocol.Apply(e.document, m); aerr != nil {
				e.logger.Debug().Err(aerr).Str("type", m.Type).Msg("optimistic apply failed")
			}
		}
		e.notifyDocumentLocked()
	}

	conn := e.conn
	if conn == nil || (e.state != StateConnected && e.state != StateSinglePlayer) {
		if protocol.IsMutating(m.Type) {
			if len(e.offline) >= maxOffline {
				e.offline = e.offline[1:]
			}
			e.offline = append(e.offline, queuedEntry{msg: m, queuedAt: time.Now()})
		}
		e.mu.Unlock()
		return nil
	}

	if protocol.IsMutating(m.Type) {
		if len(e.pending) >= maxPending {
			// Confirmations stalled; resync instead of growing the queue.
			e.pending = e.pending[:0]
			e.mu.Unlock()
			e.requestSnapshot()
			return errors.New("client: pending queue overflow, resyncing")
		}
		e.pending = append(e.pending, pendingEntry{seq: m.Seq, msg: m, sentAt: time.Now()})
	}

	m.Ack = ackPtr(e.lastServerSeq)
	e.mu.Unlock()

	return e.sendMessage(conn, m)
}

func ackPtr(v int64) *int64 {
	return &v
}

func (e *Engine) sendMessage(conn Conn, m *protocol.ClientMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// setState transitions the lifecycle state and notifies.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.logger.Debug().Str("state", string(s)).Msg("state changed")
	if e.cb.OnStateChange != nil {
		e.cb.OnStateChange(s)
	}
}

// StateNow returns the current lifecycle state.
func (e *Engine) StateNow() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Document returns a copy of the local replica.
func (e *Engine) Document() *doc.SessionDocument {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.document.Clone()
}

// PlayerID returns the identity assigned by the server, empty before the
// first snapshot.
func (e *Engine) PlayerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playerID
}

// Players returns the current presence list.
func (e *Engine) Players() []doc.PlayerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]doc.PlayerInfo, 0, len(e.players))
	for _, p := range e.players {
		out = append(out, p)
	}
	return out
}

// RecentEdits returns unexpired remote edit attributions.
func (e *Engine) RecentEdits() []RemoteEdit {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	out := make([]RemoteEdit, 0, len(e.remote))
	for id, re := range e.remote {
		if now.Sub(re.At) > attributionTTL {
			delete(e.remote, id)
			continue
		}
		out = append(out, re)
	}
	return out
}

// PendingCount reports unconfirmed local mutations.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) notifyDocumentLocked() {
	if e.cb.OnDocument == nil {
		return
	}
	go e.cb.OnDocument()
}

func (e *Engine) notifyPlayersLocked() {
	if e.cb.OnPlayers == nil {
		return
	}
	players := make([]doc.PlayerInfo, 0, len(e.players))
	for _, p := range e.players {
		players = append(players, p)
	}
	go e.cb.OnPlayers(players)
}

// backoffDelay computes the jittered exponential backoff for an attempt
// (1-based): 1s, 2s, 4s ... capped at 30s, with 25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffMax {
			d = backoffMax
			break
		}
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	out := time.Duration(float64(d) * jitter)
	if out < 0 {
		out = d
	}
	return out
}
