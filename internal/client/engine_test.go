package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/protocol"
)

type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages(t *testing.T) []*protocol.ClientMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.ClientMessage, 0, len(c.sent))
	for _, data := range c.sent {
		var m protocol.ClientMessage
		require.NoError(t, json.Unmarshal(data, &m))
		out = append(out, &m)
	}
	return out
}

func (c *fakeConn) lastMessage(t *testing.T) *protocol.ClientMessage {
	t.Helper()
	msgs := c.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func seedState() *doc.SessionDocument {
	d := doc.NewDefaultDocument()
	d.Tracks = append(d.Tracks, doc.NewDefaultTrack("t1", "Kick", "kick-01"))
	return d
}

func frame(t *testing.T, ev *protocol.ServerMessage) []byte {
	t.Helper()
	data, err := ev.Encode()
	require.NoError(t, err)
	return data
}

func snapshotFrame(t *testing.T, serverSeq int64, ts int64) []byte {
	t.Helper()
	imm := false
	return frame(t, &protocol.ServerMessage{
		Type:              protocol.TypeSnapshot,
		PlayerID:          "me",
		State:             seedState(),
		Immutable:         &imm,
		SnapshotTimestamp: ts,
		ServerSeq:         &serverSeq,
		Players:           []doc.PlayerInfo{{ID: "me", Name: "Amber Fox"}},
	})
}

// connectedEngine returns an engine that has completed the snapshot
// handshake against a captured fake connection.
func connectedEngine(t *testing.T) (*Engine, *fakeConn) {
	t.Helper()
	e := New("session-1", nil, zerolog.Nop(), Callbacks{})
	conn := &fakeConn{}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.handleFrame(snapshotFrame(t, 0, time.Now().UnixMilli()))
	require.Equal(t, StateConnected, e.StateNow())
	require.Equal(t, "me", e.PlayerID())
	return e, conn
}

func toggleMsg(step int) *protocol.ClientMessage {
	return &protocol.ClientMessage{Type: protocol.TypeToggleStep, TrackID: "t1", Step: &step}
}

func TestDoAppliesOptimistically(t *testing.T) {
	e, conn := connectedEngine(t)

	require.NoError(t, e.Do(toggleMsg(4)))

	assert.True(t, e.Document().Tracks[0].Steps[4])
	assert.Equal(t, 1, e.PendingCount())

	sent := conn.lastMessage(t)
	assert.Equal(t, protocol.TypeToggleStep, sent.Type)
	assert.Equal(t, int64(1), sent.Seq)
	require.NotNil(t, sent.Ack)
	assert.Equal(t, int64(0), *sent.Ack)
}

func TestOwnEchoClearsPending(t *testing.T) {
	e, _ := connectedEngine(t)
	require.NoError(t, e.Do(toggleMsg(4)))

	seq, cs := int64(1), int64(1)
	step := 4
	v := true
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: "step_toggled", Seq: &seq, ClientSeq: &cs,
		PlayerID: "me", TrackID: "t1", Step: &step, Value: &v,
	}))

	assert.Equal(t, 0, e.PendingCount())
	// The echo confirms the optimistic apply rather than reapplying it.
	assert.True(t, e.Document().Tracks[0].Steps[4])
}

func TestLostMutationForcesResync(t *testing.T) {
	e, conn := connectedEngine(t)
	require.NoError(t, e.Do(toggleMsg(1)))
	require.NoError(t, e.Do(toggleMsg(2)))
	require.Equal(t, 2, e.PendingCount())

	// The server confirmed clientSeq 2 without ever echoing 1: the first
	// edit was dropped and the optimistic state is wrong.
	seq, cs := int64(1), int64(2)
	step := 2
	v := true
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: "step_toggled", Seq: &seq, ClientSeq: &cs,
		PlayerID: "me", TrackID: "t1", Step: &step, Value: &v,
	}))

	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, protocol.TypeRequestSnapshot, conn.lastMessage(t).Type)
}

func TestRenameEchoDetectsLostMutations(t *testing.T) {
	e, conn := connectedEngine(t)
	require.NoError(t, e.Do(toggleMsg(1)))
	require.NoError(t, e.Do(&protocol.ClientMessage{Type: protocol.TypeSetSessionName, Name: "Jam"}))
	require.Equal(t, 2, e.PendingCount())

	// The rename echo confirms clientSeq 2 while seq 1 never echoed: the
	// toggle was dropped and the replica needs a resync, exactly as when a
	// mutation echo skips an entry.
	cs := int64(2)
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: protocol.TypeSessionNameChanged, PlayerID: "me", ClientSeq: &cs, Name: "Jam",
	}))

	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, protocol.TypeRequestSnapshot, conn.lastMessage(t).Type)
}

func TestRemoteEventApplies(t *testing.T) {
	e, _ := connectedEngine(t)

	seq := int64(1)
	step := 9
	v := true
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: "step_toggled", Seq: &seq,
		PlayerID: "other", TrackID: "t1", Step: &step, Value: &v,
	}))

	assert.True(t, e.Document().Tracks[0].Steps[9])
	edits := e.RecentEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, "other", edits[0].PlayerID)
	assert.Equal(t, "step_toggled", edits[0].Type)
}

func TestSequenceGapForcesResync(t *testing.T) {
	e, conn := connectedEngine(t)

	// Establish a nonzero position first.
	seq := int64(1)
	step := 0
	v := true
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: "step_toggled", Seq: &seq, PlayerID: "other", TrackID: "t1", Step: &step, Value: &v,
	}))

	// Seq 3 arrives next; 2 is missing.
	gap := int64(3)
	step2 := 1
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: "step_toggled", Seq: &gap, PlayerID: "other", TrackID: "t1", Step: &step2, Value: &v,
	}))

	assert.Equal(t, protocol.TypeRequestSnapshot, conn.lastMessage(t).Type)
	assert.False(t, e.Document().Tracks[0].Steps[1], "gapped event must not be folded in")
}

func TestDuplicateEventDropped(t *testing.T) {
	e, _ := connectedEngine(t)

	seq := int64(1)
	step := 0
	v := true
	ev := &protocol.ServerMessage{
		Type: "step_toggled", Seq: &seq, PlayerID: "other", TrackID: "t1", Step: &step, Value: &v,
	}
	e.handleFrame(frame(t, ev))
	require.True(t, e.Document().Tracks[0].Steps[0])

	// Redelivery of the same sequence is ignored even with a flipped value.
	off := false
	ev.Value = &off
	e.handleFrame(frame(t, ev))
	assert.True(t, e.Document().Tracks[0].Steps[0])
}

func TestStaleSnapshotDropped(t *testing.T) {
	e, _ := connectedEngine(t)
	now := time.Now().UnixMilli()

	fresh := seedState()
	fresh.Tempo = 150
	seq := int64(2)
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: protocol.TypeSnapshot, PlayerID: "me", State: fresh,
		SnapshotTimestamp: now + 1000, ServerSeq: &seq,
	}))
	require.Equal(t, 150, e.Document().Tempo)

	stale := seedState()
	stale.Tempo = 60
	old := int64(1)
	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: protocol.TypeSnapshot, PlayerID: "me", State: stale,
		SnapshotTimestamp: now - 1000, ServerSeq: &old,
	}))
	assert.Equal(t, 150, e.Document().Tempo)
}

func TestOfflineQueueReplay(t *testing.T) {
	e := New("session-1", nil, zerolog.Nop(), Callbacks{})

	// Edits while disconnected apply locally and queue for replay.
	require.NoError(t, e.Do(toggleMsg(4)))
	require.NoError(t, e.Do(toggleMsg(5)))
	assert.Equal(t, 0, e.PendingCount())

	e.mu.Lock()
	require.Len(t, e.offline, 2)
	// Age the first entry past the staleness window.
	e.offline[0].queuedAt = time.Now().Add(-offlineMaxAge - time.Minute)
	conn := &fakeConn{}
	e.conn = conn
	e.mu.Unlock()

	e.handleFrame(snapshotFrame(t, 0, time.Now().UnixMilli()))

	msgs := conn.messages(t)
	require.Len(t, msgs, 1, "only the fresh edit replays")
	assert.Equal(t, protocol.TypeToggleStep, msgs[0].Type)
	require.NotNil(t, msgs[0].Step)
	assert.Equal(t, 5, *msgs[0].Step)
	assert.Positive(t, msgs[0].Seq, "replay reassigns the client sequence")
	assert.True(t, e.Document().Tracks[0].Steps[5])
}

func TestOfflineQueueCapDropsOldest(t *testing.T) {
	e := New("session-1", nil, zerolog.Nop(), Callbacks{})
	for i := 0; i < maxOffline+5; i++ {
		require.NoError(t, e.Do(toggleMsg(i%16)))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.offline, maxOffline)
	// Entries 1..5 were dropped; the oldest survivor is the 6th edit.
	assert.Equal(t, int64(6), e.offline[0].msg.Seq)
}

func TestPendingOverflowForcesResync(t *testing.T) {
	e, conn := connectedEngine(t)

	for i := 0; i < maxPending; i++ {
		require.NoError(t, e.Do(toggleMsg(i%16)))
	}
	require.Equal(t, maxPending, e.PendingCount())

	err := e.Do(toggleMsg(0))
	require.Error(t, err)
	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, protocol.TypeRequestSnapshot, conn.lastMessage(t).Type)
}

func TestHashMismatchLimit(t *testing.T) {
	e, conn := connectedEngine(t)

	mismatch := frame(t, &protocol.ServerMessage{Type: protocol.TypeStateMismatch, ServerHash: "cafef00d"})
	e.handleFrame(mismatch)
	e.handleFrame(mismatch)
	before := len(conn.messages(t))
	e.handleFrame(mismatch)

	msgs := conn.messages(t)
	require.Len(t, msgs, before+1)
	assert.Equal(t, protocol.TypeRequestSnapshot, msgs[len(msgs)-1].Type)

	// A match resets the counter.
	e.handleFrame(mismatch)
	e.handleFrame(frame(t, &protocol.ServerMessage{Type: protocol.TypeStateHashMatch}))
	e.mu.Lock()
	assert.Equal(t, 0, e.hashMismatches)
	e.mu.Unlock()
}

func TestHashMismatchIgnoredWhileUnsettled(t *testing.T) {
	e, _ := connectedEngine(t)
	require.NoError(t, e.Do(toggleMsg(0)))

	e.handleFrame(frame(t, &protocol.ServerMessage{Type: protocol.TypeStateMismatch, ServerHash: "cafef00d"}))

	e.mu.Lock()
	assert.Equal(t, 0, e.hashMismatches, "in-flight edits explain the mismatch")
	e.mu.Unlock()
}

func TestPublishedErrorFreezesReplica(t *testing.T) {
	var gotCode string
	var mu sync.Mutex
	e, _ := connectedEngine(t)
	e.cb.OnError = func(code, _ string) {
		mu.Lock()
		gotCode = code
		mu.Unlock()
	}

	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: protocol.TypeError, Code: protocol.CodeSessionPublished, Message: "read-only",
	}))

	mu.Lock()
	assert.Equal(t, protocol.CodeSessionPublished, gotCode)
	mu.Unlock()
	assert.Error(t, e.Do(toggleMsg(0)))
}

func TestClockSyncQuality(t *testing.T) {
	e, _ := connectedEngine(t)

	// Near-zero RTT: good quality, offset close to the server skew.
	now := time.Now().UnixMilli()
	e.handleClockSync(&protocol.ServerMessage{
		Type: protocol.TypeClockSyncResponse, ClientTime: now, ServerTime: now + 500,
	})
	offset, rtt, quality := e.ClockInfo()
	assert.Equal(t, "good", quality)
	assert.InDelta(t, 500, offset, 60)
	assert.GreaterOrEqual(t, rtt, int64(0))

	// A 150ms round trip grades fair.
	e.handleClockSync(&protocol.ServerMessage{
		Type: protocol.TypeClockSyncResponse, ClientTime: time.Now().UnixMilli() - 150, ServerTime: now,
	})
	_, _, quality = e.ClockInfo()
	assert.Equal(t, "fair", quality)

	// A 300ms round trip grades poor.
	e.handleClockSync(&protocol.ServerMessage{
		Type: protocol.TypeClockSyncResponse, ClientTime: time.Now().UnixMilli() - 300, ServerTime: now,
	})
	_, _, quality = e.ClockInfo()
	assert.Equal(t, "poor", quality)
}

func TestClockSyncRejectsNegativeRTT(t *testing.T) {
	e, _ := connectedEngine(t)
	e.handleClockSync(&protocol.ServerMessage{
		Type:       protocol.TypeClockSyncResponse,
		ClientTime: time.Now().UnixMilli() + 10000,
		ServerTime: time.Now().UnixMilli(),
	})
	_, _, quality := e.ClockInfo()
	assert.Empty(t, quality)
}

func TestAttributionExpires(t *testing.T) {
	e, _ := connectedEngine(t)
	e.mu.Lock()
	e.remote["other"] = RemoteEdit{PlayerID: "other", Type: "step_toggled", At: time.Now().Add(-attributionTTL - time.Second)}
	e.mu.Unlock()
	assert.Empty(t, e.RecentEdits())
}

func TestBackoffDelayBounds(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := backoffDelay(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		d := backoffDelay(20)
		assert.GreaterOrEqual(t, d, time.Duration(float64(backoffMax)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(backoffMax)*1.25))
	}
}

func TestPlayerPresenceTracking(t *testing.T) {
	e, _ := connectedEngine(t)

	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type:   protocol.TypePlayerJoined,
		Player: &doc.PlayerInfo{ID: "other", Name: "Teal Owl"},
	}))
	assert.Len(t, e.Players(), 2)

	e.handleFrame(frame(t, &protocol.ServerMessage{
		Type: protocol.TypePlayerLeft, PlayerID: "other",
	}))
	assert.Len(t, e.Players(), 1)
}
