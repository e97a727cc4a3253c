package client

import (
	"time"

	"github.com/stepseq/stepseq/internal/protocol"
)

// clockSyncInterval paces offset probes; playback scheduling only needs a
// coarse offset, so a slow cadence is fine.
const clockSyncInterval = 30 * time.Second

// Sync quality thresholds on round-trip time.
const (
	clockGoodRTT = 100 * time.Millisecond
	clockFairRTT = 250 * time.Millisecond
)

type clockState struct {
	offsetMS int64
	rttMS    int64
	quality  string
	syncedAt time.Time
}

// ClockInfo reports the last measured server clock offset, round-trip time
// and a coarse quality grade ("good", "fair", "poor", or "" before the
// first sync).
func (e *Engine) ClockInfo() (offsetMS, rttMS int64, quality string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.offsetMS, e.clock.rttMS, e.clock.quality
}

func (e *Engine) sendClockSync() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	_ = e.sendMessage(conn, &protocol.ClientMessage{
		Type:       protocol.TypeClockSyncRequest,
		ClientTime: time.Now().UnixMilli(),
	})
}

// handleClockSync derives offset and RTT from the echoed timestamps. The
// offset assumes symmetric network latency, which is why quality degrades
// with RTT.
func (e *Engine) handleClockSync(ev *protocol.ServerMessage) {
	now := time.Now().UnixMilli()
	rtt := now - ev.ClientTime
	if rtt < 0 {
		return
	}
	offset := ev.ServerTime - (ev.ClientTime + rtt/2)

	quality := "poor"
	switch {
	case rtt < clockGoodRTT.Milliseconds():
		quality = "good"
	case rtt < clockFairRTT.Milliseconds():
		quality = "fair"
	}

	e.mu.Lock()
	e.clock = clockState{
		offsetMS: offset,
		rttMS:    rtt,
		quality:  quality,
		syncedAt: time.Now(),
	}
	e.mu.Unlock()

	if e.cb.OnClockSync != nil {
		e.cb.OnClockSync(offset, rtt, quality)
	}
}
