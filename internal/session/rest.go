package session

import (
	"context"
	"time"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/events"
	"github.com/stepseq/stepseq/internal/monitoring"
	"github.com/stepseq/stepseq/internal/protocol"
	"github.com/stepseq/stepseq/internal/store"
)

// REST ingress. These methods post commands into the same inbox as the
// WebSocket path, so REST writes serialize with live edits and observe the
// same single-writer guarantees.

// restPlayerID attributes REST-originated broadcasts in place of a
// connection id.
const restPlayerID = "rest-api"

// recordCopy returns a detached copy safe to marshal off the loop.
func (a *Actor) recordCopy() *store.SessionRecord {
	cp := *a.rec
	cp.State = a.rec.State.Clone()
	return &cp
}

// maybeIdle mirrors the disconnect path for REST-only residency: an actor
// with no peers flushes and offers itself for eviction. Used by read paths,
// where a flush failure is logged rather than surfaced.
func (a *Actor) maybeIdle() {
	if len(a.players) == 0 {
		_ = a.flushCold(context.Background())
		if a.onIdle != nil {
			go a.onIdle(a.id)
		}
	}
}

// flushForWrite persists the record for a REST write. Unlike the idle path
// it runs even while peers are connected: the caller needs the durable write
// acknowledged, and a quota rejection must reach it as a 503.
func (a *Actor) flushForWrite(ctx context.Context) error {
	err := a.flushCold(ctx)
	if len(a.players) == 0 && a.onIdle != nil {
		go a.onIdle(a.id)
	}
	return err
}

// Record returns a copy of the session record, or store.ErrNotFound.
func (a *Actor) Record(ctx context.Context) (*store.SessionRecord, error) {
	var (
		rec *store.SessionRecord
		err error
	)
	cerr := a.call(func() {
		found, lerr := a.load(ctx, false)
		if lerr != nil {
			err = lerr
			return
		}
		if !found {
			err = store.ErrNotFound
			return
		}
		a.rec.LastAccessedAt = time.Now().UTC()
		a.pendingKVSave = true
		rec = a.recordCopy()
		a.maybeIdle()
	})
	if cerr != nil {
		return nil, cerr
	}
	return rec, err
}

// CreateParams seeds a new session.
type CreateParams struct {
	Name            string
	State           *doc.SessionDocument
	RemixedFrom     string
	RemixedFromName string

	// Immutable creates the session pre-frozen (the publish flow).
	Immutable bool
}

// CreateNew initializes this actor's session from params. The session must
// not already exist under this id (ids are freshly generated uuids, so a
// collision would indicate a caller bug; existing state is kept and the
// params applied on top).
func (a *Actor) CreateNew(ctx context.Context, p CreateParams) (*store.SessionRecord, error) {
	var (
		rec *store.SessionRecord
		err error
	)
	cerr := a.call(func() {
		if _, lerr := a.load(ctx, true); lerr != nil {
			err = lerr
			return
		}
		a.rec.Name = doc.TruncateName(p.Name, doc.MaxSessionName)
		a.rec.RemixedFrom = p.RemixedFrom
		a.rec.RemixedFromName = p.RemixedFromName
		a.rec.Immutable = p.Immutable
		if p.State != nil {
			doc.Repair(p.State)
			a.rec.State = p.State
			if lerr := a.hot.SaveState(ctx, a.id, a.rec.State); lerr != nil {
				err = lerr
				return
			}
		}
		a.pendingKVSave = true
		if p.RemixedFrom != "" {
			a.bus.Publish(events.SessionRemixed, a.id)
		}
		if p.Immutable {
			a.bus.Publish(events.SessionPublished, a.id)
		}
		if ferr := a.flushForWrite(ctx); ferr != nil {
			err = ferr
			return
		}
		rec = a.recordCopy()
	})
	if cerr != nil {
		return nil, cerr
	}
	return rec, err
}

// ReplaceState swaps the whole document, broadcasting a snapshot so every
// connected peer converges on the new state at once.
func (a *Actor) ReplaceState(ctx context.Context, state *doc.SessionDocument) (*store.SessionRecord, error) {
	var (
		rec *store.SessionRecord
		err error
	)
	cerr := a.call(func() {
		found, lerr := a.load(ctx, false)
		if lerr != nil {
			err = lerr
			return
		}
		if !found {
			err = store.ErrNotFound
			return
		}
		if a.rec.Immutable {
			err = ErrImmutable
			return
		}
		if repairs := doc.Repair(state); len(repairs) > 0 {
			monitoring.RepairsTotal.Add(float64(len(repairs)))
		}
		state.Version = a.rec.State.Version + 1
		if lerr := a.hot.SaveState(ctx, a.id, state); lerr != nil {
			monitoring.HotWriteFailures.Inc()
			err = lerr
			return
		}
		a.rec.State = state
		a.rec.UpdatedAt = time.Now().UTC()
		a.pendingKVSave = true

		snap := a.snapshotMessage(restPlayerID)
		data, eerr := snap.Encode()
		if eerr == nil {
			monitoring.SnapshotsSent.WithLabelValues("rest_put").Inc()
			for _, ps := range a.players {
				a.send(ps, data)
			}
		}
		if ferr := a.flushForWrite(ctx); ferr != nil {
			err = ferr
			return
		}
		rec = a.recordCopy()
	})
	if cerr != nil {
		return nil, cerr
	}
	return rec, err
}

// Rename updates the display name and notifies connected peers.
func (a *Actor) Rename(ctx context.Context, name string) (*store.SessionRecord, error) {
	var (
		rec *store.SessionRecord
		err error
	)
	cerr := a.call(func() {
		found, lerr := a.load(ctx, false)
		if lerr != nil {
			err = lerr
			return
		}
		if !found {
			err = store.ErrNotFound
			return
		}
		if a.rec.Immutable {
			err = ErrImmutable
			return
		}
		name = doc.TruncateName(name, doc.MaxSessionName)
		a.rec.Name = name
		a.rec.UpdatedAt = time.Now().UTC()
		a.pendingKVSave = true
		a.broadcast(&protocol.ServerMessage{
			Type:     protocol.TypeSessionNameChanged,
			PlayerID: restPlayerID,
			Name:     name,
		})
		if ferr := a.flushForWrite(ctx); ferr != nil {
			err = ferr
			return
		}
		rec = a.recordCopy()
	})
	if cerr != nil {
		return nil, cerr
	}
	return rec, err
}

// PublishSource returns a copy of the record for publishing. A session that
// is itself already published cannot be published again.
func (a *Actor) PublishSource(ctx context.Context) (*store.SessionRecord, error) {
	var (
		rec *store.SessionRecord
		err error
	)
	cerr := a.call(func() {
		found, lerr := a.load(ctx, false)
		if lerr != nil {
			err = lerr
			return
		}
		if !found {
			err = store.ErrNotFound
			return
		}
		if a.rec.Immutable {
			err = ErrImmutable
			return
		}
		rec = a.recordCopy()
		a.maybeIdle()
	})
	if cerr != nil {
		return nil, cerr
	}
	return rec, err
}

// RemixSource returns a copy of the record for remixing and bumps the
// source's remix counter.
func (a *Actor) RemixSource(ctx context.Context) (*store.SessionRecord, error) {
	var (
		rec *store.SessionRecord
		err error
	)
	cerr := a.call(func() {
		found, lerr := a.load(ctx, false)
		if lerr != nil {
			err = lerr
			return
		}
		if !found {
			err = store.ErrNotFound
			return
		}
		a.rec.RemixCount++
		a.pendingKVSave = true
		if ferr := a.flushForWrite(ctx); ferr != nil {
			err = ferr
			return
		}
		rec = a.recordCopy()
	})
	if cerr != nil {
		return nil, cerr
	}
	return rec, err
}
