package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/events"
	"github.com/stepseq/stepseq/internal/monitoring"
	"github.com/stepseq/stepseq/internal/protocol"
	"github.com/stepseq/stepseq/internal/store"
)

// Registry routes session ids to resident actors, creating them lazily and
// retiring them once idle.
type Registry struct {
	hot    *store.HotStore
	cold   *store.ColdStore
	bus    events.Publisher
	policy protocol.LockPolicy
	logger zerolog.Logger

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry builds an empty registry over the two stores.
func NewRegistry(hot *store.HotStore, cold *store.ColdStore, bus events.Publisher, policy protocol.LockPolicy, logger zerolog.Logger) *Registry {
	return &Registry{
		hot:    hot,
		cold:   cold,
		bus:    bus,
		policy: policy,
		logger: logger,
		actors: make(map[string]*Actor),
	}
}

// acquire returns the resident actor for id, starting one if needed.
func (r *Registry) acquire(id string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[id]; ok {
		return a
	}
	a := newActor(id, r.hot, r.cold, r.bus, r.policy, r.logger, r.handleIdle)
	r.actors[id] = a
	monitoring.ActiveSessions.Inc()
	return a
}

// handleIdle is the actor's eviction callback. The registry lock serializes
// the retire handshake against acquire, so a command posted through acquire
// can never land in a closed inbox.
func (r *Registry) handleIdle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[id]
	if !ok {
		return
	}
	if a.retire() {
		delete(r.actors, id)
		monitoring.ActiveSessions.Dec()
		r.logger.Debug().Str("session_id", id).Msg("session actor retired")
	}
}

// withActor retries f across the (rare) race where the target actor retires
// between resolution and command delivery.
func withActor[T any](r *Registry, id string, f func(a *Actor) (T, error)) (T, error) {
	for {
		out, err := f(r.acquire(id))
		if errors.Is(err, ErrRetired) {
			continue
		}
		return out, err
	}
}

// Connect attaches a WebSocket peer to a session, creating the session on
// first contact.
func (r *Registry) Connect(ctx context.Context, id string) (*Peer, error) {
	return withActor(r, id, func(a *Actor) (*Peer, error) {
		return a.Connect(ctx)
	})
}

// Record fetches session metadata and state.
func (r *Registry) Record(ctx context.Context, id string) (*store.SessionRecord, error) {
	return withActor(r, id, func(a *Actor) (*store.SessionRecord, error) {
		return a.Record(ctx)
	})
}

// Create makes a new session with a fresh id.
func (r *Registry) Create(ctx context.Context, name string, state *doc.SessionDocument) (*store.SessionRecord, error) {
	id := uuid.NewString()
	return withActor(r, id, func(a *Actor) (*store.SessionRecord, error) {
		return a.CreateNew(ctx, CreateParams{Name: name, State: state})
	})
}

// ReplaceState swaps a session's whole document.
func (r *Registry) ReplaceState(ctx context.Context, id string, state *doc.SessionDocument) (*store.SessionRecord, error) {
	return withActor(r, id, func(a *Actor) (*store.SessionRecord, error) {
		return a.ReplaceState(ctx, state)
	})
}

// Rename updates a session's display name.
func (r *Registry) Rename(ctx context.Context, id, name string) (*store.SessionRecord, error) {
	return withActor(r, id, func(a *Actor) (*store.SessionRecord, error) {
		return a.Rename(ctx, name)
	})
}

// Publish creates a new immutable session snapshotting the source's state.
// The source stays mutable; publishing a published session is refused.
func (r *Registry) Publish(ctx context.Context, id string) (*store.SessionRecord, error) {
	src, err := withActor(r, id, func(a *Actor) (*store.SessionRecord, error) {
		return a.PublishSource(ctx)
	})
	if err != nil {
		return nil, err
	}
	newID := uuid.NewString()
	return withActor(r, newID, func(a *Actor) (*store.SessionRecord, error) {
		return a.CreateNew(ctx, CreateParams{
			Name:      src.Name,
			State:     src.State,
			Immutable: true,
		})
	})
}

// Remix copies a session into a fresh mutable one, carrying provenance and
// bumping the source's remix counter.
func (r *Registry) Remix(ctx context.Context, sourceID string) (*store.SessionRecord, error) {
	src, err := withActor(r, sourceID, func(a *Actor) (*store.SessionRecord, error) {
		return a.RemixSource(ctx)
	})
	if err != nil {
		return nil, err
	}
	newID := uuid.NewString()
	return withActor(r, newID, func(a *Actor) (*store.SessionRecord, error) {
		return a.CreateNew(ctx, CreateParams{
			Name:            src.Name,
			State:           src.State,
			RemixedFrom:     src.ID,
			RemixedFromName: src.Name,
		})
	})
}

// Shutdown flushes every resident actor to the cold store. Connected peers
// have already been torn down by the transport layer at this point.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	actors := make(map[string]*Actor, len(r.actors))
	for id, a := range r.actors {
		actors[id] = a
	}
	r.mu.Unlock()

	for id, a := range actors {
		var ferr error
		cerr := a.call(func() { ferr = a.flushCold(ctx) })
		if cerr != nil && !errors.Is(cerr, ErrRetired) {
			ferr = cerr
		}
		if ferr != nil {
			r.logger.Error().Err(ferr).Str("session_id", id).Msg("shutdown flush failed")
		}
	}
}

// Len reports the number of resident actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
