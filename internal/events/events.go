// Package events publishes session lifecycle notifications to NATS so that
// downstream consumers (analytics, cache warmers) can react without polling
// the stores. Publishing is fire and forget; the sequencer never blocks on
// the bus.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event kinds, published under "stepseq.session.<kind>".
const (
	SessionCreated   = "created"
	SessionRemixed   = "remixed"
	SessionPublished = "published"
	SessionIdleFlush = "idle_flush"
)

// Publisher emits session lifecycle events.
type Publisher interface {
	Publish(kind, sessionID string)
	Close()
}

type lifecycleEvent struct {
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// NATSPublisher publishes lifecycle events to a NATS server.
type NATSPublisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSPublisher connects to NATS. Reconnection is handled by the client;
// events published while disconnected are buffered by the connection.
func NewNATSPublisher(url string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("event bus disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("event bus reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", url).Msg("connected to event bus")
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish emits one lifecycle event. Errors are logged, never propagated.
func (p *NATSPublisher) Publish(kind, sessionID string) {
	data, err := json.Marshal(lifecycleEvent{
		SessionID: sessionID,
		Kind:      kind,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := p.conn.Publish("stepseq.session."+kind, data); err != nil {
		p.logger.Warn().Err(err).Str("kind", kind).Msg("event publish failed")
	}
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	_ = p.conn.Drain()
}

// NopPublisher discards all events. Used when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string) {}
func (NopPublisher) Close()                 {}
