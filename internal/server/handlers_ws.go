package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/stepseq/stepseq/internal/monitoring"
	"github.com/stepseq/stepseq/internal/protocol"
	"github.com/stepseq/stepseq/internal/session"
)

const (
	// writeWait bounds a single write to a peer.
	writeWait = 5 * time.Second

	// pongWait is how long a peer may stay silent before the read deadline
	// trips; pingPeriod must be shorter so a healthy peer always answers in
	// time.
	pongWait   = 30 * time.Second
	pingPeriod = 27 * time.Second
)

// handleWebSocket admits, upgrades and attaches a peer to its session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ip := clientIP(r)

	if s.shuttingDown.Load() {
		monitoring.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.Allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limit").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if ok, reason := s.guard.ShouldAccept(); !ok {
		monitoring.ConnectionsRejected.WithLabelValues("resources").Inc()
		s.logger.Warn().
			Str("client_ip", ip).
			Str("session_id", sessionID).
			Str("reason", reason).
			Msg("connection rejected by resource guard")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Debug().Err(err).Str("client_ip", ip).Msg("websocket upgrade failed")
		return
	}

	s.guard.ConnectionOpened()
	monitoring.ConnectionsTotal.Inc()
	s.trackConn(conn)

	peer, err := s.registry.Connect(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionFull) {
			monitoring.ConnectionsRejected.WithLabelValues("session_full").Inc()
			frame, _ := (&protocol.ServerMessage{
				Type:    protocol.TypeError,
				Code:    protocol.CodeSessionFull,
				Message: "session already has the maximum number of players",
			}).Encode()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsutil.WriteServerMessage(conn, ws.OpText, frame)
		} else {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("peer attach failed")
		}
		s.closeConn(conn)
		return
	}

	s.logger.Info().
		Str("client_ip", ip).
		Str("session_id", sessionID).
		Str("player_id", peer.ID).
		Int64("current_connections", s.guard.CurrentConnections()).
		Msg("peer connected")

	go s.writePump(conn, peer, sessionID)
	go s.readPump(conn, peer, sessionID)
}

func (s *Server) closeConn(conn net.Conn) {
	s.untrackConn(conn)
	s.guard.ConnectionClosed()
	_ = conn.Close()
}

// readPump reads frames until the peer goes away. Text "ping" frames are a
// transport-level keepalive answered inline; everything else goes through
// the session actor.
func (s *Server) readPump(conn net.Conn, peer *session.Peer, sessionID string) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"session_id": sessionID,
		"player_id":  peer.ID,
	})
	defer func() {
		peer.Close()
		s.closeConn(conn)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			s.logger.Debug().Err(err).Str("player_id", peer.ID).Msg("read ended")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if string(msg) == "ping" {
				select {
				case peer.Send <- []byte("pong"):
				default:
				}
				continue
			}
			peer.Deliver(msg)
		case ws.OpClose:
			return
		default:
			// Pongs and other control frames only refresh the deadline.
		}
	}
}

// writePump drains the peer's send channel, batching queued frames into one
// flush, and keeps the connection alive with protocol pings.
func (s *Server) writePump(conn net.Conn, peer *session.Peer, sessionID string) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"session_id": sessionID,
		"player_id":  peer.ID,
	})

	writer := bufio.NewWriter(conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-peer.Send:
			if !ok {
				// Actor detached this peer (disconnect or slow-client drop).
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Str("player_id", peer.ID).Msg("write failed")
				return
			}
			// Batch whatever else is already queued before flushing.
			n := len(peer.Send)
			for i := 0; i < n; i++ {
				message, ok = <-peer.Send
				if !ok {
					break
				}
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Str("player_id", peer.ID).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("player_id", peer.ID).Msg("flush failed")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("player_id", peer.ID).Msg("ping failed")
				return
			}
		}
	}
}
