package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/stepseq/stepseq/internal/monitoring"
)

// WSDialer connects engines to a stepseq server over WebSocket.
type WSDialer struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080".
	BaseURL string
	Logger  zerolog.Logger
}

type wsConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Dial opens the session's WebSocket endpoint and starts a reader goroutine
// feeding the returned channel. The channel closes when the connection
// dies.
func (d *WSDialer) Dial(ctx context.Context, sessionID string) (Conn, <-chan []byte, error) {
	url := fmt.Sprintf("%s/sessions/%s/ws", d.BaseURL, sessionID)
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}

	wc := &wsConn{conn: conn}
	inbound := make(chan []byte, 64)
	go func() {
		defer monitoring.RecoverPanic(d.Logger, "ws-client-reader", map[string]any{"session_id": sessionID})
		defer close(inbound)
		defer conn.Close()
		for {
			data, err := wsutil.ReadServerText(conn)
			if err != nil {
				return
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return wc, inbound, nil
}
