package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dhan-scalper/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
)

// Transport abstracts the market-data stream so the manager's reconnect and
// subscription logic can be exercised against a fake in tests.
type Transport interface {
	// Dial establishes a fresh connection. Safe to call again after a
	// connection drops.
	Dial(ctx context.Context) error
	// Send writes one subscription frame.
	Send(msg types.WSSubscribeMsg) error
	// Read blocks for the next tick packet. Returns an error when the
	// connection drops or the read deadline passes.
	Read() (types.WSTickPacket, error)
	Close() error
}

// wsTransport is the gorilla/websocket implementation. The read deadline is
// set per read from the heartbeat timeout, so a silent server surfaces as a
// read error within one window.
type wsTransport struct {
	url         string
	readTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport creates a websocket transport for the feed URL.
func NewWSTransport(url string, readTimeout time.Duration) Transport {
	return &wsTransport{url: url, readTimeout: readTimeout}
}

func (t *wsTransport) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) Send(msg types.WSSubscribeMsg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Read() (types.WSTickPacket, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return types.WSTickPacket{}, fmt.Errorf("websocket not connected")
	}

	if t.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	var pkt types.WSTickPacket
	if err := conn.ReadJSON(&pkt); err != nil {
		return types.WSTickPacket{}, fmt.Errorf("read: %w", err)
	}
	return pkt, nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
