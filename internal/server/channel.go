package server

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/coinstash/remotedesk/internal/protocol"
)

// channelWriteTimeout bounds one control message write. A machine that
// cannot drain its socket this long is treated as gone.
const channelWriteTimeout = 10 * time.Second

// wsChannel adapts a websocket connection to the registry's control
// channel interface. Sends are serialized; the registry and the router
// may send concurrently.
type wsChannel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

// Send encodes v and writes it as one text frame.
func (c *wsChannel) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), channelWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close shuts the websocket down. Idempotent; the registry closes
// superseded channels while the read loop may be closing the same
// channel on error.
func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close(websocket.StatusNormalClosure, "")
}
