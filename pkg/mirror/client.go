package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"platforminit/pkg/gate"
	"platforminit/pkg/logx"
)

const writeTimeout = 5 * time.Second

// Client mirrors snapshots to an observer server over a websocket. The
// connection is opened on first use and re-dialed after any write error, so
// the hub's retries double as reconnects.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *logx.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient returns a client for a ws:// or wss:// url.
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		header: http.Header{},
		dialer: websocket.DefaultDialer,
		logger: logx.NewLogger("mirror/ws"),
	}
}

// Name implements Sink.
func (c *Client) Name() string {
	return "websocket " + c.url
}

// Send writes s as one JSON text message.
func (c *Client) Send(ctx context.Context, s gate.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.url, err)
		}
		c.conn = conn
		c.logger.Info("🔌 Connected to observer %s", c.url)
		go c.readLoop(conn)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(s); err != nil {
		_ = c.conn.Close()
		c.conn = nil
		return fmt.Errorf("write snapshot %s/%d: %w", s.MachineID, s.Seq, err)
	}
	return nil
}

// readLoop discards incoming messages so that pings and close frames are
// handled, and drops conn as soon as the server goes away.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				_ = conn.Close()
				c.conn = nil
				c.logger.Warn("Observer connection %s lost: %v", c.url, err)
			}
			c.mu.Unlock()
			return
		}
	}
}

// Connected reports whether a connection to the observer is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	writeErr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	closeErr := c.conn.Close()
	c.conn = nil
	if errors.Is(writeErr, websocket.ErrCloseSent) {
		writeErr = nil
	}
	return errors.Join(writeErr, closeErr)
}
