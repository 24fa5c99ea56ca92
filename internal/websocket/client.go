// Package websocket is the persistent-channel transport: it dials the chat
// server, carries JSON text frames and keeps the connection alive.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/johndosdos/ticketchat/internal/chat"
)

// readLimit caps a single inbound frame.
const readLimit = 1 << 20

// Dialer opens connections to the persistent-channel address.
type Dialer struct {
	URL          string
	Token        string
	HTTPClient   *http.Client
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Conn is one websocket connection. Read must be called from a single
// goroutine; Write and Close may be called concurrently with it.
type Conn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a connection and, if PingInterval is set, starts its
// keepalive.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{},
	}
	if d.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(readLimit)

	c := &Conn{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	if d.PingInterval > 0 {
		go c.keepalive(d.PingInterval)
	}

	return c, nil
}

// Read returns the next text frame. Binary frames are skipped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, p, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != -1 {
				c.logger.WarnContext(ctx, "websocket closed by server",
					"status", status.String(),
					"error", err)
			}
			return nil, err
		}

		// The protocol only uses text frames.
		if msgType != websocket.MessageText {
			continue
		}
		return p, nil
	}
}

func (c *Conn) Write(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, p)
}

// Close performs a normal closure. The server treats it as the client
// leaving on purpose.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close(websocket.StatusNormalClosure, "room closed")
	})
	return err
}

// keepalive pings the server every interval. Firewalls and proxies drop
// idle connections silently, so a failed ping tears the socket down and
// the pending Read reports the loss.
func (c *Conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				select {
				case <-c.done:
					return
				default:
				}
				c.logger.Warn("failed to send ping signal", "error", err)
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

// RoomDialer adapts d to the dialer a chat room expects.
func RoomDialer(d *Dialer) chat.Dialer {
	return chat.DialFunc(func(ctx context.Context) (chat.Conn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
