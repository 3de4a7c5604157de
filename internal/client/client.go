// Package client is the hub-facing side of a peer: a websocket signaling
// connection with a typed event bus, and an HTTP client for the message
// CRUD surface. The call negotiator and the message synchronizer both
// hang off the bus.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/parley-im/parley/internal/proto"
)

var log = logging.Logger("client")

const writeWait = 10 * time.Second

// Client is one user's signaling connection. Send may be called from any
// goroutine; event handlers run on the read loop, one event at a time,
// preserving per-event-name arrival order.
type Client struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func(*proto.Envelope)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub's websocket endpoint as userID. hubURL is the
// hub base, e.g. "http://localhost:8090".
func Dial(ctx context.Context, hubURL, userID string) (*Client, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"user": {userID}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	c := &Client{
		userID:   userID,
		conn:     conn,
		handlers: make(map[string]func(*proto.Envelope)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	log.Infof("connected to hub %s as %s", hubURL, userID)
	return c, nil
}

// UserID returns the identity this connection was dialed with.
func (c *Client) UserID() string { return c.userID }

// Handle registers the handler for one event name. Exactly one handler
// per event; a second registration is a wiring bug and returns an error
// instead of silently replacing the first.
func (c *Client) Handle(event string, fn func(*proto.Envelope)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[event]; exists {
		return fmt.Errorf("client: handler for %q already registered", event)
	}
	c.handlers[event] = fn
	return nil
}

// Send marshals and delivers one signaling event to the hub. It satisfies
// the negotiator's signaler dependency.
func (c *Client) Send(event, to string, payload any) error {
	env, err := proto.NewEnvelope(event, to, payload)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("client: connection closed")
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Done is closed when the connection is gone, whether by Close or by a
// read failure.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warnf("read: %v", err)
			}
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			log.Warnf("bad envelope: %v", err)
			continue
		}

		c.mu.Lock()
		handler := c.handlers[env.Event]
		c.mu.Unlock()
		if handler == nil {
			log.Debugf("no handler for event %q", env.Event)
			continue
		}
		handler(&env)
	}
}
