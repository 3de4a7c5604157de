package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/parley-im/parley/internal/proto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Identity is attested by an outer auth layer; origin policy is its
	// concern as well.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is one client connection. Outbound traffic goes through the
// buffered send channel so the single writePump goroutine owns the
// socket; per-connection FIFO delivery is what preserves per-event-type
// ordering from a single sender.
type wsConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// trySend queues data without blocking; a full buffer drops the frame
// (clients self-heal via snapshots and reloads).
func (c *wsConn) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsConn) close() {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hub shutdown"), deadline)
	_ = c.conn.Close()
}

// handleWebSocket upgrades the connection and runs the pumps. The user
// id arrives in the query string; by the time the request reaches the
// hub it has been verified upstream.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	if h.userConnCount[userID] >= h.maxConnsPerUser {
		h.mu.Unlock()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	h.userConnCount[userID]++
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		h.mu.Lock()
		h.decUserConnLocked(userID)
		h.mu.Unlock()
		return
	}

	c := &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	log.Infof("connected user=%s conn=%s", userID, c.id)

	// Presence registration broadcasts the new snapshot to everyone,
	// including this connection once its writePump is running.
	go h.writePump(c)
	h.presence.Register(userID, c.id)
	h.readPump(c)
}

func (h *Hub) decUserConnLocked(userID string) {
	h.userConnCount[userID]--
	if h.userConnCount[userID] <= 0 {
		delete(h.userConnCount, userID)
	}
}

func (h *Hub) readPump(c *wsConn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.decUserConnLocked(c.userID)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
		h.presence.Unregister(c.userID, c.id)
		log.Infof("disconnected user=%s conn=%s", c.userID, c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("bad envelope from %s: %v", c.userID, err)
			continue
		}
		if env.Event == "" || env.To == "" {
			continue
		}

		// Never trust the client-supplied sender.
		env.From = c.userID

		switch env.Event {
		case proto.EventCallRequest, proto.EventCallAccepted, proto.EventCallRejected,
			proto.EventIceCandidate, proto.EventEndCall:
			h.route(&env)
		default:
			// Message mutations go through the REST API, which owns
			// persistence; a raw envelope for them is a client bug.
			log.Warnf("unroutable event %q from %s", env.Event, c.userID)
		}
	}
}

func (h *Hub) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
