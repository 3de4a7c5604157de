// Package hub is the signaling hub: one persistent websocket per
// connected client, a user-id → connection directory, directed event
// routing, presence broadcasting and the message CRUD API backed by the
// conversation store.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/presence"
	"github.com/parley-im/parley/internal/proto"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/util"
)

var log = logging.Logger("hub")

const recentEventLog = 256

// Hub routes signaling envelopes between connected clients and owns the
// presence tracker. Message mutations arrive over the REST API and fan
// out as hub→recipient events.
type Hub struct {
	db       *store.DB
	presence *presence.Tracker

	mu            sync.RWMutex
	clients       map[string]*wsConn // connID -> conn
	userConnCount map[string]int

	maxConnsPerUser int

	// recent keeps the last signaling envelopes for the debug endpoint.
	recent *util.Ring[*proto.Envelope]

	done chan struct{}
}

// New creates a hub backed by db.
func New(cfg config.Hub, db *store.DB) *Hub {
	h := &Hub{
		db:              db,
		presence:        presence.NewTracker(),
		clients:         make(map[string]*wsConn),
		userConnCount:   make(map[string]int),
		maxConnsPerUser: cfg.MaxConnsPerUser,
		recent:          util.NewRing[*proto.Envelope](recentEventLog),
		done:            make(chan struct{}),
	}
	go h.broadcastPresence()
	return h
}

// Presence exposes the tracker (read-only use).
func (h *Hub) Presence() *presence.Tracker { return h.presence }

// Register installs all hub routes on mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.handleWebSocket)
	h.registerAPI(mux)
}

// Close shuts the hub down and disconnects all clients.
func (h *Hub) Close() {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsConn)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// route delivers an envelope to every connection of env.To. A peer with
// no routable connection is a silent delivery gap — the hub generates no
// "unreachable" signal, by contract.
func (h *Hub) route(env *proto.Envelope) {
	h.recent.Append(env)

	data, err := json.Marshal(env)
	if err != nil {
		log.Warnf("marshal envelope %s: %v", env.Event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		if c.userID != env.To {
			continue
		}
		c.trySend(data)
		delivered++
	}
	if delivered == 0 {
		log.Debugf("no connection for %s, dropping %s from %s", env.To, env.Event, env.From)
	}
}

// send wraps payload in an envelope and routes it.
func (h *Hub) send(event, to string, payload any) {
	env, err := proto.NewEnvelope(event, to, payload)
	if err != nil {
		log.Warnf("build %s envelope: %v", event, err)
		return
	}
	h.route(env)
}

// sendAll delivers the same event to a set of users.
func (h *Hub) sendAll(event string, to []string, payload any) {
	for _, id := range to {
		h.send(event, id, payload)
	}
}

// broadcastPresence pushes every presence snapshot to all connections.
func (h *Hub) broadcastPresence() {
	ch := h.presence.Subscribe()
	defer h.presence.Unsubscribe(ch)

	for {
		select {
		case <-h.done:
			return
		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			env, err := proto.NewEnvelope(proto.EventOnlineUsers, "", proto.OnlineUsers{Users: snapshot})
			if err != nil {
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for _, c := range h.clients {
				c.trySend(data)
			}
			h.mu.RUnlock()
		}
	}
}

// Serve runs an HTTP server with the hub routes until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, bind string) error {
	mux := http.NewServeMux()
	h.Register(mux)

	srv := &http.Server{Addr: bind, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Infof("hub listening on %s", bind)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Close()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
