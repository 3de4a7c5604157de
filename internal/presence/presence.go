// Package presence tracks which users are currently reachable through the
// signaling hub. State is purely in-memory: on hub restart everyone is
// offline until clients reconnect.
package presence

import (
	"sort"
	"sync"
)

// Tracker maintains the online set. A user may hold several connections
// (multiple devices); the user counts as online while at least one
// connection remains. Every membership change publishes a full ordered
// snapshot — never a diff — so a lost update self-heals on the next one.
type Tracker struct {
	mu        sync.Mutex
	conns     map[string]map[string]struct{} // userID -> set of connection ids
	listeners []chan []string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]map[string]struct{})}
}

// Register adds a connection for userID. Returns true when this made the
// user transition offline→online.
func (t *Tracker) Register(userID, connID string) bool {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		t.conns[userID] = set
	}
	set[connID] = struct{}{}
	cameOnline := !ok
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.publish(snapshot)
	return cameOnline
}

// Unregister drops a connection. Returns true when the user went fully
// offline (last connection removed).
func (t *Tracker) Unregister(userID, connID string) bool {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.conns, userID)
		}
	}
	wentOffline := ok && len(set) == 0
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.publish(snapshot)
	return wentOffline
}

// Online reports whether userID has at least one live connection.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[userID]
	return ok
}

// Snapshot returns the ordered online user list.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []string {
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe returns a channel receiving each snapshot published after the
// call. Slow consumers drop snapshots; the next broadcast replaces them.
func (t *Tracker) Subscribe() chan []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan []string, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (t *Tracker) Unsubscribe(ch chan []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Tracker) publish(snapshot []string) {
	t.mu.Lock()
	listeners := make([]chan []string, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
