// Package msgsync keeps a client's view of conversations consistent:
// the in-memory ordered message list for the open conversation, unread
// counters for the rest, seen/delivery receipts, and edit/delete
// propagation. Remote mutations may arrive out of order and more than
// once; application is idempotent and commutative so every arrival order
// converges.
package msgsync

import (
	"encoding/json"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/parley-im/parley/internal/proto"
)

var log = logging.Logger("msgsync")

// ErrNoConversation is returned by Send when no conversation is open.
var ErrNoConversation = errors.New("msgsync: no open conversation")

// Store is the conversation CRUD surface as seen by one client; the
// caller's identity is bound by the implementation. Only MarkSeen is
// idempotent at the store layer.
type Store interface {
	ListMessages(conv proto.ConvRef) ([]*proto.Message, error)
	CreateMessage(conv proto.ConvRef, payload SendPayload) (*proto.Message, error)
	MarkSeen(messageIDs []string) error
	EditMessage(messageID, text string) (*proto.Message, error)
	DeleteMessage(messageID, scope string) error
	SetStarred(messageID string, starred bool) error
}

// SendPayload is one outgoing message; exactly one field should be set.
type SendPayload struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`
}

// Synchronizer is the per-client message state machine.
type Synchronizer struct {
	selfID string
	store  Store

	mu       sync.Mutex
	open     proto.ConvRef
	messages []*proto.Message

	// unread maps conversation key (peer or group id) to count for
	// conversations that are not currently open.
	unread map[string]int

	// recentIDs remembers message ids already delivered, so at-least-once
	// redelivery cannot double-count unread. Bounded FIFO; an id aged out
	// here is reconciled by the next LoadConversation anyway.
	recentIDs   map[string]struct{}
	recentOrder []string

	// starred is a client-local derived set, synced through explicit
	// store acknowledgements; it takes no part in ordering or delivery.
	starred map[string]struct{}

	listeners []chan struct{}
}

// recentIDLimit caps the redelivery-dedupe window.
const recentIDLimit = 512

// New creates a synchronizer for selfID.
func New(selfID string, store Store) *Synchronizer {
	return &Synchronizer{
		selfID:    selfID,
		store:     store,
		unread:    make(map[string]int),
		starred:   make(map[string]struct{}),
		recentIDs: make(map[string]struct{}),
	}
}

// convKey names the conversation a message belongs to from this client's
// perspective: the group id, or the other party of a 1:1.
func (s *Synchronizer) convKey(m *proto.Message) string {
	if m.Conv.IsGroup() {
		return m.Conv.Group
	}
	if m.SenderID == s.selfID {
		return m.Conv.Peer
	}
	return m.SenderID
}

func keyOf(conv proto.ConvRef) string {
	if conv.IsGroup() {
		return conv.Group
	}
	return conv.Peer
}

// LoadConversation replaces the in-memory list with server truth and
// clears the conversation's unread counter. Inbound messages not yet
// acknowledged are marked seen locally and acknowledged fire-and-forget;
// a lost earlier ack reconciles here.
func (s *Synchronizer) LoadConversation(conv proto.ConvRef) ([]*proto.Message, error) {
	msgs, err := s.store.ListMessages(conv)
	if err != nil {
		return nil, err
	}

	var unseen []string
	for _, m := range msgs {
		if m.SenderID == s.selfID || m.Deleted() {
			continue
		}
		if conv.IsGroup() {
			seen := false
			for _, id := range m.SeenBy {
				if id == s.selfID {
					seen = true
					break
				}
			}
			if !seen {
				m.MarkSeenBy(s.selfID)
				unseen = append(unseen, m.ID)
			}
		} else if !m.Seen {
			m.Seen = true
			unseen = append(unseen, m.ID)
		}
	}

	s.mu.Lock()
	s.open = conv
	s.messages = msgs
	delete(s.unread, keyOf(conv))
	s.mu.Unlock()
	s.notify()

	if len(unseen) > 0 {
		go s.ackSeen(unseen)
	}
	return msgs, nil
}

// CloseConversation drops the open conversation; subsequent inbound
// messages count as unread again.
func (s *Synchronizer) CloseConversation() {
	s.mu.Lock()
	s.open = proto.ConvRef{}
	s.messages = nil
	s.mu.Unlock()
	s.notify()
}

// Send persists a message and appends the stored result. Nothing is
// added before the store confirms, so a failure leaves nothing to roll
// back — the caller surfaces the error and the user retries manually.
func (s *Synchronizer) Send(payload SendPayload) (*proto.Message, error) {
	s.mu.Lock()
	conv := s.open
	s.mu.Unlock()
	if conv.IsZero() {
		return nil, ErrNoConversation
	}

	msg, err := s.store.CreateMessage(conv, payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.open == conv {
		s.appendLocked(msg)
	}
	s.mu.Unlock()
	s.notify()
	return msg, nil
}

// Edit optimistically updates the local text and rolls back if the store
// rejects it, so the client never silently diverges from durable state.
func (s *Synchronizer) Edit(messageID, text string) error {
	s.mu.Lock()
	var prevText string
	var prevEdited bool
	target := s.findLocked(messageID)
	if target != nil {
		prevText, prevEdited = target.Text, target.Edited
		target.Text = text
		target.Edited = true
	}
	s.mu.Unlock()
	s.notify()

	if _, err := s.store.EditMessage(messageID, text); err != nil {
		s.mu.Lock()
		if target != nil && s.findLocked(messageID) == target {
			target.Text = prevText
			target.Edited = prevEdited
		}
		s.mu.Unlock()
		s.notify()
		return err
	}
	return nil
}

// Delete removes a message through the store, then locally. No local
// change happens on failure.
func (s *Synchronizer) Delete(messageID, scope string) error {
	if err := s.store.DeleteMessage(messageID, scope); err != nil {
		return err
	}
	s.mu.Lock()
	s.removeLocked(messageID)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Star and Unstar update the client-local star set only after the store
// acknowledges.
func (s *Synchronizer) Star(messageID string) error {
	if err := s.store.SetStarred(messageID, true); err != nil {
		return err
	}
	s.mu.Lock()
	s.starred[messageID] = struct{}{}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Synchronizer) Unstar(messageID string) error {
	if err := s.store.SetStarred(messageID, false); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.starred, messageID)
	s.mu.Unlock()
	s.notify()
	return nil
}

// SeedStars replaces the local star set, typically with server state
// fetched at startup.
func (s *Synchronizer) SeedStars(messageIDs []string) {
	s.mu.Lock()
	s.starred = make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		s.starred[id] = struct{}{}
	}
	s.mu.Unlock()
	s.notify()
}

// Starred reports whether a message is in the local star set.
func (s *Synchronizer) Starred(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.starred[messageID]
	return ok
}

// Messages returns a copy of the open conversation's list.
func (s *Synchronizer) Messages() []*proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proto.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Unread returns a copy of the unread index.
func (s *Synchronizer) Unread() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.unread))
	for k, v := range s.unread {
		out[k] = v
	}
	return out
}

// UnreadFor returns one conversation's unread count.
func (s *Synchronizer) UnreadFor(conv proto.ConvRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[keyOf(conv)]
}

// LatestSeenOutgoingID returns the id of the most recent outgoing 1:1
// message that has been seen. The "Seen" label hangs only there — older
// seen messages carry no redundant label.
func (s *Synchronizer) LatestSeenOutgoingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SenderID == s.selfID && m.Seen {
			return m.ID
		}
	}
	return ""
}

// SeenByCount returns the id of the most recent message this client sent
// in the open group conversation and how many others have seen it. The
// sender is never part of the count. ok is false when the client has no
// message to hang the indicator on.
func (s *Synchronizer) SeenByCount() (id string, n int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SenderID == s.selfID {
			return m.ID, m.SeenByOthers(), true
		}
	}
	return "", 0, false
}

// HandleEvent applies one remote mutation event.
func (s *Synchronizer) HandleEvent(env *proto.Envelope) {
	switch env.Event {
	case proto.EventNewMessage:
		var msg proto.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Warnf("bad newMessage: %v", err)
			return
		}
		s.handleNewMessage(&msg)

	case proto.EventMessagesSeen:
		var seen proto.MessagesSeen
		if err := json.Unmarshal(env.Payload, &seen); err != nil {
			log.Warnf("bad messagesSeen: %v", err)
			return
		}
		s.handleSeen(seen)

	case proto.EventMessageEdited:
		var msg proto.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Warnf("bad messageEdited: %v", err)
			return
		}
		s.handleEdited(&msg)

	case proto.EventMessageDeleted:
		var del proto.MessageDeleted
		if err := json.Unmarshal(env.Payload, &del); err != nil {
			log.Warnf("bad messageDeleted: %v", err)
			return
		}
		s.handleDeleted(del.MessageID)
	}
}

func (s *Synchronizer) handleNewMessage(msg *proto.Message) {
	key := s.convKey(msg)

	s.mu.Lock()
	fresh := s.rememberLocked(msg.ID)
	if !s.open.IsZero() && key == keyOf(s.open) {
		// Open conversation: seen immediately, then acknowledged
		// asynchronously. At-least-once delivery makes duplicates
		// normal; append is keyed by id.
		if msg.Conv.IsGroup() {
			msg.MarkSeenBy(s.selfID)
		} else {
			msg.Seen = true
		}
		added := s.appendLocked(msg)
		s.mu.Unlock()
		s.notify()
		if added {
			go s.ackSeen([]string{msg.ID})
		}
		return
	}
	if !fresh {
		// Redelivery of a message already counted (or already shown in a
		// conversation that has since closed).
		s.mu.Unlock()
		return
	}
	s.unread[key]++
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) handleSeen(seen proto.MessagesSeen) {
	s.mu.Lock()
	for _, id := range seen.MessageIDs {
		m := s.findLocked(id)
		if m == nil {
			continue
		}
		if m.Conv.IsGroup() {
			if seen.By != "" {
				m.MarkSeenBy(seen.By)
			}
		} else {
			m.Seen = true
		}
	}
	s.mu.Unlock()
	s.notify()
}

// handleEdited merges the edit in place. Re-applying the same edit is a
// no-op; an edit for a message already deleted stays deleted, which is
// what makes edit/delete commute.
func (s *Synchronizer) handleEdited(edit *proto.Message) {
	s.mu.Lock()
	if m := s.findLocked(edit.ID); m != nil {
		m.Text = edit.Text
		m.Edited = edit.Edited
	}
	s.mu.Unlock()
	s.notify()
}

// handleDeleted removes by id; removing an absent id is a no-op.
func (s *Synchronizer) handleDeleted(messageID string) {
	s.mu.Lock()
	s.removeLocked(messageID)
	delete(s.starred, messageID)
	s.mu.Unlock()
	s.notify()
}

// ackSeen is a fire-and-forget, idempotent signal. A failure is logged,
// never retried: local state stays seen, and the next LoadConversation
// reconciles with server truth.
func (s *Synchronizer) ackSeen(ids []string) {
	if err := s.store.MarkSeen(ids); err != nil {
		log.Warnf("seen acknowledgement failed (will reconcile on reload): %v", err)
	}
}

// rememberLocked records an id in the dedupe window. Reports whether the
// id was new.
func (s *Synchronizer) rememberLocked(id string) bool {
	if _, ok := s.recentIDs[id]; ok {
		return false
	}
	s.recentIDs[id] = struct{}{}
	s.recentOrder = append(s.recentOrder, id)
	if len(s.recentOrder) > recentIDLimit {
		oldest := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recentIDs, oldest)
	}
	return true
}

// appendLocked adds a message unless its id is already present. Reports
// whether it was added.
func (s *Synchronizer) appendLocked(msg *proto.Message) bool {
	if s.findLocked(msg.ID) != nil {
		return false
	}
	s.messages = append(s.messages, msg)
	return true
}

func (s *Synchronizer) findLocked(id string) *proto.Message {
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Synchronizer) removeLocked(id string) {
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel pulsed after every state change; UI layers
// re-render from the snapshot accessors. Slow consumers miss pulses, not
// state.
func (s *Synchronizer) Subscribe() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (s *Synchronizer) Unsubscribe(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Synchronizer) notify() {
	s.mu.Lock()
	listeners := make([]chan struct{}, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
