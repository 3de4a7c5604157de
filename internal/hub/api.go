package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/parley-im/parley/internal/proto"
	"github.com/parley-im/parley/internal/store"
)

// registerAPI installs the message CRUD surface. Mutations both persist
// through the store and fan out as hub→recipient signaling events.
func (h *Hub) registerAPI(mux *http.ServeMux) {
	// GET /api/messages?peer=P | ?group=G — server-truth conversation
	// fetch, ascending by creation time.
	handleGet(mux, "/api/messages", func(w http.ResponseWriter, r *http.Request) {
		user := requestUser(r)
		if user == "" {
			writeError(w, http.StatusBadRequest, "missing X-User-ID")
			return
		}
		conv := proto.ConvRef{
			Peer:  r.URL.Query().Get("peer"),
			Group: r.URL.Query().Get("group"),
		}
		if conv.IsZero() {
			writeError(w, http.StatusBadRequest, "missing peer or group")
			return
		}
		msgs, err := h.db.ListMessages(user, conv)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list messages: %v", err)
			return
		}
		writeJSON(w, msgs)
	})

	// POST /api/messages — create and deliver.
	handlePost(mux, "/api/messages", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer     string `json:"peer,omitempty"`
		Group    string `json:"group,omitempty"`
		Text     string `json:"text,omitempty"`
		ImageURL string `json:"imageUrl,omitempty"`
		AudioURL string `json:"audioUrl,omitempty"`
	}) {
		user := requestUser(r)
		if user == "" {
			writeError(w, http.StatusBadRequest, "missing X-User-ID")
			return
		}
		conv := proto.ConvRef{Peer: req.Peer, Group: req.Group}
		msg, err := h.db.CreateMessage(user, conv, store.NewMessage{
			Text: req.Text, ImageURL: req.ImageURL, AudioURL: req.AudioURL,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, "create message: %v", err)
			return
		}

		recipients, err := h.recipientsFor(msg)
		if err != nil {
			log.Warnf("recipients for %s: %v", msg.ID, err)
		}
		h.sendAll(proto.EventNewMessage, recipients, msg)
		writeJSON(w, msg)
	})

	// POST /api/messages/seen — idempotent seen acknowledgement. Senders
	// of the affected messages are notified so their clients can attach
	// the receipt.
	handlePost(mux, "/api/messages/seen", func(w http.ResponseWriter, r *http.Request, req struct {
		MessageIDs []string `json:"messageIds"`
	}) {
		user := requestUser(r)
		if user == "" {
			writeError(w, http.StatusBadRequest, "missing X-User-ID")
			return
		}
		if err := h.db.MarkSeen(user, req.MessageIDs); err != nil {
			writeError(w, http.StatusInternalServerError, "mark seen: %v", err)
			return
		}

		// Group the acknowledged ids by message sender.
		bySender := make(map[string][]string)
		for _, id := range req.MessageIDs {
			msg, err := h.db.GetMessage(id)
			if err != nil {
				continue
			}
			if msg.SenderID == user {
				continue
			}
			bySender[msg.SenderID] = append(bySender[msg.SenderID], id)
		}
		for sender, ids := range bySender {
			h.send(proto.EventMessagesSeen, sender, proto.MessagesSeen{MessageIDs: ids, By: user})
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/messages/edit — sender-only text edit.
	handlePost(mux, "/api/messages/edit", func(w http.ResponseWriter, r *http.Request, req struct {
		MessageID string `json:"messageId"`
		Text      string `json:"text"`
	}) {
		user := requestUser(r)
		msg, err := h.db.EditMessage(user, req.MessageID, req.Text)
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		if err == store.ErrNotSender {
			writeError(w, http.StatusForbidden, "not the sender")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "edit message: %v", err)
			return
		}

		recipients, _ := h.recipientsFor(msg)
		h.sendAll(proto.EventMessageEdited, recipients, msg)
		writeJSON(w, msg)
	})

	// POST /api/messages/delete — scope "me" hides for the caller only;
	// scope "everyone" blanks the payload and notifies recipients.
	handlePost(mux, "/api/messages/delete", func(w http.ResponseWriter, r *http.Request, req struct {
		MessageID string `json:"messageId"`
		Scope     string `json:"scope"`
	}) {
		user := requestUser(r)
		scope := store.DeleteScope(req.Scope)
		if scope != store.DeleteForEveryone {
			scope = store.DeleteForMe
		}
		msg, err := h.db.DeleteMessage(user, req.MessageID, scope)
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		if err == store.ErrNotSender {
			writeError(w, http.StatusForbidden, "not the sender")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "delete message: %v", err)
			return
		}

		payload := proto.MessageDeleted{MessageID: msg.ID}
		if scope == store.DeleteForEveryone {
			recipients, _ := h.recipientsFor(msg)
			h.sendAll(proto.EventMessageDeleted, recipients, payload)
		} else {
			// Keep the caller's other devices in sync.
			h.send(proto.EventMessageDeleted, user, payload)
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/messages/star — toggle the caller's star on a message.
	// Stars are private; no fan-out happens.
	handlePost(mux, "/api/messages/star", func(w http.ResponseWriter, r *http.Request, req struct {
		MessageID string `json:"messageId"`
		Starred   bool   `json:"starred"`
	}) {
		user := requestUser(r)
		if user == "" {
			writeError(w, http.StatusBadRequest, "missing X-User-ID")
			return
		}
		if err := h.db.SetStarred(user, req.MessageID, req.Starred); err != nil {
			if err == store.ErrNotFound {
				writeError(w, http.StatusNotFound, "message not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "star message: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/messages/starred — the caller's starred ids.
	handleGet(mux, "/api/messages/starred", func(w http.ResponseWriter, r *http.Request) {
		user := requestUser(r)
		if user == "" {
			writeError(w, http.StatusBadRequest, "missing X-User-ID")
			return
		}
		ids, err := h.db.ListStarred(user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list starred: %v", err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, map[string][]string{"messageIds": ids})
	})

	// POST /api/groups — create a group; the creator is the first member.
	handlePost(mux, "/api/groups", func(w http.ResponseWriter, r *http.Request, req struct {
		Name string `json:"name"`
	}) {
		user := requestUser(r)
		if user == "" || req.Name == "" {
			writeError(w, http.StatusBadRequest, "missing user or name")
			return
		}
		id := uuid.NewString()
		if err := h.db.CreateGroup(id, req.Name, user); err != nil {
			writeError(w, http.StatusInternalServerError, "create group: %v", err)
			return
		}
		writeJSON(w, map[string]string{"id": id, "name": req.Name})
	})

	// POST /api/groups/members — add or remove a member.
	handlePost(mux, "/api/groups/members", func(w http.ResponseWriter, r *http.Request, req struct {
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
		Action  string `json:"action"` // add|remove
	}) {
		var err error
		switch req.Action {
		case "remove":
			err = h.db.RemoveGroupMember(req.GroupID, req.UserID)
		default:
			err = h.db.AddGroupMember(req.GroupID, req.UserID)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "group members: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/friends — record a friendship edge.
	handlePost(mux, "/api/friends", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"userId"`
	}) {
		user := requestUser(r)
		if user == "" || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "missing user id")
			return
		}
		if err := h.db.AddFriend(user, req.UserID); err != nil {
			writeError(w, http.StatusInternalServerError, "add friend: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/online — current presence snapshot.
	handleGet(mux, "/api/online", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, proto.OnlineUsers{Users: h.presence.Snapshot()})
	})

	// GET /api/debug/events — recent signaling envelopes, oldest first.
	handleGet(mux, "/api/debug/events", func(w http.ResponseWriter, r *http.Request) {
		events := h.recent.Snapshot()
		writeJSON(w, map[string]any{
			"event_count": len(events),
			"events":      events,
		})
	})
}

// recipientsFor resolves delivery targets: the 1:1 peer, or all group
// members except the sender.
func (h *Hub) recipientsFor(msg *proto.Message) ([]string, error) {
	if !msg.Conv.IsGroup() {
		return []string{msg.Conv.Peer}, nil
	}
	members, err := h.db.GroupMembers(msg.Conv.Group)
	if err != nil {
		return nil, err
	}
	out := members[:0]
	for _, id := range members {
		if id != msg.SenderID {
			out = append(out, id)
		}
	}
	return out, nil
}
