package proto

import (
	"encoding/json"
	"strings"
)

// ConvRef identifies a conversation: exactly one of Peer (1:1 by user id)
// or Group is set.
type ConvRef struct {
	Peer  string `json:"peerId,omitempty"`
	Group string `json:"groupId,omitempty"`
}

// IsGroup reports whether the ref names a group conversation.
func (c ConvRef) IsGroup() bool { return c.Group != "" }

// IsZero reports whether the ref names nothing.
func (c ConvRef) IsZero() bool { return c.Peer == "" && c.Group == "" }

// PeerConv and GroupConv are convenience constructors.
func PeerConv(userID string) ConvRef   { return ConvRef{Peer: userID} }
func GroupConv(groupID string) ConvRef { return ConvRef{Group: groupID} }

// Message is the wire and storage shape of one chat message. Exactly one
// of Text, ImageURL, AudioURL is the primary payload; all empty means the
// message was deleted for everyone.
type Message struct {
	ID       string  `json:"id"`
	SenderID string  `json:"senderId"`
	Conv     ConvRef `json:"conv"`

	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`

	CreatedAt int64 `json:"createdAt"` // unix millis
	Edited    bool  `json:"edited,omitempty"`

	// Seen is the 1:1 receipt; SeenBy is the group variant. Both are
	// monotonic: they only grow until the message is fully deleted.
	Seen   bool     `json:"seen,omitempty"`
	SeenBy []string `json:"seenBy,omitempty"`

	// DeletedFor lists users the message is soft-deleted for.
	DeletedFor []string `json:"deletedFor,omitempty"`
}

// Deleted reports whether the message has no primary payload left.
func (m *Message) Deleted() bool {
	return m.Text == "" && m.ImageURL == "" && m.AudioURL == ""
}

// SeenByOthers counts distinct viewers excluding the sender. A sender is
// never counted in its own message's "seen by" view.
func (m *Message) SeenByOthers() int {
	n := 0
	for _, id := range m.SeenBy {
		if id != m.SenderID {
			n++
		}
	}
	return n
}

// MarkSeenBy records a group viewer, preserving monotonic growth and
// first-seen order. Safe to call repeatedly.
func (m *Message) MarkSeenBy(userID string) {
	for _, id := range m.SeenBy {
		if id == userID {
			return
		}
	}
	m.SeenBy = append(m.SeenBy, userID)
}

// UserRef is the canonical identity value used everywhere inside the
// core. Upstream payloads are sloppy about shape — sometimes a bare id
// string, sometimes a populated object — so they are normalized into
// this type once, at the boundary.
type UserRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// NormalizeUserRef accepts either a JSON string id or an object with an
// id/_id field and returns the canonical ref. Unknown shapes yield a
// zero ref rather than an error; callers treat a missing id as absent.
func NormalizeUserRef(raw json.RawMessage) UserRef {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return UserRef{}
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return UserRef{ID: id}
	}

	var obj struct {
		ID          string `json:"id"`
		AltID       string `json:"_id"`
		DisplayName string `json:"displayName"`
		Username    string `json:"username"`
		AvatarRef   string `json:"avatarRef"`
		Avatar      string `json:"avatar"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return UserRef{}
	}

	ref := UserRef{ID: obj.ID, DisplayName: obj.DisplayName, AvatarRef: obj.AvatarRef}
	if ref.ID == "" {
		ref.ID = obj.AltID
	}
	if ref.DisplayName == "" {
		ref.DisplayName = obj.Username
	}
	if ref.AvatarRef == "" {
		ref.AvatarRef = obj.Avatar
	}
	return ref
}
