// Package store is the durable side of conversations: messages, group
// membership and the friend graph. The core consumes it through the
// narrow Conversations interface; the sqlite implementation lives in
// db.go. None of the operations are assumed idempotent by callers except
// MarkSeen.
package store

import (
	"errors"

	"github.com/parley-im/parley/internal/proto"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrNotSender = errors.New("store: only the sender may modify a message")
	ErrEmpty     = errors.New("store: message has no payload")
)

// DeleteScope selects who a deletion applies to.
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "me"
	DeleteForEveryone DeleteScope = "everyone"
)

// NewMessage is the payload for CreateMessage. Exactly one of Text,
// ImageURL, AudioURL should be set.
type NewMessage struct {
	Text     string
	ImageURL string
	AudioURL string
}

// Conversations is the CRUD surface the synchronization core depends on.
type Conversations interface {
	// ListMessages returns the conversation as seen by userID, ascending
	// by creation time, excluding messages deleted for that user.
	ListMessages(userID string, conv proto.ConvRef) ([]*proto.Message, error)

	// CreateMessage persists and returns the stored message, including
	// its server-assigned id and timestamp.
	CreateMessage(senderID string, conv proto.ConvRef, payload NewMessage) (*proto.Message, error)

	// MarkSeen records that userID has displayed the given messages.
	// Idempotent; a sender is never recorded as a viewer of its own
	// message.
	MarkSeen(userID string, messageIDs []string) error

	// EditMessage replaces the text of a message. Only the sender may
	// edit, and only text messages.
	EditMessage(senderID, messageID, text string) (*proto.Message, error)

	// DeleteMessage removes a message for userID only, or blanks the
	// payload for everyone when userID is the sender.
	DeleteMessage(userID, messageID string, scope DeleteScope) (*proto.Message, error)
}

// Stars persists each user's starred-message set. Stars are a private
// per-user annotation; they never affect ordering or delivery.
type Stars interface {
	SetStarred(userID, messageID string, starred bool) error
	ListStarred(userID string) ([]string, error)
}

// Membership answers who may exchange messages and calls. The hub trusts
// this when fanning out; the core itself never re-checks.
type Membership interface {
	GroupMembers(groupID string) ([]string, error)
	AddGroupMember(groupID, userID string) error
	RemoveGroupMember(groupID, userID string) error
	CreateGroup(id, name, createdBy string) error

	AddFriend(userID, friendID string) error
	AreFriends(userID, friendID string) (bool, error)
}
