package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/parley-im/parley/internal/msgsync"
	"github.com/parley-im/parley/internal/proto"
)

// Store talks to the hub's REST surface on behalf of one user. It
// implements msgsync.Store.
type Store struct {
	base   string
	userID string
	http   *http.Client
}

// NewStore creates a REST store client bound to userID.
func NewStore(hubURL, userID string) *Store {
	return &Store{
		base:   hubURL,
		userID: userID,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *Store) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, s.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", s.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListMessages implements msgsync.Store.
func (s *Store) ListMessages(conv proto.ConvRef) ([]*proto.Message, error) {
	q := url.Values{}
	if conv.IsGroup() {
		q.Set("group", conv.Group)
	} else {
		q.Set("peer", conv.Peer)
	}
	var msgs []*proto.Message
	if err := s.do(http.MethodGet, "/api/messages?"+q.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateMessage implements msgsync.Store.
func (s *Store) CreateMessage(conv proto.ConvRef, payload msgsync.SendPayload) (*proto.Message, error) {
	req := struct {
		Peer     string `json:"peer,omitempty"`
		Group    string `json:"group,omitempty"`
		Text     string `json:"text,omitempty"`
		ImageURL string `json:"imageUrl,omitempty"`
		AudioURL string `json:"audioUrl,omitempty"`
	}{conv.Peer, conv.Group, payload.Text, payload.ImageURL, payload.AudioURL}

	var msg proto.Message
	if err := s.do(http.MethodPost, "/api/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkSeen implements msgsync.Store.
func (s *Store) MarkSeen(messageIDs []string) error {
	req := struct {
		MessageIDs []string `json:"messageIds"`
	}{messageIDs}
	return s.do(http.MethodPost, "/api/messages/seen", req, nil)
}

// EditMessage implements msgsync.Store.
func (s *Store) EditMessage(messageID, text string) (*proto.Message, error) {
	req := struct {
		MessageID string `json:"messageId"`
		Text      string `json:"text"`
	}{messageID, text}

	var msg proto.Message
	if err := s.do(http.MethodPost, "/api/messages/edit", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage implements msgsync.Store.
func (s *Store) DeleteMessage(messageID, scope string) error {
	req := struct {
		MessageID string `json:"messageId"`
		Scope     string `json:"scope"`
	}{messageID, scope}
	return s.do(http.MethodPost, "/api/messages/delete", req, nil)
}

// SetStarred implements msgsync.Store.
func (s *Store) SetStarred(messageID string, starred bool) error {
	req := struct {
		MessageID string `json:"messageId"`
		Starred   bool   `json:"starred"`
	}{messageID, starred}
	return s.do(http.MethodPost, "/api/messages/star", req, nil)
}

// ListStarred fetches the caller's starred ids, for seeding the local set
// at startup.
func (s *Store) ListStarred() ([]string, error) {
	var resp struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := s.do(http.MethodGet, "/api/messages/starred", nil, &resp); err != nil {
		return nil, err
	}
	return resp.MessageIDs, nil
}

// Online fetches the current presence snapshot.
func (s *Store) Online() ([]string, error) {
	var resp proto.OnlineUsers
	if err := s.do(http.MethodGet, "/api/online", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// CreateGroup creates a group with the caller as first member.
func (s *Store) CreateGroup(name string) (string, error) {
	req := struct {
		Name string `json:"name"`
	}{name}
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.do(http.MethodPost, "/api/groups", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AddGroupMember adds userID to a group.
func (s *Store) AddGroupMember(groupID, userID string) error {
	req := struct {
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
		Action  string `json:"action"`
	}{groupID, userID, "add"}
	return s.do(http.MethodPost, "/api/groups/members", req, nil)
}

// AddFriend records a friendship edge.
func (s *Store) AddFriend(userID string) error {
	req := struct {
		UserID string `json:"userId"`
	}{userID}
	return s.do(http.MethodPost, "/api/friends", req, nil)
}
