// Package proto defines the named signaling events and JSON payloads that
// flow between the hub and connected clients. It is deliberately
// dependency-light so both sides can share it without dragging in Pion or
// the websocket transport.
package proto

import (
	"encoding/json"
	"time"
)

// Signaling event names. Delivery is at-least-once; per event name the
// hub preserves order from a single sender to a single receiver, but no
// ordering holds across distinct names or senders.
const (
	EventCallRequest    = "callRequest"
	EventCallAccepted   = "callAccepted"
	EventCallRejected   = "callRejected"
	EventIceCandidate   = "iceCandidate"
	EventEndCall        = "endCall"
	EventOnlineUsers    = "getOnlineUsers"
	EventNewMessage     = "newMessage"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
	EventMessagesSeen   = "messagesSeen"
)

// Call media kinds.
const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

// Envelope is one signaling event on the wire. To is the target user id;
// From is stamped by the hub from the authenticated connection and must
// not be trusted from the client.
type Envelope struct {
	Event   string          `json:"event"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// NewEnvelope marshals payload and wraps it for sending.
func NewEnvelope(event, to string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Event:   event,
		To:      to,
		Payload: raw,
		TS:      time.Now().UnixMilli(),
	}, nil
}

// SessionDescription carries an SDP offer or answer. Mirrors the Pion
// JSON shape so the payload round-trips through webrtc.SessionDescription
// unchanged.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// IceCandidate mirrors webrtc.ICECandidateInit.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallRequest is sent caller→callee to start ringing.
type CallRequest struct {
	Offer    SessionDescription `json:"offer"`
	CallType string             `json:"callType"` // voice|video
}

// CallAccepted is sent callee→caller with the SDP answer.
type CallAccepted struct {
	Answer SessionDescription `json:"answer"`
}

// IceCandidatePayload wraps one trickled candidate.
type IceCandidatePayload struct {
	Candidate IceCandidate `json:"candidate"`
}

// OnlineUsers is the full presence snapshot, hub→all. Clients replace
// prior state wholesale, so a lost broadcast self-heals on the next one.
type OnlineUsers struct {
	Users []string `json:"users"`
}

// MessagesSeen acknowledges that messages were displayed to a recipient.
type MessagesSeen struct {
	MessageIDs []string `json:"messageIds"`
	By         string   `json:"by,omitempty"`
}

// MessageDeleted notifies recipients that a message is gone for them.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}
