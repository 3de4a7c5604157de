// Package call drives the call-negotiation state machine: offer/answer
// and ICE exchange over the signaling channel, local media lifecycle and
// teardown. It talks to the rest of the system only through the Signaler
// and MediaEngine interfaces.
package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrCallInProgress rejects a second call while one is active.
	ErrCallInProgress = errors.New("call: a call is already in progress")

	// ErrBadState rejects an operation invalid for the current state.
	ErrBadState = errors.New("call: operation not valid in current state")
)

// State is the call session lifecycle. Ended, Rejected and Failed are
// terminal.
type State int

const (
	StateIdle State = iota
	StateOutgoingRinging
	StateIncomingRinging
	StateConnecting
	StateActive
	StateEnded
	StateRejected
	StateFailed
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingRinging:
		return "incoming-ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Direction distinguishes caller from callee.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Signaler is the only surface the call package needs from the signaling
// layer: fire one named event at one peer.
type Signaler interface {
	Send(event, to string, payload any) error
}

// PeerConn is the slice of *webrtc.PeerConnection the session drives.
// Narrowed to an interface so the state machine is testable without
// opening network sockets.
type PeerConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// MediaEngine acquires local media of the requested kind and returns the
// peer connection with local tracks attached, plus a release func for the
// captured devices (may be nil when capture fell back to receive-only).
type MediaEngine interface {
	Acquire(callType string) (PeerConn, func(), error)
}

// SessionStatus is a point-in-time snapshot for the debug surface.
type SessionStatus struct {
	Peer       string    `json:"peer"`
	Direction  Direction `json:"direction"`
	CallType   string    `json:"call_type"`
	State      string    `json:"state"`
	PendingICE int       `json:"pending_ice"`
	RTPPackets uint64    `json:"rtp_packets"`
}
