package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/proto"
	"github.com/pion/webrtc/v4"
)

// earlyICELimit bounds candidates buffered for a peer whose callRequest
// has not arrived yet (iceCandidate racing ahead of it). The lossless
// ordering guarantee starts once a session owns the queue; this staging
// area stays bounded so unknown peers cannot grow memory.
const earlyICELimit = 64

// IncomingCall is handed to the registered handler when a peer rings.
// Media is not acquired until Accept, so no device prompt happens before
// user consent.
type IncomingCall struct {
	Peer     string
	CallType string
	Accept   func() error
	Decline  func()
}

// Negotiator owns the single active call session and routes signaling
// events to it. It enforces the one-call-at-a-time invariant.
type Negotiator struct {
	selfID      string
	sig         Signaler
	media       MediaEngine
	ringTimeout time.Duration

	mu      sync.Mutex
	session *Session

	// earlyICE buffers candidates that arrive before the callRequest
	// they belong to; ordering guarantees hold only per event name, so
	// this race is normal.
	earlyICE map[string][]webrtc.ICECandidateInit

	onIncoming func(*IncomingCall)
	onState    func(peer string, st State)
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithRingTimeout ends an unanswered ringing call after d. Zero keeps the
// default: ringing is human-paced and never expires on its own.
func WithRingTimeout(d time.Duration) Option {
	return func(n *Negotiator) { n.ringTimeout = d }
}

// WithStateHandler registers the observer for session state changes.
func WithStateHandler(fn func(peer string, st State)) Option {
	return func(n *Negotiator) { n.onState = fn }
}

// NewNegotiator creates a negotiator for selfID.
func NewNegotiator(selfID string, sig Signaler, media MediaEngine, opts ...Option) *Negotiator {
	n := &Negotiator{
		selfID:   selfID,
		sig:      sig,
		media:    media,
		earlyICE: make(map[string][]webrtc.ICECandidateInit),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OnIncoming registers the single incoming-call handler.
func (n *Negotiator) OnIncoming(fn func(*IncomingCall)) {
	n.mu.Lock()
	n.onIncoming = fn
	n.mu.Unlock()
}

// Active returns the live session status, if any.
func (n *Negotiator) Active() (SessionStatus, bool) {
	s := n.current()
	if s == nil {
		return SessionStatus{}, false
	}
	return s.Status(), true
}

// current returns the non-terminal session or nil.
func (n *Negotiator) current() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session != nil && !n.session.State().Terminal() {
		return n.session
	}
	return nil
}

// StartCall rings peer with the given media kind. Media must be acquired
// before any signaling goes out; an acquisition failure releases whatever
// was partially captured and emits nothing.
func (n *Negotiator) StartCall(peer, callType string) error {
	n.mu.Lock()
	if n.session != nil && !n.session.State().Terminal() {
		n.mu.Unlock()
		return ErrCallInProgress
	}
	n.mu.Unlock()

	pc, releaseMedia, err := n.media.Acquire(callType)
	if err != nil {
		if releaseMedia != nil {
			releaseMedia()
		}
		log.Warnf("media acquisition for %s call failed: %v", callType, err)
		return err
	}

	s := n.install(peer, DirectionOutgoing, callType)
	if s == nil {
		// Lost the race to an inbound call; give the media back.
		if releaseMedia != nil {
			releaseMedia()
		}
		pc.Close()
		return ErrCallInProgress
	}

	if err := s.startOutgoing(pc, releaseMedia); err != nil {
		return err
	}
	n.armRingTimer(s)
	return nil
}

// install creates and registers the one live session, or returns nil if
// another is already live.
func (n *Negotiator) install(peer string, dir Direction, callType string) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session != nil && !n.session.State().Terminal() {
		return nil
	}
	s := &Session{
		peer:      peer,
		direction: dir,
		callType:  callType,
		sig:       n.sig,
		state:     StateIdle,
		onEnd:     n.sessionEnded,
		onChange:  n.sessionChanged,
	}
	n.session = s

	// Candidates that outran the callRequest belong to this session now.
	if buffered := n.earlyICE[peer]; len(buffered) > 0 {
		delete(n.earlyICE, peer)
		s.enqueueCandidates(buffered)
	}
	return s
}

func (n *Negotiator) sessionEnded(s *Session, _ State) {
	n.mu.Lock()
	if n.session == s {
		n.session = nil
	}
	delete(n.earlyICE, s.peer)
	n.mu.Unlock()
}

func (n *Negotiator) sessionChanged(s *Session, st State) {
	n.mu.Lock()
	notify := n.onState
	n.mu.Unlock()
	if notify != nil {
		notify(s.peer, st)
	}
}

// Hangup ends the current call, if any. Safe to call at any time.
func (n *Negotiator) Hangup() {
	if s := n.current(); s != nil {
		s.hangup()
	}
}

// HandlePresence reacts to a presence snapshot: an established call whose
// peer dropped off the signaling channel is torn down like any transport
// failure. Ringing sessions are left alone — an offline callee just never
// answers, and a snapshot race must not kill a fresh ring.
func (n *Negotiator) HandlePresence(online []string) {
	s := n.current()
	if s == nil {
		return
	}
	if st := s.State(); st != StateConnecting && st != StateActive {
		return
	}
	for _, id := range online {
		if id == s.peer {
			return
		}
	}
	log.Infof("peer %s left the signaling channel", s.peer)
	s.failTransport()
}

// HandleEvent routes one signaling envelope. Unknown or stale events are
// logged and dropped.
func (n *Negotiator) HandleEvent(env *proto.Envelope) {
	switch env.Event {
	case proto.EventCallRequest:
		var req proto.CallRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			log.Warnf("bad callRequest from %s: %v", env.From, err)
			return
		}
		n.handleCallRequest(env.From, req)

	case proto.EventCallAccepted:
		var acc proto.CallAccepted
		if err := json.Unmarshal(env.Payload, &acc); err != nil {
			log.Warnf("bad callAccepted from %s: %v", env.From, err)
			return
		}
		if s := n.sessionFor(env.From); s != nil {
			if err := s.handleAccepted(toSessionDescription(acc.Answer)); err != nil {
				log.Warnf("apply answer from %s: %v", env.From, err)
			}
		}

	case proto.EventCallRejected:
		if s := n.sessionFor(env.From); s != nil {
			s.handleRejected()
		}

	case proto.EventIceCandidate:
		var pay proto.IceCandidatePayload
		if err := json.Unmarshal(env.Payload, &pay); err != nil {
			log.Warnf("bad iceCandidate from %s: %v", env.From, err)
			return
		}
		n.handleCandidate(env.From, toCandidateInit(pay.Candidate))

	case proto.EventEndCall:
		if s := n.sessionFor(env.From); s != nil {
			s.handleRemoteEnd()
		} else {
			// Stale end for a call we no longer track; forget any
			// buffered candidates along with it.
			n.mu.Lock()
			delete(n.earlyICE, env.From)
			n.mu.Unlock()
		}
	}
}

func (n *Negotiator) handleCallRequest(from string, req proto.CallRequest) {
	offer := toSessionDescription(req.Offer)

	s := n.install(from, DirectionIncoming, req.CallType)
	if s == nil {
		// Delivery is at-least-once: a request redelivered for the call
		// we already track is dropped, not answered. A rejection here
		// would land on the live peer and kill the established call.
		if n.sessionFor(from) != nil {
			log.Debugf("duplicate callRequest from %s, dropping", from)
			return
		}
		// Busy with someone else: exactly one call at a time. Decline
		// without disturbing the live session.
		log.Infof("rejecting call from %s: busy", from)
		_ = n.sig.Send(proto.EventCallRejected, from, nil)
		return
	}

	s.mu.Lock()
	s.remoteOffer = &offer
	s.state = StateIncomingRinging
	s.mu.Unlock()
	n.sessionChanged(s, StateIncomingRinging)
	n.armRingTimer(s)
	log.Infof("incoming %s call from %s", req.CallType, from)

	n.mu.Lock()
	handler := n.onIncoming
	n.mu.Unlock()
	if handler == nil {
		return
	}
	handler(&IncomingCall{
		Peer:     from,
		CallType: req.CallType,
		Accept:   func() error { return n.accept(s) },
		Decline:  s.decline,
	})
}

// accept acquires media for an incoming call and completes negotiation.
// Acquisition may finish after a racing teardown; Session.accept releases
// the media immediately in that case instead of attaching it.
func (n *Negotiator) accept(s *Session) error {
	pc, releaseMedia, err := n.media.Acquire(s.callType)
	if err != nil {
		if releaseMedia != nil {
			releaseMedia()
		}
		log.Warnf("media acquisition for call from %s failed: %v", s.peer, err)
		s.fail()
		return err
	}
	return s.accept(pc, releaseMedia)
}

func (n *Negotiator) handleCandidate(from string, c webrtc.ICECandidateInit) {
	if s := n.sessionFor(from); s != nil {
		s.addCandidate(c)
		return
	}

	// No session yet — the candidate outran its callRequest. Buffer it;
	// candidates are never dropped for ordering reasons.
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.earlyICE[from]) >= earlyICELimit {
		log.Warnf("early candidate buffer for %s full, dropping", from)
		return
	}
	n.earlyICE[from] = append(n.earlyICE[from], c)
}

// sessionFor returns the live session if it belongs to peer.
func (n *Negotiator) sessionFor(peer string) *Session {
	s := n.current()
	if s == nil || s.peer != peer {
		return nil
	}
	return s
}

func (n *Negotiator) armRingTimer(s *Session) {
	if n.ringTimeout <= 0 {
		return
	}
	time.AfterFunc(n.ringTimeout, func() {
		st := s.State()
		if st == StateOutgoingRinging || st == StateIncomingRinging {
			log.Infof("ring timeout for call with %s", s.peer)
			s.hangup()
		}
	})
}

func toSessionDescription(sd proto.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	}
}

func toCandidateInit(c proto.IceCandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
