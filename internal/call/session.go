package call

import (
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/parley-im/parley/internal/proto"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("call")

// Session is one call attempt with one peer. It exists from ringing until
// a terminal state; at most one non-terminal Session exists per endpoint
// (enforced by the Negotiator).
type Session struct {
	peer      string
	direction Direction
	callType  string
	sig       Signaler

	mu           sync.Mutex
	state        State
	pc           PeerConn
	releaseMedia func()

	// pendingICE holds remote candidates that arrived before the remote
	// description was set. Drained in arrival order; never dropped while
	// the session is live.
	pendingICE []webrtc.ICECandidateInit

	// remoteOffer is the stored inbound offer; media acquisition and
	// answer generation are deferred until the user accepts.
	remoteOffer *webrtc.SessionDescription

	rtpPackets atomic.Uint64
	onEnd      func(*Session, State)
	onChange   func(*Session, State)
}

// Peer returns the remote user id.
func (s *Session) Peer() string { return s.peer }

// Direction returns who initiated the call.
func (s *Session) Direction() Direction { return s.direction }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for the debug surface.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Peer:       s.peer,
		Direction:  s.direction,
		CallType:   s.callType,
		State:      s.state.String(),
		PendingICE: len(s.pendingICE),
		RTPPackets: s.rtpPackets.Load(),
	}
}

// startOutgoing attaches the already-acquired media, generates the offer
// and rings the peer. On failure the session fails terminally with all
// media released and nothing emitted on the signaling channel.
func (s *Session) startOutgoing(pc PeerConn, releaseMedia func()) error {
	s.mu.Lock()
	s.pc = pc
	s.releaseMedia = releaseMedia
	s.mu.Unlock()
	s.bindPC(pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.fail()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.fail()
		return err
	}

	if err := s.sig.Send(proto.EventCallRequest, s.peer, proto.CallRequest{
		Offer:    proto.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
		CallType: s.callType,
	}); err != nil {
		s.fail()
		return err
	}

	s.setState(StateOutgoingRinging)
	log.Infof("ringing %s (%s)", s.peer, s.callType)
	return nil
}

// accept moves an incoming session to connecting: remote description from
// the stored offer, queued candidates drained in arrival order, answer
// sent back. The media handed in is released immediately when teardown
// won the race.
func (s *Session) accept(pc PeerConn, releaseMedia func()) error {
	s.mu.Lock()
	if s.state != StateIncomingRinging {
		s.mu.Unlock()
		if releaseMedia != nil {
			releaseMedia()
		}
		pc.Close()
		return ErrBadState
	}
	offer := s.remoteOffer
	s.remoteOffer = nil
	s.pc = pc
	s.releaseMedia = releaseMedia
	s.mu.Unlock()
	s.bindPC(pc)

	if err := pc.SetRemoteDescription(*offer); err != nil {
		s.fail()
		return err
	}
	s.drainPending()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.fail()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.fail()
		return err
	}

	if err := s.sig.Send(proto.EventCallAccepted, s.peer, proto.CallAccepted{
		Answer: proto.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	}); err != nil {
		s.fail()
		return err
	}

	s.setState(StateConnecting)
	log.Infof("accepted call from %s", s.peer)
	return nil
}

// decline rejects an incoming call before media was ever touched.
func (s *Session) decline() {
	s.mu.Lock()
	if s.state != StateIncomingRinging {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_ = s.sig.Send(proto.EventCallRejected, s.peer, nil)
	s.teardown(StateRejected, false)
	log.Infof("declined call from %s", s.peer)
}

// handleAccepted applies the remote answer on the caller side.
func (s *Session) handleAccepted(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state != StateOutgoingRinging {
		s.mu.Unlock()
		return ErrBadState
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		s.fail()
		return err
	}
	s.drainPending()
	s.setState(StateConnecting)
	log.Infof("call accepted by %s", s.peer)
	return nil
}

// handleRejected is the remote callee declining; no endCall goes back.
func (s *Session) handleRejected() {
	log.Infof("call rejected by %s", s.peer)
	s.teardown(StateRejected, false)
}

// handleRemoteEnd is a remote hangup; emitting endCall back would echo.
func (s *Session) handleRemoteEnd() {
	log.Infof("call ended by %s", s.peer)
	s.teardown(StateEnded, false)
}

// hangup is the local user ending the call. Idempotent.
func (s *Session) hangup() {
	s.teardown(StateEnded, true)
}

// failTransport handles an underlying connectivity failure.
func (s *Session) failTransport() {
	log.Warnf("transport failure in call with %s", s.peer)
	s.teardown(StateEnded, true)
}

// fail is terminal failure before or during negotiation; nothing is
// emitted on the signaling channel.
func (s *Session) fail() {
	s.teardown(StateFailed, false)
}

// addCandidate applies a remote candidate immediately when the remote
// description is set, otherwise queues it. An individual apply failure is
// logged and skipped — partial connectivity may still succeed.
func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	pc := s.pc
	if pc == nil || pc.RemoteDescription() == nil {
		s.pendingICE = append(s.pendingICE, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		log.Warnf("apply candidate from %s: %v", s.peer, err)
	}
}

// enqueueCandidates bulk-queues candidates that arrived before the
// session existed, preserving their arrival order ahead of nothing —
// they were first.
func (s *Session) enqueueCandidates(cands []webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.pendingICE = append(s.pendingICE, cands...)
}

// drainPending applies every queued candidate in arrival order.
func (s *Session) drainPending() {
	s.mu.Lock()
	pc := s.pc
	queued := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	if pc == nil {
		return
	}
	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warnf("apply queued candidate from %s: %v", s.peer, err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("drained %d queued candidates for %s", len(queued), s.peer)
	}
}

// bindPC wires peer-connection callbacks to the session.
func (s *Session) bindPC(pc PeerConn) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		s.mu.Lock()
		dead := s.state.Terminal()
		s.mu.Unlock()
		if dead {
			// Never leak candidates to a stale peer after teardown.
			return
		}
		init := c.ToJSON()
		err := s.sig.Send(proto.EventIceCandidate, s.peer, proto.IceCandidatePayload{
			Candidate: proto.IceCandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
		if err != nil {
			log.Warnf("send candidate to %s: %v", s.peer, err)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("pc state with %s: %s", s.peer, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			connecting := s.state == StateConnecting
			s.mu.Unlock()
			if connecting {
				s.setState(StateActive)
				log.Infof("call with %s active", s.peer)
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.mu.Lock()
			dead := s.state.Terminal()
			s.mu.Unlock()
			if !dead {
				s.failTransport()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debugf("remote %s track from %s", track.Kind(), s.peer)
		go s.readRemoteTrack(track)
	})
}

// setState records a non-terminal transition and notifies the observer.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(s, next)
	}
}

// teardown releases everything exactly once: media, peer connection,
// queued candidates, stored offer. endCall is emitted only when this
// endpoint initiated the end — never as an echo of a remote signal.
func (s *Session) teardown(final State, initiator bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	pc := s.pc
	s.pc = nil
	release := s.releaseMedia
	s.releaseMedia = nil
	s.pendingICE = nil
	s.remoteOffer = nil
	notifyEnd := s.onEnd
	notifyChange := s.onChange
	s.mu.Unlock()

	if release != nil {
		release()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warnf("close peer connection: %v", err)
		}
	}

	if initiator {
		if err := s.sig.Send(proto.EventEndCall, s.peer, nil); err != nil {
			log.Warnf("send endCall to %s: %v", s.peer, err)
		}
	}

	if notifyChange != nil {
		notifyChange(s, final)
	}
	if notifyEnd != nil {
		notifyEnd(s, final)
	}
	log.Infof("call with %s finished: %s", s.peer, final)
}
