package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/proto"
	"github.com/pion/webrtc/v4"
)

type sentEvent struct {
	event   string
	to      string
	payload any
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (f *fakeSignaler) Send(event, to string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEvent{event, to, payload})
	return nil
}

func (f *fakeSignaler) events(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.sent {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

type fakePC struct {
	mu         sync.Mutex
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	closed     bool

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePC) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &sd
	return nil
}

func (f *fakePC) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &sd
	return nil
}

func (f *fakePC) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localDesc
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onICE = fn }

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }

func (f *fakePC) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { f.onTrack = fn }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.applied))
	copy(out, f.applied)
	return out
}

type fakeMedia struct {
	mu       sync.Mutex
	pcs      []*fakePC
	acquires int
	releases int
	err      error
}

func (f *fakeMedia) Acquire(callType string) (PeerConn, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	f.acquires++
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	release := func() {
		f.mu.Lock()
		f.releases++
		f.mu.Unlock()
	}
	return pc, release, nil
}

func (f *fakeMedia) lastPC() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func (f *fakeMedia) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func envelope(t *testing.T, event, from string, payload any) *proto.Envelope {
	t.Helper()
	env, err := proto.NewEnvelope(event, "me", payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.From = from
	return env
}

func candidateEnvelope(t *testing.T, from, candidate string) *proto.Envelope {
	t.Helper()
	return envelope(t, proto.EventIceCandidate, from, proto.IceCandidatePayload{
		Candidate: proto.IceCandidate{Candidate: candidate},
	})
}

func offerEnvelope(t *testing.T, from, callType string) *proto.Envelope {
	t.Helper()
	return envelope(t, proto.EventCallRequest, from, proto.CallRequest{
		Offer:    proto.SessionDescription{Type: "offer", SDP: "v=0 remote-offer"},
		CallType: callType,
	})
}

func answerEnvelope(t *testing.T, from string) *proto.Envelope {
	t.Helper()
	return envelope(t, proto.EventCallAccepted, from, proto.CallAccepted{
		Answer: proto.SessionDescription{Type: "answer", SDP: "v=0 remote-answer"},
	})
}

func wantState(t *testing.T, n *Negotiator, want string) {
	t.Helper()
	st, ok := n.Active()
	if !ok {
		t.Fatalf("no active session, want state %s", want)
	}
	if st.State != want {
		t.Fatalf("state = %s, want %s", st.State, want)
	}
}

func TestOutgoingCallFullHandshake(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	wantState(t, n, "outgoing-ringing")

	reqs := sig.events(proto.EventCallRequest)
	if len(reqs) != 1 || reqs[0].to != "bob" {
		t.Fatalf("callRequest events = %+v, want one to bob", reqs)
	}

	n.HandleEvent(answerEnvelope(t, "bob"))
	wantState(t, n, "connecting")

	pc := media.lastPC()
	if pc.RemoteDescription() == nil {
		t.Fatal("remote description not applied")
	}

	pc.onState(webrtc.PeerConnectionStateConnected)
	wantState(t, n, "active")

	n.Hangup()
	if _, ok := n.Active(); ok {
		t.Fatal("session still active after hangup")
	}
	if got := len(sig.events(proto.EventEndCall)); got != 1 {
		t.Fatalf("endCall count = %d, want 1", got)
	}
	if media.releaseCount() != 1 {
		t.Fatalf("media releases = %d, want 1", media.releaseCount())
	}
	if !pc.closed {
		t.Fatal("peer connection not closed")
	}
}

func TestIncomingCallDefersMediaUntilAccept(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)

	var incoming *IncomingCall
	n.OnIncoming(func(ic *IncomingCall) { incoming = ic })

	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))
	wantState(t, n, "incoming-ringing")

	if incoming == nil {
		t.Fatal("incoming handler not invoked")
	}
	if incoming.Peer != "alice" || incoming.CallType != proto.CallTypeVoice {
		t.Fatalf("incoming = %s/%s, want alice/voice", incoming.Peer, incoming.CallType)
	}
	if media.acquires != 0 {
		t.Fatalf("media acquired before accept: %d", media.acquires)
	}

	if err := incoming.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	wantState(t, n, "connecting")

	if media.acquires != 1 {
		t.Fatalf("media acquires = %d, want 1", media.acquires)
	}
	if media.lastPC().RemoteDescription() == nil {
		t.Fatal("stored offer not applied as remote description")
	}
	if got := len(sig.events(proto.EventCallAccepted)); got != 1 {
		t.Fatalf("callAccepted count = %d, want 1", got)
	}
}

func TestDeclineNeverTouchesMedia(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)

	var incoming *IncomingCall
	n.OnIncoming(func(ic *IncomingCall) { incoming = ic })
	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVideo))

	incoming.Decline()
	if _, ok := n.Active(); ok {
		t.Fatal("session survives decline")
	}
	if media.acquires != 0 {
		t.Fatal("decline acquired media")
	}
	if got := len(sig.events(proto.EventCallRejected)); got != 1 {
		t.Fatalf("callRejected count = %d, want 1", got)
	}
	if got := len(sig.events(proto.EventEndCall)); got != 0 {
		t.Fatalf("decline emitted endCall %d times", got)
	}
}

func TestSecondInboundCallRejectedAsBusy(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	n.HandleEvent(offerEnvelope(t, "carol", proto.CallTypeVoice))

	rejected := sig.events(proto.EventCallRejected)
	if len(rejected) != 1 || rejected[0].to != "carol" {
		t.Fatalf("callRejected = %+v, want one to carol", rejected)
	}
	// The live call is untouched.
	st, ok := n.Active()
	if !ok || st.Peer != "bob" || st.State != "outgoing-ringing" {
		t.Fatalf("live session disturbed: %+v ok=%v", st, ok)
	}
}

func TestRedeliveredCallRequestNotRejected(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)

	incomings := 0
	var incoming *IncomingCall
	n.OnIncoming(func(ic *IncomingCall) {
		incomings++
		incoming = ic
	})

	// Same request twice while still ringing; the duplicate must neither
	// re-ring nor bounce a rejection at the live peer.
	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))
	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))

	if incomings != 1 {
		t.Fatalf("incoming handler fired %d times, want 1", incomings)
	}
	if got := len(sig.events(proto.EventCallRejected)); got != 0 {
		t.Fatalf("duplicate answered with callRejected %d times", got)
	}

	if err := incoming.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// A redelivery arriving after the accept must not kill the call.
	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))
	wantState(t, n, "connecting")
	if got := len(sig.events(proto.EventCallRejected)); got != 0 {
		t.Fatalf("post-accept duplicate answered with callRejected %d times", got)
	}
}

func TestRedeliveredCallRequestDuringOutgoingCall(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	n.HandleEvent(answerEnvelope(t, "bob"))
	wantState(t, n, "connecting")

	// A stray request from the live peer is dropped, never rejected.
	n.HandleEvent(offerEnvelope(t, "bob", proto.CallTypeVoice))
	wantState(t, n, "connecting")
	if got := len(sig.events(proto.EventCallRejected)); got != 0 {
		t.Fatalf("live peer sent callRejected %d times", got)
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := n.StartCall("carol", proto.CallTypeVoice); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second StartCall = %v, want ErrCallInProgress", err)
	}
}

func TestMediaFailureEmitsNoSignaling(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{err: errors.New("no camera")}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVideo); err == nil {
		t.Fatal("StartCall succeeded without media")
	}
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.sent) != 0 {
		t.Fatalf("signaling emitted despite media failure: %+v", sig.sent)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	for i := 0; i < 3; i++ {
		n.HandleEvent(candidateEnvelope(t, "bob", fmt.Sprintf("candidate-%d", i)))
	}
	st, _ := n.Active()
	if st.PendingICE != 3 {
		t.Fatalf("pending candidates = %d, want 3", st.PendingICE)
	}
	if len(media.lastPC().appliedCandidates()) != 0 {
		t.Fatal("candidates applied before remote description")
	}

	n.HandleEvent(answerEnvelope(t, "bob"))

	applied := media.lastPC().appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("applied candidates = %d, want 3", len(applied))
	}
	for i, c := range applied {
		if want := fmt.Sprintf("candidate-%d", i); c.Candidate != want {
			t.Fatalf("candidate %d = %q, want %q (arrival order)", i, c.Candidate, want)
		}
	}
}

func TestCandidatesOutrunningCallRequest(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)

	var incoming *IncomingCall
	n.OnIncoming(func(ic *IncomingCall) { incoming = ic })

	// Candidates first, offer second; ordering only holds per event name.
	n.HandleEvent(candidateEnvelope(t, "alice", "early-0"))
	n.HandleEvent(candidateEnvelope(t, "alice", "early-1"))
	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))

	st, _ := n.Active()
	if st.PendingICE != 2 {
		t.Fatalf("pending candidates = %d, want 2", st.PendingICE)
	}

	if err := incoming.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	applied := media.lastPC().appliedCandidates()
	if len(applied) != 2 || applied[0].Candidate != "early-0" || applied[1].Candidate != "early-1" {
		t.Fatalf("applied = %+v, want early-0, early-1 in order", applied)
	}
}

func TestEarlyCandidateBufferBounded(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)

	var incoming *IncomingCall
	n.OnIncoming(func(ic *IncomingCall) { incoming = ic })

	// Overflow the pre-session staging buffer; the oldest entries are
	// kept, overflow is dropped. Once the session exists the queue is
	// lossless.
	for i := 0; i < earlyICELimit+8; i++ {
		n.HandleEvent(candidateEnvelope(t, "alice", fmt.Sprintf("c-%03d", i)))
	}
	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))

	st, _ := n.Active()
	if st.PendingICE != earlyICELimit {
		t.Fatalf("pending = %d, want %d", st.PendingICE, earlyICELimit)
	}

	if err := incoming.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	applied := media.lastPC().appliedCandidates()
	if len(applied) != earlyICELimit {
		t.Fatalf("applied = %d, want %d", len(applied), earlyICELimit)
	}
	for i, c := range applied {
		if want := fmt.Sprintf("c-%03d", i); c.Candidate != want {
			t.Fatalf("candidate %d = %q, want %q", i, c.Candidate, want)
		}
	}
}

func TestRemoteEndIsNotEchoed(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	n.HandleEvent(envelope(t, proto.EventEndCall, "bob", nil))

	if _, ok := n.Active(); ok {
		t.Fatal("session survives remote end")
	}
	if got := len(sig.events(proto.EventEndCall)); got != 0 {
		t.Fatalf("endCall echoed %d times", got)
	}
	if media.releaseCount() != 1 {
		t.Fatalf("media releases = %d, want 1", media.releaseCount())
	}
}

func TestHangupIdempotent(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	n.Hangup()
	n.Hangup()
	n.Hangup()

	if got := len(sig.events(proto.EventEndCall)); got != 1 {
		t.Fatalf("endCall count = %d, want exactly 1", got)
	}
	if media.releaseCount() != 1 {
		t.Fatalf("media releases = %d, want exactly 1", media.releaseCount())
	}
}

func TestNoCandidatesLeakAfterTeardown(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	pc := media.lastPC()
	n.Hangup()

	// Late gathering callback after the call is gone.
	pc.onICE(&webrtc.ICECandidate{})
	if got := len(sig.events(proto.EventIceCandidate)); got != 0 {
		t.Fatalf("candidates sent after teardown: %d", got)
	}
}

func TestPeerVanishingFromPresence(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	// An offline callee leaves the caller ringing; only established calls
	// react to presence.
	n.HandlePresence([]string{"alice", "carol"})
	wantState(t, n, "outgoing-ringing")

	n.HandleEvent(answerEnvelope(t, "bob"))
	n.HandlePresence([]string{"alice", "bob", "carol"})
	if _, ok := n.Active(); !ok {
		t.Fatal("call torn down while peer still online")
	}

	n.HandlePresence([]string{"alice", "carol"})
	if _, ok := n.Active(); ok {
		t.Fatal("call survives peer leaving the signaling channel")
	}
}

func TestIncomingRingingSurvivesPresenceGap(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)
	n.OnIncoming(func(*IncomingCall) {})

	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))
	n.HandlePresence([]string{"bob"})

	// A snapshot race must not kill a call that is merely ringing.
	wantState(t, n, "incoming-ringing")
}

func TestAcceptAfterRemoteEndReleasesMedia(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)

	var incoming *IncomingCall
	n.OnIncoming(func(ic *IncomingCall) { incoming = ic })
	n.HandleEvent(offerEnvelope(t, "alice", proto.CallTypeVoice))

	// Caller gives up while the device prompt is still open.
	n.HandleEvent(envelope(t, proto.EventEndCall, "alice", nil))

	if err := incoming.Accept(); !errors.Is(err, ErrBadState) {
		t.Fatalf("Accept after remote end = %v, want ErrBadState", err)
	}
	if media.releaseCount() != 1 {
		t.Fatalf("media releases = %d, want 1 (acquired then returned)", media.releaseCount())
	}
	if pc := media.lastPC(); pc != nil && !pc.closed {
		t.Fatal("late peer connection not closed")
	}
}

func TestRejectedByCallee(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}

	var last State
	n := NewNegotiator("alice", sig, media, WithStateHandler(func(_ string, st State) { last = st }))

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	n.HandleEvent(envelope(t, proto.EventCallRejected, "bob", nil))

	if _, ok := n.Active(); ok {
		t.Fatal("session survives rejection")
	}
	if last != StateRejected {
		t.Fatalf("final state = %s, want rejected", last)
	}
	if got := len(sig.events(proto.EventEndCall)); got != 0 {
		t.Fatalf("rejection answered with endCall %d times", got)
	}
}

func TestRingTimeout(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media, WithRingTimeout(20*time.Millisecond))

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := n.Active(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ring timeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(sig.events(proto.EventEndCall)); got != 1 {
		t.Fatalf("endCall count = %d, want 1", got)
	}
}

func TestEventsFromStrangersIgnored(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("alice", sig, media)

	if err := n.StartCall("bob", proto.CallTypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	// Signals about a call we are not in.
	n.HandleEvent(answerEnvelope(t, "carol"))
	n.HandleEvent(envelope(t, proto.EventEndCall, "carol", nil))

	wantState(t, n, "outgoing-ringing")
}

func TestMalformedPayloadDropped(t *testing.T) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	n := NewNegotiator("bob", sig, media)
	n.OnIncoming(func(*IncomingCall) { t.Fatal("handler fired for garbage") })

	n.HandleEvent(&proto.Envelope{
		Event:   proto.EventCallRequest,
		From:    "alice",
		Payload: json.RawMessage(`{"offer":`),
	})
	if _, ok := n.Active(); ok {
		t.Fatal("session created from malformed payload")
	}
}
