package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parley-im/parley/internal/call"
	"github.com/parley-im/parley/internal/msgsync"
	"github.com/parley-im/parley/internal/proto"
)

// Peer is one fully wired participant: signaling connection, REST store,
// call negotiator and message synchronizer, with every hub event bound to
// its consumer.
type Peer struct {
	Conn  *Client
	Store *Store
	Calls *call.Negotiator
	Msgs  *msgsync.Synchronizer

	onPresence func([]string)
}

// PeerOption configures a Peer before its event handlers are bound.
type PeerOption func(*Peer)

// WithPresenceHandler registers an observer for presence snapshots. The
// negotiator sees every snapshot regardless.
func WithPresenceHandler(fn func(online []string)) PeerOption {
	return func(p *Peer) { p.onPresence = fn }
}

// Connect dials the hub and assembles a peer. Call Close when done.
func Connect(ctx context.Context, hubURL, userID string, media call.MediaEngine,
	callOpts []call.Option, opts ...PeerOption) (*Peer, error) {

	conn, err := Dial(ctx, hubURL, userID)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		Conn:  conn,
		Store: NewStore(hubURL, userID),
	}
	p.Calls = call.NewNegotiator(userID, conn, media, callOpts...)
	p.Msgs = msgsync.New(userID, p.Store)
	for _, opt := range opts {
		opt(p)
	}

	if err := p.bind(); err != nil {
		conn.Close()
		return nil, err
	}

	// Best-effort seed; stars reappear on the next successful fetch.
	if ids, err := p.Store.ListStarred(); err == nil {
		p.Msgs.SeedStars(ids)
	} else {
		log.Warnf("seed starred set: %v", err)
	}
	return p, nil
}

// bind attaches each event name to exactly one consumer. The bus rejects
// double registration, so a conflict here fails construction loudly.
func (p *Peer) bind() error {
	for _, event := range []string{
		proto.EventCallRequest,
		proto.EventCallAccepted,
		proto.EventCallRejected,
		proto.EventIceCandidate,
		proto.EventEndCall,
	} {
		if err := p.Conn.Handle(event, p.Calls.HandleEvent); err != nil {
			return fmt.Errorf("bind call events: %w", err)
		}
	}

	for _, event := range []string{
		proto.EventNewMessage,
		proto.EventMessagesSeen,
		proto.EventMessageEdited,
		proto.EventMessageDeleted,
	} {
		if err := p.Conn.Handle(event, p.Msgs.HandleEvent); err != nil {
			return fmt.Errorf("bind message events: %w", err)
		}
	}

	return p.Conn.Handle(proto.EventOnlineUsers, func(env *proto.Envelope) {
		var snap proto.OnlineUsers
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			log.Warnf("bad presence snapshot: %v", err)
			return
		}
		p.Calls.HandlePresence(snap.Users)
		if p.onPresence != nil {
			p.onPresence(snap.Users)
		}
	})
}

// Close hangs up any live call and drops the connection.
func (p *Peer) Close() {
	p.Calls.Hangup()
	p.Conn.Close()
}
