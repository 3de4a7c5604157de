package call

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// readRemoteTrack drains RTP from a remote track, keeping a packet count
// for the debug surface. Rendering is someone else's job; the loop exists
// so the receiver buffers never back up and liveness is observable.
func (s *Session) readRemoteTrack(track *webrtc.TrackRemote) {
	var pkt *rtp.Packet
	for {
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("remote track read from %s: %v", s.peer, err)
			}
			return
		}
		if pkt != nil {
			s.rtpPackets.Add(1)
		}
	}
}
