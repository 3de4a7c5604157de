package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Engine is the Pion-backed MediaEngine: it captures local devices (where
// the platform supports it) and builds the peer connection with local
// tracks attached.
type Engine struct {
	stunServers         []string
	disconnectedTimeout time.Duration
}

// NewEngine creates a media engine. disconnectedTimeout is the ICE
// disconnected grace period; generous values survive brief NAT hiccups.
func NewEngine(stunServers []string, disconnectedTimeout time.Duration) *Engine {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	if disconnectedTimeout <= 0 {
		disconnectedTimeout = 30 * time.Second
	}
	return &Engine{stunServers: stunServers, disconnectedTimeout: disconnectedTimeout}
}

// Acquire implements MediaEngine; the platform-specific half lives in
// media_linux.go / media_other.go.
func (e *Engine) Acquire(callType string) (PeerConn, func(), error) {
	return e.initMediaPC(callType)
}

func (e *Engine) iceConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.stunServers}},
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio
// so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("add recvonly video transceiver: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("add recvonly audio transceiver: %v", err)
	}
}
