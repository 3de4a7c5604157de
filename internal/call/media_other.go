//go:build !linux || !cgo

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initMediaPC builds a receive-only PeerConnection on platforms without
// pion/mediadevices capture drivers (V4L2/malgo are Linux-only). The call
// can still receive remote media.
func (e *Engine) initMediaPC(_ string) (PeerConn, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(e.iceConfig())
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(pc)
	log.Infof("peer connection ready (receive-only, no local capture on this platform)")
	return pc, nil, nil
}
