//go:build linux && cgo

package call

import (
	"fmt"
	"time"

	"github.com/parley-im/parley/internal/proto"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initMediaPC captures local camera/mic via pion/mediadevices (V4L2 +
// malgo) and returns a PeerConnection with the tracks attached, plus a
// release func for the devices. Acquisition failure is terminal for the
// call attempt: the caller surfaces it, nothing is retried.
func (e *Engine) initMediaPC(callType string) (PeerConn, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(e.disconnectedTimeout, 4*e.disconnectedTimeout, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(e.iceConfig())
	if err != nil {
		return nil, nil, err
	}

	// GetUserMedia fails as a unit if either track can't be opened, so a
	// video call degrades video+audio → video-only before giving up; the
	// requested kind itself is never substituted.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if callType == proto.CallTypeVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
		}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed frames and poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debugf("local track ended: %v", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Warnf("add local track: %v", err)
			}
		}

		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		release := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, release, nil
	}

	pc.Close()
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable %s capture device", callType)
	}
	return nil, nil, fmt.Errorf("acquire %s media: %w", callType, lastErr)
}
