package device

import (
	"context"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"owly-callkit/internal/domain"
	"owly-callkit/pkg/logger"
)

// MediaDevicesGateway captures microphone/camera/screen via pion/mediadevices
// with VP8 + Opus encoding, so the produced tracks publish directly onto a
// Pion peer connection.
type MediaDevicesGateway struct {
	codecs *mediadevices.CodecSelector
}

// NewMediaDevicesGateway builds a gateway with a VP8+Opus codec selector.
func NewMediaDevicesGateway() (*MediaDevicesGateway, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &MediaDevicesGateway{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Codecs exposes the selector so the transport can register the same codecs
// on its media engine.
func (g *MediaDevicesGateway) Codecs() *mediadevices.CodecSelector {
	return g.codecs
}

// Acquire opens the requested capture devices. The context is accepted for
// interface symmetry; driver opens are not cancelable mid-prompt.
func (g *MediaDevicesGateway) Acquire(_ context.Context, req Request) (*TrackSet, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: g.codecs}
	if req.Audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	}
	if req.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(1280)
			c.Height = prop.Int(720)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		kind := "microphone"
		if req.Video {
			kind = "camera"
		}
		return nil, classify(kind, err)
	}

	set := &TrackSet{}
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		if mt, ok := tracks[0].(mediadevices.Track); ok {
			set.Audio = newCaptureTrack(mt, domain.TrackKindAudio)
		}
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		if mt, ok := tracks[0].(mediadevices.Track); ok {
			set.Video = newCaptureTrack(mt, domain.TrackKindVideo)
		}
	}

	if req.Audio && set.Audio == nil {
		g.Release(set.Tracks()...)
		return nil, classify("microphone", errNoTrack)
	}
	if req.Video && set.Video == nil {
		g.Release(set.Tracks()...)
		return nil, classify("camera", errNoTrack)
	}

	logger.Debug("acquired local media",
		zap.Bool("audio", set.Audio != nil),
		zap.Bool("video", set.Video != nil))
	return set, nil
}

// AcquireScreen opens a display-capture track.
func (g *MediaDevicesGateway) AcquireScreen(_ context.Context) (domain.Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: g.codecs,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classify("screen", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, classify("screen", errNoTrack)
	}
	mt, ok := tracks[0].(mediadevices.Track)
	if !ok {
		return nil, classify("screen", errNoTrack)
	}
	return newCaptureTrack(mt, domain.TrackKindScreen), nil
}

// Release stops and frees the given tracks. Already-released tracks are
// silently skipped.
func (g *MediaDevicesGateway) Release(tracks ...domain.Track) {
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			logger.Warn("track release failed",
				zap.String("kind", string(t.Kind())),
				zap.Error(err))
		}
	}
}

var errNoTrack = &noTrackError{}

type noTrackError struct{}

func (*noTrackError) Error() string { return "capture produced no track: device not found" }

// captureTrack wraps a mediadevices track with an idempotent Close and a
// domain kind tag. It forwards the underlying track for publishing.
type captureTrack struct {
	mediadevices.Track

	kind domain.TrackKind

	mu      sync.Mutex
	closed  bool
	onEnded []func()
}

func newCaptureTrack(inner mediadevices.Track, kind domain.TrackKind) *captureTrack {
	ct := &captureTrack{Track: inner, kind: kind}
	inner.OnEnded(func(error) { ct.fireEnded() })
	return ct
}

func (t *captureTrack) Kind() domain.TrackKind { return t.kind }

// Close stops capture. Safe to call multiple times; only the first call
// reaches the driver.
func (t *captureTrack) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.Track.Close()
}

// OnEnded registers a callback fired when the OS stops the capture out from
// under us (e.g. the "stop sharing" control).
func (t *captureTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *captureTrack) fireEnded() {
	t.mu.Lock()
	handlers := make([]func(), len(t.onEnded))
	copy(handlers, t.onEnded)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// Unwrap exposes the publishable mediadevices track to the transport.
func (t *captureTrack) Unwrap() mediadevices.Track { return t.Track }
