package realtime

import (
	"context"

	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/pion/webrtc/v4"
)

type TrackRemoteHandler func(track *webrtc.TrackRemote)

// Microphone is a live capture stream. Stream pushes encoded frames into
// track until ctx ends or the microphone is closed.
type Microphone interface {
	Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample)
	Analyser() (Analyser, error)
	Close() error
}

// Analyser is a read-only tap on a microphone used for level metering.
type Analyser interface {
	// Level returns the most recent RMS level in [0, 1].
	Level() float64
	Close() error
}

type MediaSource interface {
	// OpenMicrophone acquires a mono capture stream with echo cancellation,
	// auto gain and noise suppression where the platform supports them.
	OpenMicrophone(ctx context.Context) (Microphone, error)
}

// Playback receives the assistant's audio.
type Playback interface {
	Attach(track *webrtc.TrackRemote)
	Clear()
}

// Transport is the peer connection carrying microphone audio out, assistant
// audio in and the JSON event channel both ways.
type Transport interface {
	OnRemoteAudio(handler TrackRemoteHandler) error
	// OnClosed is called once when the connection fails or is closed by the
	// remote side. It is not called for Close.
	OnClosed(handler func(cause error))
	AddMicrophone(mic Microphone) error
	OpenEventChannel(onOpen func(), onMessage func(data []byte)) error
	Send(data []byte) error
	Offer(ctx context.Context) (string, error)
	Answer(sdp string) error
	Closed() bool
	Close() error
}

type TransportFactory func(logger shared.LoggerAdapter) (Transport, error)

// NewPeerTransport is the default TransportFactory.
func NewPeerTransport(logger shared.LoggerAdapter) (Transport, error) {
	return NewClient(logger)
}
