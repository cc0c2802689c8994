package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// EventChannelLabel is the data channel the provider expects events on.
const EventChannelLabel = "oai"

// Client is the pion backed Transport.
type Client struct {
	logger shared.LoggerAdapter

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	closed bool

	audioL   *webrtc.TrackLocalStaticSample
	mic      Microphone
	audioTRH TrackRemoteHandler
	onClosed func(cause error)

	state     webrtc.PeerConnectionState
	connected bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ Transport = (*Client)(nil)

func NewClient(logger shared.LoggerAdapter) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c = &Client{
		logger: logger.With(zap.String("component", "transport")),
		ctx:    ctx,
		cancel: cancel,
	}
	c.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	c.pc.OnConnectionStateChange(c.handleConnectionState)
	return c, nil
}

func (c *Client) handleConnectionState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.logger.Trace(
		"peer connection state changed",
		zap.String("prev", c.state.String()),
		zap.String("new", state.String()),
	)
	c.state = state
	var (
		cause    error
		notify   func(error)
		mic      Microphone
		track    *webrtc.TrackLocalStaticSample
		streamed bool
	)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if c.connected {
			c.logger.Warn("peer connection state is connected (More than once)")
			break
		}
		c.connected = true
		if c.mic != nil && !c.closed {
			mic, track, streamed = c.mic, c.audioL, true
		}
	case webrtc.PeerConnectionStateDisconnected:
		cause = errors.New("peer connection state is disconnected")
	case webrtc.PeerConnectionStateFailed:
		cause = errors.New("peer connection state is failed")
	case webrtc.PeerConnectionStateClosed:
		cause = errors.New("peer connection state is closed")
	}
	if cause != nil {
		if !c.closed {
			notify = c.onClosed
			c.onClosed = nil
		}
		c.cancel(cause)
	}
	ctx := c.ctx
	c.mu.Unlock()

	if streamed {
		go mic.Stream(ctx, track)
	}
	if notify != nil {
		notify(cause)
	}
}

func (c *Client) OnRemoteAudio(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrTransportClosed
	}
	if c.audioTRH != nil {
		return shared.ErrTRHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioTRH = handler
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go handler(track)
		}
	})
	return nil
}

func (c *Client) OnClosed(handler func(cause error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = handler
}

// AddMicrophone attaches mic as the outbound audio track. The microphone
// starts streaming once the peer connection is connected.
func (c *Client) AddMicrophone(mic Microphone) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrTransportClosed
	}
	if c.mic != nil {
		return errors.New("microphone already attached")
	}
	var err error
	c.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = c.pc.AddTrack(c.audioL); err != nil {
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	c.mic = mic
	return nil
}

func (c *Client) OpenEventChannel(onOpen func(), onMessage func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrTransportClosed
	}
	if c.dc != nil {
		return shared.ErrEHandlerAlreadySet
	}
	dc, err := c.pc.CreateDataChannel(EventChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	dc.OnOpen(func() {
		c.logger.Info("data channel opened")
		if onOpen != nil {
			onOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on data channel")
			return
		}
		onMessage(msg.Data)
	})
	c.dc = dc
	return nil
}

func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	dc, closed := c.dc, c.closed
	c.mu.Unlock()
	if closed {
		return shared.ErrTransportClosed
	}
	if dc == nil {
		return errors.New("event channel is not open")
	}
	return dc.SendText(string(data))
}

// Offer creates the local description and waits for ICE gathering so the
// returned SDP carries every candidate.
func (c *Client) Offer(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", shared.ErrTransportClosed
	}
	pc := c.pc
	c.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-ctx.Done():
		return "", context.Cause(ctx)
	case <-c.ctx.Done():
		return "", shared.ErrTransportClosed
	case <-gathered:
	}
	local := pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description is not set")
	}
	return local.SDP, nil
}

func (c *Client) Answer(sdp string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.ErrTransportClosed
	}
	pc := c.pc
	c.mu.Unlock()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the peer connection down. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onClosed = nil
	pc, dc := c.pc, c.dc
	c.cancel(errors.New("client closed"))
	c.mu.Unlock()

	var errs []error
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing data channel: %w", err))
		}
	}
	if err := pc.Close(); err != nil {
		c.logger.Error("closing peer connection failed", err)
		errs = append(errs, fmt.Errorf("closing peer connection: %w", err))
	}
	return errors.Join(errs...)
}
