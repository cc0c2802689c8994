package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/pion/webrtc/v4"
)

const testAnswer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n"

// tracker counts open transports and microphones and remembers the peaks.
type tracker struct {
	mu            sync.Mutex
	transports    int
	mics          int
	maxTransports int
	maxMics       int
	created       []*fakeTransport
}

func (tr *tracker) openTransport(t *fakeTransport) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.transports++
	tr.maxTransports = max(tr.maxTransports, tr.transports)
	tr.created = append(tr.created, t)
}

func (tr *tracker) openMic() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.mics++
	tr.maxMics = max(tr.maxMics, tr.mics)
}

func (tr *tracker) snapshot() (transports, mics, maxTransports, maxMics int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.transports, tr.mics, tr.maxTransports, tr.maxMics
}

func (tr *tracker) last() *fakeTransport {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.created) == 0 {
		return nil
	}
	return tr.created[len(tr.created)-1]
}

func (tr *tracker) factory() TransportFactory {
	return func(logger shared.LoggerAdapter) (Transport, error) {
		t := &fakeTransport{tracker: tr}
		tr.openTransport(t)
		return t, nil
	}
}

type fakeTransport struct {
	tracker *tracker

	mu        sync.Mutex
	closed    bool
	mic       Microphone
	onOpen    func()
	onMessage func([]byte)
	onClosed  func(error)
	remote    TrackRemoteHandler
	answer    string
	sent      [][]byte
}

func (t *fakeTransport) OnRemoteAudio(handler TrackRemoteHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = handler
	return nil
}

func (t *fakeTransport) OnClosed(handler func(cause error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = handler
}

func (t *fakeTransport) AddMicrophone(mic Microphone) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrTransportClosed
	}
	t.mic = mic
	return nil
}

func (t *fakeTransport) OpenEventChannel(onOpen func(), onMessage func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrTransportClosed
	}
	t.onOpen, t.onMessage = onOpen, onMessage
	return nil
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrTransportClosed
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Offer(ctx context.Context) (string, error) {
	if t.Closed() {
		return "", shared.ErrTransportClosed
	}
	return "v=0\r\noffer\r\n", nil
}

func (t *fakeTransport) Answer(sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrTransportClosed
	}
	t.answer = sdp
	return nil
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.tracker.mu.Lock()
	t.tracker.transports--
	t.tracker.mu.Unlock()
	return nil
}

// open simulates the data channel opening.
func (t *fakeTransport) open() {
	t.mu.Lock()
	onOpen := t.onOpen
	t.mu.Unlock()
	onOpen()
}

// deliver simulates an inbound data channel message.
func (t *fakeTransport) deliver(data string) {
	t.mu.Lock()
	onMessage := t.onMessage
	t.mu.Unlock()
	onMessage([]byte(data))
}

// remoteClose simulates the peer connection failing.
func (t *fakeTransport) remoteClose(cause error) {
	t.mu.Lock()
	onClosed := t.onClosed
	t.mu.Unlock()
	if onClosed != nil {
		onClosed(cause)
	}
}

func (t *fakeTransport) sentMessages() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

type fakeMedia struct {
	tracker *tracker
	err     error
	// gate, when set, delays acquisition until it is closed regardless of ctx,
	// like a permission prompt.
	gate    chan struct{}
	entered chan struct{}
}

func (m *fakeMedia) OpenMicrophone(ctx context.Context) (Microphone, error) {
	if m.entered != nil {
		close(m.entered)
	}
	if m.gate != nil {
		<-m.gate
	}
	if m.err != nil {
		return nil, m.err
	}
	m.tracker.openMic()
	return &fakeMic{tracker: m.tracker}, nil
}

type fakeMic struct {
	tracker *tracker
	once    sync.Once
}

func (m *fakeMic) Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	<-ctx.Done()
}

func (m *fakeMic) Analyser() (Analyser, error) {
	return &fakeAnalyser{}, nil
}

func (m *fakeMic) Close() error {
	m.once.Do(func() {
		m.tracker.mu.Lock()
		m.tracker.mics--
		m.tracker.mu.Unlock()
	})
	return nil
}

type fakeAnalyser struct {
	closed bool
}

func (a *fakeAnalyser) Level() float64 { return 0.5 }

func (a *fakeAnalyser) Close() error {
	a.closed = true
	return nil
}

type fakeCredentials struct {
	err error
}

func (c *fakeCredentials) Issue(ctx context.Context) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "ek_test", nil
}

type fakeSignaler struct {
	err error
	// block makes Exchange wait for ctx; entered is closed when it starts.
	block   bool
	entered chan struct{}

	mu         sync.Mutex
	credential string
}

func (s *fakeSignaler) Exchange(ctx context.Context, credential, offer string) (string, error) {
	s.mu.Lock()
	s.credential = credential
	s.mu.Unlock()
	if s.entered != nil {
		close(s.entered)
	}
	if s.block {
		<-ctx.Done()
		return "", context.Cause(ctx)
	}
	if s.err != nil {
		return "", s.err
	}
	return testAnswer, nil
}

type fakePlayback struct {
	mu      sync.Mutex
	cleared int
}

func (p *fakePlayback) Attach(track *webrtc.TrackRemote) {}

func (p *fakePlayback) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared++
}

func (p *fakePlayback) clears() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleared
}

var errBoom = errors.New("boom")
