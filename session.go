package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bt-bridge/realtime-studio/metrics"
	"github.com/bt-bridge/realtime-studio/shared"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSpeaking
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSpeaking:
		return "speaking"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Callbacks are invoked without any session lock held. Any of them may be nil.
type Callbacks struct {
	OnStateChange func(state State)
	OnTranscript  func(delta string)
	OnGenerate    func(req GenerateRequest)
	// OnClose is called when the assistant asks the host to close it.
	OnClose func()
	OnError func(err error)
}

type SessionOptions struct {
	Logger       shared.LoggerAdapter
	Credentials  CredentialIssuer
	Media        MediaSource
	Signaler     Signaler
	NewTransport TransportFactory
	Playback     Playback
	Instructions string
	Callbacks    Callbacks
}

// errDisconnected is the cancellation cause of an attempt stopped by Disconnect.
var errDisconnected = errors.New("session disconnected")

// attempt is one run of Connect. It stays live until Disconnect, a failure or
// a remote close replaces it.
type attempt struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Session is a voice conversation with the assistant. It owns at most one
// transport and one microphone at a time.
type Session struct {
	logger       shared.LoggerAdapter
	creds        CredentialIssuer
	media        MediaSource
	signaler     Signaler
	newTransport TransportFactory
	playback     Playback
	instructions string
	cb           Callbacks

	// serial is held for a whole Connect run.
	serial sync.Mutex

	mu        sync.Mutex
	state     State
	live      *attempt
	transport Transport
	mic       Microphone
	analyser  Analyser
	// releasing counts detached resource sets still being closed.
	releasing int
	released  *sync.Cond
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Credentials == nil {
		return nil, shared.ErrNoCredentialIssuer
	}
	if opts.Media == nil {
		return nil, shared.ErrNoMediaSource
	}
	if opts.Signaler == nil {
		return nil, shared.ErrNoSignaler
	}
	if opts.NewTransport == nil {
		opts.NewTransport = NewPeerTransport
	}
	if opts.Instructions == "" {
		opts.Instructions = shared.DefaultInstructions
	}
	s := &Session{
		logger:       opts.Logger.With(zap.String("component", "session")),
		creds:        opts.Credentials,
		media:        opts.Media,
		signaler:     opts.Signaler,
		newTransport: opts.NewTransport,
		playback:     opts.Playback,
		instructions: opts.Instructions,
		cb:           opts.Callbacks,
	}
	s.released = sync.NewCond(&s.mu)
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Analyser returns the live microphone level tap, or nil when no microphone
// is open.
func (s *Session) Analyser() Analyser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyser
}

// Connect runs the connect protocol. It returns nil without doing anything
// while another attempt is in progress or the session is connected, and nil
// when Disconnect interrupts it. Any other failure releases what was acquired,
// returns the session to idle and is reported through OnError as well.
//
// ctx bounds the connect protocol only, not the resulting conversation.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.live != nil {
		s.mu.Unlock()
		return nil
	}
	actx, cancel := context.WithCancelCause(context.Background())
	a := &attempt{ctx: actx, cancel: cancel}
	s.live = a
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	stop := context.AfterFunc(ctx, func() {
		a.cancel(context.Cause(ctx))
	})
	defer stop()

	s.serial.Lock()
	defer s.serial.Unlock()
	// Resources of an earlier attempt must be gone before new ones are acquired.
	s.mu.Lock()
	for s.releasing > 0 {
		s.released.Wait()
	}
	s.mu.Unlock()

	err := s.connect(a)
	if err == nil {
		metrics.RecordConnect("ok")
		return nil
	}
	cause := context.Cause(a.ctx)
	s.abort(a)
	switch {
	case ctx.Err() != nil:
		metrics.RecordConnect("cancelled")
		return ctx.Err()
	case errors.Is(cause, errDisconnected):
		metrics.RecordConnect("cancelled")
		s.logger.Debug("connect interrupted by disconnect", zap.NamedError("step", err))
		return nil
	case cause != nil:
		err = cause
	}
	metrics.RecordConnect("error")
	s.logger.Error("connect failed", err)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	return err
}

func (s *Session) connect(a *attempt) error {
	// 1. short-lived credential
	credential, err := s.creds.Issue(a.ctx)
	if err != nil {
		return err
	}
	if !s.alive(a) {
		return errDisconnected
	}

	// 2. transport with remote audio routed to playback
	t, err := s.newTransport(s.logger)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	if !s.adopt(a, func() { s.transport = t }) {
		s.closeQuietly("transport", t.Close)
		return errDisconnected
	}
	if s.playback != nil {
		if err := t.OnRemoteAudio(s.playback.Attach); err != nil {
			return fmt.Errorf("registering remote audio handler: %w", err)
		}
	}
	t.OnClosed(func(cause error) {
		s.transportClosed(t, cause)
	})

	// 3. microphone and level analyser
	mic, err := s.media.OpenMicrophone(a.ctx)
	if err != nil {
		return fmt.Errorf("opening microphone: %w", err)
	}
	if !s.adopt(a, func() { s.mic = mic }) {
		s.closeQuietly("microphone", mic.Close)
		return errDisconnected
	}
	analyser, err := mic.Analyser()
	if err != nil {
		return fmt.Errorf("attaching analyser: %w", err)
	}
	if !s.adopt(a, func() { s.analyser = analyser }) {
		s.closeQuietly("analyser", analyser.Close)
		return errDisconnected
	}

	// 4. microphone track, unless the transport went away meanwhile
	if t.Closed() {
		return errDisconnected
	}
	if err := t.AddMicrophone(mic); err != nil {
		if t.Closed() {
			return errDisconnected
		}
		return fmt.Errorf("attaching microphone: %w", err)
	}

	// 5. event channel
	err = t.OpenEventChannel(
		func() { s.channelOpened(a, t) },
		func(data []byte) { s.handleMessage(a, data) },
	)
	if err != nil {
		if t.Closed() {
			return errDisconnected
		}
		return fmt.Errorf("opening event channel: %w", err)
	}

	// 6. offer/answer
	offer, err := t.Offer(a.ctx)
	if err != nil {
		return err
	}
	if !s.alive(a) {
		return errDisconnected
	}
	answer, err := s.signaler.Exchange(a.ctx, credential, offer)
	if err != nil {
		return err
	}
	if !s.alive(a) || t.Closed() {
		return errDisconnected
	}
	if err := t.Answer(answer); err != nil {
		if t.Closed() {
			return errDisconnected
		}
		return err
	}
	return nil
}

// Disconnect releases the microphone, the transport, the analyser and the
// playback sink and returns the session to idle. It may be called at any time,
// any number of times, including while Connect is running.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if a := s.live; a != nil {
		a.cancel(errDisconnected)
		s.live = nil
	}
	prev := s.state
	s.state = StateIdle
	done := s.detachLocked()
	s.mu.Unlock()

	done()
	if prev != StateIdle {
		s.notifyState(StateIdle)
	}
}

func (s *Session) alive(a *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live == a && a.ctx.Err() == nil
}

// adopt hands a resource over to the session if a is still live. A resource
// that was not adopted must be closed by the caller.
func (s *Session) adopt(a *attempt, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != a || a.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// abort ends a failed attempt if it is still the live one.
func (s *Session) abort(a *attempt) {
	s.mu.Lock()
	if s.live != a {
		s.mu.Unlock()
		return
	}
	a.cancel(errDisconnected)
	s.live = nil
	s.state = StateIdle
	done := s.detachLocked()
	s.mu.Unlock()

	done()
	s.notifyState(StateIdle)
}

// transportClosed handles a remote close or failure of t.
func (s *Session) transportClosed(t Transport, cause error) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	if a := s.live; a != nil {
		a.cancel(fmt.Errorf("%w: %v", shared.ErrTransportClosed, cause))
		s.live = nil
	}
	s.state = StateClosed
	done := s.detachLocked()
	s.mu.Unlock()

	s.logger.Warn("transport closed", zap.NamedError("cause", cause))
	done()
	s.notifyState(StateClosed)
}

// detachLocked takes the owned resources away from the session and returns a
// func closing them. s.mu must be held; the returned func must be called
// after s.mu is released.
func (s *Session) detachLocked() func() {
	mic, t, analyser := s.mic, s.transport, s.analyser
	s.mic, s.transport, s.analyser = nil, nil, nil
	s.releasing++
	return func() {
		defer func() {
			s.mu.Lock()
			s.releasing--
			if s.releasing == 0 {
				s.released.Broadcast()
			}
			s.mu.Unlock()
		}()
		if mic != nil {
			s.closeQuietly("microphone", mic.Close)
		}
		if t != nil {
			s.closeQuietly("transport", t.Close)
		}
		if analyser != nil {
			s.closeQuietly("analyser", analyser.Close)
		}
		if s.playback != nil {
			s.playback.Clear()
		}
	}
}

func (s *Session) closeQuietly(what string, close func() error) {
	if err := close(); err != nil {
		s.logger.Warn("closing "+what+" failed", zap.Error(err))
	}
}

func (s *Session) transition(a *attempt, state State) {
	s.mu.Lock()
	if s.live != a || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.notifyState(state)
}

func (s *Session) notifyState(state State) {
	metrics.RecordState(state.String())
	s.logger.Debug("state changed", zap.Stringer("state", state))
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(state)
	}
}

// channelOpened configures the assistant and asks it to speak first.
func (s *Session) channelOpened(a *attempt, t Transport) {
	if !s.alive(a) {
		return
	}
	s.transition(a, StateConnected)
	for _, event := range []*ClientEvent{
		NewSessionUpdate(s.instructions),
		NewResponseCreate(),
	} {
		data, err := event.Marshal()
		if err != nil {
			s.logger.Error("marshaling client event", err, zap.String("type", string(event.Type)))
			return
		}
		if err := t.Send(data); err != nil {
			s.logger.Error("sending client event", err, zap.String("type", string(event.Type)))
			return
		}
		s.logger.Trace("client event sent", zap.String("type", string(event.Type)), zap.String("event_id", event.EventId))
	}
}

func (s *Session) handleMessage(a *attempt, data []byte) {
	if !s.alive(a) {
		return
	}
	event, err := ParseServerEvent(data)
	if err != nil {
		s.logger.Error("can not unmarshal event", err, zap.ByteString("data", data))
		return
	}
	s.logger.Trace(
		"received event",
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.EventId),
	)
	switch event.Kind() {
	case EventKindSpeechStarted:
		s.transition(a, StateSpeaking)
	case EventKindSpeechDone:
		s.transition(a, StateListening)
	case EventKindOutputItemDone:
		item, ok := event.FunctionCall()
		if !ok || item.Name != GenerateToolName {
			return
		}
		req, err := ParseGenerateRequest(item.Arguments)
		if err != nil {
			metrics.RecordGenerate("invalid")
			s.logger.Warn(
				"ignoring malformed generate_document call",
				zap.Error(err),
				zap.String("call_id", item.CallId),
			)
			return
		}
		metrics.RecordGenerate("ok")
		if s.cb.OnGenerate != nil {
			s.cb.OnGenerate(*req)
		}
	case EventKindTranscriptDelta:
		if strings.Contains(event.Delta, CloseMarker) {
			if s.cb.OnClose != nil {
				s.cb.OnClose()
			}
			return
		}
		if s.cb.OnTranscript != nil {
			s.cb.OnTranscript(event.Delta)
		}
	case EventKindError:
		if event.Error != nil {
			s.logger.Warn(
				"assistant reported an error",
				zap.String("type", event.Error.Type),
				zap.String("code", event.Error.Code),
				zap.String("message", event.Error.Message),
			)
		}
	}
}
