package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	realtime "github.com/bt-bridge/realtime-studio"
	"github.com/bt-bridge/realtime-studio/auth"
	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// GeneratePath is the platform endpoint that turns a voice intent into a document job.
const GeneratePath = "/documents/generate"

// DocumentPoster is the part of auth.Client the agent needs.
type DocumentPoster interface {
	PostJSON(ctx context.Context, path string, body any) (*auth.Response, error)
}

var _ DocumentPoster = (*auth.Client)(nil)

type CLIAgentOptions struct {
	Logger      shared.LoggerAdapter
	Printer     *shared.Printer
	Config      *shared.Config
	Documents   DocumentPoster
	Credentials realtime.CredentialIssuer
	Media       realtime.MediaSource
	Signaler    realtime.Signaler
	Playback    realtime.Playback
	// NewTransport defaults to realtime.NewPeerTransport.
	NewTransport realtime.TransportFactory
}

// CLIAgent drives one voice session from a terminal: state lines and the
// assistant transcript go to the printer, document intents go to the platform.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	cfg     *shared.Config
	docs    DocumentPoster
	session *realtime.Session

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	done    chan struct{}
}

type generateEnvelope struct {
	Details struct {
		Id     string `json:"id"`
		Status string `json:"status"`
	} `json:"details"`
}

func NewCLIAgent(opts CLIAgentOptions) (*CLIAgent, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Config == nil {
		return nil, shared.ErrNoConfig
	}
	if opts.Printer == nil {
		return nil, errors.New("no printer provided")
	}
	if opts.Documents == nil {
		return nil, errors.New("no document client provided")
	}
	if opts.NewTransport == nil {
		opts.NewTransport = realtime.NewPeerTransport
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &CLIAgent{
		logger:  opts.Logger.With(zap.String("component", "cli-agent")),
		printer: opts.Printer,
		cfg:     opts.Config,
		docs:    opts.Documents,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	session, err := realtime.NewSession(realtime.SessionOptions{
		Logger:       opts.Logger,
		Credentials:  opts.Credentials,
		Media:        opts.Media,
		Signaler:     opts.Signaler,
		NewTransport: opts.NewTransport,
		Playback:     opts.Playback,
		Instructions: opts.Config.Realtime.Instructions,
		Callbacks: realtime.Callbacks{
			OnStateChange: a.onStateChange,
			OnTranscript:  a.onTranscript,
			OnGenerate:    a.onGenerate,
			OnClose:       a.onClose,
			OnError:       a.onError,
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	a.session = session
	return a, nil
}

// Spawn prints the session configuration and connects. It returns once the
// session is live or the attempt failed.
func (a *CLIAgent) Spawn(ctx context.Context) error {
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Session Config\n", 0)
	yamlBytes, err := yaml.Marshal(a.cfg.Realtime)
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session config", err)
	}
	a.println("\n", 0)

	if err := a.session.Connect(ctx); err != nil {
		a.logger.Error("connecting voice session", err)
		return err
	}
	if a.session.State() == realtime.StateIdle {
		// Disconnected while connecting.
		return errors.New("session ended before it connected")
	}
	return nil
}

func (a *CLIAgent) Session() *realtime.Session {
	return a.session
}

// Done is closed once the agent has shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close disconnects the session and waits for in-flight document requests.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.session.Disconnect()
	a.cancel()
	a.pending.Wait()
	close(a.done)
	a.logger.Info("CLI agent closed")
	return nil
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) onStateChange(state realtime.State) {
	switch state {
	case realtime.StateConnecting:
		a.println("🔌 Connecting...", 0)
	case realtime.StateConnected:
		a.println("✅ Connected. Start talking.", 0)
	case realtime.StateSpeaking:
		a.println("🔈 Assistant:", 0)
	case realtime.StateListening:
		a.println("🎤 Listening...", 0)
	case realtime.StateClosed:
		a.println("❌ Connection lost.", 0)
		go a.Close()
	}
}

func (a *CLIAgent) onTranscript(delta string) {
	if err := a.printer.Stream(delta); err != nil {
		a.logger.Error("printing transcript", err)
	}
}

func (a *CLIAgent) onGenerate(req realtime.GenerateRequest) {
	if err := req.Validate(); err != nil {
		a.logger.Warn("skipping invalid document request", zap.Error(err))
		a.println("⚠️ The assistant asked for a document it cannot create: "+err.Error(), 0)
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn("dropping document request after close", zap.String("output", string(req.Output)))
		return
	}
	a.pending.Add(1)
	a.mu.Unlock()

	a.println(fmt.Sprintf("📝 Generating %s: %s", req.Output, req.Prompt), 0)
	go func() {
		defer a.pending.Done()
		if err := a.generate(a.ctx, req); err != nil {
			a.logger.Error("requesting document generation", err)
			a.println("❌ Could not start document generation.", 1)
		}
	}()
}

func (a *CLIAgent) generate(ctx context.Context, req realtime.GenerateRequest) error {
	resp, err := a.docs.PostJSON(ctx, GeneratePath, req)
	if err != nil {
		return err
	}
	var env generateEnvelope
	if err := resp.Decode(&env); err != nil {
		a.logger.Warn("unreadable generation response", zap.Error(err))
	}
	a.logger.Info("document generation accepted",
		zap.String("id", env.Details.Id),
		zap.String("output", string(req.Output)),
	)
	if env.Details.Id != "" {
		a.println("✅ Document job "+env.Details.Id+" accepted.", 1)
	} else {
		a.println("✅ Document job accepted.", 1)
	}
	return nil
}

func (a *CLIAgent) onClose() {
	a.println("👋 Assistant closed the session.", 0)
	go a.Close()
}

func (a *CLIAgent) onError(err error) {
	var (
		credErr *realtime.CredentialError
		sigErr  *realtime.SignalingError
	)
	switch {
	case errors.As(err, &credErr):
		a.println("❌ Could not obtain a session credential.", 0)
	case errors.As(err, &sigErr):
		a.println("❌ The voice service rejected the connection.", 0)
	default:
		a.println("❌ Unable to start the voice session: "+err.Error(), 0)
	}
}
