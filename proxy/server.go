// Package proxy is the session-issuing endpoint. It holds the provider key and
// hands out short-lived realtime credentials.
package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bt-bridge/realtime-studio/metrics"
	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

const (
	SessionPath = "/session"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

type sessionResponse struct {
	ClientSecret *Secret `json:"client_secret"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	logger  shared.LoggerAdapter
	minter  Minter
	limiter *RateLimiter
	timeout time.Duration
	metrics fasthttp.RequestHandler
	srv     *fasthttp.Server
}

func NewServer(logger shared.LoggerAdapter, minter Minter, cfg shared.ProxyConfig) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if minter == nil {
		return nil, errors.New("minter is required")
	}
	s := &Server{
		logger:  logger.With(zap.String("component", "proxy")),
		minter:  minter,
		limiter: NewRateLimiter(cfg.RatePerSecond, cfg.Burst),
		timeout: 15 * time.Second,
		metrics: fasthttpadaptor.NewFastHTTPHandler(metrics.Handler()),
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "realtime-studio-proxy",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}
	return s, nil
}

// Handler routes requests. Only session minting is rate limited.
func (s *Server) Handler() fasthttp.RequestHandler {
	session := s.limiter.Wrap(s.handleSession)
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case SessionPath:
			if !ctx.IsPost() {
				writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
				return
			}
			session(ctx)
		case HealthPath:
			ctx.SetContentType("text/plain; charset=utf-8")
			ctx.SetBodyString("ok")
		case MetricsPath:
			s.metrics(ctx)
		default:
			writeError(ctx, fasthttp.StatusNotFound, "not found")
		}
	}
}

func (s *Server) handleSession(ctx *fasthttp.RequestCtx) {
	mctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	secret, err := s.minter.Mint(mctx)
	if err != nil {
		metrics.RecordSecret("error")
		s.logger.Error("minting client secret failed", err, zap.String("remote", ctx.RemoteIP().String()))
		writeError(ctx, fasthttp.StatusBadGateway, "could not create session")
		return
	}
	metrics.RecordSecret("ok")
	s.logger.Debug("client secret issued", zap.Int64("expires_at", secret.ExpiresAt))
	ctx.Response.Header.Set("Cache-Control", "no-store")
	writeJSON(ctx, fasthttp.StatusOK, sessionResponse{ClientSecret: secret})
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("session proxy listening", zap.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, errorResponse{Error: msg})
}
