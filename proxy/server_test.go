package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type fakeMinter struct {
	err   error
	calls atomic.Int32
}

func (m *fakeMinter) Mint(ctx context.Context) (*Secret, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &Secret{Value: "ek_test", ExpiresAt: 1700000000}, nil
}

func serve(t *testing.T, minter Minter, cfg shared.ProxyConfig) *fasthttp.Client {
	t.Helper()
	srv, err := NewServer(shared.NewNopLogger(), minter, cfg)
	require.NoError(t, err)
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}
}

func call(t *testing.T, client *fasthttp.Client, method, path string) (int, string) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://proxy.test" + path)
	req.Header.SetMethod(method)
	require.NoError(t, client.Do(req, resp))
	return resp.StatusCode(), string(resp.Body())
}

func TestServerSession(t *testing.T) {
	client := serve(t, &fakeMinter{}, testProxyConfig(""))

	status, body := call(t, client, fasthttp.MethodPost, SessionPath)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.JSONEq(t, `{"client_secret":{"value":"ek_test","expires_at":1700000000}}`, body)

	status, _ = call(t, client, fasthttp.MethodGet, SessionPath)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)
}

func TestServerRateLimit(t *testing.T) {
	cfg := testProxyConfig("")
	cfg.RatePerSecond = 0.001
	cfg.Burst = 2
	minter := &fakeMinter{}
	client := serve(t, minter, cfg)

	for range 2 {
		status, _ := call(t, client, fasthttp.MethodPost, SessionPath)
		require.Equal(t, fasthttp.StatusOK, status)
	}
	status, body := call(t, client, fasthttp.MethodPost, SessionPath)
	assert.Equal(t, fasthttp.StatusTooManyRequests, status)
	assert.Contains(t, body, "rate limit exceeded")
	assert.Equal(t, int32(2), minter.calls.Load())

	// Health checks are not limited.
	status, body = call(t, client, fasthttp.MethodGet, HealthPath)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "ok", body)
}

func TestServerMinterFailure(t *testing.T) {
	client := serve(t, &fakeMinter{err: errors.New("provider down")}, testProxyConfig(""))

	status, body := call(t, client, fasthttp.MethodPost, SessionPath)
	assert.Equal(t, fasthttp.StatusBadGateway, status)
	assert.NotContains(t, body, "provider down")
}

func TestServerMetricsAndNotFound(t *testing.T) {
	client := serve(t, &fakeMinter{}, testProxyConfig(""))
	call(t, client, fasthttp.MethodPost, SessionPath)

	status, body := call(t, client, fasthttp.MethodGet, MetricsPath)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.True(t, strings.Contains(body, "studio_proxy_secrets_issued_total"))

	status, _ = call(t, client, fasthttp.MethodGet, "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestRateLimiterKeys(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}
