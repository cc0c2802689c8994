package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProxyConfig(baseURL string) shared.ProxyConfig {
	return shared.ProxyConfig{
		APIKey:          "sk-test",
		ProviderBaseURL: baseURL,
		Model:           "gpt-realtime",
		SecretTTL:       10 * time.Minute,
		RatePerSecond:   1,
		Burst:           5,
	}
}

func TestOpenAIMinterMint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/realtime/client_secrets", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			ExpiresAfter struct {
				Anchor  string `json:"anchor"`
				Seconds int64  `json:"seconds"`
			} `json:"expires_after"`
			Session struct {
				Type  string `json:"type"`
				Model string `json:"model"`
			} `json:"session"`
		}
		require.NoError(t, sonic.Unmarshal(body, &req))
		assert.Equal(t, "created_at", req.ExpiresAfter.Anchor)
		assert.Equal(t, int64(600), req.ExpiresAfter.Seconds)
		assert.Equal(t, "realtime", req.Session.Type)
		assert.Equal(t, "gpt-realtime", req.Session.Model)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"value":"ek_abc","expires_at":1700000600,"session":{"type":"realtime","model":"gpt-realtime"}}`)
	}))
	defer srv.Close()

	m, err := NewOpenAIMinter(testProxyConfig(srv.URL+"/v1/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	secret, err := m.Mint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Secret{Value: "ek_abc", ExpiresAt: 1700000600}, secret)
}

func TestOpenAIMinterProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	m, err := NewOpenAIMinter(testProxyConfig(srv.URL+"/v1/"), option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = m.Mint(context.Background())
	assert.ErrorContains(t, err, "creating client secret")
}

func TestNewOpenAIMinterValidates(t *testing.T) {
	cfg := testProxyConfig("")
	cfg.APIKey = ""
	_, err := NewOpenAIMinter(cfg)
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)

	cfg = testProxyConfig("")
	cfg.SecretTTL = time.Second
	_, err = NewOpenAIMinter(cfg)
	assert.Error(t, err)
}
