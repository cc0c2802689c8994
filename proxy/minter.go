package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
)

// Secret is a short-lived credential the browser or CLI may hold instead of
// the provider key.
type Secret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

type Minter interface {
	Mint(ctx context.Context) (*Secret, error)
}

// OpenAIMinter mints realtime client secrets with the long-lived API key.
type OpenAIMinter struct {
	client openai.Client
	model  string
	ttl    time.Duration
}

var _ Minter = (*OpenAIMinter)(nil)

func NewOpenAIMinter(cfg shared.ProxyConfig, opts ...option.RequestOption) (*OpenAIMinter, error) {
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.SecretTTL < 10*time.Second || cfg.SecretTTL > 2*time.Hour {
		return nil, fmt.Errorf("secret TTL %s is outside 10s..2h", cfg.SecretTTL)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.ProviderBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.ProviderBaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIMinter{
		client: openai.NewClient(reqOpts...),
		model:  cfg.Model,
		ttl:    cfg.SecretTTL,
	}, nil
}

func (m *OpenAIMinter) Mint(ctx context.Context) (*Secret, error) {
	resp, err := m.client.Realtime.ClientSecrets.New(ctx, realtime.ClientSecretNewParams{
		ExpiresAfter: realtime.ClientSecretNewParamsExpiresAfter{
			Anchor:  "created_at",
			Seconds: param.NewOpt(int64(m.ttl.Seconds())),
		},
		Session: realtime.ClientSecretNewParamsSessionUnion{
			OfRealtime: &realtime.RealtimeSessionCreateRequestParam{
				Model: m.model,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating client secret: %w", err)
	}
	if resp.Value == "" {
		return nil, errors.New("provider returned an empty client secret")
	}
	return &Secret{Value: resp.Value, ExpiresAt: resp.ExpiresAt}, nil
}
