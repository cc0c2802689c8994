package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// CredentialIssuer obtains the short-lived credential used to authenticate the
// signaling exchange.
type CredentialIssuer interface {
	Issue(ctx context.Context) (string, error)
}

// CredentialError reports a failed credential request. StatusCode is zero when
// the endpoint could not be reached or its answer could not be read.
type CredentialError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *CredentialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("credential request failed: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("credential request failed: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// HTTPCredentialIssuer asks the session-issuing proxy for an ephemeral key.
type HTTPCredentialIssuer struct {
	url    string
	client *fasthttp.Client
	header map[string]string
}

var _ CredentialIssuer = (*HTTPCredentialIssuer)(nil)

// NewHTTPCredentialIssuer targets sessionURL. Extra headers (for example a
// platform bearer token) are sent with every request.
func NewHTTPCredentialIssuer(sessionURL string, header map[string]string) (*HTTPCredentialIssuer, error) {
	if sessionURL == "" {
		return nil, errors.New("session URL is required")
	}
	return &HTTPCredentialIssuer{
		url:    sessionURL,
		client: &fasthttp.Client{},
		header: header,
	}, nil
}

func (i *HTTPCredentialIssuer) Issue(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(i.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range i.header {
		req.Header.Set(k, v)
	}
	req.SetBodyString("{}")

	resp, err := shared.DoRequest(ctx, i.client, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", &CredentialError{Err: err}
	}
	defer fasthttp.ReleaseResponse(resp)

	if code := resp.StatusCode(); code < 200 || code > 299 {
		return "", &CredentialError{StatusCode: code, Body: string(resp.Body())}
	}
	var sr sessionResponse
	if err := sonic.Unmarshal(resp.Body(), &sr); err != nil {
		return "", &CredentialError{Err: fmt.Errorf("decoding session response: %w", err)}
	}
	if sr.ClientSecret.Value == "" {
		return "", &CredentialError{Err: errors.New("missing client_secret.value")}
	}
	return sr.ClientSecret.Value, nil
}
