// Package auth is the platform API client. It attaches the stored access
// token to every request and recovers from an expired token with a single
// refresh shared by all requests that failed while it was in flight.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-studio/metrics"
	"github.com/bt-bridge/realtime-studio/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	LoginPath   = "/auth/login"
	SignupPath  = "/auth/signup"
	RefreshPath = "/auth/refresh-token"
	LogoutPath  = "/auth/logout"

	// LoginRoute is where the user is sent when the session can not be
	// recovered.
	LoginRoute = "/login"

	DefaultRedirectGuardReset = 2 * time.Second
)

// authPaths never trigger a refresh.
var authPaths = []string{LoginPath, SignupPath, RefreshPath}

func isAuthPath(path string) bool {
	for _, p := range authPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

type Request struct {
	Method string
	Path   string
	Header map[string]string
	Body   []byte

	retried bool
	// generation of completed refreshes when the request was sent
	generation uint64
}

// Retried reports whether the request is a replay after a refresh.
func (r *Request) Retried() bool {
	return r.retried
}

func (r *Request) replay(token string) *Request {
	header := make(map[string]string, len(r.Header)+1)
	for k, v := range r.Header {
		header[k] = v
	}
	if token != "" {
		header["Authorization"] = "Bearer " + token
	}
	return &Request{
		Method:  r.Method,
		Path:    r.Path,
		Header:  header,
		Body:    r.Body,
		retried: true,
	}
}

type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (r *Response) Decode(v any) error {
	return sonic.Unmarshal(r.Body, v)
}

type Options struct {
	BaseURL string
	Storage Storage
	Logger  shared.LoggerAdapter
	// Redirect sends the user to the login entry point.
	Redirect           func(route string)
	RedirectGuardReset time.Duration
	HTTPClient         *fasthttp.Client
}

type refreshResult struct {
	token string
	err   error
}

type Client struct {
	baseURL    string
	storage    Storage
	logger     shared.LoggerAdapter
	http       *fasthttp.Client
	redirect   func(route string)
	guardReset time.Duration

	refreshes singleflight.Group

	// mu guards the refresh bookkeeping and is held while a refresh is
	// joined or started.
	mu         sync.Mutex
	generation uint64
	last       refreshResult
	// settled runs after a refresh is recorded, before its waiters are released.
	settled func()

	guardMu     sync.Mutex
	redirecting bool
	guardTimer  *time.Timer

	jarMu sync.Mutex
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, shared.ErrNoBaseURL
	}
	if opts.Storage == nil {
		return nil, shared.ErrNoStorage
	}
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.RedirectGuardReset <= 0 {
		opts.RedirectGuardReset = DefaultRedirectGuardReset
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &fasthttp.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		storage:    opts.Storage,
		logger:     opts.Logger.With(zap.String("component", "auth")),
		http:       opts.HTTPClient,
		redirect:   opts.Redirect,
		guardReset: opts.RedirectGuardReset,
	}, nil
}

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: fasthttp.MethodGet, Path: path})
}

// PostJSON encodes body with sonic and posts it.
func (c *Client) PostJSON(ctx context.Context, path string, body any) (*Response, error) {
	data, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return c.Do(ctx, &Request{
		Method: fasthttp.MethodPost,
		Path:   path,
		Header: map[string]string{"Content-Type": "application/json"},
		Body:   data,
	})
}

// Do sends req. A 401 on a non-auth request is recovered at most once by
// refreshing the access token and replaying the request.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Method:     req.Method,
		Path:       req.Path,
		Body:       string(resp.Body),
	}
	if resp.StatusCode != fasthttp.StatusUnauthorized {
		return nil, statusErr
	}

	switch {
	case isAuthPath(req.Path):
		c.logger.Warn("authentication request rejected", zap.String("path", req.Path))
		c.expireSession()
		return nil, statusErr
	case req.retried:
		return nil, statusErr
	}

	token, err := c.awaitRefresh(ctx, req.generation)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req.replay(token))
}

// awaitRefresh returns the outcome of the first refresh that settles after a
// request sent at generation was rejected. It starts the refresh when none is
// in flight.
func (c *Client) awaitRefresh(ctx context.Context, generation uint64) (string, error) {
	c.mu.Lock()
	if c.generation != generation {
		last := c.last
		c.mu.Unlock()
		return last.token, last.err
	}
	ch := c.refreshes.DoChan("refresh", func() (any, error) {
		token, err := c.refreshAccessToken(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.generation++
		c.last = refreshResult{token: token, err: err}
		// Requests that see the new generation must start a fresh refresh
		// instead of joining this settled one.
		c.refreshes.Forget("refresh")
		c.mu.Unlock()
		if c.settled != nil {
			c.settled()
		}
		return token, err
	})
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) refreshAccessToken(ctx context.Context) (string, error) {
	c.logger.Debug("refreshing access token")
	token, err := c.requestAccessToken(ctx)
	if err != nil {
		metrics.RecordRefresh("error")
		c.logger.Error("refreshing access token failed", err)
		c.expireSession()
		return "", &RefreshError{Err: err}
	}
	metrics.RecordRefresh("ok")
	if exp, err := TokenExpiry(token); err == nil {
		c.logger.Debug("access token refreshed", zap.Time("expires_at", exp))
	}
	return token, nil
}

type tokenEnvelope struct {
	Details struct {
		AccessToken string `json:"accessToken"`
	} `json:"details"`
}

func (c *Client) requestAccessToken(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, &Request{Method: fasthttp.MethodPost, Path: RefreshPath})
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{
			StatusCode: resp.StatusCode,
			Method:     fasthttp.MethodPost,
			Path:       RefreshPath,
			Body:       string(resp.Body),
		}
	}
	var env tokenEnvelope
	if err := resp.Decode(&env); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if env.Details.AccessToken == "" {
		return "", errors.New("refresh response carries no access token")
	}
	if err := c.storage.Set(KeyAccessToken, env.Details.AccessToken); err != nil {
		return "", fmt.Errorf("storing access token: %w", err)
	}
	return env.Details.AccessToken, nil
}

// expireSession wipes the local session and sends the user to log in.
func (c *Client) expireSession() {
	if err := c.storage.Delete(SessionKeys...); err != nil {
		c.logger.Error("clearing session storage failed", err)
	}
	c.redirectToLogin()
}

// redirectToLogin redirects at most once per guard window.
func (c *Client) redirectToLogin() {
	c.guardMu.Lock()
	if c.redirecting {
		c.guardMu.Unlock()
		return
	}
	c.redirecting = true
	c.guardTimer = time.AfterFunc(c.guardReset, func() {
		c.guardMu.Lock()
		c.redirecting = false
		c.guardMu.Unlock()
	})
	c.guardMu.Unlock()

	metrics.RecordLoginRedirect()
	c.logger.Warn("session expired, redirecting to login", zap.String("route", LoginRoute))
	if c.redirect != nil {
		c.redirect(LoginRoute)
	}
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	req.generation = c.generation
	c.mu.Unlock()

	freq := fasthttp.AcquireRequest()
	freq.SetRequestURI(c.baseURL + req.Path)
	method := req.Method
	if method == "" {
		method = fasthttp.MethodGet
	}
	freq.Header.SetMethod(method)
	for k, v := range req.Header {
		freq.Header.Set(k, v)
	}
	if _, ok := req.Header["Authorization"]; !ok {
		if token, ok := c.storage.Get(KeyAccessToken); ok && token != "" {
			freq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	for name, value := range c.cookies() {
		freq.Header.SetCookie(name, value)
	}
	if len(req.Body) > 0 {
		freq.SetBody(req.Body)
	}

	fresp, err := shared.DoRequest(ctx, c.http, freq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer fasthttp.ReleaseResponse(fresp)
	c.storeCookies(fresp)

	return &Response{
		StatusCode:  fresp.StatusCode(),
		ContentType: string(fresp.Header.ContentType()),
		Body:        append([]byte(nil), fresp.Body()...),
	}, nil
}
