package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type User struct {
	Id       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Verified bool   `json:"verified,omitempty"`
}

type loginEnvelope struct {
	Details struct {
		AccessToken string `json:"accessToken"`
		User        *User  `json:"user"`
	} `json:"details"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates with email and password. The access token and user are
// stored; the refresh cookie lands in the cookie jar.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	resp, err := c.PostJSON(ctx, LoginPath, credentials{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	var env loginEnvelope
	if err := resp.Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	if env.Details.AccessToken == "" {
		return nil, errors.New("login response carries no access token")
	}
	if err := c.storage.Set(KeyAccessToken, env.Details.AccessToken); err != nil {
		return nil, fmt.Errorf("storing access token: %w", err)
	}
	if env.Details.User != nil {
		raw, err := sonic.MarshalString(env.Details.User)
		if err != nil {
			return nil, fmt.Errorf("encoding user: %w", err)
		}
		if err := c.storage.Set(KeyUser, raw); err != nil {
			return nil, fmt.Errorf("storing user: %w", err)
		}
	}
	if err := c.storage.Delete(KeyPendingUser, KeyPendingVerificationEmail); err != nil {
		return nil, fmt.Errorf("clearing pending signup: %w", err)
	}
	c.logger.Info("logged in", zap.String("email", email))
	return env.Details.User, nil
}

// Logout tells the API to end the session and clears local state whatever the
// API answers. An expired session is not refreshed just to log it out.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Do(ctx, &Request{Method: fasthttp.MethodPost, Path: LogoutPath, retried: true})
	if IsUnauthorized(err) {
		err = nil
	}
	if derr := c.storage.Delete(SessionKeys...); derr != nil {
		return errors.Join(err, fmt.Errorf("clearing session storage: %w", derr))
	}
	return err
}

// User returns the stored user, if any.
func (c *Client) User() (*User, bool) {
	raw, ok := c.storage.Get(KeyUser)
	if !ok || raw == "" {
		return nil, false
	}
	u := new(User)
	if err := sonic.UnmarshalString(raw, u); err != nil {
		c.logger.Warn("stored user is unreadable", zap.Error(err))
		return nil, false
	}
	return u, true
}

// AccessToken returns the stored access token.
func (c *Client) AccessToken() (string, bool) {
	token, ok := c.storage.Get(KeyAccessToken)
	return token, ok && token != ""
}

// Close stops the redirect guard timer and drops idle connections.
func (c *Client) Close() {
	c.guardMu.Lock()
	if c.guardTimer != nil {
		c.guardTimer.Stop()
	}
	c.guardMu.Unlock()
	c.http.CloseIdleConnections()
}

// TokenExpiry reads the exp claim of a JWT. The signature is not verified; the
// API stays the authority on whether a token is valid.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}
