package auth

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// The refresh credential is an HTTP-only cookie. The client keeps every cookie
// the API sets in an opaque blob under KeyRefreshToken and never reads their
// values.

func (c *Client) cookies() map[string]string {
	c.jarMu.Lock()
	defer c.jarMu.Unlock()
	return c.loadJar()
}

func (c *Client) loadJar() map[string]string {
	jar := make(map[string]string)
	raw, ok := c.storage.Get(KeyRefreshToken)
	if !ok || raw == "" {
		return jar
	}
	if err := sonic.UnmarshalString(raw, &jar); err != nil {
		c.logger.Warn("discarding unreadable cookie jar", zap.Error(err))
		return make(map[string]string)
	}
	return jar
}

func (c *Client) storeCookies(resp *fasthttp.Response) {
	c.jarMu.Lock()
	defer c.jarMu.Unlock()

	var (
		jar     map[string]string
		changed bool
		now     = time.Now()
	)
	for _, value := range resp.Header.Cookies() {
		cookie := fasthttp.AcquireCookie()
		if err := cookie.ParseBytes(value); err != nil {
			c.logger.Warn("ignoring malformed Set-Cookie", zap.Error(err))
			fasthttp.ReleaseCookie(cookie)
			continue
		}
		if jar == nil {
			jar = c.loadJar()
		}
		name := string(cookie.Key())
		expired := cookie.MaxAge() < 0 ||
			len(cookie.Value()) == 0 ||
			(!cookie.Expire().Equal(fasthttp.CookieExpireUnlimited) && cookie.Expire().Before(now))
		if expired {
			delete(jar, name)
		} else {
			jar[name] = string(cookie.Value())
		}
		changed = true
		fasthttp.ReleaseCookie(cookie)
	}
	if !changed {
		return
	}
	if len(jar) == 0 {
		if err := c.storage.Delete(KeyRefreshToken); err != nil {
			c.logger.Error("clearing cookie jar failed", err)
		}
		return
	}
	raw, err := sonic.MarshalString(jar)
	if err != nil {
		c.logger.Error("encoding cookie jar failed", err)
		return
	}
	if err := c.storage.Set(KeyRefreshToken, raw); err != nil {
		c.logger.Error("storing cookie jar failed", err)
	}
}
