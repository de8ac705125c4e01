package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestLoginFlowAuthenticatesAndResumes(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.get(t, env.url("/login?redir=/projects"))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to provider, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), env.idp.Issuer()+"/protocol/openid-connect/auth") {
		t.Fatalf("unexpected provider location %s", loc)
	}
	q := loc.Query()
	if q.Get("client_id") != testClientID {
		t.Fatalf("client_id mismatch: %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != env.bff.URL+"/login" {
		t.Fatalf("redirect_uri mismatch: %q", q.Get("redirect_uri"))
	}
	if q.Get("state") == "" || !strings.Contains(q.Get("scope"), "openid") {
		t.Fatalf("expected state and openid scope, got %v", q)
	}
	if !strings.Contains(resp.Header.Get("Set-Cookie"), "HttpOnly") {
		t.Fatalf("session cookie must be HttpOnly: %s", resp.Header.Get("Set-Cookie"))
	}

	resp = env.get(t, loc.String())
	resp = env.get(t, resp.Header.Get("Location"))
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/projects" {
		t.Fatalf("expected resume redirect to /projects, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if env.idp.LastRedirectURI() != env.bff.URL+"/login" {
		t.Fatalf("exchange used redirect_uri %q", env.idp.LastRedirectURI())
	}

	sess := env.session(t)
	if !sess.Authenticated() {
		t.Fatalf("session should hold tokens after exchange")
	}
	if sess.PendingRedirect != "" || sess.PendingState != "" {
		t.Fatalf("pending login state not cleared: %+v", sess)
	}
	if sess.Tokens.RefreshToken == "" || sess.Tokens.IDToken == "" {
		t.Fatalf("incomplete token set: %+v", sess.Tokens)
	}
}

func TestLoginWithoutRedirectReturnsOK(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.login(t, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after login, got %d", resp.StatusCode)
	}
}

func TestLoginWhenAuthenticatedSkipsProvider(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.login(t, "")

	resp := env.get(t, env.url("/login?redir=/datasets"))
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/datasets" {
		t.Fatalf("expected direct redirect, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if env.idp.Exchanges() != 1 {
		t.Fatalf("expected a single code exchange, got %d", env.idp.Exchanges())
	}
}

func TestLoginIgnoresUnsafeRedirect(t *testing.T) {
	for _, target := range []string{"https://evil.example.com/", "//evil.example.com", "javascript:alert(1)"} {
		t.Run(target, func(t *testing.T) {
			env := newTestEnv(t, nil, nil)
			resp := env.login(t, url.Values{"redir": {target}}.Encode())
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200 for unsafe target, got %d (%s)", resp.StatusCode, resp.Header.Get("Location"))
			}
		})
	}
}

func TestLoginStateMismatchIsRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.get(t, env.url("/login"))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	code := env.idp.IssueCode(env.idp.DefaultUser())

	resp = env.get(t, env.url("/login?code="+code+"&state=forged"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if env.idp.Exchanges() != 0 {
		t.Fatalf("state mismatch must not reach the provider")
	}
}

func TestLoginWithInvalidCodeIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.get(t, env.url("/login?code=bogus"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "" {
		t.Fatalf("401 must have empty body, got %q", body)
	}
}

func TestUserInfo(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.get(t, env.url("/user_info"))
	if body := strings.TrimSpace(readBody(t, resp)); body != `{"logged_in":false}` {
		t.Fatalf("unexpected anonymous user_info: %s", body)
	}

	env.login(t, "")
	resp = env.get(t, env.url("/user_info"))
	var got struct {
		LoggedIn bool           `json:"logged_in"`
		Data     map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode user_info: %v", err)
	}
	if !got.LoggedIn {
		t.Fatalf("expected logged_in true")
	}
	if got.Data["email"] != "User@Example.com" {
		t.Fatalf("email mismatch: %v", got.Data["email"])
	}
	if got.Data["preferred_username"] != "user" {
		t.Fatalf("userinfo endpoint claims not merged: %v", got.Data)
	}
	sum := md5.Sum([]byte("user@example.com"))
	want := "https://www.gravatar.com/avatar/" + hex.EncodeToString(sum[:]) + "?d=identicon&s=36"
	if got.Data["avatar_url"] != want {
		t.Fatalf("avatar mismatch: got %v want %s", got.Data["avatar_url"], want)
	}
}

func TestTokensEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.get(t, env.url("/tokens"))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("anonymous /tokens should start login, got %d", resp.StatusCode)
	}

	env.login(t, "")
	resp = env.get(t, env.url("/tokens"))
	var tokens TokenSet
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if tokens.AccessToken != env.session(t).Tokens.AccessToken {
		t.Fatalf("tokens endpoint returned a different access token")
	}
}

func TestOfflineTokenStartsLogin(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.get(t, env.url("/offline_token"))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}

	env.login(t, "")
	resp = env.get(t, env.url("/offline_token"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 once authenticated, got %d", resp.StatusCode)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.login(t, "")
	id := env.sessionID(t)

	for i := 0; i < 2; i++ {
		resp := env.get(t, env.url("/logout"))
		if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
			t.Fatalf("logout %d: expected redirect to /, got %d %q", i, resp.StatusCode, resp.Header.Get("Location"))
		}
	}

	if _, err := env.app.Store.Get(context.Background(), id); err == nil {
		t.Fatalf("session %s still stored after logout", id)
	}
	resp := env.get(t, env.url("/user_info"))
	if body := strings.TrimSpace(readBody(t, resp)); body != `{"logged_in":false}` {
		t.Fatalf("expected logged out user_info, got %s", body)
	}
}

func TestIndexRendersConfig(t *testing.T) {
	env := newTestEnv(t, nil, func(c *Config) { c.Monitoring.DSN = "sentry-dsn" })

	resp := env.get(t, env.url("/"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "window.bffConfig") || !strings.Contains(body, `"sentry-dsn"`) {
		t.Fatalf("config not rendered:\n%s", body)
	}
}

func TestRootPathPrefixesRoutes(t *testing.T) {
	env := newTestEnv(t, nil, func(c *Config) { c.Server.RootPath = "ui" })

	if resp := env.get(t, env.bff.URL+"/ui/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected prefixed health route, got %d", resp.StatusCode)
	}
	if resp := env.get(t, env.bff.URL+"/healthz"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unprefixed route should not exist, got %d", resp.StatusCode)
	}

	env.login(t, "")
	if env.idp.LastRedirectURI() != env.bff.URL+"/ui/login" {
		t.Fatalf("redirect_uri should include root path, got %q", env.idp.LastRedirectURI())
	}
	resp := env.get(t, env.url("/logout"))
	if resp.Header.Get("Location") != "/ui/" {
		t.Fatalf("logout should land on root path, got %q", resp.Header.Get("Location"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, func(c *Config) { c.Monitoring.Metrics = true })

	env.get(t, env.url("/healthz"))
	resp := env.get(t, env.url("/metrics"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "bff_http_requests_total") {
		t.Fatalf("request counter missing from metrics output")
	}

	off := newTestEnv(t, nil, nil)
	if resp := off.get(t, off.url("/metrics")); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics should be disabled by default, got %d", resp.StatusCode)
	}
}

func TestLoginWithRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newTestEnv(t, nil, func(c *Config) {
		c.Sessions.Backend = SessionBackendRedis
		c.Sessions.RedisAddr = mr.Addr()
	})

	env.login(t, "")
	id := env.sessionID(t)
	if !mr.Exists(env.app.Config.Sessions.KeyPrefix + id) {
		t.Fatalf("session %s not written to redis", id)
	}
	if !env.session(t).Authenticated() {
		t.Fatalf("redis-backed session lost its tokens")
	}
}
