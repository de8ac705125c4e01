package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/SwissDataScienceCenter/renku-ui/oidctest"
)

const (
	testClientID     = "renku-ui"
	testClientSecret = "s3cret"
)

type testEnv struct {
	idp    *oidctest.Provider
	api    *httptest.Server
	app    *App
	bff    *httptest.Server
	client *http.Client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv starts a provider, the given API backend and the BFF in front of it.
// The client keeps cookies and does not follow redirects.
func newTestEnv(t *testing.T, api http.Handler, mutate func(*Config)) *testEnv {
	t.Helper()

	idp, err := oidctest.New(testClientID, testClientSecret)
	if err != nil {
		t.Fatalf("start provider: %v", err)
	}
	t.Cleanup(idp.Close)

	if api == nil {
		api = http.NotFoundHandler()
	}
	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	cfg := DefaultConfig()
	cfg.API.RootURL = apiSrv.URL + "/api/"
	cfg.OIDC.IssuerURL = idp.Issuer()
	cfg.OIDC.ClientID = testClientID
	cfg.OIDC.ClientSecret = testClientSecret
	cfg.Server.SecretKey = "test-secret-key"
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.applyDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	bff := httptest.NewServer(app.Routes())
	t.Cleanup(bff.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{idp: idp, api: apiSrv, app: app, bff: bff, client: client}
}

func (e *testEnv) url(path string) string {
	return e.bff.URL + e.app.Config.Server.RootPath + path
}

func (e *testEnv) get(t *testing.T, rawURL string) *http.Response {
	t.Helper()
	resp, err := e.client.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// login drives the full browser flow and returns the final BFF response.
func (e *testEnv) login(t *testing.T, query string) *http.Response {
	t.Helper()
	target := e.url("/login")
	if query != "" {
		target += "?" + query
	}

	resp := e.get(t, target)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to provider, got %d", resp.StatusCode)
	}
	resp = e.get(t, resp.Header.Get("Location"))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected provider redirect back, got %d", resp.StatusCode)
	}
	return e.get(t, resp.Header.Get("Location"))
}

// session reads the stored session behind the client's cookie.
func (e *testEnv) session(t *testing.T) *Session {
	t.Helper()
	id := e.sessionID(t)
	sess, err := e.app.Store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load session %s: %v", id, err)
	}
	return sess
}

func (e *testEnv) sessionID(t *testing.T) string {
	t.Helper()
	u, _ := url.Parse(e.url("/"))
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == sessionCookieName {
			id, err := e.app.Sessions.verify(c.Value)
			if err != nil {
				t.Fatalf("verify session cookie: %v", err)
			}
			return id
		}
	}
	t.Fatalf("no session cookie in jar")
	return ""
}

// expireIn rewrites the stored token expiry relative to now.
func (e *testEnv) expireIn(t *testing.T, d time.Duration) {
	t.Helper()
	sess := e.session(t)
	tokens := *sess.Tokens
	tokens.ExpiresAt = time.Now().Add(d).Unix()
	sess.Tokens = &tokens
	if err := e.app.Store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("save session: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
