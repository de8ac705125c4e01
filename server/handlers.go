package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const sessionCleanupInterval = 10 * time.Minute

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     Store
	Sessions  *SessionManager
	Provider  IdentityProvider
	Lifecycle *LifecycleManager
	Proxy     *APIProxy
	Download  *DownloadRelay
	Metrics   *Metrics

	publicOrigin string
	closers      []func() error
}

// NewApp wires together the application state from configuration. Provider
// discovery happens here, so the issuer must be reachable at startup.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, closeStore, err := openStore(ctx, cfg.Sessions, logger)
	if err != nil {
		return nil, err
	}

	provider, err := DiscoverOIDCProvider(ctx, cfg.OIDC, logger)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("init oidc provider: %w", err)
	}

	app := newApp(cfg, logger, store, provider)
	app.closers = append(app.closers, closeStore)
	return app, nil
}

func newApp(cfg Config, logger *slog.Logger, store Store, provider IdentityProvider) *App {
	metrics := NewMetrics()
	sessions := NewSessionManager(cfg, store, logger)
	upstream := newUpstreamClient(cfg.API.Timeout)

	app := &App{
		Config:       cfg,
		Logger:       logger,
		Store:        store,
		Sessions:     sessions,
		Provider:     provider,
		Proxy:        NewAPIProxy(cfg.API, cfg.Server.RootPath, upstream, sessions, metrics, logger),
		Download:     NewDownloadRelay(cfg.API, upstream, metrics, logger),
		Metrics:      metrics,
		publicOrigin: originOf(cfg.Server.PublicURL),
	}
	app.Lifecycle = NewLifecycleManager(provider, sessions, metrics, app.baseURL, logger)
	return app
}

func openStore(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (Store, func() error, error) {
	switch cfg.Backend {
	case SessionBackendRedis:
		rs := NewRedisStore(cfg.RedisAddr, cfg.KeyPrefix)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("connect session redis: %w", err)
		}
		logger.Info("using redis session store", "addr", cfg.RedisAddr)
		return rs, rs.Close, nil
	default:
		ms := NewInMemoryStore()
		stop := make(chan struct{})
		ms.StartCleanup(sessionCleanupInterval, stop)
		logger.Warn("using in-memory session store; sessions are lost on restart")
		return ms, func() error { close(stop); return nil }, nil
	}
}

// Close releases the session store.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// baseURL is the absolute URL of the current route without query, used as the
// OAuth redirect URI.
func (a *App) baseURL(r *http.Request) string {
	if a.publicOrigin != "" {
		return a.publicOrigin + r.URL.Path
	}
	return schemeFromRequest(r, a.Config.Server.TrustProxyHeaders) + "://" + r.Host + r.URL.Path
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Renku</title>
<script>window.bffConfig = {baseUrl: {{.BaseURL}}, monitoringDsn: {{.MonitoringDSN}}};</script>
</head>
<body><div id="root"></div></body>
</html>
`))

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		BaseURL       string
		MonitoringDSN string
	}{
		BaseURL:       strings.TrimSuffix(a.baseURL(r), "/"),
		MonitoringDSN: a.Config.Monitoring.DSN,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		a.Logger.Error("render index", "error", err)
	}
}

// handleLogin runs behind the best-effort guard: by the time it executes the
// session is authenticated.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("redir")
	if target == "" {
		target = ResumeFromContext(r.Context())
	}
	if target != "" {
		if a.isSafeRedirect(r, target) {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		a.Logger.Warn("ignoring unsafe post-login redirect", "target", target)
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleOfflineToken(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, SessionFromContext(r.Context()).Tokens)
}

type userInfoResponse struct {
	LoggedIn bool           `json:"logged_in"`
	Data     map[string]any `json:"data,omitempty"`
}

// handleUserInfo reports only what the session already holds; it never talks to
// the provider.
func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.Logger.Error("session load failed", "error", err)
		writeFailure(w, err)
		return
	}
	if !sess.Authenticated() {
		writeJSON(w, userInfoResponse{LoggedIn: false})
		return
	}

	data := maps.Clone(sess.Tokens.UserInfo)
	if data == nil {
		data = map[string]any{}
	}
	data["avatar_url"] = avatarURL(sess.Tokens.Email())
	writeJSON(w, userInfoResponse{LoggedIn: true, Data: data})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Destroy(w, r); err != nil {
		a.Logger.Warn("session delete failed", "error", err)
	}
	http.Redirect(w, r, a.Config.Server.RootPath+"/", http.StatusFound)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// isSafeRedirect accepts same-site relative paths and absolute URLs on our own host.
func (a *App) isSafeRedirect(r *http.Request, target string) bool {
	if strings.HasPrefix(target, "/") {
		return !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\")
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	host := r.Host
	if a.publicOrigin != "" {
		if pu, err := url.Parse(a.publicOrigin); err == nil {
			host = pu.Host
		}
	}
	return strings.EqualFold(u.Host, host)
}

// avatarURL derives the Gravatar identicon for an email address.
func avatarURL(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "https://www.gravatar.com/avatar/" + hex.EncodeToString(sum[:]) + "?d=identicon&s=36"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
