package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Everything is served below the configured
// root path.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	if root := a.Config.Server.RootPath; root != "" {
		r.Route(root, a.mountRoutes)
	} else {
		a.mountRoutes(r)
	}
	return r
}

func (a *App) mountRoutes(r chi.Router) {
	r.Get("/", a.handleIndex)
	r.Get("/healthz", a.handleHealth)
	r.Get("/user_info", a.handleUserInfo)
	r.Get("/logout", a.handleLogout)
	if a.Config.Monitoring.Metrics {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}

	// API traffic never gets a login redirect it could not follow.
	r.Group(func(r chi.Router) {
		r.Use(a.RequireTokens(PolicyRequireLogin))
		for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
			r.Method(m, "/api/*", a.Proxy)
		}
		r.Method(http.MethodGet, "/download", a.Download)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.RequireTokens(PolicyBestEffort))
		r.Get("/login", a.handleLogin)
		r.Get("/offline_token", a.handleOfflineToken)
		r.Get("/tokens", a.handleTokens)
	})
}
