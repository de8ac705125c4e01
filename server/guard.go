package server

import (
	"context"
	"errors"
	"net/http"
)

type sessionKey struct{}
type resumeKey struct{}

// RequireTokens runs the token lifecycle before next. Continue outcomes reach next
// with the session on the context; redirects and failures end the request here.
func (a *App) RequireTokens(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := a.Sessions.Load(r)
			if err != nil {
				a.Logger.Error("session load failed", "error", err, "path", r.URL.Path)
				writeFailure(w, err)
				return
			}

			out := a.Lifecycle.Ensure(r, sess, policy)
			if out.Modified {
				if err := a.Sessions.Save(w, r, out.Session); err != nil {
					a.Logger.Error("session save failed", "error", err, "session", shortID(out.Session.ID))
					writeFailure(w, err)
					return
				}
			}

			switch out.Kind {
			case OutcomeRedirect:
				http.Redirect(w, r, out.Location, http.StatusFound)
			case OutcomeFail:
				if !errors.Is(out.Err, ErrUnauthorized) {
					a.Logger.Warn("request failed in token lifecycle", "error", out.Err, "path", r.URL.Path)
				}
				writeFailure(w, out.Err)
			default:
				ctx := context.WithValue(r.Context(), sessionKey{}, out.Session)
				if out.ResumeTo != "" {
					ctx = context.WithValue(ctx, resumeKey{}, out.ResumeTo)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// SessionFromContext returns the session admitted by RequireTokens.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

// ResumeFromContext returns the post-login target captured before the provider redirect.
func ResumeFromContext(ctx context.Context) string {
	v, _ := ctx.Value(resumeKey{}).(string)
	return v
}
