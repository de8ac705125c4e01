package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SkewWindow is subtracted from the ID token expiry so a token valid at routing
// time cannot expire while the request is in flight upstream.
const SkewWindow = 5 * time.Second

// Policy decides what happens when a request arrives without usable tokens.
type Policy int

const (
	// PolicyRequireLogin rejects with 401 instead of redirecting; used for
	// background API traffic.
	PolicyRequireLogin Policy = iota
	// PolicyBestEffort sends the browser to the provider and resumes afterwards.
	PolicyBestEffort
)

func (p Policy) String() string {
	if p == PolicyBestEffort {
		return "best_effort"
	}
	return "require_login"
}

// OutcomeKind tags the result of a lifecycle check.
type OutcomeKind int

const (
	OutcomeContinue OutcomeKind = iota
	OutcomeRedirect
	OutcomeFail
)

// Outcome is the result of Ensure. Modified reports whether the session must be
// persisted before the outcome is acted upon.
type Outcome struct {
	Kind     OutcomeKind
	Session  *Session
	Location string
	ResumeTo string
	Err      error
	Modified bool
}

// LifecycleManager drives the per-request token state machine.
type LifecycleManager struct {
	provider IdentityProvider
	sessions *SessionManager
	logger   *slog.Logger
	metrics  *Metrics
	baseURL  func(*http.Request) string
	now      func() time.Time
	flights  singleflight.Group
}

// NewLifecycleManager wires the state machine to its collaborators.
func NewLifecycleManager(provider IdentityProvider, sessions *SessionManager, metrics *Metrics, baseURL func(*http.Request) string, logger *slog.Logger) *LifecycleManager {
	return &LifecycleManager{
		provider: provider,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
		baseURL:  baseURL,
		now:      time.Now,
	}
}

// Ensure evaluates the session against policy. It performs at most one provider
// call and never touches the session when the provider fails unexpectedly.
func (m *LifecycleManager) Ensure(r *http.Request, sess *Session, policy Policy) Outcome {
	switch {
	case sess.Tokens == nil:
		return m.noSession(r, sess, policy)
	case !sess.Tokens.ExpiresWithin(m.now(), SkewWindow):
		return Outcome{Kind: OutcomeContinue, Session: sess}
	default:
		return m.expiring(r, sess, policy)
	}
}

func (m *LifecycleManager) noSession(r *http.Request, sess *Session, policy Policy) Outcome {
	if policy == PolicyRequireLogin {
		return Outcome{Kind: OutcomeFail, Session: sess, Err: ErrUnauthorized}
	}

	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		return m.startLogin(r, sess)
	}

	if state := q.Get("state"); state != "" && sess.PendingState != "" && state != sess.PendingState {
		m.logger.Warn("login state mismatch", "session", shortID(sess.ID))
		return Outcome{Kind: OutcomeFail, Session: sess, Err: fmt.Errorf("%w: state mismatch", ErrUnauthorized)}
	}

	tokens, err := m.provider.Exchange(r.Context(), m.baseURL(r), code)
	if err != nil {
		m.metrics.TokenEvent("exchange_failed")
		m.logger.Warn("code exchange failed", "session", shortID(sess.ID), "error", err)
		return Outcome{Kind: OutcomeFail, Session: sess, Err: fmt.Errorf("%w: code exchange: %v", ErrUnauthorized, err)}
	}
	m.metrics.TokenEvent("exchange_ok")

	resume := sess.PendingRedirect
	sess.Tokens = tokens
	sess.PendingRedirect = ""
	sess.PendingState = ""
	m.logger.Info("session authenticated", "session", shortID(sess.ID), "expires_at", tokens.ExpiresAt)
	return Outcome{Kind: OutcomeContinue, Session: sess, ResumeTo: resume, Modified: true}
}

// startLogin remembers where to resume and points the browser at the provider.
func (m *LifecycleManager) startLogin(r *http.Request, sess *Session) Outcome {
	sess.PendingRedirect = r.URL.Query().Get("redir")
	sess.PendingState = uuid.NewString()
	return Outcome{
		Kind:     OutcomeRedirect,
		Session:  sess,
		Location: m.provider.AuthorizationURL(m.baseURL(r), sess.PendingState),
		Modified: true,
	}
}

func (m *LifecycleManager) expiring(r *http.Request, sess *Session, policy Policy) Outcome {
	refreshToken := sess.Tokens.RefreshToken
	baseURL := m.baseURL(r)
	// Concurrent requests for the same session share one refresh. The flight must
	// outlive whichever caller started it.
	ctx := context.WithoutCancel(r.Context())

	v, err, shared := m.flights.Do(sess.ID, func() (any, error) {
		return m.refresh(ctx, sess.ID, baseURL, refreshToken)
	})
	if err != nil {
		m.metrics.TokenEvent("refresh_error")
		m.logger.Error("token refresh failed", "session", shortID(sess.ID), "error", err)
		return Outcome{Kind: OutcomeFail, Session: sess, Err: err}
	}

	tokens, _ := v.(*TokenSet)
	if tokens == nil {
		m.metrics.TokenEvent("refresh_invalid")
		m.logger.Info("refresh rejected, clearing tokens", "session", shortID(sess.ID), "policy", policy.String())
		sess.Tokens = nil
		if policy == PolicyRequireLogin {
			return Outcome{Kind: OutcomeFail, Session: sess, Err: ErrUnauthorized, Modified: true}
		}
		return m.startLogin(r, sess)
	}

	m.metrics.TokenEvent("refresh_ok")
	m.logger.Debug("tokens refreshed", "session", shortID(sess.ID), "shared", shared, "expires_at", tokens.ExpiresAt)
	sess.Tokens = tokens
	return Outcome{Kind: OutcomeContinue, Session: sess, Modified: true}
}

// refresh returns the new token set, nil when the refresh is no longer valid, or a
// provider error.
func (m *LifecycleManager) refresh(ctx context.Context, sessionID, baseURL, refreshToken string) (*TokenSet, error) {
	// Callers only get here holding expiring tokens, so fresh stored tokens mean an
	// earlier flight already spent our refresh token.
	stored, err := m.sessions.Reload(ctx, sessionID)
	if err == nil && stored.Tokens != nil && !stored.Tokens.ExpiresWithin(m.now(), SkewWindow) {
		return stored.Tokens, nil
	}

	if refreshToken == "" {
		return nil, nil
	}

	tokens, err := m.provider.Refresh(ctx, baseURL, refreshToken)
	switch {
	case errors.Is(err, ErrTokenInvalid):
		m.logger.Warn("refreshed id token rejected", "session", shortID(sessionID), "error", err)
		return nil, nil
	case err != nil:
		return nil, err
	}

	// Store before the flight ends so later requests never replay the old token.
	if stored != nil {
		stored.Tokens = tokens
		if err := m.sessions.Persist(ctx, stored); err != nil {
			m.logger.Warn("persist refreshed tokens", "session", shortID(sessionID), "error", err)
		}
	}
	return tokens, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
