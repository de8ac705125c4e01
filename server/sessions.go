package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionCookieName = "bff_session"

// SessionManager binds Store sessions to a signed cookie.
type SessionManager struct {
	store        Store
	logger       *slog.Logger
	ttl          time.Duration
	secret       []byte
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	cookiePath   string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	cookiePath := cfg.Server.RootPath
	if cookiePath == "" {
		cookiePath = "/"
	}
	return &SessionManager{
		store:  store,
		logger: logger,
		ttl:    cfg.Sessions.TTL,
		secret: []byte(cfg.Server.SecretKey),
		secure: !cfg.Server.DevMode,
		// Lax so the provider's top-level redirect back to us carries the cookie.
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
		cookiePath:   cookiePath,
	}
}

// CookieName is the name of the session cookie.
func (sm *SessionManager) CookieName() string {
	return sessionCookieName
}

// Load returns the session for the request cookie, or a fresh unsaved session
// when the cookie is absent, forged or points at nothing.
func (sm *SessionManager) Load(r *http.Request) (*Session, error) {
	if id, ok := sm.sessionID(r); ok {
		sess, err := sm.store.Get(r.Context(), id)
		switch {
		case err == nil:
			return sess, nil
		case errors.Is(err, ErrSessionNotFound):
		default:
			return nil, fmt.Errorf("load session: %w", err)
		}
	}
	now := time.Now().UTC()
	return &Session{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}, nil
}

// Reload reads the stored copy of a session, bypassing any request cookie.
func (sm *SessionManager) Reload(ctx context.Context, id string) (*Session, error) {
	return sm.store.Get(ctx, id)
}

// Persist writes the session without touching the cookie.
func (sm *SessionManager) Persist(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	if err := sm.store.Save(ctx, sess, sm.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Save persists the session and (re)issues the cookie.
func (sm *SessionManager) Save(w http.ResponseWriter, r *http.Request, sess *Session) error {
	if err := sm.Persist(r.Context(), sess); err != nil {
		return err
	}
	value, err := sm.sign(sess.ID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     sm.cookiePath,
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Destroy removes the stored session (if any) and expires the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) error {
	var err error
	if id, ok := sm.sessionID(r); ok {
		err = sm.store.Delete(r.Context(), id)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     sm.cookiePath,
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
	return err
}

// StripCookie returns the request's Cookie header without the session cookie.
func (sm *SessionManager) StripCookie(r *http.Request) string {
	cookies := r.Cookies()
	kept := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == sessionCookieName {
			continue
		}
		kept = append(kept, c.String())
	}
	return strings.Join(kept, "; ")
}

func (sm *SessionManager) sessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	id, err := sm.verify(cookie.Value)
	if err != nil {
		sm.logger.Debug("rejecting session cookie", "error", err)
		return "", false
	}
	return id, true
}

func (sm *SessionManager) sign(id string) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:       id,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sm.secret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return signed, nil
}

func (sm *SessionManager) verify(value string) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return sm.secret, nil
	}); err != nil {
		return "", err
	}
	if claims.ID == "" {
		return "", errors.New("session cookie without id")
	}
	return claims.ID, nil
}
