package server

import "time"

// Session captures the per-browser state bound to the session cookie.
type Session struct {
	ID              string    `json:"id"`
	Tokens          *TokenSet `json:"tokens,omitempty"`
	PendingRedirect string    `json:"pending_redirect,omitempty"`
	PendingState    string    `json:"pending_state,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Authenticated reports whether the session holds a token set.
func (s *Session) Authenticated() bool {
	return s != nil && s.Tokens != nil
}

// TokenSet is the result of a single code exchange or refresh. It is always
// replaced as a whole, never field by field.
type TokenSet struct {
	AccessToken  string         `json:"access_token"`
	IDToken      string         `json:"id_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    int64          `json:"expires_at"`
	UserInfo     map[string]any `json:"userinfo,omitempty"`
}

// ExpiresWithin reports whether the ID token expires within d of now.
func (t *TokenSet) ExpiresWithin(now time.Time, d time.Duration) bool {
	return t.ExpiresAt <= now.Add(d).Unix()
}

// Email returns the email claim if present.
func (t *TokenSet) Email() string {
	if t == nil {
		return ""
	}
	email, _ := t.UserInfo["email"].(string)
	return email
}

// IDClaims is the verified view of an ID token.
type IDClaims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Claims    map[string]any
}
