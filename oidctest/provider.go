// Package oidctest runs an in-process OpenID provider for tests. It speaks just
// enough of the protocol for discovery, code exchange, refresh, userinfo and
// ID token verification.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// RealmPath is where the provider's issuer lives on the test server.
const RealmPath = "/realms/renku"

// User is the identity a code or token was issued for.
type User struct {
	Subject string
	Email   string
	Name    string
}

type grant struct {
	user        User
	redirectURI string
}

// Provider is a minimal OpenID provider backed by httptest.Server.
type Provider struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string

	key *rsa.PrivateKey
	jwk jose.JSONWebKey
	kid string

	mu               sync.Mutex
	externalIssuer   string
	audience         string
	tokenTTL         time.Duration
	refreshStatus    int
	refreshDelay     time.Duration
	discoveryFails   int
	omitRefreshToken bool
	defaultUser      User
	counter          int
	codes            map[string]grant
	refreshTokens    map[string]User
	accessTokens     map[string]User
	exchanges        int
	refreshes        int
	lastRedirectURI  string
}

// New starts a provider for the given client credentials.
func New(clientID, clientSecret string) (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	kid := randomHex(6)
	p := &Provider{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		key:           key,
		kid:           kid,
		jwk:           jose.JSONWebKey{Key: &key.PublicKey, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
		audience:      clientID,
		tokenTTL:      5 * time.Minute,
		defaultUser:   User{Subject: "user-123", Email: "User@Example.com", Name: "Test User"},
		codes:         make(map[string]grant),
		refreshTokens: make(map[string]User),
		accessTokens:  make(map[string]User),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(RealmPath+"/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc(RealmPath+"/protocol/openid-connect/certs", p.handleJWKS)
	mux.HandleFunc(RealmPath+"/protocol/openid-connect/auth", p.handleAuthorize)
	mux.HandleFunc(RealmPath+"/protocol/openid-connect/token", p.handleToken)
	mux.HandleFunc(RealmPath+"/protocol/openid-connect/userinfo", p.handleUserInfo)
	p.Server = httptest.NewServer(mux)
	return p, nil
}

// Close shuts the server down.
func (p *Provider) Close() {
	p.Server.Close()
}

// Issuer is the internally reachable issuer URL advertised by discovery.
func (p *Provider) Issuer() string {
	return p.Server.URL + RealmPath
}

// SetExternalIssuer makes minted ID tokens carry iss=external, as a provider
// reached through a different public hostname would.
func (p *Provider) SetExternalIssuer(external string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.externalIssuer = strings.TrimSuffix(external, "/")
}

// SetAudience overrides the aud claim of minted ID tokens.
func (p *Provider) SetAudience(aud string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audience = aud
}

// SetTokenTTL controls the exp claim of minted ID tokens.
func (p *Provider) SetTokenTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenTTL = ttl
}

// SetRefreshStatus forces refresh grants to fail with status. Zero restores normal behaviour.
func (p *Provider) SetRefreshStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatus = status
}

// SetRefreshDelay holds refresh grants for d before answering, or until the
// client gives up.
func (p *Provider) SetRefreshDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshDelay = d
}

// FailDiscovery makes the next n discovery requests answer 503, as a provider
// that is still starting would.
func (p *Provider) FailDiscovery(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryFails = n
}

// OmitRefreshToken makes refresh responses leave out a new refresh token.
func (p *Provider) OmitRefreshToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = omit
}

// IssueCode registers a one-time authorization code for user.
func (p *Provider) IssueCode(user User) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := p.nextID("code")
	p.codes[code] = grant{user: user}
	return code
}

// IssueRefreshToken registers a refresh token for user without a prior exchange.
func (p *Provider) IssueRefreshToken(user User) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rt := p.nextID("rt")
	p.refreshTokens[rt] = user
	return rt
}

// DefaultUser is the identity used by the auto-approving authorize endpoint.
func (p *Provider) DefaultUser() User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultUser
}

// Exchanges counts authorization-code grants received.
func (p *Provider) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// Refreshes counts refresh grants received.
func (p *Provider) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

// LastRedirectURI is the redirect_uri of the latest code exchange.
func (p *Provider) LastRedirectURI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRedirectURI
}

// MintIDToken signs an ID token for user with the provider key, applying overrides last.
func (p *Provider) MintIDToken(user User, overrides jwt.MapClaims) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mintIDToken(user, overrides)
}

func (p *Provider) issuerClaim() string {
	if p.externalIssuer != "" {
		return p.externalIssuer + RealmPath
	}
	return p.Issuer()
}

func (p *Provider) mintIDToken(user User, overrides jwt.MapClaims) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   p.issuerClaim(),
		"sub":   user.Subject,
		"aud":   p.audience,
		"iat":   now.Unix(),
		"exp":   now.Add(p.tokenTTL).Unix(),
		"email": user.Email,
		"name":  user.Name,
	}
	for k, v := range overrides {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	return token.SignedString(p.key)
}

func (p *Provider) nextID(prefix string) string {
	p.counter++
	return fmt.Sprintf("%s-%d-%s", prefix, p.counter, randomHex(4))
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	failing := p.discoveryFails > 0
	if failing {
		p.discoveryFails--
	}
	p.mu.Unlock()
	if failing {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}

	issuer := p.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/protocol/openid-connect/auth",
		"token_endpoint":                        issuer + "/protocol/openid-connect/token",
		"userinfo_endpoint":                     issuer + "/protocol/openid-connect/userinfo",
		"jwks_uri":                              issuer + "/protocol/openid-connect/certs",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{p.jwk}})
}

// handleAuthorize approves every request as the default user.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != p.ClientID || redirectURI == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	code := p.nextID("code")
	p.codes[code] = grant{user: p.defaultUser, redirectURI: redirectURI}
	p.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("code", code)
	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	if clientID != p.ClientID || clientSecret != p.ClientSecret {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	if r.PostForm.Get("grant_type") == "refresh_token" {
		p.mu.Lock()
		delay := p.refreshDelay
		p.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		user        User
		keepRefresh string
	)
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchanges++
		g, ok := p.codes[r.PostForm.Get("code")]
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(p.codes, r.PostForm.Get("code"))
		p.lastRedirectURI = r.PostForm.Get("redirect_uri")
		if g.redirectURI != "" && g.redirectURI != p.lastRedirectURI {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		user = g.user
	case "refresh_token":
		p.refreshes++
		if p.refreshStatus != 0 {
			oauthError(w, p.refreshStatus, "invalid_grant")
			return
		}
		rt := r.PostForm.Get("refresh_token")
		u, ok := p.refreshTokens[rt]
		if !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		user = u
		if p.omitRefreshToken {
			keepRefresh = rt
		} else {
			delete(p.refreshTokens, rt)
		}
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	idToken, err := p.mintIDToken(user, nil)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	accessToken := p.nextID("at")
	p.accessTokens[accessToken] = user

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(p.tokenTTL.Seconds()),
		"id_token":     idToken,
	}
	if keepRefresh == "" {
		refreshToken := p.nextID("rt")
		p.refreshTokens[refreshToken] = user
		resp["refresh_token"] = refreshToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	user, ok := p.accessTokens[token]
	p.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":                user.Subject,
		"email":              user.Email,
		"name":               user.Name,
		"preferred_username": strings.ToLower(strings.Split(user.Email, "@")[0]),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "00"
	}
	return hex.EncodeToString(buf)
}
