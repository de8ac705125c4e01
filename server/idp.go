package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider represents the behaviour required from the upstream OpenID provider.
type IdentityProvider interface {
	// AuthorizationURL builds the provider login URL returning to baseURL.
	AuthorizationURL(baseURL, state string) string
	// Exchange performs the authorization-code grant.
	Exchange(ctx context.Context, baseURL, code string) (*TokenSet, error)
	// Refresh performs the refresh grant. A nil TokenSet with a nil error means the
	// provider rejected the refresh token as no longer valid.
	Refresh(ctx context.Context, baseURL, refreshToken string) (*TokenSet, error)
	// Verify checks an ID token against the cached key set, client id and issuer.
	Verify(ctx context.Context, rawIDToken string) (*IDClaims, error)
}

// discoveryMetadata is the subset of the discovery document we rely on.
type discoveryMetadata struct {
	Issuer      string `json:"issuer"`
	AuthURL     string `json:"authorization_endpoint"`
	TokenURL    string `json:"token_endpoint"`
	JWKSURL     string `json:"jwks_uri"`
	UserInfoURL string `json:"userinfo_endpoint"`
}

// OIDCProvider wraps the upstream provider configuration and helpers.
type OIDCProvider struct {
	oauthConfig    oauth2.Config
	verifier       *oidc.IDTokenVerifier
	op             *oidc.Provider
	issuer         string
	hasUserInfo    bool
	client         *http.Client
	userinfoClient *http.Client
	logger         *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery. The discovery document and
// the remote key set are kept for the lifetime of the process.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	client := &http.Client{Timeout: timeout}

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, client), strings.TrimSuffix(cfg.IssuerURL, "/"))
	if err != nil {
		return nil, &ProviderError{Op: "discovery", Err: err}
	}

	var meta discoveryMetadata
	if err := op.Claims(&meta); err != nil {
		return nil, &ProviderError{Op: "discovery", Err: fmt.Errorf("parse metadata: %w", err)}
	}

	rw := newIssuerRewriter(cfg.IssuerURL, cfg.RedirectURL)
	issuer := rw.rewrite(meta.Issuer)

	authStyle := oauth2.AuthStyleInHeader
	if cfg.ClientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}

	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), client), meta.JWKSURL)
	verifier := oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: cfg.ClientID})

	userinfoClient := client
	if host := rw.externalHost(); host != "" {
		userinfoClient = &http.Client{
			Timeout:   timeout,
			Transport: hostOverrideTransport{base: http.DefaultTransport, host: host},
		}
	}

	logger.Info("oidc provider discovered",
		"issuer", issuer,
		"authorization_endpoint", rw.rewrite(meta.AuthURL),
		"token_endpoint", meta.TokenURL,
	)

	return &OIDCProvider{
		oauthConfig: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   rw.rewrite(meta.AuthURL),
				TokenURL:  meta.TokenURL,
				AuthStyle: authStyle,
			},
			Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier:       verifier,
		op:             op,
		issuer:         issuer,
		hasUserInfo:    meta.UserInfoURL != "",
		client:         client,
		userinfoClient: userinfoClient,
		logger:         logger,
	}, nil
}

// DiscoverOIDCProvider calls NewOIDCProvider until it succeeds, the configured
// attempts are used up or ctx ends. The provider often starts after us.
func DiscoverOIDCProvider(ctx context.Context, cfg OIDCConfig, logger *slog.Logger) (*OIDCProvider, error) {
	attempts := max(cfg.DiscoveryAttempts, 1)
	for attempt := 1; ; attempt++ {
		provider, err := NewOIDCProvider(ctx, cfg, logger)
		if err == nil {
			return provider, nil
		}
		logger.Error("cannot initialize oidc provider",
			"attempt", attempt,
			"max_attempts", attempts,
			"issuer", cfg.IssuerURL,
			"error", err,
		)
		if attempt >= attempts {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (stopped retrying: %v)", err, ctx.Err())
		case <-time.After(cfg.DiscoveryInterval):
		}
	}
}

// Issuer returns the rewritten issuer tokens are verified against.
func (p *OIDCProvider) Issuer() string {
	return p.issuer
}

func (p *OIDCProvider) configFor(baseURL string) *oauth2.Config {
	cfg := p.oauthConfig
	cfg.RedirectURL = baseURL
	return &cfg
}

// AuthorizationURL constructs the authorization request for the provider.
func (p *OIDCProvider) AuthorizationURL(baseURL, state string) string {
	return p.configFor(baseURL).AuthCodeURL(state)
}

// Exchange completes the code exchange and returns a verified token set.
func (p *OIDCProvider) Exchange(ctx context.Context, baseURL, code string) (*TokenSet, error) {
	ctx = oidc.ClientContext(ctx, p.client)
	tok, err := p.configFor(baseURL).Exchange(ctx, code)
	if err != nil {
		return nil, providerError("exchange", err)
	}
	return p.tokenSet(ctx, tok)
}

// Refresh redeems a refresh token. HTTP 400 from the provider means the refresh
// token or the provider session expired and yields (nil, nil).
func (p *OIDCProvider) Refresh(ctx context.Context, baseURL, refreshToken string) (*TokenSet, error) {
	ctx = oidc.ClientContext(ctx, p.client)
	src := p.configFor(baseURL).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode == http.StatusBadRequest {
			p.logger.Debug("refresh rejected by provider", "error_code", rerr.ErrorCode)
			return nil, nil
		}
		return nil, providerError("refresh", err)
	}
	return p.tokenSet(ctx, tok)
}

// Verify validates signature, audience and issuer of an ID token.
func (p *OIDCProvider) Verify(ctx context.Context, rawIDToken string) (*IDClaims, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: parse claims: %v", ErrTokenInvalid, err)
	}
	return &IDClaims{
		Subject:   idToken.Subject,
		Issuer:    idToken.Issuer,
		Audience:  idToken.Audience,
		ExpiresAt: idToken.Expiry,
		Claims:    claims,
	}, nil
}

// tokenSet derives a TokenSet from one grant response. ExpiresAt always comes from
// the ID token returned by that same response.
func (p *OIDCProvider) tokenSet(ctx context.Context, tok *oauth2.Token) (*TokenSet, error) {
	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing in response", ErrTokenInvalid)
	}
	claims, err := p.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}

	userinfo := maps.Clone(claims.Claims)
	if p.hasUserInfo {
		if extra, err := p.fetchUserInfo(ctx, tok); err != nil {
			p.logger.Warn("userinfo fetch failed, using id token claims", "error", err)
		} else {
			maps.Copy(userinfo, extra)
		}
	}

	return &TokenSet{
		AccessToken:  tok.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    claims.ExpiresAt.Unix(),
		UserInfo:     userinfo,
	}, nil
}

func (p *OIDCProvider) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	ctx = oidc.ClientContext(ctx, p.userinfoClient)
	info, err := p.op.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func providerError(op string, err error) error {
	perr := &ProviderError{Op: op, Err: err}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		perr.StatusCode = rerr.Response.StatusCode
	}
	return perr
}

// issuerRewriter substitutes the internally reachable provider URL with the
// externally visible one. The longest matching prefix wins and only one
// substitution happens.
type issuerRewriter struct {
	pairs [][2]string
}

func newIssuerRewriter(internal, external string) issuerRewriter {
	internal = strings.TrimSuffix(internal, "/")
	external = strings.TrimSuffix(external, "/")
	if internal == "" || external == "" {
		return issuerRewriter{}
	}
	rw := issuerRewriter{pairs: [][2]string{{internal, external}}}
	inOrigin, exOrigin := originOf(internal), originOf(external)
	if inOrigin != "" && exOrigin != "" && inOrigin != internal {
		rw.pairs = append(rw.pairs, [2]string{inOrigin, exOrigin})
	}
	return rw
}

func (rw issuerRewriter) rewrite(s string) string {
	for _, pair := range rw.pairs {
		if strings.HasPrefix(s, pair[0]) {
			return pair[1] + strings.TrimPrefix(s, pair[0])
		}
	}
	return s
}

func (rw issuerRewriter) externalHost() string {
	if len(rw.pairs) == 0 {
		return ""
	}
	u, err := url.Parse(rw.pairs[0][1])
	if err != nil {
		return ""
	}
	return u.Host
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// hostOverrideTransport presents the externally visible Host header so the provider
// issues responses consistent with the rewritten issuer.
type hostOverrideTransport struct {
	base http.RoundTripper
	host string
}

func (t hostOverrideTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Host = t.host
	return t.base.RoundTrip(req)
}
