package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// newUpstreamClient builds the client used for API traffic. Timeout bounds the whole
// exchange including the streamed body; redirects are handed back to the browser.
func newUpstreamClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// APIProxy forwards /api/* to the API root with the session's access token.
type APIProxy struct {
	apiRoot  string
	prefix   string
	client   *http.Client
	sessions *SessionManager
	metrics  *Metrics
	logger   *slog.Logger
}

// NewAPIProxy creates the authenticated proxy for requests routed below
// rootPath + "/api/".
func NewAPIProxy(cfg APIConfig, rootPath string, client *http.Client, sessions *SessionManager, metrics *Metrics, logger *slog.Logger) *APIProxy {
	return &APIProxy{
		apiRoot:  cfg.RootURL,
		prefix:   rootPath + "/api/",
		client:   client,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
	}
}

// ServeHTTP relays one request. The upstream status and headers are passed through
// unchanged and the body is streamed line by line.
func (p *APIProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if !sess.Authenticated() {
		writeFailure(w, ErrUnauthorized)
		return
	}

	target := p.upstreamURL(r)
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		p.logger.Warn("cannot build upstream request", "target", target, "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	outReq.ContentLength = r.ContentLength
	copyHeaders(outReq.Header, r.Header)
	outReq.Header.Del("Cookie")
	if cookie := p.sessions.StripCookie(r); cookie != "" {
		outReq.Header.Set("Cookie", cookie)
	}
	if outReq.Header.Get("Authorization") == "" {
		outReq.Header.Set("Authorization", "Bearer "+sess.Tokens.AccessToken)
	}
	setForwardedHeaders(outReq, r)

	start := time.Now()
	resp, err := p.client.Do(outReq)
	if err != nil {
		p.metrics.ObserveUpstream("api", 0, time.Since(start))
		failUpstream(w, r, p.logger, "api", err)
		return
	}
	defer resp.Body.Close()
	p.metrics.ObserveUpstream("api", resp.StatusCode, time.Since(start))

	copyHeaders(w.Header(), resp.Header)
	// Line re-chunking changes the body length.
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	if n, err := relay(w, lineChunks(resp.Body)); err != nil {
		p.logger.Debug("api stream aborted", "target", target, "bytes", n, "error", err)
	}
}

// upstreamURL joins the API root with the path suffix as the client escaped it
// and the raw query. Decoding the suffix would turn %3F, %23 or %25 into syntax.
func (p *APIProxy) upstreamURL(r *http.Request) string {
	suffix, ok := strings.CutPrefix(r.URL.EscapedPath(), p.prefix)
	if !ok {
		// Escaped prefix differs from the routed one, e.g. "/%61pi/".
		suffix = (&url.URL{Path: chi.URLParam(r, "*")}).EscapedPath()
	}
	target := p.apiRoot + suffix
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// failUpstream reports a failed outbound call. Nothing is written when the client
// itself went away.
func failUpstream(w http.ResponseWriter, r *http.Request, logger *slog.Logger, target string, err error) {
	if errors.Is(r.Context().Err(), context.Canceled) {
		logger.Debug("client went away before upstream answered", "target", target, "path", r.URL.Path)
		return
	}
	err = classifyUpstreamError(err)
	logger.Error("upstream error", "target", target, "path", r.URL.Path, "error", err)
	writeFailure(w, err)
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(dst)
}

func removeHopHeaders(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func setForwardedHeaders(out, in *http.Request) {
	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	if out.Header.Get("X-Forwarded-Proto") == "" {
		out.Header.Set("X-Forwarded-Proto", schemeFromRequest(in, false))
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
}

// schemeFromRequest reports the scheme the browser used. X-Forwarded-Proto is only
// honoured behind a trusted proxy.
func schemeFromRequest(r *http.Request, trustProxy bool) string {
	if r.TLS != nil {
		return "https"
	}
	if trustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
			return proto
		}
	}
	return "http"
}
