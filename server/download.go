package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"
)

const maxAuthorizeBody = 1 << 20

// DownloadRelay trades the session access token for a resource-scoped token and
// streams the file from storage as an attachment.
type DownloadRelay struct {
	authorizeURL string
	storageURL   string
	client       *http.Client
	metrics      *Metrics
	logger       *slog.Logger
}

// NewDownloadRelay creates the relay from the API configuration.
func NewDownloadRelay(cfg APIConfig, client *http.Client, metrics *Metrics, logger *slog.Logger) *DownloadRelay {
	return &DownloadRelay{
		authorizeURL: cfg.RootURL + cfg.AuthorizePath,
		storageURL:   cfg.StorageURL,
		client:       client,
		metrics:      metrics,
		logger:       logger,
	}
}

type authorizeRequest struct {
	ResourceID  string `json:"resource_id"`
	RequestType string `json:"request_type"`
}

type authorizeResponse struct {
	AccessToken string `json:"access_token"`
}

func (d *DownloadRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if !sess.Authenticated() {
		writeFailure(w, ErrUnauthorized)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	resp, err := d.authorize(r, sess.Tokens.AccessToken, id)
	if err != nil {
		failUpstream(w, r, d.logger, "authorize", err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		d.logger.Info("download not authorized", "resource", id, "status", resp.StatusCode)
		passThrough(w, resp, d.logger)
		return
	}

	var grant authorizeResponse
	err = json.NewDecoder(io.LimitReader(resp.Body, maxAuthorizeBody)).Decode(&grant)
	resp.Body.Close()
	if err != nil || grant.AccessToken == "" {
		d.logger.Error("authorize response without usable token", "resource", id, "error", err)
		writeFailure(w, fmt.Errorf("%w: authorize response unusable", ErrBadGateway))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, d.storageURL+url.PathEscape(id), nil)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	req.Header.Set("Authorization", "Bearer "+grant.AccessToken)

	start := time.Now()
	file, err := d.client.Do(req)
	if err != nil {
		d.metrics.ObserveUpstream("storage", 0, time.Since(start))
		failUpstream(w, r, d.logger, "storage", err)
		return
	}
	defer file.Body.Close()
	d.metrics.ObserveUpstream("storage", file.StatusCode, time.Since(start))

	if file.StatusCode < 200 || file.StatusCode > 299 {
		passThrough(w, file, d.logger)
		return
	}

	for _, k := range []string{"Content-Type", "Content-Length", "Last-Modified", "ETag"} {
		if v := file.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Content-Disposition", attachmentDisposition(file.Header.Get("Content-Disposition")))
	w.WriteHeader(file.StatusCode)
	if n, err := relay(w, rawChunks(file.Body)); err != nil {
		d.logger.Debug("download stream aborted", "resource", id, "bytes", n, "error", err)
	}
}

func (d *DownloadRelay) authorize(r *http.Request, accessToken, id string) (*http.Response, error) {
	body, err := json.Marshal(authorizeRequest{ResourceID: id, RequestType: "read_file"})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, d.authorizeURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.ObserveUpstream("authorize", 0, time.Since(start))
		return nil, err
	}
	d.metrics.ObserveUpstream("authorize", resp.StatusCode, time.Since(start))
	return resp, nil
}

// passThrough copies an upstream refusal to the client verbatim.
func passThrough(w http.ResponseWriter, resp *http.Response, logger *slog.Logger) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := relay(w, rawChunks(resp.Body)); err != nil {
		logger.Debug("pass-through aborted", "status", resp.StatusCode, "error", err)
	}
}

// attachmentDisposition forces a download, keeping the upstream filename if any.
func attachmentDisposition(upstream string) string {
	if upstream != "" {
		if _, params, err := mime.ParseMediaType(upstream); err == nil && params["filename"] != "" {
			return mime.FormatMediaType("attachment", map[string]string{"filename": params["filename"]})
		}
	}
	return "attachment"
}
