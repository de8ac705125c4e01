package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnauthorized is returned when a request has no usable session tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenInvalid is returned when an ID token fails signature, audience or issuer checks.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrGatewayTimeout is returned when an outbound call exceeds its ceiling.
	ErrGatewayTimeout = errors.New("gateway timeout")
	// ErrBadGateway is returned when an upstream could not be reached or answered nonsense.
	ErrBadGateway = errors.New("bad gateway")
)

// ProviderError reports a transport or non-recoverable HTTP failure from the OIDC provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var perr *ProviderError
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrGatewayTimeout), isTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrBadGateway), errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure renders a terminal failure. Unauthorized responses carry no body.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusUnauthorized {
		w.WriteHeader(status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// classifyUpstreamError turns a client.Do failure into ErrGatewayTimeout when the
// ceiling was hit and into ErrBadGateway otherwise.
func classifyUpstreamError(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBadGateway, err)
}

// isTimeout reports whether err anywhere in its chain is an exceeded deadline,
// including provider failures wrapped in ProviderError.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
