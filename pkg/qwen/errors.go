package qwen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionExpired means upstream served its login page instead of JSON:
// the captured browser session is no longer valid.
var ErrSessionExpired = errors.New("upstream session expired")

type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsAuthError reports whether the failure indicates a rejected or expired
// session rather than a transient fault.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
		return true
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(httpErr.Body)
	return strings.Contains(msg, "missing authorization header") ||
		strings.Contains(msg, "invalid token") ||
		strings.Contains(msg, "authentication")
}

// IsTransient reports whether the failure is worth retrying on an
// idempotent call.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	// Plain transport errors (reset, refused, EOF) count as transient.
	return true
}

// looksLikeHTML detects the login page upstream serves once the session
// token stops being accepted.
func looksLikeHTML(body string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	return strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html")
}
