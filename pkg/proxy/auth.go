package proxy

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/qwengate/pkg/config"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func keyAllowed(token string, tokens []config.IncomingAPIToken) bool {
	if token == "" {
		return false
	}
	for _, t := range tokens {
		if token != strings.TrimSpace(t.Key) {
			continue
		}
		if strings.TrimSpace(t.ExpiresAt) != "" {
			expiresAt, err := time.Parse(time.RFC3339, strings.TrimSpace(t.ExpiresAt))
			if err != nil || !nowUTC().Before(expiresAt) {
				return false
			}
		}
		return true
	}
	return false
}

func requestIsLoopback(r *http.Request) bool {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

// authMiddleware enforces the bearer allow-list. An empty list disables
// auth entirely, matching a private single-user deployment.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Snapshot()
		if len(cfg.IncomingTokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if cfg.AllowLocalhostNoAuth && requestIsLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !keyAllowed(bearerToken(r.Header), cfg.IncomingTokens) {
			writeAPIError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key",
				"missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

var nowUTC = func() time.Time { return time.Now().UTC() }
