package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/lkarlslund/qwengate/pkg/qwen"
	"github.com/lkarlslund/qwengate/pkg/upload"
)

type apiError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code,omitempty"`
}

func writeAPIError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{Message: message, Type: errType, Code: code},
	})
}

// writeUpstreamError maps any upstream-originated failure onto the
// stable local error shape; raw upstream bodies never pass through.
func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeAPIError(w, http.StatusGatewayTimeout, "upstream_error", "timeout",
			"upstream request timed out")
	case qwen.IsAuthError(err):
		writeAPIError(w, http.StatusServiceUnavailable, "upstream_error", "credentials_expired",
			"upstream session credentials are expired; refresh the captured session")
	case errors.Is(err, upload.ErrSizeExceeded):
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "file_too_large",
			err.Error())
	case errors.Is(err, upload.ErrTransferFailed):
		writeAPIError(w, http.StatusBadGateway, "upstream_error", "upload_failed",
			"file transfer to upstream storage failed")
	default:
		writeAPIError(w, http.StatusBadGateway, "upstream_error", "upstream_error",
			"upstream request failed")
	}
}

func writeCredentialsExpired(w http.ResponseWriter) {
	writeAPIError(w, http.StatusServiceUnavailable, "upstream_error", "credentials_expired",
		"upstream session credentials are expired; refresh the captured session")
}
