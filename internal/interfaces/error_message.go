// Package interfaces defines the error shapes shared by the relay's handlers,
// executors and account manager.
package interfaces

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrorMessage encapsulates an error with an associated HTTP status code.
// Handlers use it to carry an upstream or core failure back to the client.
type ErrorMessage struct {
	// StatusCode is the HTTP status code returned to the client.
	StatusCode int

	// Error is the underlying error that occurred.
	Error error

	// Addon contains additional headers to be added to the response.
	Addon http.Header
}

// ErrorTypeForStatus maps an HTTP status onto the error.type vocabulary of the Messages API.
func ErrorTypeForStatus(status int) string {
	switch {
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		return "invalid_request_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusServiceUnavailable, status == 529:
		return "overloaded_error"
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

// ErrorBody renders {"type":"error","error":{"type":..,"message":..}}.
func ErrorBody(errType, message string) []byte {
	body := []byte(`{"type":"error","error":{"type":"","message":""}}`)
	body, _ = sjson.SetBytes(body, "error.type", errType)
	body, _ = sjson.SetBytes(body, "error.message", message)
	return body
}

// UpstreamErrorMessage pulls a readable message out of an upstream error body.
func UpstreamErrorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "detail", "error_description", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		return trimmed
	}
	return http.StatusText(http.StatusBadGateway)
}
