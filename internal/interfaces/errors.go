package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable failure category surfaced by the relay core.
type ErrorKind string

const (
	ErrorKindAccountNotFound        ErrorKind = "account_not_found"
	ErrorKindAccountDisabled        ErrorKind = "account_disabled"
	ErrorKindNoEligibleAccount      ErrorKind = "no_eligible_account"
	ErrorKindTokenUnavailable       ErrorKind = "token_unavailable"
	ErrorKindUpstreamUnreachable    ErrorKind = "upstream_unreachable"
	ErrorKindUpstreamTimeout        ErrorKind = "upstream_timeout"
	ErrorKindUpstreamReset          ErrorKind = "upstream_reset"
	ErrorKindBridgeTranslationError ErrorKind = "bridge_translation_error"
	ErrorKindInvalidRequestShape    ErrorKind = "invalid_request_shape"
)

// StatusCode returns the HTTP status a caller sees for the kind.
func (k ErrorKind) StatusCode() int {
	switch k {
	case ErrorKindAccountNotFound:
		return http.StatusNotFound
	case ErrorKindAccountDisabled:
		return http.StatusForbidden
	case ErrorKindNoEligibleAccount, ErrorKindTokenUnavailable:
		return http.StatusServiceUnavailable
	case ErrorKindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindUpstreamUnreachable, ErrorKindUpstreamReset, ErrorKindBridgeTranslationError:
		return http.StatusBadGateway
	case ErrorKindInvalidRequestShape:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AnthropicType maps the kind onto the error.type vocabulary of the Messages API.
func (k ErrorKind) AnthropicType() string {
	switch k {
	case ErrorKindInvalidRequestShape:
		return "invalid_request_error"
	case ErrorKindAccountNotFound:
		return "not_found_error"
	case ErrorKindAccountDisabled:
		return "permission_error"
	case ErrorKindNoEligibleAccount, ErrorKindTokenUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// RelayError is a typed failure carrying an ErrorKind and an optional cause.
type RelayError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *RelayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *RelayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// StatusCode satisfies the status-carrying error contract used by handlers.
func (e *RelayError) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return e.Kind.StatusCode()
}

// NewError builds a RelayError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *RelayError {
	return &RelayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a RelayError around cause.
func WrapError(kind ErrorKind, cause error) *RelayError {
	return &RelayError{Kind: kind, Cause: cause}
}

// KindOf reports the ErrorKind carried anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var relayErr *RelayError
	if errors.As(err, &relayErr) && relayErr != nil {
		return relayErr.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}
