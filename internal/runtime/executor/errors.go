package executor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/router-for-me/claude-relay/internal/interfaces"
)

// statusErr carries a non-2xx upstream answer back to the handler.
type statusErr struct {
	code       int
	msg        string
	retryAfter *time.Duration
}

func (e statusErr) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return http.StatusText(e.code)
}

func (e statusErr) StatusCode() int { return e.code }

func (e statusErr) RetryAfter() *time.Duration { return e.retryAfter }

// Body returns the upstream error payload.
func (e statusErr) Body() []byte { return []byte(e.msg) }

// classifyNetworkError maps a transport failure onto the relay taxonomy.
// Caller cancellation passes through unchanged.
func classifyNetworkError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return interfaces.WrapError(interfaces.ErrorKindUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return interfaces.WrapError(interfaces.ErrorKindUpstreamTimeout, err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return interfaces.WrapError(interfaces.ErrorKindUpstreamReset, err)
	}
	return interfaces.WrapError(interfaces.ErrorKindUpstreamUnreachable, err)
}

// RelayedStreamError reports that the upstream ended a stream on an error the
// caller has already received in-band. Handlers record the request as failed
// and write nothing further.
type RelayedStreamError struct {
	Code    string
	Message string
}

func (e *RelayedStreamError) Error() string {
	if e.Code == "" {
		return "upstream stream error: " + e.Message
	}
	return "upstream stream error: " + e.Code + ": " + e.Message
}
