package logging

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type requestIDKey struct{}

const (
	// RequestIDHeader is read from callers and echoed back on every response.
	RequestIDHeader = "X-Request-Id"

	ginRequestIDKey = "__request_id__"
)

// GenerateRequestID returns a short random identifier suitable for log correlation.
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// WithRequestID returns a child context carrying requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID reads the request id stored by WithRequestID.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SetGinRequestID stores the request id on the gin context.
func SetGinRequestID(c *gin.Context, requestID string) {
	if c == nil {
		return
	}
	c.Set(ginRequestIDKey, requestID)
}

// GetGinRequestID reads the request id stored on the gin context.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(ginRequestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithContext returns a logrus entry tagged with the request id found in ctx.
func WithContext(ctx context.Context) *log.Entry {
	if reqID := GetRequestID(ctx); reqID != "" {
		return log.WithField("request_id", reqID)
	}
	return log.NewEntry(log.StandardLogger())
}
