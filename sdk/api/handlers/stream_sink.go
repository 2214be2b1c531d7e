package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StreamSink adapts a gin response writer to executor.StreamSink.
type StreamSink struct {
	c         *gin.Context
	committed bool
}

// NewStreamSink returns a sink writing to c.
func NewStreamSink(c *gin.Context) *StreamSink {
	return &StreamSink{c: c}
}

// WriteHeader copies header and sends the status line.
func (s *StreamSink) WriteHeader(status int, header http.Header) {
	dst := s.c.Writer.Header()
	for key, values := range header {
		dst[key] = append([]string(nil), values...)
	}
	s.c.Status(status)
	s.c.Writer.WriteHeaderNow()
	s.committed = true
}

func (s *StreamSink) Write(p []byte) error {
	if !s.committed {
		s.WriteHeader(http.StatusOK, nil)
	}
	_, err := s.c.Writer.Write(p)
	return err
}

func (s *StreamSink) Flush() { s.c.Writer.Flush() }

// Committed reports whether the status line has been sent.
func (s *StreamSink) Committed() bool { return s.committed }
