package management

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claude-relay/internal/queuehealth"
	"github.com/router-for-me/claude-relay/internal/usage"
)

// GetQueueHealth reports the relay health counters and usage stream metrics.
func (h *Handler) GetQueueHealth(c *gin.Context) {
	var eventStreamMetrics usage.EventStreamMetrics
	if h.eventStream != nil {
		eventStreamMetrics = h.eventStream.MetricsSnapshot()
	}
	c.JSON(http.StatusOK, gin.H{
		"queue_health":         queuehealth.SnapshotAll(),
		"usage_stream_metrics": eventStreamMetrics,
	})
}
