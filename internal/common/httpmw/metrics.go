package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentproxy/internal/common/metrics"
)

// Metrics records request counts and latency. Paths are the matched route
// template so ids do not blow up label cardinality.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
