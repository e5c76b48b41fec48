package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamcast/portal/internal/metrics"
)

// Logger returns a zap-based request logging middleware that also counts
// responses by status class. m may be nil.
func Logger(logger *zap.Logger, m *metrics.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		clientIP := c.ClientIP()
		method := c.Request.Method

		c.Next()

		statusCode := c.Writer.Status()
		m.ObserveRequest(statusCode)

		// heartbeats arrive every few seconds per viewer
		level := zap.InfoLevel
		if statusCode < 400 && c.FullPath() == "/api/heartbeat" {
			level = zap.DebugLevel
		}
		if ce := logger.Check(level, "request"); ce != nil {
			ce.Write(
				zap.Int("status", statusCode),
				zap.Duration("latency", time.Since(start)),
				zap.String("method", method),
				zap.String("path", path),
				zap.String("client_ip", clientIP),
			)
		}
	}
}
