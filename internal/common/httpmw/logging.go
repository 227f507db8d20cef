package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
)

// RequestLogger emits one structured line per request after the handler
// chain completes. Server errors log at error level, everything else at
// debug so steady-state traffic stays quiet.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if size := c.Writer.Size(); size > 0 {
			fields = append(fields, zap.Int("bytes", size))
		}

		if c.Writer.Status() >= 500 {
			log.Error("http request", fields...)
		} else {
			log.Debug("http request", fields...)
		}
	}
}
