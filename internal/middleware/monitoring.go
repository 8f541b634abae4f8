package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"scambait/backend/internal/monitoring"
)

// MonitoringMiddleware 监控中间件
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
}

// NewMonitoringMiddleware 创建监控中间件
func NewMonitoringMiddleware(metrics *monitoring.Metrics) *MonitoringMiddleware {
	return &MonitoringMiddleware{metrics: metrics}
}

// HTTPMetrics HTTP 指标中间件，endpoint 使用路由模板避免令牌进入标签
func (mm *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		mm.metrics.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)

		if c.Writer.Status() >= 500 {
			mm.metrics.RecordError("http_error", "http")
		}
	}
}
