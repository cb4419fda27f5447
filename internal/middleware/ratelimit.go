package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/ratelimit"
)

// RateLimitByIP 按客户端 IP 限流，限流器故障时放行
func RateLimitByIP(limiter ratelimit.Limiter, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, _ := limiter.Allow(c.Request.Context(), c.ClientIP())
		if !ok {
			metrics.RecordRateLimitBlock("ip")
			c.Header("Retry-After", "60")
			abortWithMessage(c, http.StatusTooManyRequests, "请求过于频繁，请稍后再试")
			return
		}
		c.Next()
	}
}
