package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"table-reservations/internal/logger"
	"table-reservations/internal/ratelimit"
	"table-reservations/internal/utils"
)

const (
	CodeRateLimitExceeded = "RateLimitExceeded"
	CodeUnauthenticated   = "Unauthenticated"
)

func EnhancedLogger(log *logger.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		duration := param.Latency.String()
		status := fmt.Sprintf("%d", param.StatusCode)

		switch {
		case param.StatusCode >= 500:
			log.Error("API", fmt.Sprintf("%s %s - %s (%s) - ERROR: %s",
				param.Method, param.Path, status, duration, param.ErrorMessage))
		case param.StatusCode >= 400:
			log.Warn("API", fmt.Sprintf("%s %s - %s (%s) - Client Error",
				param.Method, param.Path, status, duration))
		default:
			log.LogAPI(param.Method, param.Path, status, duration)
		}

		log.Debug("REQUEST", fmt.Sprintf("IP: %s, UserAgent: %s",
			param.ClientIP, param.Request.UserAgent()))

		// everything went to log already
		return ""
	})
}

func Recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("PANIC", fmt.Sprintf("Recovered from panic on %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, utils.ErrorResponse("Internal server error", "StorageError"))
	})
}

// CORS allows any origin unless origins are listed.
func CORS(origins []string) gin.HandlerFunc {
	cc := cors.DefaultConfig()
	cc.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cc.AllowHeaders = append(cc.AllowHeaders, "Authorization", "Idempotency-Key")
	cc.MaxAge = 12 * time.Hour
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// RateLimit rejects clients over their budget. When the limiter itself fails
// the request is let through.
func RateLimit(limiter ratelimit.Limiter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		ok, err := limiter.Allow(c.Request.Context(), ip)
		if err != nil {
			log.Warn("RATE_LIMIT", fmt.Sprintf("Limiter unavailable, allowing %s: %v", ip, err))
			c.Next()
			return
		}
		if !ok {
			log.LogSecurity("RATE_LIMIT", fmt.Sprintf("Rate limit exceeded for IP: %s", ip))
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, utils.ErrorResponse("Rate limit exceeded", CodeRateLimitExceeded))
			return
		}
		c.Next()
	}
}

func SecurityHeaders(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
			log.LogSecurity("PROXY_REQUEST", fmt.Sprintf("Request via proxy from: %s", fwd))
		}

		c.Next()
	}
}
