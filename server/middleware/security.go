package middleware

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:;")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		// The browser client needs the camera for pose capture.
		c.Header("Permissions-Policy", "camera=(self), microphone=(), geolocation=()")

		c.Next()
	}
}

func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
		} else {
			c.Header("Access-Control-Allow-Origin", "null")
		}

		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// OriginAllowed reports whether a WebSocket handshake origin passes the same
// allow list as CORS.
func OriginAllowed(allowedOrigins []string, origin string) bool {
	return len(allowedOrigins) == 0 || origin == "" ||
		slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
}

func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "Request too large",
				"max_size": maxSize,
			})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		logger.Info("HTTP Request",
			zap.String("method", param.Method),
			zap.String("path", param.Path),
			zap.Int("status", param.StatusCode),
			zap.Duration("latency", param.Latency),
			zap.String("client_ip", param.ClientIP),
			zap.String("user_agent", param.Request.UserAgent()),
		)
		return ""
	})
}

// RequestTimeout bounds the request context handlers pass downstream.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// HealthCheck reports liveness plus the state of optional dependencies.
// A failing dependency degrades the status but keeps the 200 since local
// analysis still works.
func HealthCheck(service string, checks map[string]func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		deps := make(map[string]bool, len(checks))
		for name, check := range checks {
			deps[name] = check()
			if !deps[name] {
				status = "degraded"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"timestamp":    time.Now().Unix(),
			"service":      service,
			"dependencies": deps,
		})
	}
}
