package api

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CORS middleware
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range allowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}

		c.Next()
	}
}

// Logger middleware
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		if len(c.Errors) > 0 {
			for _, e := range c.Errors.Errors() {
				logger.Error("request error",
					zap.String("path", path),
					zap.String("query", query),
					zap.String("method", c.Request.Method),
					zap.Int("status", c.Writer.Status()),
					zap.Duration("latency", latency),
					zap.String("error", e),
				)
			}
			return
		}

		logger.Debug("request processed",
			zap.String("path", path),
			zap.String("query", query),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
		)
	}
}

// Recovery middleware
func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("request panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
				)

				c.AbortWithStatusJSON(500, APIError{
					Code:    500,
					Message: "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

// Rate limiter middleware. Per-client fixed window, reset on expiry.
func rateLimiterMiddleware(limit int, window time.Duration) gin.HandlerFunc {
	if window <= 0 {
		window = time.Minute
	}

	type clientLimit struct {
		count    int
		lastSeen time.Time
	}

	var mu sync.Mutex
	limits := make(map[string]*clientLimit)

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		now := time.Now()

		mu.Lock()
		client, exists := limits[clientIP]
		if !exists {
			limits[clientIP] = &clientLimit{count: 1, lastSeen: now}
			mu.Unlock()
			c.Next()
			return
		}

		if now.Sub(client.lastSeen) > window {
			client.count = 0
			client.lastSeen = now
		}
		client.count++
		over := client.count > limit
		mu.Unlock()

		if over {
			c.AbortWithStatusJSON(429, APIError{
				Code:    429,
				Message: "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
