package httpServer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"avatarcam/internal/auth"
)

// requestLogger logs one line per request through logrus
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   status,
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Warn("HTTP request failed")
		default:
			entry.Debug("HTTP request")
		}
	}
}

// recordMetrics records request counts and latency by route template
func (s *Server) recordMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Metrics == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.deps.Metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// requireToken checks the bearer control token. Unless strict, requests pass
// when no token has been configured or issued.
func (s *Server) requireToken(strict bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.deps.Auth.Enabled() {
			if strict {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no control token configured"})
				return
			}
			c.Next()
			return
		}

		token := auth.BearerToken(c.GetHeader("Authorization"))
		if err := s.deps.Auth.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
