package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// corsMiddleware echoes the request origin when it is allowed. An empty
// list or "*" allows any origin.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowed[origin]; ok && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, X-Session-ID, Accept, Origin")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Expose-Headers", "Content-Disposition, X-Run-ID, X-Cache, X-Skipped-Rows")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware requires "Authorization: Bearer <token>" when a token is
// configured. An empty token disables the check.
func authMiddleware(token string, logger *zap.Logger) gin.HandlerFunc {
	if token == "" && gin.Mode() == gin.ReleaseMode {
		logger.Warn("auth token not set in release mode; protected endpoints are public")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			abortWithError(c, newAPIError(http.StatusUnauthorized, CodeUnauthorized, "missing Authorization header"))
			return
		}
		scheme, supplied, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			abortWithError(c, newAPIError(http.StatusUnauthorized, CodeUnauthorized, "expected a Bearer token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(supplied)), []byte(token)) != 1 {
			abortWithError(c, newAPIError(http.StatusForbidden, CodeForbidden, "invalid token"))
			return
		}
		c.Next()
	}
}

// httpObserver is the subset of metrics.Recorder used for request metrics
type httpObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// requestLogger logs every request with zap and feeds request metrics.
func requestLogger(logger *zap.Logger, observer httpObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		elapsed := time.Since(started)
		status := c.Writer.Status()

		if observer != nil {
			observer.ObserveHTTP(c.Request.Method, c.FullPath(), status, elapsed)
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			logger.Info("request rejected", fields...)
		default:
			logger.Debug("request served", fields...)
		}
	}
}
