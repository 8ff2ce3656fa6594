package gateway

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/heyhi-proxy/internal/logger"
	"github.com/AliZeynalov/heyhi-proxy/internal/ratelimit"
)

const (
	HeaderRequestID          = "X-Request-ID"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitWindow    = "X-RateLimit-Window"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"

	requestIDKey        = "request_id"
	upstreamAttemptsKey = "upstream_attempts"
	errorKindKey        = "error_kind"
)

// Caller supplied request IDs are only echoed back when they look sane.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// RequestIDMiddleware assigns every request an ID like "req_a1b2c3d4", or
// keeps the one the caller sent in X-Request-ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if !requestIDPattern.MatchString(requestID) {
			requestID = "req_" + uuid.New().String()[:8]
		}

		c.Set(requestIDKey, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Header(HeaderRequestID, requestID)

		c.Next()
	}
}

// LoggingMiddleware writes one access log line per request. The line
// carries the upstream attempt count, the error kind and the remaining
// rate-limit budget whenever the route recorded them, and its level follows
// the response status.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := log.Fields{
			"request_id": c.GetString(requestIDKey),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"client_ip":  c.ClientIP(),
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"event":      "request_completed",
		}
		if n := c.GetInt(upstreamAttemptsKey); n > 0 {
			fields["upstream_attempts"] = n
		}
		if kind := c.GetString(errorKindKey); kind != "" {
			fields["error_kind"] = kind
		}
		if remaining := c.Writer.Header().Get(HeaderRateLimitRemaining); remaining != "" {
			fields["rate_limit_remaining"] = remaining
		}

		entry := log.WithFields(fields)
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request completed")
		}
	}
}

// RateLimitMiddleware applies limiter per client IP and sets the
// X-RateLimit-* headers on every response it sees.
func RateLimitMiddleware(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := limiter.Allow(c.ClientIP())

		c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
		c.Header(HeaderRateLimitWindow, strconv.Itoa(int(d.Window.Seconds())))

		if d.Allowed {
			c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
			c.Next()
			return
		}

		retryAfter := d.RetryAfterSeconds()
		c.Header(HeaderRetryAfter, strconv.Itoa(retryAfter))
		c.Set(errorKindKey, KindRateLimited)

		log.WithFields(log.Fields{
			"request_id":    c.GetString(requestIDKey),
			"client_ip":     c.ClientIP(),
			"current_count": d.CurrentCount,
			"event":         "rate_limited",
		}).Warn("Rate limit exceeded")

		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":               KindRateLimited,
			"message":             fmt.Sprintf("limit of %d requests per %ds reached", d.Limit, int(d.Window.Seconds())),
			"retry_after_seconds": retryAfter,
			"limit":               d.Limit,
			"current_count":       d.CurrentCount,
		})
	}
}

// SecurityHeadersMiddleware sets the usual hardening headers for an API.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// CORSConfig builds the CORS policy for the given origins. An empty list or
// "*" allows every origin.
func CORSConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Accept", "Cache-Control", HeaderRequestID},
		ExposeHeaders:    []string{HeaderRequestID, HeaderRateLimitLimit, HeaderRateLimitWindow, HeaderRateLimitRemaining, HeaderRetryAfter},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
