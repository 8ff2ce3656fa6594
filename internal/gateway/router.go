package gateway

import (
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/AliZeynalov/heyhi-proxy/internal/ratelimit"
)

// NewRouter wires the HTTP surface. A nil limiter disables rate limiting.
func NewRouter(h *Handler, limiter ratelimit.Limiter, allowedOrigins []string) (*gin.Engine, error) {
	corsConfig := CORSConfig(allowedOrigins)
	if err := corsConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid allowed origins: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())
	r.Use(SecurityHeadersMiddleware())
	r.Use(cors.New(corsConfig))

	chat := []gin.HandlerFunc{h.Chat}
	if limiter != nil {
		chat = append([]gin.HandlerFunc{RateLimitMiddleware(limiter)}, chat...)
	}
	r.POST("/api/chat", chat...)

	r.GET("/metrics", h.Metrics)
	r.GET("/metrics/prometheus", h.Prometheus)
	r.GET("/healthz", h.Health)
	r.GET("/__version", h.Version)

	return r, nil
}
