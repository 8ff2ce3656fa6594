package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/heyhi-proxy/internal/breaker"
	"github.com/AliZeynalov/heyhi-proxy/internal/metrics"
	"github.com/AliZeynalov/heyhi-proxy/internal/models"
	"github.com/AliZeynalov/heyhi-proxy/internal/validator"
)

// DefaultMaxBodyBytes caps the size of a chat request body.
const DefaultMaxBodyBytes = models.MaxBodyBytes

// BreakerStatus reports the circuit breaker state for health checks.
type BreakerStatus interface {
	Snapshot() breaker.Snapshot
}

// Info identifies the running service.
type Info struct {
	Service        string
	Version        string
	AllowedOrigins []string
}

// HandlerDeps are the collaborators of a Handler. Collector and Breaker may
// be nil.
type HandlerDeps struct {
	Service      *ChatService
	Recorder     *metrics.Recorder
	Collector    *metrics.Collector
	Breaker      BreakerStatus
	Info         Info
	MaxBodyBytes int64
}

// Handler handles HTTP requests for the gateway
type Handler struct {
	service      *ChatService
	recorder     *metrics.Recorder
	collector    *metrics.Collector
	breaker      BreakerStatus
	info         Info
	maxBodyBytes int64
}

// NewHandler creates a new Handler
func NewHandler(deps HandlerDeps) *Handler {
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		service:      deps.Service,
		recorder:     deps.Recorder,
		collector:    deps.Collector,
		breaker:      deps.Breaker,
		info:         deps.Info,
		maxBodyBytes: maxBody,
	}
}

// Chat handles POST /api/chat
func (h *Handler) Chat(c *gin.Context) {
	requestID := c.GetString(requestIDKey)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.WithFields(log.Fields{
				"request_id": requestID,
				"limit":      tooLarge.Limit,
				"event":      "body_too_large",
			}).Warn("Request body too large")

			c.Set(errorKindKey, KindBodyTooLarge)
			c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
				Error:   KindBodyTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}

		log.WithFields(log.Fields{
			"request_id": requestID,
			"error":      err.Error(),
			"event":      "parse_error",
		}).Warn("Failed to parse request body")

		c.Set(errorKindKey, KindValidationError)
		c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   KindValidationError,
			Message: "failed to parse request body: " + err.Error(),
		})
		return
	}

	if err := validator.ValidateRequest(&req); err != nil {
		log.WithFields(log.Fields{
			"request_id": requestID,
			"error":      err.Error(),
			"event":      "validation_failed",
		}).Warn("Request validation failed")

		body := models.ErrorResponse{
			Error:   KindValidationError,
			Message: "request validation failed",
		}
		var validErrs *validator.ValidationErrors
		if errors.As(err, &validErrs) {
			body.Details = validErrs.Errors
		} else {
			body.Message = err.Error()
		}
		c.Set(errorKindKey, KindValidationError)
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}

	log.WithFields(log.Fields{
		"request_id": requestID,
		"messages":   len(req.Messages),
		"session_id": req.SessionID,
		"project_id": req.ProjectID,
		"event":      "validated",
	}).Debug("Request validated")

	resp, errResp := h.service.Handle(c.Request.Context(), req)
	if errResp != nil {
		c.Set(errorKindKey, errResp.Error)
		c.Set(upstreamAttemptsKey, errResp.Attempts)
		c.JSON(errResp.Status, errResp)
		return
	}
	c.Set(upstreamAttemptsKey, resp.Attempts)
	c.JSON(http.StatusOK, resp)
}

// Metrics handles GET /metrics
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.recorder.Stats())
}

// Prometheus handles GET /metrics/prometheus
func (h *Handler) Prometheus(c *gin.Context) {
	if h.collector == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "prometheus metrics are disabled",
		})
		return
	}
	h.collector.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health handles GET /healthz
func (h *Handler) Health(c *gin.Context) {
	settings := h.service.Settings()

	body := gin.H{
		"ok":              true,
		"service":         h.info.Service,
		"has_api_key":     settings.APIKey != "",
		"model":           settings.Model,
		"allowed_origins": h.info.AllowedOrigins,
	}
	if h.breaker != nil {
		body["circuit_breaker"] = h.breaker.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

// Version handles GET /__version
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": h.info.Service,
		"version": h.info.Version,
		"model":   h.service.Settings().Model,
	})
}
