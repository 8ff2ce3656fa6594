// Package gateway exposes the chat proxy over HTTP and turns upstream call
// outcomes into metrics and structured error bodies.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/heyhi-proxy/internal/logger"
	"github.com/AliZeynalov/heyhi-proxy/internal/metrics"
	"github.com/AliZeynalov/heyhi-proxy/internal/models"
	"github.com/AliZeynalov/heyhi-proxy/internal/provider"
)

//go:generate mockgen -source=service.go -destination=mock_caller.go -package=gateway

// ProviderName is reported in every successful chat response.
const ProviderName = "openai"

// Error kinds produced by the gateway itself.
const (
	KindMissingAPIKey   = "missing_api_key"
	KindUnexpectedError = "unexpected_error"
	KindValidationError = "validation_error"
	KindRateLimited     = "rate_limit_exceeded"
	KindBodyTooLarge    = "request_too_large"
)

// ErrMissingAPIKey is logged when a request arrives without a configured
// upstream credential.
var ErrMissingAPIKey = errors.New("upstream API key is not configured")

// Caller performs one logical upstream chat call.
type Caller interface {
	Call(ctx context.Context, apiKey string, req provider.Request) (*provider.Response, error)
}

// Settings are the reloadable parts of the configuration the service reads
// on every request.
type Settings struct {
	APIKey   string
	Model    string
	Timeouts provider.Timeouts
}

// ChatService handles one chat request end to end.
type ChatService struct {
	caller    Caller
	recorder  *metrics.Recorder
	collector *metrics.Collector

	settings atomic.Pointer[Settings]
}

// NewChatService creates a service. collector may be nil.
func NewChatService(caller Caller, recorder *metrics.Recorder, collector *metrics.Collector, settings Settings) *ChatService {
	s := &ChatService{
		caller:    caller,
		recorder:  recorder,
		collector: collector,
	}
	s.UpdateSettings(settings)
	return s
}

// UpdateSettings swaps the settings used by subsequent requests.
func (s *ChatService) UpdateSettings(settings Settings) {
	s.settings.Store(&settings)
}

// Settings returns the current settings.
func (s *ChatService) Settings() Settings {
	return *s.settings.Load()
}

// Handle forwards req upstream. Exactly one metric entry is recorded per
// call, and exactly one of the return values is non-nil.
func (s *ChatService) Handle(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, *models.ErrorResponse) {
	start := time.Now()
	settings := s.Settings()
	entry := logger.FromContext(ctx)

	if settings.APIKey == "" {
		s.record(false, time.Since(start), 0, KindMissingAPIKey)
		entry.WithFields(log.Fields{
			"event": "missing_api_key",
			"error": ErrMissingAPIKey.Error(),
		}).Error("Rejecting chat request")
		return nil, &models.ErrorResponse{
			Status:  http.StatusInternalServerError,
			Error:   KindMissingAPIKey,
			Message: "the upstream API key is not configured",
		}
	}

	model := req.Model
	if model == "" {
		model = settings.Model
	}

	resp, err := s.call(ctx, settings.APIKey, provider.Request{
		Messages:    toProviderMessages(req.Messages),
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Timeouts:    settings.Timeouts,
	})
	latency := time.Since(start)

	if err != nil {
		errResp := s.failure(entry, err)
		s.record(false, latency, 0, errResp.Error)
		return nil, errResp
	}

	s.record(true, latency, resp.Usage.TotalTokens, "")

	if resp.Model != "" {
		model = resp.Model
	}
	entry.WithFields(log.Fields{
		"event":      "success",
		"model":      model,
		"attempts":   resp.Attempts,
		"tokens":     resp.Usage.TotalTokens,
		"latency_ms": latency.Milliseconds(),
	}).Info("Chat request successful")

	choices := resp.Choices
	if choices == nil {
		choices = []json.RawMessage{}
	}

	return &models.ChatResponse{
		Provider: ProviderName,
		Choices:  choices,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:          model,
		LatencySeconds: math.Round(latency.Seconds()*1000) / 1000,
		Attempts:       resp.Attempts,
	}, nil
}

// call invokes the caller and converts a panic into an error.
func (s *ChatService) call(ctx context.Context, apiKey string, req provider.Request) (resp *provider.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("upstream call panicked: %v", r)
		}
	}()
	return s.caller.Call(ctx, apiKey, req)
}

// failure maps a call error to the response sent to the client. The Error
// field doubles as the metric kind.
func (s *ChatService) failure(entry *log.Entry, err error) *models.ErrorResponse {
	var callErr *provider.CallError
	if !errors.As(err, &callErr) {
		entry.WithFields(log.Fields{
			"event": KindUnexpectedError,
			"error": err.Error(),
		}).Error("Unexpected error while handling chat request")
		return &models.ErrorResponse{
			Status:  http.StatusInternalServerError,
			Error:   KindUnexpectedError,
			Message: "unexpected error while processing the request",
		}
	}

	resp := &models.ErrorResponse{
		Status: callErr.HTTPStatus(),
		Error:  callErr.MetricKind(),
	}
	switch callErr.Kind {
	case provider.KindCircuitOpen:
		resp.Message = "upstream temporarily unavailable, too many recent failures"
	case provider.KindClientError:
		resp.Message = "upstream rejected the request"
		resp.StatusCode = callErr.StatusCode
		resp.Body = callErr.Body
	default:
		resp.Message = fmt.Sprintf("upstream failed after %d attempts", callErr.Attempts)
		resp.Attempts = callErr.Attempts
		if last := callErr.Last; last != nil {
			resp.StatusCode = last.StatusCode
			resp.Body = last.Body
			if last.Err != nil {
				resp.Detail = last.Err.Error()
			}
		}
	}

	entry.WithFields(log.Fields{
		"event":  "provider_error",
		"kind":   resp.Error,
		"status": resp.Status,
	}).Warn("Chat request failed")
	return resp
}

func (s *ChatService) record(success bool, latency time.Duration, tokens int, kind string) {
	s.recorder.Record(success, latency, tokens, kind)
	if s.collector != nil {
		s.collector.ObserveRequest(success, latency, tokens, kind)
	}
}

func toProviderMessages(in []models.Message) []provider.Message {
	out := make([]provider.Message, len(in))
	for i, m := range in {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
