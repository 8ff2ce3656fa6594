package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/mock/gomock"

	"github.com/AliZeynalov/heyhi-proxy/internal/logger"
	"github.com/AliZeynalov/heyhi-proxy/internal/metrics"
	"github.com/AliZeynalov/heyhi-proxy/internal/models"
	"github.com/AliZeynalov/heyhi-proxy/internal/provider"
)

var testSettings = Settings{
	APIKey:   "sk-test",
	Model:    "gpt-4o-mini",
	Timeouts: provider.Timeouts{Connect: 10 * time.Second, Read: 70 * time.Second},
}

func chatRequest() models.ChatRequest {
	return models.ChatRequest{
		Messages: []models.Message{{Role: "user", Content: "Hello"}},
	}
}

func successResponse() *provider.Response {
	return &provider.Response{
		ID:       "chatcmpl-1",
		Model:    "gpt-4o-mini-2024-07-18",
		Choices:  []json.RawMessage{json.RawMessage(`{"index":0,"message":{"role":"assistant","content":"Hi"}}`)},
		Usage:    provider.Usage{PromptTokens: 20, CompletionTokens: 30, TotalTokens: 50},
		Attempts: 1,
	}
}

func newTestService(t *testing.T, settings Settings) (*ChatService, *MockCaller, *metrics.Recorder) {
	t.Helper()
	ctrl := gomock.NewController(t)
	caller := NewMockCaller(ctrl)
	recorder := metrics.NewRecorder(nil)
	return NewChatService(caller, recorder, nil, settings), caller, recorder
}

func TestHandle_MissingAPIKey(t *testing.T) {
	svc, caller, recorder := newTestService(t, Settings{Model: "gpt-4o-mini"})
	caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	resp, errResp := svc.Handle(context.Background(), chatRequest())
	if resp != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if errResp.Status != http.StatusInternalServerError || errResp.Error != KindMissingAPIKey {
		t.Errorf("error response = %+v", errResp)
	}

	stats := recorder.Stats()
	if stats.TotalRequests != 1 || stats.FailedRequests != 1 {
		t.Errorf("stats = %+v, want one failed request", stats)
	}
	if stats.ErrorsByType[KindMissingAPIKey] != 1 {
		t.Errorf("errors by type = %v", stats.ErrorsByType)
	}
}

func TestHandle_Success(t *testing.T) {
	svc, caller, recorder := newTestService(t, testSettings)

	temp := 0.7
	req := chatRequest()
	req.Temperature = &temp

	caller.EXPECT().
		Call(gomock.Any(), "sk-test", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, r provider.Request) (*provider.Response, error) {
			if r.Model != "gpt-4o-mini" {
				t.Errorf("model = %q, want default model", r.Model)
			}
			if r.Timeouts != testSettings.Timeouts {
				t.Errorf("timeouts = %+v", r.Timeouts)
			}
			if r.Temperature == nil || *r.Temperature != 0.7 || r.MaxTokens != nil {
				t.Errorf("optional parameters not forwarded as given")
			}
			if len(r.Messages) != 1 || r.Messages[0].Content != "Hello" {
				t.Errorf("messages = %+v", r.Messages)
			}
			return successResponse(), nil
		})

	resp, errResp := svc.Handle(context.Background(), req)
	if errResp != nil {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
	if resp.Provider != "openai" {
		t.Errorf("provider = %q", resp.Provider)
	}
	if resp.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("model = %q, want the upstream model", resp.Model)
	}
	if resp.Usage.TotalTokens != 50 || len(resp.Choices) != 1 {
		t.Errorf("response = %+v", resp)
	}
	if resp.LatencySeconds < 0 {
		t.Errorf("latency = %v", resp.LatencySeconds)
	}

	stats := recorder.Stats()
	if stats.SuccessfulRequests != 1 || stats.TotalTokens != 50 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.ErrorsByType) != 0 {
		t.Errorf("errors by type = %v, want empty", stats.ErrorsByType)
	}
}

func TestHandle_MissingChoicesEncodeAsEmptyArray(t *testing.T) {
	svc, caller, _ := newTestService(t, testSettings)
	caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(&provider.Response{}, nil)

	resp, errResp := svc.Handle(context.Background(), chatRequest())
	if errResp != nil {
		t.Fatalf("unexpected error response: %+v", errResp)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"choices":[]`) {
		t.Errorf("body = %s, want an empty choices array", data)
	}
	if resp.Model != "gpt-4o-mini" || resp.Usage.TotalTokens != 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandle_RequestModelWins(t *testing.T) {
	svc, caller, _ := newTestService(t, testSettings)

	req := chatRequest()
	req.Model = "gpt-4o"

	caller.EXPECT().
		Call(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, r provider.Request) (*provider.Response, error) {
			if r.Model != "gpt-4o" {
				t.Errorf("model = %q, want gpt-4o", r.Model)
			}
			resp := successResponse()
			resp.Model = ""
			return resp, nil
		})

	resp, _ := svc.Handle(context.Background(), req)
	if resp.Model != "gpt-4o" {
		t.Errorf("response model = %q, want the requested model", resp.Model)
	}
}

func TestHandle_CallErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		kind       string
		upstream   int
		attempts   int
		wantDetail bool
	}{
		{
			name:   "circuit open",
			err:    &provider.CallError{Kind: provider.KindCircuitOpen},
			status: http.StatusServiceUnavailable,
			kind:   "circuit_open",
		},
		{
			name:     "client error",
			err:      &provider.CallError{Kind: provider.KindClientError, StatusCode: 401, Body: `{"error":"invalid key"}`, Attempts: 1},
			status:   http.StatusUnauthorized,
			kind:     "upstream_client_error",
			upstream: 401,
		},
		{
			name: "exhausted by server errors",
			err: &provider.CallError{
				Kind:     provider.KindUpstreamExhausted,
				Attempts: 3,
				Last:     &provider.AttemptFailure{Kind: provider.KindServerError, Attempt: 3, StatusCode: 503},
			},
			status:   http.StatusBadGateway,
			kind:     "upstream_server_error",
			upstream: 503,
			attempts: 3,
		},
		{
			name: "exhausted by timeouts",
			err: &provider.CallError{
				Kind:     provider.KindUpstreamExhausted,
				Attempts: 3,
				Last:     &provider.AttemptFailure{Kind: provider.KindTimeout, Attempt: 3, Err: context.DeadlineExceeded},
			},
			status:     http.StatusBadGateway,
			kind:       "upstream_timeout",
			attempts:   3,
			wantDetail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, caller, recorder := newTestService(t, testSettings)
			caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, tt.err)

			resp, errResp := svc.Handle(context.Background(), chatRequest())
			if resp != nil {
				t.Fatal("expected no response")
			}
			if errResp.Status != tt.status {
				t.Errorf("status = %d, want %d", errResp.Status, tt.status)
			}
			if errResp.Error != tt.kind {
				t.Errorf("error = %q, want %q", errResp.Error, tt.kind)
			}
			if errResp.StatusCode != tt.upstream {
				t.Errorf("upstream status = %d, want %d", errResp.StatusCode, tt.upstream)
			}
			if errResp.Attempts != tt.attempts {
				t.Errorf("attempts = %d, want %d", errResp.Attempts, tt.attempts)
			}
			if (errResp.Detail != "") != tt.wantDetail {
				t.Errorf("detail = %q", errResp.Detail)
			}
			if errResp.Message == "" {
				t.Error("empty message")
			}

			stats := recorder.Stats()
			if stats.FailedRequests != 1 || stats.ErrorsByType[tt.kind] != 1 {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestHandle_UnexpectedError(t *testing.T) {
	svc, caller, recorder := newTestService(t, testSettings)
	caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("dial tcp: secret internal address 10.0.0.7"))

	_, errResp := svc.Handle(context.Background(), chatRequest())
	if errResp.Status != http.StatusInternalServerError || errResp.Error != KindUnexpectedError {
		t.Fatalf("error response = %+v", errResp)
	}

	raw, err := json.Marshal(errResp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "10.0.0.7") {
		t.Errorf("internal error text leaked: %s", raw)
	}
	if recorder.Stats().ErrorsByType[KindUnexpectedError] != 1 {
		t.Errorf("unexpected_error not recorded")
	}
}

func TestHandle_PanicIsRecovered(t *testing.T) {
	svc, caller, recorder := newTestService(t, testSettings)
	caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, provider.Request) (*provider.Response, error) {
			panic("nil map write")
		})

	resp, errResp := svc.Handle(context.Background(), chatRequest())
	if resp != nil || errResp == nil || errResp.Error != KindUnexpectedError {
		t.Fatalf("resp = %+v, errResp = %+v", resp, errResp)
	}
	if recorder.Stats().FailedRequests != 1 {
		t.Error("panic not recorded as a failure")
	}
}

func TestHandle_UpdateSettings(t *testing.T) {
	svc, caller, _ := newTestService(t, Settings{Model: "gpt-4o-mini"})

	if _, errResp := svc.Handle(context.Background(), chatRequest()); errResp == nil || errResp.Error != KindMissingAPIKey {
		t.Fatalf("expected missing key, got %+v", errResp)
	}

	svc.UpdateSettings(testSettings)
	caller.EXPECT().Call(gomock.Any(), "sk-test", gomock.Any()).Return(successResponse(), nil)

	if _, errResp := svc.Handle(context.Background(), chatRequest()); errResp != nil {
		t.Fatalf("unexpected error after reload: %+v", errResp)
	}
	if got := svc.Settings().APIKey; got != "sk-test" {
		t.Errorf("settings api key = %q", got)
	}
}

func TestHandle_PassesRequestContext(t *testing.T) {
	svc, caller, _ := newTestService(t, testSettings)
	ctx := logger.WithRequestID(context.Background(), "req_cafebabe")

	caller.EXPECT().
		Call(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(got context.Context, _ string, _ provider.Request) (*provider.Response, error) {
			if logger.RequestID(got) != "req_cafebabe" {
				t.Errorf("request ID lost on the way to the caller")
			}
			return successResponse(), nil
		})

	svc.Handle(ctx, chatRequest())
}

func TestHandle_FeedsCollector(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := NewMockCaller(ctrl)
	collector := metrics.NewCollector("")
	svc := NewChatService(caller, metrics.NewRecorder(nil), collector, testSettings)

	caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(successResponse(), nil)
	caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, &provider.CallError{Kind: provider.KindCircuitOpen})

	svc.Handle(context.Background(), chatRequest())
	svc.Handle(context.Background(), chatRequest())

	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				key := mf.GetName()
				for _, lp := range m.GetLabel() {
					key += "," + lp.GetName() + "=" + lp.GetValue()
				}
				found[key] = c.GetValue()
			}
		}
	}

	want := map[string]float64{
		"heyhi_proxy_requests_total,status=success":  1,
		"heyhi_proxy_requests_total,status=error":    1,
		"heyhi_proxy_tokens_total":                   50,
		"heyhi_proxy_errors_total,kind=circuit_open": 1,
	}
	for key, v := range want {
		if found[key] != v {
			t.Errorf("%s = %v, want %v", key, found[key], v)
		}
	}
}
