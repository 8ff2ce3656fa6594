package gateway

import (
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/mock/gomock"

	"github.com/AliZeynalov/heyhi-proxy/internal/provider"
	"github.com/AliZeynalov/heyhi-proxy/internal/ratelimit"
)

// accessEntry returns the last access log line written by LoggingMiddleware.
func accessEntry(t *testing.T, hook *test.Hook) *log.Entry {
	t.Helper()
	entries := hook.AllEntries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Data["event"] == "request_completed" {
			return entries[i]
		}
	}
	t.Fatal("no access log line written")
	return nil
}

func TestLoggingMiddleware_Success(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s := newTestServer(t, serverOptions{limiter: ratelimit.NewSlidingWindow(5, time.Minute)})
	s.caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(successResponse(), nil)

	if w := s.do(http.MethodPost, "/api/chat", validBody, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	entry := accessEntry(t, hook)
	if entry.Level != log.InfoLevel {
		t.Errorf("level = %s, want info", entry.Level)
	}
	if entry.Data["upstream_attempts"] != 1 {
		t.Errorf("upstream_attempts = %v", entry.Data["upstream_attempts"])
	}
	if entry.Data["rate_limit_remaining"] != "4" {
		t.Errorf("rate_limit_remaining = %v", entry.Data["rate_limit_remaining"])
	}
	if entry.Data["status"] != http.StatusOK || entry.Data["path"] != "/api/chat" {
		t.Errorf("fields = %v", entry.Data)
	}
	if _, ok := entry.Data["error_kind"]; ok {
		t.Error("error_kind set on a successful request")
	}
}

func TestLoggingMiddleware_UpstreamFailure(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s := newTestServer(t, serverOptions{})
	s.caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, &provider.CallError{
		Kind:     provider.KindUpstreamExhausted,
		Attempts: 3,
		Last:     &provider.AttemptFailure{Kind: provider.KindTimeout},
	})

	if w := s.do(http.MethodPost, "/api/chat", validBody, nil); w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}

	entry := accessEntry(t, hook)
	if entry.Level != log.ErrorLevel {
		t.Errorf("level = %s, want error", entry.Level)
	}
	if entry.Data["error_kind"] != "upstream_timeout" || entry.Data["upstream_attempts"] != 3 {
		t.Errorf("fields = %v", entry.Data)
	}
}

func TestLoggingMiddleware_RateLimited(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s := newTestServer(t, serverOptions{limiter: ratelimit.NewSlidingWindow(1, time.Minute)})
	s.caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Return(successResponse(), nil)

	s.do(http.MethodPost, "/api/chat", validBody, nil)
	if w := s.do(http.MethodPost, "/api/chat", validBody, nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}

	entry := accessEntry(t, hook)
	if entry.Level != log.WarnLevel {
		t.Errorf("level = %s, want warning", entry.Level)
	}
	if entry.Data["error_kind"] != KindRateLimited {
		t.Errorf("error_kind = %v", entry.Data["error_kind"])
	}
	if _, ok := entry.Data["upstream_attempts"]; ok {
		t.Error("upstream_attempts set although the upstream was never called")
	}
}

func TestLoggingMiddleware_ValidationFailure(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s := newTestServer(t, serverOptions{})
	s.caller.EXPECT().Call(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	s.do(http.MethodPost, "/api/chat", `{"messages":[]}`, nil)

	entry := accessEntry(t, hook)
	if entry.Data["error_kind"] != KindValidationError || entry.Data["status"] != http.StatusUnprocessableEntity {
		t.Errorf("fields = %v", entry.Data)
	}
}
