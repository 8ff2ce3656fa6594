package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetup(t *testing.T) {
	defer func() { _ = Setup(Options{}) }()

	var buf bytes.Buffer
	if err := Setup(Options{Level: "warn", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if log.GetLevel() != log.WarnLevel {
		t.Errorf("level = %s, want warn", log.GetLevel())
	}

	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestSetup_Invalid(t *testing.T) {
	defer func() { _ = Setup(Options{}) }()

	if err := Setup(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := Setup(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFromContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_1234abcd")

	if got := RequestID(ctx); got != "req_1234abcd" {
		t.Errorf("RequestID = %q", got)
	}
	if got := FromContext(ctx).Data["request_id"]; got != "req_1234abcd" {
		t.Errorf("entry request_id = %v", got)
	}
	if _, ok := FromContext(context.Background()).Data["request_id"]; ok {
		t.Error("entry without request ID should not carry the field")
	}
}
