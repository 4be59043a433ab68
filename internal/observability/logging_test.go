package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "provider configured",
		"key", "sk-ant-REDACTED")

	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Fatalf("api key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker, got: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := WithThreadID(context.Background(), "thread-42")
	ctx = WithAgent(ctx, "Albert")
	logger.Info(ctx, "processing event")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["thread_id"] != "thread-42" {
		t.Fatalf("expected thread_id=thread-42, got %v", record["thread_id"])
	}
	if record["agent"] != "Albert" {
		t.Fatalf("expected agent=Albert, got %v", record["agent"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "should be dropped")
	logger.Info(context.Background(), "should be dropped too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}

	logger.Warn(context.Background(), "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn record missing: %s", buf.String())
	}
}
