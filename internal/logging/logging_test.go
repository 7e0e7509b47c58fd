package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewDefaultsToJSONAndInfo(t *testing.T) {
	logger := New("not-a-level", "")
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level fallback, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter by default")
	}
	if _, ok := New("debug", "TEXT").Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter")
	}
}

func TestContextEntryCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json")
	logger.SetOutput(&buf)

	ctx := WithContext(context.Background(), logger.WithField("request_id", "req-1"))
	FromContext(ctx, nil).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line: %v", err)
	}
	if line["request_id"] != "req-1" {
		t.Fatalf("expected request_id field, got %v", line)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	logger := Discard()
	if entry := FromContext(context.Background(), logger); entry.Logger != logger {
		t.Fatalf("expected fallback logger")
	}
}
