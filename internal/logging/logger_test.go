package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/config"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	Component(logrus.NewEntry(logger), "stream").Debug("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "stream" {
		t.Errorf("Expected component field 'stream', got %v", line["component"])
	}
	if line["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", line["msg"])
	}
}

func TestNew_UnknownLevel(t *testing.T) {
	logger := New(config.LogConfig{Level: "chatty"}, &bytes.Buffer{})
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("Expected info level fallback, got %s", logger.GetLevel())
	}
}

func TestComponent_NilEntry(t *testing.T) {
	entry := Component(nil, "auth")
	if entry.Data["component"] != "auth" {
		t.Errorf("Expected component field 'auth', got %v", entry.Data["component"])
	}
}
