package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)

	componentLogger := logger.WithComponent("NVME").WithController(42)
	componentLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "component=NVME") {
		t.Errorf("expected component=NVME in output, got: %s", output)
	}
	if !strings.Contains(output, "controller_id=42") {
		t.Errorf("expected controller_id=42 in output, got: %s", output)
	}

	buf.Reset()
	queueLogger := componentLogger.WithQueue(1)
	queueLogger.Info("queue message")

	output = buf.String()
	if !strings.Contains(output, "controller_id=42") {
		t.Errorf("expected controller_id=42 in queue logger output, got: %s", output)
	}
	if !strings.Contains(output, "queue_id=1") {
		t.Errorf("expected queue_id=1 in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true}

	logger := NewLogger(config)
	testErr := errors.New("command failed")
	errorLogger := logger.WithError(testErr)
	errorLogger.Error("completion with non-zero status")

	output := buf.String()
	if !strings.Contains(output, "command failed") {
		t.Errorf("expected 'command failed' in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	SetDefault(NewLogger(config))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
