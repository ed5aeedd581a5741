package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug suppressed at info", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		if buf.Len() > 0 {
			t.Error("debug message should not be written at info level")
		}
	})

	t.Run("info written", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeEntry(t, &buf)
		if entry["level"] != "INFO" {
			t.Errorf("expected level INFO, got %v", entry["level"])
		}
		if entry["msg"] != "info message" {
			t.Errorf("expected msg 'info message', got %v", entry["msg"])
		}
	})

	t.Run("error written", func(t *testing.T) {
		buf.Reset()
		logger.Errorf("failed %d times", 3)
		entry := decodeEntry(t, &buf)
		if entry["level"] != "ERROR" || entry["msg"] != "failed 3 times" {
			t.Errorf("unexpected entry %v", entry)
		}
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"user_id":         int64(42),
		"subscription_id": "sub_123",
	}).WithError(errors.New("boom")).Warn("report failed")

	entry := decodeEntry(t, &buf)
	if entry["user_id"] != float64(42) {
		t.Errorf("expected user_id 42, got %v", entry["user_id"])
	}
	if entry["subscription_id"] != "sub_123" {
		t.Errorf("expected subscription_id sub_123, got %v", entry["subscription_id"])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error boom, got %v", entry["error"])
	}
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NewLogger(InfoLevel, nil)
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLogLevel(tt.in); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-123")

	FromContext(ctx).Info("handled")

	entry := decodeEntry(t, &buf)
	if entry["request_id"] != "req-123" {
		t.Errorf("expected request_id req-123, got %v", entry["request_id"])
	}
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dtc.log")
	logger, closer := NewFileLogger(InfoLevel, LogFileConfig{Path: path, MaxSizeMB: 1})
	defer closer.Close()

	logger.Info("to file")

	if got := logger.Level(); got != InfoLevel {
		t.Errorf("expected info level, got %v", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file to be written: %v", err)
	}
	if !bytes.Contains(data, []byte("to file")) {
		t.Errorf("log file missing message: %s", data)
	}
}
