package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// captureLogger returns a Logger writing JSON lines into buf.
func captureLogger(buf *bytes.Buffer, level slog.Level) *Logger {
	h := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})
	return NewWithHandler(h)
}

func TestLogger_ModuleAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf, slog.LevelInfo).Module("amt")
	l.Info("commit done", "epoch", 7)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if rec["module"] != "amt" {
		t.Errorf("module = %v, want amt", rec["module"])
	}
	if rec["msg"] != "commit done" {
		t.Errorf("msg = %v, want commit done", rec["msg"])
	}
	if rec["epoch"] != float64(7) {
		t.Errorf("epoch = %v, want 7", rec["epoch"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf, slog.LevelWarn)
	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug/info leaked through warn level: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	l := captureLogger(&buf, slog.LevelInfo).With("shard", 3)
	l.Info("proving")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if rec["shard"] != float64(3) {
		t.Errorf("shard = %v, want 3", rec["shard"])
	}
}

func TestSetDefault_IgnoresNil(t *testing.T) {
	prev := Default()
	SetDefault(nil)
	if Default() != prev {
		t.Error("SetDefault(nil) must not replace the default logger")
	}
}
