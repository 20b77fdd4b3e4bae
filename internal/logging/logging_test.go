package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONToStderr(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Level: "warn", Format: "json", Stderr: &buf})
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("cycle failed", "trigger", "manual")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line written at warn level")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if line["msg"] != "cycle failed" || line["trigger"] != "manual" {
		t.Errorf("line = %v", line)
	}
}

func TestNewRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, closer := New(Options{Level: "debug", File: path})

	logger.Debug("upload started", "id", "incoming-dev1-1555-1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "msg=\"upload started\"") {
		t.Errorf("log file = %q", data)
	}
}
