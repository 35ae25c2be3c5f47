package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"loud", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Format: FormatJSON, Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Info("hidden")
	l.Warn("shown", "task", "t1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["task"] != "t1" {
		t.Errorf("record = %v, want msg=shown task=t1", rec)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", NoColor: true, Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Debug("step done", "err", errors.New("boom"))
	out := buf.String()
	if !strings.Contains(out, "step done") || !strings.Contains(out, "boom") {
		t.Errorf("output = %q, want message and error", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("output = %q, want no color codes", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("New(xml) error = nil, want error")
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskloop.log")
	l, err := New(Options{Format: FormatJSON, File: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer Close()
	l.Info("to file")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file = %q, want the message", data)
	}
}
