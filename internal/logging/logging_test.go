package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"ERROR", slog.LevelError},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"Info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"trace", LevelTrace},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) succeeded, want error")
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "run42")
	logger.Info("hello", "key", "a/b.txt", "size", 3)

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		t.Fatalf("log line has %d fields, want 6: %q", len(fields), line)
	}
	if fields[1] != "INFO" {
		t.Errorf("level field = %q, want INFO", fields[1])
	}
	if fields[2] != "run42" {
		t.Errorf("run ID field = %q, want run42", fields[2])
	}
	if fields[3] != "hello" {
		t.Errorf("message field = %q, want hello", fields[3])
	}
	if fields[4] != "key=a/b.txt" || fields[5] != "size=3" {
		t.Errorf("attr fields = %q %q", fields[4], fields[5])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn, "r")
	logger.Info("dropped")
	logger.Debug("dropped too")
	logger.Warn("kept")
	if got := buf.String(); strings.Contains(got, "dropped") || !strings.Contains(got, "kept") {
		t.Errorf("output = %q, want only the WARN record", got)
	}
}

func TestLogger_TraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "r")
	logger.Log(context.Background(), LevelTrace, "chunk", "n", 1)
	if !strings.Contains(buf.String(), "TRACE\t") {
		t.Errorf("output = %q, want a TRACE record", buf.String())
	}
}

func TestLogger_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "r").With("url", "s3://b/k")
	logger.Info("msg")
	if !strings.Contains(buf.String(), "url=s3://b/k") {
		t.Errorf("output = %q, want pre-set attr", buf.String())
	}
}
