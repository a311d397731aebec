package logging

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"critical", slog.LevelError},
		{"fatal", slog.LevelError},
		{"  info  ", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestServiceHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewServiceHandler("qvarnmr", slog.LevelDebug, &buf))
	logger.Info("hello world")

	line := buf.String()
	re := regexp.MustCompile(
		`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}[+-]\d{2}:\d{2} qvarnmr \[INFO\] [^ ]*: hello world\n$`,
	)
	if !re.MatchString(line) {
		t.Errorf("log line does not match expected format:\n  got:  %q", line)
	}
}

func TestServiceHandlerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewServiceHandler("svc", slog.LevelWarn, &buf))

	logger.Debug("should not appear")
	logger.Info("should not appear")
	logger.Warn("should appear")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "[WARN]") {
		t.Errorf("expected WARN level, got: %s", lines[0])
	}
}

func TestServiceHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewServiceHandler("svc", slog.LevelDebug, &buf))

	logger.With(slog.String("target", "mapped")).Info("processing",
		slog.String("source", "orders"), slog.Int("version", 2))

	line := buf.String()
	if !strings.Contains(line, "target=mapped") || !strings.Contains(line, "version=2") {
		t.Errorf("expected structured fields in output, got: %s", line)
	}
}

func TestServiceHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewServiceHandler("svc", slog.LevelDebug, &buf)).WithGroup("engine")

	logger.Info("tick", slog.Int("n", 1))

	line := buf.String()
	if !strings.Contains(line, "engine.n=1") {
		t.Errorf("expected grouped attribute, got: %s", line)
	}
}
