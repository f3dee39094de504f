package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"camstitch/internal/config"
	"camstitch/internal/logging"
	"camstitch/internal/services"
)

func TestNewFromConfigWritesJSONRunLog(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("run started", logging.String(logging.FieldRunID, "abc"))

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &record); err != nil {
		t.Fatalf("expected JSON record, got %q: %v", content, err)
	}
	if record["msg"] != "run started" {
		t.Fatalf("unexpected msg: %v", record["msg"])
	}
	if record["run_id"] != "abc" {
		t.Fatalf("unexpected run_id: %v", record["run_id"])
	}
	if record["level"] != "info" {
		t.Fatalf("expected lower-case level, got %v", record["level"])
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestConsoleLoggerHoistsStageAndUnit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithStage(context.Background(), "extract")
	ctx = services.WithUnitKey(ctx, "seg-1")
	logging.WithContext(ctx, logging.NewComponentLogger(logger, "coordinator")).Info("unit committed", logging.Int("attempt", 1))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "[extract seg-1] coordinator: unit committed") {
		t.Fatalf("expected hoisted subject and component, got %q", line)
	}
	if !strings.Contains(line, "attempt=1") {
		t.Fatalf("expected attempt attr, got %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logging.WarnWithContext(logger, "segment excluded", "extract_excluded", logging.String(logging.FieldImpact, "segment skipped"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record[logging.FieldEventType] != "extract_excluded" {
		t.Fatalf("unexpected event_type: %v", record[logging.FieldEventType])
	}
	if record[logging.FieldErrorHint] == nil {
		t.Fatal("expected default error_hint")
	}
	if record[logging.FieldImpact] != "segment skipped" {
		t.Fatalf("caller impact should be preserved, got %v", record[logging.FieldImpact])
	}
}

func TestTeeHandlerDuplicates(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(logging.TeeHandler(slog.NewJSONHandler(&a, nil), nil, slog.NewJSONHandler(&b, nil)))
	logger.Info("hello")
	if a.Len() == 0 || b.Len() == 0 {
		t.Fatalf("expected both handlers to receive the record")
	}
}

func TestTeeHandlerSingleUnwrapped(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if got := logging.TeeHandler(nil, inner); got != inner {
		t.Fatalf("expected single handler returned unwrapped, got %T", got)
	}
	if _, ok := logging.TeeHandler().(logging.NoopHandler); !ok {
		t.Fatal("expected NoopHandler when no handlers supplied")
	}
}

func TestProgressSampler(t *testing.T) {
	s := logging.NewProgressSampler(25)
	tests := []struct {
		stage string
		done  int
		want  bool
	}{
		{"extract", 0, true},
		{"extract", 1, false},
		{"extract", 3, true},
		{"extract", 4, false},
		{"extract", 12, true},
		{"cluster", 0, true},
	}
	for _, tt := range tests {
		if got := s.ShouldLog(tt.stage, tt.done, 12); got != tt.want {
			t.Fatalf("ShouldLog(%s, %d) = %v, want %v", tt.stage, tt.done, got, tt.want)
		}
	}
}
