package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/services"
)

func TestNewFromConfigWritesRunFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Format = "json"

	logger, path, closeFn, err := logging.NewFromConfig(&cfg, "run-test.log")
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("phase finished", logging.String(logging.FieldPhase, "hashing"))
	if err := closeFn(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", content, err)
	}
	if entry["msg"] != "phase finished" || entry["phase"] != "hashing" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["level"] != "info" {
		t.Fatalf("expected lower-case level, got %v", entry["level"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without caller")
	if strings.Contains(buf.String(), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", buf.String())
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message with caller")
	if !strings.Contains(buf.String(), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", buf.String())
	}
}

func TestConsoleLoggerRendersComponentAndPhase(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "uploader").Info("asset stored",
		logging.String(logging.FieldPhase, "uploading"),
		logging.String("location", "a b"),
	)
	line := buf.String()
	for _, fragment := range []string{"INFO uploader [uploading] asset stored", `location="a b"`} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithPhase(ctx, "importing")
	ctx = services.WithItemKey(ctx, "tx/a.json")

	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WithContext(ctx, logger).Info("contextual log")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	for key, want := range map[string]string{
		logging.FieldRunID:   "run-1",
		logging.FieldPhase:   "importing",
		logging.FieldItemKey: "tx/a.json",
	} {
		if entry[key] != want {
			t.Fatalf("field %s = %v, want %q", key, entry[key], want)
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "duplicate identity", "duplicate_logical_key",
		logging.String(logging.FieldImpact, "later timestamp wins"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry[logging.FieldEventType] != "duplicate_logical_key" {
		t.Fatalf("unexpected event type: %v", entry[logging.FieldEventType])
	}
	if entry[logging.FieldErrorHint] == nil {
		t.Fatal("expected default error hint")
	}
	if entry[logging.FieldImpact] != "later timestamp wins" {
		t.Fatalf("expected caller impact to be kept, got %v", entry[logging.FieldImpact])
	}
}
