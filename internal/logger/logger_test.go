package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")

	log, err := New(path, true)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Debug("hidden")
	log.Info("cache warmed", zap.Int("records", 3))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (debug filtered), got %d: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "cache warmed" || entry["level"] != "INFO" || entry["records"] != float64(3) {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	log, err := New("", false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info("ok")
}
