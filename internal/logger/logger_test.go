package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWritesToConsoleAndDailyFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	log, fileHandler, err := New(dir, &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer fileHandler.Close()

	log.Info("pipeline started", "workers", 3)

	if !strings.Contains(console.String(), "pipeline started") {
		t.Errorf("console output missing message: %q", console.String())
	}
	if !strings.Contains(console.String(), "workers=3") {
		t.Errorf("console output missing attrs: %q", console.String())
	}

	logPath := filepath.Join(dir, "logs", "scraper_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("daily log file not written: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("daily log is not JSON: %v", err)
	}
	if record["msg"] != "pipeline started" {
		t.Errorf("msg = %v", record["msg"])
	}
	if _, ok := record["time"]; !ok {
		t.Error("record has no timestamp")
	}
}

func TestDailyFileAppends(t *testing.T) {
	dir := t.TempDir()
	h, err := NewDailyFileHandler(dir)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	defer h.Close()

	log := slog.New(h)
	log.Info("first")
	log.Info("second")

	logPath := filepath.Join(dir, "scraper_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1
	if lines != 2 {
		t.Errorf("got %d lines, want 2 appended records", lines)
	}
}
