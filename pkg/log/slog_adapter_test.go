package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestSlogAdapterWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Log(Event{
		Timestamp:   time.Now(),
		SessionID:   "s1",
		Component:   ComponentWatcher,
		Category:    CategoryResolve,
		ServiceType: "_https._tcp",
		Instance:    "IPM (42)",
		Address:     "10.0.0.1",
		Port:        443,
	})

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid JSON output %q: %v", buf.String(), err)
	}
	if record["msg"] != "discovery" {
		t.Errorf("msg = %v, want discovery", record["msg"])
	}
	if record["level"] != "DEBUG" {
		t.Errorf("level = %v, want DEBUG", record["level"])
	}
	if record["component"] != "WATCHER" {
		t.Errorf("component = %v, want WATCHER", record["component"])
	}
	if record["instance"] != "IPM (42)" {
		t.Errorf("instance = %v", record["instance"])
	}
	if record["port"] != float64(443) {
		t.Errorf("port = %v, want 443", record["port"])
	}
	if _, ok := record["error"]; ok {
		t.Error("error attribute should be omitted when empty")
	}
}

func TestSlogAdapterBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	NewSlogAdapter(slog.New(handler)).Log(Event{Timestamp: time.Now()})

	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}
}
