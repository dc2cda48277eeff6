package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "feedflow.log")
	log := Logger()
	if err := log.Configure("debug", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("log line missing: %s", data)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestLogMetricWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	log.LogMetric("quota", "grants", 3, "", Fields{"tier": "critical"})

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if line["metric"] != "grants" || line["metric_type"] != "counter" || line["tier"] != "critical" {
		t.Fatalf("unexpected metric line: %v", line)
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithComponent("warn-counter").Warn("one")
	log.WithComponent("warn-counter").Warn("two")

	v, ok := warns.Load("warn-counter")
	if !ok {
		t.Fatalf("warn counter not recorded")
	}
	if got := atomic.LoadInt64(v.(*int64)); got != 2 {
		t.Fatalf("expected 2 warnings, got %d", got)
	}
}
