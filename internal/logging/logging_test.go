package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Warn("shown", "engine", "stt")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "engine=stt") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewJSONWithBridge(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "debug", Format: "json", Bridge: true})
	if err != nil {
		t.Fatal(err)
	}
	log.With("component", "gateway").Debug("queued", "request", "r1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if rec["component"] != "gateway" || rec["request"] != "r1" {
		t.Fatalf("attrs lost: %v", rec)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
	if _, err := New(&bytes.Buffer{}, Options{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if l, _ := ParseLevel(""); l != slog.LevelInfo {
		t.Fatalf("default level %v", l)
	}
}

func TestBridgeKeepsConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "warn", Bridge: true})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Error("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}
