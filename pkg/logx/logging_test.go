package logx

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "loader"))
	log.Info("enabled", Plugin("echo-1.0.0"), Int("code", 0))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "loader" || m["plugin"] != "echo-1.0.0" || m["message"] != "enabled" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("dropped")
	if l.OrNop().IsZero() {
		t.Fatalf("OrNop should return a usable logger")
	}
}

func TestServiceForwardsAboveMinLevel(t *testing.T) {
	svc, log := New(Config{Level: "debug", Forward: ForwardConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()

	var mu sync.Mutex
	var got []string
	svc.SetForwarder(func(level, msg string, fields map[string]any) {
		mu.Lock()
		got = append(got, level+":"+msg)
		mu.Unlock()
	})

	log.Info("quiet")
	log.Warn("loud", String("k", "v"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "warn:loud" {
		t.Fatalf("forwarded = %v, want [warn:loud]", got)
	}
}

func TestParseLevelDefault(t *testing.T) {
	if ParseLevel("nope", LevelWarn) != LevelWarn {
		t.Fatalf("unknown level should fall back to default")
	}
	if ParseLevel("warning", LevelInfo) != LevelWarn {
		t.Fatalf("warning should map to warn")
	}
}

func TestThrottledDropsExcess(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Throttled(0.001, 3)
	for i := 0; i < 10; i++ {
		log.Info("spam")
	}
	if n := bytes.Count(buf.Bytes(), []byte("\n")); n != 3 {
		t.Fatalf("wrote %d lines, want 3", n)
	}
	if log.Dropped() != 7 {
		t.Fatalf("dropped = %d, want 7", log.Dropped())
	}

	// Records below the level are neither written nor counted.
	quiet := NewWriter(&buf, "warn").Throttled(0.001, 1)
	quiet.Debug("ignored")
	if quiet.Dropped() != 0 {
		t.Fatalf("below-level record counted as dropped")
	}
}

func TestForwarderRedactsSecrets(t *testing.T) {
	svc, log := New(Config{Level: "debug", Forward: ForwardConfig{Enabled: true, RatePerSec: 100}})
	defer svc.Close()

	var got map[string]any
	svc.SetForwarder(func(level, msg string, fields map[string]any) { got = fields })
	log.Warn("status server", String("token", "s3cret"), String("addr", "127.0.0.1:7090"))

	if got["token"] != "[redacted]" || got["addr"] != "127.0.0.1:7090" {
		t.Fatalf("fields = %v", got)
	}
}
