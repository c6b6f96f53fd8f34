package fsfallback_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/infra/fsfallback"
)

func buildEvent(id string) *event.Event {
	return &event.Event{
		ID:          id,
		Kind:        event.KindSystem,
		TaskID:      "t1",
		Title:       "Disk almost full",
		Description: "93% used",
		Data:        event.Payload{"mount": "/var"},
		Timestamp:   time.Now(),
	}
}

func TestSendWritesHandoffFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := fsfallback.New(dir)

	remoteID, err := s.Send(context.Background(), buildEvent("e-1"), "42")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(remoteID, "fsfallback:") {
		t.Fatalf("remoteID = %q", remoteID)
	}

	path := filepath.Join(dir, "event_e-1.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("handoff file missing: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("handoff not valid JSON: %v", err)
	}
	if doc["event_id"] != "e-1" || doc["chat_id"] != "42" {
		t.Fatalf("doc = %v", doc)
	}
	if _, hasIntegrity := doc["integrity"]; hasIntegrity {
		t.Fatalf("integrity present without a key")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSendSanitizesFilename(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := fsfallback.New(dir)

	if _, err := s.Send(context.Background(), buildEvent("e/../../1"), "42"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadDir: %v, %v", entries, err)
	}
	name := entries[0].Name()
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		t.Fatalf("unsafe filename %q", name)
	}
}

func TestSendWithIntegrityVerifies(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	key := []byte("shared-secret")
	s := fsfallback.NewWithIntegrity(dir, key)

	if _, err := s.Send(context.Background(), buildEvent("e-2"), "42"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "event_e-2.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	ok, err := fsfallback.Verify(raw, key)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v, want true", ok, err)
	}

	tampered := strings.Replace(string(raw), "Disk almost full", "Nothing to see", 1)
	ok, err = fsfallback.Verify([]byte(tampered), key)
	if err != nil {
		t.Fatalf("Verify tampered: %v", err)
	}
	if ok {
		t.Fatalf("tampered artifact verified")
	}
}

func TestSendCancelledContext(t *testing.T) {
	t.Parallel()
	s := fsfallback.New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Send(ctx, buildEvent("e-3"), "42"); err == nil {
		t.Fatalf("Send succeeded on a cancelled context")
	}
}
