package event_test

import (
	"strings"
	"testing"
	"time"

	"eventbridge/internal/domain/event"
)

func TestDecodeWireFullDocument(t *testing.T) {
	t.Parallel()
	raw := `{
		"event_id": "e-1",
		"type": "build",
		"source": "ci",
		"timestamp": "2026-08-02T10:30:00Z",
		"task_id": "t-1",
		"title": "Build ok",
		"description": "done",
		"data": {"branch": "main", "duration_ms": 4200},
		"correlation_id": "c-9",
		"parent_event_id": "e-0",
		"retry_count": 2,
		"processing_status": "received",
		"schema_version": "1"
	}`

	ev, err := event.DecodeWire([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}
	if ev.ID != "e-1" || ev.Kind != event.KindBuild || ev.TaskID != "t-1" {
		t.Fatalf("decoded = %+v", ev)
	}
	want := time.Date(2026, 8, 2, 10, 30, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.Data["branch"] != "main" {
		t.Fatalf("Data = %v", ev.Data)
	}
	if ev.RetryCount != 2 || ev.ProcessingStatus != event.StatusReceived {
		t.Fatalf("decoded = %+v", ev)
	}
}

func TestDecodeWireUnknownTypeMapsToUnknownKind(t *testing.T) {
	t.Parallel()
	raw := `{"event_id":"e-1","type":"quantum-teleport","timestamp":"2026-08-02T10:30:00Z","task_id":"t-1","title":"x"}`
	ev, err := event.DecodeWire([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}
	if ev.Kind != event.KindUnknown {
		t.Fatalf("Kind = %v, want KindUnknown for forward compatibility", ev.Kind)
	}
}

func TestDecodeWireRejectsMissingIdentifiers(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"no event id": `{"type":"build","timestamp":"2026-08-02T10:30:00Z","task_id":"t-1"}`,
		"no task id":  `{"event_id":"e-1","type":"build","timestamp":"2026-08-02T10:30:00Z"}`,
	}
	for name, raw := range cases {
		if _, err := event.DecodeWire([]byte(raw)); err == nil {
			t.Fatalf("%s: DecodeWire accepted an invalid event", name)
		}
	}
}

func TestDecodeWireRejectsBadTimestamp(t *testing.T) {
	t.Parallel()
	raw := `{"event_id":"e-1","type":"build","timestamp":"yesterday","task_id":"t-1"}`
	_, err := event.DecodeWire([]byte(raw))
	if err == nil || !strings.Contains(err.Error(), "timestamp") {
		t.Fatalf("err = %v, want timestamp parse failure", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	original := &event.Event{
		ID:               "e-1",
		Kind:             event.KindGit,
		Source:           "hooks",
		Timestamp:        time.Date(2026, 8, 2, 10, 30, 0, 123456789, time.UTC),
		TaskID:           "t-1",
		Title:            "Pushed",
		Description:      "3 commits",
		Data:             event.Payload{"ref": "refs/heads/main"},
		CorrelationID:    "c-1",
		ParentEventID:    "e-0",
		RetryCount:       1,
		ProcessingStatus: event.StatusAdmitted,
		SchemaVersion:    event.CurrentSchemaVersion,
	}

	raw, err := original.EncodeWire()
	if err != nil {
		t.Fatalf("EncodeWire: %v", err)
	}
	restored, err := event.DecodeWire(raw)
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}

	if restored.ID != original.ID || restored.Kind != original.Kind ||
		restored.Source != original.Source || restored.TaskID != original.TaskID ||
		restored.Title != original.Title || restored.Description != original.Description ||
		restored.CorrelationID != original.CorrelationID ||
		restored.ParentEventID != original.ParentEventID ||
		restored.RetryCount != original.RetryCount ||
		restored.ProcessingStatus != original.ProcessingStatus ||
		restored.SchemaVersion != original.SchemaVersion {
		t.Fatalf("round trip mismatch:\n  %+v\n  %+v", original, restored)
	}
	if !restored.Timestamp.Equal(original.Timestamp) {
		t.Fatalf("Timestamp = %v, want %v", restored.Timestamp, original.Timestamp)
	}
	if restored.Data["ref"] != "refs/heads/main" {
		t.Fatalf("Data = %v", restored.Data)
	}
}
