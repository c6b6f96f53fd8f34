package tracker_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/domain/tracker"
)

func buildEvent(id string) *event.Event {
	return &event.Event{
		ID:        id,
		Kind:      event.KindTask,
		TaskID:    "t1",
		Title:     "Build ok",
		Timestamp: time.Now(),
	}
}

func newTestTracker(cfg tracker.Config) *tracker.Tracker {
	cfg.SnapshotMinInterval = 0 // tests want uncached snapshots
	return tracker.New(cfg)
}

func TestStartMintsDistinctCorrelationIDs(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(tracker.DefaultConfig())

	c1 := tr.Start(buildEvent("e1"), "42")
	c2 := tr.Start(buildEvent("e1"), "42")
	if c1 == c2 {
		t.Fatalf("two admits minted the same correlation id %s", c1)
	}
	if c1 == "e1" || c2 == "e1" {
		t.Fatalf("correlation id must be distinct from event id")
	}
}

func TestDeliveredLifecycle(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(tracker.DefaultConfig())

	corr := tr.Start(buildEvent("e1"), "42")
	tr.Update(corr, tracker.Plain(tracker.StatusRateChecking))
	tr.Update(corr, tracker.Plain(tracker.StatusSending))
	tr.Update(corr, tracker.Plain(tracker.StatusDelivered))

	got := tr.Get(corr)
	if got == nil {
		t.Fatalf("Get(%s) = nil after terminal transition", corr)
	}
	if got.Status != tracker.StatusDelivered {
		t.Fatalf("Status = %v, want Delivered", got.Status)
	}

	wantSeq := []tracker.Status{
		tracker.StatusQueued, tracker.StatusRateChecking,
		tracker.StatusSending, tracker.StatusDelivered,
	}
	if len(got.History) != len(wantSeq) {
		t.Fatalf("history length = %d, want %d", len(got.History), len(wantSeq))
	}
	for i, u := range got.History {
		if u.Status != wantSeq[i] {
			t.Fatalf("history[%d] = %v, want %v", i, u.Status, wantSeq[i])
		}
	}

	snap := tr.Snapshot()
	if snap.DeliveryRatePercent != 100.0 {
		t.Fatalf("delivery rate = %v, want 100.0", snap.DeliveryRatePercent)
	}
}

func TestAggregateBalance(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(tracker.DefaultConfig())

	terminalFor := map[int]tracker.StatusUpdate{
		0: tracker.Plain(tracker.StatusDelivered),
		1: tracker.Failed("boom"),
		2: tracker.Plain(tracker.StatusDeadLetter),
	}
	const perKind = 4
	for kind := 0; kind < len(terminalFor); kind++ {
		for i := 0; i < perKind; i++ {
			corr := tr.Start(buildEvent("e"), "42")
			tr.Update(corr, terminalFor[kind])
		}
	}
	active := tr.Start(buildEvent("e"), "42")
	_ = active

	snap := tr.Snapshot()
	if snap.Delivered+snap.Failed+snap.DeadLetter+int64(snap.Active) != snap.Total {
		t.Fatalf("delivered(%d)+failed(%d)+deadletter(%d)+active(%d) != total(%d)",
			snap.Delivered, snap.Failed, snap.DeadLetter, snap.Active, snap.Total)
	}
	if snap.Delivered != perKind || snap.Failed != perKind || snap.DeadLetter != perKind {
		t.Fatalf("unexpected aggregate: %+v", snap)
	}
}

func TestCapacityEviction(t *testing.T) {
	t.Parallel()
	cfg := tracker.DefaultConfig()
	cfg.ActiveLimit = 3
	tr := newTestTracker(cfg)

	first := tr.Start(buildEvent("e1"), "42")
	tr.Start(buildEvent("e2"), "42")
	tr.Start(buildEvent("e3"), "42")
	tr.Start(buildEvent("e4"), "42") // should evict first

	evicted := tr.Get(first)
	if evicted == nil {
		t.Fatalf("evicted trace not found in completed ring")
	}
	if evicted.Status != tracker.StatusFailed {
		t.Fatalf("evicted Status = %v, want Failed", evicted.Status)
	}
	last := evicted.History[len(evicted.History)-1]
	if last.Detail != "capacity" {
		t.Fatalf("eviction reason = %q, want capacity", last.Detail)
	}

	snap := tr.Snapshot()
	if snap.Active != 3 {
		t.Fatalf("active = %d, want 3", snap.Active)
	}
	if snap.Failed != 1 {
		t.Fatalf("failed = %d, want 1 (the eviction)", snap.Failed)
	}
}

func TestCompletedRingBounded(t *testing.T) {
	t.Parallel()
	cfg := tracker.DefaultConfig()
	cfg.CompletedRing = 5
	tr := newTestTracker(cfg)

	for i := 0; i < 12; i++ {
		corr := tr.Start(buildEvent("e"), "42")
		tr.Update(corr, tracker.Plain(tracker.StatusDelivered))
	}

	done := tr.Completed()
	if len(done) != 5 {
		t.Fatalf("completed ring holds %d traces, want 5", len(done))
	}
}

func TestWaitsAndErrorsRecorded(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(tracker.DefaultConfig())

	corr := tr.Start(buildEvent("e1"), "42")
	tr.AddWait(corr, 900*time.Millisecond)
	tr.AddError(corr, errors.New("transient glitch"))
	tr.Update(corr, tracker.Plain(tracker.StatusDelivered))

	got := tr.Get(corr)
	if len(got.Waits) != 1 || got.Waits[0] != 900*time.Millisecond {
		t.Fatalf("Waits = %v, want [900ms]", got.Waits)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "transient glitch" {
		t.Fatalf("Errors = %v", got.Errors)
	}
}

func TestUpdateAfterTerminalDropped(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(tracker.DefaultConfig())

	corr := tr.Start(buildEvent("e1"), "42")
	tr.Update(corr, tracker.Plain(tracker.StatusDelivered))
	tr.Update(corr, tracker.Failed("late"))

	got := tr.Get(corr)
	if got.Status != tracker.StatusDelivered {
		t.Fatalf("terminal status mutated to %v after completion", got.Status)
	}
}

func TestAlertSynthesis(t *testing.T) {
	t.Parallel()
	cfg := tracker.DefaultConfig()
	cfg.Thresholds = tracker.AlertThresholds{
		MinDeliveryRatePercent: 95,
		MaxQueueDepth:          10,
		MaxFailureRatePercent:  10,
	}
	tr := newTestTracker(cfg)
	tr.SetQueueDepthFunc(func() int { return 50 })

	for i := 0; i < 2; i++ {
		corr := tr.Start(buildEvent("e"), "42")
		tr.Update(corr, tracker.Failed("boom"))
	}

	snap := tr.Snapshot()
	kinds := map[string]bool{}
	for _, a := range snap.Alerts {
		kinds[a.Kind] = true
	}
	for _, want := range []string{
		"delivery-rate-below-threshold",
		"queue-depth-above-threshold",
		"failure-rate-above-threshold",
	} {
		if !kinds[want] {
			t.Fatalf("missing alert %q in %v", want, snap.Alerts)
		}
	}
}

func TestSnapshotSampling(t *testing.T) {
	t.Parallel()
	cfg := tracker.DefaultConfig()
	cfg.SnapshotMinInterval = time.Hour
	tr := tracker.New(cfg)

	first := tr.Snapshot()
	corr := tr.Start(buildEvent("e1"), "42")
	tr.Update(corr, tracker.Plain(tracker.StatusDelivered))

	cached := tr.Snapshot()
	if cached.Total != first.Total {
		t.Fatalf("snapshot within sampling interval recomputed: %+v", cached)
	}
}

func TestTraceSerializeRoundTrip(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(tracker.DefaultConfig())

	corr := tr.Start(buildEvent("e1"), "42")
	tr.Update(corr, tracker.Plain(tracker.StatusRateChecking))
	tr.AddWait(corr, 50*time.Millisecond)
	tr.Update(corr, tracker.Retrying(1))
	tr.Update(corr, tracker.Plain(tracker.StatusDelivered))
	original := tr.Get(corr)

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored tracker.Trace
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.CorrelationID != original.CorrelationID ||
		restored.EventID != original.EventID ||
		restored.ChatID != original.ChatID ||
		restored.Status != original.Status ||
		restored.RetryCount != original.RetryCount {
		t.Fatalf("round trip mismatch:\n  original %+v\n  restored %+v", *original, restored)
	}
	if !reflect.DeepEqual(restored.History, original.History) {
		t.Fatalf("history mismatch: %v vs %v", restored.History, original.History)
	}
	if !reflect.DeepEqual(restored.Waits, original.Waits) || !reflect.DeepEqual(restored.Errors, original.Errors) {
		t.Fatalf("waits/errors mismatch")
	}
	// time.Time equality survives the trip only up to wall-clock value.
	if !restored.CreatedAt.Equal(original.CreatedAt) || !restored.UpdatedAt.Equal(original.UpdatedAt) {
		t.Fatalf("timestamps mismatch")
	}
}
