package handler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventbridge/internal/domain/dedup"
	"eventbridge/internal/domain/event"
	"eventbridge/internal/domain/handler"
	"eventbridge/internal/domain/tier"
	"eventbridge/internal/domain/tracker"
	"eventbridge/internal/errs"
)

type fakeLimiter struct {
	denyFirst  int // Check denials before allowing
	waitResult struct {
		allowed  bool
		timedOut bool
	}
	waitDelay time.Duration
	checkErr  error

	mu     sync.Mutex
	checks int
}

func (f *fakeLimiter) Check(ctx context.Context, chatID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.checks > f.denyFirst, nil
}

func (f *fakeLimiter) Wait(ctx context.Context, chatID string, timeout time.Duration) (bool, bool, error) {
	if f.waitDelay > 0 {
		time.Sleep(f.waitDelay)
	}
	return f.waitResult.allowed, f.waitResult.timedOut, nil
}

type fakeDeduper struct {
	result dedup.Result
	err    error
}

func (f *fakeDeduper) Check(ctx context.Context, ev *event.Event, chatID string) (dedup.Result, error) {
	return f.result, f.err
}

type fakeDispatcher struct {
	result tier.Result

	mu    sync.Mutex
	calls int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, corr string, ev *event.Event, chatID string) tier.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	records []string
}

func (f *fakeDeadLetters) RecordDeadLetter(ctx context.Context, ev *event.Event, chatID, reason string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, reason)
	return "dl-1", nil
}

func buildEvent() *event.Event {
	return &event.Event{
		ID:          "e1",
		Kind:        event.KindTask,
		TaskID:      "t1",
		Title:       "Build ok",
		Description: "done",
		Timestamp:   time.Now(),
	}
}

func newTracker() *tracker.Tracker {
	cfg := tracker.DefaultConfig()
	cfg.SnapshotMinInterval = 0
	return tracker.New(cfg)
}

func statusSequence(tr *tracker.Trace) []tracker.Status {
	out := make([]tracker.Status, len(tr.History))
	for i, u := range tr.History {
		out[i] = u.Status
	}
	return out
}

func assertSequence(t *testing.T, got []tracker.Status, want []tracker.Status) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}
}

func TestHandleUniqueDirectDelivery(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	disp := &fakeDispatcher{result: tier.Result{Delivered: true, RemoteMessageID: "m-1", TierUsed: tier.Direct}}
	c := handler.New(handler.DefaultConfig(), tr, &fakeLimiter{},
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Unique}}, disp, nil)

	res, err := c.Handle(context.Background(), buildEvent(), "42")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusDelivered || res.RemoteMessageID != "m-1" || res.TierUsed != tier.Direct {
		t.Fatalf("Result = %+v", res)
	}

	trace := tr.Get(res.CorrelationID)
	assertSequence(t, statusSequence(trace), []tracker.Status{
		tracker.StatusQueued, tracker.StatusRateChecking,
		tracker.StatusSending, tracker.StatusDelivered,
	})
	if snap := tr.Snapshot(); snap.DeliveryRatePercent != 100.0 {
		t.Fatalf("delivery rate = %v, want 100.0", snap.DeliveryRatePercent)
	}
}

func TestHandleDuplicateShortCircuits(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	disp := &fakeDispatcher{result: tier.Result{Delivered: true}}
	c := handler.New(handler.DefaultConfig(), tr, &fakeLimiter{},
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Duplicate, Count: 2}}, disp, nil)

	res, err := c.Handle(context.Background(), buildEvent(), "42")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusDelivered || !res.Duplicate {
		t.Fatalf("Result = %+v, want Delivered duplicate", res)
	}
	if res.RemoteMessageID != "" {
		t.Fatalf("duplicate carries a remote message id %q", res.RemoteMessageID)
	}
	if disp.callCount() != 0 {
		t.Fatalf("transport called %d times for a duplicate, want 0", disp.callCount())
	}

	trace := tr.Get(res.CorrelationID)
	assertSequence(t, statusSequence(trace), []tracker.Status{
		tracker.StatusQueued, tracker.StatusRateChecking, tracker.StatusDelivered,
	})
}

func TestHandleSimilarBypassProceeds(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	disp := &fakeDispatcher{result: tier.Result{Delivered: true, TierUsed: tier.Direct}}
	cfg := handler.DefaultConfig()
	cfg.SimilarityBypass = true
	c := handler.New(cfg, tr, &fakeLimiter{},
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Similar, Score: 0.9}}, disp, nil)

	res, err := c.Handle(context.Background(), buildEvent(), "42")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Duplicate || res.Status != tracker.StatusDelivered {
		t.Fatalf("Result = %+v, want real delivery", res)
	}
	if disp.callCount() != 1 {
		t.Fatalf("dispatch calls = %d, want 1", disp.callCount())
	}
}

func TestHandleRateWaitThenDeliver(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	limiter := &fakeLimiter{denyFirst: 1, waitDelay: 20 * time.Millisecond}
	limiter.waitResult.allowed = true
	disp := &fakeDispatcher{result: tier.Result{Delivered: true, TierUsed: tier.Direct}}
	c := handler.New(handler.DefaultConfig(), tr, limiter,
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Unique}}, disp, nil)

	res, err := c.Handle(context.Background(), buildEvent(), "7")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusDelivered {
		t.Fatalf("Result = %+v", res)
	}

	trace := tr.Get(res.CorrelationID)
	assertSequence(t, statusSequence(trace), []tracker.Status{
		tracker.StatusQueued, tracker.StatusRateChecking, tracker.StatusRateWaiting,
		tracker.StatusSending, tracker.StatusDelivered,
	})
	if len(trace.Waits) != 1 || trace.Waits[0] < 20*time.Millisecond {
		t.Fatalf("Waits = %v, want one recorded wait >= 20ms", trace.Waits)
	}
}

func TestHandleRateWaitTimeout(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	limiter := &fakeLimiter{denyFirst: 1000}
	limiter.waitResult.timedOut = true
	disp := &fakeDispatcher{result: tier.Result{Delivered: true}}
	c := handler.New(handler.DefaultConfig(), tr, limiter,
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Unique}}, disp, nil)

	res, err := c.Handle(context.Background(), buildEvent(), "7")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusFailed || res.Reason != "rate-limit-timeout" {
		t.Fatalf("Result = %+v, want Failed(rate-limit-timeout)", res)
	}
	if disp.callCount() != 0 {
		t.Fatalf("dispatched despite rate-limit timeout")
	}
}

func TestHandleDedupErrorFailsOpen(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	disp := &fakeDispatcher{result: tier.Result{Delivered: true, TierUsed: tier.Direct}}
	c := handler.New(handler.DefaultConfig(), tr, &fakeLimiter{},
		&fakeDeduper{err: errs.New(errs.ConnectionTimeout, errors.New("store down"))}, disp, nil)

	res, err := c.Handle(context.Background(), buildEvent(), "42")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusDelivered {
		t.Fatalf("Result = %+v, want delivery despite dedup error", res)
	}

	trace := tr.Get(res.CorrelationID)
	if len(trace.Errors) != 1 {
		t.Fatalf("dedup error not recorded in trace: %v", trace.Errors)
	}
}

func TestHandleBreakerBlockedDeadLetters(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	dl := &fakeDeadLetters{}
	disp := &fakeDispatcher{result: tier.Result{BreakerBlocked: true, Reason: "no tiers available"}}
	c := handler.New(handler.DefaultConfig(), tr, &fakeLimiter{},
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Unique}}, disp, dl)

	res, err := c.Handle(context.Background(), buildEvent(), "42")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusDeadLetter {
		t.Fatalf("Result = %+v, want DeadLetter", res)
	}

	trace := tr.Get(res.CorrelationID)
	seq := statusSequence(trace)
	assertSequence(t, seq, []tracker.Status{
		tracker.StatusQueued, tracker.StatusRateChecking, tracker.StatusSending,
		tracker.StatusCircuitBreakerBlocked, tracker.StatusDeadLetter,
	})
	if len(dl.records) != 1 {
		t.Fatalf("dead-letter rows = %v, want one", dl.records)
	}

	snap := tr.Snapshot()
	if snap.CircuitBreakerBlocks != 1 || snap.DeadLetter != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHandleDispatchFailure(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	disp := &fakeDispatcher{result: tier.Result{Reason: "all tiers exhausted"}}
	c := handler.New(handler.DefaultConfig(), tr, &fakeLimiter{},
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Unique}}, disp, nil)

	res, err := c.Handle(context.Background(), buildEvent(), "42")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusFailed || res.Reason != "all tiers exhausted" {
		t.Fatalf("Result = %+v", res)
	}
}

func TestHandleRejectsInvalidEvent(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	c := handler.New(handler.DefaultConfig(), tr, &fakeLimiter{},
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Unique}},
		&fakeDispatcher{result: tier.Result{Delivered: true}}, nil)

	_, err := c.Handle(context.Background(), &event.Event{ID: "e1"}, "42")
	if errs.Classify(err) != errs.InvalidRequest {
		t.Fatalf("Classify = %v, want InvalidRequest", errs.Classify(err))
	}
	if snap := tr.Snapshot(); snap.Total != 0 {
		t.Fatalf("invalid event admitted into tracker: %+v", snap)
	}
}

func TestHandleCancellationBeforeDispatch(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	limiter := &fakeLimiter{}
	disp := &fakeDispatcher{result: tier.Result{Delivered: true}}
	c := handler.New(handler.DefaultConfig(), tr, limiter,
		&fakeDeduper{result: dedup.Result{Outcome: dedup.Unique}}, disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Handle(ctx, buildEvent(), "42")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != tracker.StatusFailed || res.Reason != "cancelled" {
		t.Fatalf("Result = %+v, want Failed(cancelled)", res)
	}
	if disp.callCount() != 0 {
		t.Fatalf("dispatched on a cancelled context")
	}
}
