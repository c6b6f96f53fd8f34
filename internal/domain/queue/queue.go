// Package queue implements the durable, priority-ordered queue of
// pending deliveries: rows live in SQLite, a bounded channel feeds a
// worker pool for immediate processing, a periodic sweeper re-claims
// failed rows and pending rows the channel had no room for, and a startup
// rescan recovers pending state after a crash.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/errs"
	"eventbridge/internal/infra/logger"
)

// Config bundles the queue's tunables.
type Config struct {
	// ChannelSize bounds the in-memory MPSC channel carrying message ids
	// to worker consumers.
	ChannelSize int
	// MaxConcurrentProcessing caps parallel workers.
	MaxConcurrentProcessing int
	// MaxRetryCount is the attempt ceiling before a row moves to
	// dead-letter.
	MaxRetryCount int
	// SweepInterval is how often the retry sweeper scans for ready rows.
	SweepInterval time.Duration
	// BaseRetryDelay and MaxRetryDelay bound the sweeper's own backoff
	// schedule for failed-retryable rows (distinct from, and coarser than,
	// the Retry Engine's per-attempt backoff inside a single send).
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// DefaultConfig covers the queue's own knobs; per-tier timeouts and the
// retry engine's backoff live in their own packages.
func DefaultConfig() Config {
	return Config{
		ChannelSize:             1024,
		MaxConcurrentProcessing: 8,
		MaxRetryCount:           5,
		SweepInterval:           5 * time.Second,
		BaseRetryDelay:          time.Second,
		MaxRetryDelay:           time.Minute,
	}
}

// Processor is supplied by the caller (the QueuedInternal tier) to
// actually attempt delivery of a claimed row. It must be idempotent: the
// queue may call it more than once for the same message across restarts.
// This is the at-least-once surface; the Deduplicator suppresses repeats
// within its window.
type Processor func(ctx context.Context, m *Message) (remoteMessageID string, err error)

// Queue owns the persisted-message lifecycle. Safe for concurrent use.
type Queue struct {
	store *Store
	cfg   Config

	ch chan string // message ids, MPSC

	waitersMu sync.Mutex
	waiters   map[string]chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once

	now func() time.Time
}

// New constructs a Queue backed by store. Call Start to begin processing.
func New(store *Store, cfg Config) *Queue {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 1024
	}
	if cfg.MaxConcurrentProcessing <= 0 {
		cfg.MaxConcurrentProcessing = 8
	}
	return &Queue{
		store:   store,
		cfg:     cfg,
		ch:      make(chan string, cfg.ChannelSize),
		waiters: make(map[string]chan struct{}),
		now:     time.Now,
	}
}

// Enqueue persists the event and hands its id to the workers. The
// durable row is written first; the id is pushed to the channel second.
// If the channel is full, the row remains pending and the retry sweeper
// guarantees eventual pickup.
func (q *Queue) Enqueue(ctx context.Context, ev *event.Event, chatID string, priority Priority) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", errs.New(errs.SerializationError, err)
	}

	now := q.now()
	m := &Message{
		ID:        uuid.NewString(),
		EventJSON: string(payload),
		ChatID:    chatID,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Insert(ctx, m); err != nil {
		return "", err
	}

	q.push(m.ID)
	return m.ID, nil
}

// push offers id to the channel without blocking; a full channel is not
// an error, since the durable row is already committed and the sweeper
// will pick it up.
func (q *Queue) push(id string) {
	select {
	case q.ch <- id:
	default:
		logger.Warnf("queue: channel full, relying on retry sweeper for %s", id)
	}
}

// AwaitResult blocks until message id reaches a terminal status or timeout
// elapses, for tiers (QueuedInternal) whose dispatch contract is
// synchronous from the caller's point of view even though delivery
// happens on a worker goroutine.
func (q *Queue) AwaitResult(ctx context.Context, id string, timeout time.Duration) (*Message, bool) {
	done := q.registerWaiter(id)
	defer q.forgetWaiter(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		m, _ := q.store.Get(ctx, id)
		return m, false
	case <-ctx.Done():
		m, _ := q.store.Get(ctx, id)
		return m, false
	}

	m, err := q.store.Get(ctx, id)
	if err != nil || m == nil {
		return m, false
	}
	return m, m.Status == StatusConfirmed
}

func (q *Queue) registerWaiter(id string) chan struct{} {
	ch := make(chan struct{})
	q.waitersMu.Lock()
	q.waiters[id] = ch
	q.waitersMu.Unlock()
	return ch
}

func (q *Queue) forgetWaiter(id string) {
	q.waitersMu.Lock()
	delete(q.waiters, id)
	q.waitersMu.Unlock()
}

func (q *Queue) notifyWaiter(id string) {
	q.waitersMu.Lock()
	ch, ok := q.waiters[id]
	q.waitersMu.Unlock()
	if ok {
		close(ch)
	}
}

// Start launches the worker pool, the retry sweeper, and performs crash
// recovery, using processor to attempt each claimed row's delivery.
func (q *Queue) Start(ctx context.Context, processor Processor) {
	q.runOnce.Do(func() {
		q.ctx, q.cancel = context.WithCancel(ctx)

		q.recoverPending()

		sem := make(chan struct{}, q.cfg.MaxConcurrentProcessing)
		for i := 0; i < q.cfg.MaxConcurrentProcessing; i++ {
			q.wg.Add(1)
			go q.workerLoop(sem, processor)
		}

		q.wg.Add(1)
		go q.sweeperLoop(processor)
	})
}

// recoverPending scans status=pending rows at startup and re-pushes them
// so recovered work drains first, best Score first (the workers consume
// the channel in push order).
func (q *Queue) recoverPending() {
	pending, err := q.store.GetByStatus(context.Background(), StatusPending)
	if err != nil {
		logger.Errorf("queue: crash recovery scan failed: %v", errs.Classify(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Score() > pending[j].Score() })
	logger.Infof("queue: recovering %d pending message(s) from prior run", len(pending))
	for _, m := range pending {
		q.push(m.ID)
	}
}

func (q *Queue) workerLoop(sem chan struct{}, processor Processor) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.ch:
			sem <- struct{}{}
			q.process(id, StatusPending, processor)
			<-sem
		}
	}
}

func (q *Queue) sweeperLoop(processor Processor) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.sweepOnce(processor)
		}
	}
}

// sweepOnce re-claims status=failed rows whose retry_ready_at has
// elapsed, then claims pending rows that have waited at least one sweep
// interval (ids that never made it onto a full channel). The claim CAS
// keeps a row that is also still in the channel from running twice.
func (q *Queue) sweepOnce(processor Processor) {
	ready, err := q.store.RetryReady(q.ctx, q.now())
	if err != nil {
		logger.Warnf("queue: sweep scan failed: %v", errs.Classify(err))
		return
	}
	for _, m := range ready {
		q.process(m.ID, StatusFailed, processor)
	}

	pending, err := q.store.GetByStatus(q.ctx, StatusPending)
	if err != nil {
		logger.Warnf("queue: pending sweep scan failed: %v", errs.Classify(err))
		return
	}
	for _, m := range pending {
		if q.now().Sub(m.CreatedAt) >= q.cfg.SweepInterval {
			q.process(m.ID, StatusPending, processor)
		}
	}
}

// process claims a row from fromStatus, runs processor, and writes the
// final status. Semaphore acquisition is the caller's responsibility for
// the worker path; the sweeper path runs inline (sweep cadence already
// bounds its own concurrency).
func (q *Queue) process(id string, fromStatus Status, processor Processor) {
	ctx := q.ctx
	claimed, err := q.store.ClaimForProcessing(ctx, id, fromStatus, q.now())
	if err != nil {
		logger.Errorf("queue: claim %s failed: %v", id, errs.Classify(err))
		return
	}
	if !claimed {
		return // another worker/process won the race, or row moved on
	}

	m, err := q.store.Get(ctx, id)
	if err != nil || m == nil {
		logger.Errorf("queue: claimed row %s vanished: %v", id, err)
		return
	}

	remoteID, sendErr := processor(ctx, m)
	now := q.now()

	if sendErr == nil {
		if err := q.store.MarkConfirmed(ctx, id, m.Tier, remoteID, now); err != nil {
			logger.Errorf("queue: mark confirmed %s failed: %v", id, errs.Classify(err))
		}
		q.notifyWaiter(id)
		return
	}

	kind := errs.Classify(sendErr)
	nextAttempt := m.Attempts + 1
	if kind.Retryable() && nextAttempt <= q.cfg.MaxRetryCount {
		delay := q.backoffFor(nextAttempt)
		if err := q.store.MarkFailedRetryable(ctx, id, sendErr.Error(), bumpRetrySnapshot(m.EventJSON), now.Add(delay), now); err != nil {
			logger.Errorf("queue: mark failed-retryable %s failed: %v", id, errs.Classify(err))
		}
		return
	}

	if err := q.store.MarkDeadLetter(ctx, id, sendErr.Error(), now); err != nil {
		logger.Errorf("queue: mark dead-letter %s failed: %v", id, errs.Classify(err))
	}
	q.notifyWaiter(id)
}

// bumpRetrySnapshot re-serializes a stored event snapshot with its retry
// counter incremented, so a later attempt delivers an event that reflects
// how many times it has been retried. A snapshot that fails to decode is
// returned unchanged; the row's own attempts column still tracks the
// count.
func bumpRetrySnapshot(eventJSON string) string {
	var ev event.Event
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return eventJSON
	}
	next, err := json.Marshal(ev.WithIncrementedRetry())
	if err != nil {
		return eventJSON
	}
	return string(next)
}

// backoffFor computes the sweeper's own retry delay for a failed row,
// doubling per attempt and clamping to MaxRetryDelay. This governs how
// long a failed row sits before the sweeper re-claims it; it is separate
// from the Retry Engine's intra-attempt backoff.
func (q *Queue) backoffFor(attempt int) time.Duration {
	base := q.cfg.BaseRetryDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := q.cfg.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Close stops workers and the sweeper, waiting for in-flight processing to
// finish or ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgeDeadLetter exposes the store's explicit dead-letter purge for an
// operator-driven cleanup path.
func (q *Queue) PurgeDeadLetter(ctx context.Context) (int64, error) {
	return q.store.PurgeDeadLetter(ctx)
}

// RecordDeadLetter persists an event straight to dead-letter, for failures
// that never passed through a queued tier (e.g. every tier's breaker open
// at admission time). The row is retained for manual inspection like any
// other dead letter; the sweeper never touches it.
func (q *Queue) RecordDeadLetter(ctx context.Context, ev *event.Event, chatID, reason string) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", errs.New(errs.SerializationError, err)
	}
	now := q.now()
	m := &Message{
		ID:        uuid.NewString(),
		EventJSON: string(payload),
		ChatID:    chatID,
		Status:    StatusDeadLetter,
		Priority:  PriorityNormal,
		LastError: reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Insert(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// PendingDepth reports the current pending-row count for dashboard and
// alerting use; errors read as zero depth rather than failing a snapshot.
func (q *Queue) PendingDepth(ctx context.Context) int {
	n, err := q.store.CountByStatus(ctx, StatusPending)
	if err != nil {
		logger.Warnf("queue: pending depth read failed: %v", errs.Classify(err))
		return 0
	}
	return n
}
