// Package dedup implements content-addressed deduplication with a
// sliding time window: an in-memory LRU fronting a durable SQLite table,
// a token-Jaccard similarity fallback on cache miss, and a background
// sweeper expiring old records.
package dedup

import (
	"context"
	"sync"
	"time"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/domain/fingerprint"
	"eventbridge/internal/errs"
	"eventbridge/internal/infra/logger"
)

// Config bundles the Deduplicator's tunables alongside the Fingerprinter's,
// since the two always travel together in practice.
type Config struct {
	Fingerprint      fingerprint.Config
	Window           time.Duration
	CleanupInterval  time.Duration
	CacheSizeLimit   int
	SimilarityBypass bool
}

// DefaultConfig mirrors fingerprint.DefaultConfig with a 60s window and
// a minute-scale sweep.
func DefaultConfig() Config {
	return Config{
		Fingerprint:     fingerprint.DefaultConfig(),
		Window:          60 * time.Second,
		CleanupInterval: time.Minute,
		CacheSizeLimit:  10_000,
	}
}

// Deduplicator answers unique/duplicate/similar for admitted events.
// Safe for concurrent use.
type Deduplicator struct {
	cfg   Config
	store *Store

	mu    sync.Mutex // guards cache and fpLocks
	cache *lruCache
	// fpLocks is the per-fingerprint critical section: one mutex per
	// in-flight fingerprint, so concurrent Check calls for the same
	// fingerprint serialize without serializing unrelated fingerprints
	// behind a single global lock.
	fpLocks map[string]*sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Deduplicator backed by store. Call Start to begin the
// background sweeper.
func New(store *Store, cfg Config) *Deduplicator {
	if cfg.CacheSizeLimit <= 0 {
		cfg.CacheSizeLimit = 10_000
	}
	return &Deduplicator{
		cfg:     cfg,
		store:   store,
		cache:   newLRUCache(cfg.CacheSizeLimit),
		fpLocks: make(map[string]*sync.Mutex),
	}
}

// lockFingerprint returns (and lazily creates) the mutex guarding a single
// fingerprint's check/insert sequence.
func (d *Deduplicator) lockFingerprint(fp string) *sync.Mutex {
	d.mu.Lock()
	m, ok := d.fpLocks[fp]
	if !ok {
		m = &sync.Mutex{}
		d.fpLocks[fp] = m
	}
	d.mu.Unlock()
	return m
}

// Check classifies one admission. On Unique it inserts a record; on
// Duplicate it atomically updates counter and last-seen. Durable-store
// errors are returned to the caller, who is expected to fail open.
func (d *Deduplicator) Check(ctx context.Context, ev *event.Event, chatID string) (Result, error) {
	now := time.Now()
	digest := fingerprint.Fingerprint(ev, chatID, d.cfg.Fingerprint)
	fp := fingerprint.Hex(digest)

	fpMu := d.lockFingerprint(fp)
	fpMu.Lock()
	defer fpMu.Unlock()

	if rec, ok := d.lookupCache(fp, now); ok {
		return d.recordDuplicate(ctx, rec, fp)
	}

	durableRec, err := d.store.Get(ctx, fp)
	if err != nil {
		return Result{}, err
	}
	if durableRec != nil {
		if !durableRec.expired(now, d.cfg.Window) {
			d.putCache(fp, durableRec)
			return d.recordDuplicate(ctx, durableRec, fp)
		}
		// An expired row counts as absent: clear expired rows now rather
		// than waiting for the sweeper, so the insert below can win.
		if _, err := d.store.Sweep(ctx, d.cfg.Window, now); err != nil {
			return Result{}, err
		}
	}

	bodySnippet := fingerprint.Normalize(ev.Description, d.cfg.Fingerprint)
	if d.cfg.Fingerprint.SimilarityEnabled && !d.cfg.SimilarityBypass {
		if res, matched, err := d.checkSimilarity(ctx, bodySnippet, chatID, fp, now); err != nil {
			return Result{}, err
		} else if matched {
			return res, nil
		}
	}

	rec := &Record{
		Fingerprint: fp,
		ChatID:      chatID,
		FirstSeen:   now,
		LastSeen:    now,
		Count:       1,
		BodySnippet: bodySnippet,
	}
	inserted, err := d.store.TryInsertUnique(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		// A concurrent caller (different fingerprint-lock instance before
		// this process restarted, or a peer process sharing the durable
		// store) won the race; treat as Duplicate.
		winner, err := d.store.Get(ctx, fp)
		if err != nil {
			return Result{}, err
		}
		return d.recordDuplicate(ctx, winner, fp)
	}

	d.putCache(fp, rec)
	return Result{Outcome: Unique, Fingerprint: fp}, nil
}

func (d *Deduplicator) checkSimilarity(ctx context.Context, bodySnippet, chatID, fp string, now time.Time) (Result, bool, error) {
	candidates, err := d.store.RecentForChat(ctx, chatID, d.cfg.Window, now)
	if err != nil {
		return Result{}, false, err
	}
	matchedFP, score, ok := bestMatch(bodySnippet, candidates)
	if !ok || score < d.cfg.Fingerprint.SimilarityThreshold {
		return Result{}, false, nil
	}
	logger.Debugf("dedup: similar match fp=%s matched=%s score=%.3f", fp, matchedFP, score)
	// Populate the cache under the matched fingerprint: a later exact
	// repeat hits cache instead of re-scanning.
	if rec, err := d.store.Get(ctx, matchedFP); err == nil && rec != nil {
		d.putCache(matchedFP, rec)
	}
	return Result{
		Outcome:            Similar,
		Fingerprint:        fp,
		MatchedFingerprint: matchedFP,
		Score:              score,
	}, true, nil
}

func (d *Deduplicator) recordDuplicate(ctx context.Context, rec *Record, fp string) (Result, error) {
	updated, err := d.store.IncrementDuplicate(ctx, fp, time.Now())
	if err != nil {
		return Result{}, err
	}
	if updated == nil {
		updated = rec
	}
	d.putCache(fp, updated)
	return Result{
		Outcome:     Duplicate,
		Fingerprint: fp,
		FirstSeen:   updated.FirstSeen,
		Count:       updated.Count,
	}, nil
}

func (d *Deduplicator) lookupCache(fp string, now time.Time) (*Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.cache.get(fp)
	if !ok {
		return nil, false
	}
	if rec.expired(now, d.cfg.Window) {
		d.cache.delete(fp)
		return nil, false
	}
	return rec, true
}

func (d *Deduplicator) putCache(fp string, rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.put(fp, rec)
}

// Start launches the background sweeper on CleanupInterval, removing
// durable rows (and, lazily, stale cache entries on next lookup) older
// than Window.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.sweepOnce(runCtx)
			}
		}
	}()
}

func (d *Deduplicator) sweepOnce(ctx context.Context) {
	n, err := d.store.Sweep(ctx, d.cfg.Window, time.Now())
	if err != nil {
		logger.Warnf("dedup: sweep failed: %v", errs.Classify(err))
		return
	}
	if n > 0 {
		logger.Debugf("dedup: swept %d expired records", n)
	}
}

// Stop ends the background sweeper and waits for it to exit.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}
