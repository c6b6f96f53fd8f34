// Package inbox is the admission-side filesystem adapter: it drains
// producer-written event files from a spool directory into the Handler
// Chain. The debouncing watcher that finalizes those files is an external
// collaborator; this adapter only consumes files that are already
// complete, so a plain poll is enough.
package inbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/domain/handler"
	"eventbridge/internal/infra/logger"
)

// Admitter is the Handler Chain's surface as the inbox consumes it.
type Admitter interface {
	Handle(ctx context.Context, ev *event.Event, chatID string) (handler.Result, error)
}

// Config bundles the spool location and cadence.
type Config struct {
	// Dir is the spool directory producers write finalized *.json files to.
	Dir string
	// PollInterval is the scan cadence.
	PollInterval time.Duration
	// DefaultChatID receives events that don't carry their own chat_id in
	// their payload data.
	DefaultChatID string
}

// rejectedSuffix marks files that failed decoding; they are renamed, not
// deleted, so a producer bug stays inspectable.
const rejectedSuffix = ".rejected"

// Service polls the spool and admits each event exactly once per file:
// decode, hand to the chain, then remove (durability is the pipeline's
// job from admission onward, not the spool's).
type Service struct {
	cfg   Config
	admit Admitter

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the spool directory to the admitting chain.
func NewService(cfg Config, admit Admitter) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Service{cfg: cfg, admit: admit}
}

// Start launches the polling loop until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.PollOnce(runCtx)
			}
		}
	}()
}

// Stop ends the polling loop and waits for an in-flight scan to finish.
func (s *Service) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// PollOnce performs a single spool scan. Exported so tests (and a caller
// that wants admission on demand rather than on a timer) can drive it
// directly.
func (s *Service) PollOnce(ctx context.Context) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("inbox: scan %s failed: %v", s.cfg.Dir, err)
		}
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, rejectedSuffix) {
			continue
		}
		s.consume(ctx, filepath.Join(s.cfg.Dir, name))
	}
}

func (s *Service) consume(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warnf("inbox: read %s failed: %v", path, err)
		return
	}

	ev, err := event.DecodeWire(raw)
	if err != nil {
		logger.Warnf("inbox: reject %s: %v", path, err)
		s.reject(path)
		return
	}

	res, err := s.admit.Handle(ctx, ev, s.chatFor(ev))
	if err != nil {
		// Pre-admission rejection (validation): the file will never become
		// admissible, park it next to the decode failures.
		logger.Warnf("inbox: reject %s: %v", path, err)
		s.reject(path)
		return
	}

	// Admitted: the trace and any durable row own the event now.
	if err := os.Remove(path); err != nil {
		logger.Warnf("inbox: remove %s after admit failed: %v", path, err)
	}
	logger.Debugf("inbox: admitted %s as %s (%s)", ev.ID, res.CorrelationID, res.Status)
}

// chatFor routes an event to its chat: an explicit chat_id in the payload
// wins, the configured default otherwise.
func (s *Service) chatFor(ev *event.Event) string {
	if v, ok := ev.Data["chat_id"].(string); ok && v != "" {
		return v
	}
	return s.cfg.DefaultChatID
}

func (s *Service) reject(path string) {
	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		logger.Errorf("inbox: park %s failed: %v", path, err)
	}
}
