package transport

import (
	"context"
	"time"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/domain/queue"
	"eventbridge/internal/errs"
)

// DirectAdapter implements the Direct tier: it calls Sender inline with
// no persistence of its own, trusting the retry engine and circuit
// breaker the tier.Dispatcher wraps it in.
type DirectAdapter struct {
	sender Sender
}

// NewDirectAdapter adapts sender for direct, synchronous use as a tier.
func NewDirectAdapter(sender Sender) *DirectAdapter {
	return &DirectAdapter{sender: sender}
}

// Send implements tier.Sender.
func (a *DirectAdapter) Send(ctx context.Context, ev *event.Event, chatID string) (string, error) {
	return a.sender.Send(ctx, chatID, FormatEvent(ev))
}

// Probe implements tier.Prober when the underlying Sender supports it.
func (a *DirectAdapter) Probe(ctx context.Context) error {
	if p, ok := a.sender.(interface{ Probe(context.Context) error }); ok {
		return p.Probe(ctx)
	}
	return nil
}

// QueuedAdapter implements the QueuedInternal tier: it enqueues onto the
// persistent queue and then blocks up to the tier's own timeout for the
// queue's background worker to confirm or fail the row, so the
// synchronous tier.Sender contract is preserved even though actual
// delivery happens off-goroutine.
type QueuedAdapter struct {
	q        *queue.Queue
	priority queue.Priority
}

// NewQueuedAdapter adapts q for use as a tier, enqueuing at priority for
// every event; the dispatcher does not vary priority per event today.
func NewQueuedAdapter(q *queue.Queue, priority queue.Priority) *QueuedAdapter {
	return &QueuedAdapter{q: q, priority: priority}
}

// Send implements tier.Sender.
func (a *QueuedAdapter) Send(ctx context.Context, ev *event.Event, chatID string) (string, error) {
	id, err := a.q.Enqueue(ctx, ev, chatID, a.priority)
	if err != nil {
		return "", err
	}

	timeout := 500 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			timeout = remaining
		}
	}

	msg, confirmed := a.q.AwaitResult(ctx, id, timeout)
	if confirmed {
		return msg.RemoteMessageID, nil
	}
	if msg == nil {
		return "", errs.New(errs.ConnectionTimeout, context.DeadlineExceeded)
	}
	if msg.Status == queue.StatusDeadLetter {
		return "", errs.New(errs.RetryExhausted, nil)
	}
	// Still pending/failed-retryable when the tier timeout elapsed: the row
	// remains durable and the sweeper keeps trying it, but this attempt
	// reports a timeout to the dispatcher so it can consider cascading.
	return "", errs.New(errs.ConnectionTimeout, context.DeadlineExceeded)
}

// NewQueueProcessor adapts an outbound Sender into a queue.Processor, for
// wiring the actual delivery call the Persistent Queue's workers invoke
// once they claim a row.
func NewQueueProcessor(sender Sender) queue.Processor {
	return func(ctx context.Context, m *queue.Message) (string, error) {
		ev, err := decodeQueuedEvent(m.EventJSON)
		if err != nil {
			return "", errs.New(errs.SerializationError, err)
		}
		return sender.Send(ctx, m.ChatID, FormatEvent(ev))
	}
}
