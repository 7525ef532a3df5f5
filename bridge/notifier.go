package bridge

import (
	"context"
	"log/slog"
	"sync"

	acp "github.com/coder/acp-go-sdk"
)

// ClientSink is the slice of the client connection the notification queue
// needs. acp.AgentSideConnection satisfies it.
type ClientSink interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
}

// NotificationQueue decouples update delivery from the turn loop. Enqueue
// never blocks on the client; Flush is a barrier that waits for every
// previously enqueued update to settle; Send is a flushed, awaited delivery
// for updates whose outcome the caller needs (mode changes, final tool
// states).
//
// Ordering is guaranteed among enqueued updates (single worker, FIFO) and at
// flush points, nothing stronger.
type NotificationQueue struct {
	sink ClientSink
	log  *slog.Logger

	mu      sync.Mutex
	queue   []acp.SessionNotification
	pending int // queued + in-flight updates not yet settled
	waiters []chan struct{}
	closed  bool

	kick chan struct{}
	done chan struct{}
}

// NewNotificationQueue creates a queue delivering to sink and starts its
// worker.
func NewNotificationQueue(sink ClientSink, log *slog.Logger) *NotificationQueue {
	q := &NotificationQueue{
		sink: sink,
		log:  log,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue adds an update for delivery and returns immediately. Delivery
// failures are logged, never surfaced to the caller.
func (q *NotificationQueue) Enqueue(n acp.SessionNotification) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Debug("dropping update enqueued after close")
		return
	}
	q.queue = append(q.queue, n)
	q.pending++
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Flush blocks until every update enqueued before this call has settled
// (delivered or failed). Updates enqueued afterwards are not waited for.
// With nothing pending it returns immediately.
func (q *NotificationQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.closed || q.pending == 0 {
		q.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w:
		return nil
	}
}

// Send flushes the queue, then delivers n directly and returns its result.
// The flush keeps the critical update ordered after everything already
// queued.
func (q *NotificationQueue) Send(ctx context.Context, n acp.SessionNotification) error {
	if err := q.Flush(ctx); err != nil {
		return err
	}
	return q.sink.SessionUpdate(ctx, n)
}

// Close stops the worker after the current delivery and releases all
// waiters. Further enqueues are dropped.
func (q *NotificationQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	// Dropped queue entries will never settle; an in-flight delivery still
	// decrements pending, so only subtract what we drop here.
	q.pending -= len(q.queue)
	q.queue = nil
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	close(q.done)
}

// run is the single delivery worker. One update is in flight at a time,
// which is what makes enqueue order delivery order.
func (q *NotificationQueue) run() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			select {
			case <-q.kick:
				continue
			case <-q.done:
				return
			}
		}
		n := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		if err := q.sink.SessionUpdate(context.Background(), n); err != nil {
			q.log.Warn("session update failed", "error", err)
		}

		q.mu.Lock()
		q.pending--
		if q.pending == 0 {
			for _, w := range q.waiters {
				close(w)
			}
			q.waiters = nil
		}
		q.mu.Unlock()
	}
}
