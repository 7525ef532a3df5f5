package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-acp/claude"
)

// ErrStreamDone is returned by Router.Next once the subprocess stream has
// ended cleanly and the buffer is drained. Repeated calls keep returning it.
var ErrStreamDone = errors.New("message stream done")

// SystemEventHandler processes out-of-band task notifications. It runs on
// the router's read loop and is awaited before the next read resumes, so two
// notifications can never be processed out of order relative to each other.
type SystemEventHandler func(ctx context.Context, msg *claude.StreamMessage) error

type routerResult struct {
	msg *claude.StreamMessage
	err error
}

// Router wraps one MessageSource per session and splits its stream: task
// notifications go to the handler immediately, everything else is delivered
// to Next in original order, exactly once.
//
// At any instant either the buffer is non-empty, or a consumer is waiting,
// or the stream is finished — never both a waiting consumer and buffered
// items for the same read.
type Router struct {
	source  claude.MessageSource
	handler SystemEventHandler
	log     *slog.Logger

	mu     sync.Mutex
	buffer []*claude.StreamMessage
	waiter chan routerResult // at most one waiting Next caller
	done   bool
	err    error // latched terminal error, nil for clean end

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewRouter creates a router over the given source. The handler may be nil,
// in which case task notifications are dropped with a log line.
func NewRouter(source claude.MessageSource, handler SystemEventHandler, log *slog.Logger) *Router {
	return &Router{
		source:   source,
		handler:  handler,
		log:      log,
		loopDone: make(chan struct{}),
	}
}

// Start launches the background read loop.
func (r *Router) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Close stops the read loop and waits for it to exit.
func (r *Router) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.loopDone
}

// run continuously pulls from the source and classifies every message.
func (r *Router) run(ctx context.Context) {
	defer close(r.loopDone)

	for {
		msg, err := r.source.ReadMessage(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				r.finish(nil)
			case ctx.Err() != nil:
				r.finish(nil)
			default:
				r.finish(err)
			}
			return
		}

		if msg.IsTaskNotification() {
			// Awaited here so side-channel handling stays serialized
			// with the read loop. A failing handler must never stop
			// the main stream.
			if r.handler == nil {
				r.log.Debug("dropping task notification (no handler)")
				continue
			}
			if herr := r.handler(ctx, msg); herr != nil {
				r.log.Warn("task notification handler failed", "error", herr)
			}
			continue
		}

		r.deliver(msg)
	}
}

// deliver hands a content message to the waiting consumer, or buffers it.
func (r *Router) deliver(msg *claude.StreamMessage) {
	r.mu.Lock()
	if w := r.waiter; w != nil {
		r.waiter = nil
		r.mu.Unlock()
		w <- routerResult{msg: msg}
		return
	}
	r.buffer = append(r.buffer, msg)
	r.mu.Unlock()
}

// finish latches the terminal state and wakes any waiting consumer.
func (r *Router) finish(err error) {
	r.mu.Lock()
	r.done = true
	r.err = err
	w := r.waiter
	r.waiter = nil
	r.mu.Unlock()

	if w != nil {
		if err != nil {
			w <- routerResult{err: err}
		} else {
			w <- routerResult{err: ErrStreamDone}
		}
	}
}

// Next returns the next turn-content message. Buffered messages are returned
// oldest first; otherwise Next suspends until a message arrives or the
// stream ends. A terminal source error is latched: every later call keeps
// returning it rather than hanging.
func (r *Router) Next(ctx context.Context) (*claude.StreamMessage, error) {
	r.mu.Lock()
	if len(r.buffer) > 0 {
		msg := r.buffer[0]
		r.buffer = r.buffer[1:]
		r.mu.Unlock()
		return msg, nil
	}
	if r.done {
		err := r.err
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrStreamDone
	}
	if r.waiter != nil {
		r.mu.Unlock()
		return nil, errors.New("concurrent Next calls on one router")
	}
	w := make(chan routerResult, 1)
	r.waiter = w
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		r.mu.Lock()
		if r.waiter == w {
			r.waiter = nil
		}
		r.mu.Unlock()
		// A delivery may have raced the cancellation; put it back so it
		// is not lost.
		select {
		case res := <-w:
			if res.msg != nil {
				r.mu.Lock()
				r.buffer = append([]*claude.StreamMessage{res.msg}, r.buffer...)
				r.mu.Unlock()
			}
		default:
		}
		return nil, ctx.Err()
	case res := <-w:
		return res.msg, res.err
	}
}
