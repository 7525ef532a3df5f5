package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// marshalMessage serializes a stream message for the wire.
func marshalMessage(msg *StreamMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// pendingControl correlates outbound control requests with their eventual
// control_response by request id. Entries are allocated on send and freed on
// settle and on cancellation — both paths — so nothing leaks when a caller
// gives up before the subprocess answers.
type pendingControl struct {
	mu      sync.Mutex
	nextID  int
	waiters map[string]chan controlResult
}

type controlResult struct {
	payload json.RawMessage
	err     error
}

func newPendingControl() *pendingControl {
	return &pendingControl{waiters: make(map[string]chan controlResult)}
}

// allocate registers a waiter and returns its request id.
func (p *pendingControl) allocate() (string, chan controlResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("req_%d", p.nextID)
	ch := make(chan controlResult, 1)
	p.waiters[id] = ch
	return id, ch
}

// free removes a waiter without settling it.
func (p *pendingControl) free(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
}

// settle resolves the waiter matching a control_response, if any.
func (p *pendingControl) settle(resp *ControlResponse) {
	if resp == nil || resp.RequestID == "" {
		return
	}

	p.mu.Lock()
	ch, ok := p.waiters[resp.RequestID]
	if ok {
		delete(p.waiters, resp.RequestID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	if resp.Subtype == "error" {
		ch <- controlResult{err: fmt.Errorf("control request failed: %s", resp.Error)}
		return
	}
	ch <- controlResult{payload: resp.Response}
}

// failAll settles every outstanding waiter with the given error.
func (p *pendingControl) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan controlResult)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- controlResult{err: err}
	}
}

// SendControlRequest sends an outbound control request and waits for the
// matching control_response. The pending entry is removed whether the
// request settles or the context is cancelled first.
func (pm *ProcessManager) SendControlRequest(ctx context.Context, req *ControlRequest) (json.RawMessage, error) {
	id, ch := pm.pending.allocate()

	msg := StreamMessage{
		Type:      "control_request",
		RequestID: id,
		Request:   req,
	}
	data, err := marshalMessage(&msg)
	if err != nil {
		pm.pending.free(id)
		return nil, err
	}
	if err := pm.writeLine(data); err != nil {
		pm.pending.free(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		pm.pending.free(id)
		return nil, ctx.Err()
	case result := <-ch:
		return result.payload, result.err
	}
}

// inboundControl tracks inbound can_use_tool requests currently being
// answered, keyed by the subprocess's request id, so a later
// control_cancel_request can abort the in-flight permission negotiation.
type inboundControl struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newInboundControl() *inboundControl {
	return &inboundControl{cancels: make(map[string]context.CancelFunc)}
}

// register derives a cancellable context for an inbound request.
func (c *inboundControl) register(parent context.Context, id string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancels[id] = cancel
	c.mu.Unlock()
	return ctx
}

// release removes a request's cancel handle after it has been answered.
func (c *inboundControl) release(id string) {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	if ok {
		delete(c.cancels, id)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// cancel aborts one in-flight request. Cancelling one request must not
// disturb unrelated pending requests for the same session.
func (c *inboundControl) cancel(id string) {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// cancelAll aborts every in-flight inbound request.
func (c *inboundControl) cancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
