package claude

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPendingControlSettle(t *testing.T) {
	p := newPendingControl()

	id1, ch1 := p.allocate()
	id2, ch2 := p.allocate()
	if id1 == id2 {
		t.Fatalf("duplicate request ids: %s", id1)
	}

	p.settle(&ControlResponse{Subtype: "success", RequestID: id2, Response: []byte(`{"ok":true}`)})

	select {
	case res := <-ch2:
		if res.err != nil {
			t.Fatalf("settle delivered error: %v", res.err)
		}
		if string(res.payload) != `{"ok":true}` {
			t.Errorf("payload = %s", res.payload)
		}
	default:
		t.Fatal("settled response not delivered")
	}

	// The other request stays pending.
	select {
	case <-ch1:
		t.Fatal("unrelated request was settled")
	default:
	}
}

func TestPendingControlErrorResponse(t *testing.T) {
	p := newPendingControl()
	id, ch := p.allocate()

	p.settle(&ControlResponse{Subtype: "error", RequestID: id, Error: "nope"})

	res := <-ch
	if res.err == nil || !strings.Contains(res.err.Error(), "nope") {
		t.Errorf("err = %v, want the response error message", res.err)
	}
}

func TestPendingControlFailAll(t *testing.T) {
	p := newPendingControl()
	_, ch1 := p.allocate()
	_, ch2 := p.allocate()

	boom := errors.New("process exited")
	p.failAll(boom)

	for i, ch := range []chan controlResult{ch1, ch2} {
		res := <-ch
		if !errors.Is(res.err, boom) {
			t.Errorf("waiter %d: err = %v, want %v", i, res.err, boom)
		}
	}
}

func TestInboundControlCancelIsolation(t *testing.T) {
	c := newInboundControl()

	ctx1 := c.register(context.Background(), "r1")
	ctx2 := c.register(context.Background(), "r2")

	c.cancel("r1")

	if ctx1.Err() == nil {
		t.Error("cancelled request context still live")
	}
	if ctx2.Err() != nil {
		t.Error("cancelling one request disturbed another")
	}

	c.release("r2")
	if ctx2.Err() == nil {
		t.Error("release must cancel the context to free resources")
	}
}

func TestInboundControlCancelAll(t *testing.T) {
	c := newInboundControl()
	ctx1 := c.register(context.Background(), "r1")
	ctx2 := c.register(context.Background(), "r2")

	c.cancelAll()

	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Error("cancelAll left live contexts")
	}
}
