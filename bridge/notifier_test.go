package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
)

// spySink records deliveries and can be made slow or failing.
type spySink struct {
	mu        sync.Mutex
	delivered []acp.SessionNotification
	delay     time.Duration
	err       error
}

func (s *spySink) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, n)
	return nil
}

func (s *spySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *spySink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.delivered {
		if n.Update.AgentMessageChunk != nil && n.Update.AgentMessageChunk.Content.Text != nil {
			out = append(out, n.Update.AgentMessageChunk.Content.Text.Text)
		}
	}
	return out
}

func textNotification(text string) acp.SessionNotification {
	return acp.SessionNotification{
		SessionId: "s1",
		Update:    acp.UpdateAgentMessageText(text),
	}
}

func TestFlushWaitsForAllPriorEnqueues(t *testing.T) {
	sink := &spySink{delay: 2 * time.Millisecond}
	q := NewNotificationQueue(sink, testLogger())
	defer q.Close()

	const n = 25
	for i := 0; i < n; i++ {
		q.Enqueue(textNotification("m"))
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := sink.count(); got != n {
		t.Errorf("sink recorded %d deliveries at flush time, want %d", got, n)
	}
}

func TestFlushWithNothingPendingReturnsImmediately(t *testing.T) {
	q := NewNotificationQueue(&spySink{}, testLogger())
	defer q.Close()

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Flush with zero pending enqueues did not resolve")
	}
}

func TestEnqueueOrderIsDeliveryOrder(t *testing.T) {
	sink := &spySink{}
	q := NewNotificationQueue(sink, testLogger())
	defer q.Close()

	q.Enqueue(textNotification("one"))
	q.Enqueue(textNotification("two"))
	q.Enqueue(textNotification("three"))

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got := sink.texts()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSendDeliversAfterQueuedUpdates(t *testing.T) {
	sink := &spySink{delay: time.Millisecond}
	q := NewNotificationQueue(sink, testLogger())
	defer q.Close()

	q.Enqueue(textNotification("streamed"))
	if err := q.Send(context.Background(), textNotification("final")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := sink.texts()
	if len(got) != 2 || got[0] != "streamed" || got[1] != "final" {
		t.Errorf("delivered %v, want [streamed final]", got)
	}
}

func TestEnqueueFailuresAreSwallowed(t *testing.T) {
	sink := &spySink{err: errors.New("sink down")}
	q := NewNotificationQueue(sink, testLogger())
	defer q.Close()

	q.Enqueue(textNotification("lost"))

	// Flush must still settle even though the delivery failed.
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

// blockingSink holds every delivery until released, so tests can park the
// worker mid-delivery deterministically.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestFlushAfterCloseMidDelivery(t *testing.T) {
	sink := &blockingSink{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	q := NewNotificationQueue(sink, testLogger())

	q.Enqueue(textNotification("in flight"))
	q.Enqueue(textNotification("still queued"))
	<-sink.entered // the first delivery is now parked inside the sink

	q.Close()
	close(sink.release)

	// The in-flight delivery settles after Close; Flush must never hang on
	// a queue that can no longer deliver anything.
	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		go func() { done <- q.Flush(context.Background()) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Flush %d failed: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("Flush %d hung after Close", i)
		}
		time.Sleep(5 * time.Millisecond) // let the parked delivery settle
	}
}

func TestFlushHonorsContext(t *testing.T) {
	sink := &spySink{delay: 200 * time.Millisecond}
	q := NewNotificationQueue(sink, testLogger())
	defer q.Close()

	q.Enqueue(textNotification("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
