package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	done, unsubDone := b.Subscribe(4, "job.completed")
	defer unsubDone()

	b.Publish(Event{Type: "job.submitted"})
	b.Publish(Event{Type: "job.completed", Data: 42})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(done); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-done
	if e.Type != "job.completed" || e.Data != 42 {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp missing time")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("Dropped = %d, want 9", got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}
