package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindJobUpdated, Timestamp: time.Now(), Payload: JobUpdate{JobID: "j1"}})

	select {
	case evt := <-ch:
		if evt.Kind != KindJobUpdated {
			t.Errorf("got kind %q, want %q", evt.Kind, KindJobUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("remote.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindLocalChanged})
	b.Publish(Event{Kind: KindRemoteSnapshot})

	select {
	case evt := <-ch:
		if evt.Kind != KindRemoteSnapshot {
			t.Errorf("got kind %q, want %q", evt.Kind, KindRemoteSnapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the local event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.", 10)
	unsub()

	b.Publish(Event{Kind: KindJobUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestCloseTearsDownSubscriptions(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe("job.", 10)
	b.Close()

	b.Publish(Event{Kind: KindJobUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received event after close: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}

	// Subscribing after close yields a dead channel, not a panic.
	ch2, unsub := b.Subscribe("job.", 1)
	defer unsub()
	b.Publish(Event{Kind: KindJobUpdated})
	select {
	case evt := <-ch2:
		t.Errorf("received event on post-close subscription: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
