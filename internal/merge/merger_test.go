package merge

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/message"
)

func startMerger(t *testing.T) (*Merger, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := New(b, zap.NewNop())
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, b
}

func waitTimeline(t *testing.T, ch <-chan bus.Event) []message.Entity {
	t.Helper()
	select {
	case evt := <-ch:
		timeline, ok := evt.Payload.([]message.Entity)
		if !ok {
			t.Fatalf("unexpected payload %T", evt.Payload)
		}
		return timeline
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for timeline")
		return nil
	}
}

func TestMergerRecomputesOnRemoteSnapshot(t *testing.T) {
	m, b := startMerger(t)
	ch, unsub := b.Subscribe(bus.KindTimelineUpdated, 10)
	defer unsub()

	b.Publish(bus.Event{
		Kind:    bus.KindRemoteSnapshot,
		Payload: bus.RemoteSnapshot{Messages: []message.Entity{remote("m1", 100)}},
	})

	timeline := waitTimeline(t, ch)
	if len(timeline) != 1 || timeline[0].LocalID != "m1" {
		t.Errorf("timeline = %+v", timeline)
	}
	if got := m.Timeline(); len(got) != 1 {
		t.Errorf("Timeline() = %+v", got)
	}
}

func TestMergerLocalShadowVanishes(t *testing.T) {
	_, b := startMerger(t)
	ch, unsub := b.Subscribe(bus.KindTimelineUpdated, 10)
	defer unsub()

	pending := local("m1", 100, message.StatusPending)
	b.Publish(bus.Event{Kind: bus.KindLocalChanged, Payload: bus.LocalChange{Entity: &pending}})
	timeline := waitTimeline(t, ch)
	if len(timeline) != 1 || timeline[0].Status != message.StatusPending {
		t.Fatalf("timeline = %+v, want the pending local copy", timeline)
	}

	// Remote confirms the same local id; the local copy must vanish even
	// though its stored status was never transitioned.
	b.Publish(bus.Event{
		Kind:    bus.KindRemoteSnapshot,
		Payload: bus.RemoteSnapshot{Messages: []message.Entity{remote("m1", 105)}},
	})
	timeline = waitTimeline(t, ch)
	if len(timeline) != 1 {
		t.Fatalf("timeline has %d entries, want 1", len(timeline))
	}
	if timeline[0].Status != message.StatusSent || timeline[0].RemoteID != "r-m1" {
		t.Errorf("timeline[0] = %+v, want remote copy", timeline[0])
	}
}

func TestMergerSuppressesDuplicateEmissions(t *testing.T) {
	_, b := startMerger(t)
	ch, unsub := b.Subscribe(bus.KindTimelineUpdated, 10)
	defer unsub()

	snap := bus.RemoteSnapshot{Messages: []message.Entity{remote("m1", 100)}}
	b.Publish(bus.Event{Kind: bus.KindRemoteSnapshot, Payload: snap})
	waitTimeline(t, ch)

	// Same snapshot again: structurally equal result, no re-emission.
	b.Publish(bus.Event{Kind: bus.KindRemoteSnapshot, Payload: snap})
	select {
	case evt := <-ch:
		t.Errorf("unexpected duplicate emission: %v", evt)
	case <-time.After(200 * time.Millisecond):
		// Expected.
	}
}

func TestMergerSeed(t *testing.T) {
	b := bus.New()
	m := New(b, zap.NewNop())
	m.Seed([]message.Entity{local("m1", 100, message.StatusFailed)})
	m.Start(context.Background())
	defer m.Stop()

	timeline := m.Timeline()
	if len(timeline) != 1 || timeline[0].LocalID != "m1" {
		t.Errorf("seeded timeline = %+v", timeline)
	}
}

func TestMergerObserveReplays(t *testing.T) {
	b := bus.New()
	m := New(b, zap.NewNop())
	m.Seed([]message.Entity{local("m1", 100, message.StatusPending)})
	m.Start(context.Background())
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, stop := m.Observe(ctx)
	defer stop()

	select {
	case timeline := <-ch:
		if len(timeline) != 1 || timeline[0].LocalID != "m1" {
			t.Errorf("replayed timeline = %+v", timeline)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for replay")
	}
}

func TestMergerLocalRemoval(t *testing.T) {
	_, b := startMerger(t)
	ch, unsub := b.Subscribe(bus.KindTimelineUpdated, 10)
	defer unsub()

	pending := local("m1", 100, message.StatusPending)
	b.Publish(bus.Event{Kind: bus.KindLocalChanged, Payload: bus.LocalChange{Entity: &pending}})
	waitTimeline(t, ch)

	b.Publish(bus.Event{Kind: bus.KindLocalChanged, Payload: bus.LocalChange{RemovedID: "m1"}})
	timeline := waitTimeline(t, ch)
	if len(timeline) != 0 {
		t.Errorf("timeline = %+v, want empty after removal", timeline)
	}
}
