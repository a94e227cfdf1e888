package merge

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/message"
)

// Merger recomputes the merged timeline on every local or remote emission and
// republishes it as a timeline.updated event. Recomputation is synchronous
// and in-memory: the local snapshot is maintained from local.changed deltas,
// never re-read from disk, so it stays cheap on the hot path. Emissions that
// are structurally equal to the previous timeline are suppressed.
type Merger struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	local    map[string]message.Entity
	remote   []message.Entity
	timeline []message.Entity

	cancel context.CancelFunc
}

// New creates a merger.
func New(b *bus.Bus, logger *zap.Logger) *Merger {
	return &Merger{
		bus:    b,
		logger: logger,
		local:  make(map[string]message.Entity),
	}
}

// Seed loads the initial local snapshot, typically store.ListPending at
// startup, before Start begins consuming deltas.
func (m *Merger) Seed(local []message.Entity) {
	m.mu.Lock()
	for i := range local {
		m.local[local[i].LocalID] = local[i]
	}
	m.mu.Unlock()
	m.recompute()
}

// Start subscribes to local and remote emissions on the bus.
func (m *Merger) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	localCh, unsubLocal := m.bus.Subscribe(bus.KindLocalChanged, 256)
	remoteCh, unsubRemote := m.bus.Subscribe(bus.KindRemoteSnapshot, 64)

	go func() {
		defer unsubLocal()
		defer unsubRemote()
		for {
			select {
			case evt := <-localCh:
				change, ok := evt.Payload.(bus.LocalChange)
				if !ok {
					continue
				}
				m.applyLocal(change)
			case evt := <-remoteCh:
				snap, ok := evt.Payload.(bus.RemoteSnapshot)
				if !ok {
					continue
				}
				m.applyRemote(snap.Messages)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the merger.
func (m *Merger) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Merger) applyLocal(change bus.LocalChange) {
	m.mu.Lock()
	switch {
	case change.RemovedID != "":
		delete(m.local, change.RemovedID)
	case change.Entity != nil:
		m.local[change.Entity.LocalID] = *change.Entity
	}
	m.mu.Unlock()
	m.recompute()
}

func (m *Merger) applyRemote(snapshot []message.Entity) {
	m.mu.Lock()
	m.remote = snapshot
	m.mu.Unlock()
	m.recompute()
}

func (m *Merger) recompute() {
	m.mu.Lock()
	local := make([]message.Entity, 0, len(m.local))
	for _, e := range m.local {
		local = append(local, e)
	}
	merged := Merge(local, m.remote)
	if slices.Equal(merged, m.timeline) {
		m.mu.Unlock()
		return
	}
	m.timeline = merged
	m.mu.Unlock()

	m.bus.Publish(bus.Event{
		Kind:      bus.KindTimelineUpdated,
		Timestamp: time.Now(),
		Payload:   merged,
	})
}

// Timeline returns the current merged timeline.
func (m *Merger) Timeline() []message.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timeline
}

// Observe returns a channel of timelines, replaying the current one first.
func (m *Merger) Observe(ctx context.Context) (<-chan []message.Entity, func()) {
	events, unsub := m.bus.Subscribe(bus.KindTimelineUpdated, 32)
	out := make(chan []message.Entity, 32)
	out <- m.Timeline()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			case evt := <-events:
				timeline, ok := evt.Payload.([]message.Entity)
				if !ok {
					continue
				}
				select {
				case out <- timeline:
				case <-ctx.Done():
					stop()
					return
				case <-done:
					return
				}
			}
		}
	}()

	return out, stop
}
