package remote

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/message"
)

// Stream turns the remote store's callback subscription into a restartable
// push sequence. Every snapshot is cached and republished on the bus as a
// remote.snapshot event; new observers replay the cached snapshot before any
// incremental update so there is never a flicker to empty.
type Stream struct {
	src    Source
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	last   []message.Entity
	unsub  func()
	active bool
}

// NewStream creates a stream over the given source.
func NewStream(src Source, b *bus.Bus, logger *zap.Logger) *Stream {
	return &Stream{
		src:    src,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to the source. Safe to call once; Stop releases the
// underlying listener registration on all paths.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.mu.Unlock()

	unsub, err := s.src.Subscribe(s.onSnapshot)
	if err != nil {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes from the source. Idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.active = false
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Stream) onSnapshot(snapshot []message.Entity) {
	if snapshot == nil {
		snapshot = []message.Entity{}
	}
	s.mu.Lock()
	s.last = snapshot
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:      bus.KindRemoteSnapshot,
		Timestamp: time.Now(),
		Payload:   bus.RemoteSnapshot{Messages: snapshot},
	})
}

// Snapshot returns the most recent remote snapshot.
func (s *Stream) Snapshot() []message.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Observe returns a channel of remote snapshots. The current snapshot is
// replayed first, then every subsequent emission follows. The channel drains
// when ctx is cancelled or the returned stop function is called.
func (s *Stream) Observe(ctx context.Context) (<-chan []message.Entity, func()) {
	events, unsub := s.bus.Subscribe(bus.KindRemoteSnapshot, 16)
	out := make(chan []message.Entity, 16)

	// Replay before any update.
	out <- s.Snapshot()

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
				snap, ok := evt.Payload.(bus.RemoteSnapshot)
				if !ok {
					continue
				}
				select {
				case out <- snap.Messages:
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
