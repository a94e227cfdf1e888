// Package bridge projects durable job lifecycle events into the message
// status and upload progress streams a frontend renders.
package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/message"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/store"
)

// StatusUpdate is one projected delivery status for a message. RemoteID is
// set only when the status is SENT.
type StatusUpdate struct {
	Status   message.Status
	RemoteID string
}

// Bridge observes the job bus on behalf of frontends.
type Bridge struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a bridge.
func New(b *bus.Bus, logger *zap.Logger) *Bridge {
	return &Bridge{bus: b, logger: logger}
}

// ObserveStatus streams the delivery status of one message, derived from the
// state of its jobs. Any live job state maps to PENDING, a succeeded send to
// SENT, and a failure or cancellation to FAILED. Consecutive duplicates are
// suppressed. The channel closes when ctx is done.
func (br *Bridge) ObserveStatus(ctx context.Context, localID string) <-chan StatusUpdate {
	out := make(chan StatusUpdate, 16)
	ch, unsub := br.bus.Subscribe(bus.KindJobUpdated, 64)

	go func() {
		defer close(out)
		defer unsub()

		var last *StatusUpdate
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				upd, ok := evt.Payload.(bus.JobUpdate)
				if !ok || upd.Key != localID {
					continue
				}
				st, ok := project(upd)
				if !ok {
					continue
				}
				if last != nil && *last == st {
					continue
				}
				last = &st
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ObserveUploadProgress streams upload percentages for one message. A nil
// element means no upload is in flight anymore; otherwise the element is a
// percentage in [0,100]. The channel closes when ctx is done.
func (br *Bridge) ObserveUploadProgress(ctx context.Context, localID string) <-chan *int {
	out := make(chan *int, 16)
	ch, unsub := br.bus.Subscribe(bus.KindJobProgress, 64)

	go func() {
		defer close(out)
		defer unsub()

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				p, ok := evt.Payload.(bus.JobProgress)
				if !ok || p.Key != localID {
					continue
				}
				var v *int
				if p.Percent >= 0 {
					percent := p.Percent
					v = &percent
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// project maps one job update onto a message delivery status. A succeeded
// upload keeps the message PENDING: the chained send decides the outcome.
func project(upd bus.JobUpdate) (StatusUpdate, bool) {
	switch upd.State {
	case store.JobScheduled, store.JobBlocked, store.JobRunning, store.JobRetrying:
		return StatusUpdate{Status: message.StatusPending}, true
	case store.JobSucceeded:
		if upd.Kind == queue.KindSend {
			return StatusUpdate{Status: message.StatusSent, RemoteID: upd.RemoteID}, true
		}
		return StatusUpdate{Status: message.StatusPending}, true
	case store.JobFailed, store.JobCancelled:
		return StatusUpdate{Status: message.StatusFailed}, true
	}
	return StatusUpdate{}, false
}
