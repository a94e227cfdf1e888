package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/message"
	"github.com/courierchat/courier/internal/notify"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/remote"
	"github.com/courierchat/courier/internal/store"
)

// Sender is the single remote write primitive the send worker needs.
type Sender interface {
	Send(ctx context.Context, e *message.Entity) (remote.SendResult, error)
}

// SendWorker delivers one message to the remote store with bounded retry.
type SendWorker struct {
	db          *store.DB
	remote      Sender
	notifier    notify.Notifier
	bus         *bus.Bus
	logger      *zap.Logger
	maxAttempts int
}

// NewSendWorker creates a send worker.
func NewSendWorker(db *store.DB, sender Sender, n notify.Notifier, b *bus.Bus, logger *zap.Logger, maxAttempts int) *SendWorker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &SendWorker{
		db:          db,
		remote:      sender,
		notifier:    n,
		bus:         b,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Execute runs one send attempt.
func (w *SendWorker) Execute(ctx context.Context, job *queue.Job) queue.Outcome {
	var p SendPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		// A corrupt payload is a programming error, not network flakiness.
		w.logger.Error("malformed send payload", zap.Error(err), zap.String("job_id", job.JobID))
		return queue.Fail(fmt.Errorf("malformed send payload: %w", err))
	}
	if err := validateSend(p); err != nil {
		w.logger.Error("invalid send payload", zap.Error(err), zap.String("job_id", job.JobID))
		return queue.Fail(err)
	}

	// A chained upload's output overrides any provisional media URL.
	if job.Input != "" {
		p.MediaURL = job.Input
	}

	// Defensive re-assertion: the message is in flight again.
	if err := w.db.UpdatePendingStatus(p.LocalID, message.StatusPending, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Target was deleted or already confirmed; stop acting on it.
			w.logger.Info("send target gone, skipping", zap.String("local_id", p.LocalID))
			return queue.Succeed("")
		}
		return queue.Retry(err)
	}
	w.publishLocal(p.entity(message.StatusPending))

	res, err := w.remote.Send(ctx, p.entity(message.StatusPending))
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled or replaced mid-flight; the canceller owns the
			// terminal state, so no failure bookkeeping here.
			return queue.Retry(err)
		}
		return w.onSendError(job, p, err)
	}

	if err := w.db.UpdatePendingStatus(p.LocalID, message.StatusSent, res.RemoteID); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.logger.Error("failed to record confirmation", zap.Error(err), zap.String("local_id", p.LocalID))
	}
	// The remote stream is the sole source of truth from here on.
	if err := w.db.RemovePending(p.LocalID); err != nil {
		w.logger.Error("failed to remove confirmed message", zap.Error(err), zap.String("local_id", p.LocalID))
	}
	w.bus.Publish(bus.Event{
		Kind:      bus.KindLocalChanged,
		Timestamp: time.Now(),
		Payload:   bus.LocalChange{RemovedID: p.LocalID},
	})

	w.logger.Info("message sent",
		zap.String("local_id", p.LocalID),
		zap.String("remote_id", res.RemoteID),
		zap.Int("attempt", job.Attempt))
	return queue.Succeed(res.RemoteID)
}

func (w *SendWorker) onSendError(job *queue.Job, p SendPayload, err error) queue.Outcome {
	if job.Attempt < w.maxAttempts-1 {
		w.logger.Warn("send attempt failed, will retry",
			zap.Error(err),
			zap.String("local_id", p.LocalID),
			zap.Int("attempt", job.Attempt))
		return queue.Retry(err)
	}

	if uerr := w.db.UpdatePendingStatus(p.LocalID, message.StatusFailed, ""); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
		w.logger.Error("failed to record failure", zap.Error(uerr), zap.String("local_id", p.LocalID))
	}
	w.publishLocal(p.entity(message.StatusFailed))
	w.notifier.SendFailed(p.LocalID, err.Error())
	w.bus.Publish(bus.Event{
		Kind:      bus.KindSendFailed,
		Timestamp: time.Now(),
		Payload:   bus.SendFailure{LocalID: p.LocalID, Err: err.Error()},
	})

	w.logger.Error("send failed terminally",
		zap.Error(err),
		zap.String("local_id", p.LocalID),
		zap.Int("attempt", job.Attempt))
	return queue.Fail(err)
}

func (w *SendWorker) publishLocal(e *message.Entity) {
	w.bus.Publish(bus.Event{
		Kind:      bus.KindLocalChanged,
		Timestamp: time.Now(),
		Payload:   bus.LocalChange{Entity: e},
	})
}

func validateSend(p SendPayload) error {
	if strings.TrimSpace(p.LocalID) == "" {
		return fmt.Errorf("send payload: blank local id")
	}
	if strings.TrimSpace(p.SenderID) == "" {
		return fmt.Errorf("send payload: blank sender id")
	}
	if strings.TrimSpace(p.SenderName) == "" {
		return fmt.Errorf("send payload: blank sender name")
	}
	return nil
}
