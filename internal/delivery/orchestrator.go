// Package delivery is the write-side entry point of the pipeline: it persists
// outgoing messages locally and schedules the durable jobs that move them to
// the remote store.
package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/message"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/worker"
)

// Orchestrator persists messages and schedules their delivery jobs. Local
// persistence always happens before scheduling, so a crash between the two
// leaves a PENDING entity that startup recovery re-enqueues.
type Orchestrator struct {
	db     *store.DB
	runner *queue.Runner
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates an orchestrator.
func New(db *store.DB, runner *queue.Runner, b *bus.Bus, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{db: db, runner: runner, bus: b, logger: logger}
}

// EnqueueSend persists a message locally and schedules a send job for it.
// Re-enqueueing the same local id replaces the previous job.
func (o *Orchestrator) EnqueueSend(e *message.Entity) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if e.Status != message.StatusPending {
		return "", fmt.Errorf("delivery: cannot enqueue %s message %s", e.Status, e.LocalID)
	}

	if err := o.db.PutPending(e); err != nil {
		return "", err
	}
	o.publishLocal(e)

	payload, err := worker.NewSendPayload(e).Encode()
	if err != nil {
		return "", err
	}
	jobID, err := o.runner.Enqueue(e.LocalID, queue.KindSend, payload)
	if err != nil {
		return "", err
	}
	o.logger.Info("send scheduled",
		zap.String("local_id", e.LocalID),
		zap.String("job_id", jobID))
	return jobID, nil
}

// EnqueueUploadAndSend persists a media message and schedules an upload job
// chained to a send job. The send job receives the resolved media URL as its
// input once the upload succeeds.
func (o *Orchestrator) EnqueueUploadAndSend(e *message.Entity, sourcePath, mimeType string) (string, string, error) {
	if err := e.Validate(); err != nil {
		return "", "", err
	}
	if !e.Kind.Media() {
		return "", "", fmt.Errorf("delivery: %s message %s has no attachment to upload", e.Kind, e.LocalID)
	}
	if strings.TrimSpace(sourcePath) == "" {
		return "", "", fmt.Errorf("delivery: blank source path for %s", e.LocalID)
	}

	if err := o.db.PutPending(e); err != nil {
		return "", "", err
	}
	o.publishLocal(e)

	uploadPayload, err := worker.UploadPayload{
		LocalID:    e.LocalID,
		SourcePath: sourcePath,
		MIMEType:   mimeType,
	}.Encode()
	if err != nil {
		return "", "", err
	}
	sendPayload, err := worker.NewSendPayload(e).Encode()
	if err != nil {
		return "", "", err
	}

	uploadID, sendID, err := o.runner.EnqueueChain(e.LocalID, queue.KindUpload, uploadPayload, queue.KindSend, sendPayload)
	if err != nil {
		return "", "", err
	}
	o.logger.Info("upload and send scheduled",
		zap.String("local_id", e.LocalID),
		zap.String("upload_job_id", uploadID),
		zap.String("send_job_id", sendID))
	return uploadID, sendID, nil
}

// Retry re-schedules delivery of a FAILED message. A media message whose URL
// already resolved (or whose source file is no longer known) goes straight to
// a send job; otherwise the upload-then-send chain is rebuilt. sourcePath and
// mimeType may be blank for text messages and resolved-media retries.
func (o *Orchestrator) Retry(localID, sourcePath, mimeType string) (string, error) {
	e, err := o.db.GetPending(localID)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", store.ErrNotFound
	}
	if e.Status != message.StatusFailed {
		return "", fmt.Errorf("delivery: message %s is %s, only FAILED messages retry", localID, e.Status)
	}

	if err := o.db.UpdatePendingStatus(localID, message.StatusPending, ""); err != nil {
		return "", err
	}
	e.Status = message.StatusPending
	o.publishLocal(e)

	if e.Kind.Media() && !resolvedURL(e.MediaURL) {
		if strings.TrimSpace(sourcePath) == "" {
			// No source to re-upload from: deliver what we have rather
			// than wedging the message forever.
			o.logger.Warn("retrying media message without a source file, sending as-is",
				zap.String("local_id", localID))
		} else {
			_, sendID, err := o.enqueueChainFor(e, sourcePath, mimeType)
			return sendID, err
		}
	}

	payload, err := worker.NewSendPayload(e).Encode()
	if err != nil {
		return "", err
	}
	jobID, err := o.runner.Enqueue(localID, queue.KindSend, payload)
	if err != nil {
		return "", err
	}
	o.logger.Info("retry scheduled", zap.String("local_id", localID), zap.String("job_id", jobID))
	return jobID, nil
}

// Cancel aborts any active delivery jobs for a message and marks it FAILED so
// the user can retry or discard it. A message already confirmed (no local
// entry) cancels as a no-op.
func (o *Orchestrator) Cancel(localID string) error {
	if err := o.runner.Cancel(localID); err != nil {
		return err
	}
	if err := o.db.UpdatePendingStatus(localID, message.StatusFailed, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if e, err := o.db.GetPending(localID); err == nil && e != nil {
		o.publishLocal(e)
	}
	o.logger.Info("delivery cancelled", zap.String("local_id", localID))
	return nil
}

// RecoverPending re-schedules delivery for PENDING messages that have no live
// job, which happens when the process died between persisting and scheduling.
// FAILED messages are left alone; retrying them is the user's call.
func (o *Orchestrator) RecoverPending() error {
	entities, err := o.db.ListPending()
	if err != nil {
		return err
	}
	recovered := 0
	for i := range entities {
		e := &entities[i]
		if e.Status != message.StatusPending {
			continue
		}
		active, err := o.runner.ActiveJob(e.LocalID)
		if err != nil {
			return err
		}
		if active != nil {
			continue
		}
		if e.Kind.Media() && !resolvedURL(e.MediaURL) {
			// The original source path lived only in the lost job record.
			o.logger.Warn("recovering media message without a source file, sending as-is",
				zap.String("local_id", e.LocalID))
		}
		payload, err := worker.NewSendPayload(e).Encode()
		if err != nil {
			return err
		}
		if _, err := o.runner.Enqueue(e.LocalID, queue.KindSend, payload); err != nil {
			return err
		}
		recovered++
	}
	if recovered > 0 {
		o.logger.Info("recovered orphaned pending messages", zap.Int("count", recovered))
	}
	return nil
}

func (o *Orchestrator) enqueueChainFor(e *message.Entity, sourcePath, mimeType string) (string, string, error) {
	uploadPayload, err := worker.UploadPayload{
		LocalID:    e.LocalID,
		SourcePath: sourcePath,
		MIMEType:   mimeType,
	}.Encode()
	if err != nil {
		return "", "", err
	}
	sendPayload, err := worker.NewSendPayload(e).Encode()
	if err != nil {
		return "", "", err
	}
	uploadID, sendID, err := o.runner.EnqueueChain(e.LocalID, queue.KindUpload, uploadPayload, queue.KindSend, sendPayload)
	if err != nil {
		return "", "", err
	}
	o.logger.Info("retry with re-upload scheduled",
		zap.String("local_id", e.LocalID),
		zap.String("upload_job_id", uploadID),
		zap.String("send_job_id", sendID))
	return uploadID, sendID, nil
}

func (o *Orchestrator) publishLocal(e *message.Entity) {
	o.bus.Publish(bus.Event{
		Kind:      bus.KindLocalChanged,
		Timestamp: time.Now(),
		Payload:   bus.LocalChange{Entity: e.Clone()},
	})
}

// resolvedURL reports whether a media URL already points at the remote store,
// meaning the upload step can be skipped on retry.
func resolvedURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
