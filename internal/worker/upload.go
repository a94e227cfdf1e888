package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/message"
	"github.com/courierchat/courier/internal/notify"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/store"
)

// Uploader is the remote transfer primitive the upload worker needs.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, size int64, mime string, progress func(int)) (string, error)
}

// ProgressSink receives transfer progress for a running job. The queue runner
// implements it.
type ProgressSink interface {
	SetProgress(jobID, key string, percent int)
}

// UploadWorker transfers a media attachment and hands the resolved URL to the
// chained send job.
type UploadWorker struct {
	db          *store.DB
	remote      Uploader
	notifier    notify.Notifier
	bus         *bus.Bus
	logger      *zap.Logger
	maxAttempts int

	progress ProgressSink
}

// NewUploadWorker creates an upload worker. SetProgressSink must be called
// before the worker executes jobs.
func NewUploadWorker(db *store.DB, up Uploader, n notify.Notifier, b *bus.Bus, logger *zap.Logger, maxAttempts int) *UploadWorker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &UploadWorker{
		db:          db,
		remote:      up,
		notifier:    n,
		bus:         b,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// SetProgressSink wires the progress sink. Called after runner construction
// to break the runner/worker construction cycle.
func (w *UploadWorker) SetProgressSink(sink ProgressSink) {
	w.progress = sink
}

// Execute runs one upload attempt.
func (w *UploadWorker) Execute(ctx context.Context, job *queue.Job) queue.Outcome {
	var p UploadPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		w.logger.Error("malformed upload payload", zap.Error(err), zap.String("job_id", job.JobID))
		return queue.Fail(fmt.Errorf("malformed upload payload: %w", err))
	}
	if err := validateUpload(p); err != nil {
		w.logger.Error("invalid upload payload", zap.Error(err), zap.String("job_id", job.JobID))
		return queue.Fail(err)
	}

	if err := w.db.UpdatePendingStatus(p.LocalID, message.StatusPending, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Info("upload target gone, skipping", zap.String("local_id", p.LocalID))
			return queue.Succeed("")
		}
		return queue.Retry(err)
	}

	f, err := os.Open(p.SourcePath)
	if err != nil {
		// A missing source file will not appear on retry.
		if os.IsNotExist(err) {
			return w.onUploadError(job, p, err, true)
		}
		return w.onUploadError(job, p, err, false)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return w.onUploadError(job, p, err, false)
	}

	url, err := w.remote.Upload(ctx, f, info.Size(), p.MIMEType, func(percent int) {
		if w.progress != nil {
			w.progress.SetProgress(job.JobID, job.Key, percent)
		}
		w.notifier.UploadProgress(p.LocalID, percent)
	})
	if err != nil {
		if ctx.Err() != nil {
			return queue.Retry(err)
		}
		return w.onUploadError(job, p, err, false)
	}

	w.logger.Info("media uploaded",
		zap.String("local_id", p.LocalID),
		zap.String("url", url),
		zap.Int64("bytes", info.Size()),
		zap.Int("attempt", job.Attempt))
	return queue.Succeed(url)
}

func (w *UploadWorker) onUploadError(job *queue.Job, p UploadPayload, err error, terminal bool) queue.Outcome {
	if !terminal && job.Attempt < w.maxAttempts-1 {
		w.logger.Warn("upload attempt failed, will retry",
			zap.Error(err),
			zap.String("local_id", p.LocalID),
			zap.Int("attempt", job.Attempt))
		return queue.Retry(err)
	}

	if uerr := w.db.UpdatePendingStatus(p.LocalID, message.StatusFailed, ""); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
		w.logger.Error("failed to record failure", zap.Error(uerr), zap.String("local_id", p.LocalID))
	}
	if e, gerr := w.db.GetPending(p.LocalID); gerr == nil && e != nil {
		w.bus.Publish(bus.Event{
			Kind:      bus.KindLocalChanged,
			Timestamp: time.Now(),
			Payload:   bus.LocalChange{Entity: e},
		})
	}
	w.notifier.ClearUpload(p.LocalID)
	w.notifier.SendFailed(p.LocalID, err.Error())

	w.logger.Error("upload failed terminally",
		zap.Error(err),
		zap.String("local_id", p.LocalID),
		zap.Int("attempt", job.Attempt))
	return queue.Fail(err)
}

func validateUpload(p UploadPayload) error {
	if strings.TrimSpace(p.LocalID) == "" {
		return fmt.Errorf("upload payload: blank local id")
	}
	if strings.TrimSpace(p.SourcePath) == "" {
		return fmt.Errorf("upload payload: blank source path")
	}
	return nil
}
