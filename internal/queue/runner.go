package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/store"
)

// Options tunes the runner. Zero values fall back to defaults.
type Options struct {
	MaxAttempts  int           // attempts per job, default 3
	BackoffBase  time.Duration // first retry delay, doubles per attempt, default 10s
	PollInterval time.Duration // due-job poll cadence, default 500ms
	Concurrency  int           // max jobs in flight, default 4
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Runner drains due jobs from the store and executes them on a bounded pool.
// Per key, the store's cancel-and-replace enqueue guarantees at most one job
// in flight; across keys, jobs run in parallel up to Concurrency.
type Runner struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	handlers map[string]Handler

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // jobID -> cancel
	progress map[string]int                // jobID -> percent

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
}

// NewRunner creates a runner. Handlers are registered before Start.
func NewRunner(db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Runner {
	opts = opts.withDefaults()
	return &Runner{
		db:       db,
		bus:      b,
		logger:   logger,
		opts:     opts,
		handlers: make(map[string]Handler),
		inflight: make(map[string]context.CancelFunc),
		progress: make(map[string]int),
		sem:      make(chan struct{}, opts.Concurrency),
	}
}

// Register binds a handler to a job kind.
func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// MaxAttempts returns the configured per-job attempt budget.
func (r *Runner) MaxAttempts() int {
	return r.opts.MaxAttempts
}

// Enqueue persists a job under key, replacing any active job for the same
// key. Returns the new job id.
func (r *Runner) Enqueue(key, kind, payload string) (string, error) {
	rec := &store.JobRecord{
		JobID:   uuid.NewString(),
		Key:     key,
		Kind:    kind,
		Payload: payload,
	}
	replaced, err := r.db.EnqueueJob(rec)
	if err != nil {
		return "", err
	}
	r.abortReplaced(key, replaced)
	r.publishState(rec.JobID, key, kind, store.JobScheduled, 0, "", "")
	return rec.JobID, nil
}

// EnqueueChain persists an A-then-B pair under key. The second job stays
// blocked until the first succeeds and receives its output as input.
func (r *Runner) EnqueueChain(key, firstKind, firstPayload, secondKind, secondPayload string) (string, string, error) {
	first := &store.JobRecord{
		JobID:   uuid.NewString(),
		Key:     key,
		Kind:    firstKind,
		Payload: firstPayload,
	}
	second := &store.JobRecord{
		JobID:   uuid.NewString(),
		Key:     key,
		Kind:    secondKind,
		Payload: secondPayload,
	}
	replaced, err := r.db.EnqueueChain(first, second)
	if err != nil {
		return "", "", err
	}
	r.abortReplaced(key, replaced)
	r.publishState(first.JobID, key, firstKind, store.JobScheduled, 0, "", "")
	r.publishState(second.JobID, key, secondKind, store.JobBlocked, 0, "", "")
	return first.JobID, second.JobID, nil
}

// Cancel aborts every active job under key: in-flight executions get their
// context cancelled, queued ones are marked cancelled. Idempotent.
func (r *Runner) Cancel(key string) error {
	ids, err := r.db.CancelJobsByKey(key)
	if err != nil {
		return err
	}
	r.abortReplaced(key, ids)
	for _, id := range ids {
		r.clearProgress(id, key)
		r.publishState(id, key, "", store.JobCancelled, 0, "", "")
	}
	return nil
}

// ActiveJob returns the active job record for a key, or nil.
func (r *Runner) ActiveJob(key string) (*store.JobRecord, error) {
	return r.db.ActiveJobByKey(key)
}

// Start recovers interrupted jobs and begins the poll loop.
func (r *Runner) Start(ctx context.Context) error {
	touched, err := r.db.RecoverJobs()
	if err != nil {
		return err
	}
	if touched > 0 {
		r.logger.Info("recovered interrupted jobs", zap.Int("count", touched))
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop cancels the loop and all in-flight jobs, waits for them to settle, and
// tears down the progress registry.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	for _, cancel := range r.inflight {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()

	r.mu.Lock()
	r.inflight = make(map[string]context.CancelFunc)
	r.progress = make(map[string]int)
	r.mu.Unlock()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.dispatchDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) dispatchDue(ctx context.Context) {
	due, err := r.db.DueJobs(time.Now().UnixMilli(), r.opts.Concurrency)
	if err != nil {
		r.logger.Error("failed to read due jobs", zap.Error(err))
		return
	}
	for i := range due {
		rec := due[i]
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.run(ctx, rec)
		}()
	}
}

func (r *Runner) run(ctx context.Context, rec store.JobRecord) {
	claimed, err := r.db.ClaimJob(rec.JobID)
	if err != nil {
		r.logger.Error("failed to claim job", zap.Error(err), zap.String("job_id", rec.JobID))
		return
	}
	if !claimed {
		// Replaced or claimed elsewhere since the poll.
		return
	}

	h, ok := r.handlers[rec.Kind]
	if !ok {
		r.logger.Error("no handler for job kind", zap.String("kind", rec.Kind), zap.String("job_id", rec.JobID))
		_ = r.db.FailJob(rec.JobID, "no handler for kind "+rec.Kind)
		r.publishState(rec.JobID, rec.Key, rec.Kind, store.JobFailed, rec.Attempt, "", "unhandled kind")
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.inflight[rec.JobID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.inflight, rec.JobID)
		r.mu.Unlock()
	}()

	r.publishState(rec.JobID, rec.Key, rec.Kind, store.JobRunning, rec.Attempt, "", "")

	out := h.Execute(jobCtx, &Job{
		JobID:   rec.JobID,
		Key:     rec.Key,
		Kind:    rec.Kind,
		Attempt: rec.Attempt,
		Payload: rec.Payload,
		Input:   rec.Input,
	})

	if jobCtx.Err() != nil && out.Disposition != DispositionSucceeded {
		// Cancelled, replaced, or shutting down mid-flight. The terminal
		// state (if any) was already written by the canceller; a job
		// interrupted by shutdown stays running and is recovered on start.
		r.clearProgress(rec.JobID, rec.Key)
		return
	}

	switch out.Disposition {
	case DispositionSucceeded:
		r.complete(rec, out.Output)
	case DispositionRetry:
		if rec.Attempt >= r.opts.MaxAttempts-1 {
			// Handlers are expected to return Fail on the final attempt;
			// enforce the budget regardless.
			r.fail(rec, out)
			return
		}
		delay := r.opts.BackoffBase << rec.Attempt
		nextRun := time.Now().Add(delay).UnixMilli()
		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
		}
		if err := r.db.RetryJob(rec.JobID, rec.Attempt+1, nextRun, errMsg); err != nil {
			r.logger.Error("failed to schedule retry", zap.Error(err), zap.String("job_id", rec.JobID))
			return
		}
		r.publishState(rec.JobID, rec.Key, rec.Kind, store.JobRetrying, rec.Attempt+1, "", errMsg)
	case DispositionFailed:
		r.fail(rec, out)
	}
}

func (r *Runner) complete(rec store.JobRecord, output string) {
	if err := r.db.CompleteJob(rec.JobID, output); err != nil {
		r.logger.Error("failed to complete job", zap.Error(err), zap.String("job_id", rec.JobID))
		return
	}
	r.clearProgress(rec.JobID, rec.Key)
	r.publishState(rec.JobID, rec.Key, rec.Kind, store.JobSucceeded, rec.Attempt, output, "")

	if rec.NextJobID != "" {
		if err := r.db.UnblockJob(rec.NextJobID, output); err != nil {
			// The successor may have been replaced; nothing to run.
			r.logger.Warn("chained job not unblocked", zap.Error(err), zap.String("job_id", rec.NextJobID))
			return
		}
		if next, err := r.db.GetJob(rec.NextJobID); err == nil {
			r.publishState(next.JobID, next.Key, next.Kind, store.JobScheduled, next.Attempt, "", "")
		}
	}
}

func (r *Runner) fail(rec store.JobRecord, out Outcome) {
	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	if err := r.db.FailJob(rec.JobID, errMsg); err != nil {
		r.logger.Error("failed to mark job failed", zap.Error(err), zap.String("job_id", rec.JobID))
		return
	}
	r.clearProgress(rec.JobID, rec.Key)
	r.publishState(rec.JobID, rec.Key, rec.Kind, store.JobFailed, rec.Attempt, "", errMsg)

	if rec.NextJobID != "" {
		// A failed predecessor orphans its successor.
		if _, err := r.db.CancelJobsByKey(rec.Key); err != nil {
			r.logger.Warn("failed to cancel chained successor", zap.Error(err), zap.String("key", rec.Key))
		} else {
			r.publishState(rec.NextJobID, rec.Key, "", store.JobCancelled, 0, "", "")
		}
	}
}

// SetProgress records transfer progress for a running job and publishes a
// job.progress event. Percent is clamped to [0,100].
func (r *Runner) SetProgress(jobID, key string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r.mu.Lock()
	r.progress[jobID] = percent
	r.mu.Unlock()
	r.bus.Publish(bus.Event{
		Kind:      bus.KindJobProgress,
		Timestamp: time.Now(),
		Payload:   bus.JobProgress{JobID: jobID, Key: key, Percent: percent},
	})
}

// Progress returns the last reported percent for a job, if any.
func (r *Runner) Progress(jobID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[jobID]
	return p, ok
}

func (r *Runner) clearProgress(jobID, key string) {
	r.mu.Lock()
	_, had := r.progress[jobID]
	delete(r.progress, jobID)
	r.mu.Unlock()
	if had {
		r.bus.Publish(bus.Event{
			Kind:      bus.KindJobProgress,
			Timestamp: time.Now(),
			Payload:   bus.JobProgress{JobID: jobID, Key: key, Percent: -1},
		})
	}
}

func (r *Runner) abortReplaced(key string, ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(ids))
	for _, id := range ids {
		if cancel, ok := r.inflight[id]; ok {
			cancels = append(cancels, cancel)
		}
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(ids) > 0 {
		r.logger.Debug("replaced active jobs", zap.String("key", key), zap.Strings("job_ids", ids))
	}
}

func (r *Runner) publishState(jobID, key, kind, state string, attempt int, output, errMsg string) {
	r.bus.Publish(bus.Event{
		Kind:      bus.KindJobUpdated,
		Timestamp: time.Now(),
		Payload: bus.JobUpdate{
			JobID:    jobID,
			Key:      key,
			Kind:     kind,
			State:    state,
			Attempt:  attempt,
			RemoteID: output,
			Err:      errMsg,
		},
	})
}
