// Package queue runs durable delivery jobs: persisted records with state and
// attempt counts, cancel-and-replace enqueue keyed by message local id,
// chained upload-then-send execution, and exponential backoff on transient
// failures. Jobs survive process restarts; the runner re-arms them on start.
package queue

import "context"

// Job kinds.
const (
	KindSend   = "send"
	KindUpload = "upload"
)

// Disposition classifies a handler result.
type Disposition int

const (
	// DispositionSucceeded ends the job; Output carries its result.
	DispositionSucceeded Disposition = iota
	// DispositionRetry schedules another attempt with backoff.
	DispositionRetry
	// DispositionFailed ends the job terminally.
	DispositionFailed
)

// Outcome is a handler's result. Handlers never panic or return errors past
// their boundary; every terminal condition is expressed here.
type Outcome struct {
	Disposition Disposition
	Output      string
	Err         error
}

// Succeed reports success with an optional output consumed by a chained
// successor.
func Succeed(output string) Outcome {
	return Outcome{Disposition: DispositionSucceeded, Output: output}
}

// Retry requests another attempt after backoff.
func Retry(err error) Outcome {
	return Outcome{Disposition: DispositionRetry, Err: err}
}

// Fail ends the job terminally.
func Fail(err error) Outcome {
	return Outcome{Disposition: DispositionFailed, Err: err}
}

// Handler executes one delivery step. The job record is re-read from durable
// storage on every invocation; handlers must not rely on in-memory state from
// earlier attempts.
type Handler interface {
	Execute(ctx context.Context, job *Job) Outcome
}

// Job is the handler's view of a claimed job record.
type Job struct {
	JobID   string
	Key     string
	Kind    string
	Attempt int
	Payload string
	// Input carries the chained predecessor's output, empty otherwise.
	Input string
}
