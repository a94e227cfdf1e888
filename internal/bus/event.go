package bus

import (
	"time"

	"github.com/courierchat/courier/internal/message"
)

// Event kinds published by the pipeline.
const (
	KindLocalChanged    = "local.changed"
	KindRemoteSnapshot  = "remote.snapshot"
	KindJobUpdated      = "job.updated"
	KindJobProgress     = "job.progress"
	KindTimelineUpdated = "timeline.updated"
	KindSendFailed      = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// LocalChange is the payload for local.changed events. Exactly one of Entity
// and RemovedID is set: either a pending entity was written, or the entry for
// RemovedID was removed from the local store.
type LocalChange struct {
	Entity    *message.Entity
	RemovedID string
}

// RemoteSnapshot is the payload for remote.snapshot events: the full current
// view of the remote timeline.
type RemoteSnapshot struct {
	Messages []message.Entity
}

// JobUpdate is the payload for job.updated events. RemoteID carries the job
// output when the state is succeeded: the remote message id for send jobs,
// the resolved media URL for upload jobs.
type JobUpdate struct {
	JobID    string
	Key      string
	Kind     string
	State    string
	Attempt  int
	RemoteID string
	Err      string
}

// JobProgress is the payload for job.progress events. Percent is in [0,100].
type JobProgress struct {
	JobID   string
	Key     string
	Percent int
}

// SendFailure is the payload for message.send_failed events.
type SendFailure struct {
	LocalID string
	Err     string
}
