package store

import (
	"database/sql"
	"errors"
	"time"
)

// Job states. scheduled/retrying jobs are runnable once next_run_at passes;
// blocked jobs wait on a predecessor; succeeded/failed/cancelled are terminal.
const (
	JobScheduled = "scheduled"
	JobBlocked   = "blocked"
	JobRunning   = "running"
	JobRetrying  = "retrying"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// activeStates are the states replaced by a new enqueue under the same key.
var activeStates = []string{JobScheduled, JobBlocked, JobRunning, JobRetrying}

// JobRecord is a persisted delivery job. Key is the message local id and the
// uniqueness key: enqueuing a new job for a key cancels any active one.
type JobRecord struct {
	JobID     string
	Key       string
	Kind      string
	State     string
	Attempt   int
	Payload   string
	Input     string
	Output    string
	NextJobID string
	NextRunAt int64
	LastError string
	CreatedAt int64
	UpdatedAt int64
}

// TerminalJobState reports whether state ends a job's lifecycle.
func TerminalJobState(state string) bool {
	return state == JobSucceeded || state == JobFailed || state == JobCancelled
}

const jobColumns = `job_id, key, kind, state, attempt, payload, input, output, next_job_id, next_run_at, last_error, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*JobRecord, error) {
	var j JobRecord
	err := row.Scan(&j.JobID, &j.Key, &j.Kind, &j.State, &j.Attempt, &j.Payload, &j.Input,
		&j.Output, &j.NextJobID, &j.NextRunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueJob inserts a job, cancelling any active jobs under the same key
// (cancel-and-replace). Returns the ids of the jobs that were cancelled so the
// runner can abort in-flight executions.
func (db *DB) EnqueueJob(j *JobRecord) ([]string, error) {
	return db.enqueue([]*JobRecord{j})
}

// EnqueueChain inserts an A-then-B job pair atomically: the first job is
// runnable, the second stays blocked until the first succeeds. Both carry the
// same key; active jobs under that key are cancelled first.
func (db *DB) EnqueueChain(first, second *JobRecord) ([]string, error) {
	first.NextJobID = second.JobID
	second.State = JobBlocked
	return db.enqueue([]*JobRecord{first, second})
}

func (db *DB) enqueue(jobs []*JobRecord) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, storageErr("begin enqueue", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := jobs[0].Key
	now := time.Now().UnixMilli()

	rows, err := tx.Query(`SELECT job_id FROM jobs WHERE key = ? AND state IN (?, ?, ?, ?)`,
		key, activeStates[0], activeStates[1], activeStates[2], activeStates[3])
	if err != nil {
		return nil, storageErr("query active jobs", err)
	}
	var replaced []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, storageErr("scan active job", err)
		}
		replaced = append(replaced, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, storageErr("query active jobs", err)
	}
	_ = rows.Close()

	if len(replaced) > 0 {
		if _, err := tx.Exec(`UPDATE jobs SET state = ?, updated_at = ? WHERE key = ? AND state IN (?, ?, ?, ?)`,
			JobCancelled, now, key, activeStates[0], activeStates[1], activeStates[2], activeStates[3]); err != nil {
			return nil, storageErr("cancel replaced jobs", err)
		}
	}

	for _, j := range jobs {
		if j.State == "" {
			j.State = JobScheduled
		}
		j.CreatedAt = now
		j.UpdatedAt = now
		if _, err := tx.Exec(`
			INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.JobID, j.Key, j.Kind, j.State, j.Attempt, j.Payload, j.Input,
			j.Output, j.NextJobID, j.NextRunAt, j.LastError, j.CreatedAt, j.UpdatedAt); err != nil {
			return nil, storageErr("insert job", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit enqueue", err)
	}
	return replaced, nil
}

// DueJobs returns runnable jobs whose next_run_at has passed, oldest first.
func (db *DB) DueJobs(now int64, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 16
	}
	rows, err := db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?) AND next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT ?`, JobScheduled, JobRetrying, now, limit)
	if err != nil {
		return nil, storageErr("due jobs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		out = append(out, *j)
	}
	return out, storageErr("due jobs", rows.Err())
}

// ClaimJob transitions a runnable job to running. Returns false when another
// claimant won or the job was replaced in the meantime.
func (db *DB) ClaimJob(jobID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE jobs SET state = ?, updated_at = ? WHERE job_id = ? AND state IN (?, ?)`,
		JobRunning, now, jobID, JobScheduled, JobRetrying)
	if err != nil {
		return false, storageErr("claim job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("claim job", err)
	}
	return n == 1, nil
}

// CompleteJob marks a job succeeded with its output.
func (db *DB) CompleteJob(jobID, output string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE jobs SET state = ?, output = ?, updated_at = ? WHERE job_id = ?`,
		JobSucceeded, output, now, jobID)
	return storageErr("complete job", err)
}

// RetryJob schedules another attempt after a transient failure.
func (db *DB) RetryJob(jobID string, attempt int, nextRunAt int64, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE jobs SET state = ?, attempt = ?, next_run_at = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		JobRetrying, attempt, nextRunAt, lastErr, now, jobID)
	return storageErr("retry job", err)
}

// FailJob marks a job terminally failed.
func (db *DB) FailJob(jobID, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		JobFailed, lastErr, now, jobID)
	return storageErr("fail job", err)
}

// CancelJobsByKey cancels every active job under a key. Idempotent; returns
// the ids of the jobs that changed state.
func (db *DB) CancelJobsByKey(key string) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, storageErr("begin cancel", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT job_id FROM jobs WHERE key = ? AND state IN (?, ?, ?, ?)`,
		key, activeStates[0], activeStates[1], activeStates[2], activeStates[3])
	if err != nil {
		return nil, storageErr("query cancel", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, storageErr("scan cancel", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, storageErr("query cancel", err)
	}
	_ = rows.Close()

	if len(ids) > 0 {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`UPDATE jobs SET state = ?, updated_at = ? WHERE key = ? AND state IN (?, ?, ?, ?)`,
			JobCancelled, now, key, activeStates[0], activeStates[1], activeStates[2], activeStates[3]); err != nil {
			return nil, storageErr("cancel jobs", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit cancel", err)
	}
	return ids, nil
}

// GetJob returns a job by id. Returns ErrNotFound when absent.
func (db *DB) GetJob(jobID string) (*JobRecord, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return j, nil
}

// ActiveJobByKey returns the runnable/blocked/running job for a key, or nil.
// At most one non-blocked active job exists per key by construction; when a
// chain is active the first non-blocked job is returned.
func (db *DB) ActiveJobByKey(key string) (*JobRecord, error) {
	row := db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE key = ? AND state IN (?, ?, ?, ?)
		ORDER BY CASE state WHEN ? THEN 1 ELSE 0 END, created_at ASC
		LIMIT 1`,
		key, activeStates[0], activeStates[1], activeStates[2], activeStates[3], JobBlocked)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("active job", err)
	}
	return j, nil
}

// UnblockJob makes a blocked successor runnable, handing it the predecessor's
// output as input.
func (db *DB) UnblockJob(jobID, input string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE jobs SET state = ?, input = ?, next_run_at = ?, updated_at = ? WHERE job_id = ? AND state = ?`,
		JobScheduled, input, now, now, jobID, JobBlocked)
	if err != nil {
		return storageErr("unblock job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("unblock job", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverJobs repairs job state after a process restart: jobs left running by
// a dead process become runnable again at the same attempt, and blocked
// successors whose predecessor already finished are unblocked or cancelled.
// Returns the number of jobs touched.
func (db *DB) RecoverJobs() (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, storageErr("begin recover", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	touched := 0

	res, err := tx.Exec(`UPDATE jobs SET state = ?, next_run_at = ?, updated_at = ? WHERE state = ?`,
		JobScheduled, now, now, JobRunning)
	if err != nil {
		return 0, storageErr("recover running", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		touched += int(n)
	}

	// Blocked successors whose predecessor succeeded before the crash.
	res, err = tx.Exec(`
		UPDATE jobs SET state = ?, next_run_at = ?, updated_at = ?,
			input = (SELECT p.output FROM jobs p WHERE p.next_job_id = jobs.job_id)
		WHERE state = ? AND EXISTS (
			SELECT 1 FROM jobs p WHERE p.next_job_id = jobs.job_id AND p.state = ?)`,
		JobScheduled, now, now, JobBlocked, JobSucceeded)
	if err != nil {
		return 0, storageErr("recover blocked", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		touched += int(n)
	}

	// Blocked successors whose predecessor ended without succeeding.
	res, err = tx.Exec(`
		UPDATE jobs SET state = ?, updated_at = ?
		WHERE state = ? AND EXISTS (
			SELECT 1 FROM jobs p WHERE p.next_job_id = jobs.job_id AND p.state IN (?, ?))`,
		JobCancelled, now, JobBlocked, JobFailed, JobCancelled)
	if err != nil {
		return 0, storageErr("recover orphaned", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		touched += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit recover", err)
	}
	return touched, nil
}
