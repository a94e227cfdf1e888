package store

import (
	"errors"
	"testing"
	"time"
)

func job(id, key, kind string) *JobRecord {
	return &JobRecord{JobID: id, Key: key, Kind: kind, Payload: `{}`}
}

func TestEnqueueReplacesActiveJob(t *testing.T) {
	db := testDB(t)

	if _, err := db.EnqueueJob(job("j1", "m1", "send")); err != nil {
		t.Fatal(err)
	}
	replaced, err := db.EnqueueJob(job("j2", "m1", "send"))
	if err != nil {
		t.Fatal(err)
	}
	if len(replaced) != 1 || replaced[0] != "j1" {
		t.Errorf("replaced = %v, want [j1]", replaced)
	}

	j1, err := db.GetJob("j1")
	if err != nil {
		t.Fatal(err)
	}
	if j1.State != JobCancelled {
		t.Errorf("j1 state = %s, want cancelled", j1.State)
	}

	active, err := db.ActiveJobByKey("m1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.JobID != "j2" {
		t.Errorf("active = %+v, want j2", active)
	}
}

func TestEnqueueDoesNotReplaceOtherKeys(t *testing.T) {
	db := testDB(t)

	if _, err := db.EnqueueJob(job("j1", "m1", "send")); err != nil {
		t.Fatal(err)
	}
	replaced, err := db.EnqueueJob(job("j2", "m2", "send"))
	if err != nil {
		t.Fatal(err)
	}
	if len(replaced) != 0 {
		t.Errorf("replaced = %v, want none", replaced)
	}
}

func TestClaimJobOnce(t *testing.T) {
	db := testDB(t)

	if _, err := db.EnqueueJob(job("j1", "m1", "send")); err != nil {
		t.Fatal(err)
	}
	ok, err := db.ClaimJob("j1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}
	ok, err = db.ClaimJob("j1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim should fail")
	}
}

func TestDueJobsRespectsNextRunAt(t *testing.T) {
	db := testDB(t)

	now := time.Now().UnixMilli()
	future := job("j1", "m1", "send")
	future.NextRunAt = now + 60_000
	if _, err := db.EnqueueJob(future); err != nil {
		t.Fatal(err)
	}
	if _, err := db.EnqueueJob(job("j2", "m2", "send")); err != nil {
		t.Fatal(err)
	}

	due, err := db.DueJobs(now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].JobID != "j2" {
		t.Errorf("due = %+v, want only j2", due)
	}
}

func TestChainBlocksSuccessor(t *testing.T) {
	db := testDB(t)

	upload := job("u1", "m1", "upload")
	send := job("s1", "m1", "send")
	if _, err := db.EnqueueChain(upload, send); err != nil {
		t.Fatal(err)
	}

	due, err := db.DueJobs(time.Now().UnixMilli(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].JobID != "u1" {
		t.Fatalf("due = %+v, want only u1", due)
	}
	if due[0].NextJobID != "s1" {
		t.Errorf("next_job_id = %q, want s1", due[0].NextJobID)
	}

	// Complete the upload and unblock the send with its output.
	if err := db.CompleteJob("u1", "https://cdn.example.com/u.jpg"); err != nil {
		t.Fatal(err)
	}
	if err := db.UnblockJob("s1", "https://cdn.example.com/u.jpg"); err != nil {
		t.Fatal(err)
	}

	s1, err := db.GetJob("s1")
	if err != nil {
		t.Fatal(err)
	}
	if s1.State != JobScheduled {
		t.Errorf("s1 state = %s, want scheduled", s1.State)
	}
	if s1.Input != "https://cdn.example.com/u.jpg" {
		t.Errorf("s1 input = %q, want upload output", s1.Input)
	}
}

func TestRetryJobSchedulesFuture(t *testing.T) {
	db := testDB(t)

	if _, err := db.EnqueueJob(job("j1", "m1", "send")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimJob("j1"); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UnixMilli()
	if err := db.RetryJob("j1", 1, now+10_000, "timeout"); err != nil {
		t.Fatal(err)
	}

	j, err := db.GetJob("j1")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != JobRetrying || j.Attempt != 1 || j.LastError != "timeout" {
		t.Errorf("job = %+v", j)
	}

	due, err := db.DueJobs(now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("retrying job due before backoff elapsed: %+v", due)
	}
}

func TestCancelJobsByKeyIdempotent(t *testing.T) {
	db := testDB(t)

	if _, err := db.EnqueueChain(job("u1", "m1", "upload"), job("s1", "m1", "send")); err != nil {
		t.Fatal(err)
	}
	ids, err := db.CancelJobsByKey("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("cancelled %v, want both chain jobs", ids)
	}
	ids, err = db.CancelJobsByKey("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("second cancel touched %v, want none", ids)
	}
}

func TestGetJobNotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetJob("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRecoverJobs(t *testing.T) {
	db := testDB(t)

	// A job left running by a dead process.
	if _, err := db.EnqueueJob(job("j1", "m1", "send")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimJob("j1"); err != nil {
		t.Fatal(err)
	}

	// A chain whose upload finished but whose send was never unblocked.
	if _, err := db.EnqueueChain(job("u2", "m2", "upload"), job("s2", "m2", "send")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimJob("u2"); err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteJob("u2", "https://cdn.example.com/x.jpg"); err != nil {
		t.Fatal(err)
	}

	touched, err := db.RecoverJobs()
	if err != nil {
		t.Fatal(err)
	}
	if touched != 2 {
		t.Errorf("touched = %d, want 2", touched)
	}

	j1, _ := db.GetJob("j1")
	if j1.State != JobScheduled {
		t.Errorf("j1 state = %s, want scheduled", j1.State)
	}
	s2, _ := db.GetJob("s2")
	if s2.State != JobScheduled {
		t.Errorf("s2 state = %s, want scheduled", s2.State)
	}
	if s2.Input != "https://cdn.example.com/x.jpg" {
		t.Errorf("s2 input = %q, want predecessor output", s2.Input)
	}
}
