// Package model defines the data structures for batchpilot's configuration,
// batch queue, and checkpoint records.
package model

import (
	"fmt"
	"time"
)

const (
	QueueSchemaVersion  = 1
	QueueFileType       = "batch_queue"
	JobSnapshotFileType = "job_snapshot"
)

// JobStatus tracks one job's progress through the batch. The status slice in
// Queue is index-aligned with JobIDs at all times.
type JobStatus struct {
	JobID       string   `yaml:"job_id" json:"job_id"`
	State       JobState `yaml:"state" json:"state"`
	StartedAt   *string  `yaml:"started_at" json:"started_at"`
	CompletedAt *string  `yaml:"completed_at" json:"completed_at"`
	LastError   *string  `yaml:"last_error" json:"last_error"`
}

// Queue is the ordered batch of jobs plus run-level state. It is the single
// record checkpointed under the "queue" key.
type Queue struct {
	SchemaVersion int         `yaml:"schema_version" json:"schema_version"`
	FileType      string      `yaml:"file_type" json:"file_type"`
	JobIDs        []string    `yaml:"job_ids" json:"job_ids"`
	JobStatuses   []JobStatus `yaml:"job_statuses" json:"job_statuses"`
	CurrentIndex  int         `yaml:"current_index" json:"current_index"` // -1 when idle
	State         QueueState  `yaml:"state" json:"state"`
	RunID         string      `yaml:"run_id,omitempty" json:"run_id,omitempty"` // stamped per start, cleared by stop
	StartedAt     *string     `yaml:"started_at" json:"started_at"`
	WaitingUntil  *string     `yaml:"waiting_until" json:"waiting_until"` // set only during cooldown
	UpdatedAt     string      `yaml:"updated_at" json:"updated_at"`
}

func NewQueue() *Queue {
	return &Queue{
		SchemaVersion: QueueSchemaVersion,
		FileType:      QueueFileType,
		CurrentIndex:  -1,
		State:         QueueStateIdle,
		UpdatedAt:     Now(),
	}
}

// Now returns the current UTC time in the RFC3339 form used throughout the
// checkpoint files.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Add appends a job id with a fresh queued status. Returns false if the id is
// already present; adding twice is a no-op, not an error.
func (q *Queue) Add(id string) bool {
	if q.IndexOf(id) >= 0 {
		return false
	}
	q.JobIDs = append(q.JobIDs, id)
	q.JobStatuses = append(q.JobStatuses, JobStatus{JobID: id, State: JobStateQueued})
	q.Touch()
	return true
}

// Remove deletes a job id and its status record in lock-step. Returns false
// if the id is absent.
func (q *Queue) Remove(id string) bool {
	i := q.IndexOf(id)
	if i < 0 {
		return false
	}
	q.JobIDs = append(q.JobIDs[:i], q.JobIDs[i+1:]...)
	q.JobStatuses = append(q.JobStatuses[:i], q.JobStatuses[i+1:]...)
	q.Touch()
	return true
}

// Reorder replaces the job order with newOrder, rebuilding the status slice
// by id lookup. Retained ids keep their status, unknown ids get a fresh
// queued status, and ids omitted from newOrder are dropped.
func (q *Queue) Reorder(newOrder []string) {
	byID := make(map[string]JobStatus, len(q.JobStatuses))
	for _, st := range q.JobStatuses {
		byID[st.JobID] = st
	}
	ids := make([]string, 0, len(newOrder))
	statuses := make([]JobStatus, 0, len(newOrder))
	seen := make(map[string]bool, len(newOrder))
	for _, id := range newOrder {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if st, ok := byID[id]; ok {
			statuses = append(statuses, st)
		} else {
			statuses = append(statuses, JobStatus{JobID: id, State: JobStateQueued})
		}
	}
	q.JobIDs = ids
	q.JobStatuses = statuses
	q.Touch()
}

func (q *Queue) IndexOf(id string) int {
	for i, jid := range q.JobIDs {
		if jid == id {
			return i
		}
	}
	return -1
}

func (q *Queue) Len() int {
	return len(q.JobIDs)
}

// ResumeIndex computes where a run should (re)start: the index just past the
// maximal leading run of completed statuses. The scan stops at the first
// non-completed entry, including error. Returns Len() when every job is
// completed.
func (q *Queue) ResumeIndex() int {
	for i, st := range q.JobStatuses {
		if st.State != JobStateCompleted {
			return i
		}
	}
	return len(q.JobStatuses)
}

// SetJobState transitions the job at index i, stamping timestamps for the
// states that carry them.
func (q *Queue) SetJobState(i int, to JobState, msg string) error {
	if i < 0 || i >= len(q.JobStatuses) {
		return errIndexOutOfRange(i, len(q.JobStatuses))
	}
	st := &q.JobStatuses[i]
	if err := ValidateJobTransition(st.State, to); err != nil {
		return err
	}
	st.State = to
	switch to {
	case JobStateRunning:
		now := Now()
		st.StartedAt = &now
		st.CompletedAt = nil
		st.LastError = nil
	case JobStateCompleted:
		now := Now()
		st.CompletedAt = &now
		st.LastError = nil
	case JobStateError:
		now := Now()
		st.CompletedAt = &now
		st.LastError = &msg
	case JobStateQueued:
		st.StartedAt = nil
		st.CompletedAt = nil
		st.LastError = nil
	}
	q.Touch()
	return nil
}

// ResetFailed requeues every job in error, clearing its error message, and
// returns how many were reset.
func (q *Queue) ResetFailed() int {
	n := 0
	for i := range q.JobStatuses {
		if q.JobStatuses[i].State != JobStateError {
			continue
		}
		q.JobStatuses[i].State = JobStateQueued
		q.JobStatuses[i].StartedAt = nil
		q.JobStatuses[i].CompletedAt = nil
		q.JobStatuses[i].LastError = nil
		n++
	}
	if n > 0 {
		q.Touch()
	}
	return n
}

// Clone returns a deep copy safe to hand to observers while the scheduler
// keeps mutating the original.
func (q *Queue) Clone() *Queue {
	cp := *q
	cp.JobIDs = append([]string(nil), q.JobIDs...)
	cp.JobStatuses = make([]JobStatus, len(q.JobStatuses))
	for i, st := range q.JobStatuses {
		cp.JobStatuses[i] = st
		cp.JobStatuses[i].StartedAt = cloneStringPtr(st.StartedAt)
		cp.JobStatuses[i].CompletedAt = cloneStringPtr(st.CompletedAt)
		cp.JobStatuses[i].LastError = cloneStringPtr(st.LastError)
	}
	cp.StartedAt = cloneStringPtr(q.StartedAt)
	cp.WaitingUntil = cloneStringPtr(q.WaitingUntil)
	return &cp
}

func (q *Queue) Touch() {
	q.UpdatedAt = Now()
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func errIndexOutOfRange(i, n int) error {
	return fmt.Errorf("job index out of range: %d of %d", i, n)
}
