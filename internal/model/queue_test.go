package model

import "testing"

func checkAligned(t *testing.T, q *Queue) {
	t.Helper()
	if len(q.JobIDs) != len(q.JobStatuses) {
		t.Fatalf("job ids and statuses out of step: %d vs %d", len(q.JobIDs), len(q.JobStatuses))
	}
	for i, id := range q.JobIDs {
		if q.JobStatuses[i].JobID != id {
			t.Errorf("status %d tracks %q, want %q", i, q.JobStatuses[i].JobID, id)
		}
	}
}

func TestQueue_AddRemoveAlignment(t *testing.T) {
	q := NewQueue()
	checkAligned(t, q)

	if !q.Add("a") || !q.Add("b") || !q.Add("c") {
		t.Fatal("expected adds to succeed")
	}
	checkAligned(t, q)

	if q.Add("b") {
		t.Error("duplicate add should be a no-op")
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 jobs, got %d", q.Len())
	}

	if !q.Remove("b") {
		t.Fatal("expected remove to succeed")
	}
	checkAligned(t, q)
	if q.Remove("b") {
		t.Error("removing an absent id should be a no-op")
	}
	if q.IndexOf("b") != -1 {
		t.Error("removed id still present")
	}
}

func TestQueue_ReorderPreservesAndSynthesizes(t *testing.T) {
	q := NewQueue()
	q.Add("a")
	q.Add("b")
	q.Add("c")
	if err := q.SetJobState(1, JobStateRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := q.SetJobState(1, JobStateCompleted, ""); err != nil {
		t.Fatal(err)
	}

	// Drop "c", keep "b" first, introduce "d".
	q.Reorder([]string{"b", "d", "a"})
	checkAligned(t, q)

	if q.Len() != 3 {
		t.Fatalf("expected 3 jobs after reorder, got %d", q.Len())
	}
	if q.JobStatuses[0].State != JobStateCompleted {
		t.Errorf("retained id lost its status: %s", q.JobStatuses[0].State)
	}
	if q.JobStatuses[1].State != JobStateQueued {
		t.Errorf("new id should be queued, got %s", q.JobStatuses[1].State)
	}
	if q.IndexOf("c") != -1 {
		t.Error("omitted id should be dropped")
	}
}

func TestQueue_ReorderDropsDuplicates(t *testing.T) {
	q := NewQueue()
	q.Add("a")
	q.Reorder([]string{"a", "a", "b"})
	checkAligned(t, q)
	if q.Len() != 2 {
		t.Fatalf("expected 2 jobs, got %d", q.Len())
	}
}

func TestQueue_ResumeIndex(t *testing.T) {
	tests := []struct {
		name   string
		states []JobState
		want   int
	}{
		{"empty", nil, 0},
		{"all queued", []JobState{JobStateQueued, JobStateQueued}, 0},
		{"leading completed", []JobState{JobStateCompleted, JobStateQueued}, 1},
		{"stops at error", []JobState{JobStateCompleted, JobStateCompleted, JobStateError, JobStateQueued}, 2},
		{"all completed", []JobState{JobStateCompleted, JobStateCompleted}, 2},
		{"completed after gap ignored", []JobState{JobStateQueued, JobStateCompleted}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue()
			for i, s := range tt.states {
				id := string(rune('a' + i))
				q.JobIDs = append(q.JobIDs, id)
				q.JobStatuses = append(q.JobStatuses, JobStatus{JobID: id, State: s})
			}
			if got := q.ResumeIndex(); got != tt.want {
				t.Errorf("ResumeIndex() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQueue_SetJobStateStampsTimestamps(t *testing.T) {
	q := NewQueue()
	q.Add("a")

	if err := q.SetJobState(0, JobStateRunning, ""); err != nil {
		t.Fatal(err)
	}
	if q.JobStatuses[0].StartedAt == nil {
		t.Error("running job should have a start timestamp")
	}

	if err := q.SetJobState(0, JobStateError, "boom"); err != nil {
		t.Fatal(err)
	}
	st := q.JobStatuses[0]
	if st.CompletedAt == nil {
		t.Error("errored job should have a completion timestamp")
	}
	if st.LastError == nil || *st.LastError != "boom" {
		t.Errorf("want error message %q, got %v", "boom", st.LastError)
	}

	if err := q.SetJobState(5, JobStateRunning, ""); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestQueue_ResetFailed(t *testing.T) {
	q := NewQueue()
	q.Add("a")
	q.Add("b")
	q.Add("c")
	mustTransition(t, q, 0, JobStateRunning, JobStateError)
	mustTransition(t, q, 1, JobStateRunning, JobStateCompleted)
	mustTransition(t, q, 2, JobStateRunning, JobStateError)

	if n := q.ResetFailed(); n != 2 {
		t.Fatalf("expected 2 reset, got %d", n)
	}
	for _, i := range []int{0, 2} {
		if q.JobStatuses[i].State != JobStateQueued {
			t.Errorf("job %d should be queued, got %s", i, q.JobStatuses[i].State)
		}
		if q.JobStatuses[i].LastError != nil {
			t.Errorf("job %d should have its error cleared", i)
		}
	}
	if q.JobStatuses[1].State != JobStateCompleted {
		t.Error("completed job must not be touched by retry")
	}

	if n := q.ResetFailed(); n != 0 {
		t.Errorf("second reset should find nothing, got %d", n)
	}
}

func TestQueue_CloneIsIndependent(t *testing.T) {
	q := NewQueue()
	q.Add("a")
	mustTransition(t, q, 0, JobStateRunning, JobStateError)

	cp := q.Clone()
	q.ResetFailed()

	if cp.JobStatuses[0].State != JobStateError {
		t.Error("clone should not observe later mutations")
	}
	if cp.JobStatuses[0].LastError == nil {
		t.Error("clone lost the error message")
	}
}

func mustTransition(t *testing.T, q *Queue, i int, states ...JobState) {
	t.Helper()
	for _, s := range states {
		msg := ""
		if s == JobStateError {
			msg = "failed"
		}
		if err := q.SetJobState(i, s, msg); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}
