package model

import "fmt"

// QueueState is the run-level state of the batch queue.
type QueueState string

const (
	QueueStateIdle      QueueState = "idle"
	QueueStateRunning   QueueState = "running"
	QueueStatePaused    QueueState = "paused"
	QueueStateCompleted QueueState = "completed"
)

// JobState is the per-job lifecycle state.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateError     JobState = "error"
	JobStateSkipped   JobState = "skipped"
)

// Queue state transitions. idle and completed are terminal with respect to
// autonomous progress; both re-enter running via start or retry-failed.
var validQueueTransitions = map[QueueState]map[QueueState]bool{
	QueueStateIdle: {
		QueueStateRunning: true,
	},
	QueueStateRunning: {
		QueueStatePaused:    true,
		QueueStateIdle:      true, // stop
		QueueStateCompleted: true,
	},
	QueueStatePaused: {
		QueueStateRunning: true, // resume
		QueueStateIdle:    true, // stop
	},
	QueueStateCompleted: {
		QueueStateRunning: true, // retry-failed or a fresh start
		QueueStateIdle:    true,
	},
}

// Job transitions. running → queued covers release on pause; a job in error
// is re-run directly when the resume scan lands on it, so error → running is
// legal. completed → running covers at-least-once re-execution after a
// mid-run reorder.
var validJobTransitions = map[JobState]map[JobState]bool{
	JobStateQueued: {
		JobStateRunning: true,
		JobStateSkipped: true,
	},
	JobStateRunning: {
		JobStateRunning:   true, // re-attempt after pause
		JobStateCompleted: true,
		JobStateError:     true,
		JobStateQueued:    true,
	},
	JobStateError: {
		JobStateQueued:  true, // retry-failed
		JobStateRunning: true,
	},
	JobStateCompleted: {
		JobStateRunning: true,
	},
	JobStateSkipped: {
		JobStateQueued:  true,
		JobStateRunning: true,
	},
}

func ValidateQueueTransition(from, to QueueState) error {
	if from == to {
		return nil
	}
	allowed, ok := validQueueTransitions[from]
	if !ok {
		return fmt.Errorf("unknown queue state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid queue transition: %q → %q", from, to)
	}
	return nil
}

func ValidateJobTransition(from, to JobState) error {
	if from == to && from != JobStateRunning {
		return nil
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q → %q", from, to)
	}
	return nil
}

// IsJobTerminal reports whether a job reached a state the scheduler will not
// advance on its own. error counts: only retry-failed re-queues it.
func IsJobTerminal(s JobState) bool {
	return s == JobStateCompleted || s == JobStateError || s == JobStateSkipped
}
