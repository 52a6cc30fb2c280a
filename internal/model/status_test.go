package model

import "testing"

func TestValidateQueueTransition(t *testing.T) {
	tests := []struct {
		from, to QueueState
		ok       bool
	}{
		{QueueStateIdle, QueueStateRunning, true},
		{QueueStateIdle, QueueStatePaused, false},
		{QueueStateRunning, QueueStatePaused, true},
		{QueueStateRunning, QueueStateCompleted, true},
		{QueueStateRunning, QueueStateIdle, true},
		{QueueStatePaused, QueueStateRunning, true},
		{QueueStatePaused, QueueStateIdle, true},
		{QueueStatePaused, QueueStateCompleted, false},
		{QueueStateCompleted, QueueStateRunning, true},
		{QueueStateIdle, QueueStateIdle, true}, // self-transition is a no-op
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			err := ValidateQueueTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Errorf("expected %q → %q to be rejected", tt.from, tt.to)
			}
		})
	}
}

func TestValidateJobTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		ok       bool
	}{
		{JobStateQueued, JobStateRunning, true},
		{JobStateQueued, JobStateCompleted, false},
		{JobStateRunning, JobStateCompleted, true},
		{JobStateRunning, JobStateError, true},
		{JobStateRunning, JobStateRunning, true}, // pause then resume re-attempts
		{JobStateError, JobStateQueued, true},
		{JobStateError, JobStateRunning, true},
		{JobStateCompleted, JobStateRunning, true},
		{JobStateCompleted, JobStateError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			err := ValidateJobTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Errorf("expected %q → %q to be rejected", tt.from, tt.to)
			}
		})
	}
}

func TestIsJobTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobStateQueued, false},
		{JobStateRunning, false},
		{JobStateCompleted, true},
		{JobStateError, true},
		{JobStateSkipped, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsJobTerminal(tt.state); got != tt.terminal {
				t.Errorf("IsJobTerminal(%q) = %v, want %v", tt.state, got, tt.terminal)
			}
		})
	}
}
