// Package runner executes one queued job against the studio page through the
// extension bridge. The scheduler consumes it as a single awaited unit of
// work per queued job.
package runner

import (
	"context"

	"github.com/PuerkitoBio/goquery"
)

// Runner is the orchestrator surface the scheduler depends on.
type Runner interface {
	// RunJob executes the job to completion, success, or failure.
	RunJob(ctx context.Context, jobID string) error

	// CancelCurrent asks the in-flight job to stop. Advisory: best effort,
	// not guaranteed instantaneous.
	CancelCurrent()
}

// OpKind is one DOM operation the bridge can perform.
type OpKind string

const (
	OpClick   OpKind = "click"
	OpFill    OpKind = "fill"
	OpWaitFor OpKind = "wait_for"
)

// Op is a resolved DOM operation: the logical target, the concrete selector
// path located for it, and an optional input value.
type Op struct {
	Kind     OpKind `json:"kind"`
	Target   string `json:"target"`
	Selector string `json:"selector"`
	Value    string `json:"value,omitempty"`
}

// Bridge is the extension-side executor. It serves page snapshots for target
// resolution and performs operations against the live page.
type Bridge interface {
	Snapshot(ctx context.Context) (*goquery.Document, error)
	Perform(ctx context.Context, op Op) error
}

// Action is one step of a job script, expressed against logical target
// names; selectors are resolved per step from a fresh snapshot.
type Action struct {
	Op     OpKind `yaml:"op" json:"op"`
	Target string `yaml:"target" json:"target"`
	Value  string `yaml:"value,omitempty" json:"value,omitempty"`
}

// ScriptSource yields the action script for a job.
type ScriptSource interface {
	ScriptFor(jobID string) ([]Action, error)
}

// StaticScripts is a ScriptSource backed by a fixed map. Jobs without an
// entry get DefaultScript.
type StaticScripts map[string][]Action

func (s StaticScripts) ScriptFor(jobID string) ([]Action, error) {
	if script, ok := s[jobID]; ok {
		return script, nil
	}
	return DefaultScript(), nil
}

// DefaultScript is the standard generate-and-download workflow.
func DefaultScript() []Action {
	return []Action{
		{Op: OpFill, Target: "prompt-input", Value: ""},
		{Op: OpClick, Target: "generate-button"},
		{Op: OpWaitFor, Target: "download-button"},
		{Op: OpClick, Target: "download-button"},
	}
}
