package runner

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/mkurosawa/batchpilot/internal/resolve"
)

// PrimarySelectors maps logical target names to their primary structural
// selectors. The resolve engine is consulted only after a primary lookup
// fails to produce exactly one element.
type PrimarySelectors map[string]string

// ScriptRunner drives a job's action script step by step: snapshot the page,
// locate the step's target, hand the concrete operation to the bridge.
type ScriptRunner struct {
	bridge  Bridge
	engine  *resolve.Engine
	primary PrimarySelectors
	scripts ScriptSource
	logger  *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewScriptRunner(bridge Bridge, engine *resolve.Engine, primary PrimarySelectors, scripts ScriptSource, logger *log.Logger) *ScriptRunner {
	return &ScriptRunner{
		bridge:  bridge,
		engine:  engine,
		primary: primary,
		scripts: scripts,
		logger:  logger,
	}
}

// RunJob executes the job's script. A resolution failure on any step fails
// the whole job; the scheduler records it and moves on.
func (r *ScriptRunner) RunJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
	}()

	script, err := r.scripts.ScriptFor(jobID)
	if err != nil {
		return fmt.Errorf("load script for %s: %w", jobID, err)
	}

	for i, action := range script {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("job %s cancelled at step %d: %w", jobID, i, err)
		}

		doc, err := r.bridge.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot before step %d: %w", i, err)
		}

		selector, err := r.locate(doc, action.Target)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, action.Op, err)
		}

		op := Op{Kind: action.Op, Target: action.Target, Selector: selector, Value: action.Value}
		if err := r.bridge.Perform(ctx, op); err != nil {
			return fmt.Errorf("step %d (%s %s): %w", i, action.Op, action.Target, err)
		}
	}
	return nil
}

// CancelCurrent signals the in-flight job to stop at its next step boundary.
func (r *ScriptRunner) CancelCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// locate finds the target in the snapshot: primary selector first, then the
// fallback chain. Returns a concrete selector path for the bridge.
func (r *ScriptRunner) locate(doc *goquery.Document, target string) (string, error) {
	if raw, ok := r.primary[target]; ok {
		if sel, err := cascadia.Compile(raw); err == nil {
			found := doc.FindMatcher(sel)
			if found.Length() == 1 {
				return SelectorPath(found), nil
			}
		}
	}

	match, err := r.engine.Resolve(doc, target)
	if err != nil {
		return "", fmt.Errorf("target not found: %s: %w", target, err)
	}
	return SelectorPath(match.Selection), nil
}
