// Package scheduler drives the batch: it owns the queue record, hands jobs to
// the runner one at a time, checkpoints after every transition, and enforces
// the inter-job cooldown. One scheduler instance exists per daemon process.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"github.com/mkurosawa/batchpilot/internal/checkpoint"
	"github.com/mkurosawa/batchpilot/internal/events"
	"github.com/mkurosawa/batchpilot/internal/model"
	"github.com/mkurosawa/batchpilot/internal/runner"
	yamlutil "github.com/mkurosawa/batchpilot/internal/yaml"
)

// Scheduler is the batch execution state machine. All queue mutations go
// through it; each one is persisted to the checkpoint store and then
// broadcast before the next transition is allowed.
type Scheduler struct {
	store  checkpoint.Store
	bus    *events.Bus
	runner runner.Runner
	logger *log.Logger

	cooldown       time.Duration
	persistRetries int

	mu        sync.Mutex
	queue     *model.Queue
	running   bool
	paused    bool
	cancelRun context.CancelFunc
	loopDone  chan struct{}
}

// New restores the queue from the checkpoint store, or starts fresh when no
// record exists. A record checkpointed mid-run (state running) comes back as
// paused: no loop survived the restart, but the position did.
func New(store checkpoint.Store, bus *events.Bus, run runner.Runner, cfg model.Config, logger *log.Logger) (*Scheduler, error) {
	s := &Scheduler{
		store:          store,
		bus:            bus,
		runner:         run,
		logger:         logger,
		cooldown:       cfg.Cooldown(),
		persistRetries: cfg.Scheduler.PersistMaxRetries,
	}
	if s.persistRetries < 1 {
		s.persistRetries = 1
	}

	data, err := store.Get(checkpoint.KeyQueue)
	switch err {
	case nil:
		// Reject records that are not a batch_queue before decoding; a job
		// snapshot stored under the wrong key would otherwise decode into a
		// zero queue silently.
		if err := yamlutil.ValidateSchemaHeaderFromBytes(data, model.QueueFileType); err != nil {
			return nil, fmt.Errorf("queue checkpoint header: %w", err)
		}
		q := model.NewQueue()
		if err := yaml.Unmarshal(data, q); err != nil {
			return nil, fmt.Errorf("decode queue checkpoint: %w", err)
		}
		s.queue = q
	case checkpoint.ErrNotFound:
		s.queue = model.NewQueue()
	default:
		return nil, fmt.Errorf("load queue checkpoint: %w", err)
	}

	if s.queue.State == model.QueueStateRunning {
		s.logger.Printf("[WARN] queue checkpointed as running, recovering as paused at index %d", s.queue.CurrentIndex)
		s.queue.State = model.QueueStatePaused
		s.queue.WaitingUntil = nil
		s.paused = true
		if err := s.commitLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddProject appends a job to the queue. Adding an id that is already queued
// is a no-op, not an error.
func (s *Scheduler) AddProject(id string) error {
	if !model.ValidateID(id) {
		return fmt.Errorf("invalid job id: %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queue.Add(id) {
		return nil
	}
	return s.commitLocked()
}

// RemoveProject removes a job and its status record in lock-step. Absent ids
// are a no-op.
func (s *Scheduler) RemoveProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queue.Remove(id) {
		return nil
	}
	if err := s.store.Delete(checkpoint.JobKey(id)); err != nil {
		s.logger.Printf("[WARN] delete job checkpoint %s: %v", id, err)
	}
	return s.commitLocked()
}

// Reorder replaces the execution order. Permitted while running: the loop
// re-reads the queue after each job, so the not-yet-run tail follows the new
// order. The in-flight job is unaffected.
func (s *Scheduler) Reorder(newOrder []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Reorder(newOrder)
	return s.commitLocked()
}

// Start begins or resumes autonomous execution. Idempotent: a start while
// already running changes nothing. The resume point skips the maximal
// leading run of completed jobs, so a restarted batch picks up at the first
// job that still needs work.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.queue.Len() == 0 {
		s.mu.Unlock()
		return fmt.Errorf("queue is empty")
	}
	prevDone := s.loopDone
	s.mu.Unlock()

	// A paused loop may still be unwinding; let it finish before the state
	// flips back to running, or it would race the new loop.
	if prevDone != nil {
		<-prevDone
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := model.ValidateQueueTransition(s.queue.State, model.QueueStateRunning); err != nil {
		return err
	}

	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return err
	}
	s.running = true
	s.paused = false
	s.queue.State = model.QueueStateRunning
	s.queue.RunID = runID
	s.queue.CurrentIndex = s.queue.ResumeIndex()
	now := model.Now()
	s.queue.StartedAt = &now
	if err := s.commitLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.loopDone = make(chan struct{})
	go s.runLoop(ctx, s.loopDone)
	return nil
}

// Pause stops autonomous progress but keeps the position: the job at
// currentIndex is re-attempted from scratch on resume. At-least-once, not
// exactly-once, execution per job.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("batch is not running")
	}
	if err := model.ValidateQueueTransition(s.queue.State, model.QueueStatePaused); err != nil {
		s.mu.Unlock()
		return err
	}
	s.running = false
	s.paused = true
	s.queue.State = model.QueueStatePaused
	s.queue.WaitingUntil = nil
	err := s.commitLocked()
	cancel := s.cancelRun
	s.mu.Unlock()

	s.runner.CancelCurrent()
	if cancel != nil {
		cancel()
	}
	return err
}

// Resume clears the paused flag and re-enters Start, which recomputes the
// resume point.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if !s.paused {
		s.mu.Unlock()
		return fmt.Errorf("batch is not paused")
	}
	s.paused = false
	s.mu.Unlock()
	return s.Start()
}

// Stop ends the run and discards the position: currentIndex resets to -1.
// Job statuses are untouched, so a later start still skips completed work.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running && !s.paused && s.queue.State == model.QueueStateIdle {
		s.mu.Unlock()
		return nil
	}
	if err := model.ValidateQueueTransition(s.queue.State, model.QueueStateIdle); err != nil {
		s.mu.Unlock()
		return err
	}
	s.running = false
	s.paused = false
	s.queue.State = model.QueueStateIdle
	s.queue.CurrentIndex = -1
	s.queue.RunID = ""
	s.queue.WaitingUntil = nil
	s.queue.StartedAt = nil
	err := s.commitLocked()
	cancel := s.cancelRun
	s.mu.Unlock()

	s.runner.CancelCurrent()
	if cancel != nil {
		cancel()
	}
	return err
}

// RetryFailed resets every errored job back to queued and reports how many
// were reset. Zero resets is a pure no-op. With resets, a stopped or paused
// batch is started again; an already-running batch keeps its live loop, and
// reset jobs behind the cursor wait for the next start.
func (s *Scheduler) RetryFailed() (int, error) {
	s.mu.Lock()
	n := s.queue.ResetFailed()
	if n == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	if s.running {
		err := s.commitLocked()
		s.mu.Unlock()
		return n, err
	}
	if err := s.commitLocked(); err != nil {
		s.mu.Unlock()
		return n, err
	}
	s.paused = false
	s.mu.Unlock()
	return n, s.Start()
}

// Status returns a snapshot of the queue plus the live run flags. The flags
// are process-local and must agree with the persisted queue state.
func (s *Scheduler) Status() (*model.Queue, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Clone(), s.running, s.paused
}

// Shutdown cancels any live run loop and waits for it to unwind. The queue
// record keeps whatever state was last checkpointed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancelRun
	done := s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.runner.CancelCurrent()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop executes jobs from currentIndex to the end of the queue. It holds
// the lock only across state transitions, never across a job or a cooldown.
func (s *Scheduler) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		if ctx.Err() != nil || !s.running || s.paused {
			s.exitLocked()
			return
		}
		i := s.queue.CurrentIndex
		if i < 0 || i >= s.queue.Len() {
			s.completeLocked()
			return
		}
		jobID := s.queue.JobIDs[i]
		runID := s.queue.RunID
		if err := s.queue.SetJobState(i, model.JobStateRunning, ""); err != nil {
			s.logger.Printf("[ERROR] job %s cannot run: %v", jobID, err)
			s.queue.CurrentIndex = i + 1
			s.mu.Unlock()
			continue
		}
		s.snapshotJobLocked(i)
		if err := s.commitLocked(); err != nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.bus.Publish(events.EventJobStarted, map[string]any{"job_id": jobID, "index": i, "run_id": runID})

		runErr := s.runner.RunJob(ctx, jobID)

		s.mu.Lock()
		if ctx.Err() != nil {
			// Interrupted by pause or stop: the outcome is discarded and the
			// job re-runs from scratch next time.
			s.exitLocked()
			return
		}
		// Re-read the position: a concurrent reorder may have moved the job.
		idx := s.queue.IndexOf(jobID)
		if idx >= 0 {
			if runErr == nil {
				_ = s.queue.SetJobState(idx, model.JobStateCompleted, "")
			} else {
				s.logger.Printf("[WARN] job %s failed: %v", jobID, runErr)
				_ = s.queue.SetJobState(idx, model.JobStateError, runErr.Error())
			}
			s.snapshotJobLocked(idx)
			s.queue.CurrentIndex = idx + 1
		}
		last := s.queue.CurrentIndex >= s.queue.Len()
		if err := s.commitLocked(); err != nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.bus.Publish(events.EventJobFinished, map[string]any{
			"job_id":  jobID,
			"run_id":  runID,
			"success": runErr == nil,
		})

		if last {
			continue // top of loop records completion
		}
		if !s.coolDown(ctx, jobID) {
			s.mu.Lock()
			s.exitLocked()
			return
		}
	}
}

// coolDown waits the inter-job cooldown. waitingUntil is checkpointed before
// the wait and cleared after, interrupted or not, so observers always see
// why the batch is quiet. Returns false when the wait was cancelled.
func (s *Scheduler) coolDown(ctx context.Context, afterJob string) bool {
	s.mu.Lock()
	until := time.Now().UTC().Add(s.cooldown).Format(time.RFC3339)
	s.queue.WaitingUntil = &until
	if err := s.commitLocked(); err != nil {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.bus.Publish(events.EventCooldownStarted, map[string]any{
		"after_job":     afterJob,
		"waiting_until": until,
	})

	timer := time.NewTimer(s.cooldown)
	defer timer.Stop()
	interrupted := false
	select {
	case <-timer.C:
	case <-ctx.Done():
		interrupted = true
	}

	s.mu.Lock()
	s.queue.WaitingUntil = nil
	err := s.commitLocked()
	s.mu.Unlock()
	return err == nil && !interrupted
}

// completeLocked records queue exhaustion. Caller holds the lock and must
// not touch the scheduler afterwards; the lock is released here.
func (s *Scheduler) completeLocked() {
	s.running = false
	s.queue.State = model.QueueStateCompleted
	s.queue.CurrentIndex = -1
	_ = s.commitLocked()
	s.mu.Unlock()
}

// exitLocked is the pause/stop/halt loop exit: the control operation already
// recorded its state, the loop just re-checkpoints on the way out. Releases
// the lock.
func (s *Scheduler) exitLocked() {
	if !s.running {
		_ = s.commitLocked()
	}
	s.mu.Unlock()
}

// snapshotJobLocked persists the job's status record under its own key.
// Best effort: the queue record is the source of truth, the per-job snapshot
// only serves external inspection.
func (s *Scheduler) snapshotJobLocked(i int) {
	st := s.queue.JobStatuses[i]
	rec := struct {
		SchemaVersion   int    `yaml:"schema_version"`
		FileType        string `yaml:"file_type"`
		model.JobStatus `yaml:",inline"`
	}{model.QueueSchemaVersion, model.JobSnapshotFileType, st}
	data, err := yaml.Marshal(&rec)
	if err != nil {
		s.logger.Printf("[WARN] encode job snapshot %s: %v", st.JobID, err)
		return
	}
	if err := s.store.Set(checkpoint.JobKey(st.JobID), data); err != nil {
		s.logger.Printf("[WARN] persist job snapshot %s: %v", st.JobID, err)
	}
}

// commitLocked persists the queue record and then broadcasts it. Persistence
// failures are retried with exponential backoff; once the retries are spent
// the run halts to paused, keeping the last durable checkpoint authoritative
// over anything only in memory.
func (s *Scheduler) commitLocked() error {
	s.queue.Touch()
	data, err := yaml.Marshal(s.queue)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	err = backoff.Retry(func() error {
		return s.store.Set(checkpoint.KeyQueue, data)
	}, backoff.WithMaxRetries(bo, uint64(s.persistRetries-1)))
	if err != nil {
		wasRunning := s.running
		if wasRunning {
			s.logger.Printf("[ERROR] checkpoint write failed after %d attempts, halting run: %v", s.persistRetries, err)
			s.running = false
			s.paused = true
			s.queue.State = model.QueueStatePaused
			if s.cancelRun != nil {
				s.cancelRun()
			}
			s.bus.Publish(events.EventBatchHalted, map[string]any{"error": err.Error()})
		}
		return fmt.Errorf("persist queue: %w", err)
	}

	s.bus.Publish(events.EventQueueStateChanged, map[string]any{
		"queue":   s.queue.Clone(),
		"running": s.running,
		"paused":  s.paused,
	})
	return nil
}
