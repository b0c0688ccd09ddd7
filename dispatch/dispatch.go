// Package dispatch implements the dispatch loop: the transactional claim
// of todo-eligible tasks, hand-off to the Dispatcher capability, and
// recording of attempt outcomes.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wtsi-hgi/shepherd-go/capability"
	"github.com/wtsi-hgi/shepherd-go/emit"
	"github.com/wtsi-hgi/shepherd-go/metrics"
	"github.com/wtsi-hgi/shepherd-go/store"
)

// Loop drives one job's transfer phase to completion. Correctness
// relies on the Store, not on mutual exclusion between Loop
// instances: several Loops across cluster nodes may run against the same
// job concurrently, each with its own worker pool.
type Loop struct {
	Store      store.Store
	Dispatcher capability.Dispatcher
	Emit       emit.Emitter
	Metrics    *metrics.Collector

	// Resources is the resource request passed on every Submit call; it
	// comes from the `phase` config block.
	Resources capability.ResourceRequest

	// JobID is the job whose transfer phase this Loop drives.
	JobID string

	// Workers bounds how many attempts this Loop instance hands off to
	// the Dispatcher concurrently. Must be >= 1.
	Workers int

	// ClaimBatch bounds how many todo rows are claimed per iteration.
	ClaimBatch int

	// PollInterval is how long to wait between iterations that find
	// nothing claimable and the job is not yet done.
	PollInterval time.Duration
}

// New returns a Loop with sane defaults: 4 workers, a claim batch of 16,
// and a 200ms poll interval. Callers must set Dispatcher before calling
// Run.
func New(st store.Store, dispatcher capability.Dispatcher, em emit.Emitter, mc *metrics.Collector, jobID string) *Loop {
	return &Loop{
		Store:        st,
		Dispatcher:   dispatcher,
		Emit:         em,
		Metrics:      mc,
		JobID:        jobID,
		Workers:      4,
		ClaimBatch:   16,
		PollInterval: 200 * time.Millisecond,
	}
}

// Run drives the loop until the job's transfer phase is closed
// (job_status reports running=0, pending=0) or ctx is cancelled. It
// returns nil on a clean job finish, or ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if l.Dispatcher == nil {
		return fmt.Errorf("dispatch: no Dispatcher configured")
	}
	workers := l.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			wg.Wait()
			return ctx.Err()
		}

		iterStart := time.Now()

		claimed, err := l.Store.ClaimTodo(ctx, l.JobID, l.ClaimBatch)
		if err != nil {
			return fmt.Errorf("dispatch: claim todo: %w", err)
		}

		l.recordFilesystemConcurrency(ctx)

		for _, c := range claimed {
			c := c
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				l.runOne(ctx, c)
			}()
		}

		if l.Metrics != nil {
			l.Metrics.RecordDispatchIteration(l.JobID, time.Since(iterStart))
		}

		if len(claimed) == 0 {
			done, err := l.jobDone(ctx)
			if err != nil {
				return err
			}
			if done {
				wg.Wait()
				return l.Store.FinishTransferPhase(ctx, l.JobID)
			}
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case <-time.After(l.PollInterval):
			}
		}
	}
}

// recordFilesystemConcurrency snapshots filesystem_status into the
// filesystem_concurrency gauge after each claim cycle, so a scrape
// between iterations sees how close each filesystem is to its
// concurrency cap.
func (l *Loop) recordFilesystemConcurrency(ctx context.Context) {
	if l.Metrics == nil {
		return
	}
	rows, err := l.Store.FilesystemStatus(ctx, l.JobID)
	if err != nil {
		return
	}
	for _, row := range rows {
		l.Metrics.SetFilesystemConcurrency(l.JobID, row.Filesystem, row.Concurrency)
	}
}

// jobDone reports whether job_status shows no pending or running tasks
// left, across every (source_fs, target_fs) pair in the job. Every task
// is then either succeeded or terminally failed.
func (l *Loop) jobDone(ctx context.Context) (bool, error) {
	rows, err := l.Store.JobStatus(ctx, l.JobID)
	if err != nil {
		return false, fmt.Errorf("dispatch: job status: %w", err)
	}
	for _, row := range rows {
		if row.Pending > 0 || row.Running > 0 {
			return false, nil
		}
	}
	return true, nil
}

// runOne hands a single claimed attempt off to the Dispatcher and records
// the outcome. Dispatcher calls happen outside any Store transaction.
func (l *Loop) runOne(ctx context.Context, c store.ClaimedAttempt) {
	l.Emit.Emit(emit.Event{JobID: l.JobID, TaskID: c.Task.ID, AttemptID: c.Attempt.ID, Msg: "attempt_start"})
	started := time.Now()

	future, err := l.Dispatcher.Submit(ctx, c.Attempt.ID, c.Task.Script, l.Resources)
	if err != nil {
		l.finish(c, 1, started, err)
		return
	}

	select {
	case <-ctx.Done():
		l.finish(c, 1, started, ctx.Err())
	case outcome, ok := <-future:
		if !ok {
			l.finish(c, 1, started, fmt.Errorf("dispatch: future closed without outcome"))
			return
		}
		l.finish(c, outcome.ExitCode, started, nil)
	}
}

// finish records an attempt's outcome. It deliberately does not take the
// loop's context: a cancelled attempt still needs its (finish, exit_code)
// update to commit, and running the store write on the already-cancelled
// context would abort it and strand the attempt row inflight — keeping
// the task out of todo permanently.
func (l *Loop) finish(c store.ClaimedAttempt, exitCode int, started time.Time, causeErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.Store.RecordAttemptFinish(ctx, c.Attempt.ID, exitCode); err != nil {
		l.Emit.Emit(emit.Event{
			JobID: l.JobID, TaskID: c.Task.ID, AttemptID: c.Attempt.ID, Msg: "attempt_record_failed",
			Meta: map[string]interface{}{"error": err.Error()},
		})
		return
	}

	meta := map[string]interface{}{"exit_code": exitCode}
	if causeErr != nil {
		meta["error"] = causeErr.Error()
	}
	status := "success"
	msg := "attempt_success"
	if exitCode != 0 {
		status = "failure"
		msg = "attempt_failure"
	}
	l.Emit.Emit(emit.Event{JobID: l.JobID, TaskID: c.Task.ID, AttemptID: c.Attempt.ID, Msg: msg, Meta: meta})

	if l.Metrics != nil {
		l.Metrics.RecordAttempt(l.JobID, status, time.Since(started))
	}
	if exitCode == 0 {
		return
	}

	if job, err := l.Store.GetJob(ctx, l.JobID); err == nil {
		if ts, err := l.Store.TaskStatus(ctx, c.Task.ID); err == nil {
			if ts.AttemptCount >= job.MaxAttempts {
				l.Emit.Emit(emit.Event{JobID: l.JobID, TaskID: c.Task.ID, Msg: "task_terminal_failure"})
				if l.Metrics != nil {
					l.Metrics.IncrementTerminalFailures(l.JobID)
				}
				return
			}
		}
	}
	if l.Metrics != nil {
		l.Metrics.IncrementRetries(l.JobID)
	}
}
