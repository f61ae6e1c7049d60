// Package queue orchestrates transfer tasks: it enforces concurrency and
// priority, drives each task through its executor, and implements
// retry-with-backoff, pause, resume, and cancel.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/larrydiffey/sftpipe/pkg/core"
	"github.com/larrydiffey/sftpipe/pkg/retry"
	"github.com/larrydiffey/sftpipe/pkg/task"
)

// DefaultMaxConcurrent is the default number of tasks running at once
const DefaultMaxConcurrent = 3

// Executor runs one task's transfer operation. Implementations watch the
// task's cancellation handle and return core.ErrTransferAborted when it
// fires.
type Executor interface {
	// Run performs the transfer for a task, relaying progress into it
	Run(ctx context.Context, t *task.Task) error

	// Cleanup removes the partial artifact a cancelled task left behind
	Cleanup(ctx context.Context, t *task.Task) error
}

// Stats summarizes the live task set
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Queue schedules and drives transfer tasks
type Queue struct {
	mu sync.Mutex

	tasks map[string]*task.Task
	seq   map[string]uint64 // FIFO tiebreak within a priority
	next  uint64

	maxConcurrent int
	running       int
	paused        bool
	closed        bool

	policy retry.Policy
	timers map[string]*time.Timer // pending retry timers by task id

	exec     Executor
	progress core.ProgressSink
	history  core.HistorySink
	logger   *zap.Logger

	wg sync.WaitGroup
}

// Options configures a Queue
type Options struct {
	MaxConcurrent int
	RetryPolicy   retry.Policy
}

// New creates a queue. The executor is required; progress and history sinks
// are optional.
func New(exec Executor, opts Options, progressSink core.ProgressSink, historySink core.HistorySink, logger *zap.Logger) *Queue {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.RetryPolicy == (retry.Policy{}) {
		opts.RetryPolicy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		tasks:         make(map[string]*task.Task),
		seq:           make(map[string]uint64),
		maxConcurrent: opts.MaxConcurrent,
		policy:        opts.RetryPolicy,
		timers:        make(map[string]*time.Timer),
		exec:          exec,
		progress:      progressSink,
		history:       historySink,
		logger:        logger,
	}
}

// AddTask accepts a task into the queue and schedules a pass
func (q *Queue) AddTask(t *task.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("add task %s: queue is closed", t.ID())
	}
	t.SetMaxRetries(q.policy.MaxRetries)
	q.tasks[t.ID()] = t
	q.seq[t.ID()] = q.next
	q.next++
	q.mu.Unlock()

	q.logger.Info("task queued",
		zap.String("task", t.ID()),
		zap.String("direction", string(t.Direction())),
		zap.String("priority", t.Priority().String()))
	q.schedule()
	return nil
}

// AddTasks accepts a batch of tasks with a single scheduling pass
func (q *Queue) AddTasks(tasks []*task.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("add tasks: queue is closed")
	}
	for _, t := range tasks {
		t.SetMaxRetries(q.policy.MaxRetries)
		q.tasks[t.ID()] = t
		q.seq[t.ID()] = q.next
		q.next++
	}
	q.mu.Unlock()

	q.logger.Info("tasks queued", zap.Int("count", len(tasks)))
	q.schedule()
	return nil
}

// Task returns a live task by id
func (q *Queue) Task(id string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrTaskNotFound)
	}
	return t, nil
}

// Tasks returns snapshots of all live tasks, oldest first
func (q *Queue) Tasks() []task.View {
	q.mu.Lock()
	ids := make([]string, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return q.seq[ids[i]] < q.seq[ids[j]] })
	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, q.tasks[id])
	}
	q.mu.Unlock()

	views := make([]task.View, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.Snapshot())
	}
	return views
}

// PauseTask pauses one task. A running task's operation is aborted
// cooperatively; transferred bytes and progress are preserved for resume.
func (q *Queue) PauseTask(id string) error {
	t, err := q.Task(id)
	if err != nil {
		return err
	}
	if !t.Pause() {
		return fmt.Errorf("pause task %s: not pausable from %s", id, t.Status())
	}
	q.logger.Info("task paused", zap.String("task", id))
	return nil
}

// ResumeTask re-queues a paused task and schedules a pass
func (q *Queue) ResumeTask(id string) error {
	t, err := q.Task(id)
	if err != nil {
		return err
	}
	if !t.Resume() {
		return fmt.Errorf("resume task %s: not paused", id)
	}
	q.logger.Info("task resumed", zap.String("task", id))
	q.schedule()
	return nil
}

// CancelTask cancels a task. If it was not running, the queue finalizes it
// directly; otherwise the aborted executor run finalizes it.
func (q *Queue) CancelTask(id string) error {
	t, err := q.Task(id)
	if err != nil {
		return err
	}
	wasRunning := t.Status() == core.StatusRunning
	if !t.Cancel() {
		return fmt.Errorf("cancel task %s: already %s", id, t.Status())
	}
	q.stopRetryTimer(id)
	if !wasRunning {
		q.finalize(t)
	}
	q.logger.Info("task cancelled", zap.String("task", id))
	return nil
}

// RemoveTask removes a task from the live set, cancelling it first if it is
// still cancellable
func (q *Queue) RemoveTask(id string) error {
	t, err := q.Task(id)
	if err != nil {
		return err
	}
	if !t.Status().Terminal() {
		wasRunning := t.Status() == core.StatusRunning
		if t.Cancel() && !wasRunning {
			q.finalize(t)
		}
	}
	q.stopRetryTimer(id)
	q.mu.Lock()
	delete(q.tasks, id)
	delete(q.seq, id)
	q.mu.Unlock()
	q.schedule()
	return nil
}

// PauseAll pauses every running task and suppresses scheduling
func (q *Queue) PauseAll() {
	q.mu.Lock()
	q.paused = true
	running := q.liveByStatus(core.StatusRunning)
	q.mu.Unlock()

	for _, t := range running {
		t.Pause()
	}
	q.logger.Info("queue paused", zap.Int("paused_tasks", len(running)))
}

// ResumeAll lifts the queue pause and re-queues paused tasks
func (q *Queue) ResumeAll() {
	q.mu.Lock()
	q.paused = false
	paused := q.liveByStatus(core.StatusPaused)
	q.mu.Unlock()

	for _, t := range paused {
		t.Resume()
	}
	q.logger.Info("queue resumed")
	q.schedule()
}

// ClearCompleted drops completed tasks from the live set
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, t := range q.tasks {
		if t.Status() == core.StatusCompleted {
			delete(q.tasks, id)
			delete(q.seq, id)
			n++
		}
	}
	return n
}

// ClearAll cancels whatever is cancellable and drops every task
func (q *Queue) ClearAll() {
	q.mu.Lock()
	all := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		all = append(all, t)
	}
	q.tasks = make(map[string]*task.Task)
	q.seq = make(map[string]uint64)
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	for _, t := range all {
		t.Cancel()
	}
}

// GetStats returns counts of the live task set by status
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	tasks := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t)
	}
	q.mu.Unlock()

	var s Stats
	s.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status() {
		case core.StatusPending:
			s.Pending++
		case core.StatusRunning:
			s.Running++
		case core.StatusPaused:
			s.Paused++
		case core.StatusCompleted:
			s.Completed++
		case core.StatusFailed:
			s.Failed++
		case core.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// SetMaxConcurrent changes the concurrency bound, floor 1, and schedules a
// pass in case the bound was raised
func (q *Queue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
	q.schedule()
}

// SetRetryPolicy replaces the retry policy for subsequent failures
func (q *Queue) SetRetryPolicy(p retry.Policy) {
	q.mu.Lock()
	q.policy = p
	q.mu.Unlock()
}

// liveByStatus returns live tasks in a given status. Caller holds mu.
func (q *Queue) liveByStatus(status core.TaskStatus) []*task.Task {
	var out []*task.Task
	for _, t := range q.tasks {
		if t.Status() == status {
			out = append(out, t)
		}
	}
	return out
}

// schedule runs one scheduling pass: it starts pending tasks in priority
// order (then FIFO) until the concurrency bound is hit. The pass is the only
// code that moves tasks into running, so two passes can't double-start one.
func (q *Queue) schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.closed {
		return
	}

	pending := q.liveByStatus(core.StatusPending)
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := pending[i].Priority(), pending[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return q.seq[pending[i].ID()] < q.seq[pending[j].ID()]
	})

	for _, t := range pending {
		if q.running >= q.maxConcurrent {
			break
		}
		if !t.Start() {
			continue
		}
		q.running++
		q.wg.Add(1)
		go q.run(t)
	}
}

// run drives one task through its executor and classifies the outcome
func (q *Queue) run(t *task.Task) {
	defer q.wg.Done()

	q.logger.Info("task running", zap.String("task", t.ID()))
	err := q.exec.Run(context.Background(), t)

	switch {
	case err == nil:
		t.Complete()
		q.publishFinal(t)
		q.logger.Info("task completed", zap.String("task", t.ID()),
			zap.Int64("bytes", t.Transferred()))
		q.finalize(t)

	case errors.Is(err, core.ErrTransferAborted):
		switch t.Handle().Reason() {
		case task.AbortPause:
			// Pause is not a failure: the task stays paused with its
			// progress intact so resume can continue.
			q.logger.Info("task paused mid-flight", zap.String("task", t.ID()),
				zap.Int64("transferred", t.Transferred()))
		default:
			// Cancelled: status is already terminal, clean up the
			// partial artifact.
			q.cleanup(t)
			q.finalize(t)
		}

	default:
		q.handleFailure(t, err)
	}

	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	q.schedule()
}

// handleFailure records the error and either schedules a retry with backoff
// or fails the task permanently. The retry decision is made exactly once per
// failure, here and nowhere else.
func (q *Queue) handleFailure(t *task.Task, err error) {
	q.mu.Lock()
	policy := q.policy
	closed := q.closed
	q.mu.Unlock()

	retrying := !closed && policy.Enabled && core.Retryable(err) && t.IncrementRetry()
	if retrying {
		// Arm the timer before the task shows as failed, so a watcher
		// draining the queue never observes a failed task without its
		// pending retry. Requeue refuses until Fail lands, and the delay
		// dwarfs that window. No resource is held during the backoff.
		delay := policy.DelayFor(t.RetryCount())
		q.mu.Lock()
		q.timers[t.ID()] = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, t.ID())
			q.mu.Unlock()
			if t.Requeue() {
				q.schedule()
			}
		})
		q.mu.Unlock()
	}

	if !t.Fail(err.Error()) {
		// The task went terminal while the error was surfacing, usually a
		// cancel racing a connection error. Honor the cancel: clean up the
		// partial artifact and never retry.
		q.stopRetryTimer(t.ID())
		if t.Status() == core.StatusCancelled {
			q.cleanup(t)
		}
		q.finalize(t)
		return
	}

	if retrying {
		q.logger.Warn("task failed, retrying",
			zap.String("task", t.ID()),
			zap.Int("retry", t.RetryCount()),
			zap.Duration("delay", policy.DelayFor(t.RetryCount())),
			zap.Error(err))
		return
	}

	q.logger.Error("task failed permanently",
		zap.String("task", t.ID()),
		zap.Int("retries", t.RetryCount()),
		zap.Error(err))
	q.finalize(t)
}

// cleanup removes the partial artifact of a cancelled task, best-effort
func (q *Queue) cleanup(t *task.Task) {
	if err := q.exec.Cleanup(context.Background(), t); err != nil {
		// Cleanup failures are logged, never propagated: they must not
		// mask the transfer outcome.
		q.logger.Warn("cleanup partial artifact", zap.String("task", t.ID()), zap.Error(err))
	}
}

// finalize hands a terminal task to the history sink
func (q *Queue) finalize(t *task.Task) {
	if !t.Status().Terminal() {
		return
	}
	if q.history != nil {
		if err := q.history.Record(t.Record()); err != nil {
			q.logger.Warn("record task history", zap.String("task", t.ID()), zap.Error(err))
		}
	}
}

// publishFinal pushes the terminal 100% update
func (q *Queue) publishFinal(t *task.Task) {
	if q.progress == nil {
		return
	}
	v := t.Snapshot()
	q.progress.Publish(core.ProgressUpdate{
		TaskID:      v.ID,
		Transferred: v.Transferred,
		Total:       v.Size,
		Speed:       0,
		Chunks:      v.Chunks,
	})
}

// HasPendingRetry reports whether a failed task has a retry scheduled. A
// caller waiting for the queue to drain must not treat such a task as final:
// its failed status is provisional until the backoff timer fires or is
// stopped.
func (q *Queue) HasPendingRetry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.timers[id]
	return ok
}

func (q *Queue) stopRetryTimer(id string) {
	q.mu.Lock()
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
}

// Close pauses running tasks, stops retry timers, and waits for in-flight
// runs to wind down. Tasks are left resumable; nothing is persisted.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	running := q.liveByStatus(core.StatusRunning)
	q.mu.Unlock()

	for _, t := range running {
		t.Pause()
	}
	q.wg.Wait()
}
