package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larrydiffey/sftpipe/pkg/core"
	"github.com/larrydiffey/sftpipe/pkg/retry"
	"github.com/larrydiffey/sftpipe/pkg/task"
)

// fakeExecutor simulates transfers. Each Run reports full progress and
// completes unless the test arms a failure or a block.
type fakeExecutor struct {
	mu       sync.Mutex
	started  []string // task ids in start order
	cleaned  []string
	failWith error
	abortErr error // returned instead of the abort sentinel when the handle fires
	failures int   // how many runs fail before succeeding; -1 means always

	blocked map[string]chan struct{} // task id -> release channel
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{blocked: make(map[string]chan struct{})}
}

// block makes Run for the given task wait until the returned func is called
// or the task's handle aborts
func (e *fakeExecutor) block(id string) func() {
	ch := make(chan struct{})
	e.mu.Lock()
	e.blocked[id] = ch
	e.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (e *fakeExecutor) Run(ctx context.Context, t *task.Task) error {
	e.mu.Lock()
	e.started = append(e.started, t.ID())
	ch := e.blocked[t.ID()]
	fail := e.failWith
	abort := e.abortErr
	if e.failures > 0 {
		e.failures--
	} else if e.failures == 0 {
		fail = nil
	}
	e.mu.Unlock()

	if ch != nil {
		// Report partial progress before blocking, as a real copy loop
		// would have before noticing the abort
		t.UpdateProgress(t.Size()/2, 0)
		select {
		case <-ch:
		case <-t.Handle().Done():
			if abort != nil {
				return abort
			}
			return core.ErrTransferAborted
		}
	}
	if fail != nil {
		return fail
	}
	t.UpdateProgress(t.Size(), 0)
	return nil
}

func (e *fakeExecutor) Cleanup(ctx context.Context, t *task.Task) error {
	e.mu.Lock()
	e.cleaned = append(e.cleaned, t.ID())
	e.mu.Unlock()
	return nil
}

func (e *fakeExecutor) startOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

func (e *fakeExecutor) cleanedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cleaned...)
}

// memoryHistory collects terminal task records
type memoryHistory struct {
	mu      sync.Mutex
	records []core.TaskRecord
}

func (h *memoryHistory) Record(r core.TaskRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *memoryHistory) all() []core.TaskRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.TaskRecord(nil), h.records...)
}

func waitStatus(t *testing.T, tk *task.Task, want core.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tk.Status() == want
	}, 2*time.Second, 5*time.Millisecond, "task never reached %s, stuck at %s", want, tk.Status())
}

func noRetry() retry.Policy {
	return retry.Policy{Enabled: false, MaxRetries: 0, Delay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestSmallUploadRunsImmediately(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 5, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/small.bin", "/srv/small.bin", 10*1024)
	require.NoError(t, q.AddTask(tk))

	waitStatus(t, tk, core.StatusCompleted)
	v := tk.Snapshot()
	assert.Equal(t, float64(100), v.Progress)
	assert.Equal(t, int64(10*1024), v.Transferred)
	assert.NotNil(t, v.CompletedAt)
}

func TestConcurrencyBoundOneAtATime(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	t1 := task.New(core.DirectionUpload, "h1", "/tmp/a", "/srv/a", 1024)
	release1 := exec.block(t1.ID())
	t2 := task.New(core.DirectionUpload, "h1", "/tmp/b", "/srv/b", 1024)
	release2 := exec.block(t2.ID())
	t3 := task.New(core.DirectionUpload, "h1", "/tmp/c", "/srv/c", 1024)

	require.NoError(t, q.AddTasks([]*task.Task{t1, t2, t3}))

	waitStatus(t, t1, core.StatusRunning)
	assert.Equal(t, core.StatusPending, t2.Status())
	assert.Equal(t, core.StatusPending, t3.Status())
	assert.Equal(t, 1, q.GetStats().Running)

	release1()
	waitStatus(t, t1, core.StatusCompleted)
	waitStatus(t, t2, core.StatusRunning)
	assert.Equal(t, core.StatusPending, t3.Status())

	release2()
	waitStatus(t, t3, core.StatusCompleted)
	assert.Equal(t, []string{t1.ID(), t2.ID(), t3.ID()}, exec.startOrder())
}

func TestPriorityBeforeFIFO(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	// Hold the scheduler busy so the remaining tasks queue up
	gate := task.New(core.DirectionUpload, "h1", "/tmp/gate", "/srv/gate", 1024)
	release := exec.block(gate.ID())
	require.NoError(t, q.AddTask(gate))
	waitStatus(t, gate, core.StatusRunning)

	big := task.New(core.DirectionUpload, "h1", "/tmp/big", "/srv/big", 200*1024*1024)
	normalA := task.New(core.DirectionUpload, "h1", "/tmp/na", "/srv/na", 5*1024*1024)
	small := task.New(core.DirectionUpload, "h1", "/tmp/small", "/srv/small", 500*1024)
	normalB := task.New(core.DirectionUpload, "h1", "/tmp/nb", "/srv/nb", 5*1024*1024)
	require.NoError(t, q.AddTasks([]*task.Task{big, normalA, small, normalB}))

	release()
	for _, tk := range []*task.Task{big, normalA, small, normalB} {
		waitStatus(t, tk, core.StatusCompleted)
	}

	// High priority first, normal in FIFO order, low last
	assert.Equal(t, []string{gate.ID(), small.ID(), normalA.ID(), normalB.ID(), big.ID()}, exec.startOrder())
}

func TestCancelRunningTaskCleansUpPartial(t *testing.T) {
	exec := newFakeExecutor()
	history := &memoryHistory{}
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, history, nil)
	defer q.Close()

	tk := task.New(core.DirectionDownload, "h1", "/tmp/part.bin", "/srv/part.bin", 1024*1024)
	release := exec.block(tk.ID())
	defer release()
	require.NoError(t, q.AddTask(tk))
	waitStatus(t, tk, core.StatusRunning)

	require.NoError(t, q.CancelTask(tk.ID()))
	waitStatus(t, tk, core.StatusCancelled)

	require.Eventually(t, func() bool {
		return len(exec.cleanedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{tk.ID()}, exec.cleanedIDs())
	assert.NotNil(t, tk.Snapshot().CompletedAt)

	require.Eventually(t, func() bool { return len(history.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, core.StatusCancelled, history.all()[0].Status)
}

func TestCancelRacingConnectionErrorStaysCancelled(t *testing.T) {
	exec := newFakeExecutor()
	// The copy loop surfaces a plain connection error instead of the abort
	// sentinel, as a reset racing the cancel would.
	exec.abortErr = errors.New("connection reset by peer")
	history := &memoryHistory{}
	policy := retry.Policy{Enabled: true, MaxRetries: 3, Delay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: policy}, nil, history, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/reset.bin", "/srv/reset.bin", 1024)
	release := exec.block(tk.ID())
	defer release()
	require.NoError(t, q.AddTask(tk))
	waitStatus(t, tk, core.StatusRunning)

	require.NoError(t, q.CancelTask(tk.ID()))

	require.Eventually(t, func() bool {
		return len(exec.cleanedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Well past the retry delay: the task must stay cancelled and never
	// run again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, core.StatusCancelled, tk.Status())
	assert.Len(t, exec.startOrder(), 1)
	assert.False(t, q.HasPendingRetry(tk.ID()))

	require.Len(t, history.all(), 1)
	assert.Equal(t, core.StatusCancelled, history.all()[0].Status)
}

func TestCancelPendingTaskFinalizesDirectly(t *testing.T) {
	exec := newFakeExecutor()
	history := &memoryHistory{}
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, history, nil)
	defer q.Close()

	gate := task.New(core.DirectionUpload, "h1", "/tmp/gate", "/srv/gate", 1024)
	release := exec.block(gate.ID())
	defer release()
	require.NoError(t, q.AddTask(gate))
	waitStatus(t, gate, core.StatusRunning)

	tk := task.New(core.DirectionUpload, "h1", "/tmp/q.bin", "/srv/q.bin", 1024)
	require.NoError(t, q.AddTask(tk))
	assert.Equal(t, core.StatusPending, tk.Status())

	require.NoError(t, q.CancelTask(tk.ID()))
	assert.Equal(t, core.StatusCancelled, tk.Status())
	require.Len(t, history.all(), 1)
	// Never started, so no partial artifact to clean
	assert.Empty(t, exec.cleanedIDs())
}

func TestPausePreservesProgressAndResumeContinues(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/big.bin", "/srv/big.bin", 1024*1024)
	release := exec.block(tk.ID())
	require.NoError(t, q.AddTask(tk))
	waitStatus(t, tk, core.StatusRunning)

	require.NoError(t, q.PauseTask(tk.ID()))
	waitStatus(t, tk, core.StatusPaused)
	// The run reported the bytes it had moved before the abort
	assert.Equal(t, int64(512*1024), tk.Transferred())

	release()
	require.NoError(t, q.ResumeTask(tk.ID()))
	waitStatus(t, tk, core.StatusCompleted)
	assert.Len(t, exec.startOrder(), 2)
}

func TestFailedTaskRetriesWithBackoffThenSucceeds(t *testing.T) {
	exec := newFakeExecutor()
	exec.failures = 2
	exec.failWith = errors.New("connection reset")
	policy := retry.Policy{Enabled: true, MaxRetries: 3, Delay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: policy}, nil, nil, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/flaky.bin", "/srv/flaky.bin", 1024)
	require.NoError(t, q.AddTask(tk))

	waitStatus(t, tk, core.StatusCompleted)
	assert.Equal(t, 2, tk.RetryCount())
	assert.Len(t, exec.startOrder(), 3)
}

func TestHasPendingRetryDuringBackoff(t *testing.T) {
	exec := newFakeExecutor()
	exec.failures = 1
	exec.failWith = errors.New("connection reset")
	policy := retry.Policy{Enabled: true, MaxRetries: 3, Delay: 100 * time.Millisecond, Multiplier: 1, MaxDelay: time.Second}
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: policy}, nil, nil, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/flaky.bin", "/srv/flaky.bin", 1024)
	require.NoError(t, q.AddTask(tk))

	// During the backoff window the task reads as failed, but a caller
	// draining the queue must see the pending retry and keep waiting.
	waitStatus(t, tk, core.StatusFailed)
	assert.True(t, q.HasPendingRetry(tk.ID()))

	waitStatus(t, tk, core.StatusCompleted)
	assert.False(t, q.HasPendingRetry(tk.ID()))
	assert.Len(t, exec.startOrder(), 2)
}

func TestNonRetryableErrorFailsWithoutRetry(t *testing.T) {
	exec := newFakeExecutor()
	exec.failures = -1
	exec.failWith = core.ErrRetryExhausted
	policy := retry.Policy{Enabled: true, MaxRetries: 3, Delay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: time.Second}
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: policy}, nil, nil, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/a.bin", "/srv/a.bin", 1024)
	require.NoError(t, q.AddTask(tk))

	waitStatus(t, tk, core.StatusFailed)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, exec.startOrder(), 1, "a non-retryable failure must not be retried")
	assert.False(t, q.HasPendingRetry(tk.ID()))
	assert.Equal(t, 0, tk.RetryCount())
}

func TestRetryBudgetExhaustedFailsPermanently(t *testing.T) {
	exec := newFakeExecutor()
	exec.failures = -1
	exec.failWith = errors.New("permission denied")
	history := &memoryHistory{}
	policy := retry.Policy{Enabled: true, MaxRetries: 2, Delay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: policy}, nil, history, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/denied.bin", "/srv/denied.bin", 1024)
	require.NoError(t, q.AddTask(tk))

	require.Eventually(t, func() bool {
		return tk.Status() == core.StatusFailed && len(history.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, tk.RetryCount())
	assert.Len(t, exec.startOrder(), 3) // initial run + two retries
	assert.Contains(t, tk.LastError(), "permission denied")
	assert.Equal(t, core.StatusFailed, history.all()[0].Status)
}

func TestRetryDisabledFailsImmediately(t *testing.T) {
	exec := newFakeExecutor()
	exec.failures = -1
	exec.failWith = errors.New("no such file")
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	tk := task.New(core.DirectionUpload, "h1", "/tmp/x", "/srv/x", 1024)
	require.NoError(t, q.AddTask(tk))

	waitStatus(t, tk, core.StatusFailed)
	assert.Equal(t, 0, tk.RetryCount())
	assert.Len(t, exec.startOrder(), 1)
}

func TestPauseAllAndResumeAll(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 2, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	t1 := task.New(core.DirectionUpload, "h1", "/tmp/a", "/srv/a", 1024)
	r1 := exec.block(t1.ID())
	t2 := task.New(core.DirectionUpload, "h1", "/tmp/b", "/srv/b", 1024)
	r2 := exec.block(t2.ID())
	require.NoError(t, q.AddTasks([]*task.Task{t1, t2}))
	waitStatus(t, t1, core.StatusRunning)
	waitStatus(t, t2, core.StatusRunning)

	q.PauseAll()
	waitStatus(t, t1, core.StatusPaused)
	waitStatus(t, t2, core.StatusPaused)
	assert.Equal(t, 2, q.GetStats().Paused)

	r1()
	r2()
	q.ResumeAll()
	waitStatus(t, t1, core.StatusCompleted)
	waitStatus(t, t2, core.StatusCompleted)
}

func TestGetStatsCountsByStatus(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	running := task.New(core.DirectionUpload, "h1", "/tmp/r", "/srv/r", 1024)
	release := exec.block(running.ID())
	defer release()
	pending := task.New(core.DirectionUpload, "h1", "/tmp/p", "/srv/p", 1024)
	require.NoError(t, q.AddTasks([]*task.Task{running, pending}))
	waitStatus(t, running, core.StatusRunning)

	s := q.GetStats()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 1, s.Pending)
}

func TestClearCompletedDropsOnlyCompleted(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 2, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	done := task.New(core.DirectionUpload, "h1", "/tmp/done", "/srv/done", 1024)
	require.NoError(t, q.AddTask(done))
	waitStatus(t, done, core.StatusCompleted)

	held := task.New(core.DirectionUpload, "h1", "/tmp/held", "/srv/held", 1024)
	release := exec.block(held.ID())
	defer release()
	require.NoError(t, q.AddTask(held))
	waitStatus(t, held, core.StatusRunning)

	assert.Equal(t, 1, q.ClearCompleted())
	_, err := q.Task(done.ID())
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
	_, err = q.Task(held.ID())
	assert.NoError(t, err)
}

func TestSetMaxConcurrentRaisesBoundAndSchedules(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, nil, nil)
	defer q.Close()

	t1 := task.New(core.DirectionUpload, "h1", "/tmp/a", "/srv/a", 1024)
	r1 := exec.block(t1.ID())
	defer r1()
	t2 := task.New(core.DirectionUpload, "h1", "/tmp/b", "/srv/b", 1024)
	r2 := exec.block(t2.ID())
	defer r2()
	require.NoError(t, q.AddTasks([]*task.Task{t1, t2}))
	waitStatus(t, t1, core.StatusRunning)
	assert.Equal(t, core.StatusPending, t2.Status())

	q.SetMaxConcurrent(2)
	waitStatus(t, t2, core.StatusRunning)

	// Floor of 1: zero is rejected, running tasks are unaffected
	q.SetMaxConcurrent(0)
	assert.Equal(t, core.StatusRunning, t1.Status())
}

func TestCloseLeavesRunningTasksResumable(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Options{MaxConcurrent: 1, RetryPolicy: noRetry()}, nil, nil, nil)

	tk := task.New(core.DirectionUpload, "h1", "/tmp/a", "/srv/a", 1024)
	release := exec.block(tk.ID())
	defer release()
	require.NoError(t, q.AddTask(tk))
	waitStatus(t, tk, core.StatusRunning)

	q.Close()
	assert.Equal(t, core.StatusPaused, tk.Status())

	err := q.AddTask(task.New(core.DirectionUpload, "h1", "/tmp/b", "/srv/b", 1024))
	assert.Error(t, err)
}
