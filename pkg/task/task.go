// Package task implements the transfer task state machine: one task per file
// or directory entry, with lifecycle, progress, and retry state.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// Task is a single transfer with its lifecycle, progress, and retry state.
// All mutation goes through methods; the zero value is not usable.
type Task struct {
	mu sync.Mutex

	id         string
	direction  core.Direction
	status     core.TaskStatus
	priority   core.Priority
	hostID     string
	localPath  string
	remotePath string

	size        int64 // 0 until known
	transferred int64
	speed       int64   // bytes per second
	progress    float64 // 0-100, monotone while running
	chunks      []core.ChunkProgress

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	retryCount int
	maxRetries int
	lastErr    string

	handle *Handle
}

// New creates a pending task. Priority is derived from size; a size of zero
// means unknown and defaults to normal priority until the size is discovered.
func New(direction core.Direction, hostID, localPath, remotePath string, size int64) *Task {
	t := &Task{
		id:         uuid.NewString(),
		direction:  direction,
		status:     core.StatusPending,
		priority:   core.PriorityNormal,
		hostID:     hostID,
		localPath:  localPath,
		remotePath: remotePath,
		createdAt:  time.Now(),
		maxRetries: 3,
		handle:     NewHandle(),
	}
	if size > 0 {
		t.size = size
		t.priority = core.PriorityForSize(size)
	}
	return t
}

// ID returns the task id
func (t *Task) ID() string { return t.id }

// Direction returns the transfer direction
func (t *Task) Direction() core.Direction { return t.direction }

// HostID returns the host reference
func (t *Task) HostID() string { return t.hostID }

// LocalPath returns the local path
func (t *Task) LocalPath() string { return t.localPath }

// RemotePath returns the remote path
func (t *Task) RemotePath() string { return t.remotePath }

// Status returns the current lifecycle state
func (t *Task) Status() core.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Priority returns the current scheduling priority
func (t *Task) Priority() core.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// CreatedAt returns the creation timestamp
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Size returns the byte size, zero if not yet known
func (t *Task) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Transferred returns the bytes moved so far
func (t *Task) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Progress returns the completion percentage (0-100)
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// LastError returns the most recent failure message
func (t *Task) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// RetryCount returns the number of retries consumed
func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// SetMaxRetries sets the retry budget
func (t *Task) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n >= 0 {
		t.maxRetries = n
	}
}

// MaxRetries returns the retry budget
func (t *Task) MaxRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRetries
}

// Handle returns the current cancellation handle
func (t *Task) Handle() *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// SetSize records the size once discovered and rederives priority
func (t *Task) SetSize(size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if size <= 0 || t.size == size {
		return
	}
	t.size = size
	t.priority = core.PriorityForSize(size)
}

// Start moves the task from pending to running, replacing its cancellation
// handle with a fresh one so a previous pause or cancel cannot leak through.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != core.StatusPending {
		return false
	}
	t.status = core.StatusRunning
	if t.startedAt == nil {
		now := time.Now()
		t.startedAt = &now
	}
	t.handle = NewHandle()
	return true
}

// Complete marks the task completed. Only valid from running.
func (t *Task) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != core.StatusRunning {
		return false
	}
	t.status = core.StatusCompleted
	t.progress = 100
	if t.size > 0 {
		t.transferred = t.size
	}
	now := time.Now()
	t.completedAt = &now
	return true
}

// Fail marks the task failed. The first failure's message wins, and a task
// already completed or cancelled stays that way: an error surfacing after a
// concurrent cancel must not overwrite the terminal state.
func (t *Task) Fail(msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = core.StatusFailed
	t.lastErr = msg
	now := time.Now()
	t.completedAt = &now
	return true
}

// Cancel marks the task cancelled and aborts any in-flight operation.
// Refused once the task is already completed or failed.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.status == core.StatusCompleted || t.status == core.StatusFailed {
		t.mu.Unlock()
		return false
	}
	t.status = core.StatusCancelled
	now := time.Now()
	t.completedAt = &now
	h := t.handle
	t.mu.Unlock()

	h.Abort(AbortCancel)
	return true
}

// Pause demotes a running task to paused, aborting its in-flight operation
// while preserving transferred bytes and progress. A pending task pauses
// without an abort.
func (t *Task) Pause() bool {
	t.mu.Lock()
	if t.status != core.StatusRunning && t.status != core.StatusPending {
		t.mu.Unlock()
		return false
	}
	running := t.status == core.StatusRunning
	t.status = core.StatusPaused
	t.speed = 0
	h := t.handle
	t.mu.Unlock()

	if running {
		h.Abort(AbortPause)
	}
	return true
}

// Resume re-queues a paused task. It re-enters pending rather than running
// so the scheduler decides when it actually restarts.
func (t *Task) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != core.StatusPaused {
		return false
	}
	t.status = core.StatusPending
	return true
}

// Requeue moves a failed task back to pending for a retry
func (t *Task) Requeue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != core.StatusFailed {
		return false
	}
	t.status = core.StatusPending
	return true
}

// IncrementRetry consumes one retry. Returns false once the budget is spent;
// the count never exceeds maxRetries.
func (t *Task) IncrementRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retryCount >= t.maxRetries {
		return false
	}
	t.retryCount++
	return true
}

// UpdateProgress records transferred bytes and speed. Progress is monotone
// while running: a late or out-of-order report never moves it backwards.
func (t *Task) UpdateProgress(transferred, speed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != core.StatusRunning {
		return
	}
	if transferred > t.transferred {
		t.transferred = transferred
	}
	if t.size > 0 && t.transferred > t.size {
		t.transferred = t.size
	}
	t.speed = speed
	if t.size > 0 {
		pct := float64(t.transferred) / float64(t.size) * 100
		if pct > 100 {
			pct = 100
		}
		if pct > t.progress {
			t.progress = pct
		}
	}
}

// SetChunks records per-chunk progress for parallel transfers
func (t *Task) SetChunks(chunks []core.ChunkProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = chunks
}

// ResumeOffset returns the byte offset a resumed transfer continues from
func (t *Task) ResumeOffset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// View is a point-in-time copy of a task for display and stats
type View struct {
	ID          string
	Direction   core.Direction
	Status      core.TaskStatus
	Priority    core.Priority
	HostID      string
	LocalPath   string
	RemotePath  string
	Size        int64
	Transferred int64
	Speed       int64
	Progress    float64
	Chunks      []core.ChunkProgress
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Snapshot returns a consistent copy of the task state
func (t *Task) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{
		ID:          t.id,
		Direction:   t.direction,
		Status:      t.status,
		Priority:    t.priority,
		HostID:      t.hostID,
		LocalPath:   t.localPath,
		RemotePath:  t.remotePath,
		Size:        t.size,
		Transferred: t.transferred,
		Speed:       t.speed,
		Progress:    t.progress,
		RetryCount:  t.retryCount,
		LastError:   t.lastErr,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
	if len(t.chunks) > 0 {
		v.Chunks = append([]core.ChunkProgress(nil), t.chunks...)
	}
	return v
}

// Record converts the task into the immutable form handed to the history sink
func (t *Task) Record() core.TaskRecord {
	v := t.Snapshot()
	return core.TaskRecord{
		ID:          v.ID,
		Direction:   v.Direction,
		Status:      v.Status,
		HostID:      v.HostID,
		LocalPath:   v.LocalPath,
		RemotePath:  v.RemotePath,
		Size:        v.Size,
		Transferred: v.Transferred,
		RetryCount:  v.RetryCount,
		Error:       v.LastError,
		CreatedAt:   v.CreatedAt,
		StartedAt:   v.StartedAt,
		CompletedAt: v.CompletedAt,
	}
}
