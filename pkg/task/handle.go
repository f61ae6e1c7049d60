package task

import (
	"sync"
)

// AbortReason distinguishes why an in-flight operation was aborted
type AbortReason int

const (
	// AbortNone means no abort was requested
	AbortNone AbortReason = iota

	// AbortPause means the abort came from a pause; the task is resumable
	AbortPause

	// AbortCancel means the abort came from a cancel; the task is terminal
	AbortCancel
)

// Handle is a cooperative cancellation token. Operations check it at natural
// boundaries (progress callbacks, chunk boundaries) and stop promptly; there
// is no preemptive interruption.
type Handle struct {
	mu     sync.Mutex
	done   chan struct{}
	reason AbortReason
}

// NewHandle creates an unaborted handle
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Abort requests the operation to stop. The first call wins; later calls
// are no-ops so a pause followed by a cancel keeps the pause reason.
func (h *Handle) Abort(reason AbortReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason != AbortNone {
		return
	}
	h.reason = reason
	close(h.done)
}

// Aborted reports whether an abort has been requested
func (h *Handle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason != AbortNone
}

// Reason returns why the handle was aborted, AbortNone if it wasn't
func (h *Handle) Reason() AbortReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Done returns a channel closed when an abort is requested
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
