package pool

import (
	"sync"
	"time"
)

// Op identifies a pool operation recorded against an entry
type Op string

const (
	OpCreate  Op = "create"
	OpAcquire Op = "acquire"
	OpReuse   Op = "reuse"
	OpRelease Op = "release"
)

// Event is one recorded pool operation
type Event struct {
	Op   Op
	Time time.Time
}

// opLog is a fixed-capacity circular buffer of recent operations on a pool
// entry. Old events are overwritten; the log never grows.
type opLog struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

func newOpLog(capacity int) *opLog {
	if capacity <= 0 {
		capacity = 16
	}
	return &opLog{buf: make([]Event, capacity)}
}

func (l *opLog) record(op Op) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = Event{Op: op, Time: time.Now()}
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// events returns the recorded operations, oldest first
func (l *opLog) events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, l.count)
	start := l.next - l.count
	if start < 0 {
		start += len(l.buf)
	}
	for i := 0; i < l.count; i++ {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	return out
}
