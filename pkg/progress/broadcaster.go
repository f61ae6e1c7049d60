// Package progress distributes transfer progress to subscribers and
// computes transfer rates.
package progress

import (
	"sync"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// Broadcaster fans progress updates out to subscribers. It implements
// core.ProgressSink.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan core.ProgressUpdate]struct{}
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan core.ProgressUpdate]struct{}),
	}
}

// Subscribe adds a subscriber and returns its update channel. The caller
// must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan core.ProgressUpdate {
	ch := make(chan core.ProgressUpdate, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broadcaster) Unsubscribe(ch chan core.ProgressUpdate) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an update to all subscribers. Non-blocking: updates are
// dropped for slow consumers rather than stalling the transfer.
func (b *Broadcaster) Publish(update core.ProgressUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- update:
		default:
			// Drop for slow consumer
		}
	}
}

// Count returns the current number of subscribers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
