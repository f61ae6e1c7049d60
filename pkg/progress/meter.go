package progress

import (
	"sync"
	"time"
)

// Meter computes an instantaneous transfer rate from byte counts reported
// over time. It smooths over a short sample window so the rate doesn't
// flap with every buffer flush.
type Meter struct {
	mu         sync.Mutex
	start      time.Time
	lastSample time.Time
	lastBytes  int64
	speed      int64 // bytes per second
}

const sampleWindow = 500 * time.Millisecond

// NewMeter starts a meter at zero bytes
func NewMeter() *Meter {
	now := time.Now()
	return &Meter{start: now, lastSample: now}
}

// Observe records the cumulative byte count and returns the current rate
func (m *Meter) Observe(bytes int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.lastSample)
	if elapsed >= sampleWindow {
		delta := bytes - m.lastBytes
		if delta > 0 {
			m.speed = int64(float64(delta) / elapsed.Seconds())
		} else {
			m.speed = 0
		}
		m.lastBytes = bytes
		m.lastSample = now
	} else if m.speed == 0 {
		// Before the first full window, fall back to the overall average
		total := now.Sub(m.start).Seconds()
		if total > 0 {
			m.speed = int64(float64(bytes) / total)
		}
	}
	return m.speed
}

// Speed returns the most recently computed rate
func (m *Meter) Speed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speed
}

// ETA estimates remaining time at the current rate, zero when unknown
func (m *Meter) ETA(done, total int64) time.Duration {
	m.mu.Lock()
	speed := m.speed
	m.mu.Unlock()
	if speed <= 0 || total <= 0 || done >= total {
		return 0
	}
	return time.Duration(float64(total-done)/float64(speed)) * time.Second
}
