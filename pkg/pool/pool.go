// Package pool leases and reuses authenticated remote sessions keyed by host
// identity. Sessions are expensive to establish, so the pool keeps released
// ones idle for reuse and evicts them only after an idle timeout.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// Default pool limits
const (
	DefaultMaxConnections = 5
	DefaultAcquireTimeout = 30 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
	opLogCapacity         = 16
)

// Options configures a Pool
type Options struct {
	MaxConnections int           // live entries per host identity
	AcquireTimeout time.Duration // how long Acquire waits before ErrPoolExhausted
	IdleTimeout    time.Duration // idle entries older than this are evicted
	SweepInterval  time.Duration // how often the eviction sweep runs
}

func (o *Options) applyDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
}

// IdentityKey derives the pool key for a host and credentials. Distinct
// credentials never share an entry, so the credential fingerprint is part
// of the key.
func IdentityKey(host core.Host, auth core.AuthDescriptor) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%v",
		auth.Password, auth.KeyPath, auth.Passphrase, auth.UseAgent)))
	return fmt.Sprintf("%s:%d:%s:%s", host.Address, host.Port, host.User, hex.EncodeToString(sum[:6]))
}

type entryStatus string

const (
	entryIdle   entryStatus = "idle"
	entryLeased entryStatus = "leased"
)

// entry is one pooled session. Leased by at most one caller at a time.
type entry struct {
	id         string
	key        string
	session    core.RemoteSession
	status     entryStatus
	lastUsed   time.Time
	leaseCount int
	log        *opLog
}

// Lease is an exclusive claim on a pooled session. Callers must end every
// lease with exactly one of Release or Discard.
type Lease struct {
	pool  *Pool
	entry *entry
	done  bool
}

// Session returns the leased remote session
func (l *Lease) Session() core.RemoteSession {
	return l.entry.session
}

// Release returns the session to the pool as idle. The underlying session
// stays open for reuse.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.pool.release(l.entry)
}

// Discard removes the session from the pool and closes it. Used when an
// operation error indicates the session is broken, so the next Acquire
// creates a fresh one.
func (l *Lease) Discard() {
	if l.done {
		return
	}
	l.done = true
	l.pool.discard(l.entry)
}

// Pool manages reusable remote sessions
type Pool struct {
	opts    Options
	factory core.SessionFactory
	logger  *zap.Logger

	mu      chanMutex
	entries map[string][]*entry
	pending map[string]int // connects in flight, counted against the cap
	waiters map[string][]chan *entry
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// chanMutex is a channel-based mutex so pool bookkeeping can be released
// while a waiter blocks.
type chanMutex chan struct{}

func (m chanMutex) lock()   { m <- struct{}{} }
func (m chanMutex) unlock() { <-m }

// New creates a pool and starts its background eviction sweep
func New(factory core.SessionFactory, opts Options, logger *zap.Logger) *Pool {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		opts:      opts,
		factory:   factory,
		logger:    logger,
		mu:        make(chanMutex, 1),
		entries:   make(map[string][]*entry),
		pending:   make(map[string]int),
		waiters:   make(map[string][]chan *entry),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire leases a session for the given host and credentials. An idle entry
// for the same identity is reused; otherwise a new session is established if
// the identity is under its connection cap. When the cap is reached, Acquire
// blocks until an entry becomes idle or the wait budget elapses, then fails
// with core.ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, host core.Host, auth core.AuthDescriptor) (*Lease, error) {
	key := IdentityKey(host, auth)
	deadline := time.Now().Add(p.opts.AcquireTimeout)

	for {
		p.mu.lock()
		if p.closed {
			p.mu.unlock()
			return nil, fmt.Errorf("acquire %s: pool is closed", key)
		}

		// Reuse an idle entry if one exists
		if e := p.idleEntry(key); e != nil {
			e.status = entryLeased
			e.leaseCount++
			e.log.record(OpReuse)
			p.mu.unlock()
			p.logger.Debug("session reused", zap.String("identity", key), zap.String("entry", e.id))
			return &Lease{pool: p, entry: e}, nil
		}

		// Establish a new session if under the cap
		if len(p.entries[key])+p.pending[key] < p.opts.MaxConnections {
			p.pending[key]++
			p.mu.unlock()

			sess, err := p.factory.Connect(ctx, host, auth)

			p.mu.lock()
			p.pending[key]--
			if err != nil {
				p.wakeOne(key, nil)
				p.mu.unlock()
				// Connect and auth failures are not retried here; the
				// caller decides at the task level.
				return nil, fmt.Errorf("connect %s: %w: %w", key, core.ErrConnection, err)
			}
			e := &entry{
				id:       uuid.NewString(),
				key:      key,
				session:  sess,
				status:   entryLeased,
				lastUsed: time.Now(),
				log:      newOpLog(opLogCapacity),
			}
			e.leaseCount++
			e.log.record(OpCreate)
			e.log.record(OpAcquire)
			p.entries[key] = append(p.entries[key], e)
			p.mu.unlock()
			p.logger.Debug("session created", zap.String("identity", key), zap.String("entry", e.id))
			return &Lease{pool: p, entry: e}, nil
		}

		// Cap reached: wait for an idle entry or a freed slot
		ch := make(chan *entry, 1)
		p.waiters[key] = append(p.waiters[key], ch)
		p.mu.unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			p.dropWaiter(key, ch)
			return nil, fmt.Errorf("acquire %s: waited %v: %w", key, p.opts.AcquireTimeout, core.ErrPoolExhausted)
		}
		timer := time.NewTimer(wait)
		select {
		case e := <-ch:
			timer.Stop()
			if e == nil {
				// A slot freed up without an idle session; retry the
				// acquire so a fresh connect can claim it.
				continue
			}
			p.logger.Debug("session reused after wait", zap.String("identity", key), zap.String("entry", e.id))
			return &Lease{pool: p, entry: e}, nil
		case <-ctx.Done():
			timer.Stop()
			p.dropWaiter(key, ch)
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-timer.C:
			p.dropWaiter(key, ch)
			return nil, fmt.Errorf("acquire %s: waited %v: %w", key, p.opts.AcquireTimeout, core.ErrPoolExhausted)
		}
	}
}

// idleEntry returns an idle entry for the key, nil if none. Caller holds mu.
func (p *Pool) idleEntry(key string) *entry {
	for _, e := range p.entries[key] {
		if e.status == entryIdle {
			return e
		}
	}
	return nil
}

// wakeOne hands an entry (or a freed slot) to the oldest waiter. The entry,
// when non-nil, is already marked leased. Caller holds mu.
func (p *Pool) wakeOne(key string, e *entry) bool {
	ws := p.waiters[key]
	if len(ws) == 0 {
		return false
	}
	ch := ws[0]
	p.waiters[key] = ws[1:]
	if len(p.waiters[key]) == 0 {
		delete(p.waiters, key)
	}
	ch <- e
	return true
}

func (p *Pool) dropWaiter(key string, ch chan *entry) {
	p.mu.lock()
	ws := p.waiters[key]
	for i, w := range ws {
		if w == ch {
			p.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(p.waiters[key]) == 0 {
		delete(p.waiters, key)
	}
	p.mu.unlock()

	// An entry may have been handed off concurrently with the timeout;
	// return it rather than leaking the lease.
	select {
	case e := <-ch:
		if e != nil {
			p.release(e)
		}
	default:
	}
}

// release marks an entry idle and wakes a waiter if one is queued. The
// underlying session is never closed on release.
func (p *Pool) release(e *entry) {
	p.mu.lock()
	e.lastUsed = time.Now()
	e.log.record(OpRelease)

	// Hand the entry straight to a waiter if one is queued
	ws := p.waiters[e.key]
	if len(ws) > 0 {
		e.leaseCount++
		e.log.record(OpReuse)
		p.wakeOne(e.key, e)
		p.mu.unlock()
		return
	}

	e.status = entryIdle
	p.mu.unlock()
}

// discard removes a broken entry from the pool and closes its session
func (p *Pool) discard(e *entry) {
	p.mu.lock()
	p.removeEntry(e)
	p.wakeOne(e.key, nil)
	p.mu.unlock()

	if err := e.session.Close(); err != nil {
		p.logger.Debug("close discarded session", zap.String("entry", e.id), zap.Error(err))
	}
	p.logger.Debug("session discarded", zap.String("identity", e.key), zap.String("entry", e.id))
}

// removeEntry unlinks an entry from its identity list. Caller holds mu.
func (p *Pool) removeEntry(e *entry) {
	list := p.entries[e.key]
	for i, other := range list {
		if other == e {
			p.entries[e.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.entries[e.key]) == 0 {
		delete(p.entries, e.key)
	}
}

// sweepLoop periodically evicts idle entries older than the idle timeout
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.sweepStop:
			return
		}
	}
}

func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.opts.IdleTimeout)

	p.mu.lock()
	var evicted []*entry
	for _, list := range p.entries {
		for _, e := range list {
			if e.status == entryIdle && e.lastUsed.Before(cutoff) {
				evicted = append(evicted, e)
			}
		}
	}
	for _, e := range evicted {
		p.removeEntry(e)
	}
	p.mu.unlock()

	for _, e := range evicted {
		if err := e.session.Close(); err != nil {
			p.logger.Debug("close evicted session", zap.String("entry", e.id), zap.Error(err))
		}
		p.logger.Debug("idle session evicted", zap.String("identity", e.key), zap.String("entry", e.id))
	}
}

// EntryInfo is a diagnostic view of one pool entry
type EntryInfo struct {
	ID         string
	Identity   string
	Status     string
	LastUsed   time.Time
	LeaseCount int
	Events     []Event
}

// Entries returns a diagnostic snapshot of all pool entries
func (p *Pool) Entries() []EntryInfo {
	p.mu.lock()
	defer p.mu.unlock()
	var out []EntryInfo
	for _, list := range p.entries {
		for _, e := range list {
			out = append(out, EntryInfo{
				ID:         e.id,
				Identity:   e.key,
				Status:     string(e.status),
				LastUsed:   e.lastUsed,
				LeaseCount: e.leaseCount,
				Events:     e.log.events(),
			})
		}
	}
	return out
}

// Live returns the number of live entries for a host identity
func (p *Pool) Live(host core.Host, auth core.AuthDescriptor) int {
	p.mu.lock()
	defer p.mu.unlock()
	return len(p.entries[IdentityKey(host, auth)])
}

// Close stops the sweep and closes every pooled session
func (p *Pool) Close() error {
	p.mu.lock()
	if p.closed {
		p.mu.unlock()
		return nil
	}
	p.closed = true
	var all []*entry
	for _, list := range p.entries {
		all = append(all, list...)
	}
	p.entries = make(map[string][]*entry)
	for key := range p.waiters {
		for _, ch := range p.waiters[key] {
			ch <- nil
		}
	}
	p.waiters = make(map[string][]chan *entry)
	p.mu.unlock()

	close(p.sweepStop)
	<-p.sweepDone

	var firstErr error
	for _, e := range all {
		if err := e.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
