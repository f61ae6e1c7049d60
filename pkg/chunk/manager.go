// Package chunk implements parallel chunked transfers for large files. A
// file is split into byte-range chunks that move concurrently over separate
// pooled sessions.
package chunk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/larrydiffey/sftpipe/pkg/core"
	"github.com/larrydiffey/sftpipe/pkg/pool"
	"github.com/larrydiffey/sftpipe/pkg/progress"
	"github.com/larrydiffey/sftpipe/pkg/task"
)

// Defaults for chunked transfers
const (
	DefaultThreshold     = 100 * 1024 * 1024 // files above this are chunked
	DefaultChunkSize     = 10 * 1024 * 1024
	DefaultMaxConcurrent = 4
	copyBufferSize       = 256 * 1024
)

// Options configures the chunk manager
type Options struct {
	Enabled        bool  // parallel transfer enabled at all
	Threshold      int64 // minimum file size for chunking
	ChunkSize      int64
	MaxConcurrent  int  // chunks in flight at once
	VerifyChecksum bool // post-transfer integrity check
	PreserveAttrs  bool // post-transfer permission/mtime copy
}

func (o *Options) applyDefaults() {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
}

// Manager drives parallel chunked transfers over the session pool
type Manager struct {
	pool   *pool.Pool
	opts   Options
	logger *zap.Logger
}

// New creates a chunk manager
func New(p *pool.Pool, opts Options, logger *zap.Logger) *Manager {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{pool: p, opts: opts, logger: logger}
}

// Eligible reports whether a transfer should be chunked: parallel enabled,
// size above the threshold, and not a resume from a nonzero offset.
func (m *Manager) Eligible(size, resumeOffset int64) bool {
	return m.opts.Enabled && size > m.opts.Threshold && resumeOffset == 0
}

// Request describes one chunked transfer
type Request struct {
	Task       *task.Task
	Host       core.Host
	Auth       core.AuthDescriptor
	Direction  core.Direction
	LocalPath  string
	RemotePath string
	Size       int64

	// OnProgress receives cumulative transferred bytes, the current rate,
	// and a copy of per-chunk progress. Called from multiple goroutines.
	OnProgress func(transferred, speed int64, chunks []core.ChunkProgress)
}

// chunkState tracks one chunk during a transfer
type chunkState struct {
	core.ChunkProgress
	meter *progress.Meter
}

// Transfer moves the file in parallel chunks. A failed chunk cancels the
// remaining ones and fails the whole transfer; retry happens at the task
// level, never per chunk.
func (m *Manager) Transfer(ctx context.Context, req Request) error {
	if req.Size <= 0 {
		return fmt.Errorf("chunked transfer of %s: size unknown", req.RemotePath)
	}

	count := int((req.Size + m.opts.ChunkSize - 1) / m.opts.ChunkSize)
	chunks := make([]*chunkState, count)
	for i := range chunks {
		start := int64(i) * m.opts.ChunkSize
		end := start + m.opts.ChunkSize
		if end > req.Size {
			end = req.Size
		}
		chunks[i] = &chunkState{
			ChunkProgress: core.ChunkProgress{
				Index: i, Start: start, End: end, Size: end - start,
				Status: core.ChunkPending,
			},
			meter: progress.NewMeter(),
		}
	}

	m.logger.Debug("chunked transfer starting",
		zap.String("task", req.Task.ID()),
		zap.Int64("size", req.Size),
		zap.Int("chunks", count),
		zap.Int("max_concurrent", m.opts.MaxConcurrent))

	local, err := m.openLocal(req)
	if err != nil {
		return err
	}
	defer local.Close()

	if req.Direction == core.DirectionUpload {
		if err := m.prepareRemote(ctx, req); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, m.opts.MaxConcurrent)
	tracker := &tracker{chunks: chunks, req: req}

	for _, c := range chunks {
		select {
		case <-runCtx.Done():
		case <-req.Task.Handle().Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(c *chunkState) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := m.transferChunk(runCtx, req, local, c, tracker); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					mu.Unlock()
				}
			}(c)
			continue
		}
		break
	}
	wg.Wait()

	if h := req.Task.Handle(); h.Aborted() {
		return fmt.Errorf("chunked transfer of %s: %w", req.RemotePath, core.ErrTransferAborted)
	}
	if firstErr != nil {
		return firstErr
	}
	for _, c := range chunks {
		if status := tracker.status(c); status != core.ChunkCompleted {
			return fmt.Errorf("chunked transfer of %s: chunk %d left %s", req.RemotePath, c.Index, status)
		}
	}

	if m.opts.VerifyChecksum {
		if err := m.verify(ctx, req); err != nil {
			return err
		}
	}
	if m.opts.PreserveAttrs {
		// Attribute failures never fail the transfer.
		if err := m.preserveAttrs(ctx, req); err != nil {
			m.logger.Warn("preserve attributes", zap.String("task", req.Task.ID()), zap.Error(err))
		}
	}
	return nil
}

// openLocal opens the local side: read for uploads, pre-sized write for
// downloads so chunks can land at their offsets in any order.
func (m *Manager) openLocal(req Request) (*os.File, error) {
	if req.Direction == core.DirectionUpload {
		f, err := os.Open(req.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", req.LocalPath, err)
		}
		return f, nil
	}
	f, err := os.OpenFile(req.LocalPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", req.LocalPath, err)
	}
	if err := f.Truncate(req.Size); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate %s: %w", req.LocalPath, err)
	}
	return f, nil
}

// prepareRemote readies the remote side of an upload before any chunk is
// dispatched: the parent directory exists and the destination is pre-sized,
// so out-of-order chunk writes land in a clean file with no stale tail from
// a larger pre-existing one. Chunking never resumes, so truncation is safe.
func (m *Manager) prepareRemote(ctx context.Context, req Request) error {
	lease, err := m.pool.Acquire(ctx, req.Host, req.Auth)
	if err != nil {
		return err
	}
	session := lease.Session()

	if dir := path.Dir(req.RemotePath); dir != "." && dir != "/" {
		if err := session.Mkdir(ctx, dir); err != nil {
			lease.Discard()
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := session.Create(ctx, req.RemotePath)
	if err != nil {
		lease.Discard()
		return fmt.Errorf("create %s: %w", req.RemotePath, err)
	}
	f.Close()
	if err := session.Truncate(ctx, req.RemotePath, req.Size); err != nil {
		lease.Discard()
		return fmt.Errorf("preallocate %s: %w", req.RemotePath, err)
	}

	lease.Release()
	return nil
}

// transferChunk moves one byte range over its own pooled session
func (m *Manager) transferChunk(ctx context.Context, req Request, local *os.File, c *chunkState, tr *tracker) error {
	lease, err := m.pool.Acquire(ctx, req.Host, req.Auth)
	if err != nil {
		tr.setStatus(c, core.ChunkFailed)
		return fmt.Errorf("chunk %d: %w", c.Index, err)
	}

	tr.setStatus(c, core.ChunkTransferring)

	var copyErr error
	if req.Direction == core.DirectionUpload {
		copyErr = m.copyRange(ctx, req, c, tr, local, nil, lease.Session())
	} else {
		copyErr = m.copyRange(ctx, req, c, tr, nil, local, lease.Session())
	}
	if copyErr != nil {
		tr.setStatus(c, core.ChunkFailed)
		// A broken session is not returned to the pool.
		lease.Discard()
		return copyErr
	}

	tr.setStatus(c, core.ChunkCompleted)
	lease.Release()
	return nil
}

// copyRange copies one chunk's byte range. Exactly one of src/dst is the
// local file; the other side goes through the remote session.
func (m *Manager) copyRange(ctx context.Context, req Request, c *chunkState, tr *tracker,
	localSrc, localDst *os.File, session core.RemoteSession) error {

	var remote core.RemoteFile
	var err error
	if req.Direction == core.DirectionUpload {
		remote, err = session.Create(ctx, req.RemotePath)
	} else {
		remote, err = session.Open(ctx, req.RemotePath)
	}
	if err != nil {
		return fmt.Errorf("chunk %d open remote %s: %w", c.Index, req.RemotePath, err)
	}
	defer remote.Close()

	var src io.ReaderAt
	var dst io.WriterAt
	if req.Direction == core.DirectionUpload {
		src, dst = localSrc, remote
	} else {
		src, dst = remote, localDst
	}

	buf := make([]byte, copyBufferSize)
	offset := c.Start
	for offset < c.End {
		// Cancellation is checked at each buffer boundary.
		select {
		case <-ctx.Done():
			return fmt.Errorf("chunk %d: %w", c.Index, core.ErrTransferAborted)
		case <-req.Task.Handle().Done():
			return fmt.Errorf("chunk %d: %w", c.Index, core.ErrTransferAborted)
		default:
		}

		n := int64(len(buf))
		if remaining := c.End - offset; remaining < n {
			n = remaining
		}
		read, err := src.ReadAt(buf[:n], offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("chunk %d read at %d: %w", c.Index, offset, err)
		}
		if read == 0 {
			return fmt.Errorf("chunk %d: short read at %d", c.Index, offset)
		}
		if _, err := dst.WriteAt(buf[:read], offset); err != nil {
			return fmt.Errorf("chunk %d write at %d: %w", c.Index, offset, err)
		}
		offset += int64(read)
		tr.advance(c, offset-c.Start)
	}
	return nil
}

// tracker aggregates per-chunk progress into task-level progress. The
// invariant it maintains: task transferred equals the sum of chunk
// transferred while the transfer is active.
type tracker struct {
	mu     sync.Mutex
	chunks []*chunkState
	req    Request
}

func (t *tracker) setStatus(c *chunkState, s core.ChunkStatus) {
	t.mu.Lock()
	c.Status = s
	t.mu.Unlock()
	t.publish()
}

func (t *tracker) status(c *chunkState) core.ChunkStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.Status
}

func (t *tracker) advance(c *chunkState, transferred int64) {
	t.mu.Lock()
	c.Transferred = transferred
	c.Speed = c.meter.Observe(transferred)
	t.mu.Unlock()
	t.publish()
}

func (t *tracker) publish() {
	if t.req.OnProgress == nil {
		return
	}
	t.mu.Lock()
	var total, speed int64
	snapshot := make([]core.ChunkProgress, len(t.chunks))
	for i, c := range t.chunks {
		total += c.Transferred
		speed += c.Speed
		snapshot[i] = c.ChunkProgress
	}
	t.mu.Unlock()
	t.req.OnProgress(total, speed, snapshot)
}
