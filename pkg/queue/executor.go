package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/larrydiffey/sftpipe/pkg/chunk"
	"github.com/larrydiffey/sftpipe/pkg/core"
	"github.com/larrydiffey/sftpipe/pkg/pool"
	"github.com/larrydiffey/sftpipe/pkg/progress"
	"github.com/larrydiffey/sftpipe/pkg/task"
)

const copyBufferSize = 128 * 1024

// TransferExecutor performs real transfers over pooled remote sessions.
// Small files move as a single sequential copy; large ones are delegated to
// the chunk manager.
type TransferExecutor struct {
	pool     *pool.Pool
	chunks   *chunk.Manager
	registry core.HostRegistry
	creds    core.CredentialStore
	progress core.ProgressSink
	logger   *zap.Logger
}

// NewTransferExecutor creates an executor. The chunk manager and progress
// sink are optional.
func NewTransferExecutor(p *pool.Pool, cm *chunk.Manager, registry core.HostRegistry,
	creds core.CredentialStore, progressSink core.ProgressSink, logger *zap.Logger) *TransferExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferExecutor{
		pool:     p,
		chunks:   cm,
		registry: registry,
		creds:    creds,
		progress: progressSink,
		logger:   logger,
	}
}

// Run performs the transfer for one task
func (e *TransferExecutor) Run(ctx context.Context, t *task.Task) error {
	host, err := e.registry.Lookup(t.HostID())
	if err != nil {
		return fmt.Errorf("run task %s: %w", t.ID(), err)
	}
	auth, err := e.creds.Lookup(t.HostID())
	if err != nil {
		return fmt.Errorf("run task %s: %w", t.ID(), err)
	}

	size, err := e.resolveSize(ctx, t, host, auth)
	if err != nil {
		return err
	}
	t.SetSize(size)

	resumeOffset := t.ResumeOffset()
	if e.chunks != nil && e.chunks.Eligible(size, resumeOffset) {
		return e.chunks.Transfer(ctx, chunk.Request{
			Task:       t,
			Host:       host,
			Auth:       auth,
			Direction:  t.Direction(),
			LocalPath:  t.LocalPath(),
			RemotePath: t.RemotePath(),
			Size:       size,
			OnProgress: func(transferred, speed int64, chunks []core.ChunkProgress) {
				t.UpdateProgress(transferred, speed)
				t.SetChunks(chunks)
				e.publish(t, chunks)
			},
		})
	}

	return e.sequential(ctx, t, host, auth, size, resumeOffset)
}

// resolveSize determines the transfer size: local stat for uploads, remote
// stat through a pooled session for downloads.
func (e *TransferExecutor) resolveSize(ctx context.Context, t *task.Task, host core.Host, auth core.AuthDescriptor) (int64, error) {
	if t.Direction() == core.DirectionUpload {
		info, err := os.Stat(t.LocalPath())
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", t.LocalPath(), err)
		}
		return info.Size(), nil
	}

	lease, err := e.pool.Acquire(ctx, host, auth)
	if err != nil {
		return 0, err
	}
	info, err := lease.Session().Stat(ctx, t.RemotePath())
	if err != nil {
		lease.Discard()
		return 0, fmt.Errorf("stat %s: %w", t.RemotePath(), err)
	}
	lease.Release()
	return info.Size, nil
}

// sequential moves the file as one stream, continuing from the resume
// offset when the task was previously paused.
func (e *TransferExecutor) sequential(ctx context.Context, t *task.Task, host core.Host,
	auth core.AuthDescriptor, size, offset int64) error {

	lease, err := e.pool.Acquire(ctx, host, auth)
	if err != nil {
		return err
	}
	session := lease.Session()

	var copyErr error
	if t.Direction() == core.DirectionUpload {
		copyErr = e.upload(ctx, t, session, size, offset)
	} else {
		copyErr = e.download(ctx, t, session, size, offset)
	}
	if copyErr != nil {
		if errors.Is(copyErr, core.ErrTransferAborted) {
			// The session itself is healthy after a cooperative abort.
			lease.Release()
		} else {
			lease.Discard()
		}
		return copyErr
	}

	lease.Release()
	return nil
}

func (e *TransferExecutor) upload(ctx context.Context, t *task.Task, session core.RemoteSession, size, offset int64) error {
	src, err := os.Open(t.LocalPath())
	if err != nil {
		return fmt.Errorf("open %s: %w", t.LocalPath(), err)
	}
	defer src.Close()

	if dir := path.Dir(t.RemotePath()); dir != "." && dir != "/" {
		if err := session.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	dst, err := session.Create(ctx, t.RemotePath())
	if err != nil {
		return fmt.Errorf("create %s: %w", t.RemotePath(), err)
	}
	defer dst.Close()

	// Create never truncates so a resume can continue into a partial file.
	// A fresh transfer must drop whatever was there before, or the tail of
	// a larger pre-existing file survives past the copied bytes.
	if offset == 0 {
		if err := session.Truncate(ctx, t.RemotePath(), 0); err != nil {
			return fmt.Errorf("truncate %s: %w", t.RemotePath(), err)
		}
	}

	return e.copy(t, src, dst, size, offset)
}

func (e *TransferExecutor) download(ctx context.Context, t *task.Task, session core.RemoteSession, size, offset int64) error {
	src, err := session.Open(ctx, t.RemotePath())
	if err != nil {
		return fmt.Errorf("open %s: %w", t.RemotePath(), err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(t.LocalPath()), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(t.LocalPath()), err)
	}
	// Truncate on a fresh transfer so a larger pre-existing file leaves no
	// stale tail; a resume keeps the partial content in place.
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	dst, err := os.OpenFile(t.LocalPath(), flags, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", t.LocalPath(), err)
	}
	defer dst.Close()

	return e.copy(t, src, dst, size, offset)
}

// copy moves bytes from src to dst starting at offset, checking the task's
// cancellation handle and reporting progress at each buffer boundary.
func (e *TransferExecutor) copy(t *task.Task, src io.ReaderAt, dst io.WriterAt, size, offset int64) error {
	meter := progress.NewMeter()
	buf := make([]byte, copyBufferSize)
	pos := offset

	for pos < size {
		if t.Handle().Aborted() {
			return fmt.Errorf("transfer %s: %w", t.ID(), core.ErrTransferAborted)
		}

		n := int64(len(buf))
		if remaining := size - pos; remaining < n {
			n = remaining
		}
		read, err := src.ReadAt(buf[:n], pos)
		if err != nil && err != io.EOF {
			return fmt.Errorf("read at %d: %w", pos, err)
		}
		if read == 0 {
			return fmt.Errorf("short read at %d of %d", pos, size)
		}
		if _, err := dst.WriteAt(buf[:read], pos); err != nil {
			return fmt.Errorf("write at %d: %w", pos, err)
		}
		pos += int64(read)

		speed := meter.Observe(pos - offset)
		t.UpdateProgress(pos, speed)
		e.publish(t, nil)
	}
	return nil
}

func (e *TransferExecutor) publish(t *task.Task, chunks []core.ChunkProgress) {
	if e.progress == nil {
		return
	}
	v := t.Snapshot()
	e.progress.Publish(core.ProgressUpdate{
		TaskID:      v.ID,
		Transferred: v.Transferred,
		Total:       v.Size,
		Speed:       v.Speed,
		Chunks:      chunks,
	})
}

// Cleanup removes the incomplete artifact of a cancelled task: the local
// file for downloads, the remote file for uploads.
func (e *TransferExecutor) Cleanup(ctx context.Context, t *task.Task) error {
	if t.Transferred() == 0 {
		return nil
	}

	if t.Direction() == core.DirectionDownload {
		if err := os.Remove(t.LocalPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", t.LocalPath(), err)
		}
		return nil
	}

	host, err := e.registry.Lookup(t.HostID())
	if err != nil {
		return err
	}
	auth, err := e.creds.Lookup(t.HostID())
	if err != nil {
		return err
	}
	lease, err := e.pool.Acquire(ctx, host, auth)
	if err != nil {
		return err
	}
	if err := lease.Session().Delete(ctx, t.RemotePath()); err != nil {
		lease.Discard()
		return fmt.Errorf("remove %s: %w", t.RemotePath(), err)
	}
	lease.Release()
	return nil
}
