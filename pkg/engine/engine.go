// Package engine wires the transfer components into one explicitly
// constructed unit with an Initialize/Shutdown lifecycle. There is no
// global state: callers hold the Engine and pass it where it's needed.
package engine

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/larrydiffey/sftpipe/pkg/chunk"
	"github.com/larrydiffey/sftpipe/pkg/config"
	"github.com/larrydiffey/sftpipe/pkg/core"
	"github.com/larrydiffey/sftpipe/pkg/delta"
	"github.com/larrydiffey/sftpipe/pkg/pool"
	"github.com/larrydiffey/sftpipe/pkg/progress"
	"github.com/larrydiffey/sftpipe/pkg/queue"
	"github.com/larrydiffey/sftpipe/pkg/retry"
	"github.com/larrydiffey/sftpipe/pkg/task"
)

// Engine owns the session pool, chunk manager, and transfer queue
type Engine struct {
	cfg      *config.Config
	registry core.HostRegistry
	creds    core.CredentialStore
	factory  core.SessionFactory
	logger   *zap.Logger

	pool        *pool.Pool
	chunks      *chunk.Manager
	queue       *queue.Queue
	broadcaster *progress.Broadcaster
	history     core.HistorySink

	initialized bool
}

// New creates an engine. Call Initialize before use and Shutdown when done.
func New(cfg *config.Config, registry core.HostRegistry, creds core.CredentialStore,
	factory core.SessionFactory, history core.HistorySink, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		creds:    creds,
		factory:  factory,
		history:  history,
		logger:   logger,
	}
}

// Initialize constructs the pool, chunk manager, and queue
func (e *Engine) Initialize() error {
	if e.initialized {
		return nil
	}
	e.broadcaster = progress.NewBroadcaster()
	e.pool = pool.New(e.factory, e.cfg.PoolOptions(), e.logger.Named("pool"))
	e.chunks = chunk.New(e.pool, e.cfg.ChunkOptions(), e.logger.Named("chunk"))

	exec := queue.NewTransferExecutor(e.pool, e.chunks, e.registry, e.creds,
		e.broadcaster, e.logger.Named("executor"))
	e.queue = queue.New(exec, queue.Options{
		MaxConcurrent: e.cfg.Queue.MaxConcurrent,
		RetryPolicy:   e.cfg.RetryPolicy(),
	}, e.broadcaster, e.history, e.logger.Named("queue"))

	e.initialized = true
	return nil
}

// Shutdown winds down the queue and closes every pooled session
func (e *Engine) Shutdown() error {
	if !e.initialized {
		return nil
	}
	e.queue.Close()
	err := e.pool.Close()
	e.initialized = false
	return err
}

// Queue returns the transfer queue
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Pool returns the session pool
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Subscribe returns a progress channel; pair with Unsubscribe
func (e *Engine) Subscribe() chan core.ProgressUpdate { return e.broadcaster.Subscribe() }

// Unsubscribe releases a progress channel
func (e *Engine) Unsubscribe(ch chan core.ProgressUpdate) { e.broadcaster.Unsubscribe(ch) }

// SetRetryPolicy replaces the queue's retry policy
func (e *Engine) SetRetryPolicy(p retry.Policy) { e.queue.SetRetryPolicy(p) }

// Upload queues a single-file upload and returns the task
func (e *Engine) Upload(hostID, localPath, remotePath string, size int64) (*task.Task, error) {
	t := task.New(core.DirectionUpload, hostID, localPath, remotePath, size)
	if err := e.queue.AddTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Download queues a single-file download and returns the task
func (e *Engine) Download(hostID, remotePath, localPath string, size int64) (*task.Task, error) {
	t := task.New(core.DirectionDownload, hostID, localPath, remotePath, size)
	if err := e.queue.AddTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// SyncOptions controls directory synchronization
type SyncOptions struct {
	DeleteRemote    bool
	ExcludePatterns []string
	DryRun          bool
}

// SyncPlan is the result of a directory comparison, with the tasks that
// were queued for it (empty for a dry run)
type SyncPlan struct {
	Diff  *delta.Result
	Tasks []*task.Task
}

// SyncUp compares a local directory against a remote one and queues the
// minimal set of uploads, plus remote deletes when requested. Directory
// entries and deletions execute inline during planning; file uploads go
// through the queue.
func (e *Engine) SyncUp(ctx context.Context, hostID, localRoot, remoteRoot string, opts SyncOptions) (*SyncPlan, error) {
	host, err := e.registry.Lookup(hostID)
	if err != nil {
		return nil, err
	}
	auth, err := e.creds.Lookup(hostID)
	if err != nil {
		return nil, err
	}

	localSnap, err := delta.LocalSnapshot(localRoot)
	if err != nil {
		return nil, err
	}

	lease, err := e.pool.Acquire(ctx, host, auth)
	if err != nil {
		return nil, err
	}
	remoteSnap, err := delta.RemoteSnapshot(ctx, lease.Session(), remoteRoot)
	if err != nil {
		lease.Discard()
		return nil, err
	}

	diff, err := delta.CalculateDiff(localSnap, remoteSnap, delta.Options{
		DeleteRemote:    opts.DeleteRemote,
		ExcludePatterns: opts.ExcludePatterns,
	})
	if err != nil {
		lease.Release()
		return nil, err
	}

	plan := &SyncPlan{Diff: diff}
	if opts.DryRun {
		lease.Release()
		return plan, nil
	}

	// Directories and deletions are quick metadata operations; run them
	// on the planning session rather than as queued tasks.
	for _, entry := range diff.ToUpload {
		if !entry.IsDir {
			continue
		}
		if err := lease.Session().Mkdir(ctx, path.Join(remoteRoot, entry.Path)); err != nil {
			lease.Discard()
			return nil, fmt.Errorf("mkdir %s: %w", entry.Path, err)
		}
	}
	for _, entry := range diff.ToDelete {
		if err := lease.Session().Delete(ctx, path.Join(remoteRoot, entry.Path)); err != nil {
			e.logger.Warn("delete remote path", zap.String("path", entry.Path), zap.Error(err))
		}
	}
	lease.Release()

	var tasks []*task.Task
	for _, entry := range diff.ToUpload {
		if entry.IsDir {
			continue
		}
		tasks = append(tasks, task.New(core.DirectionUpload, hostID,
			filepath.Join(localRoot, filepath.FromSlash(entry.Path)),
			path.Join(remoteRoot, entry.Path), entry.Size))
	}
	if len(tasks) > 0 {
		if err := e.queue.AddTasks(tasks); err != nil {
			return nil, err
		}
	}
	plan.Tasks = tasks
	return plan, nil
}
