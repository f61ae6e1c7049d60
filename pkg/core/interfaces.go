package core

import (
	"context"
	"io"
)

// RemoteFile is an open file on the remote side. Ranged reads and writes let
// the chunk manager move disjoint byte ranges over separate sessions.
type RemoteFile interface {
	io.Reader
	io.Writer
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// RemoteSession is one authenticated session against a remote host. The
// engine only orchestrates calls to it; the wire protocol lives in the
// transport implementation.
type RemoteSession interface {
	// Stat returns metadata for a remote path
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// List returns the entries of a remote directory
	List(ctx context.Context, path string) ([]*FileInfo, error)

	// Open opens a remote file for reading
	Open(ctx context.Context, path string) (RemoteFile, error)

	// Create opens a remote file for writing, creating it if needed.
	// The file is not truncated, so writes can continue a partial upload;
	// a fresh transfer must Truncate explicitly or stale tail bytes from a
	// larger pre-existing file survive.
	Create(ctx context.Context, path string) (RemoteFile, error)

	// Truncate sets the length of a remote file
	Truncate(ctx context.Context, path string, size int64) error

	// Delete removes a remote file
	Delete(ctx context.Context, path string) error

	// Rename moves a remote file or directory
	Rename(ctx context.Context, oldPath, newPath string) error

	// Mkdir creates a remote directory and any missing parents
	Mkdir(ctx context.Context, path string) error

	// Chmod sets permission bits on a remote path
	Chmod(ctx context.Context, path string, mode uint32) error

	// Chtimes sets access and modification times on a remote path
	Chtimes(ctx context.Context, path string, atime, mtime int64) error

	// Close tears down the session
	Close() error
}

// SessionFactory establishes new remote sessions. The pool calls it when no
// idle entry can be reused.
type SessionFactory interface {
	Connect(ctx context.Context, host Host, auth AuthDescriptor) (RemoteSession, error)
}

// HostRegistry is a read-only lookup from host id to endpoint details
type HostRegistry interface {
	Lookup(id string) (Host, error)
}

// CredentialStore is a read-only lookup from host id to an auth descriptor
type CredentialStore interface {
	Lookup(id string) (AuthDescriptor, error)
}

// ProgressSink receives progress updates. Delivery is best-effort; a slow
// consumer must not stall the transfer.
type ProgressSink interface {
	Publish(update ProgressUpdate)
}

// HistorySink records finished tasks durably. The engine keeps only live
// tasks in memory.
type HistorySink interface {
	Record(record TaskRecord) error
}
