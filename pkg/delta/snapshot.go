package delta

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// LocalSnapshot walks a local directory tree and returns a snapshot of
// relative paths to file metadata. Paths use forward slashes.
func LocalSnapshot(root string) (core.Snapshot, error) {
	snap := make(core.Snapshot)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		snap[filepath.ToSlash(rel)] = core.FileInfo{
			Name:    d.Name(),
			Size:    info.Size(),
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime(),
			IsDir:   d.IsDir(),
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("local snapshot of %s: %w", root, err)
		}
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return snap, nil
}

// RemoteSnapshot lists a remote directory tree through a session and returns
// a snapshot keyed by path relative to root. A missing root yields an empty
// snapshot, so a first sync against a fresh directory uploads everything.
func RemoteSnapshot(ctx context.Context, session core.RemoteSession, root string) (core.Snapshot, error) {
	snap := make(core.Snapshot)
	if _, err := session.Stat(ctx, root); err != nil {
		return snap, nil
	}
	if err := listInto(ctx, session, root, "", snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func listInto(ctx context.Context, session core.RemoteSession, root, rel string, snap core.Snapshot) error {
	dir := root
	if rel != "" {
		dir = path.Join(root, rel)
	}
	entries, err := session.List(ctx, dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, e := range entries {
		relPath := e.Name
		if rel != "" {
			relPath = path.Join(rel, e.Name)
		}
		snap[relPath] = *e
		if e.IsDir {
			if err := listInto(ctx, session, root, relPath, snap); err != nil {
				return err
			}
		}
	}
	return nil
}
