package delta

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

func TestLocalSnapshotWalksTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("world!"), 0644))

	snap, err := LocalSnapshot(root)
	require.NoError(t, err)

	require.Contains(t, snap, "top.txt")
	require.Contains(t, snap, "sub")
	require.Contains(t, snap, "sub/nested.txt")
	require.Contains(t, snap, "sub/deep")

	assert.Equal(t, int64(5), snap["top.txt"].Size)
	assert.Equal(t, int64(6), snap["sub/nested.txt"].Size)
	assert.False(t, snap["top.txt"].IsDir)
	assert.True(t, snap["sub"].IsDir)
	// The root itself is not an entry
	assert.NotContains(t, snap, ".")
}

func TestLocalSnapshotMissingRoot(t *testing.T) {
	_, err := LocalSnapshot(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

// listSession serves a canned directory tree for snapshot listing
type listSession struct {
	core.RemoteSession
	dirs map[string][]*core.FileInfo
}

func (s *listSession) Stat(ctx context.Context, p string) (*core.FileInfo, error) {
	if _, ok := s.dirs[p]; ok {
		return &core.FileInfo{Name: filepath.Base(p), IsDir: true}, nil
	}
	return nil, errors.New("no such file")
}

func (s *listSession) List(ctx context.Context, p string) ([]*core.FileInfo, error) {
	entries, ok := s.dirs[p]
	if !ok {
		return nil, errors.New("no such dir")
	}
	return entries, nil
}

func TestRemoteSnapshotRecurses(t *testing.T) {
	now := time.Now()
	session := &listSession{dirs: map[string][]*core.FileInfo{
		"/srv/app": {
			{Name: "a.txt", Size: 10, ModTime: now},
			{Name: "logs", IsDir: true, ModTime: now},
		},
		"/srv/app/logs": {
			{Name: "app.log", Size: 2048, ModTime: now},
		},
	}}

	snap, err := RemoteSnapshot(context.Background(), session, "/srv/app")
	require.NoError(t, err)

	require.Len(t, snap, 3)
	assert.Equal(t, int64(10), snap["a.txt"].Size)
	assert.True(t, snap["logs"].IsDir)
	assert.Equal(t, int64(2048), snap["logs/app.log"].Size)
}

func TestRemoteSnapshotMissingRootIsEmpty(t *testing.T) {
	session := &listSession{dirs: map[string][]*core.FileInfo{}}
	snap, err := RemoteSnapshot(context.Background(), session, "/srv/fresh")
	require.NoError(t, err)
	assert.Empty(t, snap)
}
