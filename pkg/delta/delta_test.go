package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

func file(size int64, mtime time.Time) core.FileInfo {
	return core.FileInfo{Size: size, ModTime: mtime}
}

func uploadPaths(r *Result) []string {
	out := make([]string, 0, len(r.ToUpload))
	for _, e := range r.ToUpload {
		out = append(out, e.Path)
	}
	return out
}

func TestNewFileUploaded(t *testing.T) {
	now := time.Now()
	local := core.Snapshot{"a.txt": file(10, now)}
	remote := core.Snapshot{}

	r, err := CalculateDiff(local, remote, Options{})
	require.NoError(t, err)
	require.Len(t, r.ToUpload, 1)
	assert.Equal(t, "a.txt", r.ToUpload[0].Path)
	assert.Equal(t, ReasonNew, r.ToUpload[0].Reason)
}

func TestSizeMismatchWinsOverMtime(t *testing.T) {
	now := time.Now()
	// Equal mtimes, different sizes: still an upload
	local := core.Snapshot{"a.txt": file(100, now)}
	remote := core.Snapshot{"a.txt": file(101, now)}

	r, err := CalculateDiff(local, remote, Options{})
	require.NoError(t, err)
	require.Len(t, r.ToUpload, 1)
	assert.Equal(t, ReasonSizeMismatch, r.ToUpload[0].Reason)
}

func TestMtimeToleranceBoundary(t *testing.T) {
	base := time.Now()

	t.Run("exactly 1000ms newer is unchanged", func(t *testing.T) {
		local := core.Snapshot{"a.txt": file(50, base)}
		remote := core.Snapshot{"a.txt": file(50, base.Add(-1000*time.Millisecond))}

		r, err := CalculateDiff(local, remote, Options{})
		require.NoError(t, err)
		assert.Empty(t, r.ToUpload)
		require.Len(t, r.Unchanged, 1)
	})

	t.Run("1001ms newer is an upload", func(t *testing.T) {
		local := core.Snapshot{"a.txt": file(50, base)}
		remote := core.Snapshot{"a.txt": file(50, base.Add(-1001*time.Millisecond))}

		r, err := CalculateDiff(local, remote, Options{})
		require.NoError(t, err)
		require.Len(t, r.ToUpload, 1)
		assert.Equal(t, ReasonMtimeNewer, r.ToUpload[0].Reason)
	})

	t.Run("remote newer is unchanged", func(t *testing.T) {
		local := core.Snapshot{"a.txt": file(50, base)}
		remote := core.Snapshot{"a.txt": file(50, base.Add(5*time.Second))}

		r, err := CalculateDiff(local, remote, Options{})
		require.NoError(t, err)
		assert.Empty(t, r.ToUpload)
	})
}

func TestDeleteRemote(t *testing.T) {
	now := time.Now()
	local := core.Snapshot{"keep.txt": file(10, now)}
	remote := core.Snapshot{
		"keep.txt": file(10, now),
		"gone.txt": file(20, now),
	}

	t.Run("enabled", func(t *testing.T) {
		r, err := CalculateDiff(local, remote, Options{DeleteRemote: true})
		require.NoError(t, err)
		require.Len(t, r.ToDelete, 1)
		assert.Equal(t, "gone.txt", r.ToDelete[0].Path)
		assert.Equal(t, ReasonDeletedLocally, r.ToDelete[0].Reason)
	})

	t.Run("disabled ignores remote-only paths", func(t *testing.T) {
		r, err := CalculateDiff(local, remote, Options{DeleteRemote: false})
		require.NoError(t, err)
		assert.Empty(t, r.ToDelete)
	})
}

func TestSyncScenario(t *testing.T) {
	// Local has a new file and a changed file; remote has an extra one.
	now := time.Now()
	local := core.Snapshot{
		"a.txt": file(10, now),
		"b.txt": file(30, now),
	}
	remote := core.Snapshot{
		"b.txt": file(25, now),
		"c.txt": file(40, now),
	}

	r, err := CalculateDiff(local, remote, Options{DeleteRemote: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "b.txt"}, uploadPaths(r))
	require.Len(t, r.ToDelete, 1)
	assert.Equal(t, "c.txt", r.ToDelete[0].Path)
	assert.Empty(t, r.Unchanged)
}

func TestExcludePatterns(t *testing.T) {
	now := time.Now()
	local := core.Snapshot{
		"src/main.go":   file(10, now),
		"node_modules/x": file(99, now),
		".git/HEAD":     file(5, now),
	}
	remote := core.Snapshot{"node_modules/old": file(1, now)}

	r, err := CalculateDiff(local, remote, Options{
		DeleteRemote:    true,
		ExcludePatterns: []string{`^node_modules/`, `^\.git/`},
	})
	require.NoError(t, err)

	// Excluded paths appear in no result set at all
	assert.Equal(t, []string{"src/main.go"}, uploadPaths(r))
	assert.Empty(t, r.ToDelete)
	assert.Empty(t, r.Unchanged)
}

func TestInvalidExcludePattern(t *testing.T) {
	_, err := CalculateDiff(core.Snapshot{}, core.Snapshot{}, Options{
		ExcludePatterns: []string{`[`},
	})
	assert.Error(t, err)
}

func TestDirectoryHandling(t *testing.T) {
	now := time.Now()

	t.Run("new local directory is uploaded", func(t *testing.T) {
		local := core.Snapshot{"sub": {IsDir: true, ModTime: now}}
		r, err := CalculateDiff(local, core.Snapshot{}, Options{})
		require.NoError(t, err)
		require.Len(t, r.ToUpload, 1)
		assert.True(t, r.ToUpload[0].IsDir)
	})

	t.Run("directory on both sides is unchanged", func(t *testing.T) {
		local := core.Snapshot{"sub": {IsDir: true, ModTime: now}}
		remote := core.Snapshot{"sub": {IsDir: true, ModTime: now.Add(-time.Hour)}}
		r, err := CalculateDiff(local, remote, Options{})
		require.NoError(t, err)
		assert.Empty(t, r.ToUpload)
		require.Len(t, r.Unchanged, 1)
	})
}

func TestUploadBytes(t *testing.T) {
	now := time.Now()
	local := core.Snapshot{
		"a": file(100, now),
		"b": file(200, now),
	}
	r, err := CalculateDiff(local, core.Snapshot{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(300), r.UploadBytes())
}
