// Package delta compares local and remote directory snapshots and produces
// the minimal set of uploads and deletes needed to synchronize them.
package delta

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// Modification times within this window count as unchanged. Remote
// filesystems commonly truncate mtimes to whole seconds.
const MtimeTolerance = 1000 * time.Millisecond

// Action is one path's synchronization decision
type Action string

const (
	ActionUpload    Action = "upload"
	ActionDelete    Action = "delete"
	ActionUnchanged Action = "unchanged"
)

// Reason explains why an action was chosen
type Reason string

const (
	ReasonNew            Reason = "new"
	ReasonSizeMismatch   Reason = "size_mismatch"
	ReasonMtimeNewer     Reason = "mtime_newer"
	ReasonDeletedLocally Reason = "deleted_locally"
)

// Entry is one path's diff decision
type Entry struct {
	Path   string
	Action Action
	Reason Reason
	Size   int64
	IsDir  bool
}

// Options controls diff behavior
type Options struct {
	// DeleteRemote includes remote-only paths as deletions. When false,
	// remote-only paths are ignored entirely.
	DeleteRemote bool

	// ExcludePatterns are regular expressions tested against each relative
	// path. Matching paths are skipped before any comparison.
	ExcludePatterns []string
}

// Result is the outcome of a directory comparison
type Result struct {
	ToUpload  []Entry
	ToDelete  []Entry
	Unchanged []Entry
}

// Counts returns the number of uploads, deletes, and unchanged paths
func (r *Result) Counts() (uploads, deletes, unchanged int) {
	return len(r.ToUpload), len(r.ToDelete), len(r.Unchanged)
}

// UploadBytes returns the total size of all planned uploads
func (r *Result) UploadBytes() int64 {
	var total int64
	for _, e := range r.ToUpload {
		total += e.Size
	}
	return total
}

// CalculateDiff compares a local and a remote snapshot. Directories are
// compared by presence only; file comparison is size first, then mtime with
// an inclusive tolerance of MtimeTolerance.
func CalculateDiff(local, remote core.Snapshot, opts Options) (*Result, error) {
	exclude, err := compilePatterns(opts.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	result := &Result{}

	for _, path := range sortedPaths(local) {
		if matchAny(exclude, path) {
			continue
		}
		lf := local[path]
		rf, exists := remote[path]

		switch {
		case !exists:
			result.ToUpload = append(result.ToUpload, Entry{
				Path: path, Action: ActionUpload, Reason: ReasonNew, Size: lf.Size, IsDir: lf.IsDir,
			})
		case lf.IsDir || rf.IsDir:
			// Both sides directories: nothing to move. A type change
			// (file vs directory) is surfaced as a size mismatch upload.
			if lf.IsDir != rf.IsDir {
				result.ToUpload = append(result.ToUpload, Entry{
					Path: path, Action: ActionUpload, Reason: ReasonSizeMismatch, Size: lf.Size, IsDir: lf.IsDir,
				})
			} else {
				result.Unchanged = append(result.Unchanged, Entry{Path: path, Action: ActionUnchanged, IsDir: true})
			}
		case lf.Size != rf.Size:
			result.ToUpload = append(result.ToUpload, Entry{
				Path: path, Action: ActionUpload, Reason: ReasonSizeMismatch, Size: lf.Size,
			})
		case lf.ModTime.Sub(rf.ModTime) > MtimeTolerance:
			result.ToUpload = append(result.ToUpload, Entry{
				Path: path, Action: ActionUpload, Reason: ReasonMtimeNewer, Size: lf.Size,
			})
		default:
			result.Unchanged = append(result.Unchanged, Entry{Path: path, Action: ActionUnchanged, Size: lf.Size})
		}
	}

	if opts.DeleteRemote {
		for _, path := range sortedPaths(remote) {
			if matchAny(exclude, path) {
				continue
			}
			if _, exists := local[path]; !exists {
				result.ToDelete = append(result.ToDelete, Entry{
					Path: path, Action: ActionDelete, Reason: ReasonDeletedLocally,
					Size: remote[path].Size, IsDir: remote[path].IsDir,
				})
			}
		}
	}

	return result, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func sortedPaths(s core.Snapshot) []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
