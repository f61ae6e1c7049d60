package core

import (
	"time"
)

// Direction indicates which way a transfer moves data
type Direction string

const (
	DirectionUpload   Direction = "upload"   // Local to remote
	DirectionDownload Direction = "download" // Remote to local
)

// TaskStatus represents a transfer task's lifecycle state
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status is terminal for scheduling purposes.
// A failed task may still leave this state through a retry.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority controls scheduling order among pending tasks
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Size thresholds for priority derivation
const (
	SmallFileSize = 1 * 1024 * 1024   // files below this are high priority
	LargeFileSize = 100 * 1024 * 1024 // files above this are low priority
)

// PriorityForSize derives a task priority from the file size.
// Small files jump the queue so bulk transfers don't starve quick ones.
func PriorityForSize(size int64) Priority {
	switch {
	case size < SmallFileSize:
		return PriorityHigh
	case size > LargeFileSize:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ChunkStatus represents a chunk's lifecycle state
type ChunkStatus string

const (
	ChunkPending      ChunkStatus = "pending"
	ChunkTransferring ChunkStatus = "transferring"
	ChunkCompleted    ChunkStatus = "completed"
	ChunkFailed       ChunkStatus = "failed"
)

// ChunkProgress is a point-in-time view of one chunk of a parallel transfer
type ChunkProgress struct {
	Index       int         `json:"index"`
	Start       int64       `json:"start"`
	End         int64       `json:"end"` // exclusive
	Size        int64       `json:"size"`
	Transferred int64       `json:"transferred"`
	Status      ChunkStatus `json:"status"`
	Speed       int64       `json:"speed"` // bytes per second
}

// FileInfo describes one file or directory on either side of a transfer
type FileInfo struct {
	Name    string
	Size    int64
	Mode    uint32
	ModTime time.Time
	IsDir   bool
}

// Snapshot maps relative paths to file metadata for directory comparison
type Snapshot map[string]FileInfo

// ProgressUpdate is pushed to progress sinks as a transfer advances
type ProgressUpdate struct {
	TaskID      string          `json:"task_id"`
	Transferred int64           `json:"transferred"`
	Total       int64           `json:"total"`
	Speed       int64           `json:"speed"` // bytes per second
	Chunks      []ChunkProgress `json:"chunks,omitempty"`
}

// TaskRecord is the immutable snapshot of a finished task handed to the
// history sink when the task reaches a terminal state.
type TaskRecord struct {
	ID          string     `json:"id"`
	Direction   Direction  `json:"direction"`
	Status      TaskStatus `json:"status"`
	HostID      string     `json:"host_id"`
	LocalPath   string     `json:"local_path"`
	RemotePath  string     `json:"remote_path"`
	Size        int64      `json:"size"`
	Transferred int64      `json:"transferred"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Host describes a remote endpoint from the host registry
type Host struct {
	ID         string `yaml:"id" json:"id"`
	Address    string `yaml:"address" json:"address"`
	Port       int    `yaml:"port" json:"port"`
	User       string `yaml:"user" json:"user"`
	RemotePath string `yaml:"remote_path,omitempty" json:"remote_path,omitempty"`
}

// AuthDescriptor describes how to authenticate against a host. The engine
// resolves it at connect time and never persists or logs its contents.
type AuthDescriptor struct {
	Password   string `yaml:"password,omitempty" json:"-"`
	KeyPath    string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty" json:"-"`
	UseAgent   bool   `yaml:"use_agent,omitempty" json:"use_agent,omitempty"`
}
