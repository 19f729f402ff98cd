package storage

import (
	"fmt"
	"time"
)

// EngineOptions configures a database engine instance.
type EngineOptions struct {
	// DataDir is the directory where database files are stored.
	DataDir string

	// PageSize is the size of each page in bytes.
	// Default: 4096 bytes.
	PageSize int

	// BufferPoolSize is the number of pages to cache in memory.
	// Default: 256 pages.
	BufferPoolSize int

	// SyncOnWrite forces fsync after each page write.
	// Default: false (better performance, less durability).
	SyncOnWrite bool

	// ReadOnly opens the database in read-only mode.
	// Default: false.
	ReadOnly bool

	// CreateIfNotExists creates the database if it doesn't exist.
	// Default: true.
	CreateIfNotExists bool

	// UseMmap memory-maps the volumes for zero-copy reads.
	// Default: false.
	UseMmap bool

	// CheckpointInterval is the time between automatic checkpoints.
	// Zero disables the background checkpointer.
	// Default: 5 minutes.
	CheckpointInterval time.Duration

	// LockTimeout bounds how long a transaction waits for a lock
	// before the wait is broken as a deadlock suspect.
	// Default: 10 seconds.
	LockTimeout time.Duration

	// NodeID distinguishes transaction identifiers across engines
	// sharing storage in a cluster. Single-node setups keep 0.
	NodeID int64

	// EscalationThreshold is the number of object locks of one class
	// a transaction may take before Escalate trades them for a class
	// lock. Zero keeps the default.
	// Default: 1024.
	EscalationThreshold int

	// InitialPages is the initial number of pages to allocate per
	// volume.
	// Default: 16.
	InitialPages int
}

// DefaultEngineOptions returns the default engine options.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		DataDir:             ".",
		PageSize:            PageSize,
		BufferPoolSize:      256,
		SyncOnWrite:         false,
		ReadOnly:            false,
		CreateIfNotExists:   true,
		UseMmap:             false,
		CheckpointInterval:  5 * time.Minute,
		LockTimeout:         10 * time.Second,
		NodeID:              0,
		EscalationThreshold: 1024,
		InitialPages:        16,
	}
}

// Validate fills zero fields with their defaults and returns an error
// if the options are unusable.
func (o *EngineOptions) Validate() error {
	if o.PageSize <= 0 {
		o.PageSize = PageSize
	}
	if o.PageSize < MinPageSize {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidPageSize, o.PageSize, MinPageSize)
	}

	if o.BufferPoolSize <= 0 {
		o.BufferPoolSize = 256
	}

	if o.LockTimeout <= 0 {
		o.LockTimeout = 10 * time.Second
	}

	if o.EscalationThreshold <= 0 {
		o.EscalationThreshold = 1024
	}

	if o.InitialPages <= 0 {
		o.InitialPages = 16
	}

	return nil
}

// VolumeOptions derives the per-volume options from the engine
// configuration.
func (o EngineOptions) VolumeOptions() VolumeOptions {
	return VolumeOptions{
		PageSize:     o.PageSize,
		InitialPages: o.InitialPages,
		CreateIfNew:  o.CreateIfNotExists,
		ReadOnly:     o.ReadOnly,
		SyncOnWrite:  o.SyncOnWrite,
		UseMmap:      o.UseMmap,
	}
}

// WithDataDir sets the data directory.
func (o EngineOptions) WithDataDir(dir string) EngineOptions {
	o.DataDir = dir
	return o
}

// WithPageSize sets the page size.
func (o EngineOptions) WithPageSize(size int) EngineOptions {
	o.PageSize = size
	return o
}

// WithBufferPoolSize sets the buffer pool size.
func (o EngineOptions) WithBufferPoolSize(size int) EngineOptions {
	o.BufferPoolSize = size
	return o
}

// WithSyncOnWrite enables or disables sync on write.
func (o EngineOptions) WithSyncOnWrite(sync bool) EngineOptions {
	o.SyncOnWrite = sync
	return o
}

// WithReadOnly enables or disables read-only mode.
func (o EngineOptions) WithReadOnly(readOnly bool) EngineOptions {
	o.ReadOnly = readOnly
	return o
}

// WithCreateIfNotExists enables or disables auto-creation.
func (o EngineOptions) WithCreateIfNotExists(create bool) EngineOptions {
	o.CreateIfNotExists = create
	return o
}

// WithCheckpointInterval sets the checkpoint interval.
func (o EngineOptions) WithCheckpointInterval(interval time.Duration) EngineOptions {
	o.CheckpointInterval = interval
	return o
}

// WithLockTimeout sets the deadlock-breaking wait bound.
func (o EngineOptions) WithLockTimeout(timeout time.Duration) EngineOptions {
	o.LockTimeout = timeout
	return o
}

// WithNodeID sets the transaction identifier node.
func (o EngineOptions) WithNodeID(node int64) EngineOptions {
	o.NodeID = node
	return o
}

// WithEscalationThreshold sets the object lock count that triggers
// lock escalation.
func (o EngineOptions) WithEscalationThreshold(n int) EngineOptions {
	o.EscalationThreshold = n
	return o
}
