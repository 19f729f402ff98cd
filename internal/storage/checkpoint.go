package storage

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// Checkpoint errors.
var (
	ErrCheckpointFailed     = errors.New("checkpoint failed")
	ErrCheckpointInProgress = errors.New("checkpoint is already in progress")
	ErrInvalidCheckpoint    = errors.New("invalid checkpoint record")
)

// CheckpointData is the payload of a checkpoint record: the state of
// the system at the time the checkpoint was taken.
type CheckpointData struct {
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time

	// ActiveTxIDs contains the IDs of transactions that were active.
	// When this is empty the log was reset instead, so checkpoint
	// records only ever document fuzzy checkpoints.
	ActiveTxIDs []uint64

	// LastLSN is the highest LSN assigned before the checkpoint.
	LastLSN uint64
}

// Serialize converts the checkpoint data to bytes for the WAL record.
func (cd *CheckpointData) Serialize() []byte {
	size := 8 + 8 + 4 + len(cd.ActiveTxIDs)*8
	buf := make([]byte, size)

	offset := 0
	binary.LittleEndian.PutUint64(buf[offset:], uint64(cd.Timestamp.UnixNano()))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], cd.LastLSN)
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(cd.ActiveTxIDs)))
	offset += 4
	for _, txID := range cd.ActiveTxIDs {
		binary.LittleEndian.PutUint64(buf[offset:], txID)
		offset += 8
	}

	return buf
}

// Deserialize reads checkpoint data from bytes.
func (cd *CheckpointData) Deserialize(buf []byte) error {
	if len(buf) < 20 {
		return ErrInvalidCheckpoint
	}

	offset := 0
	cd.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[offset:])))
	offset += 8
	cd.LastLSN = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8

	txCount := binary.LittleEndian.Uint32(buf[offset:])
	offset += 4
	if offset+int(txCount)*8 > len(buf) {
		return ErrInvalidCheckpoint
	}
	cd.ActiveTxIDs = make([]uint64, txCount)
	for i := uint32(0); i < txCount; i++ {
		cd.ActiveTxIDs[i] = binary.LittleEndian.Uint64(buf[offset:])
		offset += 8
	}

	return nil
}

// CheckpointManager bounds recovery time. A checkpoint flushes every
// dirty page and syncs the volumes; once that is durable, the log
// records before it are only needed to undo transactions still
// running. With no transaction active the log is reset to empty.
// Otherwise a checkpoint record documents the flush and the log keeps
// growing until a quiet checkpoint truncates it.
type CheckpointManager struct {
	wal  *WAL
	pool *BufferPool

	lastCheckpointLSN  uint64
	lastCheckpointTime time.Time
	checkpointInterval time.Duration

	mu         sync.Mutex
	inProgress bool

	// activeTxIDs reports the transactions currently running.
	activeTxIDs func() []uint64
}

// NewCheckpointManager creates a CheckpointManager over the given WAL
// and buffer pool.
func NewCheckpointManager(wal *WAL, pool *BufferPool) *CheckpointManager {
	return &CheckpointManager{
		wal:                wal,
		pool:               pool,
		checkpointInterval: 5 * time.Minute,
	}
}

// SetActiveTxCallback sets the callback reporting active transaction
// IDs. Without one, every checkpoint is treated as quiet and resets
// the log.
func (cm *CheckpointManager) SetActiveTxCallback(callback func() []uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.activeTxIDs = callback
}

// SetCheckpointInterval sets the minimum interval between automatic
// checkpoints.
func (cm *CheckpointManager) SetCheckpointInterval(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.checkpointInterval = interval
}

// Checkpoint flushes all dirty pages, syncs the volumes, and then
// either resets the log (no active transactions) or appends a
// checkpoint record.
func (cm *CheckpointManager) Checkpoint() error {
	cm.mu.Lock()
	if cm.inProgress {
		cm.mu.Unlock()
		return ErrCheckpointInProgress
	}
	cm.inProgress = true
	callback := cm.activeTxIDs
	cm.mu.Unlock()

	defer func() {
		cm.mu.Lock()
		cm.inProgress = false
		cm.mu.Unlock()
	}()

	// The log must reach disk before the pages it describes.
	if err := cm.wal.Sync(); err != nil {
		return err
	}
	if err := cm.pool.FlushAll(); err != nil {
		return err
	}
	if err := cm.pool.SyncVolumes(); err != nil {
		return err
	}

	var active []uint64
	if callback != nil {
		active = callback()
	}

	now := time.Now()

	if len(active) == 0 {
		// Quiet checkpoint: every logged change is durable and no
		// transaction needs undo information, so the log can go.
		if err := cm.wal.Reset(); err != nil {
			return err
		}
		cm.mu.Lock()
		cm.lastCheckpointLSN = cm.wal.CurrentLSN() - 1
		cm.lastCheckpointTime = now
		cm.mu.Unlock()
		return nil
	}

	data := &CheckpointData{
		Timestamp:   now,
		ActiveTxIDs: active,
		LastLSN:     cm.wal.CurrentLSN() - 1,
	}
	record := NewWALRecord(0, WALCheckpoint)
	record.NewData = data.Serialize()

	lsn, err := cm.wal.Append(record)
	if err != nil {
		return err
	}
	if err := cm.wal.Sync(); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.lastCheckpointLSN = lsn
	cm.lastCheckpointTime = now
	cm.mu.Unlock()

	return nil
}

// ShouldCheckpoint reports whether the checkpoint interval has passed
// since the last checkpoint.
func (cm *CheckpointManager) ShouldCheckpoint() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.lastCheckpointTime.IsZero() {
		return true
	}
	return time.Since(cm.lastCheckpointTime) >= cm.checkpointInterval
}

// LastCheckpointLSN returns the LSN of the last checkpoint.
func (cm *CheckpointManager) LastCheckpointLSN() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lastCheckpointLSN
}

// LastCheckpointTime returns the time of the last checkpoint.
func (cm *CheckpointManager) LastCheckpointTime() time.Time {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lastCheckpointTime
}

// IsInProgress reports whether a checkpoint is currently running.
func (cm *CheckpointManager) IsInProgress() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.inProgress
}

// CheckpointInterval returns the current checkpoint interval.
func (cm *CheckpointManager) CheckpointInterval() time.Duration {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.checkpointInterval
}

// ParseCheckpointRecord extracts checkpoint data from a WAL record.
func ParseCheckpointRecord(record *WALRecord) (*CheckpointData, error) {
	if record.Type != WALCheckpoint || len(record.NewData) == 0 {
		return nil, ErrInvalidCheckpoint
	}

	data := &CheckpointData{}
	if err := data.Deserialize(record.NewData); err != nil {
		return nil, err
	}
	return data, nil
}
