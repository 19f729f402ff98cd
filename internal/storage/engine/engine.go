package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/logging"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/storage/btree"
	"github.com/tern-db/tern/internal/tx"
)

// File names inside a database directory.
const (
	TreeFileName     = "tree.tdb"
	OverflowFileName = "ovfl.tdb"
	WALFileName      = "tern.wal"
)

// Volume identifiers. Tree nodes and the catalog live on the tree
// volume, spilled keys and object chains on the overflow volume.
const (
	TreeVol     uint16 = 1
	OverflowVol uint16 = 2
)

// Engine errors.
var (
	ErrEngineClosed  = errors.New("engine is closed")
	ErrEngineRO      = errors.New("engine is read-only")
	ErrIndexExists   = errors.New("an index of this class already exists")
	ErrIndexNotFound = errors.New("no index of this class")
	ErrNeedsRecovery = errors.New("read-only open of a database that needs recovery")
)

// Engine ties the storage stack together: two volumes, the log, the
// buffer pool, locks, transactions, and the index trees, with crash
// recovery on open and checkpoints while running.
type Engine struct {
	opts storage.EngineOptions
	dir  string
	log  logging.Logger

	tvol  *storage.Volume
	ovol  *storage.Volume
	wal   *storage.WAL
	pool  *storage.BufferPool
	locks *lock.Manager
	txm   *tx.Manager
	trees *btree.Manager
	ckpt  *storage.CheckpointManager

	catalog storage.PageRef

	recovered bool
	recStats  storage.RecoveryStats

	stop chan struct{}
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a database under dir. A nil logger keeps the
// engine quiet. When the volumes were not shut down cleanly, or the
// log still carries records, recovery runs before the engine is
// handed out.
func Open(dir string, opts storage.EngineOptions, log logging.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNop()
	}
	if opts.CreateIfNotExists {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	e := &Engine{opts: opts, dir: dir, log: log}
	if err := e.init(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init() error {
	var err error
	vopts := e.opts.VolumeOptions()

	e.tvol, err = storage.OpenVolume(filepath.Join(e.dir, TreeFileName), TreeVol, vopts)
	if err != nil {
		return fmt.Errorf("tree volume: %w", err)
	}
	e.ovol, err = storage.OpenVolume(filepath.Join(e.dir, OverflowFileName), OverflowVol, vopts)
	if err != nil {
		return fmt.Errorf("overflow volume: %w", err)
	}
	e.wal, err = storage.OpenWAL(filepath.Join(e.dir, WALFileName))
	if err != nil {
		return fmt.Errorf("write-ahead log: %w", err)
	}

	e.pool = storage.NewBufferPool(e.opts.BufferPoolSize)
	e.pool.AttachVolume(e.tvol)
	e.pool.AttachVolume(e.ovol)

	e.locks = lock.NewManager(e.opts.LockTimeout)
	e.txm, err = tx.NewManager(e.wal, e.locks, e.opts.NodeID)
	if err != nil {
		return err
	}
	e.trees = btree.NewManager(e.pool, e.wal, e.locks, nil)

	rec := storage.NewRecovery(e.wal, e.pool)
	rec.RegisterApplier(TreeVol, e.trees)
	e.txm.SetUndoer(rec)

	needsRecovery := !e.tvol.WasCleanShutdown() || !e.ovol.WasCleanShutdown() ||
		e.wal.RecordCount() > 0
	if needsRecovery {
		if e.opts.ReadOnly {
			return ErrNeedsRecovery
		}
		if err := rec.Recover(); err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		if err := e.tvol.RebuildFreeList(); err != nil {
			return fmt.Errorf("tree free list: %w", err)
		}
		if err := e.ovol.RebuildFreeList(); err != nil {
			return fmt.Errorf("overflow free list: %w", err)
		}
		e.recovered = true
		e.recStats = rec.Stats()
		e.log.Info("recovery complete",
			"scanned", e.recStats.RecordsScanned,
			"redone", e.recStats.RecordsRedone,
			"rolled_back", e.recStats.TxRolledBack)
	}

	if err := e.initCatalog(); err != nil {
		return err
	}

	// A transaction that has taken a whole-class lock no longer needs
	// per-object grants of that class. The tree asks through this
	// hook; the escalation policy itself lives up here.
	e.locks.SetDominates(func(txID uint64, u lock.Unit, mode lock.Mode) bool {
		if u.IsClass() {
			return false
		}
		return e.locks.Holds(txID, lock.ClassUnit(u.Class), mode)
	})

	e.ckpt = storage.NewCheckpointManager(e.wal, e.pool)
	e.ckpt.SetActiveTxCallback(e.txm.ActiveIDs)
	e.ckpt.SetCheckpointInterval(e.opts.CheckpointInterval)

	if e.opts.CheckpointInterval > 0 && !e.opts.ReadOnly {
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.checkpointLoop()
	}
	return nil
}

// checkpointLoop flushes on the configured interval until Close.
func (e *Engine) checkpointLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if !e.ckpt.ShouldCheckpoint() {
				continue
			}
			if err := e.ckpt.Checkpoint(); err != nil &&
				!errors.Is(err, storage.ErrCheckpointInProgress) {
				e.log.Warn("checkpoint failed", "error", err)
			}
		}
	}
}

// Close checkpoints, flushes, and closes every component. Transactions
// still open lose their changes at the next open, exactly as a crash
// would lose them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.closed = true
	e.mu.Unlock()

	if e.stop != nil {
		close(e.stop)
		<-e.done
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.ckpt != nil && !e.opts.ReadOnly {
		keep(e.ckpt.Checkpoint())
	}
	if e.pool != nil {
		keep(e.pool.Close())
	}
	if e.wal != nil {
		keep(e.wal.Close())
	}
	if e.tvol != nil {
		keep(e.tvol.Close())
	}
	if e.ovol != nil {
		keep(e.ovol.Close())
	}
	if firstErr == nil {
		e.log.Info("engine closed", "dir", e.dir)
	}
	return firstErr
}

// Begin starts a transaction.
func (e *Engine) Begin(level tx.IsolationLevel) (*tx.Transaction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	return e.txm.Begin(level)
}

// Commit makes the transaction's changes durable.
func (e *Engine) Commit(txn *tx.Transaction) error {
	return e.txm.Commit(txn)
}

// Abort rolls the transaction back.
func (e *Engine) Abort(txn *tx.Transaction) error {
	return e.txm.Abort(txn)
}

// CreateIndex builds a new index over the class and registers it in
// the catalog. Both become visible when the transaction commits and
// vanish whole if it aborts.
func (e *Engine) CreateIndex(txn *tx.Transaction, classID uint32, domain keydom.Domain, unique bool) (*btree.BTree, error) {
	if err := e.writable(); err != nil {
		return nil, err
	}
	bt, err := e.trees.Create(txn, TreeVol, OverflowVol, classID, domain, unique)
	if err != nil {
		return nil, err
	}
	if err := e.catalogAdd(txn, classID, bt.Root()); err != nil {
		return nil, err
	}
	e.log.Debug("index created", "class", classID, "root", bt.Root().String(), "unique", unique)
	return bt, nil
}

// OpenIndex returns the committed index of the class.
func (e *Engine) OpenIndex(classID uint32) (*btree.BTree, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	e.mu.RUnlock()

	root, ok, err := e.catalogLookup(classID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrIndexNotFound
	}
	return e.trees.Open(root)
}

// DropIndex releases every page of the class's index and removes it
// from the catalog. Committing makes it final; aborting restores the
// index untouched.
func (e *Engine) DropIndex(txn *tx.Transaction, classID uint32) error {
	if err := e.writable(); err != nil {
		return err
	}
	root, ok, err := e.catalogLookup(classID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrIndexNotFound
	}
	bt, err := e.trees.Open(root)
	if err != nil {
		return err
	}
	if err := e.trees.Drop(txn, bt); err != nil {
		return err
	}
	if err := e.catalogRemove(txn, classID); err != nil {
		return err
	}
	e.log.Debug("index dropped", "class", classID)
	return nil
}

// Escalate trades the transaction's many object locks of one class
// for a single class lock once their count passes the configured
// threshold. It reports whether the class lock is now held. The
// object locks stay until commit; only their further growth stops.
func (e *Engine) Escalate(txn *tx.Transaction, classID uint32, mode lock.Mode) (bool, error) {
	if txn == nil {
		return false, tx.ErrNilTransaction
	}
	if e.locks.Holds(txn.UID(), lock.ClassUnit(classID), mode) {
		return true, nil
	}
	if e.locks.HeldCount(txn.UID(), classID) < e.opts.EscalationThreshold {
		return false, nil
	}
	if err := e.locks.Lock(txn.UID(), lock.ClassUnit(classID), mode); err != nil {
		return false, err
	}
	e.log.Debug("locks escalated", "tx", txn.UID(), "class", classID, "mode", mode.String())
	return true, nil
}

// Checkpoint forces a checkpoint now.
func (e *Engine) Checkpoint() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	return e.ckpt.Checkpoint()
}

// Verify walks every committed index and checks its structure against
// its descriptor. Indexes still being built are skipped.
func (e *Engine) Verify() error {
	infos, err := e.Indexes()
	if err != nil {
		return err
	}
	for _, info := range infos {
		bt, err := e.trees.Open(info.Root)
		if errors.Is(err, btree.ErrUnknownIndex) {
			continue
		}
		if err != nil {
			return fmt.Errorf("index class %d: %w", info.ClassID, err)
		}
		if err := bt.Verify(); err != nil {
			return fmt.Errorf("index class %d: %w", info.ClassID, err)
		}
	}
	return nil
}

// RecoveryStats reports what recovery did on open, if it ran.
func (e *Engine) RecoveryStats() (storage.RecoveryStats, bool) {
	return e.recStats, e.recovered
}

// EngineStats is a point-in-time snapshot of the engine's components.
type EngineStats struct {
	Tree           storage.VolumeStats
	Overflow       storage.VolumeStats
	Pool           storage.BufferPoolStats
	WALRecords     int
	LocksHeld      int
	ActiveTx       int
	Indexes        int
	LastCheckpoint time.Time
}

// Stats collects counters from every component.
func (e *Engine) Stats() (EngineStats, error) {
	infos, err := e.Indexes()
	if err != nil {
		return EngineStats{}, err
	}
	return EngineStats{
		Tree:           e.tvol.Stats(),
		Overflow:       e.ovol.Stats(),
		Pool:           e.pool.Stats(),
		WALRecords:     e.wal.RecordCount(),
		LocksHeld:      e.locks.Count(),
		ActiveTx:       e.txm.ActiveCount(),
		Indexes:        len(infos),
		LastCheckpoint: e.ckpt.LastCheckpointTime(),
	}, nil
}

func (e *Engine) writable() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.opts.ReadOnly {
		return ErrEngineRO
	}
	return nil
}
