package tx

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
)

// Transaction manager errors.
var (
	ErrTxNotFound     = errors.New("transaction not found")
	ErrTxNotActive    = errors.New("transaction is not active")
	ErrNilWAL         = errors.New("WAL is nil")
	ErrNilTransaction = errors.New("transaction is nil")
)

// Undoer rolls back a transaction's logged changes and closes it with
// an abort record. storage.Recovery implements it, which gives
// runtime rollback and crash recovery the same undo walk.
type Undoer interface {
	UndoTransaction(txID uint64) error
}

// Manager manages transaction lifecycle: begin, commit, and abort.
// It assigns snowflake transaction IDs, writes the WAL control
// records, tracks the active set, and releases locks when a
// transaction ends.
type Manager struct {
	// node generates transaction IDs.
	node *snowflake.Node

	// wal is the write-ahead log control records go to.
	wal *storage.WAL

	// locks is released wholesale when a transaction ends. May be
	// nil when the caller manages locks itself.
	locks *lock.Manager

	// undo performs runtime rollback. When nil, Abort writes the
	// abort record without undoing logged changes.
	undo Undoer

	// active maps transaction IDs to active transactions.
	active map[uint64]*Transaction

	// mu protects active.
	mu sync.RWMutex

	// endMu serializes Commit and Abort so a transaction ends
	// exactly once.
	endMu sync.Mutex
}

// NewManager creates a transaction manager. nodeID seeds the
// snowflake generator and must be unique per process sharing a
// volume set.
func NewManager(wal *storage.WAL, locks *lock.Manager, nodeID int64) (*Manager, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("transaction id node: %w", err)
	}
	return &Manager{
		node:   node,
		wal:    wal,
		locks:  locks,
		active: make(map[uint64]*Transaction),
	}, nil
}

// SetUndoer installs the rollback implementation. Wire it during
// setup, before transactions begin.
func (m *Manager) SetUndoer(u Undoer) {
	m.undo = u
}

// Begin starts a new transaction at the given isolation level and
// writes its begin record.
func (m *Manager) Begin(isolation IsolationLevel) (*Transaction, error) {
	if m.wal == nil {
		return nil, ErrNilWAL
	}

	id := m.node.Generate()
	t := NewTransaction(id, isolation, m.wal.CurrentLSN())

	if _, err := m.wal.Append(storage.NewWALRecord(uint64(id), storage.WALBegin)); err != nil {
		return nil, fmt.Errorf("begin %s: %w", id, err)
	}

	m.mu.Lock()
	m.active[uint64(id)] = t
	m.mu.Unlock()

	return t, nil
}

// Commit commits the transaction, making its changes durable.
// Commit hooks run first, then the commit record is written and
// synced, and finally the transaction's locks are released. A hook
// error fails the commit and leaves the transaction active.
func (m *Manager) Commit(t *Transaction) error {
	if t == nil {
		return ErrNilTransaction
	}
	if m.wal == nil {
		return ErrNilWAL
	}

	m.endMu.Lock()
	defer m.endMu.Unlock()

	if !t.IsActive() {
		return ErrTxNotActive
	}
	m.mu.RLock()
	_, exists := m.active[t.UID()]
	m.mu.RUnlock()
	if !exists {
		return ErrTxNotFound
	}

	if err := t.runCommitHooks(); err != nil {
		return fmt.Errorf("commit hook for %s: %w", t.ID, err)
	}

	if _, err := m.wal.Append(storage.NewWALRecord(t.UID(), storage.WALCommit)); err != nil {
		return fmt.Errorf("commit %s: %w", t.ID, err)
	}
	if err := m.wal.Sync(); err != nil {
		return fmt.Errorf("commit sync %s: %w", t.ID, err)
	}

	t.SetState(TxCommitted)
	m.finish(t)
	return nil
}

// Abort rolls the transaction back. Waiters blocked on locks for
// this transaction are interrupted first, then logged changes are
// undone, and finally the transaction's locks are released.
func (m *Manager) Abort(t *Transaction) error {
	if t == nil {
		return ErrNilTransaction
	}
	if m.wal == nil {
		return ErrNilWAL
	}

	m.endMu.Lock()
	defer m.endMu.Unlock()

	if !t.IsActive() {
		return ErrTxNotActive
	}
	m.mu.RLock()
	_, exists := m.active[t.UID()]
	m.mu.RUnlock()
	if !exists {
		return ErrTxNotFound
	}

	if m.locks != nil {
		m.locks.CancelWaits(t.UID())
	}

	if m.undo != nil {
		// The undo walk writes the abort record itself.
		if err := m.undo.UndoTransaction(t.UID()); err != nil {
			return fmt.Errorf("rollback %s: %w", t.ID, err)
		}
	} else {
		if _, err := m.wal.Append(storage.NewWALRecord(t.UID(), storage.WALAbort)); err != nil {
			return fmt.Errorf("abort %s: %w", t.ID, err)
		}
	}
	if err := m.wal.Sync(); err != nil {
		return fmt.Errorf("abort sync %s: %w", t.ID, err)
	}

	t.SetState(TxAborted)
	m.finish(t)
	return nil
}

// finish releases the transaction's locks and drops it from the
// active set.
func (m *Manager) finish(t *Transaction) {
	if m.locks != nil {
		m.locks.ReleaseAll(t.UID())
	}
	m.mu.Lock()
	delete(m.active, t.UID())
	m.mu.Unlock()
}

// Get returns the active transaction with the given ID, or nil.
func (m *Manager) Get(txID uint64) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[txID]
}

// ActiveCount returns the number of active transactions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// ActiveIDs returns the IDs of all active transactions in ascending
// order. Checkpointing records them as the fuzzy checkpoint's open
// set.
func (m *Manager) ActiveIDs() []uint64 {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ActiveTransactions returns clones of all active transactions.
func (m *Manager) ActiveTransactions() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Transaction, 0, len(m.active))
	for _, t := range m.active {
		result = append(result, t.Clone())
	}
	return result
}
