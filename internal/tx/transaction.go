// Package tx provides transaction management for Tern: identifiers,
// isolation levels, lifecycle state, and the statistics aggregates
// multi-row statements carry.
package tx

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// TxState represents the state of a transaction.
type TxState int

const (
	// TxActive indicates the transaction is currently active.
	TxActive TxState = iota
	// TxCommitted indicates the transaction has been successfully committed.
	TxCommitted
	// TxAborted indicates the transaction has been rolled back.
	TxAborted
)

// String returns the string representation of a TxState.
func (s TxState) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// IsolationLevel selects how much a transaction's reads are protected
// from concurrent writers.
type IsolationLevel uint8

const (
	// ReadCommitted holds read locks only for the duration of the
	// reading operation.
	ReadCommitted IsolationLevel = iota

	// RepeatableRead holds read locks to commit and closes the gaps a
	// scan reads over by locking each key's successor.
	RepeatableRead

	// Serializable is RepeatableRead under a name callers expect; the
	// next-key locking already serializes conflicting ranges.
	Serializable
)

// String returns the SQL name of the level.
func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// HoldsReadLocks reports whether read locks live until commit.
func (l IsolationLevel) HoldsReadLocks() bool {
	return l >= RepeatableRead
}

// PhantomProtected reports whether scans lock the next key past their
// bounds to keep concurrent inserts out of the scanned range.
func (l IsolationLevel) PhantomProtected() bool {
	return l >= RepeatableRead
}

// StatsDelta accumulates index statistics changes across a multi-row
// statement. Operations add to it instead of updating the root-header
// counters one row at a time; the caller applies the whole delta once
// when the statement ends.
type StatsDelta struct {
	Nulls int64
	Keys  int64
	OIDs  int64
}

// IsZero reports whether the delta carries no changes.
func (d *StatsDelta) IsZero() bool {
	return d.Nulls == 0 && d.Keys == 0 && d.OIDs == 0
}

// Merge folds other into d.
func (d *StatsDelta) Merge(other StatsDelta) {
	d.Nulls += other.Nulls
	d.Keys += other.Keys
	d.OIDs += other.OIDs
}

// Transaction represents a database transaction. It tracks lifecycle
// state and the hooks to run at commit; locks and logged changes are
// keyed by its ID in the lock manager and the WAL.
type Transaction struct {
	// ID is the unique transaction identifier.
	ID snowflake.ID

	// Isolation is the isolation level the transaction runs under.
	Isolation IsolationLevel

	// State is the current state of the transaction.
	State TxState

	// StartTime is when the transaction began.
	StartTime time.Time

	// StartLSN is the WAL position at transaction start.
	StartLSN uint64

	// commitHooks run inside Commit before the commit record is
	// written.
	commitHooks []func(*Transaction) error

	// mu protects State and commitHooks.
	mu sync.RWMutex
}

// NewTransaction creates an active transaction. Callers normally go
// through Manager.Begin, which also writes the begin record.
func NewTransaction(id snowflake.ID, isolation IsolationLevel, startLSN uint64) *Transaction {
	return &Transaction{
		ID:        id,
		Isolation: isolation,
		State:     TxActive,
		StartTime: time.Now(),
		StartLSN:  startLSN,
	}
}

// UID returns the transaction ID as the unsigned integer the WAL and
// the lock manager key by.
func (t *Transaction) UID() uint64 {
	return uint64(t.ID)
}

// HoldsReadLocks reports whether this transaction's read locks live
// until commit.
func (t *Transaction) HoldsReadLocks() bool {
	return t.Isolation.HoldsReadLocks()
}

// PhantomProtected reports whether this transaction's scans lock the
// next key past their bounds.
func (t *Transaction) PhantomProtected() bool {
	return t.Isolation.PhantomProtected()
}

// IsActive returns true if the transaction is still active.
func (t *Transaction) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State == TxActive
}

// IsCommitted returns true if the transaction has been committed.
func (t *Transaction) IsCommitted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State == TxCommitted
}

// IsAborted returns true if the transaction has been rolled back.
func (t *Transaction) IsAborted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State == TxAborted
}

// SetState sets the transaction state.
func (t *Transaction) SetState(state TxState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = state
}

// Duration returns the duration since the transaction started.
func (t *Transaction) Duration() time.Duration {
	return time.Since(t.StartTime)
}

// OnCommit registers a hook to run inside Commit before the commit
// record is written. A hook error fails the commit and leaves the
// transaction active for the caller to abort.
func (t *Transaction) OnCommit(hook func(*Transaction) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitHooks = append(t.commitHooks, hook)
}

// runCommitHooks runs the registered hooks in registration order and
// stops at the first error.
func (t *Transaction) runCommitHooks() error {
	t.mu.RLock()
	hooks := make([]func(*Transaction) error, len(t.commitHooks))
	copy(hooks, t.commitHooks)
	t.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(t); err != nil {
			return err
		}
	}
	return nil
}

// Clone creates a copy of the transaction for inspection. Hooks are
// not carried over.
func (t *Transaction) Clone() *Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Transaction{
		ID:        t.ID,
		Isolation: t.Isolation,
		State:     t.State,
		StartTime: t.StartTime,
		StartLSN:  t.StartLSN,
	}
}
