package lock

import (
	"sync"
	"time"
)

// DefaultTimeout is the wait budget for Lock when the manager was
// created without an explicit one.
const DefaultTimeout = 5 * time.Second

// entry tracks one locked unit: the transactions holding it and a
// broadcast channel closed whenever a holder releases.
type entry struct {
	holders map[uint64]Mode
	release chan struct{}
}

// txLocks tracks one transaction's side of the lock table.
type txLocks struct {
	// units holds every unit the transaction currently holds.
	units map[Unit]struct{}

	// abort is closed by CancelWaits to interrupt the transaction's
	// waiters.
	abort chan struct{}

	// aborted marks the transaction as aborting; further requests
	// fail until ReleaseAll clears the mark.
	aborted bool

	// waiting counts goroutines of this transaction blocked in Lock.
	waiting int
}

// Manager grants, blocks, and releases object locks for transactions.
//
// Grants are not queued: when a lock is released, every waiter is
// woken and the first to re-probe wins. Waits are bounded, so a
// deadlock cycle ends with ErrLockTimeout for one participant rather
// than blocking forever.
type Manager struct {
	// timeout is the default wait budget for Lock.
	timeout time.Duration

	// dominates, when set, reports whether the transaction already
	// holds a coarser lock covering the requested unit. Requests it
	// approves are granted without touching the lock table. It is
	// invoked without the manager's mutex held, so it may call back
	// into the manager.
	dominates func(txID uint64, u Unit, mode Mode) bool

	// mu protects the tables below.
	mu sync.Mutex

	// entries maps locked units to their holder sets.
	entries map[Unit]*entry

	// txs maps transactions to their lock state.
	txs map[uint64]*txLocks
}

// NewManager creates a lock manager. A timeout <= 0 selects
// DefaultTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		timeout: timeout,
		entries: make(map[Unit]*entry),
		txs:     make(map[uint64]*txLocks),
	}
}

// Timeout returns the default wait budget.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// SetDominates installs the escalation policy callback. It must be
// wired during setup, before the manager is shared between
// goroutines.
func (m *Manager) SetDominates(f func(txID uint64, u Unit, mode Mode) bool) {
	m.dominates = f
}

// TryLock makes one non-blocking attempt to lock u for txID in mode.
// It reports whether the lock is held on return. A transaction
// flagged by CancelWaits is always refused.
func (m *Manager) TryLock(txID uint64, u Unit, mode Mode) bool {
	if m.dominates != nil && m.dominates(txID, u, mode) {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.txs[txID]; t != nil && t.aborted {
		return false
	}
	return m.grantLocked(txID, u, mode)
}

// Lock acquires u for txID in mode, blocking up to the manager's
// default timeout. It returns ErrLockTimeout when the budget runs
// out and ErrAborted when the wait is interrupted by CancelWaits.
func (m *Manager) Lock(txID uint64, u Unit, mode Mode) error {
	return m.LockTimeout(txID, u, mode, m.timeout)
}

// LockTimeout is Lock with an explicit wait budget.
func (m *Manager) LockTimeout(txID uint64, u Unit, mode Mode, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.dominates != nil && m.dominates(txID, u, mode) {
			return nil
		}

		m.mu.Lock()
		t := m.txLocked(txID)
		if t.aborted {
			m.mu.Unlock()
			return ErrAborted
		}
		if m.grantLocked(txID, u, mode) {
			m.mu.Unlock()
			return nil
		}
		// grantLocked ensures the entry exists on failure.
		release := m.entries[u].release
		abort := t.abort
		t.waiting++
		m.mu.Unlock()

		err := waitRelease(release, abort, deadline)

		m.mu.Lock()
		t.waiting--
		m.dropTxLocked(txID, t)
		m.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

// Unlock drops txID's hold on u, whatever the held mode, and wakes
// waiters. Unlocking a unit the transaction does not hold is a no-op.
func (m *Manager) Unlock(txID uint64, u Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.releaseUnitLocked(txID, u) {
		return
	}
	if t := m.txs[txID]; t != nil {
		delete(t.units, u)
		m.dropTxLocked(txID, t)
	}
}

// ReleaseAll drops every lock txID holds and clears any abort mark.
// Transaction code calls it once at commit or at the end of rollback.
func (m *Manager) ReleaseAll(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.txs[txID]
	if t == nil {
		return
	}
	for u := range t.units {
		m.releaseUnitLocked(txID, u)
	}
	t.units = make(map[Unit]struct{})
	if t.aborted {
		t.aborted = false
		t.abort = make(chan struct{})
	}
	m.dropTxLocked(txID, t)
}

// CancelWaits interrupts every goroutine of txID blocked in Lock and
// refuses the transaction further locks until ReleaseAll. The
// transaction's existing holds are untouched; rollback still owns
// them.
func (m *Manager) CancelWaits(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.txLocked(txID)
	if !t.aborted {
		t.aborted = true
		close(t.abort)
	}
}

// Holds reports whether txID holds u in a mode covering mode.
func (m *Manager) Holds(txID uint64, u Unit, mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[u]
	if e == nil {
		return false
	}
	held, ok := e.holders[txID]
	return ok && covers(held, mode)
}

// HeldCount returns how many units of class txID currently holds,
// the class unit included. Escalation policies use it to decide when
// per-object locking has grown too fine.
func (m *Manager) HeldCount(txID uint64, class uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.txs[txID]
	if t == nil {
		return 0
	}
	n := 0
	for u := range t.units {
		if u.Class == class {
			n++
		}
	}
	return n
}

// Count returns the number of units currently locked by anyone.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// txLocked returns txID's lock state, creating it on first use.
func (m *Manager) txLocked(txID uint64) *txLocks {
	t := m.txs[txID]
	if t == nil {
		t = &txLocks{
			units: make(map[Unit]struct{}),
			abort: make(chan struct{}),
		}
		m.txs[txID] = t
	}
	return t
}

// dropTxLocked removes the transaction record once nothing references
// it.
func (m *Manager) dropTxLocked(txID uint64, t *txLocks) {
	if len(t.units) == 0 && t.waiting == 0 && !t.aborted {
		delete(m.txs, txID)
	}
}

// grantLocked attempts to grant u to txID in mode, upgrading an
// existing hold when needed. It reports whether the lock is held on
// return. On failure the entry for u is left in place for the caller
// to wait on.
func (m *Manager) grantLocked(txID uint64, u Unit, mode Mode) bool {
	e := m.entries[u]
	if e == nil {
		e = &entry{
			holders: make(map[uint64]Mode),
			release: make(chan struct{}),
		}
		m.entries[u] = e
	}
	want := mode
	if held, ok := e.holders[txID]; ok {
		if covers(held, mode) {
			return true
		}
		want = merged(held, mode)
	}
	for other, held := range e.holders {
		if other == txID {
			continue
		}
		if !compatible(want, held) {
			return false
		}
	}
	e.holders[txID] = want
	m.txLocked(txID).units[u] = struct{}{}
	return true
}

// releaseUnitLocked drops txID's hold on u and wakes waiters. It
// reports whether a hold was released.
func (m *Manager) releaseUnitLocked(txID uint64, u Unit) bool {
	e := m.entries[u]
	if e == nil {
		return false
	}
	if _, ok := e.holders[txID]; !ok {
		return false
	}
	delete(e.holders, txID)
	close(e.release)
	if len(e.holders) == 0 {
		delete(m.entries, u)
	} else {
		e.release = make(chan struct{})
	}
	return true
}

// waitRelease blocks until a holder releases the contended unit, the
// waiting transaction is interrupted, or the deadline passes.
func waitRelease(release, abort <-chan struct{}, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrLockTimeout
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-release:
		return nil
	case <-abort:
		return ErrAborted
	case <-timer.C:
		return ErrLockTimeout
	}
}
