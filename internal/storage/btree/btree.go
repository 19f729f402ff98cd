package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

// Tree errors.
var (
	ErrKeyNotFound     = errors.New("key not found in index")
	ErrObjectNotFound  = errors.New("object not found under key")
	ErrUniqueViolation = errors.New("duplicate key in unique index")
	ErrNotUnique       = errors.New("index does not enforce uniqueness")
	ErrKeyTooLarge     = errors.New("key exceeds maximum size")
	ErrNilOID          = errors.New("nil object identifier")
	ErrTreeInvalid     = errors.New("tree structure invalid")
	ErrUnknownIndex    = errors.New("page is not a committed index root")
)

// LockTable is the slice of the lock manager the tree needs. Escalation
// to coarser locks is the manager's policy, not the tree's; a request
// the policy already covers is simply granted.
type LockTable interface {
	TryLock(txID uint64, u lock.Unit, mode lock.Mode) bool
	Lock(txID uint64, u lock.Unit, mode lock.Mode) error
	Unlock(txID uint64, u lock.Unit)
	Holds(txID uint64, u lock.Unit, mode lock.Mode) bool
}

// MergePolicy picks the neighbor an underfull node merges with when
// both sides qualify. It returns true for the left neighbor.
type MergePolicy func(leftFree, rightFree int) bool

// PreferMoreFreeSpace merges with whichever neighbor has more free
// space, favoring the left on a tie.
func PreferMoreFreeSpace(leftFree, rightFree int) bool {
	return leftFree >= rightFree
}

// Manager creates, opens, and drops the indexes of one database. All
// trees share its buffer pool, WAL, and lock table.
type Manager struct {
	pool   *storage.BufferPool
	wal    *storage.WAL
	locks  LockTable
	policy MergePolicy

	mu    sync.Mutex
	trees map[storage.PageRef]*BTree
}

// NewManager creates a tree manager. A nil policy selects
// PreferMoreFreeSpace.
func NewManager(pool *storage.BufferPool, wal *storage.WAL, locks LockTable, policy MergePolicy) *Manager {
	if policy == nil {
		policy = PreferMoreFreeSpace
	}
	return &Manager{
		pool:   pool,
		wal:    wal,
		locks:  locks,
		policy: policy,
		trees:  make(map[storage.PageRef]*BTree),
	}
}

// BTree is one open index. The descriptor fields cached here are
// immutable for the life of the index; statistics and flags are read
// from the root page.
type BTree struct {
	mgr     *Manager
	root    storage.PageRef
	domain  keydom.Domain
	classID uint32
	unique  bool
	ovfl    *storage.OverflowFile

	// newFile is true between Create and the commit that publishes the
	// tree. Only the creating transaction can reach the tree then, so
	// plain reads are safe: everyone else obtains it through Open,
	// which synchronizes on the manager map.
	newFile bool
}

// Root returns the root page reference, the durable name of the index.
func (t *BTree) Root() storage.PageRef { return t.root }

// ClassID returns the class whose objects the index maps to.
func (t *BTree) ClassID() uint32 { return t.classID }

// Domain returns the index key domain.
func (t *BTree) Domain() keydom.Domain { return t.domain }

// Unique reports whether the index enforces one OID per key.
func (t *BTree) Unique() bool { return t.unique }

// Create formats a new index rooted on a fresh page of vol, with
// overflow chains on ovflVol. The tree becomes visible to other
// transactions when txn commits; until then it carries the new-file
// flag and every change to it stays fully undoable, so an abort
// unwinds the whole build.
func (m *Manager) Create(txn *tx.Transaction, vol, ovflVol uint16, classID uint32, domain keydom.Domain, unique bool) (*BTree, error) {
	if err := opGuard(txn); err != nil {
		return nil, err
	}
	if err := domain.Validate(); err != nil {
		return nil, err
	}

	h, err := m.pool.AllocatePage(vol, storage.PageTypeNode)
	if err != nil {
		return nil, err
	}
	root := h.Ref()

	flags := byte(rootFlagNewFile)
	if unique {
		flags |= rootFlagUnique
	}
	if domain.Reverse {
		flags |= rootFlagReverse
	}
	rec0 := encodeRootRecord(
		nodeHeader{kind: kindLeaf},
		rootExt{
			flags:    flags,
			ovflVol:  ovflVol,
			classID:  classID,
			revision: 1,
			domain:   domain.Encode(),
		},
	)

	t := &BTree{
		mgr:     m,
		root:    root,
		domain:  domain,
		classID: classID,
		unique:  unique,
		ovfl:    storage.NewOverflowFile(m.pool, m.wal, ovflVol),
		newFile: true,
	}

	txID := txn.UID()
	if _, err := m.wal.Append(storage.NewPageFormatRecord(txID, root, storage.PageTypeNode)); err != nil {
		m.pool.Unfix(h)
		return nil, err
	}
	if _, err := h.Page().AppendRecord(rec0); err != nil {
		m.pool.Unfix(h)
		return nil, err
	}
	if err := t.stamp(h, storage.NewInsertSlotRecord(txID, root, 0, rec0)); err != nil {
		m.pool.Unfix(h)
		return nil, err
	}
	if err := m.pool.Unfix(h); err != nil {
		return nil, err
	}

	txn.OnCommit(func(committing *tx.Transaction) error {
		return m.publish(committing.UID(), t)
	})
	return t, nil
}

// publish clears the new-file flag and registers the tree. Runs inside
// commit of the creating transaction, before the commit record.
func (m *Manager) publish(txID uint64, t *BTree) error {
	h, err := m.pool.Fix(t.root, storage.FixExclusive)
	if err != nil {
		return err
	}
	defer m.pool.Unfix(h)

	rec, err := h.Page().Record(0)
	if err != nil {
		return err
	}
	old := append([]byte(nil), rec...)
	upd := append([]byte(nil), rec...)
	upd[nodeHeaderSize] &^= rootFlagNewFile
	if err := h.Page().UpdateRecord(0, upd); err != nil {
		return err
	}
	if err := t.stamp(h, storage.NewUpdateRecord(txID, t.root, 0, old, upd)); err != nil {
		return err
	}

	m.mu.Lock()
	t.newFile = false
	m.trees[t.root] = t
	m.mu.Unlock()
	return nil
}

// Open returns the tree rooted at root, reading its descriptor on
// first use. A root still flagged as part of an uncommitted build is
// not a visible index.
func (m *Manager) Open(root storage.PageRef) (*BTree, error) {
	m.mu.Lock()
	if t, ok := m.trees[root]; ok {
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	t, newFile, err := m.readDescriptor(root)
	if err != nil {
		return nil, err
	}
	if newFile {
		return nil, fmt.Errorf("%w: %s is still being built", ErrUnknownIndex, root)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.trees[root]; ok {
		return existing, nil
	}
	m.trees[root] = t
	return t, nil
}

// readDescriptor loads and validates the index descriptor from a root
// page.
func (m *Manager) readDescriptor(root storage.PageRef) (*BTree, bool, error) {
	h, err := m.pool.Fix(root, storage.FixShared)
	if err != nil {
		return nil, false, err
	}
	defer m.pool.Unfix(h)

	page := h.Page()
	if page.Header.PageType != storage.PageTypeNode {
		return nil, false, fmt.Errorf("%w: %s is a %s page", ErrUnknownIndex, root, page.Header.PageType)
	}
	rec, err := page.Record(0)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s has no descriptor", ErrUnknownIndex, root)
	}
	if _, err := decodeNodeHeader(rec); err != nil {
		return nil, false, err
	}
	ext, err := decodeRootExt(rec)
	if err != nil {
		return nil, false, err
	}
	domain, err := keydom.DecodeDomain(ext.domain)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s carries a bad domain: %v", ErrUnknownIndex, root, err)
	}

	t := &BTree{
		mgr:     m,
		root:    root,
		domain:  domain,
		classID: ext.classID,
		unique:  ext.unique(),
		ovfl:    storage.NewOverflowFile(m.pool, m.wal, ext.ovflVol),
	}
	return t, ext.newFile(), nil
}

// Drop releases every page of the tree, overflow chains included, and
// forgets it. The caller must hold the index in exclusive use; the
// pages come back if txn rolls back, and the index can be reopened
// then.
func (m *Manager) Drop(txn *tx.Transaction, t *BTree) error {
	if err := opGuard(txn); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.trees, t.root)
	m.mu.Unlock()

	return t.freeSubtree(txn.UID(), t.root)
}

// freeSubtree frees the subtree under ref post-order, root page last,
// logging each page image for undo. At most one node latch is held at
// a time.
func (t *BTree) freeSubtree(txID uint64, ref storage.PageRef) error {
	h, err := t.mgr.pool.Fix(ref, storage.FixExclusive)
	if err != nil {
		return err
	}
	page := h.Page()
	hdr, err := readNodeHeader(page)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return err
	}

	var children, chains []storage.PageRef
	for i := 0; i < entryCount(page); i++ {
		if hdr.isLeaf() {
			e, err := leafEntryAt(page, i)
			if err != nil {
				t.mgr.pool.Unfix(h)
				return err
			}
			if e.hasOvflKey() {
				chains = append(chains, e.keyOvfl)
			}
			if !e.ovflOIDs.IsNil() {
				chains = append(chains, e.ovflOIDs)
			}
		} else {
			e, err := branchEntryAt(page, i)
			if err != nil {
				t.mgr.pool.Unfix(h)
				return err
			}
			children = append(children, e.child)
			if e.hasOvflKey() {
				chains = append(chains, e.keyOvfl)
			}
		}
	}
	image := append([]byte(nil), page.Data...)
	if err := t.mgr.pool.MarkDirty(h, 0); err != nil {
		t.mgr.pool.Unfix(h)
		return err
	}
	if err := t.mgr.pool.Unfix(h); err != nil {
		return err
	}

	for _, c := range chains {
		if err := t.ovfl.FreeChain(txID, c); err != nil {
			return err
		}
	}
	for _, c := range children {
		if err := t.freeSubtree(txID, c); err != nil {
			return err
		}
	}

	if _, err := t.mgr.wal.Append(storage.NewPageFreeRecord(txID, ref, storage.PageTypeNode, image)); err != nil {
		return err
	}
	return t.freeRetired(ref)
}

// opCtx carries one operation's locking and logging regime down the
// tree.
type opCtx struct {
	txID uint64

	// comp marks a compensating run during rollback: no locks, no
	// logical records, no counter changes, and a pair already in the
	// target state is a success.
	comp     bool
	undoNext uint64

	// newFile marks a tree still invisible outside its creating
	// transaction: no locks, no logical records, no scopes.
	newFile bool

	// delta, when set, receives counter changes instead of the root.
	delta *tx.StatsDelta
}

// locking reports whether the operation takes object locks.
func (c *opCtx) locking() bool { return !c.comp && !c.newFile }

// scoped reports whether structural changes run inside nested
// top-level scopes and key changes log logical records. An
// uncommitted new tree needs neither: its abort frees the whole file,
// so physical undo of the touched pages already reverts everything
// and no completed split has to outlive the transaction. A
// compensating run is itself undo and is never undone again.
func (c *opCtx) scoped() bool { return !c.comp && !c.newFile }

// opGuard validates the transaction handed to an operation.
func opGuard(txn *tx.Transaction) error {
	if txn == nil {
		return tx.ErrNilTransaction
	}
	if !txn.IsActive() {
		return tx.ErrTxNotActive
	}
	return nil
}

// stamp appends rec to the WAL and stamps the fixed page with the
// record's LSN. Every page mutation pairs with one of these.
func (t *BTree) stamp(h *storage.PageHandle, rec *storage.WALRecord) error {
	lsn, err := t.mgr.wal.Append(rec)
	if err != nil {
		return err
	}
	return t.mgr.pool.MarkDirty(h, storage.LSA(lsn))
}

// beginScope opens a nested top-level scope. Changes inside a closed
// scope survive rollback of the enclosing transaction.
func (m *Manager) beginScope(txID uint64) (uint64, error) {
	return m.wal.Append(storage.NewWALRecord(txID, storage.WALNestedTopBegin))
}

// endScope closes the scope opened at beginLSN.
func (m *Manager) endScope(txID, beginLSN uint64) error {
	_, err := m.wal.Append(storage.NewNestedTopEndRecord(txID, beginLSN))
	return err
}

// logLogical writes the logical record for one key/OID change. Abort
// reverts the change by running the inverse operation.
func (t *BTree) logLogical(ctx *opCtx, typ storage.WALType, key []byte, oid storage.OID) error {
	if !ctx.scoped() {
		return nil
	}
	_, err := t.mgr.wal.Append(storage.NewLogicalRecord(ctx.txID, typ, t.root, key, oid))
	return err
}

// writeNodeHeader rewrites the header fields of record 0 in place,
// preserving the root extension when present, and logs the update.
func (t *BTree) writeNodeHeader(ctx *opCtx, h *storage.PageHandle, hdr nodeHeader) error {
	page := h.Page()
	rec, err := page.Record(0)
	if err != nil {
		return err
	}
	old := append([]byte(nil), rec...)
	upd := append([]byte(nil), rec...)
	hdr.encode(upd)
	if err := page.UpdateRecord(0, upd); err != nil {
		return err
	}
	return t.stamp(h, storage.NewUpdateRecord(ctx.txID, h.Ref(), 0, old, upd))
}

// bumpCounters adjusts the root statistics counters: total OIDs, null
// OIDs, distinct keys. A compensating run never touches them; the
// adjustment of the operation it reverts is rolled back arithmetically
// from its own record. With a delta attached the changes accumulate
// there until the statement applies them in one move.
//
// The distinct-key counter stays exact on non-unique trees too. The
// leaf paths already know whether an insert opened a key or a delete
// drained its last OID, so the counter only moves with those events
// and costs nothing extra to keep.
func (t *BTree) bumpCounters(ctx *opCtx, dOIDs, dNulls, dKeys int64) error {
	if ctx.comp || (dOIDs == 0 && dNulls == 0 && dKeys == 0) {
		return nil
	}
	if ctx.delta != nil {
		ctx.delta.Merge(tx.StatsDelta{OIDs: dOIDs, Nulls: dNulls, Keys: dKeys})
		return nil
	}
	return t.addCounters(ctx.txID, dOIDs, dNulls, dKeys)
}

// addCounters applies a counter adjustment to the root and logs it as
// a delta, so rollback adjusts whatever the root record has become by
// then.
func (t *BTree) addCounters(txID uint64, dOIDs, dNulls, dKeys int64) error {
	return t.adjustCounters(txID, dOIDs, dNulls, dKeys, nil)
}

// adjustCounters is addCounters with a precondition: check sees the
// descriptor under the same latch the adjustment runs under, and its
// error abandons the change before anything is logged.
func (t *BTree) adjustCounters(txID uint64, dOIDs, dNulls, dKeys int64, check func(rootExt) error) error {
	h, err := t.mgr.pool.Fix(t.root, storage.FixExclusive)
	if err != nil {
		return err
	}
	defer t.mgr.pool.Unfix(h)

	rec, err := h.Page().Record(0)
	if err != nil {
		return err
	}
	if len(rec) < rootCounterOff+24 {
		return fmt.Errorf("%w: root record too short for counters", storage.ErrCorruptPage)
	}
	if check != nil {
		ext, err := decodeRootExt(rec)
		if err != nil {
			return err
		}
		if err := check(ext); err != nil {
			return err
		}
	}
	deltas := []int64{dOIDs, dNulls, dKeys}
	for i, d := range deltas {
		off := rootCounterOff + 8*i
		cur := binary.LittleEndian.Uint64(rec[off:])
		binary.LittleEndian.PutUint64(rec[off:], cur+uint64(d))
	}
	return t.stamp(h, storage.NewCounterDeltaRecord(txID, t.root, 0, rootCounterOff, deltas))
}

// ApplyStatsDelta folds a statement's accumulated counter changes into
// the root in one logged move and clears the delta. Multi-row
// statements pass a delta to every operation and apply it once here
// when they end.
func (t *BTree) ApplyStatsDelta(txn *tx.Transaction, delta *tx.StatsDelta) error {
	if err := opGuard(txn); err != nil {
		return err
	}
	if delta == nil {
		return nil
	}
	if !delta.IsZero() {
		if err := t.addCounters(txn.UID(), delta.OIDs, delta.Nulls, delta.Keys); err != nil {
			return err
		}
	}
	*delta = tx.StatsDelta{}
	return nil
}

// oidUnit returns the lock unit of one object indexed by this tree.
func (t *BTree) oidUnit(oid storage.OID) lock.Unit {
	return lock.ObjectUnit(t.classID, oid)
}

// tailUnit returns the pseudo-object locked as the successor of the
// last key in the tree. The root page stands in for it; no real OID
// carries the no-slot marker, so the unit cannot collide with a row.
func (t *BTree) tailUnit() lock.Unit {
	return lock.ObjectUnit(t.classID, storage.OID{
		Vol:  t.root.Vol,
		Page: t.root.Page,
		Slot: storage.NoSlot,
	})
}

// readRootExt reads the descriptor extension from a fixed root page.
func readRootExt(page *storage.Page) (rootExt, error) {
	rec, err := page.Record(0)
	if err != nil {
		return rootExt{}, fmt.Errorf("%w: root %s has no descriptor", storage.ErrCorruptPage, page.Header.Ref)
	}
	return decodeRootExt(rec)
}
