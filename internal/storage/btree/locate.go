package btree

import (
	"errors"
	"fmt"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

// pageStamp remembers a page version for revalidation after the latch
// on it was given up.
type pageStamp struct {
	ref storage.PageRef
	ver storage.LSA
}

// leafKeyAt returns entry i's full key, loading it from the overflow
// file when the entry stores only a chain reference.
func (t *BTree) leafKeyAt(page *storage.Page, i int) ([]byte, error) {
	e, err := leafEntryAt(page, i)
	if err != nil {
		return nil, err
	}
	if e.hasOvflKey() {
		return t.ovfl.LoadKey(e.keyOvfl)
	}
	return e.key, nil
}

// branchKeyAt returns separator i's full key. Entry 0 carries no key.
func (t *BTree) branchKeyAt(page *storage.Page, i int) ([]byte, error) {
	e, err := branchEntryAt(page, i)
	if err != nil {
		return nil, err
	}
	if e.hasOvflKey() {
		return t.ovfl.LoadKey(e.keyOvfl)
	}
	return e.key, nil
}

// searchLeaf finds the slot of key in a leaf: the entry index holding
// it when found, otherwise the index where it would be inserted.
//
// The comparisons carry equal-column counts: every entry between the
// current bounds shares at least min(loEq, hiEq) leading columns with
// the probe, so the comparison resumes past them.
func (t *BTree) searchLeaf(page *storage.Page, key []byte) (int, bool, error) {
	lo, hi := 0, entryCount(page)
	loEq, hiEq := 0, 0
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		mkey, err := t.leafKeyAt(page, mid)
		if err != nil {
			return 0, false, err
		}
		cmp, eq := t.domain.ComparePrefix(mkey, key, min(loEq, hiEq))
		switch {
		case cmp < 0:
			lo = mid + 1
			loEq = eq
		case cmp > 0:
			hi = mid
			hiEq = eq
		default:
			return mid, true, nil
		}
	}
	return lo, false, nil
}

// searchBranch picks the child to descend into: the child whose
// separator is the largest one ordered at or before key. A probe equal
// to separator i goes to child i; a probe below every separator goes
// to child 0.
func (t *BTree) searchBranch(page *storage.Page, key []byte) (int, error) {
	lo, hi := 1, entryCount(page)
	loEq, hiEq := 0, 0
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		skey, err := t.branchKeyAt(page, mid)
		if err != nil {
			return 0, err
		}
		cmp, eq := t.domain.ComparePrefix(skey, key, min(loEq, hiEq))
		if cmp <= 0 {
			lo = mid + 1
			loEq = eq
		} else {
			hi = mid
			hiEq = eq
		}
	}
	return lo - 1, nil
}

// descendToLeaf walks from the root to the leaf covering key, latch
// crabbing so at most two pages are fixed at once. Every page on the
// way down is fixed in mode. Write paths that restructure nodes run
// their own descents; this one never modifies anything.
func (t *BTree) descendToLeaf(key []byte, mode storage.FixMode) (*storage.PageHandle, error) {
	h, err := t.mgr.pool.Fix(t.root, mode)
	if err != nil {
		return nil, err
	}
	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			t.mgr.pool.Unfix(h)
			return nil, fmt.Errorf("%w: descent exceeds %d levels", ErrTreeInvalid, maxTreeDepth)
		}
		hdr, err := readNodeHeader(h.Page())
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		if hdr.isLeaf() {
			return h, nil
		}
		idx, err := t.searchBranch(h.Page(), key)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		e, err := branchEntryAt(h.Page(), idx)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		ch, err := t.mgr.pool.Fix(e.child, mode)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		if err := t.mgr.pool.Unfix(h); err != nil {
			t.mgr.pool.Unfix(ch)
			return nil, err
		}
		h = ch
	}
}

// descendToLeftmostLeaf walks child 0 pointers down to the first leaf.
func (t *BTree) descendToLeftmostLeaf(mode storage.FixMode) (*storage.PageHandle, error) {
	h, err := t.mgr.pool.Fix(t.root, mode)
	if err != nil {
		return nil, err
	}
	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			t.mgr.pool.Unfix(h)
			return nil, fmt.Errorf("%w: descent exceeds %d levels", ErrTreeInvalid, maxTreeDepth)
		}
		hdr, err := readNodeHeader(h.Page())
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		if hdr.isLeaf() {
			return h, nil
		}
		e, err := branchEntryAt(h.Page(), 0)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		ch, err := t.mgr.pool.Fix(e.child, mode)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		if err := t.mgr.pool.Unfix(h); err != nil {
			t.mgr.pool.Unfix(ch)
			return nil, err
		}
		h = ch
	}
}

// nextEntryTarget finds the lock unit standing for the first entry at
// or after slot idx of the fixed leaf, hopping right across empty
// leaves, with the root page as the pseudo-object past the last key.
//
// The leaf latch is kept across the first hop. A longer walk trades it
// away to stay within two latches and re-fixes it afterward; ok is
// false when the leaf changed in between, and the caller re-descends.
// On ok the (possibly re-fixed) leaf handle is returned along with
// version stamps of every page the walk read.
func (t *BTree) nextEntryTarget(h *storage.PageHandle, idx int) (lock.Unit, *storage.PageHandle, []pageStamp, bool, error) {
	leafRef, leafVer, leafMode := h.Ref(), h.Version(), h.Mode()
	stamps := []pageStamp{{leafRef, leafVer}}

	page := h.Page()
	if idx < entryCount(page) {
		e, err := leafEntryAt(page, idx)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return lock.Unit{}, nil, nil, false, err
		}
		return t.oidUnit(e.rep()), h, stamps, true, nil
	}
	hdr, err := readNodeHeader(page)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return lock.Unit{}, nil, nil, false, err
	}
	if hdr.sibling.IsNil() {
		return t.tailUnit(), h, stamps, true, nil
	}

	cur, err := t.mgr.pool.Fix(hdr.sibling, storage.FixShared)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return lock.Unit{}, nil, nil, false, err
	}
	leafHeld := true
	fail := func(err error) (lock.Unit, *storage.PageHandle, []pageStamp, bool, error) {
		t.mgr.pool.Unfix(cur)
		if leafHeld {
			t.mgr.pool.Unfix(h)
		}
		return lock.Unit{}, nil, nil, false, err
	}
	for {
		stamps = append(stamps, pageStamp{cur.Ref(), cur.Version()})
		chdr, err := readNodeHeader(cur.Page())
		if err != nil {
			return fail(err)
		}
		var u lock.Unit
		haveUnit := false
		if entryCount(cur.Page()) > 0 {
			e, err := leafEntryAt(cur.Page(), 0)
			if err != nil {
				return fail(err)
			}
			u = t.oidUnit(e.rep())
			haveUnit = true
		} else if chdr.sibling.IsNil() {
			u = t.tailUnit()
			haveUnit = true
		}
		if haveUnit {
			if err := t.mgr.pool.Unfix(cur); err != nil {
				if leafHeld {
					t.mgr.pool.Unfix(h)
				}
				return lock.Unit{}, nil, nil, false, err
			}
			if leafHeld {
				return u, h, stamps, true, nil
			}
			// The walk gave the leaf latch up; take it back and make
			// sure nothing moved underneath.
			h2, err := t.mgr.pool.Fix(leafRef, leafMode)
			if err != nil {
				return lock.Unit{}, nil, nil, false, err
			}
			if h2.Version() != leafVer {
				t.mgr.pool.Unfix(h2)
				return lock.Unit{}, nil, nil, false, nil
			}
			return u, h2, stamps, true, nil
		}
		// Another empty leaf. Drop the operation leaf so the crab to
		// the next sibling stays within two latches.
		if leafHeld {
			if err := t.mgr.pool.Unfix(h); err != nil {
				t.mgr.pool.Unfix(cur)
				return lock.Unit{}, nil, nil, false, err
			}
			leafHeld = false
		}
		nh, err := t.mgr.pool.Fix(chdr.sibling, storage.FixShared)
		if err != nil {
			t.mgr.pool.Unfix(cur)
			return lock.Unit{}, nil, nil, false, err
		}
		if err := t.mgr.pool.Unfix(cur); err != nil {
			t.mgr.pool.Unfix(nh)
			return lock.Unit{}, nil, nil, false, err
		}
		cur = nh
	}
}

// lockDance acquires u for txID without holding latches across a
// blocked lock wait. When the lock is free it is taken with the leaf
// latch still held; otherwise the latch is released, the wait blocks,
// and the leaf is re-fixed.
//
// Every watched page is revalidated after the grant. A changed stamp
// means the target may no longer be the right object to hold; the
// acquired lock is kept anyway, since commit releases it and a repeat
// grant after the re-descend is free, but ok comes back false and the
// caller starts over. The first stamp must be the leaf's own.
func (t *BTree) lockDance(txID uint64, h *storage.PageHandle, u lock.Unit, mode lock.Mode, watch []pageStamp) (*storage.PageHandle, bool, error) {
	leafRef, leafMode := h.Ref(), h.Mode()
	waited := false

	if !t.mgr.locks.TryLock(txID, u, mode) {
		if err := t.mgr.pool.Unfix(h); err != nil {
			return nil, false, err
		}
		if err := t.mgr.locks.Lock(txID, u, mode); err != nil {
			return nil, false, err
		}
		waited = true
		var err error
		h, err = t.mgr.pool.Fix(leafRef, leafMode)
		if err != nil {
			return nil, false, err
		}
	}

	for _, s := range watch {
		var cur storage.LSA
		var err error
		if s.ref == leafRef {
			if !waited {
				continue
			}
			cur = h.Version()
		} else {
			cur, err = t.mgr.pool.CurrentVersion(s.ref)
			if err != nil {
				t.mgr.pool.Unfix(h)
				return nil, false, err
			}
		}
		if cur != s.ver {
			t.mgr.pool.Unfix(h)
			return nil, false, nil
		}
	}
	return h, true, nil
}

// holdsAny reports whether txID already holds u in some mode. Intent
// shared is the weakest mode, so every hold covers it. Locks taken
// for an instant are only released afterward when the transaction did
// not hold the unit before: Unlock drops the whole hold, and dropping
// a hold some earlier read or write still depends on would be wrong.
func (t *BTree) holdsAny(txID uint64, u lock.Unit) bool {
	return t.mgr.locks.Holds(txID, u, lock.IntentShared)
}

// Search returns every OID stored under key. A missing key is
// ErrKeyNotFound; null keys are never stored, only counted.
//
// The found objects' representative is locked shared through the usual
// dance. Read committed drops the lock before returning; higher levels
// keep it for the transaction. A miss under phantom protection locks
// the next key in its place so the gap cannot fill unseen.
func (t *BTree) Search(txn *tx.Transaction, key []byte) ([]storage.OID, error) {
	if err := opGuard(txn); err != nil {
		return nil, err
	}
	if len(key) > MaxKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	if keydom.IsNull(key) {
		return nil, ErrKeyNotFound
	}
	txID := txn.UID()

	for {
		h, err := t.descendToLeaf(key, storage.FixShared)
		if err != nil {
			return nil, err
		}
		idx, found, err := t.searchLeaf(h.Page(), key)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}

		if !found {
			if !txn.PhantomProtected() {
				t.mgr.pool.Unfix(h)
				return nil, ErrKeyNotFound
			}
			u, h2, stamps, ok, err := t.nextEntryTarget(h, idx)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			h2, ok, err = t.lockDance(txID, h2, u, lock.Shared, stamps)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			t.mgr.pool.Unfix(h2)
			return nil, ErrKeyNotFound
		}

		e, err := leafEntryAt(h.Page(), idx)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		u := t.oidUnit(e.rep())
		preHeld := t.holdsAny(txID, u)
		h, ok, err := t.lockDance(txID, h, u, lock.Shared, []pageStamp{{h.Ref(), h.Version()}})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		// Re-read under the held lock; the dance may have re-fixed.
		idx, found, err = t.searchLeaf(h.Page(), key)
		if err != nil || !found {
			t.mgr.pool.Unfix(h)
			if err != nil {
				return nil, err
			}
			continue
		}
		oids, err := t.collectOIDs(h.Page(), idx)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		if err := t.mgr.pool.Unfix(h); err != nil {
			return nil, err
		}
		if !txn.HoldsReadLocks() && !preHeld {
			t.mgr.locks.Unlock(txID, u)
		}
		return oids, nil
	}
}

// FindUnique returns the object a unique index maps key to. The
// uniqueness invariant makes the first OID the only one, so a hit
// never touches overflow chains. A missing key comes back as
// ok=false, not an error; lookups before existence checks are the
// common caller.
func (t *BTree) FindUnique(txn *tx.Transaction, key []byte) (storage.OID, bool, error) {
	if !t.unique {
		return storage.NilOID, false, fmt.Errorf("%w: class %d index is not unique", ErrNotUnique, t.classID)
	}
	oids, err := t.Search(txn, key)
	if errors.Is(err, ErrKeyNotFound) {
		return storage.NilOID, false, nil
	}
	if err != nil {
		return storage.NilOID, false, err
	}
	if len(oids) != 1 {
		return storage.NilOID, false, fmt.Errorf("%w: unique key maps to %d objects", ErrTreeInvalid, len(oids))
	}
	return oids[0], true, nil
}

// collectOIDs copies the full OID list of leaf entry idx, inline OIDs
// first, then the overflow chain.
func (t *BTree) collectOIDs(page *storage.Page, idx int) ([]storage.OID, error) {
	e, err := leafEntryAt(page, idx)
	if err != nil {
		return nil, err
	}
	oids := make([]storage.OID, 0, e.inlineCount())
	for i := 0; i < e.inlineCount(); i++ {
		oids = append(oids, e.oidAt(i))
	}
	if !e.ovflOIDs.IsNil() {
		rest, err := t.ovfl.LoadOIDs(e.ovflOIDs)
		if err != nil {
			return nil, err
		}
		oids = append(oids, rest...)
	}
	return oids, nil
}
