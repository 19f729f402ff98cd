package btree

import (
	"fmt"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

// Insert maps key to oid. Inserting a pair the index already holds is
// a no-op; a second OID under a key of a unique index is
// ErrUniqueViolation. A null key stores nothing and only moves the
// null counters. Statistics are updated on the root directly.
func (t *BTree) Insert(txn *tx.Transaction, key []byte, oid storage.OID) error {
	return t.insertOuter(txn, key, oid, nil)
}

// InsertDeferred is Insert with the statistics change folded into
// delta instead of the root. Multi-row statements thread one delta
// through every row and apply it once when the statement ends, so a
// rollback before that point has nothing on the root to revert.
func (t *BTree) InsertDeferred(txn *tx.Transaction, key []byte, oid storage.OID, delta *tx.StatsDelta) error {
	return t.insertOuter(txn, key, oid, delta)
}

func (t *BTree) insertOuter(txn *tx.Transaction, key []byte, oid storage.OID, delta *tx.StatsDelta) error {
	if err := opGuard(txn); err != nil {
		return err
	}
	if oid.IsNil() {
		return ErrNilOID
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	ctx := &opCtx{txID: txn.UID(), newFile: t.newFile, delta: delta}

	if keydom.IsNull(key) {
		return t.bumpCounters(ctx, 1, 1, 0)
	}

	if ctx.locking() {
		if err := t.mgr.locks.Lock(ctx.txID, lock.ClassUnit(t.classID), lock.IntentExclusive); err != nil {
			return err
		}
		if err := t.mgr.locks.Lock(ctx.txID, t.oidUnit(oid), lock.Exclusive); err != nil {
			return err
		}
	}

	for {
		done, err := t.insertAttempt(ctx, key, oid)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// insertAttempt runs one descent. It reports false without error when
// a lock dance invalidated the position and the operation must start
// over.
func (t *BTree) insertAttempt(ctx *opCtx, key []byte, oid storage.OID) (bool, error) {
	h, err := t.descendForInsert(ctx, key)
	if err != nil {
		return false, err
	}
	idx, found, err := t.searchLeaf(h.Page(), key)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	if found {
		return t.insertExisting(ctx, h, idx, key, oid)
	}
	return t.insertNew(ctx, h, idx, key, oid)
}

// leafNeed sizes the edit an insert will make on the leaf covering the
// key: record growth for an existing entry, a fresh record for a new
// one, nothing when the OID spills straight to the overflow chain.
func leafNeed(page *storage.Page, idx int, found bool, keyLen int) (recLen int, grow bool, err error) {
	if found {
		e, err := leafEntryAt(page, idx)
		if err != nil {
			return 0, false, err
		}
		if e.inlineCount() < maxInlineOIDs {
			return storage.OIDSize, true, nil
		}
		return 0, false, nil
	}
	stored := keyLen
	if keyLen > maxInlineKeyLen {
		stored = treeRefSize
	}
	return leafEntrySize(stored, 1), false, nil
}

// leafRoomFor reports whether the page can absorb the sized edit.
func leafRoomFor(page *storage.Page, recLen int, grow bool) bool {
	if grow {
		return recLen <= page.FreeSpace()
	}
	if recLen == 0 {
		return true
	}
	return page.FitsRecord(recLen)
}

// descendForInsert walks down to the leaf covering key with exclusive
// latches, splitting every full node on the way before stepping into
// it. The returned leaf is guaranteed to absorb the insert, so no
// split can be needed while ascending, and the parent latch can be
// dropped at each step.
func (t *BTree) descendForInsert(ctx *opCtx, key []byte) (*storage.PageHandle, error) {
	h, err := t.mgr.pool.Fix(t.root, storage.FixExclusive)
	if err != nil {
		return nil, err
	}
	hdr, err := readNodeHeader(h.Page())
	if err != nil {
		t.mgr.pool.Unfix(h)
		return nil, err
	}

	if hdr.isLeaf() {
		idx, found, err := t.searchLeaf(h.Page(), key)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		recLen, grow, err := leafNeed(h.Page(), idx, found, len(key))
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		if leafRoomFor(h.Page(), recLen, grow) {
			return h, nil
		}
		return t.splitRoot(ctx, h, key, idx, splitBudget(recLen, grow))
	}

	if !h.Page().FitsRecord(branchWorstEntrySize - storage.SlotEntrySize) {
		if h, err = t.splitRoot(ctx, h, key, -1, 0); err != nil {
			return nil, err
		}
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
		ch, err := t.mgr.pool.Fix(e.child, storage.FixExclusive)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		chdr, err := readNodeHeader(ch.Page())
		if err != nil {
			t.mgr.pool.Unfix(ch)
			t.mgr.pool.Unfix(h)
			return nil, err
		}

		if chdr.isLeaf() {
			lidx, lfound, err := t.searchLeaf(ch.Page(), key)
			if err != nil {
				t.mgr.pool.Unfix(ch)
				t.mgr.pool.Unfix(h)
				return nil, err
			}
			recLen, grow, err := leafNeed(ch.Page(), lidx, lfound, len(key))
			if err != nil {
				t.mgr.pool.Unfix(ch)
				t.mgr.pool.Unfix(h)
				return nil, err
			}
			if leafRoomFor(ch.Page(), recLen, grow) {
				if err := t.mgr.pool.Unfix(h); err != nil {
					t.mgr.pool.Unfix(ch)
					return nil, err
				}
				return ch, nil
			}
			return t.splitChild(ctx, h, idx, ch, key, lidx, splitBudget(recLen, grow))
		}

		if !ch.Page().FitsRecord(branchWorstEntrySize - storage.SlotEntrySize) {
			if h, err = t.splitChild(ctx, h, idx, ch, key, -1, 0); err != nil {
				return nil, err
			}
			continue
		}
		if err := t.mgr.pool.Unfix(h); err != nil {
			t.mgr.pool.Unfix(ch)
			return nil, err
		}
		h = ch
	}
}

// splitBudget converts a sized leaf edit into the byte weight the
// split point calculation assigns to the incoming entry.
func splitBudget(recLen int, grow bool) int {
	if grow {
		return recLen
	}
	return recLen + storage.SlotEntrySize
}

// insertExisting adds oid to the entry already holding key at idx.
func (t *BTree) insertExisting(ctx *opCtx, h *storage.PageHandle, idx int, key []byte, oid storage.OID) (bool, error) {
	e, err := leafEntryAt(h.Page(), idx)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	if e.indexOfInline(oid) >= 0 {
		t.mgr.pool.Unfix(h)
		return true, nil
	}
	if !e.ovflOIDs.IsNil() {
		has, err := t.ovfl.ContainsOID(e.ovflOIDs, oid)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		if has {
			t.mgr.pool.Unfix(h)
			return true, nil
		}
	}

	if t.unique {
		return t.uniqueConflict(ctx, h, e.rep())
	}

	if ctx.locking() {
		// Adding an OID to a key someone may be re-reading: take the
		// entry's representative for an instant so their hold resolves
		// first.
		u := t.oidUnit(e.rep())
		preHeld := t.holdsAny(ctx.txID, u)
		h2, ok, err := t.lockDance(ctx.txID, h, u, lock.Exclusive, []pageStamp{{h.Ref(), h.Version()}})
		if !preHeld {
			t.mgr.locks.Unlock(ctx.txID, u)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		h = h2
	}

	page := h.Page()
	if e, err = leafEntryAt(page, idx); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}

	if err := t.logLogical(ctx, storage.WALKeyInsert, key, oid); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	var scopeLSN uint64
	if ctx.scoped() {
		if scopeLSN, err = t.mgr.beginScope(ctx.txID); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
	}

	slot := entrySlot(idx)
	if e.inlineCount() < maxInlineOIDs {
		old, err := page.Record(slot)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		oldCopy := append([]byte(nil), old...)
		updated := append(oldCopy[:len(oldCopy):len(oldCopy)], oidBytes(oid)...)
		if err := page.UpdateRecord(slot, updated); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		if err := t.stamp(h, storage.NewUpdateRecord(ctx.txID, h.Ref(), uint16(slot), oldCopy, updated)); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
	} else {
		// Inline area full; the OID goes to the chain. The entry bytes
		// only change when the chain head springs into existence.
		newHead, err := t.ovfl.AppendOID(ctx.txID, e.ovflOIDs, oid)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		if newHead != e.ovflOIDs {
			old, err := page.Record(slot)
			if err != nil {
				t.mgr.pool.Unfix(h)
				return false, err
			}
			oldCopy := append([]byte(nil), old...)
			e.ovflOIDs = newHead
			updated := encodeLeafEntry(e)
			if err := page.UpdateRecord(slot, updated); err != nil {
				t.mgr.pool.Unfix(h)
				return false, err
			}
			if err := t.stamp(h, storage.NewUpdateRecord(ctx.txID, h.Ref(), uint16(slot), oldCopy, updated)); err != nil {
				t.mgr.pool.Unfix(h)
				return false, err
			}
		}
	}

	if ctx.scoped() {
		if err := t.mgr.endScope(ctx.txID, scopeLSN); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
	}
	if err := t.mgr.pool.Unfix(h); err != nil {
		return false, err
	}
	return true, t.bumpCounters(ctx, 1, 0, 0)
}

// uniqueConflict resolves a second OID arriving under a unique key.
// The holder of the existing entry may be mid-transaction: wait on its
// representative, then look again. Only a duplicate that survives its
// owner is a violation, and the statistics stay untouched either way.
func (t *BTree) uniqueConflict(ctx *opCtx, h *storage.PageHandle, rep storage.OID) (bool, error) {
	violation := fmt.Errorf("%w: key held by %s", ErrUniqueViolation, rep)
	if !ctx.locking() {
		t.mgr.pool.Unfix(h)
		return false, violation
	}
	u := t.oidUnit(rep)
	if t.holdsAny(ctx.txID, u) {
		// The existing entry is this transaction's own work.
		t.mgr.pool.Unfix(h)
		return false, violation
	}
	h2, ok, err := t.lockDance(ctx.txID, h, u, lock.Exclusive, []pageStamp{{h.Ref(), h.Version()}})
	t.mgr.locks.Unlock(ctx.txID, u)
	if err != nil {
		return false, err
	}
	if !ok {
		// The entry moved while we waited; its owner may have rolled
		// back. Start over and re-judge.
		return false, nil
	}
	t.mgr.pool.Unfix(h2)
	return false, violation
}

// insertNew creates the entry for a key the leaf does not hold,
// locking the next key for an instant first so no phantom-protected
// reader is mid-flight through the gap.
func (t *BTree) insertNew(ctx *opCtx, h *storage.PageHandle, idx int, key []byte, oid storage.OID) (bool, error) {
	if ctx.locking() {
		u, h2, stamps, ok, err := t.nextEntryTarget(h, idx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		preHeld := t.holdsAny(ctx.txID, u)
		h2, ok, err = t.lockDance(ctx.txID, h2, u, lock.Exclusive, stamps)
		if !preHeld {
			t.mgr.locks.Unlock(ctx.txID, u)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		h = h2
	}

	page := h.Page()
	if err := t.logLogical(ctx, storage.WALKeyInsert, key, oid); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	var scopeLSN uint64
	var err error
	if ctx.scoped() {
		if scopeLSN, err = t.mgr.beginScope(ctx.txID); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
	}

	hdr, err := readNodeHeader(page)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}

	e := leafEntry{oids: oidBytes(oid)}
	if len(key) > maxInlineKeyLen {
		head, err := t.ovfl.StoreKey(ctx.txID, key)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		e.keyOvfl = head
	} else {
		e.key = key
	}
	rec := encodeLeafEntry(e)
	slot := entrySlot(idx)
	if err := page.InsertRecordAt(slot, rec); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	if err := t.stamp(h, storage.NewInsertSlotRecord(ctx.txID, h.Ref(), uint16(slot), rec)); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}

	hdr.keyCount++
	if len(key) > hdr.maxKeyLen {
		hdr.maxKeyLen = len(key)
	}
	if err := t.writeNodeHeader(ctx, h, hdr); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}

	if ctx.scoped() {
		if err := t.mgr.endScope(ctx.txID, scopeLSN); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
	}
	if err := t.mgr.pool.Unfix(h); err != nil {
		return false, err
	}
	return true, t.bumpCounters(ctx, 1, 0, 1)
}
