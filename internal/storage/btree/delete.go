package btree

import (
	"fmt"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

// Delete removes the key→oid pair. The key's entry goes with its last
// object; the emptied leaf stays in place until a later descent merges
// it away. ErrKeyNotFound and ErrObjectNotFound report a pair the
// index does not hold. A null key only moves the null counters.
func (t *BTree) Delete(txn *tx.Transaction, key []byte, oid storage.OID) error {
	return t.deleteOuter(txn, key, oid, nil)
}

// DeleteDeferred is Delete with the statistics change folded into
// delta instead of the root, the counterpart of InsertDeferred.
func (t *BTree) DeleteDeferred(txn *tx.Transaction, key []byte, oid storage.OID, delta *tx.StatsDelta) error {
	return t.deleteOuter(txn, key, oid, delta)
}

func (t *BTree) deleteOuter(txn *tx.Transaction, key []byte, oid storage.OID, delta *tx.StatsDelta) error {
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
		return t.deleteNull(ctx)
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
		done, err := t.deleteAttempt(ctx, key, oid)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// deleteNull retires one null row. Nulls live only in the descriptor
// counters, so the whole operation is a checked counter adjustment.
func (t *BTree) deleteNull(ctx *opCtx) error {
	if ctx.comp {
		return nil
	}
	if ctx.delta != nil {
		nulls, err := t.currentNulls()
		if err != nil {
			return err
		}
		if nulls+ctx.delta.Nulls <= 0 {
			return fmt.Errorf("%w: no null rows remain", ErrObjectNotFound)
		}
		ctx.delta.Merge(tx.StatsDelta{Nulls: -1, OIDs: -1})
		return nil
	}
	return t.adjustCounters(ctx.txID, -1, -1, 0, func(ext rootExt) error {
		if ext.numNulls == 0 {
			return fmt.Errorf("%w: no null rows remain", ErrObjectNotFound)
		}
		return nil
	})
}

func (t *BTree) currentNulls() (int64, error) {
	h, err := t.mgr.pool.Fix(t.root, storage.FixShared)
	if err != nil {
		return 0, err
	}
	defer t.mgr.pool.Unfix(h)
	ext, err := readRootExt(h.Page())
	if err != nil {
		return 0, err
	}
	return int64(ext.numNulls), nil
}

// deleteAttempt runs one descent. It reports false without error when
// a lock dance invalidated the position and the operation must start
// over. During recovery replay a pair already gone counts as done.
func (t *BTree) deleteAttempt(ctx *opCtx, key []byte, oid storage.OID) (bool, error) {
	h, err := t.descendForDelete(ctx, key)
	if err != nil {
		return false, err
	}
	idx, found, err := t.searchLeaf(h.Page(), key)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	if !found {
		if err := t.mgr.pool.Unfix(h); err != nil {
			return false, err
		}
		if ctx.comp {
			return true, nil
		}
		return false, fmt.Errorf("%w: no entry for key", ErrKeyNotFound)
	}
	e, err := leafEntryAt(h.Page(), idx)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	pos := e.indexOfInline(oid)
	if pos < 0 {
		if e.ovflOIDs.IsNil() {
			return t.missingObject(ctx, h, oid)
		}
		has, err := t.ovfl.ContainsOID(e.ovflOIDs, oid)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		if !has {
			return t.missingObject(ctx, h, oid)
		}
	}

	if pos == 0 && e.inlineCount() == 1 && e.ovflOIDs.IsNil() {
		return t.deleteEntry(ctx, h, idx, key, oid)
	}
	return t.deleteFromEntry(ctx, h, idx, e, pos, key, oid)
}

func (t *BTree) missingObject(ctx *opCtx, h *storage.PageHandle, oid storage.OID) (bool, error) {
	if err := t.mgr.pool.Unfix(h); err != nil {
		return false, err
	}
	if ctx.comp {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s under this key", ErrObjectNotFound, oid)
}

// descendForDelete takes the exclusive path to the leaf covering key,
// folding mergeable nodes together on the way down so no ancestor has
// to be revisited afterward. A root left with a single child is
// absorbed first, shrinking the tree by a level.
func (t *BTree) descendForDelete(ctx *opCtx, key []byte) (*storage.PageHandle, error) {
	h, err := t.mgr.pool.Fix(t.root, storage.FixExclusive)
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

		if h.Ref() == t.root && entryCount(h.Page()) == 1 {
			absorbed, err := t.absorbRoot(ctx, h)
			if err != nil {
				return nil, err
			}
			if absorbed {
				continue
			}
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
		if h, err = t.tryMerge(ctx, h, idx, ch); err != nil {
			return nil, err
		}
	}
}

// deleteFromEntry removes oid from an entry that keeps other objects.
// The slot is rewritten in place and never grows, so the edit needs no
// free space. No gap lock either: the key stays visible throughout.
func (t *BTree) deleteFromEntry(ctx *opCtx, h *storage.PageHandle, idx int, e leafEntry, pos int, key []byte, oid storage.OID) (bool, error) {
	if err := t.logLogical(ctx, storage.WALKeyDelete, key, oid); err != nil {
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

	changed := true
	switch {
	case pos < 0:
		// Somewhere in the chain; the entry bytes only change when the
		// head does.
		newHead, _, err := t.ovfl.RemoveOID(ctx.txID, e.ovflOIDs, oid)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		changed = newHead != e.ovflOIDs
		e.ovflOIDs = newHead
	case !e.ovflOIDs.IsNil():
		// Inline hit with a chain behind it: the chain refills the hole
		// so the inline area stays full while the chain lives.
		taken, newHead, err := t.ovfl.TakeOID(ctx.txID, e.ovflOIDs)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		oids := append([]byte(nil), e.oids...)
		copy(oids[pos*storage.OIDSize:(pos+1)*storage.OIDSize], oidBytes(taken))
		e.oids = oids
		e.ovflOIDs = newHead
	default:
		// Inline only: the last OID slides into the hole.
		oids := append([]byte(nil), e.oids...)
		lastOff := len(oids) - storage.OIDSize
		copy(oids[pos*storage.OIDSize:], oids[lastOff:])
		e.oids = oids[:lastOff]
	}

	if changed {
		slot := entrySlot(idx)
		old, err := h.Page().Record(slot)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		oldCopy := append([]byte(nil), old...)
		updated := encodeLeafEntry(e)
		if err := h.Page().UpdateRecord(slot, updated); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
		if err := t.stamp(h, storage.NewUpdateRecord(ctx.txID, h.Ref(), uint16(slot), oldCopy, updated)); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
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
	return true, t.bumpCounters(ctx, -1, 0, 0)
}

// deleteEntry removes a key's entry once its last object goes,
// locking the next key for the rest of the transaction first so a
// repeatable reader cannot watch the key vanish before this commit
// decides.
func (t *BTree) deleteEntry(ctx *opCtx, h *storage.PageHandle, idx int, key []byte, oid storage.OID) (bool, error) {
	if ctx.locking() {
		u, h2, stamps, ok, err := t.nextEntryTarget(h, idx+1)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		h2, ok, err = t.lockDance(ctx.txID, h2, u, lock.Exclusive, stamps)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		h = h2
	}

	page := h.Page()
	e, err := leafEntryAt(page, idx)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	hdr, err := readNodeHeader(page)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	if err := t.logLogical(ctx, storage.WALKeyDelete, key, oid); err != nil {
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

	if e.hasOvflKey() {
		if err := t.ovfl.FreeChain(ctx.txID, e.keyOvfl); err != nil {
			t.mgr.pool.Unfix(h)
			return false, err
		}
	}
	slot := entrySlot(idx)
	old, err := page.Record(slot)
	if err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	oldCopy := append([]byte(nil), old...)
	if err := page.DeleteRecord(slot); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	if err := t.stamp(h, storage.NewDeleteSlotRecord(ctx.txID, h.Ref(), uint16(slot), oldCopy)); err != nil {
		t.mgr.pool.Unfix(h)
		return false, err
	}
	hdr.keyCount--
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
	return true, t.bumpCounters(ctx, -1, 0, -1)
}
