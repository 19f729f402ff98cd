package btree

import (
	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/storage"
)

// The manager is the storage.LogicalApplier for its trees: rollback
// and crash recovery hand every WALKeyInsert and WALKeyDelete on a
// tree volume back here, and the inverse operation runs through the
// same descent code as live traffic. Wire it during setup with
// Recovery.RegisterApplier for each volume holding tree roots.
//
// A compensating run takes no locks, logs no logical records, opens no
// scopes, and leaves the statistics counters alone; the counter
// adjustments of the operation being undone revert arithmetically
// through their own delta records. Its page changes are plain undoable
// records sealed with one compensation record, so a rollback cut short
// by a crash resumes behind the undone key record: finished
// compensations never run twice, unfinished ones are first unwound
// physically and then redone whole.

// UndoKeyInsert removes the key→oid pair a rolled-back transaction
// inserted. The pair may already be gone when a crash interrupted an
// earlier attempt past the point of no return; that counts as done.
func (m *Manager) UndoKeyInsert(txID uint64, ref storage.PageRef, key []byte, oid storage.OID, undoNext uint64) error {
	t, err := m.Open(ref)
	if err != nil {
		return err
	}
	ctx := &opCtx{txID: txID, comp: true, undoNext: undoNext}
	if !keydom.IsNull(key) {
		for {
			done, err := t.deleteAttempt(ctx, key, oid)
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
	}
	return t.sealUndo(ctx)
}

// UndoKeyDelete puts back the key→oid pair a rolled-back transaction
// deleted. A pair already present counts as done.
func (m *Manager) UndoKeyDelete(txID uint64, ref storage.PageRef, key []byte, oid storage.OID, undoNext uint64) error {
	t, err := m.Open(ref)
	if err != nil {
		return err
	}
	ctx := &opCtx{txID: txID, comp: true, undoNext: undoNext}
	if !keydom.IsNull(key) {
		for {
			done, err := t.insertAttempt(ctx, key, oid)
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
	}
	return t.sealUndo(ctx)
}

// sealUndo closes one logical compensation with a record that writes
// the root descriptor back onto itself. The no-op carries the LSN the
// undo walk continues from, so everything the compensation logged,
// and the key record it answered, are skipped when the walk passes
// here again.
func (t *BTree) sealUndo(ctx *opCtx) error {
	h, err := t.mgr.pool.Fix(t.root, storage.FixExclusive)
	if err != nil {
		return err
	}
	defer t.mgr.pool.Unfix(h)

	rec, err := h.Page().Record(0)
	if err != nil {
		return err
	}
	cur := append([]byte(nil), rec...)
	return t.stamp(h, storage.NewCLRRecord(ctx.txID, storage.WALUpdate, t.root, 0, cur, ctx.undoNext))
}
