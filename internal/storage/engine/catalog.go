package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

// The catalog is a single slotted page anchored in the tree volume
// header. One record per index: the class identifier and the root
// page of its tree. Edits ride the editing transaction's log chain,
// so an aborted CreateIndex or DropIndex takes its catalog record
// with it.
const catalogEntrySize = 10

// IndexInfo names one cataloged index.
type IndexInfo struct {
	ClassID uint32
	Root    storage.PageRef
}

func encodeCatalogEntry(info IndexInfo) []byte {
	buf := make([]byte, catalogEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], info.ClassID)
	binary.LittleEndian.PutUint16(buf[4:6], info.Root.Vol)
	binary.LittleEndian.PutUint32(buf[6:10], info.Root.Page)
	return buf
}

func decodeCatalogEntry(rec []byte) (IndexInfo, error) {
	if len(rec) != catalogEntrySize {
		return IndexInfo{}, fmt.Errorf("%w: catalog record of %d bytes", storage.ErrCorruptPage, len(rec))
	}
	return IndexInfo{
		ClassID: binary.LittleEndian.Uint32(rec[0:4]),
		Root: storage.PageRef{
			Vol:  binary.LittleEndian.Uint16(rec[4:6]),
			Page: binary.LittleEndian.Uint32(rec[6:10]),
		},
	}, nil
}

// initCatalog locates the catalog page, allocating and anchoring one
// on a fresh volume.
func (e *Engine) initCatalog() error {
	if pageNo := e.tvol.RootPage(); pageNo != 0 {
		e.catalog = storage.PageRef{Vol: TreeVol, Page: pageNo}
		return nil
	}
	if e.opts.ReadOnly {
		return fmt.Errorf("catalog: %w", ErrEngineRO)
	}
	h, err := e.pool.AllocatePage(TreeVol, storage.PageTypeCatalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	ref := h.Ref()
	if err := e.pool.Unfix(h); err != nil {
		return err
	}
	if err := e.tvol.SetRootPage(ref.Page); err != nil {
		return fmt.Errorf("catalog anchor: %w", err)
	}
	e.catalog = ref
	return nil
}

// catalogAdd registers an index under the editing transaction.
func (e *Engine) catalogAdd(txn *tx.Transaction, classID uint32, root storage.PageRef) error {
	h, err := e.pool.Fix(e.catalog, storage.FixExclusive)
	if err != nil {
		return err
	}
	if _, ok, err := findCatalogSlot(h.Page(), classID); err != nil {
		e.pool.Unfix(h)
		return err
	} else if ok {
		e.pool.Unfix(h)
		return ErrIndexExists
	}

	slot := h.Page().RecordCount()
	rec := encodeCatalogEntry(IndexInfo{ClassID: classID, Root: root})
	lsn, err := e.wal.Append(storage.NewInsertSlotRecord(txn.UID(), e.catalog, uint16(slot), rec))
	if err != nil {
		e.pool.Unfix(h)
		return err
	}
	if err := h.Page().InsertRecordAt(slot, rec); err != nil {
		e.pool.Unfix(h)
		return err
	}
	if err := e.pool.MarkDirty(h, storage.LSA(lsn)); err != nil {
		e.pool.Unfix(h)
		return err
	}
	return e.pool.Unfix(h)
}

// catalogRemove forgets an index under the editing transaction.
func (e *Engine) catalogRemove(txn *tx.Transaction, classID uint32) error {
	h, err := e.pool.Fix(e.catalog, storage.FixExclusive)
	if err != nil {
		return err
	}
	slot, ok, err := findCatalogSlot(h.Page(), classID)
	if err != nil {
		e.pool.Unfix(h)
		return err
	}
	if !ok {
		e.pool.Unfix(h)
		return ErrIndexNotFound
	}

	old, err := h.Page().Record(slot)
	if err != nil {
		e.pool.Unfix(h)
		return err
	}
	oldCopy := append([]byte(nil), old...)
	lsn, err := e.wal.Append(storage.NewDeleteSlotRecord(txn.UID(), e.catalog, uint16(slot), oldCopy))
	if err != nil {
		e.pool.Unfix(h)
		return err
	}
	if err := h.Page().DeleteRecord(slot); err != nil {
		e.pool.Unfix(h)
		return err
	}
	if err := e.pool.MarkDirty(h, storage.LSA(lsn)); err != nil {
		e.pool.Unfix(h)
		return err
	}
	return e.pool.Unfix(h)
}

// catalogLookup finds the root of the class's index.
func (e *Engine) catalogLookup(classID uint32) (storage.PageRef, bool, error) {
	h, err := e.pool.Fix(e.catalog, storage.FixShared)
	if err != nil {
		return storage.NilRef, false, err
	}
	defer e.pool.Unfix(h)

	slot, ok, err := findCatalogSlot(h.Page(), classID)
	if err != nil || !ok {
		return storage.NilRef, false, err
	}
	rec, err := h.Page().Record(slot)
	if err != nil {
		return storage.NilRef, false, err
	}
	info, err := decodeCatalogEntry(rec)
	if err != nil {
		return storage.NilRef, false, err
	}
	return info.Root, true, nil
}

// Indexes lists every cataloged index, committed or still building.
func (e *Engine) Indexes() ([]IndexInfo, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	e.mu.RUnlock()

	h, err := e.pool.Fix(e.catalog, storage.FixShared)
	if err != nil {
		return nil, err
	}
	defer e.pool.Unfix(h)

	n := h.Page().RecordCount()
	infos := make([]IndexInfo, 0, n)
	for slot := 0; slot < n; slot++ {
		rec, err := h.Page().Record(slot)
		if err != nil {
			return nil, err
		}
		info, err := decodeCatalogEntry(rec)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func findCatalogSlot(page *storage.Page, classID uint32) (int, bool, error) {
	for slot := 0; slot < page.RecordCount(); slot++ {
		rec, err := page.Record(slot)
		if err != nil {
			return 0, false, err
		}
		info, err := decodeCatalogEntry(rec)
		if err != nil {
			return 0, false, err
		}
		if info.ClassID == classID {
			return slot, true, nil
		}
	}
	return 0, false, nil
}
