package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Recovery errors.
var (
	ErrRecoveryFailed     = errors.New("recovery failed")
	ErrNoWAL              = errors.New("WAL is required for recovery")
	ErrNoBufferPool       = errors.New("buffer pool is required for recovery")
	ErrNoApplier          = errors.New("no logical applier registered for volume")
	ErrRecoveryInProgress = errors.New("recovery is already in progress")
)

// TxState represents the state of a transaction during recovery.
type TxState int

const (
	// TxStateActive indicates the transaction has records but neither
	// a commit nor an abort. After a crash these are the losers.
	TxStateActive TxState = iota
	// TxStateCommitted indicates the transaction has been committed.
	TxStateCommitted
	// TxStateAborted indicates the transaction has been aborted.
	TxStateAborted
)

// String returns the string representation of a TxState.
func (s TxState) String() string {
	switch s {
	case TxStateActive:
		return "Active"
	case TxStateCommitted:
		return "Committed"
	case TxStateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// RecoveryTxInfo holds information about a transaction during recovery.
type RecoveryTxInfo struct {
	TxID     uint64
	State    TxState
	FirstLSN uint64
	LastLSN  uint64
}

// LogicalApplier undoes logical key records on behalf of recovery. The
// tree implements it: undoing an insert deletes the pair again through
// a normal tree operation, undoing a delete re-inserts it. The ref is
// the root page the logical record named, identifying the tree the
// pair belongs to. The applier logs its page changes as compensation
// records carrying undoNext, so a crash during rollback resumes behind
// the compensated record.
//
// Both operations must tolerate a pair that is already in the state
// the undo establishes; rollback can run twice over the same record
// when the first run crashed after the tree change but before its
// compensation records reached disk.
type LogicalApplier interface {
	UndoKeyInsert(txID uint64, ref PageRef, key []byte, oid OID, undoNext uint64) error
	UndoKeyDelete(txID uint64, ref PageRef, key []byte, oid OID, undoNext uint64) error
}

// RecoveryStats reports what a recovery run did.
type RecoveryStats struct {
	RecordsScanned int
	RecordsRedone  int
	TxCommitted    int
	TxRolledBack   int
	CLRsWritten    int
}

// Recovery implements crash recovery over the WAL in three passes:
//  1. Analysis: scan the log and classify transactions.
//  2. Redo: reapply every logged page change whose target page does
//     not carry it yet. The page LSA gates reapplication, so redo is
//     idempotent.
//  3. Undo: roll back loser transactions by walking their record
//     chains backwards, writing compensation records as it goes.
//
// Undo of structural changes is physical (old images), undo of key
// inserts and deletes is logical through the registered appliers.
// Completed structural scopes are bracketed by nested-top records and
// survive rollback; undo jumps over them.
type Recovery struct {
	wal  *WAL
	pool *BufferPool

	// appliers maps tree volume IDs to their logical undo handlers.
	appliers map[uint16]LogicalApplier

	// activeTx is the transaction table built by analysis.
	activeTx map[uint64]*RecoveryTxInfo

	stats      RecoveryStats
	mu         sync.Mutex
	inProgress bool
}

// NewRecovery creates a Recovery over the given WAL and buffer pool.
func NewRecovery(wal *WAL, pool *BufferPool) *Recovery {
	return &Recovery{
		wal:      wal,
		pool:     pool,
		appliers: make(map[uint16]LogicalApplier),
		activeTx: make(map[uint64]*RecoveryTxInfo),
	}
}

// RegisterApplier registers the logical undo handler for a tree
// volume. Every volume that logical records point into needs one
// before Recover or UndoTransaction runs.
func (r *Recovery) RegisterApplier(vol uint16, a LogicalApplier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appliers[vol] = a
}

// Recover performs crash recovery by executing the three passes.
func (r *Recovery) Recover() error {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		return ErrRecoveryInProgress
	}
	r.inProgress = true
	r.stats = RecoveryStats{}
	r.activeTx = make(map[uint64]*RecoveryTxInfo)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	if r.wal == nil {
		return ErrNoWAL
	}
	if r.pool == nil {
		return ErrNoBufferPool
	}

	if err := r.analysis(); err != nil {
		return fmt.Errorf("%w: analysis: %v", ErrRecoveryFailed, err)
	}
	if err := r.redo(); err != nil {
		return fmt.Errorf("%w: redo: %v", ErrRecoveryFailed, err)
	}
	if err := r.undo(); err != nil {
		return fmt.Errorf("%w: undo: %v", ErrRecoveryFailed, err)
	}

	return nil
}

// analysis scans the log and builds the transaction table.
func (r *Recovery) analysis() error {
	iter := r.wal.Iterator(r.wal.FirstLSN())

	for iter.Next() {
		record := iter.Record()
		r.stats.RecordsScanned++

		if record.BaseType() == WALCheckpoint {
			continue
		}

		info, exists := r.activeTx[record.TxID]
		if !exists {
			info = &RecoveryTxInfo{
				TxID:     record.TxID,
				State:    TxStateActive,
				FirstLSN: record.LSN,
			}
			r.activeTx[record.TxID] = info
		}
		info.LastLSN = record.LSN

		switch record.BaseType() {
		case WALCommit:
			info.State = TxStateCommitted
			r.stats.TxCommitted++
		case WALAbort:
			info.State = TxStateAborted
		}
	}

	return iter.Error()
}

// redo replays every page change in log order. Compensation records
// are replayed like the records they compensate for. A page that
// already carries a change, witnessed by its version stamp, is left
// alone.
func (r *Recovery) redo() error {
	iter := r.wal.Iterator(r.wal.FirstLSN())

	for iter.Next() {
		record := iter.Record()

		if !record.IsPageModification() {
			continue
		}

		applied, err := r.applyRecord(record)
		if err != nil {
			return fmt.Errorf("redo of LSN %d (%s on %s): %w",
				record.LSN, record.Type, record.Ref, err)
		}
		if applied {
			r.stats.RecordsRedone++
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	return r.pool.FlushAll()
}

// applyRecord applies one page modification if the target page does
// not carry it yet. Returns whether the page changed.
func (r *Recovery) applyRecord(record *WALRecord) (bool, error) {
	vol, err := r.pool.Volume(record.Ref.Vol)
	if err != nil {
		return false, err
	}
	if err := vol.EnsureCapacity(record.Ref.Page); err != nil {
		return false, err
	}

	h, err := r.pool.Fix(record.Ref, FixExclusive)
	if errors.Is(err, ErrCorruptPage) {
		// Torn page. Records that carry the full page state can
		// rebuild it from scratch; anything else is unrecoverable.
		return r.rebuildPage(vol, record)
	}
	if err != nil {
		return false, err
	}
	defer r.pool.Unfix(h)

	page := h.Page()
	if page.Header.LSA >= LSA(record.LSN) {
		return false, nil
	}

	switch record.BaseType() {
	case WALUpdate:
		if err := page.UpdateRecord(int(record.Slot), record.NewData); err != nil {
			return false, err
		}
	case WALInsertSlot:
		if err := page.InsertRecordAt(int(record.Slot), record.NewData); err != nil {
			return false, err
		}
	case WALDeleteSlot:
		if err := page.DeleteRecord(int(record.Slot)); err != nil {
			return false, err
		}
	case WALPageImage:
		if len(record.NewData) != len(page.Data) {
			return false, fmt.Errorf("%w: image length %d on %s", ErrCorruptPage, len(record.NewData), record.Ref)
		}
		copy(page.Data, record.NewData)
	case WALPageFormat:
		pageType, image, err := formatPayload(record)
		if err != nil {
			return false, err
		}
		page.Reset(pageType)
		if image != nil {
			copy(page.Data, image)
		}
	case WALPageFree:
		page.Reset(PageTypeFree)
	case WALCounterDelta:
		if err := applyCounterDeltas(page, int(record.Slot), record.NewData); err != nil {
			return false, err
		}
	default:
		return false, nil
	}

	return true, r.pool.MarkDirty(h, LSA(record.LSN))
}

// applyCounterDeltas adds the payload's deltas to the little-endian
// counters inside the addressed slotted record.
func applyCounterDeltas(page *Page, slot int, payload []byte) error {
	if len(payload) < 2 || (len(payload)-2)%8 != 0 {
		return ErrWALBadPayload
	}
	rec, err := page.Record(slot)
	if err != nil {
		return err
	}
	offset := int(binary.LittleEndian.Uint16(payload[0:2]))
	n := (len(payload) - 2) / 8
	if offset+8*n > len(rec) {
		return fmt.Errorf("%w: counter region ends beyond record", ErrCorruptPage)
	}
	for i := 0; i < n; i++ {
		d := binary.LittleEndian.Uint64(payload[2+8*i:])
		cur := binary.LittleEndian.Uint64(rec[offset+8*i:])
		binary.LittleEndian.PutUint64(rec[offset+8*i:], cur+d)
	}
	return nil
}

// rebuildPage reconstructs a page that failed validation. Only format
// and free records describe the whole page; partial records cannot
// repair a torn write.
func (r *Recovery) rebuildPage(vol *Volume, record *WALRecord) (bool, error) {
	var page *Page

	switch record.BaseType() {
	case WALPageFormat:
		pageType, image, err := formatPayload(record)
		if err != nil {
			return false, err
		}
		page = NewPage(record.Ref, pageType, vol.PageSize())
		if image != nil {
			copy(page.Data, image)
		}
	case WALPageImage:
		// Image records carry the page type in the slot field.
		page = NewPage(record.Ref, PageType(record.Slot), vol.PageSize())
		if len(record.NewData) != len(page.Data) {
			return false, fmt.Errorf("%w: cannot rebuild %s from partial image", ErrCorruptPage, record.Ref)
		}
		copy(page.Data, record.NewData)
	case WALPageFree:
		page = NewPage(record.Ref, PageTypeFree, vol.PageSize())
	default:
		return false, fmt.Errorf("%w: %s is torn and LSN %d carries no full image",
			ErrCorruptPage, record.Ref, record.LSN)
	}

	page.Header.LSA = LSA(record.LSN)
	if err := vol.WritePage(page); err != nil {
		return false, err
	}
	return true, r.pool.Discard(record.Ref)
}

// formatPayload splits a format record into page type and optional
// data image.
func formatPayload(record *WALRecord) (PageType, []byte, error) {
	if len(record.NewData) == 0 {
		return 0, nil, fmt.Errorf("%w: format record without page type", ErrWALCorrupted)
	}
	pageType := PageType(record.NewData[0])
	if len(record.NewData) > 1 {
		return pageType, record.NewData[1:], nil
	}
	return pageType, nil, nil
}

// undo rolls back every loser transaction found by analysis.
func (r *Recovery) undo() error {
	for txID, info := range r.activeTx {
		if info.State != TxStateActive {
			continue
		}
		if err := r.UndoTransaction(txID); err != nil {
			return err
		}
		info.State = TxStateAborted
		r.stats.TxRolledBack++
	}

	if err := r.wal.Sync(); err != nil {
		return err
	}
	return r.pool.FlushAll()
}

// UndoTransaction walks the transaction's record chain backwards and
// reverts every change, then closes the transaction with an abort
// record. Transaction rollback uses the same walk at runtime.
//
// Compensation records encountered on the chain skip straight to the
// record behind the one they compensated, so a rollback interrupted
// by a crash never undoes the same change twice. A completed
// structural scope is skipped whole: its end record names the begin,
// and the walk resumes behind it.
func (r *Recovery) UndoTransaction(txID uint64) error {
	next, open := r.wal.TxTail(txID)
	if !open {
		return nil
	}

	for next != 0 {
		record, err := r.wal.ReadRecord(next)
		if err != nil {
			return err
		}

		if record.IsCLR() {
			next, err = record.UndoNextLSN()
			if err != nil {
				return err
			}
			continue
		}

		switch record.BaseType() {
		case WALNestedTopEnd:
			beginLSN, err := record.BeginLSN()
			if err != nil {
				return err
			}
			begin, err := r.wal.ReadRecord(beginLSN)
			if err != nil {
				return err
			}
			next = begin.PrevLSN
			continue

		case WALKeyInsert:
			key, oid, err := record.LogicalKeyOID()
			if err != nil {
				return err
			}
			applier, ok := r.applier(record.Ref.Vol)
			if !ok {
				return fmt.Errorf("%w: %d", ErrNoApplier, record.Ref.Vol)
			}
			if err := applier.UndoKeyInsert(txID, record.Ref, key, oid, record.PrevLSN); err != nil {
				return err
			}

		case WALKeyDelete:
			key, oid, err := record.LogicalKeyOID()
			if err != nil {
				return err
			}
			applier, ok := r.applier(record.Ref.Vol)
			if !ok {
				return fmt.Errorf("%w: %d", ErrNoApplier, record.Ref.Vol)
			}
			if err := applier.UndoKeyDelete(txID, record.Ref, key, oid, record.PrevLSN); err != nil {
				return err
			}

		default:
			if record.IsPageModification() {
				if err := r.undoPhysical(txID, record); err != nil {
					return fmt.Errorf("undo of LSN %d (%s on %s): %w",
						record.LSN, record.Type, record.Ref, err)
				}
			}
		}

		next = record.PrevLSN
	}

	_, err := r.wal.Append(NewWALRecord(txID, WALAbort))
	return err
}

func (r *Recovery) applier(vol uint16) (LogicalApplier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appliers[vol]
	return a, ok
}

// undoPhysical reverts one page change. The compensation record is
// logged first, then the inverse change is applied and the page is
// stamped with the compensation LSN.
//
// Records without an old image describe changes whose undo is logical;
// the key record further down the chain reverts them, so they are
// skipped here.
func (r *Recovery) undoPhysical(txID uint64, record *WALRecord) error {
	undoNext := record.PrevLSN

	switch record.BaseType() {
	case WALUpdate:
		if len(record.OldData) == 0 {
			return nil
		}
		clr := NewCLRRecord(txID, WALUpdate, record.Ref, record.Slot, record.OldData, undoNext)
		return r.applyCLR(clr, func(page *Page) error {
			return page.UpdateRecord(int(record.Slot), record.OldData)
		})

	case WALInsertSlot:
		clr := NewCLRRecord(txID, WALDeleteSlot, record.Ref, record.Slot, nil, undoNext)
		return r.applyCLR(clr, func(page *Page) error {
			return page.DeleteRecord(int(record.Slot))
		})

	case WALDeleteSlot:
		if len(record.OldData) == 0 {
			return nil
		}
		clr := NewCLRRecord(txID, WALInsertSlot, record.Ref, record.Slot, record.OldData, undoNext)
		return r.applyCLR(clr, func(page *Page) error {
			return page.InsertRecordAt(int(record.Slot), record.OldData)
		})

	case WALPageImage:
		if len(record.OldData) == 0 {
			return nil
		}
		clr := NewCLRRecord(txID, WALPageImage, record.Ref, record.Slot, record.OldData, undoNext)
		return r.applyCLR(clr, func(page *Page) error {
			if len(record.OldData) != len(page.Data) {
				return fmt.Errorf("%w: image length %d on %s", ErrCorruptPage, len(record.OldData), record.Ref)
			}
			copy(page.Data, record.OldData)
			return nil
		})

	case WALPageFormat:
		// Undo of an allocation frees the page again.
		clr := NewCLRRecord(txID, WALPageFree, record.Ref, NoSlot, nil, undoNext)
		if _, err := r.wal.Append(clr); err != nil {
			return err
		}
		r.noteCLR()
		return r.pool.FreePage(record.Ref)

	case WALCounterDelta:
		// The old image carries the negated deltas; redoing them
		// reverts the adjustment wherever the counters sit now.
		if len(record.OldData) == 0 {
			return nil
		}
		clr := NewCLRRecord(txID, WALCounterDelta, record.Ref, record.Slot, record.OldData, undoNext)
		return r.applyCLR(clr, func(page *Page) error {
			return applyCounterDeltas(page, int(record.Slot), record.OldData)
		})

	case WALPageFree:
		// Undo of a free restores the page in place.
		pageType, err := record.FormatPageType()
		if err != nil {
			return err
		}
		image, err := record.FreedPageImage()
		if err != nil {
			return err
		}
		payload := make([]byte, 1+len(image))
		payload[0] = byte(pageType)
		copy(payload[1:], image)
		clr := NewCLRRecord(txID, WALPageFormat, record.Ref, NoSlot, payload, undoNext)
		lsn, err := r.wal.Append(clr)
		if err != nil {
			return err
		}
		r.noteCLR()

		vol, err := r.pool.Volume(record.Ref.Vol)
		if err != nil {
			return err
		}
		if err := vol.EnsureCapacity(record.Ref.Page); err != nil {
			return err
		}
		vol.ReclaimPage(record.Ref.Page)

		page := NewPage(record.Ref, pageType, vol.PageSize())
		copy(page.Data, image)
		page.Header.LSA = LSA(lsn)
		if err := vol.WritePage(page); err != nil {
			return err
		}
		return r.pool.Discard(record.Ref)
	}

	return nil
}

// applyCLR logs the compensation record and applies its change to the
// page through the pool.
func (r *Recovery) applyCLR(clr *WALRecord, apply func(*Page) error) error {
	lsn, err := r.wal.Append(clr)
	if err != nil {
		return err
	}
	r.noteCLR()

	h, err := r.pool.Fix(clr.Ref, FixExclusive)
	if err != nil {
		return err
	}
	defer r.pool.Unfix(h)

	if err := apply(h.Page()); err != nil {
		return err
	}
	return r.pool.MarkDirty(h, LSA(lsn))
}

func (r *Recovery) noteCLR() {
	r.mu.Lock()
	r.stats.CLRsWritten++
	r.mu.Unlock()
}

// ActiveTransactions returns a copy of the transaction table built by
// the last recovery run.
func (r *Recovery) ActiveTransactions() map[uint64]*RecoveryTxInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[uint64]*RecoveryTxInfo, len(r.activeTx))
	for id, info := range r.activeTx {
		cp := *info
		result[id] = &cp
	}
	return result
}

// Stats returns what the last recovery run did.
func (r *Recovery) Stats() RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// IsInProgress reports whether recovery is currently running.
func (r *Recovery) IsInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}
