package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// WAL Record Tests
// =============================================================================

func TestWALTypeString(t *testing.T) {
	tests := []struct {
		walType  WALType
		expected string
	}{
		{WALBegin, "Begin"},
		{WALCommit, "Commit"},
		{WALAbort, "Abort"},
		{WALUpdate, "Update"},
		{WALInsertSlot, "InsertSlot"},
		{WALDeleteSlot, "DeleteSlot"},
		{WALPageImage, "PageImage"},
		{WALPageFormat, "PageFormat"},
		{WALPageFree, "PageFree"},
		{WALKeyInsert, "KeyInsert"},
		{WALKeyDelete, "KeyDelete"},
		{WALNestedTopBegin, "NestedTopBegin"},
		{WALNestedTopEnd, "NestedTopEnd"},
		{WALCheckpoint, "Checkpoint"},
		{WALUpdate | 0x80, "Update+CLR"},
		{WALType(127), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.walType.String(); got != tt.expected {
				t.Errorf("WALType.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestWALRecordConstructors(t *testing.T) {
	ref := PageRef{Vol: 1, Page: 42}

	ctrl := NewWALRecord(7, WALBegin)
	if ctrl.TxID != 7 || ctrl.Type != WALBegin || ctrl.Slot != NoSlot {
		t.Errorf("NewWALRecord() = %+v, want TxID 7, Begin, NoSlot", ctrl)
	}

	upd := NewUpdateRecord(7, ref, 3, []byte("old"), []byte("new"))
	if upd.Ref != ref || upd.Slot != 3 {
		t.Errorf("NewUpdateRecord() ref, slot = %v, %v, want %v, 3", upd.Ref, upd.Slot, ref)
	}
	if string(upd.OldData) != "old" || string(upd.NewData) != "new" {
		t.Errorf("NewUpdateRecord() images = %q, %q, want old, new", upd.OldData, upd.NewData)
	}

	ins := NewInsertSlotRecord(7, ref, 0, []byte("rec"))
	if ins.OldData != nil || string(ins.NewData) != "rec" {
		t.Errorf("NewInsertSlotRecord() images = %v, %q, want nil, rec", ins.OldData, ins.NewData)
	}

	del := NewDeleteSlotRecord(7, ref, 0, []byte("rec"))
	if del.NewData != nil || string(del.OldData) != "rec" {
		t.Errorf("NewDeleteSlotRecord() images = %q, %v, want rec, nil", del.OldData, del.NewData)
	}

	// Image records carry the page type in the slot field.
	img := NewPageImageRecord(7, ref, PageTypeOverflowOID, []byte("before"), []byte("after"))
	if PageType(img.Slot) != PageTypeOverflowOID {
		t.Errorf("NewPageImageRecord() slot = %v, want PageTypeOverflowOID", img.Slot)
	}
}

func TestWALRecordFormatAndFree(t *testing.T) {
	ref := PageRef{Vol: 1, Page: 9}

	format := NewPageFormatRecord(3, ref, PageTypeNode)
	pt, err := format.FormatPageType()
	if err != nil {
		t.Fatalf("FormatPageType() error = %v", err)
	}
	if pt != PageTypeNode {
		t.Errorf("FormatPageType() = %v, want PageTypeNode", pt)
	}

	image := bytes.Repeat([]byte{0xAB}, 64)
	free := NewPageFreeRecord(3, ref, PageTypeOverflowKey, image)
	pt, err = free.FormatPageType()
	if err != nil {
		t.Fatalf("FormatPageType() error = %v", err)
	}
	if pt != PageTypeOverflowKey {
		t.Errorf("FormatPageType() = %v, want PageTypeOverflowKey", pt)
	}
	got, err := free.FreedPageImage()
	if err != nil {
		t.Fatalf("FreedPageImage() error = %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Error("FreedPageImage() does not match the original image")
	}

	if _, err := format.FreedPageImage(); !errors.Is(err, ErrWALBadPayload) {
		t.Errorf("FreedPageImage() on format record error = %v, want ErrWALBadPayload", err)
	}
	upd := NewUpdateRecord(3, ref, 0, nil, []byte("x"))
	if _, err := upd.FormatPageType(); !errors.Is(err, ErrWALInvalidRecordType) {
		t.Errorf("FormatPageType() on update record error = %v, want ErrWALInvalidRecordType", err)
	}
}

func TestWALRecordLogicalPayload(t *testing.T) {
	ref := PageRef{Vol: 2, Page: 5}
	oid := OID{Vol: 1, Page: 7, Slot: 13}

	ins := NewLogicalRecord(9, WALKeyInsert, ref, []byte("apple"), oid)
	if ins.OldData != nil {
		t.Error("KeyInsert payload landed in OldData")
	}
	key, gotOID, err := ins.LogicalKeyOID()
	if err != nil {
		t.Fatalf("LogicalKeyOID() error = %v", err)
	}
	if string(key) != "apple" || gotOID != oid {
		t.Errorf("LogicalKeyOID() = %q, %v, want apple, %v", key, gotOID, oid)
	}

	del := NewLogicalRecord(9, WALKeyDelete, ref, []byte("banana"), oid)
	if del.NewData != nil {
		t.Error("KeyDelete payload landed in NewData")
	}
	key, gotOID, err = del.LogicalKeyOID()
	if err != nil {
		t.Fatalf("LogicalKeyOID() error = %v", err)
	}
	if string(key) != "banana" || gotOID != oid {
		t.Errorf("LogicalKeyOID() = %q, %v, want banana, %v", key, gotOID, oid)
	}

	empty := NewWALRecord(9, WALKeyInsert)
	if _, _, err := empty.LogicalKeyOID(); !errors.Is(err, ErrWALBadPayload) {
		t.Errorf("LogicalKeyOID() on empty payload error = %v, want ErrWALBadPayload", err)
	}
}

func TestWALRecordNestedTopAndCLR(t *testing.T) {
	end := NewNestedTopEndRecord(4, 77)
	begin, err := end.BeginLSN()
	if err != nil {
		t.Fatalf("BeginLSN() error = %v", err)
	}
	if begin != 77 {
		t.Errorf("BeginLSN() = %v, want 77", begin)
	}
	other := NewWALRecord(4, WALNestedTopBegin)
	if _, err := other.BeginLSN(); !errors.Is(err, ErrWALBadPayload) {
		t.Errorf("BeginLSN() on begin record error = %v, want ErrWALBadPayload", err)
	}

	clr := NewCLRRecord(4, WALInsertSlot, PageRef{Vol: 1, Page: 2}, 0, []byte("redo"), 33)
	if !clr.IsCLR() {
		t.Error("IsCLR() = false for a compensation record")
	}
	if clr.BaseType() != WALInsertSlot {
		t.Errorf("BaseType() = %v, want WALInsertSlot", clr.BaseType())
	}
	undoNext, err := clr.UndoNextLSN()
	if err != nil {
		t.Fatalf("UndoNextLSN() error = %v", err)
	}
	if undoNext != 33 {
		t.Errorf("UndoNextLSN() = %v, want 33", undoNext)
	}

	plain := NewUpdateRecord(4, PageRef{Vol: 1, Page: 2}, 0, []byte("a"), []byte("b"))
	if plain.IsCLR() {
		t.Error("IsCLR() = true for a plain record")
	}
	if _, err := plain.UndoNextLSN(); !errors.Is(err, ErrWALBadPayload) {
		t.Errorf("UndoNextLSN() on plain record error = %v, want ErrWALBadPayload", err)
	}
}

func TestWALRecordClassifiers(t *testing.T) {
	ref := PageRef{Vol: 1, Page: 1}

	if !NewWALRecord(1, WALBegin).IsTransactionControl() {
		t.Error("Begin should be transaction control")
	}
	if NewWALRecord(1, WALCheckpoint).IsTransactionControl() {
		t.Error("Checkpoint should not be transaction control")
	}

	if !NewUpdateRecord(1, ref, 0, nil, nil).IsPageModification() {
		t.Error("Update should be a page modification")
	}
	if !NewPageFormatRecord(1, ref, PageTypeNode).IsPageModification() {
		t.Error("PageFormat should be a page modification")
	}
	if NewWALRecord(1, WALCommit).IsPageModification() {
		t.Error("Commit should not be a page modification")
	}

	logical := NewLogicalRecord(1, WALKeyInsert, ref, []byte("k"), NilOID)
	if !logical.IsLogical() {
		t.Error("KeyInsert should be logical")
	}
	if logical.IsPageModification() {
		t.Error("KeyInsert should not be a page modification")
	}

	// Classification ignores the compensation flag.
	clr := NewCLRRecord(1, WALDeleteSlot, ref, 0, nil, 0)
	if !clr.IsPageModification() {
		t.Error("DeleteSlot compensation should be a page modification")
	}
}

func TestWALCounterDeltaRecord(t *testing.T) {
	ref := PageRef{Vol: 1, Page: 3}
	record := NewCounterDeltaRecord(7, ref, 0, 14, []int64{2, -1, 3})

	if !record.IsPageModification() {
		t.Error("CounterDelta should be a page modification")
	}
	offset, deltas, err := record.CounterDeltas()
	if err != nil {
		t.Fatalf("CounterDeltas() error = %v", err)
	}
	if offset != 14 {
		t.Errorf("CounterDeltas() offset = %v, want 14", offset)
	}
	if len(deltas) != 3 || deltas[0] != 2 || deltas[1] != -1 || deltas[2] != 3 {
		t.Errorf("CounterDeltas() deltas = %v, want [2 -1 3]", deltas)
	}

	// The old image carries the negation for undo.
	undo := &WALRecord{Type: WALCounterDelta, NewData: record.OldData}
	_, neg, err := undo.CounterDeltas()
	if err != nil {
		t.Fatalf("CounterDeltas() on old image error = %v", err)
	}
	if neg[0] != -2 || neg[1] != 1 || neg[2] != -3 {
		t.Errorf("negated deltas = %v, want [-2 1 -3]", neg)
	}
}

func TestApplyCounterDeltas(t *testing.T) {
	page := NewPage(PageRef{Vol: 1, Page: 1}, PageTypeNode, PageSize)
	rec := make([]byte, 40)
	binary.LittleEndian.PutUint64(rec[14:], 10)
	binary.LittleEndian.PutUint64(rec[22:], 5)
	if _, err := page.AppendRecord(rec); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}

	payload := NewCounterDeltaRecord(1, page.Header.Ref, 0, 14, []int64{-3, 7}).NewData
	if err := applyCounterDeltas(page, 0, payload); err != nil {
		t.Fatalf("applyCounterDeltas() error = %v", err)
	}

	got, err := page.Record(0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if v := binary.LittleEndian.Uint64(got[14:]); v != 7 {
		t.Errorf("first counter = %v, want 7", v)
	}
	if v := binary.LittleEndian.Uint64(got[22:]); v != 12 {
		t.Errorf("second counter = %v, want 12", v)
	}

	// A region running past the record is corruption, not a write.
	bad := NewCounterDeltaRecord(1, page.Header.Ref, 0, 36, []int64{1}).NewData
	if err := applyCounterDeltas(page, 0, bad); !errors.Is(err, ErrCorruptPage) {
		t.Errorf("applyCounterDeltas() error = %v, want ErrCorruptPage", err)
	}
}

func TestWALRecordSerializeDeserialize(t *testing.T) {
	record := NewUpdateRecord(42, PageRef{Vol: 3, Page: 17}, 5, []byte("before"), []byte("after image"))
	record.LSN = 9
	record.PrevLSN = 4

	buf, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if len(buf) != record.Size() {
		t.Errorf("Serialize() length = %v, want %v", len(buf), record.Size())
	}
	if record.Size() != WALRecordHeaderSize+len("before")+len("after image") {
		t.Errorf("Size() = %v, want header plus payloads", record.Size())
	}

	loaded := &WALRecord{}
	if err := loaded.DeserializeAndValidate(buf); err != nil {
		t.Fatalf("DeserializeAndValidate() error = %v", err)
	}
	if loaded.LSN != 9 || loaded.PrevLSN != 4 || loaded.TxID != 42 {
		t.Errorf("chain fields = %v, %v, %v, want 9, 4, 42", loaded.LSN, loaded.PrevLSN, loaded.TxID)
	}
	if loaded.Type != WALUpdate || loaded.Ref != record.Ref || loaded.Slot != 5 {
		t.Errorf("address fields = %v, %v, %v, want Update, %v, 5", loaded.Type, loaded.Ref, loaded.Slot, record.Ref)
	}
	if string(loaded.OldData) != "before" || string(loaded.NewData) != "after image" {
		t.Errorf("images = %q, %q, want before, after image", loaded.OldData, loaded.NewData)
	}
}

func TestWALRecordChecksumDetectsCorruption(t *testing.T) {
	record := NewUpdateRecord(1, PageRef{Vol: 1, Page: 1}, 0, []byte("old"), []byte("new"))
	buf, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	buf[WALRecordHeaderSize] ^= 0xFF

	loaded := &WALRecord{}
	if err := loaded.DeserializeAndValidate(buf); !errors.Is(err, ErrWALRecordChecksum) {
		t.Errorf("DeserializeAndValidate() error = %v, want ErrWALRecordChecksum", err)
	}
}

func TestWALRecordTooSmall(t *testing.T) {
	loaded := &WALRecord{}
	if err := loaded.Deserialize(make([]byte, 10)); !errors.Is(err, ErrWALRecordTooSmall) {
		t.Errorf("Deserialize() error = %v, want ErrWALRecordTooSmall", err)
	}
}

func TestWALRecordClone(t *testing.T) {
	record := NewUpdateRecord(1, PageRef{Vol: 1, Page: 1}, 0, []byte("old"), []byte("new"))
	clone := record.Clone()

	record.OldData[0] = 'X'
	record.NewData[0] = 'Y'

	if string(clone.OldData) != "old" || string(clone.NewData) != "new" {
		t.Errorf("clone images = %q, %q after mutating original, want old, new", clone.OldData, clone.NewData)
	}
}

// =============================================================================
// WAL File Tests
// =============================================================================

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	wal, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL() error = %v", err)
	}
	return wal, path
}

func TestOpenWALNew(t *testing.T) {
	wal, path := newTestWAL(t)
	defer wal.Close()

	if !wal.IsEmpty() {
		t.Error("IsEmpty() = false for a new WAL")
	}
	if wal.CurrentLSN() != 1 {
		t.Errorf("CurrentLSN() = %v, want 1", wal.CurrentLSN())
	}
	if wal.FirstLSN() != 1 {
		t.Errorf("FirstLSN() = %v, want 1", wal.FirstLSN())
	}
	if wal.RecordCount() != 0 {
		t.Errorf("RecordCount() = %v, want 0", wal.RecordCount())
	}
	if wal.Path() != path {
		t.Errorf("Path() = %v, want %v", wal.Path(), path)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fi.Size() != WALFileHeaderSize {
		t.Errorf("file size = %v for empty WAL, want %v", fi.Size(), WALFileHeaderSize)
	}
}

func TestWALAppendChainsTransactions(t *testing.T) {
	wal, _ := newTestWAL(t)
	defer wal.Close()

	ref := PageRef{Vol: 1, Page: 2}

	lsn1, err := wal.Append(NewWALRecord(100, WALBegin))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if lsn1 != 1 {
		t.Errorf("Append() = %v, want 1", lsn1)
	}

	upd := NewUpdateRecord(100, ref, 0, []byte("a"), []byte("b"))
	lsn2, err := wal.Append(upd)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if lsn2 != 2 || upd.LSN != 2 {
		t.Errorf("Append() = %v with record LSN %v, want 2, 2", lsn2, upd.LSN)
	}
	if upd.PrevLSN != lsn1 {
		t.Errorf("PrevLSN = %v, want %v", upd.PrevLSN, lsn1)
	}

	// A second transaction starts its own chain.
	lsn3, err := wal.Append(NewWALRecord(200, WALBegin))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	other := NewUpdateRecord(200, ref, 1, []byte("c"), []byte("d"))
	if _, err := wal.Append(other); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if other.PrevLSN != lsn3 {
		t.Errorf("PrevLSN = %v, want %v", other.PrevLSN, lsn3)
	}

	if tail, ok := wal.TxTail(100); !ok || tail != lsn2 {
		t.Errorf("TxTail(100) = %v, %v, want %v, true", tail, ok, lsn2)
	}
	if got := len(wal.OpenTransactions()); got != 2 {
		t.Errorf("OpenTransactions() has %v entries, want 2", got)
	}

	if _, err := wal.Append(NewWALRecord(100, WALCommit)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, ok := wal.TxTail(100); ok {
		t.Error("TxTail(100) still open after commit")
	}
	open := wal.OpenTransactions()
	if len(open) != 1 || open[0] != 200 {
		t.Errorf("OpenTransactions() = %v, want [200]", open)
	}

	record, err := wal.ReadRecord(lsn2)
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if record.TxID != 100 || record.BaseType() != WALUpdate || record.PrevLSN != lsn1 {
		t.Errorf("ReadRecord() = %+v, want tx 100 update chained to %v", record, lsn1)
	}

	if _, err := wal.ReadRecord(999); !errors.Is(err, ErrWALInvalidLSN) {
		t.Errorf("ReadRecord(999) error = %v, want ErrWALInvalidLSN", err)
	}
}

// TestWALCheckpointRecordOwnsNoTransaction makes sure checkpoint
// records never register transaction zero as open.
func TestWALCheckpointRecordOwnsNoTransaction(t *testing.T) {
	wal, path := newTestWAL(t)

	if _, err := wal.Append(NewWALRecord(0, WALCheckpoint)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if got := wal.OpenTransactions(); len(got) != 0 {
		t.Errorf("OpenTransactions() = %v after checkpoint record, want none", got)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The scan on reopen must agree.
	wal2, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL() error = %v", err)
	}
	defer wal2.Close()
	if got := wal2.OpenTransactions(); len(got) != 0 {
		t.Errorf("OpenTransactions() = %v after reopen, want none", got)
	}
}

func TestWALReopenRebuildsState(t *testing.T) {
	wal, path := newTestWAL(t)

	ref := PageRef{Vol: 1, Page: 3}
	if _, err := wal.Append(NewWALRecord(100, WALBegin)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := wal.Append(NewUpdateRecord(100, ref, 0, []byte("x"), []byte("y"))); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := wal.Append(NewWALRecord(100, WALCommit)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := wal.Append(NewWALRecord(200, WALBegin)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	loserTail, err := wal.Append(NewUpdateRecord(200, ref, 1, []byte("p"), []byte("q")))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	wal2, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL() error = %v", err)
	}
	defer wal2.Close()

	if wal2.CurrentLSN() != 6 {
		t.Errorf("CurrentLSN() = %v after reopen, want 6", wal2.CurrentLSN())
	}
	if wal2.RecordCount() != 5 {
		t.Errorf("RecordCount() = %v, want 5", wal2.RecordCount())
	}
	open := wal2.OpenTransactions()
	if len(open) != 1 || open[0] != 200 {
		t.Errorf("OpenTransactions() = %v, want [200]", open)
	}
	if tail, ok := wal2.TxTail(200); !ok || tail != loserTail {
		t.Errorf("TxTail(200) = %v, %v, want %v, true", tail, ok, loserTail)
	}

	record, err := wal2.ReadRecord(2)
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if string(record.NewData) != "y" {
		t.Errorf("ReadRecord(2).NewData = %q, want y", record.NewData)
	}
}

// TestWALTornTailTruncated writes garbage after the last record, as a
// crash mid-append would, and checks the reopen drops it.
func TestWALTornTailTruncated(t *testing.T) {
	wal, path := newTestWAL(t)

	for i := 0; i < 3; i++ {
		if _, err := wal.Append(NewWALRecord(uint64(100+i), WALBegin)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	goodSize, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	// A length prefix promising 100 bytes, followed by only a few.
	if _, err := f.Write([]byte{100, 0, 0, 0, 1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	wal2, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL() error = %v", err)
	}
	defer wal2.Close()

	if wal2.RecordCount() != 3 {
		t.Errorf("RecordCount() = %v after torn tail, want 3", wal2.RecordCount())
	}
	if wal2.CurrentLSN() != 4 {
		t.Errorf("CurrentLSN() = %v, want 4", wal2.CurrentLSN())
	}
	truncated, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if truncated.Size() != goodSize.Size() {
		t.Errorf("file size = %v after reopen, want %v", truncated.Size(), goodSize.Size())
	}

	// Appending after the truncation produces a readable record.
	lsn, err := wal2.Append(NewWALRecord(300, WALBegin))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	record, err := wal2.ReadRecord(lsn)
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if record.TxID != 300 {
		t.Errorf("ReadRecord().TxID = %v, want 300", record.TxID)
	}
}

func TestWALBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wal")
	if err := os.WriteFile(path, []byte("not a WAL file at all"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := OpenWAL(path); !errors.Is(err, ErrWALBadHeader) {
		t.Errorf("OpenWAL() error = %v, want ErrWALBadHeader", err)
	}

	short := filepath.Join(t.TempDir(), "short.wal")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := OpenWAL(short); !errors.Is(err, ErrWALBadHeader) {
		t.Errorf("OpenWAL() on short file error = %v, want ErrWALBadHeader", err)
	}
}

// TestWALResetKeepsLSNsMonotonic empties the log and checks LSNs
// continue from where they were, including across a reopen.
func TestWALResetKeepsLSNsMonotonic(t *testing.T) {
	wal, path := newTestWAL(t)

	for i := 0; i < 3; i++ {
		if _, err := wal.Append(NewWALRecord(100, WALBegin)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if _, err := wal.Append(NewWALRecord(100, WALCommit)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := wal.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !wal.IsEmpty() {
		t.Error("IsEmpty() = false after Reset")
	}
	if wal.RecordCount() != 0 {
		t.Errorf("RecordCount() = %v after Reset, want 0", wal.RecordCount())
	}
	if wal.CurrentLSN() != 5 {
		t.Errorf("CurrentLSN() = %v after Reset, want 5", wal.CurrentLSN())
	}
	if wal.FirstLSN() != 5 {
		t.Errorf("FirstLSN() = %v after Reset, want 5", wal.FirstLSN())
	}

	lsn, err := wal.Append(NewWALRecord(300, WALBegin))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if lsn != 5 {
		t.Errorf("Append() = %v after Reset, want 5", lsn)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The header carries the high-water mark across reopen.
	wal2, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL() error = %v", err)
	}
	defer wal2.Close()
	if wal2.CurrentLSN() != 6 {
		t.Errorf("CurrentLSN() = %v after reopen, want 6", wal2.CurrentLSN())
	}
	if wal2.FirstLSN() != 5 {
		t.Errorf("FirstLSN() = %v after reopen, want 5", wal2.FirstLSN())
	}
	if wal2.RecordCount() != 1 {
		t.Errorf("RecordCount() = %v after reopen, want 1", wal2.RecordCount())
	}
}

func TestWALIterator(t *testing.T) {
	wal, _ := newTestWAL(t)
	defer wal.Close()

	ref := PageRef{Vol: 1, Page: 1}
	for i := 0; i < 5; i++ {
		if _, err := wal.Append(NewUpdateRecord(100, ref, uint16(i), nil, []byte{byte(i)})); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	it := wal.Iterator(wal.FirstLSN())
	var lsns []uint64
	for it.Next() {
		lsns = append(lsns, it.Record().LSN)
	}
	if err := it.Error(); err != nil {
		t.Fatalf("Error() = %v", err)
	}
	if len(lsns) != 5 {
		t.Fatalf("iterator visited %v records, want 5", len(lsns))
	}
	for i, lsn := range lsns {
		if lsn != uint64(i+1) {
			t.Errorf("lsns[%d] = %v, want %v", i, lsn, i+1)
		}
	}

	// Starting in the middle skips the earlier records.
	it = wal.Iterator(3)
	count := 0
	for it.Next() {
		if it.Record().LSN < 3 {
			t.Errorf("iterator from 3 visited LSN %v", it.Record().LSN)
		}
		count++
	}
	if count != 3 {
		t.Errorf("iterator from 3 visited %v records, want 3", count)
	}
}

func TestWALClosedErrors(t *testing.T) {
	wal, _ := newTestWAL(t)

	if _, err := wal.Append(NewWALRecord(1, WALBegin)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := wal.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := wal.Close(); err != nil {
		t.Errorf("Close() twice error = %v, want nil", err)
	}
	if _, err := wal.Append(NewWALRecord(1, WALCommit)); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Append() after close error = %v, want ErrWALClosed", err)
	}
	if err := wal.Sync(); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Sync() after close error = %v, want ErrWALClosed", err)
	}
	if err := wal.Reset(); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Reset() after close error = %v, want ErrWALClosed", err)
	}
	if _, err := wal.ReadRecord(1); !errors.Is(err, ErrWALClosed) {
		t.Errorf("ReadRecord() after close error = %v, want ErrWALClosed", err)
	}
}
