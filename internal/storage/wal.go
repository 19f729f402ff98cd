package storage

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
)

// WAL constants.
const (
	// WALBufferSize is the default size of the WAL write buffer.
	WALBufferSize = 64 * 1024 // 64KB

	// WALRecordLengthSize is the size of the length prefix for each record.
	WALRecordLengthSize = 4

	// WALFileHeaderSize is the size of the file header preceding the
	// first record:
	//   - Bytes 0-3: Magic "TWAL"
	//   - Bytes 4-7: Format version (uint32)
	//   - Bytes 8-15: StartLSN (uint64)
	// StartLSN carries the LSN counter across Reset so LSNs stay
	// monotonic for the lifetime of the database, not just of one log
	// file. Page version stamps are LSNs, so a restarted counter would
	// break the redo gate.
	WALFileHeaderSize = 16

	walFormatVersion = 1
)

var walMagic = [4]byte{'T', 'W', 'A', 'L'}

// WAL errors.
var (
	ErrWALClosed       = errors.New("WAL is closed")
	ErrWALCorrupted    = errors.New("WAL file is corrupted")
	ErrWALInvalidLSN   = errors.New("invalid LSN")
	ErrWALRecordLength = errors.New("invalid WAL record length")
	ErrWALBadHeader    = errors.New("invalid WAL file header")
)

// WAL is the write-ahead log. All page and key modifications are
// logged here before being applied to data pages. Records of one
// transaction are chained backwards through PrevLSN; the chain tail of
// every open transaction is tracked so rollback can walk it without
// scanning.
type WAL struct {
	file       *os.File
	path       string
	currentLSN uint64
	startLSN   uint64
	buffer     []byte
	bufferPos  int
	filePos    int64
	mu         sync.Mutex
	closed     bool

	// syncOnCommit forces a flush and fsync when a commit record is
	// appended.
	syncOnCommit bool

	// lsnIndex maps LSN to file offset for random record access.
	lsnIndex map[uint64]int64

	// txTail maps open transaction IDs to their last LSN.
	txTail map[uint64]uint64
}

// OpenWAL opens or creates a WAL file at the given path.
func OpenWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	wal := &WAL{
		file:         file,
		path:         path,
		buffer:       make([]byte, WALBufferSize),
		syncOnCommit: true,
		lsnIndex:     make(map[uint64]int64),
		txTail:       make(map[uint64]uint64),
	}

	if err := wal.scanExisting(); err != nil {
		file.Close()
		return nil, err
	}

	return wal, nil
}

// writeHeaderLocked writes the file header carrying the LSN high-water
// mark. Must be called with the mutex held (or before the WAL is
// shared).
func (w *WAL) writeHeaderLocked(startLSN uint64) error {
	buf := make([]byte, WALFileHeaderSize)
	copy(buf[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], walFormatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], startLSN)

	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return nil
}

// scanExisting reads existing WAL records, rebuilds the LSN index and
// the open-transaction tails, and truncates any torn tail left by a
// crash mid-append.
func (w *WAL) scanExisting() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}

	fileSize := info.Size()
	if fileSize == 0 {
		w.currentLSN = 1
		w.startLSN = 1
		if err := w.writeHeaderLocked(w.currentLSN); err != nil {
			return err
		}
		w.filePos = WALFileHeaderSize
		_, err := w.file.Seek(0, io.SeekEnd)
		return err
	}

	if fileSize < WALFileHeaderSize {
		return ErrWALBadHeader
	}
	headerBuf := make([]byte, WALFileHeaderSize)
	if _, err := w.file.ReadAt(headerBuf, 0); err != nil {
		return err
	}
	if [4]byte(headerBuf[0:4]) != walMagic {
		return ErrWALBadHeader
	}
	if binary.LittleEndian.Uint32(headerBuf[4:8]) != walFormatVersion {
		return ErrWALBadHeader
	}
	startLSN := binary.LittleEndian.Uint64(headerBuf[8:16])
	if startLSN == 0 {
		startLSN = 1
	}
	w.startLSN = startLSN

	offset := int64(WALFileHeaderSize)
	maxLSN := startLSN - 1

	for offset < fileSize {
		record, next, err := w.readRecordAt(offset)
		if err != nil {
			// Incomplete or corrupt record: the file ends here.
			break
		}

		w.lsnIndex[record.LSN] = offset
		if record.LSN > maxLSN {
			maxLSN = record.LSN
		}

		switch record.BaseType() {
		case WALBegin:
			w.txTail[record.TxID] = record.LSN
		case WALCommit, WALAbort:
			delete(w.txTail, record.TxID)
		case WALCheckpoint:
			// Not part of any transaction.
		default:
			if _, open := w.txTail[record.TxID]; open {
				w.txTail[record.TxID] = record.LSN
			}
		}

		offset = next
	}

	w.currentLSN = maxLSN + 1

	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	w.filePos = offset

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	return nil
}

// readRecordAt reads and validates one framed record at the given
// offset, returning it and the offset of the next record.
func (w *WAL) readRecordAt(offset int64) (*WALRecord, int64, error) {
	lengthBuf := make([]byte, WALRecordLengthSize)
	n, err := w.file.ReadAt(lengthBuf, offset)
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	if n < WALRecordLengthSize {
		return nil, 0, ErrWALRecordLength
	}

	recordLen := binary.LittleEndian.Uint32(lengthBuf)
	if recordLen < WALRecordHeaderSize || recordLen > uint32(WALRecordHeaderSize+2*MaxWALDataSize) {
		return nil, 0, ErrWALRecordLength
	}

	recordBuf := make([]byte, recordLen)
	n, err = w.file.ReadAt(recordBuf, offset+WALRecordLengthSize)
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	if n < int(recordLen) {
		return nil, 0, ErrWALRecordLength
	}

	record := &WALRecord{}
	if err := record.DeserializeAndValidate(recordBuf); err != nil {
		return nil, 0, err
	}

	return record, offset + WALRecordLengthSize + int64(recordLen), nil
}

// Append assigns an LSN, chains the record to its transaction, and
// writes it. The record's LSN and PrevLSN fields are filled in.
func (w *WAL) Append(record *WALRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	record.LSN = w.currentLSN
	record.PrevLSN = w.txTail[record.TxID]

	recordBuf, err := record.Serialize()
	if err != nil {
		return 0, err
	}

	recordLen := uint32(len(recordBuf))
	totalSize := WALRecordLengthSize + int(recordLen)
	if w.bufferPos+totalSize > len(w.buffer) {
		if err := w.flushBufferLocked(); err != nil {
			return 0, err
		}
	}

	w.lsnIndex[record.LSN] = w.filePos + int64(w.bufferPos)

	binary.LittleEndian.PutUint32(w.buffer[w.bufferPos:], recordLen)
	w.bufferPos += WALRecordLengthSize
	copy(w.buffer[w.bufferPos:], recordBuf)
	w.bufferPos += int(recordLen)

	switch record.BaseType() {
	case WALCommit, WALAbort:
		delete(w.txTail, record.TxID)
	case WALCheckpoint:
		// Not part of any transaction.
	default:
		w.txTail[record.TxID] = record.LSN
	}

	lsn := w.currentLSN
	w.currentLSN++

	if w.syncOnCommit && record.BaseType() == WALCommit {
		if err := w.flushBufferLocked(); err != nil {
			return 0, err
		}
		if err := w.file.Sync(); err != nil {
			return 0, err
		}
	}

	return lsn, nil
}

// flushBufferLocked writes the buffer contents to the file. Must be
// called with the mutex held.
func (w *WAL) flushBufferLocked() error {
	if w.bufferPos == 0 {
		return nil
	}

	n, err := w.file.Write(w.buffer[:w.bufferPos])
	if err != nil {
		return err
	}

	w.filePos += int64(n)
	w.bufferPos = 0
	return nil
}

// Sync ensures all WAL records are durably on disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushBufferLocked(); err != nil {
		return err
	}

	return w.file.Sync()
}

// ReadRecord reads the record with the given LSN.
func (w *WAL) ReadRecord(lsn uint64) (*WALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWALClosed
	}

	offset, ok := w.lsnIndex[lsn]
	if !ok {
		return nil, ErrWALInvalidLSN
	}

	if err := w.flushBufferLocked(); err != nil {
		return nil, err
	}

	record, _, err := w.readRecordAt(offset)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// TxTail returns the last LSN of an open transaction, or false if the
// transaction has no records or is already closed.
func (w *WAL) TxTail(txID uint64) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn, ok := w.txTail[txID]
	return lsn, ok
}

// OpenTransactions returns the IDs of transactions with records but no
// commit or abort. After a crash these are the losers recovery must
// roll back.
func (w *WAL) OpenTransactions() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]uint64, 0, len(w.txTail))
	for id := range w.txTail {
		ids = append(ids, id)
	}
	return ids
}

// IsEmpty reports whether the WAL holds no records.
func (w *WAL) IsEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lsnIndex) == 0 && w.bufferPos == 0
}

// RecordCount returns the number of records in the WAL.
func (w *WAL) RecordCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lsnIndex)
}

// Reset discards the whole log. Called after a checkpoint has made all
// logged changes durable in the volumes.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushBufferLocked(); err != nil {
		return err
	}

	if err := w.file.Truncate(WALFileHeaderSize); err != nil {
		return err
	}
	if err := w.writeHeaderLocked(w.currentLSN); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	w.filePos = WALFileHeaderSize
	w.startLSN = w.currentLSN
	w.lsnIndex = make(map[uint64]int64)
	// Open transaction chains survive a reset; their tails now point
	// at records that no longer exist, so the reset must only run when
	// no transactions are active. The caller enforces that.
	w.txTail = make(map[uint64]uint64)

	return nil
}

// Iterator returns a WAL iterator starting from the given LSN.
func (w *WAL) Iterator(startLSN uint64) *WALIterator {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.flushBufferLocked()

	return &WALIterator{
		wal:     w,
		nextLSN: startLSN,
	}
}

// CurrentLSN returns the next LSN that will be assigned.
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// FirstLSN returns the LSN of the oldest record the log can hold. The
// log may be empty; then no record with this LSN exists yet.
func (w *WAL) FirstLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startLSN
}

// Path returns the WAL file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	if err := w.flushBufferLocked(); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		return err
	}

	w.closed = true
	return w.file.Close()
}

// WALIterator iterates over WAL records in LSN order.
type WALIterator struct {
	wal     *WAL
	nextLSN uint64
	record  *WALRecord
	err     error
}

// Next advances to the next record and returns true if one is
// available.
func (it *WALIterator) Next() bool {
	if it.err != nil {
		return false
	}

	it.wal.mu.Lock()
	defer it.wal.mu.Unlock()

	// LSNs are dense except across resets, so probe forward from the
	// requested position.
	for it.nextLSN < it.wal.currentLSN {
		offset, ok := it.wal.lsnIndex[it.nextLSN]
		if !ok {
			it.nextLSN++
			continue
		}

		record, _, err := it.wal.readRecordAt(offset)
		if err != nil {
			it.err = err
			return false
		}

		it.record = record
		it.nextLSN = record.LSN + 1
		return true
	}

	return false
}

// Record returns the current WAL record.
func (it *WALIterator) Record() *WALRecord {
	return it.record
}

// Error returns any error encountered during iteration.
func (it *WALIterator) Error() error {
	return it.err
}
