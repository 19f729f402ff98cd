package storage

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// WAL record constants.
const (
	// WALRecordHeaderSize is the fixed size of the WAL record header.
	// Layout:
	//   - Bytes 0-7:   LSN (uint64)
	//   - Bytes 8-15:  PrevLSN (uint64, previous record of the same transaction)
	//   - Bytes 16-23: TxID (uint64)
	//   - Byte 24:     Type (uint8, high bit marks a compensation record)
	//   - Bytes 25-26: Vol (uint16)
	//   - Bytes 27-30: Page (uint32)
	//   - Bytes 31-32: Slot (uint16)
	//   - Bytes 33-34: OldDataLen (uint16)
	//   - Bytes 35-36: NewDataLen (uint16)
	//   - Bytes 37-40: Checksum (uint32)
	WALRecordHeaderSize = 41

	// MaxWALDataSize is the maximum size for old/new data in a WAL record.
	MaxWALDataSize = 65535

	// walCLRFlag marks a compensation record written during rollback.
	// Compensation records are redo-only; their old-data area carries
	// the undo-next LSN instead of a before image.
	walCLRFlag = 0x80

	// NoSlot is the slot value for records that do not address a slot.
	NoSlot uint16 = 0xFFFF
)

// WALType represents the type of a WAL record.
type WALType uint8

const (
	// WALBegin marks the beginning of a transaction.
	WALBegin WALType = iota
	// WALCommit marks the successful completion of a transaction.
	WALCommit
	// WALAbort marks the completed rollback of a transaction.
	WALAbort
	// WALUpdate records the replacement of one slotted record
	// (old and new images).
	WALUpdate
	// WALInsertSlot records the insertion of a slotted record
	// (new image only).
	WALInsertSlot
	// WALDeleteSlot records the deletion of a slotted record
	// (old image only).
	WALDeleteSlot
	// WALPageImage records a whole page data area (old and new
	// images). Used for overflow pages and structural rewrites.
	WALPageImage
	// WALPageFormat records the formatting of a freshly allocated page.
	WALPageFormat
	// WALPageFree records a page being returned to the free list.
	WALPageFree
	// WALKeyInsert is the logical record for one key/OID insertion.
	// Its undo is a key/OID deletion, wherever the pair lives by then.
	WALKeyInsert
	// WALKeyDelete is the logical record for one key/OID deletion.
	WALKeyDelete
	// WALNestedTopBegin opens a nested top-level scope. Structural
	// changes inside a completed scope survive rollback of the
	// enclosing transaction.
	WALNestedTopBegin
	// WALNestedTopEnd closes a nested top-level scope; its payload is
	// the LSN of the matching begin, so undo can jump over the scope.
	WALNestedTopEnd
	// WALCheckpoint marks a checkpoint in the WAL.
	WALCheckpoint
	// WALCounterDelta records signed adjustments to 64-bit counters
	// inside a slotted record. Redo adds the deltas, undo adds their
	// negation. Arithmetic survives structural rewrites of the rest of
	// the record, where restoring a byte image would not.
	WALCounterDelta
)

// String returns the string representation of a WALType.
func (t WALType) String() string {
	base := t & ^WALType(walCLRFlag)
	var s string
	switch base {
	case WALBegin:
		s = "Begin"
	case WALCommit:
		s = "Commit"
	case WALAbort:
		s = "Abort"
	case WALUpdate:
		s = "Update"
	case WALInsertSlot:
		s = "InsertSlot"
	case WALDeleteSlot:
		s = "DeleteSlot"
	case WALPageImage:
		s = "PageImage"
	case WALPageFormat:
		s = "PageFormat"
	case WALPageFree:
		s = "PageFree"
	case WALKeyInsert:
		s = "KeyInsert"
	case WALKeyDelete:
		s = "KeyDelete"
	case WALNestedTopBegin:
		s = "NestedTopBegin"
	case WALNestedTopEnd:
		s = "NestedTopEnd"
	case WALCheckpoint:
		s = "Checkpoint"
	case WALCounterDelta:
		s = "CounterDelta"
	default:
		s = "Unknown"
	}
	if t&walCLRFlag != 0 {
		s += "+CLR"
	}
	return s
}

// WALRecord represents a single record in the write-ahead log.
// All modifications are logged before being applied to data pages.
// Records of one transaction are chained backwards through PrevLSN.
type WALRecord struct {
	LSN      uint64
	PrevLSN  uint64
	TxID     uint64
	Type     WALType
	Ref      PageRef // Affected page (for page records)
	Slot     uint16  // Affected slot, NoSlot if not applicable
	OldData  []byte  // Before image (for undo)
	NewData  []byte  // After image (for redo)
	Checksum uint32
}

// Errors for WAL record operations.
var (
	ErrWALRecordTooSmall    = errors.New("WAL record buffer too small")
	ErrWALRecordChecksum    = errors.New("WAL record checksum mismatch")
	ErrWALDataTooLarge      = errors.New("WAL record data exceeds maximum size")
	ErrWALInvalidRecordType = errors.New("invalid WAL record type")
	ErrWALBadPayload        = errors.New("WAL record payload malformed")
)

// NewWALRecord creates a control record with no page payload.
func NewWALRecord(txID uint64, recordType WALType) *WALRecord {
	return &WALRecord{
		TxID: txID,
		Type: recordType,
		Slot: NoSlot,
	}
}

// NewUpdateRecord creates a record for the replacement of a slotted
// record.
func NewUpdateRecord(txID uint64, ref PageRef, slot uint16, oldData, newData []byte) *WALRecord {
	return &WALRecord{
		TxID:    txID,
		Type:    WALUpdate,
		Ref:     ref,
		Slot:    slot,
		OldData: oldData,
		NewData: newData,
	}
}

// NewInsertSlotRecord creates a record for the insertion of a slotted
// record.
func NewInsertSlotRecord(txID uint64, ref PageRef, slot uint16, newData []byte) *WALRecord {
	return &WALRecord{
		TxID:    txID,
		Type:    WALInsertSlot,
		Ref:     ref,
		Slot:    slot,
		NewData: newData,
	}
}

// NewDeleteSlotRecord creates a record for the deletion of a slotted
// record.
func NewDeleteSlotRecord(txID uint64, ref PageRef, slot uint16, oldData []byte) *WALRecord {
	return &WALRecord{
		TxID:    txID,
		Type:    WALDeleteSlot,
		Ref:     ref,
		Slot:    slot,
		OldData: oldData,
	}
}

// NewPageImageRecord creates a record carrying whole data-area images.
// The Slot field holds the page type so recovery can rebuild the page
// from the image alone.
func NewPageImageRecord(txID uint64, ref PageRef, pageType PageType, oldData, newData []byte) *WALRecord {
	return &WALRecord{
		TxID:    txID,
		Type:    WALPageImage,
		Ref:     ref,
		Slot:    uint16(pageType),
		OldData: oldData,
		NewData: newData,
	}
}

// NewPageFormatRecord creates a record for a freshly formatted page.
func NewPageFormatRecord(txID uint64, ref PageRef, pageType PageType) *WALRecord {
	return &WALRecord{
		TxID:    txID,
		Type:    WALPageFormat,
		Ref:     ref,
		Slot:    NoSlot,
		NewData: []byte{byte(pageType)},
	}
}

// NewPageFreeRecord creates a record for a page being freed. The old
// image restores the page if the transaction rolls back.
func NewPageFreeRecord(txID uint64, ref PageRef, pageType PageType, oldData []byte) *WALRecord {
	old := make([]byte, 1+len(oldData))
	old[0] = byte(pageType)
	copy(old[1:], oldData)
	return &WALRecord{
		TxID:    txID,
		Type:    WALPageFree,
		Ref:     ref,
		Slot:    NoSlot,
		OldData: old,
	}
}

// NewLogicalRecord creates a logical key/OID record. For WALKeyInsert
// the payload is the after image, for WALKeyDelete the before image.
func NewLogicalRecord(txID uint64, recordType WALType, ref PageRef, key []byte, oid OID) *WALRecord {
	payload := make([]byte, 2+len(key)+OIDSize)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(len(key)))
	copy(payload[2:], key)
	PutOID(payload[2+len(key):], oid)

	r := &WALRecord{
		TxID: txID,
		Type: recordType,
		Ref:  ref,
		Slot: NoSlot,
	}
	if recordType == WALKeyDelete {
		r.OldData = payload
	} else {
		r.NewData = payload
	}
	return r
}

// NewCounterDeltaRecord creates a record adjusting count consecutive
// little-endian 64-bit counters starting at the given byte offset
// within a slotted record. The old-data area carries the negated
// deltas for undo.
func NewCounterDeltaRecord(txID uint64, ref PageRef, slot uint16, offset uint16, deltas []int64) *WALRecord {
	neg := make([]int64, len(deltas))
	for i, d := range deltas {
		neg[i] = -d
	}
	return &WALRecord{
		TxID:    txID,
		Type:    WALCounterDelta,
		Ref:     ref,
		Slot:    slot,
		OldData: encodeCounterDeltas(offset, neg),
		NewData: encodeCounterDeltas(offset, deltas),
	}
}

// encodeCounterDeltas packs a counter adjustment payload: the byte
// offset of the first counter followed by the deltas.
func encodeCounterDeltas(offset uint16, deltas []int64) []byte {
	buf := make([]byte, 2+8*len(deltas))
	binary.LittleEndian.PutUint16(buf[0:2], offset)
	for i, d := range deltas {
		binary.LittleEndian.PutUint64(buf[2+8*i:], uint64(d))
	}
	return buf
}

// NewNestedTopEndRecord creates the closing record of a nested
// top-level scope.
func NewNestedTopEndRecord(txID uint64, beginLSN uint64) *WALRecord {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, beginLSN)
	return &WALRecord{
		TxID:    txID,
		Type:    WALNestedTopEnd,
		Slot:    NoSlot,
		NewData: payload,
	}
}

// NewCLRRecord creates a compensation record for rollback. The record
// redoes the compensation described by baseType and newData; undoNext
// is where undo continues afterwards.
func NewCLRRecord(txID uint64, baseType WALType, ref PageRef, slot uint16, newData []byte, undoNext uint64) *WALRecord {
	old := make([]byte, 8)
	binary.LittleEndian.PutUint64(old, undoNext)
	return &WALRecord{
		TxID:    txID,
		Type:    baseType | walCLRFlag,
		Ref:     ref,
		Slot:    slot,
		OldData: old,
		NewData: newData,
	}
}

// IsCLR returns true if this is a compensation record.
func (r *WALRecord) IsCLR() bool {
	return r.Type&walCLRFlag != 0
}

// BaseType returns the record type with the compensation flag cleared.
func (r *WALRecord) BaseType() WALType {
	return r.Type & ^WALType(walCLRFlag)
}

// UndoNextLSN returns where undo continues after this compensation
// record.
func (r *WALRecord) UndoNextLSN() (uint64, error) {
	if !r.IsCLR() || len(r.OldData) < 8 {
		return 0, ErrWALBadPayload
	}
	return binary.LittleEndian.Uint64(r.OldData[0:8]), nil
}

// BeginLSN returns the LSN of the matching begin for a nested-top end
// record.
func (r *WALRecord) BeginLSN() (uint64, error) {
	if r.BaseType() != WALNestedTopEnd || len(r.NewData) < 8 {
		return 0, ErrWALBadPayload
	}
	return binary.LittleEndian.Uint64(r.NewData[0:8]), nil
}

// LogicalKeyOID unpacks the key and OID from a logical record.
func (r *WALRecord) LogicalKeyOID() ([]byte, OID, error) {
	payload := r.NewData
	if r.BaseType() == WALKeyDelete {
		payload = r.OldData
	}
	if len(payload) < 2 {
		return nil, NilOID, ErrWALBadPayload
	}
	keyLen := int(binary.LittleEndian.Uint16(payload[0:2]))
	if len(payload) < 2+keyLen+OIDSize {
		return nil, NilOID, ErrWALBadPayload
	}
	key := make([]byte, keyLen)
	copy(key, payload[2:2+keyLen])
	oid := GetOID(payload[2+keyLen:])
	return key, oid, nil
}

// CounterDeltas unpacks the redo payload of a counter delta record:
// the byte offset of the first counter and the deltas to add.
func (r *WALRecord) CounterDeltas() (offset int, deltas []int64, err error) {
	payload := r.NewData
	if len(payload) < 2 || (len(payload)-2)%8 != 0 {
		return 0, nil, ErrWALBadPayload
	}
	offset = int(binary.LittleEndian.Uint16(payload[0:2]))
	deltas = make([]int64, (len(payload)-2)/8)
	for i := range deltas {
		deltas[i] = int64(binary.LittleEndian.Uint64(payload[2+8*i:]))
	}
	return offset, deltas, nil
}

// FormatPageType returns the page type carried by a format or free
// record.
func (r *WALRecord) FormatPageType() (PageType, error) {
	switch r.BaseType() {
	case WALPageFormat:
		if len(r.NewData) < 1 {
			return 0, ErrWALBadPayload
		}
		return PageType(r.NewData[0]), nil
	case WALPageFree:
		if len(r.OldData) < 1 {
			return 0, ErrWALBadPayload
		}
		return PageType(r.OldData[0]), nil
	default:
		return 0, ErrWALInvalidRecordType
	}
}

// FreedPageImage returns the data-area image carried by a free record.
func (r *WALRecord) FreedPageImage() ([]byte, error) {
	if r.BaseType() != WALPageFree || len(r.OldData) < 1 {
		return nil, ErrWALBadPayload
	}
	return r.OldData[1:], nil
}

// Size returns the total serialized size of the WAL record.
func (r *WALRecord) Size() int {
	return WALRecordHeaderSize + len(r.OldData) + len(r.NewData)
}

// Serialize writes the WAL record to a new byte slice.
func (r *WALRecord) Serialize() ([]byte, error) {
	buf := make([]byte, r.Size())
	if err := r.SerializeTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SerializeTo writes the WAL record to an existing byte slice.
// The slice must be at least Size() bytes.
func (r *WALRecord) SerializeTo(buf []byte) error {
	size := r.Size()
	if len(buf) < size {
		return ErrWALRecordTooSmall
	}

	if len(r.OldData) > MaxWALDataSize || len(r.NewData) > MaxWALDataSize {
		return ErrWALDataTooLarge
	}

	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], r.PrevLSN)
	binary.LittleEndian.PutUint64(buf[16:24], r.TxID)
	buf[24] = byte(r.Type)
	binary.LittleEndian.PutUint16(buf[25:27], r.Ref.Vol)
	binary.LittleEndian.PutUint32(buf[27:31], r.Ref.Page)
	binary.LittleEndian.PutUint16(buf[31:33], r.Slot)
	binary.LittleEndian.PutUint16(buf[33:35], uint16(len(r.OldData)))
	binary.LittleEndian.PutUint16(buf[35:37], uint16(len(r.NewData)))

	offset := WALRecordHeaderSize
	if len(r.OldData) > 0 {
		copy(buf[offset:], r.OldData)
		offset += len(r.OldData)
	}
	if len(r.NewData) > 0 {
		copy(buf[offset:], r.NewData)
	}

	r.Checksum = r.calculateChecksumFromBuffer(buf[:size])
	binary.LittleEndian.PutUint32(buf[37:41], r.Checksum)

	return nil
}

// Deserialize reads the WAL record from a byte slice.
// The slice must be at least WALRecordHeaderSize bytes.
func (r *WALRecord) Deserialize(buf []byte) error {
	if len(buf) < WALRecordHeaderSize {
		return ErrWALRecordTooSmall
	}

	r.LSN = binary.LittleEndian.Uint64(buf[0:8])
	r.PrevLSN = binary.LittleEndian.Uint64(buf[8:16])
	r.TxID = binary.LittleEndian.Uint64(buf[16:24])
	r.Type = WALType(buf[24])
	r.Ref.Vol = binary.LittleEndian.Uint16(buf[25:27])
	r.Ref.Page = binary.LittleEndian.Uint32(buf[27:31])
	r.Slot = binary.LittleEndian.Uint16(buf[31:33])
	oldDataLen := binary.LittleEndian.Uint16(buf[33:35])
	newDataLen := binary.LittleEndian.Uint16(buf[35:37])
	r.Checksum = binary.LittleEndian.Uint32(buf[37:41])

	totalSize := WALRecordHeaderSize + int(oldDataLen) + int(newDataLen)
	if len(buf) < totalSize {
		return ErrWALRecordTooSmall
	}

	offset := WALRecordHeaderSize
	if oldDataLen > 0 {
		r.OldData = make([]byte, oldDataLen)
		copy(r.OldData, buf[offset:offset+int(oldDataLen)])
		offset += int(oldDataLen)
	} else {
		r.OldData = nil
	}

	if newDataLen > 0 {
		r.NewData = make([]byte, newDataLen)
		copy(r.NewData, buf[offset:offset+int(newDataLen)])
	} else {
		r.NewData = nil
	}

	return nil
}

// calculateChecksumFromBuffer computes the CRC32 checksum over the
// serialized record with the checksum field zeroed.
func (r *WALRecord) calculateChecksumFromBuffer(buf []byte) uint32 {
	checksumBuf := make([]byte, len(buf))
	copy(checksumBuf, buf)
	checksumBuf[37] = 0
	checksumBuf[38] = 0
	checksumBuf[39] = 0
	checksumBuf[40] = 0
	return crc32.ChecksumIEEE(checksumBuf)
}

// DeserializeAndValidate reads the record and validates its checksum.
func (r *WALRecord) DeserializeAndValidate(buf []byte) error {
	if err := r.Deserialize(buf); err != nil {
		return err
	}

	expected := r.calculateChecksumFromBuffer(buf[:r.Size()])
	if r.Checksum != expected {
		return ErrWALRecordChecksum
	}

	return nil
}

// IsTransactionControl returns true if this is a transaction control
// record.
func (r *WALRecord) IsTransactionControl() bool {
	t := r.BaseType()
	return t == WALBegin || t == WALCommit || t == WALAbort
}

// IsPageModification returns true if this record carries a physical
// page change.
func (r *WALRecord) IsPageModification() bool {
	switch r.BaseType() {
	case WALUpdate, WALInsertSlot, WALDeleteSlot, WALPageImage, WALPageFormat, WALPageFree, WALCounterDelta:
		return true
	default:
		return false
	}
}

// IsLogical returns true if this record carries a logical key change.
func (r *WALRecord) IsLogical() bool {
	t := r.BaseType()
	return t == WALKeyInsert || t == WALKeyDelete
}

// Clone creates a deep copy of the WAL record.
func (r *WALRecord) Clone() *WALRecord {
	clone := &WALRecord{
		LSN:      r.LSN,
		PrevLSN:  r.PrevLSN,
		TxID:     r.TxID,
		Type:     r.Type,
		Ref:      r.Ref,
		Slot:     r.Slot,
		Checksum: r.Checksum,
	}

	if r.OldData != nil {
		clone.OldData = make([]byte, len(r.OldData))
		copy(clone.OldData, r.OldData)
	}

	if r.NewData != nil {
		clone.NewData = make([]byte, len(r.NewData))
		copy(clone.NewData, r.NewData)
	}

	return clone
}
