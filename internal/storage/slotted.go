package storage

import (
	"encoding/binary"
	"fmt"
)

// SlotEntrySize is the size of one slot directory entry in bytes.
const SlotEntrySize = 4

// slotHdrSize is the size of the slotted bookkeeping block at the start
// of the data area.
const slotHdrSize = 6

// Slotted page layout within the data area:
//
//	+----------------------------------------------------------+
//	| bookkeeping | record 0 | ... | free space | ... | S1 | S0 |
//	+----------------------------------------------------------+
//
// The bookkeeping block occupies the first six bytes:
//   - Bytes 0-1: slot count (uint16)
//   - Bytes 2-3: free data offset (uint16)
//   - Bytes 4-5: total free bytes (uint16)
//
// It lives inside the data area so that page images and checksums cover
// it: restoring a page from a logged image restores the directory state
// with it. Records grow upward from the bookkeeping block, the slot
// directory grows downward from the end of the data area. Slot entry
// layout:
//   - Bytes 0-1: record offset into the data area (uint16)
//   - Bytes 2-3: record length (uint16)
//
// Deleting a slot shifts the following directory entries down, so slot
// numbers above the deleted one change. Record bytes are not moved on
// delete; the hole is reclaimed by compaction when a later insert needs
// the contiguous space.

func (p *Page) slotCount() int {
	return int(binary.LittleEndian.Uint16(p.Data[0:2]))
}

func (p *Page) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(p.Data[0:2], uint16(n))
}

func (p *Page) freeDataOff() int {
	return int(binary.LittleEndian.Uint16(p.Data[2:4]))
}

func (p *Page) setFreeDataOff(off int) {
	binary.LittleEndian.PutUint16(p.Data[2:4], uint16(off))
}

func (p *Page) totalFree() int {
	return int(binary.LittleEndian.Uint16(p.Data[4:6]))
}

func (p *Page) setTotalFree(n int) {
	binary.LittleEndian.PutUint16(p.Data[4:6], uint16(n))
}

// InitSlotted resets the page to an empty slotted page.
func (p *Page) InitSlotted() {
	p.setSlotCount(0)
	p.setFreeDataOff(slotHdrSize)
	p.setTotalFree(len(p.Data) - slotHdrSize)
}

// RecordCount returns the number of records in the page.
func (p *Page) RecordCount() int {
	return p.slotCount()
}

// FreeSpace returns the bytes available for new record payload plus
// slot directory entries.
func (p *Page) FreeSpace() int {
	return p.totalFree()
}

// FitsRecord reports whether a record of n bytes can be inserted.
func (p *Page) FitsRecord(n int) bool {
	return n+SlotEntrySize <= p.totalFree()
}

func (p *Page) slotPos(slot int) int {
	return len(p.Data) - SlotEntrySize*(slot+1)
}

func (p *Page) slotEntry(slot int) (off, length int) {
	pos := p.slotPos(slot)
	off = int(binary.LittleEndian.Uint16(p.Data[pos : pos+2]))
	length = int(binary.LittleEndian.Uint16(p.Data[pos+2 : pos+4]))
	return off, length
}

func (p *Page) setSlotEntry(slot, off, length int) {
	pos := p.slotPos(slot)
	binary.LittleEndian.PutUint16(p.Data[pos:pos+2], uint16(off))
	binary.LittleEndian.PutUint16(p.Data[pos+2:pos+4], uint16(length))
}

// Record returns the bytes of the record in the given slot. The slice
// aliases the page data; callers must not retain it across unfix.
func (p *Page) Record(slot int) ([]byte, error) {
	if slot < 0 || slot >= p.slotCount() {
		return nil, fmt.Errorf("%w: slot %d of %d on %s", ErrNoSuchSlot, slot, p.slotCount(), p.Header.Ref)
	}
	off, length := p.slotEntry(slot)
	if off+length > len(p.Data) {
		return nil, fmt.Errorf("%w: slot %d points past page end on %s", ErrCorruptPage, slot, p.Header.Ref)
	}
	return p.Data[off : off+length], nil
}

// RecordLen returns the length of the record in the given slot.
func (p *Page) RecordLen(slot int) (int, error) {
	if slot < 0 || slot >= p.slotCount() {
		return 0, fmt.Errorf("%w: slot %d of %d on %s", ErrNoSuchSlot, slot, p.slotCount(), p.Header.Ref)
	}
	_, length := p.slotEntry(slot)
	return length, nil
}

// AppendRecord inserts a record after the last slot and returns its
// slot number.
func (p *Page) AppendRecord(rec []byte) (int, error) {
	slot := p.slotCount()
	if err := p.InsertRecordAt(slot, rec); err != nil {
		return 0, err
	}
	return slot, nil
}

// InsertRecordAt inserts a record at the given slot, shifting later
// directory entries up by one.
func (p *Page) InsertRecordAt(slot int, rec []byte) error {
	count := p.slotCount()
	if slot < 0 || slot > count {
		return fmt.Errorf("%w: insert at slot %d of %d on %s", ErrNoSuchSlot, slot, count, p.Header.Ref)
	}
	need := len(rec) + SlotEntrySize
	if need > p.totalFree() {
		return fmt.Errorf("%w: need %d bytes, %d free on %s", ErrPageFull, need, p.totalFree(), p.Header.Ref)
	}
	if p.contiguousFree() < need {
		p.compact()
	}

	// Shift directory entries [slot, count) up by one position.
	for i := count; i > slot; i-- {
		off, length := p.slotEntry(i - 1)
		p.setSlotEntry(i, off, length)
	}
	p.setSlotCount(count + 1)

	off := p.freeDataOff()
	copy(p.Data[off:], rec)
	p.setSlotEntry(slot, off, len(rec))
	p.setFreeDataOff(off + len(rec))
	p.setTotalFree(p.totalFree() - need)
	return nil
}

// UpdateRecord replaces the record in the given slot.
func (p *Page) UpdateRecord(slot int, rec []byte) error {
	if slot < 0 || slot >= p.slotCount() {
		return fmt.Errorf("%w: slot %d of %d on %s", ErrNoSuchSlot, slot, p.slotCount(), p.Header.Ref)
	}
	off, oldLen := p.slotEntry(slot)

	if len(rec) <= oldLen {
		copy(p.Data[off:], rec)
		p.setSlotEntry(slot, off, len(rec))
		p.setTotalFree(p.totalFree() + oldLen - len(rec))
		return nil
	}

	grow := len(rec) - oldLen
	if grow > p.totalFree() {
		return fmt.Errorf("%w: grow by %d bytes, %d free on %s", ErrPageFull, grow, p.totalFree(), p.Header.Ref)
	}

	// Release the old bytes, then place the new copy in the free region.
	p.setSlotEntry(slot, off, 0)
	p.setTotalFree(p.totalFree() + oldLen)
	if p.contiguousFree() < len(rec) {
		p.compact()
	}
	newOff := p.freeDataOff()
	copy(p.Data[newOff:], rec)
	p.setSlotEntry(slot, newOff, len(rec))
	p.setFreeDataOff(newOff + len(rec))
	p.setTotalFree(p.totalFree() - len(rec))
	return nil
}

// DeleteRecord removes the record in the given slot, shifting later
// directory entries down by one.
func (p *Page) DeleteRecord(slot int) error {
	count := p.slotCount()
	if slot < 0 || slot >= count {
		return fmt.Errorf("%w: slot %d of %d on %s", ErrNoSuchSlot, slot, count, p.Header.Ref)
	}
	_, length := p.slotEntry(slot)

	for i := slot; i < count-1; i++ {
		off, l := p.slotEntry(i + 1)
		p.setSlotEntry(i, off, l)
	}
	p.setSlotCount(count - 1)
	p.setTotalFree(p.totalFree() + length + SlotEntrySize)
	return nil
}

// contiguousFree returns the bytes between the end of the record area
// and the start of the slot directory.
func (p *Page) contiguousFree() int {
	dirStart := len(p.Data) - SlotEntrySize*p.slotCount()
	return dirStart - p.freeDataOff()
}

// compact rewrites all records contiguously after the bookkeeping
// block, closing the holes left by deletes and shrinking updates.
func (p *Page) compact() {
	count := p.slotCount()
	tmp := make([]byte, p.freeDataOff()-slotHdrSize)
	off := 0
	type span struct{ off, length int }
	spans := make([]span, count)
	for i := 0; i < count; i++ {
		o, l := p.slotEntry(i)
		copy(tmp[off:], p.Data[o:o+l])
		spans[i] = span{slotHdrSize + off, l}
		off += l
	}
	copy(p.Data[slotHdrSize:], tmp[:off])
	for i := 0; i < count; i++ {
		p.setSlotEntry(i, spans[i].off, spans[i].length)
	}
	p.setFreeDataOff(slotHdrSize + off)
}
