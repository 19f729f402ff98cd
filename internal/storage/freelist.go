package storage

import (
	"encoding/binary"
	"sync"
)

// FreeListEntrySize is the size of each entry in the free list (4 bytes
// for a page number).
const FreeListEntrySize = 4

// freeListNextSize is the size of the next-page pointer at the start of
// a free-list page.
const freeListNextSize = 4

// freeListEntriesOff is the offset of the entry array in a free-list
// page data area.
const freeListEntriesOff = freeListNextSize + 2

// MaxFreeListEntries returns the number of free page entries that fit
// in one free-list page of the given size.
func MaxFreeListEntries(pageSize int) int {
	return (pageSize - PageHeaderSize - freeListEntriesOff) / FreeListEntrySize
}

// FreeList tracks the free pages of one volume.
// On disk it is a linked chain of pages, each holding an array of free
// page numbers. Layout of a free-list page data area:
//   - Bytes 0-3:  NextPage (uint32, next free-list page, 0 if none)
//   - Bytes 4-5:  Entry count (uint16)
//   - Bytes 6-..: Array of free page numbers (uint32 each)
//
// At runtime the whole list is cached in memory; the chain is rewritten
// on clean close.
type FreeList struct {
	head      uint32
	freePages []uint32
	mu        sync.RWMutex
}

// NewFreeList creates a new empty FreeList.
func NewFreeList() *FreeList {
	return &FreeList{
		freePages: make([]uint32, 0),
	}
}

// Head returns the head page number of the persisted free-list chain.
func (fl *FreeList) Head() uint32 {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.head
}

// SetHead sets the head page number of the persisted free-list chain.
func (fl *FreeList) SetHead(head uint32) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.head = head
}

// Count returns the number of free pages.
func (fl *FreeList) Count() int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return len(fl.freePages)
}

// IsEmpty returns true if there are no free pages.
func (fl *FreeList) IsEmpty() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return len(fl.freePages) == 0
}

// Push adds a page number to the free list.
func (fl *FreeList) Push(page uint32) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.freePages = append(fl.freePages, page)
}

// Pop removes and returns a page number from the free list.
// Returns 0 and false if the free list is empty.
func (fl *FreeList) Pop() (uint32, bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if len(fl.freePages) == 0 {
		return 0, false
	}

	// Pop from the end (LIFO for better locality).
	idx := len(fl.freePages) - 1
	page := fl.freePages[idx]
	fl.freePages = fl.freePages[:idx]

	return page, true
}

// PeekAll returns a copy of all free page numbers.
func (fl *FreeList) PeekAll() []uint32 {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	result := make([]uint32, len(fl.freePages))
	copy(result, fl.freePages)
	return result
}

// LoadFromPages restores the free list from a chain of free-list
// pages. Called on volume open after a clean shutdown.
func (fl *FreeList) LoadFromPages(pages []*Page) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.freePages = fl.freePages[:0]

	for _, page := range pages {
		if page == nil {
			continue
		}

		numEntries := int(binary.LittleEndian.Uint16(page.Data[freeListNextSize : freeListNextSize+2]))
		max := MaxFreeListEntries(page.Size())

		for i := 0; i < numEntries && i < max; i++ {
			offset := freeListEntriesOff + i*FreeListEntrySize
			if offset+FreeListEntrySize > len(page.Data) {
				break
			}
			pageNo := binary.LittleEndian.Uint32(page.Data[offset : offset+FreeListEntrySize])
			if pageNo != 0 {
				fl.freePages = append(fl.freePages, pageNo)
			}
		}
	}
}

// SerializeToPage writes free-list entries into a page, starting at
// startIdx. Returns the index of the first unwritten entry and whether
// more pages are needed.
func (fl *FreeList) SerializeToPage(page *Page, startIdx int) (nextIdx int, hasMore bool) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if page == nil || startIdx >= len(fl.freePages) {
		return startIdx, false
	}

	for i := range page.Data {
		page.Data[i] = 0
	}

	max := MaxFreeListEntries(page.Size())
	written := 0
	for i := startIdx; i < len(fl.freePages) && written < max; i++ {
		offset := freeListEntriesOff + written*FreeListEntrySize
		binary.LittleEndian.PutUint32(page.Data[offset:offset+FreeListEntrySize], fl.freePages[i])
		written++
	}

	binary.LittleEndian.PutUint16(page.Data[freeListNextSize:freeListNextSize+2], uint16(written))
	page.Header.PageType = PageTypeFreeList

	nextIdx = startIdx + written
	hasMore = nextIdx < len(fl.freePages)

	return nextIdx, hasMore
}

// GetNextFreeListPage reads the next-page pointer from a free-list page.
func GetNextFreeListPage(page *Page) uint32 {
	if page == nil || len(page.Data) < freeListNextSize {
		return 0
	}
	return binary.LittleEndian.Uint32(page.Data[0:freeListNextSize])
}

// SetNextFreeListPage writes the next-page pointer to a free-list page.
func SetNextFreeListPage(page *Page, next uint32) {
	if page == nil || len(page.Data) < freeListNextSize {
		return
	}
	binary.LittleEndian.PutUint32(page.Data[0:freeListNextSize], next)
}

// Clear removes all entries from the free list.
func (fl *FreeList) Clear() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.freePages = fl.freePages[:0]
	fl.head = 0
}

// Contains checks if a page number is in the free list.
func (fl *FreeList) Contains(page uint32) bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	for _, p := range fl.freePages {
		if p == page {
			return true
		}
	}
	return false
}

// Remove removes a specific page number from the free list.
// Returns true if the page was found and removed.
func (fl *FreeList) Remove(page uint32) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	for i, p := range fl.freePages {
		if p == page {
			// Remove by swapping with the last element.
			fl.freePages[i] = fl.freePages[len(fl.freePages)-1]
			fl.freePages = fl.freePages[:len(fl.freePages)-1]
			return true
		}
	}
	return false
}
