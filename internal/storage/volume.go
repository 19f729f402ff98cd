package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Default options for Volume.
const (
	DefaultPageSize     = PageSize
	DefaultInitialPages = 16
	MinGrowthPages      = 8
)

// Errors for Volume operations.
var (
	ErrFileNotOpen      = errors.New("volume file not open")
	ErrInvalidPageNo    = errors.New("invalid page number")
	ErrPageOutOfRange   = errors.New("page number out of range")
	ErrPageAlreadyFree  = errors.New("page is already free")
	ErrCannotFreeHeader = errors.New("cannot free header page")
	ErrVolumeClosed     = errors.New("volume is closed")
	ErrVolumeMismatch   = errors.New("volume identifier mismatch")
	ErrReadOnlyVolume   = errors.New("volume is read-only")
)

// VolumeOptions configures a Volume.
type VolumeOptions struct {
	PageSize     int  // Page size in bytes (default: 4096)
	InitialPages int  // Initial number of pages to allocate
	CreateIfNew  bool // Create file if it doesn't exist
	ReadOnly     bool // Open in read-only mode
	SyncOnWrite  bool // Sync to disk after each write
	UseMmap      bool // Memory-map the file for zero-copy reads
}

// DefaultVolumeOptions returns the default Volume options.
func DefaultVolumeOptions() VolumeOptions {
	return VolumeOptions{
		PageSize:     DefaultPageSize,
		InitialPages: DefaultInitialPages,
		CreateIfNew:  true,
		ReadOnly:     false,
		SyncOnWrite:  false,
		UseMmap:      false,
	}
}

// Volume is one page file: it handles page allocation, deallocation,
// and I/O. Page 0 holds the file header and is never handed out.
type Volume struct {
	vol         uint16
	file        *os.File
	mapped      *MappedFile
	header      *FileHeader
	pageSize    int
	pageCount   uint32
	freeList    *FreeList
	mu          sync.RWMutex
	path        string
	readOnly    bool
	syncOnWrite bool
	closed      bool
	wasClean    bool
}

// OpenVolume opens or creates the volume file at path under the given
// volume identifier.
func OpenVolume(path string, vol uint16, opts VolumeOptions) (*Volume, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.InitialPages == 0 {
		opts.InitialPages = DefaultInitialPages
	}

	v := &Volume{
		vol:         vol,
		pageSize:    opts.PageSize,
		freeList:    NewFreeList(),
		path:        path,
		readOnly:    opts.ReadOnly,
		syncOnWrite: opts.SyncOnWrite,
	}

	_, err := os.Stat(path)
	fileExists := err == nil

	if !fileExists && !opts.CreateIfNew {
		return nil, os.ErrNotExist
	}

	var flags int
	if opts.ReadOnly {
		flags = os.O_RDONLY
	} else {
		flags = os.O_RDWR
		if !fileExists {
			flags |= os.O_CREATE
		}
	}

	v.file, err = os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume file: %w", err)
	}

	if fileExists {
		if err := v.loadExisting(); err != nil {
			v.file.Close()
			return nil, err
		}
	} else {
		if err := v.initializeNew(opts.InitialPages); err != nil {
			v.file.Close()
			os.Remove(path)
			return nil, err
		}
	}

	// Mark the volume in use so a crash while open is detectable on
	// the next start.
	if !v.readOnly {
		v.header.CleanShutdown = false
		if err := v.saveHeaderLocked(); err != nil {
			v.file.Close()
			return nil, err
		}
	}

	if opts.UseMmap {
		size := int64(v.pageCount) * int64(v.pageSize)
		v.mapped, err = NewMappedFile(v.file, size, v.pageSize, true)
		if err != nil {
			v.file.Close()
			return nil, fmt.Errorf("failed to map volume file: %w", err)
		}
		v.mapped.AdviseRandom()
	}

	return v, nil
}

// loadExisting loads an existing volume file.
func (v *Volume) loadExisting() error {
	headerBuf := make([]byte, FileHeaderSize)
	if _, err := v.file.ReadAt(headerBuf, 0); err != nil {
		return fmt.Errorf("failed to read volume header: %w", err)
	}

	v.header = &FileHeader{}
	if err := v.header.DeserializeAndValidate(headerBuf); err != nil {
		return fmt.Errorf("invalid volume header: %w", err)
	}

	if v.header.Vol != v.vol {
		return fmt.Errorf("%w: file %s holds volume %d, expected %d",
			ErrVolumeMismatch, v.path, v.header.Vol, v.vol)
	}

	v.pageCount = uint32(v.header.PageCount)
	v.pageSize = int(v.header.PageSize)
	v.wasClean = v.header.CleanShutdown

	// The persisted free list is only trustworthy after a clean
	// shutdown; otherwise the engine rebuilds it after recovery.
	if v.wasClean {
		if err := v.loadFreeList(); err != nil {
			return fmt.Errorf("failed to load free list: %w", err)
		}
	}

	return nil
}

// loadFreeList loads the free list chain from disk.
func (v *Volume) loadFreeList() error {
	v.freeList = NewFreeList()

	if v.header.FreeListHead == 0 {
		return nil
	}

	v.freeList.SetHead(v.header.FreeListHead)

	var pages []*Page
	current := v.header.FreeListHead

	for current != 0 {
		page, err := v.readPageInternal(current)
		if err != nil {
			return err
		}
		pages = append(pages, page)
		current = GetNextFreeListPage(page)
	}

	v.freeList.LoadFromPages(pages)

	// The chain pages themselves become reusable once the list is in
	// memory.
	for _, page := range pages {
		v.freeList.Push(page.Header.Ref.Page)
	}
	v.header.FreeListHead = 0

	return nil
}

// initializeNew initializes a new volume file.
func (v *Volume) initializeNew(initialPages int) error {
	if initialPages < 1 {
		initialPages = 1
	}

	v.header = NewFileHeader(v.vol, v.pageSize)
	v.header.PageCount = uint64(initialPages)
	v.pageCount = uint32(initialPages)
	// A volume that never existed has nothing to recover.
	v.wasClean = true

	if err := v.saveHeaderLocked(); err != nil {
		return err
	}

	// Pages after the header start out free.
	for i := 1; i < initialPages; i++ {
		v.freeList.Push(uint32(i))
	}

	fileSize := int64(initialPages) * int64(v.pageSize)
	if err := v.file.Truncate(fileSize); err != nil {
		return fmt.Errorf("failed to extend volume file: %w", err)
	}

	if err := v.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync volume file: %w", err)
	}

	return nil
}

// WasCleanShutdown reports whether the volume was closed cleanly before
// this open. False means the engine must run crash recovery and
// rebuild the free list.
func (v *Volume) WasCleanShutdown() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.wasClean
}

// RebuildFreeList scans every page of the volume and rebuilds the free
// list from the pages marked free. Called after crash recovery, when
// the persisted chain cannot be trusted.
func (v *Volume) RebuildFreeList() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVolumeClosed
	}

	v.freeList.Clear()
	if v.mapped != nil {
		v.mapped.AdviseSequential()
		defer v.mapped.AdviseRandom()
	}
	buf := make([]byte, PageHeaderSize)

	for no := uint32(1); no < v.pageCount; no++ {
		offset := int64(no) * int64(v.pageSize)
		if _, err := v.file.ReadAt(buf, offset); err != nil {
			return fmt.Errorf("failed to read page %d header: %w", no, err)
		}
		var hdr PageHeader
		if err := hdr.Deserialize(buf); err != nil {
			return err
		}
		if hdr.PageType == PageTypeFree || hdr.PageType == PageTypeFreeList {
			v.freeList.Push(no)
		}
	}

	return nil
}

// Close closes the volume, persisting the free list and marking the
// shutdown clean.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVolumeClosed
	}

	v.closed = true

	if v.file == nil {
		return nil
	}

	if v.mapped != nil {
		if err := v.mapped.Close(); err != nil {
			v.file.Close()
			return fmt.Errorf("failed to unmap volume file: %w", err)
		}
		v.mapped = nil
	}

	if !v.readOnly {
		if err := v.saveFreeListLocked(); err != nil {
			v.file.Close()
			return fmt.Errorf("failed to save free list: %w", err)
		}

		v.header.CleanShutdown = true
		if err := v.saveHeaderLocked(); err != nil {
			v.file.Close()
			return fmt.Errorf("failed to save volume header: %w", err)
		}

		if err := v.file.Sync(); err != nil {
			v.file.Close()
			return fmt.Errorf("failed to sync volume file: %w", err)
		}
	}

	return v.file.Close()
}

// saveFreeListLocked writes the free list chain to disk. Must be called
// with the lock held.
func (v *Volume) saveFreeListLocked() error {
	freePages := v.freeList.PeekAll()
	v.header.FreePageCount = uint32(len(freePages))
	if len(freePages) == 0 {
		v.header.FreeListHead = 0
		return nil
	}

	maxEntries := MaxFreeListEntries(v.pageSize)
	numPages := (len(freePages) + maxEntries - 1) / maxEntries

	// Chain pages are appended at the end of the file. They are
	// reclaimed on the next open, after the list is back in memory.
	start := v.pageCount
	newCount := v.pageCount + uint32(numPages)
	if err := v.file.Truncate(int64(newCount) * int64(v.pageSize)); err != nil {
		return err
	}
	v.pageCount = newCount
	v.header.PageCount = uint64(newCount)

	// Write back to front so each page can point at the next.
	var prev uint32
	for i := numPages - 1; i >= 0; i-- {
		pageNo := start + uint32(i)
		page := NewPage(PageRef{Vol: v.vol, Page: pageNo}, PageTypeFreeList, v.pageSize)

		lo := i * maxEntries
		hi := lo + maxEntries
		if hi > len(freePages) {
			hi = len(freePages)
		}

		written := 0
		for j := lo; j < hi; j++ {
			offset := freeListEntriesOff + written*FreeListEntrySize
			binary.LittleEndian.PutUint32(page.Data[offset:offset+FreeListEntrySize], freePages[j])
			written++
		}

		binary.LittleEndian.PutUint16(page.Data[freeListNextSize:freeListNextSize+2], uint16(written))
		SetNextFreeListPage(page, prev)

		if err := v.writePageInternal(page); err != nil {
			return err
		}

		prev = pageNo
	}

	v.header.FreeListHead = prev
	v.freeList.SetHead(prev)

	return nil
}

// saveHeaderLocked writes the header to disk. Must be called with the
// lock held.
func (v *Volume) saveHeaderLocked() error {
	v.header.PageCount = uint64(v.pageCount)
	buf := make([]byte, FileHeaderSize)
	if err := v.header.SerializeTo(buf); err != nil {
		return err
	}

	_, err := v.file.WriteAt(buf, 0)
	return err
}

// AllocatePage allocates a new page of the given type and returns its
// reference.
func (v *Volume) AllocatePage(pageType PageType) (PageRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return NilRef, ErrVolumeClosed
	}

	if v.readOnly {
		return NilRef, ErrReadOnlyVolume
	}

	if pageNo, ok := v.freeList.Pop(); ok {
		page := NewPage(PageRef{Vol: v.vol, Page: pageNo}, pageType, v.pageSize)
		if err := v.writePageInternal(page); err != nil {
			v.freeList.Push(pageNo)
			return NilRef, err
		}
		return page.Header.Ref, nil
	}

	// No free pages, grow the file.
	newPageNo := v.pageCount
	if err := v.growFileLocked(1); err != nil {
		return NilRef, err
	}

	page := NewPage(PageRef{Vol: v.vol, Page: newPageNo}, pageType, v.pageSize)
	if err := v.writePageInternal(page); err != nil {
		return NilRef, err
	}

	return page.Header.Ref, nil
}

// growFileLocked grows the file by at least numPages pages. Must be
// called with the lock held.
func (v *Volume) growFileLocked(numPages int) error {
	if numPages < MinGrowthPages {
		numPages = MinGrowthPages
	}

	newCount := v.pageCount + uint32(numPages)
	if err := v.file.Truncate(int64(newCount) * int64(v.pageSize)); err != nil {
		return fmt.Errorf("failed to grow volume file: %w", err)
	}

	oldCount := v.pageCount
	v.pageCount = newCount
	v.header.PageCount = uint64(newCount)

	if v.mapped != nil {
		if err := v.mapped.Remap(int64(newCount) * int64(v.pageSize)); err != nil {
			return fmt.Errorf("failed to remap volume file: %w", err)
		}
	}

	// The first new page goes to the caller; the rest join the free
	// list.
	for no := oldCount + 1; no < newCount; no++ {
		v.freeList.Push(no)
	}

	return nil
}

// ReclaimPage takes a specific page off the free list so a rolled-back
// page free can restore it in place. Reports whether the page was on
// the list.
func (v *Volume) ReclaimPage(pageNo uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed || v.readOnly {
		return false
	}
	return v.freeList.Remove(pageNo)
}

// EnsureCapacity grows the file until pageNo is addressable. Recovery
// uses it to redo allocations whose file growth never reached disk.
// Pages between the old end and pageNo join the free list; pageNo
// itself is left for the caller to write.
func (v *Volume) EnsureCapacity(pageNo uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVolumeClosed
	}
	if v.readOnly {
		return ErrReadOnlyVolume
	}
	if pageNo < v.pageCount {
		return nil
	}

	oldCount := v.pageCount
	if err := v.growFileLocked(int(pageNo - v.pageCount + 1)); err != nil {
		return err
	}

	// growFileLocked reserved oldCount for a caller and freed the
	// rest; here the reserved page is pageNo, so swap the two.
	if pageNo != oldCount {
		v.freeList.Remove(pageNo)
		v.freeList.Push(oldCount)
	}

	return nil
}

// FreePage marks a page as free for reuse.
func (v *Volume) FreePage(ref PageRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVolumeClosed
	}

	if v.readOnly {
		return ErrReadOnlyVolume
	}

	if ref.Vol != v.vol {
		return fmt.Errorf("%w: page %s on volume %d", ErrVolumeMismatch, ref, v.vol)
	}

	if ref.Page == 0 {
		return ErrCannotFreeHeader
	}

	if ref.Page >= v.pageCount {
		return ErrPageOutOfRange
	}

	if v.freeList.Contains(ref.Page) {
		return ErrPageAlreadyFree
	}

	page := NewPage(ref, PageTypeFree, v.pageSize)
	if err := v.writePageInternal(page); err != nil {
		return err
	}

	v.freeList.Push(ref.Page)

	return nil
}

// ReadPage reads a page from disk, validating checksum and identity.
func (v *Volume) ReadPage(pageNo uint32) (*Page, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, ErrVolumeClosed
	}

	return v.readPageInternal(pageNo)
}

// readPageInternal reads a page without locking.
func (v *Volume) readPageInternal(pageNo uint32) (*Page, error) {
	if pageNo == 0 {
		return nil, ErrInvalidPageNo
	}

	if pageNo >= v.pageCount {
		return nil, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, pageNo, v.pageCount)
	}

	// Zero-copy read through the mapping when it covers the page;
	// DeserializeAndValidate copies the bytes out, so nothing aliases
	// the mapping afterwards.
	if v.mapped != nil {
		if buf, err := v.mapped.PageBytes(pageNo); err == nil {
			page := &Page{}
			if err := page.DeserializeAndValidate(buf, PageRef{Vol: v.vol, Page: pageNo}); err != nil {
				return nil, err
			}
			return page, nil
		}
	}

	offset := int64(pageNo) * int64(v.pageSize)
	buf := make([]byte, v.pageSize)

	n, err := v.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read page %d: %w", pageNo, err)
	}

	if n < v.pageSize {
		return nil, fmt.Errorf("incomplete page read: got %d bytes, expected %d", n, v.pageSize)
	}

	page := &Page{}
	if err := page.DeserializeAndValidate(buf, PageRef{Vol: v.vol, Page: pageNo}); err != nil {
		return nil, err
	}

	return page, nil
}

// WritePage writes a page to disk.
func (v *Volume) WritePage(page *Page) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVolumeClosed
	}

	if v.readOnly {
		return ErrReadOnlyVolume
	}

	return v.writePageInternal(page)
}

// writePageInternal writes a page without locking.
func (v *Volume) writePageInternal(page *Page) error {
	if page.Header.Ref.Vol != v.vol {
		return fmt.Errorf("%w: page %s on volume %d", ErrVolumeMismatch, page.Header.Ref, v.vol)
	}

	if page.Header.Ref.Page == 0 {
		return ErrInvalidPageNo
	}

	if page.Header.Ref.Page >= v.pageCount {
		return fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, page.Header.Ref.Page, v.pageCount)
	}

	offset := int64(page.Header.Ref.Page) * int64(v.pageSize)

	buf := make([]byte, page.Size())
	if err := page.Serialize(buf); err != nil {
		return fmt.Errorf("failed to serialize page: %w", err)
	}

	if _, err := v.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("failed to write page %s: %w", page.Header.Ref, err)
	}

	if v.syncOnWrite {
		if err := v.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync after write: %w", err)
		}
	}

	return nil
}

// Sync flushes all pending writes to disk.
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVolumeClosed
	}

	if v.file == nil {
		return ErrFileNotOpen
	}

	if !v.readOnly {
		if err := v.saveHeaderLocked(); err != nil {
			return err
		}
	}

	return v.file.Sync()
}

// ID returns the volume identifier.
func (v *Volume) ID() uint16 {
	return v.vol
}

// PageCount returns the total number of pages in the volume.
func (v *Volume) PageCount() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pageCount
}

// FreePageCount returns the number of free pages.
func (v *Volume) FreePageCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.freeList.Count()
}

// PageSize returns the page size in bytes.
func (v *Volume) PageSize() int {
	return v.pageSize
}

// Path returns the file path.
func (v *Volume) Path() string {
	return v.path
}

// IsReadOnly returns true if the volume is open read-only.
func (v *Volume) IsReadOnly() bool {
	return v.readOnly
}

// RootPage returns the index root page recorded in the volume header,
// or 0 if none has been set.
func (v *Volume) RootPage() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.header == nil {
		return 0
	}
	return v.header.RootPage
}

// SetRootPage records the index root page in the volume header and
// writes the header out.
func (v *Volume) SetRootPage(pageNo uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVolumeClosed
	}
	if v.readOnly {
		return ErrReadOnlyVolume
	}

	v.header.RootPage = pageNo
	return v.saveHeaderLocked()
}

// Header returns a copy of the volume header.
func (v *Volume) Header() FileHeader {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.header == nil {
		return FileHeader{}
	}
	return *v.header
}

// VolumeStats describes the space usage of a volume.
type VolumeStats struct {
	TotalPages    uint32
	FreePages     uint32
	UsedPages     uint32
	PageSize      int
	FileSizeBytes int64
}

// Stats returns current statistics.
func (v *Volume) Stats() VolumeStats {
	v.mu.RLock()
	defer v.mu.RUnlock()

	freeCount := uint32(v.freeList.Count())
	return VolumeStats{
		TotalPages:    v.pageCount,
		FreePages:     freeCount,
		UsedPages:     v.pageCount - freeCount - 1, // -1 for header
		PageSize:      v.pageSize,
		FileSizeBytes: int64(v.pageCount) * int64(v.pageSize),
	}
}
