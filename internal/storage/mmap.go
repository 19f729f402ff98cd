package storage

import (
	"errors"
	"os"
	"sync"
)

// MappedFile errors.
var (
	ErrMapNotMapped     = errors.New("file is not memory mapped")
	ErrMapAlreadyMapped = errors.New("file is already memory mapped")
	ErrMapInvalidSize   = errors.New("invalid mapping size")
	ErrMapClosed        = errors.New("mapped file is closed")
	ErrMapOutOfRange    = errors.New("page number out of mapped range")
)

// MappedFile provides a memory-mapped view of a volume file for
// zero-copy page reads. Writes keep going through the file descriptor;
// the shared mapping observes them through the page cache.
type MappedFile struct {
	file      *os.File
	data      []byte // mapped region
	size      int64  // current mapped size
	pageSize  int
	readOnly  bool
	mu        sync.RWMutex
	closed    bool
	mapHandle uintptr // Windows file mapping handle (unused on Unix)
}

// NewMappedFile maps the given file. Size specifies the mapping size;
// if 0, the current file size is used. The mapping is aligned up to a
// whole number of pages.
func NewMappedFile(file *os.File, size int64, pageSize int, readOnly bool) (*MappedFile, error) {
	if file == nil {
		return nil, ErrFileNotOpen
	}

	if pageSize <= 0 {
		pageSize = PageSize
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		size = info.Size()
	}
	if size < int64(pageSize) {
		size = int64(pageSize)
	}
	size = alignToPageSize(size, pageSize)

	if info.Size() < size && !readOnly {
		if err := file.Truncate(size); err != nil {
			return nil, err
		}
	}

	m := &MappedFile{
		file:     file,
		pageSize: pageSize,
		size:     size,
		readOnly: readOnly,
	}

	if err := m.mapFile(); err != nil {
		return nil, err
	}

	return m, nil
}

// alignToPageSize aligns a size up to the nearest page boundary.
func alignToPageSize(size int64, pageSize int) int64 {
	ps := int64(pageSize)
	if size%ps == 0 {
		return size
	}
	return ((size / ps) + 1) * ps
}

// Close unmaps the file and releases resources.
func (m *MappedFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMapClosed
	}

	m.closed = true

	if m.data == nil {
		return nil
	}

	return m.unmapFile()
}

// PageBytes returns a slice into the mapped region covering the given
// page. Zero-copy: the slice aliases the mapping and must not be
// retained across Remap or Close.
func (m *MappedFile) PageBytes(pageNo uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrMapClosed
	}

	if m.data == nil {
		return nil, ErrMapNotMapped
	}

	offset := int64(pageNo) * int64(m.pageSize)
	end := offset + int64(m.pageSize)

	if end > m.size {
		return nil, ErrMapOutOfRange
	}

	return m.data[offset:end], nil
}

// Remap grows or shrinks the mapping to the new size. Called after the
// underlying file has grown.
func (m *MappedFile) Remap(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMapClosed
	}

	if newSize <= 0 {
		return ErrMapInvalidSize
	}

	newSize = alignToPageSize(newSize, m.pageSize)

	if newSize == m.size {
		return nil
	}

	if m.data != nil {
		if err := m.unmapFile(); err != nil {
			return err
		}
	}

	info, err := m.file.Stat()
	if err != nil {
		return err
	}

	if info.Size() < newSize && !m.readOnly {
		if err := m.file.Truncate(newSize); err != nil {
			return err
		}
	}

	m.size = newSize
	return m.mapFile()
}

// Sync flushes the mapped region to the underlying file.
func (m *MappedFile) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrMapClosed
	}

	if m.data == nil {
		return ErrMapNotMapped
	}

	return m.syncFile()
}

// Size returns the current mapped size in bytes.
func (m *MappedFile) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// PageCount returns the number of pages in the mapped region.
func (m *MappedFile) PageCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size / int64(m.pageSize)
}

// IsMapped returns true if the file is currently mapped.
func (m *MappedFile) IsMapped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data != nil && !m.closed
}

// IsReadOnly returns true if the mapping is read-only.
func (m *MappedFile) IsReadOnly() bool {
	return m.readOnly
}
