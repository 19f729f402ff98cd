package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newMappedTestFile(t *testing.T, pages int) (*os.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapped.tdb")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	t.Cleanup(func() { file.Close() })
	if pages > 0 {
		if err := file.Truncate(int64(pages) * PageSize); err != nil {
			t.Fatalf("Truncate() error = %v", err)
		}
	}
	return file, path
}

func TestNewMappedFile(t *testing.T) {
	file, _ := newMappedTestFile(t, 4)

	m, err := NewMappedFile(file, 0, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}

	if m.Size() != 4*PageSize {
		t.Errorf("Size() = %v, want %v", m.Size(), 4*PageSize)
	}
	if m.PageCount() != 4 {
		t.Errorf("PageCount() = %v, want 4", m.PageCount())
	}
	if !m.IsMapped() {
		t.Error("IsMapped() = false for a live mapping")
	}
	if m.IsReadOnly() {
		t.Error("IsReadOnly() = true for a read-write mapping")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m.IsMapped() {
		t.Error("IsMapped() = true after Close")
	}
	if err := m.Close(); !errors.Is(err, ErrMapClosed) {
		t.Errorf("Close() twice error = %v, want ErrMapClosed", err)
	}
}

func TestNewMappedFileNilFile(t *testing.T) {
	if _, err := NewMappedFile(nil, 0, PageSize, false); !errors.Is(err, ErrFileNotOpen) {
		t.Errorf("NewMappedFile(nil) error = %v, want ErrFileNotOpen", err)
	}
}

// TestNewMappedFileGrowsToMinimum: an empty file is grown to hold at
// least one page before mapping, since zero-length mappings fail.
func TestNewMappedFileGrowsToMinimum(t *testing.T) {
	file, path := newMappedTestFile(t, 0)

	m, err := NewMappedFile(file, 0, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	defer m.Close()

	if m.Size() != PageSize {
		t.Errorf("Size() = %v, want %v", m.Size(), PageSize)
	}
	if m.PageCount() != 1 {
		t.Errorf("PageCount() = %v, want 1", m.PageCount())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != PageSize {
		t.Errorf("file size = %v, want %v", info.Size(), PageSize)
	}
}

// TestNewMappedFileAlignsSize: a requested size that is not a page
// multiple is aligned up to the next page boundary.
func TestNewMappedFileAlignsSize(t *testing.T) {
	file, _ := newMappedTestFile(t, 1)

	m, err := NewMappedFile(file, PageSize+100, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	defer m.Close()

	if m.Size() != 2*PageSize {
		t.Errorf("Size() = %v, want %v", m.Size(), 2*PageSize)
	}
	if m.PageCount() != 2 {
		t.Errorf("PageCount() = %v, want 2", m.PageCount())
	}
}

// TestMappedFilePageBytes: writes through the file descriptor are
// visible through the shared mapping.
func TestMappedFilePageBytes(t *testing.T) {
	file, _ := newMappedTestFile(t, 4)

	m, err := NewMappedFile(file, 0, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	defer m.Close()

	pattern := bytes.Repeat([]byte{0x5A}, 16)
	if _, err := file.WriteAt(pattern, 2*PageSize); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	buf, err := m.PageBytes(2)
	if err != nil {
		t.Fatalf("PageBytes() error = %v", err)
	}
	if len(buf) != PageSize {
		t.Errorf("len(PageBytes()) = %v, want %v", len(buf), PageSize)
	}
	if !bytes.Equal(buf[:len(pattern)], pattern) {
		t.Errorf("PageBytes(2) prefix = %x, want %x", buf[:len(pattern)], pattern)
	}

	if _, err := m.PageBytes(4); !errors.Is(err, ErrMapOutOfRange) {
		t.Errorf("PageBytes(4) error = %v, want ErrMapOutOfRange", err)
	}
}

// TestMappedFileWriteThrough: a read-write mapping carries stores back
// to the file once synced.
func TestMappedFileWriteThrough(t *testing.T) {
	file, path := newMappedTestFile(t, 2)

	m, err := NewMappedFile(file, 0, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	defer m.Close()

	buf, err := m.PageBytes(1)
	if err != nil {
		t.Fatalf("PageBytes() error = %v", err)
	}
	marker := []byte("through the mapping")
	copy(buf, marker)

	if err := m.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(data[PageSize:PageSize+len(marker)], marker) {
		t.Errorf("file page 1 prefix = %q, want %q", data[PageSize:PageSize+len(marker)], marker)
	}
}

func TestMappedFileRemap(t *testing.T) {
	file, path := newMappedTestFile(t, 2)

	m, err := NewMappedFile(file, 0, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	defer m.Close()

	buf, err := m.PageBytes(0)
	if err != nil {
		t.Fatalf("PageBytes() error = %v", err)
	}
	marker := []byte("survives remap")
	copy(buf, marker)
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if err := m.Remap(4 * PageSize); err != nil {
		t.Fatalf("Remap() error = %v", err)
	}
	if m.PageCount() != 4 {
		t.Errorf("PageCount() = %v after Remap, want 4", m.PageCount())
	}

	// The file itself was grown to back the larger mapping.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 4*PageSize {
		t.Errorf("file size = %v after Remap, want %v", info.Size(), 4*PageSize)
	}

	buf, err = m.PageBytes(0)
	if err != nil {
		t.Fatalf("PageBytes() after Remap error = %v", err)
	}
	if !bytes.Equal(buf[:len(marker)], marker) {
		t.Errorf("page 0 prefix = %q after Remap, want %q", buf[:len(marker)], marker)
	}
	if _, err := m.PageBytes(3); err != nil {
		t.Errorf("PageBytes(3) error = %v after growing", err)
	}

	// Remapping to the current size is a no-op.
	if err := m.Remap(4 * PageSize); err != nil {
		t.Errorf("Remap() to same size error = %v", err)
	}
	if err := m.Remap(0); !errors.Is(err, ErrMapInvalidSize) {
		t.Errorf("Remap(0) error = %v, want ErrMapInvalidSize", err)
	}
}

func TestMappedFileReadOnly(t *testing.T) {
	file, path := newMappedTestFile(t, 1)
	if _, err := file.WriteAt([]byte("frozen"), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ro, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { ro.Close() })

	m, err := NewMappedFile(ro, 0, PageSize, true)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	defer m.Close()

	if !m.IsReadOnly() {
		t.Error("IsReadOnly() = false for a read-only mapping")
	}
	buf, err := m.PageBytes(0)
	if err != nil {
		t.Fatalf("PageBytes() error = %v", err)
	}
	if !bytes.HasPrefix(buf, []byte("frozen")) {
		t.Errorf("PageBytes(0) prefix = %q, want %q", buf[:6], "frozen")
	}
}

func TestMappedFileAdvise(t *testing.T) {
	file, _ := newMappedTestFile(t, 2)

	m, err := NewMappedFile(file, 0, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	defer m.Close()

	if err := m.AdviseSequential(); err != nil {
		t.Errorf("AdviseSequential() error = %v", err)
	}
	if err := m.AdviseRandom(); err != nil {
		t.Errorf("AdviseRandom() error = %v", err)
	}
}

func TestMappedFileClosedErrors(t *testing.T) {
	file, _ := newMappedTestFile(t, 1)

	m, err := NewMappedFile(file, 0, PageSize, false)
	if err != nil {
		t.Fatalf("NewMappedFile() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := m.PageBytes(0); !errors.Is(err, ErrMapClosed) {
		t.Errorf("PageBytes() error = %v, want ErrMapClosed", err)
	}
	if err := m.Sync(); !errors.Is(err, ErrMapClosed) {
		t.Errorf("Sync() error = %v, want ErrMapClosed", err)
	}
	if err := m.Remap(PageSize); !errors.Is(err, ErrMapClosed) {
		t.Errorf("Remap() error = %v, want ErrMapClosed", err)
	}
	if err := m.AdviseRandom(); !errors.Is(err, ErrMapClosed) {
		t.Errorf("AdviseRandom() error = %v, want ErrMapClosed", err)
	}
}
