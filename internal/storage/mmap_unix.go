//go:build unix || darwin || linux

package storage

import (
	"syscall"
	"unsafe"
)

// mapFile performs the memory mapping using syscall.Mmap.
func (m *MappedFile) mapFile() error {
	if m.data != nil {
		return ErrMapAlreadyMapped
	}

	prot := syscall.PROT_READ
	if !m.readOnly {
		prot |= syscall.PROT_WRITE
	}

	// MAP_SHARED so the mapping observes writes done through the file
	// descriptor.
	flags := syscall.MAP_SHARED

	fd := int(m.file.Fd())

	data, err := syscall.Mmap(fd, 0, int(m.size), prot, flags)
	if err != nil {
		return err
	}

	m.data = data
	return nil
}

// unmapFile unmaps the memory-mapped region.
func (m *MappedFile) unmapFile() error {
	if m.data == nil {
		return nil
	}

	err := syscall.Munmap(m.data)
	m.data = nil
	return err
}

// syncFile flushes the mapped region using msync.
func (m *MappedFile) syncFile() error {
	if m.data == nil {
		return ErrMapNotMapped
	}

	// MS_SYNC waits for completion.
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC,
		uintptr(unsafe.Pointer(&m.data[0])),
		uintptr(len(m.data)),
		uintptr(syscall.MS_SYNC))

	if errno != 0 {
		return errno
	}

	return nil
}

// Advise provides hints to the kernel about expected access patterns.
func (m *MappedFile) Advise(advice int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrMapClosed
	}

	if m.data == nil {
		return ErrMapNotMapped
	}

	_, _, errno := syscall.Syscall(syscall.SYS_MADVISE,
		uintptr(unsafe.Pointer(&m.data[0])),
		uintptr(len(m.data)),
		uintptr(advice))

	if errno != 0 {
		return errno
	}

	return nil
}

// AdviseSequential hints that pages will be accessed sequentially.
// Used before full-volume scans.
func (m *MappedFile) AdviseSequential() error {
	return m.Advise(syscall.MADV_SEQUENTIAL)
}

// AdviseRandom hints that pages will be accessed randomly. The normal
// access pattern of a tree.
func (m *MappedFile) AdviseRandom() error {
	return m.Advise(syscall.MADV_RANDOM)
}
