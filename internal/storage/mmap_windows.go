//go:build windows

package storage

import (
	"syscall"
	"unsafe"
)

var (
	modkernel32           = syscall.NewLazyDLL("kernel32.dll")
	procCreateFileMapping = modkernel32.NewProc("CreateFileMappingW")
	procMapViewOfFile     = modkernel32.NewProc("MapViewOfFile")
	procUnmapViewOfFile   = modkernel32.NewProc("UnmapViewOfFile")
	procFlushViewOfFile   = modkernel32.NewProc("FlushViewOfFile")
)

const (
	pageReadonly  = 0x02
	pageReadWrite = 0x04
	fileMapRead   = 0x04
	fileMapWrite  = 0x02
)

// mapFile performs the memory mapping using the Windows API.
func (m *MappedFile) mapFile() error {
	if m.data != nil {
		return ErrMapAlreadyMapped
	}

	prot := uint32(pageReadonly)
	access := uint32(fileMapRead)
	if !m.readOnly {
		prot = pageReadWrite
		access = fileMapWrite | fileMapRead
	}

	handle := syscall.Handle(m.file.Fd())

	sizeLow := uint32(m.size)
	sizeHigh := uint32(m.size >> 32)

	mapHandle, _, err := procCreateFileMapping.Call(
		uintptr(handle),
		0,
		uintptr(prot),
		uintptr(sizeHigh),
		uintptr(sizeLow),
		0,
	)
	if mapHandle == 0 {
		return err
	}

	addr, _, err := procMapViewOfFile.Call(
		mapHandle,
		uintptr(access),
		0,
		0,
		uintptr(m.size),
	)
	if addr == 0 {
		syscall.CloseHandle(syscall.Handle(mapHandle))
		return err
	}

	m.mapHandle = mapHandle
	m.data = unsafe.Slice((*byte)(unsafe.Pointer(addr)), m.size)

	return nil
}

// unmapFile unmaps the memory-mapped region.
func (m *MappedFile) unmapFile() error {
	if m.data == nil {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&m.data[0]))

	ret, _, err := procUnmapViewOfFile.Call(addr)
	if ret == 0 {
		return err
	}

	if m.mapHandle != 0 {
		syscall.CloseHandle(syscall.Handle(m.mapHandle))
		m.mapHandle = 0
	}

	m.data = nil
	return nil
}

// syncFile flushes the mapped region to the underlying file.
func (m *MappedFile) syncFile() error {
	if m.data == nil {
		return ErrMapNotMapped
	}

	addr := uintptr(unsafe.Pointer(&m.data[0]))

	ret, _, err := procFlushViewOfFile.Call(addr, uintptr(len(m.data)))
	if ret == 0 {
		return err
	}

	return nil
}

// Advise is a no-op on Windows as madvise is not available.
func (m *MappedFile) Advise(advice int) error {
	return nil
}

// AdviseSequential is a no-op on Windows.
func (m *MappedFile) AdviseSequential() error {
	return nil
}

// AdviseRandom is a no-op on Windows.
func (m *MappedFile) AdviseRandom() error {
	return nil
}
