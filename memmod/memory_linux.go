//go:build linux

package memmod

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NativeMemory maps into the current process with mmap(2).
type NativeMemory struct{}

func NewNativeMemory() (*NativeMemory, error) {
	if ps := os.Getpagesize(); ps != pageSize {
		return nil, fmt.Errorf("unsupported page size %#x", ps)
	}
	return &NativeMemory{}, nil
}

type fder interface {
	Fd() uintptr
}

func (NativeMemory) Map(file io.ReaderAt, size, offset, addr uint64, prot Prot, flags MapFlag) (uint64, error) {
	mflags := unix.MAP_PRIVATE
	if flags&MapFixed != 0 {
		mflags |= unix.MAP_FIXED
	}

	fd := -1
	switch f := file.(type) {
	case nil:
		mflags |= unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	case fder:
		fd = int(f.Fd())
	default:
		return mapCopy(f, size, offset, addr, prot, mflags)
	}

	ptr, err := unix.MmapPtr(fd, int64(offset), unsafe.Pointer(uintptr(addr)), uintptr(size), nativeProt(prot), mflags)
	if err != nil {
		return 0, fmt.Errorf("mmap %#x+%#x: %w", addr, size, err)
	}
	return uint64(uintptr(ptr)), nil
}

// ReplaceMap relies on MAP_FIXED replacing the old pages without a window
// where the range is unmapped.
func (m NativeMemory) ReplaceMap(file io.ReaderAt, size, offset, addr uint64, prot Prot, flags MapFlag) (uint64, error) {
	return m.Map(file, size, offset, addr, prot, flags|MapFixed)
}

// mapCopy backs a mapping with anonymous memory when the source has no
// descriptor, such as an image held in a byte slice.
func mapCopy(file io.ReaderAt, size, offset, addr uint64, prot Prot, mflags int) (uint64, error) {
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(uintptr(addr)), uintptr(size), unix.PROT_READ|unix.PROT_WRITE, mflags|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("mmap %#x+%#x: %w", addr, size, err)
	}
	buf := unsafe.Slice((*byte)(ptr), size)
	if _, err := file.ReadAt(buf, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		_ = unix.MunmapPtr(ptr, uintptr(size))
		return 0, fmt.Errorf("copy image at %#x: %w", offset, err)
	}
	if err := unix.Mprotect(buf, nativeProt(prot)); err != nil {
		_ = unix.MunmapPtr(ptr, uintptr(size))
		return 0, fmt.Errorf("mprotect %#x: %w", addr, err)
	}
	return uint64(uintptr(ptr)), nil
}

func (NativeMemory) Unmap(addr, size uint64) error {
	if err := unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), uintptr(size)); err != nil {
		return fmt.Errorf("munmap %#x+%#x: %w", addr, size, err)
	}
	return nil
}

func (NativeMemory) Protect(addr, size uint64, prot Prot) error {
	if err := unix.Mprotect(nativeBytes(addr, size), nativeProt(prot)); err != nil {
		return fmt.Errorf("mprotect %#x+%#x: %w", addr, size, err)
	}
	return nil
}

func (NativeMemory) Memset(addr uint64, val byte, size uint64) error {
	b := nativeBytes(addr, size)
	for i := range b {
		b[i] = val
	}
	return nil
}

func (NativeMemory) Read(addr uint64, p []byte) error {
	copy(p, nativeBytes(addr, uint64(len(p))))
	return nil
}

func (NativeMemory) Write(addr uint64, p []byte) error {
	copy(nativeBytes(addr, uint64(len(p))), p)
	return nil
}

func nativeBytes(addr, size uint64) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

func nativeProt(p Prot) int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}
