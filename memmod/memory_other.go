//go:build !linux

package memmod

import (
	"errors"
	"io"
)

var errNativeUnsupported = errors.New("native memory is only supported on linux")

// NativeMemory is unavailable off linux; use an AddressSpace instead.
type NativeMemory struct{}

func NewNativeMemory() (*NativeMemory, error) {
	return nil, errNativeUnsupported
}

func (NativeMemory) Map(file io.ReaderAt, size, offset, addr uint64, prot Prot, flags MapFlag) (uint64, error) {
	return 0, errNativeUnsupported
}

func (NativeMemory) Unmap(addr, size uint64) error {
	return errNativeUnsupported
}

func (NativeMemory) Protect(addr, size uint64, prot Prot) error {
	return errNativeUnsupported
}

func (NativeMemory) Memset(addr uint64, val byte, size uint64) error {
	return errNativeUnsupported
}

func (NativeMemory) Read(addr uint64, p []byte) error {
	return errNativeUnsupported
}

func (NativeMemory) Write(addr uint64, p []byte) error {
	return errNativeUnsupported
}
