package memmod

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

var ErrUnmapped = errors.New("address not mapped")

const simDefaultHint = 0x10000000

type simPage struct {
	data [pageSize]byte
	prot Prot
}

// AddressSpace is a paged, process-independent Memory. Modules for any
// machine can be mapped and relocated in it without running their code.
// Loader reads and writes ignore page protection the way a debugger poke
// does; Prot reports what a real mapping would carry.
type AddressSpace struct {
	mu    sync.RWMutex
	pages map[uint64]*simPage
	hint  uint64
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		pages: make(map[uint64]*simPage),
		hint:  simDefaultHint,
	}
}

func (as *AddressSpace) Map(file io.ReaderAt, size, offset, addr uint64, prot Prot, flags MapFlag) (uint64, error) {
	if size == 0 {
		return 0, errors.New("map: zero size")
	}
	if addr%pageSize != 0 || offset%pageSize != 0 {
		return 0, fmt.Errorf("map: unaligned address %#x or offset %#x", addr, offset)
	}
	size = alignUp(size, pageSize)

	as.mu.Lock()
	defer as.mu.Unlock()

	if flags&MapFixed == 0 && (addr == 0 || !as.freeLocked(addr, size)) {
		addr = as.findFreeLocked(size)
	}
	for p := uint64(0); p < size; p += pageSize {
		pg := &simPage{prot: prot}
		if file != nil {
			// Pages past the end of the file read as zeros.
			if _, err := file.ReadAt(pg.data[:], int64(offset+p)); err != nil && !errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("map: read file at %#x: %w", offset+p, err)
			}
		}
		as.pages[addr+p] = pg
	}
	if addr+size > as.hint && flags&MapFixed == 0 {
		as.hint = addr + size
	}
	return addr, nil
}

// ReplaceMap is Map with MapFixed; a page map swap is already atomic here.
func (as *AddressSpace) ReplaceMap(file io.ReaderAt, size, offset, addr uint64, prot Prot, flags MapFlag) (uint64, error) {
	return as.Map(file, size, offset, addr, prot, flags|MapFixed)
}

func (as *AddressSpace) Unmap(addr, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for p := alignDown(addr, pageSize); p < addr+size; p += pageSize {
		delete(as.pages, p)
	}
	return nil
}

func (as *AddressSpace) Protect(addr, size uint64, prot Prot) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	end := alignUp(addr+size, pageSize)
	for p := alignDown(addr, pageSize); p < end; p += pageSize {
		if _, ok := as.pages[p]; !ok {
			return fmt.Errorf("protect %#x: %w", p, ErrUnmapped)
		}
	}
	for p := alignDown(addr, pageSize); p < end; p += pageSize {
		as.pages[p].prot = prot
	}
	return nil
}

func (as *AddressSpace) Memset(addr uint64, val byte, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.spanLocked(addr, size, func(b []byte, _ uint64) {
		for i := range b {
			b[i] = val
		}
	})
}

func (as *AddressSpace) Read(addr uint64, p []byte) error {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.spanLocked(addr, uint64(len(p)), func(b []byte, done uint64) {
		copy(p[done:], b)
	})
}

func (as *AddressSpace) Write(addr uint64, p []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.spanLocked(addr, uint64(len(p)), func(b []byte, done uint64) {
		copy(b, p[done:])
	})
}

// Prot returns the protection of the page holding addr.
func (as *AddressSpace) Prot(addr uint64) (Prot, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	pg, ok := as.pages[alignDown(addr, pageSize)]
	if !ok {
		return 0, false
	}
	return pg.prot, true
}

// Mapped returns the sorted start addresses of all mapped pages.
func (as *AddressSpace) Mapped() []uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	out := make([]uint64, 0, len(as.pages))
	for addr := range as.pages {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// spanLocked checks that [addr, addr+size) is mapped, then visits each
// page fragment with the count of bytes visited before it.
func (as *AddressSpace) spanLocked(addr, size uint64, fn func(b []byte, done uint64)) error {
	if size == 0 {
		return nil
	}
	for p := alignDown(addr, pageSize); p < addr+size; p += pageSize {
		if _, ok := as.pages[p]; !ok {
			return fmt.Errorf("access %#x: %w", max(p, addr), ErrUnmapped)
		}
	}
	var done uint64
	for done < size {
		cur := addr + done
		pg := as.pages[alignDown(cur, pageSize)]
		off := cur % pageSize
		n := min(pageSize-off, size-done)
		fn(pg.data[off:off+n], done)
		done += n
	}
	return nil
}

func (as *AddressSpace) freeLocked(addr, size uint64) bool {
	for p := addr; p < addr+size; p += pageSize {
		if _, ok := as.pages[p]; ok {
			return false
		}
	}
	return true
}

func (as *AddressSpace) findFreeLocked(size uint64) uint64 {
	addr := as.hint
	for !as.freeLocked(addr, size) {
		addr += pageSize
	}
	return addr
}
