package memmod

import "debug/elf"

// libcTLSReserve is the static TLS space kept for the host C library ahead
// of the first loaded module.
const libcTLSReserve = 0x400

// TLS is the static thread-local storage assignment of a module. Offset is
// measured down from the thread pointer.
type TLS struct {
	ModuleID  uint64
	Offset    uint64
	BlockSize uint64
	Align     uint64
	// FirstByte is the misalignment of the template start within Align.
	FirstByte uint64
	Image     uint64
	ImageSize uint64
}

type tlsAllocator struct {
	numModules uint64
	lastOffset uint64
	maxAlign   uint64
}

// assign places the PT_TLS block after every block assigned before it.
func (a *tlsAllocator) assign(p *elf.ProgHeader, delta uint64) *TLS {
	align := max(p.Align, 1)
	t := &TLS{
		ModuleID:  a.numModules,
		BlockSize: p.Memsz,
		Align:     align,
		FirstByte: p.Vaddr & (align - 1),
		Image:     p.Vaddr + delta,
		ImageSize: p.Filesz,
	}
	offset := a.lastOffset
	if t.ModuleID == 0 {
		offset = libcTLSReserve
	}
	firstByte := -t.FirstByte & (align - 1)
	t.Offset = firstByte + alignUp(offset+t.BlockSize+firstByte, align)

	a.numModules++
	a.lastOffset = t.Offset
	a.maxAlign = max(a.maxAlign, align)
	return t
}
