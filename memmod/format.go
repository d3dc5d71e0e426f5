package memmod

import (
	"debug/elf"
	"encoding/binary"
)

const pageSize = 0x1000

func alignDown(v, a uint64) uint64 {
	return v &^ (a - 1)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// format is the ELF width and byte order of one module, picked once when the
// header is parsed. Every structure decoder hangs off it so 32-bit and 64-bit
// modules can live in the same registry.
type format struct {
	class elf.Class
	order binary.ByteOrder
}

func (f format) is64() bool {
	return f.class == elf.ELFCLASS64
}

func (f format) wordSize() uint64 {
	if f.is64() {
		return 8
	}
	return 4
}

func (f format) wordBits() uint32 {
	return uint32(f.wordSize() * 8)
}

func (f format) word(b []byte) uint64 {
	if f.is64() {
		return f.order.Uint64(b)
	}
	return uint64(f.order.Uint32(b))
}

func (f format) putWord(b []byte, v uint64) {
	if f.is64() {
		f.order.PutUint64(b, v)
		return
	}
	f.order.PutUint32(b, uint32(v))
}

func (f format) headerSize() uint16 {
	if f.is64() {
		return 64
	}
	return 52
}

func (f format) progSize() uint16 {
	if f.is64() {
		return 56
	}
	return 32
}

func (f format) symSize() uint64 {
	if f.is64() {
		return 24
	}
	return 16
}

func (f format) dynSize() uint64 {
	if f.is64() {
		return 16
	}
	return 8
}

func (f format) relSize(rela bool) uint64 {
	switch {
	case f.is64() && rela:
		return 24
	case f.is64():
		return 16
	case rela:
		return 12
	default:
		return 8
	}
}

func (f format) decodeSym(b []byte) Symbol {
	if f.is64() {
		return Symbol{
			NameOff: f.order.Uint32(b[0:]),
			Info:    b[4],
			Other:   b[5],
			Section: elf.SectionIndex(f.order.Uint16(b[6:])),
			Value:   f.order.Uint64(b[8:]),
			Size:    f.order.Uint64(b[16:]),
		}
	}
	return Symbol{
		NameOff: f.order.Uint32(b[0:]),
		Value:   uint64(f.order.Uint32(b[4:])),
		Size:    uint64(f.order.Uint32(b[8:])),
		Info:    b[12],
		Other:   b[13],
		Section: elf.SectionIndex(f.order.Uint16(b[14:])),
	}
}

func (f format) decodeDyn(b []byte) (elf.DynTag, uint64) {
	if f.is64() {
		return elf.DynTag(int64(f.order.Uint64(b[0:]))), f.order.Uint64(b[8:])
	}
	return elf.DynTag(int32(f.order.Uint32(b[0:]))), uint64(f.order.Uint32(b[4:]))
}

type relocation struct {
	off       uint64
	typ       uint32
	sym       uint32
	addend    int64
	hasAddend bool
}

func (f format) decodeRel(b []byte, rela bool) relocation {
	var r relocation
	if f.is64() {
		info := f.order.Uint64(b[8:])
		r = relocation{off: f.order.Uint64(b[0:]), typ: elf.R_TYPE64(info), sym: elf.R_SYM64(info)}
		if rela {
			r.addend, r.hasAddend = int64(f.order.Uint64(b[16:])), true
		}
		return r
	}
	info := f.order.Uint32(b[4:])
	r = relocation{off: uint64(f.order.Uint32(b[0:])), typ: elf.R_TYPE32(info), sym: elf.R_SYM32(info)}
	if rela {
		r.addend, r.hasAddend = int64(int32(f.order.Uint32(b[8:]))), true
	}
	return r
}
