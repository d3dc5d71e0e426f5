package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

var (
	ErrInvalidHeader     = errors.New("invalid ELF header")
	ErrWrongArchitecture = errors.New("wrong ELF class or architecture")
	ErrTruncated         = errors.New("truncated ELF image")
)

// DefaultMachines are the machines the relocation engine knows how to bind.
var DefaultMachines = []elf.Machine{elf.EM_386, elf.EM_X86_64, elf.EM_ARM, elf.EM_AARCH64}

type Header struct {
	Class     elf.Class
	Data      elf.Data
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16

	format format
}

// Layout is the load plan derived from the program headers.
type Layout struct {
	Header Header
	Progs  []elf.ProgHeader

	// PreferredBase is the page-aligned lowest PT_LOAD address.
	PreferredBase uint64
	// FirstSegmentEnd is the unaligned end of the segment holding the lowest
	// PT_LOAD address.
	FirstSegmentEnd uint64
	// MaxEnd is the page-aligned highest PT_LOAD end.
	MaxEnd uint64
	// Interp is the PT_INTERP path, if any.
	Interp string
}

func ParseHeader(r io.ReaderAt) (Header, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return Header{}, fmt.Errorf("%w: ident: %v", ErrTruncated, err)
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return Header{}, fmt.Errorf("%w: bad magic %x", ErrInvalidHeader, ident[:4])
	}

	h := Header{
		Class: elf.Class(ident[elf.EI_CLASS]),
		Data:  elf.Data(ident[elf.EI_DATA]),
	}
	switch h.Class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return Header{}, fmt.Errorf("%w: class %v", ErrWrongArchitecture, h.Class)
	}
	switch h.Data {
	case elf.ELFDATA2LSB:
		h.format = format{class: h.Class, order: binary.LittleEndian}
	case elf.ELFDATA2MSB:
		h.format = format{class: h.Class, order: binary.BigEndian}
	default:
		return Header{}, fmt.Errorf("%w: data encoding %v", ErrWrongArchitecture, h.Data)
	}

	sr := io.NewSectionReader(r, 0, int64(h.format.headerSize()))
	if h.format.is64() {
		var hdr elf.Header64
		if err := binary.Read(sr, h.format.order, &hdr); err != nil {
			return Header{}, fmt.Errorf("%w: header: %v", ErrTruncated, err)
		}
		h.Type, h.Machine, h.Version = elf.Type(hdr.Type), elf.Machine(hdr.Machine), hdr.Version
		h.Entry, h.Phoff = hdr.Entry, hdr.Phoff
		h.Ehsize, h.Phentsize, h.Phnum = hdr.Ehsize, hdr.Phentsize, hdr.Phnum
	} else {
		var hdr elf.Header32
		if err := binary.Read(sr, h.format.order, &hdr); err != nil {
			return Header{}, fmt.Errorf("%w: header: %v", ErrTruncated, err)
		}
		h.Type, h.Machine, h.Version = elf.Type(hdr.Type), elf.Machine(hdr.Machine), hdr.Version
		h.Entry, h.Phoff = uint64(hdr.Entry), uint64(hdr.Phoff)
		h.Ehsize, h.Phentsize, h.Phnum = hdr.Ehsize, hdr.Phentsize, hdr.Phnum
	}

	if h.Version != uint32(elf.EV_CURRENT) {
		return Header{}, fmt.Errorf("%w: version %d", ErrInvalidHeader, h.Version)
	}
	if h.Type != elf.ET_DYN && h.Type != elf.ET_EXEC {
		return Header{}, fmt.Errorf("%w: unsupported file type %v", ErrInvalidHeader, h.Type)
	}
	if h.Phnum > 0 && h.Phentsize < h.format.progSize() {
		return Header{}, fmt.Errorf("%w: program header entry size %d", ErrInvalidHeader, h.Phentsize)
	}
	return h, nil
}

// IsELFHeader reports whether r starts with a loadable ELF header. An
// in-memory header must also carry a matching e_ehsize and one of machines.
func IsELFHeader(r io.ReaderAt, inMemory bool, machines []elf.Machine) bool {
	h, err := ParseHeader(r)
	if err != nil {
		return false
	}
	if !inMemory {
		return true
	}
	if h.Ehsize != h.format.headerSize() {
		return false
	}
	if len(machines) == 0 {
		machines = DefaultMachines
	}
	return slices.Contains(machines, h.Machine)
}

// ParseLayout decodes the header and program headers and computes the load
// bounds. It does not touch memory.
func ParseLayout(r io.ReaderAt) (*Layout, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}

	l := &Layout{Header: h, Progs: make([]elf.ProgHeader, 0, h.Phnum)}
	for i := uint64(0); i < uint64(h.Phnum); i++ {
		sr := io.NewSectionReader(r, int64(h.Phoff+i*uint64(h.Phentsize)), int64(h.format.progSize()))
		var prog elf.ProgHeader
		if h.format.is64() {
			var p elf.Prog64
			if err := binary.Read(sr, h.format.order, &p); err != nil {
				return nil, fmt.Errorf("%w: program header %d: %v", ErrTruncated, i, err)
			}
			prog = elf.ProgHeader{
				Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
				Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
				Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
			}
		} else {
			var p elf.Prog32
			if err := binary.Read(sr, h.format.order, &p); err != nil {
				return nil, fmt.Errorf("%w: program header %d: %v", ErrTruncated, i, err)
			}
			prog = elf.ProgHeader{
				Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
				Off: uint64(p.Off), Vaddr: uint64(p.Vaddr), Paddr: uint64(p.Paddr),
				Filesz: uint64(p.Filesz), Memsz: uint64(p.Memsz), Align: uint64(p.Align),
			}
		}
		l.Progs = append(l.Progs, prog)
	}

	found := false
	var minVaddr, maxEnd uint64
	for _, p := range l.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if !found || p.Vaddr < minVaddr {
				minVaddr = p.Vaddr
				l.FirstSegmentEnd = p.Vaddr + p.Memsz
			}
			maxEnd = max(maxEnd, p.Vaddr+p.Memsz)
			found = true
		case elf.PT_INTERP:
			l.Interp = readInterp(r, p)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no loadable segments", ErrInvalidHeader)
	}
	l.PreferredBase = alignDown(minVaddr, pageSize)
	l.MaxEnd = alignUp(maxEnd, pageSize)
	return l, nil
}

func readInterp(r io.ReaderAt, p elf.ProgHeader) string {
	if p.Filesz == 0 || p.Filesz > pageSize {
		return ""
	}
	buf := make([]byte, p.Filesz)
	if _, err := r.ReadAt(buf, int64(p.Off)); err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// Prog returns the first program header of typ.
func (l *Layout) Prog(typ elf.ProgType) *elf.ProgHeader {
	for i := range l.Progs {
		if l.Progs[i].Type == typ {
			return &l.Progs[i]
		}
	}
	return nil
}

// ImageSize is the span from the preferred base to the aligned end.
func (l *Layout) ImageSize() uint64 {
	return l.MaxEnd - l.PreferredBase
}

// IsPartialMap reports whether a view of mappedSize bytes covers less than
// the whole image.
func IsPartialMap(l *Layout, mappedSize uint64) bool {
	return alignUp(mappedSize, pageSize) < l.ImageSize()
}
