package memmod

import (
	"bytes"
	"cmp"
	"debug/elf"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

// Synthetic images used across the package tests. The read-only segment
// spans the first testRXSize bytes: header, program headers, the dynamic
// section at testDynOff unless it lives in the writable segment, then the
// symbol, string, hash and relocation tables. The writable segment starts at
// file offset testRXSize and holds caller data; an in-RW dynamic section sits
// at testRWDynOff inside it.
const (
	testPhoff    = 0x40
	testDynOff   = 0x200
	testTableOff = 0x600
	testRXSize   = 0x2000
	testRWDynOff = 0x800
	testDynMax   = 0x400
)

type testSym struct {
	name  string
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
	// undef leaves st_shndx as SHN_UNDEF.
	undef bool
}

type testRel struct {
	off    uint64
	typ    uint32
	sym    string
	addend int64
}

type testTLS struct {
	off    uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

type testDyn struct {
	tag elf.DynTag
	val uint64
}

type testImage struct {
	class   elf.Class
	machine elf.Machine
	// vaddr is the preferred base.
	vaddr uint64

	soname  string
	needed  []string
	runpath string
	interp  string

	syms []testSym
	// hash is "gnu", "sysv", "both" or "" for none.
	hash string

	rel    []testRel
	rela   []testRel
	relr   []uint64
	jmprel []testRel

	data    []byte
	bssSize uint64
	// rwGap puts that many unmapped pages between the two segments.
	rwGap uint64

	tls       *testTLS
	dynInRW   bool
	relroSize uint64
	extraDyn  []testDyn
}

func (img *testImage) format() format {
	class := img.class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	return format{class: class, order: binary.LittleEndian}
}

func (img *testImage) mach() elf.Machine {
	if img.machine != elf.EM_NONE {
		return img.machine
	}
	if img.format().is64() {
		return elf.EM_X86_64
	}
	return elf.EM_386
}

// rw returns the preferred address of offset off in the writable segment.
func (img *testImage) rw(off uint64) uint64 {
	return img.vaddr + testRXSize + img.rwGap*pageSize + off
}

func (img *testImage) rwFilesz() uint64 {
	size := max(uint64(len(img.data)), 0x100)
	if img.dynInRW {
		size = max(size, testRWDynOff+testDynMax)
	}
	return size
}

// order returns the symbols in table order: index 0 is the null symbol,
// and a GNU hash table needs undefined symbols first and the rest grouped
// by bucket.
func (img *testImage) order(nbuckets uint32) []testSym {
	syms := slices.Clone(img.syms)
	if img.hash == "gnu" || img.hash == "both" {
		slices.SortStableFunc(syms, func(a, b testSym) int {
			return cmp.Compare(gnuKey(a, nbuckets), gnuKey(b, nbuckets))
		})
	}
	return append([]testSym{{}}, syms...)
}

func gnuKey(s testSym, nbuckets uint32) int64 {
	if s.undef {
		return -1
	}
	return int64(gnuHash(s.name) % nbuckets)
}

type writer struct {
	buf   []byte
	order binary.ByteOrder
}

func (w *writer) put(off uint64, v any) {
	var b bytes.Buffer
	if err := binary.Write(&b, w.order, v); err != nil {
		panic(err)
	}
	if end := off + uint64(b.Len()); end > uint64(len(w.buf)) {
		w.buf = append(w.buf, make([]byte, end-uint64(len(w.buf)))...)
	}
	copy(w.buf[off:], b.Bytes())
}

func (w *writer) putBytes(off uint64, p []byte) {
	if end := off + uint64(len(p)); end > uint64(len(w.buf)) {
		w.buf = append(w.buf, make([]byte, end-uint64(len(w.buf)))...)
	}
	copy(w.buf[off:], p)
}

// build returns the file image.
func (img *testImage) build(t testing.TB) []byte {
	t.Helper()

	f := img.format()
	w := &writer{order: f.order}
	const nbuckets = 3
	syms := img.order(nbuckets)
	index := make(map[string]uint32, len(syms))
	for i, s := range syms {
		if s.name != "" {
			index[s.name] = uint32(i)
		}
	}

	// String table.
	strtab := []byte{0}
	strs := make(map[string]uint64)
	addStr := func(s string) uint64 {
		if off, ok := strs[s]; ok {
			return off
		}
		off := uint64(len(strtab))
		strtab = append(append(strtab, s...), 0)
		strs[s] = off
		return off
	}
	for _, s := range syms[1:] {
		addStr(s.name)
	}
	sonameOff := addStr(img.soname)
	var neededOffs []uint64
	for _, n := range img.needed {
		neededOffs = append(neededOffs, addStr(n))
	}
	runpathOff := addStr(img.runpath)

	cursor := uint64(testTableOff)
	next := func(size uint64) uint64 {
		off := alignUp(cursor, 16)
		cursor = off + size
		return off
	}

	symtabOff := next(uint64(len(syms)) * f.symSize())
	for i, s := range syms {
		off := symtabOff + uint64(i)*f.symSize()
		shndx := uint16(elf.SHN_UNDEF)
		if i != 0 && !s.undef {
			shndx = 7
		}
		info := elf.ST_INFO(s.bind, s.typ)
		var name uint32
		if i != 0 {
			name = uint32(strs[s.name])
		}
		if f.is64() {
			w.put(off, elf.Sym64{Name: name, Info: info, Shndx: shndx, Value: s.value, Size: s.size})
		} else {
			w.put(off, elf.Sym32{Name: name, Info: info, Shndx: shndx, Value: uint32(s.value), Size: uint32(s.size)})
		}
	}
	strtabOff := next(uint64(len(strtab)))
	w.putBytes(strtabOff, strtab)

	var hashOff, gnuHashOff uint64
	if img.hash == "sysv" || img.hash == "both" {
		buckets := make([]uint32, nbuckets)
		chain := make([]uint32, len(syms))
		for i := 1; i < len(syms); i++ {
			b := elfHash(syms[i].name) % nbuckets
			chain[i] = buckets[b]
			buckets[b] = uint32(i)
		}
		hashOff = next(8 + 4*uint64(nbuckets+len(syms)))
		w.put(hashOff, []uint32{nbuckets, uint32(len(syms))})
		w.put(hashOff+8, buckets)
		w.put(hashOff+8+4*nbuckets, chain)
	}
	if img.hash == "gnu" || img.hash == "both" {
		symbias := uint32(len(syms))
		for i := 1; i < len(syms); i++ {
			if !syms[i].undef {
				symbias = uint32(i)
				break
			}
		}
		const shift = 6
		bits := f.wordBits()
		var bloom uint64
		buckets := make([]uint32, nbuckets)
		chain := make([]uint32, uint32(len(syms))-symbias)
		for i := symbias; i < uint32(len(syms)); i++ {
			h := gnuHash(syms[i].name)
			bloom |= uint64(1)<<(h%bits) | uint64(1)<<((h>>shift)%bits)
			b := h % nbuckets
			if buckets[b] == 0 {
				buckets[b] = i
			}
			chain[i-symbias] = h &^ 1
			if i+1 == uint32(len(syms)) || gnuHash(syms[i+1].name)%nbuckets != b {
				chain[i-symbias] |= 1
			}
		}
		gnuHashOff = next(16 + f.wordSize() + 4*uint64(nbuckets+len(chain)))
		w.put(gnuHashOff, []uint32{nbuckets, symbias, 1, shift})
		if f.is64() {
			w.put(gnuHashOff+16, bloom)
		} else {
			w.put(gnuHashOff+16, uint32(bloom))
		}
		w.put(gnuHashOff+16+f.wordSize(), buckets)
		w.put(gnuHashOff+16+f.wordSize()+4*nbuckets, chain)
	}

	relTable := func(rels []testRel, rela bool) (uint64, uint64) {
		if len(rels) == 0 {
			return 0, 0
		}
		size := uint64(len(rels)) * f.relSize(rela)
		off := next(size)
		for i, r := range rels {
			var sym uint32
			if r.sym != "" {
				var ok bool
				sym, ok = index[r.sym]
				require.True(t, ok, "relocation against unknown symbol %q", r.sym)
			}
			at := off + uint64(i)*f.relSize(rela)
			switch {
			case f.is64() && rela:
				w.put(at, elf.Rela64{Off: r.off, Info: elf.R_INFO(sym, r.typ), Addend: r.addend})
			case f.is64():
				w.put(at, elf.Rel64{Off: r.off, Info: elf.R_INFO(sym, r.typ)})
			case rela:
				w.put(at, elf.Rela32{Off: uint32(r.off), Info: elf.R_INFO32(sym, r.typ), Addend: int32(r.addend)})
			default:
				w.put(at, elf.Rel32{Off: uint32(r.off), Info: elf.R_INFO32(sym, r.typ)})
			}
		}
		return off, size
	}
	relOff, relSize := relTable(img.rel, false)
	relaOff, relaSize := relTable(img.rela, true)
	pltRela := f.is64()
	jmpOff, jmpSize := relTable(img.jmprel, pltRela)

	var relrOff, relrSize uint64
	if len(img.relr) > 0 {
		relrSize = uint64(len(img.relr)) * f.wordSize()
		relrOff = next(relrSize)
		for i, v := range img.relr {
			at := relrOff + uint64(i)*f.wordSize()
			if f.is64() {
				w.put(at, v)
			} else {
				w.put(at, uint32(v))
			}
		}
	}

	var interpOff uint64
	if img.interp != "" {
		interpOff = next(uint64(len(img.interp)) + 1)
		w.putBytes(interpOff, append([]byte(img.interp), 0))
	}
	require.LessOrEqual(t, cursor, uint64(testRXSize), "tables overflow the text segment")

	// Dynamic section.
	va := func(off uint64) uint64 { return img.vaddr + off }
	var dyn []testDyn
	dyn = append(dyn, testDyn{elf.DT_SYMTAB, va(symtabOff)}, testDyn{elf.DT_STRTAB, va(strtabOff)},
		testDyn{elf.DT_STRSZ, uint64(len(strtab))}, testDyn{elf.DT_SYMENT, f.symSize()})
	if hashOff != 0 {
		dyn = append(dyn, testDyn{elf.DT_HASH, va(hashOff)})
	}
	if gnuHashOff != 0 {
		dyn = append(dyn, testDyn{elf.DT_GNU_HASH, va(gnuHashOff)})
	}
	if img.soname != "" {
		dyn = append(dyn, testDyn{elf.DT_SONAME, sonameOff})
	}
	for _, off := range neededOffs {
		dyn = append(dyn, testDyn{elf.DT_NEEDED, off})
	}
	if img.runpath != "" {
		dyn = append(dyn, testDyn{elf.DT_RUNPATH, runpathOff})
	}
	if relOff != 0 {
		dyn = append(dyn, testDyn{elf.DT_REL, va(relOff)}, testDyn{elf.DT_RELSZ, relSize}, testDyn{elf.DT_RELENT, f.relSize(false)})
	}
	if relaOff != 0 {
		dyn = append(dyn, testDyn{elf.DT_RELA, va(relaOff)}, testDyn{elf.DT_RELASZ, relaSize}, testDyn{elf.DT_RELAENT, f.relSize(true)})
	}
	if relrOff != 0 {
		dyn = append(dyn, testDyn{dtRelr, va(relrOff)}, testDyn{dtRelrSz, relrSize}, testDyn{dtRelrEnt, f.wordSize()})
	}
	if jmpOff != 0 {
		pltrel := elf.DT_REL
		if pltRela {
			pltrel = elf.DT_RELA
		}
		dyn = append(dyn, testDyn{elf.DT_JMPREL, va(jmpOff)}, testDyn{elf.DT_PLTRELSZ, jmpSize}, testDyn{elf.DT_PLTREL, uint64(pltrel)})
	}
	dyn = append(dyn, img.extraDyn...)
	dyn = append(dyn, testDyn{elf.DT_NULL, 0})

	dynFileOff := uint64(testDynOff)
	dynVaddr := va(testDynOff)
	if img.dynInRW {
		dynFileOff = testRXSize + testRWDynOff
		dynVaddr = img.rw(testRWDynOff)
	}
	dynSize := uint64(len(dyn)) * f.dynSize()
	require.LessOrEqual(t, dynSize, uint64(testDynMax))
	for i, d := range dyn {
		at := dynFileOff + uint64(i)*f.dynSize()
		if f.is64() {
			w.put(at, elf.Dyn64{Tag: int64(d.tag), Val: d.val})
		} else {
			w.put(at, elf.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
		}
	}

	// Writable segment contents.
	if uint64(len(w.buf)) < testRXSize {
		w.putBytes(testRXSize-1, []byte{0})
	}
	w.putBytes(testRXSize, img.data)
	rwFilesz := img.rwFilesz()
	if end := testRXSize + rwFilesz; uint64(len(w.buf)) < end {
		w.putBytes(end-1, []byte{0})
	}

	// Program headers.
	type prog struct {
		typ                       elf.ProgType
		flags                     elf.ProgFlag
		off, vaddr, filesz, memsz uint64
		align                     uint64
	}
	progs := []prog{
		{elf.PT_LOAD, elf.PF_R | elf.PF_X, 0, img.vaddr, testRXSize, testRXSize, pageSize},
		{elf.PT_LOAD, elf.PF_R | elf.PF_W, testRXSize, img.rw(0), rwFilesz, rwFilesz + img.bssSize, pageSize},
		{elf.PT_DYNAMIC, elf.PF_R | elf.PF_W, dynFileOff, dynVaddr, dynSize, dynSize, 8},
	}
	if img.interp != "" {
		progs = append(progs, prog{elf.PT_INTERP, elf.PF_R, interpOff, va(interpOff), uint64(len(img.interp)) + 1, uint64(len(img.interp)) + 1, 1})
	}
	if img.tls != nil {
		progs = append(progs, prog{elf.PT_TLS, elf.PF_R, testRXSize + img.tls.off, img.rw(img.tls.off), img.tls.filesz, img.tls.memsz, img.tls.align})
	}
	if img.relroSize != 0 {
		progs = append(progs, prog{elf.PT_GNU_RELRO, elf.PF_R, testRXSize, img.rw(0), img.relroSize, img.relroSize, 1})
	}
	require.LessOrEqual(t, testPhoff+uint64(len(progs))*uint64(f.progSize()), uint64(testDynOff))
	for i, p := range progs {
		at := testPhoff + uint64(i)*uint64(f.progSize())
		if f.is64() {
			w.put(at, elf.Prog64{Type: uint32(p.typ), Flags: uint32(p.flags), Off: p.off, Vaddr: p.vaddr, Paddr: p.vaddr, Filesz: p.filesz, Memsz: p.memsz, Align: p.align})
		} else {
			w.put(at, elf.Prog32{Type: uint32(p.typ), Off: uint32(p.off), Vaddr: uint32(p.vaddr), Paddr: uint32(p.vaddr), Filesz: uint32(p.filesz), Memsz: uint32(p.memsz), Flags: uint32(p.flags), Align: uint32(p.align)})
		}
	}

	// ELF header.
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(f.class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if f.is64() {
		w.put(0, elf.Header64{
			Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(img.mach()), Version: uint32(elf.EV_CURRENT),
			Phoff: testPhoff, Ehsize: f.headerSize(), Phentsize: f.progSize(), Phnum: uint16(len(progs)),
		})
	} else {
		w.put(0, elf.Header32{
			Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(img.mach()), Version: uint32(elf.EV_CURRENT),
			Phoff: testPhoff, Ehsize: f.headerSize(), Phentsize: f.progSize(), Phnum: uint16(len(progs)),
		})
	}
	return w.buf
}

// load builds img and loads it into reg with default options.
func (img *testImage) load(t testing.TB, reg *Registry, opts Options) *Module {
	t.Helper()

	m, err := Load(reg, bytes.NewReader(img.build(t)), img.soname, opts)
	require.NoError(t, err)
	return m
}

func word64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func readU64(t testing.TB, mem Memory, addr uint64) uint64 {
	t.Helper()

	var buf [8]byte
	require.NoError(t, mem.Read(addr, buf[:]))
	return binary.LittleEndian.Uint64(buf[:])
}

func readU32(t testing.TB, mem Memory, addr uint64) uint32 {
	t.Helper()

	var buf [4]byte
	require.NoError(t, mem.Read(addr, buf[:]))
	return binary.LittleEndian.Uint32(buf[:])
}

// countingMemory counts reads that reach the wrapped memory.
type countingMemory struct {
	Memory
	reads int
}

func (c *countingMemory) Read(addr uint64, p []byte) error {
	c.reads++
	return c.Memory.Read(addr, p)
}
