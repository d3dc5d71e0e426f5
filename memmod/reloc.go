package memmod

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrUnknownRelocationType = errors.New("unknown relocation type")

type relocOp uint8

const (
	relocNone relocOp = iota
	relocRelative
	relocGlobDat
	relocDirect
	relocPC
	relocCopy
	relocIRelative
	relocDTPMod
	relocDTPOff
	relocTPOff
	// relocTPOffNeg stores the offset with the opposite sign, as the i386
	// TLS_TPOFF32 form does.
	relocTPOffNeg
	relocTLSDesc
)

type relocKind struct {
	op   relocOp
	size uint8
}

// AArch64 TLS relocation numbers from the psABI.
const (
	rAArch64TLSDTPMod64 = 1028
	rAArch64TLSDTPRel64 = 1029
	rAArch64TLSTPRel64  = 1030
	rAArch64TLSDesc     = 1031
)

// R_ARM_TLS_DESC from the ARM ELF psABI; debug/elf does not name it.
const rARMTLSDesc = 13

var relocKinds = map[elf.Machine]map[uint32]relocKind{
	elf.EM_X86_64: {
		uint32(elf.R_X86_64_NONE):      {relocNone, 8},
		uint32(elf.R_X86_64_64):        {relocDirect, 8},
		uint32(elf.R_X86_64_PC32):      {relocPC, 4},
		uint32(elf.R_X86_64_COPY):      {relocCopy, 8},
		uint32(elf.R_X86_64_GLOB_DAT):  {relocGlobDat, 8},
		uint32(elf.R_X86_64_JMP_SLOT):  {relocGlobDat, 8},
		uint32(elf.R_X86_64_RELATIVE):  {relocRelative, 8},
		uint32(elf.R_X86_64_32):        {relocDirect, 4},
		uint32(elf.R_X86_64_DTPMOD64):  {relocDTPMod, 8},
		uint32(elf.R_X86_64_DTPOFF64):  {relocDTPOff, 8},
		uint32(elf.R_X86_64_TPOFF64):   {relocTPOff, 8},
		uint32(elf.R_X86_64_TLSDESC):   {relocTLSDesc, 8},
		uint32(elf.R_X86_64_IRELATIVE): {relocIRelative, 8},
	},
	elf.EM_386: {
		uint32(elf.R_386_NONE):         {relocNone, 4},
		uint32(elf.R_386_32):           {relocDirect, 4},
		uint32(elf.R_386_PC32):         {relocPC, 4},
		uint32(elf.R_386_COPY):         {relocCopy, 4},
		uint32(elf.R_386_GLOB_DAT):     {relocGlobDat, 4},
		uint32(elf.R_386_JMP_SLOT):     {relocGlobDat, 4},
		uint32(elf.R_386_RELATIVE):     {relocRelative, 4},
		uint32(elf.R_386_TLS_TPOFF):    {relocTPOff, 4},
		uint32(elf.R_386_TLS_DTPMOD32): {relocDTPMod, 4},
		uint32(elf.R_386_TLS_DTPOFF32): {relocDTPOff, 4},
		uint32(elf.R_386_TLS_TPOFF32):  {relocTPOffNeg, 4},
		uint32(elf.R_386_TLS_DESC):     {relocTLSDesc, 4},
		uint32(elf.R_386_IRELATIVE):    {relocIRelative, 4},
	},
	elf.EM_AARCH64: {
		uint32(elf.R_AARCH64_NONE):      {relocNone, 8},
		uint32(elf.R_AARCH64_NULL):      {relocNone, 8},
		uint32(elf.R_AARCH64_ABS64):     {relocDirect, 8},
		uint32(elf.R_AARCH64_COPY):      {relocCopy, 8},
		uint32(elf.R_AARCH64_GLOB_DAT):  {relocGlobDat, 8},
		uint32(elf.R_AARCH64_JUMP_SLOT): {relocGlobDat, 8},
		uint32(elf.R_AARCH64_RELATIVE):  {relocRelative, 8},
		rAArch64TLSDTPMod64:             {relocDTPMod, 8},
		rAArch64TLSDTPRel64:             {relocDTPOff, 8},
		rAArch64TLSTPRel64:              {relocTPOff, 8},
		rAArch64TLSDesc:                 {relocTLSDesc, 8},
		uint32(elf.R_AARCH64_IRELATIVE): {relocIRelative, 8},
	},
	elf.EM_ARM: {
		uint32(elf.R_ARM_NONE):         {relocNone, 4},
		uint32(elf.R_ARM_ABS32):        {relocDirect, 4},
		uint32(elf.R_ARM_COPY):         {relocCopy, 4},
		uint32(elf.R_ARM_GLOB_DAT):     {relocGlobDat, 4},
		uint32(elf.R_ARM_JUMP_SLOT):    {relocGlobDat, 4},
		uint32(elf.R_ARM_RELATIVE):     {relocRelative, 4},
		uint32(elf.R_ARM_TLS_DTPMOD32): {relocDTPMod, 4},
		uint32(elf.R_ARM_TLS_DTPOFF32): {relocDTPOff, 4},
		uint32(elf.R_ARM_TLS_TPOFF32):  {relocTPOff, 4},
		rARMTLSDesc:                    {relocTLSDesc, 4},
		uint32(elf.R_ARM_IRELATIVE):    {relocIRelative, 4},
	},
}

type relocator struct {
	m      *Module
	reg    *Registry
	mem    Memory
	f      format
	dyn    *DynamicInfo
	kinds  map[uint32]relocKind
	exec   Executor
	logger log.Logger

	delta    uint64
	dynStart uint64
	dynEnd   uint64

	tlsDescResolver uint64
	trapOverride    uint64

	diags    *Diagnostics
	reported map[string]struct{}
	applied  int
}

// run applies RELR, then REL, then RELA, then the PLT table.
func (r *relocator) run() error {
	if err := r.relr(r.dyn.Relr); err != nil {
		return err
	}
	if err := r.table(r.dyn.Rel, false); err != nil {
		return err
	}
	if err := r.table(r.dyn.Rela, true); err != nil {
		return err
	}
	if err := r.table(r.dyn.JmpRel, r.dyn.PLTRel == elf.DT_RELA); err != nil {
		return err
	}
	level.Debug(r.logger).Log("msg", "relocated module", "name", r.m.Name(), "applied", r.applied, "unresolved", len(r.diags.Unresolved))
	return nil
}

func (r *relocator) relr(t Table) error {
	if t.Addr == 0 || t.Size == 0 {
		return nil
	}
	ws := r.f.wordSize()
	raw := make([]byte, t.Size)
	if err := r.mem.Read(t.Addr, raw); err != nil {
		return fmt.Errorf("read relr table: %w", err)
	}
	var where uint64
	for off := uint64(0); off+ws <= t.Size; off += ws {
		entry := r.f.word(raw[off:])
		if entry&1 == 0 {
			where = entry + r.delta
			if err := r.relative(where); err != nil {
				return err
			}
			where += ws
			continue
		}
		for i, bits := uint64(0), entry>>1; bits != 0; i, bits = i+1, bits>>1 {
			if bits&1 == 0 {
				continue
			}
			if err := r.relative(where + i*ws); err != nil {
				return err
			}
		}
		where += (8*ws - 1) * ws
	}
	return nil
}

func (r *relocator) relative(addr uint64) error {
	v, err := readWord(r.mem, r.f, addr)
	if err != nil {
		return fmt.Errorf("relr slot %#x: %w", addr, err)
	}
	r.applied++
	return writeWord(r.mem, r.f, addr, v+r.delta)
}

func (r *relocator) table(t Table, rela bool) error {
	if t.Addr == 0 || t.Size == 0 {
		return nil
	}
	ent := t.Ent
	if ent == 0 {
		ent = r.f.relSize(rela)
	}
	if ent < r.f.relSize(rela) {
		return fmt.Errorf("relocation entry size %d too small", ent)
	}
	raw := make([]byte, t.Size)
	if err := r.mem.Read(t.Addr, raw); err != nil {
		return fmt.Errorf("read relocation table: %w", err)
	}
	for off := uint64(0); off+ent <= t.Size; off += ent {
		if err := r.apply(r.f.decodeRel(raw[off:], rela)); err != nil {
			return err
		}
	}
	return nil
}

func (r *relocator) apply(rel relocation) error {
	kind, ok := r.kinds[rel.typ]
	if !ok {
		return fmt.Errorf("%w: %d at offset %#x", ErrUnknownRelocationType, rel.typ, rel.off)
	}
	patch := rel.off + r.delta
	if patch >= r.dynStart && patch < r.dynEnd {
		level.Debug(r.logger).Log("msg", "relocation targets dynamic section", "addr", hex(patch), "type", rel.typ)
		return nil
	}
	if kind.op == relocNone {
		return nil
	}
	r.applied++

	addend := uint64(rel.addend)
	if !rel.hasAddend {
		v, err := readUint(r.mem, r.f, patch, kind.size)
		if err != nil {
			return fmt.Errorf("read relocation target %#x: %w", patch, err)
		}
		addend = v
	}
	if kind.op == relocRelative {
		return r.write(patch, addend+r.delta, kind.size)
	}
	if kind.op == relocIRelative {
		v, err := r.exec.Call(r.delta + addend)
		if err != nil {
			return fmt.Errorf("irelative resolver at %#x: %w", r.delta+addend, err)
		}
		return r.write(patch, v, kind.size)
	}

	var sym Symbol
	if rel.sym != 0 {
		if r.m.symtab == nil {
			return fmt.Errorf("relocation at %#x: symbol %d without a symbol table", patch, rel.sym)
		}
		var err error
		if sym, err = r.m.symtab.named(rel.sym); err != nil {
			return fmt.Errorf("relocation at %#x: symbol %d: %w", patch, rel.sym, err)
		}
	}

	var tlsOffset, modID uint64
	if r.m.tls != nil {
		tlsOffset, modID = r.m.tls.Offset, r.m.tls.ModuleID
	}
	switch kind.op {
	case relocDTPMod:
		return r.write(patch, modID, kind.size)
	case relocDTPOff:
		return r.write(patch, sym.Value+addend, kind.size)
	case relocTPOff:
		return r.write(patch, sym.Value+addend-tlsOffset, kind.size)
	case relocTPOffNeg:
		return r.write(patch, addend+tlsOffset-sym.Value, kind.size)
	case relocTLSDesc:
		if err := r.write(patch, r.tlsDescResolver, kind.size); err != nil {
			return err
		}
		return r.write(patch+uint64(kind.size), sym.Value+addend-tlsOffset, kind.size)
	}

	target, found, err := r.bind(sym, rel.sym, kind.op == relocCopy)
	if err != nil {
		return err
	}
	switch kind.op {
	case relocGlobDat:
		v := target
		if rel.hasAddend {
			v += uint64(rel.addend)
		}
		return r.write(patch, v, kind.size)
	case relocDirect:
		return r.write(patch, target+addend, kind.size)
	case relocPC:
		return r.write(patch, target+addend-patch, kind.size)
	case relocCopy:
		if !found || sym.Size == 0 {
			return nil
		}
		buf := make([]byte, sym.Size)
		if err := r.mem.Read(target, buf); err != nil {
			return fmt.Errorf("copy %s from %#x: %w", sym.Name, target, err)
		}
		return r.mem.Write(patch, buf)
	}
	return fmt.Errorf("%w: op %d", ErrUnknownRelocationType, kind.op)
}

// bind resolves sym to an address. Missing weak symbols bind to zero;
// missing strong ones are reported once and bound to the trap stub.
func (r *relocator) bind(sym Symbol, index uint32, isCopy bool) (uint64, bool, error) {
	if index == 0 {
		return 0, false, nil
	}
	var (
		res Resolution
		ok  bool
	)
	if isCopy {
		res, ok = r.reg.resolveCopy(sym.Name, r.m)
	} else {
		res, ok = r.reg.Resolve(sym.Name, r.m)
	}
	if ok {
		if !res.IFunc {
			return res.Addr, true, nil
		}
		v, err := r.exec.Call(res.Addr)
		if err != nil {
			return 0, false, fmt.Errorf("ifunc resolver for %s at %#x: %w", sym.Name, res.Addr, err)
		}
		return v, true, nil
	}

	if sym.Bind() == elf.STB_WEAK {
		level.Debug(r.logger).Log("msg", "weak symbol bound to zero", "err", UnresolvedSymbol{Module: r.m.Name(), Name: sym.Name, Weak: true})
		return 0, false, nil
	}
	if _, seen := r.reported[sym.Name]; !seen {
		r.reported[sym.Name] = struct{}{}
		r.diags.add(UnresolvedSymbol{Module: r.m.Name(), Name: sym.Name})
		level.Warn(r.logger).Log("msg", "unresolved symbol", "module", r.m.Name(), "symbol", sym.Name)
	}
	if isCopy {
		return 0, false, nil
	}
	if r.trapOverride != 0 {
		return r.trapOverride, false, nil
	}
	stub, err := r.reg.trapStub(r.m.Machine())
	if err != nil {
		return 0, false, err
	}
	return stub, false, nil
}

func (r *relocator) write(addr, v uint64, size uint8) error {
	if err := writeUint(r.mem, r.f, addr, v, size); err != nil {
		return fmt.Errorf("write relocation target %#x: %w", addr, err)
	}
	return nil
}
