package memmod

import (
	"debug/elf"
	"errors"
	"fmt"
	"iter"
)

// Symbol is one entry of a module's dynamic symbol table.
type Symbol struct {
	Name    string
	NameOff uint32
	Value   uint64
	Size    uint64
	Info    uint8
	Other   uint8
	Section elf.SectionIndex

	// Addr is Value relocated by the module's load delta.
	Addr uint64
}

func (s Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s Symbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

// IsImport reports whether the symbol is defined elsewhere.
func (s Symbol) IsImport() bool {
	return (s.Value == 0 && s.Type() != elf.STT_TLS) || s.Section == elf.SHN_UNDEF
}

// symbolTable reads .dynsym and .dynstr straight out of mapped memory.
type symbolTable struct {
	mem    Memory
	f      format
	symtab uint64
	strtab uint64
	strsz  uint64
	syment uint64
	delta  uint64
}

var errNameOutOfRange = errors.New("symbol name outside string table")

func (st *symbolTable) symbol(i uint32) (Symbol, error) {
	buf := make([]byte, st.f.symSize())
	if err := st.mem.Read(st.symtab+uint64(i)*st.syment, buf); err != nil {
		return Symbol{}, fmt.Errorf("read symbol %d: %w", i, err)
	}
	sym := st.f.decodeSym(buf)
	sym.Addr = sym.Value + st.delta
	return sym, nil
}

// named reads symbol i along with its name.
func (st *symbolTable) named(i uint32) (Symbol, error) {
	sym, err := st.symbol(i)
	if err != nil {
		return Symbol{}, err
	}
	if uint64(sym.NameOff) >= st.strsz {
		return sym, errNameOutOfRange
	}
	sym.Name, err = st.str(sym.NameOff)
	return sym, err
}

func (st *symbolTable) str(off uint32) (string, error) {
	if uint64(off) >= st.strsz {
		return "", errNameOutOfRange
	}
	return readCString(st.mem, st.strtab+uint64(off), st.strsz-uint64(off))
}

// matches applies the lookup acceptance rule shared by both hash styles.
func (st *symbolTable) matches(i uint32, name string) (Symbol, bool) {
	sym, err := st.symbol(i)
	if err != nil || uint64(sym.NameOff) >= st.strsz {
		return Symbol{}, false
	}
	if sym.Value == 0 && sym.Type() != elf.STT_TLS {
		return Symbol{}, false
	}
	if sym.Type() > elf.STT_FUNC && sym.Type() != elf.STT_GNU_IFUNC {
		return Symbol{}, false
	}
	// Compare without reading further than len(name)+1 bytes.
	got, err := readCString(st.mem, st.strtab+uint64(sym.NameOff), min(st.strsz-uint64(sym.NameOff), uint64(len(name))+1))
	if err != nil || got != name {
		return Symbol{}, false
	}
	sym.Name = got
	return sym, true
}

// symbols walks the dynamic symbol table in hash order and stops at the
// first entry whose name offset is out of range.
func (m *Module) symbols() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		m.reg.mu.RLock()
		st, h := m.symtab, m.hash
		m.reg.mu.RUnlock()
		if st == nil || h == nil {
			return
		}
		for i := range h.indexes() {
			sym, err := st.named(i)
			if err != nil {
				return
			}
			if !yield(sym) {
				return
			}
		}
	}
}

// Exports yields symbols the module defines.
func (m *Module) Exports() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for sym := range m.symbols() {
			if !sym.IsImport() && !yield(sym) {
				return
			}
		}
	}
}

// Imports yields symbols the module expects another module to supply.
func (m *Module) Imports() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for sym := range m.symbols() {
			if sym.IsImport() && !yield(sym) {
				return
			}
		}
	}
}
