package memmod

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrDynamicUnavailable = errors.New("dynamic section not mapped")
)

// Module is one ELF image placed in a registry's address space.
type Module struct {
	reg     *Registry
	path    string
	name    string
	layout  *Layout
	mapping *Mapping
	f       format
	opts    Options
	logger  log.Logger

	// attached modules were mapped by someone else and are never unmapped.
	attached bool

	// Guarded by reg.mu once registered.
	end    uint64
	dyn    *DynamicInfo
	symtab *symbolTable
	hash   HashTable
	tls    *TLS

	relocated bool
	diags     Diagnostics
}

// Load maps the image in src into the registry's memory, registers it and
// binds its relocations. When the dynamic section falls outside what was
// mapped, the module is returned registered but unrelocated; the caller
// finishes the mapping, then calls Registry.CompleteDynamicInfo and
// Relocate.
func Load(reg *Registry, src io.ReaderAt, path string, opts Options) (*Module, error) {
	logger := opts.logger()
	l, err := ParseLayout(src)
	if err != nil {
		return nil, err
	}
	if err := checkMachine(l, opts); err != nil {
		return nil, err
	}

	mapping, err := MapSegments(reg.mem, src, l, opts.Base, opts.Map, logger)
	if err != nil {
		return nil, err
	}
	m := newModule(reg, path, l, mapping, opts)
	m.loadDynamic(mapping.ImageSize, true, false)
	reg.Register(m)

	if !m.dyn.Ready {
		level.Info(logger).Log("msg", "relocation deferred until dynamic section is mapped", "module", m.name)
		return m, nil
	}
	if err := m.Relocate(); err != nil {
		if uerr := m.Unload(); uerr != nil {
			err = multierror.Append(err, uerr)
		}
		return nil, err
	}
	return m, nil
}

// Attach registers an image another loader already mapped at base, of which
// the first mappedSize bytes are accessible. Nothing is remapped or
// relocated.
func Attach(reg *Registry, base, mappedSize uint64, path string, opts Options) (*Module, error) {
	src := io.NewSectionReader(memReader{reg.mem}, int64(base), int64(mappedSize))
	if !IsELFHeader(src, true, opts.machines()) {
		return nil, fmt.Errorf("%w: no loadable image at %#x", ErrInvalidHeader, base)
	}
	l, err := ParseLayout(src)
	if err != nil {
		return nil, err
	}
	if err := checkMachine(l, opts); err != nil {
		return nil, err
	}

	mapping := &Mapping{Base: base, Delta: base - l.PreferredBase, ImageSize: l.ImageSize()}
	for _, p := range l.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := max(alignDown(p.Vaddr, pageSize)+mapping.Delta, mapping.lastEnd())
		end := alignUp(p.Vaddr+p.Memsz, pageSize) + mapping.Delta
		if end > start {
			mapping.Segments = append(mapping.Segments, Segment{Start: start, End: end, Prot: protFromFlags(p.Flags), Offset: alignDown(p.Off, pageSize)})
		}
	}

	m := newModule(reg, path, l, mapping, opts)
	m.attached = true
	m.relocated = true
	var view uint64
	if IsPartialMap(l, mappedSize) {
		view = alignUp(mappedSize, pageSize)
		m.end = base + view
	}
	m.loadDynamic(view, false, opts.Relocated)
	reg.Register(m)
	return m, nil
}

func checkMachine(l *Layout, opts Options) error {
	if !slices.Contains(opts.machines(), l.Header.Machine) {
		return fmt.Errorf("%w: %v not accepted", ErrWrongArchitecture, l.Header.Machine)
	}
	if _, ok := relocKinds[l.Header.Machine]; !ok {
		return fmt.Errorf("%w: no relocation support for %v", ErrWrongArchitecture, l.Header.Machine)
	}
	return nil
}

func newModule(reg *Registry, path string, l *Layout, mapping *Mapping, opts Options) *Module {
	return &Module{
		reg:     reg,
		path:    path,
		name:    filepath.Base(path),
		layout:  l,
		mapping: mapping,
		f:       l.Header.format,
		opts:    opts,
		logger:  opts.logger(),
		end:     mapping.End(),
	}
}

func (m *Mapping) lastEnd() uint64 {
	if len(m.Segments) == 0 {
		return m.Base
	}
	return m.Segments[len(m.Segments)-1].End
}

// loadDynamic fills dyn, the symbol table and the hash table. view limits
// pointer validation to the mapped prefix of the image.
func (m *Module) loadDynamic(view uint64, atMap, relocated bool) {
	prog := m.layout.Prog(elf.PT_DYNAMIC)
	if prog == nil {
		m.dyn = &DynamicInfo{Ready: true}
		return
	}
	v := dynamicView{
		base:      m.Base(),
		size:      m.layout.ImageSize(),
		delta:     m.mapping.Delta,
		view:      view,
		atMap:     atMap,
		relocated: relocated,
	}
	m.dyn = readDynamic(m.reg.mem, m.f, prog.Vaddr+m.mapping.Delta, prog.Memsz, v, m.logger)
	if !m.dyn.Ready {
		return
	}
	if m.dyn.Soname != "" {
		if m.name == "" || m.name == "." {
			m.name = m.dyn.Soname
		}
	}
	if m.dyn.Symtab == 0 || m.dyn.Strtab == 0 {
		return
	}

	syment := m.dyn.Syment
	if syment == 0 {
		syment = m.f.symSize()
	}
	m.symtab = &symbolTable{
		mem:    m.reg.mem,
		f:      m.f,
		symtab: m.dyn.Symtab,
		strtab: m.dyn.Strtab,
		strsz:  m.dyn.Strsz,
		syment: syment,
		delta:  m.mapping.Delta,
	}
	limit := m.Base() + m.layout.ImageSize()
	switch {
	case m.dyn.GNUHash != 0:
		h, err := newGNUHash(m.symtab, m.dyn.GNUHash, limit)
		if err != nil {
			level.Warn(m.logger).Log("msg", "ignoring gnu hash table", "module", m.name, "err", err)
			return
		}
		m.hash = h
	case m.dyn.Hash != 0:
		h, err := newSysvHash(m.symtab, m.dyn.Hash, limit)
		if err != nil {
			level.Warn(m.logger).Log("msg", "ignoring hash table", "module", m.name, "err", err)
			return
		}
		m.hash = h
	}
}

// Relocate binds the module's relocations. It runs once; later calls are
// no-ops.
func (m *Module) Relocate() error {
	m.reg.mu.RLock()
	dyn := m.dyn
	m.reg.mu.RUnlock()
	if !dyn.Ready {
		return fmt.Errorf("relocate %s: %w", m.name, ErrDynamicUnavailable)
	}
	if m.relocated {
		return nil
	}

	if dyn.TextRel {
		if err := m.protectText(true); err != nil {
			return err
		}
	}
	r := &relocator{
		m:               m,
		reg:             m.reg,
		mem:             m.reg.mem,
		f:               m.f,
		dyn:             dyn,
		kinds:           relocKinds[m.Machine()],
		exec:            m.opts.executor(),
		logger:          m.logger,
		delta:           m.mapping.Delta,
		tlsDescResolver: m.opts.TLSDescResolver,
		trapOverride:    m.opts.TrapStub,
		diags:           &m.diags,
		reported:        make(map[string]struct{}),
	}
	if p := m.layout.Prog(elf.PT_DYNAMIC); p != nil {
		r.dynStart = p.Vaddr + m.mapping.Delta
		r.dynEnd = r.dynStart + p.Memsz
	}
	err := r.run()
	if dyn.TextRel {
		if perr := m.protectText(false); perr != nil && err == nil {
			err = perr
		}
	}
	if err != nil {
		return fmt.Errorf("relocate %s: %w", m.name, err)
	}
	m.relocated = true

	if m.opts.ProtectRelro && m.mapping.RelroEnd > m.mapping.RelroStart {
		if err := m.reg.mem.Protect(m.mapping.RelroStart, m.mapping.RelroEnd-m.mapping.RelroStart, ProtRead); err != nil {
			return fmt.Errorf("protect relro of %s: %w", m.name, err)
		}
	}
	return nil
}

// protectText toggles write access on read-only segments for text
// relocations.
func (m *Module) protectText(writable bool) error {
	for _, s := range m.mapping.Segments {
		if s.Prot&ProtWrite != 0 {
			continue
		}
		prot := s.Prot
		if writable {
			prot |= ProtWrite
		}
		if err := m.reg.mem.Protect(s.Start, s.End-s.Start, prot); err != nil {
			return fmt.Errorf("protect text of %s: %w", m.name, err)
		}
	}
	return nil
}

// Lookup searches only this module's hash table.
func (m *Module) Lookup(name string) (Resolution, bool) {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()

	return m.lookupLocked(name)
}

func (m *Module) lookupLocked(name string) (Resolution, bool) {
	if m.hash == nil {
		return Resolution{}, false
	}
	sym, ok := m.hash.Lookup(name)
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Addr: sym.Addr, IFunc: sym.Type() == elf.STT_GNU_IFUNC, Module: m}, true
}

// ProcAddress returns the runtime address of an exported name, running its
// resolver first if it is an IFUNC.
func (m *Module) ProcAddress(name string) (uint64, error) {
	res, ok := m.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, m.name)
	}
	if !res.IFunc {
		return res.Addr, nil
	}
	addr, err := m.opts.executor().Call(res.Addr)
	if err != nil {
		return 0, fmt.Errorf("ifunc resolver for %s: %w", name, err)
	}
	return addr, nil
}

// RunInitializers calls DT_INIT and then each DT_INIT_ARRAY entry.
func (m *Module) RunInitializers() error {
	dyn := m.Dynamic()
	exec := m.opts.executor()
	if dyn.Init != 0 {
		if _, err := exec.Call(dyn.Init); err != nil {
			return fmt.Errorf("init of %s: %w", m.name, err)
		}
	}
	fns, err := m.readArray(dyn.InitArray)
	if err != nil {
		return err
	}
	for _, fn := range fns {
		if _, err := exec.Call(fn); err != nil {
			return fmt.Errorf("init_array of %s: %w", m.name, err)
		}
	}
	return nil
}

// RunFinalizers calls DT_FINI_ARRAY in reverse and then DT_FINI.
func (m *Module) RunFinalizers() error {
	dyn := m.Dynamic()
	exec := m.opts.executor()
	fns, err := m.readArray(dyn.FiniArray)
	if err != nil {
		return err
	}
	for _, fn := range slices.Backward(fns) {
		if _, err := exec.Call(fn); err != nil {
			return fmt.Errorf("fini_array of %s: %w", m.name, err)
		}
	}
	if dyn.Fini != 0 {
		if _, err := exec.Call(dyn.Fini); err != nil {
			return fmt.Errorf("fini of %s: %w", m.name, err)
		}
	}
	return nil
}

// readArray returns the callable entries of a function pointer array; 0 and
// -1 are placeholders.
func (m *Module) readArray(t Table) ([]uint64, error) {
	if t.Addr == 0 || t.Size == 0 {
		return nil, nil
	}
	ws := m.f.wordSize()
	raw := make([]byte, t.Size)
	if err := m.reg.mem.Read(t.Addr, raw); err != nil {
		return nil, fmt.Errorf("read function array of %s: %w", m.name, err)
	}
	allOnes := ^uint64(0) >> (64 - 8*ws)
	var out []uint64
	for off := uint64(0); off+ws <= t.Size; off += ws {
		if fn := m.f.word(raw[off:]); fn != 0 && fn != allOnes {
			out = append(out, fn)
		}
	}
	return out, nil
}

// Unload removes the module from its registry and releases its
// reservation. Static TLS space is not reclaimed.
func (m *Module) Unload() error {
	m.reg.Unregister(m)
	if m.attached || m.mapping.ReservedSize == 0 {
		return nil
	}
	if err := m.reg.mem.Unmap(m.mapping.Base, m.mapping.ReservedSize); err != nil {
		return fmt.Errorf("unmap %s: %w", m.name, err)
	}
	return nil
}

func (m *Module) Path() string {
	return m.path
}

// Name is the file name the module was loaded from, or its soname.
func (m *Module) Name() string {
	return m.name
}

func (m *Module) Base() uint64 {
	return m.mapping.Base
}

func (m *Module) End() uint64 {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()

	return m.end
}

func (m *Module) Delta() uint64 {
	return m.mapping.Delta
}

func (m *Module) Entry() uint64 {
	return m.layout.Header.Entry + m.mapping.Delta
}

func (m *Module) Machine() elf.Machine {
	return m.layout.Header.Machine
}

func (m *Module) Class() elf.Class {
	return m.layout.Header.Class
}

func (m *Module) Layout() *Layout {
	return m.layout
}

func (m *Module) Segments() []Segment {
	return slices.Clone(m.mapping.Segments)
}

func (m *Module) Contiguous() bool {
	return m.mapping.Contiguous()
}

// Dynamic returns a copy of the decoded dynamic section.
func (m *Module) Dynamic() DynamicInfo {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()

	d := *m.dyn
	d.Needed = slices.Clone(d.Needed)
	return d
}

// HashKind is "gnu", "sysv", or empty when the module has no hash table.
func (m *Module) HashKind() string {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()

	if m.hash == nil {
		return ""
	}
	return m.hash.Kind()
}

func (m *Module) TLS() (TLS, bool) {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()

	if m.tls == nil {
		return TLS{}, false
	}
	return *m.tls, true
}

func (m *Module) Relocated() bool {
	return m.relocated
}

func (m *Module) Diagnostics() *Diagnostics {
	return &m.diags
}
