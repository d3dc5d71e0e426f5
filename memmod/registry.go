package memmod

import (
	"debug/elf"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
)

const resolveCacheSize = 4096

// pthreadsSoname marks the threads library, which may only supply names
// that mention pthread.
const pthreadsSoname = "libpthread"

var trapCode = map[elf.Machine][]byte{
	elf.EM_386:     {0x0f, 0x0b},             // ud2
	elf.EM_X86_64:  {0x0f, 0x0b},             // ud2
	elf.EM_ARM:     {0xf0, 0x00, 0xf0, 0xe7}, // udf #0
	elf.EM_AARCH64: {0x00, 0x00, 0x20, 0xd4}, // brk #0
}

// Resolution is where a symbol name was bound.
type Resolution struct {
	Addr   uint64
	IFunc  bool
	Module *Module
}

// Registry is the ordered set of loaded modules in one address space. Its
// lock also guards lazy completion of each module's dynamic info.
type Registry struct {
	mu        sync.RWMutex
	mem       Memory
	logger    log.Logger
	modules   []*Module
	cache     *lru.Cache[string, Resolution]
	tls       tlsAllocator
	trapStubs map[elf.Machine]uint64
}

func NewRegistry(mem Memory, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cache, err := lru.New[string, Resolution](resolveCacheSize)
	if err != nil {
		panic(err)
	}
	return &Registry{
		mem:       mem,
		logger:    logger,
		cache:     cache,
		trapStubs: make(map[elf.Machine]uint64),
	}
}

func (r *Registry) Memory() Memory {
	return r.mem
}

// Register appends m in load order and assigns its static TLS block.
func (r *Registry) Register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.modules, m) {
		return
	}
	if p := m.layout.Prog(elf.PT_TLS); p != nil && m.tls == nil {
		m.tls = r.tls.assign(p, m.mapping.Delta)
	}
	r.modules = append(r.modules, m)
	r.cache.Purge()
	level.Debug(r.logger).Log("msg", "registered module", "name", m.Name(), "base", hex(m.Base()), "end", hex(m.end))
}

func (r *Registry) Unregister(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.modules, m)
	if i < 0 {
		return
	}
	r.modules = slices.Delete(r.modules, i, i+1)
	r.cache.Purge()
	level.Debug(r.logger).Log("msg", "unregistered module", "name", m.Name())
}

// Modules returns a snapshot in load order.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.modules)
}

func (r *Registry) FindByPC(pc uint64) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.modules {
		if pc >= m.Base() && pc < m.end && m.mapping.Contains(pc) {
			return m, true
		}
	}
	return nil, false
}

// FindByName matches a soname or a path.
func (r *Registry) FindByName(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.modules {
		if m.dyn.Soname == name || m.path == name {
			return m, true
		}
	}
	return nil, false
}

// Resolve binds name for from: its own table first, then every module in
// load order. Load order stands in for dependency order.
func (r *Registry) Resolve(name string, from *Module) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if from != nil {
		if res, ok := from.lookupLocked(name); ok {
			return res, true
		}
	}
	if res, ok := r.cache.Get(name); ok {
		return res, true
	}
	res, ok := r.searchLocked(name, nil)
	if ok {
		r.cache.Add(name, res)
	}
	return res, ok
}

// resolveCopy binds the source of a COPY relocation, which never comes
// from the module being relocated.
func (r *Registry) resolveCopy(name string, from *Module) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.searchLocked(name, from)
}

func (r *Registry) searchLocked(name string, skip *Module) (Resolution, bool) {
	for _, m := range r.modules {
		if m == skip {
			continue
		}
		if strings.HasPrefix(m.dyn.Soname, pthreadsSoname) && !strings.Contains(name, "pthread") {
			continue
		}
		if res, ok := m.lookupLocked(name); ok {
			return res, true
		}
	}
	return Resolution{}, false
}

// CompleteDynamicInfo reads the dynamic section of a module that was only
// partially mapped at load. It is safe to call repeatedly and concurrently
// with lookups.
func (r *Registry) CompleteDynamicInfo(m *Module) bool {
	r.mu.RLock()
	ready := m.dyn.Ready
	r.mu.RUnlock()
	if ready {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.dyn.Ready {
		return true
	}
	m.end = m.Base() + m.layout.ImageSize()
	m.loadDynamic(0, false, m.opts.Relocated)
	r.cache.Purge()
	return m.dyn.Ready
}

// MaxTLSAlign is the largest alignment of any assigned TLS block.
func (r *Registry) MaxTLSAlign() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tls.maxAlign
}

// trapStub returns the address unresolved references are bound to, mapping
// one page of faulting code per machine on first use.
func (r *Registry) trapStub(machine elf.Machine) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr, ok := r.trapStubs[machine]; ok {
		return addr, nil
	}
	code, ok := trapCode[machine]
	if !ok {
		return 0, fmt.Errorf("%w: no trap stub for %v", ErrWrongArchitecture, machine)
	}
	addr, err := r.mem.Map(nil, pageSize, 0, 0, ProtRead|ProtWrite, MapCopyOnWrite)
	if err != nil {
		return 0, fmt.Errorf("map trap stub: %w", err)
	}
	if err := r.mem.Write(addr, code); err != nil {
		return 0, fmt.Errorf("write trap stub: %w", err)
	}
	if err := r.mem.Protect(addr, pageSize, ProtRead|ProtExec); err != nil {
		return 0, fmt.Errorf("protect trap stub: %w", err)
	}
	r.trapStubs[machine] = addr
	return addr, nil
}
