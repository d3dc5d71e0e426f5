package ldso

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/sliverarmory/ldso/memmod"
	"github.com/xyproto/env/v2"
)

var ErrHandleClosed = errors.New("ldso: module handle is closed")

// Runtime is one address space and the modules loaded into it.
type Runtime struct {
	mu       sync.Mutex
	registry *memmod.Registry
	handles  map[*memmod.Module]*Handle
	logger   log.Logger
}

type Handle struct {
	mu     sync.RWMutex
	rt     *Runtime
	module *memmod.Module
	closed bool
}

func New(mem memmod.Memory, logger log.Logger) *Runtime {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Runtime{
		registry: memmod.NewRegistry(mem, logger),
		handles:  make(map[*memmod.Module]*Handle),
		logger:   logger,
	}
}

// NewSimulated returns a runtime backed by a fresh simulated address space.
func NewSimulated(logger log.Logger) *Runtime {
	return New(memmod.NewAddressSpace(), logger)
}

// NewNative returns a runtime that maps into the current process.
func NewNative(logger log.Logger) (*Runtime, error) {
	mem, err := memmod.NewNativeMemory()
	if err != nil {
		return nil, fmt.Errorf("ldso: native memory: %w", err)
	}
	return New(mem, logger), nil
}

// DefaultOptions returns load options seeded from LDSO_* environment
// variables.
func DefaultOptions() memmod.Options {
	env.Load()
	opts := memmod.Options{ProtectRelro: true}
	opts.Map.SeparateBSS = env.Bool("LDSO_SEPARATE_BSS")
	if base := env.Str("LDSO_BASE"); base != "" {
		if v, err := strconv.ParseUint(base, 0, 64); err == nil {
			opts.Base = memmod.BaseStrategy{Addr: v, Fixed: true}
		}
	}
	return opts
}

func (rt *Runtime) Registry() *memmod.Registry {
	return rt.registry
}

// LoadFile maps a module from disk. Native memories map the file itself.
func (rt *Runtime) LoadFile(path string, opts memmod.Options) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ldso: open module file: %w", err)
	}
	defer f.Close()

	if opts.Logger == nil {
		opts.Logger = rt.logger
	}
	module, err := memmod.Load(rt.registry, f, path, opts)
	if err != nil {
		return nil, fmt.Errorf("ldso: load %s: %w", path, err)
	}
	return rt.handle(module), nil
}

// LoadBytes maps a module image held in memory.
func (rt *Runtime) LoadBytes(name string, data []byte, opts memmod.Options) (*Handle, error) {
	if len(data) == 0 {
		return nil, errors.New("ldso: empty module image")
	}
	if opts.Logger == nil {
		opts.Logger = rt.logger
	}
	module, err := memmod.Load(rt.registry, bytes.NewReader(data), name, opts)
	if err != nil {
		return nil, fmt.Errorf("ldso: load %s: %w", name, err)
	}
	return rt.handle(module), nil
}

// Attach registers an image that is already mapped at base.
func (rt *Runtime) Attach(base, mappedSize uint64, path string, opts memmod.Options) (*Handle, error) {
	if opts.Logger == nil {
		opts.Logger = rt.logger
	}
	module, err := memmod.Attach(rt.registry, base, mappedSize, path, opts)
	if err != nil {
		return nil, fmt.Errorf("ldso: attach %s: %w", path, err)
	}
	return rt.handle(module), nil
}

// ModuleForPC returns the handle of the module whose segments hold pc.
func (rt *Runtime) ModuleForPC(pc uint64) (*Handle, bool) {
	module, ok := rt.registry.FindByPC(pc)
	if !ok {
		return nil, false
	}
	return rt.handle(module), true
}

// Resolve looks name up across all modules in load order.
func (rt *Runtime) Resolve(name string) (uint64, bool) {
	res, ok := rt.registry.Resolve(name, nil)
	return res.Addr, ok
}

// Handles returns the open handles in load order.
func (rt *Runtime) Handles() []*Handle {
	modules := rt.registry.Modules()
	out := make([]*Handle, 0, len(modules))
	for _, m := range modules {
		out = append(out, rt.handle(m))
	}
	return out
}

func (rt *Runtime) handle(module *memmod.Module) *Handle {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if h, ok := rt.handles[module]; ok {
		return h
	}
	h := &Handle{rt: rt, module: module}
	rt.handles[module] = h
	return h
}

func (rt *Runtime) forget(module *memmod.Module) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	delete(rt.handles, module)
}

// ProcAddress resolves an exported symbol of this module.
func (handle *Handle) ProcAddress(name string) (uint64, error) {
	handle.mu.RLock()
	defer handle.mu.RUnlock()

	if handle.closed {
		return 0, ErrHandleClosed
	}
	addr, err := handle.module.ProcAddress(name)
	if err != nil {
		return 0, fmt.Errorf("ldso: proc address %q: %w", name, err)
	}
	return addr, nil
}

func (handle *Handle) Exports() ([]memmod.Symbol, error) {
	handle.mu.RLock()
	defer handle.mu.RUnlock()

	if handle.closed {
		return nil, ErrHandleClosed
	}
	return slices.Collect(handle.module.Exports()), nil
}

func (handle *Handle) Imports() ([]memmod.Symbol, error) {
	handle.mu.RLock()
	defer handle.mu.RUnlock()

	if handle.closed {
		return nil, ErrHandleClosed
	}
	return slices.Collect(handle.module.Imports()), nil
}

// Module returns the underlying module, or nil once closed.
func (handle *Handle) Module() *memmod.Module {
	handle.mu.RLock()
	defer handle.mu.RUnlock()

	if handle.closed {
		return nil
	}
	return handle.module
}

// TLSBlockSize is zero for modules without PT_TLS.
func (handle *Handle) TLSBlockSize() uint64 {
	t, _ := handle.TLS()
	return t.BlockSize
}

func (handle *Handle) TLSAlign() uint64 {
	t, _ := handle.TLS()
	return t.Align
}

func (handle *Handle) TLSOffset() uint64 {
	t, _ := handle.TLS()
	return t.Offset
}

// TLS reports the module's static TLS block, if it has one.
func (handle *Handle) TLS() (memmod.TLS, bool) {
	handle.mu.RLock()
	defer handle.mu.RUnlock()

	if handle.closed {
		return memmod.TLS{}, false
	}
	return handle.module.TLS()
}

// Diagnostics returns the unresolved references recorded while binding.
func (handle *Handle) Diagnostics() error {
	handle.mu.RLock()
	defer handle.mu.RUnlock()

	if handle.closed {
		return ErrHandleClosed
	}
	return handle.module.Diagnostics().Err()
}

// Close unloads the module.
func (handle *Handle) Close() error {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.closed {
		return nil
	}
	handle.closed = true
	handle.rt.forget(handle.module)
	if err := handle.module.Unload(); err != nil {
		return fmt.Errorf("ldso: unload: %w", err)
	}
	return nil
}
