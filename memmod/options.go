package memmod

import (
	"debug/elf"

	"github.com/go-kit/log"
)

type Options struct {
	Base BaseStrategy
	Map  MapOptions

	// Relocated says the dynamic section already holds runtime addresses,
	// as for an image another loader mapped.
	Relocated bool
	// ProtectRelro makes PT_GNU_RELRO read-only once relocation is done.
	ProtectRelro bool

	// Machines limits which e_machine values are accepted. Empty means
	// DefaultMachines.
	Machines []elf.Machine

	// Executor runs IFUNC resolvers and initializers.
	Executor Executor
	// TLSDescResolver is stored in the first word of every TLS descriptor.
	TLSDescResolver uint64
	// TrapStub, when set, replaces the registry's trap page as the target of
	// unresolved strong references.
	TrapStub uint64

	Logger log.Logger
}

func (o Options) logger() log.Logger {
	if o.Logger == nil {
		return log.NewNopLogger()
	}
	return o.Logger
}

func (o Options) executor() Executor {
	if o.Executor == nil {
		return noExecutor{}
	}
	return o.Executor
}

func (o Options) machines() []elf.Machine {
	if len(o.Machines) == 0 {
		return DefaultMachines
	}
	return o.Machines
}
