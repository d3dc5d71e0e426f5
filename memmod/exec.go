package memmod

import "errors"

var ErrNoExecutor = errors.New("no executor configured for module code")

// Executor calls a zero-argument function inside a loaded module and returns
// its result. IFUNC resolvers and initializers run through it.
type Executor interface {
	Call(fn uint64) (uint64, error)
}

type ExecutorFunc func(fn uint64) (uint64, error)

func (f ExecutorFunc) Call(fn uint64) (uint64, error) {
	return f(fn)
}

type noExecutor struct{}

func (noExecutor) Call(uint64) (uint64, error) {
	return 0, ErrNoExecutor
}
