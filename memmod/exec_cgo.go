//go:build linux && cgo && (386 || amd64 || arm64)

package memmod

/*
#include <stdint.h>

typedef uintptr_t (*ldso_fn0)(void);

static uintptr_t ldso_call0(uintptr_t fn) {
	return ((ldso_fn0)fn)();
}
*/
import "C"

// NativeExecutor runs module code on the calling thread.
type NativeExecutor struct{}

func (NativeExecutor) Call(fn uint64) (uint64, error) {
	return uint64(C.ldso_call0(C.uintptr_t(fn))), nil
}
