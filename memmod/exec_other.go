//go:build !(linux && cgo && (386 || amd64 || arm64))

package memmod

// NativeExecutor needs cgo on linux; elsewhere it refuses to run code.
type NativeExecutor struct{}

func (NativeExecutor) Call(fn uint64) (uint64, error) {
	return 0, ErrNoExecutor
}
