//go:build !(linux && cgo)

package uring

// Sfence is a no-op on builds without cgo: the store-fence instruction
// backing barrier.go's implementation is only reachable through cgo.
func Sfence() {}
