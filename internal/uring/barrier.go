//go:build linux && cgo

package uring

/*
#include <stdint.h>

// x86-64 store fence to ensure all prior stores are globally visible
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence (x86 SFENCE instruction), ensuring every SQE
// write prepared since the last flush is globally visible before
// FlushSubmissions publishes the new tail.
func Sfence() {
	C.sfence_impl()
}
