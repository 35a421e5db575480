//go:build !linux || !amd64

package jit

import "fmt"

const MaxNativeArgs = 6

// CallNative is unavailable off linux/amd64; generated code is x86-64 System V only.
func CallNative(fn uintptr, args ...uint64) (uint64, error) {
	return 0, fmt.Errorf("calling native code at 0x%x: only supported on linux/amd64", fn)
}
