//go:build linux && amd64

package jit

import (
	"fmt"

	"jitbox/pkg/jit/asm"
)

// MaxNativeArgs is the number of integer arguments passed in registers
const MaxNativeArgs = 6

// CallNative calls native code at fn with up to six integer arguments and
// returns RAX. fn must follow the System V AMD64 calling convention. The call
// runs on a pooled NativeStack, never on the goroutine stack.
func CallNative(fn uintptr, args ...uint64) (uint64, error) {
	stack, err := acquireNativeStack()
	if err != nil {
		return 0, fmt.Errorf("calling native code at 0x%x: %w", fn, err)
	}
	defer releaseNativeStack(stack)
	return CallNativeOn(stack, fn, args...)
}

// CallNativeOn is CallNative on a caller-owned stack. The stack must not be
// used by another call at the same time.
func CallNativeOn(stack *NativeStack, fn uintptr, args ...uint64) (uint64, error) {
	if fn == 0 {
		return 0, fmt.Errorf("calling native code at nil address")
	}
	if len(args) > MaxNativeArgs {
		return 0, fmt.Errorf("calling native code with %d arguments, at most %d fit in registers", len(args), MaxNativeArgs)
	}
	if stack == nil || stack.buffer == nil {
		return 0, fmt.Errorf("calling native code at 0x%x without a stack", fn)
	}
	var regs [MaxNativeArgs]uint64
	copy(regs[:], args)
	return asm.CallNative(fn, &regs, stack.Top()), nil
}
