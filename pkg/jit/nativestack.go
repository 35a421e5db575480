//go:build linux

package jit

import (
	stderrors "errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NativeStackSize is the usable size of the stacks generated code runs on
const NativeStackSize = 1 << 20

// NativeStack is an mmap'd System V stack for generated code and the native
// functions it calls. Goroutine stacks are small and moved by the runtime, so
// native frames never live on them. The lowest page is PROT_NONE: running off
// the end faults instead of writing into the neighbouring mapping.
type NativeStack struct {
	buffer []byte
	guard  int
}

// NewNativeStack maps a stack with at least size usable bytes above a guard page
func NewNativeStack(size int) (*NativeStack, error) {
	page := PageSize()
	size = (size + page - 1) &^ (page - 1)

	buffer, err := unix.Mmap(
		-1, 0,
		size+page,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_STACK,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d byte stack: %w", size+page, err)
	}
	if err := unix.Mprotect(buffer[:page], unix.PROT_NONE); err != nil {
		err = fmt.Errorf("failed to protect stack guard page: %w", err)
		return nil, stderrors.Join(err, unix.Munmap(buffer))
	}
	return &NativeStack{buffer: buffer, guard: page}, nil
}

// Bounds returns the usable range [lo, hi) of the stack, above the guard page
func (s *NativeStack) Bounds() (lo, hi uintptr) {
	base := uintptr(unsafe.Pointer(&s.buffer[0]))
	return base + uintptr(s.guard), base + uintptr(len(s.buffer))
}

// Guard returns the address of the inaccessible page below the stack
func (s *NativeStack) Guard() uintptr {
	return uintptr(unsafe.Pointer(&s.buffer[0]))
}

// Top is the initial stack pointer, 16-byte aligned as System V requires
// before a call.
func (s *NativeStack) Top() uintptr {
	_, hi := s.Bounds()
	return hi &^ 15
}

// Free unmaps the stack, guard page included
func (s *NativeStack) Free() error {
	if s.buffer == nil {
		return nil
	}
	err := unix.Munmap(s.buffer)
	s.buffer = nil
	return err
}

// nativeStacks recycles stacks between calls. A stack is held by exactly one
// call at a time, so concurrent calls never share one.
var nativeStacks struct {
	sync.Mutex
	free []*NativeStack
}

func acquireNativeStack() (*NativeStack, error) {
	nativeStacks.Lock()
	if n := len(nativeStacks.free); n > 0 {
		s := nativeStacks.free[n-1]
		nativeStacks.free = nativeStacks.free[:n-1]
		nativeStacks.Unlock()
		return s, nil
	}
	nativeStacks.Unlock()
	return NewNativeStack(NativeStackSize)
}

func releaseNativeStack(s *NativeStack) {
	nativeStacks.Lock()
	nativeStacks.free = append(nativeStacks.free, s)
	nativeStacks.Unlock()
}
