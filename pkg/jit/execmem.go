//go:build linux

package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExecutableMemory is one mmap'd region holding finalized code. It is mapped
// read+write, filled, then switched to read+execute exactly once.
type ExecutableMemory struct {
	buffer    []byte
	protected bool
}

// PageSize returns the granularity of executable mappings
func PageSize() int {
	return unix.Getpagesize()
}

// NewExecutableMemory maps size bytes of private anonymous read+write memory
func NewExecutableMemory(size int) (*ExecutableMemory, error) {
	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes: %w", size, err)
	}

	return &ExecutableMemory{buffer: buffer}, nil
}

// Writable returns the region for filling. It is nil once the region is
// executable.
func (em *ExecutableMemory) Writable() []byte {
	if em.protected {
		return nil
	}
	return em.buffer
}

// Protect switches the region to read+execute
func (em *ExecutableMemory) Protect() error {
	if em.protected {
		return fmt.Errorf("region at 0x%x is already executable", em.BaseAddress())
	}
	if err := unix.Mprotect(em.buffer, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("failed to mprotect %d bytes: %w", len(em.buffer), err)
	}
	em.protected = true
	return nil
}

// BaseAddress returns the base address of the region
func (em *ExecutableMemory) BaseAddress() uintptr {
	if len(em.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&em.buffer[0]))
}

// Free unmaps the region
func (em *ExecutableMemory) Free() error {
	if em.buffer == nil {
		return nil
	}

	err := unix.Munmap(em.buffer)
	em.buffer = nil
	return err
}
