//go:build !linux

package jit

import (
	stderrors "errors"
	"os"
)

// ErrUnsupportedPlatform is returned where executable memory is unavailable.
// Code can still be generated and inspected through Bytes.
var ErrUnsupportedPlatform = stderrors.New("executable memory is only supported on linux")

// ExecutableMemory is a stub for non-Linux platforms
type ExecutableMemory struct{}

func PageSize() int {
	return os.Getpagesize()
}

func NewExecutableMemory(size int) (*ExecutableMemory, error) {
	return nil, ErrUnsupportedPlatform
}

func (em *ExecutableMemory) Writable() []byte     { return nil }
func (em *ExecutableMemory) Protect() error       { return ErrUnsupportedPlatform }
func (em *ExecutableMemory) BaseAddress() uintptr { return 0 }
func (em *ExecutableMemory) Free() error          { return nil }
