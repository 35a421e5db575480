//go:build linux && amd64

// Package asm provides pure Go assembly routines for entering generated code.
// This is a separate package so the assembly stays apart from the encoder.
package asm

// CallNative calls generated code using the System V AMD64 calling convention.
// fn: entry address of the code
// args: integer arguments loaded into RDI, RSI, RDX, RCX, R8, R9
// stack: 16-byte aligned top of the stack the code runs on
// Returns: RAX
//
//go:noescape
func CallNative(fn uintptr, args *[6]uint64, stack uintptr) uint64
