package jit

import (
	stderrors "errors"
	"fmt"
	"log"
	"math"

	"jitbox/pkg/errors"
)

var (
	ErrFinalized        = stderrors.New("code generator is finalized")
	ErrAlreadyFinalized = stderrors.New("code generator already finalized")
	ErrNotFinalized     = stderrors.New("code generator not finalized")
	ErrRelocationRange  = stderrors.New("relocation target out of rel32 range")
)

// CodeGenerator is the emission contract every target architecture implements.
// One instance backs exactly one function: it owns the code buffer, the
// register allocator and, once finalized, the executable mapping.
type CodeGenerator interface {
	AllocParam(name string, t ValueType) (*Value, error)
	AllocLocal(name string, t ValueType) (*Value, error)
	AllocConstant(t ValueType, v int64) (*Value, error)
	Release(v *Value) error

	// LabelOffset associates name with the offset of the next instruction.
	LabelOffset(name string) (int, error)
	Offset() int

	MovImm(dst Register, v int64) error
	Mov(dst, src Register) error
	MovAddr(dst Register, addr uintptr) error
	CallReg(reg Register) error
	Call(addr uintptr) error
	CallNear(addr uintptr) error
	Add(lhs, rhs *Value) (*Value, error)
	Sub(lhs, rhs *Value) (*Value, error)
	Mul(lhs, rhs *Value) (*Value, error)
	Div(lhs, rhs *Value) (*Value, error)
	ReturnRegister() Register
	Ret() error
	RetValue(v *Value) error

	Finalize() error
	Finalized() bool
	Code() uintptr
	Run() (uint64, error)
	Invoke(args ...uint64) (uint64, error)
	Bytes() []byte
	Free() error

	// SetLogger enables the instruction trace; nil disables it.
	SetLogger(l *log.Logger)
}

// RelocationKind selects how a relocation field is rewritten
type RelocationKind uint8

const (
	// RelocRel32 is the 4-byte displacement of a near call, relative to the
	// end of the field.
	RelocRel32 RelocationKind = iota
)

// Relocation is a pending patch of the code buffer at Offset
type Relocation struct {
	Offset int
	Target uintptr
	Kind   RelocationKind
}

// codeBuffer is the architecture independent half of a code generator
type codeBuffer struct {
	code      []byte
	labels    map[string]int
	relocs    []Relocation
	mem       *ExecutableMemory
	finalized bool
	logger    *log.Logger
}

// Offset returns the offset of the next emitted byte
func (b *codeBuffer) Offset() int {
	return len(b.code)
}

// Bytes returns the emitted code
func (b *codeBuffer) Bytes() []byte {
	return b.code
}

func (b *codeBuffer) Finalized() bool {
	return b.finalized
}

func (b *codeBuffer) SetLogger(l *log.Logger) {
	b.logger = l
}

// Relocations returns the pending relocations
func (b *codeBuffer) Relocations() []Relocation {
	return b.relocs
}

func (b *codeBuffer) writable() error {
	if b.finalized {
		return ErrFinalized
	}
	return nil
}

// emit appends raw bytes
func (b *codeBuffer) emit(bytes ...byte) {
	b.code = append(b.code, bytes...)
}

// emitInstruction appends the low size bytes of instr, most significant first
func (b *codeBuffer) emitInstruction(instr uint64, size int) {
	for i := size - 1; i >= 0; i-- {
		b.code = append(b.code, byte(instr>>(uint(i)*8)))
	}
}

// emitValue appends the low size bytes of v, least significant first
func (b *codeBuffer) emitValue(v uint64, size int) {
	for i := 0; i < size; i++ {
		b.code = append(b.code, byte(v>>(uint(i)*8)))
	}
}

func (b *codeBuffer) emitAddress(addr uintptr) {
	b.emitValue(uint64(addr), 8)
}

// LabelOffset records the current offset under name
func (b *codeBuffer) LabelOffset(name string) (int, error) {
	if err := b.writable(); err != nil {
		return 0, err
	}
	if _, exists := b.labels[name]; exists {
		return 0, errors.ContractErrorf("label %q already defined", name)
	}
	if b.labels == nil {
		b.labels = make(map[string]int)
	}
	offset := b.Offset()
	b.labels[name] = offset
	return offset, nil
}

// addRelocation records that the 4 bytes at offset must point at target
func (b *codeBuffer) addRelocation(offset int, target uintptr) {
	b.relocs = append(b.relocs, Relocation{Offset: offset, Target: target, Kind: RelocRel32})
}

// Finalize copies the code into freshly mapped pages, resolves relocations
// against the final address and makes the pages read+execute. It succeeds
// at most once.
func (b *codeBuffer) Finalize() error {
	if b.finalized {
		return ErrAlreadyFinalized
	}
	if len(b.code) == 0 {
		return errors.ContractErrorf("finalizing an empty code buffer")
	}

	pageSize := PageSize()
	pages := (len(b.code) + pageSize - 1) / pageSize

	mem, err := NewExecutableMemory(pages * pageSize)
	if err != nil {
		return err
	}
	buf := mem.Writable()
	copy(buf, b.code)

	if err := applyRelocations(buf, mem.BaseAddress(), b.relocs); err != nil {
		return stderrors.Join(err, mem.Free())
	}
	if err := mem.Protect(); err != nil {
		return stderrors.Join(err, mem.Free())
	}

	b.mem = mem
	b.finalized = true
	return nil
}

// applyRelocations rewrites every rel32 field in code, which will execute at base
func applyRelocations(code []byte, base uintptr, relocs []Relocation) error {
	for _, r := range relocs {
		if r.Offset < 0 || r.Offset+4 > len(code) {
			return fmt.Errorf("relocation at offset %d outside %d byte buffer", r.Offset, len(code))
		}
		patch := int64(base) + int64(r.Offset)
		disp := int64(r.Target) - (patch + 4)
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return fmt.Errorf("call to 0x%x from 0x%x: %w", r.Target, patch, ErrRelocationRange)
		}
		u := uint32(int32(disp))
		code[r.Offset] = byte(u)
		code[r.Offset+1] = byte(u >> 8)
		code[r.Offset+2] = byte(u >> 16)
		code[r.Offset+3] = byte(u >> 24)
	}
	return nil
}

// Code returns the entry address of the finalized code, or 0 before Finalize
func (b *codeBuffer) Code() uintptr {
	if !b.finalized || b.mem == nil {
		return 0
	}
	return b.mem.BaseAddress()
}

// Run calls the finalized code without arguments and returns rax
func (b *codeBuffer) Run() (uint64, error) {
	return b.Invoke()
}

// Invoke calls the finalized code with up to six integer arguments
func (b *codeBuffer) Invoke(args ...uint64) (uint64, error) {
	if !b.finalized {
		return 0, ErrNotFinalized
	}
	if b.mem == nil {
		return 0, fmt.Errorf("invoking freed code: %w", ErrNotFinalized)
	}
	return CallNative(b.mem.BaseAddress(), args...)
}

// Free unmaps the executable region. The generator stays finalized.
func (b *codeBuffer) Free() error {
	if b.mem == nil {
		return nil
	}
	err := b.mem.Free()
	b.mem = nil
	return err
}
