package jit

import (
	"fmt"

	"jitbox/pkg/errors"
)

// ValueType is the primitive type of a Value
type ValueType uint8

const (
	I8 ValueType = iota
	U8
	I16
	U16
	I32
	U32
	I64
	U64
	F32
	F64
	Pointer
	Void
)

var valueTypeNames = [...]string{
	I8:      "i8",
	U8:      "u8",
	I16:     "i16",
	U16:     "u16",
	I32:     "i32",
	U32:     "u32",
	I64:     "i64",
	U64:     "u64",
	F32:     "f32",
	F64:     "f64",
	Pointer: "pointer",
	Void:    "void",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("ValueType(%d)", uint8(t))
}

// Size returns the storage width in bytes
func (t ValueType) Size() int {
	switch t {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64, Pointer:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether t is one of the integer types I8..U64
func (t ValueType) IsInteger() bool {
	return t <= U64
}

// IsSigned reports whether t is a signed integer type
func (t ValueType) IsSigned() bool {
	switch t {
	case I8, I16, I32, I64:
		return true
	}
	return false
}

// RegisterFlag describes what a physical register may be allocated for
type RegisterFlag uint16

const (
	FlagGeneralPurpose RegisterFlag = 1 << iota
	// holds temporaries produced by arithmetic
	FlagTemp
	// receives function return values
	FlagReturn
	// passes arguments into functions
	FlagParameter
	// callee-saved; only handed out when asked for explicitly
	FlagPreserved
)

func (f RegisterFlag) String() string {
	names := []string{"gp", "temp", "ret", "param", "preserved"}
	s := ""
	for i, name := range names {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Register is a physical register descriptor from an architecture table
type Register struct {
	Index uint16
	Flags RegisterFlag
}

// Has reports whether the register carries any of the flags in mask
func (r Register) Has(mask RegisterFlag) bool {
	return r.Flags&mask != 0
}

// StorageKind tags the storage binding of a Value
type StorageKind uint8

const (
	Unbound StorageKind = iota
	InRegister
	OnStack
)

func (k StorageKind) String() string {
	switch k {
	case Unbound:
		return "unbound"
	case InRegister:
		return "register"
	case OnStack:
		return "stack"
	}
	return fmt.Sprintf("StorageKind(%d)", uint8(k))
}

// Storage is where a Value currently lives. Reg is meaningful only for
// InRegister, Offset only for OnStack.
type Storage struct {
	Kind   StorageKind
	Reg    Register
	Offset int
}

// Value is a named, typed program datum bound to storage by a StorageAllocator.
type Value struct {
	name      string
	valueType ValueType
	storage   Storage
	owner     *StorageAllocator
	id        int // arena index within owner
}

func (v *Value) Name() string         { return v.name }
func (v *Value) Type() ValueType      { return v.valueType }
func (v *Value) Storage() StorageKind { return v.storage.Kind }

// Register returns the register the Value is bound to
func (v *Value) Register() (Register, error) {
	if v.storage.Kind != InRegister {
		return Register{}, errors.ContractErrorf("value %q is %s, not in a register", v.name, v.storage.Kind)
	}
	return v.storage.Reg, nil
}

// StackOffset returns the stack slot offset the Value is bound to
func (v *Value) StackOffset() (int, error) {
	if v.storage.Kind != OnStack {
		return 0, errors.ContractErrorf("value %q is %s, not on the stack", v.name, v.storage.Kind)
	}
	return v.storage.Offset, nil
}

func (v *Value) String() string {
	switch v.storage.Kind {
	case InRegister:
		return fmt.Sprintf("%s:%s@r%d", v.name, v.valueType, v.storage.Reg.Index)
	case OnStack:
		return fmt.Sprintf("%s:%s@[sp%+d]", v.name, v.valueType, v.storage.Offset)
	}
	return fmt.Sprintf("%s:%s", v.name, v.valueType)
}
