package jitbox

import (
	"maps"

	"golang.org/x/crypto/blake2b"

	"jitbox/pkg/errors"
	"jitbox/pkg/jit"
)

// Function builds one native function. Every builder call is encoded
// immediately by the function's own code generator; registers are never
// shared with other functions.
type Function struct {
	name       string
	returnType jit.ValueType
	params     []*jit.Value
	labels     map[string]int
	gen        jit.CodeGenerator
}

func newFunction(name string, returnType jit.ValueType, gen jit.CodeGenerator) *Function {
	return &Function{
		name:       name,
		returnType: returnType,
		labels:     make(map[string]int),
		gen:        gen,
	}
}

func (f *Function) Name() string                 { return f.name }
func (f *Function) ReturnType() jit.ValueType    { return f.returnType }
func (f *Function) Params() []*jit.Value         { return f.params }
func (f *Function) Generator() jit.CodeGenerator { return f.gen }

// NewParam binds the next argument register
func (f *Function) NewParam(name string, t jit.ValueType) (*jit.Value, error) {
	if err := checkScalar("param "+name, t); err != nil {
		return nil, err
	}
	v, err := f.gen.AllocParam(name, t)
	if err != nil {
		return nil, err
	}
	f.params = append(f.params, v)
	return v, nil
}

func (f *Function) NewLocal(name string, t jit.ValueType) (*jit.Value, error) {
	if err := checkScalar("local "+name, t); err != nil {
		return nil, err
	}
	return f.gen.AllocLocal(name, t)
}

// NewConstant allocates a local and loads v into it. The literal is
// truncated to the width of t by the instructions that consume it.
func (f *Function) NewConstant(t jit.ValueType, v int64) (*jit.Value, error) {
	if err := checkScalar("constant", t); err != nil {
		return nil, err
	}
	return f.gen.AllocConstant(t, v)
}

// BeginBlock records label at the current code offset
func (f *Function) BeginBlock(label string) error {
	offset, err := f.gen.LabelOffset(label)
	if err != nil {
		return err
	}
	f.labels[label] = offset
	return nil
}

// Labels returns a copy of the label table
func (f *Function) Labels() map[string]int {
	return maps.Clone(f.labels)
}

func (f *Function) Add(a, b *jit.Value) (*jit.Value, error) {
	if err := checkOperands("add", a, b); err != nil {
		return nil, err
	}
	return f.gen.Add(a, b)
}

func (f *Function) Sub(a, b *jit.Value) (*jit.Value, error) {
	if err := checkOperands("sub", a, b); err != nil {
		return nil, err
	}
	return f.gen.Sub(a, b)
}

func (f *Function) Mul(a, b *jit.Value) (*jit.Value, error) {
	if err := checkOperands("mul", a, b); err != nil {
		return nil, err
	}
	return f.gen.Mul(a, b)
}

// Div divides a by b, truncating toward zero. Division by zero is not
// checked and faults when the code runs.
func (f *Function) Div(a, b *jit.Value) (*jit.Value, error) {
	if err := checkOperands("div", a, b); err != nil {
		return nil, err
	}
	return f.gen.Div(a, b)
}

// Release frees the register held by v. v must not be used afterwards and
// must have been created by f.
func (f *Function) Release(v *jit.Value) error {
	return f.gen.Release(v)
}

// EndBlockWithReturn returns v, which must have the declared return type
func (f *Function) EndBlockWithReturn(v *jit.Value) error {
	if v == nil {
		return errors.ContractErrorf("%s: returning nil value", f.name)
	}
	if v.Type() != f.returnType {
		return errors.ContractErrorf("%s: returning %s from a function declared %s", f.name, v.Type(), f.returnType)
	}
	return f.gen.RetValue(v)
}

// EndBlock emits a bare return
func (f *Function) EndBlock() error {
	return f.gen.Ret()
}

// Call calls the native function at addr. addr must already be resolved;
// the callee follows the System V calling convention.
func (f *Function) Call(addr uintptr) error {
	if addr == 0 {
		return errors.ContractErrorf("%s: call to nil address", f.name)
	}
	return f.gen.Call(addr)
}

// CallNear calls addr with a rel32 displacement resolved at Finalize
func (f *Function) CallNear(addr uintptr) error {
	if addr == 0 {
		return errors.ContractErrorf("%s: call to nil address", f.name)
	}
	return f.gen.CallNear(addr)
}

func (f *Function) Finalize() error {
	return f.gen.Finalize()
}

// Get returns the entry address of the finalized code, or 0 before Finalize
func (f *Function) Get() uintptr {
	return f.gen.Code()
}

// Invoke calls the finalized function with one argument per parameter. Each
// argument is passed truncated to its parameter's width and the result is
// sign or zero extended from the declared return type.
func (f *Function) Invoke(args ...int64) (int64, error) {
	if len(args) != len(f.params) {
		return 0, errors.ContractErrorf("%s takes %d arguments, got %d", f.name, len(f.params), len(args))
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		raw[i] = truncate(f.params[i].Type(), a)
	}
	if !f.gen.Finalized() {
		return 0, errors.WrapContractError(jit.ErrNotFinalized, f.name+": invoked before Finalize")
	}
	r, err := f.gen.Invoke(raw...)
	if err != nil {
		return 0, err
	}
	return extend(f.returnType, r), nil
}

// Fingerprint returns the blake2b-256 digest of the emitted code.
// Identical builder sequences produce identical fingerprints.
func (f *Function) Fingerprint() [32]byte {
	return blake2b.Sum256(f.gen.Bytes())
}

// Free releases the executable memory
func (f *Function) Free() error {
	return f.gen.Free()
}

// checkScalar rejects types without an integer register encoding
func checkScalar(what string, t jit.ValueType) error {
	if t.IsInteger() || t == jit.Pointer {
		return nil
	}
	return errors.ContractErrorf("%s: unsupported value type %s", what, t)
}

func checkOperands(op string, a, b *jit.Value) error {
	if a == nil || b == nil {
		return errors.ContractErrorf("%s: nil operand", op)
	}
	if !a.Type().IsInteger() {
		return errors.ContractErrorf("%s: %s is not an integer type", op, a.Type())
	}
	if a.Type() != b.Type() {
		return errors.ContractErrorf("%s: operand types %s and %s differ", op, a.Type(), b.Type())
	}
	return nil
}

func truncate(t jit.ValueType, v int64) uint64 {
	switch t.Size() {
	case 1:
		return uint64(uint8(v))
	case 2:
		return uint64(uint16(v))
	case 4:
		return uint64(uint32(v))
	}
	return uint64(v)
}

func extend(t jit.ValueType, r uint64) int64 {
	switch t {
	case jit.I8:
		return int64(int8(r))
	case jit.U8:
		return int64(uint8(r))
	case jit.I16:
		return int64(int16(r))
	case jit.U16:
		return int64(uint16(r))
	case jit.I32:
		return int64(int32(r))
	case jit.U32:
		return int64(uint32(r))
	case jit.Void:
		return 0
	}
	return int64(r)
}
