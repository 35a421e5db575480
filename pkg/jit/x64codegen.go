package jit

import (
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"

	"jitbox/pkg/errors"
)

const (
	gpParam   = FlagGeneralPurpose | FlagParameter
	gpTemp    = FlagGeneralPurpose | FlagTemp
	tempRet   = FlagTemp | FlagReturn
	preserved = FlagPreserved
)

// x64Registers is the register table indexed by hardware register number
var x64Registers = [16]Register{
	RAX: {uint16(RAX), tempRet},
	RCX: {uint16(RCX), gpParam},
	RDX: {uint16(RDX), gpParam},
	RBX: {uint16(RBX), preserved},
	RSP: {uint16(RSP), 0},
	RBP: {uint16(RBP), preserved},
	RSI: {uint16(RSI), gpParam},
	RDI: {uint16(RDI), gpParam},
	R8:  {uint16(R8), gpParam},
	R9:  {uint16(R9), gpParam},
	R10: {uint16(R10), gpTemp},
	R11: {uint16(R11), gpTemp},
	R12: {uint16(R12), preserved},
	R13: {uint16(R13), preserved},
	R14: {uint16(R14), preserved},
	R15: {uint16(R15), preserved},
}

// x64PoolOrder is allocation preference order. Scratch registers come before
// the parameter registers so locals leave parameters alone as long as possible;
// among parameter registers the order is the System V argument order.
var x64PoolOrder = []Reg{
	RAX, R10, R11,
	RDI, RSI, RDX, RCX, R8, R9,
	RBX, RBP, R12, R13, R14, R15,
	RSP,
}

// X64ParamOrder is the System V AMD64 integer argument register order
var X64ParamOrder = []Reg{RDI, RSI, RDX, RCX, R8, R9}

// X64Register returns the table entry for a hardware register
func X64Register(r Reg) Register {
	return x64Registers[r&15]
}

// X64Pool returns the x86-64 register pool in allocation order
func X64Pool() []Register {
	pool := make([]Register, len(x64PoolOrder))
	for i, r := range x64PoolOrder {
		pool[i] = x64Registers[r]
	}
	return pool
}

// X64CodeGenerator encodes x86-64 machine code for a single function
type X64CodeGenerator struct {
	codeBuffer
	alloc  StorageAllocator
	params int
}

var _ CodeGenerator = (*X64CodeGenerator)(nil)

// NewX64CodeGenerator creates a generator with the x86-64 register pool installed
func NewX64CodeGenerator() *X64CodeGenerator {
	c := &X64CodeGenerator{}
	c.alloc.SetRegisters(X64Pool())
	return c
}

// Allocator exposes the generator's storage allocator
func (c *X64CodeGenerator) Allocator() *StorageAllocator {
	return &c.alloc
}

// ReturnRegister is the System V integer return register
func (c *X64CodeGenerator) ReturnRegister() Register {
	return x64Registers[RAX]
}

// AllocParam binds the next System V argument register
func (c *X64CodeGenerator) AllocParam(name string, t ValueType) (*Value, error) {
	if c.params >= len(X64ParamOrder) {
		return nil, errors.ContractErrorf("parameter %q: only %d parameter registers exist", name, len(X64ParamOrder))
	}
	want := X64ParamOrder[c.params]
	if occupant := c.alloc.Occupant(x64Registers[want]); occupant != nil {
		return nil, errors.ContractErrorf("parameter %q: %s already holds %q, declare parameters first", name, want, occupant.Name())
	}
	v := c.alloc.bind(name, t, x64Registers[want])
	c.params++
	return v, nil
}

func (c *X64CodeGenerator) AllocLocal(name string, t ValueType) (*Value, error) {
	return c.alloc.AllocLocal(name, t)
}

// AllocConstant binds a local register and loads v into it
func (c *X64CodeGenerator) AllocConstant(t ValueType, v int64) (*Value, error) {
	if err := c.writable(); err != nil {
		return nil, err
	}
	val, err := c.alloc.AllocLocal("$const", t)
	if err != nil {
		return nil, err
	}
	if err := c.MovImm(val.storage.Reg, v); err != nil {
		return nil, err
	}
	return val, nil
}

func (c *X64CodeGenerator) Release(v *Value) error {
	return c.alloc.Release(v)
}

// MovImm loads an immediate, using the sign-extended imm32 form when it fits
func (c *X64CodeGenerator) MovImm(dst Register, v int64) error {
	if err := c.writable(); err != nil {
		return err
	}
	start := c.Offset()
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		c.movRegImm32SignExt(Reg(dst.Index), int32(v))
	} else {
		c.movRegImm64(Reg(dst.Index), uint64(v))
	}
	c.trace(start)
	return nil
}

// Mov copies src into dst; nothing is emitted when they are the same register
func (c *X64CodeGenerator) Mov(dst, src Register) error {
	if err := c.writable(); err != nil {
		return err
	}
	if dst.Index == src.Index {
		return nil
	}
	start := c.Offset()
	c.movRegReg(Reg(dst.Index), Reg(src.Index))
	c.trace(start)
	return nil
}

// MovAddr materializes a 64-bit absolute address
func (c *X64CodeGenerator) MovAddr(dst Register, addr uintptr) error {
	if err := c.writable(); err != nil {
		return err
	}
	start := c.Offset()
	c.movRegAddr(Reg(dst.Index), addr)
	c.trace(start)
	return nil
}

func (c *X64CodeGenerator) CallReg(reg Register) error {
	if err := c.writable(); err != nil {
		return err
	}
	start := c.Offset()
	c.callReg(Reg(reg.Index))
	c.trace(start)
	return nil
}

// Call calls the native function at addr through a temp register. Live
// caller-saved registers are preserved across the call and the stack is kept
// 16-byte aligned at the call instruction.
func (c *X64CodeGenerator) Call(addr uintptr) error {
	if err := c.writable(); err != nil {
		return err
	}
	temp, err := c.alloc.AllocTemp(Pointer)
	if err != nil {
		return fmt.Errorf("call 0x%x: %w", addr, err)
	}
	defer c.alloc.Release(temp)

	start := c.Offset()
	target := Reg(temp.storage.Reg.Index)
	saved := c.saveLive(temp)
	c.movRegAddr(target, addr)
	c.callReg(target)
	c.restoreLive(saved)
	c.trace(start)
	return nil
}

// CallNear emits a rel32 call to addr. The displacement is resolved by a
// relocation once the code's final address is known; Finalize fails if the
// target is farther than 2GiB away.
func (c *X64CodeGenerator) CallNear(addr uintptr) error {
	if err := c.writable(); err != nil {
		return err
	}
	start := c.Offset()
	saved := c.saveLive(nil)
	field := c.callRel32(uint32(addr))
	c.addRelocation(field, addr)
	c.restoreLive(saved)
	c.trace(start)
	return nil
}

// saveLive pushes every live register a callee may clobber, except the one
// holding skip. Functions are entered with rsp 8 bytes off 16-byte alignment,
// so an even number of pushes needs an 8-byte pad before the call.
func (c *X64CodeGenerator) saveLive(skip *Value) []Reg {
	var saved []Reg
	for _, reg := range c.alloc.Live() {
		if reg.Has(FlagPreserved) || Reg(reg.Index) == RSP {
			continue
		}
		if skip != nil && c.alloc.Occupant(reg) == skip {
			continue
		}
		saved = append(saved, Reg(reg.Index))
	}
	for _, r := range saved {
		c.push(r)
	}
	if len(saved)%2 == 0 {
		c.subRspImm8(8)
	}
	return saved
}

func (c *X64CodeGenerator) restoreLive(saved []Reg) {
	if len(saved)%2 == 0 {
		c.addRspImm8(8)
	}
	for i := len(saved) - 1; i >= 0; i-- {
		c.pop(saved[i])
	}
}

// binaryOperands checks both operands and allocates the result temp
func (c *X64CodeGenerator) binaryOperands(op string, lhs, rhs *Value) (l, r Reg, temp *Value, err error) {
	if err := c.writable(); err != nil {
		return 0, 0, nil, err
	}
	if err := c.alloc.checkOwned(op, lhs); err != nil {
		return 0, 0, nil, err
	}
	if err := c.alloc.checkOwned(op, rhs); err != nil {
		return 0, 0, nil, err
	}
	if !lhs.valueType.IsInteger() || lhs.valueType != rhs.valueType {
		return 0, 0, nil, errors.ContractErrorf("%s: unsupported operand types %s and %s", op, lhs.valueType, rhs.valueType)
	}
	lreg, err := lhs.Register()
	if err != nil {
		return 0, 0, nil, err
	}
	rreg, err := rhs.Register()
	if err != nil {
		return 0, 0, nil, err
	}
	temp, err = c.alloc.AllocTemp(lhs.valueType)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	return Reg(lreg.Index), Reg(rreg.Index), temp, nil
}

// wide reports whether t is operated on with 64-bit encodings
func wide(t ValueType) bool {
	return t.Size() == 8
}

// Add returns a new temp holding lhs + rhs
func (c *X64CodeGenerator) Add(lhs, rhs *Value) (*Value, error) {
	l, r, temp, err := c.binaryOperands("add", lhs, rhs)
	if err != nil {
		return nil, err
	}
	start := c.Offset()
	t := Reg(temp.storage.Reg.Index)
	c.movRegReg(t, l)
	c.addRegReg(t, r, wide(lhs.valueType))
	c.trace(start)
	return temp, nil
}

// Sub returns a new temp holding lhs - rhs
func (c *X64CodeGenerator) Sub(lhs, rhs *Value) (*Value, error) {
	l, r, temp, err := c.binaryOperands("sub", lhs, rhs)
	if err != nil {
		return nil, err
	}
	start := c.Offset()
	t := Reg(temp.storage.Reg.Index)
	c.movRegReg(t, l)
	c.subRegReg(t, r, wide(lhs.valueType))
	c.trace(start)
	return temp, nil
}

// Mul returns a new temp holding lhs * rhs, wrapping on overflow
func (c *X64CodeGenerator) Mul(lhs, rhs *Value) (*Value, error) {
	l, r, temp, err := c.binaryOperands("mul", lhs, rhs)
	if err != nil {
		return nil, err
	}
	start := c.Offset()
	t := Reg(temp.storage.Reg.Index)
	c.movRegReg(t, l)
	c.imulRegReg(t, r, wide(lhs.valueType))
	c.trace(start)
	return temp, nil
}

// Div returns a new temp holding lhs / rhs, truncated toward zero. Signed
// types use idiv, unsigned types div. A zero divisor faults at run time.
func (c *X64CodeGenerator) Div(lhs, rhs *Value) (*Value, error) {
	l, r, temp, err := c.binaryOperands("div", lhs, rhs)
	if err != nil {
		return nil, err
	}
	start := c.Offset()
	t := Reg(temp.storage.Reg.Index)
	vt := lhs.valueType
	w := wide(vt)
	signed := vt.IsSigned()
	narrow := vt.Size() < 4

	// rax and rdx are the implicit operands of idiv
	saveRAX := t != RAX && c.alloc.Occupant(x64Registers[RAX]) != nil
	saveRDX := t != RDX && c.alloc.Occupant(x64Registers[RDX]) != nil
	if saveRAX {
		c.push(RAX)
	}
	if saveRDX {
		c.push(RDX)
	}

	// divisor lives at [rsp] for the division
	c.push(r)
	if l != RAX {
		c.movRegReg(RAX, l)
	}
	if narrow {
		c.extendRegStack(RDX, vt.Size(), signed)
		c.movStackReg32(RDX)
		c.extendRegReg(RAX, RAX, vt.Size(), signed)
	}
	if signed {
		c.signExtendAccumulator(w)
	} else {
		c.xorRegReg(RDX, RDX, false)
	}
	c.divStack(signed, w)
	c.addRspImm8(8)

	if t != RAX {
		c.movRegReg(t, RAX)
	}
	if saveRDX {
		c.pop(RDX)
	}
	if saveRAX {
		c.pop(RAX)
	}
	c.trace(start)
	return temp, nil
}

// Ret emits a bare return
func (c *X64CodeGenerator) Ret() error {
	if err := c.writable(); err != nil {
		return err
	}
	start := c.Offset()
	c.ret()
	c.trace(start)
	return nil
}

// RetValue moves v into the return register and returns. The return register
// is claimed through AllocReturn, so a value already living there is reused.
func (c *X64CodeGenerator) RetValue(v *Value) error {
	if err := c.writable(); err != nil {
		return err
	}
	if err := c.alloc.checkOwned("ret", v); err != nil {
		return err
	}
	src, err := v.Register()
	if err != nil {
		return err
	}
	if _, err := c.alloc.AllocReturn(v.valueType); err != nil {
		return err
	}
	if err := c.Mov(c.ReturnRegister(), src); err != nil {
		return err
	}
	return c.Ret()
}

// trace logs every instruction emitted since start
func (c *X64CodeGenerator) trace(start int) {
	if c.logger == nil {
		return
	}
	code := c.code[start:]
	pc := start
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			c.logger.Printf("%04x: %x (%v)", pc, code, err)
			return
		}
		c.logger.Printf("%04x: %-24x %s", pc, code[:inst.Len], x86asm.IntelSyntax(inst, uint64(pc), nil))
		code = code[inst.Len:]
		pc += inst.Len
	}
}
