package jit

// x86-64 register encoding
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

var regNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "r?"
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// sibRSP is the SIB byte for a plain [rsp] operand
const sibRSP = 0x24

// emitRex emits a REX prefix when the operand size or register numbers need one
func (c *X64CodeGenerator) emitRex(w bool, reg, rm Reg) {
	if w || reg >= 8 || rm >= 8 {
		c.emit(rex(w, reg >= 8, false, rm >= 8))
	}
}

// movRegReg: mov dst, src (always 64-bit)
func (c *X64CodeGenerator) movRegReg(dst, src Reg) {
	c.emit(rex(true, src >= 8, false, dst >= 8), 0x89, modRM(0xC0, src, dst))
}

// movRegImm32SignExt: mov reg, imm32 (sign-extended to 64-bit)
func (c *X64CodeGenerator) movRegImm32SignExt(reg Reg, imm int32) {
	// REX.W + C7 /0 + imm32
	c.emit(rex(true, false, false, reg >= 8), 0xC7, modRM(0xC0, 0, reg))
	c.emitValue(uint64(uint32(imm)), 4)
}

// movRegImm64: mov reg, imm64
func (c *X64CodeGenerator) movRegImm64(reg Reg, imm uint64) {
	// REX.W + B8+rd + imm64
	c.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	c.emitValue(imm, 8)
}

// movRegAddr: mov reg, imm64 holding an absolute address
func (c *X64CodeGenerator) movRegAddr(reg Reg, addr uintptr) {
	c.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	c.emitAddress(addr)
}

// addRegReg: add dst, src
func (c *X64CodeGenerator) addRegReg(dst, src Reg, w bool) {
	c.emitRex(w, src, dst)
	c.emit(0x01, modRM(0xC0, src, dst))
}

// subRegReg: sub dst, src
func (c *X64CodeGenerator) subRegReg(dst, src Reg, w bool) {
	c.emitRex(w, src, dst)
	c.emit(0x29, modRM(0xC0, src, dst))
}

// imulRegReg: imul dst, src (signed multiply, low half is sign agnostic)
func (c *X64CodeGenerator) imulRegReg(dst, src Reg, w bool) {
	c.emitRex(w, dst, src)
	c.emitInstruction(0x0FAF, 2)
	c.emit(modRM(0xC0, dst, src))
}

// xorRegReg: xor dst, src
func (c *X64CodeGenerator) xorRegReg(dst, src Reg, w bool) {
	c.emitRex(w, src, dst)
	c.emit(0x31, modRM(0xC0, src, dst))
}

// extendRegReg: movsx/movzx dst32, src8/src16
func (c *X64CodeGenerator) extendRegReg(dst, src Reg, size int, signed bool) {
	op := extendOpcode(size, signed)
	// SPL, BPL, SIL and DIL need a REX prefix to be addressable as bytes
	if dst >= 8 || src >= 8 || (size == 1 && src >= RSP) {
		c.emit(rex(false, dst >= 8, false, src >= 8))
	}
	c.emitInstruction(op, 2)
	c.emit(modRM(0xC0, dst, src))
}

// extendRegStack: movsx/movzx dst32, byte/word [rsp]
func (c *X64CodeGenerator) extendRegStack(dst Reg, size int, signed bool) {
	if dst >= 8 {
		c.emit(rex(false, true, false, false))
	}
	c.emitInstruction(extendOpcode(size, signed), 2)
	c.emit(modRM(0x00, dst, RSP), sibRSP)
}

func extendOpcode(size int, signed bool) uint64 {
	switch {
	case size == 1 && signed:
		return 0x0FBE
	case size == 1:
		return 0x0FB6
	case signed:
		return 0x0FBF
	default:
		return 0x0FB7
	}
}

// movStackReg32: mov dword [rsp], reg
func (c *X64CodeGenerator) movStackReg32(reg Reg) {
	if reg >= 8 {
		c.emit(rex(false, true, false, false))
	}
	c.emit(0x89, modRM(0x00, reg, RSP), sibRSP)
}

// divStack: idiv/div [rsp], dividing rdx:rax (or edx:eax)
func (c *X64CodeGenerator) divStack(signed, w bool) {
	ext := Reg(6) // F7 /6 div
	if signed {
		ext = 7 // F7 /7 idiv
	}
	if w {
		c.emit(rex(true, false, false, false))
	}
	c.emit(0xF7, modRM(0x00, ext, RSP), sibRSP)
}

// signExtendAccumulator: cqo (rax into rdx:rax) or cdq (eax into edx:eax)
func (c *X64CodeGenerator) signExtendAccumulator(w bool) {
	if w {
		c.emitInstruction(0x4899, 2)
	} else {
		c.emitInstruction(0x99, 1)
	}
}

// addRspImm8: add rsp, imm8
func (c *X64CodeGenerator) addRspImm8(imm int8) {
	c.emit(rex(true, false, false, false), 0x83, modRM(0xC0, 0, RSP), byte(imm))
}

// subRspImm8: sub rsp, imm8
func (c *X64CodeGenerator) subRspImm8(imm int8) {
	c.emit(rex(true, false, false, false), 0x83, modRM(0xC0, 5, RSP), byte(imm))
}

// callReg: call reg
func (c *X64CodeGenerator) callReg(reg Reg) {
	if reg >= 8 {
		c.emit(rex(false, false, false, true))
	}
	c.emit(0xFF, modRM(0xC0, 2, reg))
}

// callRel32: call rel32, returning the offset of the displacement field
func (c *X64CodeGenerator) callRel32(rel32 uint32) int {
	c.emit(0xE8)
	field := c.Offset()
	c.emitValue(uint64(rel32), 4)
	return field
}

// push: push reg
func (c *X64CodeGenerator) push(reg Reg) {
	if reg >= 8 {
		c.emit(rex(false, false, false, true))
	}
	c.emit(0x50 | byte(reg&7))
}

// pop: pop reg
func (c *X64CodeGenerator) pop(reg Reg) {
	if reg >= 8 {
		c.emit(rex(false, false, false, true))
	}
	c.emit(0x58 | byte(reg&7))
}

// ret: ret
func (c *X64CodeGenerator) ret() {
	c.emit(0xC3)
}
