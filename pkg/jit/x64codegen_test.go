package jit

import (
	"bytes"
	stderrors "errors"
	"log"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"

	"jitbox/pkg/errors"
)

// params binds one parameter per type, in System V order
func params(t *testing.T, c *X64CodeGenerator, types ...ValueType) []*Value {
	t.Helper()
	var out []*Value
	for i, vt := range types {
		v, err := c.AllocParam(string(rune('a'+i)), vt)
		if err != nil {
			t.Fatalf("AllocParam %d: %v", i, err)
		}
		out = append(out, v)
	}
	return out
}

func checkBytes(t *testing.T, c *X64CodeGenerator, want []byte) {
	t.Helper()
	if diff := cmp.Diff(want, c.Bytes()); diff != "" {
		t.Errorf("code mismatch (-want +got):\n%s", diff)
		t.Logf("got % x", c.Bytes())
	}
}

// ops decodes code and returns the opcode of every instruction
func ops(t *testing.T, code []byte) []x86asm.Op {
	t.Helper()
	var out []x86asm.Op
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			t.Fatalf("decode % x: %v", code, err)
		}
		out = append(out, inst.Op)
		code = code[inst.Len:]
	}
	return out
}

func TestEncodeReturnConstant(t *testing.T) {
	c := NewX64CodeGenerator()

	v, err := c.AllocConstant(I32, 42)
	if err != nil {
		t.Fatalf("AllocConstant: %v", err)
	}
	if err := c.RetValue(v); err != nil {
		t.Fatalf("RetValue: %v", err)
	}

	checkBytes(t, c, []byte{
		0x49, 0xC7, 0xC2, 0x2A, 0x00, 0x00, 0x00, // mov r10, 42
		0x4C, 0x89, 0xD0, // mov rax, r10
		0xC3, // ret
	})
}

func TestEncodeArithmetic(t *testing.T) {
	tests := []struct {
		name string
		vt   ValueType
		op   func(c *X64CodeGenerator, l, r *Value) (*Value, error)
		want []byte
	}{
		{"add32", I32, (*X64CodeGenerator).Add, []byte{0x48, 0x89, 0xF8, 0x01, 0xF0, 0xC3}},
		{"add64", I64, (*X64CodeGenerator).Add, []byte{0x48, 0x89, 0xF8, 0x48, 0x01, 0xF0, 0xC3}},
		{"sub32", U32, (*X64CodeGenerator).Sub, []byte{0x48, 0x89, 0xF8, 0x29, 0xF0, 0xC3}},
		{"sub64", U64, (*X64CodeGenerator).Sub, []byte{0x48, 0x89, 0xF8, 0x48, 0x29, 0xF0, 0xC3}},
		{"mul32", I32, (*X64CodeGenerator).Mul, []byte{0x48, 0x89, 0xF8, 0x0F, 0xAF, 0xC6, 0xC3}},
		{"mul64", I64, (*X64CodeGenerator).Mul, []byte{0x48, 0x89, 0xF8, 0x48, 0x0F, 0xAF, 0xC6, 0xC3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewX64CodeGenerator()
			p := params(t, c, tt.vt, tt.vt)
			r, err := tt.op(c, p[0], p[1])
			if err != nil {
				t.Fatalf("op: %v", err)
			}
			if err := c.RetValue(r); err != nil {
				t.Fatalf("RetValue: %v", err)
			}
			checkBytes(t, c, tt.want)
		})
	}
}

func TestEncodeSquare(t *testing.T) {
	c := NewX64CodeGenerator()
	x := params(t, c, I32)[0]

	sq, err := c.Mul(x, x)
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	if err := c.RetValue(sq); err != nil {
		t.Fatalf("RetValue: %v", err)
	}

	checkBytes(t, c, []byte{
		0x48, 0x89, 0xF8, // mov rax, rdi
		0x0F, 0xAF, 0xC7, // imul eax, edi
		0xC3,
	})
}

func TestEncodeMovImm(t *testing.T) {
	tests := []struct {
		reg  Reg
		v    int64
		want []byte
	}{
		{RAX, 0, []byte{0x48, 0xC7, 0xC0, 0x00, 0x00, 0x00, 0x00}},
		{RCX, -1, []byte{0x48, 0xC7, 0xC1, 0xFF, 0xFF, 0xFF, 0xFF}},
		{R15, 0x7FFFFFFF, []byte{0x49, 0xC7, 0xC7, 0xFF, 0xFF, 0xFF, 0x7F}},
		{RAX, 0x1122334455667788, []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
		{R9, 1 << 32, []byte{0x49, 0xB9, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		c := NewX64CodeGenerator()
		if err := c.MovImm(X64Register(tt.reg), tt.v); err != nil {
			t.Fatalf("MovImm(%s, %d): %v", tt.reg, tt.v, err)
		}
		checkBytes(t, c, tt.want)
	}
}

func TestEncodeMov(t *testing.T) {
	c := NewX64CodeGenerator()

	if err := c.Mov(X64Register(R8), X64Register(RCX)); err != nil {
		t.Fatalf("Mov: %v", err)
	}
	if err := c.Mov(X64Register(RDX), X64Register(RDX)); err != nil {
		t.Fatalf("Mov: %v", err)
	}
	if err := c.MovAddr(X64Register(R11), 0x00007F0012345678); err != nil {
		t.Fatalf("MovAddr: %v", err)
	}

	checkBytes(t, c, []byte{
		0x49, 0x89, 0xC8, // mov r8, rcx
		0x49, 0xBB, 0x78, 0x56, 0x34, 0x12, 0x00, 0x7F, 0x00, 0x00, // mov r11, imm64
	})
}

func TestEncodeCallReg(t *testing.T) {
	c := NewX64CodeGenerator()
	c.CallReg(X64Register(RAX))
	c.CallReg(X64Register(R11))
	checkBytes(t, c, []byte{0xFF, 0xD0, 0x41, 0xFF, 0xD3})
}

func TestEncodeCallAlignment(t *testing.T) {
	const target = 0x0000123456789ABC

	t.Run("no live registers", func(t *testing.T) {
		c := NewX64CodeGenerator()
		if err := c.Call(target); err != nil {
			t.Fatalf("Call: %v", err)
		}
		checkBytes(t, c, []byte{
			0x48, 0x83, 0xEC, 0x08, // sub rsp, 8
			0x48, 0xB8, 0xBC, 0x9A, 0x78, 0x56, 0x34, 0x12, 0x00, 0x00, // mov rax, target
			0xFF, 0xD0, // call rax
			0x48, 0x83, 0xC4, 0x08, // add rsp, 8
		})
		if live := c.Allocator().Live(); len(live) != 0 {
			t.Errorf("call temp still live: %v", live)
		}
	})

	t.Run("one live parameter", func(t *testing.T) {
		c := NewX64CodeGenerator()
		params(t, c, I64)
		if err := c.Call(target); err != nil {
			t.Fatalf("Call: %v", err)
		}
		checkBytes(t, c, []byte{
			0x57, // push rdi
			0x48, 0xB8, 0xBC, 0x9A, 0x78, 0x56, 0x34, 0x12, 0x00, 0x00,
			0xFF, 0xD0,
			0x5F, // pop rdi
		})
	})
}

func TestEncodeCallNearRecordsRelocation(t *testing.T) {
	c := NewX64CodeGenerator()
	const target = 0x00007F00AABBCCDD

	if err := c.CallNear(target); err != nil {
		t.Fatalf("CallNear: %v", err)
	}
	checkBytes(t, c, []byte{
		0x48, 0x83, 0xEC, 0x08,
		0xE8, 0xDD, 0xCC, 0xBB, 0xAA, // call rel32, placeholder
		0x48, 0x83, 0xC4, 0x08,
	})

	want := []Relocation{{Offset: 5, Target: target, Kind: RelocRel32}}
	if diff := cmp.Diff(want, c.Relocations()); diff != "" {
		t.Errorf("relocations mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDiv(t *testing.T) {
	tests := []struct {
		name string
		vt   ValueType
		want []byte
	}{
		{"i32", I32, []byte{
			0x56,             // push rsi
			0x48, 0x89, 0xF8, // mov rax, rdi
			0x99,             // cdq
			0xF7, 0x3C, 0x24, // idiv dword [rsp]
			0x48, 0x83, 0xC4, 0x08,
		}},
		{"i64", I64, []byte{
			0x56,
			0x48, 0x89, 0xF8,
			0x48, 0x99, // cqo
			0x48, 0xF7, 0x3C, 0x24, // idiv qword [rsp]
			0x48, 0x83, 0xC4, 0x08,
		}},
		{"u32", U32, []byte{
			0x56,
			0x48, 0x89, 0xF8,
			0x31, 0xD2, // xor edx, edx
			0xF7, 0x34, 0x24, // div dword [rsp]
			0x48, 0x83, 0xC4, 0x08,
		}},
		{"i8", I8, []byte{
			0x56,
			0x48, 0x89, 0xF8,
			0x0F, 0xBE, 0x14, 0x24, // movsx edx, byte [rsp]
			0x89, 0x14, 0x24, // mov [rsp], edx
			0x0F, 0xBE, 0xC0, // movsx eax, al
			0x99,
			0xF7, 0x3C, 0x24,
			0x48, 0x83, 0xC4, 0x08,
		}},
		{"u16", U16, []byte{
			0x56,
			0x48, 0x89, 0xF8,
			0x0F, 0xB7, 0x14, 0x24, // movzx edx, word [rsp]
			0x89, 0x14, 0x24,
			0x0F, 0xB7, 0xC0, // movzx eax, ax
			0x31, 0xD2,
			0xF7, 0x34, 0x24,
			0x48, 0x83, 0xC4, 0x08,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewX64CodeGenerator()
			p := params(t, c, tt.vt, tt.vt)
			q, err := c.Div(p[0], p[1])
			if err != nil {
				t.Fatalf("Div: %v", err)
			}
			if r, _ := q.Register(); Reg(r.Index) != RAX {
				t.Errorf("quotient in %s, want rax", Reg(r.Index))
			}
			checkBytes(t, c, tt.want)
		})
	}
}

func TestEncodeDivPreservesAccumulators(t *testing.T) {
	c := NewX64CodeGenerator()
	p := params(t, c, I64, I64, I64)

	// the sum occupies rax and the third parameter occupies rdx
	sum, err := c.Add(p[0], p[1])
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	start := c.Offset()
	q, err := c.Div(sum, p[1])
	if err != nil {
		t.Fatalf("Div: %v", err)
	}
	if r, _ := q.Register(); Reg(r.Index) != R10 {
		t.Fatalf("quotient in %s, want r10", Reg(r.Index))
	}

	got := ops(t, c.Bytes()[start:])
	want := []x86asm.Op{
		x86asm.PUSH, // rax
		x86asm.PUSH, // rdx
		x86asm.PUSH, // divisor
		x86asm.CQO,
		x86asm.IDIV,
		x86asm.ADD,
		x86asm.MOV, // r10, rax
		x86asm.POP, // rdx
		x86asm.POP, // rax
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("div sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestArithmeticTypeMismatch(t *testing.T) {
	c := NewX64CodeGenerator()
	p := params(t, c, I32, I64)

	before := c.Offset()
	if _, err := c.Add(p[0], p[1]); !errors.IsContractError(err) {
		t.Errorf("Add(i32, i64): err = %v, want contract error", err)
	}
	if c.Offset() != before {
		t.Errorf("bytes emitted for a rejected operation")
	}

	f, _ := c.AllocLocal("f", F64)
	if _, err := c.Mul(f, f); !errors.IsContractError(err) {
		t.Errorf("Mul(f64, f64): err = %v, want contract error", err)
	}
	if _, err := c.Sub(nil, p[0]); !errors.IsContractError(err) {
		t.Errorf("Sub(nil, x): err = %v, want contract error", err)
	}
}

func TestForeignOperands(t *testing.T) {
	f := NewX64CodeGenerator()
	x := params(t, f, I64)[0]

	g := NewX64CodeGenerator()
	own := params(t, g, I64)[0]
	if _, err := g.Add(x, x); !errors.IsContractError(err) {
		t.Errorf("Add(foreign, foreign): err = %v, want contract error", err)
	}
	if _, err := g.Mul(own, x); !errors.IsContractError(err) {
		t.Errorf("Mul(own, foreign): err = %v, want contract error", err)
	}
	if err := g.RetValue(x); !errors.IsContractError(err) {
		t.Errorf("RetValue(foreign): err = %v, want contract error", err)
	}
	if g.Offset() != 0 {
		t.Errorf("rejected operations emitted % x", g.Bytes())
	}
	if live := g.Allocator().Live(); len(live) != 1 {
		t.Errorf("rejected operations left live registers %v", live)
	}

	// b and mine are each their allocator's first value in r10
	ff := NewX64CodeGenerator()
	b, _ := ff.AllocLocal("b", I64)
	h := NewX64CodeGenerator()
	mine, _ := h.AllocLocal("mine", I64)
	if err := h.Release(b); !errors.IsContractError(err) {
		t.Fatalf("Release(foreign): err = %v, want contract error", err)
	}
	next, err := h.AllocLocal("next", I64)
	if err != nil {
		t.Fatalf("AllocLocal: %v", err)
	}
	mr, _ := mine.Register()
	nr, _ := next.Register()
	if mr.Index == nr.Index {
		t.Errorf("%v and %v alias after a foreign release", mine, next)
	}
}

func TestRetValueUsesReturnRegister(t *testing.T) {
	c := NewX64CodeGenerator()
	x := params(t, c, I64)[0]
	ret := c.ReturnRegister()
	if Reg(ret.Index) != RAX || !ret.Has(FlagReturn) {
		t.Fatalf("ReturnRegister() = %+v, want rax with the return flag", ret)
	}
	if err := c.RetValue(x); err != nil {
		t.Fatalf("RetValue: %v", err)
	}
	if occ := c.Allocator().Occupant(ret); occ == nil {
		t.Errorf("return register not claimed")
	}
	// mov rax, rdi; ret
	checkBytes(t, c, []byte{0x48, 0x89, 0xF8, 0xC3})
}

func TestTooManyParams(t *testing.T) {
	c := NewX64CodeGenerator()
	params(t, c, I64, I64, I64, I64, I64, I64)

	if _, err := c.AllocParam("g", I64); !errors.IsContractError(err) {
		t.Errorf("seventh param: err = %v, want contract error", err)
	}
}

func TestParamsBindInOrder(t *testing.T) {
	c := NewX64CodeGenerator()
	p := params(t, c, I64, I64, I64, I64, I64, I64)
	for i, v := range p {
		r, _ := v.Register()
		if Reg(r.Index) != X64ParamOrder[i] {
			t.Errorf("param %d in %s, want %s", i, Reg(r.Index), X64ParamOrder[i])
		}
	}
}

func TestParamAfterLocalsTakeItsRegister(t *testing.T) {
	c := NewX64CodeGenerator()
	// r10, r11, then rdi
	for i := 0; i < 3; i++ {
		if _, err := c.AllocLocal("l", I32); err != nil {
			t.Fatalf("AllocLocal: %v", err)
		}
	}
	if _, err := c.AllocParam("a", I32); !errors.IsContractError(err) {
		t.Errorf("param into occupied rdi: err = %v, want contract error", err)
	}
}

func TestArithmeticExhaustion(t *testing.T) {
	c := NewX64CodeGenerator()
	p := params(t, c, I64, I64, I64, I64, I64, I64)

	var err error
	for i := 0; i < 8 && err == nil; i++ {
		_, err = c.Add(p[0], p[1])
	}
	if !stderrors.Is(err, ErrNoRegister) {
		t.Errorf("err = %v, want ErrNoRegister", err)
	}
}

func TestReleaseAllowsLongChains(t *testing.T) {
	c := NewX64CodeGenerator()
	p := params(t, c, I64, I64)

	acc := p[0]
	for i := 0; i < 32; i++ {
		next, err := c.Add(acc, p[1])
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if acc != p[0] {
			if err := c.Release(acc); err != nil {
				t.Fatalf("Release: %v", err)
			}
		}
		acc = next
	}
	if err := c.RetValue(acc); err != nil {
		t.Fatalf("RetValue: %v", err)
	}
}

func TestLabelOffsets(t *testing.T) {
	c := NewX64CodeGenerator()

	off, err := c.LabelOffset("entry")
	if err != nil || off != 0 {
		t.Fatalf("LabelOffset(entry) = %d, %v", off, err)
	}
	c.Ret()
	off, err = c.LabelOffset("tail")
	if err != nil || off != 1 {
		t.Fatalf("LabelOffset(tail) = %d, %v", off, err)
	}
	if _, err := c.LabelOffset("entry"); !errors.IsContractError(err) {
		t.Errorf("duplicate label: err = %v, want contract error", err)
	}
}

func TestFinalizeEmptyBuffer(t *testing.T) {
	c := NewX64CodeGenerator()
	if err := c.Finalize(); !errors.IsContractError(err) {
		t.Errorf("Finalize on empty buffer: err = %v, want contract error", err)
	}
	if c.Finalized() {
		t.Errorf("generator finalized after a failed Finalize")
	}
}

func TestRunBeforeFinalize(t *testing.T) {
	c := NewX64CodeGenerator()
	c.Ret()
	if c.Code() != 0 {
		t.Errorf("Code() = 0x%x before Finalize, want 0", c.Code())
	}
	if _, err := c.Run(); !stderrors.Is(err, ErrNotFinalized) {
		t.Errorf("Run before Finalize: err = %v, want ErrNotFinalized", err)
	}
}

func TestDumpTrace(t *testing.T) {
	var buf bytes.Buffer
	c := NewX64CodeGenerator()
	c.SetLogger(log.New(&buf, "", 0))

	x := params(t, c, I32)[0]
	sq, _ := c.Mul(x, x)
	c.RetValue(sq)

	traced := c.Bytes()
	plain := NewX64CodeGenerator()
	y := params(t, plain, I32)[0]
	sq2, _ := plain.Mul(y, y)
	plain.RetValue(sq2)

	if diff := cmp.Diff(plain.Bytes(), traced); diff != "" {
		t.Errorf("tracing changed the emitted code (-plain +traced):\n%s", diff)
	}

	out := buf.String()
	t.Logf("trace:\n%s", out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("trace has %d lines, want 3", len(lines))
	}
	for i, mnemonic := range []string{"mov", "imul", "ret"} {
		if !strings.Contains(lines[i], mnemonic) {
			t.Errorf("line %d = %q, want %s", i, lines[i], mnemonic)
		}
	}
	if !strings.HasPrefix(lines[1], "0003:") {
		t.Errorf("line 1 = %q, want offset 0003", lines[1])
	}
}

func TestApplyRelocations(t *testing.T) {
	const base = uintptr(0x7F0000000000)

	tests := []struct {
		name   string
		offset int
		target uintptr
		want   []byte
	}{
		{"forward", 1, base + 0x100, []byte{0xFB, 0x00, 0x00, 0x00}},
		{"backward", 1, base, []byte{0xFB, 0xFF, 0xFF, 0xFF}},
		{"self", 4, base + 8, []byte{0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := make([]byte, 16)
			err := applyRelocations(code, base, []Relocation{{Offset: tt.offset, Target: tt.target}})
			if err != nil {
				t.Fatalf("applyRelocations: %v", err)
			}
			if diff := cmp.Diff(tt.want, code[tt.offset:tt.offset+4]); diff != "" {
				t.Errorf("displacement mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyRelocationsOutOfRange(t *testing.T) {
	const base = uintptr(0x7F0000000000)
	code := make([]byte, 16)

	err := applyRelocations(code, base, []Relocation{{Offset: 1, Target: base + 1<<32}})
	if !stderrors.Is(err, ErrRelocationRange) {
		t.Errorf("far target: err = %v, want ErrRelocationRange", err)
	}

	err = applyRelocations(code, base, []Relocation{{Offset: 14, Target: base}})
	if err == nil {
		t.Errorf("field past the end of the buffer was accepted")
	}
}
