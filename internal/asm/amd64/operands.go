package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
)

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   asm.Variable
	size operandSize
}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// RegSized returns the register id viewed with an access width of bytes.
func RegSized(id asm.Variable, bytes int) (Reg, error) {
	switch bytes {
	case 1, 2, 4, 8:
		return Reg{id: id, size: operandSize(bytes)}, nil
	}
	return Reg{}, fmt.Errorf("amd64: unsupported register width %d", bytes)
}

func (r Reg) ID() asm.Variable { return r.id }

func (r Reg) String() string {
	name := regNames[r.id]
	if name == "" {
		return fmt.Sprintf("reg%d", r.id)
	}
	switch r.size {
	case size32:
		return name + "d"
	case size16:
		return name + "w"
	case size8:
		return name + "b"
	}
	return name
}

var regNames = map[asm.Variable]string{
	RAX: "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx",
	RSI: "rsi", RDI: "rdi", RSP: "rsp", RBP: "rbp",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
}

// XReg is an SSE register. Its id is the hardware number 0-15.
type XReg struct {
	id asm.Variable
}

func Xmm(id asm.Variable) XReg { return XReg{id: id} }

func (x XReg) ID() asm.Variable { return x.id }

func (x XReg) String() string { return fmt.Sprintf("xmm%d", x.id) }

// Memory describes an effective address used by memory operands.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) String() string {
	s := "[" + m.base.String()
	if m.hasIndex {
		s += fmt.Sprintf("+%s*%d", m.index, m.scale)
	}
	if m.disp != 0 {
		s += fmt.Sprintf("%+d", m.disp)
	}
	return s + "]"
}

func (m Memory) validate() error {
	if !m.hasBase {
		return fmt.Errorf("memory operand requires base register")
	}
	if m.base.size != size64 {
		return fmt.Errorf("base register must be 64-bit")
	}
	if m.hasIndex {
		if m.index.size != size64 {
			return fmt.Errorf("index register must be 64-bit")
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d", m.scale)
		}
	}
	return nil
}

// Cond is an x86 condition code as used by jcc and setcc.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // unsigned <
	CondAE Cond = 0x3 // unsigned >=
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // unsigned <=
	CondA  Cond = 0x7 // unsigned >
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xA
	CondNP Cond = 0xB
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Negate returns the condition that holds exactly when c does not.
func (c Cond) Negate() Cond { return c ^ 1 }

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cond) String() string { return condNames[c&0xF] }

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }
