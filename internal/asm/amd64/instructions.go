package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
)

func encoded(enc func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := enc()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func raw(bytes ...byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(bytes)
		return nil
	})
}

// MovImmediate loads value into dst using the shortest encoding.
func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

// MovAbs always emits the ten byte movabs form.
func MovAbs(dst Reg, value uint64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovabs(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

// MovStoreImm stores the low bytes of a sign-extended value; bytes is 1, 2,
// 4 or 8.
func MovStoreImm(mem Memory, value int32, bytes int) asm.Fragment {
	return encoded(func() ([]byte, error) {
		switch bytes {
		case 1, 2, 4, 8:
		default:
			return nil, fmt.Errorf("amd64: unsupported store width %d", bytes)
		}
		return encodeMovMemImm(mem, value, operandSize(bytes))
	})
}

func MovStoreImm8(mem Memory, value byte) asm.Fragment {
	return MovStoreImm(mem, int32(int8(value)), 1)
}

func MovZX8(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovZXRegMem(dst, mem, size8) })
}

func MovZX16(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovZXRegMem(dst, mem, size16) })
}

// MovZXReg8 zero-extends the low byte of src into dst.
func MovZXReg8(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) {
		info, err := regInfo(src.id)
		if err != nil {
			return nil, err
		}
		return encodeExtend(dst, rmReg(info), size8, false)
	})
}

// Load reads bytes from mem into the 64-bit register dst, sign or zero
// extending narrow values.
func Load(dst Reg, mem Memory, bytes int, signed bool) asm.Fragment {
	return encoded(func() ([]byte, error) {
		if dst.size != size64 {
			return nil, fmt.Errorf("amd64: load requires a 64-bit destination")
		}
		switch {
		case bytes == 8:
			return encodeMovRegMem(dst, mem)
		case bytes == 4 && !signed:
			return encodeMovRegMem(Reg32(dst.id), mem)
		case bytes == 1 || bytes == 2 || bytes == 4:
			rm, err := rmMem(mem)
			if err != nil {
				return nil, err
			}
			if signed {
				return encodeExtend(dst, rm, operandSize(bytes), true)
			}
			return encodeExtend(Reg32(dst.id), rm, operandSize(bytes), false)
		}
		return nil, fmt.Errorf("amd64: unsupported load width %d", bytes)
	})
}

// Store writes the low bytes of src to mem.
func Store(mem Memory, src Reg, bytes int) asm.Fragment {
	return encoded(func() ([]byte, error) {
		narrow, err := RegSized(src.id, bytes)
		if err != nil {
			return nil, err
		}
		return encodeMovMemReg(mem, narrow)
	})
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLea(dst, mem) })
}

func ALU(op ALUOp, dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(op, dst, src) })
}

func ALUImm(op ALUOp, dst Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(op, dst, value) })
}

// ALUFromMemory is "op dst, [mem]".
func ALUFromMemory(op ALUOp, dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegMem(op, dst, mem) })
}

// ALUToMemory is "op [mem], src".
func ALUToMemory(op ALUOp, mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALUMemReg(op, mem, src) })
}

func ALUMemImm(op ALUOp, mem Memory, bytes int, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) {
		switch bytes {
		case 1, 2, 4, 8:
		default:
			return nil, fmt.Errorf("amd64: unsupported operand width %d", bytes)
		}
		return encodeALUMemImm(op, mem, operandSize(bytes), value)
	})
}

func AddRegImm(reg Reg, value int32) asm.Fragment { return ALUImm(ALUAdd, reg, value) }
func AddRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUAdd, dst, src) }
func SubRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUSub, dst, src) }
func OrRegReg(dst, src Reg) asm.Fragment          { return ALU(ALUOr, dst, src) }
func CmpRegImm(reg Reg, value int32) asm.Fragment { return ALUImm(ALUCmp, reg, value) }
func CmpRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUCmp, dst, src) }
func AndRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUAnd, dst, src) }
func AndRegImm(reg Reg, value int32) asm.Fragment { return ALUImm(ALUAnd, reg, value) }
func OrRegImm(reg Reg, value int32) asm.Fragment  { return ALUImm(ALUOr, reg, value) }
func XorRegReg(dst, src Reg) asm.Fragment         { return ALU(ALUXor, dst, src) }

func TestRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegReg(dst, src) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) {
		info, err := regInfo(src.id)
		if err != nil {
			return nil, err
		}
		return encodeImul(dst, rmReg(info))
	})
}

func ImulRegMem(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) {
		rm, err := rmMem(mem)
		if err != nil {
			return nil, err
		}
		return encodeImul(dst, rm)
	})
}

func ImulRegImm(dst, src Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegImm(dst, src, value) })
}

func unary(sub byte, reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) {
		info, err := regInfo(reg.id)
		if err != nil {
			return nil, err
		}
		return encodeUnary(sub, reg.size, rmReg(info))
	})
}

func Neg(reg Reg) asm.Fragment { return unary(unaryNeg, reg) }
func Not(reg Reg) asm.Fragment { return unary(unaryNot, reg) }

// Idiv divides rdx:rax by divisor.
func Idiv(divisor Reg) asm.Fragment { return unary(unaryIdiv, divisor) }

// Cqo sign-extends rax into rdx.
func Cqo() asm.Fragment { return raw(encodeCqo()...) }

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftShr) })
}

func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftShl) })
}

func SarRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegImm(reg, count, shiftSar) })
}

// ShlRegCL and friends shift by the count held in cl.
func ShlRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShl) })
}

func ShrRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShr) })
}

func SarRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftSar) })
}

func SetCC(cond Cond, dst Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, dst) })
}

func CallReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCallReg(target) })
}

func JumpReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeJumpReg(target) })
}

func Push(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushReg(reg) })
}

func Pop(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePopReg(reg) })
}

func PushMem(mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushMem(mem) })
}

func PopMem(mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePopMem(mem) })
}

// MoveMem copies one quadword between memory operands through the stack.
func MoveMem(dst, src Memory) asm.Fragment {
	return asm.Group{PushMem(src), PopMem(dst)}
}

func Hlt() asm.Fragment { return raw(0xF4) }

// FloatOp selects a scalar double arithmetic instruction.
type FloatOp int

const (
	FloatAdd FloatOp = iota
	FloatSub
	FloatMul
	FloatDiv
	FloatXor
	FloatAnd
)

func (op FloatOp) sse() sseOp {
	switch op {
	case FloatSub:
		return sseSubsd
	case FloatMul:
		return sseMulsd
	case FloatDiv:
		return sseDivsd
	case FloatXor:
		return sseXorpd
	case FloatAnd:
		return sseAndpd
	}
	return sseAddsd
}

func FloatArith(op FloatOp, dst, src XReg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(op.sse(), dst, src) })
}

func FloatArithMem(op FloatOp, dst XReg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegMem(op.sse(), dst, mem) })
}

func MovsdLoad(dst XReg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegMem(sseMovsdLoad, dst, mem) })
}

func MovsdStore(mem Memory, src XReg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegMem(sseMovsdStore, src, mem) })
}

// MovXmm copies a full xmm register.
func MovXmm(dst, src XReg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(sseMovapd, dst, src) })
}

func MovqToXmm(dst XReg, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovqXmmGP(dst, src, true) })
}

func MovqFromXmm(dst Reg, src XReg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovqXmmGP(src, dst, false) })
}

// Ucomisd compares a with b and sets ZF, PF and CF.
func Ucomisd(a, b XReg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(sseUcomisd, a, b) })
}

func Cvtsi2sd(dst XReg, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) {
		info, err := regInfo(src.id)
		if err != nil {
			return nil, err
		}
		return encodeCvtsi2sd(dst, rmReg(info))
	})
}

func Cvttsd2si(dst Reg, src XReg) asm.Fragment {
	return encoded(func() ([]byte, error) {
		info, err := xmmInfo(src)
		if err != nil {
			return nil, err
		}
		return encodeCvttsd2si(dst, rmReg(info))
	})
}
