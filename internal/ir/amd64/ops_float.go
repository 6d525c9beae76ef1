package amd64

import (
	"math"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

var floatArith = map[ir.Opcode]amd64.FloatOp{
	ir.OpFloatAdd:     amd64.FloatAdd,
	ir.OpFloatSub:     amd64.FloatSub,
	ir.OpFloatMul:     amd64.FloatMul,
	ir.OpFloatTrueDiv: amd64.FloatDiv,
}

func (c *compiler) compileFloatBinary(ctx regalloc.Ctx, op *ir.Op) error {
	a, b := swapConst(op.Opcode, op.Args[0], op.Args[1])

	res, err := c.fp.ForceResultInSameRegister(ctx, op.Result, a, regalloc.AllocOpts{Forbidden: boxes(b)})
	if err != nil {
		return err
	}
	dst := xmmReg(res)
	fop := floatArith[op.Opcode]

	if sameBox(b, a) {
		c.emit(amd64.FloatArith(fop, dst, dst))
		return nil
	}
	src, err := c.floatOperand(ctx, b, regalloc.AllocOpts{Forbidden: append(boxes(a), op.Result)})
	if err != nil {
		return err
	}
	if src.isMem {
		c.emit(amd64.FloatArithMem(fop, dst, src.mem))
	} else {
		c.emit(amd64.FloatArith(fop, dst, src.xmm))
	}
	return nil
}

// compileFloatUnary flips or clears the sign bit with a mask built in the
// float scratch register.
func (c *compiler) compileFloatUnary(ctx regalloc.Ctx, op *ir.Op) error {
	res, err := c.fp.ForceResultInSameRegister(ctx, op.Result, op.Args[0], regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	mask, fop := uint64(1)<<63, amd64.FloatXor
	if op.Opcode == ir.OpFloatAbs {
		mask, fop = math.MaxInt64, amd64.FloatAnd
	}
	scratch := amd64.Xmm(scratchFloat)
	c.emit(
		loadImm(amd64.Reg64(scratchGP), mask),
		amd64.MovqToXmm(scratch, amd64.Reg64(scratchGP)),
		amd64.FloatArith(fop, xmmReg(res), scratch),
	)
	return nil
}

// compileFloatCompare orders the ucomisd operands so that every ordered
// comparison maps to an above/above-or-equal test, which is false when
// either side is NaN.
func (c *compiler) compileFloatCompare(ctx regalloc.Ctx, i int, op *ir.Op) error {
	a, b := op.Args[0], op.Args[1]
	ra, err := c.fp.EnsureInRegister(ctx, a, regalloc.AllocOpts{Forbidden: boxes(b)})
	if err != nil {
		return err
	}
	rb, err := c.fp.EnsureInRegister(ctx, b, regalloc.AllocOpts{Forbidden: boxes(a)})
	if err != nil {
		return err
	}
	xa, xb := xmmReg(ra), xmmReg(rb)

	switch op.Opcode {
	case ir.OpFloatLt:
		c.emit(amd64.Ucomisd(xb, xa))
		return c.finishCompare(ctx, i, op, amd64.CondA)
	case ir.OpFloatLe:
		c.emit(amd64.Ucomisd(xb, xa))
		return c.finishCompare(ctx, i, op, amd64.CondAE)
	case ir.OpFloatGt:
		c.emit(amd64.Ucomisd(xa, xb))
		return c.finishCompare(ctx, i, op, amd64.CondA)
	case ir.OpFloatGe:
		c.emit(amd64.Ucomisd(xa, xb))
		return c.finishCompare(ctx, i, op, amd64.CondAE)
	}

	// Equality needs ZF and PF: unordered operands set both.
	c.emit(amd64.Ucomisd(xa, xb))
	c.releaseArgs(ctx, op)
	r, err := c.gp.Allocate(ctx, op.Result, regalloc.AllocOpts{ByteAddressable: true})
	if err != nil {
		return err
	}
	id := asm.Variable(r.Num)
	scratch := amd64.Reg8(scratchGP)
	if op.Opcode == ir.OpFloatEq {
		c.emit(
			amd64.SetCC(amd64.CondE, amd64.Reg8(id)),
			amd64.SetCC(amd64.CondNP, scratch),
			amd64.ALU(amd64.ALUAnd, amd64.Reg8(id), scratch),
		)
	} else {
		c.emit(
			amd64.SetCC(amd64.CondNE, amd64.Reg8(id)),
			amd64.SetCC(amd64.CondP, scratch),
			amd64.ALU(amd64.ALUOr, amd64.Reg8(id), scratch),
		)
	}
	c.emit(amd64.MovZXReg8(amd64.Reg32(id), amd64.Reg8(id)))
	return nil
}

func (c *compiler) compileCast(ctx regalloc.Ctx, op *ir.Op) error {
	if op.Opcode == ir.OpCastFloatToInt {
		src, err := c.fp.EnsureInRegister(ctx, op.Args[0], regalloc.AllocOpts{})
		if err != nil {
			return err
		}
		c.releaseArgs(ctx, op)
		dst, err := c.gp.Allocate(ctx, op.Result, regalloc.AllocOpts{})
		if err != nil {
			return err
		}
		c.emit(amd64.Cvttsd2si(gpReg(dst), xmmReg(src)))
		return nil
	}

	src, err := c.gp.EnsureInRegister(ctx, op.Args[0], regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	c.releaseArgs(ctx, op)
	dst, err := c.fp.Allocate(ctx, op.Result, regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	c.emit(amd64.Cvtsi2sd(xmmReg(dst), gpReg(src)))
	return nil
}
