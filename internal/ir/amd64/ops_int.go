package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

var intALU = map[ir.Opcode]amd64.ALUOp{
	ir.OpIntAdd:    amd64.ALUAdd,
	ir.OpIntAddOvf: amd64.ALUAdd,
	ir.OpIntSub:    amd64.ALUSub,
	ir.OpIntSubOvf: amd64.ALUSub,
	ir.OpIntAnd:    amd64.ALUAnd,
	ir.OpIntOr:     amd64.ALUOr,
	ir.OpIntXor:    amd64.ALUXor,
}

func commutative(opc ir.Opcode) bool {
	switch opc {
	case ir.OpIntAdd, ir.OpIntAddOvf, ir.OpIntMul, ir.OpIntMulOvf,
		ir.OpIntAnd, ir.OpIntOr, ir.OpIntXor, ir.OpFloatAdd, ir.OpFloatMul:
		return true
	}
	return false
}

// swapConst puts a constant left operand on the right when the operation
// allows it, so it can become an immediate.
func swapConst(opc ir.Opcode, a, b ir.Value) (ir.Value, ir.Value) {
	if !commutative(opc) {
		return a, b
	}
	if _, ok := a.(ir.Const); ok {
		if _, ok := b.(*ir.Box); ok {
			return b, a
		}
	}
	return a, b
}

func (c *compiler) compileIntBinary(ctx regalloc.Ctx, i int, op *ir.Op) error {
	a, b := swapConst(op.Opcode, op.Args[0], op.Args[1])

	res, err := c.gp.ForceResultInSameRegister(ctx, op.Result, a, regalloc.AllocOpts{Forbidden: boxes(b)})
	if err != nil {
		return err
	}
	dst := gpReg(res)

	var src operand
	if sameBox(b, a) {
		src = operand{reg: dst, isReg: true}
	} else {
		src, err = c.intOperand(ctx, b, regalloc.AllocOpts{Forbidden: append(boxes(a), op.Result)})
		if err != nil {
			return err
		}
	}

	switch op.Opcode {
	case ir.OpIntMul, ir.OpIntMulOvf:
		switch {
		case src.isImm:
			c.emit(amd64.ImulRegImm(dst, dst, src.imm))
		case src.isMem:
			c.emit(amd64.ImulRegMem(dst, src.mem))
		default:
			c.emit(amd64.ImulRegReg(dst, src.reg))
		}
	default:
		alu, ok := intALU[op.Opcode]
		if !ok {
			return fmt.Errorf("%w: %s", backend.ErrNotImplemented, op.Opcode)
		}
		switch {
		case src.isImm:
			c.emit(amd64.ALUImm(alu, dst, src.imm))
		case src.isMem:
			c.emit(amd64.ALUFromMemory(alu, dst, src.mem))
		default:
			c.emit(amd64.ALU(alu, dst, src.reg))
		}
	}

	if op.Opcode.IsOverflow() {
		c.flagsFrom = i
	}
	return nil
}

// compileDivision emits floor division or modulo through idiv. A divisor of
// -1 is handled separately so that MinInt64 / -1 wraps instead of trapping.
func (c *compiler) compileDivision(ctx regalloc.Ctx, i int, op *ir.Op) error {
	a, b := op.Args[0], op.Args[1]
	rax := regalloc.GP(int(amd64.RAX))

	if err := c.gp.Clobber(ctx, int(amd64.RDX), regalloc.AllocOpts{}); err != nil {
		return err
	}
	high := c.gp.Temp(ctx, ir.KindInt)
	if err := c.gp.Bind(high, int(amd64.RDX)); err != nil {
		return err
	}

	divisor, err := c.gp.EnsureInRegister(ctx, b, regalloc.AllocOpts{
		Forbidden: []*ir.Box{high},
		Avoid:     []int{int(amd64.RAX), int(amd64.RDX)},
	})
	if err != nil {
		return err
	}

	low := c.gp.Temp(ctx, ir.KindInt)
	if _, err := c.gp.ForceResultInSameRegister(ctx, low, a, regalloc.AllocOpts{
		Pinned:    &rax,
		Forbidden: append(boxes(b), high),
	}); err != nil {
		return err
	}

	normal := c.label("div%d_normal", i)
	done := c.label("div%d_done", i)
	r := gpReg(divisor)
	c.emit(
		amd64.CmpRegImm(r, -1),
		amd64.JumpIf(amd64.CondNE, normal),
		amd64.Neg(amd64.Reg64(amd64.RAX)),
		amd64.XorRegReg(amd64.Reg32(amd64.RDX), amd64.Reg32(amd64.RDX)),
		amd64.Jump(done),
		asm.MarkLabel(normal),
		amd64.Cqo(),
		amd64.Idiv(r),
		asm.MarkLabel(done),
	)

	if op.Opcode == ir.OpIntMod {
		return c.gp.Rebind(high, op.Result)
	}
	return c.gp.Rebind(low, op.Result)
}

func (c *compiler) compileShift(ctx regalloc.Ctx, op *ir.Op) error {
	a, b := op.Args[0], op.Args[1]

	if k, ok := b.(ir.Const); ok {
		res, err := c.gp.ForceResultInSameRegister(ctx, op.Result, a, regalloc.AllocOpts{})
		if err != nil {
			return err
		}
		n := uint8(k.Int() & 63)
		if n == 0 {
			return nil
		}
		switch op.Opcode {
		case ir.OpIntLshift:
			c.emit(amd64.ShlRegImm(gpReg(res), n))
		case ir.OpIntRshift:
			c.emit(amd64.SarRegImm(gpReg(res), n))
		default:
			c.emit(amd64.ShrRegImm(gpReg(res), n))
		}
		return nil
	}

	count := b.(*ir.Box)
	if _, err := c.gp.ForceAllocate(ctx, count, int(amd64.RCX), regalloc.AllocOpts{}); err != nil {
		return err
	}
	res, err := c.gp.ForceResultInSameRegister(ctx, op.Result, a, regalloc.AllocOpts{
		Forbidden: []*ir.Box{count},
		Avoid:     []int{int(amd64.RCX)},
	})
	if err != nil {
		return err
	}
	switch op.Opcode {
	case ir.OpIntLshift:
		c.emit(amd64.ShlRegCL(gpReg(res)))
	case ir.OpIntRshift:
		c.emit(amd64.SarRegCL(gpReg(res)))
	default:
		c.emit(amd64.ShrRegCL(gpReg(res)))
	}
	return nil
}

func (c *compiler) compileIntUnary(ctx regalloc.Ctx, op *ir.Op) error {
	res, err := c.gp.ForceResultInSameRegister(ctx, op.Result, op.Args[0], regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	if op.Opcode == ir.OpIntNeg {
		c.emit(amd64.Neg(gpReg(res)))
	} else {
		c.emit(amd64.Not(gpReg(res)))
	}
	return nil
}

var intConds = map[ir.Opcode]amd64.Cond{
	ir.OpIntLt:     amd64.CondL,
	ir.OpIntLe:     amd64.CondLE,
	ir.OpIntEq:     amd64.CondE,
	ir.OpIntNe:     amd64.CondNE,
	ir.OpIntGt:     amd64.CondG,
	ir.OpIntGe:     amd64.CondGE,
	ir.OpUintLt:    amd64.CondB,
	ir.OpUintLe:    amd64.CondBE,
	ir.OpUintGt:    amd64.CondA,
	ir.OpUintGe:    amd64.CondAE,
	ir.OpIntIsTrue: amd64.CondNE,
	ir.OpIntIsZero: amd64.CondE,
	ir.OpPtrEq:     amd64.CondE,
	ir.OpPtrNe:     amd64.CondNE,
}

// swapCond is the condition that holds for (b, a) when cond holds for (a, b).
func swapCond(cond amd64.Cond) amd64.Cond {
	switch cond {
	case amd64.CondL:
		return amd64.CondG
	case amd64.CondG:
		return amd64.CondL
	case amd64.CondLE:
		return amd64.CondGE
	case amd64.CondGE:
		return amd64.CondLE
	case amd64.CondB:
		return amd64.CondA
	case amd64.CondA:
		return amd64.CondB
	case amd64.CondBE:
		return amd64.CondAE
	case amd64.CondAE:
		return amd64.CondBE
	}
	return cond
}

func (c *compiler) compileIntCompare(ctx regalloc.Ctx, i int, op *ir.Op) error {
	cond := intConds[op.Opcode]

	if len(op.Args) == 1 {
		if err := c.testValue(ctx, op.Args[0]); err != nil {
			return err
		}
		return c.finishCompare(ctx, i, op, cond)
	}

	a, b := op.Args[0], op.Args[1]
	if _, ok := a.(ir.Const); ok {
		if _, ok := b.(*ir.Box); ok {
			a, b = b, a
			cond = swapCond(cond)
		}
	}
	ra, err := c.gp.EnsureInRegister(ctx, a, regalloc.AllocOpts{Forbidden: boxes(b)})
	if err != nil {
		return err
	}
	var src operand
	if sameBox(b, a) {
		src = operand{reg: gpReg(ra), isReg: true}
	} else if src, err = c.intOperand(ctx, b, regalloc.AllocOpts{Forbidden: boxes(a)}); err != nil {
		return err
	}
	switch {
	case src.isImm:
		c.emit(amd64.CmpRegImm(gpReg(ra), src.imm))
	case src.isMem:
		c.emit(amd64.ALUFromMemory(amd64.ALUCmp, gpReg(ra), src.mem))
	default:
		c.emit(amd64.CmpRegReg(gpReg(ra), src.reg))
	}
	return c.finishCompare(ctx, i, op, cond)
}

// testValue sets ZF from an integer or reference value.
func (c *compiler) testValue(ctx regalloc.Ctx, v ir.Value) error {
	if b, ok := v.(*ir.Box); ok {
		if r, ok := c.gp.RegisterOf(b); ok {
			c.emit(amd64.TestRegReg(gpReg(r), gpReg(r)))
			return nil
		}
		if c.gp.InFrame(b) {
			s, _ := c.frame.Lookup(b)
			c.emit(amd64.ALUMemImm(amd64.ALUCmp, slotMem(s), 8, 0))
			return nil
		}
	}
	r, err := c.gp.EnsureInRegister(ctx, v, regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	c.emit(amd64.TestRegReg(gpReg(r), gpReg(r)))
	return nil
}

// fusable reports whether the guard right after op consumes op's result
// and nothing else does, so the flags can be branched on directly.
func (c *compiler) fusable(i int, op *ir.Op) bool {
	switch op.Opcode {
	case ir.OpFloatEq, ir.OpFloatNe:
		return false
	}
	if i+1 >= len(c.trace.Ops) {
		return false
	}
	next := c.trace.Ops[i+1]
	if next.Opcode != ir.OpGuardTrue && next.Opcode != ir.OpGuardFalse {
		return false
	}
	if !sameBox(next.Args[0], op.Result) || c.lv.LastUse(op.Result) != i+1 {
		return false
	}
	for _, v := range next.FailArgs {
		if sameBox(v, op.Result) {
			return false
		}
	}
	return true
}

// finishCompare turns the flags left by a comparison into op's result, or
// leaves them for the next guard.
func (c *compiler) finishCompare(ctx regalloc.Ctx, i int, op *ir.Op, cond amd64.Cond) error {
	if c.fusable(i, op) {
		c.fused = &fusedCond{box: op.Result, cond: cond}
		return nil
	}
	c.releaseArgs(ctx, op)
	r, err := c.gp.Allocate(ctx, op.Result, regalloc.AllocOpts{ByteAddressable: true})
	if err != nil {
		return err
	}
	id := asm.Variable(r.Num)
	c.emit(
		amd64.SetCC(cond, amd64.Reg8(id)),
		amd64.MovZXReg8(amd64.Reg32(id), amd64.Reg8(id)),
	)
	return nil
}

func (c *compiler) releaseArgs(ctx regalloc.Ctx, op *ir.Op) {
	c.gp.ReleaseDead(ctx, op.Args)
	c.fp.ReleaseDead(ctx, op.Args)
}
