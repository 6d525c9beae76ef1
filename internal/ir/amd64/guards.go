package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

// guardBranch is how a guard leaves the main path: never, always, or when
// cond holds.
type guardBranch int

const (
	branchNever guardBranch = iota
	branchAlways
	branchCond
)

// compileGuard emits the check on the main path and the recovery stub in
// the cold section. The stub's first jump is the patch site a bridge is
// attached to.
func (c *compiler) compileGuard(ctx regalloc.Ctx, i int, op *ir.Op) error {
	k := c.req.FirstExit + len(c.exits)
	stub := c.label("stub%d", k)

	branch, cond, err := c.guardCondition(ctx, i, op)
	if err != nil {
		return err
	}
	switch branch {
	case branchAlways:
		c.emit(amd64.Jump(stub))
	case branchCond:
		c.emit(amd64.JumpIf(cond, stub))
	}
	return c.emitGuardStub(op, k, stub)
}

// guardCondition returns the condition under which the guard fails.
func (c *compiler) guardCondition(ctx regalloc.Ctx, i int, op *ir.Op) (guardBranch, amd64.Cond, error) {
	switch op.Opcode {
	case ir.OpGuardTrue, ir.OpGuardFalse:
		if f := c.fused; f != nil && sameBox(op.Args[0], f.box) {
			c.fused = nil
			if op.Opcode == ir.OpGuardTrue {
				return branchCond, f.cond.Negate(), nil
			}
			return branchCond, f.cond, nil
		}
		return c.zeroTest(ctx, op.Args[0], op.Opcode == ir.OpGuardTrue)

	case ir.OpGuardNonnull:
		return c.zeroTest(ctx, op.Args[0], true)
	case ir.OpGuardIsnull:
		return c.zeroTest(ctx, op.Args[0], false)

	case ir.OpGuardNoOverflow, ir.OpGuardOverflow:
		if c.flagsFrom != i-1 {
			return 0, 0, fmt.Errorf("%w: %s does not follow an overflow operation", backend.ErrInternal, op.Opcode)
		}
		if op.Opcode == ir.OpGuardNoOverflow {
			return branchCond, amd64.CondO, nil
		}
		return branchCond, amd64.CondNO, nil

	case ir.OpGuardValue:
		return c.compareValue(ctx, op.Args[0], op.Args[1])

	case ir.OpGuardClass:
		return c.compareClass(ctx, op.Args[0], op.Args[1])
	}
	return 0, 0, fmt.Errorf("%w: guard %s", backend.ErrNotImplemented, op.Opcode)
}

// zeroTest fails the guard when v is zero (failOnZero) or nonzero.
func (c *compiler) zeroTest(ctx regalloc.Ctx, v ir.Value, failOnZero bool) (guardBranch, amd64.Cond, error) {
	if k, ok := v.(ir.Const); ok {
		if (k.Bits() == 0) == failOnZero {
			return branchAlways, 0, nil
		}
		return branchNever, 0, nil
	}
	if err := c.testValue(ctx, v); err != nil {
		return 0, 0, err
	}
	if failOnZero {
		return branchCond, amd64.CondE, nil
	}
	return branchCond, amd64.CondNE, nil
}

// compareValue fails unless v equals want. Floats are compared by bit
// pattern so that a NaN guard can hold and 0.0 differs from -0.0.
func (c *compiler) compareValue(ctx regalloc.Ctx, v, want ir.Value) (guardBranch, amd64.Cond, error) {
	if _, ok := v.(ir.Const); ok {
		v, want = want, v
	}
	if k, ok := v.(ir.Const); ok {
		w := want.(ir.Const)
		if k.Bits() == w.Bits() {
			return branchNever, 0, nil
		}
		return branchAlways, 0, nil
	}
	box := v.(*ir.Box)

	if box.Kind() == ir.KindFloat {
		scratch := amd64.Reg64(scratchGP)
		if r, ok := c.fp.RegisterOf(box); ok {
			c.emit(amd64.MovqFromXmm(scratch, xmmReg(r)))
		} else if c.fp.InFrame(box) {
			s, _ := c.frame.Lookup(box)
			c.emit(amd64.MovFromMemory(scratch, slotMem(s)))
		} else {
			return 0, 0, fmt.Errorf("%w: %s", regalloc.ErrNoLocation, box)
		}
		if w, ok := want.(ir.Const); ok {
			if fitsImm32(w.Bits()) {
				c.emit(amd64.CmpRegImm(scratch, int32(w.Int())))
				return branchCond, amd64.CondNE, nil
			}
			r, err := c.gp.EnsureInRegister(ctx, ir.ConstBits(ir.KindInt, w.Bits()), regalloc.AllocOpts{})
			if err != nil {
				return 0, 0, err
			}
			c.emit(amd64.CmpRegReg(scratch, gpReg(r)))
			return branchCond, amd64.CondNE, nil
		}
		wb := want.(*ir.Box)
		src, err := c.floatOperand(ctx, wb, regalloc.AllocOpts{Forbidden: []*ir.Box{box}})
		if err != nil {
			return 0, 0, err
		}
		if src.isMem {
			c.emit(amd64.ALUFromMemory(amd64.ALUCmp, scratch, src.mem))
		} else {
			t := c.gp.Temp(ctx, ir.KindInt)
			rt, err := c.gp.Allocate(ctx, t, regalloc.AllocOpts{})
			if err != nil {
				return 0, 0, err
			}
			c.emit(
				amd64.MovqFromXmm(gpReg(rt), src.xmm),
				amd64.CmpRegReg(scratch, gpReg(rt)),
			)
		}
		return branchCond, amd64.CondNE, nil
	}

	ra, err := c.gp.EnsureInRegister(ctx, box, regalloc.AllocOpts{Forbidden: boxes(want)})
	if err != nil {
		return 0, 0, err
	}
	src, err := c.intOperand(ctx, want, regalloc.AllocOpts{Forbidden: []*ir.Box{box}})
	if err != nil {
		return 0, 0, err
	}
	switch {
	case src.isImm:
		c.emit(amd64.CmpRegImm(gpReg(ra), src.imm))
	case src.isMem:
		c.emit(amd64.ALUFromMemory(amd64.ALUCmp, gpReg(ra), src.mem))
	default:
		c.emit(amd64.CmpRegReg(gpReg(ra), src.reg))
	}
	return branchCond, amd64.CondNE, nil
}

// compareClass fails unless the first word of obj equals cls.
func (c *compiler) compareClass(ctx regalloc.Ctx, obj, cls ir.Value) (guardBranch, amd64.Cond, error) {
	ro, err := c.gp.EnsureInRegister(ctx, obj, regalloc.AllocOpts{Forbidden: boxes(cls)})
	if err != nil {
		return 0, 0, err
	}
	header := amd64.Mem(gpReg(ro))
	if k, ok := cls.(ir.Const); ok {
		if fitsImm32(k.Bits()) {
			c.emit(amd64.ALUMemImm(amd64.ALUCmp, header, 8, int32(k.Int())))
		} else {
			c.emit(
				loadImm(amd64.Reg64(scratchGP), k.Bits()),
				amd64.ALUFromMemory(amd64.ALUCmp, amd64.Reg64(scratchGP), header),
			)
		}
		return branchCond, amd64.CondNE, nil
	}
	rc, err := c.gp.EnsureInRegister(ctx, cls, regalloc.AllocOpts{Forbidden: boxes(obj)})
	if err != nil {
		return 0, 0, err
	}
	c.emit(amd64.ALUFromMemory(amd64.ALUCmp, gpReg(rc), header))
	return branchCond, amd64.CondNE, nil
}

// emitGuardStub writes the cold recovery path of exit k. Fail values held
// in registers are stored to their slots and constants get fresh slots,
// so the slot list alone describes where every fail value lives. The main
// path's bindings are left untouched.
//
// The stub then asks the failure hook for a bridge and jumps to it. With
// no bridge it copies the fail values to the value array and leaves
// through the shared epilogue with k in eax.
func (c *compiler) emitGuardStub(op *ir.Op, k int, stub asm.Label) error {
	vals := op.FailArgs
	c.noteValues(len(vals))
	slots := make([]regalloc.Slot, len(vals))

	code := asm.Group{asm.MarkLabel(stub)}
	for j, v := range vals {
		switch v := v.(type) {
		case ir.Const:
			s := c.frame.NewSlot()
			slots[j] = s
			code = append(code, storeImm(slotMem(s), v.Bits()))
		case *ir.Box:
			m := c.mgr(v.Kind())
			r, inReg := m.RegisterOf(v)
			if !inReg && !m.InFrame(v) {
				return fmt.Errorf("%w: fail value %s", regalloc.ErrNoLocation, v)
			}
			s := c.frame.Get(v)
			slots[j] = s
			if inReg && !m.InFrame(v) {
				code = append(code, moveFragment(s, r, v.Kind()))
			}
		default:
			return fmt.Errorf("unexpected fail value %T", v)
		}
	}

	fail := c.label("fail%d", k)
	noBridge := c.label("nobridge%d", k)
	code = append(code, amd64.JumpSite(fail, siteLabel(k)), asm.MarkLabel(fail))

	if hook := c.req.Hooks.Failure; hook != 0 {
		rax := amd64.Reg64(amd64.RAX)
		code = append(code,
			amd64.MovReg(amd64.Reg64(amd64.RDI), amd64.Reg64(framePointer)),
			amd64.MovImmediate(amd64.Reg32(amd64.RSI), int64(k)),
			amd64.MovAbs(amd64.Reg64(scratchGP), uint64(hook)),
			amd64.CallReg(amd64.Reg64(scratchGP)),
			amd64.TestRegReg(rax, rax),
			amd64.JumpIf(amd64.CondE, noBridge),
			amd64.JumpReg(rax),
			asm.MarkLabel(noBridge),
		)
	}

	code = append(code, loadValuesBase())
	for j, s := range slots {
		code = append(code, amd64.MoveMem(valueMem(j), slotMem(s)))
	}
	code = append(code, c.leave(k)...)
	c.emitCold(code...)

	c.exits = append(c.exits, backend.Exit{
		Index:      k,
		Opcode:     op.Opcode,
		Kinds:      op.ExitKinds(),
		Slots:      slots,
		FrameDepth: c.frame.Depth(),
	})
	return nil
}

// leave records k as the frame's exit descriptor and returns it in eax.
func (c *compiler) leave(k int) asm.Group {
	return asm.Group{
		amd64.MovStoreImm(frameWord(regalloc.FrameDescrWord), int32(k), 8),
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(k)),
		amd64.Jump(labelExit),
	}
}
