package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

// calleeSaved are pushed by the entry bootstrap in this order.
var calleeSaved = []asm.Variable{amd64.RBX, amd64.RBP, amd64.R12, amd64.R13, amd64.R14, amd64.R15}

// emitBootstrap writes the loop entry: save the callee-saved registers,
// keep the stack 16-byte aligned, take the frame from rdi and load every
// input from the value array into the location the body expects.
func (c *compiler) emitBootstrap() {
	code := asm.Group{asm.MarkLabel(labelEntry)}
	for _, r := range calleeSaved {
		code = append(code, amd64.Push(amd64.Reg64(r)))
	}
	code = append(code,
		amd64.AddRegImm(amd64.Reg64(amd64.RSP), -8),
		amd64.MovReg(amd64.Reg64(framePointer), amd64.Reg64(amd64.RDI)),
		loadValuesBase(),
	)
	for i, loc := range c.inputLocs {
		if s, ok := loc.(regalloc.Slot); ok {
			code = append(code, amd64.MoveMem(slotMem(s), valueMem(i)))
		}
	}
	for i, loc := range c.inputLocs {
		r, ok := loc.(regalloc.Reg)
		if !ok {
			continue
		}
		if r.Class == regalloc.ClassFloat {
			code = append(code, amd64.MovsdLoad(xmmReg(r), valueMem(i)))
		} else {
			code = append(code, amd64.MovFromMemory(gpReg(r), valueMem(i)))
		}
	}
	code = append(code, amd64.Jump(labelBody))
	c.emitCold(code...)
}

// emitEpilogue is the single way out of compiled code. It undoes the
// bootstrap of whichever loop entered the frame.
func (c *compiler) emitEpilogue() {
	code := asm.Group{
		asm.MarkLabel(labelExit),
		amd64.AddRegImm(amd64.Reg64(amd64.RSP), 8),
	}
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		code = append(code, amd64.Pop(amd64.Reg64(calleeSaved[i])))
	}
	code = append(code, amd64.Ret())
	c.emitCold(code...)
}

// compileJump moves the jump arguments into the target's input locations
// as one parallel move and transfers control.
func (c *compiler) compileJump(op *ir.Op) error {
	own := op.Descr == nil || op.Descr == c.req.Self
	var locs []regalloc.Location
	var addr uintptr
	if own {
		if c.req.Bridge {
			return fmt.Errorf("%w: bridge jumps back to itself", backend.ErrInternal)
		}
		locs = c.inputLocs
	} else {
		target, ok := op.Descr.(backend.Target)
		if !ok {
			return fmt.Errorf("%w: jump target %v is not compiled code", backend.ErrNotImplemented, op.Descr)
		}
		locs = target.InputLocations()
		addr = target.BodyAddr()
	}
	if len(locs) != len(op.Args) {
		return fmt.Errorf("%w: jump passes %d values to %d inputs", backend.ErrInternal, len(op.Args), len(locs))
	}

	moves := make([]regalloc.Move, len(op.Args))
	for j, v := range op.Args {
		src, err := c.location(v)
		if err != nil {
			return err
		}
		moves[j] = regalloc.Move{Src: src, Dst: locs[j], Kind: v.Kind()}
	}
	seq, err := regalloc.Sequence(moves, scratchLocation)
	if err != nil {
		return err
	}
	for _, m := range seq {
		c.emit(moveFragment(m.Dst, m.Src, m.Kind))
	}

	if own {
		c.emit(amd64.Jump(labelBody))
		return nil
	}
	c.emit(
		amd64.MovAbs(amd64.Reg64(scratchGP), uint64(addr)),
		amd64.JumpReg(amd64.Reg64(scratchGP)),
	)
	return nil
}

// compileFinish copies the results to the value array and leaves. Register
// and slot values are stored before constants, which may need rax.
func (c *compiler) compileFinish(op *ir.Op) error {
	k := c.req.FirstExit + len(c.exits)
	c.noteValues(len(op.Args))
	c.emit(loadValuesBase())

	for j, v := range op.Args {
		b, ok := v.(*ir.Box)
		if !ok {
			continue
		}
		loc, err := c.location(b)
		if err != nil {
			return err
		}
		switch l := loc.(type) {
		case regalloc.Reg:
			if l.Class == regalloc.ClassFloat {
				c.emit(amd64.MovsdStore(valueMem(j), xmmReg(l)))
			} else {
				c.emit(amd64.MovToMemory(valueMem(j), gpReg(l)))
			}
		case regalloc.Slot:
			c.emit(amd64.MoveMem(valueMem(j), slotMem(l)))
		}
	}
	for j, v := range op.Args {
		k, ok := v.(ir.Const)
		if !ok {
			continue
		}
		if fitsImm32(k.Bits()) {
			c.emit(amd64.MovStoreImm(valueMem(j), int32(k.Int()), 8))
			continue
		}
		c.emit(
			loadImm(amd64.Reg64(amd64.RAX), k.Bits()),
			amd64.MovToMemory(valueMem(j), amd64.Reg64(amd64.RAX)),
		)
	}
	c.emit(c.leave(k)...)

	c.exits = append(c.exits, backend.Exit{
		Index:       k,
		Opcode:      ir.OpFinish,
		Kinds:       op.ExitKinds(),
		PatchOffset: -1,
		FrameDepth:  c.frame.Depth(),
	})
	return nil
}
