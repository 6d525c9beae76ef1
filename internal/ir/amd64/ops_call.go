package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

// callArg is one native call argument: an IR value, or a fixed location
// when value is nil.
type callArg struct {
	value ir.Value
	loc   regalloc.Location
	kind  ir.Kind
}

func valueArg(v ir.Value) callArg { return callArg{value: v, kind: v.Kind()} }

func immArg(bits uint64) callArg {
	return callArg{loc: regalloc.Imm{Bits: bits}, kind: ir.KindInt}
}

// frameArg passes the frame pointer so hooks can find the running CPU.
func frameArg() callArg {
	return callArg{loc: regalloc.GP(int(framePointer)), kind: ir.KindRef}
}

func (c *compiler) argLocation(a callArg) (regalloc.Location, error) {
	if a.value == nil {
		return a.loc, nil
	}
	return c.location(a.value)
}

func scratchLocation(k ir.Kind) regalloc.Location {
	if k == ir.KindFloat {
		return regalloc.Float(scratchFloat)
	}
	return regalloc.GP(int(scratchGP))
}

// keepAcrossCall makes sure vals still have a frame copy once the call
// has clobbered the caller-saved registers.
func (c *compiler) keepAcrossCall(vals ...ir.Value) {
	for _, b := range boxes(vals...) {
		c.mgr(b.Kind()).Spill(b)
	}
}

// emitNativeCall calls fn with the SysV convention. Live values leave the
// caller-saved registers first and the arguments are placed with one
// parallel move; result, if any, is bound to rax or xmm0.
func (c *compiler) emitNativeCall(ctx regalloc.Ctx, fn callArg, args []callArg, result *ir.Box) error {
	c.gp.SpillCallerSaved(ctx)
	c.fp.SpillCallerSaved(ctx)

	moves := make([]regalloc.Move, 0, len(args)+1)
	ints, floats := 0, 0
	for _, a := range args {
		src, err := c.argLocation(a)
		if err != nil {
			return err
		}
		var dst regalloc.Location
		if a.kind == ir.KindFloat {
			if floats >= floatArgRegisters {
				return fmt.Errorf("%w: more than %d float arguments", backend.ErrNotImplemented, floatArgRegisters)
			}
			dst = regalloc.Float(floats)
			floats++
		} else {
			if ints >= len(intArgRegisters) {
				return fmt.Errorf("%w: more than %d integer arguments", backend.ErrNotImplemented, len(intArgRegisters))
			}
			dst = regalloc.GP(int(intArgRegisters[ints]))
			ints++
		}
		moves = append(moves, regalloc.Move{Src: src, Dst: dst, Kind: a.kind})
	}
	src, err := c.argLocation(fn)
	if err != nil {
		return err
	}
	moves = append(moves, regalloc.Move{Src: src, Dst: regalloc.GP(int(amd64.RAX)), Kind: ir.KindInt})

	seq, err := regalloc.Sequence(moves, scratchLocation)
	if err != nil {
		return err
	}
	for _, m := range seq {
		c.emit(moveFragment(m.Dst, m.Src, m.Kind))
	}
	c.emit(amd64.CallReg(amd64.Reg64(amd64.RAX)))

	c.gp.ReleaseCallerSaved()
	c.fp.ReleaseCallerSaved()

	if result == nil {
		return nil
	}
	if result.Kind() == ir.KindFloat {
		return c.fp.Bind(result, 0)
	}
	return c.gp.Bind(result, int(amd64.RAX))
}

func (c *compiler) compileCall(ctx regalloc.Ctx, op *ir.Op) error {
	if _, ok := op.Descr.(*ir.CallDescr); !ok {
		return fmt.Errorf("%s needs a call descriptor, got %v", op.Opcode, op.Descr)
	}
	args := make([]callArg, 0, len(op.Args)-1)
	for _, v := range op.Args[1:] {
		args = append(args, valueArg(v))
	}
	return c.emitNativeCall(ctx, valueArg(op.Args[0]), args, op.Result)
}
