package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

func gpReg(r regalloc.Reg) amd64.Reg { return amd64.Reg64(asm.Variable(r.Num)) }

func xmmReg(r regalloc.Reg) amd64.XReg { return amd64.Xmm(asm.Variable(r.Num)) }

func frameWord(word int) amd64.Memory {
	return amd64.Mem(amd64.Reg64(framePointer)).WithDisp(regalloc.WordOffset(word))
}

func slotMem(s regalloc.Slot) amd64.Memory {
	return amd64.Mem(amd64.Reg64(framePointer)).WithDisp(regalloc.SlotOffset(s))
}

// valueMem addresses entry i of the frame's value array, whose base is in
// r11.
func valueMem(i int) amd64.Memory {
	return amd64.Mem(amd64.Reg64(scratchGP)).WithDisp(int32(i * 8))
}

func loadValuesBase() asm.Fragment {
	return amd64.MovFromMemory(amd64.Reg64(scratchGP), frameWord(regalloc.FrameValuesWord))
}

func fitsImm32(bits uint64) bool { return amd64.FitsInt32(int64(bits)) }

// loadImm materializes a constant into a general register.
func loadImm(dst amd64.Reg, bits uint64) asm.Fragment {
	return amd64.MovImmediate(dst, int64(bits))
}

// storeImm writes a 64-bit constant to mem, through r11 when it does not
// fit a sign-extended imm32.
func storeImm(mem amd64.Memory, bits uint64) asm.Fragment {
	if fitsImm32(bits) {
		return amd64.MovStoreImm(mem, int32(int64(bits)), 8)
	}
	return asm.Group{
		loadImm(amd64.Reg64(scratchGP), bits),
		amd64.MovToMemory(mem, amd64.Reg64(scratchGP)),
	}
}

// moveFragment copies a value of kind between two locations. Only r11 and
// xmm15 are clobbered besides dst.
func moveFragment(dst, src regalloc.Location, kind ir.Kind) asm.Fragment {
	switch d := dst.(type) {
	case regalloc.Reg:
		switch s := src.(type) {
		case regalloc.Reg:
			switch {
			case d.Class == regalloc.ClassFloat && s.Class == regalloc.ClassFloat:
				return amd64.MovXmm(xmmReg(d), xmmReg(s))
			case d.Class == regalloc.ClassFloat:
				return amd64.MovqToXmm(xmmReg(d), gpReg(s))
			case s.Class == regalloc.ClassFloat:
				return amd64.MovqFromXmm(gpReg(d), xmmReg(s))
			}
			return amd64.MovReg(gpReg(d), gpReg(s))
		case regalloc.Slot:
			if d.Class == regalloc.ClassFloat {
				return amd64.MovsdLoad(xmmReg(d), slotMem(s))
			}
			return amd64.MovFromMemory(gpReg(d), slotMem(s))
		case regalloc.Imm:
			if d.Class == regalloc.ClassFloat {
				if s.Bits == 0 {
					return amd64.FloatArith(amd64.FloatXor, xmmReg(d), xmmReg(d))
				}
				return asm.Group{
					loadImm(amd64.Reg64(scratchGP), s.Bits),
					amd64.MovqToXmm(xmmReg(d), amd64.Reg64(scratchGP)),
				}
			}
			return loadImm(gpReg(d), s.Bits)
		}
	case regalloc.Slot:
		switch s := src.(type) {
		case regalloc.Reg:
			if s.Class == regalloc.ClassFloat {
				return amd64.MovsdStore(slotMem(d), xmmReg(s))
			}
			return amd64.MovToMemory(slotMem(d), gpReg(s))
		case regalloc.Slot:
			return amd64.MoveMem(slotMem(d), slotMem(s))
		case regalloc.Imm:
			return storeImm(slotMem(d), s.Bits)
		}
	}
	return failing(fmt.Errorf("amd64: cannot move %s into %s (%s)", src, dst, kind))
}

func failing(err error) asm.Fragment {
	return asm.Group{errorFragment{err}}
}

type errorFragment struct{ err error }

func (f errorFragment) Emit(asm.Context) error { return f.err }

// operand is the second source of a two-address instruction.
type operand struct {
	reg   amd64.Reg
	xmm   amd64.XReg
	mem   amd64.Memory
	imm   int32
	isReg bool
	isMem bool
	isImm bool
}

// intOperand resolves v as an immediate, a register or its frame slot.
// Constants that do not fit imm32 are loaded into a temporary register.
func (c *compiler) intOperand(ctx regalloc.Ctx, v ir.Value, opts regalloc.AllocOpts) (operand, error) {
	if k, ok := v.(ir.Const); ok && fitsImm32(k.Bits()) {
		return operand{imm: int32(k.Int()), isImm: true}, nil
	}
	if b, ok := v.(*ir.Box); ok {
		if r, ok := c.gp.RegisterOf(b); ok {
			return operand{reg: gpReg(r), isReg: true}, nil
		}
		if c.gp.InFrame(b) {
			s, _ := c.frame.Lookup(b)
			return operand{mem: slotMem(s), isMem: true}, nil
		}
	}
	r, err := c.gp.EnsureInRegister(ctx, v, opts)
	if err != nil {
		return operand{}, err
	}
	return operand{reg: gpReg(r), isReg: true}, nil
}

// floatOperand resolves v as an xmm register or its frame slot.
func (c *compiler) floatOperand(ctx regalloc.Ctx, v ir.Value, opts regalloc.AllocOpts) (operand, error) {
	if b, ok := v.(*ir.Box); ok {
		if r, ok := c.fp.RegisterOf(b); ok {
			return operand{xmm: xmmReg(r), isReg: true}, nil
		}
		if c.fp.InFrame(b) {
			s, _ := c.frame.Lookup(b)
			return operand{mem: slotMem(s), isMem: true}, nil
		}
	}
	r, err := c.fp.EnsureInRegister(ctx, v, opts)
	if err != nil {
		return operand{}, err
	}
	return operand{xmm: xmmReg(r), isReg: true}, nil
}

// boxes returns the boxes among vals, for AllocOpts.Forbidden.
func boxes(vals ...ir.Value) []*ir.Box {
	var out []*ir.Box
	for _, v := range vals {
		if b, ok := v.(*ir.Box); ok {
			out = append(out, b)
		}
	}
	return out
}

func sameBox(a, b ir.Value) bool {
	ba, ok := a.(*ir.Box)
	return ok && ba == b
}
