package amd64

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

// storeValue writes the low size bytes of v to mem. mem must not be based
// on r11.
func (c *compiler) storeValue(mem amd64.Memory, v ir.Value, size int) error {
	switch v := v.(type) {
	case ir.Const:
		bits := v.Bits()
		if size < 8 || fitsImm32(bits) {
			c.emit(amd64.MovStoreImm(mem, int32(int64(bits)), size))
			return nil
		}
		c.emit(
			loadImm(amd64.Reg64(scratchGP), bits),
			amd64.MovToMemory(mem, amd64.Reg64(scratchGP)),
		)
		return nil
	case *ir.Box:
		m := c.mgr(v.Kind())
		if r, ok := m.RegisterOf(v); ok {
			if v.Kind() == ir.KindFloat {
				c.emit(amd64.MovsdStore(mem, xmmReg(r)))
			} else {
				c.emit(amd64.Store(mem, gpReg(r), size))
			}
			return nil
		}
		if m.InFrame(v) {
			s, _ := c.frame.Lookup(v)
			c.emit(
				amd64.MovFromMemory(amd64.Reg64(scratchGP), slotMem(s)),
				amd64.Store(mem, amd64.Reg64(scratchGP), size),
			)
			return nil
		}
		return fmt.Errorf("%w: %s", regalloc.ErrNoLocation, v)
	}
	return fmt.Errorf("unexpected value %T", v)
}

// loadResult allocates op's result and loads it from mem.
func (c *compiler) loadResult(ctx regalloc.Ctx, result *ir.Box, mem amd64.Memory, size int, signed bool) error {
	if result.Kind() == ir.KindFloat {
		r, err := c.fp.Allocate(ctx, result, regalloc.AllocOpts{})
		if err != nil {
			return err
		}
		c.emit(amd64.MovsdLoad(xmmReg(r), mem))
		return nil
	}
	r, err := c.gp.Allocate(ctx, result, regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	c.emit(amd64.Load(gpReg(r), mem, size, signed))
	return nil
}

func fieldDescr(op *ir.Op) (*ir.FieldDescr, error) {
	fd, ok := op.Descr.(*ir.FieldDescr)
	if !ok {
		return nil, fmt.Errorf("%s needs a field descriptor, got %v", op.Opcode, op.Descr)
	}
	return fd, nil
}

func arrayDescr(op *ir.Op) (*ir.ArrayDescr, error) {
	ad, ok := op.Descr.(*ir.ArrayDescr)
	if !ok {
		return nil, fmt.Errorf("%s needs an array descriptor, got %v", op.Opcode, op.Descr)
	}
	return ad, nil
}

func (c *compiler) compileGetfield(ctx regalloc.Ctx, op *ir.Op) error {
	fd, err := fieldDescr(op)
	if err != nil {
		return err
	}
	obj, err := c.gp.EnsureInRegister(ctx, op.Args[0], regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	mem := amd64.Mem(gpReg(obj)).WithDisp(int32(fd.Offset))
	c.releaseArgs(ctx, op)
	return c.loadResult(ctx, op.Result, mem, fd.Size, fd.Signed)
}

// writeBarrier calls the barrier hook for obj when one is installed.
// obj and the stored value stay available afterwards through their slots.
func (c *compiler) writeBarrier(ctx regalloc.Ctx, obj ir.Value, keep ...ir.Value) error {
	if c.req.Hooks.WriteBarrier == 0 {
		return nil
	}
	c.keepAcrossCall(append(keep, obj)...)
	return c.emitNativeCall(ctx, immArg(uint64(c.req.Hooks.WriteBarrier)), []callArg{frameArg(), valueArg(obj)}, nil)
}

func (c *compiler) compileSetfield(ctx regalloc.Ctx, op *ir.Op) error {
	fd, err := fieldDescr(op)
	if err != nil {
		return err
	}
	obj, val := op.Args[0], op.Args[1]
	if fd.IsPointer() {
		if err := c.writeBarrier(ctx, obj, val); err != nil {
			return err
		}
	}
	r, err := c.gp.EnsureInRegister(ctx, obj, regalloc.AllocOpts{Forbidden: boxes(val)})
	if err != nil {
		return err
	}
	return c.storeValue(amd64.Mem(gpReg(r)).WithDisp(int32(fd.Offset)), val, fd.Size)
}

// itemMem addresses arr[idx]. A constant index folds into the displacement.
func (c *compiler) itemMem(ctx regalloc.Ctx, ad *ir.ArrayDescr, arr, idx ir.Value) (amd64.Memory, error) {
	ra, err := c.gp.EnsureInRegister(ctx, arr, regalloc.AllocOpts{Forbidden: boxes(idx)})
	if err != nil {
		return amd64.Memory{}, err
	}
	base := gpReg(ra)
	if k, ok := idx.(ir.Const); ok {
		disp := int64(ad.BaseOffset) + k.Int()*int64(ad.ItemSize)
		if amd64.FitsInt32(disp) {
			return amd64.Mem(base).WithDisp(int32(disp)), nil
		}
	}
	ri, err := c.gp.EnsureInRegister(ctx, idx, regalloc.AllocOpts{Forbidden: boxes(arr)})
	if err != nil {
		return amd64.Memory{}, err
	}
	return amd64.MemIndex(base, gpReg(ri), uint8(ad.ItemSize)).WithDisp(int32(ad.BaseOffset)), nil
}

func (c *compiler) compileGetarrayitem(ctx regalloc.Ctx, op *ir.Op) error {
	ad, err := arrayDescr(op)
	if err != nil {
		return err
	}
	mem, err := c.itemMem(ctx, ad, op.Args[0], op.Args[1])
	if err != nil {
		return err
	}
	c.releaseArgs(ctx, op)
	return c.loadResult(ctx, op.Result, mem, ad.ItemSize, ad.Signed)
}

func (c *compiler) compileSetarrayitem(ctx regalloc.Ctx, op *ir.Op) error {
	ad, err := arrayDescr(op)
	if err != nil {
		return err
	}
	arr, idx, val := op.Args[0], op.Args[1], op.Args[2]
	if ad.IsPointer() {
		if err := c.writeBarrier(ctx, arr, idx, val); err != nil {
			return err
		}
	}
	mem, err := c.itemMem(ctx, ad, arr, idx)
	if err != nil {
		return err
	}
	return c.storeValue(mem, val, ad.ItemSize)
}

func (c *compiler) compileArraylen(ctx regalloc.Ctx, op *ir.Op) error {
	ad, err := arrayDescr(op)
	if err != nil {
		return err
	}
	arr, err := c.gp.EnsureInRegister(ctx, op.Args[0], regalloc.AllocOpts{})
	if err != nil {
		return err
	}
	mem := amd64.Mem(gpReg(arr)).WithDisp(int32(ad.LengthOffset))
	c.releaseArgs(ctx, op)
	return c.loadResult(ctx, op.Result, mem, 8, true)
}

// compileNew allocates through the malloc hook, which returns zeroed
// memory, then writes the vtable or length header.
func (c *compiler) compileNew(ctx regalloc.Ctx, op *ir.Op) error {
	if c.req.Hooks.Malloc == 0 {
		return fmt.Errorf("%w: %s without a malloc hook", backend.ErrNotImplemented, op.Opcode)
	}
	malloc := immArg(uint64(c.req.Hooks.Malloc))

	switch op.Opcode {
	case ir.OpNew, ir.OpNewWithVtable:
		sd, ok := op.Descr.(*ir.SizeDescr)
		if !ok {
			return fmt.Errorf("%s needs a size descriptor, got %v", op.Opcode, op.Descr)
		}
		if op.Opcode == ir.OpNewWithVtable {
			c.keepAcrossCall(op.Args[0])
		}
		if err := c.emitNativeCall(ctx, malloc, []callArg{frameArg(), immArg(uint64(sd.Size))}, op.Result); err != nil {
			return err
		}
		if op.Opcode == ir.OpNew {
			return nil
		}
		r, _ := c.gp.RegisterOf(op.Result)
		vtable := op.Args[0]
		if _, ok := vtable.(*ir.Box); ok {
			if _, err := c.gp.EnsureInRegister(ctx, vtable, regalloc.AllocOpts{Forbidden: []*ir.Box{op.Result}}); err != nil {
				return err
			}
		}
		return c.storeValue(amd64.Mem(gpReg(r)), vtable, 8)
	}

	ad, err := arrayDescr(op)
	if err != nil {
		return err
	}
	length := op.Args[0]
	var size callArg
	if k, ok := length.(ir.Const); ok {
		size = immArg(uint64(int64(ad.BaseOffset) + k.Int()*int64(ad.ItemSize)))
	} else {
		c.keepAcrossCall(length)
		rl, err := c.gp.EnsureInRegister(ctx, length, regalloc.AllocOpts{})
		if err != nil {
			return err
		}
		t := c.gp.Temp(ctx, ir.KindInt)
		rt, err := c.gp.Allocate(ctx, t, regalloc.AllocOpts{Forbidden: boxes(length)})
		if err != nil {
			return err
		}
		c.emit(
			amd64.ImulRegImm(gpReg(rt), gpReg(rl), int32(ad.ItemSize)),
			amd64.AddRegImm(gpReg(rt), int32(ad.BaseOffset)),
		)
		size = valueArg(t)
	}
	if err := c.emitNativeCall(ctx, malloc, []callArg{frameArg(), size}, op.Result); err != nil {
		return err
	}
	r, _ := c.gp.RegisterOf(op.Result)
	if _, ok := length.(*ir.Box); ok {
		if _, err := c.gp.EnsureInRegister(ctx, length, regalloc.AllocOpts{Forbidden: []*ir.Box{op.Result}}); err != nil {
			return err
		}
	}
	return c.storeValue(amd64.Mem(gpReg(r)).WithDisp(int32(ad.LengthOffset)), length, 8)
}
