package amd64

import (
	"errors"
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/amd64"
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

// Registers kept out of allocation: rsp, rbp (frame pointer) and r11 as a
// general scratch; xmm15 is the float scratch.
const (
	scratchGP    = amd64.R11
	scratchFloat = 15
	framePointer = amd64.RBP
)

var gpAllocationOrder = []int{
	int(amd64.RAX), int(amd64.RCX), int(amd64.RDX), int(amd64.RBX),
	int(amd64.RSI), int(amd64.RDI), int(amd64.R8), int(amd64.R9),
	int(amd64.R10), int(amd64.R12), int(amd64.R13), int(amd64.R14),
	int(amd64.R15),
}

var gpByteRegisters = []int{int(amd64.RAX), int(amd64.RCX), int(amd64.RDX), int(amd64.RBX)}

var gpCallerSaved = []int{
	int(amd64.RAX), int(amd64.RCX), int(amd64.RDX), int(amd64.RSI),
	int(amd64.RDI), int(amd64.R8), int(amd64.R9), int(amd64.R10),
}

var intArgRegisters = []asm.Variable{amd64.RDI, amd64.RSI, amd64.RDX, amd64.RCX, amd64.R8, amd64.R9}

const floatArgRegisters = 8

func clamp(v, lo, hi int) int {
	if v <= 0 || v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}

func gpPool(limit int) regalloc.Pool {
	n := clamp(limit, 3, len(gpAllocationOrder))
	return regalloc.Pool{
		Class:       regalloc.ClassGP,
		Regs:        append([]int(nil), gpAllocationOrder[:n]...),
		ByteRegs:    gpByteRegisters,
		CallerSaved: gpCallerSaved,
	}
}

func floatPool(limit int) regalloc.Pool {
	n := clamp(limit, 2, scratchFloat)
	regs := make([]int, n)
	for i := range regs {
		regs[i] = i
	}
	return regalloc.Pool{
		Class:       regalloc.ClassFloat,
		Regs:        regs,
		CallerSaved: append([]int(nil), regs...),
	}
}

// fusedCond is a comparison whose flags a following guard consumes
// directly.
type fusedCond struct {
	box  *ir.Box
	cond amd64.Cond
}

type compiler struct {
	req   *backend.Request
	trace *ir.Trace

	lv    *regalloc.Longevity
	frame *regalloc.FrameManager
	gp    *regalloc.RegisterManager
	fp    *regalloc.RegisterManager

	main asm.Group
	cold asm.Group
	// cur is where allocator moves go; always main during op compilation.
	cur *asm.Group

	inputLocs []regalloc.Location
	exits     []backend.Exit
	maxValues int

	fused *fusedCond
	// flagsFrom is the index of the op whose flags are still valid.
	flagsFrom int
}

// Move implements regalloc.Emitter.
func (c *compiler) Move(dst, src regalloc.Location, kind ir.Kind) {
	*c.cur = append(*c.cur, moveFragment(dst, src, kind))
}

func (c *compiler) emit(frags ...asm.Fragment) {
	*c.cur = append(*c.cur, frags...)
}

func (c *compiler) emitCold(frags ...asm.Fragment) {
	c.cold = append(c.cold, frags...)
}

func (c *compiler) label(format string, args ...any) asm.Label {
	return asm.Label(fmt.Sprintf(format, args...))
}

const (
	labelEntry = asm.Label("entry")
	labelBody  = asm.Label("body")
	labelExit  = asm.Label("exit")
)

func siteLabel(k int) asm.Label { return asm.Label(fmt.Sprintf("site%d", k)) }

// Compile generates code for one trace.
func Compile(req *backend.Request) (*backend.Result, error) {
	c, err := newCompiler(req)
	if err != nil {
		return nil, err
	}
	if err := c.compileInputs(); err != nil {
		return nil, c.wrap(-1, nil, err)
	}
	for i, op := range c.trace.Ops {
		if err := c.compileOp(i, op); err != nil {
			return nil, c.wrap(i, op, err)
		}
	}
	c.emitEpilogue()

	prog, err := amd64.EmitProgram(asm.Group{c.main, asm.InSection(asm.SectionCold, c.cold)})
	if err != nil {
		return nil, c.wrap(-1, nil, fmt.Errorf("%w: %v", backend.ErrInternal, err))
	}
	return c.result(prog)
}

func newCompiler(req *backend.Request) (*compiler, error) {
	if req == nil || req.Trace == nil {
		return nil, fmt.Errorf("amd64: request needs a trace")
	}
	t := req.Trace
	if req.Bridge && len(req.InputSlots) != len(t.Inputs) {
		return nil, &backend.CompileError{Trace: t.Name, Index: -1,
			Err: fmt.Errorf("%w: %d inputs but %d input slots", backend.ErrInternal, len(t.Inputs), len(req.InputSlots))}
	}
	c := &compiler{
		req:       req,
		trace:     t,
		lv:        regalloc.ComputeLongevity(t.Inputs, t.Ops),
		frame:     regalloc.NewFrameManager(req.FrameStart),
		flagsFrom: -2,
	}
	c.cur = &c.main
	c.gp = regalloc.NewRegisterManager(gpPool(req.Limits.MaxIntRegisters), c.lv, c.frame, c)
	c.fp = regalloc.NewRegisterManager(floatPool(req.Limits.MaxFloatRegisters), c.lv, c.frame, c)
	return c, nil
}

func (c *compiler) wrap(i int, op *ir.Op, err error) error {
	var ce *backend.CompileError
	if errors.As(err, &ce) {
		return err
	}
	if !errors.Is(err, backend.ErrNotImplemented) && !errors.Is(err, backend.ErrInternal) {
		err = fmt.Errorf("%w: %w", backend.ErrInternal, err)
	}
	return &backend.CompileError{Trace: c.trace.Name, Index: i, Op: op, Err: err}
}

func (c *compiler) mgr(k ir.Kind) *regalloc.RegisterManager {
	if k == ir.KindFloat {
		return c.fp
	}
	return c.gp
}

func (c *compiler) location(v ir.Value) (regalloc.Location, error) {
	return c.mgr(v.Kind()).Location(v)
}

func (c *compiler) noteValues(n int) {
	if n > c.maxValues {
		c.maxValues = n
	}
}

// compileInputs places the trace inputs. Loop inputs take free registers in
// input order and then slots; bridge inputs stay in the slots their guard
// stored them to.
func (c *compiler) compileInputs() error {
	inputs := c.trace.Inputs
	c.noteValues(len(inputs))
	c.inputLocs = make([]regalloc.Location, len(inputs))
	pre := regalloc.Ctx{Position: -1}

	for i, b := range inputs {
		m := c.mgr(b.Kind())
		if c.req.Bridge {
			m.BindFrame(b, c.req.InputSlots[i])
			c.inputLocs[i] = c.req.InputSlots[i]
			continue
		}
		if r, ok := m.FreeRegister(); ok {
			if err := m.Bind(b, r); err != nil {
				return err
			}
			c.inputLocs[i], _ = m.RegisterOf(b)
			continue
		}
		s := c.frame.NewSlot()
		m.BindFrame(b, s)
		c.inputLocs[i] = s
	}

	if !c.req.Bridge {
		c.emitBootstrap()
	}
	c.emit(asm.MarkLabel(labelBody))

	boxes := make([]ir.Value, len(inputs))
	for i, b := range inputs {
		boxes[i] = b
	}
	c.gp.ReleaseDead(pre, boxes)
	c.fp.ReleaseDead(pre, boxes)
	return nil
}

func (c *compiler) compileOp(i int, op *ir.Op) error {
	ctx := regalloc.Ctx{Position: i}
	if err := c.dispatch(ctx, i, op); err != nil {
		return err
	}
	if op.Opcode.IsFinal() {
		return nil
	}
	c.gp.EndOp(ctx, op)
	c.fp.EndOp(ctx, op)
	if c.req.Limits.DebugChecks {
		if err := c.gp.Check(ctx); err != nil {
			return fmt.Errorf("%w: %v", backend.ErrInternal, err)
		}
		if err := c.fp.Check(ctx); err != nil {
			return fmt.Errorf("%w: %v", backend.ErrInternal, err)
		}
	}
	return nil
}

// dispatch switches over every opcode; TestEveryOpcodeHasHandler keeps the
// switch complete.
func (c *compiler) dispatch(ctx regalloc.Ctx, i int, op *ir.Op) error {
	switch op.Opcode {
	case ir.OpIntAdd, ir.OpIntSub, ir.OpIntMul, ir.OpIntAnd, ir.OpIntOr, ir.OpIntXor,
		ir.OpIntAddOvf, ir.OpIntSubOvf, ir.OpIntMulOvf:
		return c.compileIntBinary(ctx, i, op)
	case ir.OpIntFloorDiv, ir.OpIntMod:
		return c.compileDivision(ctx, i, op)
	case ir.OpIntLshift, ir.OpIntRshift, ir.OpUintRshift:
		return c.compileShift(ctx, op)
	case ir.OpIntNeg, ir.OpIntInvert:
		return c.compileIntUnary(ctx, op)
	case ir.OpIntLt, ir.OpIntLe, ir.OpIntEq, ir.OpIntNe, ir.OpIntGt, ir.OpIntGe,
		ir.OpUintLt, ir.OpUintLe, ir.OpUintGt, ir.OpUintGe,
		ir.OpIntIsTrue, ir.OpIntIsZero, ir.OpPtrEq, ir.OpPtrNe:
		return c.compileIntCompare(ctx, i, op)
	case ir.OpFloatAdd, ir.OpFloatSub, ir.OpFloatMul, ir.OpFloatTrueDiv:
		return c.compileFloatBinary(ctx, op)
	case ir.OpFloatNeg, ir.OpFloatAbs:
		return c.compileFloatUnary(ctx, op)
	case ir.OpFloatLt, ir.OpFloatLe, ir.OpFloatEq, ir.OpFloatNe, ir.OpFloatGt, ir.OpFloatGe:
		return c.compileFloatCompare(ctx, i, op)
	case ir.OpCastFloatToInt, ir.OpCastIntToFloat:
		return c.compileCast(ctx, op)
	case ir.OpSameAsI, ir.OpSameAsR, ir.OpSameAsF:
		_, err := c.mgr(op.Result.Kind()).ForceResultInSameRegister(ctx, op.Result, op.Args[0], regalloc.AllocOpts{})
		return err
	case ir.OpGetfieldGCI, ir.OpGetfieldGCR, ir.OpGetfieldGCF:
		return c.compileGetfield(ctx, op)
	case ir.OpSetfieldGC:
		return c.compileSetfield(ctx, op)
	case ir.OpGetarrayitemGCI, ir.OpGetarrayitemGCR, ir.OpGetarrayitemGCF:
		return c.compileGetarrayitem(ctx, op)
	case ir.OpSetarrayitemGC:
		return c.compileSetarrayitem(ctx, op)
	case ir.OpArraylenGC:
		return c.compileArraylen(ctx, op)
	case ir.OpNew, ir.OpNewWithVtable, ir.OpNewArray:
		return c.compileNew(ctx, op)
	case ir.OpCallI, ir.OpCallR, ir.OpCallF, ir.OpCallN:
		return c.compileCall(ctx, op)
	case ir.OpGuardTrue, ir.OpGuardFalse, ir.OpGuardValue, ir.OpGuardClass,
		ir.OpGuardNonnull, ir.OpGuardIsnull, ir.OpGuardNoOverflow, ir.OpGuardOverflow:
		return c.compileGuard(ctx, i, op)
	case ir.OpJump:
		return c.compileJump(op)
	case ir.OpFinish:
		return c.compileFinish(op)
	case ir.OpDebugMergePoint:
		return nil
	}
	return fmt.Errorf("%w: opcode %s", backend.ErrNotImplemented, op.Opcode)
}

func (c *compiler) result(prog asm.Program) (*backend.Result, error) {
	res := &backend.Result{
		Program:        prog,
		EntryOffset:    -1,
		InputLocations: c.inputLocs,
		FrameDepth:     c.frame.Depth(),
		MaxValues:      c.maxValues,
		Exits:          c.exits,
	}
	body, ok := prog.Label(labelBody)
	if !ok {
		return nil, c.wrap(-1, nil, fmt.Errorf("%w: body label missing", backend.ErrInternal))
	}
	res.BodyOffset = body
	if !c.req.Bridge {
		entry, ok := prog.Label(labelEntry)
		if !ok {
			return nil, c.wrap(-1, nil, fmt.Errorf("%w: entry label missing", backend.ErrInternal))
		}
		res.EntryOffset = entry
	}
	for i := range res.Exits {
		e := &res.Exits[i]
		if e.Opcode == ir.OpFinish {
			e.PatchOffset = -1
			continue
		}
		off, ok := prog.Label(siteLabel(e.Index))
		if !ok {
			return nil, c.wrap(-1, nil, fmt.Errorf("%w: patch site for exit %d missing", backend.ErrInternal, e.Index))
		}
		e.PatchOffset = off
	}
	return res, nil
}
