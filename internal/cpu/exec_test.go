//go:build linux && amd64

package cpu

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/interp"
	"github.com/tinyrange/tracejit/internal/ir"
)

func newTestCPU(t *testing.T, cfg Config, opts ...Option) *CPU {
	t.Helper()
	cfg.DebugChecks = true
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func build(t *testing.T, b *ir.Builder) *ir.Trace {
	t.Helper()
	tr, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return tr
}

func setInputs(t *testing.T, c *CPU, kinds []ir.Kind, words []uint64) {
	t.Helper()
	for i, k := range kinds {
		var err error
		switch k {
		case ir.KindInt:
			err = c.SetFutureValueInt(i, int64(words[i]))
		case ir.KindRef:
			err = c.SetFutureValueRef(i, uintptr(words[i]))
		case ir.KindFloat:
			err = c.SetFutureValueFloat(i, math.Float64frombits(words[i]))
		}
		if err != nil {
			t.Fatalf("SetFutureValue(%d): %v", i, err)
		}
	}
}

func latest(t *testing.T, c *CPU, kinds []ir.Kind) []uint64 {
	t.Helper()
	out := make([]uint64, len(kinds))
	for i, k := range kinds {
		var err error
		switch k {
		case ir.KindInt:
			var v int64
			v, err = c.GetLatestValueInt(i)
			out[i] = uint64(v)
		case ir.KindRef:
			var v uintptr
			v, err = c.GetLatestValueRef(i)
			out[i] = uint64(v)
		case ir.KindFloat:
			var v float64
			v, err = c.GetLatestValueFloat(i)
			out[i] = math.Float64bits(v)
		}
		if err != nil {
			t.Fatalf("GetLatestValue(%d): %v", i, err)
		}
	}
	return out
}

func execute(t *testing.T, c *CPU, tok *LoopToken, words ...uint64) *FailDescr {
	t.Helper()
	setInputs(t, c, tok.InputKinds(), words)
	fd, err := c.ExecuteToken(tok)
	if err != nil {
		t.Fatalf("ExecuteToken: %v", err)
	}
	return fd
}

// countLoop is i=start; while i<limit: i+=1.
func countLoop(t *testing.T, limit int64) *ir.Trace {
	b := ir.NewBuilder("count")
	i := b.Input(ir.KindInt)
	lt := b.Emit(ir.OpIntLt, i, ir.ConstInt(limit))
	b.Guard(ir.OpGuardTrue, []ir.Value{i}, lt)
	next := b.Emit(ir.OpIntAdd, i, ir.ConstInt(1))
	b.Jump(nil, next)
	return build(t, b)
}

func TestCountingLoop(t *testing.T) {
	c := newTestCPU(t, Config{})
	tr := countLoop(t, 5)
	tok, err := c.CompileLoop(tr.Inputs, tr.Ops)
	if err != nil {
		t.Fatalf("CompileLoop: %v", err)
	}

	fd := execute(t, c, tok, 0)
	if fd != tok.Exits()[0] || fd.IsFinish() {
		t.Fatalf("left through %v", fd)
	}
	if got := latest(t, c, fd.Kinds)[0]; got != 5 {
		t.Fatalf("i = %d, want 5", got)
	}

	// With a bridge that finishes, the loop ends in a finish with i == 5.
	bb := ir.NewBuilder("")
	i := bb.Input(ir.KindInt)
	bb.Finish(i)
	if err := c.CompileBridge(fd, bb.Inputs(), bb.Ops()); err != nil {
		t.Fatalf("CompileBridge: %v", err)
	}
	fin := execute(t, c, tok, 0)
	if !fin.IsFinish() || fin != fd.BridgeExits()[0] {
		t.Fatalf("left through %v, want the bridge finish", fin)
	}
	if got, _ := c.GetLatestValueInt(0); got != 5 {
		t.Fatalf("i = %d, want 5", got)
	}
}

func TestGuardFailureThenBridge(t *testing.T) {
	var hookCalls int
	c := newTestCPU(t, Config{}, WithGuardFailureHook(func(fd *FailDescr) { hookCalls++ }))

	b := ir.NewBuilder("pair")
	i := b.Input(ir.KindInt)
	j := b.Input(ir.KindInt)
	z := b.Emit(ir.OpIntEq, i, ir.ConstInt(0))
	b.Guard(ir.OpGuardTrue, []ir.Value{i, j}, z)
	b.Finish(j)
	tr := build(t, b)
	tok, err := c.CompileTrace(tr)
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}

	fd := execute(t, c, tok, 3, 7)
	if fd.IsFinish() || fd.Guard != ir.OpGuardTrue {
		t.Fatalf("left through %v", fd)
	}
	vals := latest(t, c, fd.Kinds)
	if vals[0] != 3 || vals[1] != 7 {
		t.Fatalf("fail values %v, want [3 7]", vals)
	}
	if fd.Failures != 1 || hookCalls != 1 {
		t.Fatalf("failures=%d hook=%d after one failure", fd.Failures, hookCalls)
	}

	bb := ir.NewBuilder("")
	a := bb.Input(ir.KindInt)
	bv := bb.Input(ir.KindInt)
	sum := bb.Emit(ir.OpIntAdd, a, bv)
	bb.Finish(sum)
	if err := c.CompileBridge(fd, bb.Inputs(), bb.Ops()); err != nil {
		t.Fatalf("CompileBridge: %v", err)
	}
	if !fd.HasBridge() {
		t.Fatalf("bridge not recorded")
	}

	for n := 0; n < 3; n++ {
		fin := execute(t, c, tok, 3, 7)
		if !fin.IsFinish() {
			t.Fatalf("left through %v", fin)
		}
		if got, _ := c.GetLatestValueInt(0); got != 10 {
			t.Fatalf("bridge result %d, want 10", got)
		}
	}
	if fd.Failures != 1 || hookCalls != 1 {
		t.Fatalf("callback ran after the bridge was attached: failures=%d hook=%d", fd.Failures, hookCalls)
	}

	if fin := execute(t, c, tok, 0, 9); fin != tok.Exits()[1] {
		t.Fatalf("passing guard left through %v", fin)
	}

	err = c.CompileBridge(fd, bb.Inputs(), bb.Ops())
	if !errors.Is(err, ErrBridgeAttached) {
		t.Fatalf("second bridge: %v", err)
	}
}

func TestBridgeRejectsWrongInputs(t *testing.T) {
	c := newTestCPU(t, Config{})
	tok, err := c.CompileTrace(countLoop(t, 1))
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	fd := tok.Exits()[0]

	bb := ir.NewBuilder("")
	f := bb.Input(ir.KindFloat)
	bb.Finish(f)
	if err := c.CompileBridge(fd, bb.Inputs(), bb.Ops()); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("float input for int fail value: %v", err)
	}
}

func TestGuardRoundTrip(t *testing.T) {
	for _, limit := range []int{0, 3} {
		c := newTestCPU(t, Config{MaxIntRegisters: limit, MaxFloatRegisters: limit})

		b := ir.NewBuilder("roundtrip")
		flag := b.Input(ir.KindInt)
		x := b.Input(ir.KindInt)
		p := b.Input(ir.KindRef)
		f := b.Input(ir.KindFloat)
		y := b.Emit(ir.OpIntMul, x, ir.ConstInt(3))
		g := b.Emit(ir.OpFloatMul, f, f)
		b.Guard(ir.OpGuardFalse, []ir.Value{x, p, f, y, g, ir.ConstInt(-1 << 40), ir.ConstFloat(2.5), ir.ConstRef(0x1000)}, flag)
		b.Guard(ir.OpGuardFalse, nil, x)
		b.Finish()
		tok, err := c.CompileTrace(build(t, b))
		if err != nil {
			t.Fatalf("CompileTrace: %v", err)
		}

		rng := rand.New(rand.NewPCG(1, uint64(limit)))
		for n := 0; n < 20; n++ {
			xv, pv, fv := rng.Int64(), uintptr(rng.Uint64()), rng.NormFloat64()
			fd := execute(t, c, tok, 1, uint64(xv), uint64(pv), math.Float64bits(fv))
			if fd != tok.Exits()[0] {
				t.Fatalf("left through %v", fd)
			}
			got := latest(t, c, fd.Kinds)
			want := []uint64{uint64(xv), uint64(pv), math.Float64bits(fv), uint64(xv * 3),
				math.Float64bits(fv * fv), 0xffffff0000000000, math.Float64bits(2.5), 0x1000}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("limit %d: fail value %d = %#x, want %#x", limit, i, got[i], want[i])
				}
			}
		}

		// A guard without fail values hands back nothing.
		fd := execute(t, c, tok, 0, 1, 0, 0)
		if fd != tok.Exits()[1] || len(fd.Kinds) != 0 {
			t.Fatalf("left through %v", fd)
		}
		if _, err := c.GetLatestValueInt(0); err == nil {
			t.Fatalf("stale value readable after an exit without values")
		}
	}
}

// exitOps lists the ops a trace can leave through, in the order the CPU
// numbers them.
func exitOps(t *ir.Trace) []*ir.Op {
	var out []*ir.Op
	for _, op := range t.Ops {
		if op.Opcode.ExitsTrace() {
			out = append(out, op)
		}
	}
	return out
}

// agree runs tr both ways and fails on any difference in exit or values.
func agree(t *testing.T, c *CPU, tok *LoopToken, tr *ir.Trace, env *interp.Env, exits map[*ir.Op]*FailDescr, inputs []uint64) {
	t.Helper()
	want, err := interp.Run(tr, inputs, env)
	if err != nil {
		t.Fatalf("interp.Run: %v", err)
	}
	fd := execute(t, c, tok, inputs...)
	if exits[want.Exit] != fd {
		t.Fatalf("inputs %#x: compiled code left through %v, interpreter through %v", inputs, fd, want.Exit)
	}
	got := latest(t, c, fd.Kinds)
	for i := range want.Values {
		if got[i] != want.Values[i] {
			t.Fatalf("inputs %#x: value %d = %#x, interpreter %#x", inputs, i, got[i], want.Values[i])
		}
	}
}

func tokenExits(tok *LoopToken, tr *ir.Trace) map[*ir.Op]*FailDescr {
	m := map[*ir.Op]*FailDescr{}
	for i, op := range exitOps(tr) {
		m[op] = tok.Exits()[i]
	}
	return m
}

// mixedTrace exercises integer, float and comparison ops whose results
// stay live together.
func mixedTrace(t *testing.T) *ir.Trace {
	b := ir.NewBuilder("mixed")
	a := b.Input(ir.KindInt)
	bi := b.Input(ir.KindInt)
	cnt := b.Input(ir.KindInt)
	f := b.Input(ir.KindFloat)
	g := b.Input(ir.KindFloat)

	odd := b.Emit(ir.OpIntOr, bi, ir.ConstInt(1))
	q := b.Emit(ir.OpIntFloorDiv, a, odd)
	r := b.Emit(ir.OpIntMod, a, odd)
	q7 := b.Emit(ir.OpIntFloorDiv, a, ir.ConstInt(-7))
	sh := b.Emit(ir.OpIntLshift, a, cnt)
	sr := b.Emit(ir.OpIntRshift, a, cnt)
	ur := b.Emit(ir.OpUintRshift, a, ir.ConstInt(7))
	x := b.Emit(ir.OpIntXor, q, sh)
	x = b.Emit(ir.OpIntSub, ir.ConstInt(100), x)
	x = b.Emit(ir.OpIntAnd, x, ir.ConstInt(0x7fff_ffff_0000))
	m := b.Emit(ir.OpIntMul, r, ir.ConstInt(-3))
	neg := b.Emit(ir.OpIntNeg, m)
	inv := b.Emit(ir.OpIntInvert, sr)
	lt := b.Emit(ir.OpIntLt, a, bi)
	ule := b.Emit(ir.OpUintLe, a, bi)
	isz := b.Emit(ir.OpIntIsZero, r)
	ist := b.Emit(ir.OpIntIsTrue, q7)

	s := b.Emit(ir.OpFloatAdd, f, g)
	d := b.Emit(ir.OpFloatTrueDiv, s, ir.ConstFloat(3))
	fm := b.Emit(ir.OpFloatMul, d, g)
	fs := b.Emit(ir.OpFloatSub, fm, f)
	fn := b.Emit(ir.OpFloatNeg, fs)
	fa := b.Emit(ir.OpFloatAbs, fn)
	fl := b.Emit(ir.OpFloatLt, f, g)
	fe := b.Emit(ir.OpFloatEq, f, g)
	fne := b.Emit(ir.OpFloatNe, fa, f)
	fge := b.Emit(ir.OpFloatGe, fa, g)
	ci := b.Emit(ir.OpCastFloatToInt, d)
	cf := b.Emit(ir.OpCastIntToFloat, r)

	gt := b.Emit(ir.OpIntGt, ci, ir.ConstInt(1000))
	b.Guard(ir.OpGuardFalse, []ir.Value{a, ci, fa, x}, gt)
	sum := b.Emit(ir.OpIntAddOvf, x, m)
	b.Guard(ir.OpGuardNoOverflow, []ir.Value{x, m})
	b.Finish(q, r, q7, sh, sr, ur, sum, neg, inv, lt, ule, isz, ist, fa, fl, fe, fne, fge, ci, cf)
	return build(t, b)
}

func TestMatchesInterpreter(t *testing.T) {
	tr := mixedTrace(t)
	for _, limit := range []int{0, 5, 3} {
		c := newTestCPU(t, Config{MaxIntRegisters: limit, MaxFloatRegisters: limit})
		tok, err := c.CompileTrace(tr)
		if err != nil {
			t.Fatalf("limit %d: CompileTrace: %v", limit, err)
		}
		exits := tokenExits(tok, tr)
		rng := rand.New(rand.NewPCG(7, uint64(limit)))
		specials := []float64{0, math.Copysign(0, -1), math.NaN(), math.Inf(1), 1e300}
		for n := 0; n < 200; n++ {
			a := rng.Int64N(2000) - 1000
			if n%5 == 0 {
				a = rng.Int64()
			}
			bi := rng.Int64N(100) - 50
			cnt := rng.Int64N(70)
			f := rng.NormFloat64() * 100
			g := rng.NormFloat64() * 100
			if n%7 == 0 {
				g = specials[n%len(specials)]
			}
			if n%11 == 0 {
				f = g
			}
			agree(t, c, tok, tr, nil, exits, []uint64{uint64(a), uint64(bi), uint64(cnt), math.Float64bits(f), math.Float64bits(g)})
		}
	}
}

func TestOperandsOutliveOpAtMinimumPools(t *testing.T) {
	ib := ir.NewBuilder("mod_live")
	x, y := ib.Input(ir.KindInt), ib.Input(ir.KindInt)
	m := ib.Emit(ir.OpIntMod, x, y)
	s := ib.Emit(ir.OpIntAdd, m, x)
	ib.Finish(s, y)
	ints := build(t, ib)

	fb := ir.NewBuilder("fadd_live")
	f, g := fb.Input(ir.KindFloat), fb.Input(ir.KindFloat)
	sum := fb.Emit(ir.OpFloatAdd, f, g)
	fb.Finish(sum, f, g)
	floats := build(t, fb)

	c := newTestCPU(t, Config{MaxIntRegisters: 3, MaxFloatRegisters: 2})
	itok, err := c.CompileTrace(ints)
	if err != nil {
		t.Fatalf("CompileTrace(%s): %v", ints.Name, err)
	}
	ftok, err := c.CompileTrace(floats)
	if err != nil {
		t.Fatalf("CompileTrace(%s): %v", floats.Name, err)
	}

	rng := rand.New(rand.NewPCG(3, 5))
	for n := 0; n < 50; n++ {
		xv := rng.Int64N(10000) - 5000
		yv := rng.Int64N(200) - 100
		if yv == 0 {
			yv = 7
		}
		agree(t, c, itok, ints, nil, tokenExits(itok, ints), []uint64{uint64(xv), uint64(yv)})
		agree(t, c, ftok, floats, nil, tokenExits(ftok, floats),
			[]uint64{math.Float64bits(rng.NormFloat64()), math.Float64bits(rng.NormFloat64())})
	}
}

func TestFloatLoop(t *testing.T) {
	b := ir.NewBuilder("floats")
	i := b.Input(ir.KindInt)
	acc := b.Input(ir.KindFloat)
	fi := b.Emit(ir.OpCastIntToFloat, i)
	half := b.Emit(ir.OpFloatMul, fi, ir.ConstFloat(0.5))
	acc2 := b.Emit(ir.OpFloatAdd, acc, half)
	i2 := b.Emit(ir.OpIntAdd, i, ir.ConstInt(1))
	more := b.Emit(ir.OpFloatLt, acc2, ir.ConstFloat(100))
	b.Guard(ir.OpGuardTrue, []ir.Value{i2, acc2}, more)
	b.Jump(nil, i2, acc2)
	tr := build(t, b)

	for _, limit := range []int{0, 2} {
		c := newTestCPU(t, Config{MaxFloatRegisters: limit})
		tok, err := c.CompileTrace(tr)
		if err != nil {
			t.Fatalf("CompileTrace: %v", err)
		}
		agree(t, c, tok, tr, nil, tokenExits(tok, tr), []uint64{0, math.Float64bits(0.25)})
	}
}

func TestBridgeJumpsBackIntoLoop(t *testing.T) {
	c := newTestCPU(t, Config{MaxIntRegisters: 4})

	b := ir.NewBuilder("inner")
	i := b.Input(ir.KindInt)
	n := b.Input(ir.KindInt)
	lt := b.Emit(ir.OpIntLt, i, n)
	g := b.Guard(ir.OpGuardTrue, []ir.Value{i, n}, lt)
	i2 := b.Emit(ir.OpIntAdd, i, ir.ConstInt(1))
	b.Jump(nil, i2, n)
	loop := build(t, b)
	tok, err := c.CompileTrace(loop)
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}

	bb := ir.NewBuilder("outer")
	bi := bb.Input(ir.KindInt)
	bn := bb.Input(ir.KindInt)
	more := bb.Emit(ir.OpIntLt, bn, ir.ConstInt(20))
	bb.Guard(ir.OpGuardTrue, []ir.Value{bn, bi}, more)
	n2 := bb.Emit(ir.OpIntAdd, bn, ir.ConstInt(5))
	bb.Jump(tok, bi, n2)
	bridge := build(t, bb)

	fd := tok.Exits()[0]
	if err := c.CompileBridge(fd, bridge.Inputs, bridge.Ops); err != nil {
		t.Fatalf("CompileBridge: %v", err)
	}

	env := &interp.Env{
		Targets: map[ir.Descr]*ir.Trace{tok: loop},
		Bridges: map[*ir.Op]*ir.Trace{g: bridge},
	}
	exits := tokenExits(tok, loop)
	exits[exitOps(bridge)[0]] = fd.BridgeExits()[0]
	agree(t, c, tok, loop, env, exits, []uint64{0, 5})

	if got := latest(t, c, fd.BridgeExits()[0].Kinds); got[0] != 20 || got[1] != 20 {
		t.Fatalf("final values %v, want [20 20]", got)
	}
	if fd.Failures != 0 {
		t.Fatalf("guard with a bridge reported %d failures", fd.Failures)
	}
}

func TestJumpToAnotherLoop(t *testing.T) {
	c := newTestCPU(t, Config{})
	tr := countLoop(t, 10)
	target, err := c.CompileTrace(tr)
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}

	b := ir.NewBuilder("prelude")
	x := b.Input(ir.KindInt)
	y := b.Input(ir.KindFloat)
	h := b.Emit(ir.OpCastFloatToInt, y)
	s := b.Emit(ir.OpIntAdd, x, h)
	b.Jump(target, s)
	pre, err := c.CompileTrace(build(t, b))
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}

	setInputs(t, c, pre.InputKinds(), []uint64{2, math.Float64bits(3.9)})
	fd, err := c.ExecuteToken(pre)
	if err != nil {
		t.Fatalf("ExecuteToken: %v", err)
	}
	if fd != target.Exits()[0] {
		t.Fatalf("left through %v", fd)
	}
	if got, _ := c.GetLatestValueInt(0); got != 10 {
		t.Fatalf("i = %d, want 10", got)
	}
}

var (
	nativeOnce   sync.Once
	nativeMuladd uintptr
)

func muladdCallback() uintptr {
	nativeOnce.Do(func() {
		nativeMuladd = purego.NewCallback(func(a, b, c uintptr) uintptr {
			return a*10 + b - c
		})
	})
	return nativeMuladd
}

func TestNativeCall(t *testing.T) {
	c := newTestCPU(t, Config{MaxIntRegisters: 5})
	cd := c.Descrs().CallDescr([]ir.Kind{ir.KindInt, ir.KindInt, ir.KindInt}, ir.KindInt)

	b := ir.NewBuilder("call")
	x := b.Input(ir.KindInt)
	y := b.Input(ir.KindInt)
	z := b.Input(ir.KindInt)
	keep := b.Emit(ir.OpIntAdd, x, z)
	r := b.EmitDescr(ir.OpCallI, cd, ir.ConstInt(int64(muladdCallback())), x, y, ir.ConstInt(4))
	s := b.Emit(ir.OpIntAdd, r, keep)
	b.Finish(s, keep, z)
	tr := build(t, b)
	tok, err := c.CompileTrace(tr)
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	agree(t, c, tok, tr, nil, tokenExits(tok, tr), []uint64{6, 2, 100})
	if got, _ := c.GetLatestValueInt(0); got != 6*10+2-4+106 {
		t.Fatalf("result %d", got)
	}
}

func TestAllocationHooks(t *testing.T) {
	arena := NewArena(0)
	defer arena.Close()
	var barriers []uintptr
	c := newTestCPU(t, Config{}, WithGCHooks(GCHooks{
		Malloc:       arena.Malloc,
		WriteBarrier: func(obj uintptr) { barriers = append(barriers, obj) },
	}))

	d := c.Descrs()
	size := d.SizeDescr(32)
	count := d.FieldDescr(ir.FieldShape{Offset: 8, Size: 4, Kind: ir.KindInt, Signed: true}, "count")
	next := d.FieldDescr(ir.FieldShape{Offset: 16, Size: 8, Kind: ir.KindRef}, "next")
	weight := d.FieldDescr(ir.FieldShape{Offset: 24, Size: 8, Kind: ir.KindFloat}, "weight")
	items := d.ArrayDescr(ir.ArrayShape{BaseOffset: 8, ItemSize: 2, LengthOffset: 0, Kind: ir.KindInt, Signed: true})

	b := ir.NewBuilder("alloc")
	n := b.Input(ir.KindInt)
	w := b.Input(ir.KindFloat)
	obj := b.EmitDescr(ir.OpNewWithVtable, size, ir.ConstRef(0x5151))
	arr := b.EmitDescr(ir.OpNewArray, items, n)
	b.EmitDescr(ir.OpSetfieldGC, count, obj, n)
	b.EmitDescr(ir.OpSetfieldGC, next, obj, arr)
	b.EmitDescr(ir.OpSetfieldGC, weight, obj, w)
	last := b.Emit(ir.OpIntSub, n, ir.ConstInt(1))
	b.EmitDescr(ir.OpSetarrayitemGC, items, arr, last, ir.ConstInt(-2))
	b.Guard(ir.OpGuardClass, nil, obj, ir.ConstRef(0x5151))
	b.Guard(ir.OpGuardNonnull, nil, arr)
	got := b.EmitDescr(ir.OpGetfieldGCR, next, obj)
	item := b.EmitDescr(ir.OpGetarrayitemGCI, items, got, last)
	length := b.EmitDescr(ir.OpArraylenGC, items, got)
	wv := b.EmitDescr(ir.OpGetfieldGCF, weight, obj)
	b.Finish(obj, item, length, wv)
	tok, err := c.CompileTrace(build(t, b))
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}

	fd := execute(t, c, tok, 6, math.Float64bits(1.5))
	if !fd.IsFinish() {
		t.Fatalf("left through %v", fd)
	}
	vals := latest(t, c, fd.Kinds)
	if int64(vals[1]) != -2 || vals[2] != 6 || math.Float64frombits(vals[3]) != 1.5 {
		t.Fatalf("values %v", vals)
	}
	p := uintptr(vals[0])
	if *(*uint64)(unsafe.Pointer(p)) != 0x5151 || *(*int32)(unsafe.Pointer(p + 8)) != 6 {
		t.Fatalf("object header not written")
	}
	if len(barriers) != 1 || barriers[0] != p {
		t.Fatalf("barriers %#x, want one for %#x", barriers, p)
	}
	if arena.Allocated() != 32+32 {
		t.Fatalf("allocated %d bytes", arena.Allocated())
	}
}

func TestAllocationNeedsHook(t *testing.T) {
	c := newTestCPU(t, Config{})
	b := ir.NewBuilder("alloc")
	obj := b.EmitDescr(ir.OpNew, c.Descrs().SizeDescr(8))
	b.Finish(obj)
	_, err := c.CompileTrace(build(t, b))
	var ce *CompileError
	if !errors.As(err, &ce) || !errors.Is(err, ErrNotImplemented) || ce.Index != 0 {
		t.Fatalf("err = %v", err)
	}
}

func TestKindChecks(t *testing.T) {
	c := newTestCPU(t, Config{})
	tok, err := c.CompileTrace(countLoop(t, 3))
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	if err := c.SetFutureValueFloat(0, 1); err != nil {
		t.Fatalf("SetFutureValueFloat: %v", err)
	}
	if _, err := c.ExecuteToken(tok); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("float input for int loop: %v", err)
	}

	fd := execute(t, c, tok, 0)
	if fd != tok.Exits()[0] {
		t.Fatalf("left through %v", fd)
	}
	if _, err := c.GetLatestValueFloat(0); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("int read as float: %v", err)
	}
	if _, err := c.GetLatestValueInt(1); err == nil {
		t.Fatalf("read past the exit values")
	}
}

func TestReentryIsRefused(t *testing.T) {
	var c *CPU
	var hookErr, execErr error
	var tok *LoopToken
	c = newTestCPU(t, Config{}, WithGuardFailureHook(func(fd *FailDescr) {
		bb := ir.NewBuilder("")
		i := bb.Input(ir.KindInt)
		bb.Finish(i)
		hookErr = c.CompileBridge(fd, bb.Inputs(), bb.Ops())
		_, execErr = c.ExecuteToken(tok)
	}))
	var err error
	tok, err = c.CompileTrace(countLoop(t, 2))
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	fd := execute(t, c, tok, 0)
	if fd.IsFinish() || fd.HasBridge() {
		t.Fatalf("left through %v", fd)
	}
	if !errors.Is(hookErr, ErrExecuting) || !errors.Is(execErr, ErrExecuting) {
		t.Fatalf("nested calls: compile %v, execute %v", hookErr, execErr)
	}
}

func TestSideChannel(t *testing.T) {
	c := newTestCPU(t, Config{})
	c.SetSideChannel(0xfeed)
	tok, err := c.CompileTrace(countLoop(t, 1))
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	execute(t, c, tok, 0)
	if got := c.SideChannel(); got != 0xfeed {
		t.Fatalf("side channel = %#x", got)
	}
}

func TestManyInputsUseSlots(t *testing.T) {
	c := newTestCPU(t, Config{MaxIntRegisters: 3})
	b := ir.NewBuilder("wide")
	var ins []ir.Value
	for range 12 {
		ins = append(ins, b.Input(ir.KindInt))
	}
	acc := ins[0]
	for _, v := range ins[1:] {
		acc = b.Emit(ir.OpIntAdd, acc, v)
	}
	b.Finish(append([]ir.Value{acc}, ins...)...)
	tr := build(t, b)
	tok, err := c.CompileTrace(tr)
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	inputs := make([]uint64, 12)
	for i := range inputs {
		inputs[i] = uint64(i * i)
	}
	agree(t, c, tok, tr, nil, tokenExits(tok, tr), inputs)
}

func TestCodeIsReadable(t *testing.T) {
	c := newTestCPU(t, Config{CodeChunkSize: 4096})
	tok, err := c.CompileTrace(countLoop(t, 1))
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	code, err := c.Code(tok)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if len(code) != tok.CodeSize() || tok.Entry() <= tok.BodyAddr() {
		t.Fatalf("code %d bytes, entry %#x body %#x", len(code), tok.Entry(), tok.BodyAddr())
	}
	if st := c.CodeStats(); st.InUse < len(code) || st.Chunks != 1 {
		t.Fatalf("stats %s", st)
	}
}

// renumbering shifts the index of the last exit a backend reports.
type renumbering struct {
	backend.Backend
}

func (r renumbering) Compile(req *backend.Request) (*backend.Result, error) {
	res, err := r.Backend.Compile(req)
	if err != nil || len(res.Exits) == 0 {
		return res, err
	}
	res.Exits[len(res.Exits)-1].Index += 7
	return res, nil
}

func TestMisnumberedExitsLeaveNoTrace(t *testing.T) {
	c := newTestCPU(t, Config{})
	if _, err := c.CompileTrace(countLoop(t, 3)); err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	exits, inUse := len(c.exits), c.CodeStats().InUse

	native := c.be
	c.be = renumbering{native}
	b := ir.NewBuilder("two_exits")
	x := b.Input(ir.KindInt)
	b.Guard(ir.OpGuardTrue, []ir.Value{x}, x)
	b.Finish(x)
	tr := build(t, b)
	if _, err := c.CompileTrace(tr); !errors.Is(err, ErrInternal) {
		t.Fatalf("CompileTrace = %v, want ErrInternal", err)
	}
	if len(c.exits) != exits || c.CodeStats().InUse != inUse {
		t.Fatalf("failed compile left %d exits and %d bytes, had %d and %d",
			len(c.exits), c.CodeStats().InUse, exits, inUse)
	}

	c.be = native
	tok, err := c.CompileTrace(tr)
	if err != nil {
		t.Fatalf("CompileTrace: %v", err)
	}
	if got := tok.Exits()[0].Index; got != exits {
		t.Fatalf("first exit index %d, want %d", got, exits)
	}
}
