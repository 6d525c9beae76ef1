package interp

import (
	"errors"
	"math"
	"testing"
	"unsafe"

	"github.com/tinyrange/tracejit/internal/ir"
)

func build(t *testing.T, b *ir.Builder) *ir.Trace {
	t.Helper()
	tr, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return tr
}

// countTo builds i=start; while i<limit: i+=1.
func countTo(t *testing.T, limit int64) (*ir.Trace, *ir.Op) {
	b := ir.NewBuilder("count")
	i := b.Input(ir.KindInt)
	lt := b.Emit(ir.OpIntLt, i, ir.ConstInt(limit))
	g := b.Guard(ir.OpGuardTrue, []ir.Value{i}, lt)
	next := b.Emit(ir.OpIntAdd, i, ir.ConstInt(1))
	b.Jump(nil, next)
	return build(t, b), g
}

func TestLoopLeavesThroughGuard(t *testing.T) {
	tr, g := countTo(t, 5)
	out, err := Run(tr, []uint64{0}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Exit != g || out.IsFinish() {
		t.Fatalf("left through %v, want the loop guard", out.Exit)
	}
	if got := out.Int(0); got != 5 {
		t.Fatalf("i = %d, want 5", got)
	}
	if out.Steps != 5*4+2 {
		t.Fatalf("steps = %d", out.Steps)
	}
}

func TestBridgeContinuesGuard(t *testing.T) {
	tr, g := countTo(t, 5)

	bb := ir.NewBuilder("done")
	i := bb.Input(ir.KindInt)
	sq := bb.Emit(ir.OpIntMul, i, i)
	fin := bb.Finish(sq)
	bridge := build(t, bb)

	out, err := Run(tr, []uint64{2}, &Env{Bridges: map[*ir.Op]*ir.Trace{g: bridge}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Exit != fin || out.Trace != bridge || out.Int(0) != 25 {
		t.Fatalf("outcome %+v", out)
	}
}

type target struct{ kinds []ir.Kind }

func (t *target) String() string        { return "<target>" }
func (t *target) InputKinds() []ir.Kind { return t.kinds }

func TestJumpToOtherLoop(t *testing.T) {
	other, _ := countTo(t, 3)
	tok := &target{kinds: []ir.Kind{ir.KindInt}}

	b := ir.NewBuilder("entry")
	x := b.Input(ir.KindInt)
	y := b.Emit(ir.OpIntSub, x, ir.ConstInt(10))
	b.Jump(tok, y)
	tr := build(t, b)

	out, err := Run(tr, []uint64{10}, &Env{Targets: map[ir.Descr]*ir.Trace{tok: other}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Trace != other || out.Int(0) != 3 {
		t.Fatalf("outcome %+v", out)
	}
}

func TestStepLimit(t *testing.T) {
	b := ir.NewBuilder("spin")
	i := b.Input(ir.KindInt)
	b.Jump(nil, i)
	_, err := Run(build(t, b), []uint64{0}, &Env{MaxSteps: 100})
	if !errors.Is(err, ErrStepLimit) {
		t.Fatalf("err = %v", err)
	}
}

func binary(t *testing.T, opc ir.Opcode, a, b ir.Value) uint64 {
	t.Helper()
	bld := ir.NewBuilder(opc.String())
	r := bld.Emit(opc, a, b)
	bld.Finish(r)
	out, err := Run(build(t, bld), nil, nil)
	if err != nil {
		t.Fatalf("%s: %v", opc, err)
	}
	return out.Values[0]
}

func TestIntegerSemantics(t *testing.T) {
	i := ir.ConstInt
	for _, tc := range []struct {
		op   ir.Opcode
		a, b int64
		want int64
	}{
		{ir.OpIntFloorDiv, 7, 2, 3},
		{ir.OpIntFloorDiv, -7, 2, -3},
		{ir.OpIntFloorDiv, math.MinInt64, -1, math.MinInt64},
		{ir.OpIntMod, -7, 2, -1},
		{ir.OpIntMod, math.MinInt64, -1, 0},
		{ir.OpIntLshift, 1, 65, 2},
		{ir.OpIntRshift, -16, 2, -4},
		{ir.OpUintRshift, -1, 60, 15},
		{ir.OpIntLt, -1, 0, 1},
		{ir.OpUintLt, -1, 0, 0},
		{ir.OpIntGe, 3, 3, 1},
		{ir.OpUintGt, -1, 1, 1},
	} {
		if got := int64(binary(t, tc.op, i(tc.a), i(tc.b))); got != tc.want {
			t.Errorf("%s(%d, %d) = %d, want %d", tc.op, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDivisionByZero(t *testing.T) {
	b := ir.NewBuilder("div")
	x := b.Input(ir.KindInt)
	q := b.Emit(ir.OpIntFloorDiv, ir.ConstInt(1), x)
	b.Finish(q)
	_, err := Run(build(t, b), []uint64{0}, nil)
	var re *RunError
	if !errors.Is(err, ErrDivisionByZero) || !errors.As(err, &re) || re.Index != 0 {
		t.Fatalf("err = %v", err)
	}
}

func TestOverflowGuards(t *testing.T) {
	for _, tc := range []struct {
		op       ir.Opcode
		a, b     int64
		overflow bool
	}{
		{ir.OpIntAddOvf, math.MaxInt64, 1, true},
		{ir.OpIntAddOvf, math.MaxInt64, -1, false},
		{ir.OpIntSubOvf, math.MinInt64, 1, true},
		{ir.OpIntSubOvf, -1, math.MaxInt64, false},
		{ir.OpIntMulOvf, 1 << 32, 1 << 31, true},
		{ir.OpIntMulOvf, -(1 << 32), 1 << 31, false},
		{ir.OpIntMulOvf, math.MinInt64, -1, true},
	} {
		b := ir.NewBuilder("ovf")
		x := b.Input(ir.KindInt)
		y := b.Input(ir.KindInt)
		r := b.Emit(tc.op, x, y)
		g := b.Guard(ir.OpGuardNoOverflow, []ir.Value{r})
		b.Finish(r)
		out, err := Run(build(t, b), []uint64{uint64(tc.a), uint64(tc.b)}, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if (out.Exit == g) != tc.overflow {
			t.Errorf("%s(%d, %d): overflow=%v, want %v", tc.op, tc.a, tc.b, out.Exit == g, tc.overflow)
		}
	}
}

func TestFloatSemantics(t *testing.T) {
	f := ir.ConstFloat
	nan := math.NaN()
	if got := binary(t, ir.OpFloatEq, f(nan), f(nan)); got != 0 {
		t.Fatalf("nan == nan")
	}
	if got := binary(t, ir.OpFloatNe, f(nan), f(1)); got != 1 {
		t.Fatalf("nan != 1 is false")
	}
	if got := binary(t, ir.OpFloatLt, f(nan), f(1)); got != 0 {
		t.Fatalf("nan < 1")
	}
	if got := math.Float64frombits(binary(t, ir.OpFloatTrueDiv, f(1), f(4))); got != 0.25 {
		t.Fatalf("1/4 = %v", got)
	}

	b := ir.NewBuilder("cast")
	x := b.Input(ir.KindFloat)
	n := b.Emit(ir.OpCastFloatToInt, x)
	a := b.Emit(ir.OpFloatAbs, x)
	b.Finish(n, a)
	tr := build(t, b)
	for _, tc := range []struct {
		in   float64
		want int64
		abs  float64
	}{
		{-2.75, -2, 2.75},
		{nan, math.MinInt64, math.NaN()},
		{1e300, math.MinInt64, 1e300},
	} {
		out, err := Run(tr, []uint64{math.Float64bits(tc.in)}, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if out.Int(0) != tc.want {
			t.Errorf("cast(%v) = %d, want %d", tc.in, out.Int(0), tc.want)
		}
		if got := out.Float(1); got != tc.abs && !(math.IsNaN(got) && math.IsNaN(tc.abs)) {
			t.Errorf("abs(%v) = %v", tc.in, got)
		}
	}
}

func TestGuardValueComparesBits(t *testing.T) {
	b := ir.NewBuilder("gv")
	x := b.Input(ir.KindFloat)
	g := b.Guard(ir.OpGuardValue, []ir.Value{x}, x, ir.ConstFloat(0))
	b.Finish(x)
	tr := build(t, b)

	out, _ := Run(tr, []uint64{math.Float64bits(0)}, nil)
	if out.Exit == g {
		t.Fatalf("+0 failed the guard")
	}
	out, _ = Run(tr, []uint64{math.Float64bits(math.Copysign(0, -1))}, nil)
	if out.Exit != g {
		t.Fatalf("-0 passed the guard")
	}
}

var heap [64]uint64

func TestMemoryOperations(t *testing.T) {
	for i := range heap {
		heap[i] = 0
	}
	base := uintptr(unsafe.Pointer(&heap[0]))
	next := base
	var barriers []uintptr
	env := &Env{
		Malloc: func(size uintptr) uintptr {
			p := next
			next += (size + 7) &^ 7
			return p
		},
		WriteBarrier: func(obj uintptr) { barriers = append(barriers, obj) },
	}

	cache := ir.NewDescrCache()
	vtable := ir.ConstRef(0xabc)
	size := cache.SizeDescr(24)
	small := cache.FieldDescr(ir.FieldShape{Offset: 8, Size: 1, Kind: ir.KindInt, Signed: true}, "small")
	ptr := cache.FieldDescr(ir.FieldShape{Offset: 16, Size: 8, Kind: ir.KindRef}, "ptr")
	arr := cache.ArrayDescr(ir.ArrayShape{BaseOffset: 8, ItemSize: 4, LengthOffset: 0, Kind: ir.KindInt})

	b := ir.NewBuilder("mem")
	obj := b.EmitDescr(ir.OpNewWithVtable, size, vtable)
	b.EmitDescr(ir.OpSetfieldGC, small, obj, ir.ConstInt(-3))
	items := b.EmitDescr(ir.OpNewArray, arr, ir.ConstInt(4))
	b.EmitDescr(ir.OpSetfieldGC, ptr, obj, items)
	b.EmitDescr(ir.OpSetarrayitemGC, arr, items, ir.ConstInt(2), ir.ConstInt(77))
	b.Guard(ir.OpGuardClass, nil, obj, vtable)
	got := b.EmitDescr(ir.OpGetfieldGCI, small, obj)
	back := b.EmitDescr(ir.OpGetfieldGCR, ptr, obj)
	item := b.EmitDescr(ir.OpGetarrayitemGCI, arr, back, ir.ConstInt(2))
	n := b.EmitDescr(ir.OpArraylenGC, arr, back)
	b.Finish(got, item, n)

	out, err := Run(build(t, b), nil, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.IsFinish() {
		t.Fatalf("left through %v", out.Exit)
	}
	if out.Int(0) != -3 || out.Int(1) != 77 || out.Int(2) != 4 {
		t.Fatalf("values %v", out.Values)
	}
	if heap[0] != 0xabc {
		t.Fatalf("vtable word = %#x", heap[0])
	}
	if len(barriers) != 1 || barriers[0] != base {
		t.Fatalf("barriers %v", barriers)
	}
}

func TestCallHook(t *testing.T) {
	cache := ir.NewDescrCache()
	cd := cache.CallDescr([]ir.Kind{ir.KindInt, ir.KindFloat}, ir.KindFloat)

	b := ir.NewBuilder("call")
	r := b.EmitDescr(ir.OpCallF, cd, ir.ConstInt(0x1234), ir.ConstInt(3), ir.ConstFloat(0.5))
	b.Finish(r)

	var gotFn uintptr
	env := &Env{Call: func(fn uintptr, d *ir.CallDescr, args []uint64) (uint64, error) {
		gotFn = fn
		return math.Float64bits(float64(int64(args[0])) + math.Float64frombits(args[1])), nil
	}}
	out, err := Run(build(t, b), nil, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotFn != 0x1234 || out.Float(0) != 3.5 {
		t.Fatalf("fn=%#x result=%v", gotFn, out.Float(0))
	}
}
