// Package interp executes traces step by step. It is the reference the
// compiled code is checked against, so every operation follows the
// machine semantics of the code generator: truncating division, shift
// counts taken modulo 64, and bit-exact value guards.
package interp

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/tinyrange/tracejit/internal/ir"
)

var (
	ErrDivisionByZero = errors.New("interp: division by zero")
	ErrStepLimit      = errors.New("interp: step limit reached")
)

// DefaultMaxSteps bounds a run when Env.MaxSteps is zero.
const DefaultMaxSteps = 10_000_000

// Env supplies what a trace needs beyond its own ops.
type Env struct {
	// Targets resolves jump descriptors naming other loops.
	Targets map[ir.Descr]*ir.Trace
	// Bridges continues a failing guard in another trace.
	Bridges map[*ir.Op]*ir.Trace

	Malloc       func(size uintptr) uintptr
	WriteBarrier func(obj uintptr)
	// Call invokes a native function. Nil selects the platform caller,
	// which only handles integer and pointer arguments.
	Call func(fn uintptr, cd *ir.CallDescr, args []uint64) (uint64, error)

	MaxSteps int
}

// Outcome is how a run left its traces: through a finish or a guard that
// has no bridge.
type Outcome struct {
	// Trace holds the exit op.
	Trace  *ir.Trace
	Exit   *ir.Op
	Values []uint64
	Kinds  []ir.Kind
	Steps  int
}

// IsFinish reports whether the run ended with a finish.
func (o *Outcome) IsFinish() bool { return o.Exit.Opcode == ir.OpFinish }

func (o *Outcome) Int(i int) int64 { return int64(o.Values[i]) }

func (o *Outcome) Float(i int) float64 { return math.Float64frombits(o.Values[i]) }

// RunError locates a failure inside a trace.
type RunError struct {
	Trace string
	Index int
	Op    *ir.Op
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("interp: %s op %d (%s): %v", e.Trace, e.Index, e.Op.Opcode, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

type machine struct {
	env   *Env
	vals  map[*ir.Box]uint64
	steps int
	max   int
	// ovf is the overflow flag left by the last *_ovf op.
	ovf bool
}

// Run executes t with inputs given as raw words in input order.
func Run(t *ir.Trace, inputs []uint64, env *Env) (*Outcome, error) {
	if env == nil {
		env = &Env{}
	}
	m := &machine{env: env, max: env.MaxSteps}
	if m.max <= 0 {
		m.max = DefaultMaxSteps
	}

	loop := t
	cur, bridge := t, false
	args := inputs
	for {
		if len(args) != len(cur.Inputs) {
			return nil, fmt.Errorf("interp: %s takes %d inputs, got %d", cur.Name, len(cur.Inputs), len(args))
		}
		m.vals = make(map[*ir.Box]uint64, len(cur.Inputs)+len(cur.Ops))
		for i, b := range cur.Inputs {
			m.vals[b] = args[i]
		}

		next, out, err := m.runTrace(cur)
		if err != nil {
			return nil, err
		}
		if out != nil {
			out.Steps = m.steps
			return out, nil
		}

		switch {
		case next.trace != nil:
			cur, bridge = next.trace, next.bridge
			if !bridge {
				loop = cur
			}
		case bridge:
			return nil, fmt.Errorf("interp: bridge %s jumps back to itself", cur.Name)
		default:
			cur = loop
		}
		args = next.args
	}
}

// transfer is where control goes after a trace's last op or a bridged
// guard. A nil trace means the current loop.
type transfer struct {
	trace  *ir.Trace
	bridge bool
	args   []uint64
}

func (m *machine) runTrace(t *ir.Trace) (transfer, *Outcome, error) {
	for i, op := range t.Ops {
		m.steps++
		if m.steps > m.max {
			return transfer{}, nil, ErrStepLimit
		}
		fail := func(err error) error { return &RunError{Trace: t.Name, Index: i, Op: op, Err: err} }

		switch {
		case op.Opcode.IsGuard():
			holds, err := m.guard(op)
			if err != nil {
				return transfer{}, nil, fail(err)
			}
			if holds {
				continue
			}
			vals := m.words(op.FailArgs)
			if b, ok := m.env.Bridges[op]; ok {
				return transfer{trace: b, bridge: true, args: vals}, nil, nil
			}
			return transfer{}, &Outcome{Trace: t, Exit: op, Values: vals, Kinds: op.ExitKinds()}, nil

		case op.Opcode == ir.OpFinish:
			return transfer{}, &Outcome{Trace: t, Exit: op, Values: m.words(op.Args), Kinds: op.ExitKinds()}, nil

		case op.Opcode == ir.OpJump:
			next := transfer{args: m.words(op.Args)}
			if op.Descr != nil {
				target, ok := m.env.Targets[op.Descr]
				if !ok {
					return transfer{}, nil, fail(fmt.Errorf("unknown jump target %v", op.Descr))
				}
				next.trace = target
			}
			return next, nil, nil
		}

		res, err := m.exec(op)
		if err != nil {
			return transfer{}, nil, fail(err)
		}
		if op.Result != nil {
			m.vals[op.Result] = res
		}
	}
	return transfer{}, nil, fmt.Errorf("interp: %s has no final operation", t.Name)
}

func (m *machine) word(v ir.Value) uint64 {
	switch v := v.(type) {
	case ir.Const:
		return v.Bits()
	case *ir.Box:
		return m.vals[v]
	}
	return 0
}

func (m *machine) words(vs []ir.Value) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = m.word(v)
	}
	return out
}

func (m *machine) float(v ir.Value) float64 { return math.Float64frombits(m.word(v)) }

func b2w(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *machine) guard(op *ir.Op) (bool, error) {
	switch op.Opcode {
	case ir.OpGuardTrue, ir.OpGuardNonnull:
		return m.word(op.Args[0]) != 0, nil
	case ir.OpGuardFalse, ir.OpGuardIsnull:
		return m.word(op.Args[0]) == 0, nil
	case ir.OpGuardValue:
		return m.word(op.Args[0]) == m.word(op.Args[1]), nil
	case ir.OpGuardClass:
		return load(uintptr(m.word(op.Args[0])), 8, false) == m.word(op.Args[1]), nil
	case ir.OpGuardNoOverflow:
		return !m.ovf, nil
	case ir.OpGuardOverflow:
		return m.ovf, nil
	}
	return false, fmt.Errorf("unknown guard %s", op.Opcode)
}

func (m *machine) exec(op *ir.Op) (uint64, error) {
	switch op.Opcode {
	case ir.OpDebugMergePoint:
		return 0, nil
	case ir.OpSameAsI, ir.OpSameAsR, ir.OpSameAsF:
		return m.word(op.Args[0]), nil
	case ir.OpIntNeg:
		return -m.word(op.Args[0]), nil
	case ir.OpIntInvert:
		return ^m.word(op.Args[0]), nil
	case ir.OpIntIsTrue:
		return b2w(m.word(op.Args[0]) != 0), nil
	case ir.OpIntIsZero:
		return b2w(m.word(op.Args[0]) == 0), nil
	case ir.OpFloatNeg:
		return m.word(op.Args[0]) ^ (1 << 63), nil
	case ir.OpFloatAbs:
		return m.word(op.Args[0]) &^ (1 << 63), nil
	case ir.OpCastIntToFloat:
		return math.Float64bits(float64(int64(m.word(op.Args[0])))), nil
	case ir.OpCastFloatToInt:
		return uint64(truncate(m.float(op.Args[0]))), nil
	}

	if op.Opcode.IsCall() || op.Opcode.NeedsDescr() {
		return m.execMemory(op)
	}

	if len(op.Args) == 2 && op.Args[0].Kind() == ir.KindFloat {
		return m.execFloat(op)
	}
	return m.execInt(op)
}

func (m *machine) execInt(op *ir.Op) (uint64, error) {
	a, b := m.word(op.Args[0]), m.word(op.Args[1])
	sa, sb := int64(a), int64(b)
	switch op.Opcode {
	case ir.OpIntAdd:
		return a + b, nil
	case ir.OpIntSub:
		return a - b, nil
	case ir.OpIntMul:
		return a * b, nil
	case ir.OpIntAnd:
		return a & b, nil
	case ir.OpIntOr:
		return a | b, nil
	case ir.OpIntXor:
		return a ^ b, nil
	case ir.OpIntFloorDiv, ir.OpIntMod:
		if sb == 0 {
			return 0, ErrDivisionByZero
		}
		if op.Opcode == ir.OpIntFloorDiv {
			return uint64(sa / sb), nil
		}
		return uint64(sa % sb), nil
	case ir.OpIntLshift:
		return a << (b & 63), nil
	case ir.OpIntRshift:
		return uint64(sa >> (b & 63)), nil
	case ir.OpUintRshift:
		return a >> (b & 63), nil

	case ir.OpIntAddOvf:
		r := sa + sb
		m.ovf = (sa >= 0) == (sb >= 0) && (r >= 0) != (sa >= 0)
		return uint64(r), nil
	case ir.OpIntSubOvf:
		r := sa - sb
		m.ovf = (sa >= 0) != (sb >= 0) && (r >= 0) != (sa >= 0)
		return uint64(r), nil
	case ir.OpIntMulOvf:
		r := sa * sb
		m.ovf = mulOverflows(sa, sb)
		return uint64(r), nil

	case ir.OpIntLt:
		return b2w(sa < sb), nil
	case ir.OpIntLe:
		return b2w(sa <= sb), nil
	case ir.OpIntEq, ir.OpPtrEq:
		return b2w(a == b), nil
	case ir.OpIntNe, ir.OpPtrNe:
		return b2w(a != b), nil
	case ir.OpIntGt:
		return b2w(sa > sb), nil
	case ir.OpIntGe:
		return b2w(sa >= sb), nil
	case ir.OpUintLt:
		return b2w(a < b), nil
	case ir.OpUintLe:
		return b2w(a <= b), nil
	case ir.OpUintGt:
		return b2w(a > b), nil
	case ir.OpUintGe:
		return b2w(a >= b), nil
	}
	return 0, fmt.Errorf("no interpretation for %s", op.Opcode)
}

func (m *machine) execFloat(op *ir.Op) (uint64, error) {
	a, b := m.float(op.Args[0]), m.float(op.Args[1])
	switch op.Opcode {
	case ir.OpFloatAdd:
		return math.Float64bits(a + b), nil
	case ir.OpFloatSub:
		return math.Float64bits(a - b), nil
	case ir.OpFloatMul:
		return math.Float64bits(a * b), nil
	case ir.OpFloatTrueDiv:
		return math.Float64bits(a / b), nil
	case ir.OpFloatLt:
		return b2w(a < b), nil
	case ir.OpFloatLe:
		return b2w(a <= b), nil
	case ir.OpFloatEq:
		return b2w(a == b), nil
	case ir.OpFloatNe:
		return b2w(a != b), nil
	case ir.OpFloatGt:
		return b2w(a > b), nil
	case ir.OpFloatGe:
		return b2w(a >= b), nil
	}
	return 0, fmt.Errorf("no interpretation for %s", op.Opcode)
}

// mulOverflows reports whether a*b does not fit in an int64.
func mulOverflows(a, b int64) bool {
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(abs64(a), abs64(b))
	if hi != 0 {
		return true
	}
	if neg {
		return lo > 1<<63
	}
	return lo >= 1<<63
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// truncate converts like cvttsd2si: NaN and out-of-range values give the
// integer indefinite value.
func truncate(f float64) int64 {
	if math.IsNaN(f) || f >= 1<<63 || f < -(1<<63) {
		return math.MinInt64
	}
	return int64(f)
}

func load(addr uintptr, size int, signed bool) uint64 {
	p := unsafe.Pointer(addr)
	switch size {
	case 1:
		if signed {
			return uint64(int64(*(*int8)(p)))
		}
		return uint64(*(*uint8)(p))
	case 2:
		if signed {
			return uint64(int64(*(*int16)(p)))
		}
		return uint64(*(*uint16)(p))
	case 4:
		if signed {
			return uint64(int64(*(*int32)(p)))
		}
		return uint64(*(*uint32)(p))
	}
	return *(*uint64)(p)
}

func store(addr uintptr, size int, v uint64) {
	p := unsafe.Pointer(addr)
	switch size {
	case 1:
		*(*uint8)(p) = uint8(v)
	case 2:
		*(*uint16)(p) = uint16(v)
	case 4:
		*(*uint32)(p) = uint32(v)
	default:
		*(*uint64)(p) = v
	}
}
