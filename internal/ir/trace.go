package ir

import (
	"fmt"
	"strings"
)

// Trace is a linear sequence of operations over a set of input boxes. The
// last operation is always a jump or a finish.
type Trace struct {
	Name   string
	Inputs []*Box
	Ops    []*Op
}

// NewTrace wraps inputs and ops without validating them.
func NewTrace(name string, inputs []*Box, ops []*Op) *Trace {
	return &Trace{Name: name, Inputs: inputs, Ops: ops}
}

func (t *Trace) InputKinds() []Kind {
	kinds := make([]Kind, len(t.Inputs))
	for i, b := range t.Inputs {
		kinds[i] = b.Kind()
	}
	return kinds
}

func (t *Trace) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "trace %s(", t.Name)
	for i, b := range t.Inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.String())
	}
	sb.WriteString(")\n")
	for i, op := range t.Ops {
		fmt.Fprintf(&sb, "%4d  %s\n", i, op)
	}
	return sb.String()
}

// ValidationError describes the first malformed operation found in a trace.
type ValidationError struct {
	Trace  string
	Index  int
	Op     *Op
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Op == nil {
		return fmt.Sprintf("ir: trace %q: %s", e.Trace, e.Reason)
	}
	return fmt.Sprintf("ir: trace %q: op %d (%s): %s", e.Trace, e.Index, e.Op.Opcode, e.Reason)
}

// Validate checks that t is well formed: boxes are defined before use and
// only once, argument kinds match the opcode signature, descriptors have
// the right type, overflow operations are followed by an overflow guard and
// the trace ends with exactly one final operation.
func (t *Trace) Validate() error {
	fail := func(i int, op *Op, format string, args ...any) error {
		return &ValidationError{Trace: t.Name, Index: i, Op: op, Reason: fmt.Sprintf(format, args...)}
	}

	defined := make(map[*Box]bool, len(t.Inputs)+len(t.Ops))
	for _, b := range t.Inputs {
		if b == nil {
			return fail(-1, nil, "nil input")
		}
		if b.Kind() == KindVoid {
			return fail(-1, nil, "input %s has void kind", b)
		}
		if defined[b] {
			return fail(-1, nil, "input %s listed twice", b)
		}
		defined[b] = true
	}

	if len(t.Ops) == 0 {
		return fail(-1, nil, "empty trace")
	}

	checkUse := func(i int, op *Op, v Value) error {
		if v == nil {
			return fail(i, op, "nil value")
		}
		if b, ok := v.(*Box); ok && !defined[b] {
			return fail(i, op, "%s used before definition", b)
		}
		return nil
	}

	for i, op := range t.Ops {
		if op == nil {
			return fail(i, nil, "nil op")
		}
		if !op.Opcode.Valid() {
			return fail(i, op, "invalid opcode")
		}
		for _, a := range op.Args {
			if err := checkUse(i, op, a); err != nil {
				return err
			}
		}
		if err := validateSignature(op); err != nil {
			return fail(i, op, "%v", err)
		}
		if op.Opcode.IsGuard() {
			for _, a := range op.FailArgs {
				if err := checkUse(i, op, a); err != nil {
					return err
				}
			}
		} else if len(op.FailArgs) != 0 {
			return fail(i, op, "fail values on a non-guard")
		}

		want := op.Opcode.ResultKind()
		switch {
		case want == KindVoid && op.Result != nil:
			return fail(i, op, "unexpected result box")
		case want != KindVoid && op.Result == nil:
			return fail(i, op, "missing result box")
		case op.Result != nil:
			if op.Result.Kind() != want {
				return fail(i, op, "result kind %s, want %s", op.Result.Kind(), want)
			}
			if defined[op.Result] {
				return fail(i, op, "%s defined twice", op.Result)
			}
			defined[op.Result] = true
		}

		if op.Opcode.IsOverflow() {
			if i+1 >= len(t.Ops) || (t.Ops[i+1].Opcode != OpGuardNoOverflow && t.Ops[i+1].Opcode != OpGuardOverflow) {
				return fail(i, op, "overflow operation not followed by an overflow guard")
			}
		}
		if op.Opcode == OpGuardNoOverflow || op.Opcode == OpGuardOverflow {
			if i == 0 || !t.Ops[i-1].Opcode.IsOverflow() {
				return fail(i, op, "overflow guard without a preceding overflow operation")
			}
		}

		last := i == len(t.Ops)-1
		if op.Opcode.IsFinal() != last {
			if last {
				return fail(i, op, "trace does not end with jump or finish")
			}
			return fail(i, op, "final operation before the end of the trace")
		}
		if op.Opcode == OpJump {
			if target, ok := op.Descr.(JumpTarget); ok {
				kinds := target.InputKinds()
				if len(kinds) != len(op.Args) {
					return fail(i, op, "jump passes %d values, target takes %d", len(op.Args), len(kinds))
				}
				for j, k := range kinds {
					if op.Args[j].Kind() != k {
						return fail(i, op, "jump argument %d is %s, target wants %s", j, op.Args[j].Kind(), k)
					}
				}
			}
		}
	}
	return nil
}

func validateSignature(op *Op) error {
	info := op.Opcode.info()

	switch op.Opcode {
	case OpJump, OpFinish:
		return nil
	case OpCallI, OpCallR, OpCallF, OpCallN:
		cd, ok := op.Descr.(*CallDescr)
		if !ok {
			return fmt.Errorf("call needs a *CallDescr, got %T", op.Descr)
		}
		if len(op.Args) != len(cd.Args)+1 {
			return fmt.Errorf("call passes %d arguments, signature takes %d", len(op.Args)-1, len(cd.Args))
		}
		if k := op.Args[0].Kind(); k != KindInt && k != KindRef {
			return fmt.Errorf("call target must be int or ref, got %s", k)
		}
		for i, k := range cd.Args {
			if op.Args[i+1].Kind() != k {
				return fmt.Errorf("call argument %d is %s, signature wants %s", i, op.Args[i+1].Kind(), k)
			}
		}
		if op.Opcode != OpCallN && cd.Result != info.result {
			return fmt.Errorf("signature returns %s, opcode returns %s", cd.Result, info.result)
		}
		return nil
	}

	if len(op.Args) != len(info.args) {
		return fmt.Errorf("takes %d arguments, got %d", len(info.args), len(op.Args))
	}
	for i, k := range info.args {
		if k != kindAny && op.Args[i].Kind() != k {
			return fmt.Errorf("argument %d is %s, want %s", i, op.Args[i].Kind(), k)
		}
	}

	switch op.Opcode {
	case OpGuardValue:
		if op.Args[0].Kind() != op.Args[1].Kind() {
			return fmt.Errorf("guard_value compares %s with %s", op.Args[0].Kind(), op.Args[1].Kind())
		}
		if _, ok := op.Args[1].(Const); !ok {
			return fmt.Errorf("guard_value expects a constant")
		}
	case OpGetfieldGCI, OpGetfieldGCR, OpGetfieldGCF, OpSetfieldGC:
		fd, ok := op.Descr.(*FieldDescr)
		if !ok {
			return fmt.Errorf("needs a *FieldDescr, got %T", op.Descr)
		}
		if err := checkAccess(fd.Kind, fd.Size); err != nil {
			return err
		}
		if op.Opcode == OpSetfieldGC {
			if op.Args[1].Kind() != fd.Kind {
				return fmt.Errorf("stores %s into %s field", op.Args[1].Kind(), fd.Kind)
			}
		} else if fd.Kind != info.result {
			return fmt.Errorf("reads %s field as %s", fd.Kind, info.result)
		}
	case OpGetarrayitemGCI, OpGetarrayitemGCR, OpGetarrayitemGCF, OpSetarrayitemGC, OpArraylenGC, OpNewArray:
		ad, ok := op.Descr.(*ArrayDescr)
		if !ok {
			return fmt.Errorf("needs an *ArrayDescr, got %T", op.Descr)
		}
		if err := checkAccess(ad.Kind, ad.ItemSize); err != nil {
			return err
		}
		switch op.Opcode {
		case OpSetarrayitemGC:
			if op.Args[2].Kind() != ad.Kind {
				return fmt.Errorf("stores %s into %s array", op.Args[2].Kind(), ad.Kind)
			}
		case OpGetarrayitemGCI, OpGetarrayitemGCR, OpGetarrayitemGCF:
			if ad.Kind != info.result {
				return fmt.Errorf("reads %s item as %s", ad.Kind, info.result)
			}
		}
	case OpNew, OpNewWithVtable:
		if _, ok := op.Descr.(*SizeDescr); !ok {
			return fmt.Errorf("needs a *SizeDescr, got %T", op.Descr)
		}
	}
	return nil
}

func checkAccess(kind Kind, size int) error {
	switch kind {
	case KindInt:
		switch size {
		case 1, 2, 4, 8:
			return nil
		}
	case KindRef, KindFloat:
		if size == 8 {
			return nil
		}
	}
	return fmt.Errorf("unsupported %s access of %d bytes", kind, size)
}
