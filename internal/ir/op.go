package ir

import (
	"strings"
)

// Op is one IR operation. FailArgs is only set on guards; it names the
// values needed to resume in the interpreter if the guard fails and is
// never mutated once the op is built.
type Op struct {
	Opcode   Opcode
	Args     []Value
	Result   *Box
	Descr    Descr
	FailArgs []Value
}

// NewOp creates an operation and, when the opcode produces a value, a fresh
// result box.
func NewOp(opc Opcode, args ...Value) *Op {
	op := &Op{Opcode: opc, Args: args}
	if k := opc.ResultKind(); k != KindVoid {
		op.Result = &Box{id: nextBoxID.Add(1), kind: k, op: op}
	}
	return op
}

// NewOpDescr is NewOp with a descriptor.
func NewOpDescr(opc Opcode, descr Descr, args ...Value) *Op {
	op := NewOp(opc, args...)
	op.Descr = descr
	return op
}

// NewGuard creates a guard carrying failArgs.
func NewGuard(opc Opcode, failArgs []Value, args ...Value) *Op {
	op := NewOp(opc, args...)
	op.FailArgs = append([]Value(nil), failArgs...)
	return op
}

// ExitValues returns the values handed back when leaving the trace through
// op: the fail values of a guard or the arguments of a finish.
func (op *Op) ExitValues() []Value {
	if op.Opcode == OpFinish {
		return op.Args
	}
	return op.FailArgs
}

// ExitKinds returns the kinds of ExitValues.
func (op *Op) ExitKinds() []Kind {
	vals := op.ExitValues()
	kinds := make([]Kind, len(vals))
	for i, v := range vals {
		kinds[i] = v.Kind()
	}
	return kinds
}

func (op *Op) String() string {
	var sb strings.Builder
	if op.Result != nil {
		sb.WriteString(op.Result.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Opcode.String())
	sb.WriteByte('(')
	for i, a := range op.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("descr=")
		sb.WriteString(op.Descr.String())
	}
	sb.WriteByte(')')
	if op.Opcode.IsGuard() {
		sb.WriteString(" [")
		for i, a := range op.FailArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.String())
		}
		sb.WriteByte(']')
	}
	return sb.String()
}
