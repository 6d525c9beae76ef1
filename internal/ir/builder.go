package ir

// Builder appends operations to a trace under construction. It never fails
// while building; Build validates the result.
type Builder struct {
	name   string
	inputs []*Box
	ops    []*Op
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Input declares the next trace input.
func (b *Builder) Input(kind Kind) *Box {
	box := NewBox(kind)
	b.inputs = append(b.inputs, box)
	return box
}

// Emit appends an operation and returns its result box (nil for void
// opcodes).
func (b *Builder) Emit(opc Opcode, args ...Value) *Box {
	op := NewOp(opc, args...)
	b.ops = append(b.ops, op)
	return op.Result
}

func (b *Builder) EmitDescr(opc Opcode, descr Descr, args ...Value) *Box {
	op := NewOpDescr(opc, descr, args...)
	b.ops = append(b.ops, op)
	return op.Result
}

// Guard appends a guard and returns it so callers can find its fail
// descriptor after compilation.
func (b *Builder) Guard(opc Opcode, failArgs []Value, args ...Value) *Op {
	op := NewGuard(opc, failArgs, args...)
	b.ops = append(b.ops, op)
	return op
}

// Jump ends the trace with a jump. A nil target means the trace's own loop.
func (b *Builder) Jump(target Descr, args ...Value) *Op {
	op := NewOpDescr(OpJump, target, args...)
	b.ops = append(b.ops, op)
	return op
}

func (b *Builder) Finish(args ...Value) *Op {
	op := NewOp(OpFinish, args...)
	b.ops = append(b.ops, op)
	return op
}

// Append adds an already constructed operation.
func (b *Builder) Append(op *Op) {
	b.ops = append(b.ops, op)
}

func (b *Builder) Inputs() []*Box { return b.inputs }

func (b *Builder) Ops() []*Op { return b.ops }

func (b *Builder) Build() (*Trace, error) {
	t := NewTrace(b.name, b.inputs, b.ops)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
