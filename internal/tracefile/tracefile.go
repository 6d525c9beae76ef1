// Package tracefile reads traces written as YAML. A file declares named
// descriptors and a list of traces; a trace is either a loop or a bridge
// naming the guard it continues.
//
//	version: 1
//	traces:
//	  - name: count
//	    inputs: [i:int]
//	    ops:
//	      - {op: int_lt, args: [i, 5], result: c}
//	      - {op: guard_true, args: [c], fail: [i], guard: done}
//	      - {op: int_add, args: [i, 1], result: j}
//	      - {op: jump, args: [j]}
package tracefile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tracejit/internal/interp"
	"github.com/tinyrange/tracejit/internal/ir"
)

const Version = 1

// File is the YAML document.
type File struct {
	Version int                  `yaml:"version"`
	Descrs  map[string]DescrSpec `yaml:"descrs,omitempty"`
	Traces  []TraceSpec          `yaml:"traces"`
}

// DescrSpec declares exactly one descriptor.
type DescrSpec struct {
	Field *FieldSpec `yaml:"field,omitempty"`
	Array *ArraySpec `yaml:"array,omitempty"`
	Call  *CallSpec  `yaml:"call,omitempty"`
	Size  int        `yaml:"size,omitempty"`
}

type FieldSpec struct {
	Offset int    `yaml:"offset"`
	Size   int    `yaml:"size"`
	Kind   string `yaml:"kind"`
	Signed bool   `yaml:"signed,omitempty"`
}

type ArraySpec struct {
	BaseOffset   int    `yaml:"baseOffset"`
	ItemSize     int    `yaml:"itemSize"`
	LengthOffset int    `yaml:"lengthOffset"`
	Kind         string `yaml:"kind"`
	Signed       bool   `yaml:"signed,omitempty"`
}

type CallSpec struct {
	Args   []string `yaml:"args,flow"`
	Result string   `yaml:"result"`
}

type TraceSpec struct {
	Name string `yaml:"name"`
	// Bridge is set for traces that continue a guard of another trace.
	Bridge *BridgeSpec `yaml:"bridge,omitempty"`
	// Inputs are written name:kind.
	Inputs []string `yaml:"inputs,flow"`
	Ops    []OpSpec `yaml:"ops"`
}

// BridgeSpec names a guard by its label or by its position among the
// trace's guards.
type BridgeSpec struct {
	Trace string `yaml:"trace"`
	Guard string `yaml:"guard"`
}

// OpSpec is one operation. Arguments and fail values are value names or
// constants: 5, -0x10, 2.5, nan, nil, or an explicit int:, ref: or float:
// prefix.
type OpSpec struct {
	Op     string   `yaml:"op"`
	Result string   `yaml:"result,omitempty"`
	Args   []string `yaml:"args,omitempty,flow"`
	Fail   []string `yaml:"fail,omitempty,flow"`
	Descr  string   `yaml:"descr,omitempty"`
	// Target names the trace a jump goes to. Empty means the trace's own
	// loop.
	Target string `yaml:"target,omitempty"`
	// Guard labels a guard so bridges can name it.
	Guard string `yaml:"guard,omitempty"`

	line int
}

func (o *OpSpec) UnmarshalYAML(n *yaml.Node) error {
	type plain OpSpec
	if err := n.Decode((*plain)(o)); err != nil {
		return err
	}
	o.line = n.Line
	return nil
}

// Program is a parsed file with every value, descriptor and guard resolved.
type Program struct {
	Descrs map[string]ir.Descr
	Traces []*Trace
	byName map[string]*Trace
}

// Trace is a resolved trace together with the names used in the file.
type Trace struct {
	*ir.Trace
	Bridge *BridgeSpec
	// Guards maps guard labels to their ops.
	Guards map[string]*ir.Op
	// Exits lists guards and finishes in trace order.
	Exits []*ir.Op
	// Continues is the guard this bridge is attached to.
	Continues *ir.Op
	jumps     map[*ir.Op]string
}

// IsBridge reports whether t continues a guard instead of being entered.
func (t *Trace) IsBridge() bool { return t.Bridge != nil }

// Ref stands for a trace named as a jump target until Link replaces it
// with compiled code.
type Ref struct {
	Name  string
	kinds []ir.Kind
}

func (r *Ref) String() string { return "<trace " + r.Name + ">" }

func (r *Ref) InputKinds() []ir.Kind { return r.kinds }

// Error locates a problem in a trace file.
type Error struct {
	Trace string
	Line  int
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Trace != "" && e.Line > 0:
		return fmt.Sprintf("tracefile: %s line %d: %v", e.Trace, e.Line, e.Err)
	case e.Trace != "":
		return fmt.Sprintf("tracefile: %s: %v", e.Trace, e.Err)
	}
	return fmt.Sprintf("tracefile: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// LoadFile reads and parses the trace file at path.
func LoadFile(path string, descrs *ir.DescrCache) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data, descrs)
}

// Parse decodes a trace file. Descriptors are interned in descrs so that
// they are shared with the CPU compiling the traces.
func Parse(data []byte, descrs *ir.DescrCache) (*Program, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse trace file: %w", err)
	}
	return f.Resolve(descrs)
}

// Resolve turns the document into IR.
func (f *File) Resolve(descrs *ir.DescrCache) (*Program, error) {
	if f.Version == 0 {
		f.Version = Version
	}
	if f.Version != Version {
		return nil, &Error{Err: fmt.Errorf("unsupported version %d", f.Version)}
	}
	if len(f.Traces) == 0 {
		return nil, &Error{Err: fmt.Errorf("no traces")}
	}

	p := &Program{Descrs: make(map[string]ir.Descr), byName: make(map[string]*Trace)}
	for name, ds := range f.Descrs {
		d, err := ds.resolve(name, descrs)
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("descr %s: %w", name, err)}
		}
		p.Descrs[name] = d
	}

	// Jump targets need the input kinds of traces that may come later in
	// the file, so inputs are resolved first.
	refs := make(map[string]*Ref, len(f.Traces))
	inputs := make([]map[string]*ir.Box, len(f.Traces))
	boxes := make([][]*ir.Box, len(f.Traces))
	for i, ts := range f.Traces {
		if ts.Name == "" {
			return nil, &Error{Err: fmt.Errorf("trace %d has no name", i)}
		}
		if _, dup := refs[ts.Name]; dup {
			return nil, &Error{Trace: ts.Name, Err: fmt.Errorf("defined twice")}
		}
		vals, list, err := parseInputs(ts.Inputs)
		if err != nil {
			return nil, &Error{Trace: ts.Name, Err: err}
		}
		inputs[i], boxes[i] = vals, list
		ref := &Ref{Name: ts.Name}
		for _, b := range list {
			ref.kinds = append(ref.kinds, b.Kind())
		}
		refs[ts.Name] = ref
	}

	for i, ts := range f.Traces {
		t, err := p.resolveTrace(ts, boxes[i], inputs[i], refs)
		if err != nil {
			return nil, err
		}
		p.Traces = append(p.Traces, t)
		p.byName[t.Name] = t
	}

	for _, t := range p.Traces {
		if !t.IsBridge() {
			continue
		}
		g, err := p.guardOf(t.Bridge)
		if err != nil {
			return nil, &Error{Trace: t.Name, Err: err}
		}
		if err := checkBridgeInputs(g, t.Inputs); err != nil {
			return nil, &Error{Trace: t.Name, Err: err}
		}
		t.Continues = g
	}
	if n := len(p.Bridges()); n != len(p.Traces)-len(p.Loops()) {
		return nil, &Error{Err: fmt.Errorf("bridges continue each other in a cycle")}
	}
	return p, nil
}

func (s DescrSpec) resolve(name string, descrs *ir.DescrCache) (ir.Descr, error) {
	set := 0
	for _, ok := range []bool{s.Field != nil, s.Array != nil, s.Call != nil, s.Size > 0} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("declare exactly one of field, array, call or size")
	}

	switch {
	case s.Field != nil:
		k, err := ir.ParseKind(s.Field.Kind)
		if err != nil {
			return nil, err
		}
		return descrs.FieldDescr(ir.FieldShape{Offset: s.Field.Offset, Size: s.Field.Size, Kind: k, Signed: s.Field.Signed}, name), nil
	case s.Array != nil:
		k, err := ir.ParseKind(s.Array.Kind)
		if err != nil {
			return nil, err
		}
		return descrs.ArrayDescr(ir.ArrayShape{
			BaseOffset:   s.Array.BaseOffset,
			ItemSize:     s.Array.ItemSize,
			LengthOffset: s.Array.LengthOffset,
			Kind:         k,
			Signed:       s.Array.Signed,
		}), nil
	case s.Call != nil:
		args := make([]ir.Kind, len(s.Call.Args))
		for i, a := range s.Call.Args {
			k, err := ir.ParseKind(a)
			if err != nil {
				return nil, err
			}
			args[i] = k
		}
		res, err := ir.ParseKind(s.Call.Result)
		if err != nil {
			return nil, err
		}
		return descrs.CallDescr(args, res), nil
	}
	return descrs.SizeDescr(s.Size), nil
}

func parseInputs(specs []string) (map[string]*ir.Box, []*ir.Box, error) {
	vals := make(map[string]*ir.Box, len(specs))
	list := make([]*ir.Box, 0, len(specs))
	for _, s := range specs {
		name, kind, ok := strings.Cut(s, ":")
		if !ok {
			return nil, nil, fmt.Errorf("input %q is not name:kind", s)
		}
		name = strings.TrimSpace(name)
		if err := checkName(name); err != nil {
			return nil, nil, err
		}
		k, err := ir.ParseKind(strings.TrimSpace(kind))
		if err != nil {
			return nil, nil, err
		}
		if k == ir.KindVoid {
			return nil, nil, fmt.Errorf("input %s has no kind", name)
		}
		if _, dup := vals[name]; dup {
			return nil, nil, fmt.Errorf("input %s declared twice", name)
		}
		b := ir.NewBox(k)
		vals[name] = b
		list = append(list, b)
	}
	return vals, list, nil
}

// checkName rejects names that would read as constants.
func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("empty value name")
	}
	if _, err := parseConst(name); err == nil {
		return fmt.Errorf("value name %q reads as a constant", name)
	}
	if strings.ContainsAny(name, ": \t") {
		return fmt.Errorf("value name %q contains a separator", name)
	}
	return nil
}

func (p *Program) resolveTrace(ts TraceSpec, inputs []*ir.Box, vals map[string]*ir.Box, refs map[string]*Ref) (*Trace, error) {
	t := &Trace{
		Bridge: ts.Bridge,
		Guards: make(map[string]*ir.Op),
		jumps:  make(map[*ir.Op]string),
	}
	env := make(map[string]ir.Value, len(vals)+len(ts.Ops))
	for name, b := range vals {
		env[name] = b
	}
	fail := func(o OpSpec, format string, args ...any) error {
		return &Error{Trace: ts.Name, Line: o.line, Err: fmt.Errorf(format, args...)}
	}
	values := func(o OpSpec, names []string) ([]ir.Value, error) {
		out := make([]ir.Value, len(names))
		for i, n := range names {
			if v, ok := env[n]; ok {
				out[i] = v
				continue
			}
			k, err := parseConst(n)
			if err != nil {
				return nil, fail(o, "%q is neither a value nor a constant", n)
			}
			out[i] = k
		}
		return out, nil
	}

	var ops []*ir.Op
	for _, o := range ts.Ops {
		opc, ok := ir.LookupOpcode(o.Op)
		if !ok {
			return nil, fail(o, "unknown opcode %q", o.Op)
		}
		args, err := values(o, o.Args)
		if err != nil {
			return nil, err
		}

		var descr ir.Descr
		switch {
		case o.Descr != "":
			d, ok := p.Descrs[o.Descr]
			if !ok {
				return nil, fail(o, "unknown descr %q", o.Descr)
			}
			descr = d
		case o.Target != "" && o.Target != ts.Name:
			if opc != ir.OpJump {
				return nil, fail(o, "target on %s", opc)
			}
			ref, ok := refs[o.Target]
			if !ok {
				return nil, fail(o, "jump to unknown trace %q", o.Target)
			}
			descr = ref
		}

		var op *ir.Op
		if opc.IsGuard() {
			failArgs, err := values(o, o.Fail)
			if err != nil {
				return nil, err
			}
			op = ir.NewGuard(opc, failArgs, args...)
			if o.Guard != "" {
				if _, dup := t.Guards[o.Guard]; dup {
					return nil, fail(o, "guard %s labelled twice", o.Guard)
				}
				t.Guards[o.Guard] = op
			}
		} else {
			if len(o.Fail) > 0 || o.Guard != "" {
				return nil, fail(o, "%s is not a guard", opc)
			}
			op = ir.NewOpDescr(opc, descr, args...)
		}
		if opc == ir.OpJump && o.Target != "" && o.Target != ts.Name {
			t.jumps[op] = o.Target
		}

		if o.Result != "" {
			if op.Result == nil {
				return nil, fail(o, "%s has no result", opc)
			}
			if err := checkName(o.Result); err != nil {
				return nil, fail(o, "%v", err)
			}
			if _, dup := env[o.Result]; dup {
				return nil, fail(o, "%s defined twice", o.Result)
			}
			env[o.Result] = op.Result
		}
		if opc.ExitsTrace() {
			t.Exits = append(t.Exits, op)
		}
		ops = append(ops, op)
	}

	t.Trace = ir.NewTrace(ts.Name, inputs, ops)
	if err := t.Validate(); err != nil {
		return nil, &Error{Trace: ts.Name, Err: err}
	}
	if t.IsBridge() {
		for _, op := range ops {
			if op.Opcode == ir.OpJump && t.jumps[op] == "" {
				return nil, &Error{Trace: ts.Name, Err: fmt.Errorf("a bridge must name its jump target")}
			}
		}
	}
	return t, nil
}

func parseConst(s string) (ir.Const, error) {
	if prefix, lit, ok := strings.Cut(s, ":"); ok {
		switch prefix {
		case "int":
			v, err := parseInt(lit)
			return ir.ConstInt(v), err
		case "ref":
			v, err := parseInt(lit)
			return ir.ConstRef(uintptr(v)), err
		case "float":
			v, err := strconv.ParseFloat(lit, 64)
			return ir.ConstFloat(v), err
		}
		return ir.Const{}, fmt.Errorf("unknown constant prefix %q", prefix)
	}
	if s == "nil" {
		return ir.ConstRef(0), nil
	}
	if v, err := parseInt(s); err == nil {
		return ir.ConstInt(v), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ir.Const{}, err
	}
	return ir.ConstFloat(v), nil
}

// parseInt accepts signed values and unsigned ones up to 1<<64-1.
func parseInt(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	u, err := strconv.ParseUint(s, 0, 64)
	return int64(u), err
}

// Trace returns the trace with the given name.
func (p *Program) Trace(name string) (*Trace, bool) {
	t, ok := p.byName[name]
	return t, ok
}

// Loops returns the traces that are entered directly, in file order.
func (p *Program) Loops() []*Trace {
	var out []*Trace
	for _, t := range p.Traces {
		if !t.IsBridge() {
			out = append(out, t)
		}
	}
	return out
}

// Bridges returns the bridges in an order where every bridge comes after
// the trace it continues.
func (p *Program) Bridges() []*Trace {
	var out []*Trace
	done := make(map[string]bool)
	for _, t := range p.Traces {
		if !t.IsBridge() {
			done[t.Name] = true
		}
	}
	for {
		progress := false
		for _, t := range p.Traces {
			if t.IsBridge() && !done[t.Name] && done[t.Bridge.Trace] {
				done[t.Name] = true
				out = append(out, t)
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	return out
}

func (p *Program) guardOf(b *BridgeSpec) (*ir.Op, error) {
	owner, ok := p.byName[b.Trace]
	if !ok {
		return nil, fmt.Errorf("continues unknown trace %q", b.Trace)
	}
	if g, ok := owner.Guards[b.Guard]; ok {
		return g, nil
	}
	n, err := strconv.Atoi(b.Guard)
	if err != nil {
		return nil, fmt.Errorf("trace %s has no guard %q", b.Trace, b.Guard)
	}
	for _, op := range owner.Exits {
		if !op.Opcode.IsGuard() {
			continue
		}
		if n == 0 {
			return op, nil
		}
		n--
	}
	return nil, fmt.Errorf("trace %s has no guard %s", b.Trace, b.Guard)
}

func checkBridgeInputs(g *ir.Op, inputs []*ir.Box) error {
	kinds := g.ExitKinds()
	if len(kinds) != len(inputs) {
		return fmt.Errorf("bridge takes %d inputs, guard %s has %d fail values", len(inputs), g.Opcode, len(kinds))
	}
	for i, b := range inputs {
		if b.Kind() != kinds[i] {
			return fmt.Errorf("bridge input %d is %s, fail value is %s", i, b.Kind(), kinds[i])
		}
	}
	return nil
}

// Targets lists the traces t jumps to by name.
func (t *Trace) Targets() []string {
	var out []string
	for _, op := range t.Ops {
		if name, ok := t.jumps[op]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Link points t's named jumps at the descriptors resolve returns,
// usually compiled loop tokens, and validates the result.
func (t *Trace) Link(resolve func(name string) (ir.Descr, error)) error {
	for _, op := range t.Ops {
		name, ok := t.jumps[op]
		if !ok {
			continue
		}
		d, err := resolve(name)
		if err != nil {
			return &Error{Trace: t.Name, Err: err}
		}
		op.Descr = d
	}
	if err := t.Validate(); err != nil {
		return &Error{Trace: t.Name, Err: err}
	}
	return nil
}

// Env returns an interpreter environment running the program's bridges and
// named jumps. It reflects the descriptors currently on the jump ops, so it
// can be built before or after Link.
func (p *Program) Env() *interp.Env {
	env := &interp.Env{
		Targets: make(map[ir.Descr]*ir.Trace),
		Bridges: make(map[*ir.Op]*ir.Trace),
	}
	for _, t := range p.Traces {
		for op, name := range t.jumps {
			if op.Descr != nil {
				env.Targets[op.Descr] = p.byName[name].Trace
			}
		}
		if t.Continues != nil {
			env.Bridges[t.Continues] = t.Trace
		}
	}
	return env
}

// Write encodes f as YAML to path.
func Write(path string, f *File) error {
	if f.Version == 0 {
		f.Version = Version
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Example is a counting loop with a bridge that extends the count, used as
// a starting point for new files.
func Example() *File {
	return &File{
		Version: Version,
		Traces: []TraceSpec{
			{
				Name:   "count",
				Inputs: []string{"i:int", "n:int"},
				Ops: []OpSpec{
					{Op: "int_lt", Args: []string{"i", "n"}, Result: "c"},
					{Op: "guard_true", Args: []string{"c"}, Fail: []string{"i", "n"}, Guard: "done"},
					{Op: "int_add", Args: []string{"i", "1"}, Result: "j"},
					{Op: "jump", Args: []string{"j", "n"}},
				},
			},
			{
				Name:   "extend",
				Bridge: &BridgeSpec{Trace: "count", Guard: "done"},
				Inputs: []string{"i:int", "n:int"},
				Ops: []OpSpec{
					{Op: "int_lt", Args: []string{"n", "20"}, Result: "more"},
					{Op: "guard_true", Args: []string{"more"}, Fail: []string{"i"}},
					{Op: "int_add", Args: []string{"n", "5"}, Result: "m"},
					{Op: "jump", Args: []string{"i", "m"}, Target: "count"},
				},
			},
		},
	}
}
