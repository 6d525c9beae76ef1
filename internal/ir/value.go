package ir

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
)

// Kind is the machine-level type of a value. Every kind fits in one word.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindRef
	KindFloat

	// kindAny is only used in opcode signatures.
	kindAny Kind = 0xff
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindInt:
		return "int"
	case KindRef:
		return "ref"
	case KindFloat:
		return "float"
	case kindAny:
		return "any"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind converts the textual name of a kind back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "int", "i":
		return KindInt, nil
	case "ref", "r", "p":
		return KindRef, nil
	case "float", "f":
		return KindFloat, nil
	case "void", "v", "":
		return KindVoid, nil
	}
	return KindVoid, fmt.Errorf("ir: unknown kind %q", s)
}

func (k Kind) prefix() string {
	switch k {
	case KindInt:
		return "i"
	case KindRef:
		return "p"
	case KindFloat:
		return "f"
	}
	return "v"
}

// Value is either a *Box or a Const.
type Value interface {
	Kind() Kind
	String() string
	isValue()
}

var nextBoxID atomic.Uint64

// Box is a trace variable. Boxes are compared by identity.
type Box struct {
	id   uint64
	kind Kind
	op   *Op
}

// NewBox allocates an unbound box of the given kind. Trace inputs and the
// temporaries created by the register allocator are made this way.
func NewBox(kind Kind) *Box {
	return &Box{id: nextBoxID.Add(1), kind: kind}
}

func (b *Box) ID() uint64 { return b.id }

func (b *Box) Kind() Kind { return b.kind }

// Op returns the operation producing b, or nil for inputs and temporaries.
func (b *Box) Op() *Op { return b.op }

func (b *Box) String() string {
	return b.kind.prefix() + strconv.FormatUint(b.id, 10)
}

func (*Box) isValue() {}

// Const is an immediate literal. Constants never receive a location.
type Const struct {
	kind Kind
	bits uint64
}

func ConstInt(v int64) Const { return Const{kind: KindInt, bits: uint64(v)} }

func ConstRef(v uintptr) Const { return Const{kind: KindRef, bits: uint64(v)} }

func ConstFloat(v float64) Const { return Const{kind: KindFloat, bits: math.Float64bits(v)} }

// ConstBits builds a constant of kind k from its raw word.
func ConstBits(k Kind, bits uint64) Const { return Const{kind: k, bits: bits} }

func (c Const) Kind() Kind { return c.kind }

func (c Const) Bits() uint64 { return c.bits }

func (c Const) Int() int64 { return int64(c.bits) }

func (c Const) Ref() uintptr { return uintptr(c.bits) }

func (c Const) Float() float64 { return math.Float64frombits(c.bits) }

func (c Const) String() string {
	switch c.kind {
	case KindFloat:
		return strconv.FormatFloat(c.Float(), 'g', -1, 64)
	case KindRef:
		return fmt.Sprintf("ConstPtr(%#x)", c.bits)
	default:
		return strconv.FormatInt(c.Int(), 10)
	}
}

func (Const) isValue() {}

// AsConst reports whether v is a constant.
func AsConst(v Value) (Const, bool) {
	c, ok := v.(Const)
	return c, ok
}

// AsBox reports whether v is a box.
func AsBox(v Value) (*Box, bool) {
	b, ok := v.(*Box)
	return b, ok
}
