package ir

import (
	"fmt"
	"strings"
	"sync"
)

// Descr is the static metadata attached to an operation: a field, array,
// call or size descriptor, or a jump target.
type Descr interface {
	String() string
}

// JumpTarget is implemented by descriptors a jump may name. The input kinds
// let traces be validated against their target before compilation.
type JumpTarget interface {
	Descr
	InputKinds() []Kind
}

// FieldShape identifies a field by layout. Two fields with the same shape
// share one descriptor.
type FieldShape struct {
	Offset int
	Size   int
	Kind   Kind
	Signed bool
}

type FieldDescr struct {
	FieldShape
	Name  string
	index int
}

// IsPointer reports whether stores through this field need a write barrier.
func (d *FieldDescr) IsPointer() bool { return d.Kind == KindRef }

func (d *FieldDescr) Index() int { return d.index }

func (d *FieldDescr) String() string {
	name := d.Name
	if name == "" {
		name = "field"
	}
	return fmt.Sprintf("<%s %s@%d/%d>", name, d.Kind, d.Offset, d.Size)
}

// ArrayShape describes an array object: a length word at LengthOffset and
// items of ItemSize bytes starting at BaseOffset.
type ArrayShape struct {
	BaseOffset   int
	ItemSize     int
	LengthOffset int
	Kind         Kind
	Signed       bool
}

type ArrayDescr struct {
	ArrayShape
	index int
}

func (d *ArrayDescr) IsPointer() bool { return d.Kind == KindRef }

func (d *ArrayDescr) Index() int { return d.index }

func (d *ArrayDescr) String() string {
	return fmt.Sprintf("<array %s base=%d item=%d len@%d>", d.Kind, d.BaseOffset, d.ItemSize, d.LengthOffset)
}

// CallDescr is the signature of a native callee.
type CallDescr struct {
	Args   []Kind
	Result Kind
	key    string
	index  int
}

func (d *CallDescr) Index() int { return d.index }

func (d *CallDescr) String() string { return "<call " + d.key + ">" }

// SizeDescr is the allocation size of a fixed-size object.
type SizeDescr struct {
	Size  int
	index int
}

func (d *SizeDescr) Index() int { return d.index }

func (d *SizeDescr) String() string { return fmt.Sprintf("<size %d>", d.Size) }

// DescrCache interns descriptors. Structurally equal requests return the
// identical pointer. A cache is owned by one CPU.
type DescrCache struct {
	mu     sync.Mutex
	fields map[FieldShape]*FieldDescr
	arrays map[ArrayShape]*ArrayDescr
	calls  map[string]*CallDescr
	sizes  map[int]*SizeDescr
	all    []Descr
}

func NewDescrCache() *DescrCache {
	return &DescrCache{
		fields: make(map[FieldShape]*FieldDescr),
		arrays: make(map[ArrayShape]*ArrayDescr),
		calls:  make(map[string]*CallDescr),
		sizes:  make(map[int]*SizeDescr),
	}
}

// FieldDescr returns the descriptor for shape. The name is only recorded
// the first time a shape is seen.
func (c *DescrCache) FieldDescr(shape FieldShape, name string) *FieldDescr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.fields[shape]; ok {
		return d
	}
	d := &FieldDescr{FieldShape: shape, Name: name, index: len(c.all)}
	c.fields[shape] = d
	c.all = append(c.all, d)
	return d
}

func (c *DescrCache) ArrayDescr(shape ArrayShape) *ArrayDescr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.arrays[shape]; ok {
		return d
	}
	d := &ArrayDescr{ArrayShape: shape, index: len(c.all)}
	c.arrays[shape] = d
	c.all = append(c.all, d)
	return d
}

func (c *DescrCache) CallDescr(args []Kind, result Kind) *CallDescr {
	key := signatureKey(args, result)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.calls[key]; ok {
		return d
	}
	d := &CallDescr{
		Args:   append([]Kind(nil), args...),
		Result: result,
		key:    key,
		index:  len(c.all),
	}
	c.calls[key] = d
	c.all = append(c.all, d)
	return d
}

func (c *DescrCache) SizeDescr(size int) *SizeDescr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.sizes[size]; ok {
		return d
	}
	d := &SizeDescr{Size: size, index: len(c.all)}
	c.sizes[size] = d
	c.all = append(c.all, d)
	return d
}

// Len returns the number of interned descriptors.
func (c *DescrCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.all)
}

// Lookup returns the descriptor with the given arena index.
func (c *DescrCache) Lookup(index int) (Descr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.all) {
		return nil, false
	}
	return c.all[index], true
}

func signatureKey(args []Kind, result Kind) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, k := range args {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k.String())
	}
	sb.WriteString(")->")
	sb.WriteString(result.String())
	return sb.String()
}
