package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/tracejit/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// EmitProgram assembles fragment and resolves every label reference.
func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := NewContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.Finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

type labelPos struct {
	section asm.Section
	offset  int
}

type jumpPatch struct {
	label   asm.Label
	section asm.Section
	pos     int
}

// Context collects machine code for two sections. Offsets recorded during
// emission are section relative; Finalize lays the cold section out after
// the main one and rewrites every rel32 displacement.
type Context struct {
	sections [2][]byte
	section  asm.Section
	labels   map[asm.Label]labelPos
	jumps    []jumpPatch
}

func NewContext() *Context {
	return &Context{labels: make(map[asm.Label]labelPos)}
}

func (c *Context) EmitBytes(code []byte) {
	c.sections[c.section] = append(c.sections[c.section], code...)
}

func (c *Context) SetSection(s asm.Section) {
	if s != asm.SectionMain && s != asm.SectionCold {
		panic(fmt.Sprintf("amd64: unknown section %d", s))
	}
	c.section = s
}

func (c *Context) Section() asm.Section { return c.section }

// GetLabel returns the section relative offset of a defined label.
func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos.offset, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = labelPos{section: c.section, offset: len(c.sections[c.section])}
}

// Len is the number of bytes emitted so far into the current section.
func (c *Context) Len() int { return len(c.sections[c.section]) }

// addJump reserves a rel32 field at the end of the current section and
// records it for resolution against label.
func (c *Context) addJump(opcode []byte, label asm.Label) {
	c.EmitBytes(opcode)
	pos := len(c.sections[c.section])
	c.EmitBytes([]byte{0, 0, 0, 0})
	c.jumps = append(c.jumps, jumpPatch{label: label, section: c.section, pos: pos})
}

func alignTo(value, boundary int) int {
	if boundary <= 0 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}

func (c *Context) Finalize() (asm.Program, error) {
	const align = 16
	main := c.sections[asm.SectionMain]
	if rem := len(main) % align; rem != 0 {
		pad := make([]byte, align-rem)
		for i := range pad {
			pad[i] = 0xCC
		}
		main = append(main, pad...)
	}
	coldOffset := len(main)
	code := append(main, c.sections[asm.SectionCold]...)

	base := func(s asm.Section) int {
		if s == asm.SectionCold {
			return coldOffset
		}
		return 0
	}

	labels := make(map[asm.Label]int, len(c.labels))
	for l, pos := range c.labels {
		labels[l] = base(pos.section) + pos.offset
	}

	for _, j := range c.jumps {
		target, ok := labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		pos := base(j.section) + j.pos
		rel := target - (pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(code[pos:pos+4], uint32(int32(rel)))
	}

	return asm.NewProgram(code, coldOffset, labels), nil
}

type jump struct {
	label asm.Label
	cond  Cond
	// always selects the unconditional form and ignores cond.
	always bool
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64: jump requires an amd64 context")
	}
	if j.always {
		ctx.addJump([]byte{0xE9}, j.label)
		return nil
	}
	ctx.addJump([]byte{0x0F, 0x80 | byte(j.cond&0xF)}, j.label)
	return nil
}

// Jump emits jmp rel32 to label.
func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, always: true}
}

// JumpIf emits jcc rel32 to label.
func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	return &jump{label: label, cond: cond}
}

// JumpSite emits jmp rel32 to target and marks site at the start of the
// displacement field, so the jump can later be retargeted in place.
func JumpSite(target, site asm.Label) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx, ok := _ctx.(*Context)
		if !ok {
			return fmt.Errorf("amd64: jump site requires an amd64 context")
		}
		ctx.EmitBytes([]byte{0xE9})
		if _, exists := ctx.GetLabel(site); exists {
			return fmt.Errorf("label %q already defined", site)
		}
		ctx.SetLabel(site)
		pos := ctx.Len()
		ctx.EmitBytes([]byte{0, 0, 0, 0})
		ctx.jumps = append(ctx.jumps, jumpPatch{label: target, section: ctx.section, pos: pos})
		return nil
	})
}

func Ret() asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(encodeRet())
		return nil
	})
}
