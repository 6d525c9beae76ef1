package asm

import (
	"fmt"
	"maps"
)

// Variable names a machine register in an architecture package.
type Variable int

// Section selects where emitted bytes go. Cold code is appended after the
// main section so the hot path stays contiguous.
type Section int

const (
	SectionMain Section = iota
	SectionCold
)

func (s Section) String() string {
	switch s {
	case SectionMain:
		return "main"
	case SectionCold:
		return "cold"
	}
	return fmt.Sprintf("section(%d)", int(s))
}

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)

	SetSection(s Section)
	Section() Section
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type inSection struct {
	section Section
	body    Fragment
}

// InSection emits body into section s and restores the previous section.
func InSection(s Section, body Fragment) Fragment {
	return &inSection{section: s, body: body}
}

func (f *inSection) Emit(ctx Context) error {
	prev := ctx.Section()
	ctx.SetSection(f.section)
	defer ctx.SetSection(prev)
	return f.body.Emit(ctx)
}

// Program is position independent machine code. Labels are byte offsets
// from the start of the code.
type Program struct {
	code       []byte
	coldOffset int
	labels     map[Label]int
}

func NewProgram(code []byte, coldOffset int, labels map[Label]int) Program {
	return Program{
		code:       append([]byte(nil), code...),
		coldOffset: coldOffset,
		labels:     maps.Clone(labels),
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

// ColdOffset is where the cold section starts.
func (p Program) ColdOffset() int { return p.coldOffset }

func (p Program) Label(l Label) (int, bool) {
	off, ok := p.labels[l]
	return off, ok
}

func (p Program) Labels() map[Label]int {
	return maps.Clone(p.labels)
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.coldOffset, p.labels)
}
