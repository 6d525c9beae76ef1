// Package regalloc assigns machine locations to trace values: longevity
// analysis, per-class register managers with Belady spilling, frame slots
// and parallel-move sequencing for jumps and calls.
package regalloc

import "fmt"

// RegClass separates general-purpose registers from float registers.
type RegClass uint8

const (
	ClassGP RegClass = iota
	ClassFloat
)

func (c RegClass) String() string {
	if c == ClassFloat {
		return "float"
	}
	return "gp"
}

// Location is where a value lives at a program point: a register, a frame
// slot, or (for constants only) an immediate.
type Location interface {
	String() string
	isLocation()
}

// Reg is a physical register. Num is the architecture's register number.
type Reg struct {
	Class RegClass
	Num   int
}

func (r Reg) String() string {
	if r.Class == ClassFloat {
		return fmt.Sprintf("f%d", r.Num)
	}
	return fmt.Sprintf("r%d", r.Num)
}

func (Reg) isLocation() {}

// Slot is a word in the frame's spill area. Indices are never reused
// within one trace.
type Slot struct {
	Index int
}

func (s Slot) String() string { return fmt.Sprintf("[s%d]", s.Index) }

func (Slot) isLocation() {}

// Imm is a constant that has not been materialized anywhere.
type Imm struct {
	Bits uint64
}

func (i Imm) String() string { return fmt.Sprintf("$%#x", i.Bits) }

func (Imm) isLocation() {}

func GP(num int) Reg { return Reg{Class: ClassGP, Num: num} }

func Float(num int) Reg { return Reg{Class: ClassFloat, Num: num} }

// IsMemory reports whether loc is a frame slot.
func IsMemory(loc Location) bool {
	_, ok := loc.(Slot)
	return ok
}
