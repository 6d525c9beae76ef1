package cpu

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/codemem"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

// FailDescr describes one way out of compiled code: a guard or a finish.
// ExecuteToken returns the descriptor of the exit it left through.
type FailDescr struct {
	// Index is the value compiled code leaves in the frame header.
	Index int
	// Guard is the guard opcode, or ir.OpFinish.
	Guard ir.Opcode
	// Kinds are the kinds of the values the exit hands back.
	Kinds []ir.Kind
	// Trace names the trace the exit belongs to.
	Trace string
	// Failures counts the times the guard failed without a bridge.
	Failures uint64
	// BridgeAddr is the entry of the attached bridge, or 0.
	BridgeAddr uintptr

	cpu         *CPU
	site        *asm.PatchSite
	slots       []regalloc.Slot
	frameDepth  int
	bridgeExits []*FailDescr
}

// IsFinish reports whether fd is a finish rather than a guard.
func (fd *FailDescr) IsFinish() bool { return fd.Guard == ir.OpFinish }

// HasBridge reports whether a bridge is attached to the guard.
func (fd *FailDescr) HasBridge() bool { return fd.BridgeAddr != 0 }

// BridgeExits lists the guards and finishes of the attached bridge.
func (fd *FailDescr) BridgeExits() []*FailDescr {
	return append([]*FailDescr(nil), fd.bridgeExits...)
}

// Slots returns the frame slots the guard stores its fail values to. A
// bridge receives its inputs there.
func (fd *FailDescr) Slots() []regalloc.Slot {
	return append([]regalloc.Slot(nil), fd.slots...)
}

func (fd *FailDescr) String() string {
	if fd.IsFinish() {
		return fmt.Sprintf("<finish %d of %s>", fd.Index, fd.Trace)
	}
	return fmt.Sprintf("<%s %d of %s>", fd.Guard, fd.Index, fd.Trace)
}

// LoopToken is a compiled loop. Other traces name it as a jump target.
type LoopToken struct {
	name       string
	cpu        *CPU
	kinds      []ir.Kind
	locs       []regalloc.Location
	block      codemem.Block
	entry      uintptr
	body       uintptr
	frameDepth int
	exits      []*FailDescr
}

func (t *LoopToken) String() string { return "<loop " + t.name + ">" }

func (t *LoopToken) Name() string { return t.name }

// InputKinds implements ir.JumpTarget.
func (t *LoopToken) InputKinds() []ir.Kind { return append([]ir.Kind(nil), t.kinds...) }

// InputLocations is where the loop body expects each input.
func (t *LoopToken) InputLocations() []regalloc.Location {
	return append([]regalloc.Location(nil), t.locs...)
}

// BodyAddr is the loop header jumps from other traces land on.
func (t *LoopToken) BodyAddr() uintptr { return t.body }

// Entry is the bootstrap native callers enter through.
func (t *LoopToken) Entry() uintptr { return t.entry }

// FrameDepth is the number of frame slots the loop uses.
func (t *LoopToken) FrameDepth() int { return t.frameDepth }

// CodeSize is the size of the loop's machine code.
func (t *LoopToken) CodeSize() int { return t.block.Size }

// Exits lists the loop's guards and finishes in trace order.
func (t *LoopToken) Exits() []*FailDescr { return append([]*FailDescr(nil), t.exits...) }
