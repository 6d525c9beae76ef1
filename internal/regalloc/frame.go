package regalloc

import (
	"github.com/tinyrange/tracejit/internal/ir"
)

// Frame header layout, in words. Spill slots follow the header.
const (
	FrameDescrWord   = 0 // fail descriptor index of the last exit
	FrameSideWord    = 1 // opaque word reserved for the caller
	FrameValuesWord  = 2 // address of the positional value array
	FrameDepthWord   = 3 // number of slots the frame can hold
	FrameOwnerWord   = 4 // handle of the CPU that owns the frame
	FrameHeaderWords = 5
)

// WordOffset is the byte offset of a header word from the frame base.
func WordOffset(word int) int32 { return int32(word * 8) }

// SlotOffset is the byte offset of a spill slot from the frame base.
func SlotOffset(s Slot) int32 { return int32((FrameHeaderWords + s.Index) * 8) }

// FrameManager hands out spill slots. A box keeps its slot for the whole
// trace, so a value stored once never has to be stored again.
type FrameManager struct {
	slots map[*ir.Box]Slot
	next  int
}

// NewFrameManager returns a manager whose first fresh slot is start.
func NewFrameManager(start int) *FrameManager {
	return &FrameManager{slots: make(map[*ir.Box]Slot), next: start}
}

// Bind pins b to a slot chosen elsewhere, such as the fail-value layout a
// bridge inherits from its guard.
func (f *FrameManager) Bind(b *ir.Box, s Slot) {
	f.slots[b] = s
	if s.Index >= f.next {
		f.next = s.Index + 1
	}
}

// Get returns the slot of b, assigning a fresh one on first use.
func (f *FrameManager) Get(b *ir.Box) Slot {
	if s, ok := f.slots[b]; ok {
		return s
	}
	s := f.NewSlot()
	f.slots[b] = s
	return s
}

func (f *FrameManager) Lookup(b *ir.Box) (Slot, bool) {
	s, ok := f.slots[b]
	return s, ok
}

// NewSlot returns an anonymous slot.
func (f *FrameManager) NewSlot() Slot {
	s := Slot{Index: f.next}
	f.next++
	return s
}

// Depth is the number of slots the trace needs.
func (f *FrameManager) Depth() int { return f.next }
