package cpu

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

// words is a mapped array of machine words native code reads and writes.
type words struct {
	mem []byte
	w   []uint64
}

func mapWordArray(n int) (words, error) {
	if n < 1 {
		n = 1
	}
	mem, err := mapBytes(n * 8)
	if err != nil {
		return words{}, err
	}
	return words{mem: mem, w: unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), len(mem)/8)}, nil
}

func (a words) addr() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

func (a words) unmap() error {
	if a.mem == nil {
		return nil
	}
	return unmapBytes(a.mem)
}

// frame is the record compiled code runs against: a header, the spill
// slots and, separately, the positional value array.
type frame struct {
	hdr    words
	values words
	// kinds tracks what each value index holds, so typed accessors can
	// refuse mismatched reads.
	kinds []ir.Kind
}

func newFrame() (*frame, error) {
	f := &frame{}
	var err error
	if f.hdr, err = mapWordArray(regalloc.FrameHeaderWords); err != nil {
		return nil, fmt.Errorf("cpu: map frame: %w", err)
	}
	if f.values, err = mapWordArray(1); err != nil {
		_ = f.hdr.unmap()
		return nil, fmt.Errorf("cpu: map values: %w", err)
	}
	return f, nil
}

func (f *frame) addr() uintptr { return f.hdr.addr() }

// depth is the number of slots the frame holds.
func (f *frame) depth() int { return len(f.hdr.w) - regalloc.FrameHeaderWords }

// reserve grows the slot area to at least depth slots and the value array
// to at least n entries, preserving the header and the values.
func (f *frame) reserve(depth, n int) error {
	if need := regalloc.FrameHeaderWords + depth; need > len(f.hdr.w) {
		grown, err := mapWordArray(need)
		if err != nil {
			return fmt.Errorf("cpu: grow frame to %d slots: %w", depth, err)
		}
		copy(grown.w[:regalloc.FrameHeaderWords], f.hdr.w)
		old := f.hdr
		f.hdr = grown
		if err := old.unmap(); err != nil {
			return err
		}
	}
	if n > len(f.values.w) {
		grown, err := mapWordArray(max(n, 2*len(f.values.w)))
		if err != nil {
			return fmt.Errorf("cpu: grow value array to %d: %w", n, err)
		}
		copy(grown.w, f.values.w)
		old := f.values
		f.values = grown
		if err := old.unmap(); err != nil {
			return err
		}
	}
	if n > len(f.kinds) {
		f.kinds = append(f.kinds, make([]ir.Kind, n-len(f.kinds))...)
	}
	return nil
}

// prepare fills the header for an execution by the CPU with handle owner.
func (f *frame) prepare(owner uintptr) {
	f.hdr.w[regalloc.FrameDescrWord] = math.MaxUint64
	f.hdr.w[regalloc.FrameValuesWord] = uint64(f.values.addr())
	f.hdr.w[regalloc.FrameDepthWord] = uint64(f.depth())
	f.hdr.w[regalloc.FrameOwnerWord] = uint64(owner)
}

func (f *frame) descr() uint64 { return f.hdr.w[regalloc.FrameDescrWord] }

func (f *frame) set(i int, k ir.Kind, bits uint64) error {
	if i < 0 {
		return fmt.Errorf("cpu: negative value index %d", i)
	}
	if err := f.reserve(0, i+1); err != nil {
		return err
	}
	f.values.w[i] = bits
	f.kinds[i] = k
	return nil
}

func (f *frame) get(i int, k ir.Kind) (uint64, error) {
	if i < 0 || i >= len(f.kinds) || f.kinds[i] == ir.KindVoid {
		return 0, fmt.Errorf("cpu: no value at index %d", i)
	}
	if f.kinds[i] != k {
		return 0, fmt.Errorf("%w: value %d is %s, read as %s", ErrKindMismatch, i, f.kinds[i], k)
	}
	return f.values.w[i], nil
}

// checkInputs verifies the values set for the next execution against the
// kinds a loop expects.
func (f *frame) checkInputs(kinds []ir.Kind) error {
	for i, k := range kinds {
		if i >= len(f.kinds) || f.kinds[i] == ir.KindVoid {
			return fmt.Errorf("%w: input %d (%s) not set", ErrKindMismatch, i, k)
		}
		if f.kinds[i] != k {
			return fmt.Errorf("%w: input %d is %s, loop expects %s", ErrKindMismatch, i, f.kinds[i], k)
		}
	}
	return nil
}

// settle records the kinds of the values an exit left behind.
func (f *frame) settle(kinds []ir.Kind) {
	for i := range f.kinds {
		f.kinds[i] = ir.KindVoid
	}
	copy(f.kinds, kinds)
}

func (f *frame) close() error {
	return errors.Join(f.hdr.unmap(), f.values.unmap())
}
