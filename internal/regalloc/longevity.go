package regalloc

import (
	"github.com/tinyrange/tracejit/internal/ir"
)

// Interval is the live range of a box measured in op positions. Trace
// inputs start at -1. No op after Last reads the box.
type Interval struct {
	First int
	Last  int
}

// Longevity maps each box of a trace to its interval.
type Longevity struct {
	intervals map[*ir.Box]Interval
}

// ComputeLongevity makes one pass over ops. Arguments, fail values and the
// values passed by jump and finish all extend a box's interval; results
// nobody reads end where they start.
func ComputeLongevity(inputs []*ir.Box, ops []*ir.Op) *Longevity {
	lv := &Longevity{intervals: make(map[*ir.Box]Interval, len(inputs)+len(ops))}
	for _, b := range inputs {
		lv.intervals[b] = Interval{First: -1, Last: -1}
	}
	use := func(v ir.Value, pos int) {
		b, ok := v.(*ir.Box)
		if !ok {
			return
		}
		iv, ok := lv.intervals[b]
		if !ok {
			// Undefined boxes are rejected by validation; keep going.
			iv = Interval{First: pos, Last: pos}
		}
		if pos > iv.Last {
			iv.Last = pos
		}
		lv.intervals[b] = iv
	}
	for i, op := range ops {
		for _, a := range op.Args {
			use(a, i)
		}
		for _, a := range op.FailArgs {
			use(a, i)
		}
		if op.Result != nil {
			lv.intervals[op.Result] = Interval{First: i, Last: i}
		}
	}
	return lv
}

// Get returns the interval of b.
func (lv *Longevity) Get(b *ir.Box) (Interval, bool) {
	iv, ok := lv.intervals[b]
	return iv, ok
}

// LastUse returns the position of the last read of b, or -1 when unknown.
func (lv *Longevity) LastUse(b *ir.Box) int {
	if iv, ok := lv.intervals[b]; ok {
		return iv.Last
	}
	return -1
}

// LiveAfter reports whether b is read by an op after pos.
func (lv *Longevity) LiveAfter(b *ir.Box, pos int) bool {
	return lv.LastUse(b) > pos
}

// AddTemp registers a temporary box that lives only at pos.
func (lv *Longevity) AddTemp(b *ir.Box, pos int) {
	lv.intervals[b] = Interval{First: pos, Last: pos}
}

func (lv *Longevity) Len() int { return len(lv.intervals) }
