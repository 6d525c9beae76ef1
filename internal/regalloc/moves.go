package regalloc

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/ir"
)

// Move copies the value of kind Kind from Src to Dst.
type Move struct {
	Src  Location
	Dst  Location
	Kind ir.Kind
}

// MemToMem reports whether both ends are frame slots. Such moves need an
// emitter path that does not go through an allocatable register.
func (m Move) MemToMem() bool {
	return IsMemory(m.Src) && IsMemory(m.Dst)
}

func (m Move) String() string {
	return fmt.Sprintf("%s <- %s (%s)", m.Dst, m.Src, m.Kind)
}

// Sequence orders a parallel move so that executing the result one move at
// a time gives every destination the value its source held before any move
// ran. Sources may repeat; destinations must be distinct. Each cycle is
// broken through the single scratch location scratch returns for the kind
// of the value being parked. Constant loads come last.
func Sequence(moves []Move, scratch func(ir.Kind) Location) ([]Move, error) {
	seen := make(map[Location]bool, len(moves))
	var pending, consts []Move
	for _, m := range moves {
		if _, ok := m.Dst.(Imm); ok {
			return nil, fmt.Errorf("regalloc: move into immediate %s", m.Dst)
		}
		if seen[m.Dst] {
			return nil, fmt.Errorf("regalloc: destination %s written twice", m.Dst)
		}
		seen[m.Dst] = true
		if m.Src == m.Dst {
			continue
		}
		if _, ok := m.Src.(Imm); ok {
			consts = append(consts, m)
			continue
		}
		pending = append(pending, m)
	}

	readBy := func(loc Location) int {
		for i, m := range pending {
			if m.Src == loc {
				return i
			}
		}
		return -1
	}

	out := make([]Move, 0, len(moves)+1)
	for len(pending) > 0 {
		progressed := false
		for i := 0; i < len(pending); {
			m := pending[i]
			if readBy(m.Dst) < 0 {
				out = append(out, m)
				pending = append(pending[:i], pending[i+1:]...)
				progressed = true
				continue
			}
			i++
		}
		if progressed {
			continue
		}

		// Only cycles remain. Park the value of one destination in the
		// scratch location and redirect its reader there.
		blocked := pending[0].Dst
		reader := pending[readBy(blocked)]
		tmp := scratch(reader.Kind)
		if tmp == nil {
			return nil, fmt.Errorf("regalloc: no scratch location for %s", reader.Kind)
		}
		if seen[tmp] || readBy(tmp) >= 0 {
			return nil, fmt.Errorf("regalloc: scratch %s is part of the move set", tmp)
		}
		out = append(out, Move{Src: blocked, Dst: tmp, Kind: reader.Kind})
		for i := range pending {
			if pending[i].Src == blocked {
				pending[i].Src = tmp
			}
		}
	}
	return append(out, consts...), nil
}
