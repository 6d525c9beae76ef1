package interp

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/ir"
)

// execMemory runs heap accesses, allocations and calls against real
// memory. Refs are raw addresses.
func (m *machine) execMemory(op *ir.Op) (uint64, error) {
	switch op.Opcode {
	case ir.OpGetfieldGCI, ir.OpGetfieldGCR, ir.OpGetfieldGCF:
		fd := op.Descr.(*ir.FieldDescr)
		return load(m.addr(op.Args[0], fd.Offset), fd.Size, fd.Signed), nil

	case ir.OpSetfieldGC:
		fd := op.Descr.(*ir.FieldDescr)
		if fd.IsPointer() {
			m.barrier(op.Args[0])
		}
		store(m.addr(op.Args[0], fd.Offset), fd.Size, m.word(op.Args[1]))
		return 0, nil

	case ir.OpGetarrayitemGCI, ir.OpGetarrayitemGCR, ir.OpGetarrayitemGCF:
		ad := op.Descr.(*ir.ArrayDescr)
		return load(m.item(ad, op.Args[0], op.Args[1]), ad.ItemSize, ad.Signed), nil

	case ir.OpSetarrayitemGC:
		ad := op.Descr.(*ir.ArrayDescr)
		if ad.IsPointer() {
			m.barrier(op.Args[0])
		}
		store(m.item(ad, op.Args[0], op.Args[1]), ad.ItemSize, m.word(op.Args[2]))
		return 0, nil

	case ir.OpArraylenGC:
		ad := op.Descr.(*ir.ArrayDescr)
		return load(m.addr(op.Args[0], ad.LengthOffset), 8, true), nil

	case ir.OpNew, ir.OpNewWithVtable:
		sd := op.Descr.(*ir.SizeDescr)
		p, err := m.malloc(uintptr(sd.Size))
		if err != nil {
			return 0, err
		}
		if op.Opcode == ir.OpNewWithVtable {
			store(p, 8, m.word(op.Args[0]))
		}
		return uint64(p), nil

	case ir.OpNewArray:
		ad := op.Descr.(*ir.ArrayDescr)
		n := int64(m.word(op.Args[0]))
		p, err := m.malloc(uintptr(int64(ad.BaseOffset) + n*int64(ad.ItemSize)))
		if err != nil {
			return 0, err
		}
		store(p+uintptr(ad.LengthOffset), 8, uint64(n))
		return uint64(p), nil

	case ir.OpCallI, ir.OpCallR, ir.OpCallF, ir.OpCallN:
		cd := op.Descr.(*ir.CallDescr)
		call := m.env.Call
		if call == nil {
			call = nativeCall
		}
		return call(uintptr(m.word(op.Args[0])), cd, m.words(op.Args[1:]))
	}
	return 0, fmt.Errorf("no interpretation for %s", op.Opcode)
}

func (m *machine) addr(obj ir.Value, off int) uintptr {
	return uintptr(m.word(obj)) + uintptr(off)
}

func (m *machine) item(ad *ir.ArrayDescr, arr, idx ir.Value) uintptr {
	i := int64(m.word(idx))
	return uintptr(int64(m.word(arr)) + int64(ad.BaseOffset) + i*int64(ad.ItemSize))
}

func (m *machine) malloc(size uintptr) (uintptr, error) {
	if m.env.Malloc == nil {
		return 0, fmt.Errorf("allocation without a malloc hook")
	}
	p := m.env.Malloc(size)
	if p == 0 {
		return 0, fmt.Errorf("malloc of %d bytes failed", size)
	}
	return p, nil
}

func (m *machine) barrier(obj ir.Value) {
	if m.env.WriteBarrier != nil {
		m.env.WriteBarrier(uintptr(m.word(obj)))
	}
}
