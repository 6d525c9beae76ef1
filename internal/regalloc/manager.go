package regalloc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/tracejit/internal/ir"
)

var (
	// ErrPinConflict is returned when one physical register is demanded for
	// two values that must both stay in registers.
	ErrPinConflict = errors.New("regalloc: register pinned twice")
	// ErrNoRegister is returned when every candidate register is forbidden.
	ErrNoRegister = errors.New("regalloc: no register available")
	// ErrNoLocation is returned for a box that was never materialized.
	ErrNoLocation = errors.New("regalloc: value has no location")
)

// Ctx carries the position of the op being compiled.
type Ctx struct {
	Position int
}

// Emitter receives the moves the allocator needs: spills, reloads,
// register-to-register copies and constant loads.
type Emitter interface {
	Move(dst, src Location, kind ir.Kind)
}

// Pool describes the allocatable registers of one class.
type Pool struct {
	Class RegClass
	// Regs is the allocation order.
	Regs []int
	// ByteRegs can be the destination of an 8-bit write (setcc).
	ByteRegs []int
	// CallerSaved registers are clobbered by native calls.
	CallerSaved []int
}

// AllocOpts constrains a register choice.
type AllocOpts struct {
	// Forbidden boxes keep their registers; they are never evicted.
	Forbidden []*ir.Box
	// Avoid lists registers that must not be chosen.
	Avoid []int
	// Pinned, when set, is the only acceptable register.
	Pinned *Reg
	// ByteAddressable restricts the choice to Pool.ByteRegs.
	ByteAddressable bool
}

func (o AllocOpts) forbids(b *ir.Box) bool {
	for _, f := range o.Forbidden {
		if f == b {
			return true
		}
	}
	return false
}

func (o AllocOpts) with(b *ir.Box, avoid ...int) AllocOpts {
	out := o
	out.Forbidden = append(append([]*ir.Box(nil), o.Forbidden...), b)
	out.Avoid = append(append([]int(nil), o.Avoid...), avoid...)
	return out
}

// unplaced drops the placement constraints but keeps the forbidden set.
func (o AllocOpts) unplaced() AllocOpts {
	o.Pinned = nil
	o.ByteAddressable = false
	return o
}

// Binding pairs a box with the register holding it.
type Binding struct {
	Box *ir.Box
	Reg Reg
}

// RegisterManager tracks which box occupies which register of one class.
// All positional decisions take an explicit Ctx.
type RegisterManager struct {
	pool  Pool
	lv    *Longevity
	frame *FrameManager
	emit  Emitter

	free        map[int]bool
	bound       map[*ir.Box]int
	owner       map[int]*ir.Box
	inFrame     map[*ir.Box]bool
	temps       []*ir.Box
	byteRegs    map[int]bool
	callerSaved map[int]bool
}

func NewRegisterManager(pool Pool, lv *Longevity, frame *FrameManager, emit Emitter) *RegisterManager {
	m := &RegisterManager{
		pool:        pool,
		lv:          lv,
		frame:       frame,
		emit:        emit,
		free:        make(map[int]bool, len(pool.Regs)),
		bound:       make(map[*ir.Box]int),
		owner:       make(map[int]*ir.Box),
		inFrame:     make(map[*ir.Box]bool),
		byteRegs:    make(map[int]bool),
		callerSaved: make(map[int]bool),
	}
	for _, r := range pool.Regs {
		m.free[r] = true
	}
	for _, r := range pool.ByteRegs {
		m.byteRegs[r] = true
	}
	for _, r := range pool.CallerSaved {
		m.callerSaved[r] = true
	}
	return m
}

func (m *RegisterManager) reg(num int) Reg { return Reg{Class: m.pool.Class, Num: num} }

// Handles reports whether values of kind k are managed here.
func (m *RegisterManager) Handles(k ir.Kind) bool {
	if m.pool.Class == ClassFloat {
		return k == ir.KindFloat
	}
	return k == ir.KindInt || k == ir.KindRef
}

func (m *RegisterManager) fits(r int, opts AllocOpts) bool {
	if opts.Pinned != nil && opts.Pinned.Num != r {
		return false
	}
	for _, a := range opts.Avoid {
		if a == r {
			return false
		}
	}
	if opts.ByteAddressable && !m.byteRegs[r] {
		return false
	}
	return true
}

func (m *RegisterManager) bind(b *ir.Box, r int) {
	delete(m.free, r)
	m.bound[b] = r
	m.owner[r] = b
}

func (m *RegisterManager) unbind(b *ir.Box) {
	r, ok := m.bound[b]
	if !ok {
		return
	}
	delete(m.bound, b)
	delete(m.owner, r)
	m.free[r] = true
}

// needed reports whether the value of b may still be read at or after pos.
func (m *RegisterManager) needed(ctx Ctx, b *ir.Box) bool {
	return m.lv.LastUse(b) >= ctx.Position
}

// storeToFrame writes the register copy of b to its slot unless the slot
// already holds it.
func (m *RegisterManager) storeToFrame(b *ir.Box, r int) {
	if m.inFrame[b] {
		return
	}
	m.emit.Move(m.frame.Get(b), m.reg(r), b.Kind())
	m.inFrame[b] = true
}

// evict frees r. A live occupant is spilled to its slot.
func (m *RegisterManager) evict(ctx Ctx, r int) {
	b := m.owner[r]
	if b == nil {
		return
	}
	if m.needed(ctx, b) {
		m.storeToFrame(b, r)
	}
	m.unbind(b)
}

// pick chooses a register satisfying opts, spilling the occupant whose
// next use is furthest away when nothing suitable is free. Temporaries of
// the current op are never chosen.
func (m *RegisterManager) pick(ctx Ctx, opts AllocOpts) (int, error) {
	for _, r := range m.pool.Regs {
		if m.free[r] && m.fits(r, opts) {
			return r, nil
		}
	}
	victim, best := -1, -2
	for _, r := range m.pool.Regs {
		b := m.owner[r]
		if b == nil || !m.fits(r, opts) || opts.forbids(b) || m.isTemp(b) {
			continue
		}
		if last := m.lv.LastUse(b); last > best {
			victim, best = r, last
		}
	}
	if victim < 0 {
		return 0, fmt.Errorf("%w (class %s, %d bound)", ErrNoRegister, m.pool.Class, len(m.bound))
	}
	m.evict(ctx, victim)
	return victim, nil
}

// ReleaseIfDead frees the register of v if v is not read after ctx.
func (m *RegisterManager) ReleaseIfDead(ctx Ctx, v ir.Value) {
	b, ok := v.(*ir.Box)
	if !ok {
		return
	}
	if _, bound := m.bound[b]; bound && !m.lv.LiveAfter(b, ctx.Position) {
		m.unbind(b)
	}
}

// ReleaseDead applies ReleaseIfDead to each value.
func (m *RegisterManager) ReleaseDead(ctx Ctx, vals []ir.Value) {
	for _, v := range vals {
		m.ReleaseIfDead(ctx, v)
	}
}

// EndOp releases everything op no longer needs, including temporaries.
func (m *RegisterManager) EndOp(ctx Ctx, op *ir.Op) {
	m.ReleaseDead(ctx, op.Args)
	m.ReleaseDead(ctx, op.FailArgs)
	if op.Result != nil {
		m.ReleaseIfDead(ctx, op.Result)
	}
	for _, t := range m.temps {
		m.unbind(t)
	}
	m.temps = m.temps[:0]
}

func (m *RegisterManager) isTemp(b *ir.Box) bool {
	for _, t := range m.temps {
		if t == b {
			return true
		}
	}
	return false
}

// Temp creates a box that lives only during the current op.
func (m *RegisterManager) Temp(ctx Ctx, kind ir.Kind) *ir.Box {
	b := ir.NewBox(kind)
	m.lv.AddTemp(b, ctx.Position)
	m.temps = append(m.temps, b)
	return b
}

// Location returns where v currently lives. Registers are preferred over
// the frame copy.
func (m *RegisterManager) Location(v ir.Value) (Location, error) {
	switch v := v.(type) {
	case ir.Const:
		return Imm{Bits: v.Bits()}, nil
	case *ir.Box:
		if r, ok := m.bound[v]; ok {
			return m.reg(r), nil
		}
		if m.inFrame[v] {
			return m.frame.Get(v), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoLocation, v)
	}
	return nil, fmt.Errorf("regalloc: unexpected value %T", v)
}

// RegisterOf returns the register holding b.
func (m *RegisterManager) RegisterOf(b *ir.Box) (Reg, bool) {
	r, ok := m.bound[b]
	if !ok {
		return Reg{}, false
	}
	return m.reg(r), true
}

// InFrame reports whether the slot of b holds its value on the main path.
func (m *RegisterManager) InFrame(b *ir.Box) bool { return m.inFrame[b] }

// Bind places b in register r without emitting code. r must be free.
func (m *RegisterManager) Bind(b *ir.Box, r int) error {
	if !m.free[r] {
		return fmt.Errorf("regalloc: bind %s to %s: register not free", b, m.reg(r))
	}
	m.bind(b, r)
	return nil
}

// BindFrame records that b already lives in slot s.
func (m *RegisterManager) BindFrame(b *ir.Box, s Slot) {
	m.frame.Bind(b, s)
	m.inFrame[b] = true
}

// FreeRegister returns a free register in allocation order, if any.
func (m *RegisterManager) FreeRegister() (int, bool) {
	for _, r := range m.pool.Regs {
		if m.free[r] {
			return r, true
		}
	}
	return 0, false
}

// Allocate gives b a register without loading anything into it.
func (m *RegisterManager) Allocate(ctx Ctx, b *ir.Box, opts AllocOpts) (Reg, error) {
	if r, ok := m.bound[b]; ok && m.fits(r, opts) {
		return m.reg(r), nil
	}
	if opts.Pinned != nil {
		return m.ForceAllocate(ctx, b, opts.Pinned.Num, opts)
	}
	r, err := m.pick(ctx, opts.with(b))
	if err != nil {
		return Reg{}, err
	}
	if old, ok := m.bound[b]; ok {
		m.emit.Move(m.reg(r), m.reg(old), b.Kind())
		m.unbind(b)
	}
	m.bind(b, r)
	return m.reg(r), nil
}

// EnsureInRegister returns a register holding v. Constants are loaded into
// a temporary that is released at the end of the op.
func (m *RegisterManager) EnsureInRegister(ctx Ctx, v ir.Value, opts AllocOpts) (Reg, error) {
	switch v := v.(type) {
	case ir.Const:
		t := m.Temp(ctx, v.Kind())
		r, err := m.Allocate(ctx, t, opts)
		if err != nil {
			return Reg{}, err
		}
		m.emit.Move(r, Imm{Bits: v.Bits()}, v.Kind())
		return r, nil
	case *ir.Box:
		if r, ok := m.bound[v]; ok {
			if m.fits(r, opts) {
				return m.reg(r), nil
			}
			return m.Allocate(ctx, v, opts)
		}
		if !m.inFrame[v] {
			return Reg{}, fmt.Errorf("%w: %s", ErrNoLocation, v)
		}
		r, err := m.Allocate(ctx, v, opts)
		if err != nil {
			return Reg{}, err
		}
		m.emit.Move(r, m.frame.Get(v), v.Kind())
		return r, nil
	}
	return Reg{}, fmt.Errorf("regalloc: unexpected value %T", v)
}

// ForceAllocate places b in register r, moving the current occupant out of
// the way. The value of b, if it has one, follows it into r.
func (m *RegisterManager) ForceAllocate(ctx Ctx, b *ir.Box, r int, opts AllocOpts) (Reg, error) {
	if !m.inPool(r) {
		return Reg{}, fmt.Errorf("regalloc: %s is not allocatable", m.reg(r))
	}
	if cur, ok := m.bound[b]; ok && cur == r {
		return m.reg(r), nil
	}
	if err := m.clobber(ctx, r, opts.with(b, r)); err != nil {
		return Reg{}, err
	}
	if old, ok := m.bound[b]; ok {
		m.emit.Move(m.reg(r), m.reg(old), b.Kind())
		m.unbind(b)
	} else if m.inFrame[b] {
		m.emit.Move(m.reg(r), m.frame.Get(b), b.Kind())
	}
	m.bind(b, r)
	return m.reg(r), nil
}

func (m *RegisterManager) inPool(r int) bool {
	for _, p := range m.pool.Regs {
		if p == r {
			return true
		}
	}
	return false
}

// Clobber frees r for a fixed use. A live occupant moves to another free
// register when one exists, otherwise it is spilled.
func (m *RegisterManager) Clobber(ctx Ctx, r int, opts AllocOpts) error {
	return m.clobber(ctx, r, opts)
}

func (m *RegisterManager) clobber(ctx Ctx, r int, opts AllocOpts) error {
	b := m.owner[r]
	if b == nil {
		return nil
	}
	if opts.forbids(b) || m.isTemp(b) {
		return fmt.Errorf("%w: %s holds %s", ErrPinConflict, m.reg(r), b)
	}
	if !m.needed(ctx, b) {
		m.unbind(b)
		return nil
	}
	avoid := append(append([]int(nil), opts.Avoid...), r)
	for _, cand := range m.pool.Regs {
		if m.free[cand] && m.fits(cand, AllocOpts{Avoid: avoid}) {
			m.emit.Move(m.reg(cand), m.reg(r), b.Kind())
			m.unbind(b)
			m.bind(b, cand)
			return nil
		}
	}
	m.storeToFrame(b, r)
	m.unbind(b)
	return nil
}

// ForceResultInSameRegister puts operand's value in a register that then
// becomes result's, for two-address instructions. If operand is still
// live afterwards it moves to another register, or to its slot when every
// other register is taken.
func (m *RegisterManager) ForceResultInSameRegister(ctx Ctx, result *ir.Box, operand ir.Value, opts AllocOpts) (Reg, error) {
	opBox, isBox := operand.(*ir.Box)
	if !isBox {
		r, err := m.Allocate(ctx, result, opts)
		if err != nil {
			return Reg{}, err
		}
		loc, err := m.Location(operand)
		if err != nil {
			return Reg{}, err
		}
		m.emit.Move(r, loc, result.Kind())
		return r, nil
	}

	r, bound := m.bound[opBox]
	if bound && m.fits(r, opts) {
		if m.lv.LiveAfter(opBox, ctx.Position) {
			if m.inFrame[opBox] {
				m.unbind(opBox)
			} else if nr, err := m.pick(ctx, opts.unplaced().with(opBox, r)); err == nil {
				m.emit.Move(m.reg(nr), m.reg(r), opBox.Kind())
				m.unbind(opBox)
				m.bind(opBox, nr)
			} else {
				m.storeToFrame(opBox, r)
				m.unbind(opBox)
			}
		} else {
			m.unbind(opBox)
		}
		m.bind(result, r)
		return m.reg(r), nil
	}

	src, err := m.Location(opBox)
	if err != nil {
		return Reg{}, err
	}
	dst, err := m.Allocate(ctx, result, opts.with(opBox))
	if err != nil {
		return Reg{}, err
	}
	m.emit.Move(dst, src, result.Kind())
	return dst, nil
}

// Rebind hands the register of from over to to without emitting code.
func (m *RegisterManager) Rebind(from, to *ir.Box) error {
	r, ok := m.bound[from]
	if !ok {
		return fmt.Errorf("regalloc: rebind %s: not in a register", from)
	}
	m.unbind(from)
	m.bind(to, r)
	for i, t := range m.temps {
		if t == from {
			m.temps = append(m.temps[:i], m.temps[i+1:]...)
			break
		}
	}
	return nil
}

// Spill stores b to its slot, keeping the register copy.
func (m *RegisterManager) Spill(b *ir.Box) {
	if r, ok := m.bound[b]; ok {
		m.storeToFrame(b, r)
	}
}

// SpillCallerSaved saves every value that lives past the current op out of
// the caller-saved registers. Values dying at the current op stay put so
// they can still be passed as arguments.
func (m *RegisterManager) SpillCallerSaved(ctx Ctx) {
	for _, r := range m.pool.Regs {
		b := m.owner[r]
		if b == nil || !m.callerSaved[r] {
			continue
		}
		if m.lv.LiveAfter(b, ctx.Position) {
			m.storeToFrame(b, r)
			m.unbind(b)
		}
	}
}

// ReleaseCallerSaved forgets everything held in caller-saved registers,
// after a call has clobbered them.
func (m *RegisterManager) ReleaseCallerSaved() {
	for _, r := range m.pool.Regs {
		if b := m.owner[r]; b != nil && m.callerSaved[r] {
			m.unbind(b)
		}
	}
}

// BoundRegisters lists the current bindings in register order.
func (m *RegisterManager) BoundRegisters() []Binding {
	out := make([]Binding, 0, len(m.bound))
	for b, r := range m.bound {
		out = append(out, Binding{Box: b, Reg: m.reg(r)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reg.Num < out[j].Reg.Num })
	return out
}

// Check verifies the manager's bookkeeping after the op at ctx: every pool
// register is either free or bound once, and no dead box holds a register.
func (m *RegisterManager) Check(ctx Ctx) error {
	pooled := 0
	for _, r := range m.pool.Regs {
		b := m.owner[r]
		if m.free[r] == (b != nil) {
			return fmt.Errorf("regalloc: %s is both free and bound (or neither)", m.reg(r))
		}
		if b != nil {
			pooled++
			if m.bound[b] != r {
				return fmt.Errorf("regalloc: %s owner %s is bound to %s", m.reg(r), b, m.reg(m.bound[b]))
			}
			if !m.lv.LiveAfter(b, ctx.Position) {
				return fmt.Errorf("regalloc: dead box %s still holds %s at op %d", b, m.reg(r), ctx.Position)
			}
		}
	}
	if pooled+len(m.free) != len(m.pool.Regs) {
		return fmt.Errorf("regalloc: %d bound + %d free != pool of %d", pooled, len(m.free), len(m.pool.Regs))
	}
	if len(m.bound) != len(m.owner) {
		return fmt.Errorf("regalloc: %d boxes bound but %d registers owned", len(m.bound), len(m.owner))
	}
	return nil
}
