// Package codemem hands out executable memory for compiled traces. Code is
// carved from large mapped chunks; freed ranges are kept in an ordered
// index and reused best-fit. Pages are never writable and executable at
// the same time.
package codemem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/google/btree"
)

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 256 * units.KiB

// Alignment of every block start.
const Alignment = 16

var (
	ErrClosed     = errors.New("codemem: closed")
	ErrOutOfRange = errors.New("codemem: address outside mapped code")
)

// Block is a range of code memory owned by one compiled trace.
type Block struct {
	Addr uintptr
	Size int
}

// End returns the first address after b.
func (b Block) End() uintptr { return b.Addr + uintptr(b.Size) }

// Mapper obtains and protects page-aligned memory.
type Mapper interface {
	PageSize() int
	Map(size int) ([]byte, error)
	Unmap(mem []byte) error
	// Protect makes mem writable (and not executable) or executable (and
	// not writable).
	Protect(mem []byte, writable bool) error
}

type span struct {
	addr uintptr
	size int
}

func (s span) End() uintptr { return s.addr + uintptr(s.size) }

type chunk struct {
	mem  []byte
	base uintptr
}

func (c *chunk) contains(addr uintptr, n int) bool {
	return addr >= c.base && addr+uintptr(n) <= c.base+uintptr(len(c.mem))
}

// Stats describes the state of a Memory.
type Stats struct {
	Chunks    int
	Mapped    int
	InUse     int
	FreeSpans int
}

func (s Stats) String() string {
	return fmt.Sprintf("%d chunks, %s mapped, %s in use, %d free spans",
		s.Chunks, units.BytesSize(float64(s.Mapped)), units.BytesSize(float64(s.InUse)), s.FreeSpans)
}

// Memory is an executable-memory allocator.
type Memory struct {
	mu        sync.Mutex
	mapper    Mapper
	chunkSize int
	chunks    []*chunk
	// bySize orders free spans for best-fit lookups; byAddr finds
	// neighbours to coalesce with.
	bySize *btree.BTreeG[span]
	byAddr *btree.BTreeG[span]
	inUse  int
	closed bool
}

// New creates an allocator that maps chunks of at least chunkSize bytes
// through m. A chunkSize of 0 selects DefaultChunkSize.
func New(m Mapper, chunkSize int) *Memory {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	page := m.PageSize()
	chunkSize = alignUp(chunkSize, page)
	return &Memory{
		mapper:    m,
		chunkSize: chunkSize,
		bySize: btree.NewG[span](8, func(a, b span) bool {
			if a.size != b.size {
				return a.size < b.size
			}
			return a.addr < b.addr
		}),
		byAddr: btree.NewG[span](8, func(a, b span) bool { return a.addr < b.addr }),
	}
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}

func (m *Memory) insertFree(s span) {
	m.bySize.ReplaceOrInsert(s)
	m.byAddr.ReplaceOrInsert(s)
}

func (m *Memory) removeFree(s span) {
	m.bySize.Delete(s)
	m.byAddr.Delete(s)
}

// Allocate copies code into a fresh block and makes it executable.
func (m *Memory) Allocate(code []byte) (Block, error) {
	if len(code) == 0 {
		return Block{}, fmt.Errorf("codemem: empty code")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Block{}, ErrClosed
	}

	size := alignUp(len(code), Alignment)
	s, ok := m.bestFit(size)
	if !ok {
		if err := m.grow(size); err != nil {
			return Block{}, err
		}
		if s, ok = m.bestFit(size); !ok {
			return Block{}, fmt.Errorf("codemem: no span for %d bytes after growing", size)
		}
	}
	m.removeFree(s)
	if rest := s.size - size; rest > 0 {
		m.insertFree(span{addr: s.addr + uintptr(size), size: rest})
	}
	m.inUse += size

	b := Block{Addr: s.addr, Size: size}
	if err := m.write(b.Addr, code); err != nil {
		m.release(b)
		return Block{}, err
	}
	return b, nil
}

func (m *Memory) bestFit(size int) (span, bool) {
	var found span
	ok := false
	m.bySize.AscendGreaterOrEqual(span{size: size}, func(s span) bool {
		found, ok = s, true
		return false
	})
	return found, ok
}

func (m *Memory) grow(size int) error {
	n := m.chunkSize
	if size > n {
		n = alignUp(size, m.mapper.PageSize())
	}
	mem, err := m.mapper.Map(n)
	if err != nil {
		return fmt.Errorf("codemem: map %s: %w", units.BytesSize(float64(n)), err)
	}
	c := &chunk{mem: mem, base: uintptr(unsafe.Pointer(&mem[0]))}
	m.chunks = append(m.chunks, c)
	m.insertFree(span{addr: c.base, size: len(mem)})
	return nil
}

// Free returns b to the allocator. Adjacent free spans are merged.
func (m *Memory) Free(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || b.Size == 0 {
		return
	}
	m.release(b)
}

func (m *Memory) release(b Block) {
	m.inUse -= b.Size
	s := span{addr: b.Addr, size: b.Size}
	owner := m.chunkOf(b.Addr, b.Size)

	var prev, next span
	hasPrev, hasNext := false, false
	m.byAddr.DescendLessOrEqual(span{addr: s.addr}, func(p span) bool {
		prev, hasPrev = p, p.addr+uintptr(p.size) == s.addr
		return false
	})
	m.byAddr.AscendGreaterOrEqual(span{addr: s.End()}, func(n span) bool {
		next, hasNext = n, n.addr == s.End()
		return false
	})
	// Spans never merge across chunks.
	if hasPrev && owner != nil && owner.contains(prev.addr, prev.size) {
		m.removeFree(prev)
		s = span{addr: prev.addr, size: prev.size + s.size}
	}
	if hasNext && owner != nil && owner.contains(next.addr, next.size) {
		m.removeFree(next)
		s.size += next.size
	}
	m.insertFree(s)
}

func (m *Memory) chunkOf(addr uintptr, n int) *chunk {
	for _, c := range m.chunks {
		if c.contains(addr, n) {
			return c
		}
	}
	return nil
}

// WriteCode overwrites already allocated code, for patching jumps. The
// touched pages are writable only for the duration of the copy.
func (m *Memory) WriteCode(addr uintptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.write(addr, data)
}

func (m *Memory) write(addr uintptr, data []byte) error {
	c := m.chunkOf(addr, len(data))
	if c == nil {
		return fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, len(data))
	}
	page := uintptr(m.mapper.PageSize())
	lo := (addr - c.base) / page * page
	hi := uintptr(alignUp(int(addr-c.base)+len(data), int(page)))
	pages := c.mem[lo:hi]

	if err := m.mapper.Protect(pages, true); err != nil {
		return fmt.Errorf("codemem: make writable: %w", err)
	}
	copy(c.mem[addr-c.base:], data)
	if err := m.mapper.Protect(pages, false); err != nil {
		return fmt.Errorf("codemem: make executable: %w", err)
	}
	return nil
}

// Read copies n bytes of code starting at addr.
func (m *Memory) Read(addr uintptr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chunkOf(addr, n)
	if c == nil {
		return nil, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, n)
	}
	off := addr - c.base
	return append([]byte(nil), c.mem[off:off+uintptr(n)]...), nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Chunks: len(m.chunks), InUse: m.inUse, FreeSpans: m.byAddr.Len()}
	for _, c := range m.chunks {
		st.Mapped += len(c.mem)
	}
	return st
}

// Close unmaps every chunk. Code handed out earlier must not run again.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, c := range m.chunks {
		if err := m.mapper.Unmap(c.mem); err != nil {
			errs = append(errs, err)
		}
	}
	m.chunks = nil
	m.bySize.Clear(false)
	m.byAddr.Clear(false)
	return errors.Join(errs...)
}
