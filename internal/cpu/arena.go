package cpu

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/docker/go-units"
)

// GCHooks connect compiled code to the embedding runtime's memory
// manager. A nil hook leaves the matching operations unsupported (Malloc)
// or unannounced (WriteBarrier).
type GCHooks struct {
	// Malloc returns size bytes of zeroed, 8-byte aligned memory.
	Malloc func(size uintptr) uintptr
	// WriteBarrier runs before a pointer is stored into obj.
	WriteBarrier func(obj uintptr)
}

const defaultArenaChunk = 64 * units.KiB

// Arena is a bump allocator over mapped memory that never frees. It is
// meant as a Malloc hook for tests and tools.
type Arena struct {
	mu        sync.Mutex
	chunkSize int
	chunks    [][]byte
	cur       []byte
	off       int
	allocated int
}

// NewArena returns an arena that maps chunkSize bytes at a time. A zero
// size selects 64KiB.
func NewArena(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = defaultArenaChunk
	}
	return &Arena{chunkSize: chunkSize}
}

// Malloc implements GCHooks.Malloc. It returns 0 when memory cannot be
// mapped.
func (a *Arena) Malloc(size uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := (int(size) + 15) &^ 15
	if n == 0 {
		n = 16
	}
	if a.cur == nil || a.off+n > len(a.cur) {
		mem, err := mapBytes(max(n, a.chunkSize))
		if err != nil {
			return 0
		}
		a.chunks = append(a.chunks, mem)
		a.cur, a.off = mem, 0
	}
	p := uintptr(unsafe.Pointer(&a.cur[a.off]))
	a.off += n
	a.allocated += n
	return p
}

// Allocated is the number of bytes handed out so far.
func (a *Arena) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Close unmaps the arena. Pointers it handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, mem := range a.chunks {
		errs = append(errs, unmapBytes(mem))
	}
	a.chunks, a.cur, a.off = nil, nil, 0
	return errors.Join(errs...)
}
