// Package backend defines what an architecture code generator receives and
// returns, and keeps the registry of available generators.
package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
)

var (
	// ErrNotImplemented marks an opcode or operand shape the generator
	// cannot handle.
	ErrNotImplemented = errors.New("not implemented")
	// ErrInternal marks a broken allocator or encoder invariant.
	ErrInternal = errors.New("compiler internal error")
)

// CompileError aborts the compilation of one trace.
type CompileError struct {
	Trace string
	// Index is the position of the failing op, or -1.
	Index int
	Op    *ir.Op
	Err   error
}

func (e *CompileError) Error() string {
	if e.Op != nil {
		return fmt.Sprintf("compile %s: op %d (%s): %v", e.Trace, e.Index, e.Op.Opcode, e.Err)
	}
	return fmt.Sprintf("compile %s: %v", e.Trace, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Hooks are the absolute addresses of native callbacks generated code may
// call. A zero address disables the hook.
type Hooks struct {
	// Failure is called as fn(frame, index) and returns a bridge address
	// or 0.
	Failure uintptr
	// Malloc is called as fn(frame, size) and returns zeroed memory.
	Malloc uintptr
	// WriteBarrier is called as fn(frame, obj) before a pointer store.
	WriteBarrier uintptr
}

// Target is compiled code a jump can transfer control to.
type Target interface {
	ir.JumpTarget
	InputLocations() []regalloc.Location
	BodyAddr() uintptr
}

// Limits restrict the register pools, mainly to exercise spilling.
type Limits struct {
	MaxIntRegisters   int
	MaxFloatRegisters int
	DebugChecks       bool
}

// Request is one trace to compile.
type Request struct {
	Trace *ir.Trace
	// Self is the descriptor a jump uses to re-enter this trace. A jump
	// whose descriptor is nil or Self loops back to this trace's body.
	Self ir.Descr
	// Bridge marks a trace entered from a guard. Its inputs arrive in
	// InputSlots and it has no entry bootstrap.
	Bridge     bool
	InputSlots []regalloc.Slot
	// FrameStart is the first slot the trace may allocate.
	FrameStart int
	// FirstExit is the descriptor index assigned to the first guard or
	// finish; the rest follow in trace order.
	FirstExit int
	Hooks     Hooks
	Limits    Limits
}

// Exit describes one guard or finish of a compiled trace.
type Exit struct {
	Index  int
	Opcode ir.Opcode
	Kinds  []ir.Kind
	// Slots holds the fail-value layout of a guard.
	Slots []regalloc.Slot
	// PatchOffset is the program offset of the guard's rel32 jump to its
	// failure path, or -1 for finish.
	PatchOffset int
	// FrameDepth is the slot count in use at the guard; a bridge starts
	// allocating after it.
	FrameDepth int
}

// Result is the output of a successful compilation.
type Result struct {
	Program asm.Program
	// EntryOffset is the bootstrap of a loop, -1 for bridges.
	EntryOffset int
	BodyOffset  int
	// InputLocations is where the body expects each input.
	InputLocations []regalloc.Location
	FrameDepth     int
	// MaxValues is the largest value-array index the code touches, plus one.
	MaxValues int
	Exits     []Exit
}

type Backend interface {
	Compile(req *Request) (*Result, error)
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
)

// Register wires an architecture-specific backend into the registry. It
// panics when attempting to register the same architecture more than once
// so mistakes are caught during init.
func Register(arch string, b Backend) {
	if arch == "" {
		panic("backend: cannot register backend for empty architecture")
	}
	if b == nil {
		panic("backend: backend must be non-nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[arch]; exists {
		panic(fmt.Sprintf("backend: backend for %s already registered", arch))
	}
	backends[arch] = b
}

func Lookup(arch string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if b, ok := backends[arch]; ok {
		return b, nil
	}
	if arch == "" {
		return nil, fmt.Errorf("backend: architecture must be specified")
	}
	return nil, fmt.Errorf("backend: no backend registered for %q", arch)
}

// Architectures lists the registered architectures.
func Architectures() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for arch := range backends {
		out = append(out, arch)
	}
	sort.Strings(out)
	return out
}
