//go:build linux && amd64

package cpu

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/codemem"
	"github.com/tinyrange/tracejit/internal/regalloc"

	_ "github.com/tinyrange/tracejit/internal/ir/amd64"
)

const arch = "amd64"

func supported() error { return nil }

func newCodeMemory(chunkSize int) *codemem.Memory {
	return codemem.NewSystem(chunkSize)
}

// Native callbacks are a limited resource, so one set serves every CPU in
// the process. Each finds its CPU through the owner word of the frame it
// is handed.
var callbacks struct {
	once                     sync.Once
	failure, malloc, barrier uintptr
}

func frameOwner(frame uintptr) *CPU {
	hdr := unsafe.Slice((*uint64)(unsafe.Pointer(frame)), regalloc.FrameHeaderWords)
	return ownerOf(uintptr(hdr[regalloc.FrameOwnerWord]))
}

func installCallbacks(gc GCHooks) backend.Hooks {
	callbacks.once.Do(func() {
		callbacks.failure = purego.NewCallback(func(frame, index uintptr) uintptr {
			c := frameOwner(frame)
			if c == nil {
				return 0
			}
			return c.guardFailed(int(index))
		})
		callbacks.malloc = purego.NewCallback(func(frame, size uintptr) uintptr {
			c := frameOwner(frame)
			if c == nil {
				return 0
			}
			return c.malloc(size)
		})
		callbacks.barrier = purego.NewCallback(func(frame, obj uintptr) uintptr {
			if c := frameOwner(frame); c != nil {
				c.writeBarrier(obj)
			}
			return 0
		})
	})

	h := backend.Hooks{Failure: callbacks.failure}
	if gc.Malloc != nil {
		h.Malloc = callbacks.malloc
	}
	if gc.WriteBarrier != nil {
		h.WriteBarrier = callbacks.barrier
	}
	return h
}

// enter calls the bootstrap at entry with the frame in rdi and returns the
// exit index left in rax.
func enter(entry, frame uintptr) uintptr {
	r1, _, _ := purego.SyscallN(entry, frame)
	return r1
}
