//go:build !(linux && amd64)

package cpu

import (
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/codemem"
)

const arch = ""

func supported() error { return ErrUnsupportedPlatform }

func newCodeMemory(chunkSize int) *codemem.Memory { return nil }

func installCallbacks(gc GCHooks) backend.Hooks { return backend.Hooks{} }

func enter(entry, frame uintptr) uintptr { panic(ErrUnsupportedPlatform) }
