//go:build !((linux || darwin || freebsd) && (amd64 || arm64))

package interp

import (
	"fmt"

	"github.com/tinyrange/tracejit/internal/ir"
)

func nativeCall(fn uintptr, cd *ir.CallDescr, args []uint64) (uint64, error) {
	return 0, fmt.Errorf("native calls are not supported on this platform")
}
