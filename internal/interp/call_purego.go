//go:build (linux || darwin || freebsd) && (amd64 || arm64)

package interp

import (
	"fmt"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/tracejit/internal/ir"
)

// nativeCall calls fn through purego. Float arguments and results need a
// custom Env.Call.
func nativeCall(fn uintptr, cd *ir.CallDescr, args []uint64) (uint64, error) {
	if cd.Result == ir.KindFloat {
		return 0, fmt.Errorf("native call returning float needs Env.Call")
	}
	words := make([]uintptr, len(args))
	for i, a := range args {
		if cd.Args[i] == ir.KindFloat {
			return 0, fmt.Errorf("native call with float argument %d needs Env.Call", i)
		}
		words[i] = uintptr(a)
	}
	r1, _, _ := purego.SyscallN(fn, words...)
	return uint64(r1), nil
}
