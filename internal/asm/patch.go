package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

var ErrPatchSiteUsed = errors.New("asm: patch site already used")

// CodeWriter overwrites installed machine code.
type CodeWriter interface {
	WriteCode(addr uintptr, data []byte) error
}

// PatchSite is the absolute address of a rel32 displacement field inside
// installed code. It can be redirected exactly once.
type PatchSite struct {
	mu   sync.Mutex
	addr uintptr
	used bool
}

func NewPatchSite(addr uintptr) *PatchSite {
	return &PatchSite{addr: addr}
}

func (p *PatchSite) Addr() uintptr { return p.addr }

func (p *PatchSite) Used() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Rel32 computes the displacement stored at site so that the instruction
// ending right after it lands on target.
func Rel32(site, target uintptr) (int32, error) {
	rel := int64(target) - int64(site+4)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, fmt.Errorf("asm: target %#x out of rel32 range from %#x", target, site)
	}
	return int32(rel), nil
}

// Patch redirects the jump at the site to target.
func (p *PatchSite) Patch(target uintptr, w CodeWriter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used {
		return ErrPatchSiteUsed
	}
	rel, err := Rel32(p.addr, target)
	if err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(rel))
	if err := w.WriteCode(p.addr, buf[:]); err != nil {
		return fmt.Errorf("asm: patch %#x: %w", p.addr, err)
	}
	p.used = true
	return nil
}
