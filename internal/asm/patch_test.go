package asm

import (
	"encoding/binary"
	"errors"
	"testing"
)

type sliceWriter struct {
	base uintptr
	mem  []byte
}

func (w *sliceWriter) WriteCode(addr uintptr, data []byte) error {
	off := int(addr - w.base)
	if off < 0 || off+len(data) > len(w.mem) {
		return errors.New("out of range")
	}
	copy(w.mem[off:], data)
	return nil
}

func TestPatchSiteOnce(t *testing.T) {
	w := &sliceWriter{base: 0x1000, mem: make([]byte, 64)}
	site := NewPatchSite(0x1001)

	if err := site.Patch(0x1020, w); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if got, want := int32(binary.LittleEndian.Uint32(w.mem[1:])), int32(0x1020-0x1005); got != want {
		t.Fatalf("rel32 = %d, want %d", got, want)
	}
	if !site.Used() {
		t.Fatalf("site not marked used")
	}
	if err := site.Patch(0x1030, w); !errors.Is(err, ErrPatchSiteUsed) {
		t.Fatalf("second Patch err = %v, want ErrPatchSiteUsed", err)
	}
}

func TestPatchSiteBackward(t *testing.T) {
	w := &sliceWriter{base: 0x1000, mem: make([]byte, 64)}
	site := NewPatchSite(0x1010)
	if err := site.Patch(0x1000, w); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(w.mem[0x10:])); got != -0x14 {
		t.Fatalf("rel32 = %d, want -20", got)
	}
}

func TestPatchSiteWriterError(t *testing.T) {
	w := &sliceWriter{base: 0x1000, mem: make([]byte, 4)}
	site := NewPatchSite(0x2000)
	if err := site.Patch(0x1000, w); err == nil {
		t.Fatalf("expected writer error")
	}
	if site.Used() {
		t.Fatalf("failed patch consumed the site")
	}
}

func TestRel32Range(t *testing.T) {
	if _, err := Rel32(0, 1<<40); err == nil {
		t.Fatalf("expected range error")
	}
}
