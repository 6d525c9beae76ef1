//go:build linux

package codemem

import (
	"bytes"
	"testing"
)

func TestSystemMemory(t *testing.T) {
	mem := NewSystem(0)
	defer mem.Close()

	code := []byte{0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, 0xc3}
	b, err := mem.Allocate(code)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := mem.WriteCode(b.Addr+3, []byte{0x07}); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	got, err := mem.Read(b.Addr, len(code))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	code[3] = 0x07
	if !bytes.Equal(got, code) {
		t.Fatalf("read back % x", got)
	}
}
