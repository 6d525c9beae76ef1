package codemem

import (
	"bytes"
	"errors"
	"testing"
)

// sliceMapper hands out Go memory and records protection changes.
type sliceMapper struct {
	page     int
	mapped   [][]byte
	writable int
	flips    int
	failMap  bool
}

func (m *sliceMapper) PageSize() int { return m.page }

func (m *sliceMapper) Map(size int) ([]byte, error) {
	if m.failMap {
		return nil, errors.New("no memory")
	}
	mem := make([]byte, size)
	m.mapped = append(m.mapped, mem)
	return mem, nil
}

func (m *sliceMapper) Unmap(mem []byte) error { return nil }

func (m *sliceMapper) Protect(mem []byte, writable bool) error {
	if len(mem)%m.page != 0 {
		return errors.New("unaligned protect")
	}
	m.flips++
	if writable {
		m.writable++
	} else {
		m.writable--
	}
	return nil
}

func TestAllocateAndRead(t *testing.T) {
	mapper := &sliceMapper{page: 4096}
	mem := New(mapper, 8192)

	code := []byte{0x90, 0x90, 0xc3}
	b, err := mem.Allocate(code)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b.Size != Alignment || b.Addr%Alignment != 0 {
		t.Fatalf("block %+v not aligned", b)
	}
	got, err := mem.Read(b.Addr, len(code))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, code) {
		t.Fatalf("read back % x", got)
	}
	if mapper.writable != 0 {
		t.Fatalf("pages left writable after allocation")
	}

	st := mem.Stats()
	if st.Chunks != 1 || st.Mapped != 8192 || st.InUse != Alignment {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBestFitReuse(t *testing.T) {
	mem := New(&sliceMapper{page: 4096}, 4096)

	small, _ := mem.Allocate(make([]byte, 32))
	spacer, _ := mem.Allocate(make([]byte, 16))
	large, _ := mem.Allocate(make([]byte, 256))
	tail, _ := mem.Allocate(make([]byte, 64))
	mem.Free(large)
	mem.Free(small)

	// 20 bytes round up to 32 and take the small hole.
	b, err := mem.Allocate(make([]byte, 20))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b.Addr != small.Addr {
		t.Fatalf("allocated at %#x, want reuse of %#x", b.Addr, small.Addr)
	}
	c, err := mem.Allocate(make([]byte, 200))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if c.Addr != large.Addr {
		t.Fatalf("allocated at %#x, want reuse of %#x", c.Addr, large.Addr)
	}
	mem.Free(spacer)
	mem.Free(tail)
}

func TestFreeCoalesces(t *testing.T) {
	mem := New(&sliceMapper{page: 4096}, 4096)
	a, _ := mem.Allocate(make([]byte, 64))
	b, _ := mem.Allocate(make([]byte, 64))
	c, _ := mem.Allocate(make([]byte, 64))

	mem.Free(a)
	mem.Free(c)
	mem.Free(b)
	if st := mem.Stats(); st.FreeSpans != 1 || st.InUse != 0 {
		t.Fatalf("after freeing everything: %+v", st)
	}

	big, err := mem.Allocate(make([]byte, 4096))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if big.Addr != a.Addr || mem.Stats().Chunks != 1 {
		t.Fatalf("whole chunk not reused: %+v, %s", big, mem.Stats())
	}
}

func TestOversizedAllocationMapsLargeChunk(t *testing.T) {
	mapper := &sliceMapper{page: 4096}
	mem := New(mapper, 4096)
	b, err := mem.Allocate(make([]byte, 10000))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(mapper.mapped) != 1 || len(mapper.mapped[0]) != 12288 {
		t.Fatalf("mapped %d chunks", len(mapper.mapped))
	}
	if b.Size != 10000 {
		t.Fatalf("block size %d", b.Size)
	}
}

func TestWriteCodePatches(t *testing.T) {
	mapper := &sliceMapper{page: 4096}
	mem := New(mapper, 4096)
	b, _ := mem.Allocate([]byte{0xe9, 0, 0, 0, 0})

	flips := mapper.flips
	if err := mem.WriteCode(b.Addr+1, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	if mapper.flips != flips+2 || mapper.writable != 0 {
		t.Fatalf("patch did not toggle protection once each way")
	}
	got, _ := mem.Read(b.Addr, 5)
	if !bytes.Equal(got, []byte{0xe9, 1, 2, 3, 4}) {
		t.Fatalf("patched code % x", got)
	}

	if err := mem.WriteCode(1, []byte{0}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("write outside code: %v", err)
	}
}

func TestMapFailure(t *testing.T) {
	mem := New(&sliceMapper{page: 4096, failMap: true}, 0)
	if _, err := mem.Allocate([]byte{0xc3}); err == nil {
		t.Fatalf("expected map error")
	}
}

func TestClosed(t *testing.T) {
	mem := New(&sliceMapper{page: 4096}, 0)
	if _, err := mem.Allocate([]byte{0xc3}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := mem.Allocate([]byte{0xc3}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Allocate after Close: %v", err)
	}
	if err := mem.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
