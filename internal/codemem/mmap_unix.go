//go:build unix

package codemem

import "golang.org/x/sys/unix"

// SystemMapper maps anonymous private pages.
type SystemMapper struct{}

func (SystemMapper) PageSize() int { return unix.Getpagesize() }

func (SystemMapper) Map(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

func (SystemMapper) Unmap(mem []byte) error { return unix.Munmap(mem) }

func (SystemMapper) Protect(mem []byte, writable bool) error {
	prot := unix.PROT_READ | unix.PROT_EXEC
	if writable {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(mem, prot)
}

// NewSystem creates an allocator over real executable pages.
func NewSystem(chunkSize int) *Memory {
	return New(SystemMapper{}, chunkSize)
}
