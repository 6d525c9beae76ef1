//go:build !unix

package cpu

func mapBytes(n int) ([]byte, error) { return nil, ErrUnsupportedPlatform }

func unmapBytes(mem []byte) error { return nil }
