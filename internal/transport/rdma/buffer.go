package rdma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocBuffer returns a zeroed, page-aligned buffer of n bytes that lives
// outside the Go heap, so its address is stable for the lifetime of a
// registration. Release it with FreeBuffer.
func AllocBuffer(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", n)
	}

	buf, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", n, err)
	}

	return buf, nil
}

// FreeBuffer unmaps a buffer returned by AllocBuffer. A nil buffer is ignored.
func FreeBuffer(buf []byte) error {
	if buf == nil {
		return nil
	}

	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("failed to unmap buffer: %w", err)
	}

	return nil
}

// PageSize is the allocation granularity of AllocBuffer.
func PageSize() int {
	return unix.Getpagesize()
}
