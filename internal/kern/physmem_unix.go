//go:build linux || darwin || freebsd

package kern

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocFrames backs physical memory with an anonymous private mapping so
// large machines do not sit on the Go heap.
func allocFrames(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap frames: %w", err)
	}
	return mem, func() error {
		return unix.Munmap(mem)
	}, nil
}
