package spawn

import (
	"bytes"
	"fmt"

	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
)

// VirtualReader reads another environment's memory.
type VirtualReader interface {
	ReadVirtual(id kern.EnvID, va uint32, p []byte) (int, error)
}

// ReadArgs decodes the argument vector a child finds at its initial stack
// pointer sp, the way a C runtime's entry code would.
func ReadArgs(r VirtualReader, child kern.EnvID, sp uint32) ([]string, error) {
	var words [8]byte
	if _, err := r.ReadVirtual(child, sp, words[:]); err != nil {
		return nil, fmt.Errorf("spawn: read argc: %w", err)
	}
	argc := byteOrder.Uint32(words[0:])
	argvVA := byteOrder.Uint32(words[4:])
	if argc > mmu.PageSize/4 {
		return nil, fmt.Errorf("spawn: implausible argc %d", argc)
	}

	ptrs := make([]byte, 4*(argc+1))
	if _, err := r.ReadVirtual(child, argvVA, ptrs); err != nil {
		return nil, fmt.Errorf("spawn: read argv: %w", err)
	}
	if end := byteOrder.Uint32(ptrs[4*argc:]); end != 0 {
		return nil, fmt.Errorf("spawn: argv[%d] is %#x, want null", argc, end)
	}

	args := make([]string, argc)
	for i := range args {
		va := byteOrder.Uint32(ptrs[4*i:])
		buf := make([]byte, mmu.PageSize-mmu.PageOffset(va))
		if _, err := r.ReadVirtual(child, va, buf); err != nil {
			return nil, fmt.Errorf("spawn: read argv[%d]: %w", i, err)
		}
		n := bytes.IndexByte(buf, 0)
		if n < 0 {
			return nil, fmt.Errorf("spawn: argv[%d] at %#x is not terminated", i, va)
		}
		args[i] = string(buf[:n])
	}
	return args, nil
}
