package kern

import (
	"fmt"

	"github.com/tinyrange/mos/internal/mmu"
)

// physMem is the frame allocator. Frames live in one contiguous backing
// region; a frame's bytes are the slice [ppn*PageSize, (ppn+1)*PageSize).
type physMem struct {
	data    []byte
	refs    []uint32
	free    []uint32
	release func() error
}

func newPhysMem(npages int) (*physMem, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("physmem: need at least one page, got %d", npages)
	}
	data, release, err := allocFrames(npages * mmu.PageSize)
	if err != nil {
		return nil, fmt.Errorf("physmem: allocate %d pages: %w", npages, err)
	}
	m := &physMem{
		data:    data,
		refs:    make([]uint32, npages),
		free:    make([]uint32, 0, npages),
		release: release,
	}
	// Push in reverse so low frames are handed out first.
	for ppn := npages - 1; ppn >= 0; ppn-- {
		m.free = append(m.free, uint32(ppn))
	}
	return m, nil
}

func (m *physMem) npages() int { return len(m.refs) }

func (m *physMem) nfree() int { return len(m.free) }

// alloc returns a zeroed frame with a reference count of zero.
func (m *physMem) alloc() (uint32, error) {
	if len(m.free) == 0 {
		return 0, ErrNoMem
	}
	ppn := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	clear(m.page(ppn))
	return ppn, nil
}

func (m *physMem) page(ppn uint32) []byte {
	start := int(ppn) * mmu.PageSize
	end := start + mmu.PageSize
	return m.data[start:end:end]
}

func (m *physMem) incref(ppn uint32) {
	m.refs[ppn]++
}

// decref drops a reference and returns the frame to the free list once no
// mapping refers to it.
func (m *physMem) decref(ppn uint32) {
	if m.refs[ppn] == 0 {
		panic(fmt.Sprintf("physmem: decref of free frame %#x", ppn))
	}
	m.refs[ppn]--
	if m.refs[ppn] == 0 {
		m.free = append(m.free, ppn)
	}
}

func (m *physMem) Close() error {
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	m.data = nil
	return release()
}
