package spawn

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/mos/internal/fsrv"
	"github.com/tinyrange/mos/internal/image"
	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
)

// IsExecutable reports whether buf starts with the ELF signature. Only the
// first four bytes are checked.
func IsExecutable(buf []byte) bool {
	return image.IsELF(buf)
}

// LoadProg maps every loadable segment described by the header page buf into
// child. File backed pages are shared with the caller's view of fd; the rest
// of each segment is filled with fresh zero pages. Segments are placed at
// UText and packed from there; their virtual addresses are not consulted.
func (s *Spawner) LoadProg(buf []byte, child kern.EnvID, fd fsrv.Fd) error {
	if !IsExecutable(buf) {
		return stageErr(StageLoad, ErrNotExecutable, 0, image.ErrNotELF)
	}
	hdr, err := image.ParseHeader(buf)
	if err != nil {
		return stageErr(StageLoad, ErrNotExecutable, 0, err)
	}
	progs, err := hdr.Progs(buf)
	if err != nil {
		return stageErr(StageLoad, ErrNotExecutable, hdr.Phoff, err)
	}

	for _, ph := range progs {
		if !ph.Loadable() {
			continue
		}
		if ph.Filesz > ph.Memsz {
			return stageErr(StageLoad, ErrNotExecutable, ph.Off,
				fmt.Errorf("segment filesz %#x exceeds memsz %#x", ph.Filesz, ph.Memsz))
		}
		if err := s.loadSegment(ph, child, fd); err != nil {
			return err
		}
	}
	return nil
}

func (s *Spawner) loadSegment(ph image.Prog, child kern.EnvID, fd fsrv.Fd) error {
	s.logger().Debug("load segment", slog.String("env", child.String()), slog.String("prog", ph.String()))

	start := uint64(ph.Off)
	fileEnd := start + uint64(ph.Filesz)
	memEnd := start + uint64(ph.Memsz)
	if uint64(mmu.UText)+(memEnd-start) > mmu.UTop {
		return stageErr(StageLoad, ErrNotExecutable, ph.Off,
			fmt.Errorf("segment of %#x bytes does not fit below UTop", ph.Memsz))
	}

	var text uint32
	i := start
	for ; i < fileEnd; i += mmu.PageSize {
		off := uint32(i)
		blk, err := s.Files.ReadMap(fd, off)
		if err != nil {
			return stageErr(StageLoad, ErrRead, off, err)
		}

		// The last file page may carry bytes from whatever follows the
		// segment in the file. Those must read as zero in the child.
		if rest := fileEnd - i; rest < mmu.PageSize {
			page, err := s.Mem.Page(blk)
			if err != nil {
				return stageErr(StageLoad, ErrMap, blk, err)
			}
			if z := uint64(mmu.PageOffset(off)) + rest; z < mmu.PageSize {
				clear(page[z:])
			}
		}

		va := mmu.UText + text
		if err := s.Sys.MemMap(0, blk, child, va, mmu.PteV|mmu.PteR); err != nil {
			return stageErr(StageLoad, ErrMap, va, err)
		}
		text += mmu.PageSize
	}

	for ; i < memEnd; i += mmu.PageSize {
		va := mmu.UText + text
		if err := s.Sys.MemAlloc(child, va, mmu.PteV|mmu.PteR); err != nil {
			return stageErr(StageLoad, ErrAllocPage, va, err)
		}
		text += mmu.PageSize
	}
	return nil
}
