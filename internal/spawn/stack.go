package spawn

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
)

// Layout describes the initial stack page of a child, as offsets within
// the page. From high to low addresses the page holds the argument strings,
// the argv pointer array with its null sentinel, the argv pointer and argc.
type Layout struct {
	Argc int
	// Tot is the number of string bytes including terminators.
	Tot uint32
	// Strings is the offset of the first string.
	Strings uint32
	// Args is the offset of argv[0].
	Args uint32
	// SP is the child's initial stack pointer. Reading two words upwards
	// from SP yields argc and then the argv array address.
	SP uint32
}

// TranslateStackAddr converts an address inside the scratch page into the
// address the same byte has once the page is mapped just below UStackTop in
// the child.
func TranslateStackAddr(va uint32) uint32 {
	return va + (mmu.UStackTop - mmu.TmpPageTop)
}

// StackLayout computes where argv goes in the stack page. It fails with
// ErrOutOfSpace when strings, pointer array and control words exceed a page,
// and with ErrBadArgument when a string holds a NUL the child could not see
// past.
func StackLayout(argv []string) (Layout, error) {
	argc := len(argv)
	tot := 0
	for i, a := range argv {
		if strings.IndexByte(a, 0) >= 0 {
			return Layout{}, fmt.Errorf("%w: argv[%d] %q", ErrBadArgument, i, a)
		}
		tot += len(a) + 1
	}
	need := (tot+3)&^3 + 4*(argc+3)
	if need > mmu.PageSize {
		return Layout{}, fmt.Errorf("%w: need %d bytes for %d arguments", ErrOutOfSpace, need, argc)
	}

	l := Layout{
		Argc:    argc,
		Tot:     uint32(tot),
		Strings: uint32(mmu.PageSize - tot),
		Args:    uint32(mmu.PageSize - (tot+3)&^3 - 4*(argc+1)),
	}
	l.SP = TranslateStackAddr(mmu.TmpPage + l.Args - 8)
	return l, nil
}

// Fill writes argv into page following l. Addresses stored in the page are
// already translated to the child's view.
func (l Layout) Fill(page []byte, argv []string) {
	off := l.Strings
	for i, a := range argv {
		byteOrder.PutUint32(page[l.Args+4*uint32(i):], TranslateStackAddr(mmu.TmpPage+off))
		off += uint32(copy(page[off:], a))
		page[off] = 0
		off++
	}
	byteOrder.PutUint32(page[l.Args+4*uint32(l.Argc):], 0)

	byteOrder.PutUint32(page[l.Args-4:], TranslateStackAddr(mmu.TmpPage+l.Args))
	byteOrder.PutUint32(page[l.Args-8:], uint32(l.Argc))
}

// InitStack builds the initial stack of child from argv and returns the
// child's stack pointer. The page is staged at TmpPage in the caller, then
// moved to UStackTop-PageSize in the child.
func (s *Spawner) InitStack(child kern.EnvID, argv []string) (uint32, error) {
	l, err := StackLayout(argv)
	if err != nil {
		kind := ErrOutOfSpace
		if errors.Is(err, ErrBadArgument) {
			kind = ErrBadArgument
		}
		return 0, stageErr(StageStack, kind, 0, err)
	}

	s.scratch.Lock()
	defer s.scratch.Unlock()

	if err := s.Sys.MemAlloc(0, mmu.TmpPage, mmu.PteV|mmu.PteR); err != nil {
		return 0, stageErr(StageStack, ErrAllocPage, mmu.TmpPage, err)
	}
	page, err := s.Mem.Page(mmu.TmpPage)
	if err != nil {
		s.dropScratch()
		return 0, stageErr(StageStack, ErrMap, mmu.TmpPage, err)
	}
	l.Fill(page, argv)

	dst := uint32(mmu.UStackTop - mmu.PageSize)
	if err := s.Sys.MemMap(0, mmu.TmpPage, child, dst, mmu.PteV|mmu.PteR); err != nil {
		s.dropScratch()
		return 0, stageErr(StageStack, ErrMap, dst, err)
	}
	if err := s.Sys.MemUnmap(0, mmu.TmpPage); err != nil {
		s.dropScratch()
		return 0, stageErr(StageStack, ErrMap, mmu.TmpPage, err)
	}

	s.logger().Debug("stack built",
		slog.String("env", child.String()),
		slog.Int("argc", l.Argc),
		hexAttr("sp", l.SP))
	return l.SP, nil
}

func (s *Spawner) dropScratch() {
	if err := s.Sys.MemUnmap(0, mmu.TmpPage); err != nil {
		s.logger().Error("unmap scratch page", slog.Any("err", err))
	}
}
