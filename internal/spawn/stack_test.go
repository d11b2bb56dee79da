package spawn

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
)

func TestTranslateStackAddr(t *testing.T) {
	if got, want := TranslateStackAddr(mmu.TmpPage), uint32(mmu.UStackTop-mmu.PageSize); got != want {
		t.Fatalf("TranslateStackAddr(TmpPage)=%#x, want %#x", got, want)
	}
	if got, want := TranslateStackAddr(mmu.TmpPageTop), uint32(mmu.UStackTop); got != want {
		t.Fatalf("TranslateStackAddr(TmpPageTop)=%#x, want %#x", got, want)
	}
}

func TestStackLayoutSingleArg(t *testing.T) {
	l, err := StackLayout([]string{"prog"})
	if err != nil {
		t.Fatalf("StackLayout: %v", err)
	}
	if l.Argc != 1 || l.Tot != 5 {
		t.Fatalf("argc=%d tot=%d", l.Argc, l.Tot)
	}
	if got, want := l.Strings, uint32(mmu.PageSize-5); got != want {
		t.Fatalf("Strings=%d, want %d", got, want)
	}
	if got, want := l.Args, uint32(mmu.PageSize-8-8); got != want {
		t.Fatalf("Args=%d, want %d", got, want)
	}
	if got, want := l.SP, uint32(mmu.UStackTop-24); got != want {
		t.Fatalf("SP=%#x, want %#x", got, want)
	}
}

func TestStackLayoutBoundary(t *testing.T) {
	// One argument of n bytes needs RoundUp(n+1, 4) + 16 bytes.
	fits := strings.Repeat("a", mmu.PageSize-17)
	if _, err := StackLayout([]string{fits}); err != nil {
		t.Fatalf("exactly one page should fit: %v", err)
	}
	over := fits + "a"
	if _, err := StackLayout([]string{over}); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}

	many := make([]string, mmu.PageSize/4)
	if _, err := StackLayout(many); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("pointer array alone should overflow, got %v", err)
	}
}

// pageReader exposes one page as the child's top stack page.
type pageReader []byte

func (p pageReader) ReadVirtual(_ kern.EnvID, va uint32, out []byte) (int, error) {
	base := uint32(mmu.UStackTop - mmu.PageSize)
	if va < base || va >= mmu.UStackTop {
		return 0, errors.New("outside stack page")
	}
	n := copy(out, p[va-base:])
	if n < len(out) {
		return n, errors.New("read past stack page")
	}
	return n, nil
}

func TestStackFillDecodes(t *testing.T) {
	for _, argv := range [][]string{
		{},
		{""},
		{"prog"},
		{"ls", "-l", "/usr/bin"},
		{"echo", "hello world", "abc"},
	} {
		l, err := StackLayout(argv)
		if err != nil {
			t.Fatalf("StackLayout(%q): %v", argv, err)
		}
		page := make([]byte, mmu.PageSize)
		l.Fill(page, argv)

		got, err := ReadArgs(pageReader(page), 1, l.SP)
		if err != nil {
			t.Fatalf("ReadArgs(%q): %v", argv, err)
		}
		if !slices.Equal(got, argv) {
			t.Fatalf("decoded %q, want %q", got, argv)
		}
		if l.SP%4 != 0 {
			t.Fatalf("sp %#x not word aligned", l.SP)
		}
	}
}

func TestInitStackOutOfSpaceAllocatesNothing(t *testing.T) {
	s, sys, _ := newFakeSpawner(nil)
	_, err := s.InitStack(0x401, []string{strings.Repeat("x", mmu.PageSize)})
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Stage != StageStack {
		t.Fatalf("expected stack stage error, got %v", err)
	}
	if sys.allocs != 0 || sys.maps != 0 {
		t.Fatalf("allocs=%d maps=%d, want none", sys.allocs, sys.maps)
	}
}

func TestStackLayoutRejectsNUL(t *testing.T) {
	if _, err := StackLayout([]string{"prog", "a\x00b"}); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("expected ErrBadArgument, got %v", err)
	}

	s, sys, _ := newFakeSpawner(nil)
	_, err := s.InitStack(0x401, []string{"x\x00"})
	var se *Error
	if !errors.As(err, &se) || se.Stage != StageStack || !errors.Is(err, ErrBadArgument) {
		t.Fatalf("expected stack stage ErrBadArgument, got %v", err)
	}
	if errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("NUL reported as out of space: %v", err)
	}
	if sys.allocs != 0 {
		t.Fatalf("allocs=%d, want 0", sys.allocs)
	}
}

func TestInitStackMapsChildStack(t *testing.T) {
	s, sys, _ := newFakeSpawner(nil)
	child := kern.EnvID(0x401)
	argv := []string{"sh", "-c", "true"}

	sp, err := s.InitStack(child, argv)
	if err != nil {
		t.Fatalf("InitStack: %v", err)
	}

	pages := sys.mapped(child)
	if got, want := pages[mmu.UStackTop-mmu.PageSize], mmu.PteV|mmu.PteR; got != want {
		t.Fatalf("stack page perm=%v, want %v", got, want)
	}
	if _, ok := sys.mapped(0)[mmu.TmpPage]; ok {
		t.Fatal("scratch page still mapped in caller")
	}

	got, err := ReadArgs(sys, child, sp)
	if err != nil {
		t.Fatalf("ReadArgs: %v", err)
	}
	if !slices.Equal(got, argv) {
		t.Fatalf("argv=%q, want %q", got, argv)
	}
}

func TestInitStackUnmapsScratchOnMapFailure(t *testing.T) {
	s, sys, _ := newFakeSpawner(nil)
	sys.mapErr = func(kern.EnvID, uint32) error { return errInjected }

	_, err := s.InitStack(0x401, []string{"prog"})
	if !errors.Is(err, ErrMap) || !errors.Is(err, errInjected) {
		t.Fatalf("expected ErrMap wrapping the cause, got %v", err)
	}
	if _, ok := sys.mapped(0)[mmu.TmpPage]; ok {
		t.Fatal("scratch page leaked after failure")
	}
}

func TestInitStackAllocFailure(t *testing.T) {
	s, sys, _ := newFakeSpawner(nil)
	sys.allocErr = errInjected

	if _, err := s.InitStack(0x401, []string{"prog"}); !errors.Is(err, ErrAllocPage) {
		t.Fatalf("expected ErrAllocPage, got %v", err)
	}
	if sys.maps != 0 {
		t.Fatalf("maps=%d after failed alloc", sys.maps)
	}
}
