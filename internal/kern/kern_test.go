package kern

import (
	"errors"
	"testing"

	"github.com/tinyrange/mos/internal/mmu"
)

func newTestKernel(t *testing.T) (*Kernel, *Proc) {
	t.Helper()
	k, err := New(Options{MemoryBytes: 256 * mmu.PageSize, NEnv: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { k.Close() })

	root, err := k.NewEnv(0)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	p, err := k.Proc(root)
	if err != nil {
		t.Fatalf("Proc: %v", err)
	}
	return k, p
}

func TestEnvAllocIDs(t *testing.T) {
	k, p := newTestKernel(t)

	seen := map[EnvID]bool{p.ID(): true}
	for i := 0; i < 15; i++ {
		id, err := p.EnvAlloc()
		if err != nil {
			t.Fatalf("EnvAlloc %d: %v", i, err)
		}
		if id == 0 || seen[id] {
			t.Fatalf("bad or duplicate id %v", id)
		}
		seen[id] = true

		info, err := k.Env(id)
		if err != nil {
			t.Fatalf("Env: %v", err)
		}
		if got, want := info.Parent, p.ID(); got != want {
			t.Fatalf("parent=%v, want %v", got, want)
		}
		if got, want := info.Status, EnvNotRunnable; got != want {
			t.Fatalf("status=%v, want %v", got, want)
		}
	}
	if _, err := p.EnvAlloc(); !errors.Is(err, ErrNoFreeEnv) {
		t.Fatalf("expected ErrNoFreeEnv, got %v", err)
	}
}

func TestEnvIDReuseChangesGeneration(t *testing.T) {
	k, p := newTestKernel(t)

	id, err := p.EnvAlloc()
	if err != nil {
		t.Fatalf("EnvAlloc: %v", err)
	}
	if err := p.EnvDestroy(id); err != nil {
		t.Fatalf("EnvDestroy: %v", err)
	}
	again, err := p.EnvAlloc()
	if err != nil {
		t.Fatalf("EnvAlloc: %v", err)
	}
	if EnvX(again, k.NEnv()) != EnvX(id, k.NEnv()) {
		t.Fatalf("expected slot reuse, got %v after %v", again, id)
	}
	if again == id {
		t.Fatal("reused slot must carry a new id")
	}
	if _, err := k.Env(id); !errors.Is(err, ErrBadEnv) {
		t.Fatalf("stale id lookup: expected ErrBadEnv, got %v", err)
	}
}

func TestMemAllocZeroesAndMaps(t *testing.T) {
	k, p := newTestKernel(t)
	free := k.FreePages()

	va := uint32(0x00800000)
	if err := p.MemAlloc(0, va, mmu.PteV|mmu.PteR); err != nil {
		t.Fatalf("MemAlloc: %v", err)
	}
	page, err := p.Page(va + 12)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	for i, b := range page {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero", i, b)
		}
	}
	if got, want := k.FreePages(), free-1; got != want {
		t.Fatalf("free pages=%d, want %d", got, want)
	}

	// Dirty the frame, unmap it, and allocate again: the new page must be zero.
	page[0] = 0xff
	if err := p.MemUnmap(0, va); err != nil {
		t.Fatalf("MemUnmap: %v", err)
	}
	if got, want := k.FreePages(), free; got != want {
		t.Fatalf("free pages after unmap=%d, want %d", got, want)
	}
	if _, err := p.Page(va); !errors.Is(err, ErrFault) {
		t.Fatalf("expected ErrFault after unmap, got %v", err)
	}
	if err := p.MemAlloc(0, va, mmu.PteV); err != nil {
		t.Fatalf("MemAlloc: %v", err)
	}
	page, _ = p.Page(va)
	if page[0] != 0 {
		t.Fatal("recycled frame was not zeroed")
	}
}

func TestMemAllocRejects(t *testing.T) {
	_, p := newTestKernel(t)

	tests := []struct {
		name string
		va   uint32
		perm mmu.Perm
	}{
		{"missing valid", 0x1000, mmu.PteR},
		{"copy on write", 0x1000, mmu.PteV | mmu.PteCOW},
		{"above utop", mmu.UTop, mmu.PteV},
	}
	for _, tt := range tests {
		if err := p.MemAlloc(0, tt.va, tt.perm); !errors.Is(err, ErrInval) {
			t.Errorf("%s: expected ErrInval, got %v", tt.name, err)
		}
	}
}

func TestMemMapSharesFrame(t *testing.T) {
	k, p := newTestKernel(t)

	child, err := p.EnvAlloc()
	if err != nil {
		t.Fatalf("EnvAlloc: %v", err)
	}
	if err := p.MemAlloc(0, mmu.TmpPage, mmu.PteV|mmu.PteR); err != nil {
		t.Fatalf("MemAlloc: %v", err)
	}
	page, _ := p.Page(mmu.TmpPage)
	copy(page, "shared")

	dst := uint32(mmu.UStackTop - mmu.PageSize)
	if err := p.MemMap(0, mmu.TmpPage, child, dst, mmu.PteV|mmu.PteR); err != nil {
		t.Fatalf("MemMap: %v", err)
	}
	if err := p.MemUnmap(0, mmu.TmpPage); err != nil {
		t.Fatalf("MemUnmap: %v", err)
	}

	buf := make([]byte, 6)
	if _, err := k.ReadVirtual(child, dst, buf); err != nil {
		t.Fatalf("ReadVirtual: %v", err)
	}
	if got, want := string(buf), "shared"; got != want {
		t.Fatalf("child sees %q, want %q", got, want)
	}

	pte, err := k.Mapping(child, dst)
	if err != nil {
		t.Fatalf("Mapping: %v", err)
	}
	if got, want := pte.Flags(), mmu.PteV|mmu.PteR; got != want {
		t.Fatalf("flags=%v, want %v", got, want)
	}
}

func TestMemMapUnmappedSource(t *testing.T) {
	_, p := newTestKernel(t)
	child, _ := p.EnvAlloc()
	if err := p.MemMap(0, 0x5000, child, 0x5000, mmu.PteV); !errors.Is(err, ErrInval) {
		t.Fatalf("expected ErrInval, got %v", err)
	}
}

func TestTargetPermission(t *testing.T) {
	k, p := newTestKernel(t)

	other, err := k.NewEnv(0)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	if err := p.MemAlloc(other, 0x1000, mmu.PteV); !errors.Is(err, ErrBadEnv) {
		t.Fatalf("expected ErrBadEnv for unrelated env, got %v", err)
	}
	if err := p.SetEnvStatus(other, EnvRunnable); !errors.Is(err, ErrBadEnv) {
		t.Fatalf("expected ErrBadEnv, got %v", err)
	}
}

func TestSetEnvStatus(t *testing.T) {
	k, p := newTestKernel(t)
	child, _ := p.EnvAlloc()

	if err := p.SetEnvStatus(child, EnvFree); !errors.Is(err, ErrInval) {
		t.Fatalf("expected ErrInval, got %v", err)
	}
	if err := p.SetEnvStatus(child, EnvRunnable); err != nil {
		t.Fatalf("SetEnvStatus: %v", err)
	}
	if got := k.Runnable(); len(got) != 1 || got[0] != child {
		t.Fatalf("runnable=%v, want [%v]", got, child)
	}
	if err := p.SetEnvStatus(child, EnvNotRunnable); err != nil {
		t.Fatalf("SetEnvStatus: %v", err)
	}
	if got := k.Runnable(); len(got) != 0 {
		t.Fatalf("runnable=%v, want none", got)
	}
}

func TestViewReportsLibraryPages(t *testing.T) {
	_, p := newTestKernel(t)

	va := uint32(0x10000000)
	if err := p.MemAlloc(0, va, mmu.PteV|mmu.PteR|mmu.PteLibrary); err != nil {
		t.Fatalf("MemAlloc: %v", err)
	}
	v := p.View()
	if !v.PDE(mmu.PDX(va)).Valid() {
		t.Fatal("directory entry should be valid")
	}
	if v.PDE(mmu.PDX(va) + 1).Valid() {
		t.Fatal("neighbouring directory entry should be empty")
	}
	if !v.PTE(mmu.VPN(va)).Shared() {
		t.Fatalf("pte %v should be shared", v.PTE(mmu.VPN(va)))
	}
}

func TestFreeEnvReleasesFrames(t *testing.T) {
	k, p := newTestKernel(t)
	free := k.FreePages()

	child, _ := p.EnvAlloc()
	for i := uint32(0); i < 4; i++ {
		if err := p.MemAlloc(child, mmu.UText+i*mmu.PageSize, mmu.PteV); err != nil {
			t.Fatalf("MemAlloc: %v", err)
		}
	}
	info, _ := k.Env(child)
	if got, want := info.Pages, 4; got != want {
		t.Fatalf("pages=%d, want %d", got, want)
	}
	if err := k.FreeEnv(child); err != nil {
		t.Fatalf("FreeEnv: %v", err)
	}
	if got := k.FreePages(); got != free {
		t.Fatalf("free pages=%d, want %d", got, free)
	}
}

func TestOutOfMemory(t *testing.T) {
	k, err := New(Options{MemoryBytes: 2 * mmu.PageSize, NEnv: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()
	root, _ := k.NewEnv(0)
	p, _ := k.Proc(root)

	for i := uint32(0); i < 2; i++ {
		if err := p.MemAlloc(0, i*mmu.PageSize, mmu.PteV); err != nil {
			t.Fatalf("MemAlloc %d: %v", i, err)
		}
	}
	if err := p.MemAlloc(0, 2*mmu.PageSize, mmu.PteV); !errors.Is(err, ErrNoMem) {
		t.Fatalf("expected ErrNoMem, got %v", err)
	}
}

func TestNewRejectsBadEnvCount(t *testing.T) {
	if _, err := New(Options{MemoryBytes: mmu.PageSize, NEnv: 3}); err == nil {
		t.Fatal("expected error for non power of two env count")
	}
}
