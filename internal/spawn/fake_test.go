package spawn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/mos/internal/fsrv"
	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
)

var errInjected = errors.New("injected failure")

type pageKey struct {
	env kern.EnvID
	va  uint32
}

type mapping struct {
	data []byte
	perm mmu.Perm
}

// fakeSys is a minimal kernel that records every call. The caller is env 0.
type fakeSys struct {
	next   kern.EnvID
	pages  map[pageKey]mapping
	status map[kern.EnvID]kern.Status
	tf     map[kern.EnvID]kern.Trapframe
	names  map[kern.EnvID]string

	envAllocs int
	allocs    int
	maps      int
	unmaps    int
	destroyed []kern.EnvID

	mapErr    func(dst kern.EnvID, dstva uint32) error
	allocErr  error
	envErr    error
	statusErr error
	// callerID makes EnvAlloc hand back the caller's own id.
	callerID bool
}

func newFakeSys() *fakeSys {
	return &fakeSys{
		next:   0x400,
		pages:  make(map[pageKey]mapping),
		status: make(map[kern.EnvID]kern.Status),
		tf:     make(map[kern.EnvID]kern.Trapframe),
		names:  make(map[kern.EnvID]string),
	}
}

func (f *fakeSys) EnvAlloc() (kern.EnvID, error) {
	f.envAllocs++
	if f.envErr != nil {
		return 0, f.envErr
	}
	if f.callerID {
		return 0, nil
	}
	f.next++
	f.status[f.next] = kern.EnvNotRunnable
	return f.next, nil
}

func (f *fakeSys) MemAlloc(env kern.EnvID, va uint32, perm mmu.Perm) error {
	f.allocs++
	if f.allocErr != nil {
		return f.allocErr
	}
	f.pages[pageKey{env, mmu.RoundDown(va, mmu.PageSize)}] = mapping{make([]byte, mmu.PageSize), perm}
	return nil
}

func (f *fakeSys) MemMap(src kern.EnvID, srcva uint32, dst kern.EnvID, dstva uint32, perm mmu.Perm) error {
	f.maps++
	if f.mapErr != nil {
		if err := f.mapErr(dst, dstva); err != nil {
			return err
		}
	}
	m, ok := f.pages[pageKey{src, mmu.RoundDown(srcva, mmu.PageSize)}]
	if !ok {
		return fmt.Errorf("%#x not mapped in %v", srcva, src)
	}
	f.pages[pageKey{dst, mmu.RoundDown(dstva, mmu.PageSize)}] = mapping{m.data, perm}
	return nil
}

func (f *fakeSys) MemUnmap(env kern.EnvID, va uint32) error {
	f.unmaps++
	delete(f.pages, pageKey{env, mmu.RoundDown(va, mmu.PageSize)})
	return nil
}

func (f *fakeSys) SetEnvStatus(env kern.EnvID, status kern.Status) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.status[env] = status
	return nil
}

func (f *fakeSys) SetTrapframe(env kern.EnvID, tf *kern.Trapframe) error {
	f.tf[env] = *tf
	return nil
}

func (f *fakeSys) SetEnvName(env kern.EnvID, name string) error {
	f.names[env] = name
	return nil
}

func (f *fakeSys) EnvDestroy(env kern.EnvID) error {
	f.destroyed = append(f.destroyed, env)
	for k := range f.pages {
		if k.env == env {
			delete(f.pages, k)
		}
	}
	delete(f.status, env)
	return nil
}

func (f *fakeSys) Page(va uint32) ([]byte, error) {
	m, ok := f.pages[pageKey{0, mmu.RoundDown(va, mmu.PageSize)}]
	if !ok {
		return nil, fmt.Errorf("fault at %#x", va)
	}
	return m.data, nil
}

func (f *fakeSys) PDE(pdx uint32) mmu.Perm {
	for k := range f.pages {
		if k.env == 0 && mmu.PDX(k.va) == pdx {
			return mmu.PteV | mmu.PteR
		}
	}
	return 0
}

func (f *fakeSys) PTE(vpn uint32) mmu.Perm {
	m, ok := f.pages[pageKey{0, mmu.PageAddr(vpn)}]
	if !ok {
		return 0
	}
	return mmu.MakePte(vpn, m.perm)
}

func (f *fakeSys) ReadVirtual(id kern.EnvID, va uint32, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		cur := va + uint32(n)
		m, ok := f.pages[pageKey{id, mmu.RoundDown(cur, mmu.PageSize)}]
		if !ok {
			return n, fmt.Errorf("fault at %#x in %v", cur, id)
		}
		n += copy(p[n:], m.data[mmu.PageOffset(cur):])
	}
	return n, nil
}

// mapped returns the pages of env in no particular order.
func (f *fakeSys) mapped(env kern.EnvID) map[uint32]mmu.Perm {
	out := make(map[uint32]mmu.Perm)
	for k, m := range f.pages {
		if k.env == env {
			out[k.va] = m.perm
		}
	}
	return out
}

// fakeFiles serves byte slices through fakeSys pages at the fd windows.
type fakeFiles struct {
	sys   *fakeSys
	files map[string][]byte
	open  map[fsrv.Fd][]byte

	reads   int
	closed  int
	readErr error
}

func newFakeFiles(sys *fakeSys, files map[string][]byte) *fakeFiles {
	return &fakeFiles{sys: sys, files: files, open: make(map[fsrv.Fd][]byte)}
}

func (f *fakeFiles) Open(path string, mode int) (fsrv.Fd, error) {
	data, ok := f.files[path]
	if !ok {
		return -1, fmt.Errorf("%w: %s", fsrv.ErrNotFound, path)
	}
	for fd := fsrv.Fd(0); fd < fsrv.MaxFD; fd++ {
		if _, used := f.open[fd]; !used {
			f.open[fd] = data
			return fd, nil
		}
	}
	return -1, fsrv.ErrMaxOpen
}

func (f *fakeFiles) ReadMap(fd fsrv.Fd, offset uint32) (uint32, error) {
	f.reads++
	if f.readErr != nil {
		return 0, f.readErr
	}
	data, ok := f.open[fd]
	if !ok {
		return 0, fsrv.ErrBadFD
	}
	pageOff := mmu.RoundDown(offset, mmu.PageSize)
	if int(pageOff) >= len(data) {
		return 0, fsrv.ErrInval
	}
	va := fsrv.FdVA(fd) + pageOff
	key := pageKey{0, va}
	if _, ok := f.sys.pages[key]; !ok {
		page := make([]byte, mmu.PageSize)
		copy(page, data[pageOff:])
		f.sys.pages[key] = mapping{page, mmu.PteV | mmu.PteR}
	}
	return va, nil
}

func (f *fakeFiles) Close(fd fsrv.Fd) error {
	f.closed++
	delete(f.open, fd)
	return nil
}

func newFakeSpawner(files map[string][]byte) (*Spawner, *fakeSys, *fakeFiles) {
	sys := newFakeSys()
	ff := newFakeFiles(sys, files)
	return &Spawner{
		Sys:     sys,
		Mem:     sys,
		View:    sys,
		Files:   ff,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Prefix:  DefaultPrefix,
		Reclaim: true,
	}, sys, ff
}
