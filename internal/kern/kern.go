// Package kern is an in-process model of the microkernel services the
// spawn loader runs against: physical frames, per environment two level
// page tables, the environment table and the memory system calls.
//
// Every exported operation takes the kernel lock, so a Kernel may be shared
// between goroutines acting as different environments.
package kern

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/mos/internal/mmu"
)

const (
	DefaultMemory = 16 << 20
	DefaultNEnv   = 1024
)

type Options struct {
	// MemoryBytes is the size of physical memory, rounded down to pages.
	MemoryBytes int
	// NEnv is the number of environment slots, a power of two.
	NEnv   int
	Logger *slog.Logger
}

type Kernel struct {
	mu sync.Mutex

	mem      *physMem
	envs     *envTable
	runnable []EnvID
	log      *slog.Logger
}

func New(opts Options) (*Kernel, error) {
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = DefaultMemory
	}
	if opts.NEnv == 0 {
		opts.NEnv = DefaultNEnv
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	mem, err := newPhysMem(opts.MemoryBytes / mmu.PageSize)
	if err != nil {
		return nil, fmt.Errorf("kern: %w", err)
	}
	envs, err := newEnvTable(opts.NEnv)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("kern: %w", err)
	}
	return &Kernel{
		mem:  mem,
		envs: envs,
		log:  opts.Logger.With(slog.String("component", "kern")),
	}, nil
}

// Close releases physical memory. Page slices handed out earlier must not
// be used afterwards.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.Close()
}

// NEnv returns the number of environment slots.
func (k *Kernel) NEnv() int { return len(k.envs.envs) }

// NewEnv creates an environment outside of any system call, used to boot
// root environments. The new environment is not runnable.
func (k *Kernel) NewEnv(parent EnvID) (EnvID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.alloc(parent)
	if err != nil {
		return 0, err
	}
	k.log.Debug("env created", slog.String("env", e.id.String()), slog.String("parent", parent.String()))
	return e.id, nil
}

// Proc returns the system call interface of environment id.
func (k *Kernel) Proc(id EnvID) (*Proc, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, err := k.envs.lookup(id); err != nil {
		return nil, err
	}
	return &Proc{k: k, id: id}, nil
}

// Env returns a snapshot of environment id.
func (k *Kernel) Env(id EnvID) (EnvInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.lookup(id)
	if err != nil {
		return EnvInfo{}, err
	}
	return e.info(), nil
}

// Mapping returns the page table entry covering va in environment id.
func (k *Kernel) Mapping(id EnvID, va uint32) (mmu.Perm, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.lookup(id)
	if err != nil {
		return 0, err
	}
	pte, ok := e.pgdir.lookup(va)
	if !ok {
		return 0, fmt.Errorf("%w: %#x in %v", ErrFault, va, id)
	}
	return pte, nil
}

// ReadVirtual copies memory of environment id starting at va into p. It
// stops at the first unmapped page.
func (k *Kernel) ReadVirtual(id EnvID, va uint32, p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.lookup(id)
	if err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		cur := va + uint32(n)
		pte, ok := e.pgdir.lookup(cur)
		if !ok {
			return n, fmt.Errorf("%w: %#x in %v", ErrFault, cur, id)
		}
		page := k.mem.page(pte.PPN())
		n += copy(p[n:], page[mmu.PageOffset(cur):])
	}
	return n, nil
}

// Runnable lists runnable environments in the order they became runnable.
func (k *Kernel) Runnable() []EnvID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.runnable)
}

// FreePages returns the number of unused physical frames.
func (k *Kernel) FreePages() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.nfree()
}

// FreeEnv tears down environment id and everything it maps.
func (k *Kernel) FreeEnv(id EnvID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.lookup(id)
	if err != nil {
		return err
	}
	k.freeEnv(e)
	return nil
}

func (k *Kernel) freeEnv(e *env) {
	id := e.id
	e.pgdir.clear(k.mem)
	k.setRunnable(id, false)
	k.envs.release(e)
	k.log.Debug("env freed", slog.String("env", id.String()))
}

func (k *Kernel) setRunnable(id EnvID, runnable bool) {
	idx := slices.Index(k.runnable, id)
	switch {
	case runnable && idx < 0:
		k.runnable = append(k.runnable, id)
	case !runnable && idx >= 0:
		k.runnable = slices.Delete(k.runnable, idx, idx+1)
	}
}
