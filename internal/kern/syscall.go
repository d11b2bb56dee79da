package kern

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/mos/internal/mmu"
)

// Proc is the system call interface as seen from one environment. An id of
// zero passed to any call names that environment itself.
type Proc struct {
	k  *Kernel
	id EnvID
}

// ID returns the calling environment.
func (p *Proc) ID() EnvID { return p.id }

func (p *Proc) caller() (*env, error) {
	return p.k.envs.lookup(p.id)
}

// target resolves id relative to the caller. Only the caller itself and
// its direct children may be addressed.
func (p *Proc) target(id EnvID) (*env, error) {
	cur, err := p.caller()
	if err != nil {
		return nil, err
	}
	if id == 0 || id == cur.id {
		return cur, nil
	}
	e, err := p.k.envs.lookup(id)
	if err != nil {
		return nil, err
	}
	if e.parent != cur.id {
		return nil, fmt.Errorf("%w: %v is not a child of %v", ErrBadEnv, id, cur.id)
	}
	return e, nil
}

func checkUserVA(va uint32) error {
	if va >= mmu.UTop {
		return fmt.Errorf("%w: va %#x above UTop", ErrInval, va)
	}
	return nil
}

// EnvAlloc creates a child environment of the caller. The child has an
// empty address space and is not runnable.
func (p *Proc) EnvAlloc() (EnvID, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	cur, err := p.caller()
	if err != nil {
		return 0, err
	}
	e, err := p.k.envs.alloc(cur.id)
	if err != nil {
		return 0, err
	}
	p.k.log.Debug("env_alloc", slog.String("parent", cur.id.String()), slog.String("env", e.id.String()))
	return e.id, nil
}

// MemAlloc maps a fresh zeroed page at va in environment id.
func (p *Proc) MemAlloc(id EnvID, va uint32, perm mmu.Perm) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	if err := checkUserVA(va); err != nil {
		return err
	}
	if perm&mmu.PteV == 0 || perm&mmu.PteCOW != 0 {
		return fmt.Errorf("%w: perm %v", ErrInval, perm)
	}
	e, err := p.target(id)
	if err != nil {
		return err
	}
	ppn, err := p.k.mem.alloc()
	if err != nil {
		return err
	}
	e.pgdir.insert(p.k.mem, mmu.RoundDown(va, mmu.PageSize), ppn, perm)
	return nil
}

// MemMap maps the page at srcva in environment src at dstva in dst.
func (p *Proc) MemMap(src EnvID, srcva uint32, dst EnvID, dstva uint32, perm mmu.Perm) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	srcva = mmu.RoundDown(srcva, mmu.PageSize)
	dstva = mmu.RoundDown(dstva, mmu.PageSize)
	if err := checkUserVA(srcva); err != nil {
		return err
	}
	if err := checkUserVA(dstva); err != nil {
		return err
	}
	if perm&mmu.PteV == 0 {
		return fmt.Errorf("%w: perm %v", ErrInval, perm)
	}
	se, err := p.target(src)
	if err != nil {
		return err
	}
	de, err := p.target(dst)
	if err != nil {
		return err
	}
	pte, ok := se.pgdir.lookup(srcva)
	if !ok {
		return fmt.Errorf("%w: %#x not mapped in %v", ErrInval, srcva, se.id)
	}
	de.pgdir.insert(p.k.mem, dstva, pte.PPN(), perm)
	return nil
}

// MemUnmap removes the mapping at va in environment id.
func (p *Proc) MemUnmap(id EnvID, va uint32) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	if err := checkUserVA(va); err != nil {
		return err
	}
	e, err := p.target(id)
	if err != nil {
		return err
	}
	e.pgdir.remove(p.k.mem, mmu.RoundDown(va, mmu.PageSize))
	return nil
}

// SetEnvStatus marks environment id runnable or not runnable.
func (p *Proc) SetEnvStatus(id EnvID, status Status) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	if status != EnvRunnable && status != EnvNotRunnable {
		return fmt.Errorf("%w: status %v", ErrInval, status)
	}
	e, err := p.target(id)
	if err != nil {
		return err
	}
	e.status = status
	p.k.setRunnable(e.id, status == EnvRunnable)
	return nil
}

// SetTrapframe replaces the saved registers of environment id.
func (p *Proc) SetTrapframe(id EnvID, tf *Trapframe) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	if tf == nil {
		return fmt.Errorf("%w: nil trapframe", ErrInval)
	}
	e, err := p.target(id)
	if err != nil {
		return err
	}
	e.tf = *tf
	return nil
}

// SetEnvName sets the display name of environment id.
func (p *Proc) SetEnvName(id EnvID, name string) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	e, err := p.target(id)
	if err != nil {
		return err
	}
	e.name = name
	return nil
}

// EnvDestroy frees environment id. Destroying the caller is allowed.
func (p *Proc) EnvDestroy(id EnvID) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	e, err := p.target(id)
	if err != nil {
		return err
	}
	p.k.freeEnv(e)
	return nil
}

// Page returns the caller's page containing va. The slice aliases
// physical memory, so writes are visible to every mapping of the frame.
func (p *Proc) Page(va uint32) ([]byte, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()

	cur, err := p.caller()
	if err != nil {
		return nil, err
	}
	pte, ok := cur.pgdir.lookup(va)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrFault, va)
	}
	return p.k.mem.page(pte.PPN()), nil
}

// View returns a read-only view of the caller's page tables.
func (p *Proc) View() *View {
	return &View{p: p}
}

// View exposes the page directory and page table entries of one
// environment, in the spirit of the UVPT window.
type View struct {
	p *Proc
}

// PDE returns the directory entry at index pdx.
func (v *View) PDE(pdx uint32) mmu.Perm {
	v.p.k.mu.Lock()
	defer v.p.k.mu.Unlock()

	e, err := v.p.caller()
	if err != nil {
		return 0
	}
	return e.pgdir.pde(pdx)
}

// PTE returns the page table entry for virtual page vpn.
func (v *View) PTE(vpn uint32) mmu.Perm {
	v.p.k.mu.Lock()
	defer v.p.k.mu.Unlock()

	e, err := v.p.caller()
	if err != nil {
		return 0
	}
	return e.pgdir.pte(vpn)
}
