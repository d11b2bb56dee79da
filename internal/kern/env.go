package kern

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/mos/internal/mmu"
)

// EnvID names an environment. Inside a system call the zero id refers to
// the calling environment.
type EnvID uint32

func (id EnvID) String() string { return fmt.Sprintf("%08x", uint32(id)) }

type Status int

const (
	EnvFree Status = iota
	EnvRunnable
	EnvNotRunnable
)

func (s Status) String() string {
	switch s {
	case EnvFree:
		return "free"
	case EnvRunnable:
		return "runnable"
	case EnvNotRunnable:
		return "not-runnable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// RegSP is the stack pointer register index in Trapframe.Regs.
const RegSP = 29

// Trapframe is the register state an environment resumes with.
type Trapframe struct {
	Regs     [32]uint32
	Status   uint32
	Hi       uint32
	Lo       uint32
	BadVAddr uint32
	Cause    uint32
	PC       uint32
}

type env struct {
	id     EnvID
	parent EnvID
	status Status
	tf     Trapframe
	name   string
	pgdir  *pgdir
}

// EnvInfo is a snapshot of an environment for inspection.
type EnvInfo struct {
	ID        EnvID
	Parent    EnvID
	Status    Status
	Name      string
	Trapframe Trapframe
	Pages     int
}

type envTable struct {
	envs   []*env
	free   []int
	nextID uint32
	shift  int
}

func newEnvTable(n int) (*envTable, error) {
	if n <= 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("env table size %d is not a power of two", n)
	}
	t := &envTable{
		envs:  make([]*env, n),
		free:  make([]int, 0, n),
		shift: 1 + bits.TrailingZeros(uint(n)),
	}
	for i := n - 1; i >= 0; i-- {
		t.envs[i] = &env{}
		t.free = append(t.free, i)
	}
	return t, nil
}

// EnvX returns the table index encoded in id for a table of n slots.
func EnvX(id EnvID, n int) int { return int(uint32(id) & uint32(n-1)) }

func (t *envTable) envx(id EnvID) int { return EnvX(id, len(t.envs)) }

func (t *envTable) alloc(parent EnvID) (*env, error) {
	if len(t.free) == 0 {
		return nil, ErrNoFreeEnv
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	t.nextID++
	e := t.envs[idx]
	*e = env{
		id:     EnvID(t.nextID<<t.shift | uint32(idx)),
		parent: parent,
		status: EnvNotRunnable,
		pgdir:  new(pgdir),
	}
	return e, nil
}

func (t *envTable) release(e *env) {
	idx := t.envx(e.id)
	*e = env{}
	t.free = append(t.free, idx)
}

func (t *envTable) lookup(id EnvID) (*env, error) {
	e := t.envs[t.envx(id)]
	if e.status == EnvFree || e.id != id {
		return nil, fmt.Errorf("%w: %v", ErrBadEnv, id)
	}
	return e, nil
}

func (e *env) info() EnvInfo {
	pages := 0
	e.pgdir.each(func(uint32, mmu.Perm) { pages++ })
	return EnvInfo{
		ID:        e.id,
		Parent:    e.parent,
		Status:    e.status,
		Name:      e.name,
		Trapframe: e.tf,
		Pages:     pages,
	}
}
