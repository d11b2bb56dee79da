// Package spawn creates child environments from executable images.
//
// A spawn opens the image through the file service, allocates a child,
// builds its initial stack from argv, maps the image's loadable segments,
// sets the entry state, shares library pages and finally marks the child
// runnable. Every failure is reported as an *Error naming the stage.
package spawn

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinyrange/mos/internal/fsrv"
	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
	"github.com/tinyrange/mos/internal/timeslice"
)

// DefaultPrefix is prepended to the display name of every child.
const DefaultPrefix = "user_"

// ImageSuffix is appended to program names that do not already carry it.
const ImageSuffix = ".b"

var byteOrder = binary.LittleEndian

var (
	tsOpen      = timeslice.RegisterKind("spawn.open", timeslice.KindFlagIO)
	tsAlloc     = timeslice.RegisterKind("spawn.alloc", timeslice.KindFlagSyscall)
	tsStack     = timeslice.RegisterKind("spawn.stack", timeslice.KindFlagSyscall)
	tsLoad      = timeslice.RegisterKind("spawn.load", timeslice.KindFlagIO|timeslice.KindFlagSyscall)
	tsSetup     = timeslice.RegisterKind("spawn.setup", timeslice.KindFlagSyscall)
	tsPropagate = timeslice.RegisterKind("spawn.propagate", timeslice.KindFlagSyscall)
	tsActivate  = timeslice.RegisterKind("spawn.activate", timeslice.KindFlagSyscall)
)

// Syscalls is the kernel interface used by the loader. An env of zero names
// the caller.
type Syscalls interface {
	EnvAlloc() (kern.EnvID, error)
	MemAlloc(env kern.EnvID, va uint32, perm mmu.Perm) error
	MemMap(src kern.EnvID, srcva uint32, dst kern.EnvID, dstva uint32, perm mmu.Perm) error
	MemUnmap(env kern.EnvID, va uint32) error
	SetEnvStatus(env kern.EnvID, status kern.Status) error
	SetTrapframe(env kern.EnvID, tf *kern.Trapframe) error
	SetEnvName(env kern.EnvID, name string) error
	EnvDestroy(env kern.EnvID) error
}

// Memory gives access to the caller's own mapped pages.
type Memory interface {
	Page(va uint32) ([]byte, error)
}

// AddressSpaceView reads the caller's page directory and page tables.
type AddressSpaceView interface {
	PDE(pdx uint32) mmu.Perm
	PTE(vpn uint32) mmu.Perm
}

// Files is the file service as seen by the caller.
type Files interface {
	Open(path string, mode int) (fsrv.Fd, error)
	ReadMap(fd fsrv.Fd, offset uint32) (uint32, error)
	Close(fd fsrv.Fd) error
}

type Spawner struct {
	Sys    Syscalls
	Mem    Memory
	View   AddressSpaceView
	Files  Files
	Logger *slog.Logger

	// Prefix is prepended to the base name of the program to form the
	// child's display name.
	Prefix string
	// Reclaim destroys a partially built child when a spawn fails.
	Reclaim bool

	// scratch guards the caller's TmpPage while a stack is staged there.
	scratch sync.Mutex
}

// New returns a Spawner acting as the environment behind p.
func New(p *kern.Proc, files Files, logger *slog.Logger) *Spawner {
	return &Spawner{
		Sys:     p,
		Mem:     p,
		View:    p.View(),
		Files:   files,
		Logger:  logger,
		Prefix:  DefaultPrefix,
		Reclaim: true,
	}
}

func (s *Spawner) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// ResolvePath returns the file service path of prog: rooted, with the
// image suffix added when missing.
func ResolvePath(prog string) string {
	p := "/" + strings.TrimLeft(prog, "/")
	if !strings.HasSuffix(p, ImageSuffix) {
		p += ImageSuffix
	}
	return p
}

// DisplayName returns prefix followed by the base name of prog up to its
// first dot.
func DisplayName(prefix, prog string) string {
	base := prog[strings.LastIndexByte(prog, '/')+1:]
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return prefix + base
}

// Spawn starts prog with argv and returns the runnable child. argv[0] is
// passed through as given; the program name is not inserted.
func (s *Spawner) Spawn(prog string, argv []string) (kern.EnvID, error) {
	rec := timeslice.NewRecorder()
	file := ResolvePath(prog)
	log := s.logger().With(slog.String("path", file))

	fail := func(kind timeslice.KindID, child kern.EnvID, err *Error) (kern.EnvID, error) {
		rec.Mark(kind, true)
		err.Path = file
		err.Env = child
		if child != 0 && s.Reclaim {
			if derr := s.Sys.EnvDestroy(child); derr != nil {
				log.Error("reclaim child", slog.String("env", child.String()), slog.Any("err", derr))
			}
		}
		attrs := []any{slog.String("stage", string(err.Stage))}
		if err.Addr != 0 {
			attrs = append(attrs, hexAttr("va", err.Addr))
		}
		log.Warn("spawn failed", append(attrs, slog.Any("err", err))...)
		return 0, err
	}

	fd, err := s.Files.Open(file, fsrv.ORdWr)
	if err != nil {
		return fail(tsOpen, 0, stageErr(StageOpen, ErrOpen, 0, err))
	}
	defer func() {
		if err := s.Files.Close(fd); err != nil {
			log.Error("close image", slog.Any("err", err))
		}
	}()
	rec.Mark(tsOpen, false)

	child, err := s.Sys.EnvAlloc()
	if err != nil {
		return fail(tsAlloc, 0, stageErr(StageAlloc, ErrAlloc, 0, err))
	}
	if child == 0 {
		panic("spawn: env alloc returned the caller's id")
	}
	rec.SetEnv(uint32(child))
	rec.Mark(tsAlloc, false)

	sp, err := s.InitStack(child, argv)
	if err != nil {
		return fail(tsStack, child, asError(err))
	}
	rec.Mark(tsStack, false)

	blk, err := s.Files.ReadMap(fd, 0)
	if err != nil {
		return fail(tsLoad, child, stageErr(StageLoad, ErrRead, 0, err))
	}
	header, err := s.Mem.Page(blk)
	if err != nil {
		return fail(tsLoad, child, stageErr(StageLoad, ErrMap, blk, err))
	}
	if err := s.LoadProg(header, child, fd); err != nil {
		return fail(tsLoad, child, asError(err))
	}
	rec.Mark(tsLoad, false)

	tf := kern.Trapframe{PC: mmu.UText}
	tf.Regs[kern.RegSP] = sp
	if err := s.Sys.SetTrapframe(child, &tf); err != nil {
		return fail(tsSetup, child, stageErr(StageSetup, ErrSetup, 0, err))
	}
	if err := s.Sys.SetEnvName(child, DisplayName(s.Prefix, prog)); err != nil {
		return fail(tsSetup, child, stageErr(StageSetup, ErrSetup, 0, err))
	}
	rec.Mark(tsSetup, false)

	if err := s.PropagateShared(child); err != nil {
		return fail(tsPropagate, child, asError(err))
	}
	rec.Mark(tsPropagate, false)

	if err := s.Sys.SetEnvStatus(child, kern.EnvRunnable); err != nil {
		return fail(tsActivate, child, stageErr(StageActivate, ErrActivation, 0, err))
	}
	rec.Mark(tsActivate, false)

	log.Info("spawned",
		slog.String("env", child.String()),
		slog.Int("argc", len(argv)),
		hexAttr("sp", sp))
	return child, nil
}

// Spawnl is Spawn with the arguments given inline. As with Spawn, the first
// argument is argv[0].
func (s *Spawner) Spawnl(prog string, args ...string) (kern.EnvID, error) {
	return s.Spawn(prog, args)
}

func asError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: err, Err: err}
}

func hexAttr(key string, v uint32) slog.Attr {
	return slog.String(key, fmt.Sprintf("%#x", v))
}
