package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/mos/internal/config"
	"github.com/tinyrange/mos/internal/fsrv"
	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
	"github.com/tinyrange/mos/internal/spawn"
)

// machine is a booted kernel with a root environment that spawns programs
// from the configured root directory.
type machine struct {
	k       *kern.Kernel
	root    *kern.Proc
	spawner *spawn.Spawner
	log     *slog.Logger

	spawned []kern.EnvID
}

func newMachine(cfg config.Config, logger *slog.Logger) (*machine, error) {
	k, err := kern.New(kern.Options{
		MemoryBytes: cfg.MemoryBytes(),
		NEnv:        cfg.Envs,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("boot kernel: %w", err)
	}

	id, err := k.NewEnv(0)
	if err != nil {
		k.Close()
		return nil, fmt.Errorf("create root env: %w", err)
	}
	root, err := k.Proc(id)
	if err != nil {
		k.Close()
		return nil, err
	}

	m := &machine{k: k, root: root, log: logger}
	if err := m.setupShared(cfg.Shared); err != nil {
		k.Close()
		return nil, err
	}

	files := fsrv.New(os.DirFS(cfg.Root), logger).Client(root)
	m.spawner = spawn.New(root, files, logger)
	return m, nil
}

func (m *machine) Close() error {
	return m.k.Close()
}

// setupShared maps each region library-shared in the root env so every
// child inherits it.
func (m *machine) setupShared(regions []config.Region) error {
	for i, r := range regions {
		for n := 0; n < r.Pages; n++ {
			va := uint32(r.VA) + uint32(n)*mmu.PageSize
			if err := m.root.MemAlloc(0, va, mmu.PteV|mmu.PteR|mmu.PteLibrary); err != nil {
				return fmt.Errorf("shared[%d] at %#x: %w", i, va, err)
			}
			if r.Fill == "" {
				continue
			}
			page, err := m.root.Page(va)
			if err != nil {
				return fmt.Errorf("shared[%d] at %#x: %w", i, va, err)
			}
			for off := 0; off < len(page); {
				off += copy(page[off:], r.Fill)
			}
		}
		m.log.Debug("shared region", slog.Int("index", i), slog.String("va", fmt.Sprintf("%#x", uint32(r.VA))), slog.Int("pages", r.Pages))
	}
	return nil
}

// spawnAll starts progs in order and returns how many failed. bar may be
// nil.
func (m *machine) spawnAll(progs []config.Program, bar *progressbar.ProgressBar) int {
	failed := 0
	for _, p := range progs {
		id, err := m.spawner.Spawn(p.Path, p.Argv())
		if bar != nil {
			bar.Add(1)
		}
		if err != nil {
			m.log.Error("spawn", slog.String("prog", p.Path), slog.Any("err", err))
			failed++
			continue
		}
		m.spawned = append(m.spawned, id)
	}
	return failed
}

// report writes one line per spawned env.
func (m *machine) report(w io.Writer) error {
	for _, id := range m.spawned {
		info, err := m.k.Env(id)
		if err != nil {
			return err
		}
		sp := info.Trapframe.Regs[kern.RegSP]
		argv, err := spawn.ReadArgs(m.k, id, sp)
		if err != nil {
			return fmt.Errorf("env %v: %w", id, err)
		}
		if _, err := fmt.Fprintf(w, "%v %-16s %-12v pc=%#08x sp=%#08x pages=%d argv=%q\n",
			id, info.Name, info.Status, info.Trapframe.PC, sp, info.Pages, argv); err != nil {
			return err
		}
	}
	return nil
}
