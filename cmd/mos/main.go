package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/mos/internal/config"
	"github.com/tinyrange/mos/internal/timeslice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mos: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultFilename, "Machine configuration file")
	root := flag.String("root", "", "Directory served to spawned programs (overrides config)")
	memory := flag.Int("memory", 0, "Physical memory in MB (overrides config)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	jsonLog := flag.Bool("json", false, "Log as JSON")
	timesliceFile := flag.String("timeslice", "", "Write spawn stage timings to file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [prog [args...]]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot the reference kernel, spawn the configured init programs and prog,\n")
		fmt.Fprintf(os.Stderr, "then print the resulting environments.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -root ./rootfs init\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config mos.yaml sh -c 'echo hi'\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath, *configPath == config.DefaultFilename)
	if err != nil {
		return err
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *memory != 0 {
		cfg.MemoryMB = *memory
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	if *dbg {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *jsonLog {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	progs := slices.Clone(cfg.Init)
	if args := flag.Args(); len(args) > 0 {
		progs = append(progs, config.Program{Path: args[0], Args: args})
	}
	if len(progs) == 0 {
		flag.Usage()
		return errors.New("nothing to spawn")
	}

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()
		w, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer w.Close()
	}

	m, err := newMachine(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer m.Close()

	var bar *progressbar.ProgressBar
	if len(progs) > 1 && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(len(progs)), "spawn")
		defer bar.Close()
	}

	failed := m.spawnAll(progs, bar)
	if err := m.report(os.Stdout); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d spawns failed", failed, len(progs))
	}
	return nil
}
