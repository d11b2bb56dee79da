package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/tinyrange/mos/internal/image"
	"github.com/tinyrange/mos/internal/mmu"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mkimage: %v\n", err)
		os.Exit(1)
	}
}

// hexFlag accepts decimal, 0x hex or 0o octal values.
type hexFlag uint32

func (h *hexFlag) String() string { return fmt.Sprintf("%#x", uint32(*h)) }

func (h *hexFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*h = hexFlag(v)
	return nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("mkimage", flag.ContinueOnError)
	out := fs.String("o", "", "Output image (default: input with .b suffix)")
	bss := hexFlag(0)
	fs.Var(&bss, "bss", "Zero bytes appended to the segment in memory only")
	offset := hexFlag(mmu.PageSize)
	fs.Var(&offset, "offset", "File offset of the first text byte")
	base := hexFlag(mmu.UText)
	fs.Var(&base, "base", "Virtual address recorded for the segment")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: mkimage [flags] <text.bin>\n\n")
		fmt.Fprintf(fs.Output(), "Wrap a raw text blob into a single segment ELF32 image the loader accepts.\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one input file, got %d", fs.NArg())
	}

	in := fs.Arg(0)
	text, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read text: %w", err)
	}

	cfg := image.DefaultBuildConfig()
	cfg.SegmentOffset = uint32(offset)
	cfg.BaseAddress = uint32(base)
	img, err := image.Build(cfg, text, uint32(bss))
	if err != nil {
		return err
	}

	dst := *out
	if dst == "" {
		dst = in + ".b"
	}
	if err := os.WriteFile(dst, img, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	hdr, err := image.ParseHeader(img)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %v %v entry=%#x text=%d bss=%d\n", dst, hdr.Type, hdr.Machine, hdr.Entry, len(text), uint32(bss))
	return nil
}
