package image

import (
	"debug/elf"
	"fmt"

	"github.com/tinyrange/mos/internal/mmu"
)

var (
	// defaultBuildConfig holds the layout used by the loader's flat text
	// convention: headers in the first page, text from the second page on,
	// linked at the text base.
	defaultBuildConfig = BuildConfig{
		BaseAddress:      mmu.UText,
		SegmentOffset:    mmu.PageSize,
		SegmentAlignment: mmu.PageSize,
		SegmentFlags:     elf.PF_R | elf.PF_W | elf.PF_X,
		Machine:          elf.EM_MIPS,
	}
)

// BuildConfig controls how Build emits an image.
type BuildConfig struct {
	// BaseAddress is the virtual address recorded for the segment and used
	// as the entry point.
	BaseAddress uint32
	// SegmentOffset is the file offset of the first text byte. It must be
	// aligned to SegmentAlignment and leave room for the headers.
	SegmentOffset uint32
	// SegmentAlignment is recorded in p_align.
	SegmentAlignment uint32
	SegmentFlags     elf.ProgFlag
	Machine          elf.Machine
}

// DefaultBuildConfig returns the configuration used when fields are zero.
func DefaultBuildConfig() BuildConfig {
	return defaultBuildConfig
}

// Build emits a single segment ELF32 image holding text followed by bss
// zero bytes that exist only in memory.
func Build(cfg BuildConfig, text []byte, bss uint32) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fileSize := uint64(len(text))
	memSize := fileSize + uint64(bss)
	if memSize > uint64(mmu.ULim-cfg.BaseAddress) {
		return nil, fmt.Errorf("image: segment of %#x bytes does not fit above %#x", memSize, cfg.BaseAddress)
	}

	out := make([]byte, int(cfg.SegmentOffset), int(cfg.SegmentOffset)+len(text))
	fillHeader(out[:HeaderSize], cfg)
	fillProgramHeader(out[HeaderSize:HeaderSize+ProgSize], cfg, uint32(fileSize), uint32(memSize))
	return append(out, text...), nil
}

func (cfg BuildConfig) withDefaults() BuildConfig {
	defaults := DefaultBuildConfig()
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = defaults.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = defaults.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = defaults.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = defaults.SegmentFlags
	}
	if cfg.Machine == elf.EM_NONE {
		cfg.Machine = defaults.Machine
	}
	return cfg
}

func (cfg BuildConfig) validate() error {
	if cfg.SegmentOffset < HeaderSize+ProgSize {
		return fmt.Errorf("image: segment offset %#x too small for headers (%#x)", cfg.SegmentOffset, HeaderSize+ProgSize)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("image: segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("image: segment offset %#x must be aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress >= mmu.ULim {
		return fmt.Errorf("image: base address %#x outside user space", cfg.BaseAddress)
	}
	return nil
}

func fillHeader(buf []byte, cfg BuildConfig) {
	copy(buf, Magic)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	byteOrder.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	byteOrder.PutUint16(buf[18:], uint16(cfg.Machine))
	byteOrder.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	byteOrder.PutUint32(buf[24:], cfg.BaseAddress)
	byteOrder.PutUint32(buf[28:], HeaderSize)
	byteOrder.PutUint32(buf[32:], 0) // no section headers
	byteOrder.PutUint32(buf[36:], 0)
	byteOrder.PutUint16(buf[40:], HeaderSize)
	byteOrder.PutUint16(buf[42:], ProgSize)
	byteOrder.PutUint16(buf[44:], 1)
}

func fillProgramHeader(buf []byte, cfg BuildConfig, fileSize, memSize uint32) {
	byteOrder.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	byteOrder.PutUint32(buf[4:], cfg.SegmentOffset)
	byteOrder.PutUint32(buf[8:], cfg.BaseAddress)
	byteOrder.PutUint32(buf[12:], cfg.BaseAddress)
	byteOrder.PutUint32(buf[16:], fileSize)
	byteOrder.PutUint32(buf[20:], memSize)
	byteOrder.PutUint32(buf[24:], uint32(cfg.SegmentFlags))
	byteOrder.PutUint32(buf[28:], cfg.SegmentAlignment)
}

func init() {
	if err := defaultBuildConfig.validate(); err != nil {
		panic(err)
	}
}
