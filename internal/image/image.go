// Package image decodes the ELF32 executables understood by the spawn loader.
//
// Only what the loader needs is decoded: the ident magic, the entry point
// and the program header table. Section headers, dynamic linking and
// relocations are ignored.
package image

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the four byte signature at the start of every image.
const Magic = elf.ELFMAG

const (
	HeaderSize = 52 // sizeof(Elf32_Ehdr)
	ProgSize   = 32 // sizeof(Elf32_Phdr)
)

var (
	ErrNotELF    = errors.New("image: not an ELF image")
	ErrTruncated = errors.New("image: truncated header")
)

var byteOrder = binary.LittleEndian

// IsELF reports whether b starts with the ELF magic. Nothing past the first
// four bytes is consulted.
func IsELF(b []byte) bool {
	if len(b) < len(Magic) {
		return false
	}
	return b[0] == Magic[0] &&
		b[1] == Magic[1] &&
		b[2] == Magic[2] &&
		b[3] == Magic[3]
}

// Header holds the fields of the ELF32 file header used by the loader.
type Header struct {
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint32
	Phoff     uint32
	Phentsize uint16
	Phnum     uint16
}

// Prog is a decoded program header.
type Prog struct {
	Type   elf.ProgType
	Off    uint32
	Vaddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  elf.ProgFlag
}

// Loadable reports whether the segment is PT_LOAD.
func (p Prog) Loadable() bool { return p.Type == elf.PT_LOAD }

func (p Prog) String() string {
	return fmt.Sprintf("%v off=%#x vaddr=%#x filesz=%#x memsz=%#x", p.Type, p.Off, p.Vaddr, p.Filesz, p.Memsz)
}

// ParseHeader decodes the file header in b.
func ParseHeader(b []byte) (Header, error) {
	if !IsELF(b) {
		return Header{}, ErrNotELF
	}
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, want %d", ErrTruncated, len(b), HeaderSize)
	}
	// Offsets follow Elf32_Ehdr.
	return Header{
		Type:      elf.Type(byteOrder.Uint16(b[16:])),
		Machine:   elf.Machine(byteOrder.Uint16(b[18:])),
		Entry:     byteOrder.Uint32(b[24:]),
		Phoff:     byteOrder.Uint32(b[28:]),
		Phentsize: byteOrder.Uint16(b[42:]),
		Phnum:     byteOrder.Uint16(b[44:]),
	}, nil
}

// Progs decodes the program header table in table order. The whole table
// must be contained in b.
func (h Header) Progs(b []byte) ([]Prog, error) {
	if h.Phnum == 0 {
		return nil, nil
	}
	if h.Phentsize < ProgSize {
		return nil, fmt.Errorf("%w: program header size %d", ErrTruncated, h.Phentsize)
	}
	end := uint64(h.Phoff) + uint64(h.Phnum)*uint64(h.Phentsize)
	if end > uint64(len(b)) {
		return nil, fmt.Errorf("%w: program headers end at %#x past %#x", ErrTruncated, end, len(b))
	}

	progs := make([]Prog, 0, h.Phnum)
	off := h.Phoff
	for i := 0; i < int(h.Phnum); i++ {
		ph := b[off : off+ProgSize]
		progs = append(progs, Prog{
			Type:   elf.ProgType(byteOrder.Uint32(ph[0:])),
			Off:    byteOrder.Uint32(ph[4:]),
			Vaddr:  byteOrder.Uint32(ph[8:]),
			Filesz: byteOrder.Uint32(ph[16:]),
			Memsz:  byteOrder.Uint32(ph[20:]),
			Flags:  elf.ProgFlag(byteOrder.Uint32(ph[24:])),
		})
		off += uint32(h.Phentsize)
	}
	return progs, nil
}
