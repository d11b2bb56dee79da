// Package mmu holds the user address space layout and the page table entry
// format shared by the kernel model, the file service and the loader.
package mmu

import "strings"

// Page sizes
const (
	PageSize  = 4096
	PageShift = 12

	PDMap   = 4 << 20 // bytes mapped by one page directory entry
	PDShift = 22

	// Entries per page directory and per page table.
	NPDE = 1024
	NPTE = 1024
)

// User address space layout.
//
//	ULim     0x80000000
//	UVPT     0x7fc00000  read-only page table window
//	UTop     0x7f400000  == UXStackTop
//	UStackTop             UTop - 2 pages
//	FileBase 0x60000000  fd n page cache at FileBase + n*PDMap
//	UText    0x00400000
//	TmpPage  0x00001000  scratch page for staging a child stack
const (
	ULim       = 0x80000000
	UVPT       = ULim - PDMap
	UTop       = 0x7f400000
	UXStackTop = UTop
	UStackTop  = UTop - 2*PageSize

	UText = 0x00400000

	FileBase = 0x60000000

	TmpPage    = PageSize
	TmpPageTop = TmpPage + PageSize
)

// Perm holds the low flag bits of a page table entry. The physical page
// number occupies the bits above PageShift.
type Perm uint32

// Page table entry flags
const (
	PteCOW     Perm = 0x0001 // copy-on-write
	PteLibrary Perm = 0x0004 // shared with spawned children
	PteG       Perm = 0x0100 // global
	PteV       Perm = 0x0200 // valid
	PteR       Perm = 0x0400 // writable (dirty)
	PteUC      Perm = 0x0800 // uncached

	PermMask Perm = PageSize - 1
)

// Valid reports whether the entry has the valid bit set.
func (p Perm) Valid() bool { return p&PteV != 0 }

// Shared reports whether the entry is valid and flagged library-shared.
func (p Perm) Shared() bool { return p&PteV != 0 && p&PteLibrary != 0 }

// Flags strips the page number.
func (p Perm) Flags() Perm { return p & PermMask }

// PPN returns the physical page number stored in the entry.
func (p Perm) PPN() uint32 { return uint32(p) >> PageShift }

// MakePte combines a physical page number with flags.
func MakePte(ppn uint32, flags Perm) Perm {
	return Perm(ppn<<PageShift) | flags.Flags()
}

func (p Perm) String() string {
	flags := []string{}
	if p&PteV != 0 {
		flags = append(flags, "V")
	}
	if p&PteR != 0 {
		flags = append(flags, "R")
	}
	if p&PteLibrary != 0 {
		flags = append(flags, "LIBRARY")
	}
	if p&PteCOW != 0 {
		flags = append(flags, "COW")
	}
	if p&PteG != 0 {
		flags = append(flags, "G")
	}
	if p&PteUC != 0 {
		flags = append(flags, "UC")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, "|")
}

// PDX returns the page directory index of va.
func PDX(va uint32) uint32 { return va >> PDShift & (NPDE - 1) }

// PTX returns the page table index of va.
func PTX(va uint32) uint32 { return va >> PageShift & (NPTE - 1) }

// VPN returns the virtual page number of va.
func VPN(va uint32) uint32 { return va >> PageShift }

// PageAddr returns the first address of virtual page vpn.
func PageAddr(vpn uint32) uint32 { return vpn << PageShift }

// PageOffset returns the offset of va within its page.
func PageOffset(va uint32) uint32 { return va & (PageSize - 1) }

// RoundDown aligns value down to align, which must be a power of two.
func RoundDown(value, align uint32) uint32 {
	return value &^ (align - 1)
}

// RoundUp aligns value up to align, which must be a power of two.
func RoundUp(value, align uint32) uint32 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// PageAligned reports whether va sits on a page boundary.
func PageAligned(va uint32) bool { return va&(PageSize-1) == 0 }
