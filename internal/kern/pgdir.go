package kern

import "github.com/tinyrange/mos/internal/mmu"

type pageTable [mmu.NPTE]mmu.Perm

// pgdir is a two level page table. Second level tables are created on the
// first insert below them and dropped when their last entry goes away.
type pgdir struct {
	tables [mmu.NPDE]*pageTable
	counts [mmu.NPDE]uint16
}

func (d *pgdir) walk(va uint32, create bool) *mmu.Perm {
	pdx := mmu.PDX(va)
	pt := d.tables[pdx]
	if pt == nil {
		if !create {
			return nil
		}
		pt = new(pageTable)
		d.tables[pdx] = pt
	}
	return &pt[mmu.PTX(va)]
}

func (d *pgdir) lookup(va uint32) (mmu.Perm, bool) {
	pte := d.walk(va, false)
	if pte == nil || !pte.Valid() {
		return 0, false
	}
	return *pte, true
}

// insert maps frame ppn at va, replacing whatever was there.
func (d *pgdir) insert(mem *physMem, va uint32, ppn uint32, perm mmu.Perm) {
	pte := d.walk(va, true)
	if pte.Valid() {
		if pte.PPN() == ppn {
			*pte = mmu.MakePte(ppn, perm|mmu.PteV)
			return
		}
		mem.decref(pte.PPN())
	} else {
		d.counts[mmu.PDX(va)]++
	}
	mem.incref(ppn)
	*pte = mmu.MakePte(ppn, perm|mmu.PteV)
}

// remove unmaps va. Unmapping an empty slot is not an error.
func (d *pgdir) remove(mem *physMem, va uint32) {
	pte := d.walk(va, false)
	if pte == nil || !pte.Valid() {
		return
	}
	mem.decref(pte.PPN())
	*pte = 0

	pdx := mmu.PDX(va)
	d.counts[pdx]--
	if d.counts[pdx] == 0 {
		d.tables[pdx] = nil
	}
}

// pde returns a synthetic directory entry: valid when a second level table
// exists below pdx.
func (d *pgdir) pde(pdx uint32) mmu.Perm {
	if pdx >= mmu.NPDE || d.tables[pdx] == nil {
		return 0
	}
	return mmu.PteV | mmu.PteR
}

func (d *pgdir) pte(vpn uint32) mmu.Perm {
	pdx := vpn >> 10
	if pdx >= mmu.NPDE || d.tables[pdx] == nil {
		return 0
	}
	return d.tables[pdx][vpn&(mmu.NPTE-1)]
}

// each calls fn for every valid mapping in address order.
func (d *pgdir) each(fn func(va uint32, pte mmu.Perm)) {
	for pdx, pt := range d.tables {
		if pt == nil {
			continue
		}
		for ptx, pte := range pt {
			if !pte.Valid() {
				continue
			}
			fn(uint32(pdx)<<mmu.PDShift|uint32(ptx)<<mmu.PageShift, pte)
		}
	}
}

func (d *pgdir) clear(mem *physMem) {
	d.each(func(va uint32, _ mmu.Perm) {
		d.remove(mem, va)
	})
}
