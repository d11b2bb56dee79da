package spawn

import (
	"log/slog"

	"github.com/tinyrange/mos/internal/kern"
	"github.com/tinyrange/mos/internal/mmu"
)

// PropagateShared maps every library page the caller holds below UTop into
// child at the same address, so both keep seeing the same frame. Directory
// entries without a page table are skipped whole. Each page keeps the
// caller's flags.
func (s *Spawner) PropagateShared(child kern.EnvID) error {
	n := 0
	for pdx := uint32(0); pdx < mmu.PDX(mmu.UTop); pdx++ {
		if !s.View.PDE(pdx).Valid() {
			continue
		}
		for ptx := uint32(0); ptx < mmu.NPTE; ptx++ {
			vpn := pdx<<(mmu.PDShift-mmu.PageShift) | ptx
			pte := s.View.PTE(vpn)
			if !pte.Shared() {
				continue
			}
			va := mmu.PageAddr(vpn)
			if err := s.Sys.MemMap(0, va, child, va, pte.Flags()); err != nil {
				return stageErr(StagePropagate, ErrPropagate, va, err)
			}
			n++
		}
	}
	if n > 0 {
		s.logger().Debug("shared pages propagated", slog.String("env", child.String()), slog.Int("pages", n))
	}
	return nil
}
