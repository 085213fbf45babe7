package bootinfo

import (
	"sysbuilder/internal/engine"
	"sysbuilder/internal/memregion"
)

// nPaging counts the number of `bits`-sized page-table-level blocks needed
// to cover region once its ends are rounded out to that granularity.
func nPaging(region memregion.Region, bits uint) uint64 {
	start := memregion.RoundDown(region.Base, uint64(1)<<bits)
	end := memregion.RoundUp(region.End, uint64(1)<<bits)
	return (end - start) / (uint64(1) << bits)
}

// archNPaging sums the page-table levels an architecture needs below its
// VSpace root to cover region, one nPaging call per level. This is the
// kernel's own page-table accounting, not the static page-table level
// count exposed by engine.Config.PageTableLevels (spec §4.G step 5.9) —
// this one is sized against an actual virtual region, not the config.
//
// RISC-V is assumed Sv39 (2 levels below the root); AArch64 counts the 3
// levels below its root.
// X86_64 has no reference kernel in this build's lineage to copy an exact
// formula from; standard long-mode paging is also a 4-level, 9-bit-per-level
// scheme with 4 KiB pages, so it reuses AArch64's derivation. See
// DESIGN.md.
func archNPaging(arch engine.Arch, region memregion.Region) uint64 {
	const ptOffset = 12
	pdOffset := uint(ptOffset + 9)
	pudOffset := pdOffset + 9
	pgdOffset := pudOffset + 9

	switch arch {
	case engine.RISCV64:
		return nPaging(region, pudOffset) + nPaging(region, pdOffset)
	case engine.AArch64, engine.X86_64:
		return nPaging(region, pgdOffset) + nPaging(region, pudOffset) + nPaging(region, pdOffset)
	default:
		panic("bootinfo: archNPaging on unknown arch")
	}
}

// rootserverMaxSizeBits is the alignment the kernel carves the rootserver
// allocation to: the larger of the root CNode's size and the VSpace size.
func rootserverMaxSizeBits(cfg engine.Config) uint {
	const slotBits = 5
	const vspaceBits = 12

	cnodeSizeBits := cfg.RootCNodeBits + slotBits
	if cnodeSizeBits > vspaceBits {
		return cnodeSizeBits
	}
	return vspaceBits
}

// CalculateRootserverSize sums the bytes the kernel reserves at boot for
// the initial task's fixed objects: root CNode, TCB, two pages (IPC
// buffer + boot info), ASID pool, VSpace, one page table per paging level
// needed to cover initialTaskRegion, and a minimum scheduling context.
//
// tcb_bits drops from 11 to 10 only for RISC-V without an FPU — every
// other combination uses 11.
func CalculateRootserverSize(cfg engine.Config, initialTaskRegion memregion.Region) uint64 {
	const pageBits = 12
	const asidPoolBits = 12
	const vspaceBits = 12
	const pageTableBits = 12
	const minSchedContextBits = 7

	tcbBits := uint(11)
	if cfg.Arch == engine.RISCV64 && !cfg.HaveFPU {
		tcbBits = 10
	}

	size := uint64(1) << (cfg.RootCNodeBits + 5)
	size += uint64(1) << tcbBits
	size += 2 * (uint64(1) << pageBits)
	size += uint64(1) << asidPoolBits
	size += uint64(1) << vspaceBits
	size += archNPaging(cfg.Arch, initialTaskRegion) * (uint64(1) << pageTableBits)
	size += uint64(1) << minSchedContextBits
	return size
}
