package loaderimg

import "encoding/binary"

// AArch64 boot page table geometry: three levels, 9 bits of index per
// level, 2 MiB block entries at the leaf.
const (
	arm64OneGBBlockBits = 30
	arm64TwoMBBlockBits = 21
	arm64Lvl0Bits       = 9
	arm64Lvl1Bits       = 9
	arm64Lvl2Bits       = 9

	pageTableSize = 4096
)

func mask(bits uint) uint64 { return (uint64(1) << bits) - 1 }

func lvl0Index(addr uint64) uint64 {
	return (addr >> (arm64TwoMBBlockBits + arm64Lvl2Bits + arm64Lvl1Bits)) & mask(arm64Lvl0Bits)
}

func lvl1Index(addr uint64) uint64 {
	return (addr >> (arm64TwoMBBlockBits + arm64Lvl2Bits)) & mask(arm64Lvl1Bits)
}

func lvl2Index(addr uint64) uint64 {
	return (addr >> arm64TwoMBBlockBits) & mask(arm64Lvl2Bits)
}

func putEntry(table []byte, idx uint64, entry uint64) {
	binary.LittleEndian.PutUint64(table[8*idx:8*(idx+1)], entry)
}

// arm64PageTables builds the five boot page tables the loader's assembly
// stub expects at symbols boot_lvl{0,1,2}_{lower,upper} (spec §4.H step 4):
// the lower half identity-maps the bottom of physical memory at 1 GiB
// granularity with device attributes, and the upper half maps the kernel's
// virtual range to its physical load address with 2 MiB block entries.
func arm64PageTables(firstVaddr, firstPaddr, lvl1LowerAddr, lvl1UpperAddr, lvl2UpperAddr uint64) map[string][]byte {
	lvl0Lower := make([]byte, pageTableSize)
	putEntry(lvl0Lower, 0, lvl1LowerAddr|3)

	lvl1Lower := make([]byte, pageTableSize)
	for i := uint64(0); i < 512; i++ {
		entry := (i << arm64OneGBBlockBits) |
			(1 << 10) | // access flag
			(0 << 2) | // strongly ordered memory
			1 // 1G block
		putEntry(lvl1Lower, i, entry)
	}

	lvl0Upper := make([]byte, pageTableSize)
	putEntry(lvl0Upper, lvl0Index(firstVaddr), lvl1UpperAddr|3)

	lvl1Upper := make([]byte, pageTableSize)
	putEntry(lvl1Upper, lvl1Index(firstVaddr), lvl2UpperAddr|3)

	lvl2Upper := make([]byte, pageTableSize)
	paddr := firstPaddr
	for i := lvl2Index(firstVaddr); i < 512; i++ {
		entry := paddr |
			(1 << 10) | // access flag
			(3 << 8) | // match the kernel's own shareability
			(4 << 2) | // MT_NORMAL memory
			1 // 2M block
		putEntry(lvl2Upper, i, entry)
		paddr += 1 << arm64TwoMBBlockBits
	}

	return map[string][]byte{
		"boot_lvl0_lower": lvl0Lower,
		"boot_lvl1_lower": lvl1Lower,
		"boot_lvl0_upper": lvl0Upper,
		"boot_lvl1_upper": lvl1Upper,
		"boot_lvl2_upper": lvl2Upper,
	}
}

// arm64PageTablesHypervisor is the hyp-mode variant: the upper-half index
// into the lower level-0 table (rather than a dedicated upper level-0
// table); its level-2 table is filled as arm64PageTables fills its own,
// firstPaddr at index lvl2Index(firstVaddr) and one 2 MiB block per entry
// after it.
func arm64PageTablesHypervisor(firstVaddr, firstPaddr, lvl1LowerAddr, lvl1UpperAddr, lvl2UpperAddr uint64) map[string][]byte {
	lvl0Lower := make([]byte, pageTableSize)
	putEntry(lvl0Lower, 0, lvl1LowerAddr|3)

	lvl1Lower := make([]byte, pageTableSize)
	for i := uint64(0); i < 512; i++ {
		entry := (i << arm64OneGBBlockBits) |
			(1 << 10) |
			(0 << 2) |
			1
		putEntry(lvl1Lower, i, entry)
	}
	putEntry(lvl0Lower, lvl0Index(firstVaddr), lvl1UpperAddr|3)

	lvl1Upper := make([]byte, pageTableSize)
	putEntry(lvl1Upper, lvl1Index(firstVaddr), lvl2UpperAddr|3)

	lvl2Upper := make([]byte, pageTableSize)
	base := lvl2Index(firstVaddr)
	for i := base; i < 512; i++ {
		entry := (((i - base) << arm64TwoMBBlockBits) + firstPaddr) |
			(1 << 10) |
			(3 << 8) |
			(4 << 2) |
			1
		putEntry(lvl2Upper, i, entry)
	}

	return map[string][]byte{
		"boot_lvl0_lower": lvl0Lower,
		"boot_lvl1_lower": lvl1Lower,
		"boot_lvl1_upper": lvl1Upper,
		"boot_lvl2_upper": lvl2Upper,
	}
}
