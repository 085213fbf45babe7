// Package sysbuild is the system builder orchestrator (spec §4.G): it
// turns a parsed system description plus the kernel/monitor/per-PD ELF
// images into the bootstrap and system invocation streams the monitor
// replays at boot, the set of memory regions the loader must place, and
// the allocated kernel object table a build report can print.
//
// It owns the whole planning order: reserved-region sizing, kernel boot
// emulation, monitor CSpace bootstrap, invocation-table mapping, object
// allocation for every kind the system description implies, and the final
// capability minting and TCB configuration that brings each protection
// domain up. Everything here composes internal/bootinfo and
// internal/kalloc rather than duplicating their arithmetic.
package sysbuild

import (
	"sysbuilder/internal/bootinfo"
	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
)

// Layout constants for a protection domain's own CNode, and for the
// system CNode's reserved capability ranges, fixed for every build (spec
// §4.G step 5, "PD CSpace layout").
const (
	PDCapBits = 8
	PDCapSize = 1 << PDCapBits

	InputCapIdx  = 1
	VSpaceCapIdx = 3
	ReplyCapIdx  = 4

	BaseOutputNotificationCap = 10
	BaseOutputEndpointCap     = BaseOutputNotificationCap + 64
	BaseIRQCap                = BaseOutputEndpointCap + 64
	BaseTCBCap                = BaseIRQCap + 64

	// PDSchedContextSize is the size (in SLOT_BITS units, matching
	// CNode's own size encoding) given to every per-PD scheduling context.
	PDSchedContextSize = 1 << 8

	// MaxSystemInvocationSize bounds how large the invocation table is
	// ever allowed to grow during convergence (spec §4.G step 14).
	MaxSystemInvocationSize = 128 * 1024 * 1024

	largePageSize = 1 << 21
	pageTableSize = 1 << 12
)

// KernelObject is one allocated kernel object: its kind, the cap slot and
// full cap address it was minted into, its physical address (if backed by
// a specific untyped region), and a human-readable name for reporting
// (spec DATA MODEL "Allocated kernel object").
type KernelObject struct {
	Type     kobject.ObjectType
	CapSlot  uint64
	CapAddr  uint64
	PhysAddr uint64
	Name     string
}

// Region is one block of bytes the loader must place at a fixed physical
// address — either the assembled system invocation table or one segment
// copied from a protection domain's or virtual machine's own image.
type Region struct {
	Name string
	Addr uint64
	Data []byte
}

// BuiltSystem is everything a completed build produced: the bootstrap and
// system invocation streams, the regions the loader must place, the
// allocated object table, and the handful of capability addresses the
// monitor's own ELF needs patched into it.
type BuiltSystem struct {
	NumberOfSystemCaps   uint64
	InvocationDataSize   uint64
	BootstrapInvocations []kobject.Invocation
	SystemInvocations    []kobject.Invocation

	ReservedRegion         memregion.Region
	InitialTaskPhysRegion  memregion.Region
	InitialTaskVirtRegion  memregion.Region
	FaultEPCapAddress      uint64
	ReplyCapAddress        uint64
	CapLookup              map[uint64]string
	TCBCaps                []uint64
	Regions                []Region
	KernelObjects          []KernelObject

	// KernelBootInfo is the emulated kernel boot result this build ran
	// against: the fixed/paging/page cap counts and untyped object table
	// a build report prints, and the same untyped table the monitor's own
	// "untyped_info" symbol gets patched with (spec §4.G step 14 "Emit").
	KernelBootInfo *bootinfo.KernelBootInfo
}

// elfPhysRegion returns the smallest region spanning every loadable
// segment's physical footprint, rounded to pageSize (mirrors
// phys_mem_region_from_elf).
func elfPhysRegion(f *elfmodel.File, pageSize uint64) memregion.Region {
	var base, end uint64
	first := true
	for _, seg := range f.Segments {
		segBase := memregion.RoundDown(seg.Paddr, pageSize)
		segEnd := memregion.RoundUp(seg.Paddr+seg.Memsz, pageSize)
		if first || segBase < base {
			base = segBase
		}
		if first || segEnd > end {
			end = segEnd
		}
		first = false
	}
	return memregion.Region{Base: base, End: end}
}

// elfVirtRegion returns the smallest region spanning every loadable
// segment's virtual footprint, rounded to pageSize (mirrors
// virt_mem_region_from_elf).
func elfVirtRegion(f *elfmodel.File, pageSize uint64) memregion.Region {
	var base, end uint64
	first := true
	for _, seg := range f.Segments {
		segBase := memregion.RoundDown(seg.Vaddr, pageSize)
		segEnd := memregion.RoundUp(seg.Vaddr+seg.Memsz, pageSize)
		if first || segBase < base {
			base = segBase
		}
		if first || segEnd > end {
			end = segEnd
		}
		first = false
	}
	return memregion.Region{Base: base, End: end}
}
