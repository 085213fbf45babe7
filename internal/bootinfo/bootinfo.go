// Package bootinfo reconstructs, byte-for-byte, what the kernel's own C
// boot code computes at run time: which physical memory becomes which
// untyped capabilities, and the fixed cap layout the initial task is
// handed (spec §4.E). Every operation here must match the kernel's boot
// path exactly — there is no approximation, only replay.
package bootinfo

import (
	"sysbuilder/internal/memregion"
)

// UntypedObject is one capability the kernel hands to the first task:
// its slot in the initial CSpace, the memory region it covers, and
// whether that memory is device (MMIO) or normal RAM.
type UntypedObject struct {
	Cap      uint64
	Region   memregion.Region
	IsDevice bool
}

// SizeBits returns the log2 size of the object's region.
func (u UntypedObject) SizeBits() uint {
	return memregion.Msb(u.Region.Size())
}

// KernelBootInfo is everything the kernel's BootInfo struct exposes to the
// first task: the fixed cap count, the schedule-control cap base, the
// paging/page cap counts covering the initial task, the ordered untyped
// list, and the first cap slot free after them.
type KernelBootInfo struct {
	FixedCapCount     uint64
	SchedControlCap   uint64
	PagingCapCount    uint64
	PageCapCount      uint64
	UntypedObjects    []UntypedObject
	FirstAvailableCap uint64
}
