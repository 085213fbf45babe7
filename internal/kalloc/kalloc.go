// Package kalloc is the object allocator of spec §4.F: two cooperating
// allocators over the untyped capability list a bootinfo.KernelBootInfo
// describes — a bump, first-fit pool allocator over normal memory, and a
// fixed-address allocator over device memory — each emitting its own
// UntypedRetype invocations in the exact order its allocations are made,
// because the kernel executes them sequentially and untyped memory
// advances monotonically.
package kalloc

import (
	"sort"

	"sysbuilder/internal/bootinfo"
	"sysbuilder/internal/builderr"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
)

// Allocation is one kernel object's cap slot and physical address. Index
// is the pool allocator's sequential allocation counter (used only for
// reporting) and is zero for fixed allocations.
type Allocation struct {
	CapSlot  uint64
	PhysAddr uint64
	Index    int
}

// poolBucket is one normal-memory untyped tracked by the pool allocator: a
// bump watermark measured as an offset from the untyped's own base.
type poolBucket struct {
	ut         bootinfo.UntypedObject
	allocPoint uint64
}

// deviceBucket is one device-memory untyped tracked by the fixed-address
// allocator: a watermark that must only ever increase.
type deviceBucket struct {
	ut        bootinfo.UntypedObject
	watermark uint64
}

// Allocator is the object allocator for one system build: a pool over
// every non-device untyped plus a fixed-address allocator over every
// device untyped, sharing one ascending cap-slot cursor and one growing
// invocation list.
type Allocator struct {
	arch        engine.Arch
	fanOutLimit int

	pool     []poolBucket
	allocIdx int

	deviceUntypeds []*deviceBucket
	lastFixedAddr  uint64

	capSlot     uint64
	invocations []kobject.Invocation
}

// NewAllocator builds an Allocator over the untyped objects a kernel boot
// emulation produced, starting cap assignment at firstCapSlot (the
// KernelBootInfo.FirstAvailableCap that followed them).
func NewAllocator(arch engine.Arch, fanOutLimit int, untypedObjects []bootinfo.UntypedObject, firstCapSlot uint64) *Allocator {
	a := &Allocator{arch: arch, fanOutLimit: fanOutLimit, capSlot: firstCapSlot}
	for _, ut := range untypedObjects {
		if ut.IsDevice {
			a.deviceUntypeds = append(a.deviceUntypeds, &deviceBucket{ut: ut, watermark: ut.Region.Base})
			continue
		}
		a.pool = append(a.pool, poolBucket{ut: ut})
	}
	sort.Slice(a.deviceUntypeds, func(i, j int) bool {
		return a.deviceUntypeds[i].ut.Region.Base < a.deviceUntypeds[j].ut.Region.Base
	})
	return a
}

// CapSlot returns the next cap slot that will be handed out.
func (a *Allocator) CapSlot() uint64 { return a.capSlot }

// Invocations returns every UntypedRetype invocation emitted so far, in
// the exact order the allocations that produced them were made.
func (a *Allocator) Invocations() []kobject.Invocation { return a.invocations }

// poolAlloc is the untyped-pool allocator's first-fit bump policy: the
// first untyped with enough room, after rounding its watermark up to
// size, wins. Matching the kernel's first-fit choice exactly is mandatory
// — this is not a best-effort heuristic.
func (a *Allocator) poolAlloc(size uint64, count int) (untypedCap, physAddr uint64, index int, err error) {
	if !memregion.IsPowerOfTwo(size) {
		panic("kalloc: poolAlloc size must be a power of two")
	}
	need := uint64(count) * size
	for i := range a.pool {
		b := &a.pool[i]
		start := memregion.RoundUp(b.ut.Region.Base+b.allocPoint, size)
		if start+need <= b.ut.Region.End {
			b.allocPoint = (start - b.ut.Region.Base) + need
			a.allocIdx++
			return b.ut.Cap, start, a.allocIdx, nil
		}
	}
	return 0, 0, 0, builderr.Raw(builderr.Allocator, "unable to allocate %d object(s) of size 0x%x: no untyped has room", count, size)
}

// objectAllocSize returns the byte size of one object of kind ot, given an
// explicit size_bits for the variable-size kinds (CNode, Untyped,
// SchedContext). CNode and SchedContext are both sized in units of one slot
// (1<<SlotSizeBits bytes); Untyped's size_bits is the raw byte size.
func objectAllocSize(ot kobject.ObjectType, sizeBits uint64) uint64 {
	if !kobject.IsVariableSize(ot) {
		return kobject.FixedSize(ot)
	}
	size := uint64(1) << sizeBits
	if ot == kobject.CNode || ot == kobject.SchedContext {
		size *= uint64(1) << kobject.SlotSizeBits
	}
	return size
}

// AllocateObjects retypes count objects of kind ot (sizeBits only matters
// for the variable-size kinds; pass 0 otherwise) out of the pool
// allocator's chosen untyped, minting the results into ascending cap
// slots of the CNode addressed by (destRoot, destIndex, destDepth). The
// retype is split into ceil(count/fanOutLimit) UntypedRetype calls to
// respect the kernel's per-invocation fan-out limit; fanOutLimit <= 0
// means no splitting (spec §4.F/§4.G step 5).
func (a *Allocator) AllocateObjects(ot kobject.ObjectType, sizeBits uint64, count int, destRoot, destIndex, destDepth uint64) ([]Allocation, error) {
	allocSize := objectAllocSize(ot, sizeBits)

	untypedCap, basePhysAddr, index, err := a.poolAlloc(allocSize, count)
	if err != nil {
		return nil, err
	}

	apiSizeBits := uint64(0)
	if kobject.IsVariableSize(ot) {
		apiSizeBits = sizeBits
	}

	baseCapSlot := a.capSlot
	a.capSlot += uint64(count)

	toAlloc := count
	capSlot := baseCapSlot
	for toAlloc > 0 {
		callCount := toAlloc
		if a.fanOutLimit > 0 && callCount > a.fanOutLimit {
			callCount = a.fanOutLimit
		}
		a.invocations = append(a.invocations, kobject.NewUntypedRetype(
			a.arch, untypedCap, ot, apiSizeBits, destRoot, destIndex, destDepth, capSlot, uint64(callCount),
		))
		toAlloc -= callCount
		capSlot += uint64(callCount)
	}

	allocations := make([]Allocation, count)
	physAddr := basePhysAddr
	for i := 0; i < count; i++ {
		allocations[i] = Allocation{CapSlot: baseCapSlot + uint64(i), PhysAddr: physAddr, Index: index}
		physAddr += allocSize
	}
	return allocations, nil
}

// deviceBucketFor returns the device untyped whose region covers physAddr.
func (a *Allocator) deviceBucketFor(physAddr uint64) *deviceBucket {
	for _, b := range a.deviceUntypeds {
		if physAddr >= b.ut.Region.Base && physAddr < b.ut.Region.End {
			return b
		}
	}
	return nil
}

// ReserveFixed advances the watermark of the device untyped covering
// physAddr to physAddr directly, with no invocation emitted. Use this when
// a range of a device untyped has already been consumed by invocations
// issued outside this Allocator (e.g. earlier bootstrap-phase retypes),
// so later AllocateFixedObjects calls do not re-pad across it.
func (a *Allocator) ReserveFixed(physAddr uint64) error {
	bucket := a.deviceBucketFor(physAddr)
	if bucket == nil {
		// physAddr may sit exactly at a bucket's end (fully consumed); try
		// the bucket whose range ends there.
		for _, b := range a.deviceUntypeds {
			if physAddr == b.ut.Region.End {
				bucket = b
				break
			}
		}
	}
	if bucket == nil {
		return builderr.Raw(builderr.Allocator, "reservation at 0x%x is not in any device untyped", physAddr)
	}
	bucket.watermark = physAddr
	if physAddr > a.lastFixedAddr {
		a.lastFixedAddr = physAddr
	}
	return nil
}

// AllocateFixedObjects allocates one object of kind ot at the exact
// physical address physAddr, out of whichever device untyped covers it.
// Fixed allocations across the whole system must proceed in ascending
// physical-address order; if the untyped's watermark has not yet reached
// physAddr, padding untypeds are retyped into the gap first, each sized
// 1 << min(lsb(watermark), msb(remaining padding)) (spec §4.F "Fixed-
// address allocator").
func (a *Allocator) AllocateFixedObjects(physAddr uint64, ot kobject.ObjectType, destRoot, destIndex, destDepth uint64) (Allocation, error) {
	if physAddr < a.lastFixedAddr {
		panic("kalloc: fixed allocations must proceed in ascending physical-address order")
	}

	bucket := a.deviceBucketFor(physAddr)
	if bucket == nil {
		return Allocation{}, builderr.Raw(builderr.Allocator, "physical address 0x%x is not covered by any device untyped", physAddr)
	}
	if physAddr < bucket.watermark {
		return Allocation{}, builderr.Raw(builderr.Allocator, "physical address 0x%x is below its device untyped's watermark 0x%x", physAddr, bucket.watermark)
	}

	if bucket.watermark != physAddr {
		padding := physAddr - bucket.watermark
		wm := bucket.watermark
		for padding > 0 {
			padBits := minUint(memregion.Lsb(wm), memregion.Msb(padding))
			padSize := uint64(1) << padBits

			slot := a.capSlot
			a.capSlot++
			a.invocations = append(a.invocations, kobject.NewUntypedRetype(
				a.arch, bucket.ut.Cap, kobject.Untyped, uint64(padBits), destRoot, destIndex, destDepth, slot, 1,
			))

			wm += padSize
			padding -= padSize
		}
	}

	capSlot := a.capSlot
	a.capSlot++
	a.invocations = append(a.invocations, kobject.NewUntypedRetype(
		a.arch, bucket.ut.Cap, ot, 0, destRoot, destIndex, destDepth, capSlot, 1,
	))

	allocSize := kobject.FixedSize(ot)
	bucket.watermark = physAddr + allocSize
	a.lastFixedAddr = physAddr + allocSize

	return Allocation{CapSlot: capSlot, PhysAddr: physAddr}, nil
}

// ReserveCapSlot hands out the next cap slot with no accompanying retype
// invocation, for objects created by some other invocation (IRQ handler
// capabilities are minted by IRQIssueIRQHandlerTrigger, never retyped).
func (a *Allocator) ReserveCapSlot() uint64 {
	slot := a.capSlot
	a.capSlot++
	return slot
}

func minUint(a, b uint) uint {
	if a < b {
		return a
	}
	return b
}
