package kalloc

import (
	"testing"

	"sysbuilder/internal/bootinfo"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
)

func untyped(cap uint64, base, end uint64, device bool) bootinfo.UntypedObject {
	return bootinfo.UntypedObject{Cap: cap, Region: memregion.Region{Base: base, End: end}, IsDevice: device}
}

func TestAllocateObjectsFirstFitAcrossUntypeds(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{
		untyped(100, 0x1000, 0x1040, false), // room for four 0x10-sized endpoints
		untyped(101, 0x10000, 0x20000, false),
	}
	a := NewAllocator(engine.AArch64, 256, untypeds, 1000)

	allocs, err := a.AllocateObjects(kobject.Endpoint, 0, 4, 2, 3, 32)
	if err != nil {
		t.Fatalf("AllocateObjects: %v", err)
	}
	if len(allocs) != 4 {
		t.Fatalf("got %d allocations, want 4", len(allocs))
	}
	for i, al := range allocs {
		if al.CapSlot != 1000+uint64(i) {
			t.Fatalf("allocation %d cap slot = %d, want %d", i, al.CapSlot, 1000+uint64(i))
		}
		if al.PhysAddr != 0x1000+uint64(i)*kobject.FixedSize(kobject.Endpoint) {
			t.Fatalf("allocation %d phys addr = 0x%x, want 0x%x", i, al.PhysAddr, 0x1000+uint64(i)*kobject.FixedSize(kobject.Endpoint))
		}
	}

	invs := a.Invocations()
	if len(invs) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invs))
	}
	ret := invs[0].(*kobject.UntypedRetype)
	if ret.Untyped != 100 {
		t.Fatalf("retype untyped cap = %d, want 100 (first untyped with room)", ret.Untyped)
	}
	if ret.NumObjects != 4 {
		t.Fatalf("retype num_objects = %d, want 4", ret.NumObjects)
	}

	// A fifth allocation must spill into the second untyped: the first is
	// now full (4 * 0x10 == 0x40, exactly its capacity).
	more, err := a.AllocateObjects(kobject.Endpoint, 0, 1, 2, 3, 32)
	if err != nil {
		t.Fatalf("AllocateObjects (spill): %v", err)
	}
	if more[0].PhysAddr != 0x10000 {
		t.Fatalf("spilled allocation phys addr = 0x%x, want 0x10000", more[0].PhysAddr)
	}
}

func TestAllocateObjectsSplitsByFanOutLimit(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{untyped(100, 0, 0x100000, false)}
	a := NewAllocator(engine.AArch64, 3, untypeds, 0)

	allocs, err := a.AllocateObjects(kobject.SmallPage, 0, 7, 1, 1, 1)
	if err != nil {
		t.Fatalf("AllocateObjects: %v", err)
	}
	if len(allocs) != 7 {
		t.Fatalf("got %d allocations, want 7", len(allocs))
	}

	invs := a.Invocations()
	if len(invs) != 3 {
		t.Fatalf("got %d invocations, want 3 (ceil(7/3))", len(invs))
	}
	wantCounts := []uint64{3, 3, 1}
	for i, inv := range invs {
		ret := inv.(*kobject.UntypedRetype)
		if ret.NumObjects != wantCounts[i] {
			t.Fatalf("invocation %d num_objects = %d, want %d", i, ret.NumObjects, wantCounts[i])
		}
	}
	if invs[0].(*kobject.UntypedRetype).NodeOffset != 0 {
		t.Fatalf("first invocation node_offset = %d, want 0", invs[0].(*kobject.UntypedRetype).NodeOffset)
	}
	if invs[1].(*kobject.UntypedRetype).NodeOffset != 3 {
		t.Fatalf("second invocation node_offset = %d, want 3", invs[1].(*kobject.UntypedRetype).NodeOffset)
	}
	if invs[2].(*kobject.UntypedRetype).NodeOffset != 6 {
		t.Fatalf("third invocation node_offset = %d, want 6", invs[2].(*kobject.UntypedRetype).NodeOffset)
	}
}

func TestAllocateObjectsVariableSizeCNodeScalesBySlotSize(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{untyped(100, 0, 0x100000, false)}
	a := NewAllocator(engine.AArch64, 256, untypeds, 0)

	if _, err := a.AllocateObjects(kobject.CNode, 6, 1, 1, 1, 1); err != nil {
		t.Fatalf("AllocateObjects: %v", err)
	}
	ret := a.Invocations()[0].(*kobject.UntypedRetype)
	if ret.SizeBits != 6 {
		t.Fatalf("SizeBits = %d, want 6", ret.SizeBits)
	}

	// A second CNode of size_bits=6 must start 1<<6 slots * 1<<5 bytes/slot
	// = 0x800 bytes after the first.
	allocs, err := a.AllocateObjects(kobject.CNode, 6, 1, 1, 1, 1)
	if err != nil {
		t.Fatalf("AllocateObjects (second cnode): %v", err)
	}
	if allocs[0].PhysAddr != 0x800 {
		t.Fatalf("second CNode phys addr = 0x%x, want 0x800", allocs[0].PhysAddr)
	}
}

func TestAllocateObjectsExhaustionFails(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{untyped(100, 0, 0x1000, false)}
	a := NewAllocator(engine.AArch64, 256, untypeds, 0)

	if _, err := a.AllocateObjects(kobject.VSpace, 0, 1, 1, 1, 1); err != nil {
		t.Fatalf("first AllocateObjects: %v", err)
	}
	if _, err := a.AllocateObjects(kobject.VSpace, 0, 1, 1, 1, 1); err == nil {
		t.Fatal("expected an error once the untyped pool is exhausted")
	}
}

func TestAllocateFixedObjectsNoPaddingNeeded(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{untyped(200, 0x1000, 0x2000, true)}
	a := NewAllocator(engine.AArch64, 256, untypeds, 500)

	alloc, err := a.AllocateFixedObjects(0x1000, kobject.VSpace, 1, 1, 1)
	if err != nil {
		t.Fatalf("AllocateFixedObjects: %v", err)
	}
	if alloc.PhysAddr != 0x1000 {
		t.Fatalf("PhysAddr = 0x%x, want 0x1000", alloc.PhysAddr)
	}
	if len(a.Invocations()) != 1 {
		t.Fatalf("got %d invocations, want 1 (no padding required)", len(a.Invocations()))
	}
	ret := a.Invocations()[0].(*kobject.UntypedRetype)
	if ret.ObjectType != kobject.VSpace {
		t.Fatalf("retype object type = %v, want VSpace", ret.ObjectType)
	}
	if ret.Untyped != 200 {
		t.Fatalf("retype untyped cap = %d, want 200", ret.Untyped)
	}
}

func TestAllocateFixedObjectsEmitsPadding(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{untyped(200, 0x1000, 0x100000, true)}
	a := NewAllocator(engine.AArch64, 256, untypeds, 0)

	// VSpace is 4 KiB; placing one at 0x2000 leaves a 0x1000-byte gap
	// between the untyped's base (0x1000) and the target address that
	// must be padded out with intermediate Untyped retypes first.
	alloc, err := a.AllocateFixedObjects(0x2000, kobject.VSpace, 1, 1, 1)
	if err != nil {
		t.Fatalf("AllocateFixedObjects: %v", err)
	}
	if alloc.PhysAddr != 0x2000 {
		t.Fatalf("PhysAddr = 0x%x, want 0x2000", alloc.PhysAddr)
	}

	invs := a.Invocations()
	if len(invs) < 2 {
		t.Fatalf("expected at least one padding retype plus the final object retype, got %d", len(invs))
	}
	last := invs[len(invs)-1].(*kobject.UntypedRetype)
	if last.ObjectType != kobject.VSpace {
		t.Fatalf("final retype object type = %v, want VSpace", last.ObjectType)
	}
	for _, inv := range invs[:len(invs)-1] {
		pad := inv.(*kobject.UntypedRetype)
		if pad.ObjectType != kobject.Untyped {
			t.Fatalf("padding retype object type = %v, want Untyped", pad.ObjectType)
		}
	}
}

func TestAllocateFixedObjectsRejectsDescendingAddress(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{untyped(200, 0x1000, 0x100000, true)}
	a := NewAllocator(engine.AArch64, 256, untypeds, 0)

	if _, err := a.AllocateFixedObjects(0x3000, kobject.VSpace, 1, 1, 1); err != nil {
		t.Fatalf("AllocateFixedObjects: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a descending fixed address")
		}
	}()
	a.AllocateFixedObjects(0x1000, kobject.VSpace, 1, 1, 1)
}

func TestAllocateFixedObjectsRejectsAddressOutsideAnyDeviceUntyped(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{untyped(200, 0x1000, 0x2000, true)}
	a := NewAllocator(engine.AArch64, 256, untypeds, 0)

	if _, err := a.AllocateFixedObjects(0x5000, kobject.VSpace, 1, 1, 1); err == nil {
		t.Fatal("expected an error for an address not covered by any device untyped")
	}
}

func TestNewAllocatorSortsDeviceUntypedsByBase(t *testing.T) {
	untypeds := []bootinfo.UntypedObject{
		untyped(201, 0x20000, 0x30000, true),
		untyped(200, 0x10000, 0x20000, true),
	}
	a := NewAllocator(engine.AArch64, 256, untypeds, 0)

	alloc, err := a.AllocateFixedObjects(0x10000, kobject.VSpace, 1, 1, 1)
	if err != nil {
		t.Fatalf("AllocateFixedObjects: %v", err)
	}
	ret := a.Invocations()[0].(*kobject.UntypedRetype)
	if ret.Untyped != 200 {
		t.Fatalf("expected the lower-based untyped (200) to be chosen first, got %d", ret.Untyped)
	}
	_ = alloc
}
