package sysbuild

import (
	"sysbuilder/internal/kalloc"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
)

// initSystem is the object-creation front end the builder uses once the
// monitor's own CSpace exists: every object it allocates is retyped
// straight into the system CNode (addressed by cnodeMask|slot), named for
// the final report, and recorded in objects for BuiltSystem.KernelObjects.
type initSystem struct {
	cnodeCap  uint64
	cnodeMask uint64
	kao       *kalloc.Allocator
	objects   []KernelObject
}

func newInitSystem(cnodeCap, cnodeMask uint64, kao *kalloc.Allocator) *initSystem {
	return &initSystem{cnodeCap: cnodeCap, cnodeMask: cnodeMask, kao: kao}
}

// reserve marks physAddr as already consumed in its device untyped (the
// invocation table's own pages, retyped during the bootstrap phase before
// this initSystem existed) so later fixed allocations don't re-pad across
// that range.
func (s *initSystem) reserve(physAddr uint64) error {
	return s.kao.ReserveFixed(physAddr)
}

// allocateObjects retypes count objects of kind ot (fixed-size, or
// variable with an explicit size in kalloc's slot-unit encoding for CNode
// and SchedContext) and names each one for the report.
func (s *initSystem) allocateObjects(ot kobject.ObjectType, names []string, size uint64) ([]KernelObject, error) {
	count := len(names)
	sizeBits := uint64(0)
	if kobject.IsVariableSize(ot) {
		sizeBits = memregion.Msb(size)
	}

	allocs, err := s.kao.AllocateObjects(ot, sizeBits, count, s.cnodeCap, 1, 1)
	if err != nil {
		return nil, err
	}

	objs := make([]KernelObject, count)
	for i, al := range allocs {
		capAddr := s.cnodeMask | al.CapSlot
		objs[i] = KernelObject{Type: ot, CapSlot: al.CapSlot, CapAddr: capAddr, PhysAddr: al.PhysAddr, Name: names[i]}
	}
	s.objects = append(s.objects, objs...)
	return objs, nil
}

// allocateFixedObjects retypes one object of kind ot at physAddr, naming
// it name (fixed objects are always singular in this builder — spec §4.G
// only ever fixes down individual pages to a specific MR's declared
// address).
func (s *initSystem) allocateFixedObjects(physAddr uint64, ot kobject.ObjectType, name string) (KernelObject, error) {
	al, err := s.kao.AllocateFixedObjects(physAddr, ot, s.cnodeCap, 1, 1)
	if err != nil {
		return KernelObject{}, err
	}
	capAddr := s.cnodeMask | al.CapSlot
	obj := KernelObject{Type: ot, CapSlot: al.CapSlot, CapAddr: capAddr, PhysAddr: al.PhysAddr, Name: name}
	s.objects = append(s.objects, obj)
	return obj, nil
}

func (s *initSystem) capSlot() uint64 { return s.kao.CapSlot() }
