package bootinfo

import (
	"sysbuilder/internal/builderr"
	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
)

// partialBootInfo is the intermediate state shared by
// EmulateKernelBootPartial and EmulateKernelBoot: the device/normal memory
// split and the boot region, computed once up through the point where the
// reserved region still needs to be placed.
type partialBootInfo struct {
	DeviceMemory *memregion.DisjointSet
	NormalMemory *memregion.DisjointSet
	BootRegion   memregion.Region
}

// kernelDeviceFrameSize is the kernel's fixed per-device-frame size,
// assumed uniform within one architecture (mirroring the kernel's own
// map_kernel_devices). X86_64 has no reference value in this lineage; it
// reuses AArch64's 4 KiB frame size. See DESIGN.md.
func kernelDeviceFrameSize(arch engine.Arch) (uint64, error) {
	switch arch {
	case engine.RISCV64:
		return 1 << 21, nil
	case engine.AArch64, engine.X86_64:
		return 1 << 12, nil
	default:
		return 0, builderr.Raw(builderr.Allocator, "bootinfo: unexpected kernel architecture %v", arch)
	}
}

// partialBoot reconstructs the kernel's boot allocator up to (but not
// including) reserved-region and initial-task placement (spec §4.E step 1).
func partialBoot(cfg engine.Config, kernelELF *elfmodel.File) (*partialBootInfo, error) {
	deviceMemory := &memregion.DisjointSet{}
	normalMemory := &memregion.DisjointSet{}

	if err := deviceMemory.Insert(0, cfg.PaddrUserDeviceTop); err != nil {
		return nil, builderr.Wrap(builderr.Allocator, err, "seeding device memory")
	}

	deviceFrameSize, err := kernelDeviceFrameSize(cfg.Arch)
	if err != nil {
		return nil, err
	}

	deviceAddrs, err := kernelDeviceAddrs(cfg.Arch, kernelELF)
	if err != nil {
		return nil, err
	}
	for _, paddr := range deviceAddrs {
		if err := deviceMemory.Remove(paddr, paddr+deviceFrameSize); err != nil {
			return nil, builderr.Wrap(builderr.Allocator, err, "removing kernel device frame at 0x%x", paddr)
		}
	}

	physMem, err := kernelPhysMem(kernelELF)
	if err != nil {
		return nil, err
	}
	for _, r := range physMem {
		if err := deviceMemory.Remove(r.Base, r.End); err != nil {
			return nil, builderr.Wrap(builderr.Allocator, err, "removing available physical memory %s from device memory", r)
		}
		if err := normalMemory.Insert(r.Base, r.End); err != nil {
			return nil, builderr.Wrap(builderr.Allocator, err, "inserting available physical memory %s into normal memory", r)
		}
	}

	selfMem, err := kernelSelfMem(kernelELF)
	if err != nil {
		return nil, err
	}
	if err := normalMemory.Remove(selfMem.Base, selfMem.End); err != nil {
		return nil, builderr.Wrap(builderr.Allocator, err, "removing the kernel image's own range from normal memory")
	}

	bootRegion, err := kernelBootMem(kernelELF)
	if err != nil {
		return nil, err
	}

	return &partialBootInfo{
		DeviceMemory: deviceMemory,
		NormalMemory: normalMemory,
		BootRegion:   bootRegion,
	}, nil
}

// EmulateKernelBootPartial returns the normal memory still free after a
// partial boot emulation, so the caller can place a reserved region inside
// it before calling EmulateKernelBoot with the final layout (spec §4.E
// step 2).
func EmulateKernelBootPartial(cfg engine.Config, kernelELF *elfmodel.File) (*memregion.DisjointSet, error) {
	pb, err := partialBoot(cfg, kernelELF)
	if err != nil {
		return nil, err
	}
	return pb.NormalMemory, nil
}

// EmulateKernelBoot reconstructs the full BootInfo the kernel hands the
// initial task: it re-derives the partial boot state, carves out the
// caller-placed initial task and reserved regions, places the rootserver
// allocation at the top of the highest region that fits it, and builds the
// final ordered untyped capability list (spec §4.E steps 1-4).
func EmulateKernelBoot(
	cfg engine.Config,
	kernelELF *elfmodel.File,
	initialTaskPhysRegion memregion.Region,
	initialTaskVirtRegion memregion.Region,
	reservedRegion memregion.Region,
) (*KernelBootInfo, error) {
	if initialTaskPhysRegion.Size() != initialTaskVirtRegion.Size() {
		panic("bootinfo: initial task phys/virt region size mismatch")
	}

	pb, err := partialBoot(cfg, kernelELF)
	if err != nil {
		return nil, err
	}
	normalMemory := pb.NormalMemory
	deviceMemory := pb.DeviceMemory
	bootRegion := pb.BootRegion

	if err := normalMemory.Remove(initialTaskPhysRegion.Base, initialTaskPhysRegion.End); err != nil {
		return nil, builderr.Wrap(builderr.Allocator, err, "removing initial task region from normal memory")
	}
	if err := normalMemory.Remove(reservedRegion.Base, reservedRegion.End); err != nil {
		return nil, builderr.Wrap(builderr.Allocator, err, "removing reserved region from normal memory")
	}

	initialObjectsSize := CalculateRootserverSize(cfg, initialTaskVirtRegion)
	initialObjectsAlign := rootserverMaxSizeBits(cfg)

	regions := normalMemory.Regions()
	placed := false
	for i := len(regions) - 1; i >= 0; i-- {
		r := regions[i]
		start := memregion.RoundDown(r.End-initialObjectsSize, uint64(1)<<initialObjectsAlign)
		if start >= r.Base {
			if err := normalMemory.Remove(start, start+initialObjectsSize); err != nil {
				return nil, builderr.Wrap(builderr.Allocator, err, "removing rootserver allocation from normal memory")
			}
			placed = true
			break
		}
	}
	if !placed {
		return nil, builderr.Raw(builderr.Allocator, "could not find an appropriate region for the initial task's kernel objects")
	}

	const fixedCapCount = uint64(kobject.NumFixedCaps)
	const schedControlCapCount = uint64(1)
	pagingCapCount := archNPaging(cfg.Arch, initialTaskVirtRegion)
	pageCapCount := initialTaskVirtRegion.Size() / cfg.MinimumPageSize
	firstUntypedCap := fixedCapCount + pagingCapCount + schedControlCapCount + pageCapCount
	schedControlCap := fixedCapCount + pagingCapCount

	maxBits := cfg.Arch.UntypedMaxBits()

	deviceRegions := append(
		reservedRegion.AlignedPowerOfTwoRegions(maxBits),
		deviceMemory.AlignedPowerOfTwoRegions(maxBits)...,
	)
	normalRegions := append(
		bootRegion.AlignedPowerOfTwoRegions(maxBits),
		normalMemory.AlignedPowerOfTwoRegions(maxBits)...,
	)

	untypedObjects := make([]UntypedObject, 0, len(deviceRegions)+len(normalRegions))
	cap := firstUntypedCap
	for _, r := range deviceRegions {
		untypedObjects = append(untypedObjects, UntypedObject{Cap: cap, Region: r, IsDevice: true})
		cap++
	}
	for _, r := range normalRegions {
		untypedObjects = append(untypedObjects, UntypedObject{Cap: cap, Region: r, IsDevice: false})
		cap++
	}

	return &KernelBootInfo{
		FixedCapCount:     fixedCapCount,
		SchedControlCap:   schedControlCap,
		PagingCapCount:    pagingCapCount,
		PageCapCount:      pageCapCount,
		UntypedObjects:    untypedObjects,
		FirstAvailableCap: cap,
	}, nil
}
