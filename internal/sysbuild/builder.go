package sysbuild

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"sysbuilder/internal/bootinfo"
	"sysbuilder/internal/builderr"
	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/kalloc"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
	"sysbuilder/internal/sysxml"
)

// Input is everything one build attempt needs: the parsed system
// description, the kernel/monitor/per-PD images already loaded from disk,
// and the two sizes a convergence loop adjusts between attempts (spec §4.G
// step 14).
type Input struct {
	Config     engine.Config
	System     *sysxml.SystemDescription
	KernelELF  *elfmodel.File
	MonitorELF *elfmodel.File
	PDELFs     map[string]*elfmodel.File // keyed by protection domain name
	VMImages   map[string][]byte         // keyed by virtual machine name
	VMDeviceTrees map[string][]byte      // keyed by virtual machine name, optional

	InvocationTableSize uint64
	SystemCNodeSize     uint64
}

// builder carries the mutable state threaded through one Build attempt.
// Its phase methods live in objects.go, mint.go and finalize.go; this file
// holds the entry point plus the bootstrap phase that precedes all of them.
type builder struct {
	in  Input
	cfg engine.Config

	vms     []sysxml.VirtualMachine
	vmOwner []int // parallel to vms: owning PD index

	capNames map[uint64]string

	kao  *kalloc.Allocator
	init *initSystem

	rootCNodeCap         uint64
	systemCNodeBits      uint64
	systemCapAddressMask uint64

	bootstrapInvocations []kobject.Invocation
	bootstrapRetypeCount int // how many of kao.Invocations() the bootstrap phase consumed
	systemInvocationTail []kobject.Invocation

	regions []Region

	// populated by the objects/mint/finalize phases
	tcbObjects           []KernelObject // PDs then VMs, same order as builder.pds()/vms
	vcpuObjects          []KernelObject // one per VM
	schedContextObjects  []KernelObject // PDs then VMs
	faultEPObject        KernelObject
	pdEndpointObjects    map[int]KernelObject // PD index -> endpoint, only for needs_ep PDs
	monitorReplyObject   KernelObject
	pdReplyObjects       []KernelObject // one per PD, same order as builder.pds()
	notificationObjects  []KernelObject // one per PD
	vspaceObjects        []KernelObject // PDs then VMs
	udObjects            []udEntry
	dObjects             []udEntry
	ptObjects            []udEntry
	cnodeObjects         []KernelObject // PDs then VMs
	irqHandlerObjects    map[int][]KernelObject // PD index -> one handler per pd.IRQs entry
	mrPages              map[string][]KernelObject
	pdExtraMaps          [][]sysxml.Map // per PD index, synthesized maps for its own ELF segments
	pdIPCBufferVaddr     []uint64       // per PD index

	// allMRs merges every declared memory region with one synthesized per
	// PD ELF segment (named after its Region in b.regions), so page
	// allocation can treat both uniformly.
	allMRs map[string]*sysxml.MemoryRegion

	pdFaultEPCapAddr []uint64      // per PD index: badged cap to the shared fault EP
	vmFaultEPCapAddr []uint64      // per VM index: badged cap to the shared fault EP
	ipcBufferPages   []KernelObject // per PD index
	schedControlCap  uint64
}

// udEntry is one allocated upper-directory/directory/page-table object
// together with the (entity index, vaddr) it was planned for; entity index
// is into the combined PD-then-VM list.
type udEntry struct {
	entityIdx int
	vaddr     uint64
	obj       KernelObject
}

func (b *builder) pds() []sysxml.ProtectionDomain { return b.in.System.ProtectionDomains }

// needsEP reports whether a PD requires its own endpoint object: either it
// is a protected-procedure server (PP) or some other PD routes its faults
// to it as a parent (spec §3 ProtectionDomain, §4.G step 12 "Endpoints").
func (b *builder) needsEP(pdIdx int) bool {
	pd := b.pds()[pdIdx]
	if pd.PP {
		return true
	}
	for _, other := range b.pds() {
		if other.Parent == pdIdx {
			return true
		}
	}
	return false
}

// Build runs one complete build attempt at the given invocation-table and
// system-CNode sizes, producing the bootstrap/system invocation streams, the
// loader regions, and the allocated object report (spec §4.G). Callers that
// don't already know a size which converges should use Converge instead.
func Build(in Input) (*BuiltSystem, error) {
	cfg := in.Config
	if !memregion.IsPowerOfTwo(in.SystemCNodeSize) {
		return nil, builderr.Raw(builderr.Resource, "system CNode size %d is not a power of two", in.SystemCNodeSize)
	}
	if in.InvocationTableSize%cfg.MinimumPageSize != 0 {
		return nil, builderr.Raw(builderr.Resource, "invocation table size 0x%x is not page-aligned", in.InvocationTableSize)
	}
	if in.InvocationTableSize > MaxSystemInvocationSize {
		return nil, builderr.Raw(builderr.Resource, "invocation table size 0x%x exceeds the maximum of 0x%x", in.InvocationTableSize, uint64(MaxSystemInvocationSize))
	}

	b := &builder{in: in, cfg: cfg, capNames: map[uint64]string{}}
	b.seedFixedCapNames()
	b.collectVirtualMachines()

	reservedSize, err := b.reservedRegionSize()
	if err != nil {
		return nil, err
	}

	available, err := bootinfo.EmulateKernelBootPartial(cfg, in.KernelELF)
	if err != nil {
		return nil, err
	}

	reservedBase, err := available.AllocateFirstFit(reservedSize)
	if err != nil {
		return nil, builderr.Wrap(builderr.Resource, err, "placing the reserved region")
	}
	reservedRegion := memregion.Region{Base: reservedBase, End: reservedBase + reservedSize}

	initialTaskPhysRegionFromELF := elfPhysRegion(in.MonitorELF, cfg.MinimumPageSize)
	initialTaskSize := initialTaskPhysRegionFromELF.Size()
	initialTaskBase, err := available.AllocateFirstFit(initialTaskSize)
	if err != nil {
		return nil, builderr.Wrap(builderr.Resource, err, "placing the initial task region")
	}
	if reservedBase >= initialTaskBase {
		return nil, builderr.Raw(builderr.Resource, "reserved region at 0x%x must sit below the initial task region at 0x%x", reservedBase, initialTaskBase)
	}
	initialTaskPhysRegion := memregion.Region{Base: initialTaskBase, End: initialTaskBase + initialTaskSize}
	initialTaskVirtRegion := elfVirtRegion(in.MonitorELF, cfg.MinimumPageSize)
	initialTaskVirtRegion = memregion.Region{Base: initialTaskVirtRegion.Base, End: initialTaskVirtRegion.Base + initialTaskSize}

	bootInfo, err := bootinfo.EmulateKernelBoot(cfg, in.KernelELF, initialTaskPhysRegion, initialTaskVirtRegion, reservedRegion)
	if err != nil {
		return nil, err
	}

	for _, ut := range bootInfo.UntypedObjects {
		kind := "Normal"
		if ut.IsDevice {
			kind = "Device"
		}
		b.capNames[ut.Cap] = fmt.Sprintf("Untyped (%s): 0x%x-0x%x", kind, ut.Region.Base, ut.Region.End)
	}

	b.kao = kalloc.NewAllocator(cfg.Arch, cfg.FanOutLimit, bootInfo.UntypedObjects, bootInfo.FirstAvailableCap)
	b.schedControlCap = bootInfo.SchedControlCap
	b.capNames[b.schedControlCap] = "SchedControl"

	if err := b.bootstrapCSpace(); err != nil {
		return nil, err
	}

	invocationTableRegion, err := b.bootstrapInvocationTable(in.InvocationTableSize)
	if err != nil {
		return nil, err
	}

	b.init = newInitSystem(b.rootCNodeCap, b.systemCapAddressMask, b.kao)
	if err := b.init.reserve(invocationTableRegion.End); err != nil {
		return nil, err
	}

	if err := b.layoutELFRegions(reservedRegion.Base + in.InvocationTableSize); err != nil {
		return nil, err
	}

	if err := b.allocateObjects(); err != nil {
		return nil, err
	}
	if err := b.mintCapabilities(); err != nil {
		return nil, err
	}
	if err := b.finalize(); err != nil {
		return nil, err
	}

	// b.kao's invocation log runs continuously across both phases; the
	// bootstrap-phase retypes (root/system CNode, invocation table pages)
	// were already copied into b.bootstrapInvocations as they were issued,
	// so only the object-phase retypes from here on belong in the system
	// invocation stream. The mint/finalize phases append their own
	// invocations (mints, maps, TCB configuration) to systemInvocationTail
	// as they run, strictly after all allocation is done, matching the
	// original's retype-everything-then-mint-everything ordering.
	allSystem := append([]kobject.Invocation{}, b.kao.Invocations()[b.bootstrapRetypeCount:]...)
	allSystem = append(allSystem, b.systemInvocationTail...)

	invocationDataSize := uint64(0)
	for _, inv := range allSystem {
		invocationDataSize += uint64(len(kobject.Encode(inv)))
	}

	for i, inv := range b.bootstrapInvocations {
		logrus.Debugf("bootstrap invocation %d: %s", i, kobject.Describe(inv, b.capNames))
	}
	for i, inv := range allSystem {
		logrus.Debugf("system invocation %d: %s", i, kobject.Describe(inv, b.capNames))
	}
	for _, w := range in.System.Warnings {
		logrus.Warn(w)
	}

	tcbCaps := make([]uint64, len(b.tcbObjects))
	for i, o := range b.tcbObjects {
		tcbCaps[i] = o.CapAddr
	}

	kernelObjects := append([]KernelObject{}, b.init.objects...)

	if err := b.emitMonitorSymbols(bootInfo, allSystem); err != nil {
		return nil, err
	}

	return &BuiltSystem{
		NumberOfSystemCaps:   b.kao.CapSlot() - bootInfo.FirstAvailableCap,
		InvocationDataSize:   invocationDataSize,
		BootstrapInvocations: b.bootstrapInvocations,
		SystemInvocations:    allSystem,
		ReservedRegion:       reservedRegion,
		InitialTaskPhysRegion: initialTaskPhysRegion,
		InitialTaskVirtRegion: initialTaskVirtRegion,
		FaultEPCapAddress:    b.faultEPObject.CapAddr,
		ReplyCapAddress:      b.monitorReplyObject.CapAddr,
		CapLookup:            b.capNames,
		TCBCaps:              tcbCaps,
		Regions:              b.regions,
		KernelObjects:        kernelObjects,
		KernelBootInfo:       bootInfo,
	}, nil
}

// seedFixedCapNames names the handful of cap addresses every system starts
// with, before any object is allocated (spec §4.E step 4 "fixed caps").
func (b *builder) seedFixedCapNames() {
	b.capNames[kobject.CapNull] = "null"
	b.capNames[kobject.CapInitTCB] = "TCB: init"
	b.capNames[kobject.CapInitCNode] = "CNode: init"
	b.capNames[kobject.CapInitVSpace] = "VSpace: init"
	b.capNames[kobject.CapIRQControl] = "IRQControl"
	b.capNames[kobject.CapASIDControl] = "ASIDControl"
	b.capNames[kobject.CapInitASIDPool] = "ASID Pool: init"
}

// collectVirtualMachines flattens every PD's optional VM into one ordered
// list, remembering which PD owns each one for cap-minting and CNode
// placement later.
func (b *builder) collectVirtualMachines() {
	for i, pd := range b.pds() {
		if pd.VM != nil {
			b.vms = append(b.vms, *pd.VM)
			b.vmOwner = append(b.vmOwner, i)
		}
	}
}

// reservedRegionSize sums the invocation table plus every PD's own ELF
// footprint plus every VM's image and device tree, each page-rounded (spec
// §4.G step 1).
func (b *builder) reservedRegionSize() (uint64, error) {
	total := b.in.InvocationTableSize
	for _, pd := range b.pds() {
		f, ok := b.in.PDELFs[pd.Name]
		if !ok {
			return 0, builderr.Raw(builderr.Resource, "no ELF image supplied for protection domain %q", pd.Name)
		}
		for _, seg := range f.Segments {
			total += memregion.RoundUp(uint64(len(seg.Data)), b.cfg.MinimumPageSize)
		}
	}
	for _, vm := range b.vms {
		img, ok := b.in.VMImages[vm.Name]
		if !ok {
			return 0, builderr.Raw(builderr.Resource, "no kernel image supplied for virtual machine %q", vm.Name)
		}
		total += memregion.RoundUp(uint64(len(img)), b.cfg.MinimumPageSize)
		if dtb, ok := b.in.VMDeviceTrees[vm.Name]; ok {
			total += memregion.RoundUp(uint64(len(dtb)), b.cfg.MinimumPageSize)
		}
	}
	return total, nil
}

// bootstrapCSpace builds the monitor's own two-level CSpace before any
// system object exists: a two-slot root CNode and a
// system CNode sized by the caller's current guess, the former holding the
// latter at slot 1 (spec §4.G step 4, mirroring __main__.py's inline
// Sel4UntypedRetype/Sel4CnodeMint/Sel4TcbSetSpace sequence).
func (b *builder) bootstrapCSpace() error {
	cfg := b.cfg
	rootCNodeBits := uint64(1)
	systemCNodeBits := memregion.Msb(b.in.SystemCNodeSize)
	b.systemCNodeBits = uint64(systemCNodeBits)
	b.systemCapAddressMask = uint64(1) << (cfg.CapAddressBits - 1)

	// 1. Retype the 2-slot root CNode straight into a fresh slot of the
	// CNode the kernel already handed the monitor.
	rootAllocs, err := b.kao.AllocateObjects(kobject.CNode, rootCNodeBits, 1, kobject.CapInitCNode, 0, 0)
	if err != nil {
		return err
	}
	b.pullBootstrapRetypes()
	b.rootCNodeCap = rootAllocs[0].CapSlot
	b.capNames[b.rootCNodeCap] = "CNode: root"

	// 2. Mint a self-reference to the init CNode into the root CNode's
	// slot 0, so every fixed cap keeps its original address reachable
	// through the new root.
	selfGuard := uint64(cfg.CapAddressBits) - rootCNodeBits - uint64(cfg.RootCNodeBits)
	b.bootstrapInvocations = append(b.bootstrapInvocations, kobject.NewCNodeMint(
		b.rootCNodeCap, 0, rootCNodeBits,
		kobject.CapInitCNode, kobject.CapInitCNode, uint64(cfg.CapAddressBits),
		kobject.RightsAll, selfGuard,
	))

	// 3. Switch the monitor's own CSpace root to the new root CNode. Its
	// guard is zero: the root CNode's one significant bit is the top bit
	// of every cap address from here on.
	b.bootstrapInvocations = append(b.bootstrapInvocations, &kobject.TCBSetSpace{
		TCB: kobject.CapInitTCB, FaultEP: kobject.CapNull,
		CSpaceRoot: b.rootCNodeCap, CSpaceGuard: 0,
		VSpaceRoot: kobject.CapInitVSpace,
	})

	// 4. Retype the system CNode into a temporary slot of the init CNode
	// (still reachable the same way post-switch, since the init CNode was
	// just mounted at the root's slot 0).
	systemAllocs, err := b.kao.AllocateObjects(kobject.CNode, uint64(systemCNodeBits), 1, kobject.CapInitCNode, 0, 0)
	if err != nil {
		return err
	}
	b.pullBootstrapRetypes()
	systemTempCap := systemAllocs[0].CapSlot
	b.capNames[b.systemCapAddressMask] = "CNode: system"

	// 5. Move it into the root CNode's slot 1, where system_cap_address_mask
	// addresses it directly from then on.
	systemGuard := uint64(cfg.CapAddressBits) - rootCNodeBits - uint64(systemCNodeBits)
	b.bootstrapInvocations = append(b.bootstrapInvocations, kobject.NewCNodeMint(
		b.rootCNodeCap, 1, rootCNodeBits,
		kobject.CapInitCNode, systemTempCap, uint64(cfg.CapAddressBits),
		kobject.RightsAll, systemGuard,
	))

	return nil
}

// pullBootstrapRetypes copies every UntypedRetype kao has appended since the
// last call into b.bootstrapInvocations, keeping the bootstrap stream in
// true execution order even though the retypes themselves live in kao's
// shared invocation log alongside every later system-phase retype.
func (b *builder) pullBootstrapRetypes() {
	all := b.kao.Invocations()
	b.bootstrapInvocations = append(b.bootstrapInvocations, all[b.bootstrapRetypeCount:]...)
	b.bootstrapRetypeCount = len(all)
}

// bootstrapInvocationTable retypes small pages (and the page tables that
// back them) to hold the invocation table itself, maps them into the
// monitor's VSpace at a fixed virtual address, and returns the physical
// region they occupy so it can be handed to initSystem.reserve (spec §4.G
// step 3).
func (b *builder) bootstrapInvocationTable(size uint64) (memregion.Region, error) {
	const invocationTableVaddr = 0x8000_0000

	pageCount := size / b.cfg.MinimumPageSize
	pageAllocs, err := b.kao.AllocateObjects(kobject.SmallPage, 0, int(pageCount), b.rootCNodeCap, 1, 1)
	if err != nil {
		return memregion.Region{}, err
	}
	b.pullBootstrapRetypes()
	for i := range pageAllocs {
		b.capNames[b.systemCapAddressMask|uint64(i)] = "SmallPage: monitor invocation table"
	}

	ptCount := memregion.RoundUp(size, largePageSize) / largePageSize
	ptAllocs, err := b.kao.AllocateObjects(kobject.PageTable, 0, int(ptCount), b.rootCNodeCap, 1, 1)
	if err != nil {
		return memregion.Region{}, err
	}
	b.pullBootstrapRetypes()
	for i, pt := range ptAllocs {
		vaddr := uint64(invocationTableVaddr) + uint64(i)*largePageSize
		b.bootstrapInvocations = append(b.bootstrapInvocations, kobject.NewPageTableMap(
			kobject.PageTable, b.systemCapAddressMask|pt.CapSlot, kobject.CapInitVSpace, vaddr, b.cfg.PageMapAttributes(true, false),
		))
	}

	attrs := b.cfg.PageMapAttributes(true, false)
	for i, page := range pageAllocs {
		vaddr := uint64(invocationTableVaddr) + uint64(i)*b.cfg.MinimumPageSize
		b.bootstrapInvocations = append(b.bootstrapInvocations, kobject.NewPageMap(
			b.systemCapAddressMask|page.CapSlot, kobject.CapInitVSpace, vaddr, kobject.RightsRead|kobject.RightsWrite, attrs,
		))
	}

	base := pageAllocs[0].PhysAddr
	return memregion.Region{Base: base, End: base + size}, nil
}

// layoutELFRegions synthesizes the per-PD and per-VM regions the loader
// must place at fixed physical addresses: each PD's own ELF segments become
// one extra map apiece, sequentially placed starting right after the
// invocation table (spec §4.G step 6, mirroring pd_elf_files/pd_extra_maps).
func (b *builder) layoutELFRegions(nextPhysAddr uint64) error {
	pds := b.pds()
	b.pdExtraMaps = make([][]sysxml.Map, len(pds))
	b.pdIPCBufferVaddr = make([]uint64, len(pds))
	b.allMRs = make(map[string]*sysxml.MemoryRegion, len(b.in.System.MemoryRegions))
	for name, mr := range b.in.System.MRByName {
		b.allMRs[name] = mr
	}

	for i, pd := range pds {
		f := b.in.PDELFs[pd.Name]
		sym, err := f.FindSymbol("__sel4_ipc_buffer_obj")
		if err != nil {
			return builderr.Wrap(builderr.Symbol, err, "protection domain %q", pd.Name)
		}
		b.pdIPCBufferVaddr[i] = sym.Value

		segs := append([]*elfmodel.Segment{}, f.Segments...)
		sort.Slice(segs, func(a, c int) bool { return segs[a].Vaddr < segs[c].Vaddr })
		for si, seg := range segs {
			size := memregion.RoundUp(uint64(len(seg.Data)), b.cfg.MinimumPageSize)
			name := fmt.Sprintf("PD=%s segment %d", pd.Name, si)
			b.regions = append(b.regions, Region{Name: name, Addr: nextPhysAddr, Data: seg.Data})
			b.pdExtraMaps[i] = append(b.pdExtraMaps[i], sysxml.Map{
				MR:     name,
				Vaddr:  memregion.RoundDown(seg.Vaddr, b.cfg.MinimumPageSize),
				Perms:  segPerms(seg.Flags),
				Cached: true,
			})
			physAddr := nextPhysAddr
			b.allMRs[name] = &sysxml.MemoryRegion{
				Name: name, Size: size, PageSize: b.cfg.MinimumPageSize,
				PageCount: size / b.cfg.MinimumPageSize, PhysAddr: &physAddr,
			}
			nextPhysAddr += size
		}
	}

	for _, vm := range b.vms {
		img := b.in.VMImages[vm.Name]
		size := memregion.RoundUp(uint64(len(img)), b.cfg.MinimumPageSize)
		b.regions = append(b.regions, Region{Name: fmt.Sprintf("VM=%s image", vm.Name), Addr: nextPhysAddr, Data: img})
		nextPhysAddr += size
		if dtb, ok := b.in.VMDeviceTrees[vm.Name]; ok {
			dtbSize := memregion.RoundUp(uint64(len(dtb)), b.cfg.MinimumPageSize)
			b.regions = append(b.regions, Region{Name: fmt.Sprintf("VM=%s device tree", vm.Name), Addr: nextPhysAddr, Data: dtb})
			nextPhysAddr += dtbSize
		}
	}
	return nil
}

// segPerms derives the rwx permission string an ELF program-header flags
// word implies, matching the subset sysxml.Map.Perms already uses for maps
// declared directly in the system description.
func segPerms(flags uint32) string {
	const (
		pfX = 1
		pfW = 2
		pfR = 4
	)
	s := ""
	if flags&pfR != 0 {
		s += "r"
	}
	if flags&pfW != 0 {
		s += "w"
	}
	if flags&pfX != 0 {
		s += "x"
	}
	return s
}

// mapRights translates a sysxml.Map permission string to the SEL4 rights
// bitmask a PageMap invocation's Rights argument expects.
func mapRights(perms string) uint64 {
	var rights uint64
	for _, c := range perms {
		switch c {
		case 'r':
			rights |= kobject.RightsRead
		case 'w':
			rights |= kobject.RightsWrite
		}
	}
	return rights
}

func mapExecutable(perms string) bool {
	for _, c := range perms {
		if c == 'x' {
			return true
		}
	}
	return false
}

func triggerValue(trigger string) uint64 {
	if trigger == "edge" {
		return 1
	}
	return 0
}
