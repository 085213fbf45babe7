package sysbuild

import (
	"fmt"
	"sort"

	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
	"sysbuilder/internal/sysxml"
)

// allocateObjects walks every kind of kernel object the system description
// and its virtual machines require and retypes them through b.init: fixed
// pages before non-fixed, small pages before large, then IPC buffer pages,
// TCBs, VCPUs, scheduling contexts, endpoints, replies, and notifications,
// in that order. This diverges from the original builder's own kind order
// (it allocates non-fixed pages before fixed, large before small, IPC
// buffer pages as the leading small pages rather than a separate call, and
// replies before endpoints) but is internally consistent end to end (spec
// §4.G step 12 "Object allocation").
func (b *builder) allocateObjects() error {
	pds := b.pds()
	entities := len(pds) + len(b.vms)

	if err := b.allocatePages(); err != nil {
		return err
	}

	ipcNames := make([]string, len(pds))
	for i, pd := range pds {
		ipcNames[i] = fmt.Sprintf("Page(IPC Buffer): PD=%s", pd.Name)
	}
	ipcPages, err := b.init.allocateObjects(kobject.SmallPage, ipcNames, 0)
	if err != nil {
		return err
	}
	b.ipcBufferPages = ipcPages

	tcbNames := make([]string, 0, entities)
	for _, pd := range pds {
		tcbNames = append(tcbNames, fmt.Sprintf("TCB: PD=%s", pd.Name))
	}
	for _, vm := range b.vms {
		tcbNames = append(tcbNames, fmt.Sprintf("TCB: VM=%s", vm.Name))
	}
	tcbs, err := b.init.allocateObjects(kobject.TCB, tcbNames, 0)
	if err != nil {
		return err
	}
	b.tcbObjects = tcbs

	if len(b.vms) > 0 {
		vcpuNames := make([]string, len(b.vms))
		for i, vm := range b.vms {
			vcpuNames[i] = fmt.Sprintf("VCPU: VM=%s", vm.Name)
		}
		vcpus, err := b.init.allocateObjects(kobject.VCPU, vcpuNames, 0)
		if err != nil {
			return err
		}
		b.vcpuObjects = vcpus
	}

	scNames := make([]string, 0, entities)
	for _, pd := range pds {
		scNames = append(scNames, fmt.Sprintf("SchedContext: PD=%s", pd.Name))
	}
	for _, vm := range b.vms {
		scNames = append(scNames, fmt.Sprintf("SchedContext: VM=%s", vm.Name))
	}
	scs, err := b.init.allocateObjects(kobject.SchedContext, scNames, PDSchedContextSize)
	if err != nil {
		return err
	}
	b.schedContextObjects = scs

	epNames := []string{"EP: Monitor Fault"}
	for i, pd := range pds {
		if b.needsEP(i) {
			epNames = append(epNames, fmt.Sprintf("EP: PD=%s", pd.Name))
		}
	}
	eps, err := b.init.allocateObjects(kobject.Endpoint, epNames, 0)
	if err != nil {
		return err
	}
	b.faultEPObject = eps[0]
	b.pdEndpointObjects = map[int]KernelObject{}
	epIdx := 1
	for i := range pds {
		if b.needsEP(i) {
			b.pdEndpointObjects[i] = eps[epIdx]
			epIdx++
		}
	}

	replyNames := []string{"Reply: Monitor"}
	for _, pd := range pds {
		replyNames = append(replyNames, fmt.Sprintf("Reply: PD=%s", pd.Name))
	}
	replies, err := b.init.allocateObjects(kobject.Reply, replyNames, 0)
	if err != nil {
		return err
	}
	b.monitorReplyObject = replies[0]
	b.pdReplyObjects = replies[1:]

	notifNames := make([]string, len(pds))
	for i, pd := range pds {
		notifNames[i] = fmt.Sprintf("Notification: PD=%s", pd.Name)
	}
	notifs, err := b.init.allocateObjects(kobject.Notification, notifNames, 0)
	if err != nil {
		return err
	}
	b.notificationObjects = notifs

	if err := b.allocateVSpaceObjects(); err != nil {
		return err
	}
	return b.allocateIRQHandlers()
}

// entityMaps returns the page-granularity maps one PD's own address space
// contains: its declared maps plus its own synthesized ELF-segment maps.
// Virtual machines are not modelled at page granularity; their VSpace
// structure is limited to what finalize.go maps directly.
func (b *builder) entityMaps(idx int) []sysxml.Map {
	pds := b.pds()
	if idx >= len(pds) {
		return nil
	}
	maps := append([]sysxml.Map{}, pds[idx].Maps...)
	maps = append(maps, b.pdExtraMaps[idx]...)
	return maps
}

// allocatePages retypes one page object for every page of every memory
// region this build actually maps somewhere, in ascending physical-address
// order for the fixed ones (spec §4.G step 11 "Pages").
func (b *builder) allocatePages() error {
	b.mrPages = map[string][]KernelObject{}

	referenced := map[string]bool{}
	for i := range b.pds() {
		for _, m := range b.entityMaps(i) {
			referenced[m.MR] = true
		}
	}

	type fixedPage struct {
		physAddr uint64
		mr       string
		pageSize uint64
	}
	var fixed []fixedPage
	var nonFixedSmall, nonFixedLarge []string

	names := make([]string, 0, len(referenced))
	for name := range referenced {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mr := b.allMRs[name]
		if mr == nil {
			continue
		}
		if mr.PhysAddr != nil {
			addr := *mr.PhysAddr
			for i := uint64(0); i < mr.PageCount; i++ {
				fixed = append(fixed, fixedPage{physAddr: addr, mr: name, pageSize: mr.PageSize})
				addr += mr.PageSize
			}
			continue
		}
		for i := uint64(0); i < mr.PageCount; i++ {
			if mr.PageSize == largePageSize {
				nonFixedLarge = append(nonFixedLarge, name)
			} else {
				nonFixedSmall = append(nonFixedSmall, name)
			}
		}
	}

	sort.Slice(fixed, func(i, j int) bool { return fixed[i].physAddr < fixed[j].physAddr })
	for _, fp := range fixed {
		ot := kobject.SmallPage
		if fp.pageSize == largePageSize {
			ot = kobject.LargePage
		}
		name := fmt.Sprintf("Page(0x%x): MR=%s @ 0x%x", fp.pageSize, fp.mr, fp.physAddr)
		obj, err := b.init.allocateFixedObjects(fp.physAddr, ot, name)
		if err != nil {
			return err
		}
		b.mrPages[fp.mr] = append(b.mrPages[fp.mr], obj)
	}

	if len(nonFixedSmall) > 0 {
		objNames := make([]string, len(nonFixedSmall))
		for i, n := range nonFixedSmall {
			objNames[i] = fmt.Sprintf("Page(0x%x): MR=%s", b.cfg.MinimumPageSize, n)
		}
		objs, err := b.init.allocateObjects(kobject.SmallPage, objNames, 0)
		if err != nil {
			return err
		}
		for i, n := range nonFixedSmall {
			b.mrPages[n] = append(b.mrPages[n], objs[i])
		}
	}
	if len(nonFixedLarge) > 0 {
		objNames := make([]string, len(nonFixedLarge))
		for i, n := range nonFixedLarge {
			objNames[i] = fmt.Sprintf("Page(0x%x): MR=%s", uint64(largePageSize), n)
		}
		objs, err := b.init.allocateObjects(kobject.LargePage, objNames, 0)
		if err != nil {
			return err
		}
		for i, n := range nonFixedLarge {
			b.mrPages[n] = append(b.mrPages[n], objs[i])
		}
	}
	return nil
}

// entityName returns a display label for the idx'th entry of the combined
// PD-then-VM entity list.
func (b *builder) entityName(idx int) string {
	pds := b.pds()
	if idx < len(pds) {
		return "PD=" + pds[idx].Name
	}
	return "VM=" + b.vms[idx-len(pds)].Name
}

// allocateVSpaceObjects computes the upper-directory/directory/page-table
// working set every PD's mapped vaddrs (and IPC buffer) imply, then
// allocates the VSpace, paging structure, and CNode objects (spec §4.G step
// 12 "VSpace structures"). Virtual machines get a VSpace and CNode of their
// own but their guest address space isn't modelled at page granularity
// here, so they contribute no paging-structure entries of their own.
func (b *builder) allocateVSpaceObjects() error {
	pds := b.pds()
	fourLevels := b.cfg.PageTableLevels() == 4

	var udVaddrs, dVaddrs, ptVaddrs []udEntry
	for i := range pds {
		udSeen := map[uint64]bool{}
		dSeen := map[uint64]bool{}
		ptSeen := map[uint64]bool{}

		var vaddrs, sizes []uint64
		vaddrs = append(vaddrs, b.pdIPCBufferVaddr[i])
		sizes = append(sizes, b.cfg.MinimumPageSize)

		for _, m := range b.entityMaps(i) {
			mr := b.allMRs[m.MR]
			if mr == nil {
				continue
			}
			vaddr := m.Vaddr
			for p := uint64(0); p < mr.PageCount; p++ {
				vaddrs = append(vaddrs, vaddr)
				sizes = append(sizes, mr.PageSize)
				vaddr += mr.PageSize
			}
		}

		for idx, vaddr := range vaddrs {
			ud := memregion.MaskBits(vaddr, 12+9+9+9)
			d := memregion.MaskBits(vaddr, 12+9+9)
			if fourLevels && !udSeen[ud] {
				udSeen[ud] = true
				udVaddrs = append(udVaddrs, udEntry{entityIdx: i, vaddr: ud})
			}
			if !dSeen[d] {
				dSeen[d] = true
				dVaddrs = append(dVaddrs, udEntry{entityIdx: i, vaddr: d})
			}
			if sizes[idx] == b.cfg.MinimumPageSize {
				pt := memregion.MaskBits(vaddr, 12+9)
				if !ptSeen[pt] {
					ptSeen[pt] = true
					ptVaddrs = append(ptVaddrs, udEntry{entityIdx: i, vaddr: pt})
				}
			}
		}
	}

	vspaceNames := make([]string, 0, len(pds)+len(b.vms))
	for _, pd := range pds {
		vspaceNames = append(vspaceNames, fmt.Sprintf("VSpace: PD=%s", pd.Name))
	}
	for _, vm := range b.vms {
		vspaceNames = append(vspaceNames, fmt.Sprintf("VSpace: VM=%s", vm.Name))
	}
	vspaces, err := b.init.allocateObjects(kobject.VSpace, vspaceNames, 0)
	if err != nil {
		return err
	}
	b.vspaceObjects = vspaces

	if fourLevels {
		udNames := make([]string, len(udVaddrs))
		for i, e := range udVaddrs {
			udNames[i] = fmt.Sprintf("PageUpperDirectory: %s VADDR=0x%x", b.entityName(e.entityIdx), e.vaddr)
		}
		udObjs, err := b.init.allocateObjects(kobject.PageUpperDirectory, udNames, 0)
		if err != nil {
			return err
		}
		for i := range udVaddrs {
			udVaddrs[i].obj = udObjs[i]
		}
		b.udObjects = udVaddrs
	}

	dNames := make([]string, len(dVaddrs))
	for i, e := range dVaddrs {
		dNames[i] = fmt.Sprintf("PageDirectory: %s VADDR=0x%x", b.entityName(e.entityIdx), e.vaddr)
	}
	dObjs, err := b.init.allocateObjects(kobject.PageDirectory, dNames, 0)
	if err != nil {
		return err
	}
	for i := range dVaddrs {
		dVaddrs[i].obj = dObjs[i]
	}
	b.dObjects = dVaddrs

	ptNames := make([]string, len(ptVaddrs))
	for i, e := range ptVaddrs {
		ptNames[i] = fmt.Sprintf("PageTable: %s VADDR=0x%x", b.entityName(e.entityIdx), e.vaddr)
	}
	ptObjs, err := b.init.allocateObjects(kobject.PageTable, ptNames, 0)
	if err != nil {
		return err
	}
	for i := range ptVaddrs {
		ptVaddrs[i].obj = ptObjs[i]
	}
	b.ptObjects = ptVaddrs

	cnodeNames := make([]string, 0, len(pds)+len(b.vms))
	for _, pd := range pds {
		cnodeNames = append(cnodeNames, fmt.Sprintf("CNode: PD=%s", pd.Name))
	}
	for _, vm := range b.vms {
		cnodeNames = append(cnodeNames, fmt.Sprintf("CNode: VM=%s", vm.Name))
	}
	cnodes, err := b.init.allocateObjects(kobject.CNode, cnodeNames, PDCapSize)
	if err != nil {
		return err
	}
	b.cnodeObjects = cnodes
	return nil
}

// allocateIRQHandlers creates one IRQ handler capability per <irq> element,
// in PD order. Handler creation issues its own invocation directly rather
// than retyping an untyped, so the result is appended to
// systemInvocationTail and its cap slot is taken straight off the shared
// allocator cursor.
func (b *builder) allocateIRQHandlers() error {
	b.irqHandlerObjects = map[int][]KernelObject{}
	for i, pd := range b.pds() {
		for _, irq := range pd.IRQs {
			slot := b.kao.ReserveCapSlot()
			capAddr := b.systemCapAddressMask | slot
			name := fmt.Sprintf("IRQ Handler: irq=%d PD=%s", irq.IRQ, pd.Name)
			b.capNames[capAddr] = name
			b.systemInvocationTail = append(b.systemInvocationTail, &kobject.IRQIssueIRQHandlerTrigger{
				IRQControl: kobject.CapIRQControl,
				IRQ:        irq.IRQ,
				Trigger:    triggerValue(irq.Trigger),
				DestRoot:   b.systemCapAddressMask,
				DestIndex:  slot,
				DestDepth:  b.systemCNodeBits,
			})
			b.irqHandlerObjects[i] = append(b.irqHandlerObjects[i], KernelObject{
				Type: kobject.IRQHandler, CapSlot: slot, CapAddr: capAddr, Name: name,
			})
		}
	}
	return nil
}
