package sysbuild

import (
	"encoding/binary"

	"sysbuilder/internal/engine"
	"sysbuilder/internal/kobject"
)

// defaultStackTop is the virtual address handed to a PD as its initial
// stack pointer when its own ELF declares no _stack_top symbol.
const defaultStackTop = 0x8000000

// finalize maps every VSpace structure and page, installs each TCB's
// CSpace/VSpace/IPC buffer/scheduling parameters, writes its initial
// register set, and patches the fixed symbols every PD ELF declares, then
// resumes every PD and VM (spec §4.G step 13 "Finalization").
func (b *builder) finalize() error {
	if err := b.mapVSpaceStructures(); err != nil {
		return err
	}
	if err := b.mapPages(); err != nil {
		return err
	}
	if err := b.configureTCBs(); err != nil {
		return err
	}
	return b.patchELFSymbols()
}

// mapVSpaceStructures maps every allocated upper-directory/directory/page-
// table object into its owning entity's VSpace root at the vaddr it was
// planned for (spec §4.G step 13 "VSpace structures"). Every level maps
// directly against the VSpace root; the kernel walks whatever already
// exists there to place it.
func (b *builder) mapVSpaceStructures() error {
	attrs := b.cfg.PageMapAttributes(true, false)
	vspaceFor := func(entityIdx int) uint64 { return b.vspaceObjects[entityIdx].CapAddr }

	for _, e := range b.udObjects {
		b.systemInvocationTail = append(b.systemInvocationTail, kobject.NewPageTableMap(
			kobject.PageUpperDirectory, e.obj.CapAddr, vspaceFor(e.entityIdx), e.vaddr, attrs,
		))
	}
	for _, e := range b.dObjects {
		b.systemInvocationTail = append(b.systemInvocationTail, kobject.NewPageTableMap(
			kobject.PageDirectory, e.obj.CapAddr, vspaceFor(e.entityIdx), e.vaddr, attrs,
		))
	}
	for _, e := range b.ptObjects {
		b.systemInvocationTail = append(b.systemInvocationTail, kobject.NewPageTableMap(
			kobject.PageTable, e.obj.CapAddr, vspaceFor(e.entityIdx), e.vaddr, attrs,
		))
	}
	return nil
}

// mapPages maps every PD's declared and synthesized-ELF-segment pages into
// its own VSpace at their declared vaddrs, plus its IPC buffer page (spec
// §4.G step 13 "Pages").
func (b *builder) mapPages() error {
	for i := range b.pds() {
		vspace := b.vspaceObjects[i].CapAddr
		for _, m := range b.entityMaps(i) {
			pages := b.mrPages[m.MR]
			rights := mapRights(m.Perms)
			attrs := b.cfg.PageMapAttributes(m.Cached, mapExecutable(m.Perms))
			vaddr := m.Vaddr
			for _, page := range pages {
				b.systemInvocationTail = append(b.systemInvocationTail, kobject.NewPageMap(
					page.CapAddr, vspace, vaddr, rights, attrs,
				))
				vaddr += b.cfg.MinimumPageSize
			}
		}

		ipcAttrs := b.cfg.PageMapAttributes(true, false)
		b.systemInvocationTail = append(b.systemInvocationTail, kobject.NewPageMap(
			b.ipcBufferPages[i].CapAddr, vspace, b.pdIPCBufferVaddr[i],
			kobject.RightsRead|kobject.RightsWrite, ipcAttrs,
		))
	}
	return nil
}

// configureTCBs installs scheduling parameters, CSpace/VSpace roots, the
// IPC buffer, and the initial register set for every PD's TCB, binds its
// own notification, and resumes it; a virtual machine's TCB gets
// scheduling parameters, CSpace/VSpace roots and a VCPU binding before it
// is resumed, but no IPC buffer, register set or notification binding
// (spec §4.G step 13 "TCB configuration").
func (b *builder) configureTCBs() error {
	pds := b.pds()
	for i, pd := range pds {
		tcb := b.tcbObjects[i].CapAddr
		sc := b.schedContextObjects[i].CapAddr

		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.SchedControlConfigureFlags{
			SchedControl: b.schedControlCap, SchedContext: sc,
			Budget: pd.Budget, Period: pd.Period,
		})
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBSetSchedParams{
			TCB: tcb, Authority: kobject.CapInitTCB, MCP: pd.Priority, Priority: pd.Priority,
			SchedContext: sc, FaultEP: b.pdFaultEPCapAddr[i],
		})

		guard := b.cfg.CapAddressBits - PDCapBits
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBSetSpace{
			TCB: tcb, FaultEP: b.pdFaultEPCapAddr[i],
			CSpaceRoot: b.cnodeObjects[i].CapAddr, CSpaceGuard: uint64(guard),
			VSpaceRoot: b.vspaceObjects[i].CapAddr,
		})
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBSetIPCBuffer{
			TCB: tcb, BufferVA: b.pdIPCBufferVaddr[i], BufferCap: b.ipcBufferPages[i].CapAddr,
		})

		f := b.in.PDELFs[pd.Name]
		sp := uint64(defaultStackTop)
		if sym, ok := f.FindSymbolIfExists("_stack_top"); ok {
			sp = sym.Value
		}
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBWriteRegisters{
			TCB: tcb, Resume: false, Regs: b.initialRegs(f.Entry, sp),
		})

		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBBindNotification{
			TCB: tcb, Notification: b.notificationObjects[i].CapAddr,
		})
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBResume{TCB: tcb})
	}

	for vi := range b.vms {
		idx := len(pds) + vi
		tcb := b.tcbObjects[idx].CapAddr
		sc := b.schedContextObjects[idx].CapAddr

		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.SchedControlConfigureFlags{
			SchedControl: b.schedControlCap, SchedContext: sc,
			Budget: 1000, Period: 1000,
		})
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBSetSchedParams{
			TCB: tcb, Authority: kobject.CapInitTCB, MCP: 1, Priority: 1,
			SchedContext: sc, FaultEP: b.vmFaultEPCapAddr[vi],
		})

		guard := b.cfg.CapAddressBits - PDCapBits
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBSetSpace{
			TCB: tcb, FaultEP: b.vmFaultEPCapAddr[vi],
			CSpaceRoot: b.cnodeObjects[idx].CapAddr, CSpaceGuard: uint64(guard),
			VSpaceRoot: b.vspaceObjects[idx].CapAddr,
		})
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.VCPUSetTcb{
			VCPU: b.vcpuObjects[vi].CapAddr, TCB: tcb,
		})
		b.systemInvocationTail = append(b.systemInvocationTail, &kobject.TCBResume{TCB: tcb})
	}
	return nil
}

// initialRegs builds the architecture-appropriate initial register vector:
// program counter at entry, stack pointer at sp, everything else zero.
func (b *builder) initialRegs(entry, sp uint64) []uint64 {
	switch b.cfg.Arch {
	case engine.AArch64:
		return kobject.ARM64Regs{PC: entry, SP: sp}.Words()
	case engine.RISCV64:
		return kobject.RISCV64Regs{PC: entry, SP: sp}.Words()
	case engine.X86_64:
		return kobject.X86_64Regs{RIP: entry, RSP: sp}.Words()
	default:
		panic("sysbuild: initialRegs on unknown arch")
	}
}

// patchELFSymbols writes each PD's packed name into its sel4cp_name symbol
// (if declared) and resolves every <setvar> against either a named memory
// region's physical address or a literal virtual address (spec §3 SetVar).
func (b *builder) patchELFSymbols() error {
	for _, pd := range b.pds() {
		f := b.in.PDELFs[pd.Name]

		if _, ok := f.FindSymbolIfExists("sel4cp_name"); ok {
			buf := make([]byte, 16)
			copy(buf, pd.Name)
			if err := f.WriteSymbol("sel4cp_name", buf); err != nil {
				return err
			}
		}

		for _, sv := range pd.SetVars {
			var value uint64
			if sv.Vaddr != nil {
				value = *sv.Vaddr
			} else if pages := b.mrPages[sv.RegionPaddr]; len(pages) > 0 {
				value = pages[0].PhysAddr
			}
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, value)
			if err := f.WriteSymbol(sv.Symbol, buf); err != nil {
				return err
			}
		}
	}
	return nil
}
