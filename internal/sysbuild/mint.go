package sysbuild

import (
	"fmt"

	"sysbuilder/internal/kobject"
)

// mintCapabilities derives every capability a protection domain or virtual
// machine needs in its own CNode (or, for badged fault endpoints, in a
// fresh system CNode slot) from the objects objects.go already retyped
// (spec §4.G step 13 "Capability minting").
func (b *builder) mintCapabilities() error {
	if err := b.mintFaultEndpoints(); err != nil {
		return err
	}
	if err := b.mintPDInputCaps(); err != nil {
		return err
	}
	if err := b.mintPDStructuralCaps(); err != nil {
		return err
	}
	if err := b.mintIRQCaps(); err != nil {
		return err
	}
	if err := b.mintChildTCBCaps(); err != nil {
		return err
	}
	if err := b.mintChannelCaps(); err != nil {
		return err
	}
	return b.mintASIDs()
}

// mintIntoPD mints a badged copy of a system-CNode-resident object (named
// by its slot there) into a protection domain's or virtual machine's own
// CNode at destIndex.
func (b *builder) mintIntoPD(pdCNodeAddr, destIndex, srcSlot, rights, badge uint64) {
	b.systemInvocationTail = append(b.systemInvocationTail, kobject.NewCNodeMint(
		pdCNodeAddr, destIndex, PDCapBits,
		b.systemCapAddressMask, srcSlot, b.systemCNodeBits,
		rights, badge,
	))
}

// mintIntoSystem mints a badged copy of a system-CNode-resident object into
// a freshly reserved slot of the system CNode itself, returning the new
// cap's address. Used for objects that need a distinct badge per user but
// no natural home in any one PD's own CNode (the shared monitor fault
// endpoint, badged once per PD/VM).
func (b *builder) mintIntoSystem(srcSlot, rights, badge uint64, name string) uint64 {
	slot := b.kao.ReserveCapSlot()
	capAddr := b.systemCapAddressMask | slot
	b.capNames[capAddr] = name
	b.systemInvocationTail = append(b.systemInvocationTail, kobject.NewCNodeMint(
		b.systemCapAddressMask, slot, b.systemCNodeBits,
		b.systemCapAddressMask, srcSlot, b.systemCNodeBits,
		rights, badge,
	))
	return capAddr
}

// mintFaultEndpoints gives every PD and VM its own badged capability to the
// monitor's single shared fault endpoint, so an unhandled fault tells the
// monitor who raised it (spec §4.G step 13 "Fault routing").
func (b *builder) mintFaultEndpoints() error {
	pds := b.pds()
	b.pdFaultEPCapAddr = make([]uint64, len(pds))
	for i, pd := range pds {
		var badge uint64
		switch {
		case pd.Parent < 0:
			badge = uint64(i)
		case pd.PDID != nil:
			badge = (uint64(1) << 62) | *pd.PDID
		default:
			badge = (uint64(1) << 62) | uint64(i)
		}
		name := fmt.Sprintf("Endpoint (Badged): Fault PD=%s", pd.Name)
		b.pdFaultEPCapAddr[i] = b.mintIntoSystem(b.faultEPObject.CapSlot, kobject.RightsAll, badge, name)
	}

	b.vmFaultEPCapAddr = make([]uint64, len(b.vms))
	for i, vm := range b.vms {
		badge := (uint64(1) << 62) | vm.ID
		name := fmt.Sprintf("Endpoint (Badged): Fault VM=%s", vm.Name)
		b.vmFaultEPCapAddr[i] = b.mintIntoSystem(b.faultEPObject.CapSlot, kobject.RightsAll, badge, name)
	}
	return nil
}

// mintPDInputCaps installs each PD's own input object — its endpoint if it
// needs one (spec §4.G "needs_ep"), otherwise its plain notification — at
// the fixed InputCapIdx slot every PD's CNode reserves for it.
func (b *builder) mintPDInputCaps() error {
	for i := range b.pds() {
		cnodeAddr := b.cnodeObjects[i].CapAddr
		if b.needsEP(i) {
			b.mintIntoPD(cnodeAddr, InputCapIdx, b.pdEndpointObjects[i].CapSlot, kobject.RightsAll, 0)
		} else {
			b.mintIntoPD(cnodeAddr, InputCapIdx, b.notificationObjects[i].CapSlot, kobject.RightsAll, 0)
		}
	}
	return nil
}

// mintPDStructuralCaps installs every PD's own VSpace and reply caps at
// their fixed CNode slots, as one repeated mint apiece since both the
// destination CNodes and the source objects were retyped as one
// consecutive run (spec §4.G step 13 "VSpace and reply caps").
func (b *builder) mintPDStructuralCaps() error {
	pds := b.pds()
	if len(pds) == 0 {
		return nil
	}

	vspaceMint := kobject.NewCNodeMint(
		b.cnodeObjects[0].CapAddr, VSpaceCapIdx, PDCapBits,
		b.systemCapAddressMask, b.vspaceObjects[0].CapSlot, b.systemCNodeBits,
		kobject.RightsAll, 0,
	)
	vspaceMint.Repeat(len(pds), map[string]uint64{"dest_root": 1, "src_index": 1})
	b.systemInvocationTail = append(b.systemInvocationTail, vspaceMint)

	replyMint := kobject.NewCNodeMint(
		b.cnodeObjects[0].CapAddr, ReplyCapIdx, PDCapBits,
		b.systemCapAddressMask, b.pdReplyObjects[0].CapSlot, b.systemCNodeBits,
		kobject.RightsAll, 0,
	)
	replyMint.Repeat(len(pds), map[string]uint64{"dest_root": 1, "src_index": 1})
	b.systemInvocationTail = append(b.systemInvocationTail, replyMint)

	return nil
}

// mintIRQCaps installs each PD's own IRQ handler caps at BaseIRQCap+irq.ID
// and ties each handler to a notification badged 1<<irq.ID, minted fresh
// into the system CNode from that PD's own notification object — the
// badge bit is how a PD's notified() tells which IRQ fired, so the
// handler can never be bound to the PD's plain, unbadged notification cap
// (spec §4.G step 13 "IRQ routing").
func (b *builder) mintIRQCaps() error {
	for i, pd := range b.pds() {
		cnodeAddr := b.cnodeObjects[i].CapAddr
		handlers := b.irqHandlerObjects[i]
		for hi, irq := range pd.IRQs {
			h := handlers[hi]
			b.mintIntoPD(cnodeAddr, BaseIRQCap+irq.ID, h.CapSlot, kobject.RightsAll, 0)
			name := fmt.Sprintf("Notification (Badged): IRQ PD=%s id=%d", pd.Name, irq.ID)
			badged := b.mintIntoSystem(b.notificationObjects[i].CapSlot, kobject.RightsAll, uint64(1)<<irq.ID, name)
			b.systemInvocationTail = append(b.systemInvocationTail, &kobject.IRQHandlerSetNotification{
				IRQHandler:   h.CapAddr,
				Notification: badged,
			})
		}
	}
	return nil
}

// mintChildTCBCaps installs a child PD's TCB cap into its parent's own
// CNode, and a VM's TCB cap into its owning PD's own CNode, both at
// BaseTCBCap+id, so the parent can suspend/resume/debug it directly (spec
// §4.G step 13 "Child TCB caps").
func (b *builder) mintChildTCBCaps() error {
	pds := b.pds()
	for i, pd := range pds {
		if pd.Parent < 0 {
			continue
		}
		id := uint64(i)
		if pd.PDID != nil {
			id = *pd.PDID
		}
		parentCNode := b.cnodeObjects[pd.Parent].CapAddr
		b.mintIntoPD(parentCNode, BaseTCBCap+id, b.tcbObjects[i].CapSlot, kobject.RightsAll, 0)
	}
	for vi, vm := range b.vms {
		owner := b.vmOwner[vi]
		ownerCNode := b.cnodeObjects[owner].CapAddr
		tcbSlot := b.tcbObjects[len(pds)+vi].CapSlot
		b.mintIntoPD(ownerCNode, BaseTCBCap+vm.ID, tcbSlot, kobject.RightsAll, 0)
	}
	return nil
}

// mintChannelCaps installs, for every channel between two PDs, a badged
// notification cap each way and — for whichever side declared itself a
// protected-procedure server — a badged endpoint cap the other side can
// call (spec §3 Channel, §4.G step 13 "Channel caps").
func (b *builder) mintChannelCaps() error {
	pds := b.pds()
	for _, ch := range b.in.System.Channels {
		ai, aok := b.in.System.PDByName[ch.PDA]
		bi, bok := b.in.System.PDByName[ch.PDB]
		if !aok || !bok {
			continue
		}
		aCNode := b.cnodeObjects[ai].CapAddr
		bCNode := b.cnodeObjects[bi].CapAddr

		b.mintIntoPD(aCNode, BaseOutputNotificationCap+ch.IDA, b.notificationObjects[bi].CapSlot, kobject.RightsAll, uint64(1)<<ch.IDB)
		b.mintIntoPD(bCNode, BaseOutputNotificationCap+ch.IDB, b.notificationObjects[ai].CapSlot, kobject.RightsAll, uint64(1)<<ch.IDA)

		if pds[ai].PP {
			if ep, ok := b.pdEndpointObjects[ai]; ok {
				b.mintIntoPD(bCNode, BaseOutputEndpointCap+ch.IDB, ep.CapSlot, kobject.RightsAll, (uint64(1)<<63)|ch.IDA)
			}
		}
		if pds[bi].PP {
			if ep, ok := b.pdEndpointObjects[bi]; ok {
				b.mintIntoPD(aCNode, BaseOutputEndpointCap+ch.IDA, ep.CapSlot, kobject.RightsAll, (uint64(1)<<63)|ch.IDB)
			}
		}
	}
	return nil
}

// mintASIDs assigns every PD's and VM's VSpace an ASID out of the initial
// pool, as one repeated assignment since the VSpace objects were retyped
// as one consecutive run (spec §4.G step 13 "ASID assignment").
func (b *builder) mintASIDs() error {
	if len(b.vspaceObjects) == 0 {
		return nil
	}
	assign := kobject.NewASIDPoolAssign(kobject.CapInitASIDPool, b.vspaceObjects[0].CapAddr)
	assign.Repeat(len(b.vspaceObjects), map[string]uint64{"vspace": 1})
	b.systemInvocationTail = append(b.systemInvocationTail, assign)
	return nil
}
