package kobject

import "sysbuilder/internal/engine"

// UntypedRetype carves num_objects kernel objects of object_type (sized
// size_bits for variable-size kinds) out of an untyped capability, minting
// the results into slots [node_offset, node_offset+num_objects) of the CNode
// addressed by (root, node_index, node_depth). The object_type argument is
// translated to the architecture's own numeric code at encode time — never
// the architecture-independent ObjectType value.
type UntypedRetype struct {
	repeatable
	Arch       engine.Arch
	Untyped    uint64
	ObjectType ObjectType
	SizeBits   uint64
	Root       uint64
	NodeIndex  uint64
	NodeDepth  uint64
	NodeOffset uint64
	NumObjects uint64
}

func NewUntypedRetype(arch engine.Arch, untyped uint64, ot ObjectType, sizeBits, root, nodeIndex, nodeDepth, nodeOffset, numObjects uint64) *UntypedRetype {
	return &UntypedRetype{
		repeatable: newRepeatable("UntypedRetype", "untyped", "root", "node_index", "node_depth", "node_offset", "num_objects"),
		Arch:       arch, Untyped: untyped, ObjectType: ot, SizeBits: sizeBits,
		Root: root, NodeIndex: nodeIndex, NodeDepth: nodeDepth, NodeOffset: nodeOffset, NumObjects: numObjects,
	}
}

func (u *UntypedRetype) Repeat(count int, deltas map[string]uint64) { u.setRepeat(count, deltas) }

func (u *UntypedRetype) ToMsg() Msg {
	m := Msg{
		Label:     LabelUntypedRetype,
		Service:   u.Untyped,
		ExtraCaps: []uint64{u.Root},
		Args:      []uint64{uint64(u.ObjectType.ArchCode(u.Arch)), u.SizeBits, u.NodeIndex, u.NodeDepth, u.NodeOffset, u.NumObjects},
	}
	if u.count > 1 {
		m.Repeat = u.count
		m.RepeatServiceDelta = u.delta("untyped")
		m.RepeatCapDeltas = []uint64{u.delta("root")}
		m.RepeatArgDeltas = []uint64{0, 0, u.delta("node_index"), u.delta("node_depth"), u.delta("node_offset"), u.delta("num_objects")}
	}
	return m
}

// TCBSetSchedParams configures scheduling authority, priority, scheduling
// context, and fault endpoint for a TCB (spec §4.G step 12).
type TCBSetSchedParams struct {
	TCB           uint64
	Authority     uint64
	MCP           uint64
	Priority      uint64
	SchedContext  uint64
	FaultEP       uint64
}

func (t *TCBSetSchedParams) ToMsg() Msg {
	return Msg{
		Label:     LabelTCBSetSchedParams,
		Service:   t.TCB,
		ExtraCaps: []uint64{t.Authority, t.SchedContext, t.FaultEP},
		Args:      []uint64{t.MCP, t.Priority},
	}
}

// TCBSetSpace installs a CSpace (root CNode + guard) and VSpace root for a
// TCB, along with its fault endpoint.
type TCBSetSpace struct {
	TCB           uint64
	FaultEP       uint64
	CSpaceRoot    uint64
	CSpaceGuard   uint64
	VSpaceRoot    uint64
}

func (t *TCBSetSpace) ToMsg() Msg {
	return Msg{
		Label:     LabelTCBSetSpace,
		Service:   t.TCB,
		ExtraCaps: []uint64{t.FaultEP, t.CSpaceRoot, t.VSpaceRoot},
		Args:      []uint64{t.CSpaceGuard, 0},
	}
}

// TCBSetIPCBuffer installs the virtual address and capability of a TCB's
// IPC buffer frame.
type TCBSetIPCBuffer struct {
	TCB       uint64
	BufferVA  uint64
	BufferCap uint64
}

func (t *TCBSetIPCBuffer) ToMsg() Msg {
	return Msg{
		Label:     LabelTCBSetIPCBuffer,
		Service:   t.TCB,
		ExtraCaps: []uint64{t.BufferCap},
		Args:      []uint64{t.BufferVA},
	}
}

// TCBResume starts (or restarts) a TCB's execution.
type TCBResume struct {
	TCB uint64
}

func (t *TCBResume) ToMsg() Msg {
	return Msg{Label: LabelTCBResume, Service: t.TCB}
}

// TCBBindNotification binds a TCB to a notification object so that
// unhandled-fault and input-channel deliveries reach it.
type TCBBindNotification struct {
	TCB          uint64
	Notification uint64
}

func (t *TCBBindNotification) ToMsg() Msg {
	return Msg{
		Label:     LabelTCBBindNotification,
		Service:   t.TCB,
		ExtraCaps: []uint64{t.Notification},
	}
}

// CNodeMint derives a new capability with the given rights/badge into a
// destination CNode slot from a source capability.
type CNodeMint struct {
	repeatable
	DestRoot   uint64
	DestIndex  uint64
	DestDepth  uint64
	SrcRoot    uint64
	SrcIndex   uint64
	SrcDepth   uint64
	Rights     uint64
	Badge      uint64
}

func NewCNodeMint(destRoot, destIndex, destDepth, srcRoot, srcIndex, srcDepth, rights, badge uint64) *CNodeMint {
	return &CNodeMint{
		repeatable: newRepeatable("CNodeMint", "dest_root", "dest_index", "dest_depth", "src_root", "src_index", "src_depth", "rights", "badge"),
		DestRoot: destRoot, DestIndex: destIndex, DestDepth: destDepth,
		SrcRoot: srcRoot, SrcIndex: srcIndex, SrcDepth: srcDepth, Rights: rights, Badge: badge,
	}
}

func (c *CNodeMint) Repeat(count int, deltas map[string]uint64) { c.setRepeat(count, deltas) }

func (c *CNodeMint) ToMsg() Msg {
	m := Msg{
		Label:     LabelCNodeMint,
		Service:   c.DestRoot,
		ExtraCaps: []uint64{c.SrcRoot},
		Args:      []uint64{c.DestIndex, c.DestDepth, c.SrcIndex, c.SrcDepth, c.Rights, c.Badge},
	}
	if c.count > 1 {
		m.Repeat = c.count
		m.RepeatServiceDelta = c.delta("dest_root")
		m.RepeatCapDeltas = []uint64{c.delta("src_root")}
		m.RepeatArgDeltas = []uint64{c.delta("dest_index"), c.delta("dest_depth"), c.delta("src_index"), c.delta("src_depth"), c.delta("rights"), c.delta("badge")}
	}
	return m
}

// IRQIssueIRQHandlerTrigger creates an IRQ handler capability for a hardware
// IRQ number with the given trigger mode, minted into a CNode slot.
type IRQIssueIRQHandlerTrigger struct {
	IRQControl uint64
	IRQ        uint64
	Trigger    uint64
	DestRoot   uint64
	DestIndex  uint64
	DestDepth  uint64
}

func (i *IRQIssueIRQHandlerTrigger) ToMsg() Msg {
	return Msg{
		Label:     LabelIRQIssueIRQHandlerTrigger,
		Service:   i.IRQControl,
		ExtraCaps: []uint64{i.DestRoot},
		Args:      []uint64{i.IRQ, i.Trigger, i.DestIndex, i.DestDepth},
	}
}

// IRQHandlerSetNotification ties an IRQ handler capability to the
// notification that should be signalled when the interrupt fires.
type IRQHandlerSetNotification struct {
	IRQHandler   uint64
	Notification uint64
}

func (i *IRQHandlerSetNotification) ToMsg() Msg {
	return Msg{
		Label:     LabelIRQSetIRQHandler,
		Service:   i.IRQHandler,
		ExtraCaps: []uint64{i.Notification},
	}
}

// SchedControlConfigureFlags configures a scheduling context's budget,
// period, refill extra-refills limit, badge, and flags.
type SchedControlConfigureFlags struct {
	SchedControl   uint64
	SchedContext   uint64
	Budget         uint64
	Period         uint64
	ExtraRefills   uint64
	Badge          uint64
	Flags          uint64
}

func (s *SchedControlConfigureFlags) ToMsg() Msg {
	return Msg{
		Label:     LabelSchedControlConfigureFlags,
		Service:   s.SchedControl,
		ExtraCaps: []uint64{s.SchedContext},
		Args:      []uint64{s.Budget, s.Period, s.ExtraRefills, s.Badge, s.Flags},
	}
}

// ASIDPoolAssign assigns the next free ASID from a pool to a VSpace root.
type ASIDPoolAssign struct {
	repeatable
	ASIDPool uint64
	VSpace   uint64
}

func NewASIDPoolAssign(asidPool, vspace uint64) *ASIDPoolAssign {
	return &ASIDPoolAssign{
		repeatable: newRepeatable("ASIDPoolAssign", "asid_pool", "vspace"),
		ASIDPool:   asidPool, VSpace: vspace,
	}
}

func (a *ASIDPoolAssign) Repeat(count int, deltas map[string]uint64) { a.setRepeat(count, deltas) }

func (a *ASIDPoolAssign) ToMsg() Msg {
	m := Msg{Label: LabelASIDPoolAssign, Service: a.ASIDPool, ExtraCaps: []uint64{a.VSpace}}
	if a.count > 1 {
		m.Repeat = a.count
		m.RepeatServiceDelta = a.delta("asid_pool")
		m.RepeatCapDeltas = []uint64{a.delta("vspace")}
	}
	return m
}

// PageTableMap maps a page-table-level object (of the given ObjectType —
// PageTable/PageDirectory/PageUpperDirectory/PageGlobalDirectory) into a
// VSpace at a virtual address with the given attributes.
type PageTableMap struct {
	repeatable
	ObjectType ObjectType
	PT         uint64
	VSpace     uint64
	VAddr      uint64
	Attr       uint64
}

func NewPageTableMap(ot ObjectType, pt, vspace, vaddr, attr uint64) *PageTableMap {
	return &PageTableMap{
		repeatable: newRepeatable("PageTableMap", "pt", "vspace", "vaddr"),
		ObjectType: ot, PT: pt, VSpace: vspace, VAddr: vaddr, Attr: attr,
	}
}

func (p *PageTableMap) Repeat(count int, deltas map[string]uint64) { p.setRepeat(count, deltas) }

func (p *PageTableMap) ToMsg() Msg {
	m := Msg{
		Label:     LabelPageTableMap,
		Service:   p.PT,
		ExtraCaps: []uint64{p.VSpace},
		Args:      []uint64{p.VAddr, p.Attr},
	}
	if p.count > 1 {
		m.Repeat = p.count
		m.RepeatServiceDelta = p.delta("pt")
		m.RepeatCapDeltas = []uint64{p.delta("vspace")}
		m.RepeatArgDeltas = []uint64{p.delta("vaddr"), 0}
	}
	return m
}

// PageMap maps a page capability into a VSpace at a virtual address with
// the given rights and attributes (cacheable/executable encoded in Attr via
// engine.Config.PageMapAttributes).
type PageMap struct {
	repeatable
	Page   uint64
	VSpace uint64
	VAddr  uint64
	Rights uint64
	Attr   uint64
}

func NewPageMap(page, vspace, vaddr, rights, attr uint64) *PageMap {
	return &PageMap{
		repeatable: newRepeatable("PageMap", "page", "vspace", "vaddr"),
		Page:       page, VSpace: vspace, VAddr: vaddr, Rights: rights, Attr: attr,
	}
}

func (p *PageMap) Repeat(count int, deltas map[string]uint64) { p.setRepeat(count, deltas) }

func (p *PageMap) ToMsg() Msg {
	m := Msg{
		Label:     LabelPageMap,
		Service:   p.Page,
		ExtraCaps: []uint64{p.VSpace},
		Args:      []uint64{p.VAddr, p.Rights, p.Attr},
	}
	if p.count > 1 {
		m.Repeat = p.count
		m.RepeatServiceDelta = p.delta("page")
		m.RepeatCapDeltas = []uint64{p.delta("vspace")}
		m.RepeatArgDeltas = []uint64{p.delta("vaddr"), 0, 0}
	}
	return m
}

// VCPUSetTcb links a VM's VCPU object to the TCB that runs it.
type VCPUSetTcb struct {
	VCPU uint64
	TCB  uint64
}

func (v *VCPUSetTcb) ToMsg() Msg {
	return Msg{Label: LabelVCPUSetTcb, Service: v.VCPU, ExtraCaps: []uint64{v.TCB}}
}

// TCBWriteRegisters is an exception to the generic encoding rule (spec
// §4.D): its argument vector is (flags<<8|resume, register_count) followed
// by the registers in the architecture's declared order, with any unset
// register implicitly zero.
type TCBWriteRegisters struct {
	TCB     uint64
	Resume  bool
	Regs    []uint64 // already in declared per-architecture order
}

func (t *TCBWriteRegisters) ToMsg() Msg {
	resume := uint64(0)
	if t.Resume {
		resume = 1
	}
	flags := uint64(0)
	header := flags<<8 | resume
	args := make([]uint64, 0, 2+len(t.Regs))
	args = append(args, header, uint64(len(t.Regs)))
	args = append(args, t.Regs...)
	return Msg{Label: LabelTCBWriteRegisters, Service: t.TCB, Args: args}
}
