// Package kobject is the kernel capability model: object kinds and their
// sizes, the invocation label enumeration, and the per-architecture
// encoding of an invocation into the native-endian word stream the monitor
// replays at boot (spec §4.D).
package kobject

import "sysbuilder/internal/engine"

// ObjectType enumerates every kernel object kind the builder can plan.
type ObjectType int

const (
	Untyped ObjectType = iota
	TCB
	Endpoint
	Notification
	CNode
	SchedContext
	Reply
	SmallPage
	LargePage
	HugePage
	PageTable
	PageDirectory
	PageUpperDirectory
	PageGlobalDirectory
	VSpace
	VCPU

	// IRQHandler is a bookkeeping-only kind: IRQ handler capabilities are
	// minted directly by IRQIssueIRQHandlerTrigger, never retyped, so this
	// value never appears as an UntypedRetype object_type argument.
	IRQHandler
)

func (t ObjectType) String() string {
	switch t {
	case Untyped:
		return "Untyped"
	case TCB:
		return "TCB"
	case Endpoint:
		return "Endpoint"
	case Notification:
		return "Notification"
	case CNode:
		return "CNode"
	case SchedContext:
		return "SchedContext"
	case Reply:
		return "Reply"
	case SmallPage:
		return "SmallPage"
	case LargePage:
		return "LargePage"
	case HugePage:
		return "HugePage"
	case PageTable:
		return "PageTable"
	case PageDirectory:
		return "PageDirectory"
	case PageUpperDirectory:
		return "PageUpperDirectory"
	case PageGlobalDirectory:
		return "PageGlobalDirectory"
	case VSpace:
		return "VSpace"
	case VCPU:
		return "VCPU"
	case IRQHandler:
		return "IRQHandler"
	default:
		return "?"
	}
}

// aarch64Codes and riscv64Codes give the architecture-specific numeric code
// for object kinds the kernel enumerates differently per architecture; any
// kind absent from the map uses its architecture-independent ObjectType
// value directly. x86_64 has no remapping in this implementation (the
// reference kernel these codes are lifted from never targeted x86_64) —
// every kind passes through unchanged; see DESIGN.md.
var aarch64Codes = map[ObjectType]int{
	HugePage:            7,
	PageUpperDirectory:  8,
	PageGlobalDirectory: 9,
	SmallPage:           10,
	LargePage:           11,
	PageTable:           12,
	PageDirectory:       13,
	VSpace:              9, // a VSpace on AArch64 is a PageGlobalDirectory
}

var riscv64Codes = map[ObjectType]int{
	HugePage:  7,
	SmallPage: 8,
	LargePage: 9,
	PageTable: 10,
	VSpace:    10, // a VSpace on RISC-V is a PageTable
}

// ArchCode translates an architecture-independent ObjectType to the numeric
// code the kernel expects on the wire for the given architecture — the
// UntypedRetype invocation's object_type argument uses this, never the raw
// ObjectType value.
func (t ObjectType) ArchCode(arch engine.Arch) int {
	var table map[ObjectType]int
	switch arch {
	case engine.AArch64:
		table = aarch64Codes
	case engine.RISCV64:
		table = riscv64Codes
	case engine.X86_64:
		table = nil
	default:
		panic("kobject: ArchCode on unknown arch")
	}
	if code, ok := table[t]; ok {
		return code
	}
	return int(t)
}

// FixedSize returns the fixed object size in bytes for kinds whose size
// never varies. It panics for the three variable-size kinds (CNode,
// Untyped, SchedContext), which instead carry an explicit size_bits chosen
// by the allocator.
func FixedSize(t ObjectType) uint64 {
	switch t {
	case TCB:
		return 1 << 11
	case Endpoint:
		return 1 << 4
	case Notification:
		return 1 << 6
	case Reply:
		return 1 << 5
	case VSpace:
		return 1 << 12
	case HugePage:
		return 1 << 30
	case SmallPage:
		return 1 << 12
	case LargePage:
		return 1 << 21
	case PageTable, PageDirectory, PageUpperDirectory, PageGlobalDirectory:
		return 1 << 12
	case VCPU:
		return 1 << 12
	default:
		panic("kobject: FixedSize called on a variable-size object type: " + t.String())
	}
}

// IsVariableSize reports whether t requires an explicit size_bits argument
// (CNode, Untyped, SchedContext).
func IsVariableSize(t ObjectType) bool {
	switch t {
	case CNode, Untyped, SchedContext:
		return true
	default:
		return false
	}
}

// SEL4 rights and attribute bit constants used when minting page and
// notification capabilities.
const (
	RightsWrite      = 1
	RightsRead       = 2
	RightsGrant      = 4
	RightsGrantReply = 8
	RightsAll        = 0xf

	SlotSizeBits = 5 // 1<<5 byte CNode slots
)

// Fixed initial-CSpace capability addresses (spec §4.E step 4 "fixed caps").
const (
	CapNull uint64 = iota
	CapInitTCB
	CapInitCNode
	CapInitVSpace
	CapIRQControl
	CapASIDControl
	CapInitASIDPool
	CapIOPortControl
	CapIOSpace
	CapBootInfoFrame
	CapInitIPCBuffer
	CapDomain
	CapSMMUSIDControl
	CapSMMUCBControl
	CapInitSchedContext
	NumFixedCaps // = 15
)
