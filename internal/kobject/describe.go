package kobject

import "fmt"

// String names each invocation label the way the monitor's own method
// dispatch does, for the report's pretty-printed invocation dump.
func (l Label) String() string {
	switch l {
	case LabelUntypedRetype:
		return "Untyped_Retype"
	case LabelTCBSetSchedParams:
		return "TCB_SetSchedParams"
	case LabelTCBSetSpace:
		return "TCB_SetSpace"
	case LabelTCBSetIPCBuffer:
		return "TCB_SetIPCBuffer"
	case LabelTCBResume:
		return "TCB_Resume"
	case LabelTCBWriteRegisters:
		return "TCB_WriteRegisters"
	case LabelTCBBindNotification:
		return "TCB_BindNotification"
	case LabelCNodeMint:
		return "CNode_Mint"
	case LabelCNodeCopy:
		return "CNode_Copy"
	case LabelCNodeMutate:
		return "CNode_Mutate"
	case LabelIRQIssueIRQHandler:
		return "IRQControl_Get"
	case LabelIRQIssueIRQHandlerTrigger:
		return "IRQControl_GetTrigger"
	case LabelIRQSetIRQHandler:
		return "IRQHandler_SetNotification"
	case LabelSchedControlConfigureFlags:
		return "SchedControl_ConfigureFlags"
	case LabelASIDPoolAssign:
		return "ASIDPool_Assign"
	case LabelPageTableMap:
		return "PageTable_Map"
	case LabelPageMap:
		return "Page_Map"
	case LabelVCPUSetTcb:
		return "VCPU_SetTCB"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// Describe renders one invocation for a report: the label and service cap,
// each extra cap resolved to its display name, each plain argument, and
// the repeat block when present. capNames is the same cap-address-to-name
// table the orchestrator builds while minting; a missing entry just prints
// the raw address with no parenthetical.
func Describe(inv Invocation, capNames map[uint64]string) string {
	name := func(addr uint64) string {
		if n, ok := capNames[addr]; ok {
			return " (" + n + ")"
		}
		return ""
	}
	m := inv.ToMsg()
	out := fmt.Sprintf("%-28s - service 0x%016x%s", m.Label, m.Service, name(m.Service))
	for i, cap := range m.ExtraCaps {
		out += fmt.Sprintf("\n         cap[%d]  0x%016x%s", i, cap, name(cap))
	}
	for i, arg := range m.Args {
		out += fmt.Sprintf("\n         arg[%d]  %d (0x%x)", i, arg, arg)
	}
	if m.Repeat > 1 {
		out += fmt.Sprintf("\n         REPEAT: count=%d service_delta=0x%x", m.Repeat, m.RepeatServiceDelta)
	}
	return out
}
