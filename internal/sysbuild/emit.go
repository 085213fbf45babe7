package sysbuild

import (
	"encoding/binary"

	"sysbuilder/internal/bootinfo"
	"sysbuilder/internal/builderr"
	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/kobject"
)

// Monitor symbol names patched at the end of a build. The monitor's own
// ELF declares each one with a fixed size; a build whose results don't
// fit is a resource error, not a panic.
const (
	symUntypedInfo              = "untyped_info"
	symBootstrapInvocationCount = "bootstrap_invocation_count"
	symBootstrapInvocationData  = "bootstrap_invocation_data"
	symSystemInvocationCount    = "system_invocation_count"
	symFaultEP                  = "fault_ep"
	symReply                    = "reply"
	symTCBs                     = "tcbs"
	symPDNames                  = "pd_names"

	untypedInfoHeaderSize = 16 // (first cap, cap past the last) as two uint64
	untypedInfoObjectSize = 24 // (base, size_bits, is_device) as three uint64

	pdNameSlotSize = 16
	pdNameSlots    = 64
)

// maxUntypedObjects is how many untyped_info_object entries fit in the
// monitor's fixed untyped_info buffer once its header is accounted for.
func maxUntypedObjects(symbolSize uint64) uint64 {
	return (symbolSize - untypedInfoHeaderSize) / untypedInfoObjectSize
}

// emitMonitorSymbols patches the monitor ELF's fixed symbols with this
// build's results: the untyped-object table the monitor re-derives its own
// bookkeeping from, the bootstrap/system invocation counts and the
// bootstrap invocation byte stream itself, the fault/reply endpoint caps,
// every protection domain and virtual machine's TCB cap, and the name
// table a crashed PD's fault handler prints.
func (b *builder) emitMonitorSymbols(info *bootinfo.KernelBootInfo, systemInvocations []kobject.Invocation) error {
	f := b.in.MonitorELF

	if err := b.emitUntypedInfo(f, info); err != nil {
		return err
	}
	if err := b.emitInvocations(f, systemInvocations); err != nil {
		return err
	}
	if err := writeUint64Symbol(f, symFaultEP, b.faultEPObject.CapAddr); err != nil {
		return err
	}
	if err := writeUint64Symbol(f, symReply, b.monitorReplyObject.CapAddr); err != nil {
		return err
	}
	if err := b.emitTCBs(f); err != nil {
		return err
	}
	return b.emitPDNames(f)
}

func (b *builder) emitUntypedInfo(f *elfmodel.File, info *bootinfo.KernelBootInfo) error {
	sym, err := f.FindSymbol(symUntypedInfo)
	if err != nil {
		return builderr.Wrap(builderr.Symbol, err, "monitor is missing the untyped object table")
	}
	if max := maxUntypedObjects(sym.Size); uint64(len(info.UntypedObjects)) > max {
		return builderr.Raw(builderr.Resource, "too many untyped objects: monitor has room for %d, system has %d", max, len(info.UntypedObjects))
	}

	data := make([]byte, 0, untypedInfoHeaderSize+untypedInfoObjectSize*len(info.UntypedObjects))
	data = appendUint64(data, info.UntypedObjects[0].Cap)
	data = appendUint64(data, info.UntypedObjects[len(info.UntypedObjects)-1].Cap+1)
	for _, ut := range info.UntypedObjects {
		data = appendUint64(data, ut.Region.Base)
		data = appendUint64(data, uint64(ut.SizeBits()))
		isDevice := uint64(0)
		if ut.IsDevice {
			isDevice = 1
		}
		data = appendUint64(data, isDevice)
	}
	return f.WriteSymbol(symUntypedInfo, data)
}

func (b *builder) emitInvocations(f *elfmodel.File, systemInvocations []kobject.Invocation) error {
	if err := writeUint64Symbol(f, symBootstrapInvocationCount, uint64(len(b.bootstrapInvocations))); err != nil {
		return err
	}
	if err := writeUint64Symbol(f, symSystemInvocationCount, uint64(len(systemInvocations))); err != nil {
		return err
	}

	var bootstrapData []byte
	for _, inv := range b.bootstrapInvocations {
		bootstrapData = append(bootstrapData, kobject.Encode(inv)...)
	}
	sym, err := f.FindSymbol(symBootstrapInvocationData)
	if err != nil {
		return builderr.Wrap(builderr.Symbol, err, "monitor is missing the bootstrap invocation buffer")
	}
	if uint64(len(bootstrapData)) > sym.Size {
		return builderr.Raw(builderr.Resource, "bootstrap invocations are too large for the monitor: buffer holds %d bytes, need %d", sym.Size, len(bootstrapData))
	}
	return f.WriteSymbol(symBootstrapInvocationData, bootstrapData)
}

// emitTCBs writes every protection domain and virtual machine's TCB cap,
// with a leading zero for the monitor's own reserved first slot.
func (b *builder) emitTCBs(f *elfmodel.File) error {
	var data []byte
	data = appendUint64(data, 0)
	for _, o := range b.tcbObjects {
		data = appendUint64(data, o.CapAddr)
	}
	return f.WriteSymbol(symTCBs, data)
}

// emitPDNames writes the fixed 64-slot, 16-byte-per-slot name table a
// crashed PD's index is looked up in; slot 0 is reserved and left zeroed,
// names longer than 15 bytes are truncated to leave room for the NUL
// terminator the monitor's C code expects.
func (b *builder) emitPDNames(f *elfmodel.File) error {
	data := make([]byte, pdNameSlots*pdNameSlotSize)
	for i, pd := range b.pds() {
		name := []byte(pd.Name)
		if len(name) > pdNameSlotSize-1 {
			name = name[:pdNameSlotSize-1]
		}
		copy(data[(i+1)*pdNameSlotSize:], name)
	}
	return f.WriteSymbol(symPDNames, data)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func writeUint64Symbol(f *elfmodel.File, name string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return f.WriteSymbol(name, buf[:])
}
