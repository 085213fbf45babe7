package sysbuild

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/memregion"
	"sysbuilder/internal/sysxml"
)

func testConfig() engine.Config {
	return engine.Config{
		Arch:               engine.AArch64,
		WordSize:           64,
		MinimumPageSize:    0x1000,
		PaddrUserDeviceTop:  0x1000_0000,
		RootCNodeBits:      13,
		CapAddressBits:     64,
		FanOutLimit:        256,
		HaveFPU:            true,
		MaxCPUs:            1,
	}
}

// fakeKernelELF mirrors internal/bootinfo's own test fixture: one segment
// carrying the "avail_p_regs"/"ki_end"/"ki_boot_end" symbols the boot
// emulator needs, with no kernel-only device frames declared.
func fakeKernelELF(t *testing.T, base uint64, normal memregion.Region) *elfmodel.File {
	t.Helper()
	data := make([]byte, 0x2000)
	binary.LittleEndian.PutUint64(data[0x100:], normal.Base)
	binary.LittleEndian.PutUint64(data[0x108:], normal.End)

	symbols := map[string]elfmodel.Symbol{
		"avail_p_regs": {Value: base + 0x100, Size: 16},
		"ki_end":       {Value: base + 0x4000},
		"ki_boot_end":  {Value: base + 0x8000},
	}
	seg := &elfmodel.Segment{Vaddr: base, Paddr: base, Filesz: uint64(len(data)), Memsz: uint64(len(data)), Data: data}
	return elfmodel.New(elf.ELFCLASS64, elf.EM_AARCH64, base, []*elfmodel.Segment{seg}, symbols)
}

// fakeMonitorELF declares the fixed symbols the Emit phase patches at the
// end of a build (untyped_info, the invocation counts/data, the fault/reply
// caps, tcbs, pd_names), each with enough room for this test package's
// small fixture systems.
func fakeMonitorELF(vaddr, paddr uint64) *elfmodel.File {
	const size = 0x2000
	symbols := map[string]elfmodel.Symbol{
		"untyped_info":                {Value: vaddr + 0x000, Size: 0x400},
		"bootstrap_invocation_count":  {Value: vaddr + 0x400, Size: 8},
		"system_invocation_count":     {Value: vaddr + 0x408, Size: 8},
		"fault_ep":                    {Value: vaddr + 0x410, Size: 8},
		"reply":                       {Value: vaddr + 0x418, Size: 8},
		"tcbs":                        {Value: vaddr + 0x420, Size: 0x100},
		"pd_names":                    {Value: vaddr + 0x520, Size: 0x400},
		"bootstrap_invocation_data":   {Value: vaddr + 0x920, Size: 0x1000},
	}
	seg := &elfmodel.Segment{Vaddr: vaddr, Paddr: paddr, Filesz: size, Memsz: size, Flags: 5, Data: make([]byte, size)}
	return elfmodel.New(elf.ELFCLASS64, elf.EM_AARCH64, vaddr, []*elfmodel.Segment{seg}, symbols)
}

// fakePDELF builds a minimal protection domain image: one RW data segment
// holding its own IPC buffer object, plus the fixed symbols the finalize
// phase patches (sel4cp_name, any <setvar>s) and reads (_stack_top).
func fakePDELF(vaddr uint64) *elfmodel.File {
	data := make([]byte, 0x1000)
	symbols := map[string]elfmodel.Symbol{
		"__sel4_ipc_buffer_obj": {Value: vaddr, Size: 0x1000},
		"sel4cp_name":           {Value: vaddr + 0x100, Size: 16},
		"_stack_top":            {Value: 0x8000_0000},
		"example_state":         {Value: vaddr + 0x200, Size: 8},
	}
	seg := &elfmodel.Segment{Vaddr: vaddr, Paddr: vaddr, Filesz: uint64(len(data)), Memsz: uint64(len(data)), Flags: 6, Data: data}
	return elfmodel.New(elf.ELFCLASS64, elf.EM_AARCH64, vaddr+0x40, []*elfmodel.Segment{seg}, symbols)
}

// testSystem builds a two-PD system: pd_a is a protected-procedure server
// with one IRQ, pd_b maps a shared memory region and talks to pd_a over a
// channel.
func testSystem() *sysxml.SystemDescription {
	// Below PaddrUserDeviceTop and outside the kernel's normal avail_p_regs
	// range, so it is carved from device (not normal) untyped memory, as a
	// fixed-address memory region must be to satisfy AllocateFixedObjects.
	mrPhys := uint64(0x0900_0000)
	mr := sysxml.MemoryRegion{Name: "shared", Size: 0x1000, PageSize: 0x1000, PageCount: 1, PhysAddr: &mrPhys}

	pds := []sysxml.ProtectionDomain{
		{
			Name: "pd_a", Priority: 100, Budget: 1000, Period: 1000, PP: true, Parent: -1,
			IRQs: []sysxml.Irq{{IRQ: 30, ID: 0, Trigger: "level"}},
		},
		{
			Name: "pd_b", Priority: 100, Budget: 1000, Period: 1000, Parent: -1,
			Maps: []sysxml.Map{{MR: "shared", Vaddr: 0x6000_0000, Perms: "rw", Cached: true}},
			SetVars: []sysxml.SetVar{{Symbol: "example_state", RegionPaddr: "shared"}},
		},
	}

	return &sysxml.SystemDescription{
		MemoryRegions:     []sysxml.MemoryRegion{mr},
		ProtectionDomains: pds,
		Channels:          []sysxml.Channel{{PDA: "pd_a", IDA: 1, PDB: "pd_b", IDB: 1}},
		MRByName:          map[string]*sysxml.MemoryRegion{"shared": &mr},
		PDByName:          map[string]int{"pd_a": 0, "pd_b": 1},
	}
}

func testInput(t *testing.T) Input {
	t.Helper()
	cfg := testConfig()
	normal := memregion.Region{Base: 0x8000_0000, End: 0x9000_0000}
	kernelELF := fakeKernelELF(t, 0x8000_0000, normal)
	monitorELF := fakeMonitorELF(0x8001_0000, 0x8001_0000)

	return Input{
		Config:     cfg,
		System:     testSystem(),
		KernelELF:  kernelELF,
		MonitorELF: monitorELF,
		PDELFs: map[string]*elfmodel.File{
			"pd_a": fakePDELF(0x7000_0000),
			"pd_b": fakePDELF(0x7010_0000),
		},
	}
}

func TestBuildProducesConsistentCapabilityTable(t *testing.T) {
	in := testInput(t)
	in.InvocationTableSize = in.Config.MinimumPageSize
	in.SystemCNodeSize = 128

	built, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if built.NumberOfSystemCaps == 0 {
		t.Fatal("expected at least one system capability to be allocated")
	}
	if built.NumberOfSystemCaps > in.SystemCNodeSize {
		t.Fatalf("NumberOfSystemCaps = %d exceeds the system CNode size %d given", built.NumberOfSystemCaps, in.SystemCNodeSize)
	}
	if len(built.TCBCaps) != 2 {
		t.Fatalf("got %d TCB caps, want 2 (one per protection domain)", len(built.TCBCaps))
	}
	if built.FaultEPCapAddress == 0 {
		t.Fatal("expected a non-null monitor fault endpoint cap address")
	}

	wantNames := []string{"TCB: PD=pd_a", "TCB: PD=pd_b", "CNode: PD=pd_a", "VSpace: PD=pd_a"}
	for _, want := range wantNames {
		found := false
		for _, name := range built.CapLookup {
			if name == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected some cap named %q in the lookup table", want)
		}
	}

	if len(built.SystemInvocations) == 0 {
		t.Fatal("expected a non-empty system invocation stream")
	}
}

// testSystemNonFixedRegion builds a single-PD system whose only memory
// region is non-fixed (no declared physical address), mapped and read back
// through a <setvar region_paddr="...">.
func testSystemNonFixedRegion() *sysxml.SystemDescription {
	mr := sysxml.MemoryRegion{Name: "scratch", Size: 0x1000, PageSize: 0x1000, PageCount: 1}

	pds := []sysxml.ProtectionDomain{
		{
			Name: "pd_a", Priority: 100, Budget: 1000, Period: 1000, Parent: -1,
			Maps:    []sysxml.Map{{MR: "scratch", Vaddr: 0x6000_0000, Perms: "rw", Cached: true}},
			SetVars: []sysxml.SetVar{{Symbol: "example_state", RegionPaddr: "scratch"}},
		},
	}

	return &sysxml.SystemDescription{
		MemoryRegions:     []sysxml.MemoryRegion{mr},
		ProtectionDomains: pds,
		MRByName:          map[string]*sysxml.MemoryRegion{"scratch": &mr},
		PDByName:          map[string]int{"pd_a": 0},
	}
}

// TestMintIRQCapsBadgesNotificationPerIRQ checks that an IRQ handler is tied
// to its own notification cap badged 1<<id, minted fresh into the system
// CNode, rather than the owning PD's plain notification — the badge is how
// the PD's own notified() call tells which IRQ fired.
func TestMintIRQCapsBadgesNotificationPerIRQ(t *testing.T) {
	in := testInput(t)
	in.InvocationTableSize = in.Config.MinimumPageSize
	in.SystemCNodeSize = 128

	built, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var irqNotifCap uint64
	for addr, name := range built.CapLookup {
		if name == "Notification (Badged): IRQ PD=pd_a id=0" {
			irqNotifCap = addr
		}
	}
	if irqNotifCap == 0 {
		t.Fatal("expected a badged notification cap minted for pd_a's irq")
	}

	systemMask := uint64(1) << (in.Config.CapAddressBits - 1)
	var mintBadge uint64
	var sawMint bool
	for _, inv := range built.SystemInvocations {
		m, ok := inv.(*kobject.CNodeMint)
		if !ok {
			continue
		}
		if m.DestRoot == systemMask && systemMask|m.DestIndex == irqNotifCap {
			mintBadge = m.Badge
			sawMint = true
		}
	}
	if !sawMint {
		t.Fatal("expected a CNodeMint invocation minting the badged IRQ notification cap")
	}
	if mintBadge != 1 {
		t.Fatalf("badged IRQ notification cap carries badge %d, want 1<<id = 1", mintBadge)
	}

	var boundTo uint64
	var sawBind bool
	for _, inv := range built.SystemInvocations {
		if s, ok := inv.(*kobject.IRQHandlerSetNotification); ok {
			boundTo, sawBind = s.Notification, true
		}
	}
	if !sawBind {
		t.Fatal("expected an IRQHandlerSetNotification invocation")
	}
	if boundTo != irqNotifCap {
		t.Fatalf("IRQHandlerSetNotification bound to cap 0x%x, want the badged notification cap 0x%x", boundTo, irqNotifCap)
	}
}

// TestPatchELFSymbolsResolvesNonFixedRegionSetVar checks that a <setvar
// region_paddr="..."> pointing at a memory region with no declared physical
// address still resolves to the address the page allocator assigned it,
// rather than defaulting to zero.
func TestPatchELFSymbolsResolvesNonFixedRegionSetVar(t *testing.T) {
	cfg := testConfig()
	normal := memregion.Region{Base: 0x8000_0000, End: 0x9000_0000}
	pdELF := fakePDELF(0x7000_0000)

	in := Input{
		Config:              cfg,
		System:              testSystemNonFixedRegion(),
		KernelELF:           fakeKernelELF(t, 0x8000_0000, normal),
		MonitorELF:          fakeMonitorELF(0x8001_0000, 0x8001_0000),
		PDELFs:              map[string]*elfmodel.File{"pd_a": pdELF},
		InvocationTableSize: cfg.MinimumPageSize,
		SystemCNodeSize:     128,
	}

	if _, err := Build(in); err != nil {
		t.Fatalf("Build: %v", err)
	}

	sym, err := pdELF.FindSymbol("example_state")
	if err != nil {
		t.Fatalf("FindSymbol: %v", err)
	}
	data, err := pdELF.GetData(sym.Value, sym.Size)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if got := binary.LittleEndian.Uint64(data); got == 0 {
		t.Fatal("non-fixed region setvar resolved to a null physical address")
	}
}

func TestConvergeGrowsSizesUntilItFits(t *testing.T) {
	in := testInput(t)

	built, err := Converge(in)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if built.InvocationDataSize == 0 {
		t.Fatal("expected a non-zero invocation data size")
	}
	if built.NumberOfSystemCaps == 0 {
		t.Fatal("expected at least one system capability")
	}
}

func TestNeedsEPForProtectedProcedureServerAndFaultParent(t *testing.T) {
	b := &builder{in: Input{System: &sysxml.SystemDescription{
		ProtectionDomains: []sysxml.ProtectionDomain{
			{Name: "server", PP: true, Parent: -1},
			{Name: "plain", Parent: -1},
			{Name: "child", Parent: 1}, // routes faults to "plain"
		},
	}}}

	if !b.needsEP(0) {
		t.Error("a protected-procedure server must need its own endpoint")
	}
	if !b.needsEP(1) {
		t.Error("a PD that is some other PD's fault parent must need its own endpoint")
	}
	if b.needsEP(2) {
		t.Error("a plain leaf PD with no children and no PP flag must not need an endpoint")
	}
}

func TestMapRightsAndExecutable(t *testing.T) {
	cases := []struct {
		perms       string
		wantRights  uint64
		wantExecute bool
	}{
		{"r", 2, false},
		{"rw", 3, false},
		{"rx", 2, true},
		{"rwx", 3, true},
	}
	for _, c := range cases {
		if got := mapRights(c.perms); got != c.wantRights {
			t.Errorf("mapRights(%q) = %d, want %d", c.perms, got, c.wantRights)
		}
		if got := mapExecutable(c.perms); got != c.wantExecute {
			t.Errorf("mapExecutable(%q) = %v, want %v", c.perms, got, c.wantExecute)
		}
	}
}

func TestTriggerValue(t *testing.T) {
	if triggerValue("edge") != 1 {
		t.Error(`triggerValue("edge") should be 1`)
	}
	if triggerValue("level") != 0 {
		t.Error(`triggerValue("level") should be 0`)
	}
}
