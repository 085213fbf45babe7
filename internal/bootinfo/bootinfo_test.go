package bootinfo

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/memregion"
)

// fakeKernelELF builds a minimal kernel ELF fixture: one segment spanning
// [vaddr, vaddr+memsz) at physical base paddr, with "avail_p_regs",
// "ki_end", and "ki_boot_end" symbols baked into its data so the boot
// emulator can resolve them the same way it would against a real kernel
// image.
func fakeKernelELF(t *testing.T, paddr, vaddr uint64, physMem []memregion.Region, selfEndVaddr, bootEndVaddr uint64) *elfmodel.File {
	t.Helper()

	data := make([]byte, 0x2000)

	regsOff := 0x100
	for i, r := range physMem {
		off := regsOff + i*16
		binary.LittleEndian.PutUint64(data[off:], r.Base)
		binary.LittleEndian.PutUint64(data[off+8:], r.End)
	}

	symbols := map[string]elfmodel.Symbol{
		"avail_p_regs": {Value: vaddr + uint64(regsOff), Size: uint64(len(physMem) * 16)},
		"ki_end":       {Value: selfEndVaddr},
		"ki_boot_end":  {Value: bootEndVaddr},
	}

	seg := &elfmodel.Segment{
		Vaddr:  vaddr,
		Paddr:  paddr,
		Filesz: uint64(len(data)),
		Memsz:  uint64(len(data)),
		Data:   data,
	}

	return elfmodel.New(elf.ELFCLASS64, elf.EM_AARCH64, vaddr, []*elfmodel.Segment{seg}, symbols)
}

func testConfig() engine.Config {
	return engine.Config{
		Arch:               engine.AArch64,
		WordSize:           64,
		MinimumPageSize:    0x1000,
		PaddrUserDeviceTop: 0xC0000000,
		RootCNodeBits:      13,
		CapAddressBits:     64,
		FanOutLimit:        256,
		HaveFPU:            true,
		MaxCPUs:            1,
	}
}

func TestPartialBootSplitsDeviceAndNormalMemory(t *testing.T) {
	cfg := testConfig()
	vaddr := uint64(0x80000000)
	paddr := uint64(0x80000000)
	normal := memregion.Region{Base: 0x80000000, End: 0x88000000}
	selfEnd := vaddr + 0x4000
	bootEnd := vaddr + 0x8000

	kernelELF := fakeKernelELF(t, paddr, vaddr, []memregion.Region{normal}, selfEnd, bootEnd)

	pb, err := partialBoot(cfg, kernelELF)
	if err != nil {
		t.Fatalf("partialBoot: %v", err)
	}

	for _, r := range pb.DeviceMemory.Regions() {
		if r.Overlaps(normal) {
			t.Fatalf("device memory %s overlaps declared normal memory %s", r, normal)
		}
	}

	found := false
	for _, r := range pb.NormalMemory.Regions() {
		if r.Base == paddr+0x4000 && r.End == normal.End {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected normal memory to start after the kernel's own image, got %+v", pb.NormalMemory.Regions())
	}

	wantBoot := memregion.Region{Base: paddr, End: paddr + 0x8000}
	if pb.BootRegion != wantBoot {
		t.Fatalf("boot region = %s, want %s", pb.BootRegion, wantBoot)
	}
}

func TestEmulateKernelBootPartialExposesFreeNormalMemory(t *testing.T) {
	cfg := testConfig()
	vaddr := uint64(0x80000000)
	normal := memregion.Region{Base: 0x80000000, End: 0x90000000}
	kernelELF := fakeKernelELF(t, vaddr, vaddr, []memregion.Region{normal}, vaddr+0x4000, vaddr+0x8000)

	free, err := EmulateKernelBootPartial(cfg, kernelELF)
	if err != nil {
		t.Fatalf("EmulateKernelBootPartial: %v", err)
	}
	if len(free.Regions()) == 0 {
		t.Fatal("expected some normal memory left over for reserved-region placement")
	}
}

func TestEmulateKernelBootProducesOrderedUntypedObjects(t *testing.T) {
	cfg := testConfig()
	vaddr := uint64(0x80000000)
	normal := memregion.Region{Base: 0x80000000, End: 0xA0000000}
	kernelELF := fakeKernelELF(t, vaddr, vaddr, []memregion.Region{normal}, vaddr+0x4000, vaddr+0x8000)

	reserved := memregion.Region{Base: 0x80010000, End: 0x80020000}
	initialTask := memregion.Region{Base: 0x80020000, End: 0x80030000}

	info, err := EmulateKernelBoot(cfg, kernelELF, initialTask, initialTask, reserved)
	if err != nil {
		t.Fatalf("EmulateKernelBoot: %v", err)
	}

	if len(info.UntypedObjects) == 0 {
		t.Fatal("expected at least one untyped object")
	}

	sawNormal := false
	for i, u := range info.UntypedObjects {
		if u.Cap != info.FixedCapCount+info.PagingCapCount+1+(info.PageCapCount)+uint64(i) {
			t.Fatalf("untyped object %d cap %d not sequential from first_untyped_cap", i, u.Cap)
		}
		if !u.IsDevice {
			sawNormal = true
		}
		if u.IsDevice && sawNormal {
			t.Fatalf("untyped object %d: device object appears after a normal object; device untypeds must come first", i)
		}
	}

	if info.FirstAvailableCap != info.UntypedObjects[len(info.UntypedObjects)-1].Cap+1 {
		t.Fatalf("FirstAvailableCap = %d, want one past the last untyped cap", info.FirstAvailableCap)
	}
}

func TestCalculateRootserverSizeRISCVWithoutFPUUsesSmallerTCB(t *testing.T) {
	region := memregion.Region{Base: 0x80000000, End: 0x80100000}

	withFPU := testConfig()
	withFPU.Arch = engine.RISCV64
	withFPU.HaveFPU = true

	withoutFPU := withFPU
	withoutFPU.HaveFPU = false

	sizeWith := CalculateRootserverSize(withFPU, region)
	sizeWithout := CalculateRootserverSize(withoutFPU, region)

	if sizeWithout >= sizeWith {
		t.Fatalf("expected RISC-V without FPU to size a smaller TCB: with=%d without=%d", sizeWith, sizeWithout)
	}
	if sizeWith-sizeWithout != (1<<11 - 1<<10) {
		t.Fatalf("TCB size delta = %d, want %d", sizeWith-sizeWithout, (1<<11 - 1<<10))
	}
}

func TestArchNPagingAArch64ThreeLevels(t *testing.T) {
	region := memregion.Region{Base: 0, End: 1 << 21} // exactly one 2MiB leaf page-table block
	got := archNPaging(engine.AArch64, region)
	if got != 3 {
		t.Fatalf("archNPaging = %d, want 3 (one PGD + one PUD + one PD/page-table entry)", got)
	}
}
