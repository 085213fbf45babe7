package loaderimg

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"

	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/memregion"
)

func testLoaderELF(t *testing.T) *elfmodel.File {
	t.Helper()
	const base = 0x40000000
	data := make([]byte, 0x6000)

	// Five boot page tables, one page apart, starting after the code.
	symbols := map[string]elfmodel.Symbol{
		"boot_lvl0_lower": {Value: base + 0x1000, Size: pageTableSize},
		"boot_lvl0_upper": {Value: base + 0x2000, Size: pageTableSize},
		"boot_lvl1_lower": {Value: base + 0x3000, Size: pageTableSize},
		"boot_lvl1_upper": {Value: base + 0x4000, Size: pageTableSize},
		"boot_lvl2_upper": {Value: base + 0x5000, Size: pageTableSize},
	}
	seg := &elfmodel.Segment{Vaddr: base, Paddr: base, Filesz: uint64(len(data)), Memsz: uint64(len(data)), Data: data}
	return elfmodel.New(elf.ELFCLASS64, elf.EM_AARCH64, base, []*elfmodel.Segment{seg}, symbols)
}

func testKernelELF() *elfmodel.File {
	const vaddr = 0xffffff8080000000
	const paddr = 0x80000000
	data := make([]byte, 0x1000)
	seg := &elfmodel.Segment{Vaddr: vaddr, Paddr: paddr, Filesz: uint64(len(data)), Memsz: uint64(len(data)), Data: data}
	return elfmodel.New(elf.ELFCLASS64, elf.EM_AARCH64, vaddr, []*elfmodel.Segment{seg}, nil)
}

func testMonitorELF() *elfmodel.File {
	const vaddr = 0x200000
	data := make([]byte, 0x1000)
	seg := &elfmodel.Segment{Vaddr: vaddr, Paddr: vaddr, Filesz: uint64(len(data)), Memsz: uint64(len(data)), Data: data}
	return elfmodel.New(elf.ELFCLASS64, elf.EM_AARCH64, vaddr, []*elfmodel.Segment{seg}, nil)
}

func testInput(t *testing.T) Input {
	return Input{
		Config: engine.Config{
			Arch:     engine.AArch64,
			WordSize: 64,
		},
		LoaderELF:           testLoaderELF(t),
		KernelELF:           testKernelELF(),
		MonitorELF:          testMonitorELF(),
		InitialTaskPhysBase: 0x81000000,
		ReservedRegion:      memregion.Region{Base: 0x82000000, End: 0x82010000},
		Regions: []Region{
			{PhysAddr: 0x82000000, Data: []byte("invocation table")},
		},
	}
}

func TestFormatWritesHeaderAndRegions(t *testing.T) {
	fs := afero.NewMemMapFs()
	in := testInput(t)

	if err := Format(fs, in, "loader.img"); err != nil {
		t.Fatalf("Format: %v", err)
	}

	out, err := afero.ReadFile(fs, "loader.img")
	if err != nil {
		t.Fatalf("reading output image: %v", err)
	}

	loaderSeg := in.LoaderELF.Segments[0]
	if len(out) < len(loaderSeg.Data) {
		t.Fatalf("output image shorter than the loader segment alone")
	}

	headerOffset := len(loaderSeg.Data)
	magic := binary.LittleEndian.Uint64(out[headerOffset:])
	if magic != magic64 {
		t.Errorf("magic = 0x%x, want 0x%x", magic, magic64)
	}

	kernelEntry := binary.LittleEndian.Uint64(out[headerOffset+16:])
	if kernelEntry != in.KernelELF.Entry {
		t.Errorf("kernel_entry = 0x%x, want 0x%x", kernelEntry, in.KernelELF.Entry)
	}

	regionCountOffset := headerOffset + 9*8
	regionCount := binary.LittleEndian.Uint64(out[regionCountOffset:])
	// kernel segment + monitor segment + one orchestrator-provided region.
	if regionCount != 3 {
		t.Errorf("region_count = %d, want 3", regionCount)
	}
}

func TestFormatRejectsOverlappingRegions(t *testing.T) {
	fs := afero.NewMemMapFs()
	in := testInput(t)
	in.Regions = []Region{
		{PhysAddr: in.InitialTaskPhysBase, Data: []byte("clobbers the monitor segment")},
	}

	if err := Format(fs, in, "loader.img"); err == nil {
		t.Fatal("expected an error for overlapping regions")
	}
}

func TestFormatRejectsMultiSegmentMonitor(t *testing.T) {
	fs := afero.NewMemMapFs()
	in := testInput(t)
	seg := in.MonitorELF.Segments[0]
	in.MonitorELF.Segments = append(in.MonitorELF.Segments, seg)

	if err := Format(fs, in, "loader.img"); err == nil {
		t.Fatal("expected an error for a multi-segment monitor ELF")
	}
}

func TestArm64PageTablesLowerHalfIdentityMaps1GBBlocks(t *testing.T) {
	tables := arm64PageTables(0xffffff8080000000, 0x80000000, 0x1000, 0x2000, 0x3000)

	lvl1Lower := tables["boot_lvl1_lower"]
	entry0 := binary.LittleEndian.Uint64(lvl1Lower[:8])
	if entry0&1 == 0 {
		t.Fatal("first lower-half entry should be a valid 1GB block")
	}
	entry1 := binary.LittleEndian.Uint64(lvl1Lower[8:16])
	if entry1>>arm64OneGBBlockBits != 1 {
		t.Errorf("second 1GB block should map physical block index 1, got entry 0x%x", entry1)
	}
}

func TestLvlIndexHelpersDecomposeAnAddress(t *testing.T) {
	addr := uint64(0xffffff8080000000)
	if lvl2Index(addr) > 511 || lvl1Index(addr) > 511 || lvl0Index(addr) > 511 {
		t.Fatal("level indices must fit in 9 bits")
	}
}
