// Package loaderimg builds the final bootable image: the loader ELF's own
// segment, prepended to the architecture boot page tables it needs, a fixed
// header, and the concatenated bytes of every physical memory region the
// system builder produced (spec §4.H).
package loaderimg

import (
	"encoding/binary"

	"github.com/spf13/afero"

	"sysbuilder/internal/builderr"
	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/memregion"
)

// Magic values are a constant depending on word size (spec §4.H step 6).
const (
	magic32 = 0x5e14dead
	magic64 = 0x5e14dead14de5ead
)

const flagHypervisor = 1

// region is one (physical_address, bytes) pair destined for the image's
// trailer, in the order the header's region_count covers.
type region struct {
	PhysAddr uint64
	Data     []byte
}

// Input collects everything Format needs: the loader ELF itself, the kernel
// and monitor ELFs it boots, the monitor's chosen physical base (which may
// differ from its ELF's own physical address — spec §4.H step 3), the
// reserved region carved out for the invocation table and PD images, and
// the ordered list of additional regions the orchestrator produced.
type Input struct {
	Config             engine.Config
	LoaderELF          *elfmodel.File
	KernelELF          *elfmodel.File
	MonitorELF         *elfmodel.File
	InitialTaskPhysBase uint64
	ReservedRegion     memregion.Region
	Regions            []Region
}

// Region is one physical-address/bytes pair the orchestrator has already
// prepared (e.g. the invocation tables, per-PD ELF segments).
type Region struct {
	PhysAddr uint64
	Data     []byte
}

// Format assembles the complete image and writes it to path via fs (spec
// §4.H). It is a pure transform over Input plus the loader/kernel/monitor
// ELFs already parsed by internal/elfmodel; nothing here touches the
// filesystem except the final write.
func Format(fs afero.Fs, in Input, path string) error {
	image, err := build(in)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, image, 0o644); err != nil {
		return builderr.Wrap(builderr.Resource, err, "writing loader image %s", path)
	}
	return nil
}

func build(in Input) ([]byte, error) {
	loaderSeg, err := loaderSegment(in.LoaderELF)
	if err != nil {
		return nil, err
	}

	regions, kernelInfo, err := kernelRegions(in.KernelELF)
	if err != nil {
		return nil, err
	}

	monitorSeg, err := monitorSegment(in.MonitorELF)
	if err != nil {
		return nil, err
	}
	initialTaskFirstPaddr := in.InitialTaskPhysBase
	initialTaskFirstVaddr := monitorSeg.Vaddr
	initialTaskLastVaddr := memregion.RoundUp(monitorSeg.Vaddr+monitorSeg.Memsz, memregion.KB(4))
	inittaskPVOffset := initialTaskFirstVaddr - initialTaskFirstPaddr
	regions = append(regions, region{PhysAddr: initialTaskFirstPaddr, Data: monitorSeg.Data})

	pageTables, err := patchedPageTables(in.LoaderELF, loaderSeg, kernelInfo, in.Config.Hypervisor)
	if err != nil {
		return nil, err
	}
	image := append([]byte(nil), loaderSeg.Data...)
	for name, data := range pageTables {
		sym, err := in.LoaderELF.FindSymbol(name)
		if err != nil {
			return nil, builderr.Wrap(builderr.Symbol, err, "loader image is missing page table symbol")
		}
		offset := sym.Value - loaderSeg.Vaddr
		if offset == 0 || offset > uint64(len(image)) {
			return nil, builderr.Raw(builderr.Symbol, "page table symbol %q at offset 0x%x falls outside the loader image", name, offset)
		}
		if uint64(len(data)) != sym.Size {
			return nil, builderr.Raw(builderr.Symbol, "page table symbol %q is %d bytes, data is %d bytes", name, sym.Size, len(data))
		}
		copy(image[offset:offset+uint64(len(data))], data)
	}

	for _, r := range in.Regions {
		regions = append(regions, region{PhysAddr: r.PhysAddr, Data: r.Data})
	}
	if err := checkNonOverlapping(regions); err != nil {
		return nil, err
	}

	uiPRegStart := initialTaskFirstPaddr
	uiPRegEnd := initialTaskLastVaddr - inittaskPVOffset
	if uiPRegEnd <= uiPRegStart {
		return nil, builderr.Raw(builderr.Resource, "initial task physical region is empty or inverted")
	}

	flags := uint64(0)
	if in.Config.Hypervisor {
		flags |= flagHypervisor
	}

	hdr := header{
		Magic:           magicFor(in.Config.WordSize),
		Flags:           flags,
		KernelEntry:     in.KernelELF.Entry,
		UIPRegStart:     uiPRegStart,
		UIPRegEnd:       uiPRegEnd,
		PVOffset:        int64(initialTaskFirstPaddr) - int64(initialTaskFirstVaddr),
		VEntry:          in.MonitorELF.Entry,
		ExtraDeviceAddr: in.ReservedRegion.Base,
		ExtraDeviceSize: in.ReservedRegion.Size(),
		RegionCount:     uint64(len(regions)),
	}

	out := append([]byte(nil), image...)
	out = append(out, hdr.Bytes(in.Config.WordSize)...)

	offset := uint64(0)
	for _, r := range regions {
		out = append(out, regionDescriptor(r.PhysAddr, uint64(len(r.Data)), offset, in.Config.WordSize)...)
		offset += uint64(len(r.Data))
	}
	for _, r := range regions {
		out = append(out, r.Data...)
	}
	return out, nil
}

func magicFor(wordSize int) uint64 {
	if wordSize == 32 {
		return magic32
	}
	return magic64
}

type header struct {
	Magic           uint64
	Flags           uint64
	KernelEntry     uint64
	UIPRegStart     uint64
	UIPRegEnd       uint64
	PVOffset        int64
	VEntry          uint64
	ExtraDeviceAddr uint64
	ExtraDeviceSize uint64
	RegionCount     uint64
}

// Bytes packs the header per spec §4.H step 6: word-sized little-endian
// fields, PVOffset signed (the monitor may load above or below its
// physical placement).
func (h header) Bytes(wordSize int) []byte {
	fields := []uint64{
		h.Magic, h.Flags, h.KernelEntry, h.UIPRegStart, h.UIPRegEnd,
		uint64(h.PVOffset), h.VEntry, h.ExtraDeviceAddr, h.ExtraDeviceSize, h.RegionCount,
	}
	return packFields(fields, wordSize)
}

func regionDescriptor(physAddr, size, offset uint64, wordSize int) []byte {
	const regionType = 1
	return packFields([]uint64{physAddr, size, offset, regionType}, wordSize)
}

func packFields(fields []uint64, wordSize int) []byte {
	width := 8
	if wordSize == 32 {
		width = 4
	}
	buf := make([]byte, width*len(fields))
	for i, v := range fields {
		if width == 4 {
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(buf[8*i:], v)
		}
	}
	return buf
}

// loaderSegment requires the loader ELF's sole loadable segment and that
// its virtual address equal the ELF's entry point (spec §4.H step 1).
func loaderSegment(f *elfmodel.File) (*elfmodel.Segment, error) {
	if len(f.Segments) == 0 {
		return nil, builderr.Raw(builderr.Resource, "loader ELF has no loadable segment")
	}
	seg := f.Segments[0]
	if seg.Vaddr != f.Entry {
		return nil, builderr.Raw(builderr.Resource, "loader entry point must be the first byte of its image")
	}
	return seg, nil
}

type kernelBootInfo struct {
	firstVaddr uint64
	firstPaddr uint64
}

// kernelRegions collects (phys_addr, data) for every kernel loadable
// segment and derives its first virtual/physical addresses, requiring a
// consistent virt-phys offset across every segment (spec §4.H step 2).
func kernelRegions(f *elfmodel.File) ([]region, kernelBootInfo, error) {
	var regions []region
	var firstVaddr, firstPaddr uint64
	var pvOffset uint64
	haveOffset := false

	for _, seg := range f.Segments {
		if firstVaddr == 0 || seg.Vaddr < firstVaddr {
			firstVaddr = seg.Vaddr
		}
		if firstPaddr == 0 || seg.Paddr < firstPaddr {
			firstPaddr = seg.Paddr
		}
		offset := seg.Vaddr - seg.Paddr
		if !haveOffset {
			pvOffset = offset
			haveOffset = true
		} else if offset != pvOffset {
			return nil, kernelBootInfo{}, builderr.Raw(builderr.Resource, "kernel does not have a consistent physical to virtual offset")
		}
		regions = append(regions, region{PhysAddr: seg.Paddr, Data: seg.Data})
	}
	if !haveOffset {
		return nil, kernelBootInfo{}, builderr.Raw(builderr.Resource, "kernel ELF has no loadable segment")
	}
	return regions, kernelBootInfo{firstVaddr: firstVaddr, firstPaddr: firstPaddr}, nil
}

// monitorSegment requires exactly one loadable segment (spec §4.H step 3).
func monitorSegment(f *elfmodel.File) (*elfmodel.Segment, error) {
	if len(f.Segments) != 1 {
		return nil, builderr.Raw(builderr.Resource, "monitor ELF must have exactly one loadable segment, has %d", len(f.Segments))
	}
	return f.Segments[0], nil
}

// patchedPageTables builds the architecture boot page tables at the
// addresses the loader ELF's own symbols declare for them, so the tables
// reference each other by their eventual load address (spec §4.H step 4).
func patchedPageTables(loaderELF *elfmodel.File, loaderSeg *elfmodel.Segment, info kernelBootInfo, hyp bool) (map[string][]byte, error) {
	lvl1LowerAddr, err := findSymbolAddr(loaderELF, "boot_lvl1_lower")
	if err != nil {
		return nil, err
	}
	lvl1UpperAddr, err := findSymbolAddr(loaderELF, "boot_lvl1_upper")
	if err != nil {
		return nil, err
	}
	lvl2UpperAddr, err := findSymbolAddr(loaderELF, "boot_lvl2_upper")
	if err != nil {
		return nil, err
	}
	if hyp {
		return arm64PageTablesHypervisor(info.firstVaddr, info.firstPaddr, lvl1LowerAddr, lvl1UpperAddr, lvl2UpperAddr), nil
	}
	return arm64PageTables(info.firstVaddr, info.firstPaddr, lvl1LowerAddr, lvl1UpperAddr, lvl2UpperAddr), nil
}

func findSymbolAddr(f *elfmodel.File, name string) (uint64, error) {
	sym, err := f.FindSymbol(name)
	if err != nil {
		return 0, builderr.Wrap(builderr.Symbol, err, "loader image is missing page table symbol")
	}
	return sym.Value, nil
}

// checkNonOverlapping asserts every region occupies disjoint physical space
// (spec §4.H step 5).
func checkNonOverlapping(regions []region) error {
	type span struct{ base, end uint64 }
	var checked []span
	for _, r := range regions {
		base := r.PhysAddr
		end := base + uint64(len(r.Data))
		for _, c := range checked {
			if !(end <= c.base || base >= c.end) {
				return builderr.Raw(builderr.Resource, "overlapping regions: 0x%x-0x%x overlaps 0x%x-0x%x", base, end, c.base, c.end)
			}
		}
		checked = append(checked, span{base, end})
	}
	return nil
}

