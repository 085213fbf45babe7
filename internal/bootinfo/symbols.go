package bootinfo

import (
	"encoding/binary"
	"fmt"

	"sysbuilder/internal/builderr"
	"sysbuilder/internal/elfmodel"
	"sysbuilder/internal/engine"
	"sysbuilder/internal/memregion"
)

// kernelDeviceFrameEntrySize and kernelDeviceAddrs decode the kernel ELF's
// "kernel_device_frames" symbol, one fixed-size entry per kernel-only
// device frame: (paddr uint64, pptr uint64, trailing arch-specific fields).
// AArch64 trails with two uint32s (execute-never, user-accessible);
// RISC-V trails with a single uint64 (user-accessible) — both 24 bytes
// per entry, so only the trailing field's width and offset differ.
const kernelDeviceFrameEntrySize = 24

// kernelDeviceAddrs returns the physical address of every kernel-only
// device frame (those the kernel does not mark user-accessible). Some
// platforms have no kernel devices at all, in which case the compiler may
// optimize the symbol away entirely — that is not an error.
func kernelDeviceAddrs(arch engine.Arch, kernelELF *elfmodel.File) ([]uint64, error) {
	sym, ok := kernelELF.FindSymbolIfExists("kernel_device_frames")
	if !ok {
		return nil, nil
	}
	raw, err := kernelELF.GetData(sym.Value, sym.Size)
	if err != nil {
		return nil, builderr.Wrap(builderr.Symbol, err, "reading kernel_device_frames")
	}

	var addrs []uint64
	for off := 0; off+kernelDeviceFrameEntrySize <= len(raw); off += kernelDeviceFrameEntrySize {
		paddr := binary.LittleEndian.Uint64(raw[off : off+8])
		var userAccessible bool
		switch arch {
		case engine.RISCV64:
			ua := binary.LittleEndian.Uint64(raw[off+16 : off+24])
			userAccessible = ua != 0
		case engine.AArch64, engine.X86_64:
			ua := binary.LittleEndian.Uint32(raw[off+20 : off+24])
			userAccessible = ua != 0
		default:
			return nil, fmt.Errorf("bootinfo: unexpected kernel architecture %v", arch)
		}
		if !userAccessible {
			addrs = append(addrs, paddr)
		}
	}
	return addrs, nil
}

// kernelPhysMem decodes the "avail_p_regs" symbol: an array of (start, end)
// physical address pairs describing the memory the kernel considers normal,
// available RAM.
func kernelPhysMem(kernelELF *elfmodel.File) ([]memregion.Region, error) {
	sym, err := kernelELF.FindSymbol("avail_p_regs")
	if err != nil {
		return nil, builderr.Wrap(builderr.Symbol, err, "locating avail_p_regs")
	}
	raw, err := kernelELF.GetData(sym.Value, sym.Size)
	if err != nil {
		return nil, builderr.Wrap(builderr.Symbol, err, "reading avail_p_regs")
	}

	const entrySize = 16
	var regions []memregion.Region
	for off := 0; off+entrySize <= len(raw); off += entrySize {
		start := binary.LittleEndian.Uint64(raw[off : off+8])
		end := binary.LittleEndian.Uint64(raw[off+8 : off+16])
		regions = append(regions, memregion.Region{Base: start, End: end})
	}
	return regions, nil
}

// translatePhys maps a kernel virtual symbol address into the physical
// address space using the kernel's own first segment as the offset anchor,
// the same translation the kernel ELF's loader applies.
func translatePhys(kernelELF *elfmodel.File, vaddr uint64) (uint64, error) {
	if len(kernelELF.Segments) == 0 {
		return 0, fmt.Errorf("bootinfo: kernel ELF has no loadable segments")
	}
	seg0 := kernelELF.Segments[0]
	return vaddr - seg0.Vaddr + seg0.Paddr, nil
}

// kernelSelfMem returns the physical range occupied by the kernel image
// itself, from its first segment's base through the "ki_end" symbol.
func kernelSelfMem(kernelELF *elfmodel.File) (memregion.Region, error) {
	if len(kernelELF.Segments) == 0 {
		return memregion.Region{}, fmt.Errorf("bootinfo: kernel ELF has no loadable segments")
	}
	base := kernelELF.Segments[0].Paddr
	kiEnd, err := kernelELF.FindSymbol("ki_end")
	if err != nil {
		return memregion.Region{}, builderr.Wrap(builderr.Symbol, err, "locating ki_end")
	}
	end, err := translatePhys(kernelELF, kiEnd.Value)
	if err != nil {
		return memregion.Region{}, err
	}
	return memregion.Region{Base: base, End: end}, nil
}

// kernelBootMem returns the physical range the kernel reclaims once boot
// completes, from the kernel's base through the "ki_boot_end" symbol.
func kernelBootMem(kernelELF *elfmodel.File) (memregion.Region, error) {
	if len(kernelELF.Segments) == 0 {
		return memregion.Region{}, fmt.Errorf("bootinfo: kernel ELF has no loadable segments")
	}
	base := kernelELF.Segments[0].Paddr
	kiBootEnd, err := kernelELF.FindSymbol("ki_boot_end")
	if err != nil {
		return memregion.Region{}, builderr.Wrap(builderr.Symbol, err, "locating ki_boot_end")
	}
	end, err := translatePhys(kernelELF, kiBootEnd.Value)
	if err != nil {
		return memregion.Region{}, err
	}
	return memregion.Region{Base: base, End: end}, nil
}
