package engine

import "golang.org/x/sys/unix"

// Config is the immutable kernel configuration read from config.json (spec
// §3 "Kernel configuration"). It never changes once loaded.
type Config struct {
	Arch               Arch   `json:"-"`
	WordSize           int    `json:"wordSize"` // 32 or 64
	MinimumPageSize    uint64 `json:"minimumPageSize,omitempty"`
	PaddrUserDeviceTop uint64 `json:"paddrUserDeviceTop"`
	KernelFrameSize    uint64 `json:"kernelFrameSize"`
	RootCNodeBits      uint   `json:"rootCNodeBits"`
	CapAddressBits     uint   `json:"capAddressBits"`
	FanOutLimit        int    `json:"fanOutLimit"`
	Hypervisor         bool   `json:"hypervisor"`
	HaveFPU            bool   `json:"haveFPU"`
	MaxCPUs            int    `json:"maxCPUs"`

	// Architecture-specific fields.
	ARMPAWidthBits int `json:"armPAWidthBits,omitempty"` // ARM physical-address-bit width
	RISCVPTLevels  int `json:"riscvPTLevels,omitempty"`  // RISC-V page-table level count
	X86XSaveSize   int `json:"x86XSaveSize,omitempty"`   // x86 XSAVE area size
}

// RawConfig is the on-disk shape of config.json (spec §6): a flat JSON
// object decoded with the standard library, with "arch" kept as a string
// since Arch itself has no JSON representation (it is derived via
// ParseArch so bad values produce the same parse error as every other
// config field, not a silent zero value).
type RawConfig struct {
	Config
	ArchName string `json:"arch"`
}

// Resolve turns a decoded RawConfig into a Config, parsing the arch name
// and falling back to the host page size when config.json omits one.
func (r RawConfig) Resolve() (Config, error) {
	cfg := r.Config
	arch, err := ParseArch(r.ArchName)
	if err != nil {
		return Config{}, err
	}
	cfg.Arch = arch
	if cfg.MinimumPageSize == 0 {
		cfg.MinimumPageSize = DefaultMinimumPageSize()
	}
	return cfg, nil
}

// DefaultMinimumPageSize falls back to the host's native page size
// (golang.org/x/sys/unix.Getpagesize) when config.json omits the field —
// most boards agree with the host here, and the kernel config always wins
// when present.
func DefaultMinimumPageSize() uint64 {
	return uint64(unix.Getpagesize())
}

// PageMapAttributes returns the architecture-specific VM attribute word used
// when mapping a page with the given cached/executable properties. This is
// the third architecture branch point named in spec §9.
func (c Config) PageMapAttributes(cached, executable bool) uint64 {
	switch c.Arch {
	case AArch64:
		attrs := uint64(3) // SEL4_ARM_DEFAULT_VMATTRIBUTES: cacheable + parity
		if !cached {
			attrs &^= 1 // clear SEL4_ARM_PAGE_CACHEABLE
		}
		if !executable {
			attrs |= 4 // SEL4_ARM_EXECUTE_NEVER
		}
		return attrs
	case RISCV64:
		attrs := uint64(0) // SEL4_RISCV_DEFAULT_VMATTRIBUTES
		if !executable {
			attrs |= 1 // SEL4_RISCV_EXECUTE_NEVER
		}
		return attrs
	case X86_64:
		return 0
	default:
		panic("engine: PageMapAttributes on unknown arch")
	}
}
