package main

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"sysbuilder/internal/builderr"
	"sysbuilder/internal/kobject"
	"sysbuilder/internal/sysbuild"
)

// writeReport renders the build report: kernel boot info,
// loader regions, monitor memory footprint, allocated object and invocation
// summaries, then the per-object and per-invocation detail dumps (the
// latter resolving every extra cap to its display name via
// internal/kobject.Describe).
func writeReport(fs afero.Fs, path string, built *sysbuild.BuiltSystem) error {
	var b strings.Builder

	info := built.KernelBootInfo
	fmt.Fprintf(&b, "# Kernel Boot Info\n\n")
	fmt.Fprintf(&b, "    # of fixed caps     : %8d\n", info.FixedCapCount)
	fmt.Fprintf(&b, "    # of page table caps: %8d\n", info.PagingCapCount)
	fmt.Fprintf(&b, "    # of page caps      : %8d\n", info.PageCapCount)
	fmt.Fprintf(&b, "    # of untyped objects: %8d\n", len(info.UntypedObjects))
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "# Loader Regions\n\n")
	for _, r := range built.Regions {
		fmt.Fprintf(&b, "       %s: 0x%x-0x%x\n", r.Name, r.Addr, r.Addr+uint64(len(r.Data)))
	}
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "# Monitor (Initial Task) Info\n\n")
	fmt.Fprintf(&b, "     virtual memory : %s\n", built.InitialTaskVirtRegion)
	fmt.Fprintf(&b, "     physical memory: %s\n", built.InitialTaskPhysRegion)
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "# Allocated Kernel Objects Summary\n\n")
	fmt.Fprintf(&b, "     # of allocated objects: %d\n", len(built.KernelObjects))
	fmt.Fprintf(&b, "\n")

	bootstrapSize := 0
	for _, inv := range built.BootstrapInvocations {
		bootstrapSize += len(kobject.Encode(inv))
	}
	fmt.Fprintf(&b, "# Bootstrap Kernel Invocations Summary\n\n")
	fmt.Fprintf(&b, "     # of invocations   : %10d\n", len(built.BootstrapInvocations))
	fmt.Fprintf(&b, "     size of invocations: %10d\n", bootstrapSize)
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "# System Kernel Invocations Summary\n\n")
	fmt.Fprintf(&b, "     # of invocations   : %10d\n", len(built.SystemInvocations))
	fmt.Fprintf(&b, "     size of invocations: %10d\n", built.InvocationDataSize)
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "# Allocated Kernel Objects Detail\n\n")
	for _, ko := range built.KernelObjects {
		fmt.Fprintf(&b, "    %-50s %s cap_addr=%x phys_addr=%x\n", ko.Name, ko.Type, ko.CapAddr, ko.PhysAddr)
	}
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "# Bootstrap Kernel Invocations Detail\n\n")
	for idx, inv := range built.BootstrapInvocations {
		fmt.Fprintf(&b, "    0x%04x %s\n", idx, kobject.Describe(inv, built.CapLookup))
	}
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "# System Kernel Invocations Detail\n\n")
	for idx, inv := range built.SystemInvocations {
		fmt.Fprintf(&b, "    0x%04x %s\n", idx, kobject.Describe(inv, built.CapLookup))
	}

	if err := afero.WriteFile(fs, path, []byte(b.String()), 0o644); err != nil {
		return builderr.Wrap(builderr.Resource, err, "writing report %s", path)
	}
	return nil
}
