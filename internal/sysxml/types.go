// Package sysxml parses and validates the declarative system-description
// XML (spec §3, §4.C): memory regions, protection domains, channels, and
// virtual machines, each tagged with its source file:line:column for
// diagnostics.
package sysxml

import "sysbuilder/internal/builderr"

// Location is an alias for the builder's shared source-position type, so
// every sysxml record can be tagged without importing builderr everywhere.
type Location = builderr.Location

// MemoryRegion is one `<memory_region>` element.
type MemoryRegion struct {
	Name      string
	Size      uint64
	PageSize  uint64
	PageCount uint64
	PhysAddr  *uint64
}

// Map is one `<map>` element inside a protection domain.
type Map struct {
	MR          string
	Vaddr       uint64
	Perms       string // subset of "rwx", write-only rejected
	Cached      bool
	SetVarVaddr string
	Loc         Location
}

// Irq is one `<irq>` element inside a protection domain.
type Irq struct {
	IRQ     uint64
	ID      uint64
	Trigger string
	Loc     Location
}

// SetVar is one `<setvar>` element, or one synthesized from a map's
// setvar_vaddr attribute.
type SetVar struct {
	Symbol      string
	RegionPaddr string // name of an MR whose first page's phys addr is patched in
	Vaddr       *uint64
}

// VirtualMachine is one `<virtual_machine>` element, optionally nested
// inside a protection domain.
type VirtualMachine struct {
	Name         string
	ID           uint64
	ProgramImage string
	DeviceTree   string
	Loc          Location
}

// ProtectionDomain is one `<protection_domain>` element, possibly nested.
// ChildPDs holds the tree shape as parsed; SystemDescription flattens this
// into one owning slice with Parent as a non-owning index.
type ProtectionDomain struct {
	PDID         *uint64
	Name         string
	Priority     uint64
	Budget       uint64
	Period       uint64
	Passive      bool
	PP           bool
	Affinity     *uint64
	ProgramImage string
	Maps         []Map
	IRQs         []Irq
	SetVars      []SetVar
	ChildPDs     []ProtectionDomain
	VM           *VirtualMachine
	Loc          Location

	// Parent is set only after SystemDescription flattens the tree; it is
	// an index into SystemDescription.ProtectionDomains, -1 for roots.
	Parent int
}

// Channel is one `<channel>` element with exactly two `<end>` children.
type Channel struct {
	PDA string
	IDA uint64
	PDB string
	IDB uint64
	Loc Location
}

// SystemDescription is the fully parsed, fully validated, immutable system
// description the builder consumes. Construct it via ParseSystem.
type SystemDescription struct {
	MemoryRegions     []MemoryRegion
	ProtectionDomains []ProtectionDomain // flattened; see ProtectionDomain.Parent
	Channels          []Channel

	MRByName map[string]*MemoryRegion
	PDByName map[string]int // index into ProtectionDomains

	Warnings []string
}
