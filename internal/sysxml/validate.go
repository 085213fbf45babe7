package sysxml

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"sysbuilder/internal/builderr"
)

// flatten turns the parsed PD tree into one owning slice, replacing each
// child's ChildPDs with a Parent index into the returned slice (spec §3
// "PDs are flattened into a single owning vector before use", §9
// "back-references... pure indices"). It also checks that child pd_ids are
// unique within their immediate parent.
func flatten(roots []ProtectionDomain) ([]ProtectionDomain, error) {
	var out []ProtectionDomain

	var walk func(pd ProtectionDomain, parent int) error
	walk = func(pd ProtectionDomain, parent int) error {
		children := pd.ChildPDs
		seen := mapset.NewThreadUnsafeSet[uint64]()
		for _, child := range children {
			if child.PDID != nil {
				if seen.Contains(*child.PDID) {
					return builderr.Raw(builderr.Semantic, "duplicate pd_id: %d in protection domain: '%s' @ %s", *child.PDID, pd.Name, child.Loc)
				}
				seen.Add(*child.PDID)
			}
		}

		pd.ChildPDs = nil
		pd.Parent = parent
		myIndex := len(out)
		out = append(out, pd)

		for _, child := range children {
			if err := walk(child, myIndex); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range roots {
		if err := walk(root, -1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Build assembles a SystemDescription from parsed memory regions,
// (possibly nested) protection domain trees, and channels, running every
// invariant check spec §3/§7 names.
func Build(mrs []MemoryRegion, pdRoots []ProtectionDomain, channels []Channel) (*SystemDescription, error) {
	pds, err := flatten(pdRoots)
	if err != nil {
		return nil, err
	}

	sd := &SystemDescription{
		MemoryRegions:     mrs,
		ProtectionDomains: pds,
		Channels:          channels,
		MRByName:          make(map[string]*MemoryRegion, len(mrs)),
		PDByName:          make(map[string]int, len(pds)),
	}

	if len(pds) == 0 {
		return nil, builderr.Raw(builderr.Semantic, "At least one protection domain must be defined")
	}
	if len(pds) > 63 {
		return nil, builderr.Raw(builderr.Semantic, "Too many protection domains (%d) defined. Maximum is 63.", len(pds))
	}

	for i := range pds {
		if _, dup := sd.PDByName[pds[i].Name]; dup {
			return nil, builderr.Raw(builderr.Semantic, "Duplicate protection domain name '%s'.", pds[i].Name)
		}
		sd.PDByName[pds[i].Name] = i
	}
	for i := range mrs {
		if _, dup := sd.MRByName[mrs[i].Name]; dup {
			return nil, builderr.Raw(builderr.Semantic, "Duplicate memory region name '%s'.", mrs[i].Name)
		}
		sd.MRByName[mrs[i].Name] = &mrs[i]
	}

	for _, cc := range channels {
		for _, name := range []string{cc.PDA, cc.PDB} {
			if _, ok := sd.PDByName[name]; !ok {
				return nil, builderr.Raw(builderr.Semantic, "Invalid pd name '%s'. on element 'channel': %s", name, cc.Loc)
			}
		}
	}

	allIRQs := mapset.NewThreadUnsafeSet[uint64]()
	for _, pd := range pds {
		for _, irq := range pd.IRQs {
			if allIRQs.Contains(irq.IRQ) {
				return nil, builderr.Raw(builderr.Semantic, "duplicate irq: %d in protection domain: '%s' @ %s", irq.IRQ, pd.Name, irq.Loc)
			}
			allIRQs.Add(irq.IRQ)
		}
	}

	chIDs := make(map[string]mapset.Set[uint64], len(sd.PDByName))
	for name := range sd.PDByName {
		chIDs[name] = mapset.NewThreadUnsafeSet[uint64]()
	}
	for _, pd := range pds {
		for _, irq := range pd.IRQs {
			if chIDs[pd.Name].Contains(irq.ID) {
				return nil, builderr.Raw(builderr.Semantic, "duplicate channel id: %d in protection domain: '%s' @ %s", irq.ID, pd.Name, irq.Loc)
			}
			chIDs[pd.Name].Add(irq.ID)
		}
	}
	for _, cc := range channels {
		if chIDs[cc.PDA].Contains(cc.IDA) {
			return nil, builderr.Raw(builderr.Semantic, "duplicate channel id: %d in protection domain: '%s' @ %s", cc.IDA, cc.PDA, cc.Loc)
		}
		if chIDs[cc.PDB].Contains(cc.IDB) {
			return nil, builderr.Raw(builderr.Semantic, "duplicate channel id: %d in protection domain: '%s' @ %s", cc.IDB, cc.PDB, cc.Loc)
		}
		chIDs[cc.PDA].Add(cc.IDA)
		chIDs[cc.PDB].Add(cc.IDB)
	}

	usedMRs := mapset.NewThreadUnsafeSet[string]()
	for _, pd := range pds {
		for _, m := range pd.Maps {
			mr, ok := sd.MRByName[m.MR]
			if !ok {
				return nil, builderr.Raw(builderr.Semantic, "Invalid memory region name '%s' on '%s' @ %s", m.MR, "map", m.Loc)
			}
			if m.Vaddr%mr.PageSize != 0 {
				return nil, builderr.Raw(builderr.Semantic, "Invalid vaddr alignment on '%s' @ %s", "map", m.Loc)
			}
			usedMRs.Add(m.MR)
		}
	}

	for name := range sd.MRByName {
		if !usedMRs.Contains(name) {
			sd.Warnings = append(sd.Warnings, fmt.Sprintf("WARNING: Unused memory region: %s", name))
		}
	}

	return sd, nil
}
