package sysxml

import (
	"strconv"
	"strings"

	"sysbuilder/internal/builderr"
)

// PlatformPageSizes is the set of page sizes a board/config makes
// available; memory_region's page_size attribute must be one of these.
type PlatformPageSizes struct {
	Sizes []uint64
}

func (p PlatformPageSizes) contains(n uint64) bool {
	for _, s := range p.Sizes {
		if s == n {
			return true
		}
	}
	return false
}

func (p PlatformPageSizes) min() uint64 {
	m := p.Sizes[0]
	for _, s := range p.Sizes[1:] {
		if s < m {
			m = s
		}
	}
	return m
}

// parseIntBase0 mirrors Python's int(s, base=0): it accepts a 0x/0o/0b
// prefix or bare decimal, and on failure produces the identical diagnostic
// text spec §8's fixture #1 requires.
func parseIntBase0(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, &strconvError{literal: s}
	}
	return v, nil
}

type strconvError struct{ literal string }

func (e *strconvError) Error() string {
	return "invalid literal for int() with base 0: '" + e.literal + "'"
}

func strToBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, &boolError{}
	}
}

type boolError struct{}

func (e *boolError) Error() string { return "invalid boolean value" }

// xml2mr converts one `<memory_region>` node to a MemoryRegion (spec §3,
// §4.C, §8 fixtures 1-4).
func xml2mr(n *node, plat PlatformPageSizes) (MemoryRegion, error) {
	if err := checkAttrs(n, "name", "size", "page_size", "phys_addr"); err != nil {
		return MemoryRegion{}, err
	}
	name, ok := n.attr("name")
	if !ok {
		return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'name'")
	}
	sizeStr, ok := n.attr("size")
	if !ok {
		return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'size'")
	}
	size, err := parseIntBase0(sizeStr)
	if err != nil {
		return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
	}

	pageSize := plat.min()
	if ps, ok := n.attr("page_size"); ok {
		pageSize, err = parseIntBase0(ps)
		if err != nil {
			return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
	}
	if !plat.contains(pageSize) {
		return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "page size 0x%x not supported", pageSize)
	}
	if size%pageSize != 0 {
		return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "size is not a multiple of the page size")
	}

	var phys *uint64
	if ps, ok := n.attr("phys_addr"); ok {
		v, err := parseIntBase0(ps)
		if err != nil {
			return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		if v%pageSize != 0 {
			return MemoryRegion{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "phys_addr is not aligned to the page size")
		}
		phys = &v
	}

	return MemoryRegion{
		Name:      name,
		Size:      size,
		PageSize:  pageSize,
		PageCount: size / pageSize,
		PhysAddr:  phys,
	}, nil
}

// xml2channelEnd converts one `<end>` node, enforcing the id < 64 rule of
// spec §8 fixture #6.
func xml2channelEnd(n *node) (pd string, id uint64, err error) {
	if err := checkAttrs(n, "pd", "id"); err != nil {
		return "", 0, err
	}
	pd, ok := n.attr("pd")
	if !ok {
		return "", 0, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'pd'")
	}
	idStr, ok := n.attr("id")
	if !ok {
		return "", 0, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'id'")
	}
	id, err = parseIntBase0(idStr)
	if err != nil {
		return "", 0, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
	}
	if id >= 64 {
		return "", 0, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "id must be < 64")
	}
	return pd, id, nil
}

// xml2channel converts one `<channel>` node with exactly two `<end>`
// children.
func xml2channel(n *node) (Channel, error) {
	if err := checkAttrs(n); err != nil {
		return Channel{}, err
	}
	type end struct {
		pd string
		id uint64
	}
	var ends []end
	for _, c := range n.Children {
		if c.Tag != "end" {
			return Channel{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Invalid XML element '%s'", c.Tag)
		}
		pd, id, err := xml2channelEnd(c)
		if err != nil {
			return Channel{}, err
		}
		ends = append(ends, end{pd, id})
	}
	if len(ends) != 2 {
		return Channel{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "exactly two end elements must be specified")
	}
	return Channel{PDA: ends[0].pd, IDA: ends[0].id, PDB: ends[1].pd, IDB: ends[1].id, Loc: n.Loc}, nil
}

// xml2vm converts one `<virtual_machine>` node.
func xml2vm(n *node) (VirtualMachine, error) {
	if err := checkAttrs(n, "name", "id"); err != nil {
		return VirtualMachine{}, err
	}
	name, ok := n.attr("name")
	if !ok {
		return VirtualMachine{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'name'")
	}
	idStr, ok := n.attr("id")
	if !ok {
		return VirtualMachine{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'id'")
	}
	id, err := parseIntBase0(idStr)
	if err != nil {
		return VirtualMachine{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
	}

	var programImage, deviceTree string
	for _, c := range n.Children {
		switch c.Tag {
		case "program_image":
			if err := checkAttrs(c, "path"); err != nil {
				return VirtualMachine{}, err
			}
			p, ok := c.attr("path")
			if !ok {
				return VirtualMachine{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'path'")
			}
			programImage = p
		case "map":
			// A VM's <map> children are accepted but not recorded:
			// VirtualMachine carries no maps, so none of them reach the
			// orchestrator.
		case "device_tree":
			if err := checkAttrs(c, "path"); err != nil {
				return VirtualMachine{}, err
			}
			deviceTree, _ = c.attr("path")
		default:
			return VirtualMachine{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Invalid XML element '%s'", c.Tag)
		}
	}
	if programImage == "" {
		return VirtualMachine{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "program_image must be specified")
	}
	return VirtualMachine{Name: name, ID: id, ProgramImage: programImage, DeviceTree: deviceTree, Loc: n.Loc}, nil
}

// xml2pd converts one `<protection_domain>` node, recursing into nested
// child protection domains (spec §3 "nested child PDs").
func xml2pd(n *node, isChild bool) (ProtectionDomain, error) {
	rootAttrs := []string{"name", "priority", "pp", "budget", "period", "passive", "cpu_affinity"}
	allowed := rootAttrs
	if isChild {
		allowed = append(append([]string{}, rootAttrs...), "pd_id")
	}
	if err := checkAttrs(n, allowed...); err != nil {
		return ProtectionDomain{}, err
	}

	name, ok := n.attr("name")
	if !ok {
		return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'name'")
	}

	priority := uint64(0)
	if p, ok := n.attr("priority"); ok {
		v, err := parseIntBase0(p)
		if err != nil {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		priority = v
	}
	if priority > 254 {
		return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "priority must be between 0 and 254")
	}

	budget := uint64(1000)
	if b, ok := n.attr("budget"); ok {
		v, err := parseIntBase0(b)
		if err != nil {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		budget = v
	}
	period := budget
	if p, ok := n.attr("period"); ok {
		v, err := parseIntBase0(p)
		if err != nil {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		period = v
	}
	if budget > period {
		return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "budget (%d) must be less than, or equal to, period (%d)", budget, period)
	}

	var pdID *uint64
	if isChild {
		idStr, ok := n.attr("pd_id")
		if !ok {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "Missing required attribute 'pd_id'")
		}
		v, err := parseIntBase0(idStr)
		if err != nil {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		if v > 255 {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "pd_id must be between 0 and 255")
		}
		pdID = &v
	}

	pp := false
	if v, ok := n.attr("pp"); ok {
		b, err := strToBool(v)
		if err != nil {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		pp = b
	}
	passive := false
	if v, ok := n.attr("passive"); ok {
		b, err := strToBool(v)
		if err != nil {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		passive = b
	}
	var affinity *uint64
	if v, ok := n.attr("cpu_affinity"); ok {
		a, err := parseIntBase0(v)
		if err != nil {
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "%s", err)
		}
		affinity = &a
	}

	var programImage string
	var maps []Map
	var irqs []Irq
	var setvars []SetVar
	var childPDs []ProtectionDomain
	var vm *VirtualMachine

	for _, c := range n.Children {
		switch c.Tag {
		case "program_image":
			if err := checkAttrs(c, "path"); err != nil {
				return ProtectionDomain{}, err
			}
			if programImage != "" {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "program_image must only be specified once")
			}
			p, ok := c.attr("path")
			if !ok {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'path'")
			}
			programImage = p

		case "map":
			if err := checkAttrs(c, "mr", "vaddr", "perms", "cached", "setvar_vaddr"); err != nil {
				return ProtectionDomain{}, err
			}
			mr, ok := c.attr("mr")
			if !ok {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'mr'")
			}
			vaddrStr, ok := c.attr("vaddr")
			if !ok {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'vaddr'")
			}
			vaddr, err := parseIntBase0(vaddrStr)
			if err != nil {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "%s", err)
			}
			perms := "rw"
			if p, ok := c.attr("perms"); ok {
				perms = p
			}
			if perms == "w" {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "write-only mappings are not allowed")
			}
			cached := true
			if v, ok := c.attr("cached"); ok {
				cached, err = strToBool(v)
				if err != nil {
					return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "%s", err)
				}
			}
			setvarVaddr, _ := c.attr("setvar_vaddr")
			maps = append(maps, Map{MR: mr, Vaddr: vaddr, Perms: perms, Cached: cached, SetVarVaddr: setvarVaddr, Loc: c.Loc})
			if setvarVaddr != "" {
				v := vaddr
				setvars = append(setvars, SetVar{Symbol: setvarVaddr, Vaddr: &v})
			}

		case "irq":
			if err := checkAttrs(c, "irq", "id", "trigger"); err != nil {
				return ProtectionDomain{}, err
			}
			irqStr, ok := c.attr("irq")
			if !ok {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'irq'")
			}
			irqNum, err := parseIntBase0(irqStr)
			if err != nil {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "%s", err)
			}
			idStr, ok := c.attr("id")
			if !ok {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'id'")
			}
			id, err := parseIntBase0(idStr)
			if err != nil {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "%s", err)
			}
			if id >= 64 {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "id must be < 64")
			}
			trigger := "level"
			if t, ok := c.attr("trigger"); ok {
				trigger = t
			}
			irqs = append(irqs, Irq{IRQ: irqNum, ID: id, Trigger: trigger, Loc: c.Loc})

		case "setvar":
			if err := checkAttrs(c, "symbol", "region_paddr"); err != nil {
				return ProtectionDomain{}, err
			}
			symbol, ok := c.attr("symbol")
			if !ok {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'symbol'")
			}
			regionPaddr, ok := c.attr("region_paddr")
			if !ok {
				return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Missing required attribute 'region_paddr'")
			}
			setvars = append(setvars, SetVar{Symbol: symbol, RegionPaddr: regionPaddr})

		case "protection_domain":
			child, err := xml2pd(c, true)
			if err != nil {
				return ProtectionDomain{}, err
			}
			childPDs = append(childPDs, child)

		case "virtual_machine":
			v, err := xml2vm(c)
			if err != nil {
				return ProtectionDomain{}, err
			}
			vm = &v

		default:
			return ProtectionDomain{}, builderr.NewAt(builderr.Parse, c.Tag, c.Loc, "Invalid XML element '%s'", c.Tag)
		}
	}

	if programImage == "" {
		return ProtectionDomain{}, builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "program_image must be specified")
	}

	return ProtectionDomain{
		PDID: pdID, Name: name, Priority: priority, Budget: budget, Period: period,
		Passive: passive, PP: pp, Affinity: affinity, ProgramImage: programImage,
		Maps: maps, IRQs: irqs, SetVars: setvars, ChildPDs: childPDs, VM: vm,
		Loc: n.Loc, Parent: -1,
	}, nil
}
