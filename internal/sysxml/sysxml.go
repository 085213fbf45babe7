package sysxml

import (
	"bytes"

	"github.com/spf13/afero"

	"sysbuilder/internal/builderr"
)

// ParseSystem reads and fully validates the system description at path
// (spec §4.C): unknown elements and attributes, stray text, every
// per-element rule in §3, and the whole-system invariants in Build.
func ParseSystem(fs afero.Fs, path string, plat PlatformPageSizes) (*SystemDescription, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, builderr.Wrap(builderr.Resource, err, "reading system description %s", path)
	}

	root, err := parseTree(bytes.NewReader(raw), path)
	if err != nil {
		return nil, err
	}
	if err := checkNoText(root); err != nil {
		return nil, err
	}

	var mrs []MemoryRegion
	var pdRoots []ProtectionDomain
	var channels []Channel

	for _, child := range root.Children {
		switch child.Tag {
		case "memory_region":
			mr, err := xml2mr(child, plat)
			if err != nil {
				return nil, err
			}
			mrs = append(mrs, mr)
		case "protection_domain":
			pd, err := xml2pd(child, false)
			if err != nil {
				return nil, err
			}
			pdRoots = append(pdRoots, pd)
		case "channel":
			ch, err := xml2channel(child)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		default:
			return nil, builderr.NewAt(builderr.Parse, child.Tag, child.Loc, "Invalid XML element '%s'", child.Tag)
		}
	}

	return Build(mrs, pdRoots, channels)
}
