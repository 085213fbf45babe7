// Package memregion implements the numeric and memory-region primitives the
// system builder shares with the kernel's own boot-time allocator: bit
// helpers, aligned power-of-two decomposition, and disjoint region-set
// arithmetic. Every operation here must match the kernel's own arithmetic
// byte-for-byte — these are not approximations.
package memregion

import "fmt"

// KB returns n kilobytes in bytes.
func KB(n uint64) uint64 { return n * 1024 }

// MB returns n megabytes in bytes.
func MB(n uint64) uint64 { return n * 1024 * 1024 }

// Msb returns the index of the most significant set bit of x.
// x must be strictly positive; this is a contract, not a user-facing check.
func Msb(x uint64) uint {
	if x == 0 {
		panic("memregion: Msb(0)")
	}
	var n uint
	for x != 0 {
		x >>= 1
		n++
	}
	return n - 1
}

// Lsb returns the index of the least significant set bit of x.
func Lsb(x uint64) uint {
	if x == 0 {
		panic("memregion: Lsb(0)")
	}
	return Msb(x & -x)
}

// RoundUp rounds n up to the nearest multiple of x.
func RoundUp(n, x uint64) uint64 {
	m := n % x
	if m == 0 {
		return n
	}
	return n + x - m
}

// RoundDown rounds n down to the nearest multiple of x.
func RoundDown(n, x uint64) uint64 {
	m := n % x
	if m == 0 {
		return n
	}
	return n - m
}

// MaskBits zeroes the low `bits` bits of n.
func MaskBits(n uint64, bits uint) uint64 {
	if n == 0 {
		panic("memregion: MaskBits(0, ...)")
	}
	return (n >> bits) << bits
}

// IsPowerOfTwo reports whether n is an exact power of two.
func IsPowerOfTwo(n uint64) bool {
	if n == 0 {
		panic("memregion: IsPowerOfTwo(0)")
	}
	return n&(n-1) == 0
}

// Region is a half-open [Base, End) range over a 64-bit address space.
type Region struct {
	Base uint64
	End  uint64
}

// Size returns End - Base.
func (r Region) Size() uint64 {
	return r.End - r.Base
}

// String renders the region as "0x...-0x...".
func (r Region) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Base, r.End)
}

// Overlaps reports whether r and other share any address.
func (r Region) Overlaps(other Region) bool {
	return r.Base < other.End && other.Base < r.End
}

// AlignedPowerOfTwoRegions decomposes r into an ordered sequence of
// power-of-two-sized, base-aligned sub-regions whose union is exactly r and
// whose size never exceeds 1<<maxBits. This reproduces the kernel's own
// region-to-untyped carving: at each step it picks the largest size that (i)
// has at most maxBits bits, (ii) fits in what remains, and (iii) the current
// base is aligned to. Each step at least halves the remaining size, so this
// always terminates.
func (r Region) AlignedPowerOfTwoRegions(maxBits uint) []Region {
	var out []Region
	base, end := r.Base, r.End
	for base != end {
		remaining := end - base
		bits := Msb(remaining)
		if base != 0 {
			if a := Lsb(base); a < bits {
				bits = a
			}
		}
		if bits > maxBits {
			bits = maxBits
		}
		sz := uint64(1) << bits
		out = append(out, Region{Base: base, End: base + sz})
		base += sz
	}
	return out
}

// DisjointSet is an ordered, non-overlapping sequence of Regions.
type DisjointSet struct {
	regions []Region
}

// Regions returns the set's members in ascending order. The returned slice
// must not be mutated by the caller.
func (d *DisjointSet) Regions() []Region {
	return d.regions
}

func (d *DisjointSet) check() {
	var lastEnd *uint64
	for _, r := range d.regions {
		if lastEnd != nil && r.Base < *lastEnd {
			panic("memregion: disjoint set invariant violated")
		}
		end := r.End
		lastEnd = &end
	}
}

// Insert adds [base, end) to the set. It must not overlap any existing
// member; insertion position is found in ascending order.
func (d *DisjointSet) Insert(base, end uint64) error {
	if base >= end {
		panic("memregion: Insert with base >= end")
	}
	idx := len(d.regions)
	for i, r := range d.regions {
		if end <= r.Base {
			idx = i
			break
		}
		if (Region{base, end}).Overlaps(r) {
			return fmt.Errorf("memregion: cannot insert %s, overlaps %s", Region{base, end}, r)
		}
	}
	d.regions = append(d.regions, Region{})
	copy(d.regions[idx+1:], d.regions[idx:])
	d.regions[idx] = Region{Base: base, End: end}
	d.check()
	return nil
}

// Remove deletes [base, end) from the set. The range must be entirely
// contained within exactly one member; depending on alignment this performs
// an exact-cover removal, a prefix trim, a suffix trim, or a split.
func (d *DisjointSet) Remove(base, end uint64) error {
	if base >= end {
		panic("memregion: Remove with base >= end")
	}
	for i, r := range d.regions {
		if base >= r.Base && end <= r.End {
			switch {
			case r.Base == base && r.End == end:
				d.regions = append(d.regions[:i], d.regions[i+1:]...)
			case r.Base == base:
				d.regions[i] = Region{Base: end, End: r.End}
			case r.End == end:
				d.regions[i] = Region{Base: r.Base, End: base}
			default:
				tail := Region{Base: end, End: r.End}
				d.regions[i] = Region{Base: r.Base, End: base}
				d.regions = append(d.regions, Region{})
				copy(d.regions[i+2:], d.regions[i+1:])
				d.regions[i+1] = tail
			}
			d.check()
			return nil
		}
	}
	return fmt.Errorf("memregion: attempted to remove %s which is not entirely covered by one region", Region{base, end})
}

// AlignedPowerOfTwoRegions decomposes every member of the set, in order.
func (d *DisjointSet) AlignedPowerOfTwoRegions(maxBits uint) []Region {
	var out []Region
	for _, r := range d.regions {
		out = append(out, r.AlignedPowerOfTwoRegions(maxBits)...)
	}
	return out
}

// AllocateFirstFit finds the first member with at least `size` bytes free,
// removes that prefix, and returns its base address.
func (d *DisjointSet) AllocateFirstFit(size uint64) (uint64, error) {
	return d.AllocateFirstFitLowerBound(size, 0)
}

// AllocateFirstFitLowerBound is AllocateFirstFit restricted to regions whose
// base is >= lowerBound.
func (d *DisjointSet) AllocateFirstFitLowerBound(size, lowerBound uint64) (uint64, error) {
	for _, r := range d.regions {
		if r.Base < lowerBound {
			continue
		}
		if r.Size() >= size {
			base := r.Base
			if err := d.Remove(base, base+size); err != nil {
				return 0, err
			}
			return base, nil
		}
	}
	return 0, fmt.Errorf("memregion: unable to allocate %d bytes (lower bound 0x%x)", size, lowerBound)
}
