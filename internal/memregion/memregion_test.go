package memregion

import (
	"math/rand"
	"testing"
)

func TestRoundUpDown(t *testing.T) {
	cases := []struct {
		n, x, up, down uint64
	}{
		{0, 4, 0, 0},
		{1, 4, 4, 0},
		{4, 4, 4, 4},
		{5, 4, 8, 4},
	}
	for _, c := range cases {
		if got := RoundUp(c.n, c.x); got != c.up {
			t.Errorf("RoundUp(%d,%d) = %d, want %d", c.n, c.x, got, c.up)
		}
		if got := RoundDown(c.n, c.x); got != c.down {
			t.Errorf("RoundDown(%d,%d) = %d, want %d", c.n, c.x, got, c.down)
		}
	}
}

func TestMsbLsb(t *testing.T) {
	if Msb(1) != 0 {
		t.Fatal("Msb(1)")
	}
	if Msb(0x1000) != 12 {
		t.Fatal("Msb(0x1000)")
	}
	if Lsb(0x1000) != 12 {
		t.Fatal("Lsb(0x1000)")
	}
	if Lsb(0b1010) != 1 {
		t.Fatal("Lsb(0b1010)")
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []uint64{1, 2, 4, 1024, 1 << 40} {
		if !IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) should be true", n)
		}
	}
	for _, n := range []uint64{3, 5, 6, 1023} {
		if IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) should be false", n)
		}
	}
}

// TestAlignedPowerOfTwoRegionsProperty covers spec §8's decomposition
// property: for all [base, end) and maxBits >= 12, the decomposition's
// concatenated regions exactly equal [base, end), every region's size is a
// power of two <= 1<<maxBits, and every region's base is size-aligned.
func TestAlignedPowerOfTwoRegionsProperty(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		base := uint64(r.Intn(1 << 20))
		size := uint64(1 + r.Intn(1<<24))
		maxBits := uint(12 + r.Intn(20))
		region := Region{Base: base, End: base + size}

		parts := region.AlignedPowerOfTwoRegions(maxBits)
		if len(parts) == 0 {
			t.Fatalf("empty decomposition for %s", region)
		}
		if parts[0].Base != region.Base {
			t.Fatalf("decomposition does not start at base: %v", parts)
		}
		if parts[len(parts)-1].End != region.End {
			t.Fatalf("decomposition does not end at region end: %v vs %s", parts, region)
		}
		for j, p := range parts {
			if j > 0 && p.Base != parts[j-1].End {
				t.Fatalf("decomposition has a gap/overlap at %d: %v", j, parts)
			}
			sz := p.Size()
			if !IsPowerOfTwo(sz) {
				t.Fatalf("region %s has non-power-of-two size", p)
			}
			if sz > (uint64(1) << maxBits) {
				t.Fatalf("region %s exceeds max bits %d", p, maxBits)
			}
			if p.Base != 0 && Lsb(p.Base) < Msb(sz) {
				t.Fatalf("region %s base not aligned to its own size", p)
			}
		}
	}
}

// TestDisjointSetInvariant covers spec §8's property: for all sequences of
// insert/remove operations that preserve coverage, the set stays sorted and
// pairwise non-overlapping.
func TestDisjointSetInvariant(t *testing.T) {
	var d DisjointSet
	if err := d.Insert(0, 0x10000); err != nil {
		t.Fatal(err)
	}
	if err := d.Remove(0x1000, 0x2000); err != nil {
		t.Fatal(err)
	}
	regions := d.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected split into 2 regions, got %v", regions)
	}
	if regions[0] != (Region{0, 0x1000}) || regions[1] != (Region{0x2000, 0x10000}) {
		t.Fatalf("unexpected split: %v", regions)
	}

	if err := d.Insert(0x1000, 0x1800); err != nil {
		t.Fatal(err)
	}
	if err := d.Insert(0x1800, 0x2000); err != nil {
		t.Fatal(err)
	}
	regions = d.Regions()
	if len(regions) != 4 {
		t.Fatalf("expected 4 adjacent (non-merged) regions, got %v", regions)
	}

	if err := d.Remove(0x500, 0x1500); err == nil {
		t.Fatal("expected error removing a range that spans two regions")
	}
}

func TestAllocateFirstFitLowerBound(t *testing.T) {
	var d DisjointSet
	_ = d.Insert(0, 0x1000)
	_ = d.Insert(0x2000, 0x3000)

	base, err := d.AllocateFirstFitLowerBound(0x800, 0x1800)
	if err != nil {
		t.Fatal(err)
	}
	if base != 0x2000 {
		t.Fatalf("expected allocation from the second region at 0x2000, got 0x%x", base)
	}

	if _, err := d.AllocateFirstFit(0x10000); err == nil {
		t.Fatal("expected allocation failure for oversized request")
	}
}
