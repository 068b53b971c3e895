// Package addrspace tracks free or occupied address ranges over a numeric
// address space, such as physical memory or an I/O window of a simulated
// device.
package addrspace

import (
	"fmt"

	"github.com/google/btree"

	"github.com/sarchlab/addrspace/hooking"
)

// Hook positions where a RegionAllocator triggers hooks. The hook context
// item is always an OpRecord.
var (
	HookPosRegionAdd      = &hooking.HookPos{Name: "RegionAdd"}
	HookPosRegionSubtract = &hooking.HookPos{Name: "RegionSubtract"}
	HookPosRegionAllocate = &hooking.HookPos{Name: "RegionAllocate"}
)

// An OpRecord describes one operation performed on a RegionAllocator. It is
// delivered to hooks as the hook context item.
type OpRecord struct {
	Op   string
	Base uint64
	Size uint64
	OK   bool
}

// A RegionAllocator maintains a set of address regions. No two regions in
// the set overlap or are adjacent. Adding a region merges it with the
// regions it overlaps or touches, and subtracting a region trims or splits
// the regions it cuts through.
//
// A RegionAllocator is not safe for concurrent use. Callers that share one
// across goroutines must serialize all method calls externally.
type RegionAllocator struct {
	*hooking.HookableBase

	name    string
	regions *btree.BTreeG[Region]
}

// NewRegionAllocator creates an empty RegionAllocator.
func NewRegionAllocator(name string) *RegionAllocator {
	return &RegionAllocator{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		regions:      btree.NewG(2, Region.Less),
	}
}

// Name returns the name of the allocator.
func (a *RegionAllocator) Name() string {
	return a.name
}

// Add unions the region [base, base+size) into the set. Regions that
// overlap or are adjacent to the added one are merged, so adding [0, 10)
// and then [10, 20) leaves a single region [0, 20) in the set.
//
// Add returns an error if base+size wraps around the address space. The set
// is left unchanged in that case.
func (a *RegionAllocator) Add(base, size uint64) error {
	if err := mustNotWrap(base, size); err != nil {
		return err
	}

	a.add(base, size)
	a.InvokeHook(hooking.HookCtx{
		Domain: a,
		Pos:    HookPosRegionAdd,
		Item:   OpRecord{Op: "add", Base: base, Size: size, OK: true},
	})

	return nil
}

func (a *RegionAllocator) add(base, size uint64) {
	newRegion := Region{Base: base, Size: size}

	for _, b := range a.takeTouching(newRegion) {
		newBase := min(newRegion.Base, b.Base)
		newEnd := max(newRegion.End(), b.End())
		newRegion = Region{Base: newBase, Size: newEnd - newBase}
	}

	a.regions.ReplaceOrInsert(newRegion)
}

// Subtract removes the range [base, base+size) from every region in the
// set. Regions fully inside the range disappear. Regions cut at one end are
// trimmed, and a region that wholly contains the range is split into a left
// and a right remainder.
//
// Subtract returns an error if base+size wraps around the address space.
// The set is left unchanged in that case.
func (a *RegionAllocator) Subtract(base, size uint64) error {
	if err := mustNotWrap(base, size); err != nil {
		return err
	}

	a.subtract(base, size)
	a.InvokeHook(hooking.HookCtx{
		Domain: a,
		Pos:    HookPosRegionSubtract,
		Item:   OpRecord{Op: "subtract", Base: base, Size: size, OK: true},
	})

	return nil
}

func (a *RegionAllocator) subtract(base, size uint64) {
	cut := Region{Base: base, Size: size}

	for _, b := range a.takeTouching(cut) {
		left, right, hasLeft, hasRight := splitAround(b, cut)
		if hasLeft {
			a.regions.ReplaceOrInsert(left)
		}
		if hasRight {
			a.regions.ReplaceOrInsert(right)
		}
	}
}

// AddOrSubtract adds the region [base, base+size) when isAdd is true and
// subtracts it otherwise.
func (a *RegionAllocator) AddOrSubtract(base, size uint64, isAdd bool) error {
	if isAdd {
		return a.Add(base, size)
	}

	return a.Subtract(base, size)
}

// AllocateByAddr claims the exact range [base, base+size). The range must
// be fully contained in a single region in the set. On success the range is
// removed from the set and true is returned. A range that spans two regions
// or lies partly outside the set cannot be claimed.
func (a *RegionAllocator) AllocateByAddr(base, size uint64) bool {
	ok := false
	if base+size >= base {
		end := base + size
		a.regions.Ascend(func(r Region) bool {
			if r.Base <= base && end <= r.End() {
				ok = true
				return false
			}
			return true
		})
	}

	if ok {
		a.subtract(base, size)
	}

	a.InvokeHook(hooking.HookCtx{
		Domain: a,
		Pos:    HookPosRegionAllocate,
		Item:   OpRecord{Op: "allocate_by_addr", Base: base, Size: size, OK: ok},
	})

	return ok
}

// AllocateBySize claims a size-byte range at an arbitrary address whose
// base is aligned to alignment, which must be a power of two. Regions are
// tried in ascending base order and the first one that can host an aligned
// fit wins. On success the claimed base is returned and the range is
// removed from the set.
func (a *RegionAllocator) AllocateBySize(size, alignment uint64) (uint64, bool) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, false
	}

	align := alignment - 1
	base := uint64(0)
	ok := false

	a.regions.Ascend(func(r Region) bool {
		if size > r.Size {
			return true
		}

		candidate := (r.Base + align) &^ align
		if candidate >= r.Base &&
			candidate <= r.End() &&
			size <= r.End()-candidate {
			base = candidate
			ok = true
			return false
		}

		return true
	})

	if ok {
		a.subtract(base, size)
	}

	a.InvokeHook(hooking.HookCtx{
		Domain: a,
		Pos:    HookPosRegionAllocate,
		Item:   OpRecord{Op: "allocate_by_size", Base: base, Size: size, OK: ok},
	})

	if !ok {
		return 0, false
	}

	return base, true
}

// CheckRegion reports whether a region with exactly the given base and size
// is in the set. A range that is merely contained in a larger region does
// not count.
func (a *RegionAllocator) CheckRegion(base, size uint64) bool {
	return a.regions.Has(Region{Base: base, Size: size})
}

// CheckPoint reports whether any region covers addr. The test is inclusive
// on both ends, so the exclusive upper bound of a region also counts as
// covered. This differs from the half-open convention used everywhere else
// and is kept for compatibility.
func (a *RegionAllocator) CheckPoint(addr uint64) bool {
	covered := false

	a.regions.Ascend(func(r Region) bool {
		if r.Base <= addr && addr <= r.End() {
			covered = true
			return false
		}
		return true
	})

	return covered
}

// Len returns the number of regions in the set.
func (a *RegionAllocator) Len() int {
	return a.regions.Len()
}

// IsEmpty reports whether the set holds no region.
func (a *RegionAllocator) IsEmpty() bool {
	return a.regions.Len() == 0
}

// takeTouching removes and returns every region that overlaps or is
// adjacent to the target. The scan must inspect the whole set, as adjacency
// is not expressible as an ordered-key range lookup.
func (a *RegionAllocator) takeTouching(target Region) []Region {
	touching := make([]Region, 0)

	a.regions.Ascend(func(r Region) bool {
		if target.touches(r) {
			touching = append(touching, r)
		}
		return true
	})

	for _, r := range touching {
		a.regions.Delete(r)
	}

	return touching
}

// splitAround cuts the range covered by cut out of b. The remainder sizes
// are clamped to the size of b, as the regions collected by the touching
// scan are not necessarily contained in the cut.
func splitAround(b, cut Region) (left, right Region, hasLeft, hasRight bool) {
	if cut.Base > b.Base {
		left = Region{Base: b.Base, Size: min(b.Size, cut.Base-b.Base)}
		hasLeft = true
	}

	if cut.End() < b.End() {
		size := min(b.Size, b.End()-cut.End())
		right = Region{Base: b.End() - size, Size: size}
		hasRight = true
	}

	return left, right, hasLeft, hasRight
}

func mustNotWrap(base, size uint64) error {
	if base+size < base {
		return fmt.Errorf(
			"region with base 0x%x and size 0x%x wraps around the address space",
			base, size)
	}

	return nil
}
