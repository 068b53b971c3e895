package addrspace

import "fmt"

// A Region describes the half-open address interval [Base, Base+Size). The
// left endpoint is inclusive and the right endpoint is exclusive.
type Region struct {
	Base uint64
	Size uint64
}

// End returns the exclusive upper bound of the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Less defines the total order of regions, first by base address and then by
// size. Size-based allocation tries regions in this order, so the feasible
// region with the lowest base always wins.
func (r Region) Less(other Region) bool {
	if r.Base != other.Base {
		return r.Base < other.Base
	}

	return r.Size < other.Size
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Base, r.End())
}

// touches reports whether r overlaps or is directly adjacent to other.
// Sharing a boundary counts, so [0, 10) touches [10, 20). The boundary test
// must stay non-strict, as adjacent regions merge when added.
func (r Region) touches(other Region) bool {
	return !(other.Base > r.End() || other.End() < r.Base)
}
