package region

import "sort"

// Region is a finite set of disjoint boxes sharing one dimensionality.
// A canonical Region has no two boxes that could be collapsed into a
// single larger box, and iterates in lexicographic (offset, then range)
// order — required by this design's determinism clause.
type Region struct {
	Dims  int
	Boxes []Box
}

// New builds a region from arbitrary (possibly overlapping, possibly
// mergeable) boxes and canonicalizes it.
func New(dims int, boxes ...Box) Region {
	r := Region{Dims: dims}
	// Resolve overlaps by unioning one at a time so the stored set stays
	// disjoint even if the caller passed overlapping boxes.
	for _, b := range boxes {
		if b.Empty() {
			continue
		}
		r = r.Union(Region{Dims: dims, Boxes: []Box{b}})
	}
	return r
}

// Empty reports whether the region covers no cells.
func (r Region) Empty() bool {
	for _, b := range r.Boxes {
		if !b.Empty() {
			return false
		}
	}
	return true
}

// Area sums the area of every box; valid because boxes are disjoint.
func (r Region) Area() int64 {
	var total int64
	for _, b := range r.Boxes {
		total += b.Area()
	}
	return total
}

// Contains reports whether the region fully covers box b.
func (r Region) Contains(b Box) bool {
	return Region{Dims: r.Dims, Boxes: []Box{b}}.Difference(r).Empty()
}

// IterateBoxes calls fn for every box in canonical order, stopping early
// if fn returns false.
func (r Region) IterateBoxes(fn func(Box) bool) {
	for _, b := range r.Boxes {
		if !fn(b) {
			return
		}
	}
}

// Union returns r ∪ other, canonicalized.
func (r Region) Union(other Region) Region {
	dims := pickDims(r, other)
	out := make([]Box, 0, len(r.Boxes)+len(other.Boxes))
	out = append(out, other.Boxes...)
	for _, a := range r.Boxes {
		frags := []Box{a}
		for _, b := range other.Boxes {
			frags = subtractAll(frags, b)
		}
		out = append(out, frags...)
	}
	return canonicalize(dims, out)
}

// Intersection returns r ∩ other, canonicalized.
func (r Region) Intersection(other Region) Region {
	dims := pickDims(r, other)
	var out []Box
	for _, a := range r.Boxes {
		for _, b := range other.Boxes {
			ib := a.Intersect(b)
			if !ib.Empty() {
				out = append(out, ib)
			}
		}
	}
	return canonicalize(dims, out)
}

// Difference returns r \ other, canonicalized.
func (r Region) Difference(other Region) Region {
	dims := pickDims(r, other)
	frags := append([]Box(nil), r.Boxes...)
	for _, b := range other.Boxes {
		frags = subtractAll(frags, b)
	}
	return canonicalize(dims, frags)
}

// Equal reports whether r and other cover exactly the same cells (both
// must already be canonical, which New/Union/Intersection/Difference
// guarantee).
func (r Region) Equal(other Region) bool {
	if len(r.Boxes) != len(other.Boxes) {
		return false
	}
	for i := range r.Boxes {
		if !r.Boxes[i].Equal(other.Boxes[i]) {
			return false
		}
	}
	return true
}

func pickDims(a, b Region) int {
	if len(a.Boxes) > 0 {
		return a.Boxes[0].Dims
	}
	if len(b.Boxes) > 0 {
		return b.Boxes[0].Dims
	}
	return a.Dims
}

func subtractAll(boxes []Box, b Box) []Box {
	var out []Box
	for _, a := range boxes {
		out = append(out, boxSubtract(a, b)...)
	}
	return out
}

// boxSubtract decomposes a into the (possibly empty) set of disjoint boxes
// covering a \ b, via the standard per-dimension slab clip.
func boxSubtract(a, b Box) []Box {
	if !a.Intersects(b) {
		return []Box{a}
	}
	var out []Box
	remaining := a
	for d := 0; d < a.Dims; d++ {
		bLo, bHi := b.Offset[d], b.Offset[d]+b.Range[d]
		rLo, rHi := remaining.Offset[d], remaining.Offset[d]+remaining.Range[d]

		if rLo < bLo {
			piece := remaining
			piece.Range[d] = bLo - rLo
			out = append(out, piece)
			remaining.Offset[d] = bLo
			remaining.Range[d] = rHi - bLo
		}
		rLo, rHi = remaining.Offset[d], remaining.Offset[d]+remaining.Range[d]
		if rHi > bHi {
			piece := remaining
			piece.Offset[d] = bHi
			piece.Range[d] = rHi - bHi
			out = append(out, piece)
			remaining.Range[d] = bHi - remaining.Offset[d]
		}
	}
	return out
}

// canonicalize sorts boxes lexicographically and greedily merges any pair
// that is adjacent along exactly one dimension and identical along all
// others, repeating until no merge applies.
func canonicalize(dims int, boxes []Box) Region {
	filtered := boxes[:0:0]
	for _, b := range boxes {
		if !b.Empty() {
			filtered = append(filtered, b)
		}
	}
	boxes = filtered

	for {
		sortBoxes(boxes)
		merged := false
		for i := 0; i < len(boxes); i++ {
			for j := i + 1; j < len(boxes); j++ {
				if m, ok := tryMerge(boxes[i], boxes[j]); ok {
					boxes[i] = m
					boxes = append(boxes[:j], boxes[j+1:]...)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
		if !merged {
			break
		}
	}
	sortBoxes(boxes)
	return Region{Dims: dims, Boxes: boxes}
}

func tryMerge(a, b Box) (Box, bool) {
	if a.Dims != b.Dims {
		return Box{}, false
	}
	diffDim := -1
	for d := 0; d < a.Dims; d++ {
		if a.Offset[d] == b.Offset[d] && a.Range[d] == b.Range[d] {
			continue
		}
		if diffDim != -1 {
			return Box{}, false
		}
		diffDim = d
	}
	if diffDim == -1 {
		return a, true // identical boxes
	}
	aEnd := a.Offset[diffDim] + a.Range[diffDim]
	bEnd := b.Offset[diffDim] + b.Range[diffDim]
	if aEnd == b.Offset[diffDim] {
		out := a
		out.Range[diffDim] = bEnd - a.Offset[diffDim]
		return out, true
	}
	if bEnd == a.Offset[diffDim] {
		out := b
		out.Range[diffDim] = aEnd - b.Offset[diffDim]
		return out, true
	}
	return Box{}, false
}

func sortBoxes(boxes []Box) {
	sort.Slice(boxes, func(i, j int) bool {
		a, b := boxes[i], boxes[j]
		for d := 0; d < a.Dims; d++ {
			if a.Offset[d] != b.Offset[d] {
				return a.Offset[d] < b.Offset[d]
			}
		}
		for d := 0; d < a.Dims; d++ {
			if a.Range[d] != b.Range[d] {
				return a.Range[d] < b.Range[d]
			}
		}
		return false
	})
}
