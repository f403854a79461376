package region_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridhitbhura/celerity-runtime/region"
)

func box1D(off, ext int64) region.Box {
	return region.NewBox(1, region.Point{off}, region.Point{ext})
}

func TestUnionUndoesDifference(t *testing.T) {
	a := region.New(1, box1D(0, 8))
	b := region.New(1, box1D(2, 4))
	diff := a.Difference(b)
	union := diff.Union(b)
	// (A ∪ B) \ B ⊇ A \ B, and here A ⊆ union so the round trip must cover A.
	require.True(t, union.Contains(box1D(0, 8)))
}

func TestIntersectionIdempotent(t *testing.T) {
	a := region.New(1, box1D(0, 8))
	require.True(t, a.Intersection(a).Equal(a))
}

func TestCanonicalizeIdempotent(t *testing.T) {
	a := region.New(1, box1D(0, 4), box1D(4, 4)) // adjacent -> merges to [0,8)
	require.Len(t, a.Boxes, 1)
	require.Equal(t, int64(8), a.Boxes[0].Range[0])

	again := region.New(1, a.Boxes...)
	require.True(t, again.Equal(a))
}

func TestDifferenceExact(t *testing.T) {
	a := region.New(1, box1D(0, 8))
	b := region.New(1, box1D(2, 4)) // [2,6)
	diff := a.Difference(b)
	require.Equal(t, int64(4), diff.Area())
	require.False(t, diff.Contains(box1D(2, 4)))
	require.True(t, diff.Contains(box1D(0, 2)))
	require.True(t, diff.Contains(box1D(6, 2)))
}

func Test2DSplit(t *testing.T) {
	whole := region.New(2, region.NewBox(2, region.Point{0, 0}, region.Point{4, 4}))
	cut := region.New(2, region.NewBox(2, region.Point{1, 1}, region.Point{2, 2}))
	diff := whole.Difference(cut)
	require.Equal(t, whole.Area()-cut.Area(), diff.Area())
	union := diff.Union(cut)
	require.True(t, union.Equal(whole))
}

func TestEmptyRegion(t *testing.T) {
	var r region.Region
	require.True(t, r.Empty())
	require.Equal(t, int64(0), r.Area())
}

func TestAreaAdditiveOverDisjointBoxes(t *testing.T) {
	r := region.New(1, box1D(0, 4), box1D(10, 4))
	require.Equal(t, int64(8), r.Area())
	require.Len(t, r.Boxes, 2)
}
