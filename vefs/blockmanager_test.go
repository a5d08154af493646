package vefs

import "testing"

// TestUnitBlockManagerMerge verifies that freeing ids merges adjacent
// ranges instead of accumulating one range per freed id.
func TestUnitBlockManagerMerge(t *testing.T) {
	bm := newBlockManager()
	bm.Extend(5)
	bm.Extend(6)
	bm.Extend(4)
	if len(bm.ranges) != 1 {
		t.Fatalf("expected adjacent ids to merge into one range, got %d ranges: %v", len(bm.ranges), bm.ranges)
	}
	if bm.ranges[0] != (idRange{Start: 4, End: 7}) {
		t.Fatalf("unexpected merged range: %v", bm.ranges[0])
	}
}

// TestUnitBlockManagerPopFrontOrdered verifies PopFront always returns the
// smallest free id.
func TestUnitBlockManagerPopFrontOrdered(t *testing.T) {
	bm := newBlockManagerWithRange(10, 13)
	for _, want := range []uint64{10, 11, 12} {
		got, ok := bm.PopFront()
		if !ok {
			t.Fatalf("expected a free id, pool was empty")
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if _, ok := bm.PopFront(); ok {
		t.Fatalf("expected pool to be exhausted")
	}
}

// TestUnitBlockManagerNonAdjacentRanges verifies that non-adjacent ids stay
// in separate ranges until something bridges them.
func TestUnitBlockManagerNonAdjacentRanges(t *testing.T) {
	bm := newBlockManager()
	bm.Extend(1)
	bm.Extend(10)
	if len(bm.ranges) != 2 {
		t.Fatalf("expected two disjoint ranges, got %d", len(bm.ranges))
	}
	for i := uint64(2); i < 10; i++ {
		bm.Extend(i)
	}
	if len(bm.ranges) != 1 {
		t.Fatalf("expected bridging range to merge everything into one, got %d", len(bm.ranges))
	}
	if bm.NumFree() != 10 {
		t.Fatalf("expected 10 free ids, got %d", bm.NumFree())
	}
}

// TestUnitBlockManagerContains exercises the search helper directly.
func TestUnitBlockManagerContains(t *testing.T) {
	bm := newBlockManagerWithRange(100, 200)
	if !bm.Contains(150) {
		t.Fatalf("expected 150 to be free")
	}
	if bm.Contains(50) {
		t.Fatalf("did not expect 50 to be free")
	}
	if bm.Contains(200) {
		t.Fatalf("did not expect the exclusive end bound to be free")
	}
}

// TestUnitBlockManagerAllocContiguous verifies that AllocContiguous only
// succeeds against a single range long enough to satisfy the request, and
// shrinks (or removes) that range rather than touching any other.
func TestUnitBlockManagerAllocContiguous(t *testing.T) {
	bm := newBlockManager()
	bm.ExtendRange(0, 2)
	bm.ExtendRange(10, 15)

	if _, ok := bm.AllocContiguous(6); ok {
		t.Fatalf("expected no range long enough for 6 contiguous ids")
	}

	start, ok := bm.AllocContiguous(3)
	if !ok || start != 10 {
		t.Fatalf("expected first-fit at 10, got start=%d ok=%v", start, ok)
	}
	if bm.NumFree() != 4 {
		t.Fatalf("expected 4 ids left free, got %d", bm.NumFree())
	}
	if bm.Contains(10) || bm.Contains(11) {
		t.Fatalf("allocated ids must no longer be free")
	}
	if !bm.Contains(13) || !bm.Contains(14) {
		t.Fatalf("remainder of the range must stay free")
	}
}

// TestUnitBlockManagerReserve verifies Reserve's three cases: removing an
// edge id shrinks its range, removing an interior id splits the range in
// two, and removing an id not present is a no-op.
func TestUnitBlockManagerReserve(t *testing.T) {
	bm := newBlockManagerWithRange(0, 10)

	bm.Reserve(5)
	if bm.Contains(5) {
		t.Fatalf("expected 5 to be reserved")
	}
	if len(bm.ranges) != 2 {
		t.Fatalf("expected reserving an interior id to split the range, got %d ranges: %v", len(bm.ranges), bm.ranges)
	}
	if !bm.Contains(4) || !bm.Contains(6) {
		t.Fatalf("expected ids either side of a reservation to stay free")
	}

	bm.Reserve(0)
	if bm.Contains(0) {
		t.Fatalf("expected 0 to be reserved")
	}

	before := bm.NumFree()
	bm.Reserve(5) // already reserved, must be a no-op
	if bm.NumFree() != before {
		t.Fatalf("expected reserving an already-reserved id to be a no-op")
	}

	single := newBlockManagerWithRange(7, 8)
	single.Reserve(7)
	if single.NumFree() != 0 {
		t.Fatalf("expected reserving a range's only id to empty the pool")
	}
}
