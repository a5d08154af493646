package vefs

import (
	"sort"

	"gitlab.com/NebulousLabs/errors"
)

// idRange is a half-open, inclusive-start range of free ids: [Start, End).
// Grounded on the original implementation's detail::id_range, which the
// block manager keeps in a boost intrusive avl_set ordered by Start; this
// port keeps the same ordered-range invariant in a plain sorted slice, since
// a single archive's free list rarely grows large enough to need a balanced
// tree, and sort.Search gives the same O(log n) lookup the original's tree
// provided.
type idRange struct {
	Start, End uint64
}

func (r idRange) len() uint64 {
	return r.End - r.Start
}

func (r idRange) empty() bool {
	return r.Start >= r.End
}

// blockManager is component C2: a generic pool of free integer ids, kept as
// a sorted list of disjoint, non-adjacent ranges. Adjacent ranges are always
// merged on insert, so the number of ranges in the pool is bounded by the
// number of non-contiguous "holes" in the id space, not by the number of
// individual ids ever freed.
type blockManager struct {
	ranges []idRange
}

// newBlockManager returns an empty pool.
func newBlockManager() *blockManager {
	return &blockManager{}
}

// newBlockManagerWithRange returns a pool pre-populated with a single range
// covering [start, end), used to bootstrap the allocator over an id space
// that is not yet carved up (e.g. "every sector from 1 to the host file's
// current size is free").
func newBlockManagerWithRange(start, end uint64) *blockManager {
	if start >= end {
		return newBlockManager()
	}
	return &blockManager{ranges: []idRange{{Start: start, End: end}}}
}

// search returns the index of the first range whose End is > id, i.e. the
// only range that could possibly contain id.
func (b *blockManager) search(id uint64) int {
	return sort.Search(len(b.ranges), func(i int) bool {
		return b.ranges[i].End > id
	})
}

// Contains reports whether id is currently free.
func (b *blockManager) Contains(id uint64) bool {
	i := b.search(id)
	return i < len(b.ranges) && b.ranges[i].Start <= id
}

// PopFront removes and returns the smallest free id. The second return
// value is false if the pool is empty (ErrResourceExhausted territory for
// the allocator that wraps this).
func (b *blockManager) PopFront() (uint64, bool) {
	if len(b.ranges) == 0 {
		return 0, false
	}
	id := b.ranges[0].Start
	b.ranges[0].Start++
	if b.ranges[0].empty() {
		b.ranges = b.ranges[1:]
	}
	return id, true
}

// Extend adds a single free id back into the pool, merging it with any
// adjacent range. id must not already be free; callers (the allocator) are
// expected to track liveness themselves, mirroring the original's
// assumption that extend() is only ever called on an id the caller knows is
// not currently tracked.
func (b *blockManager) Extend(id uint64) {
	b.mergeFrom(idRange{Start: id, End: id + 1})
}

// ExtendRange adds a whole range of free ids back into the pool in one
// call, used when growing the id space (e.g. after the host file grows).
func (b *blockManager) ExtendRange(start, end uint64) {
	if start >= end {
		return
	}
	b.mergeFrom(idRange{Start: start, End: end})
}

// mergeFrom inserts r into the ordered range list, coalescing it with any
// ranges it touches or overlaps - grounded on block_manager.hpp's
// merge_from, which performs the same coalescing against its avl_set's
// neighbours of the insertion point.
func (b *blockManager) mergeFrom(r idRange) {
	i := sort.Search(len(b.ranges), func(i int) bool {
		return b.ranges[i].Start > r.Start
	})

	// merge with the left neighbour, if adjacent or overlapping
	if i > 0 && b.ranges[i-1].End >= r.Start {
		if r.End > b.ranges[i-1].End {
			b.ranges[i-1].End = r.End
		}
		i--
	} else {
		b.ranges = append(b.ranges, idRange{})
		copy(b.ranges[i+1:], b.ranges[i:])
		b.ranges[i] = r
	}

	// absorb any right neighbours the merged range now reaches
	j := i + 1
	for j < len(b.ranges) && b.ranges[j].Start <= b.ranges[i].End {
		if b.ranges[j].End > b.ranges[i].End {
			b.ranges[i].End = b.ranges[j].End
		}
		j++
	}
	b.ranges = append(b.ranges[:i+1], b.ranges[j:]...)
}

// NumFree returns the total count of free ids across all ranges.
func (b *blockManager) NumFree() uint64 {
	var total uint64
	for _, r := range b.ranges {
		total += r.len()
	}
	return total
}

// Ranges returns a copy of the current free ranges, ordered by Start, used
// when serializing the free-sector index to the directory's backing file.
func (b *blockManager) Ranges() []idRange {
	out := make([]idRange, len(b.ranges))
	copy(out, b.ranges)
	return out
}

// AllocContiguous reserves a run of n consecutive free ids in one call,
// first-fit, returning the run's starting id. The second return value is
// false if no single free range is long enough to satisfy the request (the
// pool may still have n ids free in aggregate, just not contiguously).
func (b *blockManager) AllocContiguous(n uint64) (uint64, bool) {
	if n == 0 {
		return 0, false
	}
	for i, r := range b.ranges {
		if r.len() < n {
			continue
		}
		start := r.Start
		if r.len() == n {
			b.ranges = append(b.ranges[:i], b.ranges[i+1:]...)
		} else {
			b.ranges[i].Start += n
		}
		return start, true
	}
	return 0, false
}

// AllocMultiple reserves n ids, preferring a single contiguous run but
// falling back to popping individual ids when no range is large enough.
// The second return value is false if the pool did not have n ids free at
// all, in which case nothing is reserved.
func (b *blockManager) AllocMultiple(n uint64) ([]uint64, bool) {
	if n == 0 {
		return nil, true
	}
	if start, ok := b.AllocContiguous(n); ok {
		ids := make([]uint64, n)
		for i := range ids {
			ids[i] = start + uint64(i)
		}
		return ids, true
	}
	ids := make([]uint64, 0, n)
	for uint64(len(ids)) < n {
		id, ok := b.PopFront()
		if !ok {
			for _, id := range ids {
				b.Extend(id)
			}
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// DeallocContiguous returns a contiguous run of n ids starting at start back
// to the pool in a single merge, equivalent to n calls to Extend but without
// the per-id merge overhead.
func (b *blockManager) DeallocContiguous(start, n uint64) {
	b.ExtendRange(start, start+n)
}

// MergeFrom absorbs every range from other into b, coalescing adjacent and
// overlapping ranges exactly like Extend/ExtendRange. other is left empty.
func (b *blockManager) MergeFrom(other *blockManager) {
	for _, r := range other.ranges {
		b.mergeFrom(r)
	}
	other.ranges = nil
}

// MergeDisjoint is like MergeFrom but first verifies b and other share no
// ids, returning an error without modifying either pool if they overlap.
// Used when reconciling two free-pools that are expected to partition the
// id space disjointly, e.g. a persisted free-sector index being merged back
// against sectors freed since it was last written.
func (b *blockManager) MergeDisjoint(other *blockManager) error {
	for _, r := range other.ranges {
		for _, existing := range b.ranges {
			if r.Start < existing.End && existing.Start < r.End {
				return errors.New("block manager ranges overlap")
			}
		}
	}
	b.MergeFrom(other)
	return nil
}

// TrimIDs discards every free id >= limit, used when an id space a block
// manager tracks has shrunk (for example a free-sector index bitset read
// back against a host file that has since shrunk: ids past the file's end
// are dropped, so the narrower bound wins).
func (b *blockManager) TrimIDs(limit uint64) {
	out := b.ranges[:0]
	for _, r := range b.ranges {
		if r.Start >= limit {
			continue
		}
		if r.End > limit {
			r.End = limit
		}
		out = append(out, r)
	}
	b.ranges = out
}

// Reserve removes a single id from the free pool if present, splitting its
// containing range if necessary. The inverse of Extend; used to retroactively
// exclude an id a lazily-rebuilt free pool incorrectly believed was free
// (e.g. a persisted free-sector index bitset that, by construction, cannot
// describe the sectors holding the index itself - see Archive's
// bootstrapFreeRanges).
func (b *blockManager) Reserve(id uint64) {
	i := b.search(id)
	if i >= len(b.ranges) || b.ranges[i].Start > id {
		return
	}
	r := b.ranges[i]
	switch {
	case r.Start == id && r.len() == 1:
		b.ranges = append(b.ranges[:i], b.ranges[i+1:]...)
	case r.Start == id:
		b.ranges[i].Start++
	case r.End-1 == id:
		b.ranges[i].End--
	default:
		left := idRange{Start: r.Start, End: id}
		right := idRange{Start: id + 1, End: r.End}
		b.ranges[i] = left
		b.ranges = append(b.ranges, idRange{})
		copy(b.ranges[i+2:], b.ranges[i+1:])
		b.ranges[i+1] = right
	}
}

// WriteToBitset renders the free set as a bitset covering [0,n): bit i set
// means id i is free. Used by the sector allocator's Finalize to persist
// its free pool compactly as the free-sector index file's content (spec.md
// §4.3), instead of an explicit, unboundedly long range list.
func (b *blockManager) WriteToBitset(n uint64) []byte {
	buf := make([]byte, (n+7)/8)
	for _, r := range b.ranges {
		start, end := r.Start, r.End
		if start >= n {
			continue
		}
		if end > n {
			end = n
		}
		for id := start; id < end; id++ {
			buf[id/8] |= 1 << (id % 8)
		}
	}
	return buf
}

// ParseBitset reconstructs a block manager's free ranges from a bitset
// produced by WriteToBitset.
func ParseBitset(buf []byte) *blockManager {
	b := newBlockManager()
	var runStart uint64
	inRun := false
	var id uint64
	for _, by := range buf {
		for bit := 0; bit < 8; bit++ {
			if by&(1<<uint(bit)) != 0 {
				if !inRun {
					runStart = id
					inRun = true
				}
			} else if inRun {
				b.ExtendRange(runStart, id)
				inRun = false
			}
			id++
		}
	}
	if inRun {
		b.ExtendRange(runStart, id)
	}
	return b
}
