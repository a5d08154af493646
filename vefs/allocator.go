package vefs

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// sectorAllocator is component C3: it hands out unique physical sector ids,
// growing the host file when the free pool runs dry. It is the only thing
// in the archive allowed to call SectorDevice.Resize, mirroring the
// teacher's storagefolder.go, which is the sole owner of growing its backing
// files' usage bitmaps.
type sectorAllocator struct {
	mu     sync.Mutex
	device *SectorDevice
	free   *blockManager
	growBy uint64
}

// defaultGrowBy is how many sectors the allocator appends to the host file
// at a time once the free pool is exhausted, amortizing the cost of
// truncate(2) across many allocations instead of growing one sector at a
// time.
const defaultGrowBy = 64

// newSectorAllocator constructs an allocator seeded with the given free
// ranges (typically recovered from the free-sector index file on open, or a
// single range covering the whole device on create).
func newSectorAllocator(device *SectorDevice, free *blockManager) *sectorAllocator {
	if free == nil {
		free = newBlockManager()
	}
	return &sectorAllocator{device: device, free: free, growBy: defaultGrowBy}
}

// Allocate reserves and returns a single free physical sector id, growing
// the host file if necessary.
func (a *sectorAllocator) Allocate() (PhysicalSectorID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.free.PopFront()
	if !ok {
		if err := a.growLocked(); err != nil {
			return 0, err
		}
		id, ok = a.free.PopFront()
		if !ok {
			return 0, ErrResourceExhausted
		}
	}
	return PhysicalSectorID(id), nil
}

// growLocked extends the host file by growBy sectors and adds the new
// sector ids to the free pool. Callers must hold a.mu.
func (a *sectorAllocator) growLocked() error {
	current := a.device.NumSectors()
	next := current + a.growBy
	if err := a.device.Resize(next); err != nil {
		return errors.AddContext(err, "unable to grow host file for allocation")
	}
	a.free.ExtendRange(current, next)
	return nil
}

// Free releases a physical sector id back into the pool. The caller is
// responsible for having already erased any sensitive content via
// SectorDevice.EraseSector where spec.md's deallocation semantics call for
// it (the COW allocator defers this past the current epoch - see cowalloc.go).
func (a *sectorAllocator) Free(id PhysicalSectorID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.Extend(uint64(id))
}

// NumFree reports the number of unallocated sectors currently tracked.
func (a *sectorAllocator) NumFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.NumFree()
}

// Snapshot returns the free ranges as of the call, for persisting into the
// free-sector index file during commit.
func (a *sectorAllocator) Snapshot() []idRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Ranges()
}

// Finalize serializes the allocator's free pool as a bitset covering every
// sector the host file currently holds, the self-describing form
// Archive.Commit persists into the free-sector index file (spec.md §4.3).
func (a *sectorAllocator) Finalize() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.WriteToBitset(a.device.NumSectors())
}

// InitializeFromBitset replaces the allocator's free pool with the one
// encoded in buf, as produced by a prior Finalize, used to recover the free
// pool from the persisted free-sector index on open instead of falling back
// to "everything past the high-water mark is free".
func (a *sectorAllocator) InitializeFromBitset(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = ParseBitset(buf)
}

// Replace swaps the allocator's entire free pool, used by
// Archive.RecoverUnusedSectors after a full mark-and-sweep rebuilds the
// free set from scratch.
func (a *sectorAllocator) Replace(free *blockManager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = free
}
