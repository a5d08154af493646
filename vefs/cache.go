package vefs

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// sectorState is the lifecycle state of one cached sector, per spec.md §4.5.
type sectorState int

const (
	sectorFree sectorState = iota
	sectorLoading
	sectorClean
	sectorDirty
	sectorReplacing
	sectorDead
)

// cacheEntry is one slot in the sector cache: a pin count, a lifecycle
// state, and (once loaded) the decrypted sector payload.
type cacheEntry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ref     SectorReference
	pos     TreePosition
	state   sectorState
	pins    int
	payload []byte
	dirty   bool
}

func newCacheEntry() *cacheEntry {
	e := &cacheEntry{state: sectorFree}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// evictionPolicy is the pluggable admission/eviction strategy component C5
// delegates to, per spec.md §4.5: LRU, Segmented LRU, or Window-TinyLFU. All
// three share this one interface so the cache itself never branches on
// which policy is active.
type evictionPolicy interface {
	// Access records a hit or a fresh admission of key, and returns a
	// non-empty eviction candidate key if the policy's capacity has been
	// exceeded and something must be evicted to make room.
	Access(key TreePosition) (evict TreePosition, ok bool)
	// Remove drops key from the policy's bookkeeping without going through
	// the normal eviction path, used when a sector is explicitly purged
	// (e.g. freed by a COW rewrite).
	Remove(key TreePosition)
	// Len reports how many keys the policy is currently tracking.
	Len() int
}

// SectorCache is component C5: a bounded, pin-aware cache of decrypted
// sector payloads keyed by their logical tree position within one file.
// Multiple readers may hold a pinned, clean entry concurrently; a writer
// must hold the sole pin on a dirty entry until it commits.
type SectorCache struct {
	mu      sync.Mutex
	entries map[TreePosition]*cacheEntry
	policy  evictionPolicy
	device  *SectorDevice
	ctx     *FileCryptoContext
}

// NewSectorCache constructs a cache backed by device and sealing/opening
// sectors under ctx, using policy for eviction decisions; the policy's own
// capacity bounds how many entries the cache keeps.
func NewSectorCache(device *SectorDevice, ctx *FileCryptoContext, policy evictionPolicy) *SectorCache {
	return &SectorCache{
		entries: make(map[TreePosition]*cacheEntry),
		policy:  policy,
		device:  device,
		ctx:     ctx,
	}
}

// Fetch returns the decrypted payload at pos, pinning the entry so it
// cannot be evicted until Release is called. If the entry is not resident,
// it is loaded from ref via the device, blocking concurrent Fetch calls for
// the same pos until the load completes.
func (c *SectorCache) Fetch(pos TreePosition, ref SectorReference) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[pos]
	if !ok {
		e = newCacheEntry()
		e.pos = pos
		e.ref = ref
		e.state = sectorLoading
		c.entries[pos] = e
		e.mu.Lock()
		c.mu.Unlock()

		payload, err := c.device.ReadSector(ref, c.ctx)
		if err != nil {
			e.state = sectorDead
			e.mu.Unlock()
			c.mu.Lock()
			delete(c.entries, pos)
			c.mu.Unlock()
			return nil, err
		}
		e.payload = payload
		e.state = sectorClean
		e.pins++
		e.cond.Broadcast()
		e.mu.Unlock()

		c.mu.Lock()
		c.admitLocked(pos)
		c.mu.Unlock()
		return payload, nil
	}
	c.mu.Unlock()

	e.mu.Lock()
	for e.state == sectorLoading || e.state == sectorReplacing {
		e.cond.Wait()
	}
	if e.state == sectorDead {
		e.mu.Unlock()
		return nil, errSectorUnallocated
	}
	e.pins++
	payload := e.payload
	e.mu.Unlock()

	c.mu.Lock()
	c.policy.Access(pos)
	c.mu.Unlock()
	return payload, nil
}

// Put inserts or updates a sector's payload as dirty, pinning it. Used
// after a copy-on-write rewrite produces a new plaintext for pos that has
// not yet been sealed and written to the device.
func (c *SectorCache) Put(pos TreePosition, payload []byte) {
	c.mu.Lock()
	e, ok := c.entries[pos]
	if !ok {
		e = newCacheEntry()
		e.pos = pos
		c.entries[pos] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	e.payload = payload
	e.dirty = true
	e.state = sectorDirty
	e.pins++
	e.mu.Unlock()

	c.mu.Lock()
	c.admitLocked(pos)
	c.mu.Unlock()
}

// Release unpins pos. Once a dirty entry's pin count reaches zero it
// remains cached (as clean, once Commit has sealed it) but becomes eligible
// for eviction again.
func (c *SectorCache) Release(pos TreePosition) {
	c.mu.Lock()
	e, ok := c.entries[pos]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.pins > 0 {
		e.pins--
	}
	e.mu.Unlock()
}

// admitLocked runs the eviction policy and, if it names a victim, evicts it
// provided the victim is currently unpinned and clean; a pinned victim is
// left alone and simply counted against capacity until it is released
// (spec.md's pin contract: a pinned sector is never evicted out from under
// its holder), and a dirty victim is left alone regardless of pin state -
// its only copy is the cache entry itself until Sync seals it, so evicting
// it would silently drop a pending write.
func (c *SectorCache) admitLocked(key TreePosition) {
	victim, ok := c.policy.Access(key)
	if !ok {
		return
	}
	e, exists := c.entries[victim]
	if !exists {
		return
	}
	e.mu.Lock()
	if e.pins > 0 || e.state == sectorDirty {
		e.mu.Unlock()
		return
	}
	e.state = sectorDead
	e.mu.Unlock()
	delete(c.entries, victim)
}

// SyncFunc seals one dirty entry's payload to physical storage (allocating
// and writing a fresh sector, freeing whatever the position previously
// occupied, and linking the result into its parent) and returns the
// resulting SectorReference.
type SyncFunc func(pos TreePosition, payload []byte) (SectorReference, error)

// Sync seals the dirty entry at pos via fn, transitioning it from dirty to
// clean and recording the resulting reference. If pos is already clean,
// Sync is a no-op and returns the entry's current reference; if pos is not
// resident, Sync returns an error.
func (c *SectorCache) Sync(pos TreePosition, fn SyncFunc) (SectorReference, error) {
	c.mu.Lock()
	e, ok := c.entries[pos]
	c.mu.Unlock()
	if !ok {
		return SectorReference{}, errors.Compose(errCachePinned, errSectorUnallocated)
	}

	e.mu.Lock()
	if e.state != sectorDirty {
		ref := e.ref
		e.mu.Unlock()
		return ref, nil
	}
	payload := e.payload
	e.mu.Unlock()

	ref, err := fn(pos, payload)
	if err != nil {
		return SectorReference{}, err
	}

	e.mu.Lock()
	e.ref = ref
	e.dirty = false
	e.state = sectorClean
	e.mu.Unlock()
	return ref, nil
}

// SyncAll seals every currently dirty entry via fn and returns the
// resulting references keyed by position. It is the cache-level primitive
// SectorTree.Commit drives its bottom-up seal from, rather than hand-rolling
// its own dirty tracking alongside the cache's.
func (c *SectorCache) SyncAll(fn SyncFunc) (map[TreePosition]SectorReference, error) {
	c.mu.Lock()
	var dirty []TreePosition
	for pos, e := range c.entries {
		e.mu.Lock()
		isDirty := e.state == sectorDirty
		e.mu.Unlock()
		if isDirty {
			dirty = append(dirty, pos)
		}
	}
	c.mu.Unlock()

	out := make(map[TreePosition]SectorReference, len(dirty))
	for _, pos := range dirty {
		ref, err := c.Sync(pos, fn)
		if err != nil {
			return nil, err
		}
		out[pos] = ref
	}
	return out, nil
}

// PurgeAll drops every entry from the cache regardless of pin or dirty
// state, used when a tree is being torn down entirely (SectorTree.Reset).
func (c *SectorCache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pos := range c.entries {
		c.policy.Remove(pos)
	}
	c.entries = make(map[TreePosition]*cacheEntry)
}

// Purge drops pos from the cache entirely (used when its sector is freed),
// regardless of pin state - the caller is responsible for knowing no one
// else can still be referencing it.
func (c *SectorCache) Purge(pos TreePosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, pos)
	c.policy.Remove(pos)
}

// Len reports the number of sectors currently resident.
func (c *SectorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// errCachePinned is surfaced when an operation needs exclusive access to an
// entry that is still pinned by another caller.
var errCachePinned = errors.New("sector is still pinned")
