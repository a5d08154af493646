package vefs

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// SectorTree is component C6: the multi-threaded, copy-on-write Merkle tree
// mapping a file's logical byte positions to physical sectors. Multiple
// goroutines may call Access concurrently; a single Commit seals every
// dirty sector reachable from the root and rewrites the root's own
// reference, advancing the tree to a new, consistent root.
//
// Grounded on the original implementation's sector_tree_mt.hpp: reference
// sectors above the leaf layer are cached and copy-on-written exactly like
// leaves, so growing a file's depth is just another COW rewrite of the
// (possibly freshly allocated) root.
type SectorTree struct {
	mu     sync.RWMutex
	device *SectorDevice
	ctx    *FileCryptoContext
	alloc  *cowAllocator
	cache  *SectorCache
	pool   *workerPool

	root RootSectorInfo

	// posRef tracks, for every tree position whose on-disk reference has
	// been observed (by accessPath's traversal, growDepthLocked or
	// sealFunc), the physical reference that position last held on disk.
	// sealFunc consults this both to free a position's superseded sector on
	// reseal and to recover a parent's existing sibling references when one
	// of its children reseals.
	posRef map[TreePosition]SectorReference
}

// NewSectorTree constructs a tree rooted at root, backed by device for
// sealed I/O and alloc for fresh sector ids.
func NewSectorTree(device *SectorDevice, ctx *FileCryptoContext, alloc *cowAllocator, policy evictionPolicy, root RootSectorInfo) *SectorTree {
	return &SectorTree{
		device: device,
		ctx:    ctx,
		alloc:  alloc,
		cache:  NewSectorCache(device, ctx, policy),
		pool:   newWorkerPool(),
		root:   root,
		posRef: make(map[TreePosition]SectorReference),
	}
}

// Root returns the tree's current root descriptor.
func (t *SectorTree) Root() RootSectorInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// referenceSector holds the decoded set of child references for one
// reference-layer sector.
type referenceSector struct {
	refs [RefsPerSector]SectorReference
}

func decodeReferenceSector(buf []byte) referenceSector {
	var rs referenceSector
	for i := 0; i < RefsPerSector; i++ {
		off := i * referenceSize
		rs.refs[i] = DecodeSectorReference(buf[off : off+referenceSize])
	}
	return rs
}

func (rs referenceSector) encode() []byte {
	buf := make([]byte, RefsPerSector*referenceSize)
	for i, r := range rs.refs {
		enc := r.Encode()
		copy(buf[i*referenceSize:], enc[:])
	}
	return buf
}

// accessPath walks from the tree's root down to the leaf at leafPos,
// returning the chain of tree positions visited (root first, leaf last) and
// the leaf's SectorReference, creating it (and any missing reference
// sectors above it) along the way when create is true. Callers must hold
// t.mu.
func (t *SectorTree) accessPathLocked(leafPos uint64, create bool) ([]TreePosition, SectorReference, error) {
	depth := int(t.root.TreeDepth)
	requiredDepth := int(RequiredDepth((leafPos + 1) * SectorPayloadSize))
	if create && requiredDepth > depth {
		if err := t.growDepthLocked(requiredDepth); err != nil {
			return nil, SectorReference{}, err
		}
		depth = requiredDepth
	}
	if !create && requiredDepth > depth {
		// the tree is too shallow to hold a leaf at leafPos
		return nil, SectorReference{}, ErrSectorReferenceOutOfRange
	}

	// translate leafPos into the position at every layer from leaf to root:
	// for a tree of depth d, the root covers RefsPerSector^d leaves, and the
	// path from root to leaf visits one position per layer.
	positions := make([]TreePosition, depth+1)
	p := leafPos
	for l := 0; l <= depth; l++ {
		positions[depth-l] = TreePosition{Layer: uint8(l), Position: p}
		p /= RefsPerSector
	}

	ref := t.root.Root
	for layer := depth; layer >= 1; layer-- {
		pos := positions[depth-layer]
		if ref.IsAllocated() {
			t.posRef[pos] = ref
		}
		var rs referenceSector
		if ref.IsAllocated() {
			payload, err := t.cache.Fetch(pos, ref)
			if err != nil {
				return nil, SectorReference{}, err
			}
			rs = decodeReferenceSector(payload)
			t.cache.Release(pos)
		} else if !create {
			return nil, SectorReference{}, ErrSectorReferenceOutOfRange
		}

		childPos := positions[depth-layer+1]
		child := rs.refs[childPos.ChildOffset()]
		if !child.IsAllocated() && !create {
			return nil, SectorReference{}, errSectorUnallocated
		}
		ref = child
	}
	if ref.IsAllocated() {
		t.posRef[positions[len(positions)-1]] = ref
	}
	return positions, ref, nil
}

func (t *SectorTree) accessPath(leafPos uint64, create bool) ([]TreePosition, SectorReference, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accessPathLocked(leafPos, create)
}

// growDepthLocked raises the tree's depth to newDepth by allocating fresh
// reference sectors above the current root, each with a single populated
// child (the previous root). Callers must hold t.mu.
func (t *SectorTree) growDepthLocked(newDepth int) error {
	for int(t.root.TreeDepth) < newDepth {
		id, err := t.alloc.Allocate()
		if err != nil {
			return err
		}
		var rs referenceSector
		rs.refs[0] = t.root.Root
		newRef, err := t.device.WriteSector(id, t.ctx, rs.encode())
		if err != nil {
			return err
		}
		if t.root.Root.IsAllocated() {
			t.posRef[TreePosition{Layer: uint8(t.root.TreeDepth), Position: 0}] = t.root.Root
		}
		t.root.Root = newRef
		t.root.TreeDepth++
		t.posRef[TreePosition{Layer: uint8(t.root.TreeDepth), Position: 0}] = newRef
	}
	return nil
}

// Access returns the leaf sector's decrypted payload for the given logical
// leaf position, authenticated against the tree's current root. It does not
// create missing sectors; use AccessOrCreate for writes.
func (t *SectorTree) Access(leafPos uint64) ([]byte, error) {
	_, leafRef, err := t.accessPath(leafPos, false)
	if err != nil {
		if errors.Contains(err, errSectorUnallocated) {
			err = errors.Compose(ErrSectorReferenceOutOfRange, err)
		}
		return nil, err
	}
	leafTreePos := TreePosition{Layer: 0, Position: leafPos}
	payload, err := t.cache.Fetch(leafTreePos, leafRef)
	if err != nil {
		return nil, err
	}
	t.cache.Release(leafTreePos)
	return payload, nil
}

// AccessOrCreate returns the leaf sector's decrypted payload at leafPos,
// allocating a fresh all-zero leaf (and any missing reference sectors above
// it) if none exists yet.
func (t *SectorTree) AccessOrCreate(leafPos uint64) ([]byte, error) {
	positions, leafRef, err := t.accessPath(leafPos, true)
	if err != nil && !errors.Contains(err, errSectorUnallocated) {
		return nil, err
	}
	leafTreePos := positions[len(positions)-1]
	if leafRef.IsAllocated() {
		payload, err := t.cache.Fetch(leafTreePos, leafRef)
		if err != nil {
			return nil, err
		}
		t.cache.Release(leafTreePos)
		return payload, nil
	}

	payload := make([]byte, SectorPayloadSize)
	t.cache.Put(leafTreePos, payload)
	t.cache.Release(leafTreePos)
	return payload, nil
}

// Write stages plaintext as the new content of the leaf at leafPos. The
// write is only durable once Commit seals it and rewrites the tree's root.
func (t *SectorTree) Write(leafPos uint64, plaintext []byte) error {
	if len(plaintext) > SectorPayloadSize {
		return errors.New("plaintext exceeds sector payload size")
	}
	positions, _, err := t.accessPath(leafPos, true)
	if err != nil && !errors.Contains(err, errSectorUnallocated) {
		return err
	}
	leafTreePos := positions[len(positions)-1]
	padded := make([]byte, SectorPayloadSize)
	copy(padded, plaintext)
	t.cache.Put(leafTreePos, padded)
	t.cache.Release(leafTreePos)
	return nil
}

// Commit seals every dirty sector the cache currently holds, bottom-up, and
// rewrites the tree's root. Sealing a child leaf or reference sector stages
// its parent as a fresh dirty cache entry (see sealFunc), so Commit loops
// over SyncAll until a pass finds nothing left dirty - at most TreeDepth+1
// passes that seal something (one per layer), plus the final empty pass. It
// returns the tree's new RootSectorInfo.
func (t *SectorTree) Commit() (RootSectorInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn := t.sealFunc()
	for {
		synced, err := t.cache.SyncAll(fn)
		if err != nil {
			return RootSectorInfo{}, err
		}
		if len(synced) == 0 {
			break
		}
	}

	t.alloc.Commit()
	return t.root, nil
}

// sealFunc returns the SyncFunc the cache drives its dirty sweep through:
// allocate a physical sector, free whatever pos previously occupied, write
// the sealed payload, and link the result into pos's parent (or the tree
// root, if pos is the root itself), staging the parent as newly dirty.
func (t *SectorTree) sealFunc() SyncFunc {
	return func(pos TreePosition, payload []byte) (SectorReference, error) {
		id, err := t.alloc.Allocate()
		if err != nil {
			return SectorReference{}, err
		}
		if old, ok := t.posRef[pos]; ok && old.IsAllocated() {
			t.alloc.Free(old.Sector)
		}
		ref, err := t.device.WriteSector(id, t.ctx, payload)
		if err != nil {
			return SectorReference{}, err
		}
		t.posRef[pos] = ref

		if int(pos.Layer) == int(t.root.TreeDepth) {
			t.root.Root = ref
			return ref, nil
		}

		parentPos := pos.Parent()
		var rs referenceSector
		if parentRef, ok := t.posRef[parentPos]; ok && parentRef.IsAllocated() {
			if buf, ferr := t.cache.Fetch(parentPos, parentRef); ferr == nil {
				rs = decodeReferenceSector(buf)
				t.cache.Release(parentPos)
			}
		}
		rs.refs[pos.ChildOffset()] = ref
		t.cache.Put(parentPos, rs.encode())
		t.cache.Release(parentPos)
		return ref, nil
	}
}

// EraseLeaf frees the physical sector backing the leaf at leafPos (if any)
// and clears its parent's reference to it, without disturbing any sibling
// leaf. It is a no-op if leafPos has no allocated leaf. Grounded on
// spec.md's erase_leaf operation (C6).
func (t *SectorTree) EraseLeaf(leafPos uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	positions, leafRef, err := t.accessPathLocked(leafPos, false)
	if err != nil {
		if errors.Contains(err, errSectorUnallocated) || errors.Contains(err, ErrSectorReferenceOutOfRange) {
			return nil
		}
		return err
	}
	if !leafRef.IsAllocated() {
		return nil
	}

	leafTreePos := positions[len(positions)-1]
	t.cache.Purge(leafTreePos)
	t.alloc.Free(leafRef.Sector)
	delete(t.posRef, leafTreePos)

	if int(leafTreePos.Layer) == int(t.root.TreeDepth) {
		t.root.Root = SectorReference{}
		return nil
	}

	parentPos := leafTreePos.Parent()
	var rs referenceSector
	if parentRef, ok := t.posRef[parentPos]; ok && parentRef.IsAllocated() {
		if buf, ferr := t.cache.Fetch(parentPos, parentRef); ferr == nil {
			rs = decodeReferenceSector(buf)
			t.cache.Release(parentPos)
		}
	}
	rs.refs[leafTreePos.ChildOffset()] = SectorReference{}
	t.cache.Put(parentPos, rs.encode())
	t.cache.Release(parentPos)
	return nil
}

// Reset frees every sector reachable from the tree's current root and
// collapses it back to an empty, zero-depth tree with no root sector
// allocated. The freed sectors go to the COW allocator's epoch-deferred
// Free, same as any other reseal, and Reset then closes that epoch itself
// (cowAllocator.Commit), so one further Commit makes them reusable.
func (t *SectorTree) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := walkAndFree(t.device, t.ctx, t.root.Root, int(t.root.TreeDepth), t.alloc.Free); err != nil {
		return err
	}
	t.cache.PurgeAll()
	t.posRef = make(map[TreePosition]SectorReference)
	t.root = RootSectorInfo{}
	t.alloc.Commit()
	return nil
}

// walkAndFree recursively visits every sector reachable from ref (a
// reference sector at the given layer, or a leaf if layer == 0) and hands
// each physical sector id to free. Shared by SectorTree.Reset and by
// Archive's free-sector-index rewrite, which needs the same "discard a
// whole previously-serialized tree" teardown without going through a
// cowAllocator's epoch deferral.
func walkAndFree(device *SectorDevice, ctx *FileCryptoContext, ref SectorReference, layer int, free func(PhysicalSectorID)) error {
	if !ref.IsAllocated() {
		return nil
	}
	if layer > 0 {
		payload, err := device.ReadSector(ref, ctx)
		if err != nil {
			return err
		}
		rs := decodeReferenceSector(payload)
		for _, child := range rs.refs {
			if err := walkAndFree(device, ctx, child, layer-1, free); err != nil {
				return err
			}
		}
	}
	free(ref.Sector)
	return nil
}
