package vefs

import "gitlab.com/NebulousLabs/errors"

// SequentialSectorTree is component C7: a single-threaded, cursor-based
// walk over a sector tree. Archive uses it to write the free-sector index
// at commit and to read it back during bootstrap, before any concurrent
// access is possible. It keeps one decoded reference sector per tree layer
// ("loadSectorLocations" in the teacher's storage-folder bookkeeping
// caches one entry per usage-bitmap page the same way) instead of a full
// SectorCache, since a sequential walk only ever needs the path from the
// root to its current position.
type SequentialSectorTree struct {
	device *SectorDevice
	ctx    *FileCryptoContext
	root   RootSectorInfo

	// path[i] holds the decoded reference sector at layer root.TreeDepth-i,
	// for the branch the cursor currently sits under.
	path     []referenceSector
	pathPos  []TreePosition
	cursor   uint64
	loaded   bool
}

// NewSequentialSectorTree constructs a cursor over root, starting at
// logical leaf position 0.
func NewSequentialSectorTree(device *SectorDevice, ctx *FileCryptoContext, root RootSectorInfo) *SequentialSectorTree {
	return &SequentialSectorTree{device: device, ctx: ctx, root: root}
}

// Seek repositions the cursor to the given logical leaf position; the next
// Next() call returns that leaf's payload.
func (s *SequentialSectorTree) Seek(leafPos uint64) {
	s.cursor = leafPos
	s.loaded = false
}

// Next reads the leaf sector at the cursor, advances the cursor by one, and
// returns the leaf's decrypted payload. It returns io.EOF-equivalent
// ErrSectorReferenceOutOfRange once the cursor passes the tree's allocated
// extent.
func (s *SequentialSectorTree) Next() ([]byte, error) {
	payload, err := s.loadLeaf(s.cursor)
	if err != nil {
		return nil, err
	}
	s.cursor++
	return payload, nil
}

func (s *SequentialSectorTree) loadLeaf(leafPos uint64) ([]byte, error) {
	depth := int(s.root.TreeDepth)
	if depth == 0 {
		if leafPos != 0 {
			return nil, ErrSectorReferenceOutOfRange
		}
		return s.readRef(s.root.Root)
	}

	positions := make([]uint64, depth+1)
	p := leafPos
	for l := 0; l <= depth; l++ {
		positions[depth-l] = p
		p /= RefsPerSector
	}

	if !s.loaded || !s.sharesPathPrefix(positions) {
		if err := s.reloadPath(positions); err != nil {
			return nil, err
		}
	}

	leafOffset := positions[depth] % RefsPerSector
	leafRef := s.path[len(s.path)-1].refs[leafOffset]
	return s.readRef(leafRef)
}

// sharesPathPrefix reports whether the cached path's reference-layer
// ancestry (everything above the leaf) still applies to positions, i.e.
// only the leaf offset differs from the last load.
func (s *SequentialSectorTree) sharesPathPrefix(positions []uint64) bool {
	if len(s.pathPos) == 0 {
		return false
	}
	for i, pos := range s.pathPos {
		if pos.Position != positions[i] {
			return false
		}
	}
	return true
}

func (s *SequentialSectorTree) reloadPath(positions []uint64) error {
	depth := int(s.root.TreeDepth)
	s.path = s.path[:0]
	s.pathPos = s.pathPos[:0]

	ref := s.root.Root
	for layer := depth; layer >= 1; layer-- {
		if !ref.IsAllocated() {
			return ErrSectorReferenceOutOfRange
		}
		payload, err := s.readRef(ref)
		if err != nil {
			return err
		}
		rs := decodeReferenceSector(payload)
		s.path = append(s.path, rs)
		s.pathPos = append(s.pathPos, TreePosition{Layer: uint8(layer), Position: positions[depth-layer]})
		ref = rs.refs[positions[depth-layer+1]%RefsPerSector]
	}
	s.loaded = true
	return nil
}

func (s *SequentialSectorTree) readRef(ref SectorReference) ([]byte, error) {
	if !ref.IsAllocated() {
		return nil, errors.Compose(ErrSectorReferenceOutOfRange, errSectorUnallocated)
	}
	return s.device.ReadSector(ref, s.ctx)
}

// WriteSequential seals plaintext and writes it as the leaf at the cursor's
// current position, allocating the leaf and a fresh copy of every reference
// sector above it directly (no COW epoch, since a sequential writer is
// assumed to own the tree exclusively during bootstrap). The reference
// sectors written by the previous call are not freed. It then advances the
// cursor.
func (s *SequentialSectorTree) WriteSequential(alloc *sectorAllocator, plaintext []byte) error {
	depth := int(RequiredDepth((s.cursor + 1) * SectorPayloadSize))
	if depth > int(s.root.TreeDepth) {
		if err := s.growDepth(alloc, depth); err != nil {
			return err
		}
	}

	leafID, err := alloc.Allocate()
	if err != nil {
		return err
	}
	padded := make([]byte, SectorPayloadSize)
	copy(padded, plaintext)
	leafRef, err := s.device.WriteSector(leafID, s.ctx, padded)
	if err != nil {
		return err
	}

	if s.root.TreeDepth == 0 {
		s.root.Root = leafRef
		s.cursor++
		s.loaded = false
		return nil
	}

	positions := make([]uint64, int(s.root.TreeDepth)+1)
	p := s.cursor
	for l := 0; l <= int(s.root.TreeDepth); l++ {
		positions[int(s.root.TreeDepth)-l] = p
		p /= RefsPerSector
	}
	if err := s.reloadPath(positions); err != nil && !errors.Contains(err, ErrSectorReferenceOutOfRange) {
		return err
	}
	if len(s.path) == 0 {
		s.path = make([]referenceSector, int(s.root.TreeDepth))
	}
	leafOffset := positions[len(positions)-1] % RefsPerSector
	s.path[len(s.path)-1].refs[leafOffset] = leafRef

	// rewrite every reference sector up the chain
	child := leafRef
	for i := len(s.path) - 1; i >= 0; i-- {
		id, err := alloc.Allocate()
		if err != nil {
			return err
		}
		if i != len(s.path)-1 {
			offset := positions[i+1] % RefsPerSector
			s.path[i].refs[offset] = child
		}
		newRef, err := s.device.WriteSector(id, s.ctx, s.path[i].encode())
		if err != nil {
			return err
		}
		child = newRef
	}
	s.root.Root = child
	s.cursor++
	s.loaded = false
	return nil
}

func (s *SequentialSectorTree) growDepth(alloc *sectorAllocator, newDepth int) error {
	for int(s.root.TreeDepth) < newDepth {
		id, err := alloc.Allocate()
		if err != nil {
			return err
		}
		var rs referenceSector
		rs.refs[0] = s.root.Root
		newRef, err := s.device.WriteSector(id, s.ctx, rs.encode())
		if err != nil {
			return err
		}
		s.root.Root = newRef
		s.root.TreeDepth++
	}
	s.loaded = false
	return nil
}

// Root returns the cursor's current root descriptor, including whatever
// MaximumExtent was supplied at construction - callers are responsible for
// updating MaximumExtent themselves once they know the final logical size.
func (s *SequentialSectorTree) Root() RootSectorInfo {
	return s.root
}

// SetMaximumExtent updates the root's logical size field, called once the
// caller knows how many bytes it actually wrote.
func (s *SequentialSectorTree) SetMaximumExtent(extent uint64) {
	s.root.MaximumExtent = extent
}
