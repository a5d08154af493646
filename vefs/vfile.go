package vefs

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// VFile is component C8: a virtual file backed by a SectorTree, presenting
// the ordinary read/write/truncate vocabulary over byte offsets instead of
// the tree's leaf positions and fixed sector payloads.
type VFile struct {
	mu   sync.RWMutex
	id   FileID
	tree *SectorTree
	size uint64
}

// OpenVFile wraps an already-constructed SectorTree as a VFile, using the
// tree root's MaximumExtent as the file's current logical size.
func OpenVFile(id FileID, tree *SectorTree) *VFile {
	return &VFile{id: id, tree: tree, size: tree.Root().MaximumExtent}
}

// ID returns the file's identifier.
func (f *VFile) ID() FileID {
	return f.id
}

// Size returns the file's current logical size in bytes.
func (f *VFile) Size() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// ReadAt reads up to len(p) bytes starting at logical offset off. A read
// that runs past the file's size is shortened to end there and returns no
// error; a read starting at or beyond the size fails. A leaf inside the
// size that was never written reads as zeros.
func (f *VFile) ReadAt(p []byte, off uint64) (int, error) {
	f.mu.RLock()
	size := f.size
	f.mu.RUnlock()

	if off >= size {
		return 0, errors.New("read past end of file")
	}
	end := off + uint64(len(p))
	if end > size {
		end = size
		p = p[:end-off]
	}

	n := 0
	for n < len(p) {
		leafPos := (off + uint64(n)) / SectorPayloadSize
		inSector := (off + uint64(n)) % SectorPayloadSize
		payload, err := f.tree.Access(leafPos)
		if errors.Contains(err, ErrSectorReferenceOutOfRange) || errors.Contains(err, errSectorUnallocated) {
			payload, err = make([]byte, SectorPayloadSize), nil
		}
		if err != nil {
			return n, err
		}
		copied := copy(p[n:], payload[inSector:])
		n += copied
	}
	return n, nil
}

// WriteAt writes p at logical offset off, extending the file (and zero-
// filling any gap before off) if necessary. The write is only durable after
// Commit.
func (f *VFile) WriteAt(p []byte, off uint64) (int, error) {
	n := 0
	for n < len(p) {
		leafPos := (off + uint64(n)) / SectorPayloadSize
		inSector := (off + uint64(n)) % SectorPayloadSize

		payload, err := f.tree.AccessOrCreate(leafPos)
		if err != nil {
			return n, err
		}
		copied := copy(payload[inSector:], p[n:])
		if err := f.tree.Write(leafPos, payload); err != nil {
			return n, err
		}
		n += copied
	}

	f.mu.Lock()
	if off+uint64(len(p)) > f.size {
		f.size = off + uint64(len(p))
	}
	f.mu.Unlock()
	return n, nil
}

// Truncate sets the file's logical size to size. Shrinking erases every leaf
// beyond the new size outright (SectorTree.EraseLeaf) rather than leaving it
// reachable-but-stale; truncating to zero collapses the tree to height zero
// via SectorTree.Reset, the boundary case spec.md calls out explicitly.
func (f *VFile) Truncate(size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if size == 0 {
		if err := f.tree.Reset(); err != nil {
			return err
		}
		f.size = 0
		return nil
	}

	if size < f.size {
		// zero the final partial sector so a subsequent grow-back-and-read
		// never exposes stale bytes beyond the new logical size.
		if size%SectorPayloadSize != 0 {
			leafPos := size / SectorPayloadSize
			payload, err := f.tree.Access(leafPos)
			if err == nil {
				for i := int(size % SectorPayloadSize); i < len(payload); i++ {
					payload[i] = 0
				}
				if err := f.tree.Write(leafPos, payload); err != nil {
					return err
				}
			}
		}

		newLeaves := (size + SectorPayloadSize - 1) / SectorPayloadSize
		oldLeaves := (f.size + SectorPayloadSize - 1) / SectorPayloadSize
		for leaf := newLeaves; leaf < oldLeaves; leaf++ {
			if err := f.tree.EraseLeaf(leaf); err != nil {
				return err
			}
		}
	}
	f.size = size
	return nil
}

// Commit seals every pending write and returns the file's new
// RootSectorInfo (with MaximumExtent set to the file's current logical
// size), for the directory to persist into the master file descriptor.
func (f *VFile) Commit() (RootSectorInfo, error) {
	f.mu.RLock()
	size := f.size
	f.mu.RUnlock()

	root, err := f.tree.Commit()
	if err != nil {
		return RootSectorInfo{}, err
	}
	root.MaximumExtent = size
	return root, nil
}
