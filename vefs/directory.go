package vefs

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// openFileRecord tracks one directory entry together with the live
// collaborators (crypto context, COW allocator, cached VFile handle) needed
// to read and write it. refs counts outstanding OpenFile callers that have
// not yet CloseFile'd; DeleteFile refuses to run while refs > 0 (spec.md's
// still_in_use state-machine transition).
type openFileRecord struct {
	entry  direntry
	ctx    FileCryptoContext
	cow    *cowAllocator
	handle *VFile
	tree   *SectorTree
	refs   int
}

// VFilesystem is component C9: the archive's single flat namespace mapping
// file paths to the files' sector trees. It owns the directory's own
// backing VFile (itself a sector tree under the archive's directory crypto
// context) and a free-block allocator over that file's content, the same
// generic blockManager used by C3 but operating over direntryBlockSize
// blocks instead of whole sectors.
type VFilesystem struct {
	mu sync.RWMutex

	device *SectorDevice
	alloc  *sectorAllocator

	backing    *VFile
	backingCow *cowAllocator
	freeBlocks *blockManager

	byPath map[string]FileID
	byID   map[FileID]*openFileRecord
}

// NewVFilesystem constructs an empty directory, allocating the directory's
// own backing file under dirInfo's crypto context.
func NewVFilesystem(device *SectorDevice, alloc *sectorAllocator, dirInfo MasterFileInfo) *VFilesystem {
	backingCow := newCOWAllocator(alloc)
	ctx := dirInfo.CryptoCtx
	tree := NewSectorTree(device, &ctx, backingCow, newWTinyLFUPolicy(256), dirInfo.RootInfo)
	var dirID FileID // the directory's own reserved, all-zero identifier
	return &VFilesystem{
		device:     device,
		alloc:      alloc,
		backing:    OpenVFile(dirID, tree),
		backingCow: backingCow,
		freeBlocks: newBlockManager(),
		byPath:     make(map[string]FileID),
		byID:       make(map[FileID]*openFileRecord),
	}
}

// Load populates the in-memory path index by walking the directory's
// backing file block by block, decoding every occupied entry. Called once,
// right after NewVFilesystem, when opening an existing archive.
func (vfs *VFilesystem) Load() error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	size := vfs.backing.Size()
	if size%direntryBlockSize != 0 {
		return ErrVFilesystemInvalidSize
	}
	totalBlocks := size / direntryBlockSize

	var block uint64
	for block < totalBlocks {
		buf := make([]byte, direntryBlockSize)
		if _, err := vfs.backing.ReadAt(buf, block*direntryBlockSize); err != nil {
			return err
		}
		if isZeroBlock(buf) {
			vfs.freeBlocks.Extend(block)
			block++
			continue
		}
		e, err := decodeDirentry(buf)
		if err != nil {
			// an entry may legitimately span more than one block; keep
			// growing the read window until decode succeeds or we run out
			// of occupied blocks.
			span := uint64(1)
			for {
				span++
				if block+span > totalBlocks {
					return errors.Compose(ErrCorruptIndexEntry, err)
				}
				buf = make([]byte, direntryBlockSize*span)
				if _, rerr := vfs.backing.ReadAt(buf, block*direntryBlockSize); rerr != nil {
					return rerr
				}
				if e, err = decodeDirentry(buf); err == nil {
					break
				}
			}
		}
		blocks := uint64((len(buf) + direntryBlockSize - 1) / direntryBlockSize)
		vfs.indexEntryLocked(e)
		block += blocks
	}
	return nil
}

func isZeroBlock(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func (vfs *VFilesystem) indexEntryLocked(e direntry) {
	vfs.byPath[e.Name] = e.ID
	vfs.byID[e.ID] = &openFileRecord{
		entry: e,
		ctx: FileCryptoContext{
			Secret:       e.Secret,
			WriteCounter: Counter128From(e.Counter),
		},
	}
}

// CreateFile creates a new, empty file at path and returns a handle to it.
// It returns ErrArchiveFileAlreadyExisted if path is already occupied.
func (vfs *VFilesystem) CreateFile(path string) (*VFile, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if _, ok := vfs.byPath[path]; ok {
		return nil, ErrArchiveFileAlreadyExisted
	}

	ctx, err := vfs.device.NewFileCryptoContext()
	if err != nil {
		return nil, err
	}
	id := newFileID()
	cow := newCOWAllocator(vfs.alloc)
	tree := NewSectorTree(vfs.device, &ctx, cow, newLRUPolicy(64), RootSectorInfo{})
	handle := OpenVFile(id, tree)

	rec := &openFileRecord{
		entry:  direntry{ID: id, Name: path, Secret: ctx.Secret, Counter: ctx.WriteCounter.Bytes()},
		ctx:    ctx,
		cow:    cow,
		handle: handle,
		tree:   tree,
		refs:   1,
	}
	vfs.byPath[path] = id
	vfs.byID[id] = rec
	return handle, nil
}

// OpenFile returns a handle to the file at path, reconstructing its sector
// tree and COW allocator if it is not already open. It returns
// ErrArchiveFileDidNotExist if path is not present.
func (vfs *VFilesystem) OpenFile(path string) (*VFile, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	id, ok := vfs.byPath[path]
	if !ok {
		return nil, ErrArchiveFileDidNotExist
	}
	rec := vfs.byID[id]
	if rec.handle != nil {
		rec.refs++
		return rec.handle, nil
	}

	cow := newCOWAllocator(vfs.alloc)
	root := fromWireMasterFileInfo(wireMasterFileInfo{
		Secret:       rec.entry.Secret,
		WriteCounter: rec.entry.Counter,
		Root:         rec.entry.Root,
	}).RootInfo
	tree := NewSectorTree(vfs.device, &rec.ctx, cow, newLRUPolicy(64), root)
	rec.handle = OpenVFile(id, tree)
	rec.cow = cow
	rec.tree = tree
	rec.refs = 1
	return rec.handle, nil
}

// CloseFile releases one outstanding OpenFile/CreateFile reference on path.
// It is a no-op if path is not present or already has no outstanding
// references - the handle itself remains cached for the next OpenFile.
func (vfs *VFilesystem) CloseFile(path string) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	id, ok := vfs.byPath[path]
	if !ok {
		return nil
	}
	rec := vfs.byID[id]
	if rec.refs > 0 {
		rec.refs--
	}
	return nil
}

// DeleteFile removes path from the namespace and frees every physical
// sector its tree occupied, not merely its root. It returns
// ErrArchiveFileDidNotExist if path is not present, or ErrStillInUse if any
// OpenFile/CreateFile caller still holds an un-CloseFile'd reference
// (spec.md's still_in_use state-machine transition).
func (vfs *VFilesystem) DeleteFile(path string) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	id, ok := vfs.byPath[path]
	if !ok {
		return ErrArchiveFileDidNotExist
	}
	rec := vfs.byID[id]
	if rec.refs > 0 {
		return ErrStillInUse
	}

	tree := rec.tree
	cow := rec.cow
	if tree == nil {
		cow = newCOWAllocator(vfs.alloc)
		root := fromWireMasterFileInfo(wireMasterFileInfo{
			Secret:       rec.entry.Secret,
			WriteCounter: rec.entry.Counter,
			Root:         rec.entry.Root,
		}).RootInfo
		ctx := rec.ctx
		tree = NewSectorTree(vfs.device, &ctx, cow, newLRUPolicy(64), root)
	}
	if err := tree.Reset(); err != nil {
		return err
	}
	// Reset's own Commit only advances the tree's COW allocator to the next
	// epoch; a second Commit moves the now-prior epoch's frees into cow's
	// recycle ring, and since cow is dropped with the record, every id in
	// the ring is handed back to the underlying sectorAllocator.
	cow.Commit()
	cow.mu.Lock()
	for _, sector := range cow.recycled {
		vfs.alloc.Free(sector)
	}
	cow.recycled = nil
	cow.mu.Unlock()

	delete(vfs.byPath, path)
	delete(vfs.byID, id)
	return nil
}

// DirectoryCryptoContext returns the crypto context the directory's own
// backing file is sealed under, for the archive to persist alongside the
// directory's root in the archive header.
func (vfs *VFilesystem) DirectoryCryptoContext() FileCryptoContext {
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()
	return *vfs.backing.tree.ctx
}

// ListFiles returns every path currently present in the namespace, in no
// particular order (spec.md leaves directory iteration order
// unspecified - see DESIGN.md).
func (vfs *VFilesystem) ListFiles() []string {
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()
	out := make([]string, 0, len(vfs.byPath))
	for p := range vfs.byPath {
		out = append(out, p)
	}
	return out
}

// Commit seals every open file's pending writes, rewrites their directory
// entries, and finally seals the directory's own backing file, returning
// the MasterFileInfo the archive header should persist for the directory.
func (vfs *VFilesystem) Commit() (MasterFileInfo, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	for _, rec := range vfs.byID {
		if rec.handle == nil {
			continue
		}
		root, err := rec.handle.Commit()
		if err != nil {
			return MasterFileInfo{}, err
		}
		rec.cow.Commit()
		rec.entry.Root = wireRootSectorInfo{
			RootSector:    uint64(root.Root.Sector),
			RootMAC:       root.Root.MAC,
			MaximumExtent: root.MaximumExtent,
			TreeDepth:     root.TreeDepth,
		}
		rec.entry.Counter = rec.ctx.WriteCounter.Bytes()

		if err := vfs.writeEntryLocked(rec); err != nil {
			return MasterFileInfo{}, err
		}
	}

	root, err := vfs.backing.Commit()
	if err != nil {
		return MasterFileInfo{}, err
	}
	vfs.backingCow.Commit()
	return MasterFileInfo{
		CryptoCtx: FileCryptoContext{}, // crypto context is owned by the caller (ArchiveHeaderContent keeps its own copy)
		RootInfo:  root,
	}, nil
}

// writeEntryLocked appends (or, for a file that already has a block range,
// overwrites) rec's encoded directory entry in the backing file. Callers
// must hold vfs.mu.
func (vfs *VFilesystem) writeEntryLocked(rec *openFileRecord) error {
	buf, blocks, err := rec.entry.encode()
	if err != nil {
		return err
	}

	startBlock, ok := vfs.freeBlocks.AllocContiguous(uint64(blocks))
	if !ok {
		startBlock = vfs.backing.Size() / direntryBlockSize
	}

	_, err = vfs.backing.WriteAt(buf, startBlock*direntryBlockSize)
	return err
}

// DirectoryRoot returns the directory's own backing file's current tree
// root, used by Archive.RecoverUnusedSectors to mark every sector reachable
// from the directory itself as live.
func (vfs *VFilesystem) DirectoryRoot() RootSectorInfo {
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()
	return vfs.backing.tree.Root()
}

// FileRoots decodes every indexed entry's tree root directly from its
// directory entry, without constructing a SectorTree/VFile for files that
// are not currently open. Used by Archive.RecoverUnusedSectors and
// Archive.ReplaceCorruptedSectors to walk every file's reachable sectors.
func (vfs *VFilesystem) FileRoots() map[string]MasterFileInfo {
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()

	out := make(map[string]MasterFileInfo, len(vfs.byPath))
	for path, id := range vfs.byPath {
		rec := vfs.byID[id]
		out[path] = fromWireMasterFileInfo(wireMasterFileInfo{
			Secret:       rec.entry.Secret,
			WriteCounter: rec.entry.Counter,
			Root:         rec.entry.Root,
		})
	}
	return out
}
