package vefs

import (
	"io"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"

	"go.vefs.dev/vefs/internal/vefscrypto"
	"go.vefs.dev/vefs/persist"
)

// CreationMode selects whether Open may create a new archive, must open an
// existing one, or either, mirroring the open-flag vocabulary spec.md's
// archive_file operation exposes.
type CreationMode int

const (
	// OpenExisting fails with ErrArchiveFileDidNotExist if path is absent.
	OpenExisting CreationMode = iota
	// CreateNew fails with ErrArchiveFileAlreadyExisted if path is present.
	CreateNew
	// OpenOrCreate opens path if present, otherwise creates it.
	OpenOrCreate
)

// ArchiveOptions configures Open.
type ArchiveOptions struct {
	Mode CreationMode
	AEAD vefscrypto.AEAD
	Log  *persist.Logger
	Deps dependencies
}

// Archive is the top-level handle applications use: a single host file
// holding an authenticated, encrypted directory of files. It composes every
// other component (C1-C9) behind the single vocabulary spec.md §5 names:
// open, read, write, query, commit, list_files, erase.
type Archive struct {
	device *SectorDevice
	alloc  *sectorAllocator
	fs     *VFilesystem

	freeIndexCtx  FileCryptoContext
	freeIndexRoot RootSectorInfo
}

// FileInfo is the result of Archive.Query: the metadata spec.md §6's query
// operation exposes without reading a file's content.
type FileInfo struct {
	Path string
	Size uint64
}

// Open opens or creates the archive at path under userPRK, per opts.Mode.
func Open(path string, userPRK [32]byte, opts ArchiveOptions) (*Archive, error) {
	deviceOpts := DeviceOptions{AEAD: opts.AEAD, Log: opts.Log, Deps: opts.Deps}

	exists, err := hostFileExists(path)
	if err != nil {
		return nil, err
	}
	switch opts.Mode {
	case OpenExisting:
		if !exists {
			return nil, ErrArchiveFileDidNotExist
		}
	case CreateNew:
		if exists {
			return nil, ErrArchiveFileAlreadyExisted
		}
	}

	create := !exists
	host, err := OpenHostFile(path, create)
	if err != nil {
		return nil, err
	}

	var device *SectorDevice
	if create {
		device, err = CreateSectorDevice(host, userPRK, deviceOpts)
	} else {
		device, err = OpenSectorDevice(host, userPRK, deviceOpts)
	}
	if err != nil {
		host.Close()
		return nil, err
	}

	header, err := device.ReadArchiveHeader()
	if err != nil {
		device.Close()
		return nil, err
	}

	free, err := bootstrapFreeRanges(device, header)
	if err != nil {
		device.Close()
		return nil, err
	}
	alloc := newSectorAllocator(device, free)
	fs := NewVFilesystem(device, alloc, header.Directory)
	if !create {
		if err := fs.Load(); err != nil {
			device.Close()
			return nil, err
		}
	}

	return &Archive{
		device:        device,
		alloc:         alloc,
		fs:            fs,
		freeIndexCtx:  header.FreeSectorIndex.CryptoCtx,
		freeIndexRoot: header.FreeSectorIndex.RootInfo,
	}, nil
}

// bootstrapFreeRanges seeds the allocator's free pool. A real archive
// persists its free-sector index as its own file (MasterFileInfo
// FreeSectorIndex, rebuilt by persistFreeSectorIndex on every Commit); this
// streams that file back via a SequentialSectorTree and reconstructs the
// exact free ranges it recorded, falling back to "every sector beyond the
// master sector is free" only for a brand new archive that has never
// committed one.
func bootstrapFreeRanges(device *SectorDevice, header ArchiveHeaderContent) (*blockManager, error) {
	root := header.FreeSectorIndex.RootInfo
	if !root.Root.IsAllocated() {
		return newBlockManagerWithRange(1, device.NumSectors()), nil
	}

	ctx := header.FreeSectorIndex.CryptoCtx
	seq := NewSequentialSectorTree(device, &ctx, root)
	bitset := make([]byte, 0, root.MaximumExtent)
	for uint64(len(bitset)) < root.MaximumExtent {
		chunk, err := seq.Next()
		if err != nil {
			return nil, errors.AddContext(err, "unable to read persisted free-sector index")
		}
		remaining := root.MaximumExtent - uint64(len(bitset))
		if remaining < uint64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		bitset = append(bitset, chunk...)
	}

	free := ParseBitset(bitset)
	// a bitset frozen at the moment persistFreeSectorIndex computed it can
	// never describe the sectors used to store the free-sector index file
	// itself - those are allocated after the snapshot is taken. Explicitly
	// exclude them regardless of what the bitset says, so a stale "free" bit
	// for one of them can never cause it to be handed out and overwritten.
	if err := walkAndFree(device, &ctx, root.Root, int(root.TreeDepth), func(id PhysicalSectorID) {
		free.Reserve(uint64(id))
	}); err != nil {
		return nil, err
	}
	free.TrimIDs(device.NumSectors())
	return free, nil
}

func hostFileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.AddContext(err, "unable to stat host file")
}

// ReadFile reads the whole contents of path.
func (a *Archive) ReadFile(path string) ([]byte, error) {
	f, err := a.fs.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer a.fs.CloseFile(path)

	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && f.Size() > 0 {
		return nil, err
	}
	return buf, nil
}

// WriteFile creates (or overwrites, if it already exists) the file at path
// with the given content and commits immediately.
func (a *Archive) WriteFile(path string, content []byte) error {
	f, err := a.fs.OpenFile(path)
	if errors.Contains(err, ErrArchiveFileDidNotExist) {
		f, err = a.fs.CreateFile(path)
	}
	if err != nil {
		return err
	}
	defer a.fs.CloseFile(path)

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(content, 0); err != nil {
		return err
	}
	return a.Commit()
}

// Query returns path's metadata without reading its content.
func (a *Archive) Query(path string) (FileInfo, error) {
	f, err := a.fs.OpenFile(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer a.fs.CloseFile(path)
	return FileInfo{Path: path, Size: f.Size()}, nil
}

// Extract reads path's content and writes it to dstPath on the local
// filesystem, creating any missing parent directories.
func (a *Archive) Extract(path, dstPath string) error {
	content, err := a.ReadFile(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(dstPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.AddContext(err, "unable to create destination directory")
		}
	}
	if err := os.WriteFile(dstPath, content, 0600); err != nil {
		return errors.AddContext(err, "unable to write extracted file")
	}
	return nil
}

// ExtractAll extracts every file in the archive into dstDir, mirroring each
// archive path as a relative path under dstDir.
func (a *Archive) ExtractAll(dstDir string) error {
	for _, path := range a.fs.ListFiles() {
		if err := a.Extract(path, filepath.Join(dstDir, path)); err != nil {
			return errors.AddContext(err, "unable to extract "+path)
		}
	}
	return nil
}

// PersonalizationArea reads the archive's host-application metadata window.
func (a *Archive) PersonalizationArea() ([]byte, error) {
	return a.device.PersonalizationArea()
}

// SyncPersonalizationArea overwrites the archive's personalization area and
// flushes it to disk immediately (it is outside the directory/commit cycle
// entirely, per spec.md §4.1).
func (a *Archive) SyncPersonalizationArea(data []byte) error {
	if err := a.device.WritePersonalizationArea(data); err != nil {
		return err
	}
	return a.device.Sync()
}

// ListFiles returns every path in the archive.
func (a *Archive) ListFiles() []string {
	return a.fs.ListFiles()
}

// Erase permanently deletes the file at path.
func (a *Archive) Erase(path string) error {
	return a.fs.DeleteFile(path)
}

// Commit seals every pending write across every open file, persists the
// updated directory descriptor and free-sector index, and rotates the
// archive header.
func (a *Archive) Commit() error {
	dirInfo, err := a.fs.Commit()
	if err != nil {
		return err
	}
	header := ArchiveHeaderContent{
		Directory: MasterFileInfo{
			CryptoCtx: a.fs.DirectoryCryptoContext(),
			RootInfo:  dirInfo.RootInfo,
		},
		FreeSectorIndex: MasterFileInfo{
			CryptoCtx: a.freeIndexCtx,
		},
	}
	if err := a.persistFreeSectorIndex(&header); err != nil {
		return err
	}
	if err := a.device.WriteArchiveHeader(header); err != nil {
		return err
	}
	return a.device.Sync()
}

// persistFreeSectorIndex rewrites the free-sector index file from scratch as
// a bitset covering every sector the host file currently holds (spec.md
// §4.3's self-describing free list): it frees the previous index tree's own
// sectors, snapshots the allocator's resulting free pool, and streams that
// snapshot into a brand new SequentialSectorTree.
func (a *Archive) persistFreeSectorIndex(header *ArchiveHeaderContent) error {
	if a.freeIndexRoot.Root.IsAllocated() {
		if err := walkAndFree(a.device, &a.freeIndexCtx, a.freeIndexRoot.Root, int(a.freeIndexRoot.TreeDepth), a.alloc.Free); err != nil {
			return err
		}
	}

	bitset := a.alloc.Finalize()
	seq := NewSequentialSectorTree(a.device, &a.freeIndexCtx, RootSectorInfo{})
	if len(bitset) == 0 {
		if err := seq.WriteSequential(a.alloc, nil); err != nil {
			return err
		}
	} else {
		for off := 0; off < len(bitset); off += SectorPayloadSize {
			end := off + SectorPayloadSize
			if end > len(bitset) {
				end = len(bitset)
			}
			if err := seq.WriteSequential(a.alloc, bitset[off:end]); err != nil {
				return err
			}
		}
	}
	seq.SetMaximumExtent(uint64(len(bitset)))

	a.freeIndexRoot = seq.Root()
	header.FreeSectorIndex.RootInfo = a.freeIndexRoot
	return nil
}

// RecoverUnusedSectors rebuilds the allocator's free pool from scratch via a
// full mark-and-sweep: every sector reachable from the master sector, the
// directory, the free-sector index, or any file's tree is marked live, and
// everything else is handed back to the allocator. Use after a crash or a
// bug is suspected to have leaked sectors out of the free pool without a
// corresponding Extend.
func (a *Archive) RecoverUnusedSectors() error {
	live := map[PhysicalSectorID]bool{masterSectorID: true}

	dirCtx := a.fs.DirectoryCryptoContext()
	if err := markReachable(a.device, &dirCtx, a.fs.DirectoryRoot(), live); err != nil {
		return err
	}
	if err := markReachable(a.device, &a.freeIndexCtx, a.freeIndexRoot, live); err != nil {
		return err
	}
	for _, info := range a.fs.FileRoots() {
		ctx := info.CryptoCtx
		if err := markReachable(a.device, &ctx, info.RootInfo, live); err != nil {
			return err
		}
	}

	free := newBlockManager()
	for id := uint64(1); id < a.device.NumSectors(); id++ {
		if !live[PhysicalSectorID(id)] {
			free.Extend(id)
		}
	}
	a.alloc.Replace(free)
	return nil
}

// markReachable walks every sector reachable from root and marks it live.
func markReachable(device *SectorDevice, ctx *FileCryptoContext, root RootSectorInfo, live map[PhysicalSectorID]bool) error {
	return walkAndFree(device, ctx, root.Root, int(root.TreeDepth), func(id PhysicalSectorID) {
		live[id] = true
	})
}

// ReplaceCorruptedSectors is a data-loss-accepting repair of last resort:
// VEFS keeps no redundancy or parity, so a sector that fails AEAD
// authentication cannot actually be recovered. For each file, every leaf
// that fails to authenticate is replaced with a fresh all-zero sector so the
// rest of the file (and the archive as a whole) stays usable, and the path
// is reported as repaired. Commit must still be called afterward to make
// the repair durable.
func (a *Archive) ReplaceCorruptedSectors() ([]string, error) {
	var repaired []string
	for path, info := range a.fs.FileRoots() {
		ctx := info.CryptoCtx
		cow := newCOWAllocator(a.alloc)
		tree := NewSectorTree(a.device, &ctx, cow, newLRUPolicy(64), info.RootInfo)

		leaves := (info.RootInfo.MaximumExtent + SectorPayloadSize - 1) / SectorPayloadSize
		fixedAny := false
		zero := make([]byte, SectorPayloadSize)
		for leaf := uint64(0); leaf < leaves; leaf++ {
			if _, err := tree.Access(leaf); err != nil {
				if !errors.Contains(err, ErrTagMismatch) {
					return repaired, err
				}
				if err := tree.Write(leaf, zero); err != nil {
					return repaired, err
				}
				fixedAny = true
			}
		}
		if !fixedAny {
			continue
		}
		if _, err := tree.Commit(); err != nil {
			return repaired, err
		}
		cow.Commit()
		repaired = append(repaired, path)
	}
	return repaired, nil
}

// Close seals any pending writes and releases the host file.
func (a *Archive) Close() error {
	if err := a.Commit(); err != nil {
		a.device.Close()
		return err
	}
	return a.device.Close()
}

// backupHostFile copies path to path+".bak" before an in-place repair, so a
// failed purge/repair attempt never leaves the operator without a prior
// working copy.
func backupHostFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return errors.AddContext(err, "unable to open host file for backup")
	}
	defer src.Close()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return errors.AddContext(err, "unable to create backup file")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.AddContext(err, "unable to copy backup file")
	}
	return dst.Sync()
}

// PurgeCorruption repairs an archive whose two rotating archive header slots
// have fallen out of agreement (e.g. a crash mid-rotation left one slot
// stale), backing up the host file to path+".bak" first. Opening already
// resolves to whichever slot authenticates with the larger write counter
// (header.go's ReadArchiveHeader), and the final Commit writes a fresh
// header, with a larger counter, into the other slot; any file whose leaves
// no longer authenticate is replaced
// with zeroed sectors rather than left permanently unreadable.
func PurgeCorruption(path string, userPRK [32]byte, opts ArchiveOptions) error {
	if err := backupHostFile(path); err != nil {
		return err
	}
	opts.Mode = OpenExisting
	a, err := Open(path, userPRK, opts)
	if err != nil {
		return err
	}
	defer a.device.Close()

	if _, err := a.ReplaceCorruptedSectors(); err != nil {
		return err
	}
	return a.Commit()
}

// Validate opens path read-only and reads every file in full, returning the
// first error encountered (wrapped with the offending path), i.e. a full
// integrity sweep without mutating anything.
func Validate(path string, userPRK [32]byte, opts ArchiveOptions) error {
	opts.Mode = OpenExisting
	a, err := Open(path, userPRK, opts)
	if err != nil {
		return err
	}
	defer a.device.Close()

	for _, p := range a.fs.ListFiles() {
		if _, err := a.ReadFile(p); err != nil {
			return errors.AddContext(err, "validation failed for "+p)
		}
	}
	return nil
}

// ReadArchivePersonalizationArea reads path's personalization area directly,
// without needing userPRK - the area lives outside the AEAD envelope
// entirely (spec.md §4.1).
func ReadArchivePersonalizationArea(path string) ([]byte, error) {
	host, err := OpenHostFile(path, false)
	if err != nil {
		return nil, err
	}
	defer host.Close()

	buf := make([]byte, personalizationAreaSize)
	if _, err := host.ReadAt(buf, personalizationAreaOffset); err != nil {
		return nil, errors.AddContext(err, "unable to read personalization area")
	}
	return buf, nil
}
