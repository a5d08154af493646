package vefs

import (
	"bytes"
	"testing"
)

func newTestTree(t *testing.T) (*SectorTree, *cowAllocator, *sectorAllocator) {
	t.Helper()
	d, _ := newTestDevice(t)
	if err := d.Resize(64); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	ctx, err := d.NewFileCryptoContext()
	if err != nil {
		t.Fatalf("NewFileCryptoContext: %v", err)
	}
	free := newBlockManagerWithRange(1, 64)
	alloc := newSectorAllocator(d, free)
	cow := newCOWAllocator(alloc)
	return NewSectorTree(d, &ctx, cow, newLRUPolicy(8), RootSectorInfo{}), cow, alloc
}

// TestIntegrationSectorTreeSiblingSurvivesReseal writes two leaves that
// share a reference-sector parent in two separate Commit cycles and
// verifies the first leaf's content is still intact after the second
// commit. A parent reference sector rebuilt from scratch on every reseal,
// instead of patched against its last-known content, would silently wipe
// the first leaf's reference the moment the second leaf's commit resealed
// their shared parent.
func TestIntegrationSectorTreeSiblingSurvivesReseal(t *testing.T) {
	tree, cow, _ := newTestTree(t)

	leaf0 := bytes.Repeat([]byte{0xAA}, SectorPayloadSize)
	if err := tree.Write(0, leaf0); err != nil {
		t.Fatalf("Write(0): %v", err)
	}
	if _, err := tree.Commit(); err != nil {
		t.Fatalf("Commit after leaf 0: %v", err)
	}
	cow.Commit()

	leaf1 := bytes.Repeat([]byte{0xBB}, SectorPayloadSize)
	if err := tree.Write(1, leaf1); err != nil {
		t.Fatalf("Write(1): %v", err)
	}
	if _, err := tree.Commit(); err != nil {
		t.Fatalf("Commit after leaf 1: %v", err)
	}
	cow.Commit()

	got0, err := tree.Access(0)
	if err != nil {
		t.Fatalf("Access(0) after sibling reseal: %v", err)
	}
	if !bytes.Equal(got0, leaf0) {
		t.Fatalf("leaf 0 was corrupted by resealing its sibling's shared parent")
	}

	got1, err := tree.Access(1)
	if err != nil {
		t.Fatalf("Access(1): %v", err)
	}
	if !bytes.Equal(got1, leaf1) {
		t.Fatalf("leaf 1 does not match what was written")
	}
}

// TestIntegrationSectorTreeEraseLeafFreesSector verifies EraseLeaf clears a
// leaf's reference while leaving its sibling untouched, and that the freed
// physical sector becomes reusable after two COW commits (in the COW
// allocator's recycle ring, or the underlying allocator past the ring's
// capacity).
func TestIntegrationSectorTreeEraseLeafFreesSector(t *testing.T) {
	tree, cow, alloc := newTestTree(t)

	if err := tree.Write(0, bytes.Repeat([]byte{0x11}, SectorPayloadSize)); err != nil {
		t.Fatalf("Write(0): %v", err)
	}
	if err := tree.Write(1, bytes.Repeat([]byte{0x22}, SectorPayloadSize)); err != nil {
		t.Fatalf("Write(1): %v", err)
	}
	if _, err := tree.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	cow.Commit()

	freeBefore := alloc.NumFree() + uint64(len(cow.recycled))

	if err := tree.EraseLeaf(0); err != nil {
		t.Fatalf("EraseLeaf(0): %v", err)
	}

	if _, err := tree.Access(0); err == nil {
		t.Fatalf("expected Access(0) to fail after EraseLeaf")
	}
	got1, err := tree.Access(1)
	if err != nil {
		t.Fatalf("Access(1) after erasing sibling leaf 0: %v", err)
	}
	if !bytes.Equal(got1, bytes.Repeat([]byte{0x22}, SectorPayloadSize)) {
		t.Fatalf("leaf 1 was corrupted by erasing its sibling")
	}

	cow.Commit()
	cow.Commit()
	if alloc.NumFree()+uint64(len(cow.recycled)) <= freeBefore {
		t.Fatalf("expected EraseLeaf to return a sector to the free pool")
	}
}

// TestIntegrationSectorTreeResetFreesWholeTree verifies Reset collapses a
// multi-leaf tree back to an empty root and frees every sector it held.
func TestIntegrationSectorTreeResetFreesWholeTree(t *testing.T) {
	tree, cow, alloc := newTestTree(t)

	if err := tree.Write(0, bytes.Repeat([]byte{0x33}, SectorPayloadSize)); err != nil {
		t.Fatalf("Write(0): %v", err)
	}
	if err := tree.Write(1, bytes.Repeat([]byte{0x44}, SectorPayloadSize)); err != nil {
		t.Fatalf("Write(1): %v", err)
	}
	if _, err := tree.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	cow.Commit()

	freeBefore := alloc.NumFree() + uint64(len(cow.recycled))

	if err := tree.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	cow.Commit()

	root := tree.Root()
	if root.Root.IsAllocated() {
		t.Fatalf("expected Reset to leave an unallocated root")
	}
	if alloc.NumFree()+uint64(len(cow.recycled)) <= freeBefore {
		t.Fatalf("expected Reset to return every leaf sector to the free pool")
	}
}
