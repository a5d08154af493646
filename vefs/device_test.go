package vefs

import (
	"bytes"
	"testing"

	"go.vefs.dev/vefs/internal/vefscrypto"
)

func newTestDevice(t *testing.T) (*SectorDevice, [32]byte) {
	t.Helper()
	var key [32]byte
	vefscrypto.RandomBytes(key[:])
	host := newMemHostFile()
	d, err := CreateSectorDevice(host, key, DeviceOptions{AEAD: vefscrypto.OnlyMAC})
	if err != nil {
		t.Fatalf("CreateSectorDevice: %v", err)
	}
	return d, key
}

// TestUnitSectorRoundTrip verifies that a sector written under a file
// crypto context reads back identical plaintext.
func TestUnitSectorRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t)
	if err := d.Resize(4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	ctx, err := d.NewFileCryptoContext()
	if err != nil {
		t.Fatalf("NewFileCryptoContext: %v", err)
	}

	plaintext := bytes.Repeat([]byte{0x42}, SectorPayloadSize)
	ref, err := d.WriteSector(PhysicalSectorID(1), &ctx, plaintext)
	if err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	got, err := d.ReadSector(ref, &ctx)
	if err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-tripped plaintext does not match what was written")
	}
}

// TestUnitSectorTamperedTagFailsToOpen verifies that flipping a bit in the
// stored MAC causes ReadSector to fail with a tag mismatch rather than
// silently returning corrupted plaintext.
func TestUnitSectorTamperedTagFailsToOpen(t *testing.T) {
	d, _ := newTestDevice(t)
	if err := d.Resize(4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	ctx, err := d.NewFileCryptoContext()
	if err != nil {
		t.Fatalf("NewFileCryptoContext: %v", err)
	}

	ref, err := d.WriteSector(PhysicalSectorID(1), &ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	ref.MAC[0] ^= 0xFF
	if _, err := d.ReadSector(ref, &ctx); err == nil {
		t.Fatalf("expected a tampered MAC to fail authentication")
	}
}

// TestUnitStaticHeaderWrongKeyFails verifies that opening a freshly created
// archive under the wrong user key fails rather than returning garbage.
func TestUnitStaticHeaderWrongKeyFails(t *testing.T) {
	host := newMemHostFile()
	var key [32]byte
	vefscrypto.RandomBytes(key[:])
	if _, err := CreateSectorDevice(host, key, DeviceOptions{AEAD: vefscrypto.OnlyMAC}); err != nil {
		t.Fatalf("CreateSectorDevice: %v", err)
	}

	var wrongKey [32]byte
	vefscrypto.RandomBytes(wrongKey[:])
	if _, err := OpenSectorDevice(host, wrongKey, DeviceOptions{AEAD: vefscrypto.OnlyMAC}); err == nil {
		t.Fatalf("expected opening under the wrong key to fail")
	}
}

// TestUnitArchiveHeaderRotates verifies that writing the archive header
// twice alternates between the two slots and always recovers the latest
// write.
func TestUnitArchiveHeaderRotates(t *testing.T) {
	d, _ := newTestDevice(t)

	first := ArchiveHeaderContent{}
	if err := d.WriteArchiveHeader(first); err != nil {
		t.Fatalf("WriteArchiveHeader (1): %v", err)
	}
	slotAfterFirst := d.activeHeaderSlot

	second := ArchiveHeaderContent{Directory: MasterFileInfo{RootInfo: RootSectorInfo{MaximumExtent: 2}}}
	if err := d.WriteArchiveHeader(second); err != nil {
		t.Fatalf("WriteArchiveHeader (2): %v", err)
	}
	if d.activeHeaderSlot == slotAfterFirst {
		t.Fatalf("expected the second write to land in the other slot")
	}

	got, err := d.ReadArchiveHeader()
	if err != nil {
		t.Fatalf("ReadArchiveHeader: %v", err)
	}
	if got.Directory.RootInfo.MaximumExtent != 2 {
		t.Fatalf("expected the second write's header, got directory extent %d", got.Directory.RootInfo.MaximumExtent)
	}
}
