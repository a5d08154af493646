package vefs

import (
	"bytes"
	"path/filepath"
	"testing"

	"go.vefs.dev/vefs/internal/vefscrypto"
)

// TestIntegrationArchiveWriteReadRoundTrip exercises the full public API
// end to end: create an archive, write a file bigger than one sector,
// commit, close, reopen, and read it back.
func TestIntegrationArchiveWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vefs")

	var key [32]byte
	vefscrypto.RandomBytes(key[:])

	content := bytes.Repeat([]byte("vefs-integration-test-payload-"), 4096)

	a, err := Open(path, key, ArchiveOptions{Mode: CreateNew, AEAD: vefscrypto.OnlyMAC})
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	if err := a.WriteFile("/greeting.txt", content); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := Open(path, key, ArchiveOptions{Mode: OpenExisting, AEAD: vefscrypto.OnlyMAC})
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer b.Close()

	files := b.ListFiles()
	found := false
	for _, f := range files {
		if f == "/greeting.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /greeting.txt to be listed, got %v", files)
	}

	got, err := b.ReadFile("/greeting.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("read-back content does not match what was written (%d vs %d bytes)", len(got), len(content))
	}
}

// TestIntegrationArchiveCreateNewRejectsExisting verifies CreateNew mode
// refuses to clobber an existing archive.
func TestIntegrationArchiveCreateNewRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vefs")
	var key [32]byte
	vefscrypto.RandomBytes(key[:])

	a, err := Open(path, key, ArchiveOptions{Mode: CreateNew, AEAD: vefscrypto.OnlyMAC})
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	a.Close()

	if _, err := Open(path, key, ArchiveOptions{Mode: CreateNew, AEAD: vefscrypto.OnlyMAC}); err == nil {
		t.Fatalf("expected CreateNew to reject an already-existing archive")
	}
}

// TestIntegrationArchiveOpenExistingRejectsMissing verifies OpenExisting
// mode refuses to silently create a new archive.
func TestIntegrationArchiveOpenExistingRejectsMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nope.vefs")
	var key [32]byte
	vefscrypto.RandomBytes(key[:])

	if _, err := Open(path, key, ArchiveOptions{Mode: OpenExisting, AEAD: vefscrypto.OnlyMAC}); err == nil {
		t.Fatalf("expected OpenExisting to fail against a missing archive")
	}
}
