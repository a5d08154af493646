package vefs

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"gitlab.com/NebulousLabs/errors"

	"go.vefs.dev/vefs/internal/vefscrypto"
)

// MasterFileInfo is the persisted descriptor for one of the archive's two
// built-in files (the directory and the free-sector index): its crypto
// context and its current tree root (spec.md §3, §4.1).
type MasterFileInfo struct {
	CryptoCtx FileCryptoContext
	RootInfo  RootSectorInfo
}

// ArchiveHeaderContent is the payload sealed into one archive header slot:
// the master descriptors for the directory and the free-sector index. This
// is the entire mutable state an archive needs to resume from after a clean
// close, per spec.md §4.1.
type ArchiveHeaderContent struct {
	Directory       MasterFileInfo
	FreeSectorIndex MasterFileInfo
}

// wireMasterFileInfo/wireArchiveHeaderContent are the CBOR wire shapes for
// the above; Counter128 and fixed byte arrays need explicit field-by-field
// (de)composition since they carry unexported state.
type wireRootSectorInfo struct {
	RootSector        uint64
	RootMAC           [16]byte
	MaximumExtent     uint64
	TreeDepth         int8
}

type wireMasterFileInfo struct {
	Secret       [32]byte
	WriteCounter [16]byte
	Root         wireRootSectorInfo
}

type wireArchiveHeaderContent struct {
	Directory       wireMasterFileInfo
	FreeSectorIndex wireMasterFileInfo
}

func toWireMasterFileInfo(m MasterFileInfo) wireMasterFileInfo {
	return wireMasterFileInfo{
		Secret:       m.CryptoCtx.Secret,
		WriteCounter: m.CryptoCtx.WriteCounter.Bytes(),
		Root: wireRootSectorInfo{
			RootSector:    uint64(m.RootInfo.Root.Sector),
			RootMAC:       m.RootInfo.Root.MAC,
			MaximumExtent: m.RootInfo.MaximumExtent,
			TreeDepth:     m.RootInfo.TreeDepth,
		},
	}
}

func fromWireMasterFileInfo(w wireMasterFileInfo) MasterFileInfo {
	return MasterFileInfo{
		CryptoCtx: FileCryptoContext{
			Secret:       w.Secret,
			WriteCounter: Counter128From(w.WriteCounter),
		},
		RootInfo: RootSectorInfo{
			Root: SectorReference{
				Sector: PhysicalSectorID(w.Root.RootSector),
				MAC:    w.Root.RootMAC,
			},
			MaximumExtent: w.Root.MaximumExtent,
			TreeDepth:     w.Root.TreeDepth,
		},
	}
}

func encodeArchiveHeaderContent(c ArchiveHeaderContent) ([]byte, error) {
	w := wireArchiveHeaderContent{
		Directory:       toWireMasterFileInfo(c.Directory),
		FreeSectorIndex: toWireMasterFileInfo(c.FreeSectorIndex),
	}
	buf, err := cbor.Marshal(w)
	if err != nil {
		return nil, errors.Compose(ErrEntrySerializationFailed, err)
	}
	return buf, nil
}

func decodeArchiveHeaderContent(buf []byte) (ArchiveHeaderContent, error) {
	var w wireArchiveHeaderContent
	if err := cbor.Unmarshal(buf, &w); err != nil {
		return ArchiveHeaderContent{}, errors.Compose(ErrInvalidProto, err)
	}
	return ArchiveHeaderContent{
		Directory:       fromWireMasterFileInfo(w.Directory),
		FreeSectorIndex: fromWireMasterFileInfo(w.FreeSectorIndex),
	}, nil
}

// staticHeaderPayload is the plaintext sealed under the user-supplied PRK:
// the archive's master secret and session salt, from which every other key
// in the archive is ultimately derived (spec.md §4.1, §6).
type staticHeaderPayload struct {
	MasterSecret [64]byte
	SessionSalt  [16]byte
}

// sealStaticHeader derives a fresh salt from freshCounter (an in-memory,
// process-lifetime nonce generator - see Counter128's doc comment), seals
// the payload under userPRK, and returns the slot's on-disk bytes: salt |
// mac | length | ciphertext.
func sealStaticHeader(aead vefscrypto.AEAD, userPRK [32]byte, freshCounter [16]byte, payload staticHeaderPayload) ([]byte, error) {
	salt, err := vefscrypto.DeriveSize(32, freshCounter[:], personalStaticHeaderSalt)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive static header salt")
	}
	keyBytes, err := vefscrypto.DeriveSize(32, userPRK[:], personalStaticHeaderKey, salt)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive static header key")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	plain := encodeStaticHeaderPayload(payload)
	nonce, err := deriveNonce(aead, key)
	if err != nil {
		return nil, err
	}
	ciphertext, tag, err := aead.Seal(key, nonce, []byte(magic), plain)
	if err != nil {
		return nil, errors.AddContext(err, "unable to seal static header")
	}

	out := make([]byte, headerSlotPrefixSize+len(ciphertext))
	copy(out[0:32], salt)
	copy(out[32:48], tag)
	binary.LittleEndian.PutUint32(out[48:52], uint32(len(ciphertext)))
	copy(out[52:], ciphertext)
	return out, nil
}

// openStaticHeader is the inverse of sealStaticHeader: given the on-disk
// salt/mac/length/ciphertext prefix (everything after the magic), recover
// the plaintext payload or ErrWrongUserPRK / ErrTagMismatch.
func openStaticHeader(aead vefscrypto.AEAD, userPRK [32]byte, slot []byte) (staticHeaderPayload, error) {
	if len(slot) < headerSlotPrefixSize {
		return staticHeaderPayload{}, ErrOversizedStaticHeader
	}
	salt := slot[0:32]
	tag := slot[32:48]
	length := binary.LittleEndian.Uint32(slot[48:52])
	if int(length) > len(slot)-headerSlotPrefixSize {
		return staticHeaderPayload{}, ErrOversizedStaticHeader
	}
	ciphertext := slot[52 : 52+int(length)]

	keyBytes, err := vefscrypto.DeriveSize(32, userPRK[:], personalStaticHeaderKey, salt)
	if err != nil {
		return staticHeaderPayload{}, errors.AddContext(err, "unable to derive static header key")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	nonce, err := deriveNonce(aead, key)
	if err != nil {
		return staticHeaderPayload{}, err
	}
	plain, err := aead.Open(key, nonce, []byte(magic), ciphertext, tag)
	if err != nil {
		return staticHeaderPayload{}, errors.Compose(ErrWrongUserPRK, err)
	}
	return decodeStaticHeaderPayload(plain)
}

func encodeStaticHeaderPayload(p staticHeaderPayload) []byte {
	buf := make([]byte, 80)
	copy(buf[0:64], p.MasterSecret[:])
	copy(buf[64:80], p.SessionSalt[:])
	return buf
}

func decodeStaticHeaderPayload(buf []byte) (staticHeaderPayload, error) {
	if len(buf) != 80 {
		return staticHeaderPayload{}, ErrInvalidProto
	}
	var p staticHeaderPayload
	copy(p.MasterSecret[:], buf[0:64])
	copy(p.SessionSalt[:], buf[64:80])
	return p, nil
}

// archiveHeaderSlotOffset returns the byte offset of slot (0 or 1) within
// the master sector.
func archiveHeaderSlotOffset(slot int) int64 {
	return archiveHeaderAreaOffset + int64(slot)*archiveHeaderSlotSize
}

// ReadArchiveHeader loads whichever of the two rotating archive header
// slots is valid and newer, per spec.md §4.1: both slots are opened (a
// torn or never-written slot simply fails to authenticate and is skipped),
// and the one with the larger archive_secret_counter wins. If both slots
// report the same counter value the archive is corrupt
// (ErrIdenticalHeaderVersion, invariant I2).
func (d *SectorDevice) ReadArchiveHeader() (ArchiveHeaderContent, error) {
	type candidate struct {
		slot      int
		counterHi uint64
		counterLo uint64
		content   ArchiveHeaderContent
	}
	var candidates []candidate
	for slot := 0; slot < 2; slot++ {
		buf := make([]byte, archiveHeaderSlotSize)
		if _, err := d.host.ReadAt(buf, archiveHeaderSlotOffset(slot)); err != nil {
			continue
		}
		content, counterHi, counterLo, err := d.openArchiveHeaderSlot(buf)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{slot: slot, counterHi: counterHi, counterLo: counterLo, content: content})
	}
	// resume makes winner the active slot and continues the archive secret
	// counter just past winner's, so the next header written outranks it.
	resume := func(winner candidate) ArchiveHeaderContent {
		atomic.StoreInt32(&d.activeHeaderSlot, int32(winner.slot))
		d.archiveSecretCtr.mu.Lock()
		d.archiveSecretCtr.hi, d.archiveSecretCtr.lo = winner.counterHi, winner.counterLo+1
		if d.archiveSecretCtr.lo == 0 {
			d.archiveSecretCtr.hi++
		}
		d.archiveSecretCtr.mu.Unlock()
		return winner.content
	}
	switch len(candidates) {
	case 0:
		return ArchiveHeaderContent{}, ErrNoArchiveHeader
	case 1:
		return resume(candidates[0]), nil
	default:
		if candidates[0].counterHi == candidates[1].counterHi && candidates[0].counterLo == candidates[1].counterLo {
			return ArchiveHeaderContent{}, ErrIdenticalHeaderVersion
		}
		winner := candidates[0]
		other := candidates[1]
		if other.counterHi > winner.counterHi || (other.counterHi == winner.counterHi && other.counterLo > winner.counterLo) {
			winner = other
		}
		return resume(winner), nil
	}
}

// WriteArchiveHeader seals content into the slot opposite the one most
// recently read or written, so a crash mid-write never corrupts the last
// good header (spec.md §4.1's rotating double-buffer scheme).
func (d *SectorDevice) WriteArchiveHeader(content ArchiveHeaderContent) error {
	target := 1 - atomic.LoadInt32(&d.activeHeaderSlot)
	counter := d.archiveSecretCtr.FetchIncrement()
	slot, err := d.sealArchiveHeaderSlot(content, counter)
	if err != nil {
		return err
	}
	if len(slot) > archiveHeaderSlotSize {
		return errors.New("archive header content too large for its slot")
	}
	if _, err := d.host.WriteAt(slot, archiveHeaderSlotOffset(int(target))); err != nil {
		return errors.AddContext(err, "unable to write archive header")
	}
	if err := d.host.Sync(); err != nil {
		return errors.AddContext(err, "unable to sync archive header")
	}
	atomic.StoreInt32(&d.activeHeaderSlot, target)
	return nil
}

func (d *SectorDevice) sealArchiveHeaderSlot(content ArchiveHeaderContent, counter [16]byte) ([]byte, error) {
	plain, err := encodeArchiveHeaderContent(content)
	if err != nil {
		return nil, err
	}
	salt, err := vefscrypto.DeriveSize(32, counter[:], personalArchiveHeaderSalt, d.sessionSalt[:])
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive archive header salt")
	}
	keyBytes, err := vefscrypto.DeriveSize(32, d.masterSecret[:], personalArchiveHeaderKey, salt)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive archive header key")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	nonce, err := deriveNonce(d.aead, key)
	if err != nil {
		return nil, err
	}
	ciphertext, tag, err := d.aead.Seal(key, nonce, nil, plain)
	if err != nil {
		return nil, errors.AddContext(err, "unable to seal archive header")
	}

	out := make([]byte, 0, 16+32+16+4+len(ciphertext))
	out = append(out, counter[:]...)
	out = append(out, salt...)
	out = append(out, tag...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	out = append(out, lenBuf[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// openArchiveHeaderSlot authenticates and decodes one rotating slot,
// returning its persisted counter split as (hi, lo) words exactly as
// Counter128 encodes them (types.go) - FetchIncrement only ever advances lo,
// carrying into hi on overflow, so both words must be compared together to
// order two slots; comparing hi alone would treat every slot written since
// the last carry as equally new.
func (d *SectorDevice) openArchiveHeaderSlot(buf []byte) (ArchiveHeaderContent, uint64, uint64, error) {
	const prefix = 16 + 32 + 16 + 4
	if len(buf) < prefix {
		return ArchiveHeaderContent{}, 0, 0, ErrNoArchiveHeader
	}
	counter := buf[0:16]
	salt := buf[16:48]
	tag := buf[48:64]
	length := binary.LittleEndian.Uint32(buf[64:68])
	if int(length) > len(buf)-prefix {
		return ArchiveHeaderContent{}, 0, 0, ErrOversizedStaticHeader
	}
	ciphertext := buf[prefix : prefix+int(length)]

	keyBytes, err := vefscrypto.DeriveSize(32, d.masterSecret[:], personalArchiveHeaderKey, salt)
	if err != nil {
		return ArchiveHeaderContent{}, 0, 0, errors.AddContext(err, "unable to derive archive header key")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	nonce, err := deriveNonce(d.aead, key)
	if err != nil {
		return ArchiveHeaderContent{}, 0, 0, err
	}
	plain, err := d.aead.Open(key, nonce, nil, ciphertext, tag)
	if err != nil {
		return ArchiveHeaderContent{}, 0, 0, errors.Compose(ErrTagMismatch, err)
	}
	content, err := decodeArchiveHeaderContent(plain)
	if err != nil {
		return ArchiveHeaderContent{}, 0, 0, err
	}
	return content, binary.LittleEndian.Uint64(counter[0:8]), binary.LittleEndian.Uint64(counter[8:16]), nil
}

// deriveNonce derives the AEAD nonce deterministically from a key that is
// itself only ever used once (because the salt feeding into it came from a
// fresh counter value) - see consts.go's personalSectorNonce doc comment for
// why this is safe.
func deriveNonce(aead vefscrypto.AEAD, key [32]byte) ([]byte, error) {
	nonce, err := vefscrypto.DeriveSize(aead.NonceSize(), key[:], personalSectorNonce)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive AEAD nonce")
	}
	return nonce, nil
}
