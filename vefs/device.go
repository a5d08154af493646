package vefs

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"gitlab.com/NebulousLabs/errors"

	"go.vefs.dev/vefs/internal/vefscrypto"
	"go.vefs.dev/vefs/persist"
)

// SectorDevice is component C1: it owns the host file and turns physical
// sector ids into authenticated plaintext, and vice versa. Every other
// component (allocator, cache, tree, directory) is built on top of a
// SectorDevice and never touches the host file directly.
type SectorDevice struct {
	host HostFile
	log  *persist.Logger
	aead vefscrypto.AEAD
	deps dependencies

	masterSecret [64]byte
	sessionSalt  [16]byte
	userPRK      [32]byte

	staticHeaderCounter Counter128
	archiveSecretCtr    Counter128
	journalCounter      Counter128
	eraseCounter        uint64

	activeHeaderSlot int32 // 0 or 1; accessed via atomic

	numSectors uint64 // accessed via atomic
	sizeMu     sync.Mutex
}

// DeviceOptions configures SectorDevice creation and opening.
type DeviceOptions struct {
	AEAD vefscrypto.AEAD
	Log  *persist.Logger
	Deps dependencies
}

func (o DeviceOptions) withDefaults() DeviceOptions {
	if o.AEAD == nil {
		o.AEAD = vefscrypto.AESGCM
	}
	if o.Deps == nil {
		o.Deps = productionDependencies{}
	}
	if o.Log == nil {
		o.Log = persist.NewLogger(noopWriter{})
	}
	return o
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// CreateSectorDevice initializes a brand new host file: a fresh master
// secret and session salt, a sealed static header in slot 0, and a single
// sector reserved (the master sector itself). userPRK is the user-supplied
// key the static header is sealed under (spec.md calls this user_prk).
func CreateSectorDevice(host HostFile, userPRK [32]byte, opts DeviceOptions) (*SectorDevice, error) {
	opts = opts.withDefaults()
	d := &SectorDevice{
		host:                host,
		log:                 opts.Log,
		aead:                opts.AEAD,
		deps:                opts.Deps,
		userPRK:             userPRK,
		staticHeaderCounter: NewCounter128(),
		archiveSecretCtr:    NewCounter128(),
		journalCounter:      NewCounter128(),
		numSectors:          1,
	}
	vefscrypto.RandomBytes(d.masterSecret[:])
	vefscrypto.RandomBytes(d.sessionSalt[:])

	if err := host.Truncate(SectorSize); err != nil {
		return nil, errors.AddContext(err, "unable to size host file")
	}
	if err := d.writeMagic(); err != nil {
		return nil, err
	}
	if err := d.writeStaticHeader(); err != nil {
		return nil, err
	}

	dirCtx, err := d.NewFileCryptoContext()
	if err != nil {
		return nil, err
	}
	freeCtx, err := d.NewFileCryptoContext()
	if err != nil {
		return nil, err
	}
	initial := ArchiveHeaderContent{
		Directory:       MasterFileInfo{CryptoCtx: dirCtx},
		FreeSectorIndex: MasterFileInfo{CryptoCtx: freeCtx},
	}
	if err := d.WriteArchiveHeader(initial); err != nil {
		return nil, err
	}
	return d, nil
}

// NewFileCryptoContext mints a fresh per-file secret from the archive's
// master secret and a random domain tag, per spec.md §6's
// file_secret_seed/file_secret_counter_seed personalisations. Every file
// (the directory, the free-sector index, and every user file) gets one of
// these exactly once, at creation.
func (d *SectorDevice) NewFileCryptoContext() (FileCryptoContext, error) {
	domain := vefscrypto.RandomN(32)
	secretBytes, err := vefscrypto.DeriveSize(32, d.masterSecret[:], personalFileSecretSeed, domain)
	if err != nil {
		return FileCryptoContext{}, errors.AddContext(err, "unable to derive file secret")
	}
	counterSeedBytes, err := vefscrypto.DeriveSize(16, d.masterSecret[:], personalFileSecretCounterSeed, domain)
	if err != nil {
		return FileCryptoContext{}, errors.AddContext(err, "unable to derive file secret counter seed")
	}
	var secret [32]byte
	copy(secret[:], secretBytes)
	var counterSeed [16]byte
	copy(counterSeed[:], counterSeedBytes)
	return FileCryptoContext{Secret: secret, WriteCounter: Counter128From(counterSeed)}, nil
}

// OpenSectorDevice opens an existing host file, recovering the master
// secret and session salt from whichever static header slot (there is only
// one, unlike the archive header's two rotating slots - spec.md §4.1
// distinguishes the two) validates under userPRK.
func OpenSectorDevice(host HostFile, userPRK [32]byte, opts DeviceOptions) (*SectorDevice, error) {
	opts = opts.withDefaults()
	d := &SectorDevice{
		host:                host,
		log:                 opts.Log,
		aead:                opts.AEAD,
		deps:                opts.Deps,
		userPRK:             userPRK,
		staticHeaderCounter: NewCounter128(),
		archiveSecretCtr:    NewCounter128(),
		journalCounter:      NewCounter128(),
	}

	size, err := host.Size()
	if err != nil {
		return nil, errors.AddContext(err, "unable to stat host file")
	}
	if size < SectorSize {
		return nil, ErrInvalidPrefix
	}
	atomic.StoreUint64(&d.numSectors, uint64(size)/SectorSize)

	var magicBuf [magicLen]byte
	if _, err := host.ReadAt(magicBuf[:], 0); err != nil {
		return nil, errors.AddContext(err, "unable to read magic")
	}
	if string(magicBuf[:]) != magic {
		return nil, ErrInvalidPrefix
	}

	header := make([]byte, archiveHeaderAreaOffset-staticHeaderSaltOffset)
	if _, err := host.ReadAt(header, staticHeaderSaltOffset); err != nil {
		return nil, errors.AddContext(err, "unable to read static header")
	}
	payload, err := openStaticHeader(d.aead, userPRK, header)
	if err != nil {
		return nil, err
	}
	d.masterSecret = payload.MasterSecret
	d.sessionSalt = payload.SessionSalt
	return d, nil
}

func (d *SectorDevice) writeMagic() error {
	_, err := d.host.WriteAt([]byte(magic), 0)
	return err
}

func (d *SectorDevice) writeStaticHeader() error {
	fresh := d.staticHeaderCounter.FetchIncrement()
	slot, err := sealStaticHeader(d.aead, d.userPRK, fresh, staticHeaderPayload{
		MasterSecret: d.masterSecret,
		SessionSalt:  d.sessionSalt,
	})
	if err != nil {
		return err
	}
	if _, err := d.host.WriteAt(slot, staticHeaderSaltOffset); err != nil {
		return errors.AddContext(err, "unable to write static header")
	}
	return d.host.Sync()
}

// NumSectors returns the current size of the host file, in sectors.
func (d *SectorDevice) NumSectors() uint64 {
	return atomic.LoadUint64(&d.numSectors)
}

// Resize grows or shrinks the host file to hold exactly numSectors sectors.
// Shrinking below the current allocation high-water mark is the allocator's
// responsibility to avoid; the device itself only enforces numSectors >= 1
// (the master sector can never be truncated away).
func (d *SectorDevice) Resize(numSectors uint64) error {
	if numSectors < 1 {
		return errors.New("a sector device always reserves at least the master sector")
	}
	d.sizeMu.Lock()
	defer d.sizeMu.Unlock()
	if err := d.host.Truncate(int64(numSectors) * SectorSize); err != nil {
		return errors.AddContext(err, "unable to resize host file")
	}
	atomic.StoreUint64(&d.numSectors, numSectors)
	return nil
}

// sealPayload seals plaintext under the given file crypto context, advancing
// its write counter by exactly one (invariant I4). It returns the on-disk
// sector bytes (salt | ciphertext, SectorSize long) and the MAC that the
// caller must store in the parent reference.
func (d *SectorDevice) sealPayload(ctx *FileCryptoContext, plaintext []byte) (sector []byte, mac [16]byte, err error) {
	if len(plaintext) > SectorPayloadSize {
		return nil, mac, errors.New("plaintext exceeds sector payload size")
	}
	padded := make([]byte, SectorPayloadSize)
	copy(padded, plaintext)

	nonce128 := ctx.WriteCounter.FetchIncrement()
	salt, err := vefscrypto.DeriveSize(32, nonce128[:], personalSectorSalt, d.sessionSalt[:])
	if err != nil {
		return nil, mac, errors.AddContext(err, "unable to derive sector salt")
	}
	keyBytes, err := vefscrypto.DeriveSize(32, ctx.Secret[:], personalSectorKey, salt)
	if err != nil {
		return nil, mac, errors.AddContext(err, "unable to derive sector key")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	nonce, err := deriveNonce(d.aead, key)
	if err != nil {
		return nil, mac, err
	}
	ciphertext, tag, err := d.aead.Seal(key, nonce, nil, padded)
	if err != nil {
		return nil, mac, errors.AddContext(err, "unable to seal sector")
	}

	out := make([]byte, SectorSize)
	copy(out[0:saltSize], salt)
	copy(out[saltSize:], ciphertext)
	copy(mac[:], tag)
	return out, mac, nil
}

// openPayload authenticates and decrypts the sector at id under ctx, given
// the MAC recorded in the parent reference that pointed at it.
func (d *SectorDevice) openPayload(ctx *FileCryptoContext, sector []byte, mac [16]byte) ([]byte, error) {
	if len(sector) != SectorSize {
		return nil, errors.New("short sector read")
	}
	salt := sector[0:saltSize]
	ciphertext := sector[saltSize:]

	keyBytes, err := vefscrypto.DeriveSize(32, ctx.Secret[:], personalSectorKey, salt)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive sector key")
	}
	var key [32]byte
	copy(key[:], keyBytes)

	nonce, err := deriveNonce(d.aead, key)
	if err != nil {
		return nil, err
	}
	plaintext, err := d.aead.Open(key, nonce, nil, ciphertext, mac[:])
	if err != nil {
		return nil, errors.Compose(ErrTagMismatch, err)
	}
	return plaintext, nil
}

// WriteSector seals plaintext and writes it to physical sector id, returning
// the SectorReference the caller must store in id's parent.
func (d *SectorDevice) WriteSector(id PhysicalSectorID, ctx *FileCryptoContext, plaintext []byte) (SectorReference, error) {
	if id.IsMaster() {
		return SectorReference{}, errors.New("cannot write payload data to the reserved master sector")
	}
	if d.deps.disrupt("WriteSector") {
		return SectorReference{}, errors.New("disrupted sector write")
	}
	sector, mac, err := d.sealPayload(ctx, plaintext)
	if err != nil {
		return SectorReference{}, err
	}
	if _, err := d.host.WriteAt(sector, id.Offset()); err != nil {
		return SectorReference{}, errors.AddContext(err, "unable to write sector")
	}
	return SectorReference{Sector: id, MAC: mac}, nil
}

// ReadSector reads and authenticates the sector referenced by ref.
func (d *SectorDevice) ReadSector(ref SectorReference, ctx *FileCryptoContext) ([]byte, error) {
	if !ref.IsAllocated() {
		return nil, ErrSectorReferenceOutOfRange
	}
	if d.deps.disrupt("ReadSector") {
		return nil, errors.New("disrupted sector read")
	}
	buf := make([]byte, SectorSize)
	if _, err := d.host.ReadAt(buf, ref.Sector.Offset()); err != nil {
		return nil, errors.AddContext(err, "unable to read sector")
	}
	return d.openPayload(ctx, buf, ref.MAC)
}

// EraseSector overwrites a sector's salt prefix with fresh pseudo-random
// bytes derived from a monotonic erase counter, rendering its ciphertext
// permanently unrecoverable even if an attacker later learns the file
// secret (spec.md's erase_sector operation).
func (d *SectorDevice) EraseSector(id PhysicalSectorID) error {
	if id.IsMaster() {
		return errors.New("cannot erase the reserved master sector")
	}
	count := atomic.AddUint64(&d.eraseCounter, 1)
	var countBytes [8]byte
	binary.LittleEndian.PutUint64(countBytes[:], count)

	salt, err := vefscrypto.DeriveSize(saltSize, countBytes[:], personalSectorErase, d.sessionSalt[:])
	if err != nil {
		return errors.AddContext(err, "unable to derive erase salt")
	}
	if _, err := d.host.WriteAt(salt, id.Offset()); err != nil {
		return errors.AddContext(err, "unable to erase sector")
	}
	return nil
}

// PersonalizationArea reads the host-application metadata window reserved
// in the master sector (spec.md §4.1). It is plaintext, outside the AEAD
// envelope entirely, so it is readable without userPRK (see
// ReadArchivePersonalizationArea) and does not advance any counter.
func (d *SectorDevice) PersonalizationArea() ([]byte, error) {
	buf := make([]byte, personalizationAreaSize)
	if _, err := d.host.ReadAt(buf, personalizationAreaOffset); err != nil {
		return nil, errors.AddContext(err, "unable to read personalization area")
	}
	return buf, nil
}

// WritePersonalizationArea overwrites the personalization area with data,
// zero-padded or truncated to fit. Callers wanting the write durable must
// still call Sync.
func (d *SectorDevice) WritePersonalizationArea(data []byte) error {
	buf := make([]byte, personalizationAreaSize)
	copy(buf, data)
	if _, err := d.host.WriteAt(buf, personalizationAreaOffset); err != nil {
		return errors.AddContext(err, "unable to write personalization area")
	}
	return nil
}

// Sync flushes all pending writes to the host file.
func (d *SectorDevice) Sync() error {
	return d.host.Sync()
}

// Close releases the host file.
func (d *SectorDevice) Close() error {
	return d.host.Close()
}
