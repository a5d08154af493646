package vefs

// consts.go collects the on-disk layout constants from spec.md §3 and §4.1.
// Mirrors the style of the teacher's consts.go: plain untyped constants with
// a comment explaining the "why", no magic numbers scattered through the
// rest of the package.

const (
	// SectorSize is the size, in bytes, of every sector in the host file,
	// including its in-sector salt prefix. spec.md §3: SECTOR_SIZE = 2^15.
	SectorSize = 1 << 15

	// saltSize is the size of the in-sector salt prefix stored at the start
	// of every sealed sector.
	saltSize = 32

	// SectorPayloadSize is the usable, decrypted size of a sector: the
	// sector size minus its salt prefix. The AEAD tag is not stored in the
	// sector itself - it lives in the parent reference that points at the
	// sector (spec.md §3).
	SectorPayloadSize = SectorSize - saltSize

	// referenceSize is the size of one serialized sector reference: an
	// 8-byte little-endian sector id, 8 reserved zero bytes, and a 16-byte
	// MAC.
	referenceSize = 32

	// refReservedOffset/refMACOffset are the byte offsets of the reserved
	// padding and MAC fields within a serialized reference.
	refReservedOffset = 8
	refMACOffset      = 16

	// RefsPerSector is how many child references fit in a single reference
	// sector's payload.
	RefsPerSector = SectorPayloadSize / referenceSize

	// MaxTreeDepth is the maximum number of reference layers above the data
	// leaf layer; with RefsPerSector children per layer this covers
	// RefsPerSector^4 leaves of SectorPayloadSize bytes each, just under 2^55
	// bytes.
	MaxTreeDepth = 4

	// masterSectorID is the reserved physical sector id for the host file's
	// master sector (static header + archive headers + personalization
	// area). Payload sectors always have id >= 1.
	masterSectorID = 0

	// magicLen is the length of the magic prefix identifying a VEFS host
	// file.
	magicLen = 4

	// staticHeaderSaltOffset, staticHeaderMACOffset, staticHeaderLengthOffset,
	// staticHeaderCiphertextOffset lay out the static header within the
	// master sector, per spec.md §4.1.
	staticHeaderSaltOffset       = 4
	staticHeaderMACOffset        = 36
	staticHeaderLengthOffset     = 52
	staticHeaderCiphertextOffset = 56

	// personalizationAreaSize and its offset from the start of the master
	// sector: a 4 KiB plaintext window reserved for host-application
	// metadata (spec.md §4.1, GLOSSARY).
	personalizationAreaSize   = 4096
	personalizationAreaOffset = SectorSize - personalizationAreaSize

	// archiveHeaderAreaOffset is where the two rotating archive header
	// slots begin within the master sector.
	archiveHeaderAreaOffset = 1 << 13

	// archiveHeaderSlotSize is the size of a single archive header slot;
	// there are two of them, back to back, ending where the
	// personalization area begins.
	archiveHeaderSlotSize = (SectorSize - archiveHeaderAreaOffset - personalizationAreaSize) / 2

	// headerSlotPrefixSize is the unencrypted prefix of a header slot: a
	// 32-byte salt, a 16-byte MAC, and a 4-byte ciphertext length.
	headerSlotPrefixSize = 32 + 16 + 4

	// magic is the four ASCII bytes identifying a VEFS host file.
	magic = "vefs"
)

// KDF personalisation strings, verbatim from spec.md §6. These are the only
// domain-separation constants the core engine uses; every key, salt, and
// erase-overwrite derivation names one of these.
const (
	personalStaticHeaderKey       = "vefs/prk/StaticArchiveHeaderPRK"
	personalStaticHeaderSalt      = "vefs/salt/StaticArchiveHeaderWriteCounter"
	personalArchiveHeaderKey      = "vefs/prk/ArchiveHeaderPRK"
	personalArchiveHeaderSalt     = "vefs/salt/ArchiveSecretCounter"
	personalSectorKey             = "vefs/prk/SectorPRK"
	personalSectorSalt            = "vefs/salt/Sector-Salt"
	personalSectorErase           = "vefs/erase/Sector"
	personalFileSecretSeed        = "vefs/seed/FileSecret"
	personalFileSecretCounterSeed = "vefs/seed/FileSecretCounter"

	// personalSectorNonce is not named in spec.md's personalisation table;
	// the spec leaves "nonce derived from K" implementation-defined. This
	// project derives the AEAD nonce deterministically from the per-sector
	// key K so that seal and open agree without needing to persist a
	// separate nonce field anywhere on disk.
	personalSectorNonce = "vefs/nonce/SectorNonce"
)
