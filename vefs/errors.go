package vefs

import (
	"gitlab.com/NebulousLabs/errors"
)

// Error kinds, verbatim from spec.md §7. Each is a sentinel that callers can
// match with errors.Contains (gitlab.com/NebulousLabs/errors), mirroring the
// teacher's style of exported sentinel errors (contractmanager.ErrSectorNotFound
// and friends) rather than a typed error hierarchy.
var (
	// ErrInvalidPrefix: magic mismatch or corrupt static header.
	ErrInvalidPrefix = errors.New("invalid archive prefix")
	// ErrOversizedStaticHeader: length field exceeds container size.
	ErrOversizedStaticHeader = errors.New("oversized static header")
	// ErrNoArchiveHeader: both header slots unreadable.
	ErrNoArchiveHeader = errors.New("no valid archive header")
	// ErrWrongUserPRK: static header decryption failed (tag mismatch).
	ErrWrongUserPRK = errors.New("wrong user prk")
	// ErrIdenticalHeaderVersion: both slots report equal counters.
	ErrIdenticalHeaderVersion = errors.New("identical archive header version in both slots")
	// ErrTagMismatch: AEAD tag mismatch on any sector.
	ErrTagMismatch = errors.New("tag mismatch")
	// ErrInvalidProto: CBOR decode failed.
	ErrInvalidProto = errors.New("invalid encoded protocol object")
	// ErrIncompatibleProto: decoded fields are out of contract.
	ErrIncompatibleProto = errors.New("incompatible encoded protocol object")
	// ErrSectorReferenceOutOfRange: traversal hit a null or oversized reference.
	ErrSectorReferenceOutOfRange = errors.New("sector reference out of range")
	// ErrCorruptIndexEntry: directory entry inconsistent with its bitmap.
	ErrCorruptIndexEntry = errors.New("corrupt directory index entry")
	// ErrResourceExhausted: no more physical sectors or block manager full.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNotEnoughMemory: allocation failure.
	ErrNotEnoughMemory = errors.New("not enough memory")
	// ErrNoSuchVFile: path or file id absent.
	ErrNoSuchVFile = errors.New("no such virtual file")
	// ErrStillInUse: advisory lock held or live handle present.
	ErrStillInUse = errors.New("still in use")
	// ErrVFilesystemInvalidSize: directory maximum_extent not a multiple of payload.
	ErrVFilesystemInvalidSize = errors.New("invalid virtual filesystem size")
	// ErrEntrySerializationFailed: encode produced an unexpected size.
	ErrEntrySerializationFailed = errors.New("virtual filesystem entry serialization failed")
	// ErrArchiveFileDidNotExist: creation-mode mismatch (open-only, file absent).
	ErrArchiveFileDidNotExist = errors.New("archive file did not exist")
	// ErrArchiveFileAlreadyExisted: creation-mode mismatch (create-only, file present).
	ErrArchiveFileAlreadyExisted = errors.New("archive file already existed")

	// errSectorUnallocated is an internal sentinel used by the sector tree
	// to distinguish "no reference here yet" from a real I/O failure;
	// AccessOrCreate treats it as "create here", and Access composes it with
	// ErrSectorReferenceOutOfRange when its tree walk finds no reference.
	errSectorUnallocated = errors.New("sector unallocated")

	// errLeakDetected names a violation of invariant I1: a physical sector
	// id that is neither referenced nor free. No code path in this package
	// returns it.
	errLeakDetected = errors.New("sector leak detected")
)
