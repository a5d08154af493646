package vefs

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"gitlab.com/NebulousLabs/errors"
)

// direntryBlockSize is the granularity the directory's free-block allocator
// operates at: every directory entry, however small, occupies a whole
// number of these blocks, rounded up. Named directly in the spec's
// directory layout (GLOSSARY).
const direntryBlockSize = 64

// direntry is the decoded form of one directory entry: a file's identity,
// its parent directory (the root is its own parent), its crypto context,
// and its current tree root. Directory entries are CBOR-encoded (the same
// wire encoding used for the archive header) rather than a fixed C struct
// layout, since names are variable length and CBOR is already the module's
// one serialization format.
type direntry struct {
	ID       FileID             `cbor:"1,keyasint"`
	ParentID FileID             `cbor:"2,keyasint"`
	Name     string             `cbor:"3,keyasint"`
	Secret   [32]byte           `cbor:"4,keyasint"`
	Counter  [16]byte           `cbor:"5,keyasint"`
	Root     wireRootSectorInfo `cbor:"6,keyasint"`
}

// encode serializes e as an integer-keyed CBOR map and pads the result up
// to a multiple of direntryBlockSize, returning the padded buffer and the
// number of blocks it occupies. The inner map is itself wrapped in a CBOR
// byte string before padding: a byte string's own header self-describes its
// length, so decode() can find exactly where the real payload ends inside
// the zero-padded block run without a hand-rolled length prefix.
func (e direntry) encode() ([]byte, int, error) {
	inner, err := cbor.Marshal(e)
	if err != nil {
		return nil, 0, errors.Compose(ErrEntrySerializationFailed, err)
	}
	outer, err := cbor.Marshal(inner)
	if err != nil {
		return nil, 0, errors.Compose(ErrEntrySerializationFailed, err)
	}
	blocks := (len(outer) + direntryBlockSize - 1) / direntryBlockSize
	out := make([]byte, blocks*direntryBlockSize)
	copy(out, outer)
	return out, blocks, nil
}

func decodeDirentry(buf []byte) (direntry, error) {
	var inner []byte
	if err := cbor.NewDecoder(bytes.NewReader(buf)).Decode(&inner); err != nil {
		return direntry{}, errors.Compose(ErrCorruptIndexEntry, err)
	}
	var e direntry
	if err := cbor.Unmarshal(inner, &e); err != nil {
		return direntry{}, errors.Compose(ErrInvalidProto, err)
	}
	return e, nil
}

// newFileID mints a fresh random file identifier (a version-4 UUID, per
// spec.md §3).
func newFileID() FileID {
	return FileID(uuid.New())
}
