package vefscrypto

import (
	"crypto/aes"
	"crypto/cipher"

	"gitlab.com/NebulousLabs/errors"
)

// KeySize is the key size, in bytes, of the default AEAD primitive
// (AES-256-GCM).
const KeySize = 32

// TagSize is the authentication tag size, in bytes, produced and consumed by
// every AEAD implementation in this package.
const TagSize = 16

// ErrTagMismatch is returned by Open when the supplied tag does not
// authenticate the ciphertext and associated data under the given key. It is
// the concrete error that surfaces as spec.md's tag_mismatch error kind.
var ErrTagMismatch = errors.New("AEAD tag mismatch")

// AEAD is the minimal authenticated-encryption interface the sector device
// (package vefs) depends on. spec.md §6 specifies exactly this shape:
// seal(key, nonce, ad, plaintext) -> (ciphertext, tag) and the inverse open.
type AEAD interface {
	// NonceSize returns the nonce length this AEAD expects.
	NonceSize() int
	// Seal encrypts and authenticates plaintext, returning the ciphertext
	// (same length as plaintext) and a detached 16-byte tag.
	Seal(key [KeySize]byte, nonce, ad, plaintext []byte) (ciphertext, tag []byte, err error)
	// Open authenticates and decrypts ciphertext given its detached tag.
	// Returns ErrTagMismatch (wrapped) on authentication failure.
	Open(key [KeySize]byte, nonce, ad, ciphertext, tag []byte) (plaintext []byte, err error)
}

// gcmAEAD implements AEAD using AES-256-GCM, the default primitive named by
// spec.md §6. There is no pack-supplied ecosystem alternative to the standard
// library's AES and GCM implementations (see DESIGN.md), so this is the one
// place the core module's cryptography touches the standard library instead
// of an example-grounded third-party package.
type gcmAEAD struct{}

// AESGCM is the production AEAD, used by every sector device unless a test
// explicitly selects OnlyMAC.
var AESGCM AEAD = gcmAEAD{}

func (gcmAEAD) NonceSize() int {
	return 12
}

func (gcmAEAD) Seal(key [KeySize]byte, nonce, ad, plaintext []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to construct AES cipher")
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, nil, errors.AddContext(err, "unable to construct GCM mode")
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, nil, errors.New("nonce has the wrong length for AES-GCM")
	}
	sealed := gcm.Seal(nil, nonce, plaintext, ad)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return ciphertext, tag, nil
}

func (gcmAEAD) Open(key [KeySize]byte, nonce, ad, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct AES cipher")
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, errors.AddContext(err, "unable to construct GCM mode")
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("nonce has the wrong length for AES-GCM")
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, errors.Compose(ErrTagMismatch, err)
	}
	return plaintext, nil
}

// onlyMACAEAD is a deterministic, non-confidential test provider: the
// "ciphertext" is the plaintext unchanged, and the tag is a keyed MAC over
// it. It exists for deterministic fuzzing, exactly as spec.md §6 describes,
// and must never be selected outside of tests - grounded on the original
// implementation's crypto_provider_debug.cpp, which serves the same role.
type onlyMACAEAD struct{}

// OnlyMAC is the test-only AEAD provider. Never select it in production code.
var OnlyMAC AEAD = onlyMACAEAD{}

func (onlyMACAEAD) NonceSize() int {
	return 16
}

func (onlyMACAEAD) Seal(key [KeySize]byte, nonce, ad, plaintext []byte) ([]byte, []byte, error) {
	tag, err := macOnly(key, nonce, ad, plaintext)
	if err != nil {
		return nil, nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	copy(ciphertext, plaintext)
	return ciphertext, tag, nil
}

func (onlyMACAEAD) Open(key [KeySize]byte, nonce, ad, ciphertext, tag []byte) ([]byte, error) {
	expected, err := macOnly(key, nonce, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	if !constantTimeEqual(expected, tag) {
		return nil, ErrTagMismatch
	}
	plaintext := make([]byte, len(ciphertext))
	copy(plaintext, ciphertext)
	return plaintext, nil
}

func macOnly(key [KeySize]byte, nonce, ad, data []byte) ([]byte, error) {
	full, err := DeriveSize(TagSize, key[:], "vefs/debug/OnlyMAC", nonce, ad, data)
	if err != nil {
		return nil, errors.AddContext(err, "unable to compute debug MAC")
	}
	return full, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
