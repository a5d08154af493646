// Package vefscrypto implements the thin cryptographic collaborators that
// spec.md §6 places out of scope for the core engine: an AEAD and a KDF.
// The core engine (package vefs) only ever calls through this package's
// exported functions; it never reaches for crypto/aes or
// golang.org/x/crypto/blake2b directly.
package vefscrypto

import (
	"golang.org/x/crypto/blake2b"
)

// MaxOutputSize is the largest digest this KDF can produce in a single call,
// matching BLAKE2b-512's native digest size and spec.md §6's "out.len ≤ 64"
// contract.
const MaxOutputSize = 64

// Derive implements the BLAKE2-based extract-then-expand KDF described in
// spec.md §6: KDF(input_key, personal, domain...) -> out, with out.len ≤ 64.
//
// input_key is used as BLAKE2b's native key parameter (a keyed BLAKE2b hash
// is itself a secure PRF, so a single call serves as both the "extract" and
// "expand" step for any output length up to the digest size); personal and
// the variadic domain parts are written into the hash state ahead of any
// caller-supplied data, which gives the domain separation spec.md's table of
// named personalisations relies on.
func Derive(inputKey []byte, personal string, domain ...[]byte) ([]byte, error) {
	return DeriveSize(MaxOutputSize, inputKey, personal, domain...)
}

// DeriveSize is Derive with an explicit output size, used where the caller
// needs fewer than the maximum 64 bytes (e.g. a 32-byte sector key).
func DeriveSize(size int, inputKey []byte, personal string, domain ...[]byte) ([]byte, error) {
	h, err := blake2b.New(size, inputKey)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write([]byte(personal)); err != nil {
		return nil, err
	}
	for _, d := range domain {
		if _, err := h.Write(d); err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}
