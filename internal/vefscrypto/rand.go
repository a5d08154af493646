package vefscrypto

import (
	"gitlab.com/NebulousLabs/fastrand"
)

// RandomBytes fills out with cryptographically strong randomness, the
// random_bytes(out) primitive named in spec.md §6. fastrand is seeded from
// the operating system CSPRNG and is the teacher's own source of randomness
// throughout contractmanager (crypto.RandIntn, fastrand.Bytes).
func RandomBytes(out []byte) {
	fastrand.Read(out)
}

// RandomN returns cryptographically strong randomness as a new slice of n
// bytes.
func RandomN(n int) []byte {
	return fastrand.Bytes(n)
}

// Intn returns a uniform random integer in [0, n), using the same CSPRNG.
func Intn(n int) int {
	return fastrand.Intn(n)
}

// Perm returns a random permutation of [0, n), using the same CSPRNG -
// grounded on the teacher's crypto.Perm, used to pick storage folders and
// eviction candidates in random order.
func Perm(n int) []int {
	return fastrand.Perm(n)
}
