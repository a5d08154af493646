package vefs

import "go.vefs.dev/vefs/internal/vefscrypto"

// doorkeeper is a small Bloom filter guarding the counting sketch below: a
// key must be seen once by the doorkeeper before its frequency is tracked
// at all, so a single one-off scan through cold sectors does not pollute
// the frequency estimate for the working set (spec.md §4.5's W-TinyLFU
// admission filter).
type doorkeeper struct {
	bits   []uint64
	nbits  uint64
	hashes int
}

// newDoorkeeper returns a doorkeeper sized for approximately n expected
// items at the conventional 1% false-positive rate (~9.6 bits/item, 7 hash
// functions), rounded to a convenient word count.
func newDoorkeeper(n int) *doorkeeper {
	if n < 1 {
		n = 1
	}
	nbits := uint64(n) * 10
	words := (nbits + 63) / 64
	if words < 1 {
		words = 1
	}
	return &doorkeeper{bits: make([]uint64, words), nbits: words * 64, hashes: 7}
}

func (d *doorkeeper) positions(key TreePosition) []uint64 {
	h1, h2 := keyHash128(key)
	pos := make([]uint64, d.hashes)
	for i := 0; i < d.hashes; i++ {
		pos[i] = (h1 + uint64(i)*h2) % d.nbits
	}
	return pos
}

// Check reports whether key has been seen before (possibly a false
// positive); Add unconditionally marks it seen.
func (d *doorkeeper) Check(key TreePosition) bool {
	for _, p := range d.positions(key) {
		if d.bits[p/64]&(1<<(p%64)) == 0 {
			return false
		}
	}
	return true
}

func (d *doorkeeper) Add(key TreePosition) {
	for _, p := range d.positions(key) {
		d.bits[p/64] |= 1 << (p % 64)
	}
}

// Reset clears the filter, called whenever the paired counting sketch is
// halved so stale admissions do not linger indefinitely.
func (d *doorkeeper) Reset() {
	for i := range d.bits {
		d.bits[i] = 0
	}
}

// countingSketch is a 4-bit counting Bloom filter (a Count-Min-ish sketch)
// approximating each key's recent access frequency, halved periodically so
// the estimate tracks a moving window rather than all-time counts - exactly
// the scheme spec.md §4.5 names for W-TinyLFU's frequency estimator.
type countingSketch struct {
	counters  []byte // 2 counters per byte, 4 bits each
	nslots    uint64
	depth     int
	additions uint64
	resetAt   uint64
}

// newCountingSketch returns a sketch sized for approximately n expected
// distinct keys, with depth independent hash rows (4 is the conventional
// choice balancing accuracy against memory).
func newCountingSketch(n int) *countingSketch {
	if n < 1 {
		n = 1
	}
	nslots := uint64(n) * 4
	return &countingSketch{
		counters: make([]byte, (nslots+1)/2),
		nslots:   nslots,
		depth:    4,
		resetAt:  nslots * 10,
	}
}

func (s *countingSketch) slot(row int, key TreePosition) uint64 {
	h1, h2 := keyHash128(key)
	return (h1 + uint64(row)*h2 + uint64(row)) % s.nslots
}

func (s *countingSketch) get(slot uint64) byte {
	b := s.counters[slot/2]
	if slot%2 == 0 {
		return b & 0x0f
	}
	return (b >> 4) & 0x0f
}

func (s *countingSketch) inc(slot uint64) {
	idx := slot / 2
	if slot%2 == 0 {
		if v := s.counters[idx] & 0x0f; v < 0x0f {
			s.counters[idx]++
		}
	} else {
		if v := (s.counters[idx] >> 4) & 0x0f; v < 0x0f {
			s.counters[idx] += 0x10
		}
	}
}

func (s *countingSketch) halve() {
	for i := range s.counters {
		s.counters[i] = (s.counters[i] >> 1) & 0x77
	}
}

// Estimate returns key's approximate recent access frequency: the minimum
// across all hash rows, the standard Count-Min estimator.
func (s *countingSketch) Estimate(key TreePosition) byte {
	min := byte(0x0f)
	for row := 0; row < s.depth; row++ {
		if v := s.get(s.slot(row, key)); v < min {
			min = v
		}
	}
	return min
}

// Add increments key's estimated frequency across all hash rows, halving
// every counter once the sketch has seen resetAt total additions so the
// estimate stays a moving-window approximation instead of an all-time one.
func (s *countingSketch) Add(key TreePosition) {
	for row := 0; row < s.depth; row++ {
		s.inc(s.slot(row, key))
	}
	s.additions++
	if s.additions >= s.resetAt {
		s.halve()
		s.additions = 0
	}
}

// keyHash128 derives a pair of 64-bit hashes for key from the same KDF the
// rest of the package uses for everything else, rather than reaching for a
// separate general-purpose hash library the examples do not otherwise pull
// in (see DESIGN.md).
func keyHash128(key TreePosition) (uint64, uint64) {
	var buf [9]byte
	buf[0] = key.Layer
	for i := 0; i < 8; i++ {
		buf[1+i] = byte(key.Position >> (8 * i))
	}
	sum, err := vefscrypto.DeriveSize(16, buf[:], "vefs/cache/KeyHash")
	if err != nil {
		// DeriveSize only fails on a misconfigured key size, never on
		// fixed-size input like this; a panic here means a programming
		// error in this package, not a runtime condition callers can
		// recover from.
		panic(err)
	}
	h1 := uint64(0)
	h2 := uint64(0)
	for i := 0; i < 8; i++ {
		h1 |= uint64(sum[i]) << (8 * i)
		h2 |= uint64(sum[8+i]) << (8 * i)
	}
	return h1, h2
}
