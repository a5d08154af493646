package vefs

import "testing"

// TestUnitLRUEvictsOldest verifies the plain LRU policy evicts the least
// recently accessed key once capacity is exceeded.
func TestUnitLRUEvictsOldest(t *testing.T) {
	p := newLRUPolicy(2)
	p.Access(TreePosition{Position: 1})
	p.Access(TreePosition{Position: 2})
	victim, ok := p.Access(TreePosition{Position: 3})
	if !ok {
		t.Fatalf("expected an eviction once capacity was exceeded")
	}
	if victim != (TreePosition{Position: 1}) {
		t.Fatalf("expected the oldest key to be evicted, got %v", victim)
	}
}

// TestUnitLRUReaccessProtectsFromEviction verifies that re-accessing a key
// moves it to the front and protects it from the next eviction.
func TestUnitLRUReaccessProtectsFromEviction(t *testing.T) {
	p := newLRUPolicy(2)
	p.Access(TreePosition{Position: 1})
	p.Access(TreePosition{Position: 2})
	p.Access(TreePosition{Position: 1}) // re-access: 1 is now most recent
	victim, ok := p.Access(TreePosition{Position: 3})
	if !ok {
		t.Fatalf("expected an eviction")
	}
	if victim != (TreePosition{Position: 2}) {
		t.Fatalf("expected key 2 to be evicted instead of re-accessed key 1, got %v", victim)
	}
}

// TestUnitDoorkeeperNoFalseNegatives verifies every key added to the
// doorkeeper is reported as seen.
func TestUnitDoorkeeperNoFalseNegatives(t *testing.T) {
	d := newDoorkeeper(64)
	keys := []TreePosition{{Position: 1}, {Position: 2}, {Layer: 1, Position: 3}}
	for _, k := range keys {
		d.Add(k)
	}
	for _, k := range keys {
		if !d.Check(k) {
			t.Fatalf("expected %v to be reported as seen", k)
		}
	}
}

// TestUnitCountingSketchEstimateMonotonic verifies that repeatedly adding a
// key never decreases its estimated frequency.
func TestUnitCountingSketchEstimateMonotonic(t *testing.T) {
	s := newCountingSketch(64)
	key := TreePosition{Position: 42}
	last := s.Estimate(key)
	for i := 0; i < 5; i++ {
		s.Add(key)
		next := s.Estimate(key)
		if next < last {
			t.Fatalf("estimate decreased after Add: %d -> %d", last, next)
		}
		last = next
	}
}

// TestUnitWTinyLFUKeepsPopularKey verifies that a key accessed many times
// survives eviction pressure from a stream of one-off keys, the defining
// property of the W-TinyLFU strategy over plain LRU.
func TestUnitWTinyLFUKeepsPopularKey(t *testing.T) {
	p := newWTinyLFUPolicy(200)
	popular := TreePosition{Position: 0}
	for i := 0; i < 50; i++ {
		p.Access(popular)
	}
	for i := uint64(1); i < 5000; i++ {
		if victim, ok := p.Access(TreePosition{Position: i}); ok && victim == popular {
			t.Fatalf("popular key was evicted by one-off key %d", i)
		}
	}
	if p.sketch.Estimate(popular) == 0 {
		t.Fatalf("expected the popular key's estimated frequency to be nonzero after many accesses")
	}
}
