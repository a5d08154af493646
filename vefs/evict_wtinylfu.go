package vefs

// wtinylfuPolicy is Window-TinyLFU, the third eviction strategy spec.md
// §4.5 names: a small admission window (plain LRU) feeds candidates into a
// larger SLRU main cache, but only if the candidate's estimated frequency
// (from the counting sketch, gated by the doorkeeper) beats the main
// cache's own eviction victim. This lets the main cache resist one-off
// scans while still admitting genuinely popular new keys.
type wtinylfuPolicy struct {
	window *lruPolicy
	main   *slruPolicy
	door   *doorkeeper
	sketch *countingSketch
}

// newWTinyLFUPolicy splits capacity into a 1% admission window and a 99%
// main cache, the ratio the W-TinyLFU paper found near-optimal across a
// wide range of workloads and which spec.md §4.5 cites directly.
func newWTinyLFUPolicy(capacity int) *wtinylfuPolicy {
	windowCap := capacity / 100
	if windowCap < 1 {
		windowCap = 1
	}
	mainCap := capacity - windowCap
	if mainCap < 1 {
		mainCap = 1
	}
	return &wtinylfuPolicy{
		window: newLRUPolicy(windowCap),
		main:   newSLRUPolicy(mainCap),
		door:   newDoorkeeper(capacity),
		sketch: newCountingSketch(capacity),
	}
}

func (p *wtinylfuPolicy) record(key TreePosition) {
	if !p.door.Check(key) {
		p.door.Add(key)
	} else {
		p.sketch.Add(key)
		if p.sketch.additions == 0 {
			// the sketch has just halved its counters; start the doorkeeper over
			p.door.Reset()
		}
	}
}

func (p *wtinylfuPolicy) Access(key TreePosition) (TreePosition, bool) {
	p.record(key)

	fromWindow, evicted := p.window.Access(key)
	if !evicted {
		// key was already resident somewhere (window or main); re-access
		// the main cache too in case it lives there, to keep its
		// recency/promotion bookkeeping correct.
		p.main.Access(key)
		return TreePosition{}, false
	}

	// fromWindow overflowed out of the admission window and is now a
	// candidate for the main cache. Compare it against the main cache's own
	// eviction victim by estimated frequency; whichever loses is evicted
	// for good.
	candidateFreq := p.sketch.Estimate(fromWindow)
	mainVictim, mainEvicted := p.main.Access(fromWindow)
	if !mainEvicted {
		return TreePosition{}, false
	}
	victimFreq := p.sketch.Estimate(mainVictim)
	if candidateFreq > victimFreq {
		// the incoming candidate wins; put the main cache's own victim
		// back out and let it be evicted instead of the window candidate
		// (which admitProtected has already placed).
		return mainVictim, true
	}
	// the window candidate loses to the resident; undo its admission.
	p.main.Remove(fromWindow)
	return fromWindow, true
}

func (p *wtinylfuPolicy) Remove(key TreePosition) {
	p.window.Remove(key)
	p.main.Remove(key)
}

func (p *wtinylfuPolicy) Len() int {
	return p.window.Len() + p.main.Len()
}
