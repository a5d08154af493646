package vefs

import "container/list"

// slruPolicy is a Segmented LRU: new keys enter a small probationary segment
// and are only promoted to the larger protected segment on a second access,
// so a single scan over cold data cannot evict everything the working set
// depends on - spec.md §4.5's second eviction strategy.
type slruPolicy struct {
	probationCap, protectedCap int

	probation *list.List
	protected *list.List
	inProb    map[TreePosition]*list.Element
	inProt    map[TreePosition]*list.Element
}

// newSLRUPolicy splits capacity into a protected segment (80%) and a
// probationary segment (the remainder), the ratio the original W-TinyLFU
// paper uses and which spec.md §4.5 cites as the conventional split.
func newSLRUPolicy(capacity int) *slruPolicy {
	protectedCap := capacity * 4 / 5
	probationCap := capacity - protectedCap
	if probationCap < 1 {
		probationCap = 1
	}
	return &slruPolicy{
		probationCap: probationCap,
		protectedCap: protectedCap,
		probation:    list.New(),
		protected:    list.New(),
		inProb:       make(map[TreePosition]*list.Element),
		inProt:       make(map[TreePosition]*list.Element),
	}
}

func (p *slruPolicy) Access(key TreePosition) (TreePosition, bool) {
	if el, ok := p.inProt[key]; ok {
		p.protected.MoveToFront(el)
		return TreePosition{}, false
	}
	if el, ok := p.inProb[key]; ok {
		p.probation.Remove(el)
		delete(p.inProb, key)
		return p.admitProtected(key)
	}
	// fresh key: enters probation
	el := p.probation.PushFront(key)
	p.inProb[key] = el
	if p.probation.Len() <= p.probationCap {
		return TreePosition{}, false
	}
	tail := p.probation.Back()
	victim := tail.Value.(TreePosition)
	p.probation.Remove(tail)
	delete(p.inProb, victim)
	return victim, true
}

// admitProtected moves a promoted key into the protected segment, demoting
// its own tail back to probation if the protected segment is now over
// capacity - the demoted key is not evicted, just re-ranked, so this never
// returns a true eviction candidate on its own.
func (p *slruPolicy) admitProtected(key TreePosition) (TreePosition, bool) {
	el := p.protected.PushFront(key)
	p.inProt[key] = el
	if p.protected.Len() <= p.protectedCap {
		return TreePosition{}, false
	}
	tail := p.protected.Back()
	demoted := tail.Value.(TreePosition)
	p.protected.Remove(tail)
	delete(p.inProt, demoted)

	pel := p.probation.PushFront(demoted)
	p.inProb[demoted] = pel
	if p.probation.Len() <= p.probationCap {
		return TreePosition{}, false
	}
	ptail := p.probation.Back()
	victim := ptail.Value.(TreePosition)
	p.probation.Remove(ptail)
	delete(p.inProb, victim)
	return victim, true
}

func (p *slruPolicy) Remove(key TreePosition) {
	if el, ok := p.inProb[key]; ok {
		p.probation.Remove(el)
		delete(p.inProb, key)
		return
	}
	if el, ok := p.inProt[key]; ok {
		p.protected.Remove(el)
		delete(p.inProt, key)
	}
}

func (p *slruPolicy) Len() int {
	return p.probation.Len() + p.protected.Len()
}
