package vefs

import "container/list"

// lruPolicy is the simplest of the pluggable eviction strategies named by
// spec.md §4.5: a single list ordered by recency, evicting from the tail.
type lruPolicy struct {
	capacity int
	order    *list.List
	index    map[TreePosition]*list.Element
}

// newLRUPolicy returns an eviction policy with room for capacity keys.
func newLRUPolicy(capacity int) *lruPolicy {
	return &lruPolicy{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[TreePosition]*list.Element),
	}
}

func (p *lruPolicy) Access(key TreePosition) (TreePosition, bool) {
	if el, ok := p.index[key]; ok {
		p.order.MoveToFront(el)
		return TreePosition{}, false
	}
	el := p.order.PushFront(key)
	p.index[key] = el

	if p.order.Len() <= p.capacity {
		return TreePosition{}, false
	}
	tail := p.order.Back()
	victim := tail.Value.(TreePosition)
	p.order.Remove(tail)
	delete(p.index, victim)
	return victim, true
}

func (p *lruPolicy) Remove(key TreePosition) {
	if el, ok := p.index[key]; ok {
		p.order.Remove(el)
		delete(p.index, key)
	}
}

func (p *lruPolicy) Len() int {
	return p.order.Len()
}
