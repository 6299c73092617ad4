// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

// Participant is one goroutine's view of a Collector: the epoch it is pinned at
// and the items it has retired since Begin. A Participant must only be used by
// one goroutine at a time.
type Participant struct {
	c *Collector

	pinned bool
	epoch  uint64 // epoch of the current critical section
	last   uint64 // latest epoch observed at End

	head, tail *entry
	pending    uint64

	registered *Participant // next in the collector's registry
	released   bool
	pooled     bool // owned by a Guard
}

// Begin starts a critical section. The participant is pinned at the current
// epoch; objects it reaches from now on stay valid until End.
//
// Begin pins only the slot labelled with the epoch it read and re-reads the
// epoch afterwards, so it never joins a slot that an advance is about to
// claim and drain.
func (p *Participant) Begin() {
	if p.pinned {
		panic("epoch: Begin on a participant that is already pinned")
	}
	if p.released {
		panic("epoch: Begin on a released participant")
	}
	p.head, p.tail, p.pending = nil, nil, 0

	c := p.c
	for {
		e := c.epoch.Load()
		s := &c.slots[e%numSlots]
		if !s.pin(e) {
			continue
		}
		// The pin only counts if the epoch did not move while it was taken.
		if c.epoch.Load() == e {
			p.epoch = e
			p.pinned = true
			return
		}
		s.unpin(nil, nil)
	}
}

// Manage schedules reclaim(item) for when no participant pinned before now
// can still observe item. It must be called between Begin and End.
func (p *Participant) Manage(item any, reclaim Reclaimer) {
	if !p.pinned {
		panic("epoch: Manage called outside Begin/End")
	}
	en := &entry{item: item, reclaim: reclaim}
	if p.tail == nil {
		p.head = en
	} else {
		p.tail.next = en
	}
	p.tail = en
	p.pending++
}

// End leaves the critical section, publishes the items managed since Begin and
// tries to advance the epoch, draining a stale slot if it succeeds.
func (p *Participant) End() {
	if !p.pinned {
		panic("epoch: End without a matching Begin")
	}
	c := p.c

	if g := c.epoch.Load(); g > p.epoch {
		p.last = g
	} else {
		p.last = p.epoch
	}

	if p.pending > 0 {
		c.managed.Add(p.pending)
	}
	c.slots[p.epoch%numSlots].unpin(p.head, p.tail)
	p.head, p.tail, p.pending = nil, nil, 0
	p.pinned = false

	c.tryAdvance()
}

// Release returns the participant to its collector for reuse. The participant
// must not be pinned, and must not be used after Release.
func (p *Participant) Release() {
	if p.pinned {
		panic("epoch: Release on a pinned participant")
	}
	if p.released {
		panic("epoch: participant released twice")
	}
	if p.pooled {
		panic("epoch: Release on a guard; use Unpin")
	}
	// End publishes every managed item, so an unpinned participant holds none.
	p.head, p.tail, p.pending = nil, nil, 0
	p.epoch, p.last = 0, 0
	p.released = true
	p.c.release(p)
}

// Pinned reports whether the participant is inside a critical section.
func (p *Participant) Pinned() bool {
	return p.pinned
}

// Epoch returns the epoch of the current critical section, or the latest epoch
// seen at End when the participant is not pinned.
func (p *Participant) Epoch() uint64 {
	if p.pinned {
		return p.epoch
	}
	return p.last
}

// Guard is a pooled participant returned by Collector.Pin.
type Guard struct {
	*Participant
}

// Unpin ends the critical section and returns the guard to its collector's
// pool. The guard must not be used afterwards.
func (g *Guard) Unpin() {
	g.End()
	g.c.guards.Put(g)
}
