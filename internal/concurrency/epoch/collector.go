// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides epoch-based deferred reclamation for lock-free data structures.
//
// A Collector lets goroutines mark critical sections with Begin/End and register
// objects for deferred reclamation with Manage. A managed object is handed to its
// reclaimer only once no goroutine that could still be observing it remains
// inside a critical section. In Go the runtime frees memory, so "reclaim" means
// returning the object to its owner for reuse: a node pool, a free list, a buffer
// arena. Reusing an object while a concurrent reader still holds a raw reference
// to it is what makes lock-free structures fail (ABA, torn links); the collector
// is what makes such reuse safe.
//
// # Key Features
//
//   - Three epoch slots, each holding a pin count and a list of pending items
//   - Begin/End are lock-free CAS loops; Manage is O(1) and touches no shared state
//   - Publication of a participant's items is atomic with its unpin
//   - Opportunistic draining on End, plus an optional background Sweeper
//   - Close drains every outstanding item exactly once
//
// # Usage Examples
//
// A long-lived worker keeps its own participant:
//
//	c := epoch.New()
//	defer c.Close()
//
//	p := c.Participant()
//	p.Begin()
//	old := shared.Swap(fresh)
//	p.Manage(old, func(item any) { pool.Put(item.(*Buffer)) })
//	p.End()
//
// Short-lived goroutines can use a pooled guard instead:
//
//	g := c.Pin()
//	defer g.Unpin()
//	v := shared.Load()
//
// # Dangers and Warnings
//
//   - **Pairing**: Every Begin must be followed by exactly one End on the same participant.
//   - **Ownership**: A Participant is not safe for concurrent use; give each goroutine its own.
//   - **Manage outside a section**: Manage panics when the participant is not pinned.
//   - **Long sections**: A participant that stays pinned stops the epoch from advancing
//     and every managed item accumulates until it leaves.
//   - **Release**: Call Release when a goroutine is done with its participant;
//     the collector reuses it for the next caller of Participant.
//   - **Close**: Close must not race with any other use of the collector.
//
// # Epochs and Slots
//
// The global epoch only grows. Slot e%3 collects the items retired by participants
// pinned at epoch e. The epoch moves from E to E+1 when slot (E-1)%3 has no pinned
// participants and slot (E+1)%3, which still holds the items of epoch E-2, can be
// claimed with no pinned participants. Whoever claims it drains it. A participant
// pinned at E can only have observed objects that were still linked when the epoch
// was E, and those are retired at E or later, so they cannot be drained before the
// epoch reaches E+2, which in turn requires that participant to have left.
package epoch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/kianostad/lfkit/internal/monitoring/metrics"
)

const numSlots = 3

// Reclaimer releases an item once no pinned participant can observe it.
type Reclaimer func(item any)

// entry is one pending reclamation.
type entry struct {
	item    any
	reclaim Reclaimer
	next    *entry
}

// slotState is an immutable snapshot of one managed-list slot. Every change
// installs a fresh state with CompareAndSwap, so the pin count and the list
// head always move together.
type slotState struct {
	epoch uint64 // epoch the slot currently collects for
	refs  uint64 // participants pinned in this slot
	head  *entry // pending items
}

type slot struct {
	state atomic.Pointer[slotState]
	_     cpu.CacheLinePad
}

// pin adds one pinned participant if the slot still collects for epoch e.
func (s *slot) pin(e uint64) bool {
	for {
		old := s.state.Load()
		if old.epoch != e {
			return false
		}
		if s.state.CompareAndSwap(old, &slotState{epoch: e, refs: old.refs + 1, head: old.head}) {
			return true
		}
	}
}

// unpin prepends the list first..last (which may be empty) and drops one pin
// in a single step.
func (s *slot) unpin(first, last *entry) {
	for {
		old := s.state.Load()
		head := old.head
		if first != nil {
			last.next = old.head
			head = first
		}
		if s.state.CompareAndSwap(old, &slotState{epoch: old.epoch, refs: old.refs - 1, head: head}) {
			return
		}
	}
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used for drain and shutdown diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithMetrics reports drains and epoch advances to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}

// Collector is an epoch-based garbage collector.
type Collector struct {
	epoch atomic.Uint64
	_     cpu.CacheLinePad
	slots [numSlots]slot

	participants atomic.Pointer[Participant] // registered participants, newest first
	released     atomic.Pointer[freeCell]    // participants available for reuse
	guards       sync.Pool

	managed   atomic.Uint64
	reclaimed atomic.Uint64
	drains    atomic.Uint64
	closed    atomic.Bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a collector at epoch 0 with three empty slots.
func New(opts ...Option) *Collector {
	c := &Collector{}
	for _, opt := range opts {
		opt(c)
	}

	// Slot i collects for the epoch congruent to i among {0, -2, -1}; the
	// labels wrap around so the advance checks hold from the first epoch.
	c.slots[0].state.Store(&slotState{epoch: 0})
	c.slots[1].state.Store(&slotState{epoch: ^uint64(1)})
	c.slots[2].state.Store(&slotState{epoch: ^uint64(0)})

	c.guards.New = func() any {
		return &Guard{Participant: &Participant{c: c, pooled: true}}
	}
	return c
}

// freeCell links one released participant into the reuse stack. Cells are
// never reused, so a CAS on the stack head cannot succeed on a stale cell.
type freeCell struct {
	p    *Participant
	next *freeCell
}

// Participant returns a registered participant, reusing a released one when
// available. Close finalizes the items of every registered participant. The
// registry holds at most as many participants as were ever in use at once.
func (c *Collector) Participant() *Participant {
	for {
		top := c.released.Load()
		if top == nil {
			break
		}
		if c.released.CompareAndSwap(top, top.next) {
			top.p.released = false
			return top.p
		}
	}

	p := &Participant{c: c}
	for {
		head := c.participants.Load()
		p.registered = head
		if c.participants.CompareAndSwap(head, p) {
			return p
		}
	}
}

// release makes p available to a later call to Participant.
func (c *Collector) release(p *Participant) {
	cell := &freeCell{p: p}
	for {
		cell.next = c.released.Load()
		if c.released.CompareAndSwap(cell.next, cell) {
			return
		}
	}
}

// Pin begins a critical section on a pooled participant.
func (c *Collector) Pin() *Guard {
	g := c.guards.Get().(*Guard)
	g.Begin()
	return g
}

// Collect runs one empty critical section, giving the collector a chance to
// advance the epoch and drain a stale slot. It reports whether the epoch advanced.
func (c *Collector) Collect() bool {
	before := c.epoch.Load()
	c.Pin().Unpin()
	return c.epoch.Load() != before
}

// Epoch returns the current global epoch.
func (c *Collector) Epoch() uint64 {
	return c.epoch.Load()
}

// Stats is a point-in-time view of a collector.
type Stats struct {
	Epoch     uint64           `json:"epoch"`
	Managed   uint64           `json:"managed"`
	Reclaimed uint64           `json:"reclaimed"`
	Drains    uint64           `json:"drains"`
	Pinned    [numSlots]uint64 `json:"pinned"`
}

// Pending returns the number of managed items not yet reclaimed.
func (s Stats) Pending() uint64 {
	return s.Managed - s.Reclaimed
}

// Stats returns counters and per-slot pin counts. Values are read
// independently and may be mutually inconsistent under concurrency.
func (c *Collector) Stats() Stats {
	s := Stats{
		Epoch:     c.epoch.Load(),
		Managed:   c.managed.Load(),
		Reclaimed: c.reclaimed.Load(),
		Drains:    c.drains.Load(),
	}
	for i := range c.slots {
		s.Pinned[i] = c.slots[i].state.Load().refs
	}
	return s
}

// tryAdvance moves the epoch from E to E+1 if no participant is pinned at E-1
// and the slot holding the items of E-2 can be claimed.
func (c *Collector) tryAdvance() {
	e := c.epoch.Load()

	previous := c.slots[(e+2)%numSlots].state.Load()
	if previous.epoch != e-1 || previous.refs != 0 {
		return
	}

	stale := &c.slots[(e+1)%numSlots]
	old := stale.state.Load()
	if old.epoch != e-2 || old.refs != 0 {
		return
	}
	if !stale.state.CompareAndSwap(old, &slotState{epoch: e + 1}) {
		return
	}

	n := c.drain(old.head)
	c.epoch.CompareAndSwap(e, e+1)

	if c.metrics != nil {
		c.metrics.SetEpoch(e + 1)
	}
	if c.logger != nil && n > 0 {
		c.logger.Debug("epoch advanced",
			slog.Uint64("epoch", e+1),
			slog.Int("reclaimed", n))
	}
}

// drain invokes the reclaimer of every entry in the list and returns how many
// entries it held.
func (c *Collector) drain(head *entry) int {
	n := 0
	for en := head; en != nil; {
		next := en.next
		if en.reclaim != nil {
			en.reclaim(en.item)
		}
		en.item, en.reclaim, en.next = nil, nil, nil
		en = next
		n++
	}
	if n > 0 {
		c.reclaimed.Add(uint64(n)) // #nosec G115
		c.drains.Add(1)
		if c.metrics != nil {
			c.metrics.RecordDrain(n)
		}
	}
	return n
}

// Close reclaims every pending item: the contents of all three slots and the
// unpublished items of registered participants. It must not be called while any
// other goroutine uses the collector. Calling Close more than once is a no-op.
func (c *Collector) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	n := 0
	for i := range c.slots {
		old := c.slots[i].state.Load()
		c.slots[i].state.Store(&slotState{epoch: old.epoch})
		n += c.drain(old.head)
	}

	for p := c.participants.Load(); p != nil; p = p.registered {
		if p.released {
			continue
		}
		if p.head != nil {
			c.managed.Add(p.pending)
			n += c.drain(p.head)
			p.head, p.tail, p.pending = nil, nil, 0
		}
		p.pinned = false
	}

	if c.logger != nil {
		c.logger.Debug("collector closed",
			slog.Uint64("epoch", c.epoch.Load()),
			slog.Int("reclaimed", n))
	}
}
