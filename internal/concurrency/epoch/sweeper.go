// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is the sweeper period used when none is given.
const DefaultSweepInterval = 100 * time.Millisecond

// Sweeper periodically nudges a Collector so managed items are reclaimed even
// when no participant calls End for a while.
type Sweeper struct {
	c        *Collector
	interval time.Duration

	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper for c. A non-positive interval selects
// DefaultSweepInterval.
func NewSweeper(c *Collector, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		c:        c,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins sweeping in a background goroutine. Only the first call has an
// effect, and a stopped sweeper cannot be restarted.
func (s *Sweeper) Start() {
	if s.stopped.Load() || !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go s.run()
}

// Stop halts the background goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stop)
	}
	s.wg.Wait()
}

// run is the main sweep loop
func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.c.Collect()
		}
	}
}

// ForceCollect advances the epoch as far as the current pins allow, up to one
// full rotation of the slots, and returns the number of epochs advanced. With
// no participant pinned, every item managed before the call is reclaimed.
func (s *Sweeper) ForceCollect() int {
	advanced := 0
	for advanced < numSlots && s.c.Collect() {
		advanced++
	}
	return advanced
}
