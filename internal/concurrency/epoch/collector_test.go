// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/lfkit/internal/monitoring/metrics"
)

// counter returns a reclaimer that counts invocations per item.
func counter() (Reclaimer, func(item any) int, func() int) {
	var mu sync.Mutex
	seen := make(map[any]int)
	total := 0
	reclaim := func(item any) {
		mu.Lock()
		defer mu.Unlock()
		seen[item]++
		total++
	}
	count := func(item any) int {
		mu.Lock()
		defer mu.Unlock()
		return seen[item]
	}
	sum := func() int {
		mu.Lock()
		defer mu.Unlock()
		return total
	}
	return reclaim, count, sum
}

func TestCollectorBasicOperations(t *testing.T) {
	Convey("Given a new collector", t, func() {
		c := New()
		defer c.Close()

		Convey("Initially", func() {
			So(c.Epoch(), ShouldEqual, 0)
			stats := c.Stats()
			So(stats.Managed, ShouldEqual, 0)
			So(stats.Reclaimed, ShouldEqual, 0)
			So(stats.Pinned, ShouldResemble, [3]uint64{0, 0, 0})
		})

		Convey("When a participant begins", func() {
			p := c.Participant()
			p.Begin()

			Convey("Then it is pinned at the current epoch", func() {
				So(p.Pinned(), ShouldBeTrue)
				So(p.Epoch(), ShouldEqual, 0)
				So(c.Stats().Pinned[0], ShouldEqual, 1)
			})

			Convey("When it ends", func() {
				p.End()

				Convey("Then it is no longer pinned", func() {
					So(p.Pinned(), ShouldBeFalse)
					So(c.Stats().Pinned, ShouldResemble, [3]uint64{0, 0, 0})
				})

				Convey("And the epoch has advanced", func() {
					So(c.Epoch(), ShouldEqual, 1)
					So(p.Epoch(), ShouldBeLessThanOrEqualTo, c.Epoch())
				})
			})
		})
	})
}

func TestCollectorMisuse(t *testing.T) {
	Convey("Given a collector and an idle participant", t, func() {
		c := New()
		defer c.Close()
		p := c.Participant()

		Convey("Manage outside Begin/End panics", func() {
			So(func() { p.Manage(1, nil) }, ShouldPanic)
		})

		Convey("End without Begin panics", func() {
			So(func() { p.End() }, ShouldPanic)
		})

		Convey("Begin twice panics", func() {
			p.Begin()
			So(func() { p.Begin() }, ShouldPanic)
			p.End()
		})
	})
}

func TestCollectorLiveness(t *testing.T) {
	Convey("Given items managed by a single participant", t, func() {
		c := New()
		defer c.Close()
		reclaim, count, total := counter()

		items := []*int{new(int), new(int), new(int)}
		p := c.Participant()
		p.Begin()
		for _, item := range items {
			p.Manage(item, reclaim)
		}
		p.End()

		Convey("Then nothing is reclaimed straight away", func() {
			So(total(), ShouldEqual, 0)
			So(c.Stats().Managed, ShouldEqual, 3)
			So(c.Stats().Pending(), ShouldEqual, 3)
		})

		Convey("When the epoch advances twice more", func() {
			So(c.Collect(), ShouldBeTrue)
			So(total(), ShouldEqual, 0)
			So(c.Collect(), ShouldBeTrue)

			Convey("Then every item is reclaimed exactly once", func() {
				for _, item := range items {
					So(count(item), ShouldEqual, 1)
				}
				So(c.Stats().Reclaimed, ShouldEqual, 3)
				So(c.Stats().Pending(), ShouldEqual, 0)
			})

			Convey("And further collections reclaim nothing again", func() {
				for i := 0; i < 6; i++ {
					c.Collect()
				}
				So(total(), ShouldEqual, 3)
			})
		})
	})
}

func TestCollectorPinnedReaderBlocksReclamation(t *testing.T) {
	Convey("Given a reader pinned before an item is retired", t, func() {
		c := New()
		defer c.Close()
		reclaim, _, total := counter()

		reader := c.Participant()
		reader.Begin()

		writer := c.Participant()
		writer.Begin()
		writer.Manage("old", reclaim)
		writer.End()

		Convey("Then the epoch cannot move far enough to reclaim it", func() {
			for i := 0; i < 10; i++ {
				c.Collect()
			}
			So(total(), ShouldEqual, 0)
			So(c.Epoch(), ShouldBeLessThanOrEqualTo, 1)
		})

		Convey("When the reader leaves", func() {
			reader.End()
			NewSweeper(c, 0).ForceCollect()

			Convey("Then the item is reclaimed", func() {
				So(total(), ShouldEqual, 1)
			})
		})
	})
}

func TestCollectorMonotonicEpochs(t *testing.T) {
	Convey("Given a participant that re-enters while the epoch moves", t, func() {
		c := New()
		defer c.Close()
		p := c.Participant()

		last := uint64(0)
		monotonic := true
		for i := 0; i < 50; i++ {
			p.Begin()
			if p.Epoch() < last {
				monotonic = false
			}
			last = p.Epoch()
			p.End()
			if i%3 == 0 {
				c.Collect()
			}
		}

		So(monotonic, ShouldBeTrue)
		So(last, ShouldBeGreaterThan, 0)
	})
}

func TestCollectorClose(t *testing.T) {
	Convey("Given published and unpublished items", t, func() {
		c := New()
		reclaim, _, total := counter()

		p := c.Participant()
		p.Begin()
		p.Manage("a", reclaim)
		p.Manage("b", reclaim)
		p.End()

		q := c.Participant()
		q.Begin()
		q.Manage("c", reclaim)

		Convey("When the collector is closed", func() {
			c.Close()

			Convey("Then every pending reclaimer runs exactly once", func() {
				So(total(), ShouldEqual, 3)
				So(c.Stats().Pending(), ShouldEqual, 0)
			})

			Convey("And closing again is a no-op", func() {
				c.Close()
				So(total(), ShouldEqual, 3)
			})
		})
	})
}

func TestGuard(t *testing.T) {
	Convey("Given a collector", t, func() {
		c := New()
		reclaim, _, total := counter()

		Convey("A guard pins and unpins", func() {
			g := c.Pin()
			So(g.Pinned(), ShouldBeTrue)
			g.Manage("x", reclaim)
			g.Unpin()

			c.Close()
			So(total(), ShouldEqual, 1)
		})
	})
}

func TestCollectorOptions(t *testing.T) {
	Convey("Given a collector with a logger and metrics", t, func() {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		m := metrics.NewMetrics()

		c := New(WithLogger(logger), WithMetrics(m))
		p := c.Participant()
		p.Begin()
		p.Manage(1, func(any) {})
		p.Manage(2, func(any) {})
		p.End()
		NewSweeper(c, 0).ForceCollect()
		c.Close()
		m.Close()

		Convey("Then drains are reported", func() {
			stats := m.GetStats()
			So(stats.Operations.Drain, ShouldEqual, 1)
			So(stats.Reclamation.Reclaimed, ShouldEqual, 2)
			So(stats.Reclamation.Epoch, ShouldEqual, c.Epoch())
		})

		Convey("And the logger sees the advance and the close", func() {
			So(buf.String(), ShouldContainSubstring, "epoch advanced")
			So(buf.String(), ShouldContainSubstring, "collector closed")
		})
	})
}

// registrySize counts the participants linked into the collector's registry.
func registrySize(c *Collector) int {
	n := 0
	for p := c.participants.Load(); p != nil; p = p.registered {
		n++
	}
	return n
}

func TestParticipantRelease(t *testing.T) {
	Convey("Given a collector", t, func() {
		c := New()
		defer c.Close()

		Convey("Released participants are reused", func() {
			for i := 0; i < 100000; i++ {
				p := c.Participant()
				p.Begin()
				p.End()
				p.Release()
			}
			So(registrySize(c), ShouldEqual, 1)
		})

		Convey("A reused participant starts unpinned with no items", func() {
			reclaim, _, total := counter()
			p := c.Participant()
			p.Begin()
			p.Manage("x", reclaim)
			p.End()
			p.Release()

			q := c.Participant()
			So(q, ShouldPointTo, p)
			So(q.Pinned(), ShouldBeFalse)
			So(q.Epoch(), ShouldEqual, 0)
			q.Begin()
			q.End()
			q.Release()

			NewSweeper(c, 0).ForceCollect()
			So(total(), ShouldEqual, 1)
		})

		Convey("Concurrent goroutines keep the registry bounded", func() {
			const workers = 8
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 2000; i++ {
						p := c.Participant()
						p.Begin()
						p.Manage(i, func(any) {})
						p.End()
						p.Release()
					}
				}()
			}
			wg.Wait()

			So(registrySize(c), ShouldBeLessThanOrEqualTo, workers)
			So(c.Stats().Managed, ShouldEqual, workers*2000)
		})

		Convey("Misuse panics", func() {
			p := c.Participant()
			p.Begin()
			So(func() { p.Release() }, ShouldPanic)
			p.End()

			p.Release()
			So(func() { p.Release() }, ShouldPanic)
			So(func() { p.Begin() }, ShouldPanic)

			g := c.Pin()
			So(func() { g.Release() }, ShouldPanic)
			g.Unpin()
		})
	})
}

func TestCollectorEndWithBusyMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a collector reporting to metrics under constant reads", t, func() {
		m := metrics.NewBufferedMetrics(16)
		c := New(WithMetrics(m))

		var stop atomic.Bool
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for !stop.Load() {
					m.GetStats()
					m.RecordPush(time.Microsecond)
				}
			}()
		}

		p := c.Participant()
		for i := 0; i < 3000; i++ {
			p.Begin()
			p.Manage(i, func(any) {})
			p.End()
		}
		p.Release()
		epoch := c.Epoch()

		stop.Store(true)
		wg.Wait()
		c.Close()
		m.Close()

		Convey("Then every End advanced and the gauge never lags behind", func() {
			So(epoch, ShouldEqual, 3000)
			So(m.GetStats().Reclamation.Epoch, ShouldEqual, epoch)
		})
	})
}

// object is shared between readers and a writer in the safety test.
type object struct {
	canary atomic.Uint64
	value  int
}

const (
	alive = 0xA11CE
	dead  = 0xDEAD
)

func TestCollectorSafety(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given readers and a writer sharing an object", t, func() {
		c := New()
		defer c.Close()

		var shared atomic.Pointer[object]
		first := &object{}
		first.canary.Store(alive)
		shared.Store(first)

		var reclaimed atomic.Int64
		reclaim := func(item any) {
			item.(*object).canary.Store(dead)
			reclaimed.Add(1)
		}

		var violations atomic.Int64
		var stop atomic.Bool
		var wg sync.WaitGroup

		const numReaders = 8
		const numWrites = 2000

		for i := 0; i < numReaders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p := c.Participant()
				defer p.Release()
				for !stop.Load() {
					p.Begin()
					o := shared.Load()
					for j := 0; j < 50; j++ {
						if o.canary.Load() != alive {
							violations.Add(1)
						}
					}
					_ = o.value
					p.End()
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			p := c.Participant()
			defer p.Release()
			for i := 1; i <= numWrites; i++ {
				fresh := &object{value: i}
				fresh.canary.Store(alive)
				p.Begin()
				old := shared.Swap(fresh)
				p.Manage(old, reclaim)
				p.End()
				if i%100 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
			stop.Store(true)
		}()

		wg.Wait()

		Convey("Then no reader ever observes a reclaimed object", func() {
			So(violations.Load(), ShouldEqual, 0)
		})

		Convey("And quiescent collection reclaims every retired object", func() {
			NewSweeper(c, 0).ForceCollect()
			So(reclaimed.Load(), ShouldEqual, numWrites)
			So(c.Stats().Pending(), ShouldEqual, 0)
		})
	})
}
