// Licensed under the MIT License. See LICENSE file in the project root for details.

package queue

import (
	"sync"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/kianostad/lfkit/internal/concurrency/epoch"
)

func TestPipe(t *testing.T) {
	Convey("Given a pipe backed by a collector", t, func() {
		c := epoch.New()
		defer c.Close()
		p := NewPipe[string](c)

		Convey("Values come out in the order they went in", func() {
			p.Send("x")
			p.Send("y")
			v, ok := p.Receive()
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, "x")
			v, ok = p.Receive()
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, "y")
			_, ok = p.Receive()
			So(ok, ShouldBeFalse)
			So(p.Empty(), ShouldBeTrue)
		})

		Convey("Received nodes are retired through the collector", func() {
			for i := 0; i < 10; i++ {
				p.Send("v")
			}
			for i := 0; i < 10; i++ {
				p.Receive()
			}
			epoch.NewSweeper(c, 0).ForceCollect()
			So(c.Stats().Managed, ShouldEqual, 10)
			So(c.Stats().Pending(), ShouldEqual, 0)
		})

		Convey("Close discards what is left", func() {
			p.Send("z")
			p.Close()
			So(p.Repairs(), ShouldEqual, 0)
		})
	})
}

func TestPipeConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given concurrent senders and receivers on one pipe", t, func() {
		c := epoch.New()
		defer c.Close()
		p := NewPipe[int](c)

		const numWorkers = 4
		const perWorker = 3000
		const total = numWorkers * perWorker

		var sum, received atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < numWorkers; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 1; j <= perWorker; j++ {
					p.Send(j)
				}
			}()
			go func() {
				defer wg.Done()
				for received.Load() < total {
					if v, ok := p.Receive(); ok {
						sum.Add(int64(v))
						received.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		Convey("Then the received values add up to the sent values", func() {
			So(received.Load(), ShouldEqual, total)
			So(sum.Load(), ShouldEqual, int64(numWorkers*perWorker*(perWorker+1)/2))
		})
	})
}

// TestPropertyQueueMatchesModel checks sequential queue behaviour against a
// slice-based FIFO.
func TestPropertyQueueMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := New[int]()
		var model []int
		var returned []*Node[int]

		steps := rapid.IntRange(1, 300).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.SampledFrom([]string{"push", "pop", "repush"}).Draw(t, "op") {
			case "push":
				v := rapid.Int().Draw(t, "value")
				q.Push(NewNode(v))
				model = append(model, v)
			case "pop":
				n, ok := q.Pop()
				if ok != (len(model) > 0) {
					t.Fatalf("pop reported %v with %d values in the model", ok, len(model))
				}
				if !ok {
					continue
				}
				if n.Value() != model[0] {
					t.Fatalf("popped %d, want %d", n.Value(), model[0])
				}
				for _, r := range returned {
					if r == n {
						t.Fatalf("node returned twice without being pushed again")
					}
				}
				model = model[1:]
				returned = append(returned, n)
			case "repush":
				if len(returned) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(returned)-1).Draw(t, "node")
				n := returned[idx]
				returned = append(returned[:idx], returned[idx+1:]...)
				v := rapid.Int().Draw(t, "value")
				n.SetValue(v)
				q.Push(n)
				model = append(model, v)
			}

			if q.Empty() != (len(model) == 0) {
				t.Fatalf("Empty() = %v with %d values in the model", q.Empty(), len(model))
			}
		}
	})
}
