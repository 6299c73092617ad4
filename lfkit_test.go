// Licensed under the MIT License. See LICENSE file in the project root for details.

package lfkit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

func TestPublicAPI(t *testing.T) {
	Convey("Given the public constructors", t, func() {
		c := NewCollector()
		defer c.Close()

		Convey("A queue preserves order", func() {
			q := NewQueue[int]()
			q.Push(NewNode(1))
			q.Push(NewNode(2))
			n, ok := q.Pop()
			So(ok, ShouldBeTrue)
			So(n.Value(), ShouldEqual, 1)
		})

		Convey("An id generator rejects an empty pool", func() {
			_, err := NewIDGenerator(0)
			So(err, ShouldEqual, ErrInvalidCount)
		})

		Convey("A participant retires pooled nodes", func() {
			pool := NewNodePool[string]()
			q := NewQueue[string]()
			p := c.Participant()

			p.Begin()
			q.Push(pool.Get("a"))
			n, ok := q.Pop()
			So(ok, ShouldBeTrue)
			So(n.Value(), ShouldEqual, "a")
			Retire(p, n, pool)
			p.End()

			p.Release()

			NewSweeper(c, 0).ForceCollect()
			So(c.Stats().Pending(), ShouldEqual, 0)
			So(c.Participant(), ShouldPointTo, p)
		})
	})
}

// TestWorkersWithIDsAndPipe runs the three components together: each worker
// claims an id for its lifetime, and workers exchange values through a pipe
// while a sweeper keeps reclamation moving.
func TestWorkersWithIDsAndPipe(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given workers sharing a pipe", t, func() {
		const numWorkers = 6
		const perWorker = 2000

		c := NewCollector()
		defer c.Close()
		sweeper := NewSweeper(c, time.Millisecond)
		sweeper.Start()
		defer sweeper.Stop()

		ids, err := NewIDGenerator(numWorkers)
		So(err, ShouldBeNil)
		pipe := NewPipe[int](c)

		var sent, received atomic.Int64
		var wg sync.WaitGroup
		claimed := make([]atomic.Int32, numWorkers)
		var conflicts atomic.Int64

		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := ids.Assign()
				defer ids.Recycle(id)
				if claimed[id].Add(1) != 1 {
					conflicts.Add(1)
				}
				defer claimed[id].Add(-1)

				for i := 0; i < perWorker; i++ {
					pipe.Send(id)
					sent.Add(1)
					if _, ok := pipe.Receive(); ok {
						received.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		for {
			if _, ok := pipe.Receive(); !ok {
				break
			}
			received.Add(1)
		}

		Convey("Then every value sent is received and ids never clash", func() {
			So(received.Load(), ShouldEqual, sent.Load())
			So(conflicts.Load(), ShouldEqual, 0)
			So(ids.Available(), ShouldEqual, numWorkers)
			So(pipe.Empty(), ShouldBeTrue)
		})
	})
}
