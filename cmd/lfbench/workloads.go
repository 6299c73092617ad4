// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/lfkit/internal/concurrency/epoch"
	"github.com/kianostad/lfkit/internal/concurrency/idpool"
	"github.com/kianostad/lfkit/internal/concurrency/queue"
	"github.com/kianostad/lfkit/internal/monitoring/metrics"
)

// result is the outcome of one workload at one concurrency level.
type result struct {
	Workload   string        `json:"workload"`
	Goroutines int           `json:"goroutines"`
	Ops        int           `json:"ops"`
	Duration   time.Duration `json:"duration"`
	Errors     int           `json:"errors"`
}

// OpsPerSec returns the throughput of the run.
func (r result) OpsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Duration.Seconds()
}

func (r result) print(out io.Writer) {
	fmt.Fprintf(out, "   %d goroutines: %d ops in %v (%.0f ops/sec)",
		r.Goroutines, r.Ops, r.Duration, r.OpsPerSec())
	if r.Errors > 0 {
		fmt.Fprintf(out, "  ERRORS: %d", r.Errors)
	}
	fmt.Fprintln(out)
}

// workload runs one benchmark with the given number of goroutines and
// operations per goroutine.
type workload func(env *benchEnv, goroutines, ops int) result

// benchEnv is shared by all workloads of one invocation.
type benchEnv struct {
	collector *epoch.Collector
	metrics   *metrics.Metrics
	ids       int
}

// runQueue pushes disjoint ranges from producers while as many consumers drain
// the queue, recycling popped nodes through the collector. Every value must be
// popped exactly once.
func runQueue(env *benchEnv, goroutines, ops int) result {
	q := queue.New[int]()
	pool := queue.NewNodePool[int]()
	total := goroutines * ops

	seen := make([]atomic.Int32, total)
	var popped atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func(base int) {
			defer wg.Done()
			p := env.collector.Participant()
			defer p.Release()
			for j := 0; j < ops; j++ {
				t := time.Now()
				p.Begin()
				q.Push(pool.Get(base + j))
				p.End()
				env.metrics.RecordPush(time.Since(t))
			}
		}(i * ops)

		go func() {
			defer wg.Done()
			p := env.collector.Participant()
			defer p.Release()
			for popped.Load() < int64(total) {
				t := time.Now()
				p.Begin()
				n, ok := q.Pop()
				if ok {
					seen[n.Value()].Add(1)
					queue.Retire(p, n, pool)
				}
				p.End()
				if ok {
					popped.Add(1)
					env.metrics.RecordPop(time.Since(t))
				} else {
					env.metrics.RecordPopEmpty()
				}
			}
		}()
	}
	wg.Wait()
	duration := time.Since(start)

	missing, duplicate := 0, 0
	for i := range seen {
		switch c := seen[i].Load(); {
		case c == 0:
			missing++
		case c > 1:
			duplicate++
		}
	}
	if missing > 0 {
		env.metrics.RecordError("missing", missing)
	}
	if duplicate > 0 {
		env.metrics.RecordError("duplicate", duplicate)
	}
	env.metrics.SetRepairs(q.Repairs())

	return result{
		Workload:   "queue",
		Goroutines: goroutines,
		Ops:        2 * total,
		Duration:   duration,
		Errors:     missing + duplicate,
	}
}

// runIDPool has every goroutine repeatedly claim an id, check that nobody else
// holds it, and give it back.
func runIDPool(env *benchEnv, goroutines, ops int) result {
	g, err := idpool.New(env.ids)
	if err != nil {
		return result{Workload: "idpool", Goroutines: goroutines, Errors: 1}
	}
	defer g.Close()

	owners := make([]atomic.Int32, env.ids)
	var conflicts atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				t := time.Now()
				id, ok := g.TryAssign()
				for !ok {
					env.metrics.RecordAssignMiss()
					id, ok = g.TryAssign()
				}
				env.metrics.RecordAssign(time.Since(t))

				if owners[id].Add(1) != 1 {
					conflicts.Add(1)
				}
				owners[id].Add(-1)

				t = time.Now()
				g.Recycle(id)
				env.metrics.RecordRecycle(time.Since(t))
			}
		}()
	}
	wg.Wait()
	duration := time.Since(start)

	if n := int(conflicts.Load()); n > 0 {
		env.metrics.RecordError("duplicate", n)
	}
	env.metrics.SetAvailableIDs(uint64(g.Available())) // #nosec G115

	return result{
		Workload:   "idpool",
		Goroutines: goroutines,
		Ops:        2 * goroutines * ops,
		Duration:   duration,
		Errors:     int(conflicts.Load()),
	}
}

// canary is the object swapped in and out by the epoch workload.
type canary struct {
	state atomic.Uint32
}

const (
	canaryAlive uint32 = 1
	canaryDead  uint32 = 2
)

// runEpoch has readers pin, inspect a shared object and unpin, while one writer
// replaces the object and retires the old one. A reader that sees a reclaimed
// object is an error.
func runEpoch(env *benchEnv, goroutines, ops int) result {
	var shared atomic.Pointer[canary]
	first := &canary{}
	first.state.Store(canaryAlive)
	shared.Store(first)

	reclaim := func(item any) {
		item.(*canary).state.Store(canaryDead)
	}

	var violations atomic.Int64
	var reads atomic.Int64
	var stop atomic.Bool
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := env.collector.Participant()
			defer p.Release()
			for !stop.Load() {
				t := time.Now()
				p.Begin()
				if shared.Load().state.Load() != canaryAlive {
					violations.Add(1)
				}
				p.End()
				env.metrics.RecordPin(time.Since(t))
				reads.Add(1)
			}
		}()
	}

	p := env.collector.Participant()
	defer p.Release()
	for j := 0; j < ops; j++ {
		fresh := &canary{}
		fresh.state.Store(canaryAlive)
		p.Begin()
		p.Manage(shared.Swap(fresh), reclaim)
		p.End()
	}
	stop.Store(true)
	wg.Wait()
	duration := time.Since(start)

	if n := int(violations.Load()); n > 0 {
		env.metrics.RecordError("other", n)
	}

	return result{
		Workload:   "epoch",
		Goroutines: goroutines,
		Ops:        int(reads.Load()) + ops,
		Duration:   duration,
		Errors:     int(violations.Load()),
	}
}
