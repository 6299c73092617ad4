// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package lfkit is a toolkit of lock-free building blocks for Go: an epoch-based
// reclamation collector, an unbounded multi-producer multi-consumer FIFO queue
// and a pool of small consecutive ids.
//
// # Components
//
//   - Collector: deferred reclamation. Goroutines bracket their accesses with
//     Begin/End on a Participant; objects unlinked from a shared structure are
//     handed to Manage and their reclaimer runs once no participant that was
//     pinned at the time can still be looking at them.
//   - Queue: a lock-free FIFO built from versioned pointers. Popped nodes can be
//     recycled safely by retiring them through a Collector.
//   - IDGenerator: claims and recycles ids in [0, N) with one atomic operation.
//
// # Quick Start
//
//	c := lfkit.NewCollector()
//	defer c.Close()
//
//	pipe := lfkit.NewPipe[string](c)
//	pipe.Send("hello")
//	msg, ok := pipe.Receive()
//
//	ids, err := lfkit.NewIDGenerator(runtime.GOMAXPROCS(0))
//	if err != nil {
//		return err
//	}
//	id := ids.Assign()
//	defer ids.Recycle(id)
//
// # Reclamation in Go
//
// Go memory is garbage collected, so a reclaimer does not free memory. It
// returns an object to whoever reuses it: a node pool, a buffer free list, a
// slot in an arena. Reuse is what exposes lock-free code to ABA and torn reads,
// and the collector is what makes reuse safe.
//
// # Dangers and Warnings
//
//   - A Participant belongs to one goroutine at a time.
//   - Every Begin needs exactly one End; Manage is only legal in between.
//   - A participant that stays pinned blocks all reclamation.
//   - Collector.Close, Queue.Close and IDGenerator.Close must not race with
//     other operations on the same value.
//
// See the cmd/ directory for a benchmark driver and a REPL, and examples/ for
// runnable programs.
package lfkit

import (
	"time"

	"github.com/kianostad/lfkit/internal/concurrency/epoch"
	"github.com/kianostad/lfkit/internal/concurrency/idpool"
	"github.com/kianostad/lfkit/internal/concurrency/queue"
)

// Re-export the reclamation types
type (
	// Collector is an epoch-based garbage collector
	Collector = epoch.Collector

	// Participant is one goroutine's handle on a Collector
	Participant = epoch.Participant

	// Guard is a pooled participant returned by Collector.Pin
	Guard = epoch.Guard

	// Reclaimer releases a managed item
	Reclaimer = epoch.Reclaimer

	// CollectorOption configures a Collector
	CollectorOption = epoch.Option

	// CollectorStats is a point-in-time view of a Collector
	CollectorStats = epoch.Stats

	// Sweeper advances a Collector in the background
	Sweeper = epoch.Sweeper
)

// Re-export the queue types
type (
	// Queue is an unbounded lock-free FIFO queue
	Queue[T any] = queue.Queue[T]

	// Node is a queue element
	Node[T any] = queue.Node[T]

	// NodePool recycles queue nodes
	NodePool[T any] = queue.NodePool[T]

	// Pipe is a queue that recycles its nodes through a Collector
	Pipe[T any] = queue.Pipe[T]
)

// IDGenerator hands out ids in [0, N)
type IDGenerator = idpool.Generator

// ErrInvalidCount is returned by NewIDGenerator for a count below one
var ErrInvalidCount = idpool.ErrInvalidCount

// Collector options
var (
	WithLogger  = epoch.WithLogger
	WithMetrics = epoch.WithMetrics
)

// NewCollector creates a collector at epoch 0
func NewCollector(opts ...CollectorOption) *Collector {
	return epoch.New(opts...)
}

// NewSweeper creates a background sweeper for c
func NewSweeper(c *Collector, interval time.Duration) *Sweeper {
	return epoch.NewSweeper(c, interval)
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	return queue.New[T]()
}

// NewNode creates an unlinked node holding v
func NewNode[T any](v T) *Node[T] {
	return queue.NewNode(v)
}

// NewNodePool creates an empty node pool
func NewNodePool[T any]() *NodePool[T] {
	return queue.NewNodePool[T]()
}

// NewPipe creates an empty pipe whose nodes are reclaimed through c
func NewPipe[T any](c *Collector) *Pipe[T] {
	return queue.NewPipe[T](c)
}

// Retire hands a popped node back to pool once participant's collector allows it
func Retire[T any](participant *Participant, n *Node[T], pool *NodePool[T]) {
	queue.Retire(participant, n, pool)
}

// NewIDGenerator creates a pool of count ids
func NewIDGenerator(count int) (*IDGenerator, error) {
	return idpool.New(count)
}
