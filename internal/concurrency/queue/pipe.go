// Licensed under the MIT License. See LICENSE file in the project root for details.

package queue

import "github.com/kianostad/lfkit/internal/concurrency/epoch"

// Pipe is a value-oriented queue that recycles its nodes. Every operation runs
// pinned on the collector, and popped nodes return to the pool only after the
// collector has established that no other operation can still reach them.
type Pipe[T any] struct {
	q    *Queue[T]
	pool *NodePool[T]
	c    *epoch.Collector
}

// NewPipe creates an empty pipe whose nodes are reclaimed through c.
func NewPipe[T any](c *epoch.Collector) *Pipe[T] {
	return &Pipe[T]{
		q:    New[T](),
		pool: NewNodePool[T](),
		c:    c,
	}
}

// Send appends v.
func (p *Pipe[T]) Send(v T) {
	g := p.c.Pin()
	p.q.Push(p.pool.Get(v))
	g.Unpin()
}

// Receive removes the oldest value, reporting false if the pipe is empty.
func (p *Pipe[T]) Receive() (T, bool) {
	g := p.c.Pin()
	defer g.Unpin()

	n, ok := p.q.Pop()
	if !ok {
		var zero T
		return zero, false
	}
	v := n.Value()
	Retire(g.Participant, n, p.pool)
	return v, true
}

// Empty reports whether the pipe looked empty at the moment of the call.
func (p *Pipe[T]) Empty() bool {
	return p.q.Empty()
}

// Repairs returns the number of prev-link repair passes of the underlying queue.
func (p *Pipe[T]) Repairs() uint64 {
	return p.q.Repairs()
}

// Close discards the remaining values. It must not run concurrently with Send
// or Receive; the collector is left open.
func (p *Pipe[T]) Close() {
	p.q.Close(p.pool.Put)
}
