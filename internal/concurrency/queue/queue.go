// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package queue implements an unbounded lock-free multi-producer multi-consumer
// FIFO queue.
//
// The queue is a doubly linked list of nodes. Push links a node with a single
// CompareAndSwap on the tail and writes the backward link afterwards; Pop reads
// the forward (prev) link of the head sentinel and swings the head with one
// CompareAndSwap. Forward links that are missing or stale are rebuilt from the
// tail by walking the always-consistent backward links.
//
// # Ownership
//
// Push hands a node to the queue. Pop hands a node back: the former sentinel,
// carrying the dequeued value. Other goroutines may still be reading the links
// of a node that was just popped, so a popped node may only be reused once no
// concurrent Push or Pop can observe it. Callers that recycle nodes bracket
// their queue operations with an epoch participant and retire popped nodes with
// Retire; callers that never reuse nodes can rely on the Go garbage collector.
package queue

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Queue is an unbounded lock-free FIFO queue.
type Queue[T any] struct {
	head atomic.Pointer[link[T]]
	_    cpu.CacheLinePad
	tail atomic.Pointer[link[T]]
	_    cpu.CacheLinePad

	repairs atomic.Uint64
}

// New creates an empty queue with a fresh sentinel node.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	dummy := &Node[T]{}
	q.head.Store(&link[T]{node: dummy})
	q.tail.Store(&link[T]{node: dummy})
	return q
}

// Push appends n to the queue. The queue owns n until it is returned by Pop.
func (q *Queue[T]) Push(n *Node[T]) {
	n.prev.Store(nil)
	for {
		tail := q.tail.Load()
		n.next.Store(&link[T]{node: tail.node, tag: tail.tag + 1})
		if q.tail.CompareAndSwap(tail, &link[T]{node: n, tag: tail.tag + 1}) {
			tail.node.prev.Store(&link[T]{node: n, tag: tail.tag})
			return
		}
	}
}

// Pop removes the oldest value. It returns the node that now carries that value
// and true, or nil and false if the queue is empty. The returned node is owned
// by the caller.
func (q *Queue[T]) Pop() (*Node[T], bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		prev := head.node.prev.Load()

		if head != q.head.Load() {
			continue
		}
		if head.node == tail.node {
			return nil, false
		}
		if prev == nil || prev.node == nil || prev.tag != head.tag {
			q.fixList(tail, head)
			continue
		}

		val := prev.node.val.Load()
		if q.head.CompareAndSwap(head, &link[T]{node: prev.node, tag: head.tag + 1}) {
			head.node.val.Store(val)
			return head.node, true
		}
	}
}

// fixList rebuilds prev links by walking next links from tail back to head.
// It gives up as soon as head moves, since the repair is then moot.
func (q *Queue[T]) fixList(tail, head *link[T]) {
	q.repairs.Add(1)

	cur := link[T]{node: tail.node, tag: tail.tag}
	for head == q.head.Load() && cur.tag > head.tag {
		next := cur.node.next.Load()
		if next == nil || next.tag != cur.tag {
			return
		}
		want := cur.tag - 1
		if p := next.node.prev.Load(); p == nil || p.node != cur.node || p.tag != want {
			next.node.prev.Store(&link[T]{node: cur.node, tag: want})
		}
		cur = link[T]{node: next.node, tag: want}
	}
}

// Empty reports whether the queue looked empty at the moment of the call.
func (q *Queue[T]) Empty() bool {
	return q.head.Load().node == q.tail.Load().node
}

// Repairs returns how many times Pop had to rebuild prev links.
func (q *Queue[T]) Repairs() uint64 {
	return q.repairs.Load()
}

// Close pops every remaining node, passing each to release if it is not nil,
// and drops the sentinel. It must not run concurrently with any other
// operation, and the queue must not be used afterwards.
func (q *Queue[T]) Close(release func(*Node[T])) {
	for {
		n, ok := q.Pop()
		if !ok {
			break
		}
		if release != nil {
			release(n)
		}
	}
	q.head.Store(nil)
	q.tail.Store(nil)
}
