// Licensed under the MIT License. See LICENSE file in the project root for details.

package queue

import "sync/atomic"

// link is a versioned pointer. Links are immutable once published: every
// update stores a freshly allocated link, so a CompareAndSwap on a link can
// only succeed against the exact value that was read.
type link[T any] struct {
	node *Node[T]
	tag  uint64
}

// Node is a queue element. next points toward the node pushed before it and
// prev toward the node pushed after it; prev links are repaired lazily.
type Node[T any] struct {
	next atomic.Pointer[link[T]]
	prev atomic.Pointer[link[T]]
	val  atomic.Pointer[T]
}

// NewNode creates an unlinked node holding v.
func NewNode[T any](v T) *Node[T] {
	n := &Node[T]{}
	n.val.Store(&v)
	return n
}

// Value returns the payload, or the zero value if none is set.
func (n *Node[T]) Value() T {
	if p := n.val.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// SetValue replaces the payload. It must only be called while the caller owns
// the node, that is before Push or after Pop.
func (n *Node[T]) SetValue(v T) {
	n.val.Store(&v)
}

// reset clears links and payload before the node is reused.
func (n *Node[T]) reset() {
	n.next.Store(nil)
	n.prev.Store(nil)
	n.val.Store(nil)
}
