// Licensed under the MIT License. See LICENSE file in the project root for details.

package queue

import (
	"sync"

	"github.com/kianostad/lfkit/internal/concurrency/epoch"
)

// NodePool provides object pooling for queue nodes to reduce allocations
type NodePool[T any] struct {
	pool    sync.Pool
	reclaim epoch.Reclaimer
}

// NewNodePool creates a new NodePool
func NewNodePool[T any]() *NodePool[T] {
	p := &NodePool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return &Node[T]{}
			},
		},
	}
	p.reclaim = func(item any) {
		p.Put(item.(*Node[T]))
	}
	return p
}

// Get retrieves a node from the pool, or allocates one, and stores v in it
func (p *NodePool[T]) Get(v T) *Node[T] {
	n := p.pool.Get().(*Node[T])
	n.SetValue(v)
	return n
}

// Put returns a node to the pool after clearing its links and payload.
// The node must not be reachable by any concurrent queue operation.
func (p *NodePool[T]) Put(n *Node[T]) {
	n.reset()
	p.pool.Put(n)
}

// Reclaimer returns an epoch reclaimer that puts nodes back into the pool
func (p *NodePool[T]) Reclaimer() epoch.Reclaimer {
	return p.reclaim
}

// Retire hands a popped node to the collector so that it returns to pool once
// no participant pinned at the time can still be reading its links. It must be
// called while participant is pinned.
func Retire[T any](participant *epoch.Participant, n *Node[T], pool *NodePool[T]) {
	participant.Manage(n, pool.Reclaimer())
}
