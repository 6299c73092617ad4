// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package idpool hands out small consecutive integer ids in [0, N) and takes
// them back.
//
// Each id is one bit in an array of 64-bit words. Claiming an id atomically sets
// its bit and recycling clears it. Bits past N in the last word are set at
// creation, so a word that reads as all ones is known to be full and is skipped
// with a single load.
//
// The pool suits a small, known set of accessors, such as one id per worker.
// Very large pools pay for the linear scan, and pools with many more claimants
// than ids leave Assign spinning.
package idpool

import (
	"errors"
	"math/bits"
	"runtime"
	"sync/atomic"
)

const wordBits = 64

// ErrInvalidCount is returned when a generator is created with fewer than one id.
var ErrInvalidCount = errors.New("idpool: count must be at least 1")

// Generator allocates and recycles ids.
type Generator struct {
	words []atomic.Uint64
	count int
}

// New creates a generator with count free ids.
func New(count int) (*Generator, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}

	g := &Generator{
		words: make([]atomic.Uint64, (count+wordBits-1)/wordBits),
		count: count,
	}
	if tail := count % wordBits; tail != 0 {
		g.words[len(g.words)-1].Store(^uint64(0) << tail)
	}
	return g, nil
}

// TryAssign claims a free id. It returns false if every id is taken.
func (g *Generator) TryAssign() (int, bool) {
	for i := range g.words {
		w := &g.words[i]
		v := w.Load()
		for v != ^uint64(0) {
			bit := uint64(1) << bits.TrailingZeros64(^v)
			old := w.Or(bit)
			if old&bit == 0 {
				return i*wordBits + bits.TrailingZeros64(bit), true
			}
			v = old | bit
		}
	}
	return 0, false
}

// Assign claims a free id, yielding the processor until one becomes available.
func (g *Generator) Assign() int {
	for {
		if id, ok := g.TryAssign(); ok {
			return id
		}
		runtime.Gosched()
	}
}

// Recycle returns id to the pool. It panics if id is out of range or is not
// currently assigned.
func (g *Generator) Recycle(id int) {
	if id < 0 || id >= g.count {
		panic("idpool: recycled id out of range")
	}
	bit := uint64(1) << (id % wordBits)
	if old := g.words[id/wordBits].And(^bit); old&bit == 0 {
		panic("idpool: recycled id was not assigned")
	}
}

// Count returns the number of ids the generator manages.
func (g *Generator) Count() int {
	return g.count
}

// Available returns how many ids are free. The result is a snapshot and may be
// stale by the time it is used.
func (g *Generator) Available() int {
	taken := 0
	for i := range g.words {
		taken += bits.OnesCount64(g.words[i].Load())
	}
	return len(g.words)*wordBits - taken
}

// Close releases the slot array. The generator must not be used afterwards.
func (g *Generator) Close() {
	g.words = nil
	g.count = 0
}
