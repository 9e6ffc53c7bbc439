// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import "fmt"

// Block is a descriptor for one translated basic block: the guest PC it
// was translated from, and the offset into the code cache where the
// translated bytes begin.
type Block struct {
	GuestPC    uint32
	CacheStart int
}

// Pool is the fixed-capacity store of translated blocks. It owns the
// code cache buffer and the bump-allocator cursors (out grows up,
// trampoline stubs are carved off the tail by shrinking end) along with
// the bucket-hashed index used by Find.
//
// Pool is not safe for concurrent use: translation is scoped to a
// single guest thread with no reentrancy.
type Pool struct {
	cache []byte // code cache storage; callers supply an RWX-mapped buffer
	out   int    // bump cursor, grows upward
	end   int    // bump cursor, trampolines carved downward from here

	blocks      []Block
	buckets     [Buckets][]int // bucket -> indices into blocks
	blocksCount int
}

// NewPool creates a block pool backed by the given cache buffer. cache
// should be a writable, executable mapping (see internal/hostpager); tests
// may pass a plain byte slice since no code in it is ever actually jumped
// to by this package.
func NewPool(cache []byte) *Pool {
	p := &Pool{cache: cache}
	p.reset()
	return p
}

func (p *Pool) reset() {
	for i := range p.buckets {
		p.buckets[i] = nil
	}
	p.blocks = p.blocks[:0]
	p.blocksCount = 0
	p.out = 0
	p.end = len(p.cache)
}

// Flush empties every bucket and resets the bump cursors. Trampoline stubs
// and translated blocks from before the flush become garbage atomically:
// nothing may reference them once Flush returns.
func (p *Pool) Flush() {
	p.reset()
}

func hashPC(pc uint32) int {
	h := pc + (pc << 3) + (pc << 9)
	return int(h % Buckets)
}

// Find returns the descriptor for pc, or (Block{}, false) if pc has never
// been translated (or was dropped by a flush).
func (p *Pool) Find(pc uint32) (Block, bool) {
	bucket := p.buckets[hashPC(pc)]
	for _, idx := range bucket {
		if p.blocks[idx].GuestPC == pc {
			return p.blocks[idx], true
		}
	}
	return Block{}, false
}

// alloc reserves space in the descriptor pool and aligns the cache cursor
// for a new block. It returns false if the pool or the remaining cache
// capacity is exhausted; the caller must Flush and retry.
func (p *Pool) alloc() (int, bool) {
	if p.blocksCount >= MaxBlocks || p.end-p.out < BlockMaxSize {
		return 0, false
	}
	start := (p.out + OutAlign - 1) &^ (OutAlign - 1)
	if p.end-start < BlockMaxSize {
		return 0, false
	}
	p.blocks = append(p.blocks, Block{CacheStart: start})
	p.blocksCount++
	return len(p.blocks) - 1, true
}

// insert records a fully translated block in the hash index.
func (p *Pool) insert(idx int) {
	pc := p.blocks[idx].GuestPC
	bucket := hashPC(pc)
	p.buckets[bucket] = append(p.buckets[bucket], idx)
}

// reserveTrampoline carves OutAlign bytes off the tail of the cache for a
// trampoline stub. The growing-from-both-ends regions are checked for
// collision here, eagerly, rather than waiting for the next alloc to
// discover the pool is already full.
func (p *Pool) reserveTrampoline() (cursor int, out []byte, ok bool) {
	if p.end-OutAlign-p.out < BlockMaxSize {
		return 0, nil, false
	}
	p.end -= OutAlign
	return p.end, p.cache[p.end : p.end+OutAlign], true
}

// Cache exposes the underlying buffer so the dispatcher can compute
// absolute addresses (e.g. to hand off to an external launcher) and so
// tests can inspect emitted bytes.
func (p *Pool) Cache() []byte { return p.cache }

// Out returns the current bump-allocation cursor (offset into Cache()).
func (p *Pool) Out() int { return p.out }

// setOut commits the cursor after a block has been emitted.
func (p *Pool) setOut(n int) {
	if n < p.out || n > p.end {
		panic(fmt.Sprintf("dbt: out cursor %d out of range [%d,%d]", n, p.out, p.end))
	}
	p.out = n
}

// BlocksCount reports how many blocks are currently cached; used by tests
// asserting flush behavior.
func (p *Pool) BlocksCount() int { return p.blocksCount }
