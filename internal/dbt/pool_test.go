// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import "testing"

func TestHashPCDistributesAcrossBuckets(t *testing.T) {
	// hashPC multiplies by 521 (1 + 8 + 512) before reducing mod Buckets,
	// so consecutive instruction addresses spread out, while page-aligned
	// addresses (multiples of 4096) all land in bucket 0.
	seen := map[int]bool{}
	for pc := uint32(0x400000); pc < 0x400000+256; pc++ {
		seen[hashPC(pc)] = true
	}
	if len(seen) < 32 {
		t.Errorf("hashPC put 256 distinct addresses into only %d buckets, want better spread", len(seen))
	}
}

func TestPoolFindMiss(t *testing.T) {
	p := NewPool(make([]byte, 4096))
	if _, ok := p.Find(0x1000); ok {
		t.Fatalf("Find on empty pool reported a hit")
	}
}

func TestPoolAllocRespectsBlockMaxSize(t *testing.T) {
	p := NewPool(make([]byte, BlockMaxSize+8))
	idx, ok := p.alloc()
	if !ok {
		t.Fatalf("first alloc in an exactly-one-block cache should succeed")
	}
	// Simulate the first block consuming nearly all of its reserved space.
	p.setOut(p.blocks[idx].CacheStart + BlockMaxSize - 4)
	if _, ok := p.alloc(); ok {
		t.Fatalf("second alloc should fail: no room left for another full-size block")
	}
}

func TestPoolFlushClearsIndexAndCursors(t *testing.T) {
	p := NewPool(make([]byte, 8192))
	idx, ok := p.alloc()
	if !ok {
		t.Fatalf("alloc failed")
	}
	p.blocks[idx].GuestPC = 0x4000
	p.insert(idx)
	p.setOut(p.blocks[idx].CacheStart + 16)

	if _, ok := p.Find(0x4000); !ok {
		t.Fatalf("Find should report the block inserted before Flush")
	}

	p.Flush()

	if _, ok := p.Find(0x4000); ok {
		t.Fatalf("Find should miss after Flush")
	}
	if p.Out() != 0 {
		t.Errorf("Out() = %d after Flush, want 0", p.Out())
	}
	if p.BlocksCount() != 0 {
		t.Errorf("BlocksCount() = %d after Flush, want 0", p.BlocksCount())
	}
}

func TestPoolReserveTrampolineCarvesFromTail(t *testing.T) {
	p := NewPool(make([]byte, BlockMaxSize*2))
	before := p.end
	cursor, buf, ok := p.reserveTrampoline()
	if !ok {
		t.Fatalf("reserveTrampoline failed in a fresh, roomy pool")
	}
	if len(buf) != OutAlign {
		t.Errorf("trampoline buffer length = %d, want %d", len(buf), OutAlign)
	}
	if cursor != before-OutAlign {
		t.Errorf("trampoline cursor = %d, want %d", cursor, before-OutAlign)
	}
}
