// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import (
	"encoding/binary"
	"testing"
)

func TestDispatcherFindNextTranslatesOnFirstVisitAndReusesAfter(t *testing.T) {
	mem := byteMemory{0xC3} // ret
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindIndirect: 0x20000000}
	d := NewDispatcher(pool, mem, stubs)

	addr1, err := d.FindNext(0)
	if err != nil {
		t.Fatalf("FindNext: %v", err)
	}
	if pool.BlocksCount() != 1 {
		t.Fatalf("BlocksCount = %d, want 1 after first visit", pool.BlocksCount())
	}
	addr2, err := d.FindNext(0)
	if err != nil {
		t.Fatalf("FindNext (second visit): %v", err)
	}
	if addr1 != addr2 {
		t.Errorf("FindNext(0) = %#x then %#x, want the same cached block both times", addr1, addr2)
	}
	if pool.BlocksCount() != 1 {
		t.Errorf("BlocksCount = %d after a repeat visit, want still 1", pool.BlocksCount())
	}
}

func TestDispatcherFindDirectPatchesTrampolineAndReturnsTranslation(t *testing.T) {
	mem := byteMemory{0xEB, 0x02, 0x90, 0x90, 0xC3} // jmp +2; nop; nop; ret
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindDirect: 0x10000000, FindIndirect: 0x20000000}
	d := NewDispatcher(pool, mem, stubs)

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	patchAddr := addrOf(cache, start+1)

	dest, err := d.FindDirect(4, patchAddr)
	if err != nil {
		t.Fatalf("FindDirect: %v", err)
	}
	blk, ok := pool.Find(4)
	if !ok || addrOf(cache, blk.CacheStart) != dest {
		t.Fatalf("FindDirect did not translate+return the target block at pc=4")
	}

	rel := int32(binary.LittleEndian.Uint32(cache[start+1 : start+5]))
	patched := addrOf(cache, start+5) + uintptr(rel)
	if patched != dest {
		t.Errorf("patched jmp targets %#x, want the freshly translated block %#x", patched, dest)
	}
}
