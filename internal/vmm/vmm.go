// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

import (
	"fmt"

	"github.com/dbtcore/x86dbt/internal/hostpager"
)

// blockInfo records what backs one BlockSize-sized host allocation: the
// section holding its bytes, and how many of its guest pages currently
// belong to some mapping. The section is torn down once pageCount reaches
// zero, mirroring block_section_handle/block_page_count's invariant that
// one is null exactly when the other is zero.
type blockInfo struct {
	section   *hostpager.Section
	pageCount int
}

// VMM is one guest process's virtual memory manager: an arena reserved up
// front on the host, a sorted mapping list describing what's backed where,
// and the block table recording which section backs each BlockSize chunk
// of that arena.
type VMM struct {
	pager    hostpager.HostPager
	tlsAlloc TLSAllocator // nil until SetTLSAllocator is called
	base     uintptr      // host address the guest's address 0 maps to

	mappings mapList
	blocks   [BlockCount]*blockInfo

	brk uint32 // current brk, always >= HeapBase
}

// New constructs a VMM using pager for host primitives. It does not yet
// reserve host address space; call Init for that.
func New(pager hostpager.HostPager) *VMM {
	return &VMM{pager: pager}
}

// SetTLSAllocator installs the slot allocator SysSetThreadArea consumes.
// A VMM with none installed rejects set_thread_area(2) with ENOSYS rather
// than silently handing out bogus slots.
func (v *VMM) SetTLSAllocator(a TLSAllocator) { v.tlsAlloc = a }

// Init reserves the full guest address space on the host and establishes
// an empty mapping list with brk starting at HeapBase.
func (v *VMM) Init() error {
	base, err := v.pager.Reserve(AddrHigh)
	if err != nil {
		return fmt.Errorf("vmm: init: %w", err)
	}
	v.base = base
	v.mappings = mapList{}
	v.brk = HeapBase
	return nil
}

// Reset tears down every mapping and section the VMM holds, readying it
// for reuse without a fresh Reserve call (e.g. across execve).
func (v *VMM) Reset() error {
	for i, b := range v.blocks {
		if b == nil {
			continue
		}
		if err := v.pager.Unmap(v.hostAddr(blockAddr(i)), BlockSize); err != nil {
			return err
		}
		if err := v.pager.Close(b.section); err != nil {
			return err
		}
		v.blocks[i] = nil
	}
	v.mappings = mapList{}
	v.brk = HeapBase
	return nil
}

// Shutdown releases the reserved host arena entirely. The VMM must not be
// used again afterward.
func (v *VMM) Shutdown() error {
	if err := v.Reset(); err != nil {
		return err
	}
	return v.pager.Unmap(v.base, AddrHigh)
}

func (v *VMM) hostAddr(guestAddr uint32) uintptr { return v.base + uintptr(guestAddr) }

// HostBase returns the host address guest address 0 maps to, for
// components (the translator, ptrace-based fork) that need to compute
// host addresses directly.
func (v *VMM) HostBase() uintptr { return v.base }

func inRange(low, high uint32) bool {
	return low <= high && low >= 0 && high <= AddrHigh
}

func inAllocRange(low, high uint32) bool {
	return low >= AllocLow && high <= AllocHigh
}

// Mmap establishes a new mapping of size bytes, at addr if fixed is true,
// or at the VMM's choosing within [AllocLow, AllocHigh) otherwise. size is
// rounded up to a page multiple. Every BlockSize-aligned block the range
// touches gets its own freshly committed section the first time anything
// in it is mapped; a block already backing another mapping is reused, not
// replaced, so two small mappings landing in the same block share one
// section.
func (v *VMM) Mmap(addr uint32, size uint32, prot Prot, fixed bool) (uint32, error) {
	size = pageAlignUp(size)
	if size == 0 {
		return 0, fmt.Errorf("vmm: mmap: zero length")
	}
	if len(v.mappings.entries) >= MaxMapEntries {
		return 0, fmt.Errorf("vmm: mmap: mapping table full")
	}

	var low uint32
	if fixed {
		low = pageAlignDown(addr)
		high := low + size
		if !inAllocRange(low, high) {
			return 0, fmt.Errorf("vmm: mmap: fixed address %#x outside allocatable range", low)
		}
		if err := v.releaseRange(low, high); err != nil {
			return 0, fmt.Errorf("vmm: mmap: %w", err)
		}
		v.mappings.remove(low, high)
	} else {
		free, ok := v.mappings.findFree(AllocLow, AllocHigh, size)
		if !ok {
			return 0, fmt.Errorf("vmm: mmap: no room for %d bytes", size)
		}
		low = free
	}
	high := low + size

	created, err := v.ensureBlocks(low, high)
	if err != nil {
		return 0, fmt.Errorf("vmm: mmap: %w", err)
	}
	if err := v.pager.Protect(v.hostAddr(low), int(size), prot); err != nil {
		v.rollbackBlocks(created)
		return 0, fmt.Errorf("vmm: mmap: %w", err)
	}
	v.bindPages(low, high)
	pageOff := pageIndex(low) - pageIndex(blockAlignDown(low))
	v.mappings.insert(mapEntry{low: low, high: high, prot: prot, block: blockIndex(low), pageOff: pageOff})
	return low, nil
}

// ensureBlocks creates and commits a fresh BlockSize section, mapped R/W/X
// at its canonical block address, for every block spanned by [low, high)
// not already backed. It reports which blocks it newly created, so the
// caller can roll them back if a later step in the same call fails.
func (v *VMM) ensureBlocks(low, high uint32) ([]int, error) {
	var created []int
	for b := blockIndex(low); b < blockIndex(high-1)+1; b++ {
		if v.blocks[b] != nil {
			continue
		}
		sec, err := v.pager.NewSection(BlockSize)
		if err != nil {
			v.rollbackBlocks(created)
			return nil, err
		}
		if err := v.pager.Map(sec, v.hostAddr(blockAddr(b)), BlockSize, ProtRead|ProtWrite|ProtExec); err != nil {
			v.pager.Close(sec)
			v.rollbackBlocks(created)
			return nil, err
		}
		v.blocks[b] = &blockInfo{section: sec}
		created = append(created, b)
	}
	return created, nil
}

// rollbackBlocks tears down every block in blocks, undoing ensureBlocks's
// work for a call that failed partway through.
func (v *VMM) rollbackBlocks(blocks []int) {
	for _, b := range blocks {
		blk := v.blocks[b]
		if blk == nil {
			continue
		}
		v.pager.Unmap(v.hostAddr(blockAddr(b)), BlockSize)
		v.pager.Close(blk.section)
		v.blocks[b] = nil
	}
}

// bindPages increments block_page_count for every guest page spanned by
// [low, high). The section backing each block is already in place by the
// time this runs, established by ensureBlocks.
func (v *VMM) bindPages(low, high uint32) {
	for b := blockIndex(low); b < blockIndex(high-1)+1; b++ {
		v.blocks[b].pageCount += pagesInBlock(b, low, high)
	}
}

// releaseRange decrements block_page_count for every mapped page in
// [low, high), unmapping and closing any block section whose count drops
// to zero. Pages of the range that no mapping covers are not counted.
func (v *VMM) releaseRange(low, high uint32) error {
	for b := blockIndex(low); b < blockIndex(high-1)+1; b++ {
		blk := v.blocks[b]
		if blk == nil {
			continue
		}
		for _, e := range v.mappings.entries {
			if lo, hi := max(e.low, low), min(e.high, high); lo < hi {
				blk.pageCount -= pagesInBlock(b, lo, hi)
			}
		}
		if blk.pageCount > 0 {
			continue
		}
		if err := v.pager.Unmap(v.hostAddr(blockAddr(b)), BlockSize); err != nil {
			return err
		}
		if err := v.pager.Close(blk.section); err != nil {
			return err
		}
		v.blocks[b] = nil
	}
	return nil
}

// blockAddr returns the canonical guest address of block b.
func blockAddr(b int) uint32 { return uint32(b) * BlockSize }

// pagesInBlock returns how many guest pages of [low, high) fall within
// block b.
func pagesInBlock(b int, low, high uint32) int {
	blockLow := blockAddr(b)
	blockHigh := blockLow + BlockSize
	s, e := low, high
	if blockLow > s {
		s = blockLow
	}
	if blockHigh < e {
		e = blockHigh
	}
	if e <= s {
		return 0
	}
	return int((e - s) / PageSize)
}

// Munmap removes [addr, addr+size) from the guest's mappings. Partially
// covered pages at either end are unmapped along with the rest; Linux's
// behavior is to unmap whole pages, never less.
func (v *VMM) Munmap(addr, size uint32) error {
	low := pageAlignDown(addr)
	high := pageAlignUp(addr + size)
	if !inRange(low, high) {
		return fmt.Errorf("vmm: munmap: range outside guest address space")
	}
	if err := v.releaseRange(low, high); err != nil {
		return fmt.Errorf("vmm: munmap: %w", err)
	}
	v.mappings.remove(low, high)
	return nil
}

// Mprotect changes the protection of [addr, addr+size). The mapping list
// always records what the guest asked for, but the host-level protection
// actually applied withholds PROT_WRITE on any block whose section is
// still COW-shared (more than one owner left over from a Fork), the same
// way HandlePageFault's post-duplication restore does: a shared section
// must stay read-only at the host level until the first write forces a
// duplication, or a sibling's mprotect would hand back real write access
// to memory the other side still expects to be copy-on-write.
func (v *VMM) Mprotect(addr, size uint32, prot Prot) error {
	low := pageAlignDown(addr)
	high := pageAlignUp(addr + size)
	if !v.mappings.overlaps(low, high) {
		return fmt.Errorf("vmm: mprotect: unmapped range")
	}
	v.mappings.setProt(low, high, prot)
	for b := blockIndex(low); b < blockIndex(high-1)+1; b++ {
		blk := v.blocks[b]
		if blk == nil {
			continue
		}
		cow := blk.section.Owners() > 1
		if err := v.restoreBlockProtections(b, cow); err != nil {
			return fmt.Errorf("vmm: mprotect: %w", err)
		}
	}
	return nil
}

// Brk moves the program break to newBrk (0 reports the current break
// without changing it), returning the resulting break. Shrinking is not
// supported: a newBrk below the current break is rejected rather than
// unmapping anything, so brk is monotonically non-decreasing.
func (v *VMM) Brk(newBrk uint32) (uint32, error) {
	if newBrk == 0 {
		return v.brk, nil
	}
	if newBrk < v.brk {
		return v.brk, fmt.Errorf("vmm: brk: shrink to %#x not supported", newBrk)
	}
	if newBrk > AllocHigh {
		return v.brk, fmt.Errorf("vmm: brk: %#x outside heap range", newBrk)
	}
	oldPageEnd := pageAlignUp(v.brk)
	newPageEnd := pageAlignUp(newBrk)
	if newPageEnd > oldPageEnd {
		if _, err := v.Mmap(oldPageEnd, newPageEnd-oldPageEnd, ProtRead|ProtWrite, true); err != nil {
			return v.brk, err
		}
	}
	v.brk = newBrk
	return v.brk, nil
}

// DebugDumpMappings returns a snapshot of the current mapping list, in
// address order, for diagnostic use (the REPL's "mappings" command).
func (v *VMM) DebugDumpMappings() []MappingInfo {
	out := make([]MappingInfo, len(v.mappings.entries))
	for i, e := range v.mappings.entries {
		out[i] = MappingInfo{Low: e.low, High: e.high, Prot: e.prot}
	}
	return out
}

// MappingInfo is the read-only view of one mapping exposed to callers
// outside this package.
type MappingInfo struct {
	Low, High uint32
	Prot      Prot
}
