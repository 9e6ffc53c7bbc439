// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vmm implements the paged virtual memory manager backing a guest
// process's 32-bit address space: mmap/munmap/mprotect/brk semantics, a
// page-fault handler with copy-on-write fork support, and the block/section
// bookkeeping the translator's code cache and a guest's own mappings share.
package vmm

import "github.com/dbtcore/x86dbt/internal/hostpager"

const (
	// PageSize is the guest page granularity.
	PageSize = 4096
	// BlockSize is the host allocation granularity: every host mapping
	// this package makes spans a whole number of blocks, each holding
	// PagesPerBlock guest pages.
	BlockSize     = 65536
	PagesPerBlock = BlockSize / PageSize

	// AddrHigh is one past the last address a guest may ever reference;
	// the guest's usable address space is [0, AddrHigh).
	AddrHigh = 1 << 31

	// AllocLow and AllocHigh bound the region mmap/brk may hand out to
	// the guest. Below AllocLow is reserved for guest text/data loaded
	// directly from the ELF image; at and above AllocHigh is reserved
	// for the translator itself (see ReservedLow/ReservedHigh).
	AllocLow  = 0x04000000
	AllocHigh = 0x70000000

	// ReservedLow and ReservedHigh bound the translator's own code cache
	// and per-thread state, off limits to any guest mapping request.
	ReservedLow  = 0x70000000
	ReservedHigh = 0x72000000

	// HeapBase is where the guest's brk-managed heap starts growing from,
	// immediately above the fixed load region and below AllocLow's
	// mmap arena so brk growth can never collide with an mmap'd region
	// chosen by the allocator. Fixing it here keeps Init deterministic
	// without needing the loader's input.
	HeapBase = 0x08000000

	PageCount  = AddrHigh / PageSize  // 0x80000
	BlockCount = AddrHigh / BlockSize // 0x8000

	// MaxMapEntries bounds the sorted mapping list, keeping
	// mmap/munmap/mprotect's split bookkeeping from growing without
	// limit under pathological fragmentation.
	MaxMapEntries = 65535
)

// Prot is the guest-visible page protection, reusing hostpager's bit
// layout so translation between the two is a no-op.
type Prot = hostpager.Prot

const (
	ProtRead  = hostpager.ProtRead
	ProtWrite = hostpager.ProtWrite
	ProtExec  = hostpager.ProtExec
)

func pageIndex(addr uint32) int { return int(addr / PageSize) }
func blockIndex(addr uint32) int { return int(addr / BlockSize) }
func pageAlignDown(addr uint32) uint32 { return addr &^ (PageSize - 1) }
func pageAlignUp(addr uint32) uint32   { return (addr + PageSize - 1) &^ (PageSize - 1) }
func blockAlignDown(addr uint32) uint32 { return addr &^ (BlockSize - 1) }
func blockAlignUp(addr uint32) uint32   { return (addr + BlockSize - 1) &^ (BlockSize - 1) }
