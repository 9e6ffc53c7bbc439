// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

import (
	"fmt"
)

// FaultKind classifies why HandlePageFault was invoked.
type FaultKind int

const (
	// FaultWrite is a write to a read-only page, the only fault this
	// VMM expects to see: every mapping it creates is otherwise backed
	// by memory already resident (no demand paging from a file).
	FaultWrite FaultKind = iota
)

// HandlePageFault services a fault at addr. For a write fault against a
// page whose section has more than one owner (the copy-on-write case
// left behind by Fork), it duplicates the section, rebinds the faulting
// page's block to the copy, and restores write permission. A write fault
// on a single-owner section restores the faulting mapping's recorded
// protection over that mapping's range and succeeds. A fault against a
// page with no mapping or no backing block, or a write to a mapping whose
// recorded protection lacks write (a genuine protection violation, not
// COW), is reported as an error for the caller to turn into a guest
// SIGSEGV.
func (v *VMM) HandlePageFault(addr uint32, kind FaultKind) error {
	idx, ok := v.mappings.find(addr)
	if !ok {
		return fmt.Errorf("vmm: page fault at %#x: no mapping", addr)
	}
	e := v.mappings.entries[idx]
	if kind == FaultWrite && e.prot&ProtWrite == 0 {
		return fmt.Errorf("vmm: page fault at %#x: write to read-only mapping", addr)
	}

	b := blockIndex(addr)
	blk := v.blocks[b]
	if blk == nil {
		return fmt.Errorf("vmm: page fault at %#x: no backing block", addr)
	}
	if blk.section.Owners() <= 1 {
		// Already exclusively owned: the kernel mapping was simply
		// read-only pending this first touch, not a COW sharer. Only
		// this entry's own range needs its protection restored — other
		// mappings sharing the block keep whatever protection is
		// already theirs.
		return v.pager.Protect(v.hostAddr(e.low), int(e.size()), e.prot)
	}

	dup, err := v.pager.DuplicateSection(blk.section, BlockSize)
	if err != nil {
		return fmt.Errorf("vmm: page fault at %#x: duplicate section: %w", addr, err)
	}
	blockLow := blockAddr(b)
	if err := v.pager.Unmap(v.hostAddr(blockLow), BlockSize); err != nil {
		return fmt.Errorf("vmm: page fault at %#x: unmap stale mapping: %w", addr, err)
	}
	if err := v.pager.Map(dup, v.hostAddr(blockLow), BlockSize, ProtRead|ProtWrite|ProtExec); err != nil {
		return fmt.Errorf("vmm: page fault at %#x: remap copy: %w", addr, err)
	}
	if err := v.pager.Close(blk.section); err != nil {
		return fmt.Errorf("vmm: page fault at %#x: release old section: %w", addr, err)
	}
	v.blocks[b] = &blockInfo{section: dup, pageCount: blk.pageCount}
	if err := v.restoreBlockProtections(b, false); err != nil {
		return fmt.Errorf("vmm: page fault at %#x: restore protections: %w", addr, err)
	}
	return nil
}

// restoreBlockProtections reapplies every live mapping's protection to its
// exact range within block b, after the block's section has been replaced
// wholesale (e.g. by a copy-on-write duplication) or freshly received over
// a fork. Applying each entry's own range individually, rather than one
// blanket BlockSize call, keeps unrelated mappings sharing the block from
// having their protection clobbered by a neighbor's. When cow is true,
// write permission is withheld from every writable entry regardless of
// its recorded prot, so the first write on this side faults again and
// duplicates the still-shared section rather than corrupting the other
// side's copy.
func (v *VMM) restoreBlockProtections(b int, cow bool) error {
	blockLow := blockAddr(b)
	blockHigh := blockLow + BlockSize
	for _, e := range v.mappings.entries {
		if e.high <= blockLow || e.low >= blockHigh {
			continue
		}
		low, high := e.low, e.high
		if low < blockLow {
			low = blockLow
		}
		if high > blockHigh {
			high = blockHigh
		}
		prot := e.prot
		if cow && prot&ProtWrite != 0 {
			prot &^= ProtWrite
		}
		if err := v.pager.Protect(v.hostAddr(low), int(high-low), prot); err != nil {
			return err
		}
	}
	return nil
}

// forceCOWProtect clears write permission on every page in [low, high)
// without altering the mapping list's recorded prot, so both the parent
// and the freshly Fork'd child trap into HandlePageFault on first write
// and duplicate their now-shared section instead of corrupting each
// other's memory. Read and exec permissions are left untouched — only
// write sharing is unsafe across a fork.
func (v *VMM) forceCOWProtect(low, high uint32, prot Prot) error {
	return v.pager.Protect(v.hostAddr(low), int(high-low), prot&^ProtWrite)
}
