// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

import "sort"

// mapEntry is one contiguous, page-aligned span of the guest's address
// space sharing a single protection and backing section. The VMM keeps
// these sorted by Low and disjoint, splitting and merging entries as
// mmap/munmap/mprotect carve up the space. A flat sorted list rather than
// a multi-level page table: this address space is 31 bits, small enough
// that sort.Search over a short list outperforms walking multiple levels.
type mapEntry struct {
	low, high uint32 // [low, high), both page-aligned
	prot      Prot
	block     int // index into VMM.blocks: which section backs this range
	pageOff   int // page offset into that section's pages where this entry starts
}

func (m mapEntry) size() uint32 { return m.high - m.low }

// mapList is the sorted, disjoint collection of mapEntry covering every
// guest page currently mapped.
type mapList struct {
	entries []mapEntry
}

// find returns the index of the entry containing addr, or the index it
// would be inserted at (ok=false).
func (l *mapList) find(addr uint32) (idx int, ok bool) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].high > addr })
	if i < len(l.entries) && l.entries[i].low <= addr {
		return i, true
	}
	return i, false
}

// overlaps reports whether any existing entry intersects [low, high).
func (l *mapList) overlaps(low, high uint32) bool {
	i, ok := l.find(low)
	if ok {
		return true
	}
	return i < len(l.entries) && l.entries[i].low < high
}

// insert adds e to the list, which must not overlap any existing entry.
// Adjacent entries sharing prot and a contiguous block/pageOff run are
// merged into one, keeping the list as short as possible.
func (l *mapList) insert(e mapEntry) {
	i, _ := l.find(e.low)
	l.entries = append(l.entries, mapEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	l.coalesce(i)
}

// coalesce merges the entry at i with its neighbors if they are
// contiguous in both address and backing-section terms.
func (l *mapList) coalesce(i int) {
	if i+1 < len(l.entries) && mergeable(l.entries[i], l.entries[i+1]) {
		l.entries[i].high = l.entries[i+1].high
		l.entries = append(l.entries[:i+1], l.entries[i+2:]...)
	}
	if i > 0 && mergeable(l.entries[i-1], l.entries[i]) {
		l.entries[i-1].high = l.entries[i].high
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
	}
}

func mergeable(a, b mapEntry) bool {
	if a.high != b.low || a.prot != b.prot || a.block != b.block {
		return false
	}
	return b.pageOff == a.pageOff+int(a.size()/PageSize)
}

// remove deletes [low, high) from the list, splitting any entry that
// only partially overlaps the range. low and high must be page-aligned.
func (l *mapList) remove(low, high uint32) {
	var kept []mapEntry
	for _, e := range l.entries {
		if e.high <= low || e.low >= high {
			kept = append(kept, e)
			continue
		}
		if e.low < low {
			left := e
			left.high = low
			kept = append(kept, left)
		}
		if e.high > high {
			right := e
			right.low = high
			right.pageOff = e.pageOff + int((high-e.low)/PageSize)
			kept = append(kept, right)
		}
	}
	l.entries = kept
}

// setProt updates the protection of [low, high), splitting entries at the
// range's boundaries as needed so only the requested span changes.
func (l *mapList) setProt(low, high uint32, prot Prot) {
	l.splitAt(low)
	l.splitAt(high)
	for i := range l.entries {
		if l.entries[i].low >= low && l.entries[i].high <= high {
			l.entries[i].prot = prot
		}
	}
	// Re-run coalesce over the whole touched range; entries may now be
	// mergeable with neighbors sharing the new protection.
	for i := 0; i < len(l.entries); i++ {
		l.coalesce(i)
	}
}

// splitAt ensures addr falls on an entry boundary, splitting the entry
// that straddles it if one does.
func (l *mapList) splitAt(addr uint32) {
	i, ok := l.find(addr)
	if !ok {
		return
	}
	e := l.entries[i]
	if e.low == addr {
		return
	}
	left := e
	left.high = addr
	right := e
	right.low = addr
	right.pageOff = e.pageOff + int((addr-e.low)/PageSize)
	l.entries[i] = left
	l.entries = append(l.entries, mapEntry{})
	copy(l.entries[i+2:], l.entries[i+1:])
	l.entries[i+1] = right
}

// findFree locates the lowest address in [searchLow, searchHigh) with
// size free bytes unmapped, for mmap calls without a fixed address hint.
func (l *mapList) findFree(searchLow, searchHigh, size uint32) (uint32, bool) {
	cur := searchLow
	for _, e := range l.entries {
		if e.low >= searchHigh {
			break
		}
		if e.low > cur && e.low-cur >= size {
			return cur, true
		}
		if e.high > cur {
			cur = e.high
		}
	}
	if searchHigh-cur >= size {
		return cur, true
	}
	return 0, false
}
