// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

import (
	"encoding/gob"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/dbtcore/x86dbt/internal/hostpager"
)

// forkSection is the wire form of one block's backing section, sent to
// the child alongside its memfd over a SCM_RIGHTS control message: gob
// carries the bookkeeping, the control message carries the fd itself.
type forkSection struct {
	Block int
	Size  int
}

// forkManifest is the gob-encoded message preceding the fd batch: every
// mapping entry (so the child can rebuild its mapList without re-deriving
// it from the blocks it receives) plus which blocks are being sent.
type forkManifest struct {
	Entries  []mapEntry
	Sections []forkSection
	Brk      uint32
}

// Fork clones the VMM's entire mapping state across conn, a connected
// net.UnixConn to the already-forked child process (this method does not
// start that process; it only ships it the address space). Both
// the parent's and the child's copies of every read-write mapping are
// dropped to read-only first, so the first write on either side faults
// into HandlePageFault and duplicates the section rather than letting
// parent and child silently share live memory.
func (v *VMM) Fork(conn *net.UnixConn) error {
	seen := map[*hostpager.Section]bool{}
	var manifest forkManifest
	var fds []int

	for _, e := range v.mappings.entries {
		manifest.Entries = append(manifest.Entries, e)
		if e.prot&ProtWrite != 0 {
			if err := v.forceCOWProtect(e.low, e.high, e.prot); err != nil {
				return fmt.Errorf("vmm: fork: %w", err)
			}
		}
	}
	for b := blockIndex(AllocLow); b < blockIndex(AllocHigh-1)+1; b++ {
		blk := v.blocks[b]
		if blk == nil || seen[blk.section] {
			continue
		}
		seen[blk.section] = true
		blk.section.Ref()
		manifest.Sections = append(manifest.Sections, forkSection{Block: b, Size: BlockSize})
		fds = append(fds, blk.section.FD())
	}
	manifest.Brk = v.brk

	enc := gob.NewEncoder(connWriter{conn})
	if err := enc.Encode(manifest); err != nil {
		return fmt.Errorf("vmm: fork: encode manifest: %w", err)
	}
	rights := unix.UnixRights(fds...)
	if _, _, err := conn.WriteMsgUnix(nil, rights, nil); err != nil {
		return fmt.Errorf("vmm: fork: send section fds: %w", err)
	}
	return nil
}

// ReceiveFork is the child-side counterpart of Fork: it reads the parent's
// manifest and fd batch off conn and reconstructs an equivalent mapping
// list, mapping each received section at the same guest address the
// parent had it.
func (v *VMM) ReceiveFork(conn *net.UnixConn) error {
	var manifest forkManifest
	dec := gob.NewDecoder(connReader{conn})
	if err := dec.Decode(&manifest); err != nil {
		return fmt.Errorf("vmm: receive fork: decode manifest: %w", err)
	}

	oob := make([]byte, unix.CmsgSpace(len(manifest.Sections)*4))
	_, oobn, _, _, err := conn.ReadMsgUnix(nil, oob)
	if err != nil {
		return fmt.Errorf("vmm: receive fork: read section fds: %w", err)
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return fmt.Errorf("vmm: receive fork: parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return fmt.Errorf("vmm: receive fork: parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	if len(fds) != len(manifest.Sections) {
		return fmt.Errorf("vmm: receive fork: got %d fds, want %d", len(fds), len(manifest.Sections))
	}

	v.mappings = mapList{entries: manifest.Entries}
	v.brk = manifest.Brk
	for i, fs := range manifest.Sections {
		sec := hostpager.SectionFromFD(fds[i], fs.Size)
		sec.Ref() // the parent holds this section too
		blockLow := blockAddr(fs.Block)
		if err := v.pager.Map(sec, v.hostAddr(blockLow), BlockSize, ProtRead|ProtWrite|ProtExec); err != nil {
			return fmt.Errorf("vmm: receive fork: map block %d: %w", fs.Block, err)
		}
		pageCount := 0
		for _, e := range manifest.Entries {
			pageCount += pagesInBlock(fs.Block, e.low, e.high)
		}
		v.blocks[fs.Block] = &blockInfo{section: sec, pageCount: pageCount}
	}
	for _, fs := range manifest.Sections {
		// Every writable mapping was dropped to read-only by Fork before
		// the manifest was sent; mirror that downgrade here too, entry by
		// entry, so the first write on either side faults into
		// HandlePageFault and duplicates the now-shared section instead
		// of letting parent and child corrupt each other's memory.
		if err := v.restoreBlockProtections(fs.Block, true); err != nil {
			return fmt.Errorf("vmm: receive fork: restore protections: %w", err)
		}
	}
	return nil
}

// connWriter and connReader adapt *net.UnixConn to plain io.Writer/Reader
// so gob doesn't need to know about the control-message side channel.
type connWriter struct{ c *net.UnixConn }

func (w connWriter) Write(p []byte) (int, error) { return w.c.Write(p) }

type connReader struct{ c *net.UnixConn }

func (r connReader) Read(p []byte) (int, error) { return r.c.Read(p) }
