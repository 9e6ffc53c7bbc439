// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import (
	"encoding/binary"
	"unsafe"
)

// Dispatcher ties a code cache to the guest memory and register state it
// translates against. It is what the native FindDirect/FindIndirect stubs
// call back into: given a guest PC (and, for FindDirect, the trampoline
// site to patch), produce the host address execution should continue at,
// translating on demand. This package never jumps through that address
// itself; producing it is as far as pure Go code can safely go without
// the out-of-process native entry points named in Stubs.
type Dispatcher struct {
	Pool  *Pool
	Mem   GuestMemory
	Stubs Stubs
}

// NewDispatcher builds a Dispatcher over an already-constructed pool.
func NewDispatcher(pool *Pool, mem GuestMemory, stubs Stubs) *Dispatcher {
	return &Dispatcher{Pool: pool, Mem: mem, Stubs: stubs}
}

// FindNext returns the host entry address for guestPC's translated block,
// translating it first if this is the first visit (or the cache was
// flushed since the last one). This is what a RET/CALL_INDIRECT/JMP_INDIRECT
// site calls through FindIndirect.
func (d *Dispatcher) FindNext(guestPC uint32) (uintptr, error) {
	if blk, ok := d.Pool.Find(guestPC); ok {
		return addrOf(d.Pool.Cache(), blk.CacheStart), nil
	}
	start, err := Translate(d.Pool, d.Mem, d.Stubs, guestPC)
	if err != nil {
		return 0, err
	}
	return addrOf(d.Pool.Cache(), start), nil
}

// FindDirect is what a cold direct-branch trampoline calls through
// Stubs.FindDirect: it (re)translates guestPC, overwrites the rel32 field
// at patchAddr so the branch that led to the trampoline targets the
// translation directly on every later visit, and returns the
// translation's host address for the trampoline to fall into right now.
// patchAddr is the host address of that branch's displacement field
// itself, as produced by directTarget/addrOf, not the start of the
// branch instruction.
func (d *Dispatcher) FindDirect(guestPC uint32, patchAddr uintptr) (uintptr, error) {
	dest, err := d.FindNext(guestPC)
	if err != nil {
		return 0, err
	}
	rel := int32(int64(dest) - int64(patchAddr) - PatchSize)
	field := unsafe.Slice((*byte)(unsafe.Pointer(patchAddr)), PatchSize)
	binary.LittleEndian.PutUint32(field, uint32(rel))
	return dest, nil
}
