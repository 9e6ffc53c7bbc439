// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

import "unsafe"

// bytesAt views size bytes of already-mapped guest memory starting at the
// host address guestAddr corresponds to, for direct host-process access
// to guest pages (the host and guest share an address space here; there
// is no copy_to_user/copy_from_user boundary to cross).
func (v *VMM) bytesAt(guestAddr uint32, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v.hostAddr(guestAddr))), size)
}

// ReadByte implements dbt.GuestMemory, letting the translator decode
// guest instructions directly out of the mapped arena.
func (v *VMM) ReadByte(addr uint32) byte {
	return v.bytesAt(addr, 1)[0]
}

// WriteGuest copies buf into guest memory starting at addr, which must
// already be mapped writable (the loader uses this to populate a
// segment's initial contents right after mapping it).
func (v *VMM) WriteGuest(addr uint32, buf []byte) error {
	copy(v.bytesAt(addr, len(buf)), buf)
	return nil
}

// ReadGuest copies len(buf) bytes of guest memory starting at addr into buf.
func (v *VMM) ReadGuest(addr uint32, buf []byte) error {
	copy(buf, v.bytesAt(addr, len(buf)))
	return nil
}
