// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

// TLSAllocator is the thread-local-storage slot allocator the VMM
// consumes when a guest thread is created: it never manages TLS slots
// itself, only the page(s) backing them.
type TLSAllocator interface {
	AllocSlot() (int, error)
	SlotToOffset(slot int) uint32
}

// FileReader is the narrow slice of a guest file descriptor's op_vtable
// (a pread) that a file-backed mapping would read through. No code in
// this package calls FileReader or VFS: file-backed mmap is not
// supported, and SysMmap2 rejects every request without MAP_ANONYMOUS.
type FileReader interface {
	Pread(buf []byte, offset int64) (int, error)
}

// VFS resolves a guest fd to the FileReader backing it and releases the
// reference once the VMM is done with it, mirroring vfs_get/vfs_release.
type VFS interface {
	Get(fd int32) (FileReader, error)
	Release(fd int32)
}
