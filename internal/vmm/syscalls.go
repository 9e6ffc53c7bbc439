// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

import "golang.org/x/sys/unix"

// mmap flag bits, matching the Linux x86 ABI the guest programs against.
const (
	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

// prot bits, matching PROT_READ/WRITE/EXEC.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

func guestProt(p uint32) Prot {
	var out Prot
	if p&protRead != 0 {
		out |= ProtRead
	}
	if p&protWrite != 0 {
		out |= ProtWrite
	}
	if p&protExec != 0 {
		out |= ProtExec
	}
	return out
}

// errnoOf turns an internal error into the negative Linux errno sys_*
// wrappers are expected to return, the same convention syscall_handler
// uses for every other guest syscall.
func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	return -int32(unix.EINVAL)
}

// SysMmap2 implements the mmap2(2) ABI: offset is in PageSize units. Only
// MAP_ANONYMOUS mappings are supported; a file-backed request is rejected,
// since this VMM never demand-pages from a host file.
func (v *VMM) SysMmap2(addr, length, prot, flags uint32, fd int32, pgoffset uint32) (uint32, int32) {
	if flags&mapAnonymous == 0 {
		return 0, -int32(unix.ENODEV)
	}
	fixed := flags&mapFixed != 0
	base, err := v.Mmap(addr, length, guestProt(prot), fixed)
	if err != nil {
		return 0, errnoOf(err)
	}
	return base, 0
}

// SysMmap implements the original mmap(2) ABI, whose offset argument is
// in bytes rather than pages.
func (v *VMM) SysMmap(addr, length, prot, flags uint32, fd int32, offset uint32) (uint32, int32) {
	return v.SysMmap2(addr, length, prot, flags, fd, offset/PageSize)
}

// mmapArg mirrors the six-word argument block the old, single-register
// mmap(2) syscall (sys_old_mmap) reads out of guest memory, rather than
// taking its arguments in registers.
type mmapArg struct {
	Addr, Len, Prot, Flags, FD, Offset uint32
}

// SysOldMmap implements the legacy single-argument mmap ABI: args has
// already been read out of guest memory by the caller (via GuestMemory),
// since this package has no access to the guest's address space itself.
func (v *VMM) SysOldMmap(args mmapArg) (uint32, int32) {
	return v.SysMmap(args.Addr, args.Len, args.Prot, args.Flags, int32(args.FD), args.Offset)
}

// SysMunmap implements munmap(2).
func (v *VMM) SysMunmap(addr, length uint32) int32 {
	if err := v.Munmap(addr, length); err != nil {
		return errnoOf(err)
	}
	return 0
}

// SysMprotect implements mprotect(2).
func (v *VMM) SysMprotect(addr, length, prot uint32) int32 {
	if err := v.Mprotect(addr, length, guestProt(prot)); err != nil {
		return errnoOf(err)
	}
	return 0
}

// SysBrk implements brk(2), whose ABI quirk is returning the resulting
// break even on failure rather than a negative errno.
func (v *VMM) SysBrk(newBrk uint32) uint32 {
	result, _ := v.Brk(newBrk)
	return result
}

// threadAreaArg mirrors the fields of struct user_desc that
// set_thread_area(2) cares about here, already read out of guest memory by
// the caller. EntryNumber of 0xffffffff asks the kernel to pick a free
// slot and report which one it chose, the same convention glibc's TLS setup
// relies on at thread creation.
type threadAreaArg struct {
	EntryNumber uint32
	BaseAddr    uint32
}

const tlsAutoEntry = 0xffffffff

// SysSetThreadArea implements set_thread_area(2)'s slot-allocation half:
// picking which GDT-style slot a new thread's descriptor occupies. It has
// nothing to do with the base address itself, or with installing the
// descriptor into the host's real GDT/FS base, which belongs to tls_* and
// the thread-creation path outside this package; this only hands back the
// slot number the translator's MOV_TO_SEG emulation later resolves through
// Stubs.TLSSlotToOffset. Called with no allocator installed, it reports
// ENOSYS rather than fabricate a slot nothing backs.
func (v *VMM) SysSetThreadArea(arg threadAreaArg) (entryNumber uint32, errno int32) {
	if arg.EntryNumber != tlsAutoEntry {
		return arg.EntryNumber, 0
	}
	if v.tlsAlloc == nil {
		return 0, -int32(unix.ENOSYS)
	}
	slot, err := v.tlsAlloc.AllocSlot()
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(slot), 0
}

// SysMsync, SysMlock and SysMunlock are no-ops: this VMM has no writeback
// destination to flush and no real paging to resist, so there is nothing
// for any of the three to meaningfully do. Guest programs that call them
// only need to see success, not an ENOSYS that would otherwise make them
// believe something is actually wrong.
func (v *VMM) SysMsync(addr, length, flags uint32) int32 { return 0 }
func (v *VMM) SysMlock(addr, length uint32) int32        { return 0 }
func (v *VMM) SysMunlock(addr, length uint32) int32       { return 0 }
