// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hostpager abstracts the handful of host virtual-memory
// primitives the VMM needs — reserve an address range, create a
// shareable section, map/unmap/protect it, duplicate it on copy-on-write
// fault — behind a small capability interface, so internal/vmm's mapping
// logic never calls those host primitives itself (internal/vmm still
// imports golang.org/x/sys/unix, for errno values and fork's fd passing).
package hostpager

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Prot is the guest-visible protection bitmask: R/W/X.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) String() string {
	var parts []string
	if p&ProtRead != 0 {
		parts = append(parts, "r")
	}
	if p&ProtWrite != 0 {
		parts = append(parts, "w")
	}
	if p&ProtExec != 0 {
		parts = append(parts, "x")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "")
}

// unixProt translates Prot into the unix.PROT_* flags mmap/mprotect
// expect. On this host the mapping is the identity one (the guest and
// host share the same protection bit meanings), but it is centralized
// here, not inlined at every call site, so a host whose primitives don't
// line up this neatly only needs this function rewritten.
func unixProt(p Prot) int {
	var f int
	if p&ProtRead != 0 {
		f |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		f |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		f |= unix.PROT_EXEC
	}
	return f
}

// Section is a shareable, memfd-backed span of host memory: the
// equivalent of an NtCreateSection handle. Multiple VMM contexts (parent
// and child, after Fork) can hold a reference to the same Section; the
// reference count is this package's answer to NtQueryObject's
// HandleCount, which Linux has no portable equivalent for.
type Section struct {
	fd   int
	size int
	refs int32
}

// Ref increments the section's owner count, once for each further process
// that maps it; the creator's reference already comes with NewSection or
// SectionFromFD.
func (s *Section) Ref() { atomic.AddInt32(&s.refs, 1) }

// Unref decrements the owner count and returns what remains.
func (s *Section) Unref() int32 { return atomic.AddInt32(&s.refs, -1) }

// Owners reports the current owner count; the fault handler duplicates
// on write fault whenever this is greater than 1.
func (s *Section) Owners() int32 { return atomic.LoadInt32(&s.refs) }

// FD exposes the underlying memfd, e.g. for passing across a fork boundary
// via SCM_RIGHTS.
func (s *Section) FD() int { return s.fd }

// SectionFromFD wraps an fd received over SCM_RIGHTS (e.g. by the child
// side of a fork) as a Section with one owner reference.
func SectionFromFD(fd int, size int) *Section {
	return &Section{fd: fd, size: size, refs: 1}
}

// HostPager is the capability interface standing in for every
// VirtualAlloc/VirtualProtect/NtCreateSection/NtMapViewOfSection/
// NtUnmapViewOfSection/NtQueryObject/CopyMemory use the VMM would
// otherwise make directly, so the mapping logic in internal/vmm never
// changes when the host does.
type HostPager interface {
	// Reserve carves out size bytes of host address space with no
	// access, establishing the arena guest addresses are offset into.
	// VMM.Init calls it once per VMM.
	Reserve(size int) (base uintptr, err error)

	// NewSection creates a fresh shareable section of size bytes, with
	// one owner reference already held by the caller.
	NewSection(size int) (*Section, error)

	// DuplicateSection creates a new section of the same size and
	// copies src's current contents into it, for the copy-on-write
	// fault path. The returned section has one owner reference.
	DuplicateSection(src *Section, size int) (*Section, error)

	// Map establishes sec at hostAddr with the given protection. hostAddr
	// must fall within the range returned by Reserve.
	Map(sec *Section, hostAddr uintptr, size int, prot Prot) error

	// Unmap removes whatever mapping (if any) covers [hostAddr, hostAddr+size).
	Unmap(hostAddr uintptr, size int) error

	// Protect changes the protection of an already-mapped range.
	Protect(hostAddr uintptr, size int, prot Prot) error

	// Close drops the caller's reference to sec, releasing host
	// resources once the last reference is gone.
	Close(sec *Section) error
}

// Linux is the HostPager implementation for this host: mmap/mprotect/
// memfd_create/munmap/close from golang.org/x/sys/unix standing in for
// VirtualAlloc/VirtualProtect/NtCreateSection/NtMapViewOfSection/
// NtUnmapViewOfSection/NtQueryObject/CopyMemory.
type Linux struct{}

// bytesAt builds a slice header over an arbitrary, already-mapped host
// address, purely so golang.org/x/sys/unix's []byte-based helpers
// (Munmap, Mprotect) can operate on memory this package did not allocate
// as a Go slice.
func bytesAt(hostAddr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), size)
}

func (Linux) Reserve(size int) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("hostpager: reserve %d bytes: %w", size, err)
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

func (Linux) NewSection(size int) (*Section, error) {
	fd, err := unix.MemfdCreate("x86dbt-block", 0)
	if err != nil {
		return nil, fmt.Errorf("hostpager: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostpager: ftruncate: %w", err)
	}
	return &Section{fd: fd, size: size, refs: 1}, nil
}

func (l Linux) DuplicateSection(src *Section, size int) (*Section, error) {
	dst, err := l.NewSection(size)
	if err != nil {
		return nil, err
	}
	srcMap, err := unix.Mmap(src.fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		l.Close(dst)
		return nil, fmt.Errorf("hostpager: map source section for copy: %w", err)
	}
	defer unix.Munmap(srcMap)

	dstMap, err := unix.Mmap(dst.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		l.Close(dst)
		return nil, fmt.Errorf("hostpager: map destination section for copy: %w", err)
	}
	copy(dstMap, srcMap)
	unix.Munmap(dstMap)
	return dst, nil
}

// Map needs a fixed destination address, which golang.org/x/sys/unix's
// Mmap helper has no way to request; it always asks the kernel to pick.
// Go directly to the mmap(2) syscall instead, the same way the ptrace
// demo goes directly to ptrace(2) rather than through a higher-level
// wrapper.
func (Linux) Map(sec *Section, hostAddr uintptr, size int, prot Prot) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, hostAddr, uintptr(size),
		uintptr(unixProt(prot)), uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(sec.fd), 0)
	if errno != 0 {
		return fmt.Errorf("hostpager: map section at %#x: %w", hostAddr, errno)
	}
	return nil
}

func (Linux) Unmap(hostAddr uintptr, size int) error {
	b := bytesAt(hostAddr, size)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("hostpager: unmap %#x: %w", hostAddr, err)
	}
	return nil
}

func (Linux) Protect(hostAddr uintptr, size int, prot Prot) error {
	b := bytesAt(hostAddr, size)
	if err := unix.Mprotect(b, unixProt(prot)); err != nil {
		return fmt.Errorf("hostpager: mprotect %#x: %w", hostAddr, err)
	}
	return nil
}

func (Linux) Close(sec *Section) error {
	if sec.Unref() > 0 {
		return nil
	}
	return unix.Close(sec.fd)
}
