// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loader brings a 32-bit x86 Linux-ABI ELF executable up inside a
// guest address space: it maps every PT_LOAD segment and reports the
// entry point, program headers location, and initial break the guest's
// startup code and auxiliary vector need.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dbtcore/x86dbt/internal/vmm"
)

// Image describes a loaded executable's layout: its entry point, program
// header location, and initial heap break, the pieces a guest's startup
// code and auxiliary vector construction need.
type Image struct {
	Entry      uint32
	PHOff      uint32
	PHEntSize  uint16
	PHNum      uint16
	BrkStart   uint32 // first address past the last PT_LOAD segment
	Interp     string // PT_INTERP path, if any
}

// Load maps every PT_LOAD segment of f into v and returns the resulting
// Image. f must be a 32-bit, little-endian, EM_386 executable; anything
// else is rejected rather than silently mis-mapped.
func Load(v *vmm.VMM, f *os.File) (Image, error) {
	e, err := elf.NewFile(f)
	if err != nil {
		return Image{}, fmt.Errorf("loader: %w", err)
	}
	if e.Class != elf.ELFCLASS32 {
		return Image{}, fmt.Errorf("loader: only 32-bit executables are supported, got %s", e.Class)
	}
	if e.Data != elf.ELFDATA2LSB {
		return Image{}, fmt.Errorf("loader: only little-endian executables are supported, got %s", e.Data)
	}
	if e.Machine != elf.EM_386 {
		return Image{}, fmt.Errorf("loader: only EM_386 executables are supported, got %s", e.Machine)
	}
	if e.Type != elf.ET_EXEC && e.Type != elf.ET_DYN {
		return Image{}, fmt.Errorf("loader: unsupported ELF type %s", e.Type)
	}

	img := Image{Entry: uint32(e.Entry)}
	for _, prog := range e.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if err := loadSegment(v, f, prog); err != nil {
				return Image{}, err
			}
			end := uint32(prog.Vaddr + prog.Memsz)
			if end > img.BrkStart {
				img.BrkStart = end
			}
		case elf.PT_INTERP:
			buf := make([]byte, prog.Filesz)
			if _, err := f.ReadAt(buf, int64(prog.Off)); err != nil {
				return Image{}, fmt.Errorf("loader: read PT_INTERP: %w", err)
			}
			img.Interp = trimNUL(buf)
		case elf.PT_PHDR:
			img.PHOff = uint32(prog.Vaddr)
		}
	}
	phOff, phEntSize, err := readElfHeaderPhInfo(f, e.ByteOrder)
	if err != nil {
		return Image{}, err
	}
	if img.PHOff == 0 {
		// No PT_PHDR segment (common for statically linked, non-PIE
		// binaries): derive where the headers live in the first loaded
		// segment the same way the kernel's own loader does.
		img.PHOff = phOff + loadBaseOf(e)
	}
	img.PHEntSize = phEntSize
	img.PHNum = uint16(len(e.Progs))
	img.BrkStart = vmmPageAlignUp(img.BrkStart)
	return img, nil
}

// loadSegment maps one PT_LOAD program header's data into v, splitting
// off a zero-filled tail mapping for the portion Memsz exceeds Filesz by
// (the BSS).
func loadSegment(v *vmm.VMM, f *os.File, prog *elf.Prog) error {
	prot := segmentProt(prog.Flags)
	if prot == 0 {
		return nil
	}
	min := uint32(prog.Vaddr)
	fileEnd := min + uint32(prog.Filesz)

	if prog.Filesz > 0 {
		addr, err := v.Mmap(min, uint32(prog.Filesz), vmm.ProtRead|vmm.ProtWrite, true)
		if err != nil {
			return fmt.Errorf("loader: map segment at %#x: %w", min, err)
		}
		buf := make([]byte, prog.Filesz)
		if _, err := f.ReadAt(buf, int64(prog.Off)); err != nil {
			return fmt.Errorf("loader: read segment: %w", err)
		}
		if err := v.WriteGuest(addr, buf); err != nil {
			return fmt.Errorf("loader: write segment into guest memory: %w", err)
		}
		if prot&vmm.ProtWrite == 0 {
			if err := v.Mprotect(addr, uint32(prog.Filesz), prot); err != nil {
				return fmt.Errorf("loader: restore segment protection: %w", err)
			}
		}
	}
	if prog.Memsz > prog.Filesz {
		// BSS: zero-filled, not backed by the file at all.
		bssStart := fileEnd
		bssEnd := uint32(prog.Vaddr + prog.Memsz)
		if _, err := v.Mmap(bssStart, bssEnd-bssStart, prot, true); err != nil {
			return fmt.Errorf("loader: map bss at %#x: %w", bssStart, err)
		}
	}
	return nil
}

func segmentProt(flags elf.ProgFlag) vmm.Prot {
	var p vmm.Prot
	if flags&elf.PF_R != 0 {
		p |= vmm.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= vmm.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= vmm.ProtExec
	}
	return p
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func loadBaseOf(e *elf.File) uint32 {
	var lowest uint64 = 1<<64 - 1
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < lowest {
			lowest = prog.Vaddr
		}
	}
	if lowest == 1<<64-1 {
		return 0
	}
	return uint32(lowest)
}

func vmmPageAlignUp(addr uint32) uint32 { return (addr + vmm.PageSize - 1) &^ (vmm.PageSize - 1) }

// readElfHeaderPhInfo reads e_phoff and e_phentsize directly out of the raw
// ELF32 file header, since debug/elf does not expose them on elf.File.
func readElfHeaderPhInfo(f *os.File, order binary.ByteOrder) (uint32, uint16, error) {
	var hdr [48]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, 0, fmt.Errorf("loader: read ELF header: %w", err)
	}
	phOff := order.Uint32(hdr[28:32])
	phEntSize := order.Uint16(hdr[42:44])
	return phOff, phEntSize, nil
}
