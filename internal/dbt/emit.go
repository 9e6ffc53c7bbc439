// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import (
	"encoding/binary"
	"unsafe"
)

// ModRMFlag marks a decoded/generated ModR/M operand as a pure register
// (mod==3), as opposed to a memory operand.
type ModRMFlag uint8

const (
	ModRMMemory ModRMFlag = iota
	ModRMRegister
)

// RM is the decoded/to-be-generated addressing form carried in a ModR/M
// (+ optional SIB) byte pair. Translated instructions regenerate their
// operand encoding from a decoded RM rather than copying raw bytes.
// Base/Index of -1 means "absent" (disp32-only or scaled-index-only
// addressing).
type RM struct {
	Base, Index int
	Scale       uint8
	Disp        int32
	Flags       ModRMFlag
}

func RMReg(r int) RM { return RM{Base: r, Index: -1, Flags: ModRMRegister} }
func RMDisp(disp int32) RM { return RM{Base: -1, Index: -1, Disp: disp} }
func RMMem(base int, disp int32) RM { return RM{Base: base, Index: -1, Disp: disp} }
func RMScaled(base, index int, scale uint8, disp int32) RM {
	return RM{Base: base, Index: index, Scale: scale, Disp: disp}
}

// emitter is a bump-allocating byte writer over a fixed buffer, in the
// same spirit as a raw uint8_t* cursor but index-based since Go code must
// not hold raw pointers into a slice across growth.
type emitter struct {
	buf []byte
	pos int
}

func (e *emitter) byte(b byte) {
	e.buf[e.pos] = b
	e.pos++
}

func (e *emitter) word(w uint16) {
	binary.LittleEndian.PutUint16(e.buf[e.pos:], w)
	e.pos += 2
}

func (e *emitter) dword(d uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.pos:], d)
	e.pos += 4
}

func (e *emitter) copy(b []byte) {
	e.pos += copy(e.buf[e.pos:], b)
}

func (e *emitter) modrm(mod, r, rm int) {
	e.byte(byte(mod<<6 | (r&7)<<3 | (rm & 7)))
}

func (e *emitter) sib(base, index int, scale uint8) {
	e.byte(byte(int(scale)<<6 | (index&7)<<3 | (base & 7)))
}

// modrmSIB emits the ModR/M byte (and SIB/displacement if needed) encoding
// register r against operand rm, covering each x86 addressing case: pure
// register, disp32-only, scaled-index + disp32, SIB required (ESP base or
// a scaled index present), or a plain base+disp32.
func (e *emitter) modrmSIB(r int, rm RM) {
	if rm.Flags == ModRMRegister {
		e.modrm(3, r, rm.Base)
		return
	}
	switch {
	case rm.Base == -1 && rm.Index == -1:
		e.modrm(0, r, 5)
		e.dword(uint32(rm.Disp))
	case rm.Base == -1:
		e.modrm(0, r, 4)
		e.sib(5, rm.Index, rm.Scale)
		e.dword(uint32(rm.Disp))
	case rm.Base == 4 || rm.Index != -1:
		e.modrm(2, r, 4)
		index := rm.Index
		if index == -1 {
			index = 4
		}
		e.sib(rm.Base, index, rm.Scale)
		e.dword(uint32(rm.Disp))
	default:
		e.modrm(2, r, rm.Base)
		e.dword(uint32(rm.Disp))
	}
}

func (e *emitter) fsPrefix() { e.byte(0x64) }

func (e *emitter) movRRM32(r int, rm RM) { e.byte(0x8B); e.modrmSIB(r, rm) }
func (e *emitter) movRMR32(rm RM, r int) { e.byte(0x89); e.modrmSIB(r, rm) }
func (e *emitter) shrRM32(rm RM, imm8 uint8) {
	e.byte(0xC1)
	e.modrmSIB(5, rm)
	e.byte(imm8)
}
func (e *emitter) lea(r int, rm RM) { e.byte(0x8D); e.modrmSIB(r, rm) }
func (e *emitter) popfd()           { e.byte(0x9D) }
func (e *emitter) pushfd()          { e.byte(0x9C) }
func (e *emitter) popRM(rm RM)      { e.byte(0x8F); e.modrmSIB(0, rm) }
func (e *emitter) pushRM(rm RM)     { e.byte(0xFF); e.modrmSIB(6, rm) }
func (e *emitter) pushImm32(imm uint32) {
	e.byte(0x68)
	e.dword(imm)
}

// addRMImm32 emits ADD rm, imm32 (opcode 0x81 /0).
func (e *emitter) addRMImm32(rm RM, imm uint32) {
	e.byte(0x81)
	e.modrmSIB(0, rm)
	e.dword(imm)
}

// addrOf returns the absolute host address of offset i within buf. This is
// the address that relative call/jmp displacements are computed against;
// it is never dereferenced by this package. The code cache is only ever
// entered by the native dispatch stubs this package hands addresses to,
// not by any code running inside the Go process.
func addrOf(buf []byte, i int) uintptr {
	if i == len(buf) {
		// Pinned only for arithmetic; never dereferenced at this offset.
		return uintptr(unsafe.Pointer(&buf[i-1])) + 1
	}
	return uintptr(unsafe.Pointer(&buf[i]))
}

// call emits a near CALL rel32 to the absolute address dest.
func (e *emitter) call(dest uintptr) {
	self := addrOf(e.buf, e.pos)
	rel := int32(int64(dest) - int64(self) - 5)
	e.byte(0xE8)
	e.dword(uint32(rel))
}

// jmp emits a near JMP rel32 to the absolute address dest.
func (e *emitter) jmp(dest uintptr) {
	self := addrOf(e.buf, e.pos)
	rel := int32(int64(dest) - int64(self) - 5)
	e.byte(0xE9)
	e.dword(uint32(rel))
}

// jcc emits a two-byte Jcc rel32 (0F 8x) to the absolute address dest.
func (e *emitter) jcc(cond int, dest uintptr) {
	self := addrOf(e.buf, e.pos)
	rel := int32(int64(dest) - int64(self) - 6)
	e.byte(0x0F)
	e.byte(byte(0x80 + cond))
	e.dword(uint32(rel))
}
