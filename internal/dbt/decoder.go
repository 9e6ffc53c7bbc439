// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import (
	"fmt"

	"github.com/dbtcore/x86dbt/arch"
)

// Kind classifies a decoded instruction by the translation strategy it
// needs. KindJcc is a base value; the 16 condition codes are
// KindJcc+0 .. KindJcc+15, matching the two-byte Jcc opcode range
// 0x80-0x8F.
type Kind int

const (
	KindNormal Kind = iota
	KindCallDirect
	KindCallIndirect
	KindRet
	KindRetn
	KindJmpDirect
	KindJmpIndirect
	KindJccRel8 // LOOP/LOOPE/LOOPNE/JCXZ family
	KindInt
	KindMovFromSeg
	KindMovToSeg
	KindExtension // dispatches through Ext[r]
	KindUnknown
	KindInvalid
	KindPrivileged
	KindUnsupported
	KindJcc // +0..+15 for the condition code, see Jcc()
)

// Jcc returns the descriptor kind for condition code cc (0-15).
func Jcc(cc int) Kind { return KindJcc + Kind(cc) }

// CondOf extracts the condition code from a Kind produced by Jcc, or -1.
func CondOf(k Kind) int {
	if k < KindJcc {
		return -1
	}
	return int(k - KindJcc)
}

// PrefixOperandSize is the ImmBytes sentinel meaning "2 bytes under the
// 0x66 operand-size prefix, 4 bytes otherwise".
const PrefixOperandSize = -1

// Desc is one entry of the one-byte or two-byte opcode table: everything
// the decoder and translator need to know about an opcode without
// inspecting the bytes that follow it.
type Desc struct {
	Kind      Kind
	HasModRM  bool
	ImmBytes  int // literal count, or PrefixOperandSize
	ReadRegs  uint32
	WriteRegs uint32
	Ext       [8]*Desc // used when Kind == KindExtension, indexed by ModR/M.reg
}

var (
	oneByteTable [256]*Desc
	twoByteTable [256]*Desc
)

// Inst is a single decoded instruction.
type Inst struct {
	Escape0F    bool
	Opcode      byte
	OpsizePfx   byte // 0x66 or 0
	RepPfx      byte // 0xF2, 0xF3, or 0
	R           int  // -1 if no ModR/M
	RM          RM
	HasModRM    bool
	ImmBytes    int
	Imm         []byte // raw immediate bytes, exactly ImmBytes long
	Desc        *Desc
	Len         int // total encoded length, including prefixes
}

// fatalPrefixes are prefix bytes the translator refuses to handle: LOCK,
// every segment override (the translator reserves fs-prefixed access for
// its own TLS emulation), and the address-size override.
var fatalPrefixes = map[byte]string{
	0xF0: "LOCK prefix",
	0x2E: "CS segment override",
	0x36: "SS segment override",
	0x3E: "DS segment override",
	0x26: "ES segment override",
	0x64: "FS segment override",
	0x65: "GS segment override",
	0x67: "address size prefix",
}

// FatalError reports an instruction the translator refuses to translate:
// an unsupported prefix, or an opcode classified Unknown, Invalid,
// Privileged, or Unsupported.
type FatalError struct {
	PC     uint32
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dbt: fatal decode error at pc=%#x: %s", e.PC, e.Reason)
}

// reader walks guest bytes starting at a base guest address.
type reader struct {
	mem  GuestMemory
	base uint32
	pos  uint32
}

func (r *reader) u8() byte {
	b := r.mem.ReadByte(r.base + r.pos)
	r.pos++
	return b
}

func (r *reader) bytes(n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = r.u8()
	}
	return b
}

func (r *reader) i8() int32  { return int32(int8(r.u8())) }
func (r *reader) i16() int32 {
	b := r.bytes(2)
	return int32(int16(uint16(b[0]) | uint16(b[1])<<8))
}
func (r *reader) i32() int32 {
	b := r.bytes(4)
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func (r *reader) rel(n int) int32 {
	switch n {
	case 1:
		return r.i8()
	case 2:
		return r.i16()
	default:
		return r.i32()
	}
}

// GuestMemory is the interface the decoder reads guest instruction bytes
// through. The VMM (or a test fake) implements it.
type GuestMemory interface {
	ReadByte(addr uint32) byte
}

// decode parses one instruction starting at pc.
func decode(mem GuestMemory, pc uint32) (Inst, error) {
	r := &reader{mem: mem, base: pc}
	var ins Inst

prefixes:
	for {
		b := r.u8()
		if reason, bad := fatalPrefixes[b]; bad {
			return ins, &FatalError{PC: pc, Reason: reason}
		}
		switch b {
		case 0xF2, 0xF3:
			ins.RepPfx = b
			continue prefixes
		case 0x66:
			ins.OpsizePfx = b
			continue prefixes
		}
		ins.Opcode = b
		break
	}

	var table *[256]*Desc = &oneByteTable
	if ins.Opcode == 0x0F {
		ins.Escape0F = true
		ins.Opcode = r.u8()
		table = &twoByteTable
	}
	desc := table[ins.Opcode]
	if desc == nil {
		return ins, &FatalError{PC: pc, Reason: "unknown opcode"}
	}

	if desc.HasModRM {
		parseModRM(r, &ins.R, &ins.RM)
		ins.HasModRM = true
	} else {
		ins.R = -1
		ins.RM = RM{Base: -1, Index: -1}
	}

	for desc.Kind == KindExtension {
		sub := desc.Ext[ins.R]
		if sub == nil {
			return ins, &FatalError{PC: pc, Reason: "unknown extension opcode"}
		}
		desc = sub
	}

	switch desc.Kind {
	case KindUnknown:
		return ins, &FatalError{PC: pc, Reason: "unknown opcode"}
	case KindInvalid:
		return ins, &FatalError{PC: pc, Reason: "invalid opcode"}
	case KindPrivileged:
		return ins, &FatalError{PC: pc, Reason: "privileged opcode"}
	case KindUnsupported:
		return ins, &FatalError{PC: pc, Reason: "unsupported opcode"}
	}

	immBytes := desc.ImmBytes
	if immBytes == PrefixOperandSize {
		if ins.OpsizePfx != 0 {
			immBytes = 2
		} else {
			immBytes = 4
		}
	}
	ins.ImmBytes = immBytes
	ins.Imm = r.bytes(immBytes)
	ins.Desc = desc
	ins.Len = int(r.pos)
	return ins, nil
}

// parseModRM parses the ModR/M byte and, if present, the SIB byte and
// displacement that follow it.
func parseModRM(r *reader, rOut *int, rm *RM) {
	b := r.u8()
	mod := int(b >> 6)
	*rOut = int(b >> 3 & 7)
	rmField := int(b & 7)

	if mod == 3 {
		*rm = RM{Base: rmField, Index: -1, Flags: ModRMRegister}
		return
	}

	*rm = RM{Index: -1}
	if rmField == 4 {
		sib := r.u8()
		scale := sib >> 6
		index := int(sib >> 3 & 7)
		base := int(sib & 7)
		rm.Scale = scale
		if index != 4 {
			rm.Index = index
		}
		if base == 5 && mod == 0 {
			rm.Base = -1
			mod = 2 // disp32 follows, no base
		} else {
			rm.Base = base
		}
	} else {
		if mod == 0 && rmField == 5 {
			rm.Base = -1
			rm.Disp = r.i32()
			return
		}
		rm.Base = rmField
	}

	switch mod {
	case 1:
		rm.Disp = r.i8()
	case 2:
		rm.Disp = r.i32()
	default:
		rm.Disp = 0
	}
}

// usedRegisters returns the bitmask of registers already spoken for by
// this instruction: the descriptor's static read/write sets plus whatever
// registers R/RM.Base/RM.Index decode to.
func usedRegisters(ins *Inst) uint32 {
	used := ins.Desc.ReadRegs | ins.Desc.WriteRegs
	if ins.R >= 0 {
		used |= arch.Mask(ins.R)
	}
	used |= arch.Mask(ins.RM.Base)
	used |= arch.Mask(ins.RM.Index)
	return used
}

// registerPickFailure is the panic value raised when no scratch register
// is available. An instruction touching all six scratch registers plus
// needing one more cannot be expressed by this translator's encodings;
// it is a translator bug, not a guest error, so it panics rather than
// threading an error return through every emit helper. Translate is the
// sole recover point, and converts it into a FatalError.
type registerPickFailure struct {
	opcode byte
}

// findUnusedRegister picks a scratch register not touched by ins. It
// never returns ESP or EBP. It panics (see registerPickFailure) if every
// scratch register is already spoken for.
func findUnusedRegister(ins *Inst) int {
	used := usedRegisters(ins)
	for _, r := range arch.ScratchRegs {
		if used&arch.Mask(int(r)) == 0 {
			return int(r)
		}
	}
	panic(registerPickFailure{opcode: ins.Opcode})
}
