// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import "github.com/dbtcore/x86dbt/arch"

// normal is a convenience constructor for the common case: a plain
// register/memory instruction the translator re-emits unchanged.
func normal(hasModRM bool, immBytes int) *Desc {
	return &Desc{Kind: KindNormal, HasModRM: hasModRM, ImmBytes: immBytes}
}

func regDesc(kind Kind, r arch.Reg, reads, writes bool) *Desc {
	d := &Desc{Kind: kind}
	if reads {
		d.ReadRegs |= arch.Mask(int(r))
	}
	if writes {
		d.WriteRegs |= arch.Mask(int(r))
	}
	return d
}

func init() {
	initOneByteTable()
	initTwoByteTable()
}

// initOneByteTable fills the subset of the one-byte opcode space the
// translator understands. Anything left nil decodes as KindUnknown, which
// is a fatal, block-ending condition (see decode).
func initOneByteTable() {
	t := &oneByteTable

	// Arithmetic group: ADD, OR, ADC, SBB, AND, SUB, XOR, CMP, each at a
	// base opcode 8 apart with the same six encodings.
	for _, base := range []byte{0x00, 0x08, 0x10, 0x18, 0x20, 0x28, 0x30, 0x38} {
		t[base+0] = normal(true, 0)               // Eb, Gb
		t[base+1] = normal(true, 0)               // Ev, Gv
		t[base+2] = normal(true, 0)               // Gb, Eb
		t[base+3] = normal(true, 0)               // Gv, Ev
		t[base+4] = regDesc(KindNormal, arch.EAX, true, true) // AL, Ib
		t[base+4].ImmBytes = 1
		t[base+5] = regDesc(KindNormal, arch.EAX, true, true) // eAX, Iz
		t[base+5].ImmBytes = PrefixOperandSize
		t[base+6] = &Desc{Kind: KindUnsupported} // PUSH/POP segment register
		t[base+7] = &Desc{Kind: KindUnsupported}
	}

	for i := arch.Reg(0); i < arch.NumRegs; i++ {
		t[0x40+byte(i)] = regDesc(KindNormal, i, true, true)  // INC r32
		t[0x48+byte(i)] = regDesc(KindNormal, i, true, true)  // DEC r32
		t[0x50+byte(i)] = regDesc(KindNormal, i, true, false) // PUSH r32
		t[0x58+byte(i)] = regDesc(KindNormal, i, false, true) // POP r32
	}

	t[0x68] = normal(false, 4) // PUSH Iz
	t[0x6A] = normal(false, 1) // PUSH Ib

	for cc := 0; cc < 16; cc++ {
		t[0x70+byte(cc)] = &Desc{Kind: Jcc(cc), ImmBytes: 1} // Jcc rel8
	}

	// Group1: immediate arithmetic, sub-opcode selects the operation; all
	// forms translate identically (verbatim re-emission), so every
	// extension slot shares the same plain descriptor.
	t[0x80] = groupExt(true, 1)                // Eb, Ib
	t[0x81] = groupExt(true, PrefixOperandSize) // Ev, Iz
	t[0x83] = groupExt(true, 1)                 // Ev, Ib (sign-extended)

	t[0x84] = normal(true, 0) // TEST Eb, Gb
	t[0x85] = normal(true, 0) // TEST Ev, Gv
	t[0x86] = normal(true, 0) // XCHG Eb, Gb
	t[0x87] = normal(true, 0) // XCHG Ev, Gv
	t[0x88] = normal(true, 0) // MOV Eb, Gb
	t[0x89] = normal(true, 0) // MOV Ev, Gv
	t[0x8A] = normal(true, 0) // MOV Gb, Eb
	t[0x8B] = normal(true, 0) // MOV Gv, Ev
	t[0x8C] = &Desc{Kind: KindMovFromSeg, HasModRM: true} // MOV Ew, Sw
	t[0x8D] = normal(true, 0)                             // LEA Gv, M
	t[0x8E] = &Desc{Kind: KindMovToSeg, HasModRM: true}   // MOV Sw, Ew

	t[0x8F] = &Desc{Kind: KindExtension, HasModRM: true, Ext: [8]*Desc{
		0: normal(true, 0), // POP Ev
	}}

	t[0x90] = normal(false, 0) // NOP
	for i := arch.Reg(1); i < arch.NumRegs; i++ {
		t[0x90+byte(i)] = regDesc(KindNormal, i, true, true) // XCHG r, eAX
		t[0x90+byte(i)].ReadRegs |= arch.Mask(int(arch.EAX))
		t[0x90+byte(i)].WriteRegs |= arch.Mask(int(arch.EAX))
	}
	t[0x98] = regDesc(KindNormal, arch.EAX, true, true) // CWDE
	t[0x99] = regDesc(KindNormal, arch.EAX, true, false)
	t[0x99].WriteRegs |= arch.Mask(int(arch.EDX)) // CDQ

	t[0x9C] = normal(false, 0) // PUSHFD
	t[0x9D] = normal(false, 0) // POPFD

	t[0xA8] = regDesc(KindNormal, arch.EAX, true, false) // TEST AL, Ib
	t[0xA8].ImmBytes = 1
	t[0xA9] = regDesc(KindNormal, arch.EAX, true, false) // TEST eAX, Iz
	t[0xA9].ImmBytes = PrefixOperandSize

	for i := arch.Reg(0); i < arch.NumRegs; i++ {
		d := regDesc(KindNormal, i, false, true)
		d.ImmBytes = 1
		t[0xB0+byte(i)] = d // MOV r8, Ib
		d32 := regDesc(KindNormal, i, false, true)
		d32.ImmBytes = PrefixOperandSize
		t[0xB8+byte(i)] = d32 // MOV r32, Iz
	}

	t[0xC0] = groupExt(true, 1) // shift Eb, Ib
	t[0xC1] = groupExt(true, 1) // shift Ev, Ib
	t[0xC2] = &Desc{Kind: KindRetn, ImmBytes: 2}
	t[0xC3] = &Desc{Kind: KindRet}
	t[0xC6] = normal(true, 1)                // MOV Eb, Ib (reg field must be 0)
	t[0xC7] = normal(true, PrefixOperandSize) // MOV Ev, Iz

	t[0xD0] = groupExt(true, 0) // shift Eb, 1
	t[0xD1] = groupExt(true, 0) // shift Ev, 1
	t[0xD2] = groupExt(true, 0) // shift Eb, CL
	t[0xD3] = groupExt(true, 0) // shift Ev, CL
	t[0xD2].ReadRegs = arch.Mask(int(arch.ECX))
	t[0xD3].ReadRegs = arch.Mask(int(arch.ECX))

	t[0xCD] = &Desc{Kind: KindInt, ImmBytes: 1}

	t[0xE0] = &Desc{Kind: KindJccRel8, ImmBytes: 1} // LOOPNE
	t[0xE1] = &Desc{Kind: KindJccRel8, ImmBytes: 1} // LOOPE
	t[0xE2] = &Desc{Kind: KindJccRel8, ImmBytes: 1} // LOOP
	t[0xE3] = &Desc{Kind: KindJccRel8, ImmBytes: 1} // JCXZ

	t[0xE8] = &Desc{Kind: KindCallDirect, ImmBytes: 4}
	t[0xE9] = &Desc{Kind: KindJmpDirect, ImmBytes: 4}
	t[0xEB] = &Desc{Kind: KindJmpDirect, ImmBytes: 1}

	t[0xF4] = &Desc{Kind: KindPrivileged} // HLT
	t[0xFA] = &Desc{Kind: KindPrivileged} // CLI
	t[0xFB] = &Desc{Kind: KindPrivileged} // STI

	t[0xF6] = &Desc{Kind: KindExtension, HasModRM: true, Ext: [8]*Desc{
		0: &Desc{Kind: KindNormal, HasModRM: true, ImmBytes: 1}, // TEST Eb, Ib
		1: &Desc{Kind: KindNormal, HasModRM: true, ImmBytes: 1},
		2: normal(true, 0), // NOT
		3: normal(true, 0), // NEG
		4: normal(true, 0), // MUL
		5: normal(true, 0), // IMUL
		6: normal(true, 0), // DIV
		7: normal(true, 0), // IDIV
	}}
	t[0xF7] = &Desc{Kind: KindExtension, HasModRM: true, Ext: [8]*Desc{
		0: &Desc{Kind: KindNormal, HasModRM: true, ImmBytes: PrefixOperandSize}, // TEST Ev, Iz
		1: &Desc{Kind: KindNormal, HasModRM: true, ImmBytes: PrefixOperandSize},
		2: normal(true, 0),
		3: normal(true, 0),
		4: normal(true, 0),
		5: normal(true, 0),
		6: normal(true, 0),
		7: normal(true, 0),
	}}

	t[0xFE] = &Desc{Kind: KindExtension, HasModRM: true, Ext: [8]*Desc{
		0: normal(true, 0), // INC Eb
		1: normal(true, 0), // DEC Eb
	}}

	t[0xFF] = &Desc{Kind: KindExtension, HasModRM: true, Ext: [8]*Desc{
		0: normal(true, 0),                      // INC Ev
		1: normal(true, 0),                      // DEC Ev
		2: &Desc{Kind: KindCallIndirect, HasModRM: true}, // CALL Ev
		3: &Desc{Kind: KindUnsupported},          // CALL Mp (far)
		4: &Desc{Kind: KindJmpIndirect, HasModRM: true},  // JMP Ev
		5: &Desc{Kind: KindUnsupported},          // JMP Mp (far)
		6: normal(true, 0),                       // PUSH Ev
		7: &Desc{Kind: KindInvalid},
	}}
}

// groupExt builds a KindExtension descriptor whose eight sub-opcodes all
// translate identically (the operation they perform doesn't change how
// the translator re-emits them).
func groupExt(hasModRM bool, immBytes int) *Desc {
	d := &Desc{Kind: KindExtension, HasModRM: hasModRM}
	for i := range d.Ext {
		d.Ext[i] = &Desc{Kind: KindNormal, HasModRM: hasModRM, ImmBytes: immBytes}
	}
	return d
}

// initTwoByteTable fills the 0x0F-escaped opcode space.
func initTwoByteTable() {
	t := &twoByteTable

	t[0x1F] = normal(true, 0) // multi-byte NOP Ev

	for cc := 0; cc < 16; cc++ {
		t[0x80+byte(cc)] = &Desc{Kind: Jcc(cc), ImmBytes: 4} // Jcc rel32
	}

	t[0xA2] = &Desc{Kind: KindNormal} // CPUID
	t[0xA2].ReadRegs = arch.Mask(int(arch.EAX))
	t[0xA2].WriteRegs = arch.Mask(int(arch.EAX)) | arch.Mask(int(arch.EBX)) |
		arch.Mask(int(arch.ECX)) | arch.Mask(int(arch.EDX))

	t[0xAF] = normal(true, 0) // IMUL Gv, Ev
	t[0xB6] = normal(true, 0) // MOVZX Gv, Eb
	t[0xB7] = normal(true, 0) // MOVZX Gv, Ew
	t[0xBE] = normal(true, 0) // MOVSX Gv, Eb
	t[0xBF] = normal(true, 0) // MOVSX Gv, Ew

	t[0x05] = &Desc{Kind: KindUnsupported} // SYSCALL
	t[0x34] = &Desc{Kind: KindUnsupported} // SYSENTER
}
