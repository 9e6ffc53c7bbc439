// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import "fmt"

// Per-thread TLS scratch layout, addressed relative to the host FS base
// the runtime points at the translator's own per-thread data (never the
// guest's). These are this translator's own convention, not anything the
// host or guest kernel defines.
const (
	tlsScratchOffset int32 = 0  // spare dword for translation-time temporaries
	tlsGSOffset      int32 = 4  // shadow copy of the guest's loaded %gs selector
	tlsGSAddrOffset  int32 = 8  // resolved host address of the thread's %gs base
)

// readRaw copies n raw bytes out of guest memory starting at pc. Used for
// instruction categories that require no rewriting: their encoded bytes
// are valid, unchanged, in the code cache.
func readRaw(mem GuestMemory, pc uint32, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = mem.ReadByte(pc + uint32(i))
	}
	return b
}

// relTarget resolves a PC-relative branch's destination.
func relTarget(pc uint32, insLen int, rel int32) uint32 {
	return uint32(int64(pc) + int64(insLen) + int64(rel))
}

func relOf(ins *Inst) int32 {
	switch len(ins.Imm) {
	case 1:
		return int32(int8(ins.Imm[0]))
	case 2:
		return int32(int16(uint16(ins.Imm[0]) | uint16(ins.Imm[1])<<8))
	default:
		return int32(uint32(ins.Imm[0]) | uint32(ins.Imm[1])<<8 | uint32(ins.Imm[2])<<16 | uint32(ins.Imm[3])<<24)
	}
}

// directTarget resolves the host address a direct call/jmp/Jcc to guestPC
// should transfer to: the address of its translation if one already
// exists in the pool, or a freshly carved trampoline that hands off to
// stubs.FindDirect otherwise. patchAddr is the host address of the rel32
// field of the instruction the caller is about to emit; FindDirect
// overwrites it in place once guestPC's translation is known, so later
// visits to this same call/jmp site skip the trampoline entirely. The
// trampoline pushes patchAddr as a 32-bit immediate, so only its low 32
// bits reach FindDirect.
func directTarget(p *Pool, stubs Stubs, guestPC uint32, patchAddr uintptr) uintptr {
	if blk, ok := p.Find(guestPC); ok {
		return addrOf(p.Cache(), blk.CacheStart)
	}
	cursor, buf, ok := p.reserveTrampoline()
	if !ok {
		p.Flush()
		cursor, buf, ok = p.reserveTrampoline()
		if !ok {
			panic("dbt: trampoline does not fit in an empty cache")
		}
	}
	te := &emitter{buf: buf}
	te.pushImm32(uint32(patchAddr))
	te.pushImm32(guestPC)
	te.jmp(stubs.FindDirect)
	return addrOf(p.Cache(), cursor)
}

// Translate decodes and translates one basic block starting at guestPC
// into p, following direct and conditional branches into trampolines
// (spec scenario: chained direct jumps) and stopping at the first
// instruction that cannot be safely continued past (any branch or RET,
// or the block-length limit); INT 0x80 and the %gs moves continue the
// block.
//
// It returns the cache offset the block starts at. A FatalError aborts
// translation of the whole block: bytes already emitted for earlier
// instructions stay in the cache, but the block is not inserted into the
// pool's index, so Find never reports it.
func Translate(p *Pool, mem GuestMemory, stubs Stubs, guestPC uint32) (start int, err error) {
	defer func() {
		if r := recover(); r != nil {
			fail, ok := r.(registerPickFailure)
			if !ok {
				panic(r)
			}
			start, err = 0, &FatalError{PC: guestPC, Reason: fmt.Sprintf("no scratch register free for opcode %#x", fail.opcode)}
		}
	}()
	return translate(p, mem, stubs, guestPC)
}

func translate(p *Pool, mem GuestMemory, stubs Stubs, guestPC uint32) (int, error) {
	idx, ok := p.alloc()
	if !ok {
		p.Flush()
		idx, ok = p.alloc()
		if !ok {
			return 0, fmt.Errorf("dbt: cache too small to hold a single block")
		}
	}
	p.blocks[idx].GuestPC = guestPC
	start := p.blocks[idx].CacheStart
	p.setOut(start)

	pc := guestPC
	for {
		blockLen := p.Out() - start
		if blockLen >= BlockMaxSize-64 {
			// Out of room to safely emit another instruction plus its
			// worst-case branch tail; end the block with a plain jump to
			// wherever execution would have continued.
			e := &emitter{buf: p.cache, pos: p.Out()}
			patch := addrOf(p.cache, e.pos+1)
			target := directTarget(p, stubs, pc, patch)
			e.jmp(target)
			p.setOut(e.pos)
			break
		}

		ins, err := decode(mem, pc)
		if err != nil {
			return 0, err
		}

		ends, err := translateInst(p, mem, stubs, &ins, pc)
		if err != nil {
			return 0, err
		}
		pc += uint32(ins.Len)
		if ends {
			break
		}
	}

	p.insert(idx)
	return start, nil
}

// translateInst emits the translation of a single decoded instruction at
// the current pool cursor and reports whether it ends the block.
func translateInst(p *Pool, mem GuestMemory, stubs Stubs, ins *Inst, pc uint32) (bool, error) {
	e := &emitter{buf: p.cache, pos: p.Out()}
	defer func() { p.setOut(e.pos) }()

	switch cond := CondOf(ins.Desc.Kind); {
	case cond >= 0:
		return translateJcc(p, e, stubs, ins, pc, cond), nil
	}

	switch ins.Desc.Kind {
	case KindNormal:
		e.copy(readRaw(mem, pc, ins.Len))
		return false, nil

	case KindCallDirect:
		target := relTarget(pc, ins.Len, relOf(ins))
		retAddr := pc + uint32(ins.Len)
		e.pushImm32(retAddr)
		patch := addrOf(p.cache, e.pos+1)
		dest := directTarget(p, stubs, target, patch)
		e.jmp(dest)
		return true, nil

	case KindJmpDirect:
		target := relTarget(pc, ins.Len, relOf(ins))
		patch := addrOf(p.cache, e.pos+1)
		dest := directTarget(p, stubs, target, patch)
		e.jmp(dest)
		return true, nil

	case KindJccRel8:
		return translateJccRel8(p, e, stubs, ins, pc), nil

	case KindRet:
		e.jmp(stubs.FindIndirect)
		return true, nil

	case KindRetn:
		// pop [esp+n-4] moves the return address to the slot it must
		// occupy once the n bytes of arguments below it are unwound;
		// lea then adjusts ESP there without touching any guest
		// register. Neither step needs a scratch register.
		n := int32(int16(uint16(ins.Imm[0]) | uint16(ins.Imm[1])<<8))
		rm := RMMem(4 /* ESP */, n-4)
		e.popRM(rm)
		e.lea(4 /* ESP */, rm)
		e.jmp(stubs.FindIndirect)
		return true, nil

	case KindCallIndirect:
		retAddr := pc + uint32(ins.Len)
		e.pushImm32(retAddr)
		rm := ins.RM
		if rm.Base == 4 /* ESP */ {
			// The push above already moved ESP down 4 bytes; an
			// ESP-relative rm must be compensated to still address the
			// same guest memory.
			rm.Disp += 4
		}
		e.pushRM(rm)
		e.jmp(stubs.FindIndirect)
		return true, nil

	case KindJmpIndirect:
		e.pushRM(ins.RM)
		e.jmp(stubs.FindIndirect)
		return true, nil

	case KindInt:
		if ins.Imm[0] != 0x80 {
			return false, &FatalError{PC: pc, Reason: "unsupported interrupt vector"}
		}
		e.pushImm32(pc)
		e.call(stubs.Syscall)
		return false, nil

	case KindMovToSeg:
		if ins.R != 5 {
			return false, &FatalError{PC: pc, Reason: "segment register other than %gs"}
		}
		emitStoreSeg(e, ins, stubs)
		return false, nil

	case KindMovFromSeg:
		if ins.R != 5 {
			return false, &FatalError{PC: pc, Reason: "segment register other than %gs"}
		}
		emitLoadSeg(e, ins)
		return false, nil

	default:
		return false, &FatalError{PC: pc, Reason: "unsupported instruction category"}
	}
}

// translateJcc emits a near Jcc to the taken target and a near jmp to the
// fallthrough target, so both arms chain through the pool the same way a
// direct jmp would.
func translateJcc(p *Pool, e *emitter, stubs Stubs, ins *Inst, pc uint32, cond int) bool {
	fallthroughPC := pc + uint32(ins.Len)
	takenPC := relTarget(pc, ins.Len, relOf(ins))

	patchTaken := addrOf(p.cache, e.pos+2)
	takenDest := directTarget(p, stubs, takenPC, patchTaken)
	e.jcc(cond, takenDest)

	patchFall := addrOf(p.cache, e.pos+1)
	fallDest := directTarget(p, stubs, fallthroughPC, patchFall)
	e.jmp(fallDest)
	return true
}

// translateJccRel8 emits the LOOP/LOOPE/LOOPNE/JCXZ family, which the
// x86 encoding only ever allows a short rel8 form for. The original
// opcode (with its decrement/test semantics intact) is kept, short-jumping
// over a fallthrough jmp straight into a taken jmp, so both arms reach the
// pool just like a regular Jcc's do.
func translateJccRel8(p *Pool, e *emitter, stubs Stubs, ins *Inst, pc uint32) bool {
	fallthroughPC := pc + uint32(ins.Len)
	takenPC := relTarget(pc, ins.Len, relOf(ins))

	e.byte(ins.Opcode)
	e.byte(5) // skip the 5-byte fallthrough jmp below, land on the taken jmp

	patchFall := addrOf(p.cache, e.pos+1)
	fallDest := directTarget(p, stubs, fallthroughPC, patchFall)
	e.jmp(fallDest)

	patchTaken := addrOf(p.cache, e.pos+1)
	takenDest := directTarget(p, stubs, takenPC, patchTaken)
	e.jmp(takenDest)
	return true
}

// emitLoadSeg emits MOV_FROM_SEG %gs: pick an unused register T, spill it
// to the per-thread scratch slot, load the shadow %gs selector into T,
// store T to the guest's rm operand, then restore T.
func emitLoadSeg(e *emitter, ins *Inst) {
	t := findUnusedRegister(ins)
	e.fsPrefix()
	e.movRMR32(RMDisp(tlsScratchOffset), t)
	e.fsPrefix()
	e.movRRM32(t, RMDisp(tlsGSOffset))
	e.movRMR32(ins.RM, t)
	e.fsPrefix()
	e.movRRM32(t, RMDisp(tlsScratchOffset))
}

// emitStoreSeg emits MOV_TO_SEG %gs. Beyond spilling a scratch register T
// for the new selector, this must also resolve which thread base that
// selector now names: the selector's top bits are a thread-area slot
// index, and only stubs.TLSSlotToOffset (never known at translation
// time, since the same cached block may run under any thread whose %gs
// selects a different slot) can turn a slot into the fs-relative offset
// where that thread's base address is kept. The call clobbers EAX/ECX/EDX
// by convention, so this emits a small register-preserving prologue
// around it, mirroring how a real CALL instruction would be hand-wrapped
// to protect live guest state it doesn't own.
func emitStoreSeg(e *emitter, ins *Inst, stubs Stubs) {
	const eax, ecx, edx = 0, 1, 2
	t := findUnusedRegister(ins)

	e.fsPrefix()
	e.movRMR32(RMDisp(tlsScratchOffset), t) // spill T
	e.movRRM32(t, ins.RM)                   // T = new selector
	e.pushfd()
	e.fsPrefix()
	e.movRMR32(RMDisp(tlsGSOffset), t) // fs:[gs] = T
	e.shrRM32(RMReg(t), 3)              // T = slot index

	if t != ecx {
		e.pushRM(RMReg(ecx))
	}
	if t != edx {
		e.pushRM(RMReg(edx))
	}
	if t != eax {
		e.pushRM(RMReg(eax))
	}
	e.pushRM(RMReg(t))
	e.call(stubs.TLSSlotToOffset)
	e.addRMImm32(RMReg(4 /* ESP */), 4) // drop the argument

	// EAX now holds the slot's fs-relative offset; fs:[EAX] is the
	// thread base stored there. Use it immediately, before EAX's saved
	// caller value (if any) is restored below.
	e.fsPrefix()
	e.movRRM32(eax, RMMem(eax, 0))
	e.fsPrefix()
	e.movRMR32(RMDisp(tlsGSAddrOffset), eax)

	if t != eax {
		e.popRM(RMReg(eax))
	}
	if t != edx {
		e.popRM(RMReg(edx))
	}
	if t != ecx {
		e.popRM(RMReg(ecx))
	}
	e.popfd()
	e.fsPrefix()
	e.movRRM32(t, RMDisp(tlsScratchOffset)) // restore T
}
