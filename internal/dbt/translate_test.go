// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbt

import (
	"encoding/binary"
	"testing"
)

func rel32At(cache []byte, pos int) int32 {
	return int32(binary.LittleEndian.Uint32(cache[pos : pos+4]))
}

// nearStubs shifts each stub address in s by the cache's own host address.
// Emitted calls and jumps carry rel32 displacements, which reach only
// ±2 GiB from the cache, and a test's cache buffer may sit anywhere in a
// 64-bit host's address space.
func nearStubs(cache []byte, s Stubs) Stubs {
	base := addrOf(cache, 0)
	return Stubs{
		FindDirect:      base + s.FindDirect,
		FindIndirect:    base + s.FindIndirect,
		Syscall:         base + s.Syscall,
		TLSSlotToOffset: base + s.TLSSlotToOffset,
	}
}

func TestTranslateJmpDirectToUntranslatedTargetBuildsTrampoline(t *testing.T) {
	mem := byteMemory{0xEB, 0x02, 0x90, 0x90, 0xC3} // jmp +2; nop; nop; ret
	pool := NewPool(make([]byte, 4096))
	stubs := nearStubs(pool.Cache(), Stubs{FindDirect: 0x10000000, FindIndirect: 0x20000000, Syscall: 0x30000000})

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()

	if cache[start] != 0xE9 {
		t.Fatalf("opcode at block start = %#x, want 0xE9 (JMP rel32)", cache[start])
	}
	rel := rel32At(cache, start+1)
	dest := addrOf(cache, start+5) + uintptr(rel)

	blk, ok := pool.Find(0)
	if !ok || addrOf(cache, blk.CacheStart) != addrOf(cache, start) {
		t.Fatalf("pool does not index the block it just translated at pc=0")
	}

	// dest should be a freshly carved trampoline: push patchAddr; push
	// target pc; jmp stubs.FindDirect.
	tramp := int(dest) - int(addrOf(cache, 0))
	if cache[tramp] != 0x68 {
		t.Fatalf("trampoline[0] = %#x, want 0x68 (PUSH imm32, patch address)", cache[tramp])
	}
	// PUSH imm32 carries the low 32 bits of the host address.
	patchAddr := binary.LittleEndian.Uint32(cache[tramp+1 : tramp+5])
	if want := uint32(addrOf(cache, start+1)); patchAddr != want {
		t.Errorf("trampoline patch address = %#x, want the main jmp's rel32 field at %#x", patchAddr, want)
	}
	if cache[tramp+5] != 0x68 {
		t.Fatalf("trampoline[5] = %#x, want 0x68 (PUSH imm32, target pc)", cache[tramp+5])
	}
	targetPC := binary.LittleEndian.Uint32(cache[tramp+6 : tramp+10])
	if targetPC != 4 {
		t.Errorf("trampoline target pc = %d, want 4", targetPC)
	}
	if cache[tramp+10] != 0xE9 {
		t.Fatalf("trampoline[10] = %#x, want 0xE9 (JMP to FindDirect)", cache[tramp+10])
	}
	stubRel := rel32At(cache, tramp+11)
	if got := addrOf(cache, tramp+15) + uintptr(stubRel); got != stubs.FindDirect {
		t.Errorf("trampoline jumps to %#x, want FindDirect stub %#x", got, stubs.FindDirect)
	}
}

func TestTranslateJmpDirectToAlreadyTranslatedBlockSkipsTrampoline(t *testing.T) {
	mem := byteMemory{
		0xEB, 0x03, // 0: jmp +3 -> pc 5
		0x90,       // 2: nop (reached only via fallthrough of a different block)
		0x90, 0x90, // 3,4: padding
		0xC3, // 5: ret
	}
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindDirect: 0x10000000, FindIndirect: 0x20000000}

	// Translate the ret block first so it's already resident.
	retStart, err := Translate(pool, mem, stubs, 5)
	if err != nil {
		t.Fatalf("Translate(pc=5): %v", err)
	}

	jmpStart, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate(pc=0): %v", err)
	}
	cache := pool.Cache()
	rel := rel32At(cache, jmpStart+1)
	dest := addrOf(cache, jmpStart+5) + uintptr(rel)
	if dest != addrOf(cache, retStart) {
		t.Errorf("jmp targets %#x, want the already-translated ret block at %#x", dest, addrOf(cache, retStart))
	}
}

func TestTranslateCallDirectPushesReturnAddressThenJumps(t *testing.T) {
	mem := byteMemory{0xE8, 0x00, 0x00, 0x00, 0x00, 0x90} // call +0 (to the nop); nop
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindDirect: 0x10000000, FindIndirect: 0x20000000}

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0x68 {
		t.Fatalf("byte = %#x, want 0x68 (PUSH imm32, the guest return address)", cache[start])
	}
	retAddr := binary.LittleEndian.Uint32(cache[start+1 : start+5])
	if retAddr != 5 {
		t.Errorf("pushed return address = %d, want 5 (pc + instruction length)", retAddr)
	}
	// The transfer itself must be a JMP, never a host CALL: a host CALL
	// would push the address of the next cache byte on top of the guest
	// return address this block just pushed, corrupting the guest stack.
	if cache[start+5] != 0xE9 {
		t.Fatalf("byte = %#x, want 0xE9 (JMP rel32), not a host CALL", cache[start+5])
	}
}

func TestTranslateRetJumpsToFindIndirect(t *testing.T) {
	mem := byteMemory{0xC3}
	pool := NewPool(make([]byte, 4096))
	stubs := nearStubs(pool.Cache(), Stubs{FindIndirect: 0x20000000})

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0xE9 {
		t.Fatalf("opcode = %#x, want 0xE9 (JMP rel32 to FindIndirect)", cache[start])
	}
	rel := rel32At(cache, start+1)
	if got := addrOf(cache, start+5) + uintptr(rel); got != stubs.FindIndirect {
		t.Errorf("RET jumps to %#x, want FindIndirect %#x", got, stubs.FindIndirect)
	}
}

func TestTranslateJccEmitsBothArms(t *testing.T) {
	mem := byteMemory{0x74, 0x02, 0x90, 0x90, 0xC3} // jz +2; nop; nop; ret
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindDirect: 0x10000000}

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0x0F || cache[start+1] != 0x84 {
		t.Fatalf("bytes = % x, want 0F 84 (Jcc rel32, JE/JZ)", cache[start:start+2])
	}
	if cache[start+6] != 0xE9 {
		t.Fatalf("byte at %d = %#x, want 0xE9 (JMP rel32 for the fallthrough arm)", start+6, cache[start+6])
	}
}

func TestTranslateNormalInstructionCopiesBytesVerbatim(t *testing.T) {
	mem := byteMemory{0x01, 0xD8, 0xC3} // add eax, ebx; ret
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindIndirect: 0x20000000}

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0x01 || cache[start+1] != 0xD8 {
		t.Errorf("ADD bytes = % x, want 01 d8 (unchanged)", cache[start:start+2])
	}
}

func TestTranslateInt80EmitsCallAndContinues(t *testing.T) {
	mem := byteMemory{0xCD, 0x80, 0xC3} // int 0x80; ret
	pool := NewPool(make([]byte, 4096))
	stubs := nearStubs(pool.Cache(), Stubs{Syscall: 0x30000000, FindIndirect: 0x20000000})

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	// push imm32(pc) ; call rel32(Syscall) ; <ret's translation, jmp FindIndirect>
	if cache[start] != 0x68 {
		t.Fatalf("byte = %#x, want 0x68 (PUSH imm32)", cache[start])
	}
	if cache[start+5] != 0xE8 {
		t.Fatalf("byte = %#x, want 0xE8 (CALL rel32)", cache[start+5])
	}
	rel := rel32At(cache, start+6)
	if got := addrOf(cache, start+10) + uintptr(rel); got != stubs.Syscall {
		t.Errorf("call targets %#x, want Syscall stub %#x", got, stubs.Syscall)
	}
	if cache[start+10] != 0xE9 {
		t.Fatalf("byte = %#x, want 0xE9 (the translated ret continuing the block)", cache[start+10])
	}
}

// RETN/CALL_INDIRECT/JMP_INDIRECT never touch a scratch register (they
// push/pop the instruction's own operand directly), so register
// exhaustion can no longer surface through them. MOV_TO_SEG genuinely
// needs one to stage the new %gs selector, so that's what this doctors
// to exhaust every scratch candidate.
func TestTranslateRecoversRegisterPickFailureAsFatalError(t *testing.T) {
	oldTable := oneByteTable[0x8E]
	oneByteTable[0x8E] = &Desc{Kind: KindMovToSeg, HasModRM: true, ReadRegs: 0xFF}
	defer func() { oneByteTable[0x8E] = oldTable }()

	mem := byteMemory{0x8E, 0xE8} // mov gs, eax, via the doctored all-registers-read descriptor
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{}

	_, err := Translate(pool, mem, stubs, 0)
	if err == nil {
		t.Fatalf("expected a FatalError from register exhaustion")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("error type = %T, want *FatalError", err)
	}
}

func TestTranslateRetnPopsAndAdjustsESPWithoutAScratchRegister(t *testing.T) {
	mem := byteMemory{0xC2, 0x08, 0x00} // ret 8
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindIndirect: 0x20000000}

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	// pop [esp+4] followed by lea esp, [esp+4]; neither touches any
	// register other than ESP itself.
	if cache[start] != 0x8F {
		t.Fatalf("byte = %#x, want 0x8F (POP r/m32)", cache[start])
	}
	// pop [esp+4]: opcode, modrm, SIB, disp32 (7 bytes); lea esp,[esp+4]
	// re-emits the identical operand the same way.
	if cache[start+7] != 0x8D {
		t.Fatalf("byte = %#x, want 0x8D (LEA)", cache[start+7])
	}
	if cache[start+14] != 0xE9 {
		t.Fatalf("byte = %#x, want 0xE9 (JMP rel32 to FindIndirect)", cache[start+14])
	}
}

func TestTranslateCallIndirectCompensatesESPRelativeOperand(t *testing.T) {
	mem := byteMemory{0xFF, 0x54, 0x24, 0x04} // call [esp+4]
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindIndirect: 0x20000000}

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0x68 {
		t.Fatalf("byte = %#x, want 0x68 (PUSH imm32, the return address)", cache[start])
	}
	if cache[start+5] != 0xFF {
		t.Fatalf("byte = %#x, want 0xFF (PUSH r/m32, no scratch register involved)", cache[start+5])
	}
	// The push above moved ESP down 4, so the original [esp+4] operand
	// must be re-emitted as [esp+8] to keep addressing the same slot.
	disp := int32(binary.LittleEndian.Uint32(cache[start+8 : start+12]))
	if disp != 8 {
		t.Errorf("compensated displacement = %d, want 8 (original 4 plus the pushed return address)", disp)
	}
}

func TestTranslateJmpIndirectPushesOperandWithoutAScratchRegister(t *testing.T) {
	mem := byteMemory{0xFF, 0x20} // jmp [eax]
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindIndirect: 0x20000000}

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0xFF {
		t.Fatalf("byte = %#x, want 0xFF (PUSH r/m32 straight from [eax])", cache[start])
	}
	// modrmSIB always regenerates a base-only memory operand in disp32
	// form (opcode, modrm, 4-byte displacement), whatever the original
	// encoding's mod bits were.
	if cache[start+6] != 0xE9 {
		t.Fatalf("byte = %#x, want 0xE9 (JMP rel32 to FindIndirect)", cache[start+6])
	}
}

func TestTranslateMovFromSegSpillsScratchThenStoresGSValue(t *testing.T) {
	mem := byteMemory{0x8C, 0xE8, 0xC3} // mov eax, gs; ret
	pool := NewPool(make([]byte, 4096))
	stubs := Stubs{FindIndirect: 0x20000000}

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0x64 {
		t.Fatalf("byte = %#x, want 0x64 (fs-segment prefix on the scratch spill)", cache[start])
	}
	if cache[start+1] != 0x89 {
		t.Fatalf("byte = %#x, want 0x89 (MOV r/m32, r32, spilling the scratch register)", cache[start+1])
	}
	if scratchReg := (cache[start+2] >> 3) & 7; scratchReg == 0 {
		t.Errorf("chosen scratch register is EAX, which the instruction's own rm operand already uses")
	}
}

func TestTranslateMovToSegCallsTLSSlotToOffsetThroughAPreservingPrologue(t *testing.T) {
	mem := byteMemory{0x8E, 0xE8, 0xC3} // mov gs, eax; ret
	pool := NewPool(make([]byte, 4096))
	stubs := nearStubs(pool.Cache(), Stubs{FindIndirect: 0x20000000, TLSSlotToOffset: 0x40000000})

	start, err := Translate(pool, mem, stubs, 0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	cache := pool.Cache()
	if cache[start] != 0x64 {
		t.Fatalf("byte = %#x, want 0x64 (fs-segment prefix on the scratch spill)", cache[start])
	}

	pushfdAt := indexOfByte(cache[start:], 0x9C)
	if pushfdAt < 0 {
		t.Fatalf("no 0x9C (PUSHFD) found before the slot-to-offset call")
	}
	callAt := indexOfByte(cache[start+pushfdAt:], 0xE8)
	if callAt < 0 {
		t.Fatalf("no 0xE8 (CALL rel32) found for TLSSlotToOffset")
	}
	callAt += start + pushfdAt
	rel := rel32At(cache, callAt+1)
	if got := addrOf(cache, callAt+5) + uintptr(rel); got != stubs.TLSSlotToOffset {
		t.Errorf("call targets %#x, want TLSSlotToOffset stub %#x", got, stubs.TLSSlotToOffset)
	}
	// Skip the call's own opcode and rel32 field (an address-dependent,
	// not-necessarily-byte-clean value) before scanning for POPFD.
	popfdAt := indexOfByte(cache[callAt+5:], 0x9D)
	if popfdAt < 0 {
		t.Fatalf("no 0x9D (POPFD) found after the call, restoring flags")
	}
}

func indexOfByte(b []byte, target byte) int {
	for i, c := range b {
		if c == target {
			return i
		}
	}
	return -1
}

func TestTranslateFlushesWhenCacheCannotFitAnotherBlock(t *testing.T) {
	mem := make(byteMemory, 0x1001)
	mem[0] = 0xC3      // ret at pc 0
	mem[0x1000] = 0xC3 // ret at pc 0x1000
	pool := NewPool(make([]byte, BlockMaxSize))
	stubs := Stubs{FindIndirect: 0x20000000}

	if _, err := Translate(pool, mem, stubs, 0); err != nil {
		t.Fatalf("first Translate: %v", err)
	}
	if pool.BlocksCount() != 1 {
		t.Fatalf("BlocksCount = %d, want 1", pool.BlocksCount())
	}
	// A second translation request has no room left and must flush first,
	// landing back at a single resident block afterward.
	if _, err := Translate(pool, mem, stubs, 0x1000); err != nil {
		t.Fatalf("second Translate: %v", err)
	}
	if pool.BlocksCount() != 1 {
		t.Errorf("BlocksCount = %d after forced flush, want 1", pool.BlocksCount())
	}
	if _, ok := pool.Find(0); ok {
		t.Errorf("the pre-flush block at pc=0 should no longer be found")
	}
}
