package proc

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestStubRegisterEncoding(t *testing.T) {
	b := newStubBuilder(AMD64Arch())
	b.movImm64(RegR9, 0x1122334455667788)
	b.movAddr64(RegR12, "data", 2)
	b.callReg(RegR11)
	b.callReg(RegDI)
	b.label("data")
	b.raw(0xaa, 0xbb, 0xcc)

	code, err := b.emit(0x10000)
	assertNoError(err, t, "emit")
	insts := decodeAll(t, code[:b.offset("data")], 64)
	for i, want := range []struct {
		op  x86asm.Op
		reg x86asm.Reg
	}{{x86asm.MOV, x86asm.R9}, {x86asm.MOV, x86asm.R12}, {x86asm.CALL, x86asm.R11}, {x86asm.CALL, x86asm.RDI}} {
		if insts[i].Op != want.op || insts[i].Args[0] != want.reg {
			t.Errorf("instruction %d is %v, want %v %v", i, insts[i], want.op, want.reg)
		}
	}
	if imm := uint64(insts[0].Args[1].(x86asm.Imm)); imm != 0x1122334455667788 {
		t.Errorf("r9 = %#x", imm)
	}
	if imm := uint64(insts[1].Args[1].(x86asm.Imm)); imm != 0x10000+uint64(b.offset("data"))+2 {
		t.Errorf("r12 = %#x", imm)
	}
}

func TestStubLayout(t *testing.T) {
	b := newStubBuilder(I386Arch())
	b.raw(1)
	b.align(4)
	b.label("a")
	b.word(0xdeadbeef)
	b.addrWord("a", 0)
	b.label("end")

	if b.offset("a") != 4 || b.size() != 12 || b.offset("end") != 12 || b.offset("missing") != -1 {
		t.Fatalf("bad layout: a %d end %d size %d", b.offset("a"), b.offset("end"), b.size())
	}
	code, err := b.emit(0x1000)
	assertNoError(err, t, "emit")
	if want := "\x01\x00\x00\x00\xef\xbe\xad\xde\x04\x10\x00\x00"; string(code) != want {
		t.Fatalf("emitted % x", code)
	}

	b.addrWord("undefined", 0)
	if _, err := b.emit(0x1000); err == nil {
		t.Fatal("undefined label accepted")
	}
}

func TestStubBase(t *testing.T) {
	for _, arch := range []*Arch{I386Arch(), AMD64Arch()} {
		sp := uint64(0xbffff3c7)
		base := arch.stubBase(sp, 45, false)
		if base%16 != 0 || base+45 > sp-arch.redZone {
			t.Errorf("%s: code stub at %#x", arch.Name, base)
		}
		base = arch.stubBase(sp, 45, true)
		if (base+uint64(arch.ptrSize))%16 != 0 || base+45 > sp-arch.redZone {
			t.Errorf("%s: frame stub at %#x", arch.Name, base)
		}
	}
}
