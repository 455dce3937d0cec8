package proc

import (
	"encoding/binary"
	"fmt"
)

type stubFieldKind uint8

const (
	fieldBytes stubFieldKind = iota // literal bytes
	fieldImm                        // little endian immediate
	fieldAddr                       // absolute address of a label, plus addend
	fieldRel32                      // displacement from the end of the field to an absolute target
	fieldAlign                      // zero padding up to a multiple of size
	fieldLabel                      // marks an offset, emits nothing
)

type stubField struct {
	kind   stubFieldKind
	size   int
	value  uint64
	label  string
	addend uint64
	data   []byte
}

// stubBuilder assembles the code and data written to the inferior's stack
// to perform an injected call. Fields are laid out in order; addresses
// are resolved when the stub is emitted for a specific base address.
type stubBuilder struct {
	arch   *Arch
	fields []stubField
}

func newStubBuilder(arch *Arch) *stubBuilder {
	return &stubBuilder{arch: arch}
}

func (b *stubBuilder) raw(p ...byte) {
	b.fields = append(b.fields, stubField{kind: fieldBytes, size: len(p), data: p})
}

func (b *stubBuilder) imm(size int, v uint64) {
	b.fields = append(b.fields, stubField{kind: fieldImm, size: size, value: v})
}

func (b *stubBuilder) word(v uint64) {
	b.imm(b.arch.ptrSize, v)
}

func (b *stubBuilder) addr(size int, label string, addend uint64) {
	b.fields = append(b.fields, stubField{kind: fieldAddr, size: size, label: label, addend: addend})
}

func (b *stubBuilder) addrWord(label string, addend uint64) {
	b.addr(b.arch.ptrSize, label, addend)
}

func (b *stubBuilder) rel32(target uint64) {
	b.fields = append(b.fields, stubField{kind: fieldRel32, size: 4, value: target})
}

func (b *stubBuilder) align(n int) {
	b.fields = append(b.fields, stubField{kind: fieldAlign, size: n})
}

func (b *stubBuilder) label(name string) {
	b.fields = append(b.fields, stubField{kind: fieldLabel, label: name})
}

// layout computes the offset of every label and the total size.
func (b *stubBuilder) layout() (map[string]int, int) {
	labels := make(map[string]int)
	off := 0
	for _, f := range b.fields {
		switch f.kind {
		case fieldLabel:
			labels[f.label] = off
		case fieldAlign:
			if rem := off % f.size; rem != 0 {
				off += f.size - rem
			}
		default:
			off += f.size
		}
	}
	return labels, off
}

func (b *stubBuilder) size() int {
	_, sz := b.layout()
	return sz
}

// offset returns the offset of label, or -1 if the stub has no such label.
func (b *stubBuilder) offset(label string) int {
	labels, _ := b.layout()
	off, ok := labels[label]
	if !ok {
		return -1
	}
	return off
}

// emit returns the bytes of the stub placed at base.
func (b *stubBuilder) emit(base uint64) ([]byte, error) {
	labels, sz := b.layout()
	buf := make([]byte, 0, sz)
	for _, f := range b.fields {
		switch f.kind {
		case fieldLabel:
		case fieldBytes:
			buf = append(buf, f.data...)
		case fieldImm:
			buf = appendLE(buf, f.size, f.value)
		case fieldAddr:
			off, ok := labels[f.label]
			if !ok {
				return nil, fmt.Errorf("undefined stub label %q", f.label)
			}
			buf = appendLE(buf, f.size, base+uint64(off)+f.addend)
		case fieldRel32:
			end := base + uint64(len(buf)) + 4
			buf = appendLE(buf, 4, f.value-end)
		case fieldAlign:
			for len(buf)%f.size != 0 {
				buf = append(buf, 0)
			}
		}
	}
	return buf, nil
}

func appendLE(buf []byte, size int, v uint64) []byte {
	switch size {
	case 1:
		return append(buf, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}

// x86 instruction encodings used by call stubs.

// regNum returns the encoding of slot in the reg field of ModRM and in
// the low bits of B8+r opcodes. Registers R8-R15 need REX.B.
func regNum(slot RegisterSlot) byte {
	switch slot {
	case RegAX:
		return 0
	case RegCX:
		return 1
	case RegDX:
		return 2
	case RegBX:
		return 3
	case RegSP:
		return 4
	case RegBP:
		return 5
	case RegSI:
		return 6
	case RegDI:
		return 7
	}
	if slot >= RegR8 && slot <= RegR15 {
		return byte(slot-RegR8) + 8
	}
	panic(fmt.Sprintf("register slot %d can't be encoded", slot))
}

// pushImm32 emits PUSH imm32.
func (b *stubBuilder) pushImm32(v uint32) {
	b.raw(0x68)
	b.imm(4, uint64(v))
}

// pushAddr32 emits PUSH imm32 with the address of label.
func (b *stubBuilder) pushAddr32(label string, addend uint64) {
	b.raw(0x68)
	b.addr(4, label, addend)
}

// subESP emits SUB ESP, imm8.
func (b *stubBuilder) subESP(v uint8) {
	b.raw(0x83, 0xec, v)
}

// callRel32 emits CALL rel32 to target.
func (b *stubBuilder) callRel32(target uint64) {
	b.raw(0xe8)
	b.rel32(target)
}

func rexW(n byte) byte {
	if n >= 8 {
		return 0x49
	}
	return 0x48
}

// movImm64 emits MOVABS reg, imm64.
func (b *stubBuilder) movImm64(reg RegisterSlot, v uint64) {
	n := regNum(reg)
	b.raw(rexW(n), 0xb8+n&7)
	b.imm(8, v)
}

// movAddr64 emits MOVABS reg, imm64 with the address of label.
func (b *stubBuilder) movAddr64(reg RegisterSlot, label string, addend uint64) {
	n := regNum(reg)
	b.raw(rexW(n), 0xb8+n&7)
	b.addr(8, label, addend)
}

// callReg emits CALL reg.
func (b *stubBuilder) callReg(reg RegisterSlot) {
	n := regNum(reg)
	if n >= 8 {
		b.raw(0x41)
	}
	b.raw(0xff, 0xd0|n&7)
}

func (b *stubBuilder) trap() {
	b.raw(b.arch.BreakpointInstruction()...)
}

// stubArg is an argument of an injected call: either a literal value or
// the address of a label of the stub. A wide argument occupies 64 bits on
// the stack of a 32bit target, low word first.
type stubArg struct {
	value  uint64
	label  string
	addend uint64
	wide   bool
}

func litArg(v uint64) stubArg {
	return stubArg{value: v}
}

func labelArg(label string, addend uint64) stubArg {
	return stubArg{label: label, addend: addend}
}

func wideArg(arg stubArg) stubArg {
	arg.wide = true
	return arg
}

func (arg stubArg) resolve(base uint64, labels map[string]int) uint64 {
	if arg.label == "" {
		return arg.value
	}
	return base + uint64(labels[arg.label]) + arg.addend
}
