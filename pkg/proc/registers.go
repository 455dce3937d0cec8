package proc

import "encoding/binary"

// RegisterSlot identifies one register of the x86 register file.
type RegisterSlot uint8

const (
	RegAX RegisterSlot = iota
	RegBX
	RegCX
	RegDX
	RegSI
	RegDI
	RegBP
	RegSP
	RegIP
	RegFlags
	RegCS
	RegSS
	RegDS
	RegES
	RegFS
	RegGS
	RegOrigAX
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegFSBase
	RegGSBase

	NumRegisterSlots
)

// Registers is a snapshot of the general purpose, segment, flags, stack
// and instruction pointer registers of the inferior. Values are
// architecture-word sized, slots the architecture lacks stay zero.
// Copying a Registers value copies the whole snapshot.
type Registers [NumRegisterSlots]uint64

// PC returns the value of the instruction pointer.
func (r *Registers) PC() uint64 { return r[RegIP] }

// SP returns the value of the stack pointer.
func (r *Registers) SP() uint64 { return r[RegSP] }

// BP returns the value of the frame pointer.
func (r *Registers) BP() uint64 { return r[RegBP] }

func (r *Registers) Get(slot RegisterSlot) uint64 { return r[slot] }

func (r *Registers) Set(slot RegisterSlot, v uint64) { r[slot] = v }

// FPRegisters is the raw floating point register area, in the layout used
// by the tracing primitive.
type FPRegisters []byte

// Clone returns a copy of fp that does not share its backing array.
func (fp FPRegisters) Clone() FPRegisters {
	if fp == nil {
		return nil
	}
	r := make(FPRegisters, len(fp))
	copy(r, fp)
	return r
}

// StackFrame is the frame the inferior is currently stopped in.
type StackFrame struct {
	PC, SP, FP uint64
}

// encodeRegisters serializes the named registers of arch, in the order of
// arch.RegisterNames, as little endian words.
func encodeRegisters(arch *Arch, regs *Registers) []byte {
	buf := make([]byte, 0, len(arch.regs)*arch.ptrSize)
	for _, r := range arch.regs {
		buf = arch.appendWord(buf, regs[r.slot])
	}
	return buf
}

func (a *Arch) appendWord(buf []byte, v uint64) []byte {
	switch a.ptrSize {
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}

func (a *Arch) word(buf []byte) uint64 {
	switch a.ptrSize {
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	default:
		return binary.LittleEndian.Uint64(buf)
	}
}
