package proc

import (
	"fmt"
)

// Inferior is the tracing primitive controlling one attached and stopped
// process. Every method may fail with an I/O or ptrace error.
type Inferior interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	WriteMemory(addr uint64, data []byte) (written int, err error)

	Registers() (Registers, error)
	SetRegisters(regs *Registers) error
	FPRegisters() (FPRegisters, error)
	SetFPRegisters(fpregs FPRegisters) error

	// DebugRegister and SetDebugRegister access DR0-DR7.
	DebugRegister(idx int) (uint64, error)
	SetDebugRegister(idx int, value uint64) error

	// Continue resumes the inferior delivering PendingSignal.
	Continue() error

	// PendingSignal is the signal that will be delivered to the inferior
	// the next time it is resumed, zero for none.
	PendingSignal() int
	SetPendingSignal(sig int)

	// NotificationAddress is the address of the call site the debugged
	// runtime traps at to notify the debugger.
	NotificationAddress() uint64
}

func readMemory(inf Inferior, addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := inf.ReadMemory(buf, addr)
	if err != nil {
		return nil, targetUnavailable(err)
	}
	if n != size {
		return nil, targetUnavailable(fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, size))
	}
	return buf, nil
}

func writeMemory(inf Inferior, addr uint64, data []byte) error {
	n, err := inf.WriteMemory(addr, data)
	if err != nil {
		return targetUnavailable(err)
	}
	if n != len(data) {
		return targetUnavailable(fmt.Errorf("short write at %#x: %d of %d bytes", addr, n, len(data)))
	}
	return nil
}

// peekWord reads one machine word at addr.
func peekWord(inf Inferior, arch *Arch, addr uint64) (uint64, error) {
	buf, err := readMemory(inf, addr, arch.ptrSize)
	if err != nil {
		return 0, err
	}
	return arch.word(buf), nil
}
