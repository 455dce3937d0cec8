package proc

import (
	"fmt"

	"github.com/go-delve/x86backend/pkg/proc/x86util"
)

// RegisterCache holds the last register state read from the inferior.
// Writes go through to the inferior immediately.
type RegisterCache struct {
	inf  Inferior
	arch *Arch

	current  Registers
	fpregs   FPRegisters
	drStatus uint64
}

func newRegisterCache(inf Inferior, arch *Arch) *RegisterCache {
	return &RegisterCache{inf: inf, arch: arch}
}

// Refresh reads the general purpose, floating point and debug status
// registers of the inferior.
func (rc *RegisterCache) Refresh() error {
	regs, err := rc.inf.Registers()
	if err != nil {
		return targetUnavailable(err)
	}
	fpregs, err := rc.inf.FPRegisters()
	if err != nil {
		return targetUnavailable(err)
	}
	status, err := rc.inf.DebugRegister(x86util.DR6)
	if err != nil {
		return targetUnavailable(err)
	}
	rc.current = regs
	rc.fpregs = fpregs
	rc.drStatus = status
	return nil
}

// Current returns a copy of the cached registers.
func (rc *RegisterCache) Current() Registers {
	return rc.current
}

// FPRegisters returns a copy of the cached floating point registers.
func (rc *RegisterCache) FPRegisters() FPRegisters {
	return rc.fpregs.Clone()
}

// DebugStatus returns the cached value of DR6.
func (rc *RegisterCache) DebugStatus() uint64 {
	return rc.drStatus
}

func (rc *RegisterCache) PC() uint64 { return rc.current.PC() }
func (rc *RegisterCache) SP() uint64 { return rc.current.SP() }

func (rc *RegisterCache) Get(slot RegisterSlot) uint64 {
	return rc.current[slot]
}

// Set changes one register and writes the register set to the inferior.
func (rc *RegisterCache) Set(slot RegisterSlot, v uint64) error {
	regs := rc.current
	regs[slot] = rc.arch.wordMask(v)
	return rc.write(&regs)
}

// GetByName returns the value of the register called name.
func (rc *RegisterCache) GetByName(name string) (uint64, error) {
	slot, ok := rc.arch.RegisterSlot(name)
	if !ok {
		return 0, &CommandError{Code: UnknownError, Err: fmt.Errorf("unknown register %q", name)}
	}
	return rc.current[slot], nil
}

// SetByName sets the register called name.
func (rc *RegisterCache) SetByName(name string, v uint64) error {
	slot, ok := rc.arch.RegisterSlot(name)
	if !ok {
		return &CommandError{Code: UnknownError, Err: fmt.Errorf("unknown register %q", name)}
	}
	return rc.Set(slot, v)
}

// write sends regs to the inferior and, if that succeeds, makes it the
// cached register set.
func (rc *RegisterCache) write(regs *Registers) error {
	if err := rc.inf.SetRegisters(regs); err != nil {
		return targetUnavailable(err)
	}
	rc.current = *regs
	return nil
}

// restore writes back a saved snapshot, general purpose registers first.
func (rc *RegisterCache) restore(regs *Registers, fpregs FPRegisters) error {
	if err := rc.inf.SetRegisters(regs); err != nil {
		return fmt.Errorf("can't restore registers: %v", err)
	}
	if err := rc.inf.SetFPRegisters(fpregs); err != nil {
		return fmt.Errorf("can't restore FP registers: %v", err)
	}
	rc.current = *regs
	rc.fpregs = fpregs.Clone()
	return nil
}

func (rc *RegisterCache) clearDebugStatus() error {
	if err := rc.inf.SetDebugRegister(x86util.DR6, 0); err != nil {
		return targetUnavailable(err)
	}
	rc.drStatus = 0
	return nil
}

// Push lowers the stack pointer by len(data), writes data at the new stack
// pointer and persists the register set. The new stack pointer is returned.
func (rc *RegisterCache) Push(data []byte) (uint64, error) {
	sp := rc.arch.wordMask(rc.current.SP() - uint64(len(data)))
	if err := writeMemory(rc.inf, sp, data); err != nil {
		return 0, err
	}
	if err := rc.Set(RegSP, sp); err != nil {
		return 0, err
	}
	return sp, nil
}

// PushRegisters pushes the named registers of the architecture on the
// inferior's stack and returns the new stack pointer.
func (rc *RegisterCache) PushRegisters() (uint64, error) {
	regs := rc.current
	return rc.Push(encodeRegisters(rc.arch, &regs))
}

// PopRegisters discards a register block pushed by PushRegisters.
func (rc *RegisterCache) PopRegisters() error {
	sz := uint64(len(rc.arch.regs) * rc.arch.ptrSize)
	return rc.Set(RegSP, rc.current.SP()+sz)
}

// Frame returns the program counter, stack pointer and frame pointer.
func (rc *RegisterCache) Frame() StackFrame {
	return StackFrame{PC: rc.current.PC(), SP: rc.current.SP(), FP: rc.current.BP()}
}
