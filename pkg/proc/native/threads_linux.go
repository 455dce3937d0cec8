//go:build linux && (386 || amd64)

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/x86backend/pkg/logflags"
	"github.com/go-delve/x86backend/pkg/proc"
)

// ReadMemory reads len(buf) bytes at addr.
func (dbp *Process) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	if len(buf) == 0 {
		return 0, nil
	}
	dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(dbp.pid, uintptr(addr), buf) })
	if err == nil && n != len(buf) {
		err = fmt.Errorf("could not read memory at %#x: %d of %d bytes read", addr, n, len(buf))
	}
	if logflags.Ptrace() {
		dbp.log.Debugf("read %d bytes at %#x: % x", n, addr, buf[:n])
	}
	return n, err
}

// WriteMemory writes data at addr.
func (dbp *Process) WriteMemory(addr uint64, data []byte) (written int, err error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	if len(data) == 0 {
		return 0, nil
	}
	dbp.execPtraceFunc(func() { written, err = sys.PtracePokeData(dbp.pid, uintptr(addr), data) })
	if logflags.Ptrace() {
		dbp.log.Debugf("wrote %d bytes at %#x: % x", written, addr, data[:written])
	}
	return written, err
}

// Registers returns the general purpose registers of the process.
func (dbp *Process) Registers() (proc.Registers, error) {
	if dbp.exited {
		return proc.Registers{}, proc.ErrProcessExited{Pid: dbp.pid}
	}
	var regs sys.PtraceRegs
	var err error
	dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(dbp.pid, &regs) })
	if err != nil {
		return proc.Registers{}, err
	}
	return fromPtraceRegs(&regs), nil
}

// SetRegisters writes the general purpose registers of the process.
func (dbp *Process) SetRegisters(regs *proc.Registers) error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid}
	}
	var err error
	dbp.execPtraceFunc(func() {
		var cur sys.PtraceRegs
		if err = sys.PtraceGetRegs(dbp.pid, &cur); err != nil {
			return
		}
		toPtraceRegs(regs, &cur)
		err = sys.PtraceSetRegs(dbp.pid, &cur)
	})
	return err
}

// FPRegisters returns the FP register area of the process.
func (dbp *Process) FPRegisters() (proc.FPRegisters, error) {
	if dbp.exited {
		return nil, proc.ErrProcessExited{Pid: dbp.pid}
	}
	buf := make([]byte, fpRegsSize)
	var err error
	dbp.execPtraceFunc(func() { err = ptraceGetFpRegs(dbp.pid, buf) })
	if err != nil {
		return nil, err
	}
	return proc.FPRegisters(buf), nil
}

// SetFPRegisters writes the FP register area of the process.
func (dbp *Process) SetFPRegisters(fpregs proc.FPRegisters) error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid}
	}
	if len(fpregs) != fpRegsSize {
		return fmt.Errorf("wrong FP register area size %d (expected %d)", len(fpregs), fpRegsSize)
	}
	var err error
	dbp.execPtraceFunc(func() { err = ptraceSetFpRegs(dbp.pid, fpregs) })
	return err
}

func debugRegOffset(idx int) (uintptr, error) {
	if idx < 0 || idx > 7 || idx == 4 || idx == 5 {
		// Linux will return EIO for DR4 and DR5
		return 0, fmt.Errorf("invalid debug register DR%d", idx)
	}
	return debugRegUserOffset + uintptr(idx*ptrSize), nil
}

// DebugRegister reads debug register DRidx.
func (dbp *Process) DebugRegister(idx int) (uint64, error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	off, err := debugRegOffset(idx)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, ptrSize)
	dbp.execPtraceFunc(func() { _, err = sys.PtracePeekUser(dbp.pid, off, buf) })
	if err != nil {
		return 0, err
	}
	return wordFromBytes(buf), nil
}

// SetDebugRegister writes debug register DRidx.
func (dbp *Process) SetDebugRegister(idx int, value uint64) error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid}
	}
	off, err := debugRegOffset(idx)
	if err != nil {
		return err
	}
	buf := wordToBytes(value)
	dbp.execPtraceFunc(func() { _, err = sys.PtracePokeUser(dbp.pid, off, buf) })
	if logflags.Ptrace() {
		dbp.log.Debugf("DR%d = %#x: %v", idx, value, err)
	}
	return err
}
