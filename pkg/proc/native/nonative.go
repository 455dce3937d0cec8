//go:build !linux || !(386 || amd64)

package native

import (
	"errors"

	"github.com/go-delve/x86backend/pkg/proc"
)

var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// Process is the native process of platforms without a native backend.
type Process struct{}

var _ proc.Inferior = (*Process)(nil)

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int, _ uint64) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// DefaultArch returns nil.
func DefaultArch() *proc.Arch {
	return nil
}

func (dbp *Process) Pid() int { return 0 }

func (dbp *Process) Wait() (proc.Signal, error) { return 0, ErrNativeBackendDisabled }

func (dbp *Process) Continue() error { return ErrNativeBackendDisabled }

func (dbp *Process) Detach() error { return ErrNativeBackendDisabled }

func (dbp *Process) Kill() error { return ErrNativeBackendDisabled }

func (dbp *Process) Valid() (bool, error) { return false, ErrNativeBackendDisabled }

func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (dbp *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (dbp *Process) Registers() (proc.Registers, error) {
	return proc.Registers{}, ErrNativeBackendDisabled
}

func (dbp *Process) SetRegisters(regs *proc.Registers) error { return ErrNativeBackendDisabled }

func (dbp *Process) FPRegisters() (proc.FPRegisters, error) { return nil, ErrNativeBackendDisabled }

func (dbp *Process) SetFPRegisters(fpregs proc.FPRegisters) error { return ErrNativeBackendDisabled }

func (dbp *Process) DebugRegister(idx int) (uint64, error) { return 0, ErrNativeBackendDisabled }

func (dbp *Process) SetDebugRegister(idx int, value uint64) error { return ErrNativeBackendDisabled }

func (dbp *Process) PendingSignal() int { return 0 }

func (dbp *Process) SetPendingSignal(sig int) {}

func (dbp *Process) NotificationAddress() uint64 { return 0 }
