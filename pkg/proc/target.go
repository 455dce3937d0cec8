package proc

import (
	"github.com/go-delve/x86backend/pkg/logflags"
)

// Target is the architecture specific backend of one inferior: it owns the
// register cache and the injected call frames and shares the breakpoint
// manager it was created with.
type Target struct {
	inf  Inferior
	arch *Arch
	regs *RegisterCache
	bpm  *BreakpointManager

	// calls are the injected calls in flight, innermost last.
	calls []*callFrame

	log       logflags.Logger
	fncallLog logflags.Logger
	stopLog   logflags.Logger
}

// NewTarget returns the backend for inf, which must be stopped. bpm is the
// breakpoint table of inf.
func NewTarget(inf Inferior, arch *Arch, bpm *BreakpointManager) (*Target, error) {
	t := &Target{
		inf:       inf,
		arch:      arch,
		regs:      newRegisterCache(inf, arch),
		bpm:       bpm,
		log:       logflags.BackendLogger(),
		fncallLog: logflags.FnCallLogger(),
		stopLog:   logflags.StopsLogger(),
	}
	if err := t.regs.Refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) Arch() *Arch { return t.arch }

// Registers returns the register cache of the inferior.
func (t *Target) Registers() *RegisterCache { return t.regs }

// Breakpoints returns the breakpoint table of the inferior.
func (t *Target) Breakpoints() *BreakpointManager { return t.bpm }

// Register returns the value of the register called name.
func (t *Target) Register(name string) (uint64, error) {
	return t.regs.GetByName(name)
}

// SetRegister sets the register called name and writes it to the inferior.
func (t *Target) SetRegister(name string, v uint64) error {
	return t.regs.SetByName(name, v)
}

// Frame returns the program counter, stack pointer and frame pointer of
// the inferior.
func (t *Target) Frame() StackFrame {
	return t.regs.Frame()
}

// TargetInfo returns the data model of the inferior.
func (t *Target) TargetInfo() TargetInfo {
	return t.arch.TargetInfo()
}

func (t *Target) InsertBreakpoint(addr uint64) (int, error) {
	return t.bpm.InsertSoftware(addr)
}

func (t *Target) InsertHardwareBreakpoint(wtype WatchType, addr uint64) (uint8, int, error) {
	return t.bpm.InsertHardware(wtype, addr)
}

func (t *Target) RemoveBreakpoint(id int) error {
	return t.bpm.Remove(id)
}

func (t *Target) EnableBreakpoint(id int) error {
	return t.bpm.Enable(id)
}

func (t *Target) DisableBreakpoint(id int) error {
	return t.bpm.Disable(id)
}

// ReadMemory reads len(buf) bytes at addr. Breakpoint instructions
// inserted by the breakpoint manager are replaced with the original bytes.
func (t *Target) ReadMemory(buf []byte, addr uint64) (int, error) {
	return t.bpm.ReadMemory(buf, addr)
}

// RemoveBreakpointsFromRange replaces the breakpoint instructions in buf,
// which holds memory read from start, with the original bytes.
func (t *Target) RemoveBreakpointsFromRange(start uint64, buf []byte) {
	t.bpm.StripFromBuffer(start, buf)
}

// Continue resumes the inferior.
func (t *Target) Continue() error {
	if err := t.inf.Continue(); err != nil {
		return targetUnavailable(err)
	}
	return nil
}
