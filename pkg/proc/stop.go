package proc

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/x86backend/pkg/logflags"
)

// StopAction is the cause of a stop of the inferior.
type StopAction uint8

const (
	// StopStopped is an unrelated stop, for example a fault.
	StopStopped StopAction = iota
	// StopInterrupted is a stop caused by SIGSTOP.
	StopInterrupted
	// StopBreakpointHit is a software or hardware breakpoint hit.
	StopBreakpointHit
	// StopCallback is the completion of an injected call.
	StopCallback
	// StopCallbackCompleted is the completion of a debug-only runtime invoke.
	StopCallbackCompleted
	// StopNotification is a notification from the debugged runtime.
	StopNotification
)

func (a StopAction) String() string {
	switch a {
	case StopStopped:
		return "stopped"
	case StopInterrupted:
		return "interrupted"
	case StopBreakpointHit:
		return "breakpoint hit"
	case StopCallback:
		return "callback"
	case StopCallbackCompleted:
		return "callback completed"
	case StopNotification:
		return "notification"
	}
	return fmt.Sprintf("StopAction(%d)", uint8(a))
}

// StopOutcome is the classification of one stop.
type StopOutcome struct {
	Action StopAction
	// BreakpointID is the id of the breakpoint that was hit, 0 for a
	// breakpoint instruction that isn't in the breakpoint table.
	BreakpointID int
	// Callback is the token passed to the invoke call that completed, or
	// the first word of a notification.
	Callback uint64
	// Value and Value2 are the primary and secondary result of a call
	// or the payload of a notification.
	Value, Value2 uint64
}

func (o StopOutcome) String() string {
	switch o.Action {
	case StopBreakpointHit:
		return fmt.Sprintf("%s (breakpoint %d)", o.Action, o.BreakpointID)
	case StopCallback, StopCallbackCompleted, StopNotification:
		return fmt.Sprintf("%s (callback %#x, values %#x %#x)", o.Action, o.Callback, o.Value, o.Value2)
	}
	return o.Action.String()
}

// Signal is the number of the signal that stopped the inferior.
type Signal int

// Signals the classifier gives a meaning to, numbered as on Linux x86.
const (
	SIGTRAP Signal = 5
	SIGSTOP Signal = 19
)

func (s Signal) String() string {
	switch s {
	case SIGTRAP:
		return "SIGTRAP"
	case SIGSTOP:
		return "SIGSTOP"
	}
	return fmt.Sprintf("signal %d", int(s))
}

// fatalf is called when the inferior's state was corrupted in a way that
// makes any further result untrustworthy. It does not return.
var fatalf = func(format string, args ...interface{}) {
	logflags.BackendLogger().Fatalf(format, args...)
}

// notificationRecordSize is the size of the callback token and the two
// values the runtime passes to its notification function.
const notificationRecordSize = 24

// ClassifyStop determines why the inferior stopped with signal sig and
// updates the breakpoint and call state accordingly. It must be called
// once for every stop of the inferior.
//
// The checks are ordered: breakpoints can be hit while an injected call is
// in flight, so they are checked before call completion.
func (t *Target) ClassifyStop(sig Signal) (StopOutcome, error) {
	if err := t.regs.Refresh(); err != nil {
		return StopOutcome{Action: StopStopped}, err
	}
	outcome := t.classifyStop(sig)
	if logflags.Stops() {
		t.stopLog.Debugf("signal %v at %#x: %v", sig, t.regs.PC(), outcome)
	}
	return outcome, nil
}

func (t *Target) classifyStop(sig Signal) StopOutcome {
	if sig == SIGSTOP {
		return StopOutcome{Action: StopInterrupted}
	}

	regs := t.regs.Current()
	pc := regs.PC()

	if notify := t.inf.NotificationAddress(); notify != 0 && t.arch.wordMask(pc-1) == notify {
		buf, err := readMemory(t.inf, t.arch.wordMask(regs.SP()+uint64(t.arch.ptrSize)), notificationRecordSize)
		if err != nil {
			t.log.Warnf("could not read notification record: %v", err)
			return StopOutcome{Action: StopStopped}
		}
		return StopOutcome{
			Action:   StopNotification,
			Callback: binary.LittleEndian.Uint64(buf[0:]),
			Value:    binary.LittleEndian.Uint64(buf[8:]),
			Value2:   binary.LittleEndian.Uint64(buf[16:]),
		}
	}

	if bp, ok := t.bpm.classifyBreakpoint(t.regs.DebugStatus(), pc); ok {
		if bp.Kind == HardwareBreakpoint {
			if err := t.regs.clearDebugStatus(); err != nil {
				t.log.Warnf("could not clear debug status after DR%d hit: %v", bp.HWBreakIndex, err)
			}
		} else if err := t.regs.Set(RegIP, pc-1); err != nil {
			t.log.Warnf("could not rewind pc to breakpoint %d: %v", bp.ID, err)
		}
		return StopOutcome{Action: StopBreakpointHit, BreakpointID: bp.ID}
	}

	if frame := t.innermostFrame(); frame != nil && frame.kind == runtimeInvokeCall && frame.callAddr == pc {
		return t.completeRuntimeInvoke(frame, &regs)
	}

	frame := t.topLevelFrame()
	if frame == nil || frame.callAddr != pc {
		if sig != SIGTRAP {
			return StopOutcome{Action: StopStopped}
		}
		buf, err := readMemory(t.inf, t.arch.wordMask(pc-1), 1)
		if err != nil {
			return StopOutcome{Action: StopStopped}
		}
		if buf[0] == t.arch.BreakpointInstruction()[0] {
			return StopOutcome{Action: StopBreakpointHit, BreakpointID: 0}
		}
		return StopOutcome{Action: StopStopped}
	}

	retval := t.arch.wordMask(regs[t.arch.retRegs[0]])
	retval2 := t.arch.wordMask(regs[t.arch.retRegs[1]])
	t.completeCall(frame)
	t.refreshAfterCall()
	return StopOutcome{Action: StopCallback, Callback: frame.callback, Value: retval, Value2: retval2}
}

func (t *Target) completeRuntimeInvoke(frame *callFrame, regs *Registers) StopOutcome {
	retval := t.arch.wordMask(regs[t.arch.retRegs[0]])
	t.completeCall(frame)

	var exc uint64
	if frame.excAddr != 0 {
		var err error
		exc, err = peekWord(t.inf, t.arch, frame.excAddr)
		if err != nil {
			fatalf("can't read exception object at %#x: %v", frame.excAddr, err)
			return StopOutcome{Action: StopStopped}
		}
	}
	t.refreshAfterCall()

	if frame.debug {
		return StopOutcome{Action: StopCallbackCompleted, Callback: frame.callback, Value: 0, Value2: exc}
	}
	return StopOutcome{Action: StopCallback, Callback: frame.callback, Value: retval, Value2: exc}
}

func (t *Target) refreshAfterCall() {
	if err := t.regs.Refresh(); err != nil {
		t.log.Warnf("could not read registers after returning from a call: %v", err)
	}
}

// CurrentInstructionIsBreakpoint returns true if a breakpoint is set at
// the current program counter.
func (t *Target) CurrentInstructionIsBreakpoint() bool {
	_, ok := t.bpm.Lookup(t.regs.PC())
	return ok
}
