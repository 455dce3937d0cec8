package proc

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the failure of a backend command.
type ErrorCode uint8

const (
	// UnknownError is returned when no more specific code applies, for
	// example when aborting an invoke while no invoke is in flight.
	UnknownError ErrorCode = iota + 1
	// NoSuchBreakpoint is returned for an unknown breakpoint id.
	NoSuchBreakpoint
	// HardwareSlotOccupied is returned when no debug register is free or
	// when a software and a hardware breakpoint would share an address.
	HardwareSlotOccupied
	// RecursiveCall is returned when a simple call is injected while
	// another one is still in flight.
	RecursiveCall
	// TargetUnavailable is returned when the inferior can not be read or
	// written, usually because it exited.
	TargetUnavailable
)

func (c ErrorCode) String() string {
	switch c {
	case UnknownError:
		return "unknown error"
	case NoSuchBreakpoint:
		return "no such breakpoint"
	case HardwareSlotOccupied:
		return "hardware breakpoint slot occupied"
	case RecursiveCall:
		return "recursive call"
	case TargetUnavailable:
		return "target unavailable"
	}
	return fmt.Sprintf("error code %d", uint8(c))
}

// CommandError is the error returned by every operation of the backend.
type CommandError struct {
	Code ErrorCode
	Err  error
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a CommandError with the same code, which
// makes errors.Is(err, ErrRecursiveCall) work regardless of the wrapped
// cause.
func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	return ok && t.Code == e.Code
}

var (
	ErrUnknown              = &CommandError{Code: UnknownError}
	ErrNoSuchBreakpoint     = &CommandError{Code: NoSuchBreakpoint}
	ErrHardwareSlotOccupied = &CommandError{Code: HardwareSlotOccupied}
	ErrRecursiveCall        = &CommandError{Code: RecursiveCall}
	ErrTargetUnavailable    = &CommandError{Code: TargetUnavailable}
)

// ErrNoActiveInvoke is wrapped in the UnknownError returned by
// AbortInnermostInvoke when no call is in flight.
var ErrNoActiveInvoke = errors.New("no invoke in progress")

func targetUnavailable(err error) error {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return err
	}
	return &CommandError{Code: TargetUnavailable, Err: err}
}

// CodeOf returns the ErrorCode of err, or UnknownError if err is not a
// CommandError.
func CodeOf(err error) ErrorCode {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return UnknownError
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrProcessDetached is returned when using a process we detached from.
var ErrProcessDetached = errors.New("detached from the process")
