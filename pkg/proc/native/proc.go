//go:build linux && (386 || amd64)

package native

import (
	"runtime"

	"github.com/go-delve/x86backend/pkg/logflags"
	"github.com/go-delve/x86backend/pkg/proc"
)

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
// It implements proc.Inferior.
type Process struct {
	pid int // Process Pid

	// notify is the address the debugged runtime traps at to notify us.
	notify uint64
	// pending is the signal delivered on the next Continue.
	pending int

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	exited, detached bool

	log logflags.Logger
}

var _ proc.Inferior = (*Process)(nil)

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int, notify uint64) *Process {
	dbp := &Process{
		pid:            pid,
		notify:         notify,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.PtraceLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// NotificationAddress returns the notification address passed to Attach.
func (dbp *Process) NotificationAddress() uint64 {
	return dbp.notify
}

// PendingSignal returns the signal that will be delivered by the next
// call to Continue.
func (dbp *Process) PendingSignal() int {
	return dbp.pending
}

func (dbp *Process) SetPendingSignal(sig int) {
	dbp.pending = sig
}

// Detach from the process being debugged, delivering the pending signal.
func (dbp *Process) Detach() (err error) {
	if dbp.exited {
		return nil
	}
	dbp.execPtraceFunc(func() {
		err = ptraceDetach(dbp.pid, dbp.pending)
	})
	if err != nil {
		return err
	}
	dbp.detached = true
	dbp.postExit()
	return nil
}

// Valid returns whether the process is still attached to and
// has not exited.
func (dbp *Process) Valid() (bool, error) {
	if dbp.detached {
		return false, proc.ErrProcessDetached
	}
	if dbp.exited {
		return false, proc.ErrProcessExited{Pid: dbp.pid}
	}
	return true, nil
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) postExit() {
	dbp.exited = true
	close(dbp.ptraceChan)
	close(dbp.ptraceDoneChan)
}
